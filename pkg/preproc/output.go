package preproc

import (
	"fmt"
)

// outputBuffer accumulates generated output lines, inserting #line origin
// markers whenever the output diverges from a strict 1:1 correspondence
// with the input script, so that downstream compiler diagnostics stay
// anchored to the original script.
type outputBuffer struct {
	scriptName string
	lines      []string

	// mapped is true while the previous emitted unit was a single line
	// still in 1:1 correspondence with the input; nextLine is the input
	// line the next 1:1 output line would correspond to.
	mapped   bool
	nextLine int
}

func newOutputBuffer(scriptName string) *outputBuffer {
	return &outputBuffer{scriptName: scriptName}
}

func (b *outputBuffer) marker(line int) string {
	return fmt.Sprintf("#line %d \"%s\"", line, b.scriptName)
}

// raw appends preamble or trailer text that has no input line of origin.
func (b *outputBuffer) raw(lines ...string) {
	b.lines = append(b.lines, lines...)
	b.mapped = false
}

// passthrough copies an input line verbatim, re-anchoring line-origin
// tracking first if the 1:1 correspondence was lost.
func (b *outputBuffer) passthrough(num int, text string) {
	if !b.mapped || b.nextLine != num {
		b.lines = append(b.lines, b.marker(num))
	}
	b.lines = append(b.lines, text)
	b.mapped = true
	b.nextLine = num + 1
}

// directive appends the lines generated for the directive at input line
// num. Every generated line after the first gets its own origin marker so
// it can be independently attributed; a directive generating exactly one
// line keeps the 1:1 correspondence alive.
func (b *outputBuffer) directive(num int, generated []string) {
	if len(generated) == 0 {
		b.mapped = false
		return
	}
	if !b.mapped || b.nextLine != num {
		b.lines = append(b.lines, b.marker(num))
	}
	b.lines = append(b.lines, generated[0])
	for _, ln := range generated[1:] {
		b.lines = append(b.lines, b.marker(num), ln)
	}
	b.mapped = len(generated) == 1
	b.nextLine = num + 1
}

// Lines returns the accumulated output.
func (b *outputBuffer) Lines() []string {
	return b.lines
}
