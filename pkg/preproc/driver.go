package preproc

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/adbi-tools/adbicc/pkg/logflags"
)

// Options configures one preprocessing run.
type Options struct {
	// ScriptName is the script identifier used in diagnostics and line
	// origin markers.
	ScriptName string
	// ScriptDir is the directory relative binary paths are resolved
	// against.
	ScriptDir string
	// Sysroot is the logical root under which absolute binary paths are
	// resolved.
	Sysroot string
	// SubstitutePath rules rewrite source paths stored in the binary's
	// debug information before file:line resolution.
	SubstitutePath [][2]string
}

// Processor interprets the directives of one handler script. Its lifecycle
// is exactly one preprocessing run.
type Processor struct {
	opts   Options
	diag   *Diagnostics
	open   OpenFunc
	logger *logrus.Entry

	binary     DebugInfo
	binaryPath string
	hctx       *handlerContext

	// handlerAddrs records the position of the handler block opened for
	// each resolved address, for duplicate instrumentation detection.
	handlerAddrs map[uint64]Position

	out *outputBuffer
}

// NewProcessor returns a Processor reporting through diag and opening
// binaries through open.
func NewProcessor(opts Options, diag *Diagnostics, open OpenFunc) *Processor {
	return &Processor{
		opts:         opts,
		diag:         diag,
		open:         open,
		logger:       logflags.GenLogger(),
		handlerAddrs: make(map[uint64]Position),
	}
}

// preamble is the fixed set of standard includes every generated handler
// source starts with.
var preamble = []string{
	"#include <adbi/handler.h>",
	"#include <adbi/regs.h>",
	"",
}

// Run processes the whole script and returns the generated output lines.
// The caller must check the diagnostics' error counter before writing the
// output anywhere.
func (p *Processor) Run(r io.Reader) []string {
	p.out = newOutputBuffer(p.opts.ScriptName)
	p.out.raw(preamble...)

	sc := NewScanner(r)
	for sc.Scan() {
		ln := sc.Line()
		if ln.Directive == "" {
			p.out.passthrough(ln.Num, ln.Text)
			continue
		}
		p.out.directive(ln.Num, p.dispatch(ln))
	}
	if err := sc.Err(); err != nil {
		p.diag.Fatalf(Position{Script: p.opts.ScriptName}, "reading script: %v", err)
	}

	if p.hctx != nil {
		p.diag.Fatalf(p.hctx.pos, "missing #endhandler for handler %s", p.hctx.spec)
	}

	if p.binaryPath != "" {
		p.out.raw("", fmt.Sprintf("const char __adbi_binary[] __attribute__((section(%q))) = %q;",
			".adbi.payload", p.binaryPath))
	}

	return p.out.Lines()
}

func (p *Processor) pos(ln Line) Position {
	return Position{Script: p.opts.ScriptName, Line: ln.Num}
}

type directiveSpec struct {
	minArgs int
	maxArgs int
	fn      func(*Processor, Line) []string
}

var directiveTable = map[string]directiveSpec{
	"binary":     {1, 1, (*Processor).binaryDirective},
	"handler":    {1, 1, (*Processor).handlerDirective},
	"endhandler": {0, 0, (*Processor).endhandlerDirective},
	"gettype":    {1, 1, (*Processor).gettypeDirective},
	"getvar":     {1, 2, (*Processor).getvarDirective},
}

// dispatch maps a directive line to its handler, converting arity
// mismatches into diagnostics instead of letting them propagate.
func (p *Processor) dispatch(ln Line) []string {
	pos := p.pos(ln)

	spec, ok := directiveTable[ln.Directive]
	if !ok {
		p.diag.Fatalf(pos, "unrecognized directive #%s", ln.Directive)
		return nil
	}
	if ln.ArgErr != nil {
		p.diag.Fatalf(pos, "malformed arguments to #%s: %v", ln.Directive, ln.ArgErr)
		return nil
	}
	if len(ln.Args) < spec.minArgs || len(ln.Args) > spec.maxArgs {
		p.diag.Fatalf(pos, "#%s expects %s, got %d", ln.Directive, arityString(spec), len(ln.Args))
		return nil
	}

	p.logger.Debugf("dispatching #%s %v at %s", ln.Directive, ln.Args, pos)
	return spec.fn(p, ln)
}

func arityString(spec directiveSpec) string {
	if spec.minArgs == spec.maxArgs {
		if spec.minArgs == 1 {
			return "1 argument"
		}
		return fmt.Sprintf("%d arguments", spec.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", spec.minArgs, spec.maxArgs)
}
