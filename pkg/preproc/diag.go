package preproc

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Severity is the level of a diagnostic message.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

var severityNames = map[Severity]string{
	SeverityDebug:   "debug",
	SeverityInfo:    "info",
	SeverityWarning: "warning",
	SeverityError:   "error",
	SeverityFatal:   "error",
}

// ParseSeverity converts a --log level name to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "debug":
		return SeverityDebug, nil
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "fatal":
		return SeverityFatal, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

const ansiReset = "\x1b[0m"

var severityColors = map[Severity]string{
	SeverityWarning: "\x1b[33m",
	SeverityError:   "\x1b[31m",
	SeverityFatal:   "\x1b[31m",
}

// Diagnostics collects and reports the preprocessor's diagnostics. Fatals
// and errors increment the error counter without stopping the run; the
// counters are the only channel through which aggregate failure is
// observed.
type Diagnostics struct {
	w            io.Writer
	color        bool
	minLevel     Severity
	ignoreErrors bool

	maxSuggestions int

	errors   int
	warnings int
}

// NewDiagnostics returns a Diagnostics writing to w (standard error when
// nil), reporting messages of severity minLevel and above. With
// ignoreErrors set, recoverable errors are downgraded to warnings.
func NewDiagnostics(w io.Writer, minLevel Severity, ignoreErrors bool) *Diagnostics {
	color := false
	if w == nil {
		color = isatty.IsTerminal(os.Stderr.Fd())
		w = colorable.NewColorableStderr()
	}
	return &Diagnostics{
		w:              w,
		color:          color,
		minLevel:       minLevel,
		ignoreErrors:   ignoreErrors,
		maxSuggestions: 5,
	}
}

// SetMaxSuggestions caps the number of fuzzy-match suggestions reported
// for a misspelled identifier.
func (d *Diagnostics) SetMaxSuggestions(n int) {
	d.maxSuggestions = n
}

// Errors returns the number of fatal and non-downgraded errors reported.
func (d *Diagnostics) Errors() int { return d.errors }

// Warnings returns the number of warnings reported.
func (d *Diagnostics) Warnings() int { return d.warnings }

// Success reports whether the run produced no errors.
func (d *Diagnostics) Success() bool { return d.errors == 0 }

// Fatalf reports a structural violation. It increments the error counter
// but does not stop processing of the current line.
func (d *Diagnostics) Fatalf(pos Position, format string, args ...interface{}) {
	d.errors++
	d.report(SeverityFatal, pos, format, args...)
}

// Errorf reports a recoverable error. It counts as a fatal unless the
// ignore-errors mode is active, in which case it is reported as a warning
// and execution proceeds as if nothing failed.
func (d *Diagnostics) Errorf(pos Position, format string, args ...interface{}) {
	if d.ignoreErrors {
		d.Warnf(pos, format, args...)
		return
	}
	d.errors++
	d.report(SeverityError, pos, format, args...)
}

// Warnf reports a warning. Warnings are counted but never suppress output.
func (d *Diagnostics) Warnf(pos Position, format string, args ...interface{}) {
	d.warnings++
	d.report(SeverityWarning, pos, format, args...)
}

// Infof reports an informational message.
func (d *Diagnostics) Infof(pos Position, format string, args ...interface{}) {
	d.report(SeverityInfo, pos, format, args...)
}

// Debugf reports a debug message.
func (d *Diagnostics) Debugf(pos Position, format string, args ...interface{}) {
	d.report(SeverityDebug, pos, format, args...)
}

func (d *Diagnostics) report(sev Severity, pos Position, format string, args ...interface{}) {
	if sev < d.minLevel {
		return
	}
	name := severityNames[sev]
	if d.color {
		if c, ok := severityColors[sev]; ok {
			name = c + name + ansiReset
		}
	}
	msg := fmt.Sprintf(format, args...)
	if pos.Line > 0 {
		fmt.Fprintf(d.w, "%s: %s: %s\n", pos, name, msg)
	} else {
		fmt.Fprintf(d.w, "%s: %s\n", name, msg)
	}
}

// Summary writes the error and warning counts that terminate a failed run.
func (d *Diagnostics) Summary() {
	fmt.Fprintf(d.w, "%d errors, %d warnings\n", d.errors, d.warnings)
}

// Suggest reports the closest lexical matches for a misspelled identifier
// out of pool. An empty result is silently acceptable; a suggestion is
// only a hint, never a failure.
func (d *Diagnostics) Suggest(pos Position, name string, pool []string) {
	matches := ClosestMatches(name, pool, d.maxSuggestions)
	if len(matches) == 0 {
		return
	}
	d.Infof(pos, "did you mean %s?", strings.Join(matches, ", "))
}

// ClosestMatches returns up to max elements of pool lexically closest to
// name, nearest first.
func ClosestMatches(name string, pool []string, max int) []string {
	if len(pool) == 0 || max <= 0 {
		return nil
	}

	t := trie.New()
	for _, id := range pool {
		t.Add(id, nil)
	}

	// Fuzzy search requires the candidate to contain the query's runes in
	// order; retry with shrinking prefixes of the query so that typos in
	// the tail still produce matches.
	var candidates []string
	for q := name; len(q) > 0 && len(candidates) == 0; q = q[:len(q)-1] {
		candidates = t.FuzzySearch(q)
	}
	if len(candidates) == 0 {
		candidates = pool
	}

	type scored struct {
		id   string
		dist int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		dist := editDistance(name, id)
		if dist > len(name)/2+2 {
			continue
		}
		ranked = append(ranked, scored{id, dist})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })

	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]string, len(ranked))
	for i := range ranked {
		out[i] = ranked[i].id
	}
	return out
}

// editDistance returns the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
