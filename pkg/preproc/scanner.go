package preproc

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cosiner/argv"
	"github.com/sirupsen/logrus"

	"github.com/adbi-tools/adbicc/pkg/logflags"
)

// directiveWords is the closed set of words that make a line beginning
// with '#' a preprocessor directive. Any other '#' line passes through
// unchanged, which lets scripts contain directives intended for the
// downstream C compiler.
var directiveWords = map[string]bool{
	"binary":     true,
	"handler":    true,
	"endhandler": true,
	"gettype":    true,
	"getvar":     true,
}

// Line is one scanned line of the input script.
type Line struct {
	// Num is the 1-indexed line number.
	Num int
	// Text is the decoded raw text of the line, without the terminator.
	Text string
	// Directive is the lower-cased directive word, empty for pass-through
	// lines.
	Directive string
	// Args are the shell-tokenized directive arguments.
	Args []string
	// ArgErr is set when the directive arguments could not be tokenized.
	ArgErr error
}

// Scanner splits a script into a lazy sequence of classified lines.
type Scanner struct {
	s      *bufio.Scanner
	line   int
	cur    Line
	logger *logrus.Entry
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{s: s, logger: logflags.ScannerLogger()}
}

// Scan advances to the next line. It returns false at end of input or on a
// read error.
func (sc *Scanner) Scan() bool {
	if !sc.s.Scan() {
		return false
	}
	sc.line++
	sc.cur = classify(sc.line, decodeLenient(sc.s.Bytes()))
	if logflags.Scanner() {
		if sc.cur.Directive != "" {
			sc.logger.Debugf("line %d: directive #%s %q", sc.cur.Num, sc.cur.Directive, sc.cur.Args)
		} else {
			sc.logger.Debugf("line %d: passthrough", sc.cur.Num)
		}
	}
	return true
}

// Line returns the last line scanned.
func (sc *Scanner) Line() Line {
	return sc.cur
}

// Err returns the first read error encountered by the scanner.
func (sc *Scanner) Err() error {
	return sc.s.Err()
}

// decodeLenient decodes b as UTF-8, replacing invalid sequences with the
// replacement rune instead of failing the scan.
func decodeLenient(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

func classify(num int, text string) Line {
	ln := Line{Num: num, Text: text}

	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, "#") {
		return ln
	}
	rest := trimmed[1:]

	i := 0
	for i < len(rest) && (rest[i] >= 'a' && rest[i] <= 'z' || rest[i] >= 'A' && rest[i] <= 'Z') {
		i++
	}
	if i < len(rest) && !unicode.IsSpace(rune(rest[i])) {
		return ln
	}
	word := strings.ToLower(rest[:i])
	if !directiveWords[word] {
		return ln
	}

	ln.Directive = word
	ln.Args, ln.ArgErr = tokenize(rest[i:])
	return ln
}

// tokenize splits a directive's argument text using shell quoting rules.
func tokenize(args string) ([]string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in %q", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal directive arguments %q", args)
	}
	return v[0], nil
}
