// Package locspec implements the parsing and resolution of the location
// specifiers accepted by the #handler directive.
package locspec

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// LocationSpec is an interface that represents a parsed location spec string.
type LocationSpec interface {
	// Resolve returns the address the location spec refers to inside the
	// binary described by resolver.
	Resolve(resolver Resolver) (uint64, error)
}

// Resolver is the subset of the debug-info backend needed to resolve a
// location spec to an address.
type Resolver interface {
	// LineToPC returns the first statement address generated for the given
	// source line.
	LineToPC(file string, line int) (uint64, error)
	// FuncToPC returns the entry address of the named function.
	FuncToPC(name string) (uint64, error)
}

// NormalLocationSpec represents a file:line location spec.
type NormalLocationSpec struct {
	Base string
	Line int
}

// FuncLocationSpec represents a location spec that is a function name.
type FuncLocationSpec struct {
	Name string
}

// AddrLocationSpec represents an address when used as a location spec.
type AddrLocationSpec struct {
	AddrExpr string
}

// Parse will turn locStr into a parsed LocationSpec.
func Parse(locStr string) (LocationSpec, error) {
	rest := locStr

	malformed := func(reason string) error {
		return fmt.Errorf("malformed handler location %q: %s", locStr, reason)
	}

	if len(rest) == 0 {
		return nil, malformed("empty string")
	}

	if rest[0] == '*' {
		return &AddrLocationSpec{AddrExpr: rest[1:]}, nil
	}

	if strings.HasPrefix(rest, "0x") || strings.HasPrefix(rest, "0X") {
		return &AddrLocationSpec{AddrExpr: rest}, nil
	}

	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		line, err := strconv.Atoi(rest[idx+1:])
		if err != nil {
			return nil, malformed("expected line number after colon: " + err.Error())
		}
		if line <= 0 {
			return nil, malformed("line number must be positive")
		}
		if rest[:idx] == "" {
			return nil, malformed("empty file name")
		}
		return &NormalLocationSpec{Base: rest[:idx], Line: line}, nil
	}

	return &FuncLocationSpec{Name: rest}, nil
}

// Resolve looks the file:line pair up in the binary's line table. The base
// is compared with the full path stored in the line table, or with its last
// path components when the spec is relative.
func (spec *NormalLocationSpec) Resolve(resolver Resolver) (uint64, error) {
	return resolver.LineToPC(spec.Base, spec.Line)
}

// Resolve returns the entry point of the named function.
func (spec *FuncLocationSpec) Resolve(resolver Resolver) (uint64, error) {
	return resolver.FuncToPC(spec.Name)
}

// Resolve evaluates the address expression. Only integer literals are
// accepted.
func (spec *AddrLocationSpec) Resolve(resolver Resolver) (uint64, error) {
	addr, err := strconv.ParseUint(spec.AddrExpr, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address expression %q: %v", spec.AddrExpr, err)
	}
	return addr, nil
}

// PathMatch reports whether the path stored in a binary's line table
// matches a user specified path. A relative user path matches any line
// table path it is a suffix of, component-wise.
func PathMatch(tablePath, userPath string) bool {
	tablePath = filepath.ToSlash(tablePath)
	userPath = filepath.ToSlash(userPath)
	if strings.HasPrefix(userPath, "/") {
		return tablePath == userPath
	}
	if tablePath == userPath {
		return true
	}
	return strings.HasSuffix(tablePath, "/"+userPath)
}

// SubstitutePath applies the specified path substitution rules to path.
func SubstitutePath(path string, rules [][2]string) string {
	for _, r := range rules {
		from, to := r[0], r[1]
		if from == "" {
			if !filepath.IsAbs(path) {
				return filepath.Join(to, path)
			}
			continue
		}
		if strings.HasPrefix(path, from) {
			return to + path[len(from):]
		}
	}
	return path
}
