// Package preproc implements the handler-script preprocessor: it reads an
// annotated instrumentation script, resolves its directives against a
// binary's debug information and emits compilable C for an injectable
// handler, leaving all other script text untouched.
//
// The package only consumes debug information through the DebugInfo, Type,
// Variable and LocationExpr interfaces; pkg/debuginfo provides the
// ELF/DWARF backed implementation.
package preproc

import (
	"fmt"
)

// Position identifies a line of the input script, used for diagnostics and
// duplicate detection.
type Position struct {
	Script string
	Line   int
}

func (pos Position) String() string {
	return fmt.Sprintf("%s:%d", pos.Script, pos.Line)
}

// TypeDep is one entry of a type's dependency order.
type TypeDep struct {
	Type     Type
	NeedsDef bool
}

// Type is a type read from a binary's debug information. Implementations
// must be comparable so they can be used as map keys by the dependency
// resolver.
type Type interface {
	// Name returns the name the type is known by in the debug information.
	Name() string
	// Declare returns the C lines forward-declaring the type.
	Declare() []string
	// Define returns the C lines fully defining the type.
	Define() []string
	// DependencyOrder returns the types that have to be emitted for this
	// type to be usable, in emission order, ending with the type itself.
	// Entries with NeedsDef set require a full definition, the others a
	// forward declaration.
	DependencyOrder() []TypeDep
	// HardRequirements returns the types that must be fully defined
	// before this type can be defined.
	HardRequirements() []Type
	// SoftRequirements returns the types that must be at least forward
	// declared before this type can be defined.
	SoftRequirements() []Type
	// DeclareVar returns the C lines declaring a variable of this type
	// with the given name.
	DeclareVar(name string) []string
	// IsScalar reports whether values of this type are assigned directly
	// rather than copied with memcpy.
	IsScalar() bool
}

// LocationExpr describes where a value lives at a given address, compiled
// to C.
type LocationExpr interface {
	// UsesFrameBase reports whether evaluating the location requires the
	// function frame base.
	UsesFrameBase() bool
	// UsesCFA reports whether evaluating the location requires the
	// canonical frame address.
	UsesCFA() bool
	// RenderAddress returns the C expression computing the location.
	RenderAddress() (string, error)
	// RenderAssignment returns the C statements assigning the located
	// value to dest. typeHint, when not empty, is the C storage type of
	// dest.
	RenderAssignment(dest string, scalar bool, typeHint string) ([]string, error)
}

// Variable is a variable visible at some address in the binary.
type Variable interface {
	Name() string
	Type() Type
	// Location returns the variable's location expression at the address
	// it was looked up at.
	Location() (LocationExpr, error)
}

// InsnSet classifies the instruction encoding in use at an address.
type InsnSet int

const (
	InsnSetARM InsnSet = iota
	InsnSetThumb
)

// DebugInfo is the debug-information backend for one binary. It is opened
// once and read-only afterwards.
type DebugInfo interface {
	// Path returns the path the binary was opened from.
	Path() string
	// ResolveLocation resolves a #handler location spec (file:line or
	// address expression or function name) to an address.
	ResolveLocation(spec string) (uint64, error)
	// SymbolAddr resolves a raw symbol name through the binary's symbol
	// table, the fallback when ResolveLocation fails.
	SymbolAddr(name string) (uint64, error)
	// TypeByName looks a type up by name.
	TypeByName(name string) (Type, error)
	// TypeNames returns the names of all named types, used as the
	// suggestion pool for misspelled type names.
	TypeNames() []string
	// LookupVariable finds a variable by name among those visible at pc.
	LookupVariable(name string, pc uint64) (Variable, error)
	// VisibleVariables returns the names of the variables visible at pc.
	VisibleVariables(pc uint64) []string
	// FrameBase returns the location expression of the frame base of the
	// function containing pc.
	FrameBase(pc uint64) (LocationExpr, error)
	// CFA returns the location expression computing the canonical frame
	// address at pc.
	CFA(pc uint64) (LocationExpr, error)
	// InsnSet classifies the instruction encoding at pc.
	InsnSet(pc uint64) (InsnSet, error)
}

// OpenFunc opens the debug information of the binary at path.
type OpenFunc func(path string) (DebugInfo, error)
