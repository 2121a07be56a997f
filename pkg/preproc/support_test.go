package preproc

import (
	"errors"
	"fmt"
	"sort"
	"testing"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", s, err)
	}
}

type fakeType struct {
	name    string
	scalar  bool
	declare []string
	define  []string
	deps    []TypeDep
	hard    []Type
	soft    []Type
}

func (ft *fakeType) Name() string             { return ft.name }
func (ft *fakeType) Declare() []string        { return ft.declare }
func (ft *fakeType) Define() []string         { return ft.define }
func (ft *fakeType) HardRequirements() []Type { return ft.hard }
func (ft *fakeType) SoftRequirements() []Type { return ft.soft }
func (ft *fakeType) IsScalar() bool           { return ft.scalar }

func (ft *fakeType) DependencyOrder() []TypeDep {
	order := make([]TypeDep, 0, len(ft.deps)+1)
	order = append(order, ft.deps...)
	return append(order, TypeDep{Type: ft, NeedsDef: true})
}

func (ft *fakeType) DeclareVar(name string) []string {
	return []string{fmt.Sprintf("%s %s;", ft.name, name)}
}

func scalarType(name string) *fakeType {
	return &fakeType{name: name, scalar: true, define: []string{fmt.Sprintf("typedef int %s;", name)}}
}

type fakeLoc struct {
	usesFB  bool
	usesCFA bool
	addr    string
	err     error
}

func (fl *fakeLoc) UsesFrameBase() bool { return fl.usesFB }
func (fl *fakeLoc) UsesCFA() bool       { return fl.usesCFA }

func (fl *fakeLoc) RenderAddress() (string, error) {
	if fl.err != nil {
		return "", fl.err
	}
	return fl.addr, nil
}

func (fl *fakeLoc) RenderAssignment(dest string, scalar bool, typeHint string) ([]string, error) {
	if fl.err != nil {
		return nil, fl.err
	}
	if scalar {
		if typeHint == "" {
			typeHint = "typeof(" + dest + ")"
		}
		return []string{fmt.Sprintf("%s = *(%s *)(%s);", dest, typeHint, fl.addr)}, nil
	}
	return []string{fmt.Sprintf("memcpy(&%s, (const void *)(%s), sizeof(%s));", dest, fl.addr, dest)}, nil
}

type fakeVar struct {
	name string
	typ  Type
	loc  LocationExpr
	err  error
}

func (fv *fakeVar) Name() string { return fv.name }
func (fv *fakeVar) Type() Type   { return fv.typ }

func (fv *fakeVar) Location() (LocationExpr, error) {
	if fv.err != nil {
		return nil, fv.err
	}
	return fv.loc, nil
}

type fakeBinary struct {
	path  string
	funcs map[string]uint64
	syms  map[string]uint64
	types map[string]Type
	vars  map[string]*fakeVar
	thumb map[uint64]bool

	frameBase LocationExpr
	frameErr  error
	cfa       LocationExpr
	cfaErr    error
}

func (fb *fakeBinary) Path() string { return fb.path }

func (fb *fakeBinary) ResolveLocation(spec string) (uint64, error) {
	if pc, ok := fb.funcs[spec]; ok {
		return pc, nil
	}
	return 0, fmt.Errorf("location %q not found", spec)
}

func (fb *fakeBinary) SymbolAddr(name string) (uint64, error) {
	if pc, ok := fb.syms[name]; ok {
		return pc, nil
	}
	return 0, fmt.Errorf("symbol %q not found", name)
}

func (fb *fakeBinary) TypeByName(name string) (Type, error) {
	if typ, ok := fb.types[name]; ok {
		return typ, nil
	}
	return nil, fmt.Errorf("type %q not found", name)
}

func (fb *fakeBinary) TypeNames() []string {
	names := make([]string, 0, len(fb.types))
	for name := range fb.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (fb *fakeBinary) LookupVariable(name string, pc uint64) (Variable, error) {
	if v, ok := fb.vars[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("variable %q not visible at %#x", name, pc)
}

func (fb *fakeBinary) VisibleVariables(pc uint64) []string {
	names := make([]string, 0, len(fb.vars))
	for name := range fb.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (fb *fakeBinary) FrameBase(pc uint64) (LocationExpr, error) {
	if fb.frameErr != nil {
		return nil, fb.frameErr
	}
	if fb.frameBase == nil {
		return nil, errors.New("no frame base")
	}
	return fb.frameBase, nil
}

func (fb *fakeBinary) CFA(pc uint64) (LocationExpr, error) {
	if fb.cfaErr != nil {
		return nil, fb.cfaErr
	}
	if fb.cfa == nil {
		return nil, errors.New("no call frame information")
	}
	return fb.cfa, nil
}

func (fb *fakeBinary) InsnSet(pc uint64) (InsnSet, error) {
	if fb.thumb[pc] {
		return InsnSetThumb, nil
	}
	return InsnSetARM, nil
}

func fakeOpen(fb *fakeBinary) OpenFunc {
	return func(path string) (DebugInfo, error) {
		if fb == nil {
			return nil, fmt.Errorf("cannot open %q", path)
		}
		return fb, nil
	}
}
