package debuginfo

import (
	"debug/dwarf"
	"fmt"
	"strings"

	"github.com/adbi-tools/adbicc/pkg/preproc"
)

// Type wraps a DWARF type read from the binary and renders it as C. One
// wrapper exists per DWARF type, so wrappers can be compared and used as
// map keys by the dependency resolver.
type Type struct {
	bi *BinaryInfo
	dw dwarf.Type

	order []preproc.TypeDep
	hard  []preproc.Type
	soft  []preproc.Type

	depsDone bool
}

// typeFor returns the canonical wrapper for dt. debug/dwarf caches type
// objects by offset, so pointer identity of dt identifies the type.
func (bi *BinaryInfo) typeFor(dt dwarf.Type) *Type {
	if t, ok := bi.typeWrappers[dt]; ok {
		return t
	}
	t := &Type{bi: bi, dw: dt}
	bi.typeWrappers[dt] = t
	return t
}

func (t *Type) Name() string {
	return typeName(t.dw)
}

func typeName(dt dwarf.Type) string {
	switch t := dt.(type) {
	case *dwarf.StructType:
		if t.StructName == "" {
			return t.Kind + " {...}"
		}
		return t.Kind + " " + t.StructName
	case *dwarf.EnumType:
		if t.EnumName == "" {
			return "enum {...}"
		}
		return "enum " + t.EnumName
	case *dwarf.TypedefType:
		return t.Name
	case *dwarf.QualType:
		return typeName(t.Type)
	case *dwarf.PtrType:
		return strings.TrimSpace(cdecl(dt, ""))
	case *dwarf.VoidType:
		return "void"
	}
	if name := dt.Common().Name; name != "" {
		return name
	}
	return dt.String()
}

// Declare returns the forward declaration. Only struct and union types
// have one distinct from their definition; everything else must be fully
// defined to be usable.
func (t *Type) Declare() []string {
	if st, ok := t.dw.(*dwarf.StructType); ok && st.StructName != "" {
		return []string{fmt.Sprintf("%s %s;", st.Kind, st.StructName)}
	}
	return t.Define()
}

func (t *Type) Define() []string {
	switch dt := t.dw.(type) {
	case *dwarf.StructType:
		if dt.StructName == "" {
			return nil
		}
		lines := []string{fmt.Sprintf("%s %s {", dt.Kind, dt.StructName)}
		for _, f := range dt.Field {
			lines = append(lines, "    "+memberDecl(f))
		}
		return append(lines, "};")
	case *dwarf.EnumType:
		if dt.EnumName == "" {
			return nil
		}
		lines := []string{fmt.Sprintf("enum %s {", dt.EnumName)}
		for _, v := range dt.Val {
			lines = append(lines, fmt.Sprintf("    %s = %d,", v.Name, v.Val))
		}
		return append(lines, "};")
	case *dwarf.TypedefType:
		return []string{fmt.Sprintf("typedef %s;", cdecl(dt.Type, dt.Name))}
	}
	// Base types, pointers and other anonymous composites are usable
	// without introducing anything.
	return nil
}

func (t *Type) DeclareVar(name string) []string {
	return []string{cdecl(t.dw, name) + ";"}
}

// IsScalar reports whether a value of the type can be read with a single
// assignment rather than a memcpy.
func (t *Type) IsScalar() bool {
	dt := t.dw
	for {
		switch x := dt.(type) {
		case *dwarf.TypedefType:
			dt = x.Type
		case *dwarf.QualType:
			dt = x.Type
		case *dwarf.PtrType, *dwarf.EnumType, *dwarf.BoolType, *dwarf.CharType,
			*dwarf.UcharType, *dwarf.IntType, *dwarf.UintType, *dwarf.FloatType,
			*dwarf.AddrType:
			return true
		default:
			return false
		}
	}
}

func (t *Type) HardRequirements() []preproc.Type {
	t.computeDeps()
	return t.hard
}

func (t *Type) SoftRequirements() []preproc.Type {
	t.computeDeps()
	return t.soft
}

// DependencyOrder returns the emission order of the types t depends on,
// finishing with t itself. Hard requirements appear fully defined before
// their dependents, soft ones at least forward declared, so emitting the
// entries in order always yields compilable C.
func (t *Type) DependencyOrder() []preproc.TypeDep {
	if t.order != nil {
		return t.order
	}

	defined := make(map[*Type]bool)
	declared := make(map[*Type]bool)
	inprog := make(map[*Type]bool)
	var order []preproc.TypeDep

	var visit func(x *Type, needDef bool)
	visit = func(x *Type, needDef bool) {
		if !needDef {
			if defined[x] || declared[x] {
				return
			}
			declared[x] = true
			order = append(order, preproc.TypeDep{Type: x, NeedsDef: false})
			return
		}
		if defined[x] || inprog[x] {
			return
		}
		inprog[x] = true
		x.computeDeps()
		for _, h := range x.hard {
			visit(h.(*Type), true)
		}
		for _, s := range x.soft {
			visit(s.(*Type), false)
		}
		delete(inprog, x)
		defined[x] = true
		order = append(order, preproc.TypeDep{Type: x, NeedsDef: true})
	}
	visit(t, true)

	t.order = order
	return order
}

func (t *Type) computeDeps() {
	if t.depsDone {
		return
	}
	t.depsDone = true

	seenHard := make(map[*Type]bool)
	seenSoft := make(map[*Type]bool)
	add := func(dt dwarf.Type, needDef bool) {
		dep := t.bi.typeFor(dt)
		if dep == t {
			if !needDef && !seenSoft[dep] {
				// Self-reference through a pointer, as in a linked list
				// node. A forward declaration of t itself must precede
				// its definition.
				seenSoft[dep] = true
				t.soft = append(t.soft, dep)
			}
			return
		}
		if needDef {
			if !seenHard[dep] {
				seenHard[dep] = true
				t.hard = append(t.hard, dep)
			}
		} else if !seenSoft[dep] && !seenHard[dep] {
			seenSoft[dep] = true
			t.soft = append(t.soft, dep)
		}
	}

	switch dt := t.dw.(type) {
	case *dwarf.StructType:
		for _, f := range dt.Field {
			collectDeps(f.Type, true, add)
		}
	case *dwarf.TypedefType:
		collectDeps(dt.Type, true, add)
	}
}

// collectDeps walks a member or underlying type and reports the named
// types it pulls in. Descending through a pointer weakens the need to a
// forward declaration; typedefs and enums cannot be forward declared in C
// and are always reported as hard.
func collectDeps(dt dwarf.Type, hard bool, add func(dt dwarf.Type, needDef bool)) {
	switch x := dt.(type) {
	case *dwarf.QualType:
		collectDeps(x.Type, hard, add)
	case *dwarf.PtrType:
		collectDeps(x.Type, false, add)
	case *dwarf.ArrayType:
		collectDeps(x.Type, hard, add)
	case *dwarf.FuncType:
		if x.ReturnType != nil {
			collectDeps(x.ReturnType, false, add)
		}
		for _, p := range x.ParamType {
			collectDeps(p, false, add)
		}
	case *dwarf.StructType:
		if x.StructName == "" {
			// Anonymous, rendered inline: its members' needs become the
			// enclosing type's needs.
			for _, f := range x.Field {
				collectDeps(f.Type, hard, add)
			}
			return
		}
		add(dt, hard)
	case *dwarf.EnumType:
		if x.EnumName != "" {
			add(dt, true)
		}
	case *dwarf.TypedefType:
		add(dt, true)
	}
}

// cdecl renders the C declaration of declr (a variable name, or empty for
// an abstract declarator) with the given type, using the inside-out
// declarator rules. Type qualifiers are dropped: the generated code only
// reads one snapshot of the value.
func cdecl(dt dwarf.Type, declr string) string {
	for {
		switch t := dt.(type) {
		case *dwarf.QualType:
			dt = t.Type
		case *dwarf.PtrType:
			declr = "*" + declr
			dt = t.Type
			if dt == nil {
				return "void " + declr
			}
		case *dwarf.ArrayType:
			if strings.HasPrefix(declr, "*") {
				declr = "(" + declr + ")"
			}
			if t.Count >= 0 {
				declr += fmt.Sprintf("[%d]", t.Count)
			} else {
				declr += "[]"
			}
			dt = t.Type
		case *dwarf.FuncType:
			if strings.HasPrefix(declr, "*") {
				declr = "(" + declr + ")"
			}
			declr += "(" + paramList(t) + ")"
			if t.ReturnType == nil {
				return "void " + declr
			}
			dt = t.ReturnType
		default:
			spec := specifier(dt)
			if declr == "" {
				return spec
			}
			return spec + " " + declr
		}
	}
}

func paramList(t *dwarf.FuncType) string {
	if len(t.ParamType) == 0 {
		return "void"
	}
	params := make([]string, 0, len(t.ParamType))
	for _, p := range t.ParamType {
		if _, ok := p.(*dwarf.DotDotDotType); ok {
			params = append(params, "...")
			continue
		}
		params = append(params, strings.TrimSpace(cdecl(p, "")))
	}
	return strings.Join(params, ", ")
}

// specifier renders the type specifier of a declaration, the part before
// the declarator. Anonymous composites are rendered inline.
func specifier(dt dwarf.Type) string {
	switch t := dt.(type) {
	case *dwarf.StructType:
		if t.StructName != "" {
			return t.Kind + " " + t.StructName
		}
		members := make([]string, 0, len(t.Field))
		for _, f := range t.Field {
			members = append(members, memberDecl(f))
		}
		return t.Kind + " { " + strings.Join(members, " ") + " }"
	case *dwarf.EnumType:
		if t.EnumName != "" {
			return "enum " + t.EnumName
		}
		vals := make([]string, 0, len(t.Val))
		for _, v := range t.Val {
			vals = append(vals, fmt.Sprintf("%s = %d,", v.Name, v.Val))
		}
		return "enum { " + strings.Join(vals, " ") + " }"
	case *dwarf.TypedefType:
		return t.Name
	case *dwarf.VoidType:
		return "void"
	}
	if name := dt.Common().Name; name != "" {
		return name
	}
	return dt.String()
}

func memberDecl(f *dwarf.StructField) string {
	decl := cdecl(f.Type, f.Name)
	if f.BitSize > 0 {
		decl += fmt.Sprintf(" : %d", f.BitSize)
	}
	return decl + ";"
}
