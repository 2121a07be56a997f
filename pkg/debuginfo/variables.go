package debuginfo

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/adbi-tools/adbicc/pkg/dwarf/op"
	"github.com/adbi-tools/adbicc/pkg/preproc"
)

// variable is a variable or formal parameter visible at a specific pc.
type variable struct {
	bi   *BinaryInfo
	name string
	typ  preproc.Type
	loc  interface{} // raw DW_AT_location attribute value
	cu   *compileUnit
	pc   uint64
}

func (v *variable) Name() string {
	return v.name
}

func (v *variable) Type() preproc.Type {
	return v.typ
}

// Location compiles the variable's DWARF location for the pc it was
// looked up at.
func (v *variable) Location() (preproc.LocationExpr, error) {
	switch attr := v.loc.(type) {
	case []byte:
		return op.Compile(attr, v.bi.arch, v.bi.ptrSize)
	case int64:
		prog := v.bi.loclistEntry(attr, v.pc, v.cu)
		if prog == nil {
			return nil, fmt.Errorf("%s has no location at %#x", v.name, v.pc)
		}
		return op.Compile(prog, v.bi.arch, v.bi.ptrSize)
	case nil:
		return nil, fmt.Errorf("%s has no location", v.name)
	}
	return nil, fmt.Errorf("unsupported location attribute form for %s", v.name)
}

// LookupVariable finds the variable visible at pc with the given name:
// formal parameters and locals of the enclosing scopes first, then file
// scope variables.
func (bi *BinaryInfo) LookupVariable(name string, pc uint64) (preproc.Variable, error) {
	for _, entry := range bi.scopeEntries(pc) {
		if n, _ := entry.Val(dwarf.AttrName).(string); n == name {
			return bi.buildVariable(entry, pc)
		}
	}
	if candidates, ok := bi.globals[name]; ok {
		// Prefer a definition from the compile unit containing pc, the
		// way C scoping would.
		cu := bi.cuContaining(pc)
		pick := candidates[0]
		for _, g := range candidates {
			if g.cu == cu {
				pick = g
				break
			}
		}
		rdr := bi.dwarfData.Reader()
		rdr.Seek(pick.offset)
		entry, err := rdr.Next()
		if err != nil || entry == nil {
			return nil, fmt.Errorf("reading variable %q: %v", name, err)
		}
		return bi.buildVariable(entry, pc)
	}
	return nil, fmt.Errorf("no variable named %q visible at %#x", name, pc)
}

// VisibleVariables returns the sorted names of all variables visible at
// pc, used as the suggestion pool for misspelled variable names.
func (bi *BinaryInfo) VisibleVariables(pc uint64) []string {
	seen := make(map[string]bool)
	var names []string
	for _, entry := range bi.scopeEntries(pc) {
		if n, _ := entry.Val(dwarf.AttrName).(string); n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for n := range bi.globals {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (bi *BinaryInfo) buildVariable(entry *dwarf.Entry, pc uint64) (preproc.Variable, error) {
	typOff, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return nil, fmt.Errorf("variable entry at %#x has no type", entry.Offset)
	}
	dt, err := bi.dwarfData.Type(typOff)
	if err != nil {
		return nil, fmt.Errorf("reading variable type: %v", err)
	}
	name, _ := entry.Val(dwarf.AttrName).(string)
	return &variable{
		bi:   bi,
		name: name,
		typ:  bi.typeFor(dt),
		loc:  entry.Val(dwarf.AttrLocation),
		cu:   bi.cuContaining(pc),
		pc:   pc,
	}, nil
}

// scopeEntries returns the variable and formal parameter entries of the
// function containing pc, descending only into lexical blocks whose range
// covers pc.
func (bi *BinaryInfo) scopeEntries(pc uint64) []*dwarf.Entry {
	fn := bi.funcContaining(pc)
	if fn == nil {
		return nil
	}

	rdr := bi.dwarfData.Reader()
	rdr.Seek(fn.offset)
	root, err := rdr.Next()
	if err != nil || root == nil || !root.Children {
		return nil
	}

	var entries []*dwarf.Entry
	depth := 1
	for depth > 0 {
		entry, err := rdr.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		switch entry.Tag {
		case dwarf.TagVariable, dwarf.TagFormalParameter:
			entries = append(entries, entry)
			if entry.Children {
				rdr.SkipChildren()
			}
		case dwarf.TagLexDwarfBlock:
			if entry.Children {
				if bi.entryCovers(entry, pc) {
					depth++
				} else {
					rdr.SkipChildren()
				}
			}
		default:
			if entry.Children {
				rdr.SkipChildren()
			}
		}
	}
	return entries
}

// entryCovers reports whether entry's pc ranges cover pc. Entries without
// range attributes inherit their parent's range and are treated as
// covering.
func (bi *BinaryInfo) entryCovers(entry *dwarf.Entry, pc uint64) bool {
	rngs, err := bi.dwarfData.Ranges(entry)
	if err != nil || len(rngs) == 0 {
		return true
	}
	for _, rng := range rngs {
		if pc >= rng[0] && pc < rng[1] {
			return true
		}
	}
	return false
}

// loclistEntry finds the location program covering pc in the .debug_loc
// entry list starting at off. Addresses in the list are relative to the
// compile unit's base address unless overridden by a base address
// selection entry.
func (bi *BinaryInfo) loclistEntry(off int64, pc uint64, cu *compileUnit) []byte {
	if bi.debugLoc == nil || off < 0 || off >= int64(len(bi.debugLoc)) {
		return nil
	}
	var base uint64
	if cu != nil {
		base = cu.lowPC
	}

	data := bi.debugLoc[off:]
	maxAddr := ^uint64(0)
	if bi.ptrSize == 4 {
		maxAddr = 0xffffffff
	}
	for {
		if len(data) < 2*bi.ptrSize {
			return nil
		}
		low := readPtr(data, bi.ptrSize)
		high := readPtr(data[bi.ptrSize:], bi.ptrSize)
		data = data[2*bi.ptrSize:]

		if low == 0 && high == 0 {
			return nil
		}
		if low == maxAddr {
			base = high
			continue
		}
		if len(data) < 2 {
			return nil
		}
		n := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return nil
		}
		if pc >= base+low && pc < base+high {
			return data[:n]
		}
		data = data[n:]
	}
}

func readPtr(b []byte, ptrSize int) uint64 {
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}
