// Package debuginfo reads the debug information of an ELF binary and
// exposes it through the interfaces the preprocessor consumes: address
// resolution, type lookup, variable lookup and location expressions.
package debuginfo

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/adbi-tools/adbicc/pkg/dwarf/frame"
	"github.com/adbi-tools/adbicc/pkg/dwarf/regs"
	"github.com/adbi-tools/adbicc/pkg/locspec"
	"github.com/adbi-tools/adbicc/pkg/logflags"
	"github.com/adbi-tools/adbicc/pkg/preproc"
)

// ErrUnsupportedArch is returned for binaries that are not ARM or AArch64.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// BinaryInfo holds the debug information of one binary. It is loaded once
// by Open and read-only afterwards.
type BinaryInfo struct {
	path    string
	arch    regs.Arch
	ptrSize int

	exe *elf.File

	dwarfData    *dwarf.Data
	frameEntries frame.FrameDescriptionEntries
	debugLoc     []byte

	compileUnits []*compileUnit
	functions    []Function
	lookupFunc   map[string]*Function

	typeOffsets  map[string]dwarf.Offset
	typeNames    []string
	typeWrappers map[dwarf.Type]*Type

	globals map[string][]globalVar

	symbols     map[string]uint64
	thumbSyms   map[uint64]bool
	mappingSyms []mappingSym

	substitutePath [][2]string

	lineCache *lru.Cache // "file:line" -> uint64
	cfaCache  *lru.Cache // pc -> preproc.LocationExpr

	logger *logrus.Entry
}

type compileUnit struct {
	entry  *dwarf.Entry
	name   string
	lowPC  uint64
	ranges [][2]uint64
}

func (cu *compileUnit) contains(pc uint64) bool {
	for _, rng := range cu.ranges {
		if pc >= rng[0] && pc < rng[1] {
			return true
		}
	}
	return false
}

// Function describes one DW_TAG_subprogram with an entry point.
type Function struct {
	Name       string
	Entry, End uint64
	offset     dwarf.Offset
	cu         *compileUnit
}

type globalVar struct {
	offset dwarf.Offset
	cu     *compileUnit
}

// mappingSym is an ELF mapping symbol ($a, $t, $d) marking the start of an
// ARM, Thumb or data region inside a section.
type mappingSym struct {
	addr uint64
	kind byte
}

// Opener returns the function the preprocessor uses to load a binary's
// debug information.
func Opener(substitutePath [][2]string) preproc.OpenFunc {
	return func(path string) (preproc.DebugInfo, error) {
		return Open(path, substitutePath)
	}
}

// Open loads the debug information of the ELF binary at path.
func Open(path string, substitutePath [][2]string) (*BinaryInfo, error) {
	exe, err := elf.Open(path)
	if err != nil {
		return nil, err
	}

	bi := &BinaryInfo{
		path:           path,
		exe:            exe,
		lookupFunc:     make(map[string]*Function),
		typeOffsets:    make(map[string]dwarf.Offset),
		typeWrappers:   make(map[dwarf.Type]*Type),
		globals:        make(map[string][]globalVar),
		symbols:        make(map[string]uint64),
		thumbSyms:      make(map[uint64]bool),
		substitutePath: substitutePath,
		logger:         logflags.DebugInfoLogger(),
	}
	bi.lineCache, _ = lru.New(256)
	bi.cfaCache, _ = lru.New(128)

	switch exe.Machine {
	case elf.EM_ARM:
		bi.arch, bi.ptrSize = regs.ARM, 4
	case elf.EM_AARCH64:
		bi.arch, bi.ptrSize = regs.ARM64, 8
	default:
		exe.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArch, exe.Machine)
	}

	bi.dwarfData, err = exe.DWARF()
	if err != nil {
		exe.Close()
		return nil, fmt.Errorf("no debug information in %s: %v", path, err)
	}

	if sec := exe.Section(".debug_frame"); sec != nil {
		bi.frameEntries = bi.parseFrameSection(path, sec, 0)
	}
	if len(bi.frameEntries) == 0 {
		// Binaries compiled without -g carry unwind tables in .eh_frame
		// only, a minor variant of the .debug_frame format.
		if sec := exe.Section(".eh_frame"); sec != nil {
			bi.frameEntries = bi.parseFrameSection(path, sec, sec.Addr)
		}
	}
	if sec := exe.Section(".debug_loc"); sec != nil {
		bi.debugLoc, _ = sec.Data()
	}

	if err := bi.loadDwarfIndexes(); err != nil {
		exe.Close()
		return nil, err
	}
	bi.loadSymbols()

	bi.logger.Debugf("loaded %s: %d functions, %d types, %d frame entries",
		path, len(bi.functions), len(bi.typeNames), len(bi.frameEntries))
	return bi, nil
}

func (bi *BinaryInfo) parseFrameSection(path string, sec *elf.Section, ehFrameAddr uint64) frame.FrameDescriptionEntries {
	data, err := sec.Data()
	if err != nil {
		bi.logger.Warnf("reading %s of %s: %v", sec.Name, path, err)
		return nil
	}
	entries, err := frame.Parse(data, binary.LittleEndian, 0, bi.ptrSize, ehFrameAddr)
	if err != nil {
		bi.logger.Warnf("parsing %s of %s: %v", sec.Name, path, err)
		return nil
	}
	return entries
}

// Close releases the underlying file.
func (bi *BinaryInfo) Close() error {
	return bi.exe.Close()
}

func (bi *BinaryInfo) Path() string {
	return bi.path
}

// loadDwarfIndexes scans debug_info once, building the compile unit list
// and the function, type and global variable indexes.
func (bi *BinaryInfo) loadDwarfIndexes() error {
	rdr := bi.dwarfData.Reader()
	var cu *compileUnit
	depth := 0

	for {
		entry, err := rdr.Next()
		if err != nil {
			return fmt.Errorf("reading debug information: %v", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			if depth > 0 {
				depth--
			}
			continue
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			cu = &compileUnit{entry: entry}
			cu.name, _ = entry.Val(dwarf.AttrName).(string)
			cu.lowPC, _ = entry.Val(dwarf.AttrLowpc).(uint64)
			if rngs, err := bi.dwarfData.Ranges(entry); err == nil {
				cu.ranges = rngs
			}
			bi.compileUnits = append(bi.compileUnits, cu)

		case dwarf.TagSubprogram:
			if cu == nil {
				break
			}
			name, _ := entry.Val(dwarf.AttrName).(string)
			lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64)
			if name == "" || !ok {
				break
			}
			end := lowpc
			switch v := entry.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				end = v
			case int64:
				end = lowpc + uint64(v)
			}
			bi.functions = append(bi.functions, Function{
				Name:   name,
				Entry:  lowpc,
				End:    end,
				offset: entry.Offset,
				cu:     cu,
			})

		case dwarf.TagVariable:
			if cu == nil || depth != 1 {
				break
			}
			name, _ := entry.Val(dwarf.AttrName).(string)
			if name != "" {
				bi.globals[name] = append(bi.globals[name], globalVar{offset: entry.Offset, cu: cu})
			}

		case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagEnumerationType,
			dwarf.TagTypedef, dwarf.TagBaseType:
			if decl, _ := entry.Val(dwarf.AttrDeclaration).(bool); decl {
				break
			}
			name, _ := entry.Val(dwarf.AttrName).(string)
			if name == "" {
				break
			}
			switch entry.Tag {
			case dwarf.TagStructType:
				name = "struct " + name
			case dwarf.TagUnionType:
				name = "union " + name
			case dwarf.TagEnumerationType:
				name = "enum " + name
			}
			if _, seen := bi.typeOffsets[name]; !seen {
				bi.typeOffsets[name] = entry.Offset
				bi.typeNames = append(bi.typeNames, name)
			}
		}

		if entry.Children {
			depth++
		}
	}

	sort.Slice(bi.functions, func(i, j int) bool { return bi.functions[i].Entry < bi.functions[j].Entry })
	for i := range bi.functions {
		fn := &bi.functions[i]
		if _, seen := bi.lookupFunc[fn.Name]; !seen {
			bi.lookupFunc[fn.Name] = fn
		}
	}
	sort.Strings(bi.typeNames)
	return nil
}

// loadSymbols indexes the ELF symbol table: regular symbols for the
// #handler fallback path, ARM mapping symbols and the Thumb marker bits of
// function symbols for instruction set classification.
func (bi *BinaryInfo) loadSymbols() {
	syms, err := bi.exe.Symbols()
	if err != nil {
		bi.logger.Debugf("no symbol table in %s: %v", bi.path, err)
		return
	}
	for _, sym := range syms {
		if bi.arch == regs.ARM && isMappingSym(sym.Name) {
			bi.mappingSyms = append(bi.mappingSyms, mappingSym{addr: sym.Value, kind: sym.Name[1]})
			continue
		}
		if sym.Name == "" || elf.ST_TYPE(sym.Info) == elf.STT_SECTION {
			continue
		}
		value := sym.Value
		if bi.arch == regs.ARM && elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
			if value&1 != 0 {
				value &^= 1
				bi.thumbSyms[value] = true
			}
		}
		if _, seen := bi.symbols[sym.Name]; !seen {
			bi.symbols[sym.Name] = value
		}
	}
	sort.Slice(bi.mappingSyms, func(i, j int) bool { return bi.mappingSyms[i].addr < bi.mappingSyms[j].addr })
}

func isMappingSym(name string) bool {
	if len(name) < 2 || name[0] != '$' {
		return false
	}
	switch name[1] {
	case 'a', 't', 'd':
		return len(name) == 2 || name[2] == '.'
	}
	return false
}

// ResolveLocation resolves a #handler location spec to an address.
func (bi *BinaryInfo) ResolveLocation(spec string) (uint64, error) {
	parsed, err := locspec.Parse(spec)
	if err != nil {
		return 0, err
	}
	return parsed.Resolve(bi)
}

// FuncToPC implements locspec.Resolver.
func (bi *BinaryInfo) FuncToPC(name string) (uint64, error) {
	if fn, ok := bi.lookupFunc[name]; ok {
		return fn.Entry, nil
	}
	return 0, fmt.Errorf("no function named %q", name)
}

// LineToPC implements locspec.Resolver. It returns the lowest statement
// address generated for the given source line.
func (bi *BinaryInfo) LineToPC(file string, line int) (uint64, error) {
	file = locspec.SubstitutePath(file, bi.substitutePath)

	key := fmt.Sprintf("%s:%d", file, line)
	if pc, ok := bi.lineCache.Get(key); ok {
		return pc.(uint64), nil
	}

	for _, cu := range bi.compileUnits {
		lr, err := bi.dwarfData.LineReader(cu.entry)
		if err != nil || lr == nil {
			continue
		}
		best := ^uint64(0)
		var le dwarf.LineEntry
		for lr.Next(&le) == nil {
			if le.EndSequence || !le.IsStmt || le.Line != line || le.File == nil {
				continue
			}
			if !locspec.PathMatch(le.File.Name, file) {
				continue
			}
			if le.Address < best {
				best = le.Address
			}
		}
		if best != ^uint64(0) {
			bi.lineCache.Add(key, best)
			return best, nil
		}
	}
	return 0, fmt.Errorf("no statement at %s:%d", file, line)
}

// SymbolAddr resolves a raw symbol name through the ELF symbol table.
func (bi *BinaryInfo) SymbolAddr(name string) (uint64, error) {
	if addr, ok := bi.symbols[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("no symbol named %q", name)
}

// TypeByName looks a named type up in the binary's debug information.
// Struct, union and enum names carry their keyword, as written in C.
func (bi *BinaryInfo) TypeByName(name string) (preproc.Type, error) {
	off, ok := bi.typeOffsets[strings.Join(strings.Fields(name), " ")]
	if !ok {
		return nil, fmt.Errorf("no type named %q", name)
	}
	dt, err := bi.dwarfData.Type(off)
	if err != nil {
		return nil, fmt.Errorf("reading type %q: %v", name, err)
	}
	return bi.typeFor(dt), nil
}

// TypeNames returns the names of all named types, sorted, for suggestion
// pools.
func (bi *BinaryInfo) TypeNames() []string {
	return bi.typeNames
}

// funcContaining returns the function whose range covers pc.
func (bi *BinaryInfo) funcContaining(pc uint64) *Function {
	i := sort.Search(len(bi.functions), func(i int) bool { return bi.functions[i].Entry > pc })
	if i == 0 {
		return nil
	}
	fn := &bi.functions[i-1]
	if pc >= fn.End && pc != fn.Entry {
		return nil
	}
	return fn
}

// cuContaining returns the compile unit whose ranges cover pc.
func (bi *BinaryInfo) cuContaining(pc uint64) *compileUnit {
	for _, cu := range bi.compileUnits {
		if cu.contains(pc) {
			return cu
		}
	}
	return nil
}
