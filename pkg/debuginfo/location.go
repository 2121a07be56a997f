package debuginfo

import (
	"debug/dwarf"
	"fmt"

	"github.com/adbi-tools/adbicc/pkg/dwarf/op"
	"github.com/adbi-tools/adbicc/pkg/preproc"
)

// FrameBase compiles the DW_AT_frame_base of the function containing pc.
func (bi *BinaryInfo) FrameBase(pc uint64) (preproc.LocationExpr, error) {
	fn := bi.funcContaining(pc)
	if fn == nil {
		return nil, fmt.Errorf("no function at %#x", pc)
	}
	rdr := bi.dwarfData.Reader()
	rdr.Seek(fn.offset)
	entry, err := rdr.Next()
	if err != nil || entry == nil {
		return nil, fmt.Errorf("reading %s: %v", fn.Name, err)
	}

	switch attr := entry.Val(dwarf.AttrFrameBase).(type) {
	case []byte:
		return op.Compile(attr, bi.arch, bi.ptrSize)
	case int64:
		prog := bi.loclistEntry(attr, pc, fn.cu)
		if prog == nil {
			return nil, fmt.Errorf("%s has no frame base at %#x", fn.Name, pc)
		}
		return op.Compile(prog, bi.arch, bi.ptrSize)
	case nil:
		return nil, fmt.Errorf("%s has no frame base", fn.Name)
	}
	return nil, fmt.Errorf("unsupported frame base attribute form in %s", fn.Name)
}

// CFA computes the canonical frame address rule in effect at pc from the
// binary's call frame information.
func (bi *BinaryInfo) CFA(pc uint64) (preproc.LocationExpr, error) {
	if expr, ok := bi.cfaCache.Get(pc); ok {
		return expr.(preproc.LocationExpr), nil
	}
	if bi.frameEntries == nil {
		return nil, fmt.Errorf("no call frame information in %s", bi.path)
	}
	fde, err := bi.frameEntries.FDEForPC(pc)
	if err != nil {
		return nil, err
	}
	rule, err := fde.CFARule(pc)
	if err != nil {
		return nil, err
	}
	if !rule.Defined() {
		return nil, fmt.Errorf("canonical frame address undefined at %#x", pc)
	}

	var expr preproc.LocationExpr
	if rule.Expression != nil {
		expr, err = op.Compile(rule.Expression, bi.arch, bi.ptrSize)
	} else {
		expr, err = op.RegisterOffset(bi.arch, bi.ptrSize, rule.Reg, rule.Offset)
	}
	if err != nil {
		return nil, err
	}
	bi.cfaCache.Add(pc, expr)
	return expr, nil
}
