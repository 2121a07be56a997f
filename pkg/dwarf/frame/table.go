package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/adbi-tools/adbicc/pkg/dwarf/leb128"
)

// Call frame instructions, DWARF v4 section 6.4.2.
const (
	DW_CFA_nop                = 0x0
	DW_CFA_set_loc            = 0x01 // op1: address
	DW_CFA_advance_loc1       = 0x02 // op1: 1-byte delta
	DW_CFA_advance_loc2       = 0x03 // op1: 2-byte delta
	DW_CFA_advance_loc4       = 0x04 // op1: 4-byte delta
	DW_CFA_offset_extended    = 0x05 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended   = 0x06 // op1: ULEB128 register
	DW_CFA_undefined          = 0x07 // op1: ULEB128 register
	DW_CFA_same_value         = 0x08 // op1: ULEB128 register
	DW_CFA_register           = 0x09 // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state     = 0x0a
	DW_CFA_restore_state      = 0x0b
	DW_CFA_def_cfa            = 0x0c // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register   = 0x0d // op1: ULEB128 register
	DW_CFA_def_cfa_offset     = 0x0e // op1: ULEB128 offset
	DW_CFA_def_cfa_expression = 0x0f // op1: BLOCK
	DW_CFA_expression         = 0x10 // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf = 0x11 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_sf         = 0x12 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf  = 0x13 // op1: SLEB128 offset
	DW_CFA_val_offset         = 0x14 // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf      = 0x15 // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression     = 0x16 // op1: ULEB128, op2: BLOCK

	DW_CFA_advance_loc = 0x1 << 6 // high 2 bits: 0x1, low 6: delta
	DW_CFA_offset      = 0x2 << 6 // high 2 bits: 0x2, low 6: register
	DW_CFA_restore     = 0x3 << 6 // high 2 bits: 0x3, low 6: register
)

const low_6_offset = 0x3f

// CFARule describes how the canonical frame address is computed at a
// location: either register + offset, or a full location expression.
type CFARule struct {
	Reg        uint64
	Offset     int64
	Expression []byte

	defined bool
}

// Defined reports whether any call frame instruction has defined the CFA.
func (r *CFARule) Defined() bool {
	return r.defined
}

type table struct {
	loc     uint64
	address uint64
	order   binary.ByteOrder
	cfa     CFARule
	buf     *bytes.Buffer

	codeAlignment uint64
	dataAlignment int64
	staticBase    uint64
	ptrSize       int

	remembered []CFARule
}

type instruction func(tbl *table)

var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:        advanceloc,
	DW_CFA_offset:             offset,
	DW_CFA_restore:            restore,
	DW_CFA_set_loc:            setloc,
	DW_CFA_advance_loc1:       advanceloc1,
	DW_CFA_advance_loc2:       advanceloc2,
	DW_CFA_advance_loc4:       advanceloc4,
	DW_CFA_offset_extended:    skipULEB2,
	DW_CFA_restore_extended:   skipULEB,
	DW_CFA_undefined:          skipULEB,
	DW_CFA_same_value:         skipULEB,
	DW_CFA_register:           skipULEB2,
	DW_CFA_remember_state:     rememberstate,
	DW_CFA_restore_state:      restorestate,
	DW_CFA_def_cfa:            defcfa,
	DW_CFA_def_cfa_register:   defcfaregister,
	DW_CFA_def_cfa_offset:     defcfaoffset,
	DW_CFA_def_cfa_expression: defcfaexpression,
	DW_CFA_expression:         skipexpression,
	DW_CFA_offset_extended_sf: skipULEBSLEB,
	DW_CFA_def_cfa_sf:         defcfasf,
	DW_CFA_def_cfa_offset_sf:  defcfaoffsetsf,
	DW_CFA_val_offset:         skipULEB2,
	DW_CFA_val_offset_sf:      skipULEBSLEB,
	DW_CFA_val_expression:     skipexpression,
}

// executeUntilPC recreates the CFA column of the call frame table for fde,
// stopping as soon as the table row covering pc has been computed.
func executeUntilPC(fde *FrameDescriptionEntry, pc uint64) (*CFARule, error) {
	cie := fde.CIE
	if cie == nil {
		return nil, fmt.Errorf("FDE without CIE covering %#x", pc)
	}
	tbl := &table{
		order:         fde.order,
		codeAlignment: cie.CodeAlignmentFactor,
		dataAlignment: cie.DataAlignmentFactor,
		staticBase:    cie.staticBase,
		ptrSize:       cie.ptrSize,
		buf:           bytes.NewBuffer(cie.InitialInstructions),
	}

	// CIE initial instructions establish the function entry row.
	if err := tbl.run(func() bool { return tbl.buf.Len() > 0 }); err != nil {
		return nil, err
	}

	tbl.loc = fde.Begin()
	tbl.address = pc
	tbl.buf = bytes.NewBuffer(fde.Instructions)
	if err := tbl.run(func() bool { return tbl.address >= tbl.loc && tbl.buf.Len() > 0 }); err != nil {
		return nil, err
	}

	if !tbl.cfa.Defined() {
		return nil, fmt.Errorf("no CFA rule defined at %#x", pc)
	}
	cfa := tbl.cfa
	return &cfa, nil
}

func (tbl *table) run(cond func() bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed call frame instructions: %v", r)
		}
	}()
	for cond() {
		executeInstruction(tbl)
	}
	return nil
}

func executeInstruction(tbl *table) {
	b, err := tbl.buf.ReadByte()
	if err != nil {
		panic("could not read from instruction buffer")
	}

	if b == DW_CFA_nop {
		return
	}

	fn := lookupFunc(b, tbl.buf)
	fn(tbl)
}

func lookupFunc(op byte, buf *bytes.Buffer) instruction {
	const high_2_bits = 0xc0
	var restoreOpcode bool

	// Special case the 3 opcodes that have their argument encoded in the
	// opcode itself.
	switch op & high_2_bits {
	case DW_CFA_advance_loc, DW_CFA_offset, DW_CFA_restore:
		op = op & high_2_bits
		restoreOpcode = true
	}

	if restoreOpcode {
		// Put the last byte back, it contains the argument of the opcode.
		if err := buf.UnreadByte(); err != nil {
			panic("could not unread byte")
		}
	}

	fn, ok := fnlookup[op]
	if !ok {
		panic(fmt.Sprintf("unexpected DWARF CFA opcode %#x", op))
	}
	return fn
}

func advanceloc(tbl *table) {
	b, err := tbl.buf.ReadByte()
	if err != nil {
		panic("could not read byte")
	}
	delta := b & low_6_offset
	tbl.loc += uint64(delta) * tbl.codeAlignment
}

func advanceloc1(tbl *table) {
	delta, err := tbl.buf.ReadByte()
	if err != nil {
		panic("could not read byte")
	}
	tbl.loc += uint64(delta) * tbl.codeAlignment
}

func advanceloc2(tbl *table) {
	var delta uint16
	binary.Read(tbl.buf, tbl.order, &delta)
	tbl.loc += uint64(delta) * tbl.codeAlignment
}

func advanceloc4(tbl *table) {
	var delta uint32
	binary.Read(tbl.buf, tbl.order, &delta)
	tbl.loc += uint64(delta) * tbl.codeAlignment
}

func setloc(tbl *table) {
	tbl.loc = readUintRaw(bytes.NewReader(tbl.buf.Next(tbl.ptrSize)), tbl.order, tbl.ptrSize) + tbl.staticBase
}

// offset and restore only affect register columns; the operand embedded in
// the opcode byte still has to be consumed.
func offset(tbl *table) {
	tbl.buf.ReadByte()
	leb128.DecodeUnsigned(tbl.buf)
}

func restore(tbl *table) {
	tbl.buf.ReadByte()
}

func rememberstate(tbl *table) {
	tbl.remembered = append(tbl.remembered, tbl.cfa)
}

func restorestate(tbl *table) {
	if len(tbl.remembered) == 0 {
		panic("restore_state with empty state stack")
	}
	tbl.cfa = tbl.remembered[len(tbl.remembered)-1]
	tbl.remembered = tbl.remembered[:len(tbl.remembered)-1]
}

func defcfa(tbl *table) {
	reg, _ := leb128.DecodeUnsigned(tbl.buf)
	offset, _ := leb128.DecodeUnsigned(tbl.buf)

	tbl.cfa = CFARule{Reg: reg, Offset: int64(offset), defined: true}
}

func defcfaregister(tbl *table) {
	reg, _ := leb128.DecodeUnsigned(tbl.buf)
	tbl.cfa.Reg = reg
	tbl.cfa.Expression = nil
	tbl.cfa.defined = true
}

func defcfaoffset(tbl *table) {
	offset, _ := leb128.DecodeUnsigned(tbl.buf)
	tbl.cfa.Offset = int64(offset)
	tbl.cfa.defined = true
}

func defcfasf(tbl *table) {
	reg, _ := leb128.DecodeUnsigned(tbl.buf)
	offset, _ := leb128.DecodeSigned(tbl.buf)

	tbl.cfa = CFARule{Reg: reg, Offset: offset * tbl.dataAlignment, defined: true}
}

func defcfaoffsetsf(tbl *table) {
	offset, _ := leb128.DecodeSigned(tbl.buf)
	tbl.cfa.Offset = offset * tbl.dataAlignment
	tbl.cfa.defined = true
}

func defcfaexpression(tbl *table) {
	l, _ := leb128.DecodeUnsigned(tbl.buf)
	expr := tbl.buf.Next(int(l))

	tbl.cfa = CFARule{Expression: expr, defined: true}
}

func skipULEB(tbl *table) {
	leb128.DecodeUnsigned(tbl.buf)
}

func skipULEB2(tbl *table) {
	leb128.DecodeUnsigned(tbl.buf)
	leb128.DecodeUnsigned(tbl.buf)
}

func skipULEBSLEB(tbl *table) {
	leb128.DecodeUnsigned(tbl.buf)
	leb128.DecodeSigned(tbl.buf)
}

func skipexpression(tbl *table) {
	leb128.DecodeUnsigned(tbl.buf)
	l, _ := leb128.DecodeUnsigned(tbl.buf)
	tbl.buf.Next(int(l))
}
