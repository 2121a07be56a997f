package frame

import (
	"encoding/binary"
	"testing"
)

func parseNoError(t *testing.T, data []byte, ehFrameAddr uint64) FrameDescriptionEntries {
	t.Helper()
	fdes, err := Parse(data, binary.LittleEndian, 0, 4, ehFrameAddr)
	if err != nil {
		t.Fatalf("Error parsing frame section: %v", err)
	}
	return fdes
}

// testSection builds a .debug_frame section containing a single CIE
// (code alignment 2, data alignment -4, CFA defined as r13+0) and a single
// FDE covering [0x10000, 0x10100) that moves the CFA to r13+16 at 0x10008.
func testSection() []byte {
	cie := []byte{
		0x0c, 0x00, 0x00, 0x00, // length
		0xff, 0xff, 0xff, 0xff, // CIE id
		0x01,             // version
		0x00,             // augmentation ""
		0x02,             // code alignment factor
		0x7c,             // data alignment factor (-4)
		0x0e,             // return address register
		0x0c, 0x0d, 0x00, // DW_CFA_def_cfa r13, 0
	}
	fde := []byte{
		0x10, 0x00, 0x00, 0x00, // length
		0x00, 0x00, 0x00, 0x00, // CIE pointer
		0x00, 0x00, 0x01, 0x00, // begin 0x10000
		0x00, 0x01, 0x00, 0x00, // size 0x100
		0x44,       // DW_CFA_advance_loc 4 (delta 8)
		0x0e, 0x10, // DW_CFA_def_cfa_offset 16
		0x00, // DW_CFA_nop
	}
	return append(cie, fde...)
}

// testEhSection builds an .eh_frame section, mapped at 0x20000, containing
// a single CIE with a "zR" augmentation (FDE addresses encoded as PC
// relative sdata4) and a single FDE covering [0x20100, 0x20200).
func testEhSection() []byte {
	cie := []byte{
		0x10, 0x00, 0x00, 0x00, // length
		0x00, 0x00, 0x00, 0x00, // CIE id
		0x01,             // version
		0x7a, 0x52, 0x00, // augmentation "zR"
		0x01,             // code alignment factor
		0x7c,             // data alignment factor (-4)
		0x0e,             // return address register
		0x01,             // augmentation data length
		0x1b,             // FDE pointer encoding: pcrel sdata4
		0x0c, 0x0d, 0x00, // DW_CFA_def_cfa r13, 0
	}
	fde := []byte{
		0x11, 0x00, 0x00, 0x00, // length
		0x18, 0x00, 0x00, 0x00, // CIE pointer (position 24 - CIE at 0)
		0xe4, 0x00, 0x00, 0x00, // begin: 0x2001c + 0xe4 = 0x20100
		0x00, 0x01, 0x00, 0x00, // size 0x100
		0x00,       // augmentation data length
		0x44,       // DW_CFA_advance_loc 4
		0x0e, 0x10, // DW_CFA_def_cfa_offset 16
		0x00, // DW_CFA_nop
	}
	return append(cie, fde...)
}

func TestParse(t *testing.T) {
	fdes := parseNoError(t, testSection(), 0)

	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	fde := fdes[0]
	if fde.Begin() != 0x10000 || fde.End() != 0x10100 {
		t.Fatalf("wrong FDE range: %#x-%#x", fde.Begin(), fde.End())
	}
	if fde.CIE == nil || fde.CIE.CodeAlignmentFactor != 2 || fde.CIE.DataAlignmentFactor != -4 {
		t.Fatalf("wrong CIE: %#v", fde.CIE)
	}
}

func TestParseEhFrame(t *testing.T) {
	fdes := parseNoError(t, testEhSection(), 0x20000)

	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	fde := fdes[0]
	if fde.Begin() != 0x20100 || fde.End() != 0x20200 {
		t.Fatalf("wrong FDE range: %#x-%#x", fde.Begin(), fde.End())
	}

	rule, err := fde.CFARule(0x20100)
	if err != nil {
		t.Fatal(err)
	}
	if rule.Reg != 13 || rule.Offset != 0 {
		t.Fatalf("wrong entry rule: %#v", rule)
	}

	rule, err = fde.CFARule(0x20104)
	if err != nil {
		t.Fatal(err)
	}
	if rule.Reg != 13 || rule.Offset != 16 {
		t.Fatalf("wrong rule after advance: %#v", rule)
	}
}

func TestParseEhFrameUnsupportedAugmentation(t *testing.T) {
	cie := []byte{
		0x0d, 0x00, 0x00, 0x00, // length
		0x00, 0x00, 0x00, 0x00, // CIE id
		0x01,             // version
		0x7a, 0x58, 0x00, // augmentation "zX"
		0x01, // code alignment factor
		0x7c, // data alignment factor (-4)
		0x0e, // return address register
		0x01, // augmentation data length
		0x00, // augmentation data
	}
	if _, err := Parse(cie, binary.LittleEndian, 0, 4, 0x20000); err == nil {
		t.Fatal("expected an unsupported augmentation error")
	}
}

func TestFDEForPC(t *testing.T) {
	fdes := parseNoError(t, testSection(), 0)

	if _, err := fdes.FDEForPC(0x10050); err != nil {
		t.Fatalf("expected FDE for covered pc: %v", err)
	}
	if _, err := fdes.FDEForPC(0x20000); err == nil {
		t.Fatal("expected error for uncovered pc")
	}
}

func TestCFARule(t *testing.T) {
	fdes := parseNoError(t, testSection(), 0)
	fde := fdes[0]

	rule, err := fde.CFARule(0x10004)
	if err != nil {
		t.Fatal(err)
	}
	if rule.Reg != 13 || rule.Offset != 0 {
		t.Fatalf("wrong entry rule: %#v", rule)
	}

	rule, err = fde.CFARule(0x10008)
	if err != nil {
		t.Fatal(err)
	}
	if rule.Reg != 13 || rule.Offset != 16 {
		t.Fatalf("wrong rule after advance: %#v", rule)
	}
}
