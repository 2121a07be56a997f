package debuginfo

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/adbi-tools/adbicc/pkg/dwarf/regs"
	"github.com/adbi-tools/adbicc/pkg/preproc"
)

func TestIsMappingSym(t *testing.T) {
	for name, want := range map[string]bool{
		"$a":       true,
		"$t":       true,
		"$d":       true,
		"$t.2":     true,
		"$x":       false,
		"$":        false,
		"main":     false,
		"$thumbed": false,
	} {
		if got := isMappingSym(name); got != want {
			t.Errorf("isMappingSym(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestInsnSetMappingSymbols(t *testing.T) {
	bi := &BinaryInfo{
		arch: regs.ARM,
		mappingSyms: []mappingSym{
			{addr: 0x1000, kind: 'a'},
			{addr: 0x1100, kind: 't'},
			{addr: 0x1200, kind: 'd'},
		},
		thumbSyms: map[uint64]bool{},
	}

	for _, tc := range []struct {
		pc      uint64
		want    preproc.InsnSet
		wantErr bool
	}{
		{0x1000, preproc.InsnSetARM, false},
		{0x10fc, preproc.InsnSetARM, false},
		{0x1100, preproc.InsnSetThumb, false},
		{0x1101, preproc.InsnSetThumb, false}, // marker bit ignored
		{0x11fe, preproc.InsnSetThumb, false},
		{0x1204, preproc.InsnSetARM, true}, // data region
	} {
		got, err := bi.InsnSet(tc.pc)
		if (err != nil) != tc.wantErr {
			t.Errorf("InsnSet(%#x) error = %v, wantErr %v", tc.pc, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("InsnSet(%#x) = %v, want %v", tc.pc, got, tc.want)
		}
	}
}

func TestInExecutableSegment(t *testing.T) {
	bi := &BinaryInfo{exe: &elf.File{Progs: []*elf.Prog{
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x8000, Memsz: 0x1000}},
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x10000, Memsz: 0x1000}},
	}}}

	for addr, want := range map[uint64]bool{
		0x8000:  true,
		0x8fff:  true,
		0x9000:  false, // past the end of the text segment
		0x10800: false, // writable data segment
		0x4000:  false,
	} {
		if got := bi.inExecutableSegment(addr); got != want {
			t.Errorf("inExecutableSegment(%#x) = %v, want %v", addr, got, want)
		}
	}
}

func TestInsnSetThumbSymbolFallback(t *testing.T) {
	bi := &BinaryInfo{
		arch:      regs.ARM,
		thumbSyms: map[uint64]bool{0x2000: true},
	}
	got, err := bi.InsnSet(0x2001)
	if err != nil {
		t.Fatalf("InsnSet: %v", err)
	}
	if got != preproc.InsnSetThumb {
		t.Fatalf("InsnSet = %v, want Thumb", got)
	}
}

func TestInsnSetARM64(t *testing.T) {
	bi := &BinaryInfo{arch: regs.ARM64}
	got, err := bi.InsnSet(0x4000)
	if err != nil || got != preproc.InsnSetARM {
		t.Fatalf("InsnSet = %v, %v; AArch64 has a single encoding", got, err)
	}
}

func writeLoclist(w *bytes.Buffer, ptrSize int, low, high uint64, prog []byte) {
	writePtr(w, ptrSize, low)
	writePtr(w, ptrSize, high)
	if prog != nil {
		binary.Write(w, binary.LittleEndian, uint16(len(prog)))
		w.Write(prog)
	}
}

func writePtr(w *bytes.Buffer, ptrSize int, v uint64) {
	if ptrSize == 4 {
		binary.Write(w, binary.LittleEndian, uint32(v))
		return
	}
	binary.Write(w, binary.LittleEndian, v)
}

func TestLoclistEntry(t *testing.T) {
	var buf bytes.Buffer
	writeLoclist(&buf, 4, 0x10, 0x20, []byte{0x91, 0x74}) // fbreg -12
	writeLoclist(&buf, 4, 0xffffffff, 0x8000, nil)        // base address selection
	writeLoclist(&buf, 4, 0x10, 0x20, []byte{0x52})       // reg2
	writeLoclist(&buf, 4, 0, 0, nil)                      // end of list

	bi := &BinaryInfo{ptrSize: 4, debugLoc: buf.Bytes()}
	cu := &compileUnit{lowPC: 0x1000}

	if prog := bi.loclistEntry(0, 0x1018, cu); !bytes.Equal(prog, []byte{0x91, 0x74}) {
		t.Errorf("entry for pc inside the first range = % x", prog)
	}
	if prog := bi.loclistEntry(0, 0x8010, cu); !bytes.Equal(prog, []byte{0x52}) {
		t.Errorf("entry after base selection = % x", prog)
	}
	if prog := bi.loclistEntry(0, 0x1030, cu); prog != nil {
		t.Errorf("pc outside all ranges = % x", prog)
	}
	if prog := bi.loclistEntry(int64(buf.Len()+8), 0x1018, cu); prog != nil {
		t.Errorf("out of bounds offset = % x", prog)
	}
}

func TestFuncContaining(t *testing.T) {
	bi := &BinaryInfo{
		functions: []Function{
			{Name: "a", Entry: 0x100, End: 0x140},
			{Name: "b", Entry: 0x140, End: 0x180},
			{Name: "c", Entry: 0x200, End: 0x200}, // empty range, entry only
		},
	}
	if fn := bi.funcContaining(0x138); fn == nil || fn.Name != "a" {
		t.Errorf("funcContaining(0x138) = %v", fn)
	}
	if fn := bi.funcContaining(0x140); fn == nil || fn.Name != "b" {
		t.Errorf("funcContaining(0x140) = %v", fn)
	}
	if fn := bi.funcContaining(0x1f0); fn != nil {
		t.Errorf("funcContaining(0x1f0) = %v, want nil", fn)
	}
	if fn := bi.funcContaining(0x200); fn == nil || fn.Name != "c" {
		t.Errorf("funcContaining(0x200) = %v", fn)
	}
	if fn := bi.funcContaining(0x80); fn != nil {
		t.Errorf("funcContaining(0x80) = %v, want nil", fn)
	}
}
