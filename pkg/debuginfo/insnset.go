package debuginfo

import (
	"debug/elf"
	"fmt"
	"sort"

	"golang.org/x/arch/arm/armasm"

	"github.com/adbi-tools/adbicc/pkg/dwarf/regs"
	"github.com/adbi-tools/adbicc/pkg/preproc"
)

// InsnSet classifies the instruction encoding at pc. AArch64 has a single
// encoding; on ARM the mapping symbols emitted by the assembler are
// authoritative, with the Thumb marker bit of function symbols and a
// decode attempt as fallbacks.
func (bi *BinaryInfo) InsnSet(pc uint64) (preproc.InsnSet, error) {
	if bi.arch == regs.ARM64 {
		return preproc.InsnSetARM, nil
	}
	pc &^= 1

	if len(bi.mappingSyms) > 0 {
		i := sort.Search(len(bi.mappingSyms), func(i int) bool { return bi.mappingSyms[i].addr > pc })
		if i > 0 {
			switch bi.mappingSyms[i-1].kind {
			case 'a':
				return preproc.InsnSetARM, nil
			case 't':
				return preproc.InsnSetThumb, nil
			case 'd':
				return preproc.InsnSetARM, fmt.Errorf("%#x is inside a data region", pc)
			}
		}
	}

	if bi.thumbSyms[pc] {
		return preproc.InsnSetThumb, nil
	}

	if code, err := bi.textBytes(pc, 4); err == nil {
		if _, err := armasm.Decode(code, armasm.ModeARM); err == nil {
			return preproc.InsnSetARM, nil
		}
		return preproc.InsnSetARM, fmt.Errorf("cannot decode the instruction at %#x", pc)
	}
	return preproc.InsnSetARM, fmt.Errorf("cannot classify the encoding at %#x", pc)
}

// textBytes reads n bytes of code at addr from the executable sections.
// When the file carries program headers, addr must also fall inside an
// executable LOAD segment.
func (bi *BinaryInfo) textBytes(addr uint64, n int) ([]byte, error) {
	if len(bi.exe.Progs) > 0 && !bi.inExecutableSegment(addr) {
		return nil, fmt.Errorf("%#x is not in an executable segment", addr)
	}
	for _, sec := range bi.exe.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if addr < sec.Addr || addr+uint64(n) > sec.Addr+sec.Size {
			continue
		}
		buf := make([]byte, n)
		if _, err := sec.ReadAt(buf, int64(addr-sec.Addr)); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return nil, fmt.Errorf("no code at %#x", addr)
}

func (bi *BinaryInfo) inExecutableSegment(addr uint64) bool {
	for _, prog := range bi.exe.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 &&
			addr >= prog.Vaddr && addr < prog.Vaddr+prog.Memsz {
			return true
		}
	}
	return false
}
