package frame

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// CommonInformationEntry represents a Common Information Entry in the
// .debug_frame section.
type CommonInformationEntry struct {
	Length                uint32
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte

	staticBase uint64
	ptrSize    int

	// eh_frame pointer encoding for the begin/size fields of FDEs
	// referring to this CIE. Always ptrEncAbs in .debug_frame.
	ptrEncAddr ptrEnc
}

// FrameDescriptionEntry represents a Frame Descriptor Entry in the
// .debug_frame section.
type FrameDescriptionEntry struct {
	Length       uint32
	CIE          *CommonInformationEntry
	Instructions []byte

	begin, size uint64
	order       binary.ByteOrder
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns the address of the first location covered by this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns the address one past the last location covered by this frame.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// CFARule runs the call frame instructions of fde and returns the rule
// computing the canonical frame address in effect at pc.
func (fde *FrameDescriptionEntry) CFARule(pc uint64) (*CFARule, error) {
	return executeUntilPC(fde, pc)
}

// FrameDescriptionEntries is a sorted (by begin address) list of FDEs.
type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 256)
}

// ErrNoFDEForPC is returned when no FDE covers the given PC.
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the Frame Description Entry for the given PC.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}

// ptrEnc represents a pointer encoding value, used during eh_frame decoding
// to determine how the begin and size fields of FDEs were encoded.
// The least significant 4 bits encode the size and signedness of the value,
// the most significant 4 bits describe how it should be interpreted
// (absolute, relative...). See https://www.airs.com/blog/archives/460.
type ptrEnc uint8

const (
	ptrEncAbs    ptrEnc = 0x00 // pointer-sized unsigned integer
	ptrEncOmit   ptrEnc = 0xff // omitted
	ptrEncUleb   ptrEnc = 0x01 // ULEB128
	ptrEncUdata2 ptrEnc = 0x02 // 2 bytes
	ptrEncUdata4 ptrEnc = 0x03 // 4 bytes
	ptrEncUdata8 ptrEnc = 0x04 // 8 bytes
	ptrEncSigned ptrEnc = 0x08 // pointer-sized signed integer
	ptrEncSleb   ptrEnc = 0x09 // SLEB128
	ptrEncSdata2 ptrEnc = 0x0a // 2 bytes, signed
	ptrEncSdata4 ptrEnc = 0x0b // 4 bytes, signed
	ptrEncSdata8 ptrEnc = 0x0c // 8 bytes, signed

	ptrEncFlagsMask ptrEnc = 0xf0

	ptrEncPCRel    ptrEnc = 0x10 // value is relative to the memory address where it appears
	ptrEncTextRel  ptrEnc = 0x20 // value is relative to the address of the text section
	ptrEncDataRel  ptrEnc = 0x30 // value is relative to the address of the data section
	ptrEncFuncRel  ptrEnc = 0x40 // value is relative to the start of the function
	ptrEncAligned  ptrEnc = 0x50 // value should be aligned
	ptrEncIndirect ptrEnc = 0x80 // value is an address where the real value of the pointer is stored
)

// Supported returns true if this pointer encoding is supported.
func (enc ptrEnc) Supported() bool {
	if enc == ptrEncOmit {
		return true
	}
	szenc := enc & 0x0f
	if (szenc > ptrEncUdata8 && szenc < ptrEncSigned) || szenc > ptrEncSdata8 {
		// These values aren't defined at the moment.
		return false
	}
	// Only the PC relative flag is supported.
	return (enc&ptrEncFlagsMask)&^ptrEncPCRel == 0
}
