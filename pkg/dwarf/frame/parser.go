// Package frame contains data structures and related functions for parsing
// and searching through Dwarf .debug_frame data, in order to recover the
// rule computing the canonical frame address at an instrumentation point.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/adbi-tools/adbicc/pkg/dwarf/leb128"
)

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	staticBase uint64

	buf         *bytes.Buffer
	order       binary.ByteOrder
	entries     FrameDescriptionEntries
	ciemap      map[uint32]*CommonInformationEntry
	common      *CommonInformationEntry
	frame       *FrameDescriptionEntry
	sectionLen  int
	offset      uint32
	length      uint32
	ptrSize     int
	ehFrameAddr uint64
	err         error
}

// Parse takes in data (the contents of a frame section) and returns
// FrameDescriptionEntries, sorted by begin address.
// If ehFrameAddr is not zero the .eh_frame format is parsed, a minor
// variant of .debug_frame described at https://www.airs.com/blog/archives/460,
// with ehFrameAddr the address at which the section is mapped in memory.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{
			buf:         buf,
			order:       order,
			entries:     newFrameIndex(),
			ciemap:      map[uint32]*CommonInformationEntry{},
			sectionLen:  len(data),
			staticBase:  staticBase,
			ptrSize:     ptrSize,
			ehFrameAddr: ehFrameAddr,
		}
	)

	for fn := parselength; buf.Len() != 0; {
		fn = fn(pctx)
		if pctx.err != nil {
			return nil, pctx.err
		}
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}
	sort.SliceStable(pctx.entries, func(i, j int) bool {
		return pctx.entries[i].Begin() < pctx.entries[j].Begin()
	})

	return pctx.entries, nil
}

func (ctx *parseContext) parsingEHFrame() bool {
	return ctx.ehFrameAddr > 0
}

func (ctx *parseContext) cieEntry(cieid uint32) bool {
	if ctx.parsingEHFrame() {
		return cieid == 0x00
	}
	return cieid == 0xffffffff
}

func parselength(ctx *parseContext) parsefunc {
	ctx.offset = uint32(ctx.sectionLen - ctx.buf.Len())
	binary.Read(ctx.buf, ctx.order, &ctx.length)

	if ctx.length == 0 {
		// ZERO terminator
		return parselength
	}

	var cieid uint32
	binary.Read(ctx.buf, ctx.order, &cieid)

	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if ctx.cieEntry(cieid) {
		ctx.common = &CommonInformationEntry{Length: ctx.length, staticBase: ctx.staticBase, ptrSize: ctx.ptrSize}
		ctx.ciemap[ctx.offset] = ctx.common
		return parseCIE
	}

	if ctx.parsingEHFrame() {
		// The CIE pointer of an eh_frame FDE is relative to the
		// position of the pointer itself.
		cieid = ctx.offset + 4 - cieid
	}

	cie := ctx.ciemap[cieid]
	if cie == nil {
		cie = ctx.common
	}
	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: cie}
	return parseFDE
}

func parseFDE(ctx *parseContext) parsefunc {
	startOff := uint64(ctx.sectionLen - ctx.buf.Len())
	r := ctx.buf.Next(int(ctx.length))

	if ctx.frame.CIE == nil {
		ctx.err = fmt.Errorf("FDE at %#x without CIE", ctx.offset)
		return nil
	}

	reader := bytes.NewReader(r)
	ctx.frame.begin = ctx.readEncodedPtr(ctx.ehFrameAddr+startOff, reader, ctx.frame.CIE.ptrEncAddr) + ctx.staticBase

	// For the size field only the size encoding portion of the address
	// pointer encoding is considered. In .debug_frame ptrEncAddr is
	// always ptrEncAbs and never has flags.
	ctx.frame.size = ctx.readEncodedPtr(0, reader, ctx.frame.CIE.ptrEncAddr&0x0f)

	ctx.entries = append(ctx.entries, ctx.frame)

	if ctx.parsingEHFrame() && len(ctx.frame.CIE.Augmentation) > 0 {
		// The augmentation data is encoded as a ULEB128 size followed
		// by 'size' bytes, none of which affect the CFA column.
		n, _ := leb128.DecodeUnsigned(reader)
		io.CopyN(io.Discard, reader, int64(n))
	}

	// The rest of this entry consists of the instructions.
	ctx.frame.Instructions = r[len(r)-reader.Len():]
	ctx.length = 0

	return parselength
}

func parseCIE(ctx *parseContext) parsefunc {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)

	ctx.common.Version, _ = buf.ReadByte()
	ctx.common.Augmentation = parseString(buf)

	if ctx.parsingEHFrame() {
		if ctx.common.Augmentation == "eh" {
			ctx.err = fmt.Errorf("unsupported 'eh' augmentation at %#x", ctx.offset)
			return nil
		}
		if len(ctx.common.Augmentation) > 0 && ctx.common.Augmentation[0] != 'z' {
			ctx.err = fmt.Errorf("unsupported augmentation %q at %#x (does not start with 'z')", ctx.common.Augmentation, ctx.offset)
			return nil
		}
	}

	if ctx.common.Version >= 4 {
		// address_size and segment_selector_size, unused here.
		buf.ReadByte()
		buf.ReadByte()
	}

	ctx.common.CodeAlignmentFactor, _ = leb128.DecodeUnsigned(buf)
	ctx.common.DataAlignmentFactor, _ = leb128.DecodeSigned(buf)

	if ctx.parsingEHFrame() && ctx.common.Version == 1 {
		b, _ := buf.ReadByte()
		ctx.common.ReturnAddressRegister = uint64(b)
	} else {
		ctx.common.ReturnAddressRegister, _ = leb128.DecodeUnsigned(buf)
	}

	ctx.common.ptrEncAddr = ptrEncAbs

	if ctx.parsingEHFrame() && len(ctx.common.Augmentation) > 0 {
		leb128.DecodeUnsigned(buf) // augmentation data length
		for i := 1; i < len(ctx.common.Augmentation); i++ {
			switch ctx.common.Augmentation[i] {
			case 'L':
				// LSDA pointer encoding, unsupported.
				buf.ReadByte()
			case 'R':
				// Pointer encoding of the begin and size fields of
				// the FDEs referring to this CIE.
				b, _ := buf.ReadByte()
				ctx.common.ptrEncAddr = ptrEnc(b)
				if !ctx.common.ptrEncAddr.Supported() {
					ctx.err = fmt.Errorf("pointer encoding not supported %#x at %#x", ctx.common.ptrEncAddr, ctx.offset)
					return nil
				}
			case 'S':
				// Signal handler invocation frame, no associated data.
			case 'P':
				// Personality function, unsupported but must be
				// consumed: an encoding byte followed by a pointer
				// encoded as it specifies.
				b, _ := buf.ReadByte()
				e := ptrEnc(b) &^ ptrEncIndirect
				if !e.Supported() {
					ctx.err = fmt.Errorf("pointer encoding not supported %#x at %#x", e, ctx.offset)
					return nil
				}
				ctx.readEncodedPtr(0, buf, e)
			default:
				ctx.err = fmt.Errorf("unsupported augmentation character %c at %#x", ctx.common.Augmentation[i], ctx.offset)
				return nil
			}
		}
	}

	// The rest of this entry consists of the initial instructions.
	ctx.common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength
}

// readEncodedPtr reads a pointer from buf encoded as specified by enc.
// The parameter addr is the address the current byte of buf is mapped to
// when the section is loaded in memory; it only matters for PC relative
// encodings, which .debug_frame never uses.
func (ctx *parseContext) readEncodedPtr(addr uint64, buf leb128.Reader, enc ptrEnc) uint64 {
	if enc == ptrEncOmit {
		return 0
	}

	var ptr uint64

	switch enc & 0x0f {
	case ptrEncAbs, ptrEncSigned:
		ptr = readUintRaw(buf, ctx.order, ctx.ptrSize)
	case ptrEncUleb:
		ptr, _ = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr = readUintRaw(buf, ctx.order, 2)
	case ptrEncSdata2:
		ptr = uint64(int16(readUintRaw(buf, ctx.order, 2)))
	case ptrEncUdata4:
		ptr = readUintRaw(buf, ctx.order, 4)
	case ptrEncSdata4:
		ptr = uint64(int32(readUintRaw(buf, ctx.order, 4)))
	case ptrEncUdata8, ptrEncSdata8:
		ptr = readUintRaw(buf, ctx.order, 8)
	case ptrEncSleb:
		n, _ := leb128.DecodeSigned(buf)
		ptr = uint64(n)
	}

	if enc&ptrEncFlagsMask == ptrEncPCRel {
		ptr += addr
	}

	return ptr
}

func parseString(buf *bytes.Buffer) string {
	s, err := buf.ReadString(0x0)
	if err != nil {
		return s
	}
	return s[:len(s)-1]
}

func readUintRaw(reader io.Reader, order binary.ByteOrder, size int) uint64 {
	switch size {
	case 2:
		var n uint16
		binary.Read(reader, order, &n)
		return uint64(n)
	case 4:
		var n uint32
		binary.Read(reader, order, &n)
		return uint64(n)
	case 8:
		var n uint64
		binary.Read(reader, order, &n)
		return n
	}
	return 0
}

// DwarfEndian determines the endianness of the DWARF by using the version
// number field in the debug_info section.
// Trick borrowed from "debug/dwarf".New()
func DwarfEndian(infoSec []byte) binary.ByteOrder {
	if len(infoSec) < 6 {
		return binary.BigEndian
	}
	x, y := infoSec[4], infoSec[5]
	switch {
	case x == 0 && y == 0:
		return binary.BigEndian
	case x == 0:
		return binary.BigEndian
	case y == 0:
		return binary.LittleEndian
	default:
		return binary.BigEndian
	}
}
