// Package op compiles DWARF location programs into C address expressions
// over the names available inside a generated handler: the register context
// (__adbi_regs), the imported frame base (__adbi_frame) and the imported
// canonical frame address (__adbi_cfa).
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/adbi-tools/adbicc/pkg/dwarf/leb128"
	"github.com/adbi-tools/adbicc/pkg/dwarf/regs"
)

// ErrUnsupported is returned (wrapped) for location programs using
// constructs that cannot be lowered to a C expression.
var ErrUnsupported = errors.New("unsupported location expression")

// Expr is a location program compiled to C.
//
// For memory locations CExpr computes the address of the value; for
// register and stack-value locations it computes the value itself and
// IsValue reports true.
type Expr struct {
	CExpr   string
	IsValue bool

	usesFrameBase bool
	usesCFA       bool

	arch    regs.Arch
	ptrSize int
}

// UsesFrameBase reports whether the compiled program reads the function
// frame base.
func (e *Expr) UsesFrameBase() bool { return e.usesFrameBase }

// UsesCFA reports whether the compiled program reads the canonical frame
// address.
func (e *Expr) UsesCFA() bool { return e.usesCFA }

// RenderAddress returns the C expression computing the location. For
// value locations there is no address and an error is returned.
func (e *Expr) RenderAddress() (string, error) {
	if e.IsValue {
		return "", fmt.Errorf("%w: location has no address", ErrUnsupported)
	}
	return e.CExpr, nil
}

// RenderAssignment returns the C statements assigning the located value to
// dest. Scalar destinations are assigned through a cast of the location
// address; aggregates are copied with memcpy. typeHint, when not empty, is
// the C storage type used for the scalar cast.
func (e *Expr) RenderAssignment(dest string, scalar bool, typeHint string) ([]string, error) {
	if e.IsValue {
		if !scalar {
			return nil, fmt.Errorf("%w: aggregate value has no memory location", ErrUnsupported)
		}
		return []string{fmt.Sprintf("%s = %s;", dest, e.CExpr)}, nil
	}
	if scalar {
		cast := typeHint
		if cast == "" {
			cast = "typeof(" + dest + ")"
		}
		return []string{fmt.Sprintf("%s = *(%s *)(%s);", dest, cast, e.CExpr)}, nil
	}
	return []string{fmt.Sprintf("memcpy(&%s, (const void *)(%s), sizeof(%s));", dest, e.CExpr, dest)}, nil
}

type compiler struct {
	buf   *bytes.Buffer
	stack []string
	expr  *Expr
}

type compilefn func(Opcode, *compiler) error

var oplut = map[Opcode]compilefn{
	DW_OP_addr:           addr,
	DW_OP_deref:          deref,
	DW_OP_const1u:        constint,
	DW_OP_const1s:        constint,
	DW_OP_const2u:        constint,
	DW_OP_const2s:        constint,
	DW_OP_const4u:        constint,
	DW_OP_const4s:        constint,
	DW_OP_const8u:        constint,
	DW_OP_const8s:        constint,
	DW_OP_constu:         constint,
	DW_OP_consts:         constint,
	DW_OP_dup:            stackop,
	DW_OP_drop:           stackop,
	DW_OP_over:           stackop,
	DW_OP_swap:           stackop,
	DW_OP_and:            binop,
	DW_OP_div:            binop,
	DW_OP_minus:          binop,
	DW_OP_mod:            binop,
	DW_OP_mul:            binop,
	DW_OP_neg:            unop,
	DW_OP_not:            unop,
	DW_OP_or:             binop,
	DW_OP_plus:           binop,
	DW_OP_plus_uconst:    plusuconst,
	DW_OP_shl:            binop,
	DW_OP_shr:            binop,
	DW_OP_xor:            binop,
	DW_OP_regx:           register,
	DW_OP_fbreg:          fbreg,
	DW_OP_bregx:          breg,
	DW_OP_call_frame_cfa: callframecfa,
	DW_OP_stack_value:    stackvalue,
}

// Compile translates a DWARF location program into a C expression.
func Compile(prog []byte, arch regs.Arch, ptrSize int) (*Expr, error) {
	if len(prog) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrUnsupported)
	}
	ctxt := &compiler{
		buf:   bytes.NewBuffer(prog),
		stack: make([]string, 0, 3),
		expr:  &Expr{arch: arch, ptrSize: ptrSize},
	}

	for {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		if ctxt.expr.IsValue {
			return nil, fmt.Errorf("%w: instructions after terminal opcode", ErrUnsupported)
		}
		if err := compileOne(Opcode(opcodeByte), ctxt); err != nil {
			return nil, err
		}
	}

	if ctxt.expr.IsValue && ctxt.expr.CExpr != "" {
		return ctxt.expr, nil
	}
	if len(ctxt.stack) == 0 {
		return nil, fmt.Errorf("%w: empty stack at end of program", ErrUnsupported)
	}
	ctxt.expr.CExpr = ctxt.stack[len(ctxt.stack)-1]
	return ctxt.expr, nil
}

func compileOne(opcode Opcode, ctxt *compiler) error {
	switch {
	case opcode >= DW_OP_lit0 && opcode <= DW_OP_lit31:
		ctxt.push(fmt.Sprintf("%d", opcode-DW_OP_lit0))
		return nil
	case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
		return registerNum(uint64(opcode-DW_OP_reg0), ctxt)
	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		return bregNum(uint64(opcode-DW_OP_breg0), ctxt)
	}
	fn, ok := oplut[opcode]
	if !ok {
		return fmt.Errorf("%w: opcode %s (%#x)", ErrUnsupported, opcode.Name(), byte(opcode))
	}
	return fn(opcode, ctxt)
}

func (ctxt *compiler) push(s string) {
	ctxt.stack = append(ctxt.stack, s)
}

func (ctxt *compiler) pop() (string, error) {
	if len(ctxt.stack) == 0 {
		return "", fmt.Errorf("%w: stack underflow", ErrUnsupported)
	}
	s := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return s, nil
}

func addr(opcode Opcode, ctxt *compiler) error {
	buf := ctxt.buf.Next(ctxt.expr.ptrSize)
	if len(buf) < ctxt.expr.ptrSize {
		return fmt.Errorf("%w: truncated DW_OP_addr operand", ErrUnsupported)
	}
	var a uint64
	switch ctxt.expr.ptrSize {
	case 4:
		a = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		a = binary.LittleEndian.Uint64(buf)
	default:
		return fmt.Errorf("%w: pointer size %d", ErrUnsupported, ctxt.expr.ptrSize)
	}
	ctxt.push(fmt.Sprintf("%#xUL", a))
	return nil
}

func deref(opcode Opcode, ctxt *compiler) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.push(fmt.Sprintf("(*(%s *)(%s))", wordType(ctxt.expr.ptrSize), a))
	return nil
}

func constint(opcode Opcode, ctxt *compiler) error {
	var n int64
	switch opcode {
	case DW_OP_const1u:
		var x uint8
		binary.Read(ctxt.buf, binary.LittleEndian, &x)
		n = int64(x)
	case DW_OP_const1s:
		var x int8
		binary.Read(ctxt.buf, binary.LittleEndian, &x)
		n = int64(x)
	case DW_OP_const2u:
		var x uint16
		binary.Read(ctxt.buf, binary.LittleEndian, &x)
		n = int64(x)
	case DW_OP_const2s:
		var x int16
		binary.Read(ctxt.buf, binary.LittleEndian, &x)
		n = int64(x)
	case DW_OP_const4u:
		var x uint32
		binary.Read(ctxt.buf, binary.LittleEndian, &x)
		n = int64(x)
	case DW_OP_const4s:
		var x int32
		binary.Read(ctxt.buf, binary.LittleEndian, &x)
		n = int64(x)
	case DW_OP_const8u, DW_OP_const8s:
		var x int64
		binary.Read(ctxt.buf, binary.LittleEndian, &x)
		n = x
	case DW_OP_constu:
		u, _ := leb128.DecodeUnsigned(ctxt.buf)
		n = int64(u)
	case DW_OP_consts:
		n, _ = leb128.DecodeSigned(ctxt.buf)
	}
	ctxt.push(fmt.Sprintf("%d", n))
	return nil
}

func stackop(opcode Opcode, ctxt *compiler) error {
	switch opcode {
	case DW_OP_dup:
		a, err := ctxt.pop()
		if err != nil {
			return err
		}
		ctxt.push(a)
		ctxt.push(a)
	case DW_OP_drop:
		_, err := ctxt.pop()
		return err
	case DW_OP_swap:
		a, err := ctxt.pop()
		if err != nil {
			return err
		}
		b, err := ctxt.pop()
		if err != nil {
			return err
		}
		ctxt.push(a)
		ctxt.push(b)
	case DW_OP_over:
		if len(ctxt.stack) < 2 {
			return fmt.Errorf("%w: stack underflow", ErrUnsupported)
		}
		ctxt.push(ctxt.stack[len(ctxt.stack)-2])
	}
	return nil
}

var binopSyms = map[Opcode]string{
	DW_OP_and:   "&",
	DW_OP_div:   "/",
	DW_OP_minus: "-",
	DW_OP_mod:   "%",
	DW_OP_mul:   "*",
	DW_OP_or:    "|",
	DW_OP_plus:  "+",
	DW_OP_shl:   "<<",
	DW_OP_shr:   ">>",
	DW_OP_xor:   "^",
}

func binop(opcode Opcode, ctxt *compiler) error {
	b, err := ctxt.pop()
	if err != nil {
		return err
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.push(fmt.Sprintf("(%s %s %s)", a, binopSyms[opcode], b))
	return nil
}

func unop(opcode Opcode, ctxt *compiler) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	if opcode == DW_OP_neg {
		ctxt.push(fmt.Sprintf("(-%s)", a))
	} else {
		ctxt.push(fmt.Sprintf("(~%s)", a))
	}
	return nil
}

func plusuconst(opcode Opcode, ctxt *compiler) error {
	n, _ := leb128.DecodeUnsigned(ctxt.buf)
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.push(fmt.Sprintf("(%s + %d)", a, n))
	return nil
}

func register(opcode Opcode, ctxt *compiler) error {
	n, _ := leb128.DecodeUnsigned(ctxt.buf)
	return registerNum(n, ctxt)
}

func registerNum(num uint64, ctxt *compiler) error {
	if len(ctxt.stack) != 0 || ctxt.buf.Len() != 0 {
		return fmt.Errorf("%w: register location inside larger program", ErrUnsupported)
	}
	acc, err := regs.Accessor(ctxt.expr.arch, num)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	ctxt.expr.CExpr = acc
	ctxt.expr.IsValue = true
	return nil
}

func breg(opcode Opcode, ctxt *compiler) error {
	n, _ := leb128.DecodeUnsigned(ctxt.buf)
	return bregNum(n, ctxt)
}

func bregNum(num uint64, ctxt *compiler) error {
	offset, _ := leb128.DecodeSigned(ctxt.buf)
	acc, err := regs.Accessor(ctxt.expr.arch, num)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	ctxt.push(offsetExpr(acc, offset))
	return nil
}

func fbreg(opcode Opcode, ctxt *compiler) error {
	offset, _ := leb128.DecodeSigned(ctxt.buf)
	ctxt.expr.usesFrameBase = true
	ctxt.push(offsetExpr("__adbi_frame", offset))
	return nil
}

func callframecfa(opcode Opcode, ctxt *compiler) error {
	ctxt.expr.usesCFA = true
	ctxt.push("__adbi_cfa")
	return nil
}

func stackvalue(opcode Opcode, ctxt *compiler) error {
	v, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.expr.CExpr = v
	ctxt.expr.IsValue = true
	return nil
}

func offsetExpr(base string, offset int64) string {
	switch {
	case offset > 0:
		return fmt.Sprintf("(%s + %d)", base, offset)
	case offset < 0:
		return fmt.Sprintf("(%s - %d)", base, -offset)
	}
	return base
}

// RegisterOffset returns the expression computing the contents of DWARF
// register regnum plus offset, the common form of a call frame address
// rule.
func RegisterOffset(arch regs.Arch, ptrSize int, regnum uint64, offset int64) (*Expr, error) {
	acc, err := regs.Accessor(arch, regnum)
	if err != nil {
		return nil, err
	}
	return &Expr{CExpr: offsetExpr(acc, offset), arch: arch, ptrSize: ptrSize}, nil
}

func wordType(ptrSize int) string {
	if ptrSize == 8 {
		return "uint64_t"
	}
	return "uint32_t"
}
