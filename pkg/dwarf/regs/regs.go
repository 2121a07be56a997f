// Package regs maps DWARF register numbers to the C accessor expressions
// that read the corresponding saved register out of the handler's register
// context (the __adbi_regs pointer every generated handler receives).
package regs

import (
	"fmt"
)

// Arch selects the register numbering in effect for a binary.
type Arch int

const (
	ARM Arch = iota
	ARM64
)

// The mapping between hardware registers and DWARF registers is specified
// in the DWARF for the ARM® Architecture documents, ihi0040 (AArch32) and
// ihi0057 (AArch64).

const (
	armR0  = 0 // r1 through r12 follow
	armSP  = 13
	armLR  = 14
	armPC  = 15
	armMax = 15

	arm64X0 = 0 // x1 through x30 follow
	arm64BP = 29
	arm64LR = 30
	arm64SP = 31
)

// Accessor returns the C expression reading DWARF register num from the
// handler register context, or an error if the register is not one the
// context captures (e.g. a vector register).
func Accessor(arch Arch, num uint64) (string, error) {
	switch arch {
	case ARM:
		if num <= armMax {
			return fmt.Sprintf("__adbi_regs->r[%d]", num), nil
		}
	case ARM64:
		switch {
		case num <= arm64LR:
			return fmt.Sprintf("__adbi_regs->x[%d]", num), nil
		case num == arm64SP:
			return "__adbi_regs->sp", nil
		}
	}
	return "", fmt.Errorf("register %s not available in handler context", Name(arch, num))
}

// Name returns a human readable name for DWARF register num, used in
// diagnostics only.
func Name(arch Arch, num uint64) string {
	switch arch {
	case ARM:
		switch {
		case num == armSP:
			return "sp"
		case num == armLR:
			return "lr"
		case num == armPC:
			return "pc"
		case num <= armMax:
			return fmt.Sprintf("r%d", num)
		}
	case ARM64:
		switch {
		case num == arm64SP:
			return "sp"
		case num == arm64LR:
			return "lr"
		case num <= arm64LR:
			return fmt.Sprintf("x%d", num)
		}
	}
	return fmt.Sprintf("unknown%d", num)
}
