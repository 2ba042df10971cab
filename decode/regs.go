package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// regPtr maps a decoder register to the snapshot field that backs it.
func regPtr(reg x86asm.Reg, regs *unix.PtraceRegs) (*uint64, error) {
	switch reg {
	case x86asm.AL, x86asm.AH, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return &regs.Rax, nil
	case x86asm.CL, x86asm.CH, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return &regs.Rcx, nil
	case x86asm.DL, x86asm.DH, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return &regs.Rdx, nil
	case x86asm.BL, x86asm.BH, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return &regs.Rbx, nil
	case x86asm.SPB, x86asm.SP, x86asm.ESP, x86asm.RSP:
		return &regs.Rsp, nil
	case x86asm.BPB, x86asm.BP, x86asm.EBP, x86asm.RBP:
		return &regs.Rbp, nil
	case x86asm.SIB, x86asm.SI, x86asm.ESI, x86asm.RSI:
		return &regs.Rsi, nil
	case x86asm.DIB, x86asm.DI, x86asm.EDI, x86asm.RDI:
		return &regs.Rdi, nil
	case x86asm.R8B, x86asm.R8W, x86asm.R8L, x86asm.R8:
		return &regs.R8, nil
	case x86asm.R9B, x86asm.R9W, x86asm.R9L, x86asm.R9:
		return &regs.R9, nil
	case x86asm.R10B, x86asm.R10W, x86asm.R10L, x86asm.R10:
		return &regs.R10, nil
	case x86asm.R11B, x86asm.R11W, x86asm.R11L, x86asm.R11:
		return &regs.R11, nil
	case x86asm.R12B, x86asm.R12W, x86asm.R12L, x86asm.R12:
		return &regs.R12, nil
	case x86asm.R13B, x86asm.R13W, x86asm.R13L, x86asm.R13:
		return &regs.R13, nil
	case x86asm.R14B, x86asm.R14W, x86asm.R14L, x86asm.R14:
		return &regs.R14, nil
	case x86asm.R15B, x86asm.R15W, x86asm.R15L, x86asm.R15:
		return &regs.R15, nil
	case x86asm.RIP:
		return &regs.Rip, nil
	}
	return nil, fmt.Errorf("unsupported register %v", reg)
}

func isHigh8(reg x86asm.Reg) bool {
	return reg == x86asm.AH || reg == x86asm.CH || reg == x86asm.DH || reg == x86asm.BH
}

// RegValue reads a register out of a snapshot, narrowed to the register's
// width.
func RegValue(reg x86asm.Reg, regs *unix.PtraceRegs) (uint64, error) {
	p, err := regPtr(reg, regs)
	if err != nil {
		return 0, err
	}
	v := *p
	switch {
	case isHigh8(reg):
		return (v >> 8) & 0xff, nil
	case reg >= x86asm.AL && reg <= x86asm.R15B:
		return v & 0xff, nil
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return v & 0xffff, nil
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return v & 0xffffffff, nil
	default:
		return v, nil
	}
}

// SetRegValue stores v into reg inside a snapshot, honoring x86-64 width
// rules: 32-bit destinations zero the upper half, 16- and 8-bit
// destinations merge into the existing value.
func SetRegValue(reg x86asm.Reg, regs *unix.PtraceRegs, v uint64) error {
	p, err := regPtr(reg, regs)
	if err != nil {
		return err
	}
	switch {
	case isHigh8(reg):
		*p = (*p &^ 0xff00) | ((v & 0xff) << 8)
	case reg >= x86asm.AL && reg <= x86asm.R15B:
		*p = (*p &^ 0xff) | (v & 0xff)
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		*p = (*p &^ 0xffff) | (v & 0xffff)
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		*p = v & 0xffffffff
	default:
		*p = v
	}
	return nil
}

// EffectiveAddr resolves a memory operand against a register snapshot.
// nextIP is the address of the following instruction, the base for
// RIP-relative operands.
func EffectiveAddr(m x86asm.Mem, regs *unix.PtraceRegs, nextIP uint64) (uintptr, error) {
	// %fs/%gs-relative operands would need the segment base from the
	// kernel; the recorder never emulates TLS accesses.
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return 0, fmt.Errorf("segment-relative operand not supported")
	}
	ea := m.Disp
	if m.Base == x86asm.RIP {
		ea += int64(nextIP)
	} else if m.Base != 0 {
		v, err := RegValue(m.Base, regs)
		if err != nil {
			return 0, err
		}
		ea += int64(v)
	}
	if m.Index != 0 {
		v, err := RegValue(m.Index, regs)
		if err != nil {
			return 0, err
		}
		ea += int64(v) * int64(m.Scale)
	}
	return uintptr(ea), nil
}
