package mem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/decode"
)

// ErrUnsupported marks a faulting instruction the emulator cannot perform
// on the tracee's behalf.
var ErrUnsupported = errors.New("instruction not supported by emulator")

// Emulator performs a single faulting instruction against protected memory
// for a stopped tracee. The tracee never executes the instruction itself;
// the emulator applies its effect through ptrace and advances the
// instruction pointer past it.
type Emulator struct {
	tracee Tracee
	dec    *decode.Decoder
}

// NewEmulator builds an Emulator over a tracee and its decoder.
func NewEmulator(t Tracee, dec *decode.Decoder) *Emulator {
	return &Emulator{tracee: t, dec: dec}
}

// Step emulates the instruction at the tracee's current instruction
// pointer and moves the tracee past it. The tracee must be stopped.
func (e *Emulator) Step() error {
	var regs unix.PtraceRegs
	if err := e.tracee.GetRegs(&regs); err != nil {
		return fmt.Errorf("failed to read registers: %v", err)
	}
	inst, err := e.dec.InstAt(uintptr(regs.Rip))
	if err != nil {
		return fmt.Errorf("failed to decode instruction at %#x: %v", regs.Rip, err)
	}
	if err := e.apply(inst, &regs); err != nil {
		return err
	}
	regs.Rip += uint64(inst.Len)
	if err := e.tracee.SetRegs(&regs); err != nil {
		return fmt.Errorf("failed to write registers: %v", err)
	}
	return nil
}

// apply performs the data movement of inst. Only plain moves are handled;
// arithmetic on protected memory is rare enough that bailing out and
// letting the caller abort the recording is the simpler contract.
func (e *Emulator) apply(inst decode.Inst, regs *unix.PtraceRegs) error {
	switch inst.Op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
	default:
		return fmt.Errorf("%s at %#x: %w", inst.Op, regs.Rip, ErrUnsupported)
	}
	size := inst.Raw.MemBytes
	if size == 0 {
		return fmt.Errorf("%s at %#x touches no memory: %w", inst.Op, regs.Rip, ErrUnsupported)
	}
	nextIP := regs.Rip + uint64(inst.Len)

	if m, ok := inst.Raw.Args[0].(x86asm.Mem); ok {
		return e.store(inst, m, regs, nextIP, size)
	}
	if m, ok := inst.Raw.Args[1].(x86asm.Mem); ok {
		return e.load(inst, m, regs, nextIP, size)
	}
	return fmt.Errorf("%s at %#x has no memory operand: %w", inst.Op, regs.Rip, ErrUnsupported)
}

func (e *Emulator) store(inst decode.Inst, m x86asm.Mem, regs *unix.PtraceRegs, nextIP uint64, size int) error {
	addr, err := decode.EffectiveAddr(m, regs, nextIP)
	if err != nil {
		return err
	}
	var value uint64
	switch src := inst.Raw.Args[1].(type) {
	case x86asm.Reg:
		value, err = decode.RegValue(src, regs)
		if err != nil {
			return err
		}
	case x86asm.Imm:
		value = uint64(src)
	default:
		return fmt.Errorf("%s source operand %v: %w", inst.Op, inst.Raw.Args[1], ErrUnsupported)
	}
	buf, err := putUint(value, size)
	if err != nil {
		return err
	}
	if _, err := e.tracee.WriteMem(buf, addr); err != nil {
		return fmt.Errorf("failed to write %d bytes at %#x: %v", size, addr, err)
	}
	return nil
}

func (e *Emulator) load(inst decode.Inst, m x86asm.Mem, regs *unix.PtraceRegs, nextIP uint64, size int) error {
	addr, err := decode.EffectiveAddr(m, regs, nextIP)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := e.tracee.ReadMem(buf, addr); err != nil {
		return fmt.Errorf("failed to read %d bytes at %#x: %v", size, addr, err)
	}
	value, err := getUint(buf)
	if err != nil {
		return err
	}
	if inst.Op == x86asm.MOVSX || inst.Op == x86asm.MOVSXD {
		value = signExtend(value, size*8)
	}
	dst, ok := inst.Raw.Args[0].(x86asm.Reg)
	if !ok {
		return fmt.Errorf("%s destination operand %v: %w", inst.Op, inst.Raw.Args[0], ErrUnsupported)
	}
	return decode.SetRegValue(dst, regs, value)
}

// signExtend widens the low bits of v from the given width to 64 bits.
func signExtend(v uint64, bits int) uint64 {
	shift := uint(64 - bits)
	return uint64(int64(v<<shift) >> shift)
}

func putUint(v uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	default:
		return nil, fmt.Errorf("unsupported access size %d", size)
	}
	return buf, nil
}

func getUint(buf []byte) (uint64, error) {
	switch len(buf) {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("unsupported access size %d", len(buf))
	}
}
