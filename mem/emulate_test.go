package mem

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/decode"
)

const (
	textBase = uintptr(0x401000)
	dataBase = uintptr(0x7f0000000000)
)

type fakeTracee struct {
	regs unix.PtraceRegs
	mem  map[uintptr][]byte
}

func (f *fakeTracee) GetRegs(regs *unix.PtraceRegs) error { *regs = f.regs; return nil }
func (f *fakeTracee) SetRegs(regs *unix.PtraceRegs) error { f.regs = *regs; return nil }

func (f *fakeTracee) ReadMem(buf []byte, addr uintptr) (int, error) {
	for base, chunk := range f.mem {
		if addr >= base && addr < base+uintptr(len(chunk)) {
			return copy(buf, chunk[addr-base:]), nil
		}
	}
	return 0, unix.EFAULT
}

func (f *fakeTracee) WriteMem(buf []byte, addr uintptr) (int, error) {
	for base, chunk := range f.mem {
		if addr >= base && addr+uintptr(len(buf)) <= base+uintptr(len(chunk)) {
			return copy(chunk[addr-base:], buf), nil
		}
	}
	return 0, unix.EFAULT
}

func newEmulator(t *testing.T, text []byte) (*Emulator, *fakeTracee) {
	t.Helper()
	tracee := &fakeTracee{mem: map[uintptr][]byte{
		textBase: text,
		dataBase: make([]byte, 64),
	}}
	tracee.regs.Rip = uint64(textBase)
	dec, err := decode.New(tracee, 16)
	if err != nil {
		t.Fatalf("failed to build decoder: %v", err)
	}
	return NewEmulator(tracee, dec), tracee
}

func TestEmulateStoreFromRegister(t *testing.T) {
	// mov [rbx+8], ecx
	emu, tracee := newEmulator(t, []byte{0x89, 0x4b, 0x08})
	tracee.regs.Rbx = uint64(dataBase)
	tracee.regs.Rcx = 0xdeadbeef

	if err := emu.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	data := tracee.mem[dataBase]
	want := []byte{0xef, 0xbe, 0xad, 0xde}
	for i, b := range want {
		if data[8+i] != b {
			t.Fatalf("stored bytes = % x, want % x", data[8:12], want)
		}
	}
	if tracee.regs.Rip != uint64(textBase)+3 {
		t.Errorf("Rip = %#x, want %#x", tracee.regs.Rip, uint64(textBase)+3)
	}
}

func TestEmulateStoreImmediate(t *testing.T) {
	// mov byte [rbx], 0x5
	emu, tracee := newEmulator(t, []byte{0xc6, 0x03, 0x05})
	tracee.regs.Rbx = uint64(dataBase)

	if err := emu.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got := tracee.mem[dataBase][0]; got != 0x05 {
		t.Errorf("stored byte = %#x, want 0x05", got)
	}
}

func TestEmulateLoad(t *testing.T) {
	// mov rax, [rbx]
	emu, tracee := newEmulator(t, []byte{0x48, 0x8b, 0x03})
	tracee.regs.Rbx = uint64(dataBase)
	copy(tracee.mem[dataBase], []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})

	if err := emu.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if tracee.regs.Rax != 0x1122334455667788 {
		t.Errorf("Rax = %#x, want 0x1122334455667788", tracee.regs.Rax)
	}
	if tracee.regs.Rip != uint64(textBase)+3 {
		t.Errorf("Rip = %#x, want %#x", tracee.regs.Rip, uint64(textBase)+3)
	}
}

func TestEmulateLoadZeroExtend(t *testing.T) {
	// movzx eax, byte [rbx]
	emu, tracee := newEmulator(t, []byte{0x0f, 0xb6, 0x03})
	tracee.regs.Rbx = uint64(dataBase)
	tracee.regs.Rax = 0xffffffffffffffff
	tracee.mem[dataBase][0] = 0x85

	if err := emu.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if tracee.regs.Rax != 0x85 {
		t.Errorf("Rax = %#x, want 0x85", tracee.regs.Rax)
	}
}

func TestEmulateLoadSignExtend(t *testing.T) {
	tests := []struct {
		name string
		text []byte
		data []byte
		want uint64
	}{
		{
			name: "movsx eax, byte",
			text: []byte{0x0f, 0xbe, 0x03},
			data: []byte{0x85},
			want: 0xffffff85,
		},
		{
			name: "movsxd rax, dword",
			text: []byte{0x48, 0x63, 0x03},
			data: []byte{0x00, 0x00, 0x00, 0x80},
			want: 0xffffffff80000000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emu, tracee := newEmulator(t, tt.text)
			tracee.regs.Rbx = uint64(dataBase)
			copy(tracee.mem[dataBase], tt.data)

			if err := emu.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if tracee.regs.Rax != tt.want {
				t.Errorf("Rax = %#x, want %#x", tracee.regs.Rax, tt.want)
			}
		})
	}
}

func TestEmulateUnsupportedInstruction(t *testing.T) {
	// add [rbx], eax
	emu, tracee := newEmulator(t, []byte{0x01, 0x03})
	tracee.regs.Rbx = uint64(dataBase)

	err := emu.Step()
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Step returned %v, want ErrUnsupported", err)
	}
	if tracee.regs.Rip != uint64(textBase) {
		t.Errorf("Rip moved to %#x on failed emulation", tracee.regs.Rip)
	}
}

func TestManagerProtectAndEmulate(t *testing.T) {
	// mov [rbx], ecx through the Manager surface.
	tracee := &fakeTracee{mem: map[uintptr][]byte{
		textBase: {0x89, 0x0b},
		dataBase: make([]byte, 16),
	}}
	tracee.regs.Rip = uint64(textBase)
	tracee.regs.Rbx = uint64(dataBase)
	tracee.regs.Rcx = 0x41

	dec, err := decode.New(tracee, 16)
	if err != nil {
		t.Fatalf("failed to build decoder: %v", err)
	}
	mgr := NewManager(tracee, dec, nil)
	mgr.Protect(Region{Start: dataBase, End: dataBase + 16})

	if !mgr.Contains(dataBase + 4) {
		t.Fatal("protected address not found")
	}
	if mgr.Contains(dataBase + 16) {
		t.Fatal("address past region reported as protected")
	}
	if err := mgr.Emulate(); err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}
	if got := tracee.mem[dataBase][0]; got != 0x41 {
		t.Errorf("stored byte = %#x, want 0x41", got)
	}
}
