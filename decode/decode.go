// Package decode identifies x86-64 instructions inside a tracee's address
// space. The dispatcher uses it to recognize trapped rdtsc instructions and
// to classify faulting memory accesses before they are emulated.
package decode

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"
)

// MemReader reads tracee memory at an absolute address.
type MemReader interface {
	ReadMem(buf []byte, addr uintptr) (int, error)
}

// Inst is one decoded instruction at a tracee address.
type Inst struct {
	Text string // Intel-syntax disassembly
	Len  int    // encoded length in bytes
	Op   x86asm.Op
	Raw  x86asm.Inst
}

// Access describes how an instruction touches memory.
type Access struct {
	Write bool
	Size  int // bytes transferred
}

// x86-64 instructions never exceed 15 bytes.
const maxInstLen = 15

// Decoder decodes instructions out of one tracee, caching results by
// address. The cache is only valid while the text it covers is unchanged;
// Flush drops it after any code modification.
type Decoder struct {
	mem   MemReader
	cache *lru.Cache
}

// New builds a Decoder over mem with room for cacheSize decoded entries.
func New(mem MemReader, cacheSize int) (*Decoder, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Decoder{mem: mem, cache: cache}, nil
}

// InstAt decodes the instruction at addr.
func (d *Decoder) InstAt(addr uintptr) (Inst, error) {
	if v, ok := d.cache.Get(addr); ok {
		return v.(Inst), nil
	}
	var buf [maxInstLen]byte
	if _, err := d.mem.ReadMem(buf[:], addr); err != nil {
		return Inst{}, fmt.Errorf("failed to fetch instruction bytes at %#x: %v", addr, err)
	}
	raw, err := x86asm.Decode(buf[:], 64)
	if err != nil {
		return Inst{}, fmt.Errorf("failed to decode instruction at %#x: %v", addr, err)
	}
	inst := Inst{Text: raw.String(), Len: raw.Len, Op: raw.Op, Raw: raw}
	d.cache.Add(addr, inst)
	return inst, nil
}

// ClassifyAccess reports whether the instruction at addr writes memory and
// how many bytes it moves. Instructions whose first operand is a memory
// reference count as writes, which also covers read-modify-write forms.
func (d *Decoder) ClassifyAccess(addr uintptr) (Access, error) {
	inst, err := d.InstAt(addr)
	if err != nil {
		return Access{}, err
	}
	if inst.Raw.MemBytes == 0 {
		return Access{}, fmt.Errorf("instruction %q at %#x does not touch memory", inst.Text, addr)
	}
	_, write := inst.Raw.Args[0].(x86asm.Mem)
	return Access{Write: write, Size: inst.Raw.MemBytes}, nil
}

// Flush empties the decode cache.
func (d *Decoder) Flush() {
	d.cache.Purge()
}
