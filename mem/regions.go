// Package mem tracks the shared mappings a recorder protects inside a
// tracee and emulates the instructions that fault on them, so every value
// the tracee observes from shared memory also lands in the trace.
package mem

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/decode"
)

// Region is a half-open span of tracee addresses.
type Region struct {
	Start uintptr
	End   uintptr
	Path  string // backing file, if known
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// Table is the recorder's view of which tracee addresses are protected.
// It is consulted on every SIGSEGV, so regions are kept sorted by start.
type Table struct {
	regions []Region
}

// Protect records a region as protected.
func (t *Table) Protect(r Region) {
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].Start >= r.Start
	})
	t.regions = append(t.regions, Region{})
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
}

// Unprotect removes the region starting at start. It reports whether a
// region was removed.
func (t *Table) Unprotect(start uintptr) bool {
	for i, r := range t.regions {
		if r.Start == start {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the region containing addr.
func (t *Table) Lookup(addr uintptr) (Region, bool) {
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].End > addr
	})
	if i < len(t.regions) && t.regions[i].Contains(addr) {
		return t.regions[i], true
	}
	return Region{}, false
}

// Contains reports whether addr lies in any protected region.
func (t *Table) Contains(addr uintptr) bool {
	_, ok := t.Lookup(addr)
	return ok
}

// Len returns the number of protected regions.
func (t *Table) Len() int { return len(t.regions) }

// Tracee is the slice of process control the emulator needs.
type Tracee interface {
	GetRegs(regs *unix.PtraceRegs) error
	SetRegs(regs *unix.PtraceRegs) error
	ReadMem(buf []byte, addr uintptr) (int, error)
	WriteMem(buf []byte, addr uintptr) (int, error)
}

// Manager combines the protected-region table with the emulator for one
// tracee.
type Manager struct {
	table Table
	emu   *Emulator
	log   *logrus.Entry
}

// NewManager builds a Manager over a tracee and its instruction decoder.
func NewManager(t Tracee, dec *decode.Decoder, log *logrus.Entry) *Manager {
	return &Manager{emu: NewEmulator(t, dec), log: log}
}

// Protect records a region as protected.
func (m *Manager) Protect(r Region) {
	m.table.Protect(r)
	if m.log != nil {
		m.log.Debugf("protecting %#x-%#x %s", r.Start, r.End, r.Path)
	}
}

// Unprotect removes the region starting at start.
func (m *Manager) Unprotect(start uintptr) bool {
	return m.table.Unprotect(start)
}

// Contains reports whether addr lies in a protected region.
func (m *Manager) Contains(addr uintptr) bool {
	return m.table.Contains(addr)
}

// Emulate performs the faulting instruction at the tracee's current stop on
// its behalf and advances it past the instruction.
func (m *Manager) Emulate() error {
	return m.emu.Step()
}

// ScanShared walks /proc/<pid>/maps and protects every writable shared
// mapping, the mappings whose contents other processes can change under
// the tracee's feet.
func (m *Manager) ScanShared(pid int) error {
	regions, err := SharedRegions(pid)
	if err != nil {
		return err
	}
	for _, r := range regions {
		m.Protect(r)
	}
	return nil
}

// SharedRegions parses /proc/<pid>/maps and returns the writable shared
// mappings.
func SharedRegions(pid int) ([]Region, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read maps of pid %d: %v", pid, err)
	}
	defer f.Close()

	var regions []Region
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		// perms look like "rw-s"; the final byte distinguishes shared from
		// private mappings.
		perms := fields[1]
		if len(perms) < 4 || perms[3] != 's' || perms[1] != 'w' {
			continue
		}
		var start, end uintptr
		if _, err := fmt.Sscanf(fields[0], "%x-%x", &start, &end); err != nil {
			continue
		}
		r := Region{Start: start, End: end}
		if len(fields) >= 6 {
			r.Path = fields[5]
		}
		regions = append(regions, r)
	}
	return regions, scanner.Err()
}
