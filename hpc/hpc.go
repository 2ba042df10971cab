// Package hpc drives the per-thread hardware performance counters the
// recorder schedules against. One counter measures retired instructions so
// the recorder can tell whether a delivered signal let the tracee run; the
// other counts retired branches and raises the scheduling signal when the
// tracee has used up its timeslice.
package hpc

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const paranoidPath = "/proc/sys/kernel/perf_event_paranoid"

// Counters holds the two perf events attached to one tracee thread.
type Counters struct {
	instFd int
	tickFd int
	tid    int
}

// New opens the counters against tid. The tick counter is wired to deliver
// schedSignal to tid on overflow; both counters start disabled until the
// first Reset.
func New(tid, schedSignal int) (*Counters, error) {
	instFd, err := open(unix.PERF_COUNT_HW_INSTRUCTIONS, 0, tid)
	if err != nil {
		return nil, fmt.Errorf("failed to open instruction counter: %v", err)
	}
	// A placeholder period keeps the counter from firing before the first
	// Reset installs the real budget.
	tickFd, err := open(unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, 1<<60, tid)
	if err != nil {
		unix.Close(instFd)
		return nil, fmt.Errorf("failed to open tick counter: %v", err)
	}
	c := &Counters{instFd: instFd, tickFd: tickFd, tid: tid}
	if err := c.routeOverflow(schedSignal); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func open(config uint64, samplePeriod uint64, tid int) (int, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Config: config,
		Sample: samplePeriod,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		Wakeup: 1,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	return unix.PerfEventOpen(&attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
}

// fOwnerEx mirrors the kernel's struct f_owner_ex; F_OWNER_TID directs
// the overflow signal at a single thread.
type fOwnerEx struct {
	Type int32
	Pid  int32
}

const fOwnerTID = 0

// routeOverflow makes tick-counter overflow deliver sig to the traced
// thread itself rather than to the recorder.
func (c *Counters) routeOverflow(sig int) error {
	owner := fOwnerEx{Type: fOwnerTID, Pid: int32(c.tid)}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(c.tickFd), unix.F_SETOWN_EX,
		uintptr(unsafe.Pointer(&owner)))
	if errno != 0 {
		return fmt.Errorf("failed to set counter owner: %v", errno)
	}
	flags, err := unix.FcntlInt(uintptr(c.tickFd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("failed to read counter flags: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.tickFd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		return fmt.Errorf("failed to enable async counter delivery: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.tickFd), unix.F_SETSIG, sig); err != nil {
		return fmt.Errorf("failed to set counter signal: %v", err)
	}
	return nil
}

// Reset zeroes both counters, arms the tick counter with budget retired
// branches, and enables counting.
func (c *Counters) Reset(budget uint64) error {
	if err := unix.IoctlSetInt(c.instFd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("failed to reset instruction counter: %v", err)
	}
	if err := unix.IoctlSetInt(c.tickFd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("failed to reset tick counter: %v", err)
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.tickFd),
		unix.PERF_EVENT_IOC_PERIOD, uintptr(unsafe.Pointer(&budget)))
	if errno != 0 {
		return fmt.Errorf("failed to set tick period: %v", errno)
	}
	if err := unix.IoctlSetInt(c.instFd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("failed to enable instruction counter: %v", err)
	}
	if err := unix.IoctlSetInt(c.tickFd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("failed to enable tick counter: %v", err)
	}
	return nil
}

// Insts returns retired instructions since the last Reset.
func (c *Counters) Insts() (uint64, error) {
	return readCounter(c.instFd)
}

// Ticks returns retired branches since the last Reset.
func (c *Counters) Ticks() (uint64, error) {
	return readCounter(c.tickFd)
}

func readCounter(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %v", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("short counter read: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases both counter descriptors.
func (c *Counters) Close() {
	if c.instFd > 0 {
		unix.Close(c.instFd)
		c.instFd = -1
	}
	if c.tickFd > 0 {
		unix.Close(c.tickFd)
		c.tickFd = -1
	}
}

// CheckPermission reports whether the kernel will let an unprivileged
// recorder open per-thread counters.
func CheckPermission() error {
	data, err := os.ReadFile(paranoidPath)
	if err != nil {
		// No paranoid knob means no restriction to hit.
		return nil
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	if level > 2 && os.Geteuid() != 0 {
		return fmt.Errorf("perf_event_paranoid is %d; run as root or lower it to 2", level)
	}
	return nil
}
