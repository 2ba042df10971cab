// Package record runs recording sessions: it launches the tracee, owns the
// wait loop, and classifies every signal stop into exactly one replayable
// event before the tracee is resumed.
package record

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/decode"
	"github.com/pzim/retrace/ptrace"
)

// Process is the slice of tracee control the dispatcher needs.
type Process interface {
	Pid() int
	GetRegs(regs *unix.PtraceRegs) error
	SetRegs(regs *unix.PtraceRegs) error
	StepWithSignal(sig int) error
	Wait() (unix.WaitStatus, error)
	SigInfo() (*ptrace.SigInfo, error)
}

// Decoder identifies instructions at tracee addresses.
type Decoder interface {
	InstAt(addr uintptr) (decode.Inst, error)
	ClassifyAccess(addr uintptr) (decode.Access, error)
}

// Regions answers whether a faulting address belongs to a protected shared
// mapping and performs the faulting access on the tracee's behalf.
type Regions interface {
	Contains(addr uintptr) bool
	Emulate() error
}

// Counters is the tracee's hardware counter pair.
type Counters interface {
	Reset(budget uint64) error
	Insts() (uint64, error)
	Ticks() (uint64, error)
}

// Sink receives classified events and captured memory.
type Sink interface {
	AppendEvent(code int, checkpoint string, regs *unix.PtraceRegs, insts, ticks uint64) error
	RecordRegion(addr uintptr, length int) error
}

// Wrappers knows the text ranges of the tracee's instrumentation library.
type Wrappers interface {
	InWrapper(ip uint64) bool
}

// Task is one traced thread between stops. The session fills PendingSig
// and Status from the wait loop; the dispatcher consumes them.
type Task struct {
	Proc       Process
	Regs       unix.PtraceRegs
	Status     unix.WaitStatus
	PendingSig int
	Event      int
}

// NewTask wraps a stopped tracee.
func NewTask(proc Process) *Task {
	return &Task{Proc: proc}
}

// RefreshRegs re-reads the tracee's registers after it has run.
func (t *Task) RefreshRegs() error {
	if err := t.Proc.GetRegs(&t.Regs); err != nil {
		return fmt.Errorf("failed to read registers of pid %d: %v", t.Proc.Pid(), err)
	}
	return nil
}
