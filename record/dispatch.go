package record

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/ptrace"
	"github.com/pzim/retrace/types"
)

// Params wires a Dispatcher to its collaborators.
type Params struct {
	Decoder  Decoder
	Regions  Regions
	Counters Counters
	Sink     Sink
	Wrappers Wrappers

	// SchedSignal is raised by the tick counter on timeslice expiry.
	SchedSignal int
	// TickBudget is the timeslice length in retired branches.
	TickBudget uint64
	// FrameSize is how many bytes below the stack pointer are captured
	// after a handled signal delivery.
	FrameSize int

	// Cycles supplies the virtual timestamp counter. Nil selects a
	// monotonic clock.
	Cycles func() uint64

	Log *logrus.Entry
}

// A syntheticHandler inspects a SIGSEGV stop and either claims it,
// returning the synthetic event it produced, or returns EventNone to pass
// the stop to the next handler.
type syntheticHandler func(t *Task) (int, error)

// Dispatcher turns signal stops into events. Exactly one event comes out
// of every stop: a synthetic event for faults the recorder itself
// engineered, a preemption event for timeslice expiry, or a signal
// delivery for everything else.
type Dispatcher struct {
	dec       Decoder
	maps      Regions
	hpc       Counters
	sink      Sink
	wrap      Wrappers
	sched     int
	budget    uint64
	frameSize int
	cycles    func() uint64
	log       *logrus.Entry

	// handlers run in order; rdtsc interception outranks the shared-map
	// check because a trapped rdtsc never has a fault address worth
	// looking up.
	handlers []syntheticHandler
}

// NewDispatcher builds a Dispatcher from params.
func NewDispatcher(p Params) *Dispatcher {
	d := &Dispatcher{
		dec:       p.Decoder,
		maps:      p.Regions,
		hpc:       p.Counters,
		sink:      p.Sink,
		wrap:      p.Wrappers,
		sched:     p.SchedSignal,
		budget:    p.TickBudget,
		frameSize: p.FrameSize,
		cycles:    p.Cycles,
		log:       p.Log,
	}
	if d.log == nil {
		silent := logrus.New()
		silent.Out = io.Discard
		silent.Level = logrus.PanicLevel
		d.log = logrus.NewEntry(silent)
	}
	if d.cycles == nil {
		start := time.Now()
		d.cycles = func() uint64 { return uint64(time.Since(start)) }
	}
	d.handlers = []syntheticHandler{d.handleRdtsc, d.handleSharedMapAccess}
	return d
}

// HandleStopSignal classifies the stop described by t.PendingSig and
// records its event. On return t.Event holds the classification and
// t.PendingSig holds the signal still owed to the tracee, zero if the
// stop was consumed.
func (d *Dispatcher) HandleStopSignal(t *Task) error {
	if err := d.drainCriticalSection(t); err != nil {
		return err
	}

	sig := t.PendingSig
	if sig == int(unix.SIGSEGV) {
		for _, h := range d.handlers {
			ev, err := h(t)
			if err != nil {
				return err
			}
			if ev != types.EventNone {
				t.Event = ev
				t.PendingSig = 0
				return d.appendEvent(t)
			}
		}
	}

	if sig == d.sched {
		ticks, err := d.hpc.Ticks()
		if err != nil {
			return fmt.Errorf("failed to read tick counter: %v", err)
		}
		if ticks >= d.budget {
			t.Event = types.EventSched
			t.PendingSig = 0
			d.log.WithField("ticks", ticks).Debug("timeslice expired")
			return d.appendEvent(t)
		}
		// The counter signal arrived early; treat it like any other
		// asynchronous signal so replay sees the same delivery.
		d.log.WithField("ticks", ticks).Debug("counter signal below budget")
	}

	return d.recordSignal(t, sig)
}

// drainCriticalSection steps the tracee, delivering nothing, until its
// instruction pointer leaves the wrapper library. The pending signal stays
// pending across the steps.
func (d *Dispatcher) drainCriticalSection(t *Task) error {
	for d.wrap.InWrapper(t.Regs.Rip) {
		d.log.WithField("rip", fmt.Sprintf("%#x", t.Regs.Rip)).
			Debug("stepping out of wrapper critical section")
		if err := t.Proc.StepWithSignal(0); err != nil {
			return fmt.Errorf("failed to step out of critical section: %v", err)
		}
		status, err := t.Proc.Wait()
		if err != nil {
			return fmt.Errorf("failed to wait during critical section drain: %v", err)
		}
		t.Status = status
		if !status.Stopped() {
			return fmt.Errorf("tracee %d left critical section by exiting", t.Proc.Pid())
		}
		if err := t.RefreshRegs(); err != nil {
			return err
		}
	}
	return nil
}

// appendEvent writes t.Event with the current registers and counters.
func (d *Dispatcher) appendEvent(t *Task) error {
	insts, err := d.hpc.Insts()
	if err != nil {
		return fmt.Errorf("failed to read instruction counter: %v", err)
	}
	ticks, err := d.hpc.Ticks()
	if err != nil {
		return fmt.Errorf("failed to read tick counter: %v", err)
	}
	if err := d.sink.AppendEvent(t.Event, types.CheckpointSyscallEntry, &t.Regs, insts, ticks); err != nil {
		return fmt.Errorf("failed to record event: %v", err)
	}
	return nil
}

// recordSignal records a genuine signal and delivers it to the tracee by
// single-stepping. The event is written before delivery; whether the
// kernel pushed a handler frame is only known afterwards, from the
// instruction counter.
func (d *Dispatcher) recordSignal(t *Task, sig int) error {
	si, err := t.Proc.SigInfo()
	if err != nil {
		return fmt.Errorf("failed to read siginfo for %s: %v", types.SignalName(sig), err)
	}
	det := IsDeterministic(si)
	t.Event = types.SignalEvent(sig, det)
	d.log.WithFields(logrus.Fields{
		"signal":        types.SignalName(sig),
		"code":          types.SigCodeName(sig, int(si.Code)),
		"deterministic": det,
	}).Debug("recording signal delivery")

	if err := d.appendEvent(t); err != nil {
		return err
	}

	if err := d.hpc.Reset(d.budget); err != nil {
		return fmt.Errorf("failed to reset counters before delivery: %v", err)
	}
	insts, err := d.hpc.Insts()
	if err != nil {
		return fmt.Errorf("failed to read instruction counter: %v", err)
	}
	if insts != 0 {
		return fmt.Errorf("%d instructions retired before delivery of %s: %w",
			insts, types.SignalName(sig), ErrCounterResidue)
	}

	if err := t.Proc.StepWithSignal(sig); err != nil {
		return fmt.Errorf("failed to deliver %s: %v", types.SignalName(sig), err)
	}
	status, err := t.Proc.Wait()
	if err != nil {
		return fmt.Errorf("failed to wait for delivery of %s: %v", types.SignalName(sig), err)
	}
	t.Status = status
	t.PendingSig = 0
	if status.Exited() || status.Signaled() {
		// The delivery killed the tracee. There is no frame to capture;
		// the session loop sees the exit on its next wait.
		d.log.WithField("signal", types.SignalName(sig)).Debug("delivery was fatal")
		return nil
	}

	insts, err = d.hpc.Insts()
	if err != nil {
		return fmt.Errorf("failed to read instruction counter after delivery: %v", err)
	}
	if err := t.RefreshRegs(); err != nil {
		return err
	}

	// Zero retired instructions across the step means the kernel ran, not
	// the tracee: a handler frame is now on the stack. Otherwise the
	// signal was ignored and the tracee simply executed an instruction.
	frame := 0
	if insts == 0 {
		frame = d.frameSize
	}
	if err := d.sink.RecordRegion(uintptr(t.Regs.Rsp), frame); err != nil {
		return fmt.Errorf("failed to record handler frame: %v", err)
	}
	return nil
}

// handleRdtsc recognizes the fault produced by a trapped rdtsc
// instruction, loads the virtual timestamp into the tracee, and advances
// it past the instruction.
func (d *Dispatcher) handleRdtsc(t *Task) (int, error) {
	inst, err := d.dec.InstAt(uintptr(t.Regs.Rip))
	if err != nil {
		// An unreadable or undecodable faulting site is a genuine crash,
		// for example a wild jump. Let signal recording take it.
		d.log.WithError(err).WithField("rip", fmt.Sprintf("%#x", t.Regs.Rip)).
			Debug("faulting instruction not decodable")
		return types.EventNone, nil
	}
	if inst.Op != x86asm.RDTSC {
		return types.EventNone, nil
	}

	now := d.cycles()
	t.Regs.Rax = now & 0xffffffff
	t.Regs.Rdx = now >> 32
	t.Regs.Rip += uint64(inst.Len)
	if err := t.Proc.SetRegs(&t.Regs); err != nil {
		return 0, fmt.Errorf("failed to update registers after rdtsc: %v", err)
	}
	d.log.WithField("cycles", now).Debug("emulated rdtsc")
	return types.EventRdtsc, nil
}

// handleSharedMapAccess recognizes a fault against a protected shared
// mapping and performs the access on the tracee's behalf.
func (d *Dispatcher) handleSharedMapAccess(t *Task) (int, error) {
	si, err := t.Proc.SigInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read siginfo: %v", err)
	}
	if !d.maps.Contains(si.Addr) {
		return types.EventNone, nil
	}

	access, err := d.dec.ClassifyAccess(uintptr(t.Regs.Rip))
	if err != nil {
		return 0, fmt.Errorf("failed to classify access to protected mapping at %#x: %v", si.Addr, err)
	}
	ev := types.EventSharedMapRead
	if access.Write {
		ev = types.EventSharedMapWrite
	}

	// The event is tagged before emulation mutates the tracee.
	t.Event = ev
	if err := d.maps.Emulate(); err != nil {
		return 0, fmt.Errorf("failed to emulate access to %#x: %v", si.Addr, err)
	}
	if err := t.RefreshRegs(); err != nil {
		return 0, err
	}
	d.log.WithFields(logrus.Fields{
		"addr":  fmt.Sprintf("%#x", si.Addr),
		"write": access.Write,
		"size":  access.Size,
	}).Debug("intercepted shared-map access")
	return ev, nil
}

// IsDeterministic reports whether si describes a fault the tracee raised
// by executing, as opposed to a signal sent from outside. Kernel-raised
// faults carry positive si_code values; user-space senders leave zero or
// negative ones.
func IsDeterministic(si *ptrace.SigInfo) bool {
	switch si.Signo {
	case int32(unix.SIGILL), int32(unix.SIGTRAP), int32(unix.SIGBUS),
		int32(unix.SIGFPE), int32(unix.SIGSEGV), int32(unix.SIGSTKFLT):
		return si.Code > 0
	}
	return false
}
