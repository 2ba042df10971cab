// Package monitor cross-checks the recorder against the kernel. A small
// eBPF program on the signal_deliver tracepoint counts every delivery to
// the tracee, so a stop the recorder missed shows up as a count the trace
// cannot explain.
package monitor

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
)

// SignalMonitor holds the loaded program, its counter map, and the
// tracepoint attachment for one tracee.
type SignalMonitor struct {
	counts *ebpf.Map
	prog   *ebpf.Program
	tp     link.Link
	log    *logrus.Entry
}

// New attaches the delivery counter to the signal_deliver tracepoint,
// filtered to pid.
func New(pid int, log *logrus.Entry) (*SignalMonitor, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %v", err)
	}

	counts, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 65, // indexed by signal number, slot 0 unused
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create count map: %v", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "count_signal_deliver",
		Type:         ebpf.TracePoint,
		Instructions: deliveryProgram(counts, pid),
		License:      "GPL",
	})
	if err != nil {
		counts.Close()
		return nil, fmt.Errorf("failed to load count program: %v", err)
	}

	tp, err := link.Tracepoint("signal", "signal_deliver", prog, nil)
	if err != nil {
		prog.Close()
		counts.Close()
		return nil, fmt.Errorf("failed to attach signal_deliver tracepoint: %v", err)
	}

	if log != nil {
		log.WithField("pid", pid).Debug("signal delivery monitor attached")
	}
	return &SignalMonitor{counts: counts, prog: prog, tp: tp, log: log}, nil
}

// deliveryProgram counts signal_deliver hits for one tgid, indexed by
// signal number. The sig field sits at offset 8 of the tracepoint record.
func deliveryProgram(counts *ebpf.Map, pid int) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.JNE.Imm(asm.R0, int32(pid), "exit"),

		asm.LoadMem(asm.R7, asm.R6, 8, asm.Word),
		asm.JSLE.Imm(asm.R7, 0, "exit"),
		asm.JSGT.Imm(asm.R7, 64, "exit"),

		asm.StoreMem(asm.RFP, -4, asm.R7, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, counts.FD()),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),

		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}

// Counts returns the kernel's delivery count per signal number. Signals
// never delivered are left out.
func (m *SignalMonitor) Counts() (map[int]uint64, error) {
	counts := make(map[int]uint64)
	for sig := 1; sig <= 64; sig++ {
		var n uint64
		if err := m.counts.Lookup(uint32(sig), &n); err != nil {
			return nil, fmt.Errorf("failed to read count for signal %d: %v", sig, err)
		}
		if n > 0 {
			counts[sig] = n
		}
	}
	return counts, nil
}

// Close detaches the tracepoint and releases the program and map.
func (m *SignalMonitor) Close() {
	if m.tp != nil {
		m.tp.Close()
	}
	if m.prog != nil {
		m.prog.Close()
	}
	if m.counts != nil {
		m.counts.Close()
	}
}
