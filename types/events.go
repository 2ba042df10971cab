package types

import "fmt"

// Event codes for one recorded tracee stop. Synthetic events the recorder
// induced itself are positive; delivered signals are encoded as negative
// values so a replayer can tell the two apart at a glance.
const (
	EventNone           = 0
	EventSched          = 1 // preempted at the end of its timeslice
	EventRdtsc          = 2 // trapped rdtsc, result emulated
	EventSharedMapRead  = 3 // read of a protected shared mapping, emulated
	EventSharedMapWrite = 4 // write of a protected shared mapping, emulated
)

// DetSignalBit is set in the encoded signal number when the signal was
// raised deterministically by the tracee's own execution. Signal numbers
// stop at 64, so the bit never collides.
const DetSignalBit = 0x80

// SignalEvent encodes a delivered signal as an event code.
func SignalEvent(sig int, deterministic bool) int {
	if deterministic {
		return -(sig | DetSignalBit)
	}
	return -sig
}

// DecodeSignal extracts the signal number and determinism flag from an
// event code. ok is false when the code is not a signal event.
func DecodeSignal(event int) (sig int, deterministic bool, ok bool) {
	if event >= 0 {
		return 0, false, false
	}
	v := -event
	if v&DetSignalBit != 0 {
		return v &^ DetSignalBit, true, true
	}
	return v, false, true
}

// EventName returns a short name for an event code, for logs and the
// session viewer.
func EventName(event int) string {
	switch event {
	case EventNone:
		return "none"
	case EventSched:
		return "sched"
	case EventRdtsc:
		return "rdtsc"
	case EventSharedMapRead:
		return "shared-map-read"
	case EventSharedMapWrite:
		return "shared-map-write"
	}
	if sig, det, ok := DecodeSignal(event); ok {
		if det {
			return SignalName(sig) + "(det)"
		}
		return SignalName(sig) + "(async)"
	}
	return fmt.Sprintf("unknown(%d)", event)
}

// Checkpoint names for positions in the tracee's execution where events may
// be appended to the trace.
const (
	CheckpointSyscallEntry = "syscall_entry"
)
