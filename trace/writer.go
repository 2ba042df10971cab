package trace

import "golang.org/x/sys/unix"

// MemReader reads tracee memory for region capture.
type MemReader interface {
	ReadMem(buf []byte, addr uintptr) (int, error)
}

// SessionWriter appends events and memory regions to one session. It owns
// the session's event sequence numbers; the dispatcher never sees them.
type SessionWriter struct {
	store *Store
	mem   MemReader
	id    int64
	seq   uint64
}

// NewSessionWriter builds a writer for the session with the given id. mem
// is consulted when a region capture is requested.
func NewSessionWriter(store *Store, mem MemReader, id int64) *SessionWriter {
	return &SessionWriter{store: store, mem: mem, id: id}
}

// SessionID returns the session this writer appends to.
func (w *SessionWriter) SessionID() int64 { return w.id }

// Seq returns the sequence number of the most recently appended event.
func (w *SessionWriter) Seq() uint64 { return w.seq }

// AppendEvent writes the next event of the session.
func (w *SessionWriter) AppendEvent(code int, checkpoint string, regs *unix.PtraceRegs, insts, ticks uint64) error {
	w.seq++
	return w.store.InsertEvent(w.id, w.seq, code, checkpoint, regs, insts, ticks)
}

// RecordRegion captures length bytes of tracee memory at addr and ties
// them to the most recent event. A zero length stores an empty marker row;
// a capture window that runs off the end of a mapping keeps whatever
// prefix was readable.
func (w *SessionWriter) RecordRegion(addr uintptr, length int) error {
	if length == 0 {
		return w.store.InsertRegion(w.id, w.seq, addr, nil)
	}
	buf := make([]byte, length)
	n, err := w.mem.ReadMem(buf, addr)
	if err != nil && n == 0 {
		return w.store.InsertRegion(w.id, w.seq, addr, nil)
	}
	return w.store.InsertRegion(w.id, w.seq, addr, buf[:n])
}
