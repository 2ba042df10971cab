package trace

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/types"
)

type fakeMem struct {
	data map[uintptr][]byte
}

func (f *fakeMem) ReadMem(buf []byte, addr uintptr) (int, error) {
	chunk, ok := f.data[addr]
	if !ok {
		return 0, unix.EFAULT
	}
	return copy(buf, chunk), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)

	id, err := store.BeginSession(&SessionMeta{
		Pid:         4242,
		Comm:        "target",
		ExePath:     "/usr/bin/target",
		CmdLine:     "target --flag",
		WorkingDir:  "/tmp",
		Environment: []string{"HOME=/root"},
		BinaryMD5:   "d41d8cd98f00b204e9800998ecf8427e",
	})
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	regs := unix.PtraceRegs{Rip: 0x401000, Rsp: 0x7ffc0000, Rax: 7}
	writer := NewSessionWriter(store, &fakeMem{}, id)
	if err := writer.AppendEvent(types.EventRdtsc, types.CheckpointSyscallEntry, &regs, 100, 50); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := writer.AppendEvent(types.SignalEvent(int(unix.SIGSEGV), true), types.CheckpointSyscallEntry, &regs, 200, 80); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if writer.Seq() != 2 {
		t.Errorf("Seq = %d, want 2", writer.Seq())
	}

	if err := store.FinishSession(id, 3); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}

	sessions, err := store.Sessions(10)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != id || s.Pid != 4242 || s.Comm != "target" {
		t.Errorf("unexpected session row: %+v", s)
	}
	if s.EventCount != 2 {
		t.Errorf("EventCount = %d, want 2", s.EventCount)
	}
	if s.FinishedAt == nil {
		t.Error("FinishedAt not set after FinishSession")
	}
	if s.ExitCode == nil || *s.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", s.ExitCode)
	}

	events, err := store.Events(id, 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq != 1 || events[0].Code != types.EventRdtsc || events[0].Name != "rdtsc" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Seq != 2 || events[1].Name != "SIGSEGV(det)" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if events[0].Rip != 0x401000 || events[0].Rsp != 0x7ffc0000 {
		t.Errorf("registers not round-tripped: %+v", events[0])
	}
}

func TestRecordRegion(t *testing.T) {
	store := newTestStore(t)
	id, err := store.BeginSession(&SessionMeta{Pid: 1})
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	mem := &fakeMem{data: map[uintptr][]byte{
		0x7ffc1000: {0xaa, 0xbb, 0xcc, 0xdd},
	}}
	writer := NewSessionWriter(store, mem, id)
	regs := unix.PtraceRegs{}
	if err := writer.AppendEvent(types.SignalEvent(int(unix.SIGUSR1), false), types.CheckpointSyscallEntry, &regs, 0, 0); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if err := writer.RecordRegion(0x7ffc1000, 4); err != nil {
		t.Fatalf("RecordRegion failed: %v", err)
	}
	// Unreadable address degrades to an empty marker.
	if err := writer.RecordRegion(0xdead0000, 16); err != nil {
		t.Fatalf("RecordRegion on unmapped address failed: %v", err)
	}
	// Zero length is the no-frame marker.
	if err := writer.RecordRegion(0x7ffc1000, 0); err != nil {
		t.Fatalf("RecordRegion with zero length failed: %v", err)
	}

	rows, err := store.Db.Query(
		"SELECT addr, length, data FROM regions WHERE session_id = ? ORDER BY id", id)
	if err != nil {
		t.Fatalf("failed to query regions: %v", err)
	}
	defer rows.Close()

	type region struct {
		addr   int64
		length int
		data   []byte
	}
	var regions []region
	for rows.Next() {
		var r region
		if err := rows.Scan(&r.addr, &r.length, &r.data); err != nil {
			t.Fatalf("failed to scan region: %v", err)
		}
		regions = append(regions, r)
	}
	if len(regions) != 3 {
		t.Fatalf("got %d regions, want 3", len(regions))
	}
	if regions[0].length != 4 || regions[0].data[0] != 0xaa {
		t.Errorf("unexpected captured region: %+v", regions[0])
	}
	if regions[1].length != 0 {
		t.Errorf("unmapped capture stored %d bytes, want 0", regions[1].length)
	}
	if regions[2].length != 0 {
		t.Errorf("marker region stored %d bytes, want 0", regions[2].length)
	}
}

func TestDetections(t *testing.T) {
	store := newTestStore(t)
	id, err := store.BeginSession(&SessionMeta{Pid: 1})
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	err = store.InsertDetection(id, 5, "rule-1", "Deterministic crash", "high",
		`{"Signal":"SIGSEGV"}`, `{"EventName":"SIGSEGV(det)"}`)
	if err != nil {
		t.Fatalf("InsertDetection failed: %v", err)
	}

	detections, err := store.Detections(id, 10)
	if err != nil {
		t.Fatalf("Detections failed: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(detections))
	}
	d := detections[0]
	if d.EventSeq != 5 || d.RuleID != "rule-1" || d.Status != "new" {
		t.Errorf("unexpected detection row: %+v", d)
	}
}
