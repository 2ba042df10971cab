package record

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/binary"
	"github.com/pzim/retrace/config"
	"github.com/pzim/retrace/decode"
	"github.com/pzim/retrace/detect"
	"github.com/pzim/retrace/hpc"
	"github.com/pzim/retrace/mem"
	"github.com/pzim/retrace/monitor"
	"github.com/pzim/retrace/ptrace"
	"github.com/pzim/retrace/trace"
	"github.com/pzim/retrace/types"
	"github.com/pzim/retrace/wrap"
)

// Session records one tracee from launch to exit.
type Session struct {
	cfg   *config.Config
	store *trace.Store
	bins  *binary.Cache
	det   *detect.Detector
	log   *logrus.Entry
}

// NewSession builds a recording session. det may be nil to record without
// rule evaluation.
func NewSession(cfg *config.Config, store *trace.Store, bins *binary.Cache, det *detect.Detector) *Session {
	return &Session{
		cfg:   cfg,
		store: store,
		bins:  bins,
		det:   det,
		log:   cfg.LayerLogger("record"),
	}
}

// detectingSink hands every stored event to the rule engine.
type detectingSink struct {
	*trace.SessionWriter
	det  *detect.Detector
	meta *trace.SessionMeta
}

func (s *detectingSink) AppendEvent(code int, checkpoint string, regs *unix.PtraceRegs, insts, ticks uint64) error {
	if err := s.SessionWriter.AppendEvent(code, checkpoint, regs, insts, ticks); err != nil {
		return err
	}
	s.det.CheckRecordedEvent(s.SessionID(), s.Seq(), code, regs, s.meta)
	return nil
}

// Run launches target under ptrace and records it until it exits. The
// return value is the tracee's exit code, with fatal signals mapped to
// 128+signo the way shells report them.
func (s *Session) Run(target string, args []string) (int, error) {
	// All ptrace requests must come from the thread that launched the
	// tracee.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := hpc.CheckPermission(); err != nil {
		return 0, err
	}

	tracee, err := ptrace.Launch(target, args, os.Stdout, os.Stderr)
	if err != nil {
		return 0, fmt.Errorf("failed to launch %s: %v", target, err)
	}
	pid := tracee.Pid()
	s.log.WithFields(logrus.Fields{"pid": pid, "target": target}).Info("recording")

	meta, err := collectMeta(pid)
	if err != nil {
		s.log.WithError(err).Warn("failed to collect tracee metadata")
		meta = &trace.SessionMeta{Pid: pid}
	}
	if md5sum, err := s.bins.Capture(meta.ExePath); err == nil {
		meta.BinaryMD5 = md5sum
	} else {
		s.log.WithError(err).Warn("failed to capture tracee binary")
	}

	sessionID, err := s.store.BeginSession(meta)
	if err != nil {
		tracee.Kill()
		return 0, err
	}

	counters, err := hpc.New(pid, s.cfg.ScheduleSignal)
	if err != nil {
		tracee.Kill()
		return 0, err
	}
	defer counters.Close()
	if err := counters.Reset(s.cfg.TickBudget); err != nil {
		tracee.Kill()
		return 0, err
	}

	dec, err := decode.New(tracee, s.cfg.DecodeCacheSize)
	if err != nil {
		tracee.Kill()
		return 0, err
	}

	maps := mem.NewManager(tracee, dec, s.cfg.LayerLogger("mem"))
	if err := maps.ScanShared(pid); err != nil {
		s.log.WithError(err).Warn("failed to scan shared mappings")
	}

	wrappers := &wrap.Table{}
	if s.cfg.WrapperLibrary != "" {
		if t, err := wrap.LoadFromMaps(pid, s.cfg.WrapperLibrary); err == nil {
			wrappers = t
			s.log.WithField("ranges", t.Len()).Debug("wrapper library located")
		} else {
			s.log.WithError(err).Warn("failed to locate wrapper library")
		}
	}

	writer := trace.NewSessionWriter(s.store, tracee, sessionID)
	var sink Sink = writer
	if s.det != nil {
		sink = &detectingSink{SessionWriter: writer, det: s.det, meta: meta}
	}

	dispatcher := NewDispatcher(Params{
		Decoder:     dec,
		Regions:     maps,
		Counters:    counters,
		Sink:        sink,
		Wrappers:    wrappers,
		SchedSignal: s.cfg.ScheduleSignal,
		TickBudget:  s.cfg.TickBudget,
		FrameSize:   s.cfg.SigframeSize,
		Log:         s.cfg.LayerLogger("dispatch"),
	})

	var sigmon *monitor.SignalMonitor
	if s.cfg.Monitor {
		if m, err := monitor.New(pid, s.cfg.LayerLogger("monitor")); err == nil {
			sigmon = m
			defer sigmon.Close()
		} else {
			s.log.WithError(err).Warn("signal delivery monitor unavailable")
		}
	}

	task := NewTask(tracee)
	exitCode := 0
loop:
	for {
		if err := tracee.ContinueWithSignal(0); err != nil {
			tracee.Kill()
			return 0, fmt.Errorf("failed to resume tracee: %v", err)
		}
		status, err := tracee.Wait()
		if err != nil {
			tracee.Kill()
			return 0, fmt.Errorf("failed to wait for tracee: %v", err)
		}
		task.Status = status

		switch {
		case status.Exited():
			exitCode = status.ExitStatus()
			break loop
		case status.Signaled():
			exitCode = 128 + int(status.Signal())
			break loop
		case !status.Stopped():
			continue
		}

		if err := task.RefreshRegs(); err != nil {
			tracee.Kill()
			return 0, err
		}
		task.PendingSig = int(status.StopSignal())
		task.Event = types.EventNone

		if err := dispatcher.HandleStopSignal(task); err != nil {
			tracee.Kill()
			return 0, fmt.Errorf("failed to handle stop of pid %d: %v", pid, err)
		}

		// The dispatcher may have watched the tracee die while delivering
		// a fatal signal.
		if task.Status.Exited() {
			exitCode = task.Status.ExitStatus()
			break
		}
		if task.Status.Signaled() {
			exitCode = 128 + int(task.Status.Signal())
			break
		}
	}

	if sigmon != nil {
		s.logMonitorSummary(sigmon)
	}
	if err := s.store.FinishSession(sessionID, exitCode); err != nil {
		return exitCode, err
	}
	s.log.WithFields(logrus.Fields{
		"session":   sessionID,
		"exit_code": exitCode,
		"events":    writer.Seq(),
	}).Info("recording finished")
	return exitCode, nil
}

// logMonitorSummary reports the kernel's own count of signal deliveries so
// a dropped stop is visible next to the recorded events.
func (s *Session) logMonitorSummary(m *monitor.SignalMonitor) {
	counts, err := m.Counts()
	if err != nil {
		s.log.WithError(err).Warn("failed to read signal monitor")
		return
	}
	for sig, n := range counts {
		if n == 0 {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"signal":     types.SignalName(sig),
			"deliveries": n,
		}).Info("kernel signal delivery count")
	}
}
