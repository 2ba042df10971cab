// Package trace persists recording sessions. Every stop the dispatcher
// classifies becomes one event row; signal deliveries additionally capture
// a slice of the tracee stack so replay can reconstruct the handler frame.
package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/types"
)

// Store handles trace database operations
type Store struct {
	Db *sql.DB
}

// SessionMeta describes the tracee at the moment recording starts.
type SessionMeta struct {
	Pid         int
	Comm        string
	ExePath     string
	CmdLine     string
	WorkingDir  string
	Environment []string
	BinaryMD5   string
}

// SessionRow represents a recording session for the API
type SessionRow struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Pid        int        `json:"pid"`
	Comm       string     `json:"comm"`
	ExePath    string     `json:"exePath"`
	CmdLine    string     `json:"cmdline"`
	BinaryMD5  string     `json:"binaryMd5"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	EventCount int64      `json:"eventCount"`
}

// EventRow represents one recorded event for the API
type EventRow struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"sessionId"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Code       int       `json:"code"`
	Name       string    `json:"name"`
	Checkpoint string    `json:"checkpoint"`
	Rip        uint64    `json:"rip"`
	Rsp        uint64    `json:"rsp"`
	Rax        uint64    `json:"rax"`
	Insts      uint64    `json:"insts"`
	Ticks      uint64    `json:"ticks"`
}

// DetectionRow represents a rule match for the API
type DetectionRow struct {
	ID           int64     `json:"id"`
	SessionID    int64     `json:"sessionId"`
	EventSeq     uint64    `json:"eventSeq"`
	RuleID       string    `json:"ruleId"`
	RuleName     string    `json:"ruleName"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails string    `json:"matchDetails"`
	EventData    string    `json:"eventData"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewStore opens (or creates) the trace database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "retrace.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSessionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %v", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %v", err)
	}

	if err := initDetectionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize detection schema: %v", err)
	}

	return &Store{Db: db}, nil
}

func initSessionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at  DATETIME NOT NULL,
		finished_at DATETIME,
		pid         INTEGER NOT NULL,
		comm        TEXT,
		exe_path    TEXT,
		cmdline     TEXT,
		working_dir TEXT,
		environment TEXT,           -- JSON array of environment variables
		binary_md5  TEXT,
		exit_code   INTEGER
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sessions table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_pid ON sessions(pid);",
		"CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		seq        INTEGER NOT NULL,
		timestamp  DATETIME NOT NULL,
		code       INTEGER NOT NULL,
		name       TEXT NOT NULL,
		checkpoint TEXT NOT NULL,
		rip        INTEGER,
		rsp        INTEGER,
		rax        INTEGER,
		insts      INTEGER,
		ticks      INTEGER
	);

	CREATE TABLE IF NOT EXISTS regions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		seq        INTEGER NOT NULL,
		addr       INTEGER NOT NULL,
		length     INTEGER NOT NULL,
		data       BLOB
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create event tables: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);",
		"CREATE INDEX IF NOT EXISTS idx_events_code ON events(code);",
		"CREATE INDEX IF NOT EXISTS idx_regions_session ON regions(session_id, seq);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initDetectionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    INTEGER NOT NULL,
		event_seq     INTEGER NOT NULL,
		rule_id       TEXT NOT NULL,
		rule_name     TEXT NOT NULL,
		severity      TEXT NOT NULL,
		status        TEXT DEFAULT 'new' NOT NULL,
		match_details TEXT,
		event_data    TEXT,
		created_at    DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id);
	CREATE INDEX IF NOT EXISTS idx_detections_rule_id ON detections(rule_id);
	CREATE INDEX IF NOT EXISTS idx_detections_status ON detections(status);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create detections table: %v", err)
	}

	return nil
}

// BeginSession inserts a new session row and returns its id.
func (s *Store) BeginSession(meta *SessionMeta) (int64, error) {
	envJSON, err := json.Marshal(meta.Environment)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal environment: %v", err)
	}

	query := `
        INSERT INTO sessions (
            started_at, pid, comm, exe_path, cmdline,
            working_dir, environment, binary_md5
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.Db.Exec(query,
		time.Now(),
		meta.Pid,
		meta.Comm,
		meta.ExePath,
		meta.CmdLine,
		meta.WorkingDir,
		string(envJSON),
		meta.BinaryMD5)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %v", err)
	}
	return res.LastInsertId()
}

// FinishSession marks the session as finished with the tracee's exit code.
func (s *Store) FinishSession(id int64, exitCode int) error {
	_, err := s.Db.Exec(
		"UPDATE sessions SET finished_at = ?, exit_code = ? WHERE id = ?",
		time.Now(), exitCode, id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %v", err)
	}
	return nil
}

// InsertEvent appends one classified event to a session.
func (s *Store) InsertEvent(sessionID int64, seq uint64, code int, checkpoint string, regs *unix.PtraceRegs, insts, ticks uint64) error {
	query := `
        INSERT INTO events (
            session_id, seq, timestamp, code, name, checkpoint,
            rip, rsp, rax, insts, ticks
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.Db.Exec(query,
		sessionID,
		int64(seq),
		time.Now(),
		code,
		types.EventName(code),
		checkpoint,
		int64(regs.Rip),
		int64(regs.Rsp),
		int64(regs.Rax),
		int64(insts),
		int64(ticks))
	if err != nil {
		return fmt.Errorf("failed to insert event: %v", err)
	}
	return nil
}

// InsertRegion stores a captured slice of tracee memory tied to the event
// with the given seq.
func (s *Store) InsertRegion(sessionID int64, seq uint64, addr uintptr, data []byte) error {
	_, err := s.Db.Exec(
		"INSERT INTO regions (session_id, seq, addr, length, data) VALUES (?, ?, ?, ?, ?)",
		sessionID, int64(seq), int64(addr), len(data), data)
	if err != nil {
		return fmt.Errorf("failed to insert region: %v", err)
	}
	return nil
}

// InsertDetection stores one rule match against a recorded event.
func (s *Store) InsertDetection(sessionID int64, eventSeq uint64, ruleID, ruleName, severity, matchDetails, eventData string) error {
	query := `
        INSERT INTO detections (
            session_id, event_seq, rule_id, rule_name, severity,
            match_details, event_data, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.Db.Exec(query,
		sessionID,
		int64(eventSeq),
		ruleID,
		ruleName,
		severity,
		matchDetails,
		eventData,
		time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert detection: %v", err)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(limit int) ([]SessionRow, error) {
	rows, err := s.Db.Query(`
        SELECT
            id, started_at, finished_at, pid, comm, exe_path,
            cmdline, binary_md5, exit_code,
            (SELECT COUNT(*) FROM events WHERE events.session_id = sessions.id)
        FROM sessions
        ORDER BY started_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %v", err)
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		var (
			row      SessionRow
			finished sql.NullTime
			exit     sql.NullInt64
		)
		err := rows.Scan(
			&row.ID, &row.StartedAt, &finished, &row.Pid, &row.Comm,
			&row.ExePath, &row.CmdLine, &row.BinaryMD5, &exit, &row.EventCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %v", err)
		}
		if finished.Valid {
			t := finished.Time
			row.FinishedAt = &t
		}
		if exit.Valid {
			code := int(exit.Int64)
			row.ExitCode = &code
		}
		sessions = append(sessions, row)
	}
	return sessions, rows.Err()
}

// Events returns up to limit events of one session in recorded order.
func (s *Store) Events(sessionID int64, limit int) ([]EventRow, error) {
	rows, err := s.Db.Query(`
        SELECT
            id, session_id, seq, timestamp, code, name, checkpoint,
            rip, rsp, rax, insts, ticks
        FROM events
        WHERE session_id = ?
        ORDER BY seq
        LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %v", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			row                         EventRow
			seq, rip, rsp, rax, in, tck int64
		)
		err := rows.Scan(
			&row.ID, &row.SessionID, &seq, &row.Timestamp, &row.Code,
			&row.Name, &row.Checkpoint, &rip, &rsp, &rax, &in, &tck)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %v", err)
		}
		row.Seq = uint64(seq)
		row.Rip = uint64(rip)
		row.Rsp = uint64(rsp)
		row.Rax = uint64(rax)
		row.Insts = uint64(in)
		row.Ticks = uint64(tck)
		events = append(events, row)
	}
	return events, rows.Err()
}

// Detections returns rule matches for one session, newest first.
func (s *Store) Detections(sessionID int64, limit int) ([]DetectionRow, error) {
	rows, err := s.Db.Query(`
        SELECT
            id, session_id, event_seq, rule_id, rule_name, severity,
            status, match_details, event_data, created_at
        FROM detections
        WHERE session_id = ?
        ORDER BY created_at DESC
        LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %v", err)
	}
	defer rows.Close()

	var detections []DetectionRow
	for rows.Next() {
		var (
			row DetectionRow
			seq int64
		)
		err := rows.Scan(
			&row.ID, &row.SessionID, &seq, &row.RuleID, &row.RuleName,
			&row.Severity, &row.Status, &row.MatchDetails, &row.EventData,
			&row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %v", err)
		}
		row.EventSeq = uint64(seq)
		detections = append(detections, row)
	}
	return detections, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.Db.Close()
}
