package web

import (
	"github.com/pzim/retrace/trace"
)

// Store is the slice of the trace store the web server reads from.
type Store interface {
	Sessions(limit int) ([]trace.SessionRow, error)
	Events(sessionID int64, limit int) ([]trace.EventRow, error)
	Detections(sessionID int64, limit int) ([]trace.DetectionRow, error)
}

// Images resolves captured tracee binaries by content hash.
type Images interface {
	ImagePath(hash string) string
}
