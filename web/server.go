package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Server exposes recorded sessions over HTTP for inspection.
type Server struct {
	store      Store
	images     Images
	listenAddr string
}

func NewServer(store Store, images Images, listenAddr string) *Server {
	return &Server{
		store:      store,
		images:     images,
		listenAddr: listenAddr,
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fmt.Printf("[%s] %s %s\n", time.Now().Format("15:04:05"), r.Method, r.URL.Path)
			h(w, r)
		}
	}

	// Register routes
	http.HandleFunc("/", debugHandler(s.handleIndex))
	http.HandleFunc("/api/sessions", debugHandler(s.handleSessions))
	http.HandleFunc("/api/events", debugHandler(s.handleEvents))
	http.HandleFunc("/api/detections", debugHandler(s.handleDetections))
	if s.images != nil {
		http.HandleFunc("/api/binaries", debugHandler(s.handleBinaries))
	}

	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: http.DefaultServeMux,
	}

	fmt.Printf("Starting web server on %s\n", s.listenAddr)

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleIndex serves the trace browser page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	tmpl := template.Must(template.New("index").Parse(indexTemplate))
	if err := tmpl.Execute(w, nil); err != nil {
		fmt.Printf("Error executing template: %v\n", err)
	}
}

// handleSessions lists recorded sessions, newest first
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)

	sessions, err := s.store.Sessions(limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// handleEvents returns the event log of one session in replay order
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(r.URL.Query().Get("session"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid session ID", 400)
		return
	}
	limit := queryLimit(r, 1000)

	events, err := s.store.Events(sessionID, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// handleDetections returns rule matches for one session
func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(r.URL.Query().Get("session"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid session ID", 400)
		return
	}
	limit := queryLimit(r, 200)

	detections, err := s.store.Detections(sessionID, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detections)
}

// handleBinaries serves a captured tracee image by its MD5 hash
func (s *Server) handleBinaries(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("md5")
	if hash == "" {
		http.Error(w, "Missing md5 parameter", 400)
		return
	}

	binPath := s.images.ImagePath(hash)
	if _, err := os.Stat(binPath); os.IsNotExist(err) {
		http.Error(w, "Binary not found", 404)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.bin", hash))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, binPath)
}

func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Template for the index page
const indexTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>retrace sessions</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: ui-monospace, monospace; margin: 2em; background: #fafafa; color: #222; }
        h1 { font-size: 1.2em; }
        h2 { font-size: 1em; margin-top: 1.5em; }
        table { border-collapse: collapse; width: 100%; background: #fff; }
        th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; font-size: 0.85em; }
        th { background: #eee; }
        tr.session { cursor: pointer; }
        tr.session:hover { background: #eef; }
        .sev-high, .sev-critical { color: #b00; font-weight: bold; }
        .sev-medium { color: #a60; }
    </style>
</head>
<body>
    <h1>retrace sessions</h1>
    <table id="sessions">
        <thead><tr><th>ID</th><th>Started</th><th>Pid</th><th>Command</th><th>Events</th><th>Exit</th></tr></thead>
        <tbody></tbody>
    </table>

    <h2 id="events-title" hidden>Events</h2>
    <table id="events" hidden>
        <thead><tr><th>Seq</th><th>Event</th><th>RIP</th><th>RSP</th><th>Insts</th><th>Ticks</th></tr></thead>
        <tbody></tbody>
    </table>

    <h2 id="detections-title" hidden>Detections</h2>
    <table id="detections" hidden>
        <thead><tr><th>Event</th><th>Rule</th><th>Severity</th><th>Details</th></tr></thead>
        <tbody></tbody>
    </table>

    <script>
    function cell(text, cls) {
        var td = document.createElement('td');
        td.textContent = (text === undefined || text === null) ? '' : text;
        if (cls) td.className = cls;
        return td;
    }

    function hex(n) { return '0x' + Number(n).toString(16); }

    function loadSessions() {
        fetch('/api/sessions').then(function (r) { return r.json(); }).then(function (sessions) {
            var body = document.querySelector('#sessions tbody');
            body.innerHTML = '';
            (sessions || []).forEach(function (s) {
                var tr = document.createElement('tr');
                tr.className = 'session';
                tr.appendChild(cell(s.id));
                tr.appendChild(cell(s.startedAt));
                tr.appendChild(cell(s.pid));
                tr.appendChild(cell(s.cmdline || s.comm));
                tr.appendChild(cell(s.eventCount));
                tr.appendChild(cell(s.exitCode));
                tr.onclick = function () { loadSession(s.id); };
                body.appendChild(tr);
            });
        });
    }

    function loadSession(id) {
        fetch('/api/events?session=' + id).then(function (r) { return r.json(); }).then(function (events) {
            var body = document.querySelector('#events tbody');
            body.innerHTML = '';
            (events || []).forEach(function (e) {
                var tr = document.createElement('tr');
                tr.appendChild(cell(e.seq));
                tr.appendChild(cell(e.name));
                tr.appendChild(cell(hex(e.rip)));
                tr.appendChild(cell(hex(e.rsp)));
                tr.appendChild(cell(e.insts));
                tr.appendChild(cell(e.ticks));
                body.appendChild(tr);
            });
            document.getElementById('events-title').hidden = false;
            document.getElementById('events').hidden = false;
        });
        fetch('/api/detections?session=' + id).then(function (r) { return r.json(); }).then(function (detections) {
            var body = document.querySelector('#detections tbody');
            body.innerHTML = '';
            (detections || []).forEach(function (d) {
                var tr = document.createElement('tr');
                tr.appendChild(cell(d.eventSeq));
                tr.appendChild(cell(d.ruleName || d.ruleId));
                tr.appendChild(cell(d.severity, 'sev-' + d.severity));
                tr.appendChild(cell(d.matchDetails));
                body.appendChild(tr);
            });
            document.getElementById('detections-title').hidden = false;
            document.getElementById('detections').hidden = false;
        });
    }

    loadSessions();
    setInterval(loadSessions, 5000);
    </script>
</body>
</html>`
