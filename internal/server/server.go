// Package server exposes the daemon's live state over HTTP: health, status, recent
// tasks, the latest image, an SSE stream of finished frames and a websocket status feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"allsky/internal/capture"
	"allsky/internal/fsutil"
	"allsky/internal/pipeline"
	"allsky/internal/processing"
	"allsky/internal/state"
	"allsky/internal/storage"
)

// StatusSource reports the capture loop; *capture.Scheduler implements it.
type StatusSource interface {
	Status() capture.Status
}

// FrameSource reports finished frames; *processing.Worker implements it.
type FrameSource interface {
	Stats() (processed, failed int, last *processing.Event)
	Subscribe() (<-chan processing.Event, func())
}

// TaskSource reports finished tasks; *pipeline.Pipeline implements it.
type TaskSource interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// TaskLister lists the task queue; *storage.Store implements it.
type TaskLister interface {
	RecentTasks(ctx context.Context, limit int) ([]storage.TaskRecord, error)
}

// Options wires a Server. Every source is optional.
type Options struct {
	Addr        string
	Shared      *state.Shared
	Capture     StatusSource
	Frames      FrameSource
	Tasks       TaskSource
	TaskList    TaskLister
	LatestImage string // path served by /images/latest
	ImageDir    string // filesystem reported as disk_free_percent
	Interval    time.Duration
	Log         *slog.Logger
}

// Report is the /status body and the websocket message.
type Report struct {
	Time         time.Time         `json:"time"`
	State        *state.Snapshot   `json:"state,omitempty"`
	Capture      *capture.Status   `json:"capture,omitempty"`
	Processed    int               `json:"processed"`
	Failed       int               `json:"failed"`
	LastFrame    *processing.Event `json:"last_frame,omitempty"`
	DiskFree     *float64          `json:"disk_free_percent,omitempty"`
	MemAvailable int64             `json:"mem_available_mb,omitempty"`
}

// Server serves the status surface.
type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	hub      *hub
	server   *http.Server
}

// NewServer creates a Server. Start serves it.
func NewServer(opts Options) *Server {
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Server{
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: newHub(logger),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	r.HandleFunc("/images/latest", s.handleLatest).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.background(ctx)
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.opts.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// background runs the websocket hub and its periodic status broadcast.
func (s *Server) background(ctx context.Context) {
	go s.hub.run(ctx)
	go s.broadcastStatus(ctx)
}

func (s *Server) report() Report {
	rep := Report{Time: time.Now().UTC()}
	if s.opts.Shared != nil {
		snap := s.opts.Shared.Snapshot()
		rep.State = &snap
	}
	if s.opts.Capture != nil {
		st := s.opts.Capture.Status()
		rep.Capture = &st
	}
	if s.opts.Frames != nil {
		rep.Processed, rep.Failed, rep.LastFrame = s.opts.Frames.Stats()
	}
	if s.opts.ImageDir != "" {
		if pct, err := fsutil.DiskFreePercent(s.opts.ImageDir); err == nil {
			rep.DiskFree = &pct
		}
	}
	if mb, err := fsutil.MemAvailableMB(); err == nil {
		rep.MemAvailable = mb
	}
	return rep
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.report())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.opts.TaskList == nil {
		http.Error(w, "task queue unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.opts.TaskList.RecentTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.TaskRecord{}
	}
	writeJSON(w, recs)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	path := s.opts.LatestImage
	if path == "" {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// taskEvent is pipeline.Result with the error flattened for JSON.
type taskEvent struct {
	ID     int64          `json:"id"`
	Action string         `json:"action"`
	State  string         `json:"state"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var frames <-chan processing.Event
	if s.opts.Frames != nil {
		ch, unsubscribe := s.opts.Frames.Subscribe()
		defer unsubscribe()
		frames = ch
	}
	var results <-chan pipeline.Result
	if s.opts.Tasks != nil {
		ch, unsubscribe := s.opts.Tasks.Subscribe()
		defer unsubscribe()
		results = ch
	}

	send := func(event string, v any) {
		payload, _ := json.Marshal(v)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-frames:
			if !ok {
				return
			}
			send("frame", ev)
		case res, ok := <-results:
			if !ok {
				return
			}
			te := taskEvent{ID: res.Task.ID, Action: res.Task.Action, State: string(res.Task.State), Meta: res.Meta}
			if res.Error != nil {
				te.Error = res.Error.Error()
			}
			send("task", te)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(r.Context(), conn) {
		conn.Close()
		return
	}

	// Send the current state right away; the hub takes over from there.
	if data, err := json.Marshal(s.report()); err == nil {
		s.hub.send(data)
	}

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcastStatus(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.report())
			if err == nil {
				s.hub.send(data)
			}
		}
	}
}
