// Package monitor serves the live state of an optimization run and the
// stored run history over HTTP.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/phasetune/internal/db"
	"github.com/banshee-data/phasetune/internal/monitoring"
	"github.com/banshee-data/phasetune/internal/optimize"
	"github.com/banshee-data/phasetune/internal/report"
)

var logf = monitoring.Tagged("monitor")

// DefaultListRuns caps /api/runs when no limit is given.
const DefaultListRuns = 50

// RunSource is the live view of an optimization loop. *optimize.Loop
// implements it.
type RunSource interface {
	Progress() optimize.Progress
	Record() *optimize.RunLog
	Abort()
}

// History reads stored runs. *db.DB implements it.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]db.Run, error)
	GetRun(ctx context.Context, runID string) (*db.Run, error)
	LoadRecord(ctx context.Context, runID string) (*optimize.RunLog, error)
}

// Server exposes the live run and the history. Either may be nil.
type Server struct {
	runID   string
	live    RunSource
	history History
}

func NewServer(runID string, live RunSource, history History) *Server {
	return &Server{runID: runID, live: live, history: history}
}

// Snapshot is the JSON body of GET /api/run.
type Snapshot struct {
	RunID          string                   `json:"run_id,omitempty"`
	State          optimize.State           `json:"state"`
	Generation     int                      `json:"generation"`
	MaxGenerations int                      `json:"max_generations"`
	Evaluated      int                      `json:"evaluated"`
	PopSize        int                      `json:"pop_size"`
	BestFitness    *float64                 `json:"best_fitness"`
	Best           optimize.ParameterVector `json:"best"`
	Record         *optimize.RunLog         `json:"record"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/run", s.showRun)
	mux.HandleFunc("/api/run/chart", s.showRunChart)
	mux.HandleFunc("/api/run/trajectory.png", s.showRunTrajectory)
	mux.HandleFunc("/api/run/csv", s.exportRunCSV)
	mux.HandleFunc("/api/run/abort", s.abortRun)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/{id}", s.showStoredRun)
	mux.HandleFunc("/api/runs/{id}/chart", s.showStoredRunChart)
	return mux
}

func (s *Server) liveOrNotFound(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return false
	}
	if s.live == nil {
		writeJSONError(w, http.StatusNotFound, "no run in progress")
		return false
	}
	return true
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if !s.liveOrNotFound(w, r) {
		return
	}
	p := s.live.Progress()
	writeJSON(w, http.StatusOK, Snapshot{
		RunID:          s.runID,
		State:          p.State,
		Generation:     p.Generation,
		MaxGenerations: p.MaxGenerations,
		Evaluated:      p.Evaluated,
		PopSize:        p.PopSize,
		BestFitness:    finite(p.BestFitness),
		Best:           p.Best,
		Record:         s.live.Record(),
	})
}

// writeChart renders into a buffer first so a failure can still produce an
// error status.
func writeChart(w http.ResponseWriter, record *optimize.RunLog, title string) {
	var buf bytes.Buffer
	if err := report.RenderHTML(&buf, record, title); err != nil {
		if errors.Is(err, report.ErrEmptyRecord) {
			writeJSONError(w, http.StatusNotFound, "no generations recorded yet")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) title() string {
	if s.runID == "" {
		return "Live run"
	}
	return "Run " + s.runID
}

func (s *Server) showRunChart(w http.ResponseWriter, r *http.Request) {
	if !s.liveOrNotFound(w, r) {
		return
	}
	writeChart(w, s.live.Record(), s.title())
}

func (s *Server) showRunTrajectory(w http.ResponseWriter, r *http.Request) {
	if !s.liveOrNotFound(w, r) {
		return
	}
	var buf bytes.Buffer
	if err := report.WriteTrajectoryPNG(&buf, s.live.Record(), s.title()); err != nil {
		if errors.Is(err, report.ErrEmptyRecord) {
			writeJSONError(w, http.StatusNotFound, "no generations recorded yet")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

func (s *Server) exportRunCSV(w http.ResponseWriter, r *http.Request) {
	if !s.liveOrNotFound(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="run.csv"`)
	if err := report.WriteCSV(w, s.live.Record()); err != nil {
		logf("failed to write csv: %v", err)
	}
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.live == nil {
		writeJSONError(w, http.StatusNotFound, "no run in progress")
		return
	}
	s.live.Abort()
	logf("abort requested by %s", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (s *Server) historyOrUnavailable(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return false
	}
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no run history configured")
		return false
	}
	return true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.historyOrUnavailable(w, r) {
		return
	}
	limit := DefaultListRuns
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) loadStored(w http.ResponseWriter, r *http.Request) (*db.Run, *optimize.RunLog, bool) {
	id := r.PathValue("id")
	run, err := s.history.GetRun(r.Context(), id)
	if err == nil {
		var record *optimize.RunLog
		record, err = s.history.LoadRecord(r.Context(), id)
		if err == nil {
			return run, record, true
		}
	}
	if errors.Is(err, db.ErrRunNotFound) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", id))
	} else {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
	}
	return nil, nil, false
}

func (s *Server) showStoredRun(w http.ResponseWriter, r *http.Request) {
	if !s.historyOrUnavailable(w, r) {
		return
	}
	run, record, ok := s.loadStored(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*db.Run
		Record *optimize.RunLog `json:"record"`
	}{run, record})
}

func (s *Server) showStoredRunChart(w http.ResponseWriter, r *http.Request) {
	if !s.historyOrUnavailable(w, r) {
		return
	}
	run, record, ok := s.loadStored(w, r)
	if !ok {
		return
	}
	writeChart(w, record, "Run "+run.ID)
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, h)
}

// Serve is ListenAndServe on an existing listener.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logf("listening on %s", ln.Addr())
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			logf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
