package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/db"
	"github.com/banshee-data/phasetune/internal/monitoring"
	"github.com/banshee-data/phasetune/internal/optimize"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type fakeRun struct {
	progress optimize.Progress
	record   *optimize.RunLog
	aborted  atomic.Bool
}

func (f *fakeRun) Progress() optimize.Progress { return f.progress }
func (f *fakeRun) Record() *optimize.RunLog    { return f.record }
func (f *fakeRun) Abort()                      { f.aborted.Store(true) }

func vec(t *testing.T, values ...float64) optimize.ParameterVector {
	t.Helper()
	v, err := optimize.NewParameterVector(values, optimize.BoundsFromConfig(config.EmptyOptimizerConfig().GetBounds()))
	require.NoError(t, err)
	return v
}

func summary(t *testing.T, n int, best float64) optimize.GenerationSummary {
	t.Helper()
	a := vec(t, 100, 2, 0)
	return optimize.GenerationSummary{
		Generation:        n,
		BestFitness:       best,
		BestParameters:    a,
		GlobalBestFitness: best,
		MeanFitness:       best,
		Individuals:       []optimize.Individual{{Params: a, Fitness: best, Status: optimize.StatusOK}},
		StartedAt:         time.Date(2026, 3, 1, 12, n, 0, 0, time.UTC),
		FinishedAt:        time.Date(2026, 3, 1, 12, n, 30, 0, time.UTC),
	}
}

func liveRun(t *testing.T, generations int) *fakeRun {
	record := optimize.NewRunLog([]string{"kp", "ki", "kd"})
	for n := 1; n <= generations; n++ {
		require.NoError(t, record.Append(summary(t, n, -float64(10-n))))
	}
	return &fakeRun{
		progress: optimize.Progress{
			State:          optimize.StateEvaluating,
			Generation:     generations + 1,
			MaxGenerations: 20,
			Evaluated:      3,
			PopSize:        8,
			BestFitness:    math.Inf(-1),
		},
		record: record,
	}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestShowRun(t *testing.T) {
	run := liveRun(t, 2)
	mux := NewServer("abc", run, nil).ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/run")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		RunID       string   `json:"run_id"`
		State       string   `json:"state"`
		Generation  int      `json:"generation"`
		PopSize     int      `json:"pop_size"`
		BestFitness *float64 `json:"best_fitness"`
		Record      struct {
			Genes       []string          `json:"genes"`
			Generations []json.RawMessage `json:"generations"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body.RunID)
	assert.Equal(t, "evaluating", body.State)
	assert.Equal(t, 3, body.Generation)
	assert.Equal(t, 8, body.PopSize)
	assert.Nil(t, body.BestFitness, "-Inf is reported as null")
	assert.Equal(t, []string{"kp", "ki", "kd"}, body.Record.Genes)
	assert.Len(t, body.Record.Generations, 2)
}

func TestNoLiveRun(t *testing.T) {
	mux := NewServer("", nil, nil).ServeMux()
	for _, target := range []string{"/api/run", "/api/run/chart", "/api/run/trajectory.png", "/api/run/csv"} {
		assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, target).Code, target)
	}
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodPost, "/api/run/abort").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, mux, http.MethodGet, "/api/runs").Code)
}

func TestRunCharts(t *testing.T) {
	mux := NewServer("abc", liveRun(t, 3), nil).ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/run/chart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Run abc")

	rec = do(t, mux, http.MethodGet, "/api/run/trajectory.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = do(t, mux, http.MethodGet, "/api/run/csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, strings.Count(rec.Body.String(), "\n"))
}

func TestChartBeforeFirstGeneration(t *testing.T) {
	mux := NewServer("abc", liveRun(t, 0), nil).ServeMux()
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/run/chart").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/run/trajectory.png").Code)
}

func TestAbortRun(t *testing.T) {
	run := liveRun(t, 1)
	mux := NewServer("abc", run, nil).ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/run/abort")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	assert.False(t, run.aborted.Load())

	rec = do(t, mux, http.MethodPost, "/api/run/abort")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, run.aborted.Load())
}

func TestHistoryRoutes(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	id, err := store.CreateRun(ctx, config.EmptyOptimizerConfig(), 7, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, store.AppendGeneration(ctx, id, summary(t, 1, -2)))

	mux := NewServer("", nil, store).ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []db.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, 1, runs[0].Generations)

	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, "/api/runs?limit=zero").Code)

	rec = do(t, mux, http.MethodGet, "/api/runs/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored struct {
		ID     string `json:"id"`
		Seed   uint64 `json:"seed"`
		Record struct {
			Generations []json.RawMessage `json:"generations"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, id, stored.ID)
	assert.Equal(t, uint64(7), stored.Seed)
	assert.Len(t, stored.Record.Generations, 1)

	rec = do(t, mux, http.MethodGet, "/api/runs/"+id+"/chart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Run "+id)

	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/runs/nope").Code)
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...any) {
		lines = append(lines, format)
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := do(t, h, http.MethodGet, "/x")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, lines, 1)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := NewServer("abc", liveRun(t, 1), nil).ServeMux()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, mux) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/run")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
