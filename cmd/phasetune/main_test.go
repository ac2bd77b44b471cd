package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/db"
	"github.com/banshee-data/phasetune/internal/monitoring"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

const dryRunConfig = `
pop_size: 4
max_generations: 2
mutation_rate: 300
keep_elite: 1
mating_pool_size: 3
bounds:
  - {name: kp, min: -8192, max: 8192}
  - {name: ki, min: -8192, max: 8192}
  - {name: kd, min: -8192, max: 8192}
fitness_strategy: dispersion
sampling:
  strategy: uniform
hardware:
  controller: simulated
  capture: simulated
  channels: ["11"]
  settle_time: 0s
  samples: 512
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDispatchUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ctx := context.Background()

	assert.ErrorIs(t, dispatch(ctx, nil, &stdout, &stderr), errUsage)
	assert.Contains(t, stderr.String(), "usage: phasetune")

	stderr.Reset()
	assert.ErrorIs(t, dispatch(ctx, []string{"frobnicate"}, &stdout, &stderr), errUsage)
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)

	require.NoError(t, dispatch(ctx, []string{"version"}, &stdout, &stderr))
	assert.True(t, strings.HasPrefix(stdout.String(), "phasetune dev"))
}

func TestRunRejectsBadConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	path := writeConfig(t, "pop_size: 4\nmating_pool_size: 9\n")
	err := dispatch(context.Background(), []string{"run", "-config", path, "-dry-run"}, &stdout, &stderr)
	require.Error(t, err)
	var cfgErr *config.Error
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDryRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")
	plotDir := filepath.Join(dir, "plots")
	cfgPath := writeConfig(t, dryRunConfig)
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	require.NoError(t, dispatch(ctx, []string{
		"run", "-config", cfgPath, "-db", dbPath, "-plot-dir", plotDir, "-seed", "7", "-dry-run",
	}, &stdout, &stderr))
	out := stdout.String()
	assert.Contains(t, out, "max_generations after 2 generations (8 evaluations, 0 failed)")
	assert.Contains(t, out, "best gains:")
	assert.Contains(t, out, "ch11 kp=")

	store, err := db.NewDB(dbPath)
	require.NoError(t, err)
	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, db.RunFinished, run.Status)
	assert.Equal(t, uint64(7), run.Seed)
	assert.Equal(t, 2, run.Generations)
	require.NotNil(t, run.BestFitness)

	assert.FileExists(t, filepath.Join(plotDir, run.ID+".png"))
	assert.FileExists(t, filepath.Join(plotDir, run.ID+".html"))

	stdout.Reset()
	require.NoError(t, dispatch(ctx, []string{"runs", "-db", dbPath}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), run.ID)
	assert.Contains(t, stdout.String(), "finished")

	stdout.Reset()
	require.NoError(t, dispatch(ctx, []string{"export", "-db", dbPath, "-run", run.ID, "-format", "csv"}, &stdout, &stderr))
	rows, err := csv.NewReader(strings.NewReader(stdout.String())).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1+8)

	stdout.Reset()
	require.NoError(t, dispatch(ctx, []string{"export", "-db", dbPath, "-run", run.ID}, &stdout, &stderr))
	var exported struct {
		ID     string `json:"id"`
		Record struct {
			Genes       []string          `json:"genes"`
			Generations []json.RawMessage `json:"generations"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &exported))
	assert.Equal(t, run.ID, exported.ID)
	assert.Equal(t, []string{"kp", "ki", "kd"}, exported.Record.Genes)
	assert.Len(t, exported.Record.Generations, 2)

	pngPath := filepath.Join(dir, "export.png")
	require.NoError(t, dispatch(ctx, []string{"export", "-db", dbPath, "-run", run.ID, "-format", "png", "-o", pngPath}, &stdout, &stderr))
	data, err := os.ReadFile(pngPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	err = dispatch(ctx, []string{"export", "-db", dbPath, "-run", run.ID, "-format", "xml"}, &stdout, &stderr)
	assert.ErrorContains(t, err, `unknown export format "xml"`)

	err = dispatch(ctx, []string{"export", "-db", dbPath, "-run", "missing"}, &stdout, &stderr)
	assert.ErrorIs(t, err, db.ErrRunNotFound)
}

func TestInterruptedRunIsRecordedAsAborted(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")
	cfgPath := writeConfig(t, dryRunConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	require.NoError(t, dispatch(ctx, []string{"run", "-config", cfgPath, "-db", dbPath, "-seed", "3", "-dry-run"}, &stdout, &stderr))

	store, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunAborted, runs[0].Status)
}

func TestRunsMissingDatabase(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := dispatch(context.Background(), []string{"runs", "-db", filepath.Join(t.TempDir(), "nope.db")}, &stdout, &stderr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
