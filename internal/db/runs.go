package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/optimize"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunAborted  = "aborted"
	RunFailed   = "failed"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Run is the stored summary of one optimization run. Fitness values that
// were not finite are stored as NULL and read back as -Inf.
type Run struct {
	ID           string             `json:"id"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	Status       string             `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Seed         uint64             `json:"seed"`
	Config       json.RawMessage    `json:"config"`
	Bounds       []config.GeneBound `json:"bounds"`
	BestFitness  *float64           `json:"best_fitness"`
	BestParams   []float64          `json:"best_params,omitempty"`
	Verification *float64           `json:"verification,omitempty"`
	Evaluations  int                `json:"evaluations"`
	Failures     int                `json:"failures"`
	Generations  int                `json:"generations"`
	Error        string             `json:"error,omitempty"`
}

// Genes returns the gene names in vector order.
func (r *Run) Genes() []string {
	names := make([]string, len(r.Bounds))
	for i, b := range r.Bounds {
		names[i] = b.Name
	}
	return names
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOr(n sql.NullFloat64, fallback float64) float64 {
	if !n.Valid {
		return fallback
	}
	return n.Float64
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateRun records the start of a run and returns its id.
func (db *DB) CreateRun(ctx context.Context, cfg *config.OptimizerConfig, seed uint64, started time.Time) (string, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	boundsJSON, err := json.Marshal(cfg.GetBounds())
	if err != nil {
		return "", fmt.Errorf("encode bounds: %w", err)
	}

	id := uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_unix_nanos, status, seed, config_json, bounds_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, started.UnixNano(), RunRunning, int64(seed), string(cfgJSON), string(boundsJSON))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// AppendGeneration stores a completed generation and its individuals in
// one transaction.
func (db *DB) AppendGeneration(ctx context.Context, runID string, g optimize.GenerationSummary) error {
	bestJSON, err := json.Marshal(g.BestParameters.Values())
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO generations (
			run_id, generation, best_fitness, global_best_fitness, mean_fitness,
			failed, best_params_json, started_unix_nanos, finished_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, g.Generation, nullFloat(g.BestFitness), nullFloat(g.GlobalBestFitness), nullFloat(g.MeanFitness),
		g.Failed, string(bestJSON), g.StartedAt.UnixNano(), g.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert generation %d: %w", g.Generation, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO individuals (run_id, generation, eval_index, rank, params_json, fitness, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ranks := g.Ranks()
	for i, ind := range g.Individuals {
		params, err := json.Marshal(ind.Params.Values())
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, runID, g.Generation, i, ranks[i], string(params),
			nullFloat(ind.Fitness), ind.Status.String(), nullString(ind.Err), ind.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert individual %d of generation %d: %w", i, g.Generation, err)
		}
	}
	return tx.Commit()
}

// FinishRun stores the outcome of a run. res may be nil when the run failed
// before producing a result.
func (db *DB) FinishRun(ctx context.Context, runID string, res *optimize.Result, runErr error, finished time.Time) error {
	status := RunFinished
	switch {
	case errors.Is(runErr, optimize.ErrAborted):
		status = RunAborted
	case runErr != nil:
		status = RunFailed
	}

	var (
		reason      sql.NullString
		best        sql.NullFloat64
		bestParams  sql.NullString
		verify      sql.NullFloat64
		evaluations int
		failures    int
		errText     sql.NullString
	)
	if runErr != nil {
		errText = nullString(runErr.Error())
	}
	if res != nil {
		reason = nullString(string(res.Reason))
		best = nullFloat(res.BestFitness)
		if !res.Best.IsZero() {
			data, err := json.Marshal(res.Best.Values())
			if err != nil {
				return err
			}
			bestParams = nullString(string(data))
		}
		if res.Verification != nil {
			verify = nullFloat(*res.Verification)
		}
		evaluations, failures = res.Evaluations, res.Failures
	}

	r, err := db.ExecContext(ctx, `
		UPDATE runs SET finished_unix_nanos = ?, status = ?, reason = ?, best_fitness = ?,
			best_params_json = ?, verification = ?, evaluations = ?, failures = ?, error = ?
		WHERE run_id = ?`,
		finished.UnixNano(), status, reason, best, bestParams, verify, evaluations, failures, errText, runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `
	r.run_id, r.started_unix_nanos, r.finished_unix_nanos, r.status, r.reason, r.seed,
	r.config_json, r.bounds_json, r.best_fitness, r.best_params_json, r.verification,
	r.evaluations, r.failures, r.error,
	(SELECT COUNT(*) FROM generations g WHERE g.run_id = r.run_id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r          Run
		started    int64
		finished   sql.NullInt64
		reason     sql.NullString
		seed       int64
		cfgJSON    string
		boundsJSON string
		best       sql.NullFloat64
		bestParams sql.NullString
		verify     sql.NullFloat64
		errText    sql.NullString
	)
	if err := row.Scan(&r.ID, &started, &finished, &r.Status, &reason, &seed,
		&cfgJSON, &boundsJSON, &best, &bestParams, &verify,
		&r.Evaluations, &r.Failures, &errText, &r.Generations); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	r.Reason = reason.String
	r.Seed = uint64(seed)
	r.Config = json.RawMessage(cfgJSON)
	if err := json.Unmarshal([]byte(boundsJSON), &r.Bounds); err != nil {
		return Run{}, fmt.Errorf("decode bounds of run %s: %w", r.ID, err)
	}
	if best.Valid {
		r.BestFitness = &best.Float64
	}
	if bestParams.Valid {
		if err := json.Unmarshal([]byte(bestParams.String), &r.BestParams); err != nil {
			return Run{}, fmt.Errorf("decode best parameters of run %s: %w", r.ID, err)
		}
	}
	if verify.Valid {
		r.Verification = &verify.Float64
	}
	r.Error = errText.String
	return r, nil
}

// GetRun returns one run.
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs r ORDER BY r.started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LoadRecord rebuilds the run record of a stored run.
func (db *DB) LoadRecord(ctx context.Context, runID string) (*optimize.RunLog, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	bounds := optimize.BoundsFromConfig(run.Bounds)

	gens, err := db.loadGenerations(ctx, runID, bounds)
	if err != nil {
		return nil, err
	}
	if err := db.loadIndividuals(ctx, runID, bounds, gens); err != nil {
		return nil, err
	}

	record := optimize.NewRunLog(bounds.Names())
	for _, g := range gens {
		if err := record.Append(g); err != nil {
			return nil, fmt.Errorf("run %s: %w", runID, err)
		}
	}
	return record, nil
}

func decodeVector(data string, bounds optimize.Bounds) (optimize.ParameterVector, error) {
	var values []float64
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return optimize.ParameterVector{}, err
	}
	return optimize.NewParameterVector(values, bounds)
}

func (db *DB) loadGenerations(ctx context.Context, runID string, bounds optimize.Bounds) ([]optimize.GenerationSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT generation, best_fitness, global_best_fitness, mean_fitness, failed,
			best_params_json, started_unix_nanos, finished_unix_nanos
		FROM generations WHERE run_id = ? ORDER BY generation`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []optimize.GenerationSummary
	for rows.Next() {
		var (
			g                  optimize.GenerationSummary
			best, global, mean sql.NullFloat64
			params             string
			started, finished  int64
		)
		if err := rows.Scan(&g.Generation, &best, &global, &mean, &g.Failed, &params, &started, &finished); err != nil {
			return nil, err
		}
		g.BestFitness = floatOr(best, math.Inf(-1))
		g.GlobalBestFitness = floatOr(global, math.Inf(-1))
		g.MeanFitness = floatOr(mean, math.NaN())
		g.StartedAt = time.Unix(0, started).UTC()
		g.FinishedAt = time.Unix(0, finished).UTC()
		if g.BestParameters, err = decodeVector(params, bounds); err != nil {
			return nil, fmt.Errorf("generation %d best parameters: %w", g.Generation, err)
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

func (db *DB) loadIndividuals(ctx context.Context, runID string, bounds optimize.Bounds, gens []optimize.GenerationSummary) error {
	index := make(map[int]int, len(gens))
	for i, g := range gens {
		index[g.Generation] = i
	}

	rows, err := db.QueryContext(ctx, `
		SELECT generation, params_json, fitness, status, error, duration_ms
		FROM individuals WHERE run_id = ? ORDER BY generation, eval_index`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			gen      int
			params   string
			fitness  sql.NullFloat64
			status   string
			errText  sql.NullString
			duration int64
		)
		if err := rows.Scan(&gen, &params, &fitness, &status, &errText, &duration); err != nil {
			return err
		}
		i, ok := index[gen]
		if !ok {
			continue
		}
		v, err := decodeVector(params, bounds)
		if err != nil {
			return fmt.Errorf("generation %d individual: %w", gen, err)
		}
		st, err := optimize.ParseStatus(status)
		if err != nil {
			return err
		}
		gens[i].Individuals = append(gens[i].Individuals, optimize.Individual{
			Params:   v,
			Fitness:  floatOr(fitness, math.Inf(-1)),
			Status:   st,
			Err:      errText.String,
			Duration: time.Duration(duration) * time.Millisecond,
		})
	}
	return rows.Err()
}
