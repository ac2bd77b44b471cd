package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/db"
	"github.com/banshee-data/phasetune/internal/fitness"
	"github.com/banshee-data/phasetune/internal/hardware"
	"github.com/banshee-data/phasetune/internal/monitor"
	"github.com/banshee-data/phasetune/internal/optimize"
	"github.com/banshee-data/phasetune/internal/report"
	"github.com/banshee-data/phasetune/internal/timeutil"
)

type runOptions struct {
	configPath string
	dbPath     string
	listen     string
	plotDir    string
	seed       uint64
	dryRun     bool
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var o runOptions
	fs := newFlagSet("run", stderr)
	fs.StringVar(&o.configPath, "config", config.DefaultConfigPath, "Optimizer config file (.json, .yaml or .yml)")
	fs.StringVar(&o.dbPath, "db", "", "Run database (overrides storage.db_path)")
	fs.StringVar(&o.listen, "listen", "", "Serve the live monitor on this address, e.g. localhost:8080")
	fs.StringVar(&o.plotDir, "plot-dir", "", "Write <run-id>.png and <run-id>.html here when the run ends")
	fs.Uint64Var(&o.seed, "seed", 0, "RNG seed, overriding the config (0 keeps the configured seed)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Use the simulated plant instead of the configured hardware")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.LoadOptimizerConfig(o.configPath)
	if err != nil {
		return err
	}
	applyRunOverrides(cfg, o)
	return execute(ctx, cfg, o, stdout)
}

// applyRunOverrides folds the flags into cfg and pins the seed, so the stored
// config reproduces the run.
func applyRunOverrides(cfg *config.OptimizerConfig, o runOptions) {
	if o.dbPath != "" {
		path := o.dbPath
		if cfg.Storage == nil {
			cfg.Storage = &config.StorageConfig{}
		}
		cfg.Storage.DBPath = &path
	}
	seed := o.seed
	if seed == 0 {
		seed = cfg.GetSeed()
	}
	for seed == 0 {
		seed = rand.Uint64()
	}
	cfg.Seed = &seed
}

func execute(ctx context.Context, cfg *config.OptimizerConfig, o runOptions, stdout io.Writer) error {
	params, err := optimize.ParamsFromConfig(cfg)
	if err != nil {
		return err
	}
	eval, err := fitness.FromConfig(cfg)
	if err != nil {
		return err
	}

	store, err := db.NewDB(cfg.Storage.GetDBPath())
	if err != nil {
		return fmt.Errorf("open run database: %w", err)
	}
	defer store.Close()

	setup, err := hardware.Open(ctx, cfg, timeutil.RealClock{}, o.dryRun)
	if err != nil {
		return err
	}
	defer func() {
		if err := setup.Close(); err != nil {
			log.Printf("failed to release hardware: %v", err)
		}
	}()

	// Persistence must outlive an interrupt so the aborted run is recorded.
	persistCtx := context.WithoutCancel(ctx)
	var runID string
	loop, err := optimize.NewLoop(params, setup.Channel, eval,
		optimize.WithSampler(optimize.SamplerFromConfig(cfg)),
		optimize.WithObserver(func(g optimize.GenerationSummary) {
			if err := store.AppendGeneration(persistCtx, runID, g); err != nil {
				log.Printf("failed to store generation %d: %v", g.Generation, err)
			}
		}),
	)
	if err != nil {
		return err
	}

	runID, err = store.CreateRun(persistCtx, cfg, cfg.GetSeed(), time.Now())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	log.Printf("run %s: strategy=%s pop_size=%d max_generations=%d seed=%d",
		runID, eval.Strategy(), params.PopSize, params.MaxGenerations, cfg.GetSeed())

	mux := monitorMux(runID, loop, store, setup, o.listen)
	if mux != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	var (
		res    *optimize.Result
		runErr error
	)
	g.Go(func() error {
		defer stopServing()
		res, runErr = loop.Run(gctx)
		return nil
	})
	if mux != nil {
		g.Go(func() error {
			return monitor.ListenAndServe(serveCtx, o.listen, monitor.LoggingMiddleware(mux))
		})
	}
	serveErr := g.Wait()

	if err := store.FinishRun(persistCtx, runID, res, runErr, time.Now()); err != nil {
		log.Printf("failed to finish run %s: %v", runID, err)
	}
	if o.plotDir != "" && loop.Record().Len() > 0 {
		if err := writePlots(o.plotDir, runID, loop.Record()); err != nil {
			log.Printf("failed to write plots: %v", err)
		}
	}
	if res != nil {
		printResult(stdout, runID, res, setup.Rig.Layout)
	}

	switch {
	case serveErr != nil:
		return fmt.Errorf("monitor: %w", serveErr)
	case errors.Is(runErr, optimize.ErrAborted):
		partial := 0
		if res != nil {
			partial = len(res.Partial)
		}
		log.Printf("run %s aborted after %d generations (%d individuals of the next evaluated)", runID, loop.Record().Len(), partial)
		return nil
	default:
		return runErr
	}
}

func monitorMux(runID string, loop *optimize.Loop, store *db.DB, setup *hardware.Setup, listen string) *http.ServeMux {
	if listen == "" {
		return nil
	}
	mux := monitor.NewServer(runID, loop, store).ServeMux()
	setup.AttachAdminRoutes(mux)
	return mux
}

func writePlots(dir, runID string, record *optimize.RunLog) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	title := "Run " + runID
	png := filepath.Join(dir, runID+".png")
	if err := report.SaveTrajectoryPNG(png, record, title); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, runID+".html"))
	if err != nil {
		return err
	}
	if err := report.RenderHTML(f, record, title); err != nil {
		f.Close()
		return err
	}
	log.Printf("wrote %s and %s", png, f.Name())
	return f.Close()
}

func printResult(w io.Writer, runID string, res *optimize.Result, layout hardware.GainLayout) {
	fmt.Fprintf(w, "run %s: %s after %d generations (%d evaluations, %d failed)\n",
		runID, res.Reason, res.Generations, res.Evaluations, res.Failures)
	if res.Best.IsZero() {
		fmt.Fprintln(w, "no individual was evaluated")
		return
	}
	if math.IsInf(res.BestFitness, -1) {
		fmt.Fprintln(w, "best fitness: none (every evaluation failed)")
	} else {
		fmt.Fprintf(w, "best fitness: %.6g\n", res.BestFitness)
	}
	fmt.Fprintf(w, "best gains:   %s\n", res.Best)
	if res.Verification != nil {
		fmt.Fprintf(w, "verification: %.6g\n", *res.Verification)
	}
	gains, err := layout.Gains(res.Best)
	if err != nil {
		return
	}
	for _, g := range gains {
		fmt.Fprintf(w, "  %s\n", g)
	}
}
