package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/db"
	"github.com/banshee-data/phasetune/internal/optimize"
	"github.com/banshee-data/phasetune/internal/report"
)

func openStore(path string) (*db.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("run database: %w", err)
	}
	return db.NewDB(path)
}

func runsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("runs", stderr)
	dbPath := fs.String("db", config.EmptyOptimizerConfig().Storage.GetDBPath(), "Run database")
	limit := fs.Int("limit", 20, "Maximum number of runs to list, newest first (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tREASON\tGENERATIONS\tBEST")
	for _, r := range runs {
		best := "-"
		if r.BestFitness != nil {
			best = fmt.Sprintf("%.6g", *r.BestFitness)
		}
		reason := r.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, reason, r.Generations, best)
	}
	return tw.Flush()
}

func exportCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export", stderr)
	dbPath := fs.String("db", config.EmptyOptimizerConfig().Storage.GetDBPath(), "Run database")
	runID := fs.String("run", "", "Run ID to export (required)")
	format := fs.String("format", "json", "Output format: json, csv, html or png")
	output := fs.String("o", "", "Output file (defaults to stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		fmt.Fprintln(stderr, "-run is required")
		fs.Usage()
		return errUsage
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, *runID)
	if err != nil {
		return err
	}
	record, err := store.LoadRecord(ctx, *runID)
	if err != nil {
		return err
	}

	w := stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := writeExport(w, *format, run, record); err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && *output != "" {
		return f.Close()
	}
	return nil
}

func writeExport(w io.Writer, format string, run *db.Run, record *optimize.RunLog) error {
	title := "Run " + run.ID
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*db.Run
			Record *optimize.RunLog `json:"record"`
		}{run, record})
	case "csv":
		return report.WriteCSV(w, record)
	case "html":
		return report.RenderHTML(w, record, title)
	case "png":
		return report.WriteTrajectoryPNG(w, record, title)
	default:
		return fmt.Errorf("unknown export format %q (want json, csv, html or png)", format)
	}
}
