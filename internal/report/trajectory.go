// Package report renders run records as charts and tables.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/phasetune/internal/optimize"
)

// ErrEmptyRecord is returned when there is nothing to draw.
var ErrEmptyRecord = errors.New("run record has no generations")

var (
	bestColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	globalColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	meanColor   = color.RGBA{R: 127, G: 127, B: 127, A: 255}
)

// finiteXYs pairs generation numbers with values, dropping non-finite
// points, which plotter rejects.
func finiteXYs(gens []optimize.GenerationSummary, value func(optimize.GenerationSummary) float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(gens))
	for _, g := range gens {
		v := value(g)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(g.Generation), Y: v})
	}
	return pts
}

// TrajectoryPlot builds the fitness-per-generation plot of a run.
func TrajectoryPlot(record *optimize.RunLog, title string) (*plot.Plot, error) {
	gens := record.Generations()
	if len(gens) == 0 {
		return nil, ErrEmptyRecord
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Fitness"
	p.Add(plotter.NewGrid())

	var pop plotter.XYs
	for _, g := range gens {
		for _, ind := range g.Individuals {
			if ind.Status == optimize.StatusOK && !math.IsInf(ind.Fitness, 0) && !math.IsNaN(ind.Fitness) {
				pop = append(pop, plotter.XY{X: float64(g.Generation), Y: ind.Fitness})
			}
		}
	}
	if len(pop) > 0 {
		scatter, err := plotter.NewScatter(pop)
		if err != nil {
			return nil, fmt.Errorf("individuals: %w", err)
		}
		scatter.Color = color.RGBA{R: 160, G: 160, B: 160, A: 160}
		scatter.Radius = vg.Points(1.5)
		p.Add(scatter)
	}

	series := []struct {
		name  string
		color color.Color
		value func(optimize.GenerationSummary) float64
		dots  bool
	}{
		{"generation best", bestColor, func(g optimize.GenerationSummary) float64 { return g.BestFitness }, true},
		{"best so far", globalColor, func(g optimize.GenerationSummary) float64 { return g.GlobalBestFitness }, false},
		{"mean", meanColor, func(g optimize.GenerationSummary) float64 { return g.MeanFitness }, false},
	}
	for _, s := range series {
		pts := finiteXYs(gens, s.value)
		if len(pts) == 0 {
			continue
		}
		line, scatter, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("%s series: %w", s.name, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		if s.name == "mean" {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		if s.dots {
			scatter.Color = s.color
			p.Add(scatter)
		}
		p.Legend.Add(s.name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WriteTrajectoryPNG renders the trajectory plot as a PNG.
func WriteTrajectoryPNG(w io.Writer, record *optimize.RunLog, title string) error {
	p, err := TrajectoryPlot(record, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveTrajectoryPNG writes the trajectory plot to path.
func SaveTrajectoryPNG(path string, record *optimize.RunLog, title string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTrajectoryPNG(f, record, title); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
