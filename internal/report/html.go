package report

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/phasetune/internal/optimize"
)

// AssetsHost serves the echarts javascript.
const AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// emptyPoint is how echarts marks a gap in a line series.
const emptyPoint = "-"

func lineValue(v float64) opts.LineData {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return opts.LineData{Value: emptyPoint}
	}
	return opts.LineData{Value: v}
}

// FitnessChart plots the best, best-so-far and mean fitness per generation
// over a scatter of every successfully evaluated individual.
func FitnessChart(record *optimize.RunLog, title string) *charts.Line {
	gens := record.Generations()
	x := make([]string, len(gens))
	best := make([]opts.LineData, len(gens))
	global := make([]opts.LineData, len(gens))
	mean := make([]opts.LineData, len(gens))
	var pop []opts.ScatterData
	for i, g := range gens {
		x[i] = strconv.Itoa(g.Generation)
		best[i] = lineValue(g.BestFitness)
		global[i] = lineValue(g.GlobalBestFitness)
		mean[i] = lineValue(g.MeanFitness)
		for _, ind := range g.Individuals {
			if ind.Status != optimize.StatusOK || math.IsInf(ind.Fitness, 0) || math.IsNaN(ind.Fitness) {
				continue
			}
			pop = append(pop, opts.ScatterData{Value: []interface{}{x[i], ind.Fitness}})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%d generations", len(gens))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Generation", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Fitness", Scale: opts.Bool(true)}),
	)
	line.SetXAxis(x).
		AddSeries("generation best", best).
		AddSeries("best so far", global, charts.WithLineChartOpts(opts.LineChart{Step: "end"})).
		AddSeries("mean", mean, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))

	scatter := charts.NewScatter()
	scatter.SetXAxis(x).AddSeries("individuals", pop, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	line.Overlap(scatter)
	return line
}

// GainsChart plots the best parameter vector of each generation, one series
// per gene.
func GainsChart(record *optimize.RunLog) *charts.Line {
	gens := record.Generations()
	genes := record.Genes()
	x := make([]string, len(gens))
	series := make([][]opts.LineData, len(genes))
	for i, g := range gens {
		x[i] = strconv.Itoa(g.Generation)
		for j := range genes {
			v := math.NaN()
			if j < g.BestParameters.Len() {
				v = g.BestParameters.At(j)
			}
			series[j] = append(series[j], lineValue(v))
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Best gains per generation"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Generation", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(x)
	for j, name := range genes {
		line.AddSeries(name, series[j])
	}
	return line
}

// RenderHTML writes a self-contained page with the fitness and gain charts.
func RenderHTML(w io.Writer, record *optimize.RunLog, title string) error {
	if record.Len() == 0 {
		return ErrEmptyRecord
	}
	page := components.NewPage()
	page.SetAssetsHost(AssetsHost).SetPageTitle(title)
	page.AddCharts(FitnessChart(record, title), GainsChart(record))
	return page.Render(w)
}
