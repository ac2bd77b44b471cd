package report

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"

	"github.com/banshee-data/phasetune/internal/optimize"
)

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes one row per evaluated individual, in evaluation order
// within each generation. The index column is that order and rank is the
// position by fitness. Non-finite fitness values are left empty.
func WriteCSV(w io.Writer, record *optimize.RunLog) error {
	genes := record.Genes()
	cw := csv.NewWriter(w)

	header := append([]string{"generation", "index", "rank", "status", "fitness"}, genes...)
	header = append(header, "duration_ms", "error")
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, g := range record.Generations() {
		ranks := g.Ranks()
		for i, ind := range g.Individuals {
			row := make([]string, 0, len(header))
			row = append(row,
				strconv.Itoa(g.Generation),
				strconv.Itoa(i),
				strconv.Itoa(ranks[i]),
				ind.Status.String(),
				formatFloat(ind.Fitness),
			)
			for _, v := range ind.Params.Values() {
				row = append(row, formatFloat(v))
			}
			row = append(row, strconv.FormatInt(ind.Duration.Milliseconds(), 10), ind.Err)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
