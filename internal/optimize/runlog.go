package optimize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrLogGap is returned when a generation summary would leave a hole in
// the run log.
var ErrLogGap = errors.New("run log: generation out of sequence")

// GenerationSummary records one completed generation. Individuals are in
// evaluation order; Ranked and Ranks give the fitness order.
type GenerationSummary struct {
	Generation        int
	BestFitness       float64
	BestParameters    ParameterVector
	GlobalBestFitness float64
	MeanFitness       float64 // over individuals with a finite fitness; NaN if none
	Failed            int
	Individuals       []Individual
	StartedAt         time.Time
	FinishedAt        time.Time
}

// Equal lets go-cmp compare summaries holding non-finite fitness values.
func (g GenerationSummary) Equal(o GenerationSummary) bool {
	if g.Generation != o.Generation || g.Failed != o.Failed ||
		!sameFloat(g.BestFitness, o.BestFitness) ||
		!sameFloat(g.GlobalBestFitness, o.GlobalBestFitness) ||
		!sameFloat(g.MeanFitness, o.MeanFitness) ||
		!g.BestParameters.Equal(o.BestParameters) ||
		!g.StartedAt.Equal(o.StartedAt) || !g.FinishedAt.Equal(o.FinishedAt) ||
		len(g.Individuals) != len(o.Individuals) {
		return false
	}
	for i := range g.Individuals {
		if !g.Individuals[i].Equal(o.Individuals[i]) {
			return false
		}
	}
	return true
}

// Ranked returns the individuals by descending fitness. Ties keep
// evaluation order.
func (g GenerationSummary) Ranked() []Individual {
	return (&Population{members: g.Individuals}).Ranked().Members()
}

// Ranks returns each individual's position in Ranked, indexed by
// evaluation order.
func (g GenerationSummary) Ranks() []int {
	order := make([]int, len(g.Individuals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return g.Individuals[order[a]].Fitness > g.Individuals[order[b]].Fitness
	})
	ranks := make([]int, len(order))
	for r, i := range order {
		ranks[i] = r
	}
	return ranks
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func (g GenerationSummary) clone() GenerationSummary {
	inds := make([]Individual, len(g.Individuals))
	copy(inds, g.Individuals)
	g.Individuals = inds
	return g
}

func (g GenerationSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Generation        int             `json:"generation"`
		BestFitness       *float64        `json:"best_fitness"`
		BestParameters    ParameterVector `json:"best_parameters"`
		GlobalBestFitness *float64        `json:"global_best_fitness"`
		MeanFitness       *float64        `json:"mean_fitness"`
		Failed            int             `json:"failed"`
		Individuals       []Individual    `json:"individuals"`
		StartedAt         time.Time       `json:"started_at"`
		FinishedAt        time.Time       `json:"finished_at"`
	}{
		Generation:        g.Generation,
		BestFitness:       finiteOrNil(g.BestFitness),
		BestParameters:    g.BestParameters,
		GlobalBestFitness: finiteOrNil(g.GlobalBestFitness),
		MeanFitness:       finiteOrNil(g.MeanFitness),
		Failed:            g.Failed,
		Individuals:       g.Individuals,
		StartedAt:         g.StartedAt,
		FinishedAt:        g.FinishedAt,
	})
}

// RunLog is the append-only record of a run. Generations are numbered from
// 1 without gaps. It is safe for concurrent readers while the loop appends.
type RunLog struct {
	mu    sync.RWMutex
	genes []string
	gens  []GenerationSummary
}

// NewRunLog returns an empty log for vectors with the given gene names.
func NewRunLog(genes []string) *RunLog {
	g := make([]string, len(genes))
	copy(g, genes)
	return &RunLog{genes: g}
}

// Append adds the next generation. Its number must be Len()+1.
func (r *RunLog) Append(s GenerationSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if want := len(r.gens) + 1; s.Generation != want {
		return fmt.Errorf("%w: got %d, want %d", ErrLogGap, s.Generation, want)
	}
	r.gens = append(r.gens, s.clone())
	return nil
}

// Genes returns the gene names.
func (r *RunLog) Genes() []string {
	out := make([]string, len(r.genes))
	copy(out, r.genes)
	return out
}

// Len returns the number of completed generations.
func (r *RunLog) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.gens)
}

// Generations returns a copy of every summary.
func (r *RunLog) Generations() []GenerationSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GenerationSummary, len(r.gens))
	for i, g := range r.gens {
		out[i] = g.clone()
	}
	return out
}

// Last returns the most recent summary.
func (r *RunLog) Last() (GenerationSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.gens) == 0 {
		return GenerationSummary{}, false
	}
	return r.gens[len(r.gens)-1].clone(), true
}

// BestTrajectory returns the per-generation best fitness.
func (r *RunLog) BestTrajectory() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(r.gens))
	for i, g := range r.gens {
		out[i] = g.BestFitness
	}
	return out
}

// GlobalBestTrajectory returns the best-so-far fitness after each
// generation. It never decreases.
func (r *RunLog) GlobalBestTrajectory() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(r.gens))
	for i, g := range r.gens {
		out[i] = g.GlobalBestFitness
	}
	return out
}

func (r *RunLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Genes       []string            `json:"genes"`
		Generations []GenerationSummary `json:"generations"`
	}{
		Genes:       r.Genes(),
		Generations: r.Generations(),
	})
}
