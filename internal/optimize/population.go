package optimize

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/banshee-data/phasetune/internal/config"
)

// Status is the evaluation state of an individual.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "ok":
		return StatusOK, nil
	case "failed":
		return StatusFailed, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Individual is a parameter vector with its evaluation outcome. Failed
// individuals carry the worst fitness and stay in the population and the
// run record.
type Individual struct {
	Params   ParameterVector
	Fitness  float64
	Status   Status
	Err      string
	Duration time.Duration
}

func pending(v ParameterVector) Individual {
	return Individual{Params: v, Fitness: math.Inf(-1), Status: StatusPending}
}

// Equal compares individuals field by field, treating fitness bitwise so
// that -Inf and NaN compare as expected.
func (ind Individual) Equal(o Individual) bool {
	return ind.Params.Equal(o.Params) &&
		math.Float64bits(ind.Fitness) == math.Float64bits(o.Fitness) &&
		ind.Status == o.Status && ind.Err == o.Err && ind.Duration == o.Duration
}

func (ind Individual) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Params     ParameterVector `json:"params"`
		Fitness    *float64        `json:"fitness"`
		Status     Status          `json:"status"`
		Err        string          `json:"error,omitempty"`
		DurationMS float64         `json:"duration_ms"`
	}{
		Params:     ind.Params,
		Fitness:    finiteOrNil(ind.Fitness),
		Status:     ind.Status,
		Err:        ind.Err,
		DurationMS: float64(ind.Duration) / float64(time.Millisecond),
	})
}

// finiteOrNil maps non-finite floats to nil so they encode as JSON null.
func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Sampler draws the genes of a first-generation individual.
type Sampler interface {
	Sample(bounds Bounds, rng *rand.Rand) []float64
}

// UniformSampler draws every gene uniformly over its bound.
type UniformSampler struct{}

func (UniformSampler) Sample(bounds Bounds, rng *rand.Rand) []float64 {
	out := make([]float64, len(bounds))
	for i, b := range bounds {
		out[i] = b.Min + rng.Float64()*(b.Max-b.Min)
	}
	return out
}

// GaussianSampler draws every gene from N(0, StdDev[i]²); values are
// clamped into bounds by the vector constructor.
type GaussianSampler struct {
	StdDev []float64
}

func (g GaussianSampler) Sample(bounds Bounds, rng *rand.Rand) []float64 {
	out := make([]float64, len(bounds))
	for i := range bounds {
		sd := 0.0
		if i < len(g.StdDev) {
			sd = g.StdDev[i]
		}
		out[i] = rng.NormFloat64() * sd
	}
	return out
}

// SamplerFromConfig returns the configured first-generation sampler.
func SamplerFromConfig(cfg *config.OptimizerConfig) Sampler {
	if cfg.Sampling.GetStrategy() == config.SamplingUniform {
		return UniformSampler{}
	}
	return GaussianSampler{StdDev: cfg.Sampling.GetStdDev(len(cfg.GetBounds()))}
}

// Population is an ordered, fixed-size set of individuals. A generation's
// population is replaced wholesale by the next one.
type Population struct {
	members []Individual
}

// InitializePopulation draws popSize pending individuals.
func InitializePopulation(popSize int, bounds Bounds, s Sampler, rng *rand.Rand) (*Population, error) {
	if popSize < 2 {
		return nil, &config.Error{Field: "pop_size", Reason: fmt.Sprintf("must be at least 2, got %d", popSize)}
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	members := make([]Individual, popSize)
	for i := range members {
		members[i] = pending(mustVector(s.Sample(bounds, rng), bounds))
	}
	return &Population{members: members}, nil
}

func newPopulation(vectors []ParameterVector) *Population {
	members := make([]Individual, len(vectors))
	for i, v := range vectors {
		members[i] = pending(v)
	}
	return &Population{members: members}
}

// Len returns the population size.
func (p *Population) Len() int { return len(p.members) }

// At returns individual i.
func (p *Population) At(i int) Individual { return p.members[i] }

// Members returns a copy of the individuals in order.
func (p *Population) Members() []Individual {
	out := make([]Individual, len(p.members))
	copy(out, p.members)
	return out
}

// Ranked returns a new population sorted by descending fitness. The sort is
// stable so ties keep evaluation order.
func (p *Population) Ranked() *Population {
	out := p.Members()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Fitness > out[j].Fitness
	})
	return &Population{members: out}
}

// Best returns the highest-fitness individual.
func (p *Population) Best() Individual {
	best := p.members[0]
	for _, m := range p.members[1:] {
		if m.Fitness > best.Fitness {
			best = m
		}
	}
	return best
}

// Stats returns the mean fitness over successful individuals (NaN when
// none succeeded) and the failure count.
func (p *Population) Stats() (mean float64, failed int) {
	var sum float64
	ok := 0
	for _, m := range p.members {
		if m.Status == StatusFailed {
			failed++
			continue
		}
		if math.IsInf(m.Fitness, 0) || math.IsNaN(m.Fitness) {
			continue
		}
		sum += m.Fitness
		ok++
	}
	if ok == 0 {
		return math.NaN(), failed
	}
	return sum / float64(ok), failed
}
