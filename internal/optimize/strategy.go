package optimize

import (
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/phasetune/internal/config"
)

// Strategy produces the next generation from a ranked population.
type Strategy interface {
	Evolve(ranked *Population, rng *rand.Rand) (*Population, error)
}

// BlendStrategy keeps the top KeepElite vectors unchanged and fills the
// rest of the population with blend-crossover children of two distinct
// parents drawn from the top MatingPoolSize, each gene mutated by additive
// Gaussian noise of standard deviation MutationRate and clamped.
type BlendStrategy struct {
	KeepElite      int
	MatingPoolSize int
	MutationRate   float64
}

// Validate checks the strategy against a population size.
func (s BlendStrategy) Validate(popSize int) error {
	if s.KeepElite < 0 || s.KeepElite >= popSize {
		return &config.Error{Field: "keep_elite", Reason: fmt.Sprintf("must be in [0, pop_size), got %d", s.KeepElite)}
	}
	if s.MatingPoolSize < 1 || s.MatingPoolSize > popSize {
		return &config.Error{Field: "mating_pool_size", Reason: fmt.Sprintf("must be in [1, pop_size], got %d", s.MatingPoolSize)}
	}
	if s.MutationRate < 0 {
		return &config.Error{Field: "mutation_rate", Reason: fmt.Sprintf("must be non-negative, got %v", s.MutationRate)}
	}
	return nil
}

// Evolve returns a pending population of the same size as ranked.
func (s BlendStrategy) Evolve(ranked *Population, rng *rand.Rand) (*Population, error) {
	n := ranked.Len()
	if err := s.Validate(n); err != nil {
		return nil, err
	}

	next := make([]ParameterVector, 0, n)
	for i := 0; i < s.KeepElite; i++ {
		next = append(next, ranked.At(i).Params)
	}

	pool := s.MatingPoolSize
	for len(next) < n {
		a, b := pickParents(pool, rng)
		next = append(next, s.offspring(ranked.At(a).Params, ranked.At(b).Params, rng))
	}
	return newPopulation(next), nil
}

// pickParents returns two distinct indices in [0, pool). A pool of one
// pairs its only member with itself.
func pickParents(pool int, rng *rand.Rand) (int, int) {
	if pool < 2 {
		return 0, 0
	}
	a := rng.IntN(pool)
	b := rng.IntN(pool - 1)
	if b >= a {
		b++
	}
	return a, b
}

func (s BlendStrategy) offspring(a, b ParameterVector, rng *rand.Rand) ParameterVector {
	bounds := a.bounds
	child := make([]float64, a.Len())
	for i := range child {
		alpha := rng.Float64()
		v := alpha*a.values[i] + (1-alpha)*b.values[i]
		v += rng.NormFloat64() * s.MutationRate
		child[i] = bounds[i].Clamp(v)
	}
	return mustVector(child, bounds)
}
