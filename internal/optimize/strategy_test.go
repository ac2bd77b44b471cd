package optimize

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phasetune/internal/config"
)

func rankedPopulation(values ...float64) *Population {
	b := uniformBounds(1, -100, 100)
	members := make([]Individual, len(values))
	for i, v := range values {
		members[i] = Individual{Params: mustVector([]float64{v}, b), Fitness: -float64(i), Status: StatusOK}
	}
	return &Population{members: members}
}

func TestEvolveKeepsElitesFirst(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	ranked := rankedPopulation(10, 20, 30, 40, 50, 60)
	s := BlendStrategy{KeepElite: 2, MatingPoolSize: 3, MutationRate: 0}

	next, err := s.Evolve(ranked, rng)
	require.NoError(t, err)
	require.Equal(t, 6, next.Len())
	assert.True(t, next.At(0).Params.Equal(ranked.At(0).Params))
	assert.True(t, next.At(1).Params.Equal(ranked.At(1).Params))

	// Without mutation every child lies between two mating-pool parents.
	for i := 2; i < next.Len(); i++ {
		ind := next.At(i)
		assert.Equal(t, StatusPending, ind.Status)
		x := ind.Params.At(0)
		assert.True(t, x >= 10 && x <= 30, "child %d = %v outside the mating pool hull", i, x)
	}
}

func TestEvolveSinglePoolMemberSelfPairs(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	ranked := rankedPopulation(7, 1, 2, 3)
	s := BlendStrategy{KeepElite: 0, MatingPoolSize: 1, MutationRate: 0}
	next, err := s.Evolve(ranked, rng)
	require.NoError(t, err)
	for _, m := range next.Members() {
		assert.InDelta(t, 7.0, m.Params.At(0), 1e-12)
	}
}

func TestPickParentsDistinct(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	for range 1000 {
		a, b := pickParents(2, rng)
		assert.NotEqual(t, a, b)
		a, b = pickParents(5, rng)
		assert.NotEqual(t, a, b)
		assert.True(t, a >= 0 && a < 5 && b >= 0 && b < 5)
	}
	a, b := pickParents(1, rng)
	assert.Equal(t, 0, a)
	assert.Equal(t, 0, b)
}

func TestEvolveMutationIsClamped(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 11))
	ranked := rankedPopulation(0, 1, 2, 3, 4, 5, 6, 7)
	s := BlendStrategy{KeepElite: 1, MatingPoolSize: 4, MutationRate: 1e9}
	next, err := s.Evolve(ranked, rng)
	require.NoError(t, err)
	for i := 1; i < next.Len(); i++ {
		x := next.At(i).Params.At(0)
		assert.True(t, x == -100 || x == 100, "got %v", x)
	}
}

func TestEvolveRejectsInvalidSettings(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	ranked := rankedPopulation(1, 2, 3, 4)
	tests := []struct {
		s     BlendStrategy
		field string
	}{
		{BlendStrategy{KeepElite: 4, MatingPoolSize: 2}, "keep_elite"},
		{BlendStrategy{KeepElite: 1, MatingPoolSize: 5}, "mating_pool_size"},
		{BlendStrategy{KeepElite: 1, MatingPoolSize: 0}, "mating_pool_size"},
		{BlendStrategy{KeepElite: 1, MatingPoolSize: 2, MutationRate: -1}, "mutation_rate"},
	}
	for _, tt := range tests {
		_, err := tt.s.Evolve(ranked, rng)
		var cfgErr *config.Error
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, tt.field, cfgErr.Field)
	}
}
