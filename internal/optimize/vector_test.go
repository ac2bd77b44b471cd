package optimize

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phasetune/internal/config"
)

func TestNewParameterVectorClamps(t *testing.T) {
	b := Bounds{{Name: "kp", Min: -1, Max: 1}, {Name: "ki", Min: 0, Max: 10}}
	v, err := NewParameterVector([]float64{5, -3}, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, v.Values())

	v, err = NewParameterVector([]float64{math.NaN(), 4}, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 4}, v.Values())

	_, err = NewParameterVector([]float64{1}, b)
	assert.Error(t, err)
}

func TestParameterVectorIsImmutable(t *testing.T) {
	b := Bounds{{Name: "kp", Min: -1, Max: 1}}
	in := []float64{0.5}
	v, err := NewParameterVector(in, b)
	require.NoError(t, err)

	in[0] = 0.9
	out := v.Values()
	out[0] = -0.9
	bs := v.Bounds()
	bs[0].Max = 100
	b[0].Min = 0.7

	assert.Equal(t, 0.5, v.At(0))
	assert.Equal(t, Bound{Name: "kp", Min: -1, Max: 1}, v.Bounds()[0])
}

func TestParameterVectorEqual(t *testing.T) {
	b := uniformBounds(2, -5, 5)
	a := mustVector([]float64{1, 2}, b)
	assert.True(t, a.Equal(mustVector([]float64{1, 2}, b)))
	assert.False(t, a.Equal(mustVector([]float64{1, 2.0000001}, b)))
	assert.False(t, a.Equal(mustVector([]float64{1, 2}, uniformBounds(2, -6, 6))))
	assert.False(t, a.Equal(ParameterVector{}))
}

func TestParameterVectorFormatting(t *testing.T) {
	v := mustVector([]float64{1200, -3.5}, Bounds{{Name: "kp", Min: -8192, Max: 8192}, {Name: "ki", Min: -8192, Max: 8192}})
	assert.Equal(t, "[kp=1200 ki=-3.5]", v.String())
	assert.Equal(t, map[string]float64{"kp": 1200, "ki": -3.5}, v.Map())

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `[1200, -3.5]`, string(data))

	data, err = json.Marshal(ParameterVector{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestBoundsFromConfig(t *testing.T) {
	b := BoundsFromConfig([]config.GeneBound{{Name: "kp", Min: -1, Max: 1}, {Min: 0, Max: 2}})
	assert.Equal(t, []string{"kp", "g1"}, b.Names())
	assert.NoError(t, b.Validate())
	assert.Error(t, Bounds{}.Validate())
}

func TestInitializePopulation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	b := uniformBounds(3, -10, 10)

	pop, err := InitializePopulation(12, b, UniformSampler{}, rng)
	require.NoError(t, err)
	assert.Equal(t, 12, pop.Len())
	for _, m := range pop.Members() {
		assert.Equal(t, StatusPending, m.Status)
		for i, x := range m.Params.Values() {
			assert.True(t, b[i].Contains(x))
		}
	}

	_, err = InitializePopulation(1, b, UniformSampler{}, rng)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "pop_size", cfgErr.Field)
}

func TestGaussianSamplerClampsToBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	b := uniformBounds(3, -1, 1)
	pop, err := InitializePopulation(50, b, GaussianSampler{StdDev: []float64{100, 100, 100}}, rng)
	require.NoError(t, err)
	pinned := 0
	for _, m := range pop.Members() {
		for i, x := range m.Params.Values() {
			require.True(t, b[i].Contains(x))
			if math.Abs(x) == 1 {
				pinned++
			}
		}
	}
	assert.Greater(t, pinned, 100)
}

func TestSamplerFromConfig(t *testing.T) {
	uniform := config.SamplingUniform
	assert.Equal(t, UniformSampler{}, SamplerFromConfig(&config.OptimizerConfig{Sampling: &config.SamplingConfig{Strategy: &uniform}}))
	assert.Equal(t, GaussianSampler{StdDev: []float64{4096, 4096, 256}}, SamplerFromConfig(config.EmptyOptimizerConfig()))
}

func TestRankedIsStableAndDescending(t *testing.T) {
	b := uniformBounds(1, -10, 10)
	fit := []float64{1, 5, math.Inf(-1), 5, 3}
	members := make([]Individual, len(fit))
	for i, f := range fit {
		members[i] = Individual{Params: mustVector([]float64{float64(i)}, b), Fitness: f, Status: StatusOK}
	}
	pop := &Population{members: members}
	ranked := pop.Ranked()

	got := make([]float64, ranked.Len())
	order := make([]float64, ranked.Len())
	for i := range got {
		got[i] = ranked.At(i).Fitness
		order[i] = ranked.At(i).Params.At(0)
	}
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i] > got[j] }))
	assert.Equal(t, []float64{1, 3, 4, 0, 2}, order, "ties keep evaluation order")
	assert.Equal(t, 1.0, pop.At(0).Fitness, "ranking must not reorder the source population")
	assert.Equal(t, 1.0, pop.Best().Params.At(0))
}

func TestPopulationStats(t *testing.T) {
	b := uniformBounds(1, -1, 1)
	v := mustVector([]float64{0}, b)
	pop := &Population{members: []Individual{
		{Params: v, Fitness: -1, Status: StatusOK},
		{Params: v, Fitness: -3, Status: StatusOK},
		{Params: v, Fitness: math.Inf(-1), Status: StatusFailed},
		{Params: v, Fitness: math.Inf(-1), Status: StatusOK},
	}}
	mean, failed := pop.Stats()
	assert.Equal(t, -2.0, mean)
	assert.Equal(t, 1, failed)
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusOK, StatusFailed} {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("weird")
	assert.Error(t, err)
}

func TestIndividualJSON(t *testing.T) {
	v := mustVector([]float64{1, 2}, uniformBounds(2, -5, 5))
	data, err := json.Marshal(Individual{Params: v, Fitness: math.Inf(-1), Status: StatusFailed, Err: "hardware capture: timeout"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"params":[1,2],"fitness":null,"status":"failed","error":"hardware capture: timeout","duration_ms":0}`, string(data))
}
