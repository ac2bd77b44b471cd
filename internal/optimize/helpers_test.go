package optimize

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/phasetune/internal/monitoring"
	"github.com/banshee-data/phasetune/internal/signal"
	"github.com/banshee-data/phasetune/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var errOutage = errors.New("link down")

// quadraticRig reports the squared distance to target as a one-sample
// trace. It optionally fails every failEvery-th call.
type quadraticRig struct {
	mu        sync.Mutex
	target    []float64
	failEvery int
	calls     int
	seen      []ParameterVector
	clock     *timeutil.MockClock
	onCall    func(call int)
}

func (r *quadraticRig) ApplyAndCapture(ctx context.Context, p ParameterVector) (signal.Trace, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.seen = append(r.seen, p)
	r.mu.Unlock()

	if r.clock != nil {
		_ = r.clock.Sleep(ctx, 10*time.Millisecond)
	}
	if r.onCall != nil {
		r.onCall(call)
	}
	if r.failEvery > 0 && call%r.failEvery == 0 {
		return signal.Trace{}, errOutage
	}
	var d float64
	for i, v := range p.Values() {
		diff := v - r.target[i]
		d += diff * diff
	}
	return signal.Trace{Samples: []float64{d}, SampleRate: 1}, nil
}

func (r *quadraticRig) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// negFirst scores a trace as the negative of its first sample.
type negFirst struct{}

func (negFirst) Evaluate(tr signal.Trace) float64 {
	if tr.Empty() {
		return math.Inf(-1)
	}
	return -tr.Samples[0]
}

func (negFirst) Worst() float64 { return math.Inf(-1) }

func uniformBounds(n int, lo, hi float64) Bounds {
	b := make(Bounds, n)
	for i := range b {
		b[i] = Bound{Name: string(rune('a' + i)), Min: lo, Max: hi}
	}
	return b
}

func testParams() Params {
	return Params{
		PopSize:               8,
		MaxGenerations:        10,
		MutationRate:          1,
		KeepElite:             2,
		MatingPoolSize:        4,
		CapturesPerEvaluation: 1,
		Bounds:                uniformBounds(3, -10, 10),
		Seed:                  42,
	}
}
