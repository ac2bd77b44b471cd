// Package optimize runs the hardware-in-the-loop genetic search over
// controller gains.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/monitoring"
	"github.com/banshee-data/phasetune/internal/signal"
	"github.com/banshee-data/phasetune/internal/timeutil"
)

var logf = monitoring.Tagged("optimize")

// ErrAborted is returned by Run when the run was stopped by Abort or by
// context cancellation. The partial Result is still returned.
var ErrAborted = errors.New("optimization aborted")

// Evaluator converts a trace into a fitness. Implementations must be total.
type Evaluator interface {
	Evaluate(tr signal.Trace) float64
	Worst() float64
}

// State is the loop's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateEvaluating
	StateRanking
	StateRecording
	StateEvolving
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateEvaluating:
		return "evaluating"
	case StateRanking:
		return "ranking"
	case StateRecording:
		return "recording"
	case StateEvolving:
		return "evolving"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TerminationReason says why a run stopped.
type TerminationReason string

const (
	ReasonMaxGenerations TerminationReason = "max_generations"
	ReasonConverged      TerminationReason = "converged"
	ReasonAborted        TerminationReason = "aborted"
)

// Params are the resolved engine settings.
type Params struct {
	PopSize               int
	MaxGenerations        int
	MutationRate          float64
	KeepElite             int
	MatingPoolSize        int
	CapturesPerEvaluation int
	EvaluationTimeout     time.Duration // zero disables the per-individual timeout
	Bounds                Bounds
	Epsilon               float64
	Patience              int // zero disables convergence
	ApplyBest             bool
	Seed                  uint64 // zero picks a random seed
}

// ParamsFromConfig resolves cfg into engine parameters.
func ParamsFromConfig(cfg *config.OptimizerConfig) (Params, error) {
	if err := cfg.Validate(); err != nil {
		return Params{}, err
	}
	return Params{
		PopSize:               cfg.GetPopSize(),
		MaxGenerations:        cfg.GetMaxGenerations(),
		MutationRate:          cfg.GetMutationRate(),
		KeepElite:             cfg.GetKeepElite(),
		MatingPoolSize:        cfg.GetMatingPoolSize(),
		CapturesPerEvaluation: cfg.GetCapturesPerEvaluation(),
		EvaluationTimeout:     cfg.GetEvaluationTimeout(),
		Bounds:                BoundsFromConfig(cfg.GetBounds()),
		Epsilon:               cfg.Convergence.GetEpsilon(),
		Patience:              cfg.Convergence.GetPatience(),
		ApplyBest:             cfg.GetApplyBest(),
		Seed:                  cfg.GetSeed(),
	}, nil
}

// Validate checks the parameters. Errors are *config.Error.
func (p Params) Validate() error {
	if p.PopSize < 2 {
		return &config.Error{Field: "pop_size", Reason: fmt.Sprintf("must be at least 2, got %d", p.PopSize)}
	}
	if p.MaxGenerations < 1 {
		return &config.Error{Field: "max_generations", Reason: fmt.Sprintf("must be at least 1, got %d", p.MaxGenerations)}
	}
	if p.CapturesPerEvaluation < 1 {
		return &config.Error{Field: "captures_per_evaluation", Reason: fmt.Sprintf("must be at least 1, got %d", p.CapturesPerEvaluation)}
	}
	if p.Epsilon < 0 || p.Patience < 0 {
		return &config.Error{Field: "convergence", Reason: "epsilon and patience must be non-negative"}
	}
	if err := p.Bounds.Validate(); err != nil {
		return err
	}
	return p.strategy().Validate(p.PopSize)
}

func (p Params) strategy() BlendStrategy {
	return BlendStrategy{KeepElite: p.KeepElite, MatingPoolSize: p.MatingPoolSize, MutationRate: p.MutationRate}
}

// Result is the outcome of a run.
type Result struct {
	Best         ParameterVector
	BestFitness  float64
	Generations  int
	Evaluations  int
	Failures     int
	Reason       TerminationReason
	Verification *float64 // fitness of the best vector re-applied after the run
	Record       *RunLog

	// Partial holds the individuals evaluated in a generation that an abort
	// cut short, in evaluation order. They are not in Record.
	Partial []Individual
}

// Progress is a point-in-time view of a running loop.
type Progress struct {
	State          State
	Generation     int
	MaxGenerations int
	Evaluated      int // individuals evaluated in the current generation
	PopSize        int
	BestFitness    float64
	Best           ParameterVector
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for timestamps and durations.
func WithClock(c timeutil.Clock) Option { return func(l *Loop) { l.clock = c } }

// WithSampler replaces the first-generation sampler (uniform by default).
func WithSampler(s Sampler) Option { return func(l *Loop) { l.sampler = s } }

// WithStrategy replaces the evolution strategy.
func WithStrategy(s Strategy) Option { return func(l *Loop) { l.strategy = s } }

// WithObserver registers a callback run after each recorded generation,
// on the loop goroutine.
func WithObserver(f func(GenerationSummary)) Option {
	return func(l *Loop) { l.observers = append(l.observers, f) }
}

// Loop drives the generational search. A Loop runs once.
type Loop struct {
	params    Params
	channel   HardwareChannel
	eval      Evaluator
	sampler   Sampler
	strategy  Strategy
	clock     timeutil.Clock
	rng       *rand.Rand
	observers []func(GenerationSummary)
	record    *RunLog

	aborted atomic.Bool
	started atomic.Bool

	mu       sync.RWMutex
	progress Progress
}

// NewLoop validates params and returns a loop ready to Run. Invalid
// parameters fail here, before any hardware is touched.
func NewLoop(params Params, channel HardwareChannel, eval Evaluator, opts ...Option) (*Loop, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, &config.Error{Field: "hardware", Reason: "no hardware channel"}
	}
	if eval == nil {
		return nil, &config.Error{Field: "fitness_strategy", Reason: "no fitness evaluator"}
	}

	seed := params.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	l := &Loop{
		params:   params,
		channel:  channel,
		eval:     eval,
		sampler:  UniformSampler{},
		strategy: params.strategy(),
		clock:    timeutil.RealClock{},
		rng:      rand.New(rand.NewPCG(seed, seed)),
		record:   NewRunLog(params.Bounds.Names()),
		progress: Progress{
			State:          StateIdle,
			MaxGenerations: params.MaxGenerations,
			PopSize:        params.PopSize,
			BestFitness:    math.Inf(-1),
		},
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Abort asks the loop to stop at the next individual boundary. An
// in-flight capture is allowed to finish.
func (l *Loop) Abort() { l.aborted.Store(true) }

// Record returns the live run log.
func (l *Loop) Record() *RunLog { return l.record }

// Progress returns a snapshot of the loop's position.
func (l *Loop) Progress() Progress {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.progress
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.progress.State = s
	l.mu.Unlock()
}

func (l *Loop) stopRequested(ctx context.Context) bool {
	return l.aborted.Load() || ctx.Err() != nil
}

// Run executes the search until max generations, convergence or abort.
// On abort the partial result is returned together with ErrAborted.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	if !l.started.CompareAndSwap(false, true) {
		return nil, errors.New("optimize: loop already run")
	}
	l.setState(StateInitializing)
	logf("starting: pop=%d generations=%d genes=%d", l.params.PopSize, l.params.MaxGenerations, len(l.params.Bounds))

	pop, err := InitializePopulation(l.params.PopSize, l.params.Bounds, l.sampler, l.rng)
	if err != nil {
		l.setState(StateTerminated)
		return nil, err
	}

	if r, ok := l.channel.(Resetter); ok {
		if err := r.Reset(context.WithoutCancel(ctx)); err != nil {
			logf("controller reset failed, continuing: %v", err)
		}
	}

	res := &Result{BestFitness: math.Inf(-1), Record: l.record}
	haveBest := false

	for gen := 1; ; gen++ {
		started := l.clock.Now()
		l.mu.Lock()
		l.progress.State = StateEvaluating
		l.progress.Generation = gen
		l.progress.Evaluated = 0
		l.mu.Unlock()

		evaluated := make([]Individual, 0, pop.Len())
		for i := 0; i < pop.Len(); i++ {
			if l.stopRequested(ctx) {
				res.Partial = evaluated
				return l.finish(res, ReasonAborted), ErrAborted
			}
			ind := l.evaluate(ctx, pop.At(i).Params)
			res.Evaluations++
			if ind.Status == StatusFailed {
				res.Failures++
			}
			evaluated = append(evaluated, ind)
			l.mu.Lock()
			l.progress.Evaluated = i + 1
			l.mu.Unlock()
		}
		pop = &Population{members: evaluated}

		l.setState(StateRanking)
		ranked := pop.Ranked()
		top := ranked.At(0)
		if !haveBest || top.Fitness > res.BestFitness {
			res.Best, res.BestFitness = top.Params, top.Fitness
			haveBest = true
		}

		l.setState(StateRecording)
		mean, failed := ranked.Stats()
		summary := GenerationSummary{
			Generation:        gen,
			BestFitness:       top.Fitness,
			BestParameters:    top.Params,
			GlobalBestFitness: res.BestFitness,
			MeanFitness:       mean,
			Failed:            failed,
			Individuals:       pop.Members(),
			StartedAt:         started,
			FinishedAt:        l.clock.Now(),
		}
		if err := l.record.Append(summary); err != nil {
			l.setState(StateTerminated)
			return res, err
		}
		res.Generations = gen
		l.mu.Lock()
		l.progress.Best, l.progress.BestFitness = res.Best, res.BestFitness
		l.mu.Unlock()
		logf("generation %d/%d: best=%.6g global=%.6g failed=%d %s",
			gen, l.params.MaxGenerations, top.Fitness, res.BestFitness, failed, top.Params)
		for _, o := range l.observers {
			o(summary.clone())
		}

		if gen >= l.params.MaxGenerations {
			return l.finishWithVerification(ctx, res, ReasonMaxGenerations), nil
		}
		if l.converged() {
			return l.finishWithVerification(ctx, res, ReasonConverged), nil
		}

		l.setState(StateEvolving)
		next, err := l.strategy.Evolve(ranked, l.rng)
		if err != nil {
			l.setState(StateTerminated)
			return res, err
		}
		pop = next
	}
}

// converged reports whether the best-so-far fitness improved by no more
// than epsilon over the last patience generations.
func (l *Loop) converged() bool {
	p := l.params.Patience
	if p <= 0 {
		return false
	}
	traj := l.record.GlobalBestTrajectory()
	if len(traj) <= p {
		return false
	}
	last, ref := traj[len(traj)-1], traj[len(traj)-1-p]
	if math.IsInf(last, -1) {
		return false
	}
	return last-ref <= l.params.Epsilon
}

func (l *Loop) finish(res *Result, reason TerminationReason) *Result {
	res.Reason = reason
	l.setState(StateTerminated)
	logf("terminated (%s) after %d generations: best=%.6g %s", reason, res.Generations, res.BestFitness, res.Best)
	return res
}

func (l *Loop) finishWithVerification(ctx context.Context, res *Result, reason TerminationReason) *Result {
	if l.params.ApplyBest && !res.Best.IsZero() {
		ind := l.evaluate(ctx, res.Best)
		if ind.Status == StatusOK {
			v := ind.Fitness
			res.Verification = &v
			logf("best re-applied: fitness=%.6g", v)
		} else {
			logf("best re-apply failed: %s", ind.Err)
		}
	}
	return l.finish(res, reason)
}

// evaluate applies v, captures and scores it. Hardware failures mark the
// individual failed; they never escape. The capture context ignores the
// caller's cancellation so an abort never cuts a capture short.
func (l *Loop) evaluate(ctx context.Context, v ParameterVector) Individual {
	start := l.clock.Now()
	hwCtx := context.WithoutCancel(ctx)
	ind := Individual{Params: v, Status: StatusOK}

	var sum float64
	for c := 0; c < l.params.CapturesPerEvaluation; c++ {
		cctx, cancel := hwCtx, context.CancelFunc(func() {})
		if l.params.EvaluationTimeout > 0 {
			cctx, cancel = context.WithTimeout(hwCtx, l.params.EvaluationTimeout)
		}
		tr, err := l.channel.ApplyAndCapture(cctx, v)
		cancel()
		if err != nil {
			hwErr := AsHardwareError("capture", err)
			logf("evaluation failed for %s: %v", v, hwErr)
			ind.Status = StatusFailed
			ind.Err = hwErr.Error()
			ind.Fitness = l.eval.Worst()
			ind.Duration = l.clock.Since(start)
			return ind
		}
		sum += l.eval.Evaluate(tr)
	}
	ind.Fitness = sum / float64(l.params.CapturesPerEvaluation)
	if math.IsNaN(ind.Fitness) {
		ind.Fitness = l.eval.Worst()
	}
	ind.Duration = l.clock.Since(start)
	return ind
}
