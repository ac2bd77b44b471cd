// Package fitness turns captured traces into scalar scores. Higher is
// better everywhere: costs are negated so the optimizer only maximises.
package fitness

import (
	"fmt"
	"math"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/signal"
)

// Scorer computes a raw score for a trace. It may return NaN or ±Inf for
// traces it cannot judge; Evaluator maps those to the worst value.
type Scorer interface {
	Name() string
	Score(tr signal.Trace) float64
}

// Evaluator wraps a Scorer and makes it total: every trace gets a finite
// score or the configured worst value.
type Evaluator struct {
	scorer Scorer
	worst  float64
}

// NewEvaluator returns an Evaluator that reports worst for unusable traces.
func NewEvaluator(s Scorer, worst float64) *Evaluator {
	return &Evaluator{scorer: s, worst: worst}
}

// Evaluate scores tr. Empty, failed or non-finite traces, and non-finite
// scores, all yield the worst value.
func (e *Evaluator) Evaluate(tr signal.Trace) float64 {
	if tr.Failed || tr.Empty() || !tr.Finite() {
		return e.worst
	}
	v := e.scorer.Score(tr)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return e.worst
	}
	return v
}

// Worst returns the sentinel fitness for failed evaluations.
func (e *Evaluator) Worst() float64 { return e.worst }

// Strategy returns the name of the wrapped scorer.
func (e *Evaluator) Strategy() string { return e.scorer.Name() }

// FromConfig builds the evaluator selected by cfg.
func FromConfig(cfg *config.OptimizerConfig) (*Evaluator, error) {
	var s Scorer
	name := cfg.GetFitnessStrategy()
	if (name == config.FitnessTrackingError || name == config.FitnessLockWindow) && cfg.Setpoint == nil {
		return nil, &config.Error{Field: "setpoint", Reason: fmt.Sprintf("required for the %s strategy", name)}
	}
	switch name {
	case config.FitnessDispersion:
		s = Dispersion{}
	case config.FitnessTrackingError:
		s = TrackingError{
			Setpoint:          cfg.GetSetpoint(),
			IncludeDerivative: cfg.Fitness.GetIncludeDerivative(),
			Mean:              cfg.Fitness.GetMean(),
		}
	case config.FitnessFrequencyDomain:
		s = Spectral{
			CutoffHz:      cfg.Fitness.GetCutoffHz(),
			SegmentLength: cfg.Fitness.GetSegmentLength(),
			Statistic:     cfg.Fitness.GetStatistic(),
		}
	case config.FitnessLockWindow:
		s = LockWindow{
			Setpoint: cfg.GetSetpoint(),
			Width:    cfg.Fitness.GetLockWidth(),
			MinRun:   1,
		}
	default:
		return nil, &config.Error{Field: "fitness_strategy", Reason: fmt.Sprintf("unknown strategy %q", name)}
	}
	return NewEvaluator(s, cfg.Fitness.GetWorstValue()), nil
}
