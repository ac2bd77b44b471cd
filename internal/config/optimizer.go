package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical optimizer defaults file.
const DefaultConfigPath = "config/optimizer.defaults.json"

// GainRange is the magnitude of the controller's signed 14-bit gain registers.
const GainRange = 8192

// DeviceFullScale converts device setpoint counts to the normalised units
// captured traces are reported in.
const DeviceFullScale = 16384

// Error reports an invalid configuration value. It is returned before any
// hardware is touched.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// GeneBound names one tunable gain and its inclusive range.
type GeneBound struct {
	Name string  `json:"name" yaml:"name"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
}

// OptimizerConfig is the root configuration of an optimization run. Every
// field is optional; the Get* methods supply defaults for anything omitted
// so partial files are safe.
type OptimizerConfig struct {
	Seed                  *uint64  `json:"seed,omitempty" yaml:"seed,omitempty"`
	PopSize               *int     `json:"pop_size,omitempty" yaml:"pop_size,omitempty"`
	MaxGenerations        *int     `json:"max_generations,omitempty" yaml:"max_generations,omitempty"`
	MutationRate          *float64 `json:"mutation_rate,omitempty" yaml:"mutation_rate,omitempty"`
	KeepElite             *int     `json:"keep_elite,omitempty" yaml:"keep_elite,omitempty"`
	MatingPoolSize        *int     `json:"mating_pool_size,omitempty" yaml:"mating_pool_size,omitempty"`
	CapturesPerEvaluation *int     `json:"captures_per_evaluation,omitempty" yaml:"captures_per_evaluation,omitempty"`
	EvaluationTimeout     *string  `json:"evaluation_timeout,omitempty" yaml:"evaluation_timeout,omitempty"` // duration string like "30s"
	ApplyBest             *bool    `json:"apply_best,omitempty" yaml:"apply_best,omitempty"`

	Bounds []GeneBound `json:"bounds,omitempty" yaml:"bounds,omitempty"`

	FitnessStrategy *string  `json:"fitness_strategy,omitempty" yaml:"fitness_strategy,omitempty"`
	Setpoint        *float64 `json:"setpoint,omitempty" yaml:"setpoint,omitempty"`

	Sampling    *SamplingConfig    `json:"sampling,omitempty" yaml:"sampling,omitempty"`
	Fitness     *FitnessConfig     `json:"fitness,omitempty" yaml:"fitness,omitempty"`
	Convergence *ConvergenceConfig `json:"convergence,omitempty" yaml:"convergence,omitempty"`
	Hardware    *HardwareConfig    `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Storage     *StorageConfig     `json:"storage,omitempty" yaml:"storage,omitempty"`
}

// SamplingConfig controls how the first generation is drawn.
type SamplingConfig struct {
	Strategy *string   `json:"strategy,omitempty" yaml:"strategy,omitempty"` // "uniform" or "gaussian"
	StdDev   []float64 `json:"std_dev,omitempty" yaml:"std_dev,omitempty"`
}

// FitnessConfig holds the options of the individual fitness strategies.
type FitnessConfig struct {
	IncludeDerivative *bool    `json:"include_derivative,omitempty" yaml:"include_derivative,omitempty"`
	Mean              *bool    `json:"mean,omitempty" yaml:"mean,omitempty"`
	CutoffHz          *float64 `json:"cutoff_hz,omitempty" yaml:"cutoff_hz,omitempty"`
	SegmentLength     *int     `json:"segment_length,omitempty" yaml:"segment_length,omitempty"`
	Statistic         *string  `json:"statistic,omitempty" yaml:"statistic,omitempty"` // "hf_fraction" or "hf_power"
	LockWidth         *float64 `json:"lock_width,omitempty" yaml:"lock_width,omitempty"`
	WorstValue        *float64 `json:"worst_value,omitempty" yaml:"worst_value,omitempty"`
}

// ConvergenceConfig enables early termination when the best fitness stops
// improving. A zero patience disables it.
type ConvergenceConfig struct {
	Epsilon  *float64 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
	Patience *int     `json:"patience,omitempty" yaml:"patience,omitempty"`
}

// StorageConfig locates the run database.
type StorageConfig struct {
	DBPath *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// EmptyOptimizerConfig returns a config with every field unset.
func EmptyOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{}
}

// LoadOptimizerConfig reads a JSON or YAML config file and validates it.
func LoadOptimizerConfig(path string) (*OptimizerConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyOptimizerConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", strings.TrimPrefix(ext, "."), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so it works from any package under the repo. Intended for
// test setup.
func MustLoadDefaultConfig() *OptimizerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadOptimizerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field and the relationships between them.
// The returned error is always a *Error.
func (c *OptimizerConfig) Validate() error {
	popSize := c.GetPopSize()
	if popSize < 2 {
		return invalid("pop_size", "must be at least 2, got %d", popSize)
	}
	if g := c.GetMaxGenerations(); g < 1 {
		return invalid("max_generations", "must be at least 1, got %d", g)
	}
	if r := c.GetMutationRate(); r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return invalid("mutation_rate", "must be a finite non-negative number, got %v", r)
	}
	if k := c.GetKeepElite(); k < 0 || k >= popSize {
		return invalid("keep_elite", "must be in [0, pop_size), got %d", k)
	}
	if m := c.GetMatingPoolSize(); m < 1 || m > popSize {
		return invalid("mating_pool_size", "must be in [1, pop_size], got %d", m)
	}
	if n := c.GetCapturesPerEvaluation(); n < 1 {
		return invalid("captures_per_evaluation", "must be at least 1, got %d", n)
	}
	if c.EvaluationTimeout != nil && *c.EvaluationTimeout != "" {
		d, err := time.ParseDuration(*c.EvaluationTimeout)
		if err != nil {
			return invalid("evaluation_timeout", "invalid duration %q", *c.EvaluationTimeout)
		}
		if d < 0 {
			return invalid("evaluation_timeout", "must not be negative, got %s", d)
		}
	}

	bounds := c.GetBounds()
	if len(bounds) == 0 {
		return invalid("bounds", "at least one gene is required")
	}
	for i, b := range bounds {
		if math.IsNaN(b.Min) || math.IsNaN(b.Max) || math.IsInf(b.Min, 0) || math.IsInf(b.Max, 0) {
			return invalid(fmt.Sprintf("bounds[%d]", i), "limits must be finite")
		}
		if b.Min > b.Max {
			return invalid(fmt.Sprintf("bounds[%d]", i), "min %v exceeds max %v", b.Min, b.Max)
		}
	}

	switch s := c.Sampling.GetStrategy(); s {
	case SamplingUniform:
	case SamplingGaussian:
		std := c.Sampling.GetStdDev(len(bounds))
		if len(std) != len(bounds) {
			return invalid("sampling.std_dev", "has %d entries for %d genes", len(std), len(bounds))
		}
		for i, s := range std {
			if s < 0 || math.IsNaN(s) {
				return invalid(fmt.Sprintf("sampling.std_dev[%d]", i), "must be non-negative, got %v", s)
			}
		}
	default:
		return invalid("sampling.strategy", "unknown strategy %q", s)
	}

	if c.Setpoint != nil && (math.IsNaN(*c.Setpoint) || math.IsInf(*c.Setpoint, 0)) {
		return invalid("setpoint", "must be finite, got %v", *c.Setpoint)
	}
	switch s := c.GetFitnessStrategy(); s {
	case FitnessDispersion, FitnessFrequencyDomain:
	case FitnessTrackingError:
		if c.Setpoint == nil {
			return invalid("setpoint", "required for the %s strategy", s)
		}
	case FitnessLockWindow:
		if c.Setpoint == nil {
			return invalid("setpoint", "required for the %s strategy", s)
		}
		if c.Fitness.GetLockWidth() <= 0 {
			return invalid("fitness.lock_width", "must be positive for the %s strategy", s)
		}
	default:
		return invalid("fitness_strategy", "unknown strategy %q", s)
	}
	if n := c.Fitness.GetSegmentLength(); n < 8 {
		return invalid("fitness.segment_length", "must be at least 8, got %d", n)
	}
	if s := c.Fitness.GetStatistic(); s != StatisticHFFraction && s != StatisticHFPower {
		return invalid("fitness.statistic", "unknown statistic %q", s)
	}
	if c.Fitness != nil && c.Fitness.CutoffHz != nil && *c.Fitness.CutoffHz <= 0 {
		return invalid("fitness.cutoff_hz", "must be positive, got %v", *c.Fitness.CutoffHz)
	}
	if w := c.Fitness.GetWorstValue(); math.IsNaN(w) {
		return invalid("fitness.worst_value", "must not be NaN")
	}

	if e := c.Convergence.GetEpsilon(); e < 0 || math.IsNaN(e) {
		return invalid("convergence.epsilon", "must be non-negative, got %v", e)
	}
	if p := c.Convergence.GetPatience(); p < 0 {
		return invalid("convergence.patience", "must be non-negative, got %d", p)
	}

	if err := c.Hardware.validate(len(bounds)); err != nil {
		return err
	}
	return nil
}

// Strategy names accepted by the config.
const (
	SamplingUniform  = "uniform"
	SamplingGaussian = "gaussian"

	FitnessDispersion      = "dispersion"
	FitnessTrackingError   = "tracking_error"
	FitnessFrequencyDomain = "frequency_domain"
	FitnessLockWindow      = "lock_window"

	StatisticHFFraction = "hf_fraction"
	StatisticHFPower    = "hf_power"
)

// GetSeed returns the RNG seed. Zero means "pick one at random".
func (c *OptimizerConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetPopSize returns pop_size or the default of 10.
func (c *OptimizerConfig) GetPopSize() int {
	if c.PopSize == nil {
		return 10
	}
	return *c.PopSize
}

// GetMaxGenerations returns max_generations or the default of 15.
func (c *OptimizerConfig) GetMaxGenerations() int {
	if c.MaxGenerations == nil {
		return 15
	}
	return *c.MaxGenerations
}

// GetMutationRate returns the mutation standard deviation in gain units.
func (c *OptimizerConfig) GetMutationRate() float64 {
	if c.MutationRate == nil {
		return 500
	}
	return *c.MutationRate
}

// GetKeepElite returns the number of elites carried over unchanged.
func (c *OptimizerConfig) GetKeepElite() int {
	if c.KeepElite == nil {
		return 2
	}
	return *c.KeepElite
}

// GetMatingPoolSize returns mating_pool_size, defaulting to half the
// population (at least one).
func (c *OptimizerConfig) GetMatingPoolSize() int {
	if c.MatingPoolSize == nil {
		return max(1, c.GetPopSize()/2)
	}
	return *c.MatingPoolSize
}

// GetCapturesPerEvaluation returns how many captures are averaged per individual.
func (c *OptimizerConfig) GetCapturesPerEvaluation() int {
	if c.CapturesPerEvaluation == nil {
		return 1
	}
	return *c.CapturesPerEvaluation
}

// GetEvaluationTimeout returns the per-individual hardware timeout.
func (c *OptimizerConfig) GetEvaluationTimeout() time.Duration {
	if c.EvaluationTimeout == nil || *c.EvaluationTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.EvaluationTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetApplyBest reports whether the best vector is re-applied after the run.
func (c *OptimizerConfig) GetApplyBest() bool {
	return c.ApplyBest != nil && *c.ApplyBest
}

// GetBounds returns the gene bounds, defaulting to kp/ki/kd over the full
// signed gain range.
func (c *OptimizerConfig) GetBounds() []GeneBound {
	if len(c.Bounds) == 0 {
		return []GeneBound{
			{Name: "kp", Min: -GainRange, Max: GainRange},
			{Name: "ki", Min: -GainRange, Max: GainRange},
			{Name: "kd", Min: -GainRange, Max: GainRange},
		}
	}
	out := make([]GeneBound, len(c.Bounds))
	copy(out, c.Bounds)
	return out
}

// GetFitnessStrategy returns fitness_strategy or "dispersion".
func (c *OptimizerConfig) GetFitnessStrategy() string {
	if c.FitnessStrategy == nil || *c.FitnessStrategy == "" {
		return FitnessDispersion
	}
	return *c.FitnessStrategy
}

// GetSetpoint returns the fitness setpoint, or NaN when unset. Validate
// requires it for the strategies that score against it.
func (c *OptimizerConfig) GetSetpoint() float64 {
	if c.Setpoint != nil {
		return *c.Setpoint
	}
	return math.NaN()
}

// GetStrategy returns the sampling strategy, "gaussian" by default.
func (s *SamplingConfig) GetStrategy() string {
	if s == nil || s.Strategy == nil || *s.Strategy == "" {
		return SamplingGaussian
	}
	return *s.Strategy
}

// GetStdDev returns per-gene standard deviations for gaussian sampling. The
// default matches the controller's usual proportional, integral and
// derivative scales; extra genes reuse the last entry.
func (s *SamplingConfig) GetStdDev(genes int) []float64 {
	if s != nil && len(s.StdDev) > 0 {
		out := make([]float64, len(s.StdDev))
		copy(out, s.StdDev)
		return out
	}
	base := []float64{4096, 4096, 256}
	out := make([]float64, genes)
	for i := range out {
		out[i] = base[(i%len(base))]
	}
	return out
}

func (f *FitnessConfig) GetIncludeDerivative() bool {
	return f != nil && f.IncludeDerivative != nil && *f.IncludeDerivative
}

func (f *FitnessConfig) GetMean() bool {
	return f != nil && f.Mean != nil && *f.Mean
}

// GetCutoffHz returns the spectral cutoff, or zero to let the scorer pick a
// fraction of the sample rate.
func (f *FitnessConfig) GetCutoffHz() float64 {
	if f == nil || f.CutoffHz == nil {
		return 0
	}
	return *f.CutoffHz
}

func (f *FitnessConfig) GetSegmentLength() int {
	if f == nil || f.SegmentLength == nil {
		return 1024
	}
	return *f.SegmentLength
}

func (f *FitnessConfig) GetStatistic() string {
	if f == nil || f.Statistic == nil || *f.Statistic == "" {
		return StatisticHFFraction
	}
	return *f.Statistic
}

func (f *FitnessConfig) GetLockWidth() float64 {
	if f == nil || f.LockWidth == nil {
		return 0
	}
	return *f.LockWidth
}

// GetWorstValue returns the sentinel fitness for failed evaluations.
func (f *FitnessConfig) GetWorstValue() float64 {
	if f == nil || f.WorstValue == nil {
		return math.Inf(-1)
	}
	return *f.WorstValue
}

func (c *ConvergenceConfig) GetEpsilon() float64 {
	if c == nil || c.Epsilon == nil {
		return 0
	}
	return *c.Epsilon
}

func (c *ConvergenceConfig) GetPatience() int {
	if c == nil || c.Patience == nil {
		return 0
	}
	return *c.Patience
}

// GetDBPath returns the sqlite path, "phasetune.db" by default.
func (s *StorageConfig) GetDBPath() string {
	if s == nil || s.DBPath == nil || *s.DBPath == "" {
		return "phasetune.db"
	}
	return *s.DBPath
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }
