// Package config loads the optimizer configuration from YAML, layered over
// embedded defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/objective"
	"github.com/cwbudde/lightfit/internal/opt"
	"github.com/cwbudde/lightfit/internal/simulator"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds every tunable of a run.
type Config struct {
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	LBFGS       LBFGSConfig       `yaml:"lbfgs"`
	Objective   ObjectiveConfig   `yaml:"objective"`
	Constraints ConstraintsConfig `yaml:"constraints"`
	Reparam     ReparamConfig     `yaml:"reparam"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
	Store       StoreConfig       `yaml:"store"`
	Server      ServerConfig      `yaml:"server"`
}

// OptimizerConfig selects the driver and its generic settings.
type OptimizerConfig struct {
	Method        string  `yaml:"method"`
	StepSize      float64 `yaml:"step_size"`
	MaxIterations int     `yaml:"max_iterations"`
	Tolerance     float64 `yaml:"tolerance"`
	FDStep        float64 `yaml:"fd_step"`
	FDAdamStep    float64 `yaml:"fd_adam_step"`

	AdamBeta1 float64 `yaml:"adam_beta1"`
	AdamBeta2 float64 `yaml:"adam_beta2"`
	AdamEps   float64 `yaml:"adam_eps"`

	CMAESPopulation  int   `yaml:"cmaes_population"`
	MayflyPopulation int   `yaml:"mayfly_population"`
	MayflySeed       int64 `yaml:"mayfly_seed"`

	BoundsLower float64 `yaml:"bounds_lower"`
	BoundsUpper float64 `yaml:"bounds_upper"`
}

// LBFGSConfig mirrors opt.LBFGSParams.
type LBFGSConfig struct {
	M             int     `yaml:"m"`
	Epsilon       float64 `yaml:"epsilon"`
	Past          int     `yaml:"past"`
	Delta         float64 `yaml:"delta"`
	LineSearch    string  `yaml:"line_search"`
	MaxLineSearch int     `yaml:"max_line_search"`
	MinStep       float64 `yaml:"min_step"`
	MaxStep       float64 `yaml:"max_step"`
	FTol          float64 `yaml:"ftol"`
	Wolfe         float64 `yaml:"wolfe"`
	RemoveNewest  bool    `yaml:"remove_newest"`
	RemoveOldest  bool    `yaml:"remove_oldest"`
}

// ObjectiveConfig selects the objective function.
type ObjectiveConfig struct {
	Kind           string    `yaml:"kind"`
	ChannelWeights []float64 `yaml:"channel_weights"`
	UseAlbedo      bool      `yaml:"use_albedo"`
	// TargetWeight > 0 replaces every per-vertex target weight.
	TargetWeight float64 `yaml:"target_weight"`
}

// ConstraintsConfig holds the penalty factors; negative disables a term.
type ConstraintsConfig struct {
	AABBPenalty      float64 `yaml:"aabb_penalty"`
	IntensityPenalty float64 `yaml:"intensity_penalty"`
}

type ReparamConfig struct {
	QuadraticIntensity bool    `yaml:"quadratic_intensity"`
	ConeScale1         float64 `yaml:"cone_scale1"`
	ConeScale2         float64 `yaml:"cone_scale2"`
}

type SimulatorConfig struct {
	Tracer       string  `yaml:"tracer"`
	Gain         float64 `yaml:"gain"`
	ConstantSeed bool    `yaml:"constant_seed"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// CheckpointInterval is a Go duration such as "30s". Empty or "0"
	// saves checkpoints only when a run ends.
	CheckpointInterval string `yaml:"checkpoint_interval"`
}

// Interval parses CheckpointInterval.
func (c ServerConfig) Interval() (time.Duration, error) {
	if c.CheckpointInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CheckpointInterval)
	if err != nil {
		return 0, fmt.Errorf("server.checkpoint_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("server.checkpoint_interval: negative duration %s", d)
	}
	return d, nil
}

// Default returns the embedded defaults.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load reads a YAML file over the embedded defaults. Keys missing from the
// file keep their default. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := opt.ParseMethod(c.Optimizer.Method); err != nil {
		errs = append(errs, err)
	}
	if c.Optimizer.StepSize < 0 {
		errs = append(errs, fmt.Errorf("optimizer.step_size must not be negative, got %g", c.Optimizer.StepSize))
	}
	if _, err := c.lbfgsParams(); err != nil {
		errs = append(errs, err)
	}
	if _, err := objective.ParseKind(c.Objective.Kind); err != nil {
		errs = append(errs, err)
	}
	if n := len(c.Objective.ChannelWeights); n != 0 && n != 3 {
		errs = append(errs, fmt.Errorf("objective.channel_weights needs 3 entries, got %d", n))
	}
	switch simulator.Kind(c.Simulator.Tracer) {
	case simulator.KindLinear, simulator.KindPoint:
	default:
		errs = append(errs, fmt.Errorf("unknown tracer %q", c.Simulator.Tracer))
	}
	if c.Store.DataDir == "" {
		errs = append(errs, errors.New("store.data_dir is empty"))
	}
	if _, err := c.Server.Interval(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) lbfgsParams() (opt.LBFGSParams, error) {
	ls, err := opt.ParseLineSearch(c.LBFGS.LineSearch)
	if err != nil {
		return opt.LBFGSParams{}, err
	}
	p := opt.LBFGSParams{
		M:             c.LBFGS.M,
		Epsilon:       c.LBFGS.Epsilon,
		Past:          c.LBFGS.Past,
		Delta:         c.LBFGS.Delta,
		MaxIterations: c.Optimizer.MaxIterations,
		LineSearch:    ls,
		MaxLineSearch: c.LBFGS.MaxLineSearch,
		MinStep:       c.LBFGS.MinStep,
		MaxStep:       c.LBFGS.MaxStep,
		FTol:          c.LBFGS.FTol,
		Wolfe:         c.LBFGS.Wolfe,
		InitStep:      c.Optimizer.StepSize,
		RemoveNewest:  c.LBFGS.RemoveNewest,
		RemoveOldest:  c.LBFGS.RemoveOldest,
	}
	if p.InitStep == 0 {
		p.InitStep = opt.DefaultStepSize
	}
	if err := p.Validate(); err != nil {
		return opt.LBFGSParams{}, err
	}
	return p, nil
}

// OptimizerOptions converts the configuration into orchestrator options.
func (c *Config) OptimizerOptions() (lighttrace.Options, error) {
	if err := c.Validate(); err != nil {
		return lighttrace.Options{}, err
	}
	method, _ := opt.ParseMethod(c.Optimizer.Method)
	kind, _ := objective.ParseKind(c.Objective.Kind)
	lbfgs, _ := c.lbfgsParams()

	o := c.Optimizer
	return lighttrace.Options{
		Method: method,
		Driver: opt.Options{
			StepSize:      o.StepSize,
			MaxIterations: o.MaxIterations,
			Tolerance:     o.Tolerance,
			FDStep:        o.FDStep,
			FDAdamStep:    o.FDAdamStep,
			Adam:          opt.AdamParams{Beta1: o.AdamBeta1, Beta2: o.AdamBeta2, Eps: o.AdamEps},
			LBFGS:         lbfgs,
			CMAES:         opt.CMAESParams{Population: o.CMAESPopulation},
			Mayfly:        opt.MayflyParams{Population: o.MayflyPopulation, Seed: o.MayflySeed},
		},
		Objective: objective.Options{
			Kind:           kind,
			ChannelWeights: c.Objective.ChannelWeights,
			UseAlbedo:      c.Objective.UseAlbedo,
		},
		QuadraticIntensity: c.Reparam.QuadraticIntensity,
		ConeScale1:         c.Reparam.ConeScale1,
		ConeScale2:         c.Reparam.ConeScale2,
		AABBPenalty:        c.Constraints.AABBPenalty,
		IntensityPenalty:   c.Constraints.IntensityPenalty,
		ConstantSeed:       c.Simulator.ConstantSeed,
		BoundsLower:        o.BoundsLower,
		BoundsUpper:        o.BoundsUpper,
	}, nil
}

// Tracer builds the configured reference tracer.
func (c *Config) Tracer() (simulator.Tracer, error) {
	return simulator.New(simulator.Kind(c.Simulator.Tracer), c.Simulator.Gain)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
