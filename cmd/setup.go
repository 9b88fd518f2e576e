package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/lightfit/internal/config"
	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/opt"
	"github.com/cwbudde/lightfit/internal/scene"
	"github.com/cwbudde/lightfit/internal/store"
)

// driverFlags are the optimizer overrides shared by run, resume and serve.
type driverFlags struct {
	method   string
	stepSize float64
	iters    int
}

func (f *driverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.method, "method", "", "Optimizer: lbfgs, gd, adam, fd-forward, fd-central, fd-adam, cmaes, mayfly")
	cmd.Flags().Float64Var(&f.stepSize, "step", 0, "Step size (0 = config value)")
	cmd.Flags().IntVar(&f.iters, "iters", 0, "Max iterations (0 = config value)")
}

func (f *driverFlags) apply(cfg *config.Config) {
	if f.method != "" {
		cfg.Optimizer.Method = f.method
	}
	if f.stepSize > 0 {
		cfg.Optimizer.StepSize = f.stepSize
	}
	if f.iters > 0 {
		cfg.Optimizer.MaxIterations = f.iters
	}
}

// loadConfig reads --config over the embedded defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		slog.Info("Loaded config", "path", configPath)
	}
	return cfg, nil
}

// newOptimizer loads a scene and builds an optimizer for it from cfg.
func newOptimizer(cfg *config.Config, scenePath string) (*lighttrace.Optimizer, lighttrace.Options, error) {
	opts, err := cfg.OptimizerOptions()
	if err != nil {
		return nil, opts, fmt.Errorf("invalid config: %w", err)
	}
	tracer, err := cfg.Tracer()
	if err != nil {
		return nil, opts, err
	}
	sc, err := scene.Load(scenePath)
	if err != nil {
		return nil, opts, err
	}
	o := lighttrace.New(sc, tracer, opts)
	if w := cfg.Objective.TargetWeight; w > 0 {
		if err := o.SetTargetWeights(w); err != nil {
			return nil, opts, err
		}
	}
	slog.Info("Loaded scene",
		"path", scenePath,
		"lights", len(sc.Lights),
		"meshes", len(sc.Meshes),
		"vertices", sc.VertexCount(),
		"params", len(o.Labels()),
	)
	return o, opts, nil
}

func runConfigFor(cfg *config.Config, scenePath string, o lighttrace.Options) store.RunConfig {
	return store.RunConfig{
		ScenePath:          scenePath,
		Method:             o.Method.ID(),
		Objective:          o.Objective.Kind.String(),
		Tracer:             cfg.Simulator.Tracer,
		StepSize:           o.Driver.StepSize,
		MaxIterations:      o.Driver.MaxIterations,
		QuadraticIntensity: o.QuadraticIntensity,
		AABBPenalty:        o.AABBPenalty,
		IntensityPenalty:   o.IntensityPenalty,
	}
}

// recorder streams the improvements of a CLI run into the store.
type recorder struct {
	runID string
	trace *store.TraceWriter
	rows  []store.HistoryRow
	first float64
}

func newRecorder(st *store.FSStore, runID string, appendTrace bool) (*recorder, error) {
	tw, err := store.NewTraceWriter(st.BaseDir(), runID, appendTrace)
	if err != nil {
		return nil, err
	}
	return &recorder{runID: runID, trace: tw}, nil
}

func (r *recorder) improve(imp lighttrace.Improvement) {
	if imp.Index == 0 {
		r.first = imp.Phi
	}
	r.rows = append(r.rows, store.HistoryRow{Index: imp.Index, Objective: imp.Phi, Params: store.Vector(imp.Params)})
	entry := store.TraceEntry{Index: imp.Index, Objective: imp.Phi, Timestamp: time.Now(), Params: imp.Params}
	if err := r.trace.Write(entry); err != nil {
		slog.Warn("Failed to write trace entry", "run_id", r.runID, "error", err)
	}
	slog.Debug("Improvement", "index", imp.Index, "objective", imp.Phi)
}

// finish closes the trace, writes history.csv and the final checkpoint.
func (r *recorder) finish(st *store.FSStore, rc store.RunConfig, res lighttrace.Result, runErr error, cancelled bool) error {
	if err := r.trace.Close(); err != nil {
		slog.Warn("Failed to close trace", "run_id", r.runID, "error", err)
	}
	if err := store.WriteHistory(st.BaseDir(), r.runID, r.rows); err != nil {
		return err
	}
	if len(res.Params) == 0 {
		slog.Warn("No parameters optimized, skipping checkpoint", "run_id", r.runID)
		return nil
	}
	cp := store.NewCheckpoint(r.runID, res.Params, res.Labels, res.BestObjective, r.first, rc)
	cp.LastPhi = res.LastPhi
	cp.Iterations = res.Iterations
	cp.Evaluations = res.Evaluations
	switch {
	case runErr != nil:
		cp.Status = store.StatusFailed
		cp.Error = runErr.Error()
	case cancelled:
		cp.Status = store.StatusCancelled
	default:
		cp.Status = store.StatusCompleted
	}
	return st.SaveCheckpoint(r.runID, cp)
}

func newRunID() string { return uuid.NewString() }

// methodName prints the display name of a method ID.
func methodName(id string) string {
	m, err := opt.ParseMethod(id)
	if err != nil {
		return id
	}
	return m.String()
}
