// Package lighttrace drives inverse lighting: it maps the optimizable
// parameters of a scene's lights and emissive meshes to a vector, evaluates
// simulator, objective and constraints as one differentiable function of that
// vector, and runs an optimizer driver over it.
package lighttrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cwbudde/lightfit/internal/constraint"
	"github.com/cwbudde/lightfit/internal/objective"
	"github.com/cwbudde/lightfit/internal/opt"
	"github.com/cwbudde/lightfit/internal/param"
	"github.com/cwbudde/lightfit/internal/scene"
	"github.com/cwbudde/lightfit/internal/simulator"
)

// ErrRunning is returned by operations that would race with an active run.
var ErrRunning = errors.New("optimization is running")

// saddleEps is the amplitude below which the quadratic intensity map has a
// vanishing gradient.
const saddleEps = 1e-6

// Options configures an Optimizer.
type Options struct {
	Method    opt.Method
	Driver    opt.Options
	Objective objective.Options

	// QuadraticIntensity optimizes a = sqrt(2I) instead of I.
	QuadraticIntensity bool
	ConeScale1         float64
	ConeScale2         float64

	// Penalty factors; negative disables the constraint.
	AABBPenalty      float64
	IntensityPenalty float64

	// ConstantSeed keeps the tracer seed fixed across evaluations.
	ConstantSeed bool

	// BoundsLower < BoundsUpper bounds every parameter for CMA-ES and Mayfly.
	BoundsLower float64
	BoundsUpper float64
}

// DefaultOptions returns L-BFGS with the light defaults and no constraints.
func DefaultOptions() Options {
	return Options{
		Method:           opt.MethodLBFGS,
		Objective:        objective.Options{Kind: objective.KindMultiChannel},
		ConeScale1:       param.DefaultConeScale,
		ConeScale2:       param.DefaultConeScale,
		AABBPenalty:      -1,
		IntensityPenalty: -1,
	}
}

// Result summarizes one optimize call.
type Result struct {
	Method        opt.Method       `json:"method"`
	BestObjective float64          `json:"best_objective"`
	LastPhi       float64          `json:"last_phi"`
	Iterations    int              `json:"iterations"`
	Evaluations   int              `json:"evaluations"`
	Params        []float64        `json:"params"`
	Labels        []string         `json:"labels"`
	Duration      time.Duration    `json:"duration"`
	Check         *opt.CheckReport `json:"check,omitempty"`
}

// Improvement is reported for every new best objective of a run.
type Improvement struct {
	Index  int       `json:"index"`
	Phi    float64   `json:"phi"`
	Params []float64 `json:"params"`
}

// Optimizer owns the parameter table of a scene and runs optimizations on
// it. The scene and tracer are only touched by the goroutine running
// Optimize; history and best values may be read concurrently.
type Optimizer struct {
	sc     *scene.Scene
	tracer simulator.Tracer
	tbl    *param.Table
	opts   Options
	vec    *mapping

	fn          objective.Function
	constraints []constraint.Constraint
	seed        uint32

	radiance  []float64
	dRadiance []float64
	grads     []simulator.LightGrads
	texGrads  []float64
	fullGrad  []float64

	fwdTime, bwdTime   time.Duration
	fwdCount, bwdCount int

	// OnImprove is called from the run goroutine for every new best.
	OnImprove func(Improvement)

	mu         sync.Mutex
	running    bool
	history    [][]float64
	historyIdx int
	best       []float64
	bestPhi    float64
}

// New creates an optimizer for sc. Parameter flags are imported from the
// scene's optimizer_settings.
func New(sc *scene.Scene, tracer simulator.Tracer, opts Options) *Optimizer {
	tbl := param.NewTable()
	tbl.Import(sc)
	o := &Optimizer{
		sc:         sc,
		tracer:     tracer,
		tbl:        tbl,
		historyIdx: -1,
		bestPhi:    math.MaxFloat64,
	}
	o.vec = &mapping{sc: sc, tbl: tbl}
	o.setOptions(opts)
	return o
}

func (o *Optimizer) setOptions(opts Options) {
	if opts.ConeScale1 <= 0 {
		opts.ConeScale1 = param.DefaultConeScale
	}
	if opts.ConeScale2 <= 0 {
		opts.ConeScale2 = param.DefaultConeScale
	}
	o.opts = opts
	o.vec.quadratic = opts.QuadraticIntensity
	o.vec.cone = &param.ConeMap{S1: opts.ConeScale1, S2: opts.ConeScale2, InnerMax: param.DefaultInnerMax}
}

// SetOptions replaces the options used by the next run.
func (o *Optimizer) SetOptions(opts Options) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	o.setOptions(opts)
	return nil
}

// Options returns the current options.
func (o *Optimizer) Options() Options { return o.opts }

// Scene returns the scene being optimized.
func (o *Optimizer) Scene() *scene.Scene { return o.sc }

// Table returns the parameter table; flags set on it take effect at the
// next run.
func (o *Optimizer) Table() *param.Table { return o.tbl }

// SetActive marks parameter k of entity h optimizable.
func (o *Optimizer) SetActive(h scene.Handle, k param.Kind, on bool) {
	o.tbl.Sync(o.sc)
	o.tbl.SetActive(h, k, on)
}

// ImportSettings reloads the flags from the scene's property maps.
func (o *Optimizer) ImportSettings() { o.tbl.Import(o.sc) }

// ExportSettings writes the flags into the scene's property maps.
func (o *Optimizer) ExportSettings() {
	o.tbl.Sync(o.sc)
	o.tbl.Export(o.sc)
}

// Running reports whether a run is in progress.
func (o *Optimizer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Optimizer) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Optimizer) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// Parameters returns the optimization vector read from the current scene.
func (o *Optimizer) Parameters() []float64 {
	return o.vec.build()
}

// Labels names the entries of the optimization vector.
func (o *Optimizer) Labels() []string {
	o.tbl.Sync(o.sc)
	labels := o.tbl.Labels()
	for i := 0; i < o.vec.textureLen(); i++ {
		labels = append(labels, fmt.Sprintf("texel[%d]", i))
	}
	return labels
}

func (o *Optimizer) buildConstraints() {
	o.constraints = o.constraints[:0]
	if o.opts.AABBPenalty >= 0 {
		lo, hi := o.sc.Bounds()
		c := constraint.NewLightsInAABB(lo, hi, o.opts.AABBPenalty)
		for _, h := range o.sc.Entities() {
			if h.Kind == scene.KindLight {
				c.Add(h)
			}
		}
		slog.Info("Lights in AABB constraint active", "penalty", o.opts.AABBPenalty)
		o.constraints = append(o.constraints, c)
	}
	if o.opts.IntensityPenalty >= 0 {
		c := constraint.NewIntensityPenalty(o.opts.IntensityPenalty, o.opts.QuadraticIntensity)
		for _, h := range o.sc.Entities() {
			if h.Kind == scene.KindLight {
				c.Add(h)
			}
		}
		slog.Info("Light intensity penalty active", "penalty", o.opts.IntensityPenalty)
		o.constraints = append(o.constraints, c)
	}
}

func (o *Optimizer) allocBuffers() {
	n := o.sc.RadianceLen()
	if len(o.radiance) != n {
		o.radiance = make([]float64, n)
		o.dRadiance = make([]float64, n)
	}
	o.grads = make([]simulator.LightGrads, o.sc.EntityCount())
	o.fullGrad = make([]float64, o.tbl.FullLen())
	o.texGrads = nil
	if n := o.vec.textureLen(); n > 0 {
		o.texGrads = make([]float64, n)
	}
}

func (o *Optimizer) bounds(n int) *opt.Bounds {
	if o.opts.BoundsLower >= o.opts.BoundsUpper {
		return nil
	}
	return opt.NewBounds(n, o.opts.BoundsLower, o.opts.BoundsUpper)
}

// prepare rebuilds objective, constraints, buffers and the start vector
// from the current scene.
func (o *Optimizer) prepare() ([]float64, error) {
	fn, err := objective.New(o.sc, o.opts.Objective)
	if err != nil {
		return nil, fmt.Errorf("build objective: %w", err)
	}
	o.fn = fn
	x := o.vec.build()
	o.buildConstraints()
	o.allocBuffers()
	return x, nil
}

// newDriver is replaced in tests.
var newDriver = opt.New

// Optimize runs the configured driver from the current scene state and
// leaves the best observed parameters applied to the scene. Cancelling ctx
// ends the run early without an error. When the driver fails after it has
// evaluated the objective, the best parameters are still applied and the
// populated result is returned with the error.
func (o *Optimizer) Optimize(ctx context.Context) (Result, error) {
	if o.sc.EntityCount() == 0 {
		slog.Warn("Scene has no lights, nothing to optimize")
		return Result{}, nil
	}
	if !o.begin() {
		return Result{}, ErrRunning
	}
	defer o.end()
	o.ClearHistory()

	x, err := o.prepare()
	if err != nil {
		return Result{}, err
	}
	if len(x) == 0 {
		slog.Warn("No active parameters, nothing to optimize")
		return Result{Method: o.opts.Method}, nil
	}
	for _, label := range o.vec.saddles(saddleEps) {
		slog.Warn("Quadratic intensity starts at its zero-gradient saddle", "param", label)
	}

	dopts := o.opts.Driver
	dopts.OnImprove = o.recordImprovement
	var report *opt.CheckReport
	dopts.OnCheck = func(r opt.CheckReport) { report = &r }
	if b := o.bounds(len(x)); b != nil {
		dopts.CMAES.Bounds = b
		dopts.Mayfly.Bounds = b
	}
	driver, err := newDriver(o.opts.Method, dopts)
	if err != nil {
		return Result{}, err
	}

	o.fwdTime, o.bwdTime, o.fwdCount, o.bwdCount = 0, 0, 0, 0
	start := time.Now()
	res, runErr := driver.Minimize(ctx, o.evaluate(ctx), x)
	elapsed := time.Since(start)
	stats := driver.Stats()
	if runErr != nil {
		runErr = fmt.Errorf("%s: %w", o.opts.Method, runErr)
		if stats.Evals == 0 {
			return Result{}, runErr
		}
		// x holds the best point the driver saw before it stopped.
		slog.Warn("Optimizer stopped early, keeping best parameters",
			"error", runErr, "best_objective", res.BestObjective)
	}

	if err := o.vec.apply(x); err != nil {
		return Result{}, err
	}
	if err := o.forward(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("Final forward pass failed", "error", err)
	}

	o.logStats(stats, elapsed)
	return Result{
		Method:        o.opts.Method,
		BestObjective: res.BestObjective,
		LastPhi:       res.LastPhi,
		Iterations:    stats.Iters,
		Evaluations:   stats.Evals,
		Params:        append([]float64(nil), x...),
		Labels:        o.Labels(),
		Duration:      elapsed,
		Check:         report,
	}, runErr
}

func (o *Optimizer) logStats(stats opt.Stats, elapsed time.Duration) {
	avg := func(d time.Duration, n int) time.Duration {
		if n == 0 {
			return 0
		}
		return d / time.Duration(n)
	}
	lights := 0
	for _, h := range o.sc.Entities() {
		if h.Kind == scene.KindLight {
			lights++
		}
	}
	slog.Info("Optimization finished",
		"optimizer", o.opts.Method.String(),
		"step_size", o.opts.Driver.StepSize,
		"iterations", stats.Iters,
		"evaluations", stats.Evals,
		"best_objective", stats.BestPhi,
		"avg_forward", avg(o.fwdTime, o.fwdCount),
		"avg_backward", avg(o.bwdTime, o.bwdCount),
		"total", elapsed,
		"vertices", o.sc.VertexCount(),
		"triangles", len(o.sc.Geometry.Triangles),
		"lights", lights,
	)
}

func (o *Optimizer) recordImprovement(x []float64, phi float64) {
	params := append([]float64(nil), x...)
	o.mu.Lock()
	o.history = append(o.history, params)
	o.historyIdx++
	o.best = params
	o.bestPhi = phi
	idx := o.historyIdx
	cb := o.OnImprove
	o.mu.Unlock()
	if cb != nil {
		cb(Improvement{Index: idx, Phi: phi, Params: params})
	}
}

func (o *Optimizer) nextSeed() uint32 {
	s := o.seed
	if !o.opts.ConstantSeed {
		o.seed++
	}
	return s
}

func (o *Optimizer) forward(ctx context.Context) error {
	start := time.Now()
	err := o.tracer.Forward(ctx, o.sc, o.nextSeed(), o.radiance)
	o.fwdTime += time.Since(start)
	o.fwdCount++
	return err
}

func (o *Optimizer) backward(ctx context.Context) error {
	for i := range o.texGrads {
		o.texGrads[i] = 0
	}
	start := time.Now()
	err := o.tracer.Adjoint(ctx, o.sc, o.dRadiance, o.grads, o.texGrads)
	o.bwdTime += time.Since(start)
	o.bwdCount++
	return err
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

// evaluate returns the composite objective over the optimization vector.
func (o *Optimizer) evaluate(ctx context.Context) opt.Func {
	return func(x, grad []float64) float64 {
		if err := o.vec.apply(x); err != nil {
			slog.Error("Cannot apply parameter vector", "error", err)
			zero(grad)
			return math.MaxFloat64
		}
		if err := o.forward(ctx); err != nil {
			return o.failed(ctx, err, grad)
		}
		phi := o.fn.Eval(o.radiance, o.dRadiance)

		zero(o.fullGrad)
		if grad != nil {
			if err := o.backward(ctx); err != nil {
				return o.failed(ctx, err, grad)
			}
			o.vec.derivatives(o.grads, o.fullGrad)
		}
		phiC := constraint.Sum(o.constraints, o.sc, o.tbl, o.fullGrad)
		if !finite(phi) || !finite(phiC) {
			slog.Warn("Non-finite objective, continuing", "objective", phi, "constraints", phiC)
			phi, phiC = math.MaxFloat64, 0
		}

		if grad != nil {
			reduced, err := o.tbl.Reduce(o.fullGrad)
			if err != nil {
				slog.Error("Cannot reduce gradient", "error", err)
				zero(grad)
				return phi
			}
			n := copy(grad, reduced)
			copy(grad[n:], o.texGrads)
			for i, g := range grad {
				if !finite(g) {
					grad[i] = 0
				}
			}
		}
		slog.Debug("Objective", "objective", phi, "constraints", phiC)
		return phi + phiC
	}
}

// failed handles a tracer error inside an evaluation like a non-finite
// result so the run can continue.
func (o *Optimizer) failed(ctx context.Context, err error, grad []float64) float64 {
	if ctx.Err() == nil {
		slog.Warn("Tracer failed, continuing", "error", err)
	}
	zero(grad)
	return math.MaxFloat64
}

// Radiance returns a copy of the radiance of the most recent forward pass.
func (o *Optimizer) Radiance() []float64 {
	return append([]float64(nil), o.radiance...)
}
