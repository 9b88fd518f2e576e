package lighttrace

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/cwbudde/lightfit/internal/objective"
	"github.com/cwbudde/lightfit/internal/opt"
	"github.com/cwbudde/lightfit/internal/param"
	"github.com/cwbudde/lightfit/internal/scene"
	"github.com/cwbudde/lightfit/internal/simulator"
)

var light0 = scene.Handle{Kind: scene.KindLight, Slot: 0}

// triangleScene has one white light over a single triangle whose target
// radiance is 6 everywhere. With a linear tracer of gain 2 the objective is
// 3(I-3)^2.
func triangleScene() *scene.Scene {
	sc := &scene.Scene{
		Geometry: scene.Geometry{
			Vertices:  [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
			Triangles: [][3]int{{0, 1, 2}},
		},
		Target: scene.Target{Radiance: []float64{6, 6, 6, 6, 6, 6, 6, 6, 6}},
	}
	sc.AddLight(scene.Light{Name: "key", Type: scene.PointLight, Color: [3]float64{1, 1, 1}, Intensity: 1})
	return sc
}

func intensityOptimizer(t *testing.T, method opt.Method, driver opt.Options) *Optimizer {
	t.Helper()
	opts := DefaultOptions()
	opts.Method = method
	opts.Driver = driver
	opts.Objective.Kind = objective.KindSimple
	o := New(triangleScene(), &simulator.Linear{Gain: 2}, opts)
	o.SetActive(light0, param.Intensity, true)
	return o
}

func TestGradientDescentFindsTargetIntensity(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodGradientDescent, opt.Options{StepSize: 0.1, MaxIterations: 500})
	res, err := o.Optimize(context.Background())
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if got := o.Scene().Lights[0].Intensity; math.Abs(got-3) > 1e-4 {
		t.Errorf("Expected intensity 3, got %f", got)
	}
	if res.Iterations == 0 || res.Iterations > 100 {
		t.Errorf("Unexpected iteration count %d", res.Iterations)
	}
	if res.BestObjective > 1e-8 {
		t.Errorf("Expected objective near 0, got %g", res.BestObjective)
	}
	if len(res.Labels) != 1 || res.Labels[0] != "light#0.intensity" {
		t.Errorf("Unexpected labels %v", res.Labels)
	}
}

func TestAdamFindsTargetIntensity(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodAdam, opt.Options{StepSize: 0.1, MaxIterations: 1000})
	o.Scene().Lights[0].Intensity = 10
	if _, err := o.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if got := o.Scene().Lights[0].Intensity; math.Abs(got-3) > 0.05 {
		t.Errorf("Expected intensity near 3, got %f", got)
	}
}

func TestLBFGSWithQuadraticIntensity(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodLBFGS, opt.Options{MaxIterations: 100})
	opts := o.Options()
	opts.QuadraticIntensity = true
	if err := o.SetOptions(opts); err != nil {
		t.Fatalf("SetOptions failed: %v", err)
	}
	x := o.Parameters()
	if math.Abs(x[0]-math.Sqrt2) > 1e-12 {
		t.Fatalf("Expected amplitude sqrt(2), got %f", x[0])
	}
	if _, err := o.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if got := o.Scene().Lights[0].Intensity; math.Abs(got-3) > 1e-3 {
		t.Errorf("Expected intensity 3, got %f", got)
	}
}

// gridScene is a 3x3 plane lit by a spot light, a point light and an
// emissive mesh.
func gridScene() *scene.Scene {
	sc := &scene.Scene{}
	for y := -1; y <= 1; y++ {
		for x := -1; x <= 1; x++ {
			sc.Geometry.Vertices = append(sc.Geometry.Vertices, [3]float64{float64(x), float64(y), 0})
		}
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			i := y*3 + x
			sc.Geometry.Triangles = append(sc.Geometry.Triangles, [3]int{i, i + 1, i + 4}, [3]int{i, i + 4, i + 3})
		}
	}
	sc.Target.Radiance = make([]float64, sc.RadianceLen())
	for i := range sc.Target.Radiance {
		sc.Target.Radiance[i] = 0.3
	}
	sc.AddLight(scene.Light{
		Type: scene.SpotLight, Index: 0,
		Position:  r3.Vec{X: 0.2, Y: -0.1, Z: 2},
		Rotation:  r3.Vec{X: 0.1, Y: 0.05},
		Color:     [3]float64{1, 0.5, 0.25},
		Intensity: 3,
		InnerCone: 0.5, OuterCone: 0.9,
	})
	sc.AddLight(scene.Light{
		Type: scene.PointLight, Index: 1,
		Position:  r3.Vec{X: -0.5, Y: 0.4, Z: 1.5},
		Color:     [3]float64{0.2, 0.7, 1},
		Intensity: 2,
	})
	sc.AddMesh(scene.EmissiveMesh{Strength: 0.5, Color: [3]float64{1, 1, 1}})
	return sc
}

func gridOptimizer(quadratic bool) *Optimizer {
	opts := DefaultOptions()
	opts.QuadraticIntensity = quadratic
	opts.AABBPenalty = 0.5
	o := New(gridScene(), &simulator.Point{Ambient: 0.2}, opts)
	spot := scene.Handle{Kind: scene.KindLight, Slot: 0}
	point := scene.Handle{Kind: scene.KindLight, Slot: 1}
	mesh := scene.Handle{Kind: scene.KindMesh, Slot: 0}
	for _, k := range []param.Kind{
		param.PosX, param.PosY, param.PosZ, param.Intensity,
		param.RotX, param.RotY, param.RotZ,
		param.ConeInner, param.ConeEdge, param.ColorR, param.ColorG,
	} {
		o.SetActive(spot, k, true)
	}
	for _, k := range []param.Kind{param.PosZ, param.ColorR, param.ColorG} {
		o.SetActive(point, k, true)
	}
	o.SetActive(mesh, param.Intensity, true)
	return o
}

func TestCompositeGradientMatchesFiniteDifferences(t *testing.T) {
	for _, quadratic := range []bool{false, true} {
		o := gridOptimizer(quadratic)
		x, err := o.prepare()
		if err != nil {
			t.Fatalf("prepare failed: %v", err)
		}
		f := o.evaluate(context.Background())
		grad := make([]float64, len(x))
		f(x, grad)
		labels := o.Labels()

		const h = 1e-6
		for i := range x {
			xp := append([]float64(nil), x...)
			xm := append([]float64(nil), x...)
			xp[i] += h
			xm[i] -= h
			fd := (f(xp, nil) - f(xm, nil)) / (2 * h)
			if math.Abs(fd-grad[i]) > 1e-4*math.Max(1, math.Abs(fd)) {
				t.Errorf("quadratic=%v %s: analytic %g, finite difference %g", quadratic, labels[i], grad[i], fd)
			}
		}
	}
}

func TestFDCheckDriverReportsSmallDifference(t *testing.T) {
	o := gridOptimizer(false)
	opts := o.Options()
	opts.Method = opt.MethodFDCentralCheck
	opts.Driver.FDStep = 1e-6
	if err := o.SetOptions(opts); err != nil {
		t.Fatalf("SetOptions failed: %v", err)
	}
	before := o.Parameters()
	res, err := o.Optimize(context.Background())
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if res.Check == nil {
		t.Fatal("Expected a check report")
	}
	if res.Check.RelNorm > 1e-4 {
		t.Errorf("Relative gradient difference %g too large", res.Check.RelNorm)
	}
	after := o.Parameters()
	for i := range before {
		if math.Abs(after[i]-before[i]) > 1e-9*math.Max(1, math.Abs(before[i])) {
			t.Errorf("Check moved parameter %d from %g to %g", i, before[i], after[i])
		}
	}
}

func TestCoupledIntensityAndColorWriteBack(t *testing.T) {
	sc := triangleScene()
	sc.Lights[0].Intensity = 2
	o := New(sc, &simulator.Linear{Gain: 1}, DefaultOptions())
	for _, k := range []param.Kind{param.Intensity, param.ColorR, param.ColorG, param.ColorB} {
		o.SetActive(light0, k, true)
	}
	x := o.Parameters()
	want := []float64{1, 2, 2, 2}
	for i := range want {
		if x[i] != want[i] {
			t.Fatalf("Expected vector %v, got %v", want, x)
		}
	}
	if _, err := o.ApplyParameters([]float64{1, 3, 1, 0}); err != nil {
		t.Fatalf("ApplyParameters failed: %v", err)
	}
	l := sc.Lights[0]
	if l.Intensity != 4 || l.Color != [3]float64{0.75, 0.25, 0} {
		t.Errorf("Unexpected light state I=%f c=%v", l.Intensity, l.Color)
	}
}

func TestColorOnlyKeepsEmission(t *testing.T) {
	sc := triangleScene()
	sc.Lights[0].Color = [3]float64{2, 1, 1}
	o := New(sc, &simulator.Linear{Gain: 1}, DefaultOptions())
	o.SetActive(light0, param.ColorR, true)

	x := o.Parameters()
	if len(x) != 1 || x[0] != 0.5 {
		t.Fatalf("Expected normalised red 0.5, got %v", x)
	}
	if sc.Lights[0].Intensity != 4 {
		t.Errorf("Expected intensity scaled to 4, got %f", sc.Lights[0].Intensity)
	}
	if _, err := o.ApplyParameters([]float64{1}); err != nil {
		t.Fatalf("ApplyParameters failed: %v", err)
	}
	c := sc.Lights[0].Color
	if math.Abs(c[0]-2.0/3) > 1e-12 || math.Abs(c[1]-1.0/6) > 1e-12 || math.Abs(c[2]-1.0/6) > 1e-12 {
		t.Errorf("Unexpected colour %v", c)
	}
}

func TestEmissiveTextureAppendedAndQuantized(t *testing.T) {
	sc := triangleScene()
	h := sc.AddMesh(scene.EmissiveMesh{Strength: 1, Color: [3]float64{1, 1, 1}, Texture: []float64{0.1, 0.2, 0.3}})
	o := New(sc, &simulator.Linear{Gain: 1}, DefaultOptions())
	o.SetActive(h, param.Intensity, true)
	o.SetActive(h, param.EmissiveTexture, true)

	x := o.Parameters()
	if len(x) != 5 {
		t.Fatalf("Expected 2 parameters and 3 texels, got %v", x)
	}
	labels := o.Labels()
	if labels[2] != "texel[0]" {
		t.Errorf("Unexpected texel label %q", labels[2])
	}
	x[2] = 0.5
	if _, err := o.ApplyParameters(x); err != nil {
		t.Fatalf("ApplyParameters failed: %v", err)
	}
	if got := sc.Meshes[0].Texture[0]; got != 127.0/255 {
		t.Errorf("Expected quantised texel %f, got %f", 127.0/255, got)
	}
}

func TestHistorySelectAndExport(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodGradientDescent, opt.Options{StepSize: 0.1})
	var seen []Improvement
	o.OnImprove = func(imp Improvement) { seen = append(seen, imp) }
	if _, err := o.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	n := o.HistorySize()
	if n < 2 {
		t.Fatalf("Expected several history entries, got %d", n)
	}
	if len(seen) != n {
		t.Errorf("Expected %d callbacks, got %d", n, len(seen))
	}
	if o.CurrentHistoryIndex() != n-1 {
		t.Errorf("Expected index %d, got %d", n-1, o.CurrentHistoryIndex())
	}
	best, phi := o.Best()
	if len(best) != 1 || phi != seen[len(seen)-1].Phi {
		t.Errorf("Best %v/%g does not match last improvement", best, phi)
	}

	if err := o.SelectFromHistory(0); err != nil {
		t.Fatalf("SelectFromHistory failed: %v", err)
	}
	if got := o.Scene().Lights[0].Intensity; got != 1 {
		t.Errorf("Expected start intensity 1, got %f", got)
	}
	if o.CurrentHistoryIndex() != 0 {
		t.Errorf("Expected index 0, got %d", o.CurrentHistoryIndex())
	}
	if err := o.SelectFromHistory(n); err == nil {
		t.Error("Expected error for out-of-range index")
	}

	hist := o.ExportHistory()
	if len(hist) != n || o.HistorySize() != 0 || o.CurrentHistoryIndex() != -1 {
		t.Errorf("Export left size=%d index=%d, exported %d", o.HistorySize(), o.CurrentHistoryIndex(), len(hist))
	}
}

func TestStaleVectorIsRebuilt(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodGradientDescent, opt.Options{StepSize: 0.1})
	if _, err := o.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	o.SetActive(light0, param.PosX, true)
	before := o.Scene().Lights[0]

	applied, err := o.ApplyParameters([]float64{7})
	if err != nil {
		t.Fatalf("Stale vector should not be an error: %v", err)
	}
	if applied {
		t.Error("Expected stale vector to be rejected")
	}
	if got := o.Scene().Lights[0]; got.Intensity != before.Intensity || got.Position != before.Position {
		t.Errorf("Stale vector changed the light: %+v", got)
	}
	if err := o.SelectFromHistory(0); err != nil {
		t.Errorf("Stale history entry should not be an error: %v", err)
	}
	if len(o.Parameters()) != 2 {
		t.Errorf("Expected rebuilt vector of 2 entries")
	}
}

func TestProbeLeavesLiveStateAlone(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodGradientDescent, opt.Options{})
	seed := o.seed
	p, err := o.Probe(context.Background(), light0, param.Intensity, 0.5)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if p.Plus[0] != 3 || p.Minus[0] != 1 {
		t.Errorf("Unexpected probe radiance %f / %f", p.Plus[0], p.Minus[0])
	}
	if d := p.Derivative(); math.Abs(d+12) > 1e-9 {
		t.Errorf("Expected derivative -12, got %f", d)
	}
	if o.Scene().Lights[0].Intensity != 1 || o.seed != seed {
		t.Error("Probe changed the live scene or seed")
	}

	if _, err := o.Probe(context.Background(), light0, param.PosX, 0.1); err != nil {
		t.Fatalf("Probe of inactive parameter failed: %v", err)
	}
	if o.Table().Flags(light0)[param.PosX] {
		t.Error("Probe activated a parameter in the live table")
	}
	if _, err := o.Probe(context.Background(), light0, param.Intensity, 0); err == nil {
		t.Error("Expected error for a zero step")
	}
}

func TestCancelledOptimizeKeepsScene(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodGradientDescent, opt.Options{StepSize: 0.1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Optimize(ctx)
	if err != nil {
		t.Fatalf("Cancellation should not be an error: %v", err)
	}
	if res.Evaluations != 0 {
		t.Errorf("Expected no evaluations, got %d", res.Evaluations)
	}
	if got := o.Scene().Lights[0].Intensity; got != 1 {
		t.Errorf("Expected unchanged intensity, got %f", got)
	}
	if o.Running() {
		t.Error("Optimizer still marked running")
	}
}

type nanTracer struct{}

func (nanTracer) Forward(_ context.Context, _ *scene.Scene, _ uint32, r []float64) error {
	for i := range r {
		r[i] = math.NaN()
	}
	return nil
}

func (nanTracer) Adjoint(_ context.Context, _ *scene.Scene, _ []float64, grads []simulator.LightGrads, _ []float64) error {
	for i := range grads {
		grads[i].DIntensity = math.Inf(1)
	}
	return nil
}

func TestNonFiniteEvaluationIsContained(t *testing.T) {
	o := New(triangleScene(), nanTracer{}, DefaultOptions())
	o.SetActive(light0, param.Intensity, true)
	x, err := o.prepare()
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	grad := []float64{42}
	if phi := o.evaluate(context.Background())(x, grad); phi != math.MaxFloat64 {
		t.Errorf("Expected sentinel objective, got %g", phi)
	}
	if grad[0] != 0 {
		t.Errorf("Expected zeroed gradient, got %g", grad[0])
	}
}

func TestEmptySceneIsNoop(t *testing.T) {
	o := New(&scene.Scene{}, &simulator.Linear{}, DefaultOptions())
	res, err := o.Optimize(context.Background())
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if res.Evaluations != 0 || res.Params != nil {
		t.Errorf("Expected zero result, got %+v", res)
	}
}

func TestConstraintsFromOptions(t *testing.T) {
	for _, tc := range []struct {
		aabb, intensity float64
		want            int
	}{
		{-1, -1, 0},
		{0, -1, 1},
		{0.5, 0.1, 2},
	} {
		opts := DefaultOptions()
		opts.AABBPenalty, opts.IntensityPenalty = tc.aabb, tc.intensity
		o := New(triangleScene(), &simulator.Linear{}, opts)
		o.buildConstraints()
		if len(o.constraints) != tc.want {
			t.Errorf("aabb=%g intensity=%g: expected %d constraints, got %d", tc.aabb, tc.intensity, tc.want, len(o.constraints))
		}
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	sc := triangleScene()
	o := New(sc, &simulator.Linear{}, DefaultOptions())
	o.SetActive(light0, param.Intensity, true)
	o.SetActive(light0, param.RotZ, true)
	o.ExportSettings()
	if !sc.Lights[0].Settings["intensity"] || !sc.Lights[0].Settings["rot_z"] || sc.Lights[0].Settings["pos_x"] {
		t.Errorf("Unexpected settings %v", sc.Lights[0].Settings)
	}
	again := New(sc, &simulator.Linear{}, DefaultOptions())
	if f := again.Table().Flags(light0); !f[param.Intensity] || !f[param.RotZ] || f.Count() != 2 {
		t.Errorf("Flags not restored: %v", f)
	}
}

func TestTargets(t *testing.T) {
	o := intensityOptimizer(t, opt.MethodGradientDescent, opt.Options{})
	if err := o.CopyRadianceToTarget(context.Background()); err != nil {
		t.Fatalf("CopyRadianceToTarget failed: %v", err)
	}
	if got := o.Scene().Target.Radiance[0]; got != 2 {
		t.Errorf("Expected target 2, got %f", got)
	}
	if err := o.SetUniformTarget(UniformTarget{Color: [3]float64{1, 2, 3}, SetColor: true, Weight: 0.5, SetWeight: true}); err != nil {
		t.Fatalf("SetUniformTarget failed: %v", err)
	}
	tgt := o.Scene().Target
	if tgt.Radiance[3] != 1 || tgt.Radiance[4] != 2 || tgt.Radiance[5] != 3 {
		t.Errorf("Unexpected target %v", tgt.Radiance)
	}
	if len(tgt.Weights) != 3 || tgt.Weights[2] != 0.5 {
		t.Errorf("Unexpected weights %v", tgt.Weights)
	}
}

// blockingTracer blocks in Forward until cancelled while block is set.
type blockingTracer struct {
	simulator.Linear
	block   atomic.Bool
	entered chan struct{}
}

func (b *blockingTracer) Forward(ctx context.Context, sc *scene.Scene, seed uint32, r []float64) error {
	if b.block.Load() {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return b.Linear.Forward(ctx, sc, seed, r)
}

func TestRunnerStartCancelsPrevious(t *testing.T) {
	tr := &blockingTracer{Linear: simulator.Linear{Gain: 2}, entered: make(chan struct{}, 1)}
	tr.block.Store(true)
	opts := DefaultOptions()
	opts.Method = opt.MethodGradientDescent
	opts.Driver = opt.Options{StepSize: 0.1}
	opts.Objective.Kind = objective.KindSimple
	o := New(triangleScene(), tr, opts)
	o.SetActive(light0, param.Intensity, true)

	var improvements atomic.Int32
	r := NewRunner(o)
	r.OnImprove = func(id string, _ Improvement) { improvements.Add(1) }
	var started, finished atomic.Int32
	r.OnStart = func(*Task) { started.Add(1) }
	r.OnFinish = func(*Task) { finished.Add(1) }

	first, err := r.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-tr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("First run never reached the tracer")
	}
	tr.block.Store(false)

	second, err := r.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	select {
	case <-first.Done():
	default:
		t.Error("Start returned before the previous run finished")
	}
	if _, err := first.Wait(); err != nil {
		t.Errorf("Cancelled run returned error: %v", err)
	}
	if !first.Cancelled() {
		t.Error("First run should report cancellation")
	}
	if first.ID == second.ID {
		t.Error("Runs share an ID")
	}
	if r.Current() != second {
		t.Error("Current task is not the latest")
	}

	res, err := second.Wait()
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if math.Abs(o.Scene().Lights[0].Intensity-3) > 1e-4 {
		t.Errorf("Expected intensity 3, got %f (%+v)", o.Scene().Lights[0].Intensity, res)
	}
	if improvements.Load() == 0 {
		t.Error("Expected improvements to be reported")
	}
	if second.Cancelled() {
		t.Error("Second run should not report cancellation")
	}
	if started.Load() != 2 || finished.Load() != 2 {
		t.Errorf("Expected 2 start and finish hooks, got %d/%d", started.Load(), finished.Load())
	}
}

// stoppingDriver takes one step to x[0] = 2 and then fails like a line search
// that was handed a bad direction.
type stoppingDriver struct {
	step  bool
	stats opt.Stats
}

func (d *stoppingDriver) Method() opt.Method { return opt.MethodLBFGS }

func (d *stoppingDriver) Minimize(ctx context.Context, f opt.Func, x []float64) (opt.Result, error) {
	err := &opt.LineSearchError{Reason: "moving direction increases the objective", Value: 1}
	if !d.step {
		return opt.Result{}, err
	}
	grad := make([]float64, len(x))
	f(x, grad)
	x[0] = 2
	phi := f(x, grad)
	d.stats = opt.Stats{Evals: 2, Iters: 1, BestPhi: phi, LastPhi: phi}
	return opt.Result{BestObjective: phi, LastPhi: phi}, err
}

func (d *stoppingDriver) Stats() opt.Stats { return d.stats }

func useDriver(t *testing.T, d opt.Driver) {
	t.Helper()
	old := newDriver
	newDriver = func(opt.Method, opt.Options) (opt.Driver, error) { return d, nil }
	t.Cleanup(func() { newDriver = old })
}

func TestOptimizeKeepsBestPointWhenDriverFails(t *testing.T) {
	useDriver(t, &stoppingDriver{step: true})
	o := intensityOptimizer(t, opt.MethodLBFGS, opt.Options{})

	res, err := o.Optimize(context.Background())
	var lsErr *opt.LineSearchError
	if !errors.As(err, &lsErr) {
		t.Fatalf("Expected a line search error, got %v", err)
	}
	if len(res.Params) != 1 || res.Params[0] != 2 {
		t.Fatalf("Expected the last point in the result, got %v", res.Params)
	}
	if len(res.Labels) != 1 || res.Evaluations != 2 || res.Iterations != 1 {
		t.Errorf("Result not populated: %+v", res)
	}
	// 3(I-3)^2 at I = 2
	if math.Abs(res.BestObjective-3) > 1e-9 {
		t.Errorf("Expected objective 3, got %g", res.BestObjective)
	}
	if got := o.Scene().Lights[0].Intensity; got == 1 {
		t.Error("Best parameters were not applied to the scene")
	}
}

func TestOptimizeDriverFailsBeforeEvaluating(t *testing.T) {
	useDriver(t, &stoppingDriver{})
	o := intensityOptimizer(t, opt.MethodLBFGS, opt.Options{})

	res, err := o.Optimize(context.Background())
	if err == nil {
		t.Fatal("Expected an error")
	}
	if res.Params != nil {
		t.Errorf("Expected an empty result, got %+v", res)
	}
	if got := o.Scene().Lights[0].Intensity; got != 1 {
		t.Errorf("Scene changed to intensity %g", got)
	}
}
