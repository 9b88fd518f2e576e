package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/objective"
	"github.com/cwbudde/lightfit/internal/opt"
	"github.com/cwbudde/lightfit/internal/param"
	"github.com/cwbudde/lightfit/internal/scene"
	"github.com/cwbudde/lightfit/internal/simulator"
	"github.com/cwbudde/lightfit/internal/store"
)

// blockingTracer blocks in Forward until cancelled while block is set.
type blockingTracer struct {
	simulator.Linear
	block   atomic.Bool
	entered chan struct{}
}

func newBlockingTracer() *blockingTracer {
	tr := &blockingTracer{Linear: simulator.Linear{Gain: 2}, entered: make(chan struct{}, 1)}
	tr.block.Store(true)
	return tr
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

// newTestServer serves a single light over a triangle whose target is
// reached at intensity 3.
func newTestServer(t *testing.T, tracer simulator.Tracer, st *store.FSStore) *Server {
	t.Helper()
	sc := &scene.Scene{
		Geometry: scene.Geometry{
			Vertices:  [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
			Triangles: [][3]int{{0, 1, 2}},
		},
		Target: scene.Target{Radiance: []float64{6, 6, 6, 6, 6, 6, 6, 6, 6}},
	}
	h := sc.AddLight(scene.Light{Name: "key", Type: scene.PointLight, Color: [3]float64{1, 1, 1}, Intensity: 1})

	base := lighttrace.DefaultOptions()
	base.Method = opt.MethodGradientDescent
	base.Driver = opt.Options{StepSize: 0.1, MaxIterations: 500}
	base.Objective.Kind = objective.KindSimple
	o := lighttrace.New(sc, tracer, base)
	o.SetActive(h, param.Intensity, true)

	s := NewServer(lighttrace.NewRunner(o), base, Options{
		Addr:      ":0",
		ScenePath: "triangle.yaml",
		Tracer:    string(simulator.KindLinear),
		Store:     st,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// startRun posts a run and returns it with its task.
func startRun(t *testing.T, s *Server, body string) (Run, *lighttrace.Task) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/runs", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var run Run
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	task, ok := s.runs.Task(run.ID)
	if !ok {
		t.Fatalf("No task for run %s", run.ID)
	}
	return run, task
}

func waitDone(t *testing.T, task *lighttrace.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not finish")
	}
}

func TestServer_CreateRunCompletes(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	run, task := startRun(t, s, `{"method":"gd","stepSize":0.1}`)

	if run.ID == "" {
		t.Error("Run ID should not be empty")
	}
	if run.Config.Method != "gd" || run.Config.ScenePath != "triangle.yaml" {
		t.Errorf("Unexpected config %+v", run.Config)
	}
	waitDone(t, task)

	w := do(t, s, http.MethodGet, "/api/v1/runs/"+run.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var status struct {
		Run
		Elapsed float64 `json:"elapsed"`
	}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.State != StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", status.State, status.Error)
	}
	if status.BestObjective > 1e-8 {
		t.Errorf("Expected objective near 0, got %g", status.BestObjective)
	}
	if status.InitialObjective <= status.BestObjective {
		t.Errorf("Initial objective %g should exceed best %g", status.InitialObjective, status.BestObjective)
	}
	if len(status.Labels) != 1 || status.Labels[0] != "light#0.intensity" {
		t.Errorf("Unexpected labels %v", status.Labels)
	}
	if status.Iterations == 0 || status.Improvements == 0 {
		t.Errorf("Expected iterations and improvements, got %d/%d", status.Iterations, status.Improvements)
	}
	if status.EndTime == nil || status.Elapsed < 0 {
		t.Errorf("End time not recorded: %+v", status.EndTime)
	}
}

func TestServer_CreateRunLBFGSWithOverrides(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	run, task := startRun(t, s, `{"method":"lbfgs","stepSize":0.5,"maxIterations":100}`)
	waitDone(t, task)

	w := do(t, s, http.MethodGet, "/api/v1/runs/"+run.ID, "")
	var status Run
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.State != StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", status.State, status.Error)
	}
	if status.Config.StepSize != 0.5 || status.Config.MaxIterations != 100 {
		t.Errorf("Overrides not recorded: %+v", status.Config)
	}
	if status.BestObjective > 1e-8 {
		t.Errorf("Expected objective near 0, got %g", status.BestObjective)
	}
}

func TestServer_CreateRunRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	for _, body := range []string{
		`{"method":"newton"}`,
		`{"stepSize":-1}`,
		`{"maxIterations":-3}`,
		`{not json`,
	} {
		if w := do(t, s, http.MethodPost, "/api/v1/runs", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", body, w.Code)
		}
	}
	if n := len(s.runs.ListRuns()); n != 0 {
		t.Errorf("Rejected requests created %d runs", n)
	}
}

func TestServer_ListRuns(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	first, task := startRun(t, s, "")
	waitDone(t, task)
	second, task := startRun(t, s, `{"maxIterations":5}`)
	waitDone(t, task)

	w := do(t, s, http.MethodGet, "/api/v1/runs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var runs []Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != first.ID || runs[1].ID != second.ID {
		t.Errorf("Expected runs in start order, got %+v", runs)
	}
	if runs[1].Config.MaxIterations != 5 {
		t.Errorf("Override not recorded: %+v", runs[1].Config)
	}
}

func TestServer_UnknownRun(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	if w := do(t, s, http.MethodGet, "/api/v1/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/runs/nope/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/runs/nope/stream", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_CancelRun(t *testing.T) {
	tr := newBlockingTracer()
	s := newTestServer(t, tr, nil)
	run, task := startRun(t, s, "")
	select {
	case <-tr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never reached the tracer")
	}

	if w := do(t, s, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", ""); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	waitDone(t, task)

	got, _ := s.runs.GetRun(run.ID)
	if got.State != StateCancelled {
		t.Errorf("Expected cancelled, got %s (%s)", got.State, got.Error)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for finished run, got %d", w.Code)
	}
}

func TestServer_NewRunCancelsRunning(t *testing.T) {
	tr := newBlockingTracer()
	s := newTestServer(t, tr, nil)
	first, firstTask := startRun(t, s, "")
	select {
	case <-tr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never reached the tracer")
	}
	tr.block.Store(false)

	second, task := startRun(t, s, "")
	waitDone(t, task)

	select {
	case <-firstTask.Done():
	default:
		t.Fatal("First run still active after the second started")
	}
	if got, _ := s.runs.GetRun(first.ID); got.State != StateCancelled {
		t.Errorf("First run should be cancelled, got %s", got.State)
	}
	if got, _ := s.runs.GetRun(second.ID); got.State != StateCompleted {
		t.Errorf("Second run should be completed, got %s (%s)", got.State, got.Error)
	}
	if n := len(s.runs.RunningRuns()); n != 0 {
		t.Errorf("Expected no running runs, got %d", n)
	}
}

func TestServer_HistoryAndSelect(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	_, task := startRun(t, s, "")
	waitDone(t, task)

	w := do(t, s, http.MethodGet, "/api/v1/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var hist HistoryResponse
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if hist.Size == 0 || len(hist.Entries) != hist.Size {
		t.Fatalf("Unexpected history %+v", hist)
	}
	if hist.Index != hist.Size-1 {
		t.Errorf("Expected latest entry selected, got %d of %d", hist.Index, hist.Size)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/history/0/select", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	o := s.runner.Optimizer()
	if o.CurrentHistoryIndex() != 0 {
		t.Errorf("Expected index 0, got %d", o.CurrentHistoryIndex())
	}
	if got := o.Scene().Lights[0].Intensity; got != hist.Entries[0][0] {
		t.Errorf("Scene intensity %g does not match entry %g", got, hist.Entries[0][0])
	}

	if w := do(t, s, http.MethodPost, "/api/v1/history/999/select", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/history/x/select", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestServer_SelectWhileRunning(t *testing.T) {
	tr := newBlockingTracer()
	s := newTestServer(t, tr, nil)
	startRun(t, s, "")
	select {
	case <-tr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never reached the tracer")
	}
	if w := do(t, s, http.MethodPost, "/api/v1/history/0/select", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestServer_Best(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	if w := do(t, s, http.MethodGet, "/api/v1/best", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 before any run, got %d", w.Code)
	}

	run, task := startRun(t, s, "")
	waitDone(t, task)

	w := do(t, s, http.MethodGet, "/api/v1/best", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var best BestResponse
	if err := json.NewDecoder(w.Body).Decode(&best); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if best.RunID != run.ID || len(best.Params) != 1 || len(best.Labels) != 1 {
		t.Errorf("Unexpected best %+v", best)
	}
	if d := best.Params[0] - 3; d > 1e-4 || d < -1e-4 {
		t.Errorf("Expected intensity 3, got %g", best.Params[0])
	}
}

func TestServer_PersistsFinishedRun(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, &simulator.Linear{Gain: 2}, st)
	run, task := startRun(t, s, "")
	waitDone(t, task)
	final, _ := s.runs.GetRun(run.ID)

	cp, err := st.LoadCheckpoint(run.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.Status != store.StatusCompleted || cp.BestObjective != final.BestObjective {
		t.Errorf("Unexpected checkpoint %+v", cp)
	}
	if err := cp.IsCompatible("triangle.yaml", final.Labels); err != nil {
		t.Errorf("Checkpoint should match its run: %v", err)
	}

	trace, err := store.ReadTrace(st.BaseDir(), run.ID)
	if err != nil {
		t.Fatalf("ReadTrace failed: %v", err)
	}
	if len(trace) != final.Improvements {
		t.Errorf("Expected %d trace entries, got %d", final.Improvements, len(trace))
	}
	rows, err := store.ReadHistory(st.BaseDir(), run.ID)
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(rows) != final.Improvements {
		t.Errorf("Expected %d history rows, got %d", final.Improvements, len(rows))
	}
}

func TestServer_StreamEndsWithFinishedRun(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	run, task := startRun(t, s, "")
	waitDone(t, task)

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + run.ID + "/stream")
	if err != nil {
		t.Fatalf("GET stream failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Unexpected content type %q", ct)
	}

	var events []ProgressEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		data, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		var ev ProgressEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) != 1 {
		t.Fatalf("Expected a single event for a finished run, got %d", len(events))
	}
	if events[0].RunID != run.ID || events[0].State != StateCompleted {
		t.Errorf("Unexpected event %+v", events[0])
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	w := do(t, s, http.MethodOptions, "/api/v1/runs", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}
