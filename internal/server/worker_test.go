package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/simulator"
	"github.com/cwbudde/lightfit/internal/store"
)

func TestOnImproveUpdatesRun(t *testing.T) {
	s := newTestServer(t, &simulator.Linear{Gain: 2}, nil)
	s.runs.AddRun("run", nil, RunConfig{}, []string{"light#0.intensity"})

	s.onImprove("run", lighttrace.Improvement{Index: 0, Phi: 12, Params: []float64{1}})
	s.onImprove("run", lighttrace.Improvement{Index: 1, Phi: 3, Params: []float64{2}})

	run, _ := s.runs.GetRun("run")
	if run.InitialObjective != 12 || run.BestObjective != 3 {
		t.Errorf("Unexpected objectives %g/%g", run.InitialObjective, run.BestObjective)
	}
	if run.Improvements != 2 || len(run.BestParams) != 1 || run.BestParams[0] != 2 {
		t.Errorf("Unexpected run %+v", run)
	}

	// Unknown runs are ignored.
	s.onImprove("missing", lighttrace.Improvement{Phi: 1})
}

func TestMarkRunFailed(t *testing.T) {
	rm := NewRunManager()
	rm.AddRun("run", nil, RunConfig{}, nil)
	markRunFailed(rm, "run", errors.New("tracer exploded"))

	run, _ := rm.GetRun("run")
	if run.State != StateFailed || run.Error != "tracer exploded" {
		t.Errorf("Unexpected run %+v", run)
	}
	if run.EndTime == nil {
		t.Error("End time should be set")
	}
}

func TestMarkRunFinished(t *testing.T) {
	rm := NewRunManager()
	rm.AddRun("run", nil, RunConfig{}, nil)
	markRunFinished(rm, "run", StateCancelled, lighttrace.Result{BestObjective: 5, Iterations: 3, Evaluations: 7})

	run, _ := rm.GetRun("run")
	if run.State != StateCancelled || run.Iterations != 3 || run.Evaluations != 7 {
		t.Errorf("Unexpected run %+v", run)
	}
	if run.BestObjective != 0 {
		t.Errorf("Run without improvements should keep its objective, got %g", run.BestObjective)
	}
}

func TestSaveCheckpointSkipsRunWithoutResult(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, &simulator.Linear{Gain: 2}, st)
	s.runs.AddRun("run", nil, RunConfig{ScenePath: "triangle.yaml", Method: "gd"}, []string{"light#0.intensity"})

	if err := s.saveCheckpoint("run"); err != nil {
		t.Fatalf("saveCheckpoint failed: %v", err)
	}
	if _, err := st.LoadCheckpoint("run"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected no checkpoint, got %v", err)
	}
	if err := s.saveCheckpoint("missing"); err == nil {
		t.Error("Expected error for unknown run")
	}
}

func TestMonitorCheckpointsSavesPeriodically(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, &simulator.Linear{Gain: 2}, st)
	s.opts.CheckpointInterval = 10 * time.Millisecond
	s.runs.AddRun("run", nil, RunConfig{ScenePath: "triangle.yaml", Method: "gd"}, []string{"light#0.intensity"})
	s.onImprove("run", lighttrace.Improvement{Index: 0, Phi: 4, Params: []float64{2}})

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		s.monitorCheckpoints("run", done)
		close(stopped)
	}()

	path := filepath.Join(st.RunDir("run"), "checkpoint.json")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("No checkpoint written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(done)
	<-stopped

	cp, err := st.LoadCheckpoint("run")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.Status != store.StatusRunning || cp.BestObjective != 4 {
		t.Errorf("Unexpected checkpoint %+v", cp)
	}
}
