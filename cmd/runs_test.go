package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/lightfit/internal/store"
)

func TestSelectRunsForDeletion(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{RunID: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{RunID: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{RunID: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{RunID: "run4", Timestamp: now.AddDate(0, 0, -30)},
		{RunID: "run5", Timestamp: now.AddDate(0, 0, -2)},
	}

	tests := []struct {
		name      string
		keepLast  int
		olderThan int
		want      []string
	}{
		{"by age", 0, 7, []string{"run4", "run1"}},
		{"by count", 3, 0, []string{"run4", "run1"}},
		{"combined", 2, 7, []string{"run4", "run1", "run2"}},
		{"nothing", 10, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectRunsForDeletion(infos, tt.keepLast, tt.olderThan, now)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %d runs", tt.want, len(got))
			}
			for i, id := range tt.want {
				if got[i].RunID != id {
					t.Errorf("Position %d: expected %s, got %s", i, id, got[i].RunID)
				}
			}
		})
	}
}

func TestGetDirSize(t *testing.T) {
	tmpDir := t.TempDir()
	content := []byte("Hello, World!")
	if err := os.WriteFile(filepath.Join(tmpDir, "test.txt"), content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	size, err := getDirSize(tmpDir)
	if err != nil {
		t.Fatalf("getDirSize failed: %v", err)
	}
	if size < int64(len(content)) {
		t.Errorf("Expected size >= %d, got %d", len(content), size)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}
	for _, tt := range tests {
		if result := formatBytes(tt.bytes); result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func saveTestRun(t *testing.T, st *store.FSStore, id string, ts time.Time) {
	t.Helper()
	cp := store.NewCheckpoint(id, []float64{1, 2}, []string{"light#0.intensity", "light#1.intensity"}, 0.5, 1.0,
		store.RunConfig{ScenePath: "scene.yaml", Method: "lbfgs"})
	cp.Status = store.StatusCompleted
	cp.Timestamp = ts
	if err := st.SaveCheckpoint(id, cp); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
}

func TestRunsListAndShow(t *testing.T) {
	tmpDir := t.TempDir()
	setGlobal(t, &runsDataDir, tmpDir)

	if err := runListRuns(nil, nil); err != nil {
		t.Errorf("Expected no error for empty store, got %v", err)
	}

	st, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestRun(t, st, "test-run-id", time.Now())

	if err := runListRuns(nil, nil); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := runShowRun(nil, []string{"test-run-id"}); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := runShowRun(nil, []string{"missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRunsCleanRequiresPolicy(t *testing.T) {
	setGlobal(t, &runsDataDir, t.TempDir())
	setGlobal(t, &keepLast, 0)
	setGlobal(t, &olderThanDays, 0)
	if err := runCleanRuns(nil, nil); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestRunsCleanWithForce(t *testing.T) {
	tmpDir := t.TempDir()
	st, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestRun(t, st, "old-run", time.Now().AddDate(0, 0, -30))
	saveTestRun(t, st, "new-run", time.Now())

	setGlobal(t, &runsDataDir, tmpDir)
	setGlobal(t, &keepLast, 0)
	setGlobal(t, &olderThanDays, 7)
	setGlobal(t, &forceClean, true)
	if err := runCleanRuns(nil, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := st.LoadCheckpoint("old-run"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected old run to be deleted, got %v", err)
	}
	if _, err := st.LoadCheckpoint("new-run"); err != nil {
		t.Errorf("New run should be kept: %v", err)
	}
}
