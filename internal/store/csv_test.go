package store

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestHistoryCSVRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	hw, err := NewHistoryWriter(tmpDir, "run")
	if err != nil {
		t.Fatalf("NewHistoryWriter failed: %v", err)
	}
	if err := hw.Write(HistoryRow{Index: 0, Objective: 12, Params: Vector{1, -0.5}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := hw.Write(HistoryRow{Index: 1, Objective: 0.25, Params: Vector{2.75, 1e-9}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := hw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(historyPath(tmpDir, "run"))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "index,objective,params"); n != 1 {
		t.Errorf("Expected header once, found %d times:\n%s", n, data)
	}

	rows, err := ReadHistory(tmpDir, "run")
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[1].Index != 1 || rows[1].Objective != 0.25 {
		t.Errorf("Unexpected row %+v", rows[1])
	}
	if len(rows[1].Params) != 2 || rows[1].Params[0] != 2.75 || rows[1].Params[1] != 1e-9 {
		t.Errorf("Params not restored exactly: %v", rows[1].Params)
	}
}

func TestWriteHistoryReplaces(t *testing.T) {
	tmpDir := t.TempDir()
	if err := WriteHistory(tmpDir, "run", []HistoryRow{{Index: 0, Params: Vector{1}}, {Index: 1, Params: Vector{2}}}); err != nil {
		t.Fatalf("WriteHistory failed: %v", err)
	}
	if err := WriteHistory(tmpDir, "run", []HistoryRow{{Index: 0, Objective: 3, Params: Vector{4}}}); err != nil {
		t.Fatalf("WriteHistory failed: %v", err)
	}
	rows, err := ReadHistory(tmpDir, "run")
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Params[0] != 4 {
		t.Errorf("Expected replaced history, got %+v", rows)
	}
}

func TestReadHistoryNotFound(t *testing.T) {
	if _, err := ReadHistory(t.TempDir(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestVectorRejectsGarbage(t *testing.T) {
	var v Vector
	if err := v.UnmarshalCSV("1 two 3"); err == nil {
		t.Error("Expected parse error")
	}
	if err := v.UnmarshalCSV(""); err != nil || len(v) != 0 {
		t.Errorf("Expected empty vector, got %v (%v)", v, err)
	}
}
