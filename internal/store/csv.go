package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gocarina/gocsv"
)

// Vector is a parameter vector stored as one space-separated CSV field.
type Vector []float64

func (v Vector) MarshalCSV() (string, error) {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, " "), nil
}

func (v *Vector) UnmarshalCSV(s string) error {
	fields := strings.Fields(s)
	out := make(Vector, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
		out[i] = x
	}
	*v = out
	return nil
}

// HistoryRow is one line of history.csv.
type HistoryRow struct {
	Index     int     `csv:"index"`
	Objective float64 `csv:"objective"`
	Params    Vector  `csv:"params"`
}

func historyPath(baseDir, runID string) string {
	return filepath.Join(runDir(baseDir, runID), "history.csv")
}

// HistoryWriter appends rows to a run's history.csv, writing the header
// with the first row.
type HistoryWriter struct {
	mu            sync.Mutex
	file          *os.File
	headerWritten bool
}

// NewHistoryWriter creates or truncates <baseDir>/runs/<runID>/history.csv.
func NewHistoryWriter(baseDir, runID string) (*HistoryWriter, error) {
	if err := os.MkdirAll(runDir(baseDir, runID), 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	f, err := os.Create(historyPath(baseDir, runID))
	if err != nil {
		return nil, fmt.Errorf("creating history.csv: %w", err)
	}
	return &HistoryWriter{file: f}, nil
}

// Write appends rows.
func (hw *HistoryWriter) Write(rows ...HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if !hw.headerWritten {
		if err := gocsv.Marshal(rows, hw.file); err != nil {
			return fmt.Errorf("writing history: %w", err)
		}
		hw.headerWritten = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(rows, hw.file); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	return nil
}

// Close closes the file.
func (hw *HistoryWriter) Close() error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.file.Close()
}

// WriteHistory replaces a run's history.csv with rows.
func WriteHistory(baseDir, runID string, rows []HistoryRow) error {
	hw, err := NewHistoryWriter(baseDir, runID)
	if err != nil {
		return err
	}
	if err := hw.Write(rows...); err != nil {
		hw.Close()
		return err
	}
	return hw.Close()
}

// ReadHistory loads a run's history.csv.
func ReadHistory(baseDir, runID string) ([]HistoryRow, error) {
	f, err := os.Open(historyPath(baseDir, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("opening history.csv: %w", err)
	}
	defer f.Close()

	var rows []HistoryRow
	err = gocsv.UnmarshalFile(f, &rows)
	if errors.Is(err, gocsv.ErrEmptyCSVFile) {
		return []HistoryRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history.csv: %w", err)
	}
	return rows, nil
}
