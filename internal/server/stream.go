package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is the SSE payload describing a run.
type ProgressEvent struct {
	RunID string   `json:"runId"`
	State RunState `json:"state"`

	// Improvements is the number of history entries so far.
	Improvements int `json:"improvements"`

	// BestObjective is the lowest composite objective observed.
	BestObjective float64 `json:"bestObjective"`

	// Iterations and Evaluations are only known once the run ended.
	Iterations  int `json:"iterations"`
	Evaluations int `json:"evaluations"`

	// Elapsed is the run time in seconds, frozen at the end time.
	Elapsed   float64   `json:"elapsed"`
	Timestamp time.Time `json:"timestamp"`
}

// progressOf builds the event for a run snapshot.
func progressOf(run Run) ProgressEvent {
	end := time.Now()
	if run.EndTime != nil {
		end = *run.EndTime
	}
	return ProgressEvent{
		RunID:         run.ID,
		State:         run.State,
		Improvements:  run.Improvements,
		BestObjective: run.BestObjective,
		Iterations:    run.Iterations,
		Evaluations:   run.Evaluations,
		Elapsed:       end.Sub(run.StartTime).Seconds(),
		Timestamp:     time.Now(),
	}
}

// EventBroadcaster fans progress events out to the SSE clients of each run.
type EventBroadcaster struct {
	mu sync.Mutex

	// clients maps a run ID to its subscribed channels.
	clients map[string]map[chan ProgressEvent]bool

	// lastEvent replays the latest event to late subscribers.
	lastEvent map[string]ProgressEvent
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a client for a run. The last event of the run, if
// any, is delivered immediately.
func (eb *EventBroadcaster) Subscribe(runID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	// Buffered so Broadcast never waits on a slow reader.
	ch := make(chan ProgressEvent, 10)
	if eb.clients[runID] == nil {
		eb.clients[runID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[runID][ch] = true
	if last, ok := eb.lastEvent[runID]; ok {
		ch <- last
	}
	slog.Debug("SSE client subscribed", "runID", runID, "total_clients", len(eb.clients[runID]))
	return ch
}

// Unsubscribe removes and closes a client channel.
func (eb *EventBroadcaster) Unsubscribe(runID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	// CleanupRun may have closed ch already.
	if clients, ok := eb.clients[runID]; ok && clients[ch] {
		delete(clients, ch)
		close(ch)
		if len(clients) == 0 {
			delete(eb.clients, runID)
		}
	}
	slog.Debug("SSE client unsubscribed", "runID", runID)
}

// Broadcast sends an event to every client of its run without blocking.
// Slow clients miss events.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	// lastEvent is written here, so a read lock is not enough.
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.RunID] = event
	for ch := range eb.clients[event.RunID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "runID", event.RunID)
		}
	}
}

// CleanupRun closes all clients of a run and forgets its last event.
func (eb *EventBroadcaster) CleanupRun(runID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for ch := range eb.clients[runID] {
		close(ch)
	}
	delete(eb.clients, runID)
	delete(eb.lastEvent, runID)
	slog.Debug("Cleaned up SSE resources", "runID", runID)
}

// handleRunStream serves GET /api/v1/runs/{id}/stream. The stream ends
// after the event reporting the end of the run.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, ok := s.runs.GetRun(runID)
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before sending the snapshot so no event is lost in between.
	events := s.runs.broadcaster.Subscribe(runID)
	defer s.runs.broadcaster.Unsubscribe(runID, events)

	initial := progressOf(run)
	if err := writeSSEEvent(w, initial); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()
	if initial.State.Terminal() {
		return
	}

	// Keep proxies from closing an idle connection.
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("SSE client disconnected", "runID", runID)
			return
		case event, ok := <-events:
			if !ok {
				return // channel closed by CleanupRun
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.State.Terminal() {
				return
			}
		case <-ping.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one "data: {json}" frame.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
