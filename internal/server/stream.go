package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwbudde/nodefinder/internal/observe"
)

// ProgressEvent represents a progress update event
type ProgressEvent struct {
	RunID     string           `json:"runId"`
	Kind      observe.Kind     `json:"kind"`
	State     RunState         `json:"state"`
	Accepted  bool             `json:"accepted,omitempty"`
	Progress  observe.Progress `json:"progress"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventBroadcaster manages SSE connections for the runs
type EventBroadcaster struct {
	mu        sync.RWMutex
	clients   map[string]map[chan ProgressEvent]bool // runID -> set of client channels
	lastEvent map[string]ProgressEvent               // runID -> last event for new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe adds a client to receive events for a run
func (eb *EventBroadcaster) Subscribe(runID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 10) // Buffered to prevent blocking

	if eb.clients[runID] == nil {
		eb.clients[runID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[runID][ch] = true

	// Send last event if available (for reconnecting clients)
	if lastEvent, ok := eb.lastEvent[runID]; ok {
		select {
		case ch <- lastEvent:
		default:
		}
	}

	slog.Debug("SSE client subscribed", "runID", runID, "total_clients", len(eb.clients[runID]))
	return ch
}

// Unsubscribe removes a client from receiving events
func (eb *EventBroadcaster) Unsubscribe(runID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[runID]; ok {
		if _, subscribed := clients[ch]; subscribed {
			delete(clients, ch)
			close(ch)
		}
		if len(clients) == 0 {
			delete(eb.clients, runID)
		}
	}

	slog.Debug("SSE client unsubscribed", "runID", runID)
}

// Broadcast sends an event to all subscribed clients for a run
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.RunID] = event

	clients, ok := eb.clients[event.RunID]
	if !ok || len(clients) == 0 {
		return
	}

	for ch := range clients {
		select {
		case ch <- event:
		default:
			// Channel full, skip this client (prevents blocking)
			slog.Warn("SSE channel full, skipping event", "runID", event.RunID)
		}
	}
}

// Close sends the final event of a run to its subscribers, closes their
// channels and forgets the run.
func (eb *EventBroadcaster) Close(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[event.RunID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, dropping final event", "runID", event.RunID)
		}
		close(ch)
	}
	delete(eb.clients, event.RunID)
	delete(eb.lastEvent, event.RunID)
	slog.Debug("Closed SSE stream", "runID", event.RunID)
}

// handleRunStream handles SSE connections for run progress
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	run, exists := s.runs.GetRun(runID)
	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	eventChan := s.runs.Broadcaster().Subscribe(runID)
	defer s.runs.Broadcaster().Unsubscribe(runID, eventChan)

	// the run may have ended before the subscription
	run, _ = s.runs.GetRun(runID)
	if run.State != StateRunning {
		if err := writeSSEEvent(w, finalEvent(run)); err != nil {
			slog.Error("Failed to write final SSE event", "error", err)
			return
		}
		flusher.Flush()
		return
	}

	// Send initial event with current run state
	initialEvent := ProgressEvent{
		RunID:     run.ID,
		State:     run.State,
		Progress:  run.Progress,
		Timestamp: time.Now(),
	}
	if err := writeSSEEvent(w, initialEvent); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "runID", runID)
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.Kind == observe.KindRunFinished || event.Kind == observe.KindRunFailed {
				return
			}

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// finalEvent describes an ended run.
func finalEvent(run Run) ProgressEvent {
	kind := observe.KindRunFailed
	if run.State == StateCompleted {
		kind = observe.KindRunFinished
	}
	ts := time.Now()
	if run.EndTime != nil {
		ts = *run.EndTime
	}
	return ProgressEvent{
		RunID:     run.ID,
		Kind:      kind,
		State:     run.State,
		Progress:  run.Progress,
		Timestamp: ts,
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// SSE format: "event: kind\ndata: {json}\n\n"
	if event.Kind != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Kind); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
