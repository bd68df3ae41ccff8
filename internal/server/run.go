package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/nodefinder/internal/observe"
)

// RunState represents the current state of a search run
type RunState string

const (
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// DefaultThrottle limits routine progress events to two per second per run.
const DefaultThrottle = 500 * time.Millisecond

// Run is the status of a search run as reported by the server
type Run struct {
	ID             string           `json:"id"`
	State          RunState         `json:"state"`
	SaveFile       string           `json:"saveFile,omitempty"`
	Progress       observe.Progress `json:"progress"`
	Checkpoints    int              `json:"checkpoints"`
	LastCheckpoint *time.Time       `json:"lastCheckpoint,omitempty"`
	StartTime      time.Time        `json:"startTime"`
	EndTime        *time.Time       `json:"endTime,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Elapsed returns the run time so far, or the total run time once the run
// ended.
func (r Run) Elapsed() time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return time.Since(r.StartTime)
}

// RunManager tracks the status of search runs from their events. It
// implements observe.Sink.
type RunManager struct {
	mu            sync.RWMutex
	runs          map[string]*Run
	latest        string
	lastBroadcast map[string]time.Time

	broadcaster *EventBroadcaster
	throttle    time.Duration
}

// NewRunManager creates a new RunManager
func NewRunManager() *RunManager {
	return &RunManager{
		runs:          make(map[string]*Run),
		lastBroadcast: make(map[string]time.Time),
		broadcaster:   NewEventBroadcaster(),
		throttle:      DefaultThrottle,
	}
}

// Broadcaster returns the broadcaster streaming the progress of all runs.
func (rm *RunManager) Broadcaster() *EventBroadcaster {
	return rm.broadcaster
}

// Emit updates the run the event belongs to and forwards it to stream
// subscribers. Routine events are throttled.
func (rm *RunManager) Emit(e observe.Event) {
	rm.mu.Lock()
	run, ok := rm.runs[e.RunID]
	if !ok {
		run = &Run{ID: e.RunID, State: StateRunning, StartTime: e.Time}
		rm.runs[e.RunID] = run
		rm.latest = e.RunID
	}
	run.Progress = e.Progress

	switch e.Kind {
	case observe.KindRunStarted:
		run.SaveFile = e.Path
	case observe.KindCheckpointSaved:
		run.Checkpoints++
		t := e.Time
		run.LastCheckpoint = &t
	case observe.KindRunFinished:
		run.State = StateCompleted
		t := e.Time
		run.EndTime = &t
	case observe.KindRunFailed:
		run.State = StateFailed
		if errors.Is(e.Err, context.Canceled) {
			run.State = StateCancelled
		}
		if e.Err != nil {
			run.Error = e.Err.Error()
		}
		t := e.Time
		run.EndTime = &t
	}
	state := run.State

	routine := e.Kind == observe.KindMinimizationStarted ||
		(e.Kind == observe.KindMinimizationFinished && !e.Accepted) ||
		e.Kind == observe.KindSimplexSkipped
	if routine && e.Time.Sub(rm.lastBroadcast[e.RunID]) < rm.throttle {
		rm.mu.Unlock()
		return
	}
	rm.lastBroadcast[e.RunID] = e.Time
	rm.mu.Unlock()

	event := ProgressEvent{
		RunID:     e.RunID,
		Kind:      e.Kind,
		State:     state,
		Accepted:  e.Accepted,
		Progress:  e.Progress,
		Timestamp: e.Time,
	}
	if state != StateRunning {
		rm.broadcaster.Close(event)
		return
	}
	rm.broadcaster.Broadcast(event)
}

// GetRun retrieves a copy of the run status by ID
func (rm *RunManager) GetRun(id string) (Run, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	run, exists := rm.runs[id]
	if !exists {
		return Run{}, false
	}
	return *run, true
}

// Latest returns the most recently started run.
func (rm *RunManager) Latest() (Run, bool) {
	rm.mu.RLock()
	id := rm.latest
	rm.mu.RUnlock()
	if id == "" {
		return Run{}, false
	}
	return rm.GetRun(id)
}

// ListRuns returns all runs ordered by start time
func (rm *RunManager) ListRuns() []Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	runs := make([]Run, 0, len(rm.runs))
	for _, run := range rm.runs {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
	return runs
}
