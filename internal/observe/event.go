// Package observe carries the progress of a search to logs, metrics, traces
// and status endpoints. The search controller emits Events into a Sink and
// never logs run events on its own.
package observe

import (
	"sync"
	"time"
)

// Kind identifies the type of an Event.
type Kind string

const (
	KindRunStarted           Kind = "run_started"
	KindMinimizationStarted  Kind = "minimization_started"
	KindMinimizationFinished Kind = "minimization_finished"
	KindSimplexSkipped       Kind = "simplex_skipped"
	KindRefinementQueued     Kind = "refinement_queued"
	KindCheckpointSaved      Kind = "checkpoint_saved"
	KindCheckpointFailed     Kind = "checkpoint_failed"
	KindRunFinished          Kind = "run_finished"
	KindRunFailed            Kind = "run_failed"
)

// Progress is a snapshot of the state of a search.
type Progress struct {
	Nodes            int  `json:"nodes"`
	Rejected         int  `json:"rejected"`
	SimplicesQueued  int  `json:"simplices_queued"`
	SimplicesRunning int  `json:"simplices_running"`
	PositionsQueued  int  `json:"positions_queued"`
	Evaluations      int  `json:"evaluations"`
	Finished         bool `json:"finished"`
}

// Event describes one step of a search. Only the fields relevant to the Kind
// are set.
type Event struct {
	Kind  Kind      `json:"kind"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`

	// Minimization outcome
	Pos      []float64     `json:"pos,omitempty"`
	Value    float64       `json:"value,omitempty"`
	Status   string        `json:"status,omitempty"`
	Accepted bool          `json:"accepted,omitempty"`
	NumFev   int           `json:"num_fev,omitempty"`
	NumIter  int           `json:"num_iter,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// Checkpoint target
	Path string `json:"path,omitempty"`

	Err error `json:"-"`

	Progress Progress `json:"progress"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block for long, since the emitting search waits for Emit to return.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Nop is a Sink that discards every event.
var Nop Sink = SinkFunc(func(Event) {})

type multi []Sink

// Multi returns a Sink that forwards every event to all sinks, in order.
// Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded events of the given kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
