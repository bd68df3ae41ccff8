package search

import (
	"fmt"
	"time"

	"github.com/cwbudde/nodefinder/internal/opt"
	"github.com/cwbudde/nodefinder/internal/queue"
	"github.com/cwbudde/nodefinder/internal/result"
	"github.com/cwbudde/nodefinder/internal/store"
)

// State is the resumable state of a search: the results collected so far and
// the pending work.
type State struct {
	Result    *result.Store
	Simplices *queue.SimplexQueue
	Positions *queue.PositionQueue
}

// NewState creates a state with empty queues around res.
func NewState(res *result.Store) *State {
	return &State{
		Result:    res,
		Simplices: queue.NewSimplexQueue(),
		Positions: queue.NewPositionQueue(),
	}
}

// Finished reports whether no simplex is queued or running and no refinement
// position is pending.
func (s *State) Finished() bool {
	return s.Simplices.Finished() && !s.Positions.HasQueued()
}

// Dirty reports whether the state changed since it was last persisted.
func (s *State) Dirty() bool {
	return s.Result.Dirty() || s.Simplices.Dirty() || s.Positions.Dirty()
}

// MarkClean marks the state as persisted.
func (s *State) MarkClean() {
	s.Result.MarkClean()
	s.Simplices.MarkClean()
	s.Positions.MarkClean()
}

// Checkpoint captures the state. Running simplices are recorded as queued.
func (s *State) Checkpoint(runID string) *store.Checkpoint {
	cs := s.Result.Coords()
	cp := &store.Checkpoint{
		Version:   store.CurrentVersion,
		RunID:     runID,
		Timestamp: time.Now(),
		CoordinateSystem: store.CoordinateSystemRecord{
			Limits:   cs.Limits(),
			Periodic: cs.Periodic(),
		},
		Result: store.ResultRecord{
			Nodes:        records(s.Result.Nodes()),
			Rejected:     records(s.Result.Rejected()),
			GapThreshold: store.Float(s.Result.GapThreshold()),
			DistCutoff:   store.Float(s.Result.DistCutoff()),
			Refined:      nonNil(s.Result.Refined()),
		},
		Queue: store.QueueRecord{
			Simplices:     fromSimplices(s.Simplices.Objects()),
			Positions:     nonNil(s.Positions.Objects()),
			SeenSimplices: fromSimplices(s.Simplices.Seen()),
			SeenPositions: nonNil(s.Positions.Seen()),
		},
	}
	return cp
}

// Restore loads a checkpoint into a state with an empty result store and empty
// queues. The checkpoint must describe the same coordinate system.
func (s *State) Restore(cp *store.Checkpoint) error {
	cs := s.Result.Coords()
	err := cp.IsCompatible(store.CoordinateSystemRecord{Limits: cs.Limits(), Periodic: cs.Periodic()})
	if err != nil {
		return fmt.Errorf("checkpoint does not match the search domain: %w", err)
	}

	if err := s.Result.Restore(
		results(cp.Result.Nodes),
		results(cp.Result.Rejected),
		cp.Result.Refined,
	); err != nil {
		return fmt.Errorf("failed to restore results: %w", err)
	}
	s.Simplices.Restore(toSimplices(cp.Queue.Simplices), toSimplices(cp.Queue.SeenSimplices))
	s.Positions.Restore(cp.Queue.Positions, cp.Queue.SeenPositions)
	return nil
}

func records(results []*opt.Result) []store.MinimizationRecord {
	out := make([]store.MinimizationRecord, len(results))
	for i, res := range results {
		out[i] = store.NewMinimizationRecord(res)
	}
	return out
}

func results(records []store.MinimizationRecord) []*opt.Result {
	out := make([]*opt.Result, len(records))
	for i, rec := range records {
		out[i] = rec.ToResult()
	}
	return out
}

func fromSimplices(simplices []queue.Simplex) [][][]float64 {
	out := make([][][]float64, len(simplices))
	for i, s := range simplices {
		out[i] = s
	}
	return out
}

func toSimplices(simplices [][][]float64) []queue.Simplex {
	out := make([]queue.Simplex, len(simplices))
	for i, s := range simplices {
		out[i] = s
	}
	return out
}

// nonNil keeps empty lists as [] rather than null in the checkpoint.
func nonNil(positions [][]float64) [][]float64 {
	if positions == nil {
		return [][]float64{}
	}
	return positions
}
