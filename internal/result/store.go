// Package result keeps the outcome of every minimization of a search: the
// accepted nodes, indexed for neighbour queries, the rejected results, and the
// positions already used as refinement centers.
package result

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/cwbudde/nodefinder/internal/celllist"
	"github.com/cwbudde/nodefinder/internal/coords"
	"github.com/cwbudde/nodefinder/internal/opt"
)

// Store holds accepted and rejected minimization results.
//
// A Store is safe for concurrent use. Iterators returned by the neighbour
// queries hold a read lock until iteration ends, so the loop body must not
// call mutating methods on the same Store.
type Store struct {
	mu sync.RWMutex

	coords       *coords.System
	gapThreshold float64
	distCutoff   float64

	nodes    *celllist.CellList[*opt.Result]
	rejected []*opt.Result
	refined  *celllist.CellList[[]float64]

	dirty bool
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	refinedRadius float64
}

// WithRefinedRadius sizes the refinement-center index for queries up to the
// given radius. It defaults to the distance cutoff.
func WithRefinedRadius(r float64) Option {
	return func(o *storeOptions) { o.refinedRadius = r }
}

// New creates an empty store. Results with a value at or below gapThreshold
// are accepted as nodes; distCutoff sets the resolution of the node index.
func New(cs *coords.System, gapThreshold, distCutoff float64, opts ...Option) *Store {
	o := storeOptions{refinedRadius: distCutoff}
	for _, apply := range opts {
		apply(&o)
	}
	refinedCutoff := max(distCutoff, o.refinedRadius)

	return &Store{
		coords:       cs,
		gapThreshold: gapThreshold,
		distCutoff:   distCutoff,
		nodes:        celllist.New[*opt.Result](celllist.NumCellsFor(cs.Size(), distCutoff), cs.Periodic()),
		refined:      celllist.New[[]float64](celllist.NumCellsFor(cs.Size(), refinedCutoff), cs.Periodic()),
	}
}

// Coords returns the coordinate system of the store.
func (s *Store) Coords() *coords.System { return s.coords }

// GapThreshold returns the acceptance cutoff.
func (s *Store) GapThreshold() float64 { return s.gapThreshold }

// DistCutoff returns the distance below which two nodes are considered close.
func (s *Store) DistCutoff() float64 { return s.distCutoff }

// Add records a minimization result. The position is normalized into the
// domain first, which fails with a *coords.DomainError for a non-periodic
// position outside the limits. The result is accepted as a node if it
// converged with a value not above the gap threshold.
func (s *Store) Add(res *opt.Result) (bool, error) {
	pos, err := s.coords.Normalize(res.Pos)
	if err != nil {
		return false, fmt.Errorf("failed to add result: %w", err)
	}
	stored := *res
	stored.Pos = pos

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true

	if !stored.Success || !(stored.Value <= s.gapThreshold) {
		s.rejected = append(s.rejected, &stored)
		return false, nil
	}
	if err := s.insertNode(&stored); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) insertNode(res *opt.Result) error {
	frac, err := s.coords.Frac(res.Pos, false)
	if err != nil {
		return err
	}
	s.nodes.Add(frac, res)
	return nil
}

// AddRefined records pos as a refinement center.
func (s *Store) AddRefined(pos []float64) error {
	pos, err := s.coords.Normalize(pos)
	if err != nil {
		return fmt.Errorf("failed to add refinement center: %w", err)
	}
	frac, err := s.coords.Frac(pos, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refined.Add(frac, pos)
	s.dirty = true
	return nil
}

// NeighbourDistances yields the distances from pos to the nodes stored in the
// index buckets around it. Nodes located exactly at pos are skipped. The
// sequence is a superset of the nodes within the distance cutoff and is
// unordered; callers filter by distance.
func (s *Store) NeighbourDistances(pos []float64) iter.Seq[float64] {
	return func(yield func(float64) bool) {
		frac, err := s.coords.Frac(pos, true)
		if err != nil {
			return
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		for node := range s.nodes.Neighbours(frac) {
			if slices.Equal(node.Pos, pos) {
				continue
			}
			if !yield(s.coords.Distance(pos, node.Pos)) {
				return
			}
		}
	}
}

// AllNeighbourDistances returns NeighbourDistances as a slice. It is empty,
// not nil, when no node is nearby.
func (s *Store) AllNeighbourDistances(pos []float64) []float64 {
	dists := make([]float64, 0)
	for d := range s.NeighbourDistances(pos) {
		dists = append(dists, d)
	}
	return dists
}

// RefinedNeighbourDistances yields the distances from pos to the refinement
// centers stored in the index buckets around it.
func (s *Store) RefinedNeighbourDistances(pos []float64) iter.Seq[float64] {
	return func(yield func(float64) bool) {
		frac, err := s.coords.Frac(pos, true)
		if err != nil {
			return
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		for center := range s.refined.Neighbours(frac) {
			if !yield(s.coords.Distance(pos, center)) {
				return
			}
		}
	}
}

// CountWithin counts the distances in seq that are at most radius.
func CountWithin(seq iter.Seq[float64], radius float64) int {
	n := 0
	for d := range seq {
		if d <= radius {
			n++
		}
	}
	return n
}

// Nodes returns the accepted results in insertion order.
func (s *Store) Nodes() []*opt.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes.Values())
}

// NumNodes returns the number of accepted results.
func (s *Store) NumNodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes.Len()
}

// Rejected returns the rejected results in insertion order.
func (s *Store) Rejected() []*opt.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rejected)
}

// NumRejected returns the number of rejected results.
func (s *Store) NumRejected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rejected)
}

// Refined returns the refinement centers in insertion order.
func (s *Store) Refined() [][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.refined.Values())
}

// Representatives picks one node per group of nodes closer than sep to each
// other. Nodes are visited by ascending value, so every representative is the
// best node of its group. The selection is greedy; it is a summary of the
// distinct roots, not a clustering.
func (s *Store) Representatives(sep float64) []*opt.Result {
	nodes := s.Nodes()
	slices.SortStableFunc(nodes, func(a, b *opt.Result) int { return cmp.Compare(a.Value, b.Value) })

	picked := celllist.New[*opt.Result](celllist.NumCellsFor(s.coords.Size(), sep), s.coords.Periodic())
	var reps []*opt.Result
	for _, node := range nodes {
		frac, err := s.coords.Frac(node.Pos, true)
		if err != nil {
			continue
		}
		near := false
		for rep := range picked.Neighbours(frac) {
			if s.coords.Distance(rep.Pos, node.Pos) < sep {
				near = true
				break
			}
		}
		if near {
			continue
		}
		picked.Add(frac, node)
		reps = append(reps, node)
	}
	return reps
}

// Restore loads previously persisted content into an empty store. Nodes are
// inserted as they are, without re-checking the acceptance criterion.
func (s *Store) Restore(nodes, rejected []*opt.Result, refined [][]float64) error {
	for _, node := range nodes {
		pos, err := s.coords.Normalize(node.Pos)
		if err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
		node.Pos = pos
		s.mu.Lock()
		err = s.insertNode(node)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}

	s.mu.Lock()
	s.rejected = append(s.rejected, rejected...)
	s.mu.Unlock()

	for _, pos := range refined {
		if err := s.AddRefined(pos); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Dirty reports whether the store changed since the last MarkClean.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkClean resets the dirty flag after the content has been persisted.
func (s *Store) MarkClean() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}
