// Package celllist implements a bucketed spatial index over fractional
// coordinates. A query returns every value stored in the 3^d buckets around
// the bucket owning the query point, which is a superset of the values within
// one bucket width; callers filter by exact distance.
package celllist

import (
	"iter"
	"math"
)

// MaxCellsPerDim bounds the per-dimension resolution to keep the number of
// buckets manageable.
const MaxCellsPerDim = 100

// NumCellsFor returns the per-dimension bucket count for a domain of the given
// size, such that each bucket is at least cutoff wide. The count is clamped
// to [1, MaxCellsPerDim]; a non-positive cutoff selects the maximum.
func NumCellsFor(size []float64, cutoff float64) []int {
	n := make([]int, len(size))
	for i, s := range size {
		if cutoff <= 0 {
			n[i] = MaxCellsPerDim
			continue
		}
		c := math.Floor(s / cutoff)
		n[i] = int(math.Max(1, math.Min(c, MaxCellsPerDim)))
	}
	return n
}

// CellList stores values of type T in buckets keyed by fractional position.
//
// For non-periodic lists one extra boundary layer is added on each side, so
// that fractions slightly outside [0, 1] still map to a valid bucket.
//
// A CellList is not safe for concurrent mutation.
type CellList[T any] struct {
	numCells []int
	total    []int
	strides  []int
	periodic bool

	offsets    [][]int
	dedupCells bool

	cells  map[int][]T
	values []T
}

// New creates an empty cell list with numCells buckets per dimension.
// Every entry of numCells must be positive.
func New[T any](numCells []int, periodic bool) *CellList[T] {
	dim := len(numCells)
	c := &CellList[T]{
		numCells: append([]int(nil), numCells...),
		total:    make([]int, dim),
		strides:  make([]int, dim),
		periodic: periodic,
		cells:    make(map[int][]T),
	}

	stride := 1
	for i := dim - 1; i >= 0; i-- {
		if numCells[i] <= 0 {
			panic("celllist: number of cells must be positive")
		}
		c.total[i] = numCells[i]
		if !periodic {
			c.total[i] += 2
		}
		if c.total[i] < 3 {
			// wrapped neighbour offsets collide
			c.dedupCells = true
		}
		c.strides[i] = stride
		stride *= c.total[i]
	}

	c.offsets = neighbourOffsets(dim)
	return c
}

// neighbourOffsets enumerates {-1, 0, 1}^dim.
func neighbourOffsets(dim int) [][]int {
	offsets := [][]int{{}}
	for d := 0; d < dim; d++ {
		next := make([][]int, 0, len(offsets)*3)
		for _, o := range offsets {
			for _, step := range []int{-1, 0, 1} {
				next = append(next, append(append([]int(nil), o...), step))
			}
		}
		offsets = next
	}
	return offsets
}

// index returns the per-dimension bucket index owning frac.
func (c *CellList[T]) index(frac []float64) []int {
	idx := make([]int, len(c.numCells))
	for i, f := range frac {
		v := int(math.Floor(f * float64(c.numCells[i])))
		if c.periodic {
			v %= c.numCells[i]
			if v < 0 {
				v += c.numCells[i]
			}
		} else {
			v++
			v = max(0, min(v, c.total[i]-1))
		}
		idx[i] = v
	}
	return idx
}

func (c *CellList[T]) flat(idx []int) int {
	key := 0
	for i, v := range idx {
		key += v * c.strides[i]
	}
	return key
}

// Add stores value in the bucket owning frac.
func (c *CellList[T]) Add(frac []float64, value T) {
	key := c.flat(c.index(frac))
	c.cells[key] = append(c.cells[key], value)
	c.values = append(c.values, value)
}

// Neighbours yields the values stored in the buckets surrounding the bucket
// owning frac, including that bucket itself.
func (c *CellList[T]) Neighbours(frac []float64) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, key := range c.neighbourKeys(c.index(frac)) {
			for _, v := range c.cells[key] {
				if !yield(v) {
					return
				}
			}
		}
	}
}

func (c *CellList[T]) neighbourKeys(idx []int) []int {
	keys := make([]int, 0, len(c.offsets))
	var seen map[int]struct{}
	if c.dedupCells {
		seen = make(map[int]struct{}, len(c.offsets))
	}

	cell := make([]int, len(idx))
outer:
	for _, off := range c.offsets {
		for i := range idx {
			v := idx[i] + off[i]
			if c.periodic {
				v = (v + c.total[i]) % c.total[i]
			} else if v < 0 || v >= c.total[i] {
				continue outer
			}
			cell[i] = v
		}
		key := c.flat(cell)
		if seen != nil {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		keys = append(keys, key)
	}
	return keys
}

// Values returns all stored values in insertion order.
func (c *CellList[T]) Values() []T { return c.values }

// Len returns the number of stored values.
func (c *CellList[T]) Len() int { return len(c.values) }

// NumCells returns the per-dimension bucket count (excluding boundary layers).
func (c *CellList[T]) NumCells() []int { return append([]int(nil), c.numCells...) }
