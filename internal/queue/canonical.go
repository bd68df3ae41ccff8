package queue

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

// significantDigits bounds the precision that takes part in object identity,
// so that positions differing only by rounding noise compare equal.
const significantDigits = 12

// Simplex is a minimizer starting configuration of d+1 positions.
type Simplex [][]float64

// CanonicalPosition returns a rounded copy of pos.
func CanonicalPosition(pos []float64) []float64 {
	out := make([]float64, len(pos))
	for i, x := range pos {
		out[i] = round(x)
	}
	return out
}

// CanonicalSimplex returns a copy of s with rounded coordinates and the
// vertices in lexicographic order.
func CanonicalSimplex(s Simplex) Simplex {
	out := make(Simplex, len(s))
	for i, v := range s {
		out[i] = CanonicalPosition(v)
	}
	slices.SortFunc(out, func(a, b []float64) int { return slices.Compare(a, b) })
	return out
}

// PositionKey returns the identity of a canonical position.
func PositionKey(pos []float64) string {
	var b strings.Builder
	writePosition(&b, pos)
	return b.String()
}

// SimplexKey returns the identity of a canonical simplex.
func SimplexKey(s Simplex) string {
	var b strings.Builder
	for i, v := range s {
		if i > 0 {
			b.WriteByte('|')
		}
		writePosition(&b, v)
	}
	return b.String()
}

func writePosition(b *strings.Builder, pos []float64) {
	for i, x := range pos {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	}
}

func round(x float64) float64 {
	if x == 0 {
		// -0 and 0 share one identity
		return 0
	}
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return x
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(x, 'g', significantDigits, 64), 64)
	if err != nil {
		return x
	}
	return r
}

// SimplexQueue is the running queue of canonical simplices.
type SimplexQueue = RunningQueue[Simplex]

// PositionQueue is the queue of canonical refinement positions.
type PositionQueue = ObjectQueue[[]float64]

// NewSimplexQueue creates an empty simplex queue.
func NewSimplexQueue() *SimplexQueue {
	return NewRunningQueue(CanonicalSimplex, SimplexKey)
}

// NewPositionQueue creates an empty position queue.
func NewPositionQueue() *PositionQueue {
	return NewObjectQueue(CanonicalPosition, PositionKey)
}
