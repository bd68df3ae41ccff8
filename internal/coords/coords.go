package coords

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// System describes the search domain: per-dimension limits and whether the
// domain wraps around (periodic boundary conditions).
//
// A System is immutable after construction and safe for concurrent use.
type System struct {
	limits   [][2]float64
	lower    []float64
	upper    []float64
	size     []float64
	periodic bool
}

// New creates a coordinate system. Each limit pair is sorted, so (1, 0) and
// (0, 1) describe the same interval. Every dimension must have a non-zero size.
func New(limits [][2]float64, periodic bool) (*System, error) {
	if len(limits) == 0 {
		return nil, fmt.Errorf("limits cannot be empty")
	}

	s := &System{
		limits:   make([][2]float64, len(limits)),
		lower:    make([]float64, len(limits)),
		upper:    make([]float64, len(limits)),
		size:     make([]float64, len(limits)),
		periodic: periodic,
	}
	for i, lim := range limits {
		lo, hi := math.Min(lim[0], lim[1]), math.Max(lim[0], lim[1])
		if !(hi > lo) || math.IsInf(hi-lo, 0) {
			return nil, fmt.Errorf("invalid limits for dimension %d: (%g, %g)", i, lim[0], lim[1])
		}
		s.limits[i] = [2]float64{lo, hi}
		s.lower[i] = lo
		s.upper[i] = hi
		s.size[i] = hi - lo
	}
	return s, nil
}

// Dim returns the number of dimensions.
func (s *System) Dim() int { return len(s.limits) }

// Periodic reports whether positions wrap around at the limits.
func (s *System) Periodic() bool { return s.periodic }

// Limits returns a copy of the (lower, upper) pairs.
func (s *System) Limits() [][2]float64 {
	return append([][2]float64(nil), s.limits...)
}

// Size returns a copy of the per-dimension extent (upper - lower).
func (s *System) Size() []float64 {
	return append([]float64(nil), s.size...)
}

// Frac converts an absolute position into fractional coordinates.
//
// For periodic systems the result is wrapped into [0, 1). Otherwise a position
// outside the limits yields a *DomainError, unless clip is set, in which case
// the fractional coordinates are clamped to [0, 1].
func (s *System) Frac(pos []float64, clip bool) ([]float64, error) {
	if err := s.checkDim(pos); err != nil {
		return nil, err
	}
	frac := make([]float64, len(pos))
	for i, x := range pos {
		frac[i] = (x - s.lower[i]) / s.size[i]
	}
	if s.periodic {
		for i, f := range frac {
			frac[i] = wrap(f, 1)
		}
		return frac, nil
	}
	if clip {
		for i, f := range frac {
			frac[i] = math.Max(0, math.Min(f, 1))
		}
		return frac, nil
	}
	for _, f := range frac {
		if !(f >= 0 && f <= 1) {
			return nil, &DomainError{Pos: append([]float64(nil), pos...), Limits: s.Limits()}
		}
	}
	return frac, nil
}

// Pos converts fractional coordinates into an absolute position.
func (s *System) Pos(frac []float64) []float64 {
	pos := make([]float64, len(frac))
	for i, f := range frac {
		pos[i] = f*s.size[i] + s.lower[i]
	}
	return pos
}

// Distance returns the Euclidean distance between two positions. For periodic
// systems each component uses the shorter of the direct and the wrapped delta.
func (s *System) Distance(p1, p2 []float64) float64 {
	delta := make([]float64, len(p1))
	floats.SubTo(delta, p2, p1)
	if s.periodic {
		for i, d := range delta {
			d = wrap(d, s.size[i])
			delta[i] = math.Min(d, s.size[i]-d)
		}
	}
	return floats.Norm(delta, 2)
}

// ConnectingVector returns the shortest vector v such that p1+v is equivalent
// to p2 (modulo the system size, for periodic systems).
func (s *System) ConnectingVector(p1, p2 []float64) []float64 {
	delta := make([]float64, len(p1))
	floats.SubTo(delta, p2, p1)
	if !s.periodic {
		return delta
	}
	for i, d := range delta {
		d = wrap(d, s.size[i])
		if neg := d - s.size[i]; -neg < d {
			d = neg
		}
		delta[i] = d
	}
	return delta
}

// Average returns the mean of the given positions. For periodic systems the
// deltas are taken relative to the first position via ConnectingVector, so
// that points on both sides of a wrap boundary average correctly.
func (s *System) Average(positions [][]float64) ([]float64, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("cannot average an empty set of positions")
	}
	dim := len(positions[0])
	if !s.periodic {
		avg := make([]float64, dim)
		for _, p := range positions {
			floats.Add(avg, p)
		}
		floats.Scale(1/float64(len(positions)), avg)
		return avg, nil
	}

	origin := positions[0]
	mean := make([]float64, dim)
	for _, p := range positions {
		floats.Add(mean, s.ConnectingVector(origin, p))
	}
	floats.Scale(1/float64(len(positions)), mean)
	floats.Add(mean, origin)
	return s.Normalize(mean)
}

// Normalize maps a position into the fundamental domain. Periodic positions
// are wrapped; non-periodic positions are validated against the limits and
// returned unchanged (as a copy), or a *DomainError is returned.
func (s *System) Normalize(pos []float64) ([]float64, error) {
	if err := s.checkDim(pos); err != nil {
		return nil, err
	}
	out := make([]float64, len(pos))
	if s.periodic {
		for i, x := range pos {
			out[i] = wrap(x-s.lower[i], s.size[i]) + s.lower[i]
		}
		return out, nil
	}
	for i, x := range pos {
		if !(x >= s.lower[i] && x <= s.upper[i]) {
			return nil, &DomainError{Pos: append([]float64(nil), pos...), Limits: s.Limits()}
		}
		out[i] = x
	}
	return out, nil
}

func (s *System) checkDim(pos []float64) error {
	if len(pos) != len(s.limits) {
		return fmt.Errorf("position has dimension %d, coordinate system has %d", len(pos), len(s.limits))
	}
	return nil
}

// wrap maps x into [0, m).
func wrap(x, m float64) float64 {
	r := math.Mod(x, m)
	if r < 0 {
		r += m
	}
	// r+m can round up to exactly m for tiny negative r
	if r >= m {
		r = 0
	}
	return r
}
