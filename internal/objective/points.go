// Package objective provides objectives for the search: a built-in test
// potential and a client for remote batch evaluation.
package objective

import (
	"context"
	"fmt"
	"math"

	"github.com/cwbudde/nodefinder/internal/batch"
	"github.com/cwbudde/nodefinder/internal/coords"
	"github.com/cwbudde/nodefinder/internal/opt"
)

// Points returns an objective whose value is the distance from a position to
// the nearest of roots, measured in cs. Its roots are exactly the given
// positions.
func Points(cs *coords.System, roots [][]float64) (opt.Objective, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root is required")
	}
	for i, r := range roots {
		if len(r) != cs.Dim() {
			return nil, fmt.Errorf("root %d has dimension %d, expected %d", i, len(r), cs.Dim())
		}
	}
	roots = clone(roots)

	return func(ctx context.Context, pos []float64) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if len(pos) != cs.Dim() {
			return 0, fmt.Errorf("position has dimension %d, expected %d", len(pos), cs.Dim())
		}
		best := math.Inf(1)
		for _, r := range roots {
			best = min(best, cs.Distance(pos, r))
		}
		return best, nil
	}, nil
}

// PointsBatch is the batch form of Points.
func PointsBatch(cs *coords.System, roots [][]float64) (batch.BatchFunc, error) {
	f, err := Points(cs, roots)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, positions [][]float64) ([]float64, error) {
		out := make([]float64, len(positions))
		for i, pos := range positions {
			v, err := f(ctx, pos)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}, nil
}

func clone(positions [][]float64) [][]float64 {
	out := make([][]float64, len(positions))
	for i, p := range positions {
		out[i] = append([]float64(nil), p...)
	}
	return out
}
