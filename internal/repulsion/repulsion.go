// Package repulsion biases minimizations away from roots that were already
// found, so that concurrent and later minimizations explore new regions.
package repulsion

import (
	"context"
	"fmt"
	"iter"
	"math"

	"github.com/cwbudde/nodefinder/internal/opt"
)

// DefaultBlowUp is the factor by which the final biased simplex is enlarged
// around its best vertex before the unbiased minimization continues.
const DefaultBlowUp = 5.0

// NeighbourSource provides distances from a position to known roots. The
// sequence may contain roots farther away than any width of interest.
type NeighbourSource interface {
	NeighbourDistances(pos []float64) iter.Seq[float64]
}

// Potential is a penalty that is largest on known roots and vanishes at
// Width and beyond.
type Potential struct {
	Source NeighbourSource
	Width  float64
	Height float64
}

// NewPotential creates a repulsion potential of the given width and height.
func NewPotential(source NeighbourSource, width, height float64) (*Potential, error) {
	if !(width > 0) {
		return nil, fmt.Errorf("repulsion width must be positive, got %g", width)
	}
	if !(height >= 0) {
		return nil, fmt.Errorf("repulsion height must be non-negative, got %g", height)
	}
	return &Potential{Source: source, Width: width, Height: height}, nil
}

// Bump returns the penalty contributed by one root at distance d: a raised
// cosine falling from Height at d = 0 to zero at d = Width.
func (p *Potential) Bump(d float64) float64 {
	if !(d < p.Width) {
		return 0
	}
	return p.Height * 0.5 * (1 + math.Cos(math.Pi*d/p.Width))
}

// Penalty sums the bumps of all known roots near pos.
func (p *Potential) Penalty(pos []float64) float64 {
	total := 0.0
	for d := range p.Source.NeighbourDistances(pos) {
		total += p.Bump(d)
	}
	return total
}

// Wrap returns f with the penalty added.
func (p *Potential) Wrap(f opt.Objective) opt.Objective {
	return func(ctx context.Context, pos []float64) (float64, error) {
		val, err := f(ctx, pos)
		if err != nil {
			return 0, err
		}
		return val + p.Penalty(pos), nil
	}
}

// Minimizer runs the two-phase repulsion protocol.
//
// The first phase minimizes the biased objective with the value tolerance
// disabled, since the biased surface need not have a minimum at zero. The
// final simplex of that phase is enlarged by BlowUp around its best vertex and
// the unbiased objective is minimized from there. The returned result is the
// join of both phases.
type Minimizer struct {
	Potential *Potential
	Options   opt.Options
	BlowUp    float64
}

// NewMinimizer creates a two-phase minimizer with DefaultBlowUp.
func NewMinimizer(p *Potential, opts opt.Options) *Minimizer {
	return &Minimizer{Potential: p, Options: opts, BlowUp: DefaultBlowUp}
}

// Minimize implements opt.Minimizer.
func (m *Minimizer) Minimize(ctx context.Context, f opt.Objective, simplex [][]float64) (*opt.Result, error) {
	biased := m.Options
	biased.FTol = math.Inf(1)

	first, err := opt.Minimize(ctx, m.Potential.Wrap(f), simplex, biased)
	if err != nil {
		return nil, err
	}

	second, err := opt.Minimize(ctx, f, BlowUp(first.FinalSimplex, m.blowUp()), m.Options)
	if err != nil {
		return nil, err
	}
	return opt.Join(first, second), nil
}

func (m *Minimizer) blowUp() float64 {
	if m.BlowUp > 0 {
		return m.BlowUp
	}
	return DefaultBlowUp
}

// BlowUp scales simplex by factor around its first vertex.
func BlowUp(simplex [][]float64, factor float64) [][]float64 {
	out := make([][]float64, len(simplex))
	origin := simplex[0]
	for i, v := range simplex {
		out[i] = make([]float64, len(v))
		for k := range v {
			out[i][k] = origin[k] + factor*(v[k]-origin[k])
		}
	}
	return out
}
