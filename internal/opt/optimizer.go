package opt

import "context"

// Objective evaluates the function being searched at a single position.
// It may block (for example while a batched or remote evaluation completes)
// and must honour ctx cancellation. The position must not be retained or
// modified.
type Objective func(ctx context.Context, pos []float64) (float64, error)

// Minimizer defines a local minimization algorithm started from a simplex
type Minimizer interface {
	// Minimize runs the minimization of f from the given d+1 starting
	// vertices. Non-convergence is reported through Result.Status, not as
	// an error; errors come from the objective or the context.
	Minimize(ctx context.Context, f Objective, simplex [][]float64) (*Result, error)
}

// MinimizerFunc adapts an ordinary function to the Minimizer interface.
type MinimizerFunc func(ctx context.Context, f Objective, simplex [][]float64) (*Result, error)

// Minimize calls fn(ctx, f, simplex).
func (fn MinimizerFunc) Minimize(ctx context.Context, f Objective, simplex [][]float64) (*Result, error) {
	return fn(ctx, f, simplex)
}
