package opt

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Nelder-Mead step coefficients
const (
	rho   = 1.0 // reflection
	chi   = 2.0 // expansion
	psi   = 0.5 // contraction
	sigma = 0.5 // shrink
)

// Options configures the root-finding Nelder-Mead minimizer.
type Options struct {
	// XTol is the maximum coordinate spread between the best vertex and
	// the other vertices for the simplex to count as collapsed.
	XTol float64 `json:"xtol" yaml:"xtol"`

	// FTol is the maximum spread of function values for the simplex to
	// count as collapsed. Use math.Inf(1) to rely on XTol and budgets only.
	FTol float64 `json:"ftol" yaml:"ftol"`

	// MaxIter and MaxFev bound iterations and function evaluations.
	// Zero selects 200 times the dimension.
	MaxIter int `json:"maxiter" yaml:"maxiter"`
	MaxFev  int `json:"maxfev" yaml:"maxfev"`

	// FPrimeCutoff aborts the minimization once the best value divided by
	// the longest simplex edge exceeds it. Zero disables the check.
	FPrimeCutoff float64 `json:"fprime_cutoff" yaml:"fprime_cutoff"`

	// KeepHistory records every simplex and its values in the result.
	KeepHistory bool `json:"keep_history" yaml:"keep_history"`
}

// NelderMead is a derivative-free simplex minimizer, modified for root
// finding by the FPrimeCutoff abort criterion.
type NelderMead struct {
	Options Options
}

// NewNelderMead creates a Nelder-Mead minimizer with the given options.
func NewNelderMead(opts Options) *NelderMead {
	return &NelderMead{Options: opts}
}

// Minimize implements Minimizer.
func (nm *NelderMead) Minimize(ctx context.Context, f Objective, simplex [][]float64) (*Result, error) {
	return Minimize(ctx, f, simplex, nm.Options)
}

type vertex struct {
	x []float64
	f float64
}

// Minimize runs the Nelder-Mead algorithm on f, starting from the given
// simplex of d+1 vertices.
//
// Termination is checked at the start of every iteration, in order:
// fprime cutoff, simplex collapse (success), evaluation budget, iteration
// budget. NaN objective values are treated as +Inf.
func Minimize(ctx context.Context, f Objective, simplex [][]float64, opts Options) (*Result, error) {
	if len(simplex) == 0 {
		return nil, fmt.Errorf("initial simplex cannot be empty")
	}
	n := len(simplex[0])
	if n == 0 || len(simplex) != n+1 {
		return nil, fmt.Errorf("initial simplex must have d+1 vertices of dimension d, got %d vertices of dimension %d", len(simplex), n)
	}
	for i, v := range simplex {
		if len(v) != n {
			return nil, fmt.Errorf("vertex %d has dimension %d, expected %d", i, len(v), n)
		}
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = 200 * n
	}
	maxFev := opts.MaxFev
	if maxFev <= 0 {
		maxFev = 200 * n
	}

	fev := 0
	eval := func(ctx context.Context, x []float64) (float64, error) {
		fev++
		val, err := f(ctx, append([]float64(nil), x...))
		if err != nil {
			return 0, err
		}
		if math.IsNaN(val) {
			val = math.Inf(1)
		}
		return val, nil
	}

	sim := make([]vertex, n+1)
	for i, x := range simplex {
		sim[i] = vertex{x: append([]float64(nil), x...)}
	}
	if err := evalConcurrent(ctx, f, sim); err != nil {
		return nil, err
	}
	fev += len(sim)
	sortVertices(sim)

	res := &Result{}
	record := func() {
		if opts.KeepHistory {
			xs, fs := snapshot(sim)
			res.SimplexHistory = append(res.SimplexHistory, xs)
			res.ValueHistory = append(res.ValueHistory, fs)
		}
	}
	record()

	iterations := 1
	var status Status
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.FPrimeCutoff > 0 && fprimeEstimate(sim) > opts.FPrimeCutoff {
			status = StatusFPrimeCutoff
			break
		}
		if collapsed(sim, opts.XTol, opts.FTol) {
			status = StatusSuccess
			break
		}
		if fev >= maxFev {
			status = StatusMaxFev
			break
		}
		if iterations >= maxIter {
			status = StatusMaxIter
			break
		}

		if err := step(ctx, eval, f, sim, &fev); err != nil {
			return nil, err
		}
		sortVertices(sim)
		iterations++
		record()
	}

	res.FinalSimplex, res.FinalValues = snapshot(sim)
	res.Pos = append([]float64(nil), sim[0].x...)
	res.Value = sim[0].f
	res.Status = status
	res.Success = status == StatusSuccess
	res.Message = status.Message()
	res.NumIter = iterations
	res.NumFev = fev
	return res, nil
}

// step performs one reflect / expand / contract / shrink update of sim,
// which must be sorted best-first.
func step(ctx context.Context, eval func(context.Context, []float64) (float64, error), f Objective, sim []vertex, fev *int) error {
	n := len(sim) - 1
	best, worst := sim[0], sim[n]

	xbar := make([]float64, len(best.x))
	for _, v := range sim[:n] {
		floats.Add(xbar, v.x)
	}
	floats.Scale(1/float64(n), xbar)

	xr := affine(1+rho, xbar, -rho, worst.x)
	fxr, err := eval(ctx, xr)
	if err != nil {
		return err
	}

	if fxr < best.f {
		xe := affine(1+rho*chi, xbar, -rho*chi, worst.x)
		fxe, err := eval(ctx, xe)
		if err != nil {
			return err
		}
		if fxe < fxr {
			sim[n] = vertex{x: xe, f: fxe}
		} else {
			sim[n] = vertex{x: xr, f: fxr}
		}
		return nil
	}

	if fxr < sim[n-1].f {
		sim[n] = vertex{x: xr, f: fxr}
		return nil
	}

	shrink := false
	if fxr < worst.f {
		// outside contraction
		xc := affine(1+psi*rho, xbar, -psi*rho, worst.x)
		fxc, err := eval(ctx, xc)
		if err != nil {
			return err
		}
		if fxc <= fxr {
			sim[n] = vertex{x: xc, f: fxc}
		} else {
			shrink = true
		}
	} else {
		xcc := affine(1-psi, xbar, psi, worst.x)
		fxcc, err := eval(ctx, xcc)
		if err != nil {
			return err
		}
		if fxcc < worst.f {
			sim[n] = vertex{x: xcc, f: fxcc}
		} else {
			shrink = true
		}
	}
	if !shrink {
		return nil
	}

	for j := 1; j <= n; j++ {
		sim[j] = vertex{x: affine(1-sigma, best.x, sigma, sim[j].x)}
	}
	if err := evalConcurrent(ctx, f, sim[1:]); err != nil {
		return err
	}
	*fev += n
	return nil
}

// evalConcurrent evaluates all vertices at once, so that a batching
// objective can serve them in a single call.
func evalConcurrent(ctx context.Context, f Objective, vs []vertex) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range vs {
		g.Go(func() error {
			val, err := f(gctx, append([]float64(nil), vs[i].x...))
			if err != nil {
				return err
			}
			if math.IsNaN(val) {
				val = math.Inf(1)
			}
			vs[i].f = val
			return nil
		})
	}
	return g.Wait()
}

// affine returns a*x + b*y.
func affine(a float64, x []float64, b float64, y []float64) []float64 {
	out := make([]float64, len(x))
	floats.ScaleTo(out, a, x)
	floats.AddScaled(out, b, y)
	return out
}

func sortVertices(sim []vertex) {
	sort.SliceStable(sim, func(i, j int) bool { return sim[i].f < sim[j].f })
}

// collapsed reports whether both the coordinate spread and the value spread
// around the best vertex are within tolerance.
func collapsed(sim []vertex, xtol, ftol float64) bool {
	best := sim[0]
	for _, v := range sim[1:] {
		for k, x := range v.x {
			if !(math.Abs(x-best.x[k]) <= xtol) {
				return false
			}
		}
	}
	for _, v := range sim[1:] {
		// Inf-Inf is NaN and fails the comparison
		if !(math.Abs(best.f-v.f) <= ftol) {
			return false
		}
	}
	return true
}

// fprimeEstimate divides the best value by the longest simplex edge, an
// estimate for the slope a root nearby would require.
func fprimeEstimate(sim []vertex) float64 {
	longest := 0.0
	for i := range sim {
		for j := i + 1; j < len(sim); j++ {
			longest = math.Max(longest, floats.Distance(sim[i].x, sim[j].x, 2))
		}
	}
	if longest == 0 {
		if sim[0].f <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	return sim[0].f / longest
}

func snapshot(sim []vertex) ([][]float64, []float64) {
	xs := make([][]float64, len(sim))
	fs := make([]float64, len(sim))
	for i, v := range sim {
		xs[i] = append([]float64(nil), v.x...)
		fs[i] = v.f
	}
	return xs, fs
}
