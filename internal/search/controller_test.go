package search

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/nodefinder/internal/coords"
	"github.com/cwbudde/nodefinder/internal/observe"
	"github.com/cwbudde/nodefinder/internal/opt"
	"github.com/cwbudde/nodefinder/internal/result"
	"github.com/cwbudde/nodefinder/internal/store"
)

// nearestRoot returns the periodic distance from x to the closest root.
func nearestRoot(t *testing.T, limits [][2]float64, roots [][]float64) opt.Objective {
	cs, err := coords.New(limits, true)
	require.NoError(t, err)
	return func(_ context.Context, x []float64) (float64, error) {
		best := math.Inf(1)
		for _, r := range roots {
			best = min(best, cs.Distance(x, r))
		}
		return best, nil
	}
}

// failing returns an objective that counts its calls and always fails.
func failing(calls *atomic.Int64, err error) opt.Objective {
	return func(context.Context, []float64) (float64, error) {
		calls.Add(1)
		return 0, err
	}
}

func oneDimConfig() Config {
	cfg := DefaultConfig()
	cfg.Limits = [][2]float64{{0, 1}}
	cfg.InitialMeshSize = []int{3}
	cfg.NumMinimizeParallel = 4
	return cfg
}

func assertRootFound(t *testing.T, cs *coords.System, nodes []*opt.Result, root []float64, tol float64) {
	t.Helper()
	for _, n := range nodes {
		if cs.Distance(n.Pos, root) < tol {
			return
		}
	}
	t.Errorf("no node within %g of %v", tol, root)
}

func TestRun_OneDimensionalPeriodic(t *testing.T) {
	cfg := oneDimConfig()
	cfg.UseFakePotential = true
	roots := [][]float64{{0.3}, {0.7}}

	rec := &observe.Recorder{}
	c, err := New(nearestRoot(t, cfg.Limits, roots), cfg, WithSink(rec), WithRunID("run-a"))
	require.NoError(t, err)
	assert.Equal(t, "run-a", c.RunID())

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	nodes := res.Nodes()
	require.GreaterOrEqual(t, len(nodes), 2)
	for _, root := range roots {
		assertRootFound(t, res.Coords(), nodes, root, cfg.FeatureSize)
	}
	for _, n := range nodes {
		assert.LessOrEqual(t, n.Value, cfg.GapThreshold)
	}
	assert.Len(t, res.Representatives(cfg.FeatureSize), 2)

	assert.True(t, c.State().Finished())
	assert.Equal(t, 0, c.State().Simplices.NumQueued())
	assert.Equal(t, 0, c.State().Simplices.NumRunning())
	assert.Equal(t, 0, c.State().Positions.NumQueued())
	// one refinement center per root
	assert.Len(t, res.Refined(), 2)

	assert.Equal(t, 1, rec.Count(observe.KindRunStarted))
	assert.Equal(t, 1, rec.Count(observe.KindRunFinished))
	assert.Equal(t, 2, rec.Count(observe.KindRefinementQueued))
	assert.Equal(t, rec.Count(observe.KindMinimizationStarted), rec.Count(observe.KindMinimizationFinished))
	assert.Equal(t, len(nodes)+res.NumRejected(), rec.Count(observe.KindMinimizationFinished))

	events := rec.Events()
	last := events[len(events)-1]
	assert.Equal(t, "run-a", last.RunID)
	assert.True(t, last.Progress.Finished)
	assert.Equal(t, len(nodes), last.Progress.Nodes)
	assert.Positive(t, last.Progress.Evaluations)
}

func TestRun_WithoutRefinement(t *testing.T) {
	cfg := oneDimConfig()
	cfg.RefinementMeshSize = nil
	roots := [][]float64{{0.3}, {0.7}}

	var calls atomic.Int64
	objective := nearestRoot(t, cfg.Limits, roots)
	counted := func(ctx context.Context, x []float64) (float64, error) {
		calls.Add(1)
		return objective(ctx, x)
	}

	c, err := New(counted, cfg)
	require.NoError(t, err)
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	// only the three mesh simplices are minimized
	assert.Equal(t, 3, res.NumNodes()+res.NumRejected())
	assert.Empty(t, res.Refined())
	assert.Positive(t, calls.Load())
}

func TestRun_RestartFromFinishedCheckpoint(t *testing.T) {
	saveFile := filepath.Join(t.TempDir(), "search.json")
	cfg := oneDimConfig()
	cfg.SaveFile = saveFile
	roots := [][]float64{{0.3}, {0.7}}

	c, err := New(nearestRoot(t, cfg.Limits, roots), cfg)
	require.NoError(t, err)
	first, err := c.Run(context.Background())
	require.NoError(t, err)

	cp, err := store.LoadFile(saveFile)
	require.NoError(t, err)
	assert.True(t, cp.Finished())
	assert.Equal(t, c.RunID(), cp.RunID)

	var calls atomic.Int64
	cfg.Load = true
	cfg.LoadQuiet = false
	restarted, err := New(failing(&calls, errors.New("must not be called")), cfg)
	require.NoError(t, err)
	second, err := restarted.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, calls.Load())
	assert.ElementsMatch(t, positions(first.Nodes()), positions(second.Nodes()))
	assert.Equal(t, first.NumRejected(), second.NumRejected())
	assert.ElementsMatch(t, first.Refined(), second.Refined())

	// the seen mesh is not repeated when it is forced
	cfg.ForceInitialMesh = true
	forced, err := New(failing(&calls, errors.New("must not be called")), cfg)
	require.NoError(t, err)
	_, err = forced.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
}

func positions(nodes []*opt.Result) [][]float64 {
	out := make([][]float64, len(nodes))
	for i, n := range nodes {
		out[i] = n.Pos
	}
	return out
}

func TestRun_ThreeDimensionalRepulsion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 3-D search in short mode")
	}
	cfg := DefaultConfig()
	cfg.InitialMeshSize = []int{3}
	cfg.UseFakePotential = true
	cfg.NumMinimizeParallel = 8
	cfg.NelderMead.MaxIter = 3000
	cfg.NelderMead.MaxFev = 3000
	roots := [][]float64{{0.2, 0.9, 0.6}, {0.99, 0.01, 0.0}, {0.7, 0.2, 0.8}}

	c, err := New(nearestRoot(t, cfg.Limits, roots), cfg)
	require.NoError(t, err)
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	nodes := res.Nodes()
	require.GreaterOrEqual(t, len(nodes), 3)
	for _, root := range roots {
		assertRootFound(t, res.Coords(), nodes, root, cfg.FeatureSize)
	}

	// refinement clusters several nodes around each root, none strays away
	for _, n := range nodes {
		near := false
		for _, root := range roots {
			near = near || res.Coords().Distance(n.Pos, root) < cfg.FeatureSize
		}
		assert.True(t, near, "node %v is not near any root", n.Pos)
	}

	reps := res.Representatives(cfg.FeatureSize)
	require.Len(t, reps, 3)
	for i := range reps {
		for j := i + 1; j < len(reps); j++ {
			assert.Greater(t, res.Coords().Distance(reps[i].Pos, reps[j].Pos), cfg.FeatureSize)
		}
	}
	assert.True(t, c.State().Finished())
}

func TestRun_ObjectiveErrorIsFatal(t *testing.T) {
	saveFile := filepath.Join(t.TempDir(), "search.json")
	cfg := oneDimConfig()
	cfg.SaveFile = saveFile

	boom := errors.New("evaluation failed")
	var calls atomic.Int64
	rec := &observe.Recorder{}
	c, err := New(failing(&calls, boom), cfg, WithSink(rec))
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rec.Count(observe.KindRunFailed))

	// interrupted simplices are saved as queued work
	cp, err := store.LoadFile(saveFile)
	require.NoError(t, err)
	assert.Len(t, cp.Queue.Simplices, 3)
	assert.Empty(t, cp.Result.Nodes)
	assert.Empty(t, cp.Result.Rejected)
}

func TestRun_ContextCancellation(t *testing.T) {
	cfg := oneDimConfig()
	started := make(chan struct{}, cfg.NumMinimizeParallel*2)
	blocking := func(ctx context.Context, _ []float64) (float64, error) {
		started <- struct{}{}
		<-ctx.Done()
		return 0, ctx.Err()
	}

	c, err := New(blocking, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, c.State().Finished())
}

func TestRun_SkipsRedundantSimplices(t *testing.T) {
	cfg := oneDimConfig()
	cfg.InitialMeshSize = []int{1}
	cfg.SimplexCheckCutoff = 1

	var calls atomic.Int64
	rec := &observe.Recorder{}
	c, err := New(failing(&calls, errors.New("must not be called")), cfg, WithSink(rec))
	require.NoError(t, err)

	// the mesh simplex is {0, 0.5}; put a node next to both vertices
	for _, x := range []float64{1e-5, 0.5 + 1e-5} {
		accepted, err := c.State().Result.Add(&opt.Result{Pos: []float64{x}, Success: true})
		require.NoError(t, err)
		require.True(t, accepted)
	}

	_, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, rec.Count(observe.KindSimplexSkipped))
	for _, e := range rec.Events() {
		if e.Kind == observe.KindSimplexSkipped {
			assert.Equal(t, []float64{0}, e.Pos)
		}
	}
	assert.True(t, c.State().Finished())
}

func TestRun_NonPeriodicDomainError(t *testing.T) {
	saveFile := filepath.Join(t.TempDir(), "search.json")
	cfg := oneDimConfig()
	cfg.Periodic = false
	cfg.InitialMeshSize = []int{1}
	cfg.RefinementMeshSize = nil
	cfg.SaveFile = saveFile

	// minimum at 2, outside [0, 1]
	outside := func(_ context.Context, x []float64) (float64, error) {
		return math.Abs(x[0] - 2), nil
	}
	c, err := New(outside, cfg)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, coords.ErrDomain)

	// the rejected simplex is saved as queued work, not as finished
	cp, err := store.LoadFile(saveFile)
	require.NoError(t, err)
	assert.False(t, cp.Finished())
	assert.Len(t, cp.Queue.Simplices, 1)
	assert.Empty(t, cp.Result.Nodes)
	assert.Empty(t, cp.Result.Rejected)
}

func TestRun_WithMinimizer(t *testing.T) {
	cfg := oneDimConfig()
	cfg.RefinementMeshSize = nil

	var calls atomic.Int64
	rec := &observe.Recorder{}
	// converge onto the first vertex of every simplex
	stub := opt.MinimizerFunc(func(_ context.Context, _ opt.Objective, simplex [][]float64) (*opt.Result, error) {
		calls.Add(1)
		return &opt.Result{Pos: simplex[0], Value: 0, Success: true, Status: opt.StatusSuccess}, nil
	})
	c, err := New(failing(&atomic.Int64{}, errors.New("must not be called")), cfg, WithMinimizer(stub), WithSink(rec))
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Len(t, res.Nodes(), 3)

	started := 0
	for _, e := range rec.Events() {
		if e.Kind == observe.KindMinimizationStarted {
			started++
			assert.Len(t, e.Pos, 1)
		}
	}
	assert.Equal(t, 3, started)
}

func TestRun_PersistenceError(t *testing.T) {
	cfg := oneDimConfig()
	cfg.RefinementMeshSize = nil
	cfg.SaveFile = filepath.Join(t.TempDir(), "missing-dir", "search.json")

	c, err := New(nearestRoot(t, cfg.Limits, [][]float64{{0.5}}), cfg)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, cfg.SaveFile, perr.Path)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	objective := func(context.Context, []float64) (float64, error) { return 0, nil }

	t.Run("nil objective", func(t *testing.T) {
		_, err := New(nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InitialMeshSize = []int{2, 2}
		_, err := New(objective, cfg)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("load with initial state", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Load = true
		cfg.SaveFile = filepath.Join(t.TempDir(), "search.json")
		_, err := New(objective, cfg, WithInitialState(&store.Checkpoint{}))
		var cerr *ConfigurationError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "load", cerr.Field)
	})

	t.Run("load without save file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Load = true
		_, err := New(objective, cfg)
		var cerr *ConfigurationError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "save_file", cerr.Field)
	})
}

func TestNew_LoadMissingCheckpoint(t *testing.T) {
	objective := func(context.Context, []float64) (float64, error) { return 0, nil }
	cfg := oneDimConfig()
	cfg.Load = true
	cfg.SaveFile = filepath.Join(t.TempDir(), "search.json")

	c, err := New(objective, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, c.State().Simplices.NumQueued())

	cfg.LoadQuiet = false
	_, err = New(objective, cfg)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNew_IncompatibleInitialState(t *testing.T) {
	objective := func(context.Context, []float64) (float64, error) { return 0, nil }

	cs, err := coords.New([][2]float64{{0, 2}}, true)
	require.NoError(t, err)
	other := NewState(result.New(cs, 1e-6, 1e-3))

	_, err = New(objective, oneDimConfig(), WithInitialState(other.Checkpoint("other")))
	require.Error(t, err)
	var compat *store.CompatibilityError
	assert.True(t, errors.As(err, &compat))
}

func TestState_CheckpointRoundTrip(t *testing.T) {
	cfg := oneDimConfig()
	c, err := New(nearestRoot(t, cfg.Limits, [][]float64{{0.3}}), cfg)
	require.NoError(t, err)

	st := c.State()
	_, err = st.Result.Add(&opt.Result{Pos: []float64{1.3}, Value: 0, Success: true, Status: opt.StatusSuccess})
	require.NoError(t, err)
	_, err = st.Result.Add(&opt.Result{Pos: []float64{0.9}, Value: 0.2, Status: opt.StatusMaxFev})
	require.NoError(t, err)
	require.NoError(t, st.Result.AddRefined([]float64{0.3}))
	st.Positions.AddObjects([]float64{0.3})
	running, ok := st.Simplices.PopQueued()
	require.True(t, ok)
	require.True(t, st.Dirty())

	cp := st.Checkpoint("run-x")
	require.NoError(t, cp.Validate())
	assert.Equal(t, "run-x", cp.RunID)
	require.Len(t, cp.Result.Nodes, 1)
	assert.InDelta(t, 0.3, cp.Result.Nodes[0].Pos[0], 1e-12)
	require.Len(t, cp.Queue.Simplices, 3)
	// running work comes first
	assert.Equal(t, [][]float64(running), cp.Queue.Simplices[0])

	restored, err := New(nearestRoot(t, cfg.Limits, [][]float64{{0.3}}), cfg, WithInitialState(cp))
	require.NoError(t, err)
	rs := restored.State()
	assert.False(t, rs.Dirty())
	assert.Equal(t, 1, rs.Result.NumNodes())
	assert.Equal(t, 1, rs.Result.NumRejected())
	assert.Equal(t, 3, rs.Simplices.NumQueued())
	assert.Equal(t, 1, rs.Positions.NumQueued())
	assert.Len(t, rs.Result.Refined(), 1)
	// all mesh simplices count as seen
	assert.Zero(t, rs.Simplices.AddObjects(toSimplices(MeshSimplices(cfg.Limits, []int{3}, true))...))
}
