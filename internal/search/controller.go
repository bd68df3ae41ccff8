// Package search drives the concurrent multi-root search: it tiles the domain
// with starting simplices, runs root-finding minimizations on them, refines
// the neighbourhood of newly found roots and checkpoints its state.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/nodefinder/internal/coords"
	"github.com/cwbudde/nodefinder/internal/observe"
	"github.com/cwbudde/nodefinder/internal/opt"
	"github.com/cwbudde/nodefinder/internal/queue"
	"github.com/cwbudde/nodefinder/internal/repulsion"
	"github.com/cwbudde/nodefinder/internal/result"
	"github.com/cwbudde/nodefinder/internal/store"
)

// Controller runs a search. A Controller is used for a single Run.
type Controller struct {
	cfg       *resolved
	objective opt.Objective
	coords    *coords.System
	minimizer opt.Minimizer
	state     *State

	sink    observe.Sink
	runID   string
	initial *store.Checkpoint

	evaluations int
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink sets the sink receiving the events of the run.
func WithSink(sink observe.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithRunID sets the identifier stamped into events and checkpoints.
// A random UUID is used by default.
func WithRunID(id string) Option {
	return func(c *Controller) { c.runID = id }
}

// WithMinimizer replaces the Nelder-Mead minimizer, and the repulsion
// minimizer built around it, with m.
func WithMinimizer(m opt.Minimizer) Option {
	return func(c *Controller) { c.minimizer = m }
}

// WithInitialState starts the search from cp instead of an empty state. It
// cannot be combined with Config.Load.
func WithInitialState(cp *store.Checkpoint) Option {
	return func(c *Controller) { c.initial = cp }
}

// New creates a controller searching the roots of objective. It validates the
// configuration, restores a previous state if requested and queues the
// initial mesh.
func New(objective opt.Objective, cfg Config, opts ...Option) (*Controller, error) {
	if objective == nil {
		return nil, &ConfigurationError{Field: "objective", Reason: "cannot be nil"}
	}
	rc, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	cs, err := coords.New(rc.Limits, rc.Periodic)
	if err != nil {
		return nil, &ConfigurationError{Field: "limits", Reason: err.Error()}
	}

	c := &Controller{
		cfg:       rc,
		objective: objective,
		coords:    cs,
		sink:      observe.Nop,
	}
	for _, apply := range opts {
		apply(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	if c.sink == nil {
		c.sink = observe.Nop
	}

	initial, err := c.initialCheckpoint()
	if err != nil {
		return nil, err
	}

	res := result.New(cs, rc.GapThreshold, rc.distCutoff, result.WithRefinedRadius(rc.RecheckPosDist))
	c.state = NewState(res)
	if initial != nil {
		if err := c.state.Restore(initial); err != nil {
			return nil, err
		}
	}
	if initial == nil || rc.ForceInitialMesh {
		mesh := MeshSimplices(cs.Limits(), rc.meshSize, rc.Periodic)
		c.state.Simplices.AddObjects(toSimplices(mesh)...)
	}

	if c.minimizer != nil {
		return c, nil
	}
	c.minimizer = opt.NewNelderMead(rc.NelderMead)
	if rc.UseFakePotential {
		pot, err := repulsion.NewPotential(res, rc.distCutoff, rc.RepulsionHeight)
		if err != nil {
			return nil, &ConfigurationError{Field: "repulsion_height", Reason: err.Error()}
		}
		c.minimizer = repulsion.NewMinimizer(pot, rc.NelderMead)
	}
	return c, nil
}

// initialCheckpoint returns the checkpoint the search resumes from, if any.
func (c *Controller) initialCheckpoint() (*store.Checkpoint, error) {
	if !c.cfg.Load {
		return c.initial, nil
	}
	if c.initial != nil {
		return nil, &ConfigurationError{Field: "load", Reason: "cannot be combined with an explicit initial state"}
	}
	if c.cfg.SaveFile == "" {
		return nil, &ConfigurationError{Field: "save_file", Reason: "is required when load is set"}
	}

	cp, err := store.LoadFile(c.cfg.SaveFile)
	if errors.Is(err, store.ErrNotFound) && c.cfg.LoadQuiet {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// RunID returns the identifier of the run.
func (c *Controller) RunID() string { return c.runID }

// DistCutoff returns the distance cutoff derived from the feature size.
func (c *Controller) DistCutoff() float64 { return c.cfg.distCutoff }

// State returns the state of the search. It must not be modified while Run
// is active.
func (c *Controller) State() *State { return c.state }

type taskResult struct {
	simplex  queue.Simplex
	res      *opt.Result
	err      error
	duration time.Duration
}

// Run executes the search until no work is left, ctx is cancelled or an error
// occurs, and returns the result store.
//
// At most NumMinimizeParallel minimizations run concurrently. Queues and
// results are only modified by the goroutine calling Run. On the first error
// the remaining minimizations are cancelled and awaited, the state is saved
// and the error is returned.
func (c *Controller) Run(ctx context.Context) (*result.Store, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	results := make(chan taskResult, c.cfg.NumMinimizeParallel)

	var ticker <-chan time.Time
	if c.cfg.SaveFile != "" && c.cfg.SaveDelay > 0 {
		t := time.NewTicker(c.cfg.SaveDelay)
		defer t.Stop()
		ticker = t.C
	}

	c.emit(observe.Event{Kind: observe.KindRunStarted, Path: c.cfg.SaveFile})

	var runErr error
	fail := func(err error) {
		if runErr == nil {
			runErr = err
			cancel()
		}
	}

	inFlight := 0
	for {
		if runErr == nil {
			inFlight += c.dispatch(gctx, g, results, c.cfg.NumMinimizeParallel-inFlight)
		}
		if inFlight == 0 {
			break
		}

		select {
		case r := <-results:
			inFlight--
			if r.err != nil {
				fail(r.err)
				continue
			}
			if runErr != nil {
				// keep the simplex running so it is saved as queued work
				continue
			}
			if err := c.handle(r); err != nil {
				fail(err)
			}
		case <-ticker:
			if err := c.save(); err != nil {
				fail(err)
			}
		}
	}
	// every task has sent its result, wait for the goroutines to exit
	_ = g.Wait()

	if runErr == nil && !c.state.Finished() {
		runErr = ctx.Err()
	}
	if err := c.save(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		c.emit(observe.Event{Kind: observe.KindRunFailed, Err: runErr})
		return nil, runErr
	}
	c.emit(observe.Event{Kind: observe.KindRunFinished})
	return c.state.Result, nil
}

// dispatch starts up to capacity minimizations and returns how many it
// started. Refinement positions are turned into simplices whenever the simplex
// queue runs empty.
func (c *Controller) dispatch(ctx context.Context, g *errgroup.Group, results chan<- taskResult, capacity int) int {
	started := 0
	for started < capacity {
		if !c.state.Simplices.HasQueued() {
			if !c.refine() {
				return started
			}
			continue
		}
		if ctx.Err() != nil {
			return started
		}

		simplex, _ := c.state.Simplices.PopQueued()
		if c.redundant(simplex) {
			c.state.Simplices.SetFinished(simplex)
			c.emit(observe.Event{Kind: observe.KindSimplexSkipped, Pos: simplex[0]})
			continue
		}

		started++
		c.emit(observe.Event{Kind: observe.KindMinimizationStarted, Pos: simplex[0]})
		g.Go(func() error {
			start := time.Now()
			res, err := c.minimizer.Minimize(ctx, c.objective, simplex)
			results <- taskResult{simplex: simplex, res: res, err: err, duration: time.Since(start)}
			return err
		})
	}
	return started
}

// refine places the refinement stencil around the next pending position. It
// reports false if no position is pending.
func (c *Controller) refine() bool {
	pos, ok := c.state.Positions.Pop()
	if !ok {
		return false
	}
	if len(c.cfg.stencil) > 0 {
		c.state.Simplices.AddObjects(toSimplices(PlaceStencil(c.cfg.stencil, pos))...)
	}
	return true
}

// redundant reports whether every vertex of simplex already has at least
// SimplexCheckCutoff nodes within the distance cutoff.
func (c *Controller) redundant(simplex queue.Simplex) bool {
	if c.cfg.SimplexCheckCutoff <= 0 {
		return false
	}
	res := c.state.Result
	for _, v := range simplex {
		if result.CountWithin(res.NeighbourDistances(v), c.cfg.distCutoff) < c.cfg.SimplexCheckCutoff {
			return false
		}
	}
	return true
}

// handle records a finished minimization and queues refinement around new,
// isolated nodes.
func (c *Controller) handle(r taskResult) error {
	accepted, err := c.state.Result.Add(r.res)
	if err != nil {
		// the simplex stays running and is saved as queued work
		return err
	}
	c.state.Simplices.SetFinished(r.simplex)
	c.evaluations += r.res.NumFev

	pos, err := c.coords.Normalize(r.res.Pos)
	if err != nil {
		return err
	}
	c.emit(observe.Event{
		Kind:     observe.KindMinimizationFinished,
		Pos:      pos,
		Value:    r.res.Value,
		Status:   string(r.res.Status),
		Accepted: accepted,
		NumFev:   r.res.NumFev,
		NumIter:  r.res.NumIter,
		Duration: r.duration,
	})

	if !accepted || len(c.cfg.stencil) == 0 || !c.refinable(pos) {
		return nil
	}
	if c.state.Positions.AddObjects(pos) == 0 {
		return nil
	}
	if err := c.state.Result.AddRefined(pos); err != nil {
		return err
	}
	c.emit(observe.Event{Kind: observe.KindRefinementQueued, Pos: pos})
	return nil
}

// refinable reports whether few enough refinement centers lie near pos.
func (c *Controller) refinable(pos []float64) bool {
	n := result.CountWithin(c.state.Result.RefinedNeighbourDistances(pos), c.cfg.RecheckPosDist)
	return n <= c.cfg.RecheckCountCutoff
}

// save writes a checkpoint if a save file is configured and the state changed.
func (c *Controller) save() error {
	path := c.cfg.SaveFile
	if path == "" || !c.state.Dirty() {
		return nil
	}
	if err := store.SaveFile(path, c.state.Checkpoint(c.runID)); err != nil {
		perr := &PersistenceError{Path: path, Err: err}
		c.emit(observe.Event{Kind: observe.KindCheckpointFailed, Path: path, Err: perr})
		return perr
	}
	c.state.MarkClean()
	c.emit(observe.Event{Kind: observe.KindCheckpointSaved, Path: path})
	return nil
}

// Progress returns a snapshot of the search state. It must be called from the
// goroutine running the search or after Run returned.
func (c *Controller) Progress() observe.Progress {
	return observe.Progress{
		Nodes:            c.state.Result.NumNodes(),
		Rejected:         c.state.Result.NumRejected(),
		SimplicesQueued:  c.state.Simplices.NumQueued(),
		SimplicesRunning: c.state.Simplices.NumRunning(),
		PositionsQueued:  c.state.Positions.NumQueued(),
		Evaluations:      c.evaluations,
		Finished:         c.state.Finished(),
	}
}

func (c *Controller) emit(e observe.Event) {
	e.RunID = c.runID
	e.Time = time.Now()
	e.Progress = c.Progress()
	c.sink.Emit(e)
}
