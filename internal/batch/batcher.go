// Package batch turns an objective that evaluates many positions in one call
// into a per-position objective shared by concurrent minimizations.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/nodefinder/internal/opt"
)

// ErrClosed is returned by Evaluate once the batcher stopped running.
var ErrClosed = errors.New("batcher is not running")

// BatchFunc evaluates a list of positions and returns one value per position,
// in the same order.
type BatchFunc func(ctx context.Context, positions [][]float64) ([]float64, error)

// Options configures batch collection.
type Options struct {
	// MinBatchSize pending positions trigger a call without waiting for the
	// timeout.
	MinBatchSize int `json:"min_batch_size" yaml:"min_batch_size"`
	// MaxBatchSize caps the number of positions per call.
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`
	// Timeout is the longest a position waits for the batch to fill up.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultOptions returns the default batching options.
func DefaultOptions() Options {
	return Options{
		MinBatchSize: 100,
		MaxBatchSize: 200,
		Timeout:      time.Second,
	}
}

type request struct {
	ctx   context.Context
	pos   []float64
	reply chan response
}

type response struct {
	value float64
	err   error
}

// Batcher collects positions submitted by concurrent callers and evaluates
// them with one BatchFunc call per batch. Run must be active for Evaluate to
// make progress.
type Batcher struct {
	fn   BatchFunc
	opts Options

	requests chan *request
	done     chan struct{}
}

// New creates a batcher calling fn.
func New(fn BatchFunc, opts Options) (*Batcher, error) {
	if fn == nil {
		return nil, fmt.Errorf("batch function cannot be nil")
	}
	if opts.MinBatchSize < 1 {
		return nil, fmt.Errorf("min batch size must be at least 1, got %d", opts.MinBatchSize)
	}
	if opts.MaxBatchSize < opts.MinBatchSize {
		return nil, fmt.Errorf("max batch size %d is smaller than min batch size %d", opts.MaxBatchSize, opts.MinBatchSize)
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("batch timeout must be positive, got %v", opts.Timeout)
	}
	return &Batcher{
		fn:       fn,
		opts:     opts,
		requests: make(chan *request),
		done:     make(chan struct{}),
	}, nil
}

// Objective returns Evaluate as a minimization objective.
func (b *Batcher) Objective() opt.Objective {
	return b.Evaluate
}

// Evaluate submits pos and waits for its value. It returns early with the
// context error when ctx is cancelled.
func (b *Batcher) Evaluate(ctx context.Context, pos []float64) (float64, error) {
	req := &request{
		ctx:   ctx,
		pos:   append([]float64(nil), pos...),
		reply: make(chan response, 1),
	}

	select {
	case b.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.done:
		return 0, ErrClosed
	}

	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run collects and evaluates batches until ctx is cancelled. Pending callers
// then receive the context error. Run returns ctx.Err().
func (b *Batcher) Run(ctx context.Context) error {
	defer close(b.done)

	var pending []*request
	var timer *time.Timer
	var timeout <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timeout = nil, nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			for _, req := range pending {
				req.reply <- response{err: ctx.Err()}
			}
			// callers blocked in submission see the closed done channel
			return ctx.Err()

		case req := <-b.requests:
			pending = append(pending, req)
			if len(pending) >= b.opts.MinBatchSize {
				stopTimer()
				pending = b.flush(ctx, pending, b.opts.MinBatchSize)
			}

		case <-timeout:
			timer, timeout = nil, nil
			pending = b.flush(ctx, pending, 1)
		}

		if len(pending) > 0 && timer == nil {
			timer = time.NewTimer(b.opts.Timeout)
			timeout = timer.C
		}
	}
}

// flush evaluates batches while at least threshold requests are pending and
// returns the requests left over.
func (b *Batcher) flush(ctx context.Context, pending []*request, threshold int) []*request {
	for len(pending) >= threshold && len(pending) > 0 {
		n := min(len(pending), b.opts.MaxBatchSize)
		b.evaluate(ctx, pending[:n])
		pending = append([]*request(nil), pending[n:]...)
	}
	return pending
}

// evaluate runs one batch call and answers every request in it. Requests whose
// caller already gave up are left out of the call.
func (b *Batcher) evaluate(ctx context.Context, batch []*request) {
	live := batch[:0:0]
	for _, req := range batch {
		if req.ctx.Err() != nil {
			req.reply <- response{err: req.ctx.Err()}
			continue
		}
		live = append(live, req)
	}
	if len(live) == 0 {
		return
	}

	positions := make([][]float64, len(live))
	for i, req := range live {
		positions[i] = req.pos
	}

	start := time.Now()
	values, err := b.fn(ctx, positions)
	if err == nil && len(values) != len(positions) {
		err = fmt.Errorf("batch function returned %d values for %d positions", len(values), len(positions))
	}
	slog.Debug("Evaluated batch", "size", len(positions), "elapsed", time.Since(start), "error", err)

	for i, req := range live {
		if err != nil {
			req.reply <- response{err: err}
			continue
		}
		req.reply <- response{value: values[i]}
	}
}
