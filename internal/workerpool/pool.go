// Package workerpool provides the two bounded goroutine pools the engine
// runs: the Worker Pool that executes predicates, and the Cancellation/GC
// Pool that reclaims mispredicted subtrees off the hot path. Both share the
// same shape and differ only in capacity (cores+1 vs. a small fixed count),
// so one type serves both.
//
// Backpressure on how much speculative work the Driver allows in flight at
// once (max_unprocessed) is a separate concern from pool capacity — a run
// can set max_unprocessed below the worker pool's size to keep speculation
// shallow even with many idle cores — so it gets its own type built on a
// counting semaphore rather than reusing Pool's concurrency limit.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool is a bounded set of goroutine slots. Submitting more work than the
// pool has capacity for blocks the submitter until a slot frees up.
type Pool struct {
	g   *errgroup.Group
	ctx context.Context
}

// New creates a Pool with the given capacity, derived from parent ctx. The
// pool's own context is cancelled the moment any submitted function returns
// a non-nil error, so in-flight siblings can observe it and stop early.
func New(parent context.Context, capacity int) *Pool {
	g, ctx := errgroup.WithContext(parent)
	g.SetLimit(capacity)
	return &Pool{g: g, ctx: ctx}
}

// Context returns the pool's derived context.
func (p *Pool) Context() context.Context { return p.ctx }

// Go submits fn to run on the next free slot. When every slot is busy, Go
// blocks the caller until one frees up (the errgroup's limit).
func (p *Pool) Go(fn func() error) {
	p.g.Go(fn)
}

// Wait blocks until every submitted fn has returned, and returns the first
// non-nil error reported by any of them.
func (p *Pool) Wait() error {
	return p.g.Wait()
}

// Backpressure bounds how many Tasks the Driver may have outstanding
// (materialized but not yet resolved to Success/Failure) at once —
// max_unprocessed in SPEC_FULL.md. It replaces a global condition variable
// with a weighted semaphore: the Driver acquires one unit per speculative
// enqueue and a worker releases it the moment that Task's result is known.
type Backpressure struct {
	sem *semaphore.Weighted
}

// NewBackpressure creates a Backpressure of the given capacity. Capacity
// must be > 0; a 0-capacity backpressure gate would never admit any work and
// is rejected by internal/config.Config.Validate before the engine starts.
func NewBackpressure(capacity int64) *Backpressure {
	return &Backpressure{sem: semaphore.NewWeighted(capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (b *Backpressure) Acquire(ctx context.Context) error {
	return b.sem.Acquire(ctx, 1)
}

// Release frees one slot.
func (b *Backpressure) Release() {
	b.sem.Release(1)
}
