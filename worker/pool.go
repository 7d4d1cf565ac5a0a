package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent fan-out of short-lived jobs to a fixed weight.
// The device registry's per-device ROM scans are started with Spawn and
// are not bounded by a Pool.
type Pool struct {
	sem *semaphore.Weighted
	max int64
}

// NewPool creates a pool allowing up to max concurrent jobs.
func NewPool(max int64) *Pool {
	if max <= 0 {
		max = 1
	}
	return &Pool{sem: semaphore.NewWeighted(max), max: max}
}

// Go runs fn as soon as a slot is available, blocking the caller until
// either a slot frees or ctx is cancelled.
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Group runs a batch of jobs concurrently (bounded by the pool's
// weight), returning the first error encountered (if any) after all
// jobs complete or the context is cancelled — the same "fan out, wait
// for all, propagate first error" shape golang.org/x/sync/errgroup
// gives callers across the retrieval pack.
func (p *Pool) Group(ctx context.Context, jobs ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			return p.Go(gctx, job)
		})
	}
	return g.Wait()
}
