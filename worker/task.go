// Package worker implements the cooperative-tasking primitives the
// hardware supervisor maps onto OS threads: per-context workers parked
// on a signal, a small init/die inbox, sleepable delays, and the shared
// split-timeout timer port. Pool offers bounded fan-out built on
// golang.org/x/sync/errgroup and golang.org/x/sync/semaphore. The
// hardware supervisor's workers and the device registry's ROM-scan
// workers are started with Spawn, one goroutine each, and do not go
// through a Pool.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package worker

import (
	"context"
	"sync"
)

// Task is a single long-running worker loop with a graceful-exit
// protocol: Stop() signals the loop to die and blocks until it has
// acknowledged exit after finishing its current iteration.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Body is the worker loop body. It must select on ctx.Done() at its
// suspension points and return promptly once ctx is cancelled.
type Body func(ctx context.Context)

// Spawn starts body on a new goroutine and returns its Task handle.
func Spawn(body Body) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		body(ctx)
	}()
	return t
}

// Signal returns the context the worker body should select on; Done()
// fires when Stop is called.
func (t *Task) Signal() context.Context { return t.ctx }

// Stop requests graceful exit and blocks until the worker has
// acknowledged (idempotent — a second Stop call returns immediately
// once the first has completed).
func (t *Task) Stop() {
	t.once.Do(func() {
		t.cancel()
	})
	<-t.done
}

// Kill requests exit without waiting for acknowledgement; use when the
// caller cannot block (e.g. inside another worker's own shutdown path)
// and will observe completion separately via Done().
func (t *Task) Kill() {
	t.once.Do(t.cancel)
}

// Done returns a channel closed once the worker body has returned.
func (t *Task) Done() <-chan struct{} { return t.done }
