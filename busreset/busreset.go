// Package busreset implements the per-hardware bus-reset worker: the
// state machine that runs on every OHCI self-ID-complete interrupt,
// validating the self-ID stream, recording the new generation under an
// exclusive lock, and handing off to the hardware supervisor via the
// HWBusReset/HWSelfID events. Grounded in shape on package worker's
// signal-driven Task loop (one goroutine parked on a trigger channel,
// same rendezvous idiom as package ohci's per-context workers) and on
// package selfid for stream validation.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package busreset

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/event"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/selfid"
	"github.com/yomgui1/helios/worker"
)

// Controller is the subset of *ohci.Controller the worker drives,
// narrowed to an interface so tests can substitute a fake without real
// MMIO/DMA state.
type Controller interface {
	NodeID() (packet.NodeID, bool)
	SelfIDCount() (generation uint8, count int, errBit bool)
	SelfIDBuffer(count int) []byte
	ClearBusReset()
	EnablePHYRequestFilters()
}

// ATContext is the subset of *ohci.ATContext the worker needs: halting
// the DMA program once the new generation is recorded. Submit re-arms
// CtxRun on the next send, so no explicit resume is needed.
type ATContext interface {
	Stop() error
}

// Flusher is satisfied by *transaction.Manager: completes every live
// transaction with rcode cancelled.
type Flusher interface {
	Flush()
}

// ROMSwapper applies a pending Configuration-ROM update once AT
// contexts are stopped and it is safe to reprogram ConfigROMHdr and
// BusOptions: swap next-rom into live-rom and free the old block.
// Implemented by package hardware, which owns the DMA pool and
// live/next ROM blocks; nil if the embedder serves no local
// Configuration ROM.
type ROMSwapper interface {
	SwapPendingROM() bool
}

// Result is the SELFID event payload: the validated stream plus the
// generation/local-node pair recorded under the exclusive lock,
// consumed by the hardware supervisor to build topology.
type Result struct {
	Generation uint8
	LocalNode  packet.NodeID
	Stream     *selfid.Stream
}

// Config wires a Worker to its hardware's collaborators.
type Config struct {
	Controller Controller
	ATRequest  ATContext
	ATResponse ATContext
	Transactions Flusher
	ROM        ROMSwapper // nil if no local ROM is served

	// RequestShortReset is called when self-ID validation fails, to
	// raise a short bus reset and let the PHY re-run arbitration.
	RequestShortReset func()

	Events *event.Bus

	Log *logrus.Entry
}

// State is the generation/local-node pair recorded under Worker's
// exclusive lock in step 5, readable by other components (e.g. the
// transaction layer's generation check) without waiting on the SELFID
// event.
type State struct {
	Generation uint8
	LocalNode  packet.NodeID
}

// Worker is one hardware's bus-reset state machine. One worker runs per
// hardware instance.
type Worker struct {
	cfg Config
	log *logrus.Entry

	mu    sync.RWMutex
	state State

	task *worker.Task
	trig chan struct{}
}

// New builds a Worker. Call Start to spawn its loop.
func New(cfg Config) *Worker {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Events == nil {
		cfg.Events = &event.Bus{}
	}
	return &Worker{
		cfg:  cfg,
		log:  cfg.Log.WithField("hw", "busreset"),
		trig: make(chan struct{}, 1),
	}
}

// Start spawns the worker's loop.
func (w *Worker) Start() {
	w.task = worker.Spawn(w.run)
}

// Stop gracefully stops the worker loop and waits for it to exit.
func (w *Worker) Stop() {
	if w.task != nil {
		w.task.Stop()
	}
}

// Trigger signals that a self-ID-complete interrupt occurred. Safe to
// call from the hardware's interrupt-dispatch path; never blocks.
func (w *Worker) Trigger() {
	select {
	case w.trig <- struct{}{}:
	default: // one pending trigger is enough; the pass reads live registers
	}
}

// State returns the generation/local-node pair recorded at the last
// successful self-ID under the exclusive lock.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trig:
			w.handleSelfID()
		}
	}
}

// handleSelfID runs the self-ID-complete sequence: read the node-id and
// self-id-count registers, publish a pre-topology bus-reset event
// carrying the new generation, validate the self-ID stream, record the
// generation/local-node pair, stop the AT contexts, reprogram any
// pending Configuration ROM, and re-enable the PHY request filters. The
// self-id-count register is read before its own error-bit is checked
// because the bus-reset event needs the generation regardless of
// whether the stream turns out valid (see DESIGN.md).
func (w *Worker) handleSelfID() {
	nodeID, valid := w.cfg.Controller.NodeID()
	if !valid {
		return // mid-reset; another self-id-complete interrupt will follow
	}

	generation, count, errBit := w.cfg.Controller.SelfIDCount()

	w.cfg.Events.Publish(event.Msg{ID: event.HWBusReset, Data: generation})

	if errBit {
		w.log.WithField("generation", generation).Warn("self-id-count error bit set, aborting")
		return
	}

	buf := w.cfg.Controller.SelfIDBuffer(count)
	stream, err := selfid.Validate(buf, generation)
	if err != nil {
		w.log.WithError(err).Warn("self-id stream validation failed, requesting short bus reset")
		if w.cfg.RequestShortReset != nil {
			w.cfg.RequestShortReset()
		}
		return
	}

	w.mu.Lock()
	w.state = State{Generation: generation, LocalNode: nodeID}
	w.mu.Unlock()

	if w.cfg.ATRequest != nil {
		if err := w.cfg.ATRequest.Stop(); err != nil {
			w.log.WithError(err).Warn("stop AT request context")
		}
	}
	if w.cfg.ATResponse != nil {
		if err := w.cfg.ATResponse.Stop(); err != nil {
			w.log.WithError(err).Warn("stop AT response context")
		}
	}

	w.cfg.Controller.ClearBusReset()

	if w.cfg.ROM != nil {
		w.cfg.ROM.SwapPendingROM()
	}

	w.cfg.Controller.EnablePHYRequestFilters()

	if w.cfg.Transactions != nil {
		w.cfg.Transactions.Flush()
	}

	w.cfg.Events.Publish(event.Msg{ID: event.HWSelfID, Data: &Result{
		Generation: generation,
		LocalNode:  nodeID,
		Stream:     stream,
	}})
}
