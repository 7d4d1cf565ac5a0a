// Package hardware is the integration layer: one Hardware per claimed
// OHCI board, wiring package ohci's controller, package transaction's
// manager, package busreset's worker, package busmgmt's policy, and
// package device/class's registries into the single handle an embedder
// opens and drives. Grounded on the teacher's top-level board/driver
// wiring (the piece
// that owns a claimed PCI device end to end) generalized from a single
// bare-metal instance to a host-process handle over a pci.Accessor.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package hardware

import (
	"context"

	"github.com/yomgui1/helios/worker"
)

// pump is a signal-driven worker loop that calls poll each time Trigger
// wakes it -- the same rendezvous idiom package busreset's Worker uses,
// and the one package ohci's own context Poll doc comments assume
// ("call from the context's worker loop on each wake"). The hardware
// ISR may only decode events and trigger pumps; the actual DMA-ring
// walk and callback dispatch happens here, off the ISR.
type pump struct {
	trig chan struct{}
	task *worker.Task
	poll func()
}

func newPump(poll func()) *pump {
	return &pump{trig: make(chan struct{}, 1), poll: poll}
}

func (p *pump) start() {
	p.task = worker.Spawn(p.run)
}

func (p *pump) stop() {
	if p.task != nil {
		p.task.Stop()
	}
}

// trigger wakes the pump; never blocks, safe to call from interrupt
// context.
func (p *pump) trigger() {
	select {
	case p.trig <- struct{}{}:
	default: // one pending trigger is enough; poll drains everything ready
	}
}

func (p *pump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trig:
			p.poll()
		}
	}
}
