// Package transaction implements the Helios asynchronous transaction
// layer: the 64-entry tlabel table, split-timeout timers, the local
// request short-circuit, and the request-handler registry. Grounded on
// the teacher's register-poll-with-typed-error idiom
// (reg.PHY) generalized to a full split-transaction state machine, and
// on package ohci's AT context (whose Submit/AckFunc shape this package
// drives directly) for the on-the-wire path.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package transaction

import (
	"sync"

	"github.com/yomgui1/helios/packet"
)

// Phase is a Transaction's lifecycle state.
type Phase uint8

const (
	PhaseQueued Phase = iota
	PhaseATAckedPending
	PhaseResponded
	PhaseCancelled
	PhaseTimedOut
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseQueued:
		return "queued"
	case PhaseATAckedPending:
		return "at-acked-pending"
	case PhaseResponded:
		return "responded"
	case PhaseCancelled:
		return "cancelled"
	case PhaseTimedOut:
		return "timed-out"
	case PhaseFailed:
		return "failed"
	default:
		return "phase(?)"
	}
}

// CompletionFunc is the terminal callback a Transaction fires exactly
// once with: at most one of {ack-terminal-complete, response-received,
// split-timeout, cancelled, bus-reset-flushed} ever invokes t's
// callback.
type CompletionFunc func(rcode packet.RCode, payload []byte, timestamp uint16)

// Transaction is a pending request awaiting either an ack-only
// completion or a split response.
type Transaction struct {
	Packet     *packet.Packet
	TLabel     uint8
	Callback   CompletionFunc
	UserData   any
	Generation uint8

	mu    sync.Mutex
	phase Phase
	done  bool // guards CompletionFunc firing more than once
}

// fire invokes Callback exactly once; subsequent calls are no-ops. This
// is the single chokepoint every completion path (ack, response,
// timeout, cancel, flush) funnels through — these race against each
// other from distinct worker goroutines, hence the per-transaction
// lock. Returns whether this call
// was the one that fired, so the caller knows whether it is safe to
// release the tlabel (the loser of a timeout/response race must not).
func (t *Transaction) fire(phase Phase, rcode packet.RCode, payload []byte, ts uint16) bool {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return false
	}
	t.done = true
	t.phase = phase
	t.mu.Unlock()

	if t.Callback != nil {
		t.Callback(rcode, payload, ts)
	}
	return true
}

// Phase returns the transaction's current lifecycle phase.
func (t *Transaction) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}
