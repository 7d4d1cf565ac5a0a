// Package busmgmt implements the bus-management policy the hardware
// supervisor runs on every stable topology: root/IRM discovery, the
// BUS_MANAGER_ID lock-swap against the isochronous resource manager,
// and gap-count optimization via PHY-config packets. Driven through
// package transaction for the CSR lock and package ohci for the
// PHY-config send.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package busmgmt

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/selfid"
	"github.com/yomgui1/helios/transaction"
)

// MaxGapCount is the largest legal PHY gap-count value, used to force
// every node to re-time its arbitration gap on a long bus reset.
const MaxGapCount uint8 = 63

// gapCountTable maps a topology's hop count (index 0..15) to the
// optimal PHY gap count. Index 0 is the "topology unknown / single
// node" sentinel value 63.

var gapCountTable = [16]uint8{63, 5, 7, 8, 10, 13, 16, 18, 21, 24, 26, 29, 32, 35, 37, 40}

// GapCountForHops looks up the optimal gap count for a topology with the
// given hop count, clamping to the table's range.
func GapCountForHops(hops int) uint8 {
	if hops < 0 {
		hops = 0
	}
	if hops >= len(gapCountTable) {
		hops = len(gapCountTable) - 1
	}
	return gapCountTable[hops]
}

// PHY-config packet field encodings (IEEE 1394-1995 §4.3.4.1):
// PHY_IDENTIFIER(0x0) | PHY_CONFIG_ROOT_ID(phy) | PHY_CONFIG_GAP_COUNT(gap).
func rootIDField(phyID uint8) uint32 { return (uint32(phyID)&0x3f)<<24 | 1<<23 }
func gapCountField(gap uint8) uint32 { return uint32(gap)<<16 | 1<<22 }

// PhyConfigPacket builds the quadlet for a combined root-id + gap-count
// PHY-config broadcast.
func PhyConfigPacket(rootPhyID, gapCount uint8) uint32 {
	return rootIDField(rootPhyID) | gapCountField(gapCount)
}

// RootOnlyPhyConfigPacket builds a PHY-config quadlet that names a root
// without forcing a gap count -- used to elect self as root when no
// topology is available yet to derive a gap count from.
func RootOnlyPhyConfigPacket(rootPhyID uint8) uint32 {
	return rootIDField(rootPhyID)
}

// GapOnlyPhyConfigPacket encodes a PHY-config packet carrying only a
// gap-count field (T bit set, R bit clear), broadcast to every node
// without naming a root -- used to force a bus-wide gap-count
// renegotiation as part of a long bus reset.
func GapOnlyPhyConfigPacket(gapCount uint8) uint32 {
	return gapCountField(gapCount)
}

// maxLockRetries bounds the "bus reset during the lock, wait 125ms,
// retry" loop rather than spinning unbounded against a generation that
// keeps moving out from under the compare-swap.
const maxLockRetries = 5

// lockRetryDelay is the wait between lock retries after a bus reset
// raced the compare-swap.
const lockRetryDelay = 125 * time.Millisecond

// maxGapRounds bounds the gap-count/root-election retry budget per
// topology.
const maxGapRounds = 5

// Controller is the subset of *ohci.Controller the policy needs: PHY-
// config packet transmission.
type Controller interface {
	SendPHYPacket(quadlet uint32, onAck ohci.AckFunc) error
}

// Sender is the subset of *transaction.Manager the policy needs: the
// IRM lock-swap is an ordinary remote Lock transaction.
type Sender interface {
	Send(pkt *packet.Packet, cb transaction.CompletionFunc, userData any) *transaction.Transaction
}

// FindIRM scans topo for the highest-phy-id node that is both link-
// active and contender-capable -- the only node able to serve as
// isochronous resource manager. The highest phy-id is always topo's
// root by construction, but intervening non-contender or link-off
// nodes can still exist above a would-be IRM, so the scan does not
// shortcut to the root alone.
func FindIRM(topo *selfid.Topology) (phyID uint8, ok bool) {
	for i := len(topo.Nodes) - 1; i >= 0; i-- {
		n := topo.Nodes[i]
		if n != nil && n.LinkActive && n.Contender {
			return n.PhyID, true
		}
	}
	return 0, false
}

// Policy runs the bus-management state machine for one hardware
// instance. The zero value is not usable; build with New.
type Policy struct {
	ctrl   Controller
	sender Sender
	local  func() packet.NodeID
	log    *logrus.Entry

	mu         sync.Mutex
	retryCount int
	lastTopology struct {
		gapCount  uint8
		rootPhyID uint8
		valid     bool
	}
}

// New builds a Policy.
func New(ctrl Controller, sender Sender, localNode func() packet.NodeID, log *logrus.Entry) *Policy {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Policy{ctrl: ctrl, sender: sender, local: localNode, log: log.WithField("hw", "busmgmt")}
}

// Outcome summarizes what Run decided, for logging/tests.
type Outcome uint8

const (
	OutcomeNoIRM Outcome = iota
	OutcomeBecameBM
	OutcomeIRMOnly
	OutcomeLostRace
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoIRM:
		return "elected-root-no-irm"
	case OutcomeBecameBM:
		return "became-bus-manager"
	case OutcomeIRMOnly:
		return "irm-only"
	case OutcomeLostRace:
		return "lost-to-generation-race"
	default:
		return "error"
	}
}

// Run executes one bus-management pass for a stable topology, called
// by the hardware supervisor once per topology-stable event.
func (p *Policy) Run(topo *selfid.Topology) Outcome {
	irmPhy, ok := FindIRM(topo)
	if !ok {
		p.electSelfRoot(topo)
		return OutcomeNoIRM
	}

	for attempt := 0; attempt < maxLockRetries; attempt++ {
		old, rcode := p.lockBusManagerID(irmPhy, topo.Generation)
		switch {
		case rcode == packet.RCodeGeneration:
			time.Sleep(lockRetryDelay)
			continue
		case rcode != packet.RCodeComplete:
			p.log.WithField("rcode", rcode).Warn("bus-manager lock failed, electing self as root")
			p.electSelfRoot(topo)
			return OutcomeError
		case old == 0x3f:
			p.runGapCountRound(topo)
			return OutcomeBecameBM
		default:
			// We hold the IRM role but not bus manager; isochronous
			// broadcast-channel allocation under that role is not
			// implemented here (see DESIGN.md).
			return OutcomeIRMOnly
		}
	}
	return OutcomeLostRace
}

// lockBusManagerID performs the compare-swap lock of CSR_BUS_MANAGER_ID
// at the IRM node, comparing against 0x3f (no manager) and swapping in
// the local node-id.
func (p *Policy) lockBusManagerID(irmPhy uint8, generation uint8) (old uint32, rcode packet.RCode) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], 0x3f)
	binary.BigEndian.PutUint32(payload[4:8], uint32(p.local())&0xffff)

	pkt := &packet.Packet{
		DestinationID: packet.LocalBus | packet.NodeID(irmPhy),
		TCode:         packet.TCodeLock,
		ExtCode:       packet.ExtCodeCompareSwap,
		Offset:        transaction.CSRBusManagerID,
		Payload:       payload,
		Generation:    generation,
	}

	done := make(chan struct{})
	p.sender.Send(pkt, func(rc packet.RCode, respPayload []byte, ts uint16) {
		rcode = rc
		if len(respPayload) >= 4 {
			old = binary.BigEndian.Uint32(respPayload[0:4])
		}
		close(done)
	}, nil)
	<-done
	return old, rcode
}

// runGapCountRound chooses the new root (preferring the existing one if
// link-active) and, if its gap-count/root-id pair differs from what the
// topology observed, sends a PHY-config packet and raises a short bus
// reset through the controller's RequestShortBusReset (when the
// Controller has that method, as *ohci.Controller does). Retries up to
// maxGapRounds per topology; the retry counter is
// reset once a round finds the topology already optimal.
func (p *Policy) runGapCountRound(topo *selfid.Topology) {
	p.mu.Lock()
	if p.lastTopology.valid && p.lastTopology.gapCount == topo.GapCount && p.lastTopology.rootPhyID == topo.RootPhyID {
		p.retryCount = 0
	}
	if p.retryCount >= maxGapRounds {
		p.mu.Unlock()
		p.log.Warn("gap-count round budget exhausted for this topology")
		return
	}
	p.retryCount++
	p.mu.Unlock()

	rootPhyID := topo.RootPhyID
	if root := nodeAt(topo, rootPhyID); root == nil || !root.LinkActive {
		rootPhyID = p.local().PhyID()
	}

	hops := 0
	if root := nodeAt(topo, topo.RootPhyID); root != nil {
		hops = root.MaxHops
	}
	gap := GapCountForHops(hops)

	if gap == topo.GapCount && rootPhyID == topo.RootPhyID {
		p.mu.Lock()
		p.lastTopology.gapCount, p.lastTopology.rootPhyID, p.lastTopology.valid = gap, rootPhyID, true
		p.retryCount = 0
		p.mu.Unlock()
		return
	}

	quadlet := PhyConfigPacket(rootPhyID, gap)
	done := make(chan struct{})
	if err := p.ctrl.SendPHYPacket(quadlet, func(ack packet.Ack, ts uint16, meta any) { close(done) }); err != nil {
		p.log.WithError(err).Warn("send gap-count PHY-config packet")
		return
	}
	<-done
	if r, ok := p.ctrl.(interface{ RequestShortBusReset() error }); ok {
		if err := r.RequestShortBusReset(); err != nil {
			p.log.WithError(err).Warn("request short bus reset after gap-count PHY-config packet")
		}
	}
}

func (p *Policy) electSelfRoot(topo *selfid.Topology) {
	quadlet := RootOnlyPhyConfigPacket(p.local().PhyID())
	done := make(chan struct{})
	if err := p.ctrl.SendPHYPacket(quadlet, func(ack packet.Ack, ts uint16, meta any) { close(done) }); err != nil {
		p.log.WithError(err).Warn("send root-election PHY-config packet")
		return
	}
	<-done
}

func nodeAt(topo *selfid.Topology, phyID uint8) *selfid.Node {
	if int(phyID) >= len(topo.Nodes) {
		return nil
	}
	return topo.Nodes[phyID]
}
