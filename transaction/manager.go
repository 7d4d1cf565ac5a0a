package transaction

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/worker"
)

// defaultSplitTimeout is the SPLIT_TIMEOUT CSR's power-on default: 100ms
// (unit 125us x 2^15, IEEE 1394-1995 §8.3.2.3.7).
const defaultSplitTimeout = 100 * time.Millisecond

// responseTimestampSkew is added to a request's timestamp to compute
// the response's timestamp. The OHCI cycle timer's low 13 bits are
// cycle-offset ticks at 24.576MHz; 4000us is a conservative allowance
// for the time spent building and queuing the response.
const responseTimestampSkew = 4000

// atSubmitter is the subset of *ohci.ATContext the transaction layer
// drives; an interface so tests can substitute a fake AT context
// without standing up real DMA/MMIO state.
type atSubmitter interface {
	Submit(pkt *packet.Packet, onAck ohci.AckFunc, meta any) error
}

// ROMProvider gives the transaction layer read access to the hardware's
// live cached Configuration ROM, consulted by the local short-circuit
// path for reads inside the ROM window.
type ROMProvider interface {
	ROM() []uint32
}

// Manager is the per-unit transaction layer: tlabel table, request-
// handler registry, CSR lock-swap file, and split-timeout timer port,
// wired to a pair of AT contexts for on-the-wire sends.
type Manager struct {
	table    table
	Registry *Registry

	csr *csrFile

	timers *worker.TimerPort

	atRequest  atSubmitter
	atResponse atSubmitter

	localNode  func() packet.NodeID
	generation func() uint8
	rom        ROMProvider

	splitTimeout time.Duration

	log *logrus.Entry
}

// NewManager builds a Manager. localNode/generation are consulted live
// on every Send (they track the hardware's current bus state);
// atRequest/atResponse are the OHCI AT contexts Send and request
// dispatch submit onto; rom may be nil if no Configuration ROM window
// is being served locally (tests only — real hardware always has one).
func NewManager(atRequest, atResponse *ohci.ATContext, localNode func() packet.NodeID, generation func() uint8, rom ROMProvider, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		Registry:     &Registry{},
		csr:          newCSRFile(),
		timers:       worker.NewTimerPort(),
		atRequest:    atRequest,
		atResponse:   atResponse,
		localNode:    localNode,
		generation:   generation,
		rom:          rom,
		splitTimeout: defaultSplitTimeout,
		log:          log.WithField("hw", "transaction"),
	}
}

// isWriteFamily reports whether tcode completes on ack alone (no
// separate split response ever arrives for it).
func isWriteFamily(t packet.TCode) bool {
	switch t {
	case packet.TCodeWriteQuadlet, packet.TCodeWriteBlock:
		return true
	default:
		return false
	}
}

// Send issues an asynchronous transaction. pkt.Generation must be the
// bus generation the caller observed when building the request: if the
// current generation has since advanced, Send completes synchronously
// with rcode generation without touching the AT FIFO or allocating a
// tlabel. If pkt.DestinationID is the local node, the request is served
// by the local short-circuit instead of going to the wire.
func (m *Manager) Send(pkt *packet.Packet, cb CompletionFunc, userData any) *Transaction {
	t := &Transaction{Packet: pkt, Callback: cb, UserData: userData, Generation: pkt.Generation}

	if m.generation != nil && pkt.Generation != 0 && m.generation() != pkt.Generation {
		t.fire(PhaseFailed, packet.RCodeGeneration, nil, 0)
		return t
	}

	if m.localNode != nil && pkt.DestinationID == m.localNode() {
		rcode, payload, quadlet := m.localRequest(pkt)
		if pkt.PayloadLength() == 4 && payload == nil {
			payload = quad4(quadlet)
		}
		t.fire(PhaseResponded, rcode, payload, 0)
		return t
	}

	tlabel, err := m.table.alloc(t)
	if err != nil {
		t.fire(PhaseFailed, packet.RCodeSendError, nil, 0)
		return t
	}
	t.TLabel = tlabel
	pkt.TLabel = tlabel
	if m.localNode != nil {
		pkt.SourceID = m.localNode()
	}

	id := uint64(tlabel) // tlabel alone is a stable id within one 64-entry table

	m.timers.Arm(id, m.splitTimeout, func() {
		if t.fire(PhaseTimedOut, packet.RCodeTimeout, nil, 0) {
			m.table.release(tlabel)
		}
	})

	onAck := func(ack packet.Ack, ts uint16, meta any) {
		m.onAck(t, id, ack, ts)
	}

	submitter := m.atRequest
	if err := submitter.Submit(pkt, onAck, t); err != nil {
		m.timers.Cancel(id)
		if t.fire(PhaseFailed, packet.RCodeSendError, nil, 0) {
			m.table.release(tlabel)
		}
	}

	return t
}

func (m *Manager) onAck(t *Transaction, id uint64, ack packet.Ack, ts uint16) {
	switch {
	case ack == packet.AckComplete && isWriteFamily(t.Packet.TCode):
		m.timers.Cancel(id)
		if t.fire(PhaseResponded, packet.RCodeComplete, nil, ts) {
			m.table.release(t.TLabel)
		}
	case ack == packet.AckPending, ack == packet.AckComplete:
		// Awaiting a split response; leave the timer armed and the slot
		// occupied. (AckComplete here covers read/lock tcodes some
		// responders ack-complete rather than ack-pending.)
		t.mu.Lock()
		t.phase = PhaseATAckedPending
		t.mu.Unlock()
	default:
		m.timers.Cancel(id)
		if t.fire(PhaseFailed, packet.FromAck(ack), nil, ts) {
			m.table.release(t.TLabel)
		}
	}
}

// HandleResponse processes an inbound response packet, matching the
// ohci.PacketHandler signature for direct use as Config.OnResponse.
func (m *Manager) HandleResponse(resp *packet.Packet, generation uint8) {
	t := m.table.lookup(resp.TLabel)
	if t == nil {
		return // stale: no such tlabel outstanding
	}
	if t.Packet.DestinationID != resp.SourceID {
		return // stale: stored dest_id must equal response source_id
	}

	id := uint64(resp.TLabel)
	m.timers.Cancel(id)

	payload := resp.Payload
	if payload == nil && resp.TCode == packet.TCodeReadQuadResp {
		payload = quad4(resp.QuadletData)
	}

	if t.fire(PhaseResponded, resp.RCode, payload, resp.Timestamp) {
		m.table.release(resp.TLabel)
	}
}

// Cancel requests cancellation of a pending transaction. Idempotent:
// cancelling an already-terminal transaction is a no-op.
func (m *Manager) Cancel(t *Transaction) {
	if m.atRequest != nil {
		if c, ok := m.atRequest.(interface{ Cancel(meta any) }); ok {
			c.Cancel(t)
		}
	}
	m.timers.Cancel(uint64(t.TLabel))
	if t.fire(PhaseCancelled, packet.RCodeCancelled, nil, 0) {
		m.table.release(t.TLabel)
	}
}

// Flush completes every live transaction with rcode cancelled and
// clears the tlabel bitmap. Called on bus reset, which invalidates
// every outstanding transaction at once.
func (m *Manager) Flush() {
	m.timers.CancelAll()
	for _, t := range m.table.drain() {
		t.fire(PhaseCancelled, packet.RCodeCancelled, nil, 0)
	}
}

// quad4 encodes v as 4 big-endian bytes, the uniform payload
// representation Send/HandleResponse give quadlet-operation callers.
func quad4(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
