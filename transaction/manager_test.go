package transaction

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/worker"
)

// fakeAT is a minimal atSubmitter double: it records every submitted
// packet and lets the test fire the ack callback whenever it likes,
// standing in for the OHCI AT DMA path so tests never touch real
// DMA/MMIO state.
type fakeAT struct {
	mu       sync.Mutex
	sent     []*packet.Packet
	lastAck  ohci.AckFunc
	failNext bool
	canceled []any
}

func (f *fakeAT) Submit(pkt *packet.Packet, onAck ohci.AckFunc, meta any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("fake submit failure")
	}
	f.sent = append(f.sent, pkt)
	f.lastAck = onAck
	return nil
}

func (f *fakeAT) Cancel(meta any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, meta)
}

func (f *fakeAT) fire(ack packet.Ack) {
	f.mu.Lock()
	cb := f.lastAck
	f.mu.Unlock()
	cb(ack, 0, nil)
}

type fakeROM struct{ quads []uint32 }

func (r *fakeROM) ROM() []uint32 { return r.quads }

func newTestManager(at *fakeAT) *Manager {
	var gen uint8 = 1
	var local packet.NodeID = 0xffc0 // local bus, phy 0
	return &Manager{
		Registry:     &Registry{},
		csr:          newCSRFile(),
		timers:       worker.NewTimerPort(),
		atRequest:    at,
		atResponse:   at,
		localNode:    func() packet.NodeID { return local },
		generation:   func() uint8 { return gen },
		splitTimeout: defaultSplitTimeout,
		log:          logrus.NewEntry(logrus.StandardLogger()),
	}
}

func testPacket(dest packet.NodeID, tcode packet.TCode, gen uint8) *packet.Packet {
	return &packet.Packet{
		DestinationID: dest,
		TCode:         tcode,
		Generation:    gen,
	}
}

// A stale generation short-circuits without touching the AT FIFO or
// allocating a tlabel.
func TestSendGenerationMismatchShortCircuits(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	pkt := testPacket(0x0001, packet.TCodeReadQuadlet, 2) // current gen is 1
	var gotRCode packet.RCode
	called := false
	tx := m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		called = true
		gotRCode = rc
	}, nil)

	if !called {
		t.Fatal("callback never fired")
	}
	if gotRCode != packet.RCodeGeneration {
		t.Fatalf("rcode = %v, want generation", gotRCode)
	}
	if tx.Phase() != PhaseFailed {
		t.Fatalf("phase = %v, want failed", tx.Phase())
	}
	if len(at.sent) != 0 {
		t.Fatal("a stale-generation send must never reach the AT context")
	}
}

func TestSendLocalShortCircuitCSR(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	pkt := testPacket(m.localNode(), packet.TCodeReadQuadlet, 1)
	pkt.Offset = CSRBusManagerID

	var gotRCode packet.RCode
	var gotPayload []byte
	m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		gotRCode = rc
		gotPayload = payload
	}, nil)

	if gotRCode != packet.RCodeComplete {
		t.Fatalf("rcode = %v, want complete", gotRCode)
	}
	if len(gotPayload) != 4 {
		t.Fatalf("payload len = %d, want 4", len(gotPayload))
	}
	if len(at.sent) != 0 {
		t.Fatal("local short-circuit must never reach the AT context")
	}
}

func TestSendWriteCompletesOnAckAlone(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	pkt := testPacket(0x0001, packet.TCodeWriteQuadlet, 1)
	var gotRCode packet.RCode
	done := make(chan struct{})
	tx := m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		gotRCode = rc
		close(done)
	}, nil)

	if len(at.sent) != 1 {
		t.Fatalf("expected 1 packet submitted, got %d", len(at.sent))
	}
	at.fire(packet.AckComplete)
	<-done

	if gotRCode != packet.RCodeComplete {
		t.Fatalf("rcode = %v, want complete", gotRCode)
	}
	if tx.Phase() != PhaseResponded {
		t.Fatalf("phase = %v, want responded", tx.Phase())
	}
	if !m.table.consistent() {
		t.Fatal("table inconsistent after write completion")
	}
	if got := m.table.lookup(tx.TLabel); got != nil {
		t.Fatal("tlabel was not released after write completion")
	}
}

// Ack-to-rcode mapping for the failure family.
func TestSendAckBusyMapsToRCodeBusy(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	pkt := testPacket(0x0001, packet.TCodeWriteQuadlet, 1)
	var gotRCode packet.RCode
	done := make(chan struct{})
	m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		gotRCode = rc
		close(done)
	}, nil)
	at.fire(packet.AckBusyA)
	<-done

	if gotRCode != packet.RCodeBusy {
		t.Fatalf("rcode = %v, want busy", gotRCode)
	}
}

func TestSendReadAwaitsSplitResponse(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	pkt := testPacket(0x0001, packet.TCodeReadQuadlet, 1)
	var gotRCode packet.RCode
	done := make(chan struct{})
	tx := m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		gotRCode = rc
		close(done)
	}, nil)

	at.fire(packet.AckPending)
	if tx.Phase() != PhaseATAckedPending {
		t.Fatalf("phase = %v, want at-acked-pending", tx.Phase())
	}

	resp := &packet.Packet{
		SourceID:    0x0001,
		TCode:       packet.TCodeReadQuadResp,
		TLabel:      tx.TLabel,
		RCode:       packet.RCodeComplete,
		QuadletData: 0xdeadbeef,
	}
	m.HandleResponse(resp, 1)
	<-done

	if gotRCode != packet.RCodeComplete {
		t.Fatalf("rcode = %v, want complete", gotRCode)
	}
	if got := m.table.lookup(tx.TLabel); got != nil {
		t.Fatal("tlabel not released after response")
	}
}

func TestHandleResponseDropsStaleSource(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	pkt := testPacket(0x0001, packet.TCodeReadQuadlet, 1)
	fired := false
	tx := m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		fired = true
	}, nil)
	at.fire(packet.AckPending)

	// A response whose source doesn't match the original destination
	// must be dropped as stale, not matched in.
	resp := &packet.Packet{SourceID: 0x0002, TCode: packet.TCodeReadQuadResp, TLabel: tx.TLabel}
	m.HandleResponse(resp, 1)

	if fired {
		t.Fatal("callback fired for a response from an unexpected source")
	}
	if tx.Phase() != PhaseATAckedPending {
		t.Fatalf("phase = %v, want still at-acked-pending", tx.Phase())
	}
}

func TestSendSubmitErrorFailsCleanly(t *testing.T) {
	at := &fakeAT{failNext: true}
	m := newTestManager(at)

	pkt := testPacket(0x0001, packet.TCodeWriteQuadlet, 1)
	var gotRCode packet.RCode
	tx := m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		gotRCode = rc
	}, nil)

	if gotRCode != packet.RCodeSendError {
		t.Fatalf("rcode = %v, want send-error", gotRCode)
	}
	if got := m.table.lookup(tx.TLabel); got != nil {
		t.Fatal("tlabel leaked after a failed submit")
	}
}

// Cancellation is idempotent.
func TestCancelIsIdempotent(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	pkt := testPacket(0x0001, packet.TCodeReadQuadlet, 1)
	calls := 0
	tx := m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		calls++
	}, nil)
	at.fire(packet.AckPending)

	m.Cancel(tx)
	m.Cancel(tx)

	if calls != 1 {
		t.Fatalf("callback fired %d times, want exactly 1", calls)
	}
	if tx.Phase() != PhaseCancelled {
		t.Fatalf("phase = %v, want cancelled", tx.Phase())
	}
}

// Bus-reset scenario S5: every live transaction completes cancelled and
// the tlabel bitmap clears.
func TestFlushCancelsAllLiveTransactions(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	const n = 10
	var mu sync.Mutex
	rcodes := make([]packet.RCode, 0, n)
	for i := 0; i < n; i++ {
		pkt := testPacket(0x0001, packet.TCodeReadQuadlet, 1)
		m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
			mu.Lock()
			rcodes = append(rcodes, rc)
			mu.Unlock()
		}, nil)
		at.fire(packet.AckPending)
	}

	m.Flush()

	if len(rcodes) != n {
		t.Fatalf("got %d completions, want %d", len(rcodes), n)
	}
	for _, rc := range rcodes {
		if rc != packet.RCodeCancelled {
			t.Fatalf("rcode = %v, want cancelled", rc)
		}
	}
	if !m.table.consistent() {
		t.Fatal("table inconsistent after flush")
	}
	if m.table.bits != 0 {
		t.Fatalf("bitmap not cleared after flush: %#x", m.table.bits)
	}
}

// S4: a read that is acked pending but never answered must time out
// after the configured split-timeout, releasing its tlabel.
func TestSplitTimeoutFiresWhenNoResponseArrives(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)
	m.splitTimeout = 20 * time.Millisecond

	pkt := testPacket(0x0001, packet.TCodeReadQuadlet, 1)
	var gotRCode packet.RCode
	done := make(chan struct{})
	tx := m.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
		gotRCode = rc
		close(done)
	}, nil)
	at.fire(packet.AckPending)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("split-timeout never fired")
	}

	if gotRCode != packet.RCodeTimeout {
		t.Fatalf("rcode = %v, want timeout", gotRCode)
	}
	if got := m.table.lookup(tx.TLabel); got != nil {
		t.Fatal("tlabel not released after split-timeout")
	}
}

func TestHandleRequestAddressErrorOnNoMatch(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	req := &packet.Packet{
		SourceID:      0x0001,
		DestinationID: m.localNode(),
		TCode:         packet.TCodeReadQuadlet,
		Offset:        0xfffff0123456,
		TLabel:        7,
	}
	m.HandleRequest(req, 1)

	if len(at.sent) != 1 {
		t.Fatalf("expected a response to be submitted, got %d", len(at.sent))
	}
	resp := at.sent[0]
	if resp.RCode != packet.RCodeAddressError {
		t.Fatalf("rcode = %v, want address-error", resp.RCode)
	}
	if resp.TCode != packet.TCodeReadQuadResp {
		t.Fatalf("tcode = %v, want read_quadlet_response", resp.TCode)
	}
	if resp.TLabel != req.TLabel {
		t.Fatalf("tlabel = %d, want %d", resp.TLabel, req.TLabel)
	}
}

func TestHandleRequestBroadcastIsDropped(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	req := &packet.Packet{
		SourceID:      0x0001,
		DestinationID: packet.NodeID(0xffff), // broadcast phy id 0x3f
		TCode:         packet.TCodeWriteQuadlet,
		Offset:        0x1000,
	}
	m.HandleRequest(req, 1)

	if len(at.sent) != 0 {
		t.Fatal("a broadcast request must never produce a response")
	}
}

func TestHandleRequestDispatchesToRegisteredHandler(t *testing.T) {
	at := &fakeAT{}
	m := newTestManager(at)

	m.Registry.Add(&Handler{
		Start: 0x1000,
		Stop:  0x2000,
		Callback: func(req *packet.Packet) *Response {
			return &Response{RCode: packet.RCodeComplete, QuadletData: 0x42}
		},
	})

	req := &packet.Packet{
		SourceID:      0x0001,
		DestinationID: m.localNode(),
		TCode:         packet.TCodeReadQuadlet,
		Offset:        0x1800,
	}
	m.HandleRequest(req, 1)

	if len(at.sent) != 1 {
		t.Fatalf("expected 1 response submitted, got %d", len(at.sent))
	}
	if resp := at.sent[0]; resp.RCode != packet.RCodeComplete || resp.QuadletData != 0x42 {
		t.Fatalf("response = %+v, want complete/0x42", resp)
	}
}

func TestWrapTimestampWrapsLow13Bits(t *testing.T) {
	got := wrapTimestamp(0x1ffe, 1) // +1us worth of ticks pushes past 0x1fff
	if got&0x1fff == 0x1ffe {
		t.Fatal("wrapTimestamp did not advance the low 13 bits")
	}
}
