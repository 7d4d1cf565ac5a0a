package hardware

import (
	"fmt"

	"github.com/yomgui1/helios/busmgmt"
	"github.com/yomgui1/helios/event"
	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/transaction"
)

// Submit issues an asynchronous transaction. cb fires exactly once,
// with the transaction's terminal result code.
func (h *Hardware) Submit(pkt *packet.Packet, cb transaction.CompletionFunc, userData any) *transaction.Transaction {
	return h.Transactions.Send(pkt, cb, userData)
}

// SubmitSync blocks the calling goroutine until pkt's transaction
// reaches a terminal state, returning the same result Submit's
// callback would have received.
func (h *Hardware) SubmitSync(pkt *packet.Packet) (rcode packet.RCode, payload []byte, timestamp uint16) {
	done := make(chan struct{})
	h.Transactions.Send(pkt, func(rc packet.RCode, p []byte, ts uint16) {
		rcode, payload, timestamp = rc, p, ts
		close(done)
	}, nil)
	<-done
	return
}

// SendPHYPacket submits a quadlet-only S100 PHY packet.
func (h *Hardware) SendPHYPacket(quadlet uint32, onAck ohci.AckFunc) error {
	return h.ctrl.SendPHYPacket(quadlet, onAck)
}

// AddRequestHandler registers handler's address window.
func (h *Hardware) AddRequestHandler(handler *transaction.Handler) error {
	return h.Transactions.Registry.Add(handler)
}

// RemoveRequestHandler unregisters a previously added handler.
func (h *Hardware) RemoveRequestHandler(handler *transaction.Handler) {
	h.Transactions.Registry.Remove(handler)
}

// AddListener registers l on the hardware's event bus.
func (h *Hardware) AddListener(l *event.Listener) *event.Listener {
	return h.Events.Add(l)
}

// RemoveListener unregisters a previously added listener.
func (h *Hardware) RemoveListener(l *event.Listener) {
	h.Events.Remove(l)
}

// RequestShortBusReset arbitrates a short bus reset: the PHY re-runs
// tree identification and self-ID with the current root/gap-count
// intact.
func (h *Hardware) RequestShortBusReset() error {
	return h.ctrl.RequestShortBusReset()
}

// RequestLongBusReset forces every node to re-learn its arbitration gap
// before arbitrating the reset, by broadcasting a gap-count-only
// PHY-config packet at the maximum gap count first -- no node can have
// a stale, too-small gap count left over from before the reset.
func (h *Hardware) RequestLongBusReset() error {
	done := make(chan struct{})
	err := h.ctrl.SendPHYPacket(busmgmt.GapOnlyPhyConfigPacket(busmgmt.MaxGapCount), func(ack packet.Ack, ts uint16, meta any) {
		close(done)
	})
	if err != nil {
		return fmt.Errorf("hardware: broadcast gap-count reset: %w", err)
	}
	<-done
	return h.ctrl.RequestShortBusReset()
}

// Enable resumes the OHCI link after Disable, without re-claiming the
// board or re-allocating any DMA state.
func (h *Hardware) Enable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enabled {
		return nil
	}
	if err := h.ctrl.Start(); err != nil {
		return err
	}
	h.enabled = true
	return nil
}

// Disable stops the OHCI link, leaving the hardware handle and its
// registries intact for a later Enable.
func (h *Hardware) Disable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return nil
	}
	err := h.ctrl.Stop()
	h.enabled = false
	return err
}

// GetAttr satisfies object.Attributes for the Hardware handle itself.
func (h *Hardware) GetAttr(tag string) (any, bool) {
	switch tag {
	case "guid":
		return h.cfg.GUID, true
	case "vendor-id":
		return h.cfg.VendorID, true
	case "enabled":
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.enabled, true
	default:
		return nil, false
	}
}

// SetAttr satisfies object.Attributes; a Hardware's identity is fixed
// at Open, so nothing is settable here.
func (h *Hardware) SetAttr(tag string, value any) error {
	return fmt.Errorf("hardware: attribute %q is read-only", tag)
}
