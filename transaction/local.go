package transaction

import (
	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
)

// localRequest serves a request whose destination is the local node
// in-place, without touching the AT DMA path. It consults, in order:
// the CSR lock-swap file for the four bus-management registers, the
// cached ROM for offsets inside the ROM window, and the request-handler
// registry for everything else.
func (m *Manager) localRequest(pkt *packet.Packet) (rcode packet.RCode, payload []byte, quadlet uint32) {
	return m.dispatchRequest(pkt)
}

// localCSR services the four lock-swappable bus-management CSRs:
// BUS_MANAGER_ID, BANDWIDTH_AVAILABLE, and CHANNELS_AVAILABLE_HI/LO. ok
// is false if pkt.Offset does not name one of them.
func (m *Manager) localCSR(pkt *packet.Packet) (old uint32, ok bool) {
	switch pkt.TCode {
	case packet.TCodeReadQuadlet:
		return m.csr.Read(pkt.Offset)
	case packet.TCodeLock:
		if pkt.ExtCode != packet.ExtCodeCompareSwap {
			return 0, false
		}
		// Compare-swap lock payload is (arg, data): arg is the expected
		// old value, data is the value to store, per IEEE 1394-1995 §6.2.4.18.
		if len(pkt.Payload) < 8 {
			return 0, false
		}
		arg := beUint32(pkt.Payload[0:4])
		data := beUint32(pkt.Payload[4:8])
		return m.csr.CompareSwap(pkt.Offset, arg, data)
	default:
		return 0, false
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// localROMRead serves a quadlet or block read against the cached
// Configuration ROM window.
func (m *Manager) localROMRead(pkt *packet.Packet) (packet.RCode, []byte, uint32) {
	if m.rom == nil || (pkt.TCode != packet.TCodeReadQuadlet && pkt.TCode != packet.TCodeReadBlock) {
		return packet.RCodeAddressError, nil, 0
	}
	quads := m.rom.ROM()
	idx := int((pkt.Offset - CSRConfigROMOffset) / 4)

	if pkt.TCode == packet.TCodeReadQuadlet {
		if idx < 0 || idx >= len(quads) {
			return packet.RCodeAddressError, nil, 0
		}
		return packet.RCodeComplete, nil, quads[idx]
	}

	length := pkt.PayloadLength()
	count := (length + 3) / 4
	if idx < 0 || idx+count > len(quads) {
		return packet.RCodeAddressError, nil, 0
	}
	out := make([]byte, 0, count*4)
	for i := 0; i < count; i++ {
		out = append(out, quad4(quads[idx+i])...)
	}
	return packet.RCodeComplete, out[:length], 0
}

// HandleRequest processes an inbound request packet received from the
// wire, matching the ohci.PacketHandler signature for direct use as
// Config.OnRequest. Requests are matched against the registry; no match
// synthesises an address-error response (unless the request was
// broadcast, which is silently dropped).
func (m *Manager) HandleRequest(req *packet.Packet, generation uint8) {
	if req.DestinationID.IsBroadcast() {
		return
	}

	rcode, payload, quadlet := m.dispatchRequest(req)

	resp := &packet.Packet{
		DestinationID: req.SourceID,
		SourceID:      m.localNodeOrZero(),
		TCode:         req.TCode.Response(),
		ExtCode:       req.ExtCode,
		TLabel:        req.TLabel,
		Speed:         req.Speed,
		RCode:         rcode,
		QuadletData:   quadlet,
		Payload:       payload,
		Timestamp:     wrapTimestamp(req.Timestamp, responseTimestampSkew),
		Generation:    generation,
	}

	if m.atResponse == nil {
		return
	}
	_ = m.atResponse.Submit(resp, func(ack packet.Ack, ts uint16, meta any) {}, nil)
}

func (m *Manager) dispatchRequest(req *packet.Packet) (packet.RCode, []byte, uint32) {
	if old, ok := m.localCSR(req); ok {
		return packet.RCodeComplete, nil, old
	}
	if req.Offset >= CSRConfigROMOffset && req.Offset < CSRConfigROMEnd {
		return m.localROMRead(req)
	}
	h := m.Registry.Lookup(req.Offset)
	if h == nil {
		return packet.RCodeAddressError, nil, 0
	}
	resp := h.Callback(req)
	if resp == nil {
		return packet.RCodeAddressError, nil, 0
	}
	if resp.Free != nil {
		defer resp.Free()
	}
	return resp.RCode, resp.Payload, resp.QuadletData
}

func (m *Manager) localNodeOrZero() packet.NodeID {
	if m.localNode == nil {
		return 0
	}
	return m.localNode()
}

// wrapTimestamp adds skewMicros worth of cycle ticks to ts, wrapping at
// the 13-bit cycle-offset boundary. One cycle tick is
// ~40.69ns (1/24.576MHz); ts's low 13 bits are cycle-offset ticks, bits
// 13-28 the cycle count. For the purposes of this driver only the
// low-13-bit wrap matters (OHCI hardware owns the cycle-count field), so
// this adds the tick-equivalent of skewMicros to the low 13 bits only.
func wrapTimestamp(ts uint16, skewMicros int) uint16 {
	const ticksPerMicro = 24.576
	delta := uint16(float64(skewMicros) * ticksPerMicro)
	low := (ts & 0x1fff) + delta
	return (ts &^ 0x1fff) | (low & 0x1fff)
}

var _ ohci.PacketHandler = (*Manager)(nil).HandleRequest
var _ ohci.PacketHandler = (*Manager)(nil).HandleResponse
