package ohci

import "github.com/yomgui1/helios/packet"

// OHCI transfer-status event codes (OHCI 1.1 Table 3-2) as written into a
// descriptor's status-word overlay once processed. Only the codes Helios
// needs to distinguish are named; the rest fold into their 1394 ack bit
// directly (OHCI-internal 0x10..0x1f map to ack bits 0..f).
const (
	evtNoStatus    = 0x00
	evtLongPacket  = 0x02
	evtMissingAck  = 0x03
	evtUnderrun    = 0x04
	evtOverrun     = 0x05
	evtDescriptorRead = 0x06
	evtDataRead    = 0x07
	evtDataWrite   = 0x08
	evtBusReset    = 0x09
	evtTimeout     = 0x0a
	evtTCodeErr    = 0x0b
	evtUnknown     = 0x0e
	evtFlushed     = 0x0f
	// 0x10-0x1f: ack codes echoed verbatim, ack = event & 0xf.
)

// AckFromEvent translates an OHCI context's transfer-status byte into the
// 1394 ack (or a synthesised pseudo-ack for internal conditions):
// evt_flushed maps to generation (bus reset during DMA), evt_timeout to
// timeout, evt_missing_ack to missing, and OHCI-internal 0x10..0x1f to
// ack bits 0..f.
func AckFromEvent(evt uint8) packet.Ack {
	switch evt {
	case evtFlushed:
		return packet.AckGeneration
	case evtTimeout:
		return packet.AckTimeout
	case evtMissingAck:
		return packet.AckMissing
	case evtNoStatus:
		return packet.AckCancelled
	default:
		if evt&0x10 != 0 {
			return packet.Ack(evt & 0xf)
		}
		return packet.AckMissing
	}
}
