package packet

import (
	"encoding/binary"
	"fmt"
)

// ToHeader encodes the packet's header into three or four bus-endian
// (big-endian) quadlets, per IEEE 1394-1995 §6.2. The header is opaque
// to the OHCI driver; only this package and the transaction layer
// interpret it.
func (p *Packet) ToHeader() [][4]byte {
	q0 := uint32(p.DestinationID)<<16 | uint32(p.TLabel)<<10 | uint32(p.RetryCode)<<8 | uint32(p.TCode)<<4 | uint32(p.ExtCode&0xf)
	q1 := uint32(p.SourceID)<<16 | uint32((p.Offset>>32)&0xffff)
	q2 := uint32(p.Offset & 0xffffffff)

	switch p.TCode {
	case TCodePHY:
		// PHY packets carry no node-id header at all: just the quadlet and
		// its bitwise inverse (IEEE 1394-1995 §4.3.3), used for self-ID and
		// PHY-config packets alike.
		return [][4]byte{quad(p.QuadletData), quad(^p.QuadletData)}
	case TCodeReadQuadlet, TCodeWriteResp:
		return [][4]byte{quad(q0), quad(q1), quad(q2)}
	case TCodeWriteQuadlet:
		return [][4]byte{quad(q0), quad(q1), quad(q2), quad(p.QuadletData)}
	case TCodeReadQuadResp:
		return [][4]byte{quad(q0), quad(q1), quad(uint32(p.RCode)<<12), quad(p.QuadletData)}
	case TCodeWriteBlock, TCodeReadBlockResp, TCodeLock, TCodeLockResp:
		var q3 uint32
		if p.TCode == TCodeReadBlockResp || p.TCode == TCodeLockResp {
			q3 = uint32(p.RCode)<<12 | uint32(p.ExtCode&0xf)<<0
		} else {
			q3 = uint32(len(p.Payload)) << 16
		}
		if p.TCode == TCodeWriteBlock || p.TCode == TCodeReadBlockResp || p.TCode == TCodeLock || p.TCode == TCodeLockResp {
			q3 = (q3 &^ 0xffff) | uint32(len(p.Payload))<<16 | uint32(p.ExtCode&0xf)
		}
		return [][4]byte{quad(q0), quad(q1), quad(q2), quad(q3)}
	case TCodeReadBlock:
		q3 := uint32(len(p.Payload))<<16 | uint32(p.ExtCode&0xf)
		return [][4]byte{quad(q0), quad(q1), quad(q2), quad(q3)}
	default:
		return [][4]byte{quad(q0), quad(q1), quad(q2)}
	}
}

func quad(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

// HeaderQuadlets reports how many 32-bit header quadlets a packet of
// this tcode carries on the wire: 3 for read-quadlet requests and write
// responses (the shapes ToHeader emits as three quadlets), 4 for
// everything that carries an inline quadlet or a fourth
// (length/extcode/rcode) word.
func HeaderQuadlets(t TCode) int {
	switch t {
	case TCodeReadQuadlet, TCodeWriteResp:
		return 3
	default:
		return 4
	}
}

// ParseHeader decodes a packet header out of its bus-endian quadlets.
// buf must hold at least 12 bytes (3 quadlets); a 4th quadlet is read
// when present and the tcode requires one. Returns the packet, the
// header length actually consumed (12 or 16), the declared block
// payload length (0 for quadlet tcodes, whose 4 data bytes are already
// captured in QuadletData), and any error.
func ParseHeader(buf []byte) (*Packet, int, int, error) {
	if len(buf) < 12 {
		return nil, 0, 0, fmt.Errorf("packet: short header (%d bytes)", len(buf))
	}

	q0 := binary.BigEndian.Uint32(buf[0:4])
	q1 := binary.BigEndian.Uint32(buf[4:8])
	q2 := binary.BigEndian.Uint32(buf[8:12])

	p := &Packet{
		DestinationID: NodeID(q0 >> 16),
		TLabel:        uint8((q0 >> 10) & 0x3f),
		RetryCode:     uint8((q0 >> 8) & 0x3),
		TCode:         TCode((q0 >> 4) & 0xf),
		ExtCode:       ExtCode(q0 & 0xf),
		SourceID:      NodeID(q1 >> 16),
	}

	hdrLen := HeaderQuadlets(p.TCode) * 4
	blockLen := 0

	switch p.TCode {
	case TCodeReadQuadlet, TCodeWriteBlock, TCodeReadBlock, TCodeLock:
		p.Offset = uint64(q1&0xffff)<<32 | uint64(q2)
	case TCodeWriteQuadlet:
		p.Offset = uint64(q1&0xffff)<<32 | uint64(q2)
	case TCodeReadQuadResp, TCodeWriteResp:
		p.RCode = RCode((q2 >> 12) & 0xf)
	case TCodeReadBlockResp, TCodeLockResp:
		p.RCode = RCode((q2 >> 12) & 0xf)
	}

	if len(buf) < hdrLen {
		return nil, 0, 0, fmt.Errorf("packet: short header for %s (%d bytes, want %d)", p.TCode, len(buf), hdrLen)
	}

	if hdrLen == 16 {
		q3 := binary.BigEndian.Uint32(buf[12:16])
		switch p.TCode {
		case TCodeWriteQuadlet, TCodeReadQuadResp:
			p.QuadletData = q3
		case TCodeWriteBlock, TCodeReadBlock, TCodeReadBlockResp, TCodeLock, TCodeLockResp:
			blockLen = int(q3 >> 16)
			p.ExtCode = ExtCode(q3 & 0xf)
		}
	}

	return p, hdrLen, blockLen, nil
}
