// Package selfid validates the self-ID quadlet stream the OHCI
// controller DMAs after every bus reset and builds the node topology it
// describes. Bit layout follows IEEE 1394-1995 §4.3.4.1's self-ID
// packet format; parsing/recursion shape modelled on the
// register/descriptor decode idiom used throughout package reg and
// package dma (byte-swapped word access, a typed view over a quadlet's
// bitfields).
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package selfid

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned by Validate; all three call for a short bus reset to
// recover from a corrupted self-ID stream.
var (
	ErrGenerationMismatch = errors.New("selfid: generation mismatch between count register readings")
	ErrInverseMismatch    = errors.New("selfid: quadlet does not match its bitwise inverse")
	ErrExtensionSequence  = errors.New("selfid: extension packet out of sequence")
)

// PortStatus is the 2-bit per-port status code in a self-ID packet.
type PortStatus uint8

const (
	PortNone         PortStatus = 0
	PortNotConnected PortStatus = 1
	PortParent       PortStatus = 2
	PortChild        PortStatus = 3
)

// Packet0 is the first self-ID packet for a node, decoded from its
// bus-endian quadlet per the bit layout in topology.c's SelfIDPkt union.
type Packet0 struct {
	PhyID      uint8
	ActiveLink bool
	GapCount   uint8
	PhySpeed   uint8
	Contender  bool
	PowerClass uint8
	P0, P1, P2 PortStatus
	InitReset  bool
	More       bool
}

func decodePacket0(q uint32) Packet0 {
	return Packet0{
		PhyID:      uint8((q >> 24) & 0x3f),
		ActiveLink: (q>>22)&1 != 0,
		GapCount:   uint8((q >> 16) & 0x3f),
		PhySpeed:   uint8((q >> 14) & 0x3),
		Contender:  (q>>11)&1 != 0,
		PowerClass: uint8((q >> 8) & 0x7),
		P0:         PortStatus((q >> 6) & 0x3),
		P1:         PortStatus((q >> 4) & 0x3),
		P2:         PortStatus((q >> 2) & 0x3),
		InitReset:  (q>>1)&1 != 0,
		More:       q&1 != 0,
	}
}

// PacketN is an extension self-ID packet (sequence number 0, 1, or 2),
// each carrying up to 8 more port statuses (Pa..Ph).
type PacketN struct {
	PhyID     uint8
	N         uint8 // sequence number, must equal the expected 0/1/2 index
	Ports     [8]PortStatus
	InitReset bool
	More      bool
}

func decodePacketN(q uint32) PacketN {
	p := PacketN{
		PhyID:     uint8((q >> 24) & 0x3f),
		N:         uint8((q >> 20) & 0x7),
		InitReset: (q>>1)&1 != 0,
		More:      q&1 != 0,
	}
	for i := 0; i < 8; i++ {
		shift := 18 - 2*i
		p.Ports[i] = PortStatus((q >> uint(shift)) & 0x3)
	}
	return p
}

// Entry is one fully-parsed node's self-ID information: its primary
// packet plus up to three extension packets (ports beyond the first
// three), flattened into a single port-status slice in wire order.
type Entry struct {
	Packet0 Packet0
	Ports   []PortStatus // P0, P1, P2, then extension ports in sequence
}

// Stream is a validated self-ID snapshot for one generation.
type Stream struct {
	Generation uint8
	LocalNode  uint16
	Entries    []Entry
}

// Validate checks the raw self-ID buffer (bus-endian quadlets, as read
// via ohci.Controller.SelfIDBuffer) against the count register's
// generation and decodes it into a Stream: the stream's own generation
// (bits 16-23 of the controller's header quadlet, present when buf holds
// an odd number of quadlets) must match the count register's, each
// logical self-ID packet is a quadlet followed by its bitwise inverse,
// and the three-packet extension sequence must be numbered 0, 1, 2 in
// order.
func Validate(buf []byte, countGeneration uint8) (*Stream, error) {
	if len(buf) >= 4 && len(buf)%8 == 4 {
		if gen := uint8(binary.BigEndian.Uint32(buf[0:4]) >> 16); gen != countGeneration {
			return nil, fmt.Errorf("%w: header %d, count register %d", ErrGenerationMismatch, gen, countGeneration)
		}
		buf = buf[4:]
	}

	if len(buf) < 8 || len(buf)%8 != 0 {
		return nil, fmt.Errorf("selfid: buffer length %d not a multiple of 8", len(buf))
	}

	quads := make([]uint32, len(buf)/4)
	for i := range quads {
		quads[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}

	for i := 0; i < len(quads); i += 2 {
		if quads[i] != ^quads[i+1] {
			return nil, fmt.Errorf("%w: quadlet %d = %#x, inverse %#x", ErrInverseMismatch, i, quads[i], quads[i+1])
		}
	}

	stream := &Stream{Generation: countGeneration}

	i := 0
	for i < len(quads) {
		q0 := quads[i]
		i += 2
		p0 := decodePacket0(q0)

		entry := Entry{Packet0: p0, Ports: []PortStatus{p0.P0, p0.P1, p0.P2}}

		expectN := uint8(0)
		for p0.More && i < len(quads) {
			qn := quads[i]
			pn := decodePacketN(qn)
			if pn.N != expectN {
				return nil, fmt.Errorf("%w: phy %d wanted packet %d got %d", ErrExtensionSequence, p0.PhyID, expectN, pn.N)
			}
			entry.Ports = append(entry.Ports, pn.Ports[:]...)
			i += 2
			expectN++
			if !pn.More {
				break
			}
		}

		stream.Entries = append(stream.Entries, entry)
	}

	return stream, nil
}
