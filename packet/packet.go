// Package packet defines the IEEE 1394 asynchronous packet model shared
// by the OHCI driver, the transaction layer, and the Configuration ROM
// reader: transaction codes, ack/response codes, speed codes, and the
// Packet type itself.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package packet

import "fmt"

// TCode is a 1394 transaction code.
type TCode uint8

// Transaction codes (IEEE 1394-1995 Table 6-7).
const (
	TCodeWriteQuadlet TCode = 0x0
	TCodeWriteBlock   TCode = 0x1
	TCodeWriteResp    TCode = 0x2
	TCodeReadQuadlet  TCode = 0x4
	TCodeReadBlock    TCode = 0x5
	TCodeReadQuadResp TCode = 0x6
	TCodeReadBlockResp TCode = 0x7
	TCodeCycleStart   TCode = 0x8
	TCodeLock         TCode = 0x9
	TCodeStreamData   TCode = 0xa
	TCodeLockResp     TCode = 0xb
	TCodePHY          TCode = 0xe
)

func (t TCode) String() string {
	switch t {
	case TCodeWriteQuadlet:
		return "write_quadlet"
	case TCodeWriteBlock:
		return "write_block"
	case TCodeWriteResp:
		return "write_response"
	case TCodeReadQuadlet:
		return "read_quadlet"
	case TCodeReadBlock:
		return "read_block"
	case TCodeReadQuadResp:
		return "read_quadlet_response"
	case TCodeReadBlockResp:
		return "read_block_response"
	case TCodeLock:
		return "lock"
	case TCodeLockResp:
		return "lock_response"
	case TCodeStreamData:
		return "stream_data"
	case TCodePHY:
		return "phy"
	default:
		return fmt.Sprintf("tcode(%#x)", uint8(t))
	}
}

// HasData reports whether this tcode carries a payload pointer/length in
// addition to (or instead of) the inline quadlet.
func (t TCode) HasData() bool {
	switch t {
	case TCodeWriteBlock, TCodeReadBlockResp, TCodeLock, TCodeLockResp:
		return true
	default:
		return false
	}
}

// IsResponse reports whether this tcode is a response tcode.
func (t TCode) IsResponse() bool {
	switch t {
	case TCodeWriteResp, TCodeReadQuadResp, TCodeReadBlockResp, TCodeLockResp:
		return true
	default:
		return false
	}
}

// Response maps a request tcode to its response tcode (tcode+2 for the
// common cases; lock is tcode+2 as well since 0x9+2=0xb).
func (t TCode) Response() TCode {
	switch t {
	case TCodeWriteQuadlet, TCodeWriteBlock:
		return TCodeWriteResp
	case TCodeReadQuadlet:
		return TCodeReadQuadResp
	case TCodeReadBlock:
		return TCodeReadBlockResp
	case TCodeLock:
		return TCodeLockResp
	default:
		return t
	}
}

// ExtCode is the extended transaction code carried by lock requests.
type ExtCode uint8

const (
	ExtCodeMaskSwap     ExtCode = 0x1
	ExtCodeCompareSwap  ExtCode = 0x2
	ExtCodeFetchAdd     ExtCode = 0x3
	ExtCodeLittleAdd    ExtCode = 0x4
	ExtCodeBoundedAdd   ExtCode = 0x5
	ExtCodeWrapAdd      ExtCode = 0x6
)

// Speed is a 1394 speed code.
type Speed uint8

const (
	S100 Speed = 0
	S200 Speed = 1
	S400 Speed = 2
	// S800Beta denotes a beta-mode node; beta-speed negotiation is not
	// implemented and such nodes are treated as S400.
	S800Beta Speed = 3
)

func (s Speed) String() string {
	switch s {
	case S100:
		return "S100"
	case S200:
		return "S200"
	case S400:
		return "S400"
	case S800Beta:
		return "beta"
	default:
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
}

// Ack is a 1394 acknowledge code (as observed on the bus, or synthesised
// by the host stack for local/short-circuited conditions).
type Ack uint8

const (
	AckComplete    Ack = 0x1
	AckPending     Ack = 0x2
	AckBusyX       Ack = 0x4
	AckBusyA       Ack = 0x5
	AckBusyB       Ack = 0x6
	AckTardy       Ack = 0xb
	AckDataError   Ack = 0xd
	AckTypeError   Ack = 0xe
	// Synthesised, never seen on the wire:
	AckGeneration Ack = 0xf0
	AckMissing    Ack = 0xf1
	AckTimeout    Ack = 0xf2
	AckCancelled  Ack = 0xf3
)

func (a Ack) String() string {
	switch a {
	case AckComplete:
		return "complete"
	case AckPending:
		return "pending"
	case AckBusyX:
		return "busy_x"
	case AckBusyA:
		return "busy_a"
	case AckBusyB:
		return "busy_b"
	case AckTardy:
		return "tardy"
	case AckDataError:
		return "data_error"
	case AckTypeError:
		return "type_error"
	case AckGeneration:
		return "generation"
	case AckMissing:
		return "missing"
	case AckTimeout:
		return "timeout"
	case AckCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ack(%#x)", uint8(a))
	}
}

// IsBusy reports whether the ack is one of the busy_x/a/b family.
func (a Ack) IsBusy() bool {
	return a == AckBusyX || a == AckBusyA || a == AckBusyB
}

// RCode is a 1394 response code, plus the application-facing synthetic
// codes the transaction layer surfaces for conditions that never reach
// the wire (a send failure, a local timeout, a cancelled request).
type RCode uint8

const (
	RCodeComplete RCode = 0x0
	RCodeConflict RCode = 0x4
	RCodeDataError RCode = 0x5
	RCodeTypeError RCode = 0x6
	RCodeAddressError RCode = 0x7
	// Synthesised application-facing results:
	RCodeBusy       RCode = 0xf0
	RCodeCancelled  RCode = 0xf1
	RCodeGeneration RCode = 0xf2
	RCodeMissingAck RCode = 0xf3
	RCodeSendError  RCode = 0xf4
	RCodeTimeout    RCode = 0xf5
)

func (r RCode) String() string {
	switch r {
	case RCodeComplete:
		return "complete"
	case RCodeConflict:
		return "conflict"
	case RCodeDataError:
		return "data-error"
	case RCodeTypeError:
		return "type-error"
	case RCodeAddressError:
		return "address-error"
	case RCodeBusy:
		return "busy"
	case RCodeCancelled:
		return "cancelled"
	case RCodeGeneration:
		return "generation"
	case RCodeMissingAck:
		return "missing-ack"
	case RCodeSendError:
		return "send-error"
	case RCodeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("rcode(%#x)", uint8(r))
	}
}

// FromAck maps an ack/event code to the application-facing result code it
// produces for write-family (ack-only) transactions, which complete on
// the ack alone with no response packet to carry an rcode.
func FromAck(a Ack) RCode {
	switch {
	case a == AckComplete:
		return RCodeComplete
	case a.IsBusy():
		return RCodeBusy
	case a == AckDataError:
		return RCodeDataError
	case a == AckTypeError:
		return RCodeTypeError
	case a == AckMissing:
		return RCodeMissingAck
	case a == AckGeneration:
		return RCodeGeneration
	case a == AckTimeout:
		return RCodeTimeout
	case a == AckCancelled:
		return RCodeCancelled
	default:
		return RCodeSendError
	}
}

// NodeID is a 16-bit 1394 node address: 10-bit bus number, 6-bit phy id.
type NodeID uint16

// LocalBus is the bus-number value meaning "local bus" (the bus this
// packet originates on), per IEEE 1394 §6.2.4.7.
const LocalBus NodeID = 0xffc0

// BroadcastPhyID is the phy id meaning "all nodes".
const BroadcastPhyID = 0x3f

// PhyID extracts the 6-bit physical node id.
func (n NodeID) PhyID() uint8 { return uint8(n & 0x3f) }

// IsBroadcast reports whether n addresses every node on the bus.
func (n NodeID) IsBroadcast() bool { return n.PhyID() == BroadcastPhyID }

func (n NodeID) String() string { return fmt.Sprintf("node(%#04x)", uint16(n)) }

// Packet is the unit of bus traffic. Header quadlets are kept in
// host-decoded form; ToHeader/ParseHeader
// convert to/from the three-or-four-quadlet bus-endian wire format.
type Packet struct {
	SourceID      NodeID
	DestinationID NodeID
	TCode         TCode
	ExtCode       ExtCode
	Speed         Speed
	TLabel        uint8 // 0-63
	RetryCode     uint8
	Offset        uint64 // 48-bit CSR offset
	Payload       []byte
	QuadletData   uint32 // inline data for quadlet read/write
	Ack           Ack
	RCode         RCode
	Timestamp     uint16 // 16-bit cycle timer snapshot
	Generation    uint8
}

// PayloadLength returns the logical payload length in bytes: for quadlet
// operations this is always 4 (the inline quadlet), for block operations
// it is len(Payload).
func (p *Packet) PayloadLength() int {
	switch p.TCode {
	case TCodeWriteQuadlet, TCodeReadQuadlet, TCodeReadQuadResp:
		return 4
	default:
		return len(p.Payload)
	}
}
