package rom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yomgui1/helios/packet"
)

// CSRConfigROMOffset is the 48-bit CSR offset the Configuration ROM
// begins at on every 1394 node.
const CSRConfigROMOffset = 0xfffff0000400

// busyRetryBudget and busyRetryInterval bound the busy-ack retry loop for
// ROM quadlet reads: up to 10 retries spaced 125ms apart before giving
// up on a node stuck busy.
const (
	busyRetryBudget   = 10
	busyRetryInterval = 125 * time.Millisecond
)

// ErrGeneration is returned when the bus generation changed mid-read;
// the caller should requeue the scan on the next topology.
var ErrGeneration = errors.New("rom: bus reset during read")

// ErrCRC is returned when the bus-info block's CRC-16 does not match
// its declared value.
var ErrCRC = errors.New("rom: bus-info block CRC mismatch")

// QuadletReader issues a single quadlet-read transaction at offset,
// at the given speed, returning the received quadlet or an rcode/err.
// Supplied by the transaction layer; package rom has no bus dependency
// of its own.
type QuadletReader func(ctx context.Context, offset uint64, speed packet.Speed) (quadlet uint32, rcode packet.RCode, err error)

// defaultSleep lets tests substitute a fake clock for the busy-retry backoff.
var defaultSleep = time.Sleep

// Read reads a full Configuration ROM from a node reachable via read:
// the first 5 quadlets (bus-info block) at S100, with the very first
// quadlet retried up to busyRetryBudget x 125ms while it reads as zero;
// a minimal ROM (info_length==1) returns after the first quadlet;
// quadlets from index 5 onward are read at maxSpeed.
func Read(ctx context.Context, read QuadletReader, maxSpeed packet.Speed) ([]uint32, error) {
	quads := make([]uint32, 0, 5)

	var first uint32
	for attempt := 0; ; attempt++ {
		q, rcode, err := read(ctx, CSRConfigROMOffset, packet.S100)
		if err != nil {
			return nil, err
		}
		if rcode == packet.RCodeGeneration {
			return nil, ErrGeneration
		}
		if rcode != packet.RCodeComplete {
			if rcode == packet.RCodeBusy && attempt < busyRetryBudget {
				defaultSleep(busyRetryInterval)
				continue
			}
			return nil, fmt.Errorf("rom: read header quadlet: rcode %s", rcode)
		}
		if q != 0 {
			first = q
			break
		}
		if attempt >= busyRetryBudget {
			return nil, fmt.Errorf("rom: header quadlet still zero after %d retries", busyRetryBudget)
		}
		defaultSleep(busyRetryInterval)
	}
	quads = append(quads, first)

	infoLength := first >> 24
	if infoLength <= 1 {
		return quads, nil
	}

	for i := uint64(1); i < 5; i++ {
		q, err := readOneEscalating(ctx, read, CSRConfigROMOffset+i*4, packet.S100)
		if err != nil {
			return nil, err
		}
		quads = append(quads, q)
	}

	crc := uint16(quads[0] & 0xffff)
	if got := CRC16(quads[1:5]); got != crc {
		return nil, fmt.Errorf("%w: declared %#x computed %#x", ErrCRC, crc, got)
	}

	// info_length only bounds the bus-info block (always 4 quadlets); the
	// directory blocks that follow have no a-priori total, so reading
	// continues at the node's max speed until an address-error or
	// type-error response truncates it, bounded by maxROMQuadlets as a
	// backstop against a misbehaving node that never signals end-of-ROM.
	for i := len(quads); i < maxROMQuadlets; i++ {
		q, err := readOneEscalating(ctx, read, CSRConfigROMOffset+uint64(i)*4, maxSpeed)
		if err != nil {
			if errors.Is(err, errTruncate) {
				break
			}
			return nil, err
		}
		quads = append(quads, q)
	}

	return quads, nil
}

// maxROMQuadlets bounds the total Configuration ROM read: IEEE 1394-1995
// allows up to 1024 quadlets, but real ROMs are a small fraction of that;
// this is a safety backstop, not a protocol limit.
const maxROMQuadlets = 256

var errTruncate = errors.New("rom: truncated at protocol error")

func readOneEscalating(ctx context.Context, read QuadletReader, offset uint64, speed packet.Speed) (uint32, error) {
	for attempt := 0; ; attempt++ {
		q, rcode, err := read(ctx, offset, speed)
		if err != nil {
			return 0, err
		}
		switch rcode {
		case packet.RCodeComplete:
			return q, nil
		case packet.RCodeGeneration:
			return 0, ErrGeneration
		case packet.RCodeBusy:
			if attempt >= busyRetryBudget {
				return 0, fmt.Errorf("rom: busy retry budget exceeded at offset %#x", offset)
			}
			defaultSleep(busyRetryInterval)
			continue
		case packet.RCodeAddressError, packet.RCodeTypeError:
			return 0, errTruncate
		default:
			return 0, fmt.Errorf("rom: read offset %#x: rcode %s", offset, rcode)
		}
	}
}

// FirstFiveEqual compares the first 5 quadlets of two ROM quadlet
// slices — the fields the per-device scan checks to confirm an unchanged
// ROM.
func FirstFiveEqual(a, b []uint32) bool {
	if len(a) < 5 || len(b) < 5 {
		return len(a) == len(b)
	}
	for i := 0; i < 5; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GUID extracts the 64-bit GUID from a ROM's bus-info block (quadlets 3
// and 4: GUID-hi, GUID-lo).
func GUID(quads []uint32) uint64 {
	if len(quads) < 5 {
		return 0
	}
	return uint64(quads[3])<<32 | uint64(quads[4])
}
