package transaction

import (
	"errors"
	"sync"

	"github.com/yomgui1/helios/packet"
)

// HandlerFlags are the request-handler registration flags.
type HandlerFlags uint8

const (
	// FlagAllocateWithinWindow is reserved for a future CSR allocator
	// that carves sub-ranges out of a registered window; no current
	// component sets it, but the registry preserves the bit so a
	// request-handler can be queried for it.
	FlagAllocateWithinWindow HandlerFlags = 1 << iota
)

// Response is what a HandlerFunc returns to describe the reply a
// matched request produces: an rcode, the quadlet or block payload to
// send back, and an optional free-callback releasing its backing buffer.
type Response struct {
	RCode       packet.RCode
	QuadletData uint32 // for quadlet-response tcodes
	Payload     []byte // for block-response tcodes
	ExtCode     packet.ExtCode

	// Free, if non-nil, is called once the response has been encoded
	// onto the wire (or discarded), releasing any backing buffer the
	// handler allocated for Payload.
	Free func()
}

// HandlerFunc processes one incoming request packet and produces the
// Response to send back.
type HandlerFunc func(req *packet.Packet) *Response

// Handler is one registered request-handler covering a half-open 48-bit
// address window.
type Handler struct {
	Start, Stop uint64
	Length      uint32
	Flags       HandlerFlags
	Callback    HandlerFunc
	UserData    any
}

func (h *Handler) contains(offset uint64) bool {
	return offset >= h.Start && offset < h.Stop
}

// ErrOverlap is returned by Registry.Add when the new window overlaps an
// already-registered handler; handlers within a unit may not overlap.
var ErrOverlap = errors.New("transaction: request-handler window overlaps an existing registration")

// Registry is a unit's collection of registered request-handlers,
// consulted for every incoming request packet addressed to the local
// node.
type Registry struct {
	mu       sync.RWMutex
	handlers []*Handler
}

// Add registers h, rejecting it if its window overlaps an existing
// registration.
func (r *Registry) Add(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers {
		if h.Start < existing.Stop && existing.Start < h.Stop {
			return ErrOverlap
		}
	}
	r.handlers = append(r.handlers, h)
	return nil
}

// Remove unregisters h. Idempotent.
func (r *Registry) Remove(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.handlers {
		if existing == h {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			return
		}
	}
}

// Lookup returns the handler whose window contains offset, or nil.
func (r *Registry) Lookup(offset uint64) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.contains(offset) {
			return h
		}
	}
	return nil
}
