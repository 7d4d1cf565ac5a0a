package ohci

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/dma"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/reg"
)

// atBufferCount and atBufferSize size an AT context's buffer pool to
// ~64 KiB per context.
const (
	atBufferCount = 32
	atBufferSize  = 2048

	ctxStopPollInterval = 25 * time.Millisecond
	ctxStopPollBudget   = 500 * time.Millisecond
)

// AckFunc is the completion callback an AT submitter supplies; it
// receives (ack, timestamp, metadata) and must be safe to call from
// the context worker goroutine.
type AckFunc func(ack packet.Ack, timestamp uint16, meta any)

// atBuffer is one slot of an AT context's descriptor pool: an immediate
// header descriptor, an optional payload-pointer descriptor, and the
// per-packet bookkeeping needed to dispatch the completion.
type atBuffer struct {
	block *dma.Block

	ack       AckFunc
	meta      any
	cancelled bool

	completedEvt uint8
	completedTS  uint16

	elem *list.Element
}

// ATContext drives one OHCI asynchronous-transmit DMA context (request
// or response). Each context owns its descriptor pool and FIFO
// exclusively; Submit never blocks the caller.
type ATContext struct {
	mu sync.Mutex

	name string
	log  *logrus.Entry

	ctxBase uintptr // register base for this context (CtxBaseAT{Request,Response})
	regBase uintptr // controller register base

	pool *dma.Pool

	free     *list.List // *atBuffer, unused
	inflight *list.List // *atBuffer, submitted in FIFO order, may complete out of order

	running    bool
	busResetFn func() bool // returns true if a bus reset is currently pending

	sleep func(time.Duration)
}

// NewATContext creates an AT context bound to ctxBase within regBase's
// register space, backed by pool. busResetFn reports whether the
// hardware's BUSRESET event bit is currently set.
func NewATContext(name string, regBase, ctxBase uintptr, pool *dma.Pool, busResetFn func() bool, log *logrus.Entry) (*ATContext, error) {
	c := &ATContext{
		name:       name,
		log:        log.WithField("ctx", name),
		ctxBase:    ctxBase,
		regBase:    regBase,
		pool:       pool,
		free:       list.New(),
		inflight:   list.New(),
		busResetFn: busResetFn,
	}

	for i := 0; i < atBufferCount; i++ {
		blk, err := pool.Alloc(atBufferSize, dma.DescriptorAlign)
		if err != nil {
			return nil, fmt.Errorf("ohci: %s: preallocate buffer %d: %w", name, i, err)
		}
		b := &atBuffer{block: blk}
		b.elem = c.free.PushBack(b)
	}

	return c, nil
}

func (c *ATContext) reg(off uintptr) uintptr { return c.regBase + c.ctxBase + off }

func (c *ATContext) sleepFor(d time.Duration) {
	if c.sleep != nil {
		c.sleep(d)
		return
	}
	time.Sleep(d)
}

// Submit encodes pkt's header (and payload pointer, if the tcode carries
// data) into a free AT buffer and links it onto the running DMA program.
// Submission is blocked while a bus reset is pending (except PHY
// packets), in which case onAck fires synchronously with a synthesised
// "generation" ack and the FIFO is never touched.
func (c *ATContext) Submit(pkt *packet.Packet, onAck AckFunc, meta any) error {
	if pkt.TCode != packet.TCodePHY && c.busResetFn != nil && c.busResetFn() {
		onAck(packet.AckGeneration, 0, meta)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.free.Front()
	if e == nil {
		return fmt.Errorf("ohci: %s: no free AT buffer", c.name)
	}
	c.free.Remove(e)
	b := e.Value.(*atBuffer)
	b.ack = onAck
	b.meta = meta
	b.cancelled = false

	c.encode(b, pkt)

	wasEmpty := c.inflight.Len() == 0
	b.elem = c.inflight.PushBack(b)

	if wasEmpty {
		reg.Set(c.reg(ctxCommandPtr), uint32(b.block.Bus)|1)
		reg.SetBits(c.reg(ctxControlSet), 1<<CtxRun)
	} else {
		reg.SetBits(c.reg(ctxControlSet), 1<<CtxWake)
	}

	return nil
}

// encode writes pkt's header quadlets (and payload, if any) into b's
// backing DMA block: an OUTPUT_MORE-Immediate descriptor carrying the
// header inline and, when pkt has a payload, an OUTPUT_LAST descriptor
// pointing at it. Without a payload the immediate descriptor is itself
// marked last. The last descriptor is sealed with IRQ-always and
// branch-always.
func (c *ATContext) encode(b *atBuffer, pkt *packet.Packet) {
	buf := b.block.Bytes()
	header := pkt.ToHeader()

	off := 0
	off += copy(buf[off:], encodeImmediate(header, len(pkt.Payload) == 0))

	if len(pkt.Payload) > 0 {
		payOff := off + dma.DescriptorSize
		copy(buf[payOff:], pkt.Payload)
		off += copy(buf[off:], encodeLastWithData(pkt.Payload, uint32(b.block.Bus)+uint32(payOff)))
	}
	_ = off
}

// Cancel marks b's completion as suppressed so the worker drops the ack
// it would otherwise deliver once the buffer is found processed.
// Idempotent.
func (c *ATContext) Cancel(meta any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.inflight.Front(); e != nil; e = e.Next() {
		b := e.Value.(*atBuffer)
		if b.meta == meta {
			b.cancelled = true
			return
		}
	}
}

// Poll scans the FIFO for completed buffers (out-of-order completion is
// expected, so every buffer is checked rather than just the head) and
// dispatches their ack callbacks. Call from the context's worker loop
// on each wake.
func (c *ATContext) Poll() {
	c.mu.Lock()
	var done []*atBuffer

	for e := c.inflight.Front(); e != nil; {
		b := e.Value.(*atBuffer)
		next := e.Next()

		status := dma.Decode(b.block.Bytes()).StatusWord
		evt := dma.TransferStatus(status)
		if evt == evtNoStatus {
			e = next
			continue
		}

		ts := dma.Timestamp(status)
		c.inflight.Remove(e)
		done = append(done, b)
		b.completedEvt = evt
		b.completedTS = ts
		e = next
	}
	c.mu.Unlock()

	for _, b := range done {
		if !b.cancelled && b.ack != nil {
			b.ack(AckFromEvent(b.completedEvt), b.completedTS, b.meta)
		}
		c.mu.Lock()
		b.ack = nil
		b.meta = nil
		b.elem = c.free.PushBack(b)
		c.mu.Unlock()
	}
}

// Stop halts the context (RUN=0) and waits for ACTIVE=0, polling every
// 25ms up to a bounded budget.
func (c *ATContext) Stop() error {
	reg.ClearBits(c.reg(ctxControlClr), 1<<CtxRun)

	deadline := time.Now().Add(ctxStopPollBudget)
	for {
		if !reg.Bit(c.reg(ctxControlSet), CtxActive) {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ohci: %s: stop timed out waiting for ACTIVE=0", c.name)
		}
		c.sleepFor(ctxStopPollInterval)
	}
}

// Recover implements the dead-context walk: it marks the fetched-but-
// unacknowledged head with missing-ack, reseeds CommandPtr from the
// next not-yet-processed buffer, clears the context control, and
// re-runs.
func (c *ATContext) Recover() error {
	c.mu.Lock()

	head := c.inflight.Front()
	var next *list.Element
	if head != nil {
		b := head.Value.(*atBuffer)
		next = head.Next()
		c.inflight.Remove(head)
		c.mu.Unlock()

		if !b.cancelled && b.ack != nil {
			b.ack(packet.AckMissing, 0, b.meta)
		}

		c.mu.Lock()
		b.ack = nil
		b.meta = nil
		c.free.PushBack(b)
	}

	reg.ClearBits(c.reg(ctxControlClr), 0xffffffff)

	if next != nil {
		nb := next.Value.(*atBuffer)
		reg.Set(c.reg(ctxCommandPtr), uint32(nb.block.Bus)|1)
		reg.SetBits(c.reg(ctxControlSet), 1<<CtxRun)
	}
	c.running = true
	c.mu.Unlock()

	c.log.Warn("recovered dead AT context")
	return nil
}

// Dead reports whether the context's DEAD status bit is currently set.
func (c *ATContext) Dead() bool {
	return reg.Bit(c.reg(ctxControlSet), CtxDead)
}
