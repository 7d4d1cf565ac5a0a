package ohci

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/dma"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/reg"
)

// arPageCount and arPageSize size an AR context's buffer-fill ring: a
// ring of N pages (N~10), each page large enough (~64 KiB) that any
// single 1394 packet fits in one page, so split packets only occur
// across the wrap from last page to first page.
const (
	arPageCount = 10
	arPageSize  = 64 * 1024
)

// arPage is one page of the AR ring: its DMA-visible buffer plus the
// INPUT_MORE descriptor driving it.
type arPage struct {
	descBlock *dma.Block
	dataBlock *dma.Block
}

func (p *arPage) status() uint32 { return dma.Decode(p.descBlock.Bytes()).StatusWord }

// PacketHandler receives a fully reassembled incoming packet tagged with
// the bus generation active when it arrived.
type PacketHandler func(pkt *packet.Packet, generation uint8)

// ARContext drives one OHCI asynchronous-receive DMA context (request or
// response) in buffer-fill mode.
type ARContext struct {
	mu sync.Mutex

	name string
	log  *logrus.Entry

	ctxBase uintptr
	regBase uintptr

	pages []*arPage

	cursorPage int // index of the page the read cursor is within
	cursorOff  int // byte offset within that page's data block

	generation uint8

	onPacket PacketHandler

	// reassembly scratch used only when a packet straddles the
	// last-page/first-page wrap: because one page exceeds the maximum
	// packet size, the reassembled range contains at least one complete
	// packet and no further split.
	scratch []byte
}

// NewARContext allocates an AR context's page ring from pool and wires
// the circular INPUT_MORE descriptor chain.
func NewARContext(name string, regBase, ctxBase uintptr, pool *dma.Pool, onPacket PacketHandler, log *logrus.Entry) (*ARContext, error) {
	c := &ARContext{
		name:     name,
		log:      log.WithField("ctx", name),
		ctxBase:  ctxBase,
		regBase:  regBase,
		onPacket: onPacket,
		scratch:  make([]byte, arPageSize*2),
	}

	for i := 0; i < arPageCount; i++ {
		descBlk, err := pool.Alloc(dma.DescriptorSize, dma.DescriptorAlign)
		if err != nil {
			return nil, fmt.Errorf("ohci: %s: alloc descriptor %d: %w", name, i, err)
		}
		dataBlk, err := pool.Alloc(arPageSize, 4)
		if err != nil {
			return nil, fmt.Errorf("ohci: %s: alloc page %d: %w", name, i, err)
		}
		c.pages = append(c.pages, &arPage{descBlock: descBlk, dataBlock: dataBlk})
	}

	for i, p := range c.pages {
		next := c.pages[(i+1)%len(c.pages)]
		z := uint8(1)
		if i == len(c.pages)-1 {
			z = 0 // last descriptor of the program, clamped until the ring wraps
		}
		d := dma.Descriptor{
			Control:     1<<29 | uint32(arPageSize), // INPUT_MORE key=1, reqCount=page size
			DataAddress: uint32(p.dataBlock.Bus),
			BranchAddr:  dma.BranchAddress(uint32(next.descBlock.Bus), z),
		}
		d.Encode(p.descBlock.Bytes())
	}

	return c, nil
}

func (c *ARContext) reg(off uintptr) uintptr { return c.regBase + c.ctxBase + off }

// Poll drains newly-filled pages, reassembling and dispatching every
// complete packet found, per OHCI's buffer-fill extraction algorithm.
// Call from the context's worker loop on each wake.
func (c *ARContext) Poll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		page := c.pages[c.cursorPage]
		residual := dma.Residual(page.status())
		filled := arPageSize - int(residual)

		if c.cursorOff >= filled {
			// Current page fully drained; only advance if the controller has
			// moved on (residual==0, i.e. the page is entirely consumed by
			// the DMA engine) to avoid racing an in-progress fill.
			if residual != 0 {
				return
			}
			c.advancePage()
			continue
		}

		buf := page.dataBlock.Bytes()[c.cursorOff:filled]
		consumed, ok := c.extractOne(buf, page.dataBlock.Bytes(), filled)
		if !ok {
			// Incomplete trailing header: wait for more data, or wrap if the
			// page is fully filled.
			if filled == arPageSize {
				c.wrapAndRetry()
				continue
			}
			return
		}
		c.cursorOff += consumed
	}
}

// extractOne parses a single packet + trailer quadlet starting at buf[0]
// (which lies within pageBuf[:filled]). Returns the number of bytes
// consumed and whether a complete packet was found.
func (c *ARContext) extractOne(buf, pageBuf []byte, filled int) (int, bool) {
	if len(buf) < 12 {
		return 0, false
	}

	pkt, hdrLen, blockLen, err := packet.ParseHeader(buf)
	if err != nil {
		if len(buf) < 16 {
			return 0, false // may simply be waiting on more bytes
		}
		c.log.WithError(err).Warn("AR header parse error, dropping remainder of range")
		return len(buf), true
	}

	total := hdrLen + alignUp4(blockLen) + 4 // +4 for the OHCI trailer quadlet
	if len(buf) < total {
		return 0, false
	}

	if blockLen > 0 {
		pkt.Payload = append([]byte(nil), buf[hdrLen:hdrLen+blockLen]...)
	}

	trailer := bigEndianUint32(buf[total-4 : total])
	evt := uint8((trailer >> 16) & 0x1f)
	pkt.Timestamp = uint16(trailer & 0xffff)

	if evt == evtBusReset {
		c.generation++
	}
	pkt.Generation = c.generation

	if evt != evtLongPacket && c.onPacket != nil {
		c.onPacket(pkt, c.generation)
	}

	return total, true
}

// wrapAndRetry concatenates the tail of the current (full) page with the
// head of the next page into scratch, so a packet split across the
// ring's wrap can be parsed as one contiguous buffer, then advances the
// cursor past the consumed tail.
func (c *ARContext) wrapAndRetry() {
	cur := c.pages[c.cursorPage]
	curBuf := cur.dataBlock.Bytes()
	tail := curBuf[c.cursorOff:]

	next := c.pages[(c.cursorPage+1)%len(c.pages)]
	nextResidual := dma.Residual(next.status())
	nextFilled := arPageSize - int(nextResidual)
	if nextFilled == 0 {
		return // next page not yet delivered; wait for another wake
	}

	n := copy(c.scratch, tail)
	n += copy(c.scratch[n:], next.dataBlock.Bytes()[:nextFilled])

	consumed, ok := c.extractOne(c.scratch[:n], nil, n)
	if !ok {
		return
	}

	tailLen := len(tail)
	c.advancePage()
	if consumed > tailLen {
		c.cursorOff = consumed - tailLen
	}
}

// advancePage moves the read cursor to the next page, unclamping the old
// last descriptor's branch (Z<-1) and clamping the new last (Z<-0), then
// signalling the wake bit so the DMA engine can reuse the freed page.
func (c *ARContext) advancePage() {
	n := len(c.pages)
	c.cursorPage = (c.cursorPage + 1) % n
	c.cursorOff = 0

	// The just-vacated page becomes the new tail of the chain: the old
	// tail's branch into it is unclamped (Z=1), the vacated page's own
	// branch is clamped (Z=0), and the context is woken.
	vacated := c.pages[(c.cursorPage+n-1)%n]
	oldLast := c.pages[(c.cursorPage+n-2)%n]
	d := dma.Decode(oldLast.descBlock.Bytes())
	d.BranchAddr = dma.BranchAddress(uint32(vacated.descBlock.Bus), 1)
	d.Encode(oldLast.descBlock.Bytes())
	d = dma.Decode(vacated.descBlock.Bytes())
	d.BranchAddr = dma.BranchAddress(uint32(c.pages[c.cursorPage].descBlock.Bus), 0)
	d.Encode(vacated.descBlock.Bytes())
	reg.SetBits(c.reg(ctxControlSet), 1<<CtxWake)
}

func alignUp4(n int) int { return (n + 3) &^ 3 }

func bigEndianUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
