package ohci

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/dma"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/reg"
)

// selfIDBufferSize is the 2 KiB aligned buffer the OHCI self-ID-complete
// interrupt writes into (OHCI 1.1 §11.2).
const selfIDBufferSize = 2048

// Config describes the resources a Controller needs: a register base
// already mapped from the PCI BAR, a DMA pool to carve contexts and the
// self-ID buffer from, and callbacks for events the ISR cannot itself
// process -- interrupt context may only touch registers, the masked-
// event read, atomics, and signal primitives, never allocate, mutate a
// list, or dispatch a callback directly.
type Config struct {
	RegBase uintptr
	Pool    *dma.Pool
	Log     *logrus.Entry

	OnRequest  PacketHandler
	OnResponse PacketHandler
}

// Controller wires the register/PHY accessor, the four asynchronous DMA
// contexts, and interrupt-event decoding into a single OHCI host
// controller driver instance.
type Controller struct {
	regBase uintptr
	log     *logrus.Entry

	phy *reg.PHY

	pool *dma.Pool

	ATRequest  *ATContext
	ATResponse *ATContext
	ARRequest  *ARContext
	ARResponse *ARContext

	selfIDBuf *dma.Block

	busResetPending int32 // atomic bool
	unrecoverable   int32 // atomic bool

	cycleSeconds uint32 // updated on Cycle64Seconds, atomic
}

// New allocates the self-ID buffer and the four DMA contexts and returns
// a Controller ready for Start.
func New(cfg Config) (*Controller, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Controller{
		regBase: cfg.RegBase,
		log:     cfg.Log.WithField("hw", "ohci"),
		pool:    cfg.Pool,
		phy:     &reg.PHY{ControlAddr: cfg.RegBase + RegPhyControl},
	}

	selfIDBuf, err := cfg.Pool.Alloc(selfIDBufferSize, selfIDBufferSize)
	if err != nil {
		return nil, fmt.Errorf("ohci: alloc self-ID buffer: %w", err)
	}
	c.selfIDBuf = selfIDBuf

	c.ATRequest, err = NewATContext("at-request", cfg.RegBase, CtxBaseATRequest, cfg.Pool, c.BusResetPending, cfg.Log)
	if err != nil {
		return nil, err
	}
	c.ATResponse, err = NewATContext("at-response", cfg.RegBase, CtxBaseATResponse, cfg.Pool, c.BusResetPending, cfg.Log)
	if err != nil {
		return nil, err
	}
	c.ARRequest, err = NewARContext("ar-request", cfg.RegBase, CtxBaseARRequest, cfg.Pool, cfg.OnRequest, cfg.Log)
	if err != nil {
		return nil, err
	}
	c.ARResponse, err = NewARContext("ar-response", cfg.RegBase, CtxBaseARResponse, cfg.Pool, cfg.OnResponse, cfg.Log)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Controller) r(off uintptr) uintptr { return c.regBase + off }

// Start brings the link up: asserts LPS, enables the link, installs the
// self-ID buffer address, unmasks the interrupt set the core consumes,
// and sets the run bits of the two AR contexts. The AT contexts are
// started by their first Submit.
func (c *Controller) Start() error {
	reg.SetBits(c.r(RegHCControlSet), 1<<HCControlLPS)
	time.Sleep(50 * time.Millisecond) // PHY link stabilization, OHCI 1.1 §5.7.1

	reg.Set(c.r(RegSelfIDBuffer), uint32(c.selfIDBuf.Bus))
	reg.SetBits(c.r(RegHCControlSet), 1<<HCControlLinkEnable|1<<HCControlPostedWrite)

	mask := uint32(1<<IntReqTxComplete | 1<<IntRespTxComplete | 1<<IntARRQ | 1<<IntARRS |
		1<<IntSelfIDComplete | 1<<IntBusReset | 1<<IntRegAccessFail | 1<<IntUnrecoverable |
		1<<IntCycle64Seconds | 1<<IntMasterIntEnbl)
	reg.Set(c.r(RegIntMaskSet), mask)

	reg.SetBits(c.r(c.ARRequest.ctxBase+ctxControlSet), 1<<CtxRun)
	reg.SetBits(c.r(c.ARResponse.ctxBase+ctxControlSet), 1<<CtxRun)

	c.log.Info("OHCI link started")
	return nil
}

// Stop tears down the link: stops the two AT contexts, then clears
// LinkEnable and LPS. The AR contexts are not stopped.
func (c *Controller) Stop() error {
	for _, ctx := range []*ATContext{c.ATRequest, c.ATResponse} {
		if err := ctx.Stop(); err != nil {
			c.log.WithError(err).Warn("context stop timed out")
		}
	}
	reg.ClearBits(c.r(RegHCControlClr), 1<<HCControlLinkEnable)
	reg.ClearBits(c.r(RegHCControlClr), 1<<HCControlLPS)
	return nil
}

// BusResetPending reports whether the BUSRESET event bit is currently
// set; AT contexts consult it to block submission of anything but PHY
// packets while a reset is in progress.
func (c *Controller) BusResetPending() bool {
	return atomic.LoadInt32(&c.busResetPending) != 0
}

// Unrecoverable reports whether the controller has observed an
// unrecoverable-error interrupt and must be treated as unusable: only a
// hardware reset can clear this state.
func (c *Controller) Unrecoverable() bool {
	return atomic.LoadInt32(&c.unrecoverable) != 0
}

// Events is the decoded, already-acknowledged set of interrupt causes a
// single HandleInterrupt call observed; waking the workers that act on
// them is the caller's responsibility.
type Events struct {
	ATRequestComplete  bool
	ATResponseComplete bool
	ARRequestComplete  bool
	ARResponseComplete bool
	SelfIDComplete     bool
	BusReset           bool
	RegAccessFail      bool
	Unrecoverable      bool
}

// HandleInterrupt reads the masked event register, clears every bit it
// owns, and returns which causes fired. It performs no allocation, no
// list mutation, and invokes no callback — only register access and
// atomics, so it is safe to call directly from the ISR.
func (c *Controller) HandleInterrupt() Events {
	mask := reg.Get(c.r(RegIntEventSet))
	if mask == 0 || mask == 0xffffffff {
		return Events{} // spurious
	}
	reg.Set(c.r(RegIntEventClear), mask)

	ev := Events{
		ATRequestComplete:  mask&(1<<IntReqTxComplete) != 0,
		ATResponseComplete: mask&(1<<IntRespTxComplete) != 0,
		ARRequestComplete:  mask&(1<<IntARRQ) != 0,
		ARResponseComplete: mask&(1<<IntARRS) != 0,
		SelfIDComplete:     mask&(1<<IntSelfIDComplete) != 0,
		BusReset:           mask&(1<<IntBusReset) != 0,
		RegAccessFail:      mask&(1<<IntRegAccessFail) != 0,
		Unrecoverable:      mask&(1<<IntUnrecoverable) != 0,
	}

	if ev.BusReset {
		atomic.StoreInt32(&c.busResetPending, 1)
	}
	if ev.Unrecoverable {
		atomic.StoreInt32(&c.unrecoverable, 1)
	}
	if mask&(1<<IntCycle64Seconds) != 0 {
		atomic.AddUint32(&c.cycleSeconds, 1)
	}

	return ev
}

// ClearBusReset lowers the BUSRESET event bit. The bus-reset worker
// calls this only after the AT contexts have been stopped, so nothing
// can race a fresh submission in against the reset.
func (c *Controller) ClearBusReset() {
	reg.Set(c.r(RegIntEventClear), 1<<IntBusReset)
	atomic.StoreInt32(&c.busResetPending, 0)
}

// NodeID reads the NodeID register, returning (id, valid). An invalid
// read means the controller is mid bus-reset and the caller should wait
// for the next self-ID-complete interrupt.
func (c *Controller) NodeID() (id packet.NodeID, valid bool) {
	v := reg.Get(c.r(RegNodeID))
	if v&(1<<NodeIDIDValid) == 0 {
		return 0, false
	}
	return packet.NodeID(v & 0xffff), true
}

// SelfIDCount reads the self-ID count register: generation (bits 16-23),
// quadlet count (bits 2-15, in quadlets including the header), and the
// error bit (bit 31).
func (c *Controller) SelfIDCount() (generation uint8, count int, errBit bool) {
	v := reg.Get(c.r(RegSelfIDCount))
	generation = uint8((v >> 16) & 0xff)
	count = int((v >> 2) & 0x3fff)
	errBit = v&(1<<31) != 0
	return
}

// SelfIDBuffer returns the raw self-ID buffer bytes for count quadlets
// (as reported by SelfIDCount), for validation by package selfid.
func (c *Controller) SelfIDBuffer(count int) []byte {
	n := count * 4
	buf := c.selfIDBuf.Bytes()
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n]
}

// PHY exposes the indirect PHY register accessor for gap-count/link/
// contender programming, consumed by package busmgmt.
func (c *Controller) PHY() *reg.PHY { return c.phy }

// phyReg1IBR is the "initiate bus reset" bit of PHY register 1
// (IEEE 1394-1995 §4.3.4.3): setting it arbitrates a short bus reset
// without forcing root/gap-count renegotiation from scratch.
const phyReg1IBR = 1 << 6

// RequestShortBusReset arbitrates a short bus reset via the PHY's IBR
// bit, used when self-ID validation fails or a gap-count/root-id
// correction needs to take effect.
func (c *Controller) RequestShortBusReset() error {
	v, err := c.phy.Read(1)
	if err != nil {
		return err
	}
	return c.phy.Write(1, v|phyReg1IBR)
}

// SendPHYPacket submits a quadlet-only S100 PHY packet, used for
// PHY-config packets (root/gap-count) during bus management.
func (c *Controller) SendPHYPacket(quadlet uint32, onAck AckFunc) error {
	pkt := &packet.Packet{TCode: packet.TCodePHY, QuadletData: quadlet, Speed: packet.S100}
	return c.ATRequest.Submit(pkt, onAck, nil)
}

// ProgramConfigROM publishes a newly-built Configuration ROM to the
// controller: the ROM's bus address into ConfigROMmap, its header
// quadlet into ConfigROMhdr, and the bus-options quadlet. romBus is the
// DMA bus address of a block already carrying the ROM's quadlets
// big-endian.
func (c *Controller) ProgramConfigROM(romBus uint32, header, busOptions uint32) {
	reg.Set(c.r(RegConfigROMmap), romBus)
	reg.Set(c.r(RegConfigROMhdr), header)
	reg.Set(c.r(RegBusOptions), busOptions)
}

// EnablePHYRequestFilters opens the asynchronous-request filter to every
// node. Helios has no per-node ACL, so this simply accepts requests from
// the full 64-node phy-id space on both buses the filter register
// covers.
func (c *Controller) EnablePHYRequestFilters() {
	reg.Set(c.r(RegAsyncReqFilterHi), 0xffffffff)
	reg.Set(c.r(RegAsyncReqFilterLo), 0xffffffff)
}
