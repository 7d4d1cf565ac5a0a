package transaction

import "sync"

// CSR offsets relative to the 1394 CSR register base (0xFFFFF0000000),
// per IEEE 1394-1995 Table 8-9 / the Linux ieee1394 csr.h constants the
// original driver's address-window checks were written against.
const (
	CSRRegisterBase      uint64 = 0xfffff0000000
	CSRBusManagerID       uint64 = CSRRegisterBase + 0x21c
	CSRBandwidthAvailable uint64 = CSRRegisterBase + 0x220
	CSRChannelsAvailHi    uint64 = CSRRegisterBase + 0x224
	CSRChannelsAvailLo    uint64 = CSRRegisterBase + 0x228
	CSRConfigROMOffset    uint64 = CSRRegisterBase + 0x400
	CSRConfigROMEnd       uint64 = CSRRegisterBase + 0x800
)

// noBusManager is the sentinel BUS_MANAGER_ID value meaning "no bus
// manager has locked this field yet" (phy-id 0x3f, the broadcast id,
// never a valid node's own phy-id as a claim).
const noBusManager uint32 = 0x3f

// csrFile is the small set of lock-swappable CSR quadlets the local
// short-circuit path serves directly: BUS_MANAGER_ID,
// BANDWIDTH_AVAILABLE, and CHANNELS_AVAILABLE_HI/LO.
type csrFile struct {
	mu                 sync.Mutex
	busManagerID       uint32
	bandwidthAvailable uint32
	channelsAvailHi    uint32
	channelsAvailLo    uint32
}

func newCSRFile() *csrFile {
	return &csrFile{
		busManagerID:       noBusManager,
		bandwidthAvailable: 0x00001333, // 4915 bandwidth units free, per 1394-1995 default
		channelsAvailHi:    0xffffffff,
		channelsAvailLo:    0xffffffff,
	}
}

// addr returns a pointer to the register backing offset, or nil if
// offset is not one of the four lock-swappable CSRs.
func (c *csrFile) addr(offset uint64) *uint32 {
	switch offset {
	case CSRBusManagerID:
		return &c.busManagerID
	case CSRBandwidthAvailable:
		return &c.bandwidthAvailable
	case CSRChannelsAvailHi:
		return &c.channelsAvailHi
	case CSRChannelsAvailLo:
		return &c.channelsAvailLo
	default:
		return nil
	}
}

// Read returns the current value of a lock-swappable CSR, and whether
// offset names one.
func (c *csrFile) Read(offset uint64) (uint32, bool) {
	p := c.addr(offset)
	if p == nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *p, true
}

// CompareSwap implements the 1394 LOCK compare-swap extended
// transaction: if the register equals arg, it is replaced by data;
// either way the prior value is returned. ok reports whether offset
// names a lock-swappable CSR.
func (c *csrFile) CompareSwap(offset uint64, arg, data uint32) (old uint32, ok bool) {
	p := c.addr(offset)
	if p == nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old = *p
	if old == arg {
		*p = data
	}
	return old, true
}
