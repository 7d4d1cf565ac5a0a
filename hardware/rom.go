package hardware

import (
	"encoding/binary"
	"sync"

	"github.com/yomgui1/helios/dma"
)

// romConfigWriter is the subset of *ohci.Controller the ROM manager
// drives, narrowed to an interface so tests can substitute a fake
// without standing up real MMIO state.
type romConfigWriter interface {
	ProgramConfigROM(romBus uint32, header, busOptions uint32)
}

// romManager owns the live and pending Configuration ROM quadlet
// streams and the DMA block backing the live one. It implements both
// transaction.ROMProvider (the local CSR-window read path) and
// busreset.ROMSwapper (publishing a pending update at the point in the
// bus-reset sequence where AT contexts are stopped and it is safe to
// reprogram ConfigROMhdr/BusOptions).
type romManager struct {
	ctrl romConfigWriter
	pool *dma.Pool

	mu    sync.Mutex
	live  []uint32
	next  []uint32
	block *dma.Block
}

func newROMManager(ctrl romConfigWriter, pool *dma.Pool) *romManager {
	return &romManager{ctrl: ctrl, pool: pool}
}

// ROM satisfies transaction.ROMProvider.
func (rm *romManager) ROM() []uint32 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.live
}

// SetPendingROM queues quads to be published on the next SwapPendingROM
// call. quads[0] is the bus-info header quadlet and quads[2] is the
// bus-options quadlet, per package rom's builder layout.
func (rm *romManager) SetPendingROM(quads []uint32) {
	rm.mu.Lock()
	rm.next = quads
	rm.mu.Unlock()
}

// SwapPendingROM satisfies busreset.ROMSwapper: allocates a DMA block
// for the pending quadlet stream, writes it big-endian (the wire/ROM
// byte order, IEEE 1394-1995 §8.1.2), reprograms ConfigROMmap/hdr and
// BusOptions, and frees the previously-live block. Returns false (no
// pending update) without touching hardware state.
func (rm *romManager) SwapPendingROM() bool {
	rm.mu.Lock()
	quads := rm.next
	oldBlock := rm.block
	rm.mu.Unlock()

	if quads == nil {
		return false
	}

	buf := make([]byte, len(quads)*4)
	for i, q := range quads {
		binary.BigEndian.PutUint32(buf[i*4:], q)
	}

	block, err := rm.pool.Alloc(len(buf), 16)
	if err != nil {
		return false
	}
	copy(block.Bytes(), buf)

	rm.ctrl.ProgramConfigROM(uint32(block.Bus), quads[0], quads[2])

	rm.mu.Lock()
	rm.live = quads
	rm.next = nil
	rm.block = block
	rm.mu.Unlock()

	if oldBlock != nil {
		rm.pool.Free(oldBlock.CPU)
	}
	return true
}
