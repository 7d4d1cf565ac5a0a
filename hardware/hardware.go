package hardware

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/busmgmt"
	"github.com/yomgui1/helios/busreset"
	"github.com/yomgui1/helios/class"
	"github.com/yomgui1/helios/device"
	"github.com/yomgui1/helios/dma"
	"github.com/yomgui1/helios/event"
	"github.com/yomgui1/helios/object"
	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/pci"
	"github.com/yomgui1/helios/rom"
	"github.com/yomgui1/helios/selfid"
	"github.com/yomgui1/helios/transaction"
	"github.com/yomgui1/helios/worker"
)

// Config describes the resources one Hardware instance needs to claim
// and drive a board. Board may be left nil, in which case Open finds
// the first unclaimed FireWire controller itself. DMABuffer/DMABase
// must already be pinned, physically-contiguous memory the embedder
// obtained however its host does that (an OS/platform concern the core
// is deliberately silent on).
type Config struct {
	PCI   pci.Accessor
	Board pci.Board
	Owner string

	DMABuffer []byte
	DMABase   uintptr

	GUID             uint64
	VendorID         uint32
	VendorName       string
	NodeCapabilities uint32

	IRQPriority int

	Log *logrus.Entry
}

// Hardware is one claimed OHCI board and every collaborator wired to
// it: the controller, transaction manager, bus-reset worker, bus-
// management policy, device/class registries, and event bus. It embeds
// object.Base so embedders can share a handle through Obtain/Release
// like any other shared object.
type Hardware struct {
	object.Base

	cfg Config
	log *logrus.Entry

	pciAccessor pci.Accessor
	board       pci.Board
	irqToken    pci.IRQToken

	pool *dma.Pool
	ctrl *ohci.Controller
	rom  *romManager

	Transactions *transaction.Manager
	BusReset     *busreset.Worker
	BusMgmt      *busmgmt.Policy
	Devices      *device.Registry
	Classes      *class.Registry
	Events       *event.Bus

	topologyListener *event.Listener

	atRequestPump  *pump
	atResponsePump *pump
	arRequestPump  *pump
	arResponsePump *pump

	mu      sync.Mutex
	enabled bool
}

// Open claims a board, builds its DMA pool and OHCI controller, wires
// the transaction/bus-reset/bus-management/device/class layers
// together, installs the interrupt handler, and starts the link. The
// returned Hardware holds the initial reference; call Close (or
// Release) when done with it.
func Open(cfg Config) (*Hardware, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := cfg.Log.WithField("hw", "hardware")

	if cfg.PCI == nil {
		return nil, fmt.Errorf("hardware: no PCI accessor configured")
	}

	if cfg.Board == nil {
		boards, err := cfg.PCI.FindBoards(pci.ClassSerialFireWire, true)
		if err != nil {
			return nil, fmt.Errorf("hardware: find boards: %w", err)
		}
		if len(boards) == 0 {
			return nil, fmt.Errorf("hardware: no unclaimed FireWire controller found")
		}
		cfg.Board = boards[0]
	}

	if err := cfg.PCI.AttemptClaim(cfg.Board, cfg.Owner); err != nil {
		return nil, fmt.Errorf("hardware: claim board: %w", err)
	}

	regBase, err := cfg.PCI.BARBase(cfg.Board, 0)
	if err != nil {
		cfg.PCI.Release(cfg.Board)
		return nil, fmt.Errorf("hardware: BAR0 base: %w", err)
	}

	board := cfg.Board
	accessor := cfg.PCI
	translator := func(cpu uintptr) uint64 {
		bus, err := accessor.DMAPhys(board, cpu)
		if err != nil {
			log.WithError(err).Error("DMA address translation failed")
			return 0
		}
		return bus
	}
	pool := dma.NewPool(cfg.DMABase, cfg.DMABuffer, translator)

	events := &event.Bus{}

	// txm is forward-declared so the OHCI controller's OnRequest/
	// OnResponse closures can reach it once constructed: the controller
	// needs those callbacks at New time, but the transaction manager
	// needs the controller's AT contexts at its own construction time.
	var txm *transaction.Manager
	ctrl, err := ohci.New(ohci.Config{
		RegBase: regBase,
		Pool:    pool,
		Log:     cfg.Log,
		OnRequest: func(pkt *packet.Packet, generation uint8) {
			if txm != nil {
				txm.HandleRequest(pkt, generation)
			}
		},
		OnResponse: func(pkt *packet.Packet, generation uint8) {
			if txm != nil {
				txm.HandleResponse(pkt, generation)
			}
		},
	})
	if err != nil {
		cfg.PCI.Release(cfg.Board)
		return nil, fmt.Errorf("hardware: init OHCI controller: %w", err)
	}

	rm := newROMManager(ctrl, pool)
	rm.SetPendingROM(rom.Build(rom.Options{
		GUID:             cfg.GUID,
		VendorID:         cfg.VendorID,
		NodeCapabilities: cfg.NodeCapabilities,
		VendorName:       cfg.VendorName,
		IRMCapable:       true,
		CycleMaster:      true,
		ISOCapable:       true,
		BusMaster:        true,
		MaxRec:           8, // 2048-byte max_rec, §8.3.2.2
		LinkSpeed:        uint8(packet.S400),
	}))
	if !rm.SwapPendingROM() {
		cfg.PCI.Release(cfg.Board)
		return nil, fmt.Errorf("hardware: publish initial Configuration ROM")
	}

	// busresetWorker is likewise forward-declared: localNode/generation
	// read its recorded State, but it in turn needs txm as its Flusher.
	var busresetWorker *busreset.Worker
	localNode := func() packet.NodeID { return busresetWorker.State().LocalNode }
	generation := func() uint8 { return busresetWorker.State().Generation }

	txm = transaction.NewManager(ctrl.ATRequest, ctrl.ATResponse, localNode, generation, rm, cfg.Log)

	busresetWorker = busreset.New(busreset.Config{
		Controller:        ctrl,
		ATRequest:         ctrl.ATRequest,
		ATResponse:        ctrl.ATResponse,
		Transactions:      txm,
		ROM:               rm,
		RequestShortReset: func() { ctrl.RequestShortBusReset() },
		Events:            events,
		Log:               cfg.Log,
	})

	policy := busmgmt.New(ctrl, txm, localNode, cfg.Log)
	classes := class.NewRegistry(events)
	devices := device.NewRegistry(txm, classes, events, cfg.Log)

	h := &Hardware{
		cfg:          cfg,
		log:          log,
		pciAccessor:  cfg.PCI,
		board:        cfg.Board,
		pool:         pool,
		ctrl:         ctrl,
		rom:          rm,
		Transactions: txm,
		BusReset:     busresetWorker,
		BusMgmt:      policy,
		Devices:      devices,
		Classes:      classes,
		Events:       events,
	}
	h.Init(object.KindHardware, h.teardown)

	h.atRequestPump = newPump(ctrl.ATRequest.Poll)
	h.atResponsePump = newPump(ctrl.ATResponse.Poll)
	h.arRequestPump = newPump(ctrl.ARRequest.Poll)
	h.arResponsePump = newPump(ctrl.ARResponse.Poll)

	h.topologyListener = events.Add(&event.Listener{Mode: event.Fast, Handle: h.onSelfID})

	token, err := cfg.PCI.IRQInstall(cfg.Board, h.handleIRQ, cfg.IRQPriority)
	if err != nil {
		cfg.PCI.Release(cfg.Board)
		return nil, fmt.Errorf("hardware: install interrupt handler: %w", err)
	}
	h.irqToken = token

	h.atRequestPump.start()
	h.atResponsePump.start()
	h.arRequestPump.start()
	h.arResponsePump.start()
	busresetWorker.Start()

	if err := ctrl.Start(); err != nil {
		h.teardown()
		return nil, fmt.Errorf("hardware: start controller: %w", err)
	}

	h.mu.Lock()
	h.enabled = true
	h.mu.Unlock()

	return h, nil
}

// handleIRQ is the board's interrupt handler: it may only decode the
// masked event register, touch atomics, and wake pumps -- no
// allocation, no list mutation, no callback dispatch.
func (h *Hardware) handleIRQ() {
	ev := h.ctrl.HandleInterrupt()
	if ev.ATRequestComplete {
		h.atRequestPump.trigger()
	}
	if ev.ATResponseComplete {
		h.atResponsePump.trigger()
	}
	if ev.ARRequestComplete {
		h.arRequestPump.trigger()
	}
	if ev.ARResponseComplete {
		h.arResponsePump.trigger()
	}
	if ev.SelfIDComplete {
		h.BusReset.Trigger()
	}
}

// onSelfID is the HWSelfID Fast listener: it must not block, so the
// actual topology build and reconciliation runs on a spawned worker.
func (h *Hardware) onSelfID(msg event.Msg) {
	if msg.ID != event.HWSelfID {
		return
	}
	result, ok := msg.Data.(*busreset.Result)
	if !ok || result.Stream == nil {
		return
	}
	worker.Spawn(func(ctx context.Context) {
		topo, err := selfid.Build(result.Stream, uint16(result.LocalNode))
		if err != nil {
			h.log.WithError(err).Warn("topology build failed, requesting short bus reset")
			h.ctrl.RequestShortBusReset()
			return
		}
		h.Events.Publish(event.Msg{ID: event.HWTopology, Data: topo})
		h.Devices.OnTopology(topo)
		h.BusMgmt.Run(topo)
	})
}

// Close releases the initial reference, tearing the hardware down on
// the 1->0 transition. Safe to call more than once.
func (h *Hardware) Close() error {
	h.Release()
	return nil
}

// teardown stops every worker, the link, and the interrupt handler,
// then releases the board back to the PCI accessor. Runs once, on the
// reference count's 1->0 transition.
func (h *Hardware) teardown() {
	h.mu.Lock()
	h.enabled = false
	h.mu.Unlock()

	if h.irqToken != nil {
		if err := h.pciAccessor.IRQRemove(h.irqToken); err != nil {
			h.log.WithError(err).Warn("remove interrupt handler")
		}
	}

	h.BusReset.Stop()
	h.atRequestPump.stop()
	h.atResponsePump.stop()
	h.arRequestPump.stop()
	h.arResponsePump.stop()

	if err := h.ctrl.Stop(); err != nil {
		h.log.WithError(err).Warn("stop OHCI controller")
	}

	if h.topologyListener != nil {
		h.Events.Remove(h.topologyListener)
	}
	h.Transactions.Flush()

	if h.pciAccessor != nil && h.board != nil {
		h.pciAccessor.Release(h.board)
	}
}
