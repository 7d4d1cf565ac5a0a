package device

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomgui1/helios/class"
	"github.com/yomgui1/helios/event"
	"github.com/yomgui1/helios/object"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/rom"
	"github.com/yomgui1/helios/selfid"
	"github.com/yomgui1/helios/transaction"
	"github.com/yomgui1/helios/worker"
)

// Root-directory key ids (IEEE 1212 / 1394 Trade Association key
// registry) consulted while walking a unit directory.
const (
	keyVendorID      uint8 = 0x03
	keyModelID       uint8 = 0x17
	keyUnitDirectory uint8 = 0x11
	keyUnitSpecID    uint8 = 0x12
	keyUnitSWVersion uint8 = 0x13
)

// rootDirectoryBase is the root directory's quadlet index: the bus-info
// block is always 5 quadlets (header + 4), so the root directory header
// immediately follows at index 5.
const rootDirectoryBase = 5

// scanDelay is the mandatory post-topology settle delay before a
// per-device ROM scan starts, giving a newly-visible node time to come
// up before its Configuration ROM is read.
var scanDelay = time.Second

// Sender is the subset of *transaction.Manager the registry needs: one
// read-quadlet transaction per ROM quadlet.
type Sender interface {
	Send(pkt *packet.Packet, cb transaction.CompletionFunc, userData any) *transaction.Transaction
}

// Registry is the GUID-keyed device cache plus dead-devices list.
type Registry struct {
	sender  Sender
	classes *class.Registry
	events  *event.Bus
	log     *logrus.Entry

	mu     sync.RWMutex
	byGUID map[uint64]*Device
	byNode map[uint8]*Device // current topology's phy-id -> Device
	dead   []*Device
}

// NewRegistry builds an empty Registry.
func NewRegistry(sender Sender, classes *class.Registry, events *event.Bus, log *logrus.Entry) *Registry {
	if events == nil {
		events = &event.Bus{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		sender:  sender,
		classes: classes,
		events:  events,
		log:     log.WithField("hw", "device"),
		byGUID:  make(map[uint64]*Device),
		byNode:  make(map[uint8]*Device),
	}
}

// Devices returns a snapshot of every live (non-dead) device.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.byGUID))
	for _, d := range r.byGUID {
		out = append(out, d)
	}
	return out
}

// DeadCount returns the number of devices currently on the dead list,
// for diagnostics/tests.
func (r *Registry) DeadCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dead)
}

// OnTopology reconciles the registry against a freshly built topology:
// nodes no longer present move their Device to the dead list; newly
// present nodes get a fresh scan scheduled.
func (r *Registry) OnTopology(topo *selfid.Topology) {
	r.mu.Lock()
	oldByNode := r.byNode
	r.byNode = make(map[uint8]*Device)
	r.mu.Unlock()

	seen := make(map[uint8]bool, len(topo.Nodes))
	localPhy := packet.NodeID(topo.LocalNode).PhyID()

	for _, n := range topo.Nodes {
		if n == nil || !n.LinkActive || n.PhyID == localPhy {
			continue
		}
		seen[n.PhyID] = true

		dev := oldByNode[n.PhyID]
		if dev == nil {
			dev = &Device{phyID: n.PhyID}
			dev.Init(object.KindDevice, func() {})
		}
		dev.mu.Lock()
		dev.phyID = n.PhyID
		dev.nodeID = packet.LocalBus | packet.NodeID(n.PhyID)
		dev.generation = topo.Generation
		dev.detached = false
		dev.mu.Unlock()

		r.mu.Lock()
		r.byNode[n.PhyID] = dev
		r.mu.Unlock()

		r.spawnScan(dev, topo.Generation)
	}

	for phy, dev := range oldByNode {
		if !seen[phy] {
			r.markDetached(dev)
		}
	}
}

func (r *Registry) markDetached(dev *Device) {
	r.teardownUnits(dev)

	dev.mu.Lock()
	dev.detached = true
	dev.generation = 0
	guid := dev.guid
	dev.mu.Unlock()

	r.mu.Lock()
	if guid != 0 {
		delete(r.byGUID, guid)
	}
	r.dead = append(r.dead, dev)
	r.mu.Unlock()

	r.events.Publish(event.Msg{ID: event.DeviceDead, Data: dev})
}

func (r *Registry) spawnScan(dev *Device, generation uint8) {
	worker.Spawn(func(ctx context.Context) {
		select {
		case <-time.After(scanDelay):
		case <-ctx.Done():
			return
		}
		r.scanDevice(ctx, dev, generation)
	})
}

// quadletReader builds a rom.QuadletReader bound to one node and
// generation, driven through the transaction manager.
func (r *Registry) quadletReader(nodeID packet.NodeID, generation uint8) rom.QuadletReader {
	return func(ctx context.Context, offset uint64, speed packet.Speed) (uint32, packet.RCode, error) {
		pkt := &packet.Packet{
			DestinationID: nodeID,
			TCode:         packet.TCodeReadQuadlet,
			Offset:        offset,
			Speed:         speed,
			Generation:    generation,
		}

		done := make(chan struct{})
		var rcode packet.RCode
		var quad uint32
		r.sender.Send(pkt, func(rc packet.RCode, payload []byte, ts uint16) {
			rcode = rc
			if len(payload) >= 4 {
				quad = binary.BigEndian.Uint32(payload[0:4])
			}
			close(done)
		}, nil)

		select {
		case <-done:
			return quad, rcode, nil
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
}

// scanDevice re-reads dev's Configuration ROM and rebuilds its unit
// list if the ROM changed. Aborts if dev's generation moved on since
// the scan was scheduled.
func (r *Registry) scanDevice(ctx context.Context, dev *Device, generation uint8) {
	if dev.Generation() != generation {
		return
	}

	reader := r.quadletReader(dev.NodeID(), generation)
	quads, err := rom.Read(ctx, reader, packet.S400)
	if err != nil {
		r.log.WithError(err).WithField("node", dev.NodeID()).Warn("ROM read failed")
		return
	}

	if dev.Generation() != generation {
		return // a bus reset raced the read; the next topology will rescan
	}

	guid := rom.GUID(quads)
	prevROM := dev.ROM()

	if guid != 0 && guid == dev.GUID() && rom.FirstFiveEqual(prevROM, quads) {
		dev.mu.Lock()
		dev.generation = generation
		dev.mu.Unlock()
		r.events.Publish(event.Msg{ID: event.DeviceUpdated, Data: dev})
		return
	}

	resolved := r.resolveGUID(dev, guid)

	r.teardownUnits(resolved)
	resolved.mu.Lock()
	resolved.rom = quads
	resolved.guid = guid
	resolved.mu.Unlock()

	r.mu.Lock()
	r.byGUID[guid] = resolved
	r.byNode[resolved.phyID] = resolved
	r.mu.Unlock()

	r.buildUnits(resolved, quads)
	r.events.Publish(event.Msg{ID: event.DeviceScanned, Data: resolved})
}

// resolveGUID implements reconnect: if guid matches a device on the
// dead list, that record is promoted in place of the transient one
// scanDevice was working with, preserving the device's identity across
// a disconnect/reconnect cycle. Any external handle still referencing
// the transient Device observes a detached device with no units;
// callers are expected to look devices up by GUID through the registry
// rather than retain a raw pointer across a topology event, so this is
// not treated as a defect.
func (r *Registry) resolveGUID(transient *Device, guid uint64) *Device {
	if guid == 0 {
		return transient
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.dead {
		if d.GUID() == guid {
			r.dead = append(r.dead[:i], r.dead[i+1:]...)
			d.mu.Lock()
			d.phyID = transient.phyID
			d.nodeID = transient.nodeID
			d.generation = transient.generation
			d.detached = false
			d.mu.Unlock()
			return d
		}
	}
	return transient
}

func (r *Registry) teardownUnits(dev *Device) {
	dev.mu.Lock()
	units := dev.units
	dev.units = nil
	dev.mu.Unlock()

	for _, u := range units {
		if c := u.BoundClass(); c != nil && r.classes != nil {
			r.classes.ReleaseBind(c, u)
		}
	}
}

// buildUnits walks dev's root directory, creating one Unit per
// UNIT_DIRECTORY entry and offering each to the class registry.
func (r *Registry) buildUnits(dev *Device, quads []uint32) {
	if len(quads) <= rootDirectoryBase {
		return
	}

	root, err := rom.NewDirectory(quads, rootDirectoryBase)
	if err != nil {
		r.log.WithError(err).Warn("root directory malformed")
		return
	}

	var rootVendorID, rootModelID uint32
	type unitDirRef struct{ base int }
	var unitDirs []unitDirRef

	for i := 0; i < root.Len(); i++ {
		e := root.At(i)
		entryIdx := rootDirectoryBase + 1 + i
		switch {
		case e.Type == rom.KeyTypeImmediate && e.Key == keyVendorID:
			rootVendorID = e.Value
		case e.Type == rom.KeyTypeImmediate && e.Key == keyModelID:
			rootModelID = e.Value
		case e.Type == rom.KeyTypeDirectory && e.Key == keyUnitDirectory:
			unitDirs = append(unitDirs, unitDirRef{base: e.SubdirectoryIndex(entryIdx)})
		}
	}

	var units []*Unit
	for _, ud := range unitDirs {
		dir, err := rom.NewDirectory(quads, ud.base)
		if err != nil {
			r.log.WithError(err).Warn("unit directory malformed, skipping")
			continue
		}

		vendorID, modelID := rootVendorID, rootModelID
		var specID, swVersion uint32
		for i := 0; i < dir.Len(); i++ {
			e := dir.At(i)
			if e.Type != rom.KeyTypeImmediate {
				continue
			}
			switch e.Key {
			case keyVendorID:
				vendorID = e.Value
			case keyModelID:
				modelID = e.Value
			case keyUnitSpecID:
				specID = e.Value
			case keyUnitSWVersion:
				swVersion = e.Value
			}
		}

		u := &Unit{Device: dev, DirBase: ud.base, vendorID: vendorID, modelID: modelID, specID: specID, swVersion: swVersion}
		u.Init(object.KindUnit, func() {})
		units = append(units, u)
	}

	dev.mu.Lock()
	dev.units = units
	dev.mu.Unlock()

	if r.classes == nil {
		return
	}
	for _, u := range units {
		if c := r.classes.AttemptBind(u); c != nil {
			u.setBoundClass(c)
			r.events.Publish(event.Msg{ID: event.DeviceNewUnit, Data: u})
		}
	}
}
