// Package device implements the GUID-keyed device/unit registry:
// topology reconciliation, per-device ROM-scan workers, and root-
// directory walking to enumerate units and attempt class binding.
// Grounded on
// package worker for the per-device scan task, package rom for ROM
// reading/directory walking, package class for bind dispatch, and
// package object for the refcounted Device/Unit handles.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package device

import (
	"fmt"
	"sync"

	"github.com/yomgui1/helios/class"
	"github.com/yomgui1/helios/object"
	"github.com/yomgui1/helios/packet"
)

// Unit is a sub-functional entity of a Device, identified by a region
// of the device's ROM.
type Unit struct {
	object.Base

	Device  *Device
	DirBase int // quadlet index of the unit directory's header, within Device.ROM()

	mu                                   sync.RWMutex
	vendorID, modelID, specID, swVersion uint32
	boundClass                           class.Class
	classData                            any
}

// GUID satisfies class.Unit: identifies the owning device.
func (u *Unit) GUID() uint64 { return u.Device.GUID() }

// Ident satisfies class.Unit: the unit's inherited/overridden
// identification quadlets.
func (u *Unit) Ident() (vendorID, modelID, specID, swVersion uint32) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.vendorID, u.modelID, u.specID, u.swVersion
}

// ClassData satisfies class.Unit.
func (u *Unit) ClassData() any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.classData
}

// SetClassData satisfies class.Unit.
func (u *Unit) SetClassData(v any) {
	u.mu.Lock()
	u.classData = v
	u.mu.Unlock()
}

// BoundClass returns the Class currently bound to this unit, or nil.
func (u *Unit) BoundClass() class.Class {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.boundClass
}

func (u *Unit) setBoundClass(c class.Class) {
	u.mu.Lock()
	u.boundClass = c
	u.mu.Unlock()
}

// GetAttr satisfies object.Attributes.
func (u *Unit) GetAttr(tag string) (any, bool) {
	switch tag {
	case "guid":
		return u.GUID(), true
	case "class-data":
		return u.ClassData(), true
	default:
		return nil, false
	}
}

// SetAttr satisfies object.Attributes; only class-data is settable, the
// rest of a unit's identification is derived from its ROM.
func (u *Unit) SetAttr(tag string, value any) error {
	if tag == "class-data" {
		u.SetClassData(value)
		return nil
	}
	return fmt.Errorf("device: unit attribute %q is not settable", tag)
}

// Device is a persistent per-GUID record. A Device with GUID 0 or
// generation 0 is detached; it is retained on the
// registry's dead list until reconnected (same GUID, next topology) or
// explicitly reclaimed.
type Device struct {
	object.Base

	mu         sync.RWMutex
	guid       uint64
	phyID      uint8
	nodeID     packet.NodeID
	generation uint8
	detached   bool
	rom        []uint32
	units      []*Unit
}

// GUID returns the device's 64-bit GUID, 0 if not yet scanned.
func (d *Device) GUID() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.guid
}

// NodeID returns the device's current node-id.
func (d *Device) NodeID() packet.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodeID
}

// Generation returns the bus generation this device was last confirmed
// present in; 0 if detached.
func (d *Device) Generation() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generation
}

// Detached reports whether the device is currently on the dead list.
func (d *Device) Detached() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.detached
}

// ROM returns the device's cached Configuration ROM quadlets.
func (d *Device) ROM() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rom
}

// Units returns a snapshot of the device's current unit list.
func (d *Device) Units() []*Unit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Unit, len(d.units))
	copy(out, d.units)
	return out
}

// GetAttr satisfies object.Attributes.
func (d *Device) GetAttr(tag string) (any, bool) {
	switch tag {
	case "guid":
		return d.GUID(), true
	case "node-id":
		return d.NodeID(), true
	case "generation":
		return d.Generation(), true
	case "detached":
		return d.Detached(), true
	default:
		return nil, false
	}
}

// SetAttr satisfies object.Attributes; a Device's fields are all derived
// from bus state, so none are externally settable.
func (d *Device) SetAttr(tag string, value any) error {
	return fmt.Errorf("device: attribute %q is read-only", tag)
}
