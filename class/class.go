// Package class implements the named, versioned external-plugin
// contract units bind against. Grounded on package object's
// refcounted-handle discipline
// (a Class is itself a shared object) and, for the registry's priority-
// ordered iteration, on the teacher's sorted-slice idiom used for its
// USB endpoint descriptor tables (usbarmory/tamago soc/nxp/usb
// configuration builders, which keep a slice ordered by priority/index
// rather than reaching for a tree).
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package class

// Unit is the narrow view of a device.Unit that a Class needs. Defined
// here (rather than imported from package device) to avoid a class<->
// device import cycle: package device's Unit type satisfies this
// interface structurally.
type Unit interface {
	// GUID identifies the owning device, stable across reconnects.
	GUID() uint64
	// Ident returns the unit's inherited/overridden identification
	// quadlets: VendorID, ModelID, UnitSpecID, UnitSWVersion.
	Ident() (vendorID, modelID, specID, swVersion uint32)
	// ClassData/SetClassData hold the class-private data slot a bound
	// Class owns for the lifetime of the binding.
	ClassData() any
	SetClassData(any)
}

// Class is the contract every registered plug-in implements.
// Initialize/Terminate bracket the class's registered lifetime;
// AttemptUnitBinding/ReleaseUnitBinding bracket one unit's binding to
// it.
type Class interface {
	Name() string
	Version() uint32
	// Priority orders AttemptUnitBinding consultation; higher runs
	// first.
	Priority() int

	Initialize() error
	Terminate()

	// AttemptUnitBinding reports whether this Class claims unit. On
	// true, the Class owns unit's class-private data slot until
	// ReleaseUnitBinding is called for it.
	AttemptUnitBinding(unit Unit) bool
	// ReleaseUnitBinding is called on unit removal or class removal;
	// the Class must stop any task it spawned on unit before returning.
	ReleaseUnitBinding(unit Unit)
}

// AttrGetSetter is implemented optionally by classes that expose
// class-private attributes; callers type-assert for it.
type AttrGetSetter interface {
	GetAttrs(tag string) (value any, ok bool)
	SetAttrs(tag string, value any) error
}
