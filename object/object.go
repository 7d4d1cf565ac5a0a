// Package object implements the reference-counted shared-object model
// used for every long-lived Helios handle (Hardware, Device, Unit,
// Class).
//
// The teacher repo has no analogous manual-refcounting primitive (it is
// bare-metal single-process code with no handle sharing), so this
// package is grounded on the atomic-counter discipline the teacher
// applies to hardware registers (reg.Get/Set via sync/atomic)
// generalized from register bits to object lifetimes: "obtain"
// atomically increments iff count > 0 and never revives a zero,
// "release" decrements and frees at 1->0.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package object

import "sync/atomic"

// Kind tags the type of a shared object, for generic bookkeeping
// (listener lists, attribute dispatch) that doesn't want to import every
// concrete package.
type Kind uint8

const (
	KindHardware Kind = iota
	KindDevice
	KindUnit
	KindClass
)

func (k Kind) String() string {
	switch k {
	case KindHardware:
		return "hardware"
	case KindDevice:
		return "device"
	case KindUnit:
		return "unit"
	case KindClass:
		return "class"
	default:
		return "unknown"
	}
}

// FreeFunc is invoked exactly once, when the reference count transitions
// from 1 to 0, to release the object's resources.
type FreeFunc func()

// Base is embedded by every shared-object type (Hardware, Device, Unit,
// Class). It is not itself a handle: callers hold a *Base indirectly
// through the owning type, and must always go through Obtain/Release.
type Base struct {
	kind  Kind
	count int32
	free  FreeFunc
}

// Init prepares the base with an initial reference count of 1 (the
// reference implicitly held by whoever creates the object) and the
// function to call when the last reference is released.
func (b *Base) Init(kind Kind, free FreeFunc) {
	b.kind = kind
	b.count = 1
	b.free = free
}

// Kind returns the object's type tag.
func (b *Base) Kind() Kind { return b.kind }

// Obtain atomically increments the reference count iff it is currently
// greater than zero, returning false if the object has already reached
// zero (i.e. is being or has been freed) — a freed object is never
// revived. Callers that lose the race must treat the object as gone.
func (b *Base) Obtain() bool {
	for {
		cur := atomic.LoadInt32(&b.count)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.count, cur, cur+1) {
			return true
		}
	}
}

// Release decrements the reference count and invokes the free callback
// exactly once, on the transition from 1 to 0.
func (b *Base) Release() {
	if atomic.AddInt32(&b.count, -1) == 0 {
		if b.free != nil {
			b.free()
		}
	}
}

// RefCount returns the current reference count, for diagnostics/tests
// only — never use it to make a lifecycle decision (it can change the
// instant after it is read).
func (b *Base) RefCount() int32 {
	return atomic.LoadInt32(&b.count)
}

// Attributes is implemented by shared objects that expose a generic
// attribute get/set surface.
type Attributes interface {
	GetAttr(tag string) (value any, ok bool)
	SetAttr(tag string, value any) error
}
