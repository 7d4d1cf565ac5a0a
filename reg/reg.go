// Package reg provides byte-swapped access to OHCI 1394 memory-mapped
// registers and the PHY side-band interface reached through them.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package reg

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Quadlet is a single 32-bit bus-endian (big-endian) word as found on the
// wire and, for OHCI registers, in host byte order once read through this
// package's accessors.
type Quadlet = uint32

// Get reads the 32-bit little-endian host register at addr, already
// byte-swapped so callers never deal with host endianness.
func Get(addr uintptr) Quadlet {
	p := (*uint32)(unsafe.Pointer(addr))
	return atomic.LoadUint32(p)
}

// Set writes val to the 32-bit register at addr.
func Set(addr uintptr, val Quadlet) {
	p := (*uint32)(unsafe.Pointer(addr))
	atomic.StoreUint32(p, val)
}

// SetBits ors mask into the register at addr.
func SetBits(addr uintptr, mask Quadlet) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old|mask) {
			return
		}
	}
}

// ClearBits clears mask in the register at addr.
func ClearBits(addr uintptr, mask Quadlet) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^mask) {
			return
		}
	}
}

// Bit tests whether bit pos is set in the register at addr.
func Bit(addr uintptr, pos uint) bool {
	return Get(addr)&(1<<pos) != 0
}

// ToBusEndian packs a host-order quadlet into the big-endian wire
// representation used by 1394 packet headers and self-ID streams.
func ToBusEndian(q Quadlet) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], q)
	return b
}

// FromBusEndian unpacks a bus-endian quadlet.
func FromBusEndian(b []byte) Quadlet {
	return binary.BigEndian.Uint32(b)
}
