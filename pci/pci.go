// Package pci declares the PCI accessor contract the core consumes.
// This package is the interface boundary only, with no enumeration
// logic of its own: package hardware calls it to find, claim, and map
// an OHCI board, and a host embedding Helios supplies the concrete
// Accessor.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package pci

// BoardClass selects which PCI device class FindBoards enumerates.
type BoardClass uint32

// ClassSerialFireWire is the PCI class/subclass/programming-interface
// code for an OHCI 1394 host controller (serial bus controller,
// FireWire subclass), the only class the core ever asks FindBoards for.
const ClassSerialFireWire BoardClass = 0x0c0010

// Board is an opaque handle to one discovered PCI device, scoped to
// whatever the Accessor implementation needs to identify it internally.
// The core never inspects a Board's contents; it only passes it back
// to the Accessor.
type Board any

// IRQHandler is invoked by the host's interrupt dispatch on the board's
// line; it must observe the same interrupt-context constraints as
// package ohci's ISR path: no allocation, no list mutation, no callback
// dispatch.
type IRQHandler func()

// IRQToken identifies an installed interrupt handler, for IRQRemove.
type IRQToken any

// Accessor is the PCI bus-enumeration, ownership, config-space, BAR-
// mapping, DMA-translation, and IRQ contract the core requires.
// Supplied by the host; package pci defines no implementation.
type Accessor interface {
	// FindBoards enumerates boards of class, optionally skipping ones
	// already claimed by another owner.
	FindBoards(class BoardClass, ignoreOwned bool) ([]Board, error)

	// AttemptClaim cooperatively claims board for owner; Release gives
	// it back; SetOwner(board, "") clears ownership without releasing
	// the underlying resource.
	AttemptClaim(board Board, owner string) error
	Release(board Board) error
	SetOwner(board Board, owner string) error

	// ConfigRead/ConfigWrite access the board's PCI configuration space
	// (command/status/power-management words), size in bytes (1, 2, or
	// 4).
	ConfigRead(board Board, offset uint8, size int) (uint32, error)
	ConfigWrite(board Board, offset uint8, size int, value uint32) error

	// BARBase/BARSize describe one base-address-register's MMIO
	// region, for mapping the OHCI register block.
	BARBase(board Board, index int) (uintptr, error)
	BARSize(board Board, index int) (uintptr, error)

	// DMAPhys translates a CPU-side pointer (into DMA-pool memory) to
	// the bus address the board's DMA engine must be programmed with.
	DMAPhys(board Board, cpuPtr uintptr) (uint64, error)

	// IRQInstall/IRQRemove register and unregister board's interrupt
	// handler at the given priority.
	IRQInstall(board Board, handler IRQHandler, priority int) (IRQToken, error)
	IRQRemove(token IRQToken) error
}
