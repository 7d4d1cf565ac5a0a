package dma

import "encoding/binary"

// DescriptorSize is the fixed size, in bytes, of an OHCI DMA descriptor:
// four little-endian 32-bit words (p1394 OHCI 1.1 §3.1). Every descriptor
// block allocated from a Pool for AT/AR/self-ID use must be 16-byte
// aligned.
const DescriptorSize = 16

// DescriptorAlign is the mandatory alignment for descriptor blocks.
const DescriptorAlign = 16

// Descriptor is the common 16-byte OHCI descriptor layout used by OUTPUT_*
// and INPUT_* descriptors alike: a control word (whose low 16 bits carry
// the request count), a data address, a branch address, and a fourth
// word holding the residual-count/transfer-status/timestamp overlay the
// controller writes back once it has processed the descriptor.
type Descriptor struct {
	Control     uint32
	DataAddress uint32
	BranchAddr  uint32
	StatusWord  uint32
}

// Encode writes the descriptor into a 16-byte little-endian block.
func (d *Descriptor) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Control)
	binary.LittleEndian.PutUint32(buf[4:8], d.DataAddress)
	binary.LittleEndian.PutUint32(buf[8:12], d.BranchAddr)
	binary.LittleEndian.PutUint32(buf[12:16], d.StatusWord)
}

// Decode reads a descriptor back from its 16-byte block, used to observe
// the status/residual-count/timestamp overlay the controller writes back
// into StatusWord once it has processed the descriptor.
func Decode(buf []byte) Descriptor {
	return Descriptor{
		Control:     binary.LittleEndian.Uint32(buf[0:4]),
		DataAddress: binary.LittleEndian.Uint32(buf[4:8]),
		BranchAddr:  binary.LittleEndian.Uint32(buf[8:12]),
		StatusWord:  binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Residual extracts the residual byte count from a processed descriptor's
// status word overlay (low 16 bits).
func Residual(statusWord uint32) uint16 {
	return uint16(statusWord & 0xffff)
}

// TransferStatus extracts the transfer-status (ack/event) byte.
func TransferStatus(statusWord uint32) uint8 {
	return uint8((statusWord >> 16) & 0xff)
}

// Timestamp extracts the 16-bit cycle-timer timestamp recorded by the
// controller on descriptor completion (low 16 bits, overlaying the
// residual count).
func Timestamp(statusWord uint32) uint16 {
	return uint16(statusWord & 0xffff)
}

// BranchAddress packs a branch pointer with its Z value (descriptor count
// in the next block, 0 meaning "last descriptor of the program").
func BranchAddress(addr uint32, z uint8) uint32 {
	return (addr &^ 0xf) | uint32(z&0xf)
}
