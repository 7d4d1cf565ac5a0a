package ohci

import (
	"encoding/binary"

	"github.com/yomgui1/helios/dma"
)

// descKeyImmediate / descKeyLast select the OHCI descriptor "key" field
// (control word bits 29-31) for the two descriptor shapes AT submission
// needs (OHCI 1.1 Table 3-1).
const (
	descKeyImmediate = 0x2 // OUTPUT_MORE-Immediate: header carried inline
	descKeyLast      = 0x0 // OUTPUT_LAST: payload reached via DataAddress

	descControlLast = 1 << 12 // last descriptor of the program
	descControlIRQ  = 1 << 4  // request interrupt on completion (irqEna=0b11 rightmost 2 bits actually)
	descControlBranchAlways = 0x3 // branch-interrupt-enable = always
)

// encodeImmediate packs up to 4 header quadlets into an
// OUTPUT_MORE-Immediate descriptor: a 16-byte descriptor header followed
// by the quadlets themselves, matching the OHCI requirement that
// immediate data padded to 8 or 16 bytes follow the descriptor in the
// same 16-byte-aligned block (OHCI 1.1 §3.1.1).
func encodeImmediate(header [][4]byte, last bool) []byte {
	n := len(header)
	reqCount := uint16(n * 4)

	control := uint32(descKeyImmediate)<<29 | uint32(reqCount)
	if last {
		control |= descControlLast | descControlIRQ<<28 | descControlBranchAlways<<20
	}

	buf := make([]byte, dma.DescriptorSize+(n*4+7)&^7)
	d := dma.Descriptor{Control: control}
	d.Encode(buf[:dma.DescriptorSize])
	for i, q := range header {
		copy(buf[dma.DescriptorSize+i*4:], q[:])
	}
	return buf
}

// encodeLastWithData packs a trailing OUTPUT_LAST descriptor pointing at
// a payload buffer already resident in DMA-visible memory at busAddr.
func encodeLastWithData(payload []byte, busAddr uint32) []byte {
	buf := make([]byte, dma.DescriptorSize)
	d := dma.Descriptor{
		Control:     uint32(descKeyLast)<<29 | descControlLast | descControlIRQ<<28 | descControlBranchAlways<<20 | uint32(len(payload)),
		DataAddress: busAddr,
		BranchAddr:  0,
		StatusWord:  0,
	}
	d.Encode(buf)
	return buf
}

func quad(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}
