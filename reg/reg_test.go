package reg_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/yomgui1/helios/reg"
)

func TestGetSetRoundTrip(t *testing.T) {
	var word uint32
	addr := uintptr(unsafe.Pointer(&word))

	reg.Set(addr, 0xdeadbeef)
	assert.Equal(t, reg.Quadlet(0xdeadbeef), reg.Get(addr))
}

func TestSetBitsClearBits(t *testing.T) {
	var word uint32
	addr := uintptr(unsafe.Pointer(&word))

	reg.SetBits(addr, 0x0f)
	assert.Equal(t, reg.Quadlet(0x0f), reg.Get(addr))

	reg.SetBits(addr, 0xf0)
	assert.Equal(t, reg.Quadlet(0xff), reg.Get(addr))

	reg.ClearBits(addr, 0x0f)
	assert.Equal(t, reg.Quadlet(0xf0), reg.Get(addr))
}

func TestBit(t *testing.T) {
	var word uint32
	addr := uintptr(unsafe.Pointer(&word))

	reg.Set(addr, 1<<5)
	assert.True(t, reg.Bit(addr, 5))
	assert.False(t, reg.Bit(addr, 4))
}

func TestBusEndianRoundTrip(t *testing.T) {
	b := reg.ToBusEndian(0x01020304)
	assert.Equal(t, [4]byte{0x01, 0x02, 0x03, 0x04}, b)
	assert.Equal(t, reg.Quadlet(0x01020304), reg.FromBusEndian(b[:]))
}
