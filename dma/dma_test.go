package dma_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yomgui1/helios/dma"
)

func identityPool(size int) *dma.Pool {
	buf := make([]byte, size)
	base := uintptr(unsafe.Pointer(&buf[0]))
	return dma.NewPool(base, buf, func(cpu uintptr) uint64 { return uint64(cpu - base) })
}

func TestAllocFreeBasic(t *testing.T) {
	p := identityPool(4096)

	b, err := p.Alloc(128, 16)
	require.NoError(t, err)
	assert.Len(t, b.Bytes(), 128)
	assert.Zero(t, b.Bus%16)

	p.Free(b.CPU)
}

func TestAllocExhaustion(t *testing.T) {
	p := identityPool(256)

	_, err := p.Alloc(256, 4)
	require.NoError(t, err)

	_, err = p.Alloc(1, 4)
	assert.Error(t, err)
}

func TestFreeThenReallocReusesSpace(t *testing.T) {
	p := identityPool(1024)

	a, err := p.Alloc(512, 4)
	require.NoError(t, err)
	b, err := p.Alloc(512, 4)
	require.NoError(t, err)

	p.Free(a.CPU)
	p.Free(b.CPU)

	// Defrag should have merged the two freed blocks back into one
	// contiguous 1024-byte region.
	c, err := p.Alloc(1024, 4)
	require.NoError(t, err)
	assert.Len(t, c.Bytes(), 1024)
}

func TestAlignment(t *testing.T) {
	p := identityPool(4096)

	// Force a misaligned first allocation so the second must pad.
	_, err := p.Alloc(3, 4)
	require.NoError(t, err)

	b, err := p.Alloc(64, 16)
	require.NoError(t, err)
	assert.Zero(t, b.CPU%16)
}
