package rom_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/rom"
)

// Known-vector check: CRC16 over a zero bus-info block quadruplet is 0
// (CCITT CRC-16 with a zero initial value stays 0 over all-zero input).
func TestCRC16AllZero(t *testing.T) {
	assert.Equal(t, uint16(0), rom.CRC16([]uint32{0, 0, 0, 0}))
}

func TestCRC16NonZeroInput(t *testing.T) {
	got := rom.CRC16([]uint32{0x31333934, 0xf0640000, 0x00112233, 0x44556677})
	assert.NotEqual(t, uint16(0), got)
	// Deterministic: recomputing over the same input yields the same CRC.
	again := rom.CRC16([]uint32{0x31333934, 0xf0640000, 0x00112233, 0x44556677})
	assert.Equal(t, got, again)
}

func TestBuilderRoundTrip(t *testing.T) {
	quads := rom.Build(rom.Options{
		GUID:             0x0011223344556677,
		VendorID:         0xabcdef,
		NodeCapabilities: 0x0083c0,
		VendorName:       "helios",
	})

	require.True(t, len(quads) >= 5)
	infoLength := quads[0] >> 24
	require.Equal(t, uint32(4), infoLength)

	busInfo := quads[1:5]
	declaredCRC := uint16(quads[0] & 0xffff)
	assert.Equal(t, declaredCRC, rom.CRC16(busInfo))
	assert.Equal(t, uint64(0x0011223344556677), rom.GUID(quads))

	dir, err := rom.NewDirectory(quads, 5)
	require.NoError(t, err)
	require.NoError(t, dir.Verify())
	assert.Equal(t, 3, dir.Len())

	var sawVendorID, sawDesc bool
	dir.Each(func(e rom.Entry) bool {
		switch e.Type {
		case rom.KeyTypeImmediate:
			if e.Value == 0xabcdef {
				sawVendorID = true
			}
		case rom.KeyTypeLeaf:
			sawDesc = true
			idx := e.SubdirectoryIndex(5 + 1 + 2) // third entry's own absolute quadlet index
			text, err := rom.TextualDescriptor(quads, idx)
			require.NoError(t, err)
			assert.Equal(t, "helios", text)
		}
		return true
	})
	assert.True(t, sawVendorID)
	assert.True(t, sawDesc)
}

func TestTextualDescriptorRejectsNonzeroLanguage(t *testing.T) {
	rom16 := []uint32{
		2<<16 | 0, // header: length=2
		1 << 16,   // language_id=1 -- must be rejected
		0x41424344,
	}
	_, err := rom.TextualDescriptor(rom16, 0)
	assert.ErrorIs(t, err, rom.ErrBadTextualDescriptor)
}

func TestReadMinimalROM(t *testing.T) {
	calls := 0
	reader := func(ctx context.Context, offset uint64, speed packet.Speed) (uint32, packet.RCode, error) {
		calls++
		assert.Equal(t, rom.CSRConfigROMOffset, offset)
		return uint32(1) << 24, packet.RCodeComplete, nil
	}

	quads, err := rom.Read(context.Background(), reader, packet.S400)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []uint32{1 << 24}, quads)
}

func TestReadFullROMVerifiesCRC(t *testing.T) {
	built := rom.Build(rom.Options{GUID: 0xdeadbeefcafef00d, VendorID: 0x112233})
	reader := func(ctx context.Context, offset uint64, speed packet.Speed) (uint32, packet.RCode, error) {
		idx := (offset - rom.CSRConfigROMOffset) / 4
		if int(idx) >= len(built) {
			return 0, packet.RCodeAddressError, nil
		}
		return built[idx], packet.RCodeComplete, nil
	}

	quads, err := rom.Read(context.Background(), reader, packet.S400)
	require.NoError(t, err)
	assert.Equal(t, built, quads)
}

func TestReadGenerationAbort(t *testing.T) {
	reader := func(ctx context.Context, offset uint64, speed packet.Speed) (uint32, packet.RCode, error) {
		return 0, packet.RCodeGeneration, nil
	}
	_, err := rom.Read(context.Background(), reader, packet.S400)
	assert.ErrorIs(t, err, rom.ErrGeneration)
}

func TestFirstFiveEqual(t *testing.T) {
	a := []uint32{1, 2, 3, 4, 5, 6}
	b := []uint32{1, 2, 3, 4, 5, 99}
	assert.True(t, rom.FirstFiveEqual(a, b))

	c := []uint32{1, 2, 3, 4, 0xff}
	assert.False(t, rom.FirstFiveEqual(a, c))
}
