package ohci_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
)

func TestAckFromEventInternalCodes(t *testing.T) {
	assert.Equal(t, packet.Ack(0x1), ohci.AckFromEvent(0x11))
	assert.Equal(t, packet.Ack(0x4), ohci.AckFromEvent(0x14))
	assert.Equal(t, packet.Ack(0xd), ohci.AckFromEvent(0x1d))
}

func TestAckFromEventSynthesized(t *testing.T) {
	assert.Equal(t, packet.AckGeneration, ohci.AckFromEvent(0x0f))
	assert.Equal(t, packet.AckTimeout, ohci.AckFromEvent(0x0a))
	assert.Equal(t, packet.AckMissing, ohci.AckFromEvent(0x03))
}
