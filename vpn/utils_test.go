package vpn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPStringConversions(t *testing.T) {
	assert.Equal(t, "10.0.0.42", ipToString(0x0A00002A))
	assert.Equal(t, uint32(0x0A00002A), stringToIP("10.0.0.42"))
	assert.Equal(t, uint32(0), stringToIP("not-an-ip"))
	assert.Equal(t, uint32(0), stringToIP("fe80::1"))
}

func TestExtractAddresses(t *testing.T) {
	frame := makeIPv4(0x0A000002, 0x0A000003, nil)
	assert.Equal(t, uint32(0x0A000002), extractSourceIP(frame))
	assert.Equal(t, uint32(0x0A000003), extractDestIP(frame))

	assert.Equal(t, uint32(0), extractDestIP(frame[:19]))
	notV4 := append([]byte(nil), frame...)
	notV4[0] = 0x60
	assert.Equal(t, uint32(0), extractDestIP(notV4))
}

func TestIsBroadcastAddress(t *testing.T) {
	base := stringToIP("10.0.0.0")
	mask := stringToIP("255.255.255.0")

	assert.True(t, isBroadcastAddress(0xFFFFFFFF, base, mask))
	assert.True(t, isBroadcastAddress(stringToIP("10.0.0.255"), base, mask))
	assert.True(t, isBroadcastAddress(stringToIP("224.0.0.251"), base, mask))
	assert.True(t, isBroadcastAddress(stringToIP("239.255.255.250"), base, mask))

	assert.False(t, isBroadcastAddress(stringToIP("10.0.0.42"), base, mask))
	assert.False(t, isBroadcastAddress(stringToIP("10.0.1.255"), base, mask))
	assert.False(t, isBroadcastAddress(stringToIP("192.168.0.1"), base, mask))
}

func TestCalcTunMTU(t *testing.T) {
	// 1200-byte transport limit minus 35 bytes overhead and the margin.
	assert.Equal(t, 1150, calcTunMTU(1200, 1500))
	// Clamped at the floor and ceiling.
	assert.Equal(t, 576, calcTunMTU(100, 1500))
	assert.Equal(t, 1500, calcTunMTU(9000, 0))
	// The configured cap wins when lower.
	assert.Equal(t, 1100, calcTunMTU(9000, 1100))
}

func TestHostCount(t *testing.T) {
	assert.Equal(t, uint32(254), hostCount(stringToIP("255.255.255.0")))
	assert.Equal(t, uint32(2), hostCount(stringToIP("255.255.255.252")))
	// A subnet with a single usable slot still yields one candidate.
	assert.Equal(t, uint32(1), hostCount(stringToIP("255.255.255.254")))
}
