package vpn

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Encapsulation overhead on an IP_PACKET frame: the 3-byte header plus the
// 32-byte sender node ID.
const messageOverhead = wireHeaderSize + nodeIDSize

// mtuSafetyMargin absorbs any per-message bookkeeping the transport adds on
// top of its advertised limit.
const mtuSafetyMargin = 15

const (
	minTunMTU = 576
	maxTunMTU = 1500
)

// calcTunMTU derives the TUN MTU from the transport's largest non-fragmenting
// payload, clamped to [576, 1500] and further capped by the configured limit.
func calcTunMTU(transportLimit, configuredMax int) int {
	mtu := transportLimit - messageOverhead - mtuSafetyMargin
	if mtu < minTunMTU {
		mtu = minTunMTU
	} else if mtu > maxTunMTU {
		mtu = maxTunMTU
	}
	if configuredMax > 0 && configuredMax < mtu {
		mtu = configuredMax
	}
	return mtu
}

func ipToString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

func stringToIP(s string) uint32 {
	parsed := net.ParseIP(s)
	if parsed == nil {
		return 0
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// extractDestIP returns the destination address of a raw IPv4 frame, or 0 if
// the buffer is not a plausible IPv4 header.
func extractDestIP(packet []byte) uint32 {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(packet[16:20])
}

func extractSourceIP(packet []byte) uint32 {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(packet[12:16])
}

// isBroadcastAddress reports whether ip is the limited broadcast, the
// subnet's directed broadcast, or a class-D multicast group.
func isBroadcastAddress(ip, baseIP, subnetMask uint32) bool {
	if ip == 0xFFFFFFFF {
		return true
	}
	if ip == (baseIP&subnetMask)|^subnetMask {
		return true
	}
	firstOctet := byte(ip >> 24)
	return firstOctet >= 224 && firstOctet <= 239
}

// hostCount returns the number of assignable host addresses in the subnet,
// excluding the network and directed-broadcast addresses. A /31-style mask
// still yields one usable slot.
func hostCount(subnetMask uint32) uint32 {
	hostMask := ^subnetMask
	if hostMask <= 1 {
		return 1
	}
	return hostMask - 1
}
