package vpn

import (
	"sync/atomic"

	"github.com/YujinSharp/meshvpn/internal/telemetry"
)

// Statistics is a point-in-time snapshot of the data-plane counters. Readers
// see an eventually-consistent view; the counters themselves are atomics.
type Statistics struct {
	PacketsSent     uint64 `json:"packets_sent"`
	BytesSent       uint64 `json:"bytes_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	BytesReceived   uint64 `json:"bytes_received"`
	PacketsDropped  uint64 `json:"packets_dropped"`
}

type stats struct {
	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsDropped  atomic.Uint64
}

func (s *stats) addSent(packets, bytes uint64) {
	s.packetsSent.Add(packets)
	s.bytesSent.Add(bytes)
	telemetry.PacketsForwarded.WithLabelValues("sent").Add(float64(packets))
	telemetry.BytesForwarded.WithLabelValues("sent").Add(float64(bytes))
}

func (s *stats) addReceived(packets, bytes uint64) {
	s.packetsReceived.Add(packets)
	s.bytesReceived.Add(bytes)
	telemetry.PacketsForwarded.WithLabelValues("received").Add(float64(packets))
	telemetry.BytesForwarded.WithLabelValues("received").Add(float64(bytes))
}

func (s *stats) addDropped(packets uint64) {
	s.packetsDropped.Add(packets)
	telemetry.PacketsDropped.Add(float64(packets))
}

func (s *stats) snapshot() Statistics {
	return Statistics{
		PacketsSent:     s.packetsSent.Load(),
		BytesSent:       s.bytesSent.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
	}
}
