package vpn

import (
	"encoding/binary"

	"golang.org/x/net/ipv4"

	"github.com/YujinSharp/meshvpn/types"
)

const pumpBufferSize = 16384

// outboundPump reads whole IPv4 frames from the virtual NIC and forwards them
// over the overlay. It exits when the device is closed; any other read error
// is fatal to the bridge.
func (b *Bridge) outboundPump(device types.Device) {
	defer close(b.pumpDone)
	b.logger.Debug("outbound pump started")
	readBuf := make([]byte, pumpBufferSize)
	var frameBuf []byte
	for b.running.Load() {
		n, err := device.Read(readBuf)
		if err != nil {
			if b.running.Load() {
				b.fail(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := readBuf[:n]
		if frame[0]>>4 != 4 {
			continue
		}
		destIP := extractDestIP(frame)
		if destIP == 0 {
			b.stats.addDropped(1)
			continue
		}

		if b.localIP.Load() == 0 {
			b.stats.addDropped(1)
			continue
		}

		packet := &ipPacket{sender: b.neg.localID, frame: frame}
		frameBuf, err = wireEncodeFrame(frameBuf[:0], wireIPPacket, packet)
		if err != nil {
			b.stats.addDropped(1)
			continue
		}

		if isBroadcastAddress(destIP, b.baseIP, b.subnetMask) {
			members := len(b.transport.Members())
			if members == 0 {
				continue
			}
			if err := b.transport.Broadcast(frameBuf, false); err != nil {
				b.stats.addDropped(1)
				continue
			}
			b.stats.addSent(uint64(members), uint64(n*members))
			continue
		}

		entry, found := b.routes.lookup(destIP)
		if !found || entry.isLocal {
			b.stats.addDropped(1)
			continue
		}
		if err := b.transport.Send(entry.peer, frameBuf, false); err != nil {
			b.stats.addDropped(1)
			continue
		}
		b.stats.addSent(1, uint64(n))
	}
}

// handleFrame is the dispatcher's demux: IP packets stay on the fast path,
// control frames feed the negotiator, route table, and heartbeat manager.
// Malformed and unknown frames are dropped without comment.
func (b *Bridge) handleFrame(sender types.PeerID, bs []byte) {
	pType, payload, err := wireSplitFrame(bs)
	if err != nil {
		return
	}
	switch pType {
	case wireIPPacket:
		b.handleIPPacket(sender, payload)
	case wireRouteUpdate:
		update := new(routeUpdate)
		if update.decode(payload) != nil {
			return
		}
		b.routes.applyUpdate(update, b.baseIP, b.subnetMask, b.transport.LocalPeer(), b.cfg.salt, b.transport.DisplayName)
	case wireProbeRequest:
		req := new(probeRequest)
		if req.decode(payload) != nil {
			return
		}
		b.neg.handleProbeRequest(nil, req, sender)
	case wireProbeResponse:
		res := new(probeResponse)
		if res.decode(payload) != nil {
			return
		}
		b.neg.handleProbeResponse(nil, res, sender)
	case wireAddressAnnounce:
		ann := new(addressAnnounce)
		if ann.decode(payload) != nil {
			return
		}
		b.handleAddressAnnounce(sender, ann)
	case wireForcedRelease:
		rel := new(forcedRelease)
		if rel.decode(payload) != nil {
			return
		}
		b.neg.handleForcedRelease(nil, rel)
	case wireHeartbeat:
		hb := new(heartbeat)
		if hb.decode(payload) != nil {
			return
		}
		b.hb.handleHeartbeat(hb, sender, b.transport.DisplayName(sender))
	default:
		// Unknown types (including the reserved heartbeat ack) are dropped.
	}
}

// handleAddressAnnounce lets the negotiator arbitrate first, then installs
// the route. The table is re-shared only when the announce created a new
// route, so announce storms cannot echo.
func (b *Bridge) handleAddressAnnounce(sender types.PeerID, ann *addressAnnounce) {
	_, known := b.routes.lookup(ann.ip)
	b.neg.handleAddressAnnounce(nil, ann, sender)
	b.routes.upsert(routeEntry{
		virtualIP: ann.ip,
		peer:      sender,
		node:      ann.from,
		name:      b.transport.DisplayName(sender),
		isLocal:   false,
	})
	if !known {
		b.routes.broadcastAll()
	}
}

// handleIPPacket delivers, relays, or drops one encapsulated IPv4 frame.
func (b *Bridge) handleIPPacket(sender types.PeerID, payload []byte) {
	packet := new(ipPacket)
	if packet.decode(payload) != nil {
		return
	}
	header, err := ipv4.ParseHeader(packet.frame)
	if err != nil || header.Version != 4 {
		b.stats.addDropped(1)
		return
	}
	dst := header.Dst.To4()
	if dst == nil {
		b.stats.addDropped(1)
		return
	}
	destIP := binary.BigEndian.Uint32(dst)

	if srcIP := extractSourceIP(packet.frame); srcIP != 0 {
		if loser, conflict := b.hb.detectConflict(srcIP, packet.sender); conflict {
			b.neg.sendForcedReleaseTo(nil, srcIP, loser)
		}
	}

	if destIP == b.localIP.Load() || isBroadcastAddress(destIP, b.baseIP, b.subnetMask) {
		if _, err := b.device.Write(packet.frame); err != nil {
			b.stats.addDropped(1)
			return
		}
		b.stats.addReceived(1, uint64(len(packet.frame)))
		return
	}

	// The destination is a third party: relay once, and never back to the
	// sender. The mesh is full, so one hop is always enough.
	entry, found := b.routes.lookup(destIP)
	if !found || entry.isLocal || entry.peer == sender {
		b.stats.addDropped(1)
		return
	}
	bs, err := wireEncodeFrame(nil, wireIPPacket, packet)
	if err != nil {
		b.stats.addDropped(1)
		return
	}
	if err := b.transport.Send(entry.peer, bs, false); err != nil {
		b.stats.addDropped(1)
	}
}
