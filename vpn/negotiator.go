package vpn

import (
	"errors"
	"time"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"

	"github.com/YujinSharp/meshvpn/internal/telemetry"
	"github.com/YujinSharp/meshvpn/types"
)

// ErrNegotiationFailed is reported when every candidate offset in the subnet
// has been tried without winning an address.
var ErrNegotiationFailed = errors.New("address negotiation exhausted the subnet")

type negotiationState int

const (
	negIdle negotiationState = iota
	negProbing
	negStable
)

type conflictReport struct {
	node            nodeID
	lastHeartbeatMs int64
	peer            types.PeerID
}

// negotiator owns the address-selection state machine. It is an actor: every
// external entry point posts a message, so the state, the conflict list, and
// the used-IP set have exactly one writer. The probe window is a timer that
// posts back into the inbox.
type negotiator struct {
	phony.Inbox
	logger *zap.Logger
	cfg    *config

	localID    nodeID
	localPeer  types.PeerID
	baseIP     uint32
	subnetMask uint32

	state      negotiationState
	localIP    uint32
	candidate  uint32
	offset     uint32
	probeSeq   uint64
	conflicts  []conflictReport
	usedIPs    map[uint32]struct{}
	probeTimer *time.Timer

	sendFrame      func(to types.PeerID, pType wireFrameType, obj wireEncodeable, reliable bool)
	broadcastFrame func(pType wireFrameType, obj wireEncodeable, reliable bool)
	onSuccess      func(ip uint32, node nodeID)
	onFailure      func(err error)
}

func newNegotiator(logger *zap.Logger, cfg *config, localPeer types.PeerID, baseIP, subnetMask uint32) *negotiator {
	n := &negotiator{
		logger:     logger,
		cfg:        cfg,
		localID:    newNodeID(localPeer, cfg.salt),
		localPeer:  localPeer,
		baseIP:     baseIP,
		subnetMask: subnetMask,
		usedIPs:    make(map[uint32]struct{}),
	}
	logger.Info("generated node id", zap.Stringer("node", n.localID))
	return n
}

func (n *negotiator) startNegotiation() {
	n.Act(nil, func() {
		n.offset = 0
		n._startProbe()
	})
}

func (n *negotiator) _startProbe() {
	maxHosts := hostCount(n.subnetMask)
	if n.offset >= maxHosts {
		n.state = negIdle
		n.logger.Error("negotiation failed", zap.Uint32("offsets_tried", n.offset))
		if n.onFailure != nil {
			n.onFailure(ErrNegotiationFailed)
		}
		return
	}
	n.conflicts = n.conflicts[:0]
	n.candidate = n._findNextAvailableIP(n._generateCandidateIP(n.offset))
	n.state = negProbing
	n.probeSeq++
	seq := n.probeSeq

	n.logger.Info("probing address",
		zap.String("ip", ipToString(n.candidate)),
		zap.Uint32("offset", n.offset))
	if n.broadcastFrame != nil {
		n.broadcastFrame(wireProbeRequest, &probeRequest{candidate: n.candidate, from: n.localID}, true)
	}

	if n.probeTimer != nil {
		n.probeTimer.Stop()
	}
	n.probeTimer = time.AfterFunc(n.cfg.probeTimeout, func() {
		n.Act(nil, func() {
			n._finishProbe(seq)
		})
	})
}

// _generateCandidateIP seeds the host part from the low 24 bits of the local
// node ID plus the retry offset, so restarts land on the same sequence.
func (n *negotiator) _generateCandidateIP(offset uint32) uint32 {
	seed := uint32(n.localID[nodeIDSize-1]) |
		uint32(n.localID[nodeIDSize-2])<<8 |
		uint32(n.localID[nodeIDSize-3])<<16
	seed = (seed + offset) & 0x00FFFFFF

	maxHosts := hostCount(n.subnetMask)
	hostPart := seed%maxHosts + 1
	return (n.baseIP & n.subnetMask) | hostPart
}

// _findNextAvailableIP scans forward from the seed, skipping addresses known
// to be occupied and wrapping at the subnet's top host address. The scan is
// bounded by the host count.
func (n *negotiator) _findNextAvailableIP(startIP uint32) uint32 {
	hostMask := ^n.subnetMask
	maxHosts := hostCount(n.subnetMask)

	hostPart := startIP & hostMask
	if hostPart == 0 || hostPart >= hostMask {
		hostPart = 1
	}
	ip := (n.baseIP & n.subnetMask) | hostPart
	for attempts := uint32(0); attempts < maxHosts; attempts++ {
		if _, used := n.usedIPs[ip]; !used {
			break
		}
		hostPart++
		if hostPart >= hostMask {
			hostPart = 1
		}
		ip = (n.baseIP & n.subnetMask) | hostPart
	}
	return ip
}

// _finishProbe closes the probe window: arbitrate against every active
// conflict collected, then either claim the candidate or yield and reselect.
func (n *negotiator) _finishProbe(seq uint64) {
	if n.state != negProbing || seq != n.probeSeq {
		return
	}
	nowMs := time.Now().UnixMilli()
	canClaim := true
	var losers []types.PeerID
	for _, conflict := range n.conflicts {
		age := nowMs - conflict.lastHeartbeatMs
		if age >= n.cfg.heartbeatExpiry.Milliseconds() {
			// A stale responder cannot block the claim, but it still thinks
			// it owns the address, so it gets told to let go.
			n.logger.Debug("overriding stale conflict responder",
				zap.Stringer("node", conflict.node),
				zap.Int64("heartbeat_age_ms", age))
			losers = append(losers, conflict.peer)
			continue
		}
		if n.localID.priorityOver(conflict.node) {
			losers = append(losers, conflict.peer)
		} else {
			canClaim = false
			break
		}
	}
	if !canClaim {
		n.logger.Info("lost address arbitration, reselecting")
		telemetry.NegotiationRetries.Inc()
		n.offset++
		n._startProbe()
		return
	}
	for _, peer := range losers {
		n._sendForcedRelease(n.candidate, peer)
	}
	n.state = negStable
	n.localIP = n.candidate
	n.usedIPs[n.localIP] = struct{}{}
	n.logger.Info("address negotiation succeeded", zap.String("ip", ipToString(n.localIP)))
	n._sendAddressAnnounce()
	if n.onSuccess != nil {
		n.onSuccess(n.localIP, n.localID)
	}
}

// handleProbeRequest answers probes that collide with the address we hold or
// are probing. A stable holder always asserts ownership; a fellow prober only
// responds when it would win the tie, and yields immediately otherwise.
func (n *negotiator) handleProbeRequest(from phony.Actor, req *probeRequest, sender types.PeerID) {
	n.Act(from, func() {
		shouldRespond := false
		switch {
		case n.state == negStable && req.candidate == n.localIP:
			shouldRespond = true
		case n.state == negProbing && req.candidate == n.candidate:
			if n.localID.priorityOver(req.from) {
				shouldRespond = true
			} else {
				n.logger.Info("lost probe contention, reselecting")
				telemetry.NegotiationRetries.Inc()
				n.offset++
				n._startProbe()
				return
			}
		}
		if shouldRespond && n.sendFrame != nil {
			n.sendFrame(sender, wireProbeResponse, &probeResponse{
				conflictIP:      req.candidate,
				holder:          n.localID,
				lastHeartbeatMs: time.Now().UnixMilli(),
			}, true)
		}
	})
}

// handleProbeResponse collects conflicts for the current candidate; they are
// arbitrated when the probe window closes.
func (n *negotiator) handleProbeResponse(from phony.Actor, res *probeResponse, sender types.PeerID) {
	n.Act(from, func() {
		n.usedIPs[res.conflictIP] = struct{}{}
		if n.state != negProbing || res.conflictIP != n.candidate {
			return
		}
		n.conflicts = append(n.conflicts, conflictReport{
			node:            res.holder,
			lastHeartbeatMs: res.lastHeartbeatMs,
			peer:            sender,
		})
		n.logger.Debug("collected conflict response", zap.Stringer("node", res.holder))
	})
}

// handleAddressAnnounce defends the local address against a conflicting
// announce, or records the announced address as occupied.
func (n *negotiator) handleAddressAnnounce(from phony.Actor, ann *addressAnnounce, sender types.PeerID) {
	n.Act(from, func() {
		if n.state == negStable && ann.ip == n.localIP {
			if !n.localID.priorityOver(ann.from) {
				n.logger.Info("address conflict from announce, reselecting")
				telemetry.NegotiationRetries.Inc()
				n.offset++
				n._startProbe()
			} else {
				n._sendForcedRelease(ann.ip, sender)
			}
			return
		}
		n.usedIPs[ann.ip] = struct{}{}
	})
}

// handleForcedRelease surrenders the named address when the winner outranks
// us. Releases that target an address we do not hold are no-ops.
func (n *negotiator) handleForcedRelease(from phony.Actor, rel *forcedRelease) {
	n.Act(from, func() {
		shouldRelease := false
		if n.state == negStable && rel.ip == n.localIP {
			shouldRelease = !n.localID.priorityOver(rel.winner)
		} else if n.state == negProbing && rel.ip == n.candidate {
			shouldRelease = !n.localID.priorityOver(rel.winner)
		}
		if shouldRelease {
			n.logger.Info("received forced release, reselecting")
			telemetry.NegotiationRetries.Inc()
			n.offset++
			n.state = negIdle
			n._startProbe()
		}
	})
}

func (n *negotiator) _sendAddressAnnounce() {
	if n.broadcastFrame == nil {
		return
	}
	n.broadcastFrame(wireAddressAnnounce, &addressAnnounce{ip: n.localIP, from: n.localID}, true)
}

// sendAddressAnnounceTo introduces our address to a single peer, typically a
// fresh joiner.
func (n *negotiator) sendAddressAnnounceTo(from phony.Actor, peer types.PeerID) {
	n.Act(from, func() {
		if n.state != negStable || n.localIP == 0 || n.sendFrame == nil {
			return
		}
		n.sendFrame(peer, wireAddressAnnounce, &addressAnnounce{ip: n.localIP, from: n.localID}, true)
	})
}

func (n *negotiator) _sendForcedRelease(ip uint32, peer types.PeerID) {
	if n.sendFrame == nil {
		return
	}
	n.sendFrame(peer, wireForcedRelease, &forcedRelease{ip: ip, winner: n.localID}, true)
}

// sendForcedReleaseTo tells a specific peer to surrender an address it has
// demonstrably lost, e.g. after packet-level conflict detection.
func (n *negotiator) sendForcedReleaseTo(from phony.Actor, ip uint32, peer types.PeerID) {
	n.Act(from, func() {
		n._sendForcedRelease(ip, peer)
	})
}

func (n *negotiator) markIPUsed(from phony.Actor, ip uint32) {
	n.Act(from, func() {
		n.usedIPs[ip] = struct{}{}
	})
}

func (n *negotiator) markIPUnused(from phony.Actor, ip uint32) {
	n.Act(from, func() {
		delete(n.usedIPs, ip)
	})
}

func (n *negotiator) reset() {
	phony.Block(n, func() {
		if n.probeTimer != nil {
			n.probeTimer.Stop()
			n.probeTimer = nil
		}
		n.state = negIdle
		n.localIP = 0
		n.candidate = 0
		n.offset = 0
		n.probeSeq++
		n.conflicts = nil
		n.usedIPs = make(map[uint32]struct{})
	})
}

// current returns a consistent view of the state for callers outside the
// actor.
func (n *negotiator) current() (state negotiationState, localIP uint32) {
	phony.Block(n, func() {
		state, localIP = n.state, n.localIP
	})
	return
}
