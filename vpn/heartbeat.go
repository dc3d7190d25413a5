package vpn

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YujinSharp/meshvpn/types"
)

type nodeInfo struct {
	node          nodeID
	peer          types.PeerID
	virtualIP     uint32
	lastHeartbeat time.Time
	name          string
	isLocal       bool
}

// heartbeatManager keeps the liveness table: it beacons the local lease and
// evicts peers that have gone silent past the lease expiry.
type heartbeatManager struct {
	logger *zap.Logger
	cfg    *config

	mutex    sync.Mutex
	nodes    map[nodeID]*nodeInfo
	ipToNode map[uint32]nodeID
	localID  nodeID
	localIP  uint32
	lastSent time.Time

	broadcastFrame func(pType wireFrameType, obj wireEncodeable, reliable bool)
	onExpired      func(node nodeID, ip uint32)
	onSeen         func(ip uint32)

	runMutex sync.Mutex
	stop     chan struct{}
	done     chan struct{}
}

func newHeartbeatManager(logger *zap.Logger, cfg *config) *heartbeatManager {
	return &heartbeatManager{
		logger:   logger,
		cfg:      cfg,
		nodes:    make(map[nodeID]*nodeInfo),
		ipToNode: make(map[uint32]nodeID),
	}
}

func (hm *heartbeatManager) setLocal(node nodeID, ip uint32) {
	hm.mutex.Lock()
	hm.localID = node
	hm.localIP = ip
	hm.lastSent = time.Now()
	hm.mutex.Unlock()
}

func (hm *heartbeatManager) start() {
	hm.runMutex.Lock()
	defer hm.runMutex.Unlock()
	if hm.stop != nil {
		return
	}
	hm.stop = make(chan struct{})
	hm.done = make(chan struct{})
	go hm.run(hm.stop, hm.done)
	hm.logger.Info("heartbeat manager started")
}

func (hm *heartbeatManager) stopRunning() {
	hm.runMutex.Lock()
	defer hm.runMutex.Unlock()
	if hm.stop == nil {
		return
	}
	close(hm.stop)
	<-hm.done
	hm.stop = nil
	hm.done = nil
	hm.logger.Info("heartbeat manager stopped")
}

// run wakes once per second: beacon if the interval elapsed, then sweep for
// expired leases.
func (hm *heartbeatManager) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		hm.mutex.Lock()
		due := hm.localIP != 0 && now.Sub(hm.lastSent) >= hm.cfg.heartbeatInterval
		if due {
			hm.lastSent = now
		}
		hm.mutex.Unlock()
		if due {
			hm.sendBeacon(now)
		}
		hm.checkExpiredLeases(now)
	}
}

func (hm *heartbeatManager) sendBeacon(now time.Time) {
	hm.mutex.Lock()
	hb := &heartbeat{
		ip:          hm.localIP,
		from:        hm.localID,
		timestampMs: now.UnixMilli(),
	}
	hm.mutex.Unlock()
	if hb.ip == 0 || hm.broadcastFrame == nil {
		return
	}
	hm.broadcastFrame(wireHeartbeat, hb, true)
}

func (hm *heartbeatManager) checkExpiredLeases(now time.Time) {
	type expired struct {
		node nodeID
		ip   uint32
	}
	var gone []expired

	hm.mutex.Lock()
	for id, info := range hm.nodes {
		if info.isLocal {
			continue
		}
		if now.Sub(info.lastHeartbeat) >= hm.cfg.leaseExpiry {
			gone = append(gone, expired{node: id, ip: info.virtualIP})
			delete(hm.ipToNode, info.virtualIP)
			delete(hm.nodes, id)
		}
	}
	hm.mutex.Unlock()

	for _, e := range gone {
		hm.logger.Info("node lease expired",
			zap.Stringer("node", e.node),
			zap.String("ip", ipToString(e.ip)))
		if hm.onExpired != nil {
			hm.onExpired(e.node, e.ip)
		}
	}
}

// handleHeartbeat refreshes a known node's lease or records a newcomer.
func (hm *heartbeatManager) handleHeartbeat(hb *heartbeat, peer types.PeerID, name string) {
	var isNew bool
	hm.mutex.Lock()
	if info, ok := hm.nodes[hb.from]; ok {
		info.lastHeartbeat = time.Now()
	} else {
		hm.nodes[hb.from] = &nodeInfo{
			node:          hb.from,
			peer:          peer,
			virtualIP:     hb.ip,
			lastHeartbeat: time.Now(),
			name:          name,
		}
		hm.ipToNode[hb.ip] = hb.from
		isNew = true
	}
	hm.mutex.Unlock()
	if isNew && hm.onSeen != nil {
		hm.onSeen(hb.ip)
	}
}

func (hm *heartbeatManager) registerNode(node nodeID, peer types.PeerID, ip uint32, name string) {
	hm.mutex.Lock()
	hm.nodes[node] = &nodeInfo{
		node:          node,
		peer:          peer,
		virtualIP:     ip,
		lastHeartbeat: time.Now(),
		name:          name,
		isLocal:       node == hm.localID,
	}
	hm.ipToNode[ip] = node
	hm.mutex.Unlock()
}

func (hm *heartbeatManager) unregisterNode(node nodeID) {
	hm.mutex.Lock()
	if info, ok := hm.nodes[node]; ok {
		delete(hm.ipToNode, info.virtualIP)
		delete(hm.nodes, node)
	}
	hm.mutex.Unlock()
}

// detectConflict checks a data packet's source address against the liveness
// table. When the address is recorded under a different node ID, the lower ID
// must surrender; the caller gets the loser's peer so it can send a forced
// release. A winning newcomer takes over the mapping.
func (hm *heartbeatManager) detectConflict(sourceIP uint32, sender nodeID) (types.PeerID, bool) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	recorded, ok := hm.ipToNode[sourceIP]
	if !ok || recorded == sender {
		return 0, false
	}
	if recorded.priorityOver(sender) {
		if info, ok := hm.nodes[sender]; ok {
			return info.peer, true
		}
	} else if info, ok := hm.nodes[recorded]; ok {
		hm.ipToNode[sourceIP] = sender
		return info.peer, true
	}
	return 0, false
}
