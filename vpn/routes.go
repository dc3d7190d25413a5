package vpn

import (
	"sync"

	"go.uber.org/zap"

	"github.com/YujinSharp/meshvpn/internal/telemetry"
	"github.com/YujinSharp/meshvpn/types"
)

type routeEntry struct {
	virtualIP uint32
	peer      types.PeerID
	node      nodeID
	name      string
	isLocal   bool
}

// RouteInfo is the control-surface view of one routing table entry.
type RouteInfo struct {
	VirtualIP   string `json:"virtual_ip"`
	DisplayName string `json:"display_name"`
	IsLocal     bool   `json:"is_local"`
}

// routeTable maps virtual IPs to session peers. All mutations take the one
// lock; route-update frames are serialized under it and sent after release.
type routeTable struct {
	logger *zap.Logger
	mutex  sync.RWMutex
	routes map[uint32]routeEntry

	sendFrame      func(to types.PeerID, pType wireFrameType, obj wireEncodeable, reliable bool)
	broadcastFrame func(pType wireFrameType, obj wireEncodeable, reliable bool)
	onAdded        func(ip uint32)
}

func newRouteTable(logger *zap.Logger) *routeTable {
	return &routeTable{
		logger: logger,
		routes: make(map[uint32]routeEntry),
	}
}

// upsert installs a route, evicting any other address held by the same peer
// first; a peer holds at most one virtual IP at a time. It reports whether
// the address was previously unknown.
func (rt *routeTable) upsert(entry routeEntry) bool {
	rt.mutex.Lock()
	for ip, existing := range rt.routes {
		if existing.peer == entry.peer && ip != entry.virtualIP {
			delete(rt.routes, ip)
		}
	}
	_, existed := rt.routes[entry.virtualIP]
	rt.routes[entry.virtualIP] = entry
	size := len(rt.routes)
	rt.mutex.Unlock()

	telemetry.ActiveRoutes.Set(float64(size))
	if rt.onAdded != nil {
		rt.onAdded(entry.virtualIP)
	}
	rt.logger.Info("route updated",
		zap.String("ip", ipToString(entry.virtualIP)),
		zap.String("name", entry.name),
		zap.Bool("local", entry.isLocal))
	return !existed
}

func (rt *routeTable) remove(ip uint32) {
	rt.mutex.Lock()
	delete(rt.routes, ip)
	size := len(rt.routes)
	rt.mutex.Unlock()
	telemetry.ActiveRoutes.Set(float64(size))
}

// removeForPeer drops every route held by a departed peer. onRemoved fires
// after the lock is released, once per dropped route.
func (rt *routeTable) removeForPeer(peer types.PeerID, onRemoved func(ip uint32, node nodeID)) {
	var removed []routeEntry
	rt.mutex.Lock()
	for ip, entry := range rt.routes {
		if entry.peer == peer {
			removed = append(removed, entry)
			delete(rt.routes, ip)
		}
	}
	size := len(rt.routes)
	rt.mutex.Unlock()

	telemetry.ActiveRoutes.Set(float64(size))
	if onRemoved != nil {
		for _, entry := range removed {
			onRemoved(entry.virtualIP, entry.node)
		}
	}
}

func (rt *routeTable) lookup(ip uint32) (routeEntry, bool) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	entry, ok := rt.routes[ip]
	return entry, ok
}

func (rt *routeTable) snapshot() []routeEntry {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	entries := make([]routeEntry, 0, len(rt.routes))
	for _, entry := range rt.routes {
		entries = append(entries, entry)
	}
	return entries
}

func (rt *routeTable) clear() {
	rt.mutex.Lock()
	rt.routes = make(map[uint32]routeEntry)
	rt.mutex.Unlock()
	telemetry.ActiveRoutes.Set(0)
}

func (rt *routeTable) encodeUpdate() *routeUpdate {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	update := &routeUpdate{routes: make([]routePair, 0, len(rt.routes))}
	for ip, entry := range rt.routes {
		update.routes = append(update.routes, routePair{peer: entry.peer, ip: ip})
	}
	return update
}

// broadcastAll serializes the table as a ROUTE_UPDATE and sends it to every
// session member.
func (rt *routeTable) broadcastAll() {
	update := rt.encodeUpdate()
	if rt.broadcastFrame != nil {
		rt.broadcastFrame(wireRouteUpdate, update, true)
	}
}

// sendAllTo serializes the table for one peer, typically a fresh joiner.
func (rt *routeTable) sendAllTo(peer types.PeerID) {
	update := rt.encodeUpdate()
	if rt.sendFrame != nil {
		rt.sendFrame(peer, wireRouteUpdate, update, true)
	}
}

// applyUpdate merges a received ROUTE_UPDATE. Entries outside the subnet, our
// own entries, and addresses already present are skipped; receipt never
// triggers a re-broadcast, which is what keeps route storms from forming.
func (rt *routeTable) applyUpdate(update *routeUpdate, baseIP, subnetMask uint32, localPeer types.PeerID, salt string, nameOf func(types.PeerID) string) {
	for _, r := range update.routes {
		if r.peer == localPeer {
			continue
		}
		if r.ip&subnetMask != baseIP&subnetMask {
			continue
		}
		if _, ok := rt.lookup(r.ip); ok {
			continue
		}
		rt.upsert(routeEntry{
			virtualIP: r.ip,
			peer:      r.peer,
			node:      newNodeID(r.peer, salt),
			name:      nameOf(r.peer),
			isLocal:   false,
		})
	}
}
