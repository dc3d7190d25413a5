// Package vpn implements the distributed address-allocation and forwarding
// plane of the overlay VPN: leaderless IPv4 negotiation with deterministic
// conflict resolution, a virtual routing table, heartbeat leases, and the
// packet pipeline between a virtual NIC and the session transport.
package vpn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/YujinSharp/meshvpn/types"
)

var (
	ErrAlreadyRunning = errors.New("vpn bridge is already running")
	ErrNotRunning     = errors.New("vpn bridge is not running")
	ErrInvalidSubnet  = errors.New("invalid virtual subnet or mask")
)

// OpenDeviceFunc constructs the virtual NIC at bridge start. The tun package
// provides the platform implementations; tests inject an in-memory device.
type OpenDeviceFunc func(nameHint string, mtu int) (types.Device, error)

// Bridge is the composition root: it owns the negotiator, route table,
// heartbeat manager, dispatcher, and the packet pumps, and exposes the
// control surface a frontend sees.
type Bridge struct {
	logger     *zap.Logger
	cfg        config
	transport  types.Transport
	openDevice OpenDeviceFunc

	ctl        sync.Mutex // serializes Start/Stop and guards the fields below
	device     types.Device
	neg        *negotiator
	routes     *routeTable
	hb         *heartbeatManager
	disp       *dispatcher
	baseIP     uint32
	subnetMask uint32
	pumpDone   chan struct{}
	lastErr    error

	running atomic.Bool
	localIP atomic.Uint32
	stats   stats
}

// New builds a stopped bridge. opts override the protocol defaults.
func New(transport types.Transport, openDevice OpenDeviceFunc, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		logger:     logger,
		transport:  transport,
		openDevice: openDevice,
	}
	configDefaults()(&b.cfg)
	for _, opt := range opts {
		opt(&b.cfg)
	}
	return b
}

// Start opens the virtual NIC, starts the pumps, and kicks off address
// negotiation for the given subnet. The local address becomes available once
// negotiation reaches the stable state.
func (b *Bridge) Start(virtualSubnet, subnetMask string) error {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	if b.running.Load() {
		return ErrAlreadyRunning
	}
	baseIP := stringToIP(virtualSubnet)
	mask := stringToIP(subnetMask)
	if baseIP == 0 || mask == 0 {
		return fmt.Errorf("%w: %q/%q", ErrInvalidSubnet, virtualSubnet, subnetMask)
	}

	mtu := calcTunMTU(b.transport.MaxUnfragmentedPayload(), b.cfg.defaultMTU)
	device, err := b.openDevice(b.cfg.deviceName, mtu)
	if err != nil {
		return fmt.Errorf("open virtual device: %w", err)
	}
	if err := device.SetMTU(mtu); err != nil {
		device.Close()
		return fmt.Errorf("set device mtu: %w", err)
	}
	b.logger.Info("virtual device ready",
		zap.String("device", device.Name()),
		zap.Int("mtu", mtu))

	b.device = device
	b.baseIP = baseIP
	b.subnetMask = mask
	b.lastErr = nil

	neg := newNegotiator(b.logger.Named("negotiate"), &b.cfg, b.transport.LocalPeer(), baseIP, mask)
	neg.sendFrame = b.sendFrame
	neg.broadcastFrame = b.broadcastFrame
	neg.onSuccess = b.onNegotiationSuccess
	neg.onFailure = b.onNegotiationFailure

	routes := newRouteTable(b.logger.Named("routes"))
	routes.sendFrame = b.sendFrame
	routes.broadcastFrame = b.broadcastFrame
	routes.onAdded = func(ip uint32) {
		neg.markIPUsed(nil, ip)
	}

	hb := newHeartbeatManager(b.logger.Named("heartbeat"), &b.cfg)
	hb.broadcastFrame = b.broadcastFrame
	hb.onExpired = func(node nodeID, ip uint32) {
		routes.remove(ip)
		neg.markIPUnused(nil, ip)
	}
	hb.onSeen = func(ip uint32) {
		neg.markIPUsed(nil, ip)
	}

	b.neg = neg
	b.routes = routes
	b.hb = hb
	b.disp = newDispatcher(b.logger.Named("dispatch"), b.transport, b.handleFrame)
	b.pumpDone = make(chan struct{})

	b.running.Store(true)
	b.disp.start()
	go b.outboundPump(device)
	neg.startNegotiation()
	b.logger.Info("vpn bridge started")
	return nil
}

// Stop tears the bridge down: the device close unblocks the outbound pump,
// both pumps are joined, the route table is cleared, and the negotiator's
// state and used-address set are reset. Bounded
// by the pumps' poll intervals, this completes well within a second.
func (b *Bridge) Stop() {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.hb.stopRunning()
	b.device.Close()
	<-b.pumpDone
	b.disp.stopRunning()
	b.neg.reset()
	b.routes.clear()
	b.localIP.Store(0)
	b.logger.Info("vpn bridge stopped")
}

// Enabled reports whether the data plane is up.
func (b *Bridge) Enabled() bool {
	return b.running.Load()
}

// Err returns the error that most recently took the bridge down, if any.
func (b *Bridge) Err() error {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	return b.lastErr
}

// LocalIP returns the negotiated virtual address, or "" before negotiation
// settles.
func (b *Bridge) LocalIP() string {
	ip := b.localIP.Load()
	if ip == 0 {
		return ""
	}
	return ipToString(ip)
}

// DeviceName returns the name of the open virtual NIC.
func (b *Bridge) DeviceName() string {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	if b.device == nil || !b.running.Load() {
		return ""
	}
	return b.device.Name()
}

// Statistics returns a snapshot of the data-plane counters.
func (b *Bridge) Statistics() Statistics {
	return b.stats.snapshot()
}

// RoutingTable returns the control-surface view of the current routes.
func (b *Bridge) RoutingTable() []RouteInfo {
	b.ctl.Lock()
	routes := b.routes
	b.ctl.Unlock()
	if routes == nil {
		return nil
	}
	entries := routes.snapshot()
	infos := make([]RouteInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, RouteInfo{
			VirtualIP:   ipToString(entry.virtualIP),
			DisplayName: entry.name,
			IsLocal:     entry.isLocal,
		})
	}
	return infos
}

// PeerJoined introduces our address and routes to a member that just joined
// the session. Called by the session layer.
func (b *Bridge) PeerJoined(peer types.PeerID) {
	if !b.running.Load() {
		return
	}
	b.logger.Info("peer joined", zap.Uint64("peer", uint64(peer)))
	if state, _ := b.neg.current(); state == negStable {
		b.neg.sendAddressAnnounceTo(nil, peer)
		b.routes.sendAllTo(peer)
	}
}

// PeerLeft drops a departed member's routes, unregisters its lease, and
// returns its address to the free pool. Called by the session layer.
func (b *Bridge) PeerLeft(peer types.PeerID) {
	if !b.running.Load() {
		return
	}
	b.logger.Info("peer left", zap.Uint64("peer", uint64(peer)))
	b.routes.removeForPeer(peer, func(ip uint32, node nodeID) {
		b.hb.unregisterNode(node)
		b.neg.markIPUnused(nil, ip)
	})
}

// onNegotiationSuccess runs on the negotiator's actor once an address is won:
// configure the NIC, install the local route, start the lease beacon, and
// share the table.
func (b *Bridge) onNegotiationSuccess(ip uint32, node nodeID) {
	b.localIP.Store(ip)
	if err := b.device.SetIPv4(ipToString(ip), ipToString(b.subnetMask)); err != nil {
		b.fail(fmt.Errorf("configure device address: %w", err))
		return
	}
	if err := b.device.Up(); err != nil {
		b.fail(fmt.Errorf("bring device up: %w", err))
		return
	}
	localPeer := b.transport.LocalPeer()
	localName := b.transport.LocalName()
	b.routes.upsert(routeEntry{
		virtualIP: ip,
		peer:      localPeer,
		node:      node,
		name:      localName,
		isLocal:   true,
	})
	b.hb.setLocal(node, ip)
	b.hb.registerNode(node, localPeer, ip, localName)
	b.hb.start()
	b.routes.broadcastAll()
}

func (b *Bridge) onNegotiationFailure(err error) {
	b.fail(err)
}

// fail records a fatal error and stops the bridge without blocking the caller
// (callbacks run on subsystem goroutines that Stop would join).
func (b *Bridge) fail(err error) {
	b.logger.Error("vpn bridge failing", zap.Error(err))
	go func() {
		b.ctl.Lock()
		b.lastErr = err
		b.ctl.Unlock()
		b.Stop()
	}()
}

// sendFrame encodes and unicasts one overlay frame. Send failures are
// counted, never surfaced; the data plane is best-effort.
func (b *Bridge) sendFrame(to types.PeerID, pType wireFrameType, obj wireEncodeable, reliable bool) {
	bs, err := wireEncodeFrame(nil, pType, obj)
	if err != nil {
		b.stats.addDropped(1)
		return
	}
	if err := b.transport.Send(to, bs, reliable); err != nil {
		b.stats.addDropped(1)
	}
}

func (b *Bridge) broadcastFrame(pType wireFrameType, obj wireEncodeable, reliable bool) {
	bs, err := wireEncodeFrame(nil, pType, obj)
	if err != nil {
		b.stats.addDropped(1)
		return
	}
	if err := b.transport.Broadcast(bs, reliable); err != nil {
		b.stats.addDropped(1)
	}
}
