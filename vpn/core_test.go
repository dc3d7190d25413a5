package vpn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/YujinSharp/meshvpn/tun"
	"github.com/YujinSharp/meshvpn/types"
)

const (
	testSubnet = "10.0.0.0"
	testMaskDQ = "255.255.255.0"
	testSalt   = "S"
)

type testNode struct {
	tr     *memTransport
	device *tun.MemDevice
	bridge *Bridge
}

func newTestNode(t *testing.T, hub *memHub, name string) *testNode {
	tr := hub.join(name)
	device := tun.NewMem(name + "0")
	bridge := New(tr,
		func(string, int) (types.Device, error) { return device, nil },
		zaptest.NewLogger(t),
		WithSalt(testSalt),
		WithProbeTimeout(30*time.Millisecond),
	)
	t.Cleanup(bridge.Stop)
	return &testNode{tr: tr, device: device, bridge: bridge}
}

func (n *testNode) start(t *testing.T) {
	t.Helper()
	require.NoError(t, n.bridge.Start(testSubnet, testMaskDQ))
}

func waitForIP(t *testing.T, n *testNode) uint32 {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.bridge.LocalIP() != ""
	}, 3*time.Second, 5*time.Millisecond, "bridge did not settle on an address")
	return stringToIP(n.bridge.LocalIP())
}

func waitForRoutes(t *testing.T, n *testNode, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.bridge.RoutingTable()) >= count
	}, 3*time.Second, 5*time.Millisecond, "routing table did not fill")
}

func recvFrame(t *testing.T, device *tun.MemDevice) []byte {
	t.Helper()
	select {
	case frame := <-device.Outbound():
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the device")
		return nil
	}
}

func TestBridgeSingleton(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	a.start(t)

	ip := waitForIP(t, a)
	assert.Equal(t, uint32(stringToIP(testSubnet)&stringToIP(testMaskDQ)), ip&stringToIP(testMaskDQ))
	host := ip &^ stringToIP(testMaskDQ)
	assert.GreaterOrEqual(t, host, uint32(1))
	assert.LessOrEqual(t, host, uint32(254))

	addr, mask := a.device.Addr()
	assert.Equal(t, a.bridge.LocalIP(), addr)
	assert.Equal(t, testMaskDQ, mask)
	assert.True(t, a.device.IsUp())
	// 1200-byte transport limit minus encapsulation overhead and margin.
	assert.Equal(t, 1150, a.device.MTU())
	assert.Equal(t, "alice0", a.bridge.DeviceName())

	table := a.bridge.RoutingTable()
	require.Len(t, table, 1)
	assert.True(t, table[0].IsLocal)
	assert.Equal(t, a.bridge.LocalIP(), table[0].VirtualIP)
}

func TestBridgeStartStop(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")

	assert.ErrorIs(t, a.bridge.Start("bogus", testMaskDQ), ErrInvalidSubnet)
	a.start(t)
	assert.ErrorIs(t, a.bridge.Start(testSubnet, testMaskDQ), ErrAlreadyRunning)
	waitForIP(t, a)

	begin := time.Now()
	a.bridge.Stop()
	assert.Less(t, time.Since(begin), time.Second, "shutdown must be bounded")
	assert.False(t, a.bridge.Enabled())
	assert.Equal(t, "", a.bridge.LocalIP())
	assert.Empty(t, a.bridge.RoutingTable())

	a.bridge.Stop() // second stop is a no-op
}

func TestBridgeDataDelivery(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)

	ipA := waitForIP(t, a)
	ipB := waitForIP(t, b)
	require.NotEqual(t, ipA, ipB)
	waitForRoutes(t, a, 2)
	waitForRoutes(t, b, 2)

	frame := makeIPv4(ipA, ipB, []byte("echo-request"))
	require.NoError(t, a.device.InjectRead(frame))

	got := recvFrame(t, b.device)
	assert.Equal(t, frame, got)

	require.Eventually(t, func() bool {
		return b.bridge.Statistics().PacketsReceived == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		statsA := a.bridge.Statistics()
		return statsA.PacketsSent == 1 && statsA.BytesSent == uint64(len(frame))
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeBroadcast(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	c := newTestNode(t, hub, "carol")
	a.start(t)
	b.start(t)
	c.start(t)
	ipA := waitForIP(t, a)
	waitForIP(t, b)
	waitForIP(t, c)

	frame := makeIPv4(ipA, stringToIP("10.0.0.255"), []byte("who-is-there"))
	require.NoError(t, a.device.InjectRead(frame))

	assert.Equal(t, frame, recvFrame(t, b.device))
	assert.Equal(t, frame, recvFrame(t, c.device))

	require.Eventually(t, func() bool {
		return a.bridge.Statistics().PacketsSent == 2
	}, time.Second, 5*time.Millisecond, "sent counters scale with the member count")
}

func TestBridgeRelayHop(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	c := newTestNode(t, hub, "carol")
	a.start(t)
	b.start(t)
	c.start(t)
	ipA := waitForIP(t, a)
	waitForIP(t, b)
	ipC := waitForIP(t, c)
	waitForRoutes(t, b, 3)

	// A unicasts to B a packet whose destination is C: B must forward it to
	// C, the known third party, exactly once.
	inner := makeIPv4(ipA, ipC, []byte("indirect"))
	packet := &ipPacket{sender: newNodeID(a.tr.id, testSalt), frame: inner}
	bs, err := wireEncodeFrame(nil, wireIPPacket, packet)
	require.NoError(t, err)
	require.NoError(t, a.tr.Send(b.tr.id, bs, false))

	assert.Equal(t, inner, recvFrame(t, c.device))
}

func TestBridgeNeverForwardsBackToSender(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)
	ipA := waitForIP(t, a)
	waitForIP(t, b)
	waitForRoutes(t, b, 2)

	// A packet from A whose destination routes back to A is dropped at B.
	inner := makeIPv4(ipA, ipA, []byte("boomerang"))
	packet := &ipPacket{sender: newNodeID(a.tr.id, testSalt), frame: inner}
	bs, err := wireEncodeFrame(nil, wireIPPacket, packet)
	require.NoError(t, err)
	dropsBefore := b.bridge.Statistics().PacketsDropped
	require.NoError(t, a.tr.Send(b.tr.id, bs, false))

	require.Eventually(t, func() bool {
		return b.bridge.Statistics().PacketsDropped == dropsBefore+1
	}, time.Second, 5*time.Millisecond)
	select {
	case frame := <-b.device.Outbound():
		t.Fatalf("unexpected delivery to B's device: %x", frame)
	default:
	}
}

func TestBridgeLocalDeliveryNotResent(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)
	ipA := waitForIP(t, a)
	ipB := waitForIP(t, b)
	waitForRoutes(t, a, 2)
	waitForRoutes(t, b, 2)

	frame := makeIPv4(ipA, ipB, []byte("direct"))
	require.NoError(t, a.device.InjectRead(frame))
	assert.Equal(t, frame, recvFrame(t, b.device))

	// B delivered locally; nothing may come back out of B toward the mesh.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, b.bridge.Statistics().PacketsSent)
}

func TestBridgePeerLeft(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)
	waitForIP(t, a)
	ipB := waitForIP(t, b)
	waitForRoutes(t, a, 2)

	a.bridge.PeerLeft(b.tr.id)

	require.Eventually(t, func() bool {
		for _, info := range a.bridge.RoutingTable() {
			if info.VirtualIP == ipToString(ipB) {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "departed peer's route must go away")
}

func TestBridgeLateJoiner(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	a.start(t)
	waitForIP(t, a)

	// B joins the session after A is already stable; the join callback
	// introduces A's address and routes to B directly.
	b := newTestNode(t, hub, "bob")
	b.start(t)
	a.bridge.PeerJoined(b.tr.id)

	waitForIP(t, b)
	waitForRoutes(t, b, 2)
	waitForRoutes(t, a, 2)
}

func TestBridgeIgnoresMalformedFrames(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)
	ipA := waitForIP(t, a)
	ipB := waitForIP(t, b)
	waitForRoutes(t, a, 2)
	waitForRoutes(t, b, 2)

	// Garbage, a truncated header, an inconsistent length, an unknown type.
	require.NoError(t, a.tr.Send(b.tr.id, []byte{0xde, 0xad}, true))
	require.NoError(t, a.tr.Send(b.tr.id, []byte{byte(wireHeartbeat), 0xFF, 0xFF, 0x00}, true))
	require.NoError(t, a.tr.Send(b.tr.id, []byte{0x77, 0x00, 0x01, 0x42}, true))
	require.NoError(t, a.tr.Send(b.tr.id, []byte{byte(wireHeartbeatAck), 0x00, 0x00}, true))

	// The bridge keeps working afterwards.
	frame := makeIPv4(ipA, ipB, []byte("still-alive"))
	require.NoError(t, a.device.InjectRead(frame))
	assert.Equal(t, frame, recvFrame(t, b.device))
}

func TestBridgeDropsWithoutRoute(t *testing.T) {
	hub := newMemHub()
	a := newTestNode(t, hub, "alice")
	a.start(t)
	ipA := waitForIP(t, a)

	// Flip the low host bit so the destination is in-subnet but unrouted.
	frame := makeIPv4(ipA, ipA^1, []byte("nobody-home"))
	require.NoError(t, a.device.InjectRead(frame))

	require.Eventually(t, func() bool {
		return a.bridge.Statistics().PacketsDropped >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.bridge.Statistics().PacketsSent)
}
