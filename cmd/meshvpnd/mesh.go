package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/YujinSharp/meshvpn/types"
)

// meshMaxPayload is the ceiling the transport reports for non-fragmenting
// sends; the bridge derives the TUN MTU from it.
const meshMaxPayload = 1200

const (
	meshBeaconInterval = 3 * time.Second
	meshDialTimeout    = time.Second
	meshInboxDepth     = 1024
)

// mesh is a LAN session transport: IPv6 multicast beacons announce each
// daemon's random 64-bit peer ID, TCP links carry length-prefixed frames.
// It exists so the daemon can run without the gaming platform; the bridge
// only ever sees the types.Transport contract.
type mesh struct {
	logger     *zap.Logger
	localID    types.PeerID
	localName  string
	listenPort int
	groupAddr  *net.UDPAddr

	mutex sync.RWMutex
	links map[types.PeerID]*meshLink

	inbox    chan types.Message
	onJoined func(types.PeerID)
	onLeft   func(types.PeerID)

	closeOnce sync.Once
	closed    chan struct{}
	listener  net.Listener
	mc        *ipv6.PacketConn
}

type meshLink struct {
	peer types.PeerID
	name string
	conn net.Conn

	writeMutex sync.Mutex
	writeBuf   []byte
}

func newMesh(logger *zap.Logger, name string, listenPort int) (*mesh, error) {
	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, err
	}
	groupAddr, err := net.ResolveUDPAddr("udp6", fmt.Sprintf("[ff02::114]:%d", listenPort))
	if err != nil {
		return nil, err
	}
	m := &mesh{
		logger:     logger,
		localID:    types.PeerID(binary.BigEndian.Uint64(idBytes[:])),
		localName:  name,
		listenPort: listenPort,
		groupAddr:  groupAddr,
		links:      make(map[types.PeerID]*meshLink),
		inbox:      make(chan types.Message, meshInboxDepth),
		closed:     make(chan struct{}),
	}
	return m, nil
}

func (m *mesh) start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.listenPort))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	m.listener = listener
	m.mc = newMulticastConn(m.listenPort)
	go m.acceptLoop()
	go m.beaconLoop()
	go m.discoveryLoop()
	m.logger.Info("mesh transport up",
		zap.Uint64("peer", uint64(m.localID)),
		zap.Int("port", m.listenPort))
	return nil
}

func (m *mesh) close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.listener != nil {
			m.listener.Close()
		}
		if m.mc != nil {
			m.mc.Close()
		}
		m.mutex.Lock()
		for _, link := range m.links {
			link.conn.Close()
		}
		m.mutex.Unlock()
	})
}

func newMulticastConn(port int) *ipv6.PacketConn {
	reuse := func(network, address string, c syscall.RawConn) (err error) {
		_ = c.Control(func(fd uintptr) {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		return
	}
	lc := net.ListenConfig{Control: reuse}
	conn, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf(":%d", port))
	if err != nil {
		panic(err)
	}
	return ipv6.NewPacketConn(conn)
}

// beaconLoop announces our peer ID to the multicast group on every
// link-local-capable interface.
func (m *mesh) beaconLoop() {
	var beacon [8]byte
	binary.BigEndian.PutUint64(beacon[:], uint64(m.localID))
	for {
		intfs, err := net.Interfaces()
		if err == nil {
			for i := range intfs {
				intf := intfs[i]
				if intf.Flags&net.FlagMulticast == 0 {
					continue
				}
				_ = m.mc.JoinGroup(&intf, m.groupAddr)
				dest := *m.groupAddr
				dest.Zone = intf.Name
				_, _ = m.mc.WriteTo(beacon[:], nil, &dest)
			}
		}
		select {
		case <-m.closed:
			return
		case <-time.After(meshBeaconInterval):
		}
	}
}

// discoveryLoop dials peers it hears beacons from, unless a link exists.
func (m *mesh) discoveryLoop() {
	buf := make([]byte, 64)
	for {
		n, _, from, err := m.mc.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
				continue
			}
		}
		if n != 8 {
			continue
		}
		peer := types.PeerID(binary.BigEndian.Uint64(buf[:8]))
		if peer == m.localID {
			continue
		}
		m.mutex.RLock()
		_, known := m.links[peer]
		m.mutex.RUnlock()
		if known {
			continue
		}
		udpFrom := from.(*net.UDPAddr)
		tcpAddr := &net.TCPAddr{IP: udpFrom.IP, Port: m.listenPort, Zone: udpFrom.Zone}
		go func() {
			conn, err := net.DialTimeout("tcp", tcpAddr.String(), meshDialTimeout)
			if err != nil {
				return
			}
			m.handleConn(conn)
		}()
	}
}

func (m *mesh) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
				continue
			}
		}
		go m.handleConn(conn)
	}
}

// handleConn runs the handshake (8-byte peer ID, then a length-prefixed
// display name), registers the link, and pumps inbound frames until the
// connection dies.
func (m *mesh) handleConn(conn net.Conn) {
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetNoDelay(true)
	}

	var hello [9]byte
	binary.BigEndian.PutUint64(hello[:8], uint64(m.localID))
	hello[8] = byte(len(m.localName))
	if _, err := conn.Write(hello[:]); err != nil {
		return
	}
	if _, err := conn.Write([]byte(m.localName)); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(meshDialTimeout))
	var theirs [9]byte
	if _, err := io.ReadFull(conn, theirs[:]); err != nil {
		return
	}
	nameBuf := make([]byte, theirs[8])
	if _, err := io.ReadFull(conn, nameBuf); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	peer := types.PeerID(binary.BigEndian.Uint64(theirs[:8]))
	if peer == m.localID {
		return
	}
	link := &meshLink{peer: peer, name: string(nameBuf), conn: conn}

	m.mutex.Lock()
	if _, dup := m.links[peer]; dup {
		m.mutex.Unlock()
		return
	}
	m.links[peer] = link
	m.mutex.Unlock()

	m.logger.Info("peer link established",
		zap.Uint64("peer", uint64(peer)),
		zap.String("name", link.name))
	if m.onJoined != nil {
		m.onJoined(peer)
	}

	m.readLoop(link)

	m.mutex.Lock()
	if current, ok := m.links[peer]; ok && current == link {
		delete(m.links, peer)
	}
	m.mutex.Unlock()
	m.logger.Info("peer link lost", zap.Uint64("peer", uint64(peer)))
	if m.onLeft != nil {
		m.onLeft(peer)
	}
}

func (m *mesh) readLoop(link *meshLink) {
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(link.conn, lenBuf[:]); err != nil {
			return
		}
		size := int(binary.BigEndian.Uint16(lenBuf[:]))
		payload := make([]byte, size)
		if _, err := io.ReadFull(link.conn, payload); err != nil {
			return
		}
		select {
		case m.inbox <- types.Message{From: link.peer, Payload: payload}:
		default:
			// Inbox overrun; the data plane is best-effort.
		}
	}
}

func (l *meshLink) writeFrame(bs []byte) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	l.writeBuf = l.writeBuf[:0]
	l.writeBuf = append(l.writeBuf, byte(len(bs)>>8), byte(len(bs)))
	l.writeBuf = append(l.writeBuf, bs...)
	_, err := l.conn.Write(l.writeBuf)
	return err
}

/***********************
 * types.Transport API *
 ***********************/

func (m *mesh) Send(peer types.PeerID, bs []byte, reliable bool) error {
	if len(bs) > int(^uint16(0)) {
		return fmt.Errorf("frame too large: %d bytes", len(bs))
	}
	m.mutex.RLock()
	link, ok := m.links[peer]
	m.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("no link to peer %d", peer)
	}
	return link.writeFrame(bs)
}

func (m *mesh) Broadcast(bs []byte, reliable bool) error {
	m.mutex.RLock()
	links := make([]*meshLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mutex.RUnlock()
	for _, link := range links {
		_ = link.writeFrame(bs)
	}
	return nil
}

func (m *mesh) RecvBatch(buf []types.Message) int {
	n := 0
	for n < len(buf) {
		select {
		case msg := <-m.inbox:
			buf[n] = msg
			n++
		default:
			return n
		}
	}
	return n
}

func (m *mesh) MaxUnfragmentedPayload() int {
	return meshMaxPayload
}

func (m *mesh) Members() []types.PeerID {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	members := make([]types.PeerID, 0, len(m.links))
	for peer := range m.links {
		members = append(members, peer)
	}
	return members
}

func (m *mesh) DisplayName(peer types.PeerID) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if link, ok := m.links[peer]; ok {
		return link.name
	}
	return fmt.Sprintf("peer-%d", peer)
}

func (m *mesh) LocalPeer() types.PeerID {
	return m.localID
}

func (m *mesh) LocalName() string {
	return m.localName
}
