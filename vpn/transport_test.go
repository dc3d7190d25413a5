package vpn

import (
	"fmt"
	"sync"

	"github.com/YujinSharp/meshvpn/types"
)

// memHub is an in-process full mesh standing in for the overlay transport.
// Every node sees every other node as a session member; sends copy the
// payload, matching what a real transport does.
type memHub struct {
	mutex sync.Mutex
	next  uint64
	nodes map[types.PeerID]*memTransport
}

func newMemHub() *memHub {
	return &memHub{
		next:  1000,
		nodes: make(map[types.PeerID]*memTransport),
	}
}

func (h *memHub) join(name string) *memTransport {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.next++
	tr := &memTransport{
		hub:  h,
		id:   types.PeerID(h.next),
		name: name,
	}
	h.nodes[tr.id] = tr
	return tr
}

func (h *memHub) leave(peer types.PeerID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.nodes, peer)
}

func (h *memHub) lookup(peer types.PeerID) *memTransport {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.nodes[peer]
}

func (h *memHub) others(self types.PeerID) []*memTransport {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	var others []*memTransport
	for id, node := range h.nodes {
		if id != self {
			others = append(others, node)
		}
	}
	return others
}

type memTransport struct {
	hub  *memHub
	id   types.PeerID
	name string

	mutex sync.Mutex
	queue []types.Message
}

var _ types.Transport = (*memTransport)(nil)

func (m *memTransport) enqueue(from types.PeerID, bs []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queue = append(m.queue, types.Message{From: from, Payload: append([]byte(nil), bs...)})
}

func (m *memTransport) Send(peer types.PeerID, bs []byte, reliable bool) error {
	target := m.hub.lookup(peer)
	if target == nil {
		return fmt.Errorf("no such peer %d", peer)
	}
	target.enqueue(m.id, bs)
	return nil
}

func (m *memTransport) Broadcast(bs []byte, reliable bool) error {
	for _, node := range m.hub.others(m.id) {
		node.enqueue(m.id, bs)
	}
	return nil
}

func (m *memTransport) RecvBatch(buf []types.Message) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := copy(buf, m.queue)
	m.queue = m.queue[n:]
	return n
}

func (m *memTransport) MaxUnfragmentedPayload() int {
	return 1200
}

func (m *memTransport) Members() []types.PeerID {
	others := m.hub.others(m.id)
	members := make([]types.PeerID, 0, len(others))
	for _, node := range others {
		members = append(members, node.id)
	}
	return members
}

func (m *memTransport) DisplayName(peer types.PeerID) string {
	if node := m.hub.lookup(peer); node != nil {
		return node.name
	}
	return fmt.Sprintf("peer-%d", peer)
}

func (m *memTransport) LocalPeer() types.PeerID {
	return m.id
}

func (m *memTransport) LocalName() string {
	return m.name
}

// makeIPv4 builds a minimal IPv4 frame with the given addresses and payload.
func makeIPv4(src, dst uint32, payload []byte) []byte {
	frame := make([]byte, 20+len(payload))
	frame[0] = 0x45
	total := len(frame)
	frame[2] = byte(total >> 8)
	frame[3] = byte(total)
	frame[8] = 64 // ttl
	frame[9] = 17 // udp
	frame[12] = byte(src >> 24)
	frame[13] = byte(src >> 16)
	frame[14] = byte(src >> 8)
	frame[15] = byte(src)
	frame[16] = byte(dst >> 24)
	frame[17] = byte(dst >> 16)
	frame[18] = byte(dst >> 8)
	frame[19] = byte(dst)
	copy(frame[20:], payload)
	return frame
}
