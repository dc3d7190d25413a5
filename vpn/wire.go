package vpn

import (
	"encoding/binary"
	"errors"

	"github.com/YujinSharp/meshvpn/types"
)

type wireFrameType byte

const (
	wireDummy           wireFrameType = iota // unused
	wireIPPacket                             // 1
	_                                        // 2, reserved
	wireRouteUpdate                          // 3
)

const (
	wireProbeRequest    wireFrameType = 10 + iota // 10
	wireProbeResponse                             // 11
	wireAddressAnnounce                           // 12
	wireForcedRelease                             // 13
	wireHeartbeat                                 // 14
	wireHeartbeatAck                              // 15, reserved, never sent
)

// Every frame shares a 3-byte header: type, then the payload length as a
// big-endian uint16. The length counts the payload only.
const wireHeaderSize = 3

var (
	errWireTruncated = errors.New("truncated frame")
	errWireOversize  = errors.New("payload exceeds frame size limit")
)

func wireChopSlice(out []byte, data *[]byte) bool {
	if len(*data) < len(out) {
		return false
	}
	copy(out, *data)
	*data = (*data)[len(out):]
	return true
}

func wireChopUint32(out *uint32, data *[]byte) bool {
	if len(*data) < 4 {
		return false
	}
	*out = binary.BigEndian.Uint32(*data)
	*data = (*data)[4:]
	return true
}

func wireChopUint64(out *uint64, data *[]byte) bool {
	if len(*data) < 8 {
		return false
	}
	*out = binary.BigEndian.Uint64(*data)
	*data = (*data)[8:]
	return true
}

func wireChopInt64(out *int64, data *[]byte) bool {
	var u uint64
	if !wireChopUint64(&u, data) {
		return false
	}
	*out = int64(u)
	return true
}

func wireAppendUint32(dest []byte, u uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	return append(dest, b[:]...)
}

func wireAppendUint64(dest []byte, u uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	return append(dest, b[:]...)
}

type wireEncodeable interface {
	size() int
	encode(out []byte) []byte
}

// wireEncodeFrame appends a complete frame (header plus payload) to out.
func wireEncodeFrame(out []byte, pType wireFrameType, obj wireEncodeable) ([]byte, error) {
	size := obj.size()
	if size > int(^uint16(0)) {
		return nil, errWireOversize
	}
	out = append(out, byte(pType), byte(size>>8), byte(size))
	return obj.encode(out), nil
}

// wireSplitFrame validates the header of bs and returns the frame type and
// payload. Frames whose declared length exceeds the buffer are rejected.
func wireSplitFrame(bs []byte) (wireFrameType, []byte, error) {
	if len(bs) < wireHeaderSize {
		return wireDummy, nil, errWireTruncated
	}
	size := int(binary.BigEndian.Uint16(bs[1:3]))
	if len(bs) < wireHeaderSize+size {
		return wireDummy, nil, errWireTruncated
	}
	return wireFrameType(bs[0]), bs[wireHeaderSize : wireHeaderSize+size], nil
}

/*****************
 * probe request *
 *****************/

type probeRequest struct {
	candidate uint32 // host-order virtual IP under probe
	from      nodeID
}

func (req *probeRequest) size() int {
	return 4 + nodeIDSize
}

func (req *probeRequest) encode(out []byte) []byte {
	out = wireAppendUint32(out, req.candidate)
	return append(out, req.from[:]...)
}

func (req *probeRequest) decode(data []byte) error {
	if !wireChopUint32(&req.candidate, &data) {
		return errWireTruncated
	} else if !wireChopSlice(req.from[:], &data) {
		return errWireTruncated
	}
	return nil
}

/******************
 * probe response *
 ******************/

type probeResponse struct {
	conflictIP      uint32
	holder          nodeID
	lastHeartbeatMs int64
}

func (res *probeResponse) size() int {
	return 4 + nodeIDSize + 8
}

func (res *probeResponse) encode(out []byte) []byte {
	out = wireAppendUint32(out, res.conflictIP)
	out = append(out, res.holder[:]...)
	return wireAppendUint64(out, uint64(res.lastHeartbeatMs))
}

func (res *probeResponse) decode(data []byte) error {
	if !wireChopUint32(&res.conflictIP, &data) {
		return errWireTruncated
	} else if !wireChopSlice(res.holder[:], &data) {
		return errWireTruncated
	} else if !wireChopInt64(&res.lastHeartbeatMs, &data) {
		return errWireTruncated
	}
	return nil
}

/********************
 * address announce *
 ********************/

type addressAnnounce struct {
	ip   uint32
	from nodeID
}

func (ann *addressAnnounce) size() int {
	return 4 + nodeIDSize
}

func (ann *addressAnnounce) encode(out []byte) []byte {
	out = wireAppendUint32(out, ann.ip)
	return append(out, ann.from[:]...)
}

func (ann *addressAnnounce) decode(data []byte) error {
	if !wireChopUint32(&ann.ip, &data) {
		return errWireTruncated
	} else if !wireChopSlice(ann.from[:], &data) {
		return errWireTruncated
	}
	return nil
}

/******************
 * forced release *
 ******************/

type forcedRelease struct {
	ip     uint32
	winner nodeID
}

func (rel *forcedRelease) size() int {
	return 4 + nodeIDSize
}

func (rel *forcedRelease) encode(out []byte) []byte {
	out = wireAppendUint32(out, rel.ip)
	return append(out, rel.winner[:]...)
}

func (rel *forcedRelease) decode(data []byte) error {
	if !wireChopUint32(&rel.ip, &data) {
		return errWireTruncated
	} else if !wireChopSlice(rel.winner[:], &data) {
		return errWireTruncated
	}
	return nil
}

/*************
 * heartbeat *
 *************/

type heartbeat struct {
	ip          uint32
	from        nodeID
	timestampMs int64
}

func (hb *heartbeat) size() int {
	return 4 + nodeIDSize + 8
}

func (hb *heartbeat) encode(out []byte) []byte {
	out = wireAppendUint32(out, hb.ip)
	out = append(out, hb.from[:]...)
	return wireAppendUint64(out, uint64(hb.timestampMs))
}

func (hb *heartbeat) decode(data []byte) error {
	if !wireChopUint32(&hb.ip, &data) {
		return errWireTruncated
	} else if !wireChopSlice(hb.from[:], &data) {
		return errWireTruncated
	} else if !wireChopInt64(&hb.timestampMs, &data) {
		return errWireTruncated
	}
	return nil
}

/****************
 * route update *
 ****************/

type routePair struct {
	peer types.PeerID
	ip   uint32
}

type routeUpdate struct {
	routes []routePair
}

func (ru *routeUpdate) size() int {
	return len(ru.routes) * 12
}

func (ru *routeUpdate) encode(out []byte) []byte {
	for _, r := range ru.routes {
		out = wireAppendUint64(out, uint64(r.peer))
		out = wireAppendUint32(out, r.ip)
	}
	return out
}

func (ru *routeUpdate) decode(data []byte) error {
	ru.routes = ru.routes[:0]
	for len(data) > 0 {
		var r routePair
		var peer uint64
		if !wireChopUint64(&peer, &data) {
			return errWireTruncated
		} else if !wireChopUint32(&r.ip, &data) {
			return errWireTruncated
		}
		r.peer = types.PeerID(peer)
		ru.routes = append(ru.routes, r)
	}
	return nil
}

/*************
 * ip packet *
 *************/

// ipPacket wraps a raw IPv4 frame with the sender's node ID so receivers can
// detect two nodes claiming the same source address.
type ipPacket struct {
	sender nodeID
	frame  []byte
}

func (p *ipPacket) size() int {
	return nodeIDSize + len(p.frame)
}

func (p *ipPacket) encode(out []byte) []byte {
	out = append(out, p.sender[:]...)
	return append(out, p.frame...)
}

func (p *ipPacket) decode(data []byte) error {
	if !wireChopSlice(p.sender[:], &data) {
		return errWireTruncated
	}
	if len(data) == 0 {
		return errWireTruncated
	}
	p.frame = data
	return nil
}
