package vpn

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/YujinSharp/meshvpn/types"
)

const nodeIDSize = sha256.Size

type nodeID [nodeIDSize]byte

// newNodeID derives the stable overlay identity for a peer: the SHA-256 of
// the 8-byte little-endian peer identity followed by the shared salt.
func newNodeID(peer types.PeerID, salt string) nodeID {
	buf := make([]byte, 8, 8+len(salt))
	binary.LittleEndian.PutUint64(buf, uint64(peer))
	buf = append(buf, salt...)
	return nodeID(sha256.Sum256(buf))
}

func (id nodeID) equal(other nodeID) bool {
	return id == other
}

// compare orders node IDs lexicographically, most significant byte first.
func (id nodeID) compare(other nodeID) int {
	return bytes.Compare(id[:], other[:])
}

// priorityOver reports whether id wins arbitration against other.
// Every tie in the allocation protocol breaks the same way: higher ID wins.
func (id nodeID) priorityOver(other nodeID) bool {
	return id.compare(other) > 0
}

func (id nodeID) isZero() bool {
	return id == nodeID{}
}

// String prints the leading 8 bytes, enough to identify a node in logs.
func (id nodeID) String() string {
	return hex.EncodeToString(id[:8]) + "..."
}
