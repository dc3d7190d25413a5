package vpn

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDDerivation(t *testing.T) {
	const salt = "S"
	id := newNodeID(0x0102030405060708, salt)

	input := make([]byte, 8+len(salt))
	binary.LittleEndian.PutUint64(input, 0x0102030405060708)
	copy(input[8:], salt)
	want := sha256.Sum256(input)
	require.Equal(t, nodeID(want), id)

	// Same inputs, same identity; either input changing changes it.
	assert.Equal(t, id, newNodeID(0x0102030405060708, salt))
	assert.NotEqual(t, id, newNodeID(0x0102030405060709, salt))
	assert.NotEqual(t, id, newNodeID(0x0102030405060708, "T"))
}

func TestNodeIDOrdering(t *testing.T) {
	var low, high nodeID
	low[0] = 0x01
	high[0] = 0xFF

	assert.Equal(t, -1, low.compare(high))
	assert.Equal(t, 1, high.compare(low))
	assert.Equal(t, 0, low.compare(low))

	assert.True(t, high.priorityOver(low))
	assert.False(t, low.priorityOver(high))
	assert.False(t, low.priorityOver(low))

	// The order is lexicographic from the most significant byte.
	var a, b nodeID
	a[0], a[31] = 0x02, 0x00
	b[0], b[31] = 0x01, 0xFF
	assert.True(t, a.priorityOver(b))
}

func TestNodeIDZero(t *testing.T) {
	var zero nodeID
	assert.True(t, zero.isZero())
	assert.False(t, newNodeID(1, "x").isZero())
}
