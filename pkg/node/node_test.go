package node

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func key(b byte) [16]byte {
	var k [16]byte
	k[15] = b
	return k
}

func TestEncodeDecodeLeafRoundTrip(t *testing.T) {
	c := NewCodec(4)
	n := &Node{
		IsLeaf: true,
		Keys:   [][16]byte{key(1), key(2)},
		Values: []uint64{100, 200},
	}

	buf, err := c.Encode(n)
	require.NoError(t, err)
	require.Len(t, buf, c.Size())

	got, err := c.Decode(buf)
	require.NoError(t, err)
	require.True(t, got.IsLeaf)
	require.Equal(t, n.Keys, got.Keys)
	require.Equal(t, n.Values, got.Values)
	require.Empty(t, got.Children)
}

func TestEncodeDecodeInternalRoundTrip(t *testing.T) {
	c := NewCodec(4)
	n := &Node{
		IsLeaf:   false,
		Keys:     [][16]byte{key(5)},
		Values:   []uint64{9},
		Children: []uint64{111, 222},
	}

	buf, err := c.Encode(n)
	require.NoError(t, err)

	got, err := c.Decode(buf)
	require.NoError(t, err)
	require.False(t, got.IsLeaf)
	require.Equal(t, n.Children, got.Children)
}

func TestDecodeRejectsTornMark(t *testing.T) {
	c := NewCodec(4)
	n := New(true)
	n.Keys = [][16]byte{key(1)}
	n.Values = []uint64{1}

	buf, err := c.Encode(n)
	require.NoError(t, err)

	buf[0] ^= 0xff // corrupt the start mark only

	_, err = c.Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsOversizedNumKeys(t *testing.T) {
	c := NewCodec(4)
	n := New(true)
	buf, err := c.Encode(n)
	require.NoError(t, err)

	WriteCorruptNumKeys(buf, 99)

	_, err = c.Decode(buf)
	require.Error(t, err)
}

func TestEncodeRejectsTooManyKeys(t *testing.T) {
	c := NewCodec(2)
	n := &Node{Keys: make([][16]byte, 3), Values: make([]uint64, 3)}
	_, err := c.Encode(n)
	require.Error(t, err)
}

func TestSlotOffsetsDistinct(t *testing.T) {
	c := NewCodec(4)
	require.NotEqual(t, c.ValueSlotOffset(0), c.ChildSlotOffset(0))
	require.Less(t, c.ValueSlotOffset(3), c.ChildSlotOffset(0))
}

// WriteCorruptNumKeys pokes an out-of-range numKeys value directly into a
// previously encoded buffer, for exercising Decode's corruption checks
// without needing an exported low-level offset constant.
func WriteCorruptNumKeys(buf []byte, n uint32) {
	buf[numKeysOff+3] = byte(n)
	buf[numKeysOff] = 0
	buf[numKeysOff+1] = 0
	buf[numKeysOff+2] = 0
}
