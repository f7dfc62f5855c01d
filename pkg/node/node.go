// Package node implements the B-tree node codec: a fixed-size byte image
// bracketed by start/end integrity marks.
package node

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/redbtree/redbtree/pkg/codec"
	"github.com/redbtree/redbtree/pkg/rerr"
)

// Header field offsets within a serialized node.
const (
	startMarkOff = 0
	numKeysOff   = 4
	isLeafOff    = 8
	paddingOff   = 12
	keysOff      = 16

	keySize = 16
)

// Size returns the fixed on-disk size of a node for the given branching
// factor (the maximum number of keys a node may hold).
func Size(maxKeys int) int {
	valuesOff := keysOff + maxKeys*keySize
	childrenOff := valuesOff + maxKeys*8
	endMarkOff := childrenOff + (maxKeys+1)*8
	return endMarkOff + 4
}

// Node is the in-memory representation of one B-tree node. It owns no
// pointer into any other Node: every Node is built once and either
// serialized or discarded.
type Node struct {
	IsLeaf   bool
	Keys     [][16]byte // len <= MaxKeys, strictly increasing
	Values   []uint64   // len == len(Keys); value extent offsets, for internal nodes' keys as well as leaves'
	Children []uint64   // len == len(Keys)+1 for internal nodes, empty/zero for leaves
}

// New creates an empty node (used for a fresh leaf root).
func New(isLeaf bool) *Node {
	return &Node{IsLeaf: isLeaf}
}

// NumKeys returns the number of keys currently held.
func (n *Node) NumKeys() int { return len(n.Keys) }

// Codec serializes/deserializes Nodes to/from NODE_SIZE-byte images and
// owns the monotonically-incrementing mark tag used to detect torn writes.
type Codec struct {
	maxKeys int
	size    int
	tag     uint32
}

// NewCodec creates a Codec for the given branching factor, seeding the
// mark tag from a clock- and randomness-derived source so that a stale
// buffer written by a previous process never passes the torn-write check
// by coincidence. The entropy comes from a fresh UUID rather than a bare
// PRNG seed so two processes started in the same clock tick still diverge.
func NewCodec(maxKeys int) *Codec {
	return &Codec{maxKeys: maxKeys, size: Size(maxKeys), tag: seedTag()}
}

func seedTag() uint32 {
	u := uuid.New()
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	mixed := binary.BigEndian.Uint32(buf[:])
	mixed ^= binary.BigEndian.Uint32(u[0:4])
	mixed ^= binary.BigEndian.Uint32(u[4:8])
	mixed ^= uint32(time.Now().UnixNano())
	if mixed == 0 {
		mixed = 1
	}
	return mixed
}

// Size returns the fixed on-disk node size for this codec's MaxKeys.
func (c *Codec) Size() int { return c.size }

// MaxKeys returns the configured branching-factor bound.
func (c *Codec) MaxKeys() int { return c.maxKeys }

// ValueSlotOffset returns the byte offset, within a serialized node image,
// of the values[idx] slot. The B-tree engine uses this to overwrite a
// single value pointer in place on a replace — one of the few in-place
// mutations the engine ever performs, alongside the root/child pointer
// slots.
func (c *Codec) ValueSlotOffset(idx int) int {
	return keysOff + c.maxKeys*keySize + idx*8
}

// ChildSlotOffset returns the byte offset, within a serialized node image,
// of the children[idx] slot.
func (c *Codec) ChildSlotOffset(idx int) int {
	valuesOff := keysOff + c.maxKeys*keySize
	return valuesOff + c.maxKeys*8 + idx*8
}

// nextTag returns a fresh, monotonically incremented mark tag for a
// newly-serialized node.
func (c *Codec) nextTag() uint32 {
	return atomic.AddUint32(&c.tag, 1)
}

// Encode serializes n into a freshly allocated fixed-size buffer with a
// new mark tag. Nodes are build-once, write-once: there is no in-place
// re-encode path.
func (c *Codec) Encode(n *Node) ([]byte, error) {
	if len(n.Keys) > c.maxKeys {
		return nil, rerr.New(rerr.ErrInvalidArgument, "node: %d keys exceeds MaxKeys %d", len(n.Keys), c.maxKeys)
	}

	buf := make([]byte, c.size)
	tag := c.nextTag()

	codec.WriteUint32At(buf, startMarkOff, tag)
	codec.WriteUint32At(buf, numKeysOff, uint32(len(n.Keys)))
	leaf := uint32(0)
	if n.IsLeaf {
		leaf = 1
	}
	codec.WriteUint32At(buf, isLeafOff, leaf)

	for i, k := range n.Keys {
		copy(buf[keysOff+i*keySize:keysOff+(i+1)*keySize], k[:])
	}

	valuesOff := keysOff + c.maxKeys*keySize
	for i := 0; i < len(n.Values) && i < c.maxKeys; i++ {
		codec.WriteUint64At(buf, valuesOff+i*8, n.Values[i])
	}

	childrenOff := valuesOff + c.maxKeys*8
	for i := 0; i < len(n.Children) && i < c.maxKeys+1; i++ {
		codec.WriteUint64At(buf, childrenOff+i*8, n.Children[i])
	}

	endMarkOff := childrenOff + (c.maxKeys+1)*8
	codec.WriteUint32At(buf, endMarkOff, tag)

	return buf, nil
}

// Decode parses a fixed-size node buffer, returning ErrCorrupt if the
// start and end marks don't match — the signature of a torn write left
// behind by a crash mid-flush.
func (c *Codec) Decode(buf []byte) (*Node, error) {
	if len(buf) != c.size {
		return nil, rerr.New(rerr.ErrInvalidArgument, "node: buffer is %d bytes, want %d", len(buf), c.size)
	}

	start := codec.ReadUint32At(buf, startMarkOff)
	childrenOff := keysOff + c.maxKeys*keySize + c.maxKeys*8
	endMarkOff := childrenOff + (c.maxKeys+1)*8
	end := codec.ReadUint32At(buf, endMarkOff)

	if start != end {
		return nil, rerr.New(rerr.ErrCorrupt, "node: start mark %d != end mark %d", start, end)
	}

	numKeys := int(codec.ReadUint32At(buf, numKeysOff))
	if numKeys > c.maxKeys {
		return nil, rerr.New(rerr.ErrCorrupt, "node: numkeys %d exceeds MaxKeys %d", numKeys, c.maxKeys)
	}
	isLeaf := codec.ReadUint32At(buf, isLeafOff) != 0

	n := &Node{IsLeaf: isLeaf}
	n.Keys = make([][16]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		copy(n.Keys[i][:], buf[keysOff+i*keySize:keysOff+(i+1)*keySize])
	}

	valuesOff := keysOff + c.maxKeys*keySize
	n.Values = make([]uint64, numKeys)
	for i := 0; i < numKeys; i++ {
		n.Values[i] = codec.ReadUint64At(buf, valuesOff+i*8)
	}

	numChildren := 0
	if !isLeaf {
		numChildren = numKeys + 1
	}
	n.Children = make([]uint64, numChildren)
	for i := 0; i < numChildren; i++ {
		n.Children[i] = codec.ReadUint64At(buf, childrenOff+i*8)
	}

	return n, nil
}
