package alloc

import "github.com/redbtree/redbtree/pkg/codec"

// block is the in-memory decoding of an on-disk free-list block.
// prevOffset/nextOffset use the uniform block-handle convention: the
// offset at which the block's content (this very structure) begins,
// identical to the payload pointer a caller receives from Allocate for
// dynamically-allocated blocks, or the fixed static offset for a class's
// head block. items instead hold the size-header offsets of freed extents.
type block struct {
	prevOffset uint64
	nextOffset uint64
	numItems   uint64
	items      []uint64 // len <= FreelistBlockItems; items[i] is a header offset
}

// headBlockOffset returns the fixed content-start offset of class k's head
// block inside the static header region.
func headBlockOffset(class int) uint64 {
	return FreelistHeadsOffset + uint64(class)*FreelistBlockSize
}

// encode serializes b into a FreelistBlockContentSize-byte buffer.
func (b *block) encode() []byte {
	buf := make([]byte, FreelistBlockContentSize)
	codec.WriteUint64At(buf, 0, b.prevOffset)
	codec.WriteUint64At(buf, 8, b.nextOffset)
	codec.WriteUint64At(buf, 16, uint64(len(b.items)))
	for i, item := range b.items {
		codec.WriteUint64At(buf, FreelistBlockHeaderSize+i*8, item)
	}
	return buf
}

// decodeBlock parses a FreelistBlockContentSize-byte buffer into a block.
func decodeBlock(buf []byte) *block {
	n := codec.ReadUint64At(buf, 16)
	b := &block{
		prevOffset: codec.ReadUint64At(buf, 0),
		nextOffset: codec.ReadUint64At(buf, 8),
		numItems:   n,
		items:      make([]uint64, n),
	}
	for i := uint64(0); i < n; i++ {
		b.items[i] = codec.ReadUint64At(buf, FreelistBlockHeaderSize+int(i)*8)
	}
	return b
}

// classCache is the in-memory allocator cache for one size class.
// blockOffsets is ordered head to tail; every entry but the last is known
// to hold exactly FreelistBlockItems live entries by construction.
type classCache struct {
	blockOffsets []uint64
	lastItems    int
}

func newClassCache(class int) *classCache {
	return &classCache{blockOffsets: []uint64{headBlockOffset(class)}, lastItems: 0}
}

func (c *classCache) tail() uint64 {
	return c.blockOffsets[len(c.blockOffsets)-1]
}

func (c *classCache) hasPrecedingTail() bool {
	return len(c.blockOffsets) > 1
}

func (c *classCache) prevOfTail() uint64 {
	return c.blockOffsets[len(c.blockOffsets)-2]
}
