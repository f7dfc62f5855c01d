// Package alloc implements a power-of-two free-list space allocator:
// 28 size classes backed by on-disk linked lists of free-list blocks,
// plus a bump area at the tail of the file with an automatic
// pre-allocation window.
package alloc

import (
	"github.com/redbtree/redbtree/pkg/codec"
	"github.com/redbtree/redbtree/pkg/device"
	"github.com/redbtree/redbtree/pkg/rerr"
	"github.com/redbtree/redbtree/pkg/rlog"
)

// DefaultPreallocSize is the tail grow granularity: each time the bump
// area runs dry, the file grows by at least this many bytes.
const DefaultPreallocSize = 512 * 1024

// Options configures an Allocator.
type Options struct {
	// PreallocSize is the bump-area grow chunk. Zero selects
	// DefaultPreallocSize.
	PreallocSize uint64
	// UseWriteBarrier controls whether durability barriers are actually
	// issued. The zero value (false) leaves barriers off.
	UseWriteBarrier bool
	// Logger receives allocator diagnostics. Nil is treated as discard.
	Logger rlog.Logger
}

// Allocator manages free extents inside a Device on behalf of the B-tree
// engine. It is not safe for concurrent use.
type Allocator struct {
	dev  device.Device
	opts Options
	log  rlog.Logger

	free    uint64
	freeoff uint64

	classes [FreelistCount]*classCache
}

// New wires an Allocator around an already-open Device. It does not touch
// the disk; callers use CreateHeader or LoadHeader to initialize state.
func New(dev device.Device, opts Options) *Allocator {
	if opts.PreallocSize == 0 {
		opts.PreallocSize = DefaultPreallocSize
	}
	a := &Allocator{dev: dev, opts: opts, log: rlog.Or(opts.Logger)}
	for i := range a.classes {
		a.classes[i] = newClassCache(i)
	}
	return a
}

// SetUseWriteBarrier turns durability barriers on or off at runtime.
func (a *Allocator) SetUseWriteBarrier(v bool) { a.opts.UseWriteBarrier = v }

func (a *Allocator) barrier() error {
	if !a.opts.UseWriteBarrier {
		return nil
	}
	if err := a.dev.Sync(); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: barrier")
	}
	return nil
}

// FreeBytes returns the current count of unallocated bump-area bytes.
func (a *Allocator) FreeBytes() uint64 { return a.free }

// FreeOff returns the current bump-area start offset.
func (a *Allocator) FreeOff() uint64 { return a.freeoff }

// persistHeaderFields writes the `free` and `freeoff` header fields.
func (a *Allocator) persistHeaderFields() error {
	buf := make([]byte, 16)
	codec.WriteUint64At(buf, 0, a.free)
	codec.WriteUint64At(buf, 8, a.freeoff)
	if _, err := a.dev.Pwrite(buf, FreeFieldOffset); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: persist header fields")
	}
	return a.barrier()
}

// CreateHeader initializes a brand new file's allocator region: zeroes
// `free`, sets `freeoff` to the given initial bump-area start, and zeroes
// every free-list head block.
func (a *Allocator) CreateHeader(initialFreeoff uint64) error {
	a.free = 0
	a.freeoff = initialFreeoff

	zero := make([]byte, FreelistBlockContentSize)
	for k := 0; k < FreelistCount; k++ {
		if _, err := a.dev.Pwrite(zero, int64(headBlockOffset(k))); err != nil {
			return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: zero head block %d", k)
		}
	}
	if err := a.persistHeaderFields(); err != nil {
		return err
	}
	return a.barrier()
}

// LoadHeader reads `free`/`freeoff` and walks every size class's on-disk
// free-list chain to rebuild the in-memory block cache. Used when opening
// an existing file.
func (a *Allocator) LoadHeader() error {
	buf := make([]byte, 16)
	if err := device.ReadFull(a.dev, buf, FreeFieldOffset); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: read header fields")
	}
	a.free = codec.ReadUint64At(buf, 0)
	a.freeoff = codec.ReadUint64At(buf, 8)

	for k := 0; k < FreelistCount; k++ {
		if err := a.loadClassChain(k); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) loadClassChain(class int) error {
	cache := newClassCache(class)
	offset := headBlockOffset(class)
	cache.blockOffsets = cache.blockOffsets[:0]

	for {
		b, err := a.readBlock(offset)
		if err != nil {
			return err
		}
		cache.blockOffsets = append(cache.blockOffsets, offset)
		if b.nextOffset == 0 {
			cache.lastItems = int(b.numItems)
			break
		}
		offset = b.nextOffset
	}
	a.classes[class] = cache
	return nil
}

func (a *Allocator) readBlock(offset uint64) (*block, error) {
	buf := make([]byte, FreelistBlockContentSize)
	if err := device.ReadFull(a.dev, buf, int64(offset)); err != nil {
		return nil, rerr.Wrap(rerr.ErrDeviceError, err, "alloc: read block at %d", offset)
	}
	return decodeBlock(buf), nil
}

func (a *Allocator) writeBlock(offset uint64, b *block) error {
	if _, err := a.dev.Pwrite(b.encode(), int64(offset)); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: write block at %d", offset)
	}
	return nil
}

func (a *Allocator) writeBlockNext(offset uint64, next uint64) error {
	buf := make([]byte, 8)
	codec.WriteUint64At(buf, 0, next)
	if _, err := a.dev.Pwrite(buf, int64(offset+8)); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: link block next at %d", offset)
	}
	return nil
}

func (a *Allocator) writeBlockNumItems(offset uint64, n int) error {
	buf := make([]byte, 8)
	codec.WriteUint64At(buf, 0, uint64(n))
	if _, err := a.dev.Pwrite(buf, int64(offset+16)); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: set block numitems at %d", offset)
	}
	return nil
}

func (a *Allocator) writeBlockItem(offset uint64, idx int, item uint64) error {
	buf := make([]byte, 8)
	codec.WriteUint64At(buf, 0, item)
	if _, err := a.dev.Pwrite(buf, int64(offset+FreelistBlockHeaderSize+int64(idx)*8)); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: set block item at %d", offset)
	}
	return nil
}

// readUserSize reads the 8-byte user_size header preceding a payload
// pointer.
func (a *Allocator) readUserSize(payloadOffset uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := device.ReadFull(a.dev, buf, int64(payloadOffset)-8); err != nil {
		return 0, rerr.Wrap(rerr.ErrDeviceError, err, "alloc: read size header at %d", payloadOffset)
	}
	return codec.ReadUint64At(buf, 0), nil
}

func (a *Allocator) writeUserSize(headerOffset uint64, size uint64) error {
	buf := make([]byte, 8)
	codec.WriteUint64At(buf, 0, size)
	if _, err := a.dev.Pwrite(buf, int64(headerOffset)); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "alloc: write size header at %d", headerOffset)
	}
	return nil
}

// SizeOf returns the user_size originally passed to Allocate for the
// extent whose payload starts at payloadOffset.
func (a *Allocator) SizeOf(payloadOffset uint64) (uint64, error) {
	return a.readUserSize(payloadOffset)
}

// Allocate returns a file offset pointing at the first byte of a writable
// region of at least size bytes.
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	if size > MaxUserSize {
		return 0, rerr.New(rerr.ErrInvalidArgument, "alloc: size %d exceeds 2^31", size)
	}

	realsize, class := classify(size)
	if class >= FreelistCount {
		return 0, rerr.New(rerr.ErrInvalidArgument, "alloc: size %d needs a class beyond the configured %d size classes", size, FreelistCount)
	}

	headerOffset, ok, err := a.popFreeList(class)
	if err != nil {
		return 0, err
	}
	if ok {
		if err := a.writeUserSize(headerOffset, size); err != nil {
			return 0, err
		}
		if err := a.barrier(); err != nil {
			return 0, err
		}
		return headerOffset + sizeHeaderSize, nil
	}

	return a.bumpAllocate(realsize, size)
}

func (a *Allocator) bumpAllocate(realsize uint64, userSize uint64) (uint64, error) {
	for a.free < realsize {
		grow := a.opts.PreallocSize
		if grow < realsize {
			grow = realsize
		}
		newLen := a.freeoff + a.free + grow
		if err := a.dev.Truncate(int64(newLen)); err != nil {
			return 0, rerr.Wrap(rerr.ErrDeviceError, err, "alloc: grow file to %d", newLen)
		}
		a.free += grow
		a.log.Infof("alloc: grew bump area by %d bytes (now %d free)", grow, a.free)
	}

	offset := a.freeoff
	a.freeoff += realsize
	a.free -= realsize

	if err := a.persistHeaderFields(); err != nil {
		return 0, err
	}
	if err := a.writeUserSize(offset, userSize); err != nil {
		return 0, err
	}
	if err := a.barrier(); err != nil {
		return 0, err
	}
	return offset + sizeHeaderSize, nil
}

// popFreeList pops one entry off class k's free list. It returns the
// header offset of a reusable extent, or ok=false if the class has
// nothing to offer.
func (a *Allocator) popFreeList(class int) (uint64, bool, error) {
	for {
		cache := a.classes[class]
		if !cache.hasPrecedingTail() && cache.lastItems == 0 {
			return 0, false, nil
		}

		if cache.lastItems == 0 {
			prevOffset := cache.prevOfTail()
			removed := cache.tail()

			if err := a.writeBlockNext(prevOffset, 0); err != nil {
				return 0, false, err
			}
			if err := a.barrier(); err != nil {
				return 0, false, err
			}

			cache.blockOffsets = cache.blockOffsets[:len(cache.blockOffsets)-1]
			cache.lastItems = FreelistBlockItems
			a.log.Debugf("alloc: retired empty free-list block for class %d", class)

			if class == FreelistBlockClass {
				return removed - sizeHeaderSize, true, nil
			}

			if err := a.Free(removed); err != nil {
				return 0, false, err
			}
			continue
		}

		tail := cache.tail()
		b, err := a.readBlock(tail)
		if err != nil {
			return 0, false, err
		}
		idx := cache.lastItems - 1
		entry := b.items[idx]

		cache.lastItems--
		if err := a.writeBlockNumItems(tail, cache.lastItems); err != nil {
			return 0, false, err
		}
		if err := a.barrier(); err != nil {
			return 0, false, err
		}

		return entry, true, nil
	}
}

// Free releases an extent previously returned by Allocate.
func (a *Allocator) Free(offset uint64) error {
	userSize, err := a.readUserSize(offset)
	if err != nil {
		return err
	}
	_, class := classify(userSize)
	headerOffset := offset - sizeHeaderSize

	cache := a.classes[class]
	tail := cache.tail()

	if cache.lastItems == FreelistBlockItems {
		if class == FreelistBlockClass {
			// Re-entrancy special case: the extent we're freeing is itself
			// exactly a free-list-block-sized extent, so it can directly
			// become the new tail without recursing back into this very
			// class (which would otherwise need to allocate a block from
			// the very list it's trying to grow).
			newTail := &block{prevOffset: tail, nextOffset: 0, numItems: 0}
			if err := a.writeBlock(headerOffset+sizeHeaderSize, newTail); err != nil {
				return err
			}
			if err := a.barrier(); err != nil {
				return err
			}
			if err := a.writeBlockNext(tail, headerOffset+sizeHeaderSize); err != nil {
				return err
			}
			if err := a.barrier(); err != nil {
				return err
			}
			cache.blockOffsets = append(cache.blockOffsets, headerOffset+sizeHeaderSize)
			cache.lastItems = 0
			a.log.Debugf("alloc: adopted freed extent as new free-list block for class %d", class)
			// The extent being freed has been consumed as allocator
			// infrastructure (the new tail block itself), not recorded
			// as a free entry — recording it would let a later pop hand
			// out a block that is still in active use as a list node.
			return nil
		}

		newBlockOffset, err := a.Allocate(FreelistBlockContentSize)
		if err != nil {
			return err
		}
		newTail := &block{prevOffset: tail, nextOffset: 0, numItems: 0}
		if err := a.writeBlock(newBlockOffset, newTail); err != nil {
			return err
		}
		if err := a.barrier(); err != nil {
			return err
		}
		if err := a.writeBlockNext(tail, newBlockOffset); err != nil {
			return err
		}
		if err := a.barrier(); err != nil {
			return err
		}
		cache.blockOffsets = append(cache.blockOffsets, newBlockOffset)
		cache.lastItems = 0
		a.log.Debugf("alloc: grew free-list chain for class %d", class)
	}

	return a.appendFreeEntry(class, headerOffset)
}

func (a *Allocator) appendFreeEntry(class int, headerOffset uint64) error {
	cache := a.classes[class]
	tail := cache.tail()

	if err := a.writeBlockItem(tail, cache.lastItems, headerOffset); err != nil {
		return err
	}
	if err := a.barrier(); err != nil {
		return err
	}
	cache.lastItems++
	if err := a.writeBlockNumItems(tail, cache.lastItems); err != nil {
		return err
	}
	return a.barrier()
}

// Stats is a read-only snapshot of allocator bookkeeping, used by tests to
// verify free-list fullness and bump-area growth, and for diagnosing
// crash-safety scenarios.
type Stats struct {
	Free    uint64
	FreeOff uint64
	// PerClassBlocks and PerClassLastItems are indexed by size class.
	PerClassBlocks    [FreelistCount]int
	PerClassLastItems [FreelistCount]int
}

// Snapshot returns the current allocator Stats.
func (a *Allocator) Snapshot() Stats {
	var s Stats
	s.Free = a.free
	s.FreeOff = a.freeoff
	for k := 0; k < FreelistCount; k++ {
		s.PerClassBlocks[k] = len(a.classes[k].blockOffsets)
		s.PerClassLastItems[k] = a.classes[k].lastItems
	}
	return s
}
