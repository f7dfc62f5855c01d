// Package btree wires pkg/device, pkg/alloc and pkg/node into a
// copy-on-write B-tree engine: insert-or-replace with split-at-descent,
// exact-match lookup, and an in-order traversal used for diagnostics.
//
// The only mutations ever made to bytes already on disk are single 8-byte
// pointer-slot overwrites: the root pointer field, a parent's children[i]
// slot, or a node's values[i] slot. Every other change builds a brand-new
// node or value extent and publishes it by overwriting exactly one of
// those slots, in the order: write payload, barrier, overwrite slot,
// barrier, free the superseded extent.
package btree

import (
	"bytes"

	"github.com/redbtree/redbtree/pkg/alloc"
	"github.com/redbtree/redbtree/pkg/codec"
	"github.com/redbtree/redbtree/pkg/device"
	"github.com/redbtree/redbtree/pkg/node"
	"github.com/redbtree/redbtree/pkg/rerr"
	"github.com/redbtree/redbtree/pkg/rlog"
)

// DefaultMaxKeys is the branching factor used when Options.MaxKeys is left
// at zero.
const DefaultMaxKeys = 63

// RootPtrOffset is the file offset of the u64 root-pointer field, which
// immediately follows the allocator's free-list head region.
const RootPtrOffset = alloc.HeaderEnd

// initialBumpOffset is where the allocator's bump area begins on a fresh
// file: immediately after the root-pointer field. The first allocation the
// tree ever makes (the initial root node, 8-byte size header included)
// lands here, matching the layout diagram's "initial root node" line while
// keeping every root — first and every subsequent one — a uniformly
// freeable allocator extent rather than a specially-addressed one (see
// DESIGN.md, "initial root placement").
const initialBumpOffset = RootPtrOffset + 8

// Flags for Open.
type Flags uint32

// FlagCreate creates the backing file if it is missing and initializes a
// fresh tree when the file is empty. A non-empty file with a bad header is
// still rejected.
const FlagCreate Flags = 1 << 0

// Options configures a Tree.
type Options struct {
	// MaxKeys is the node branching factor. Zero selects DefaultMaxKeys.
	// It is not stored in the file: every Open of an existing file must
	// pass the same value the file was created with.
	MaxKeys int
	// PreallocSize is the allocator's bump-area grow granularity. Zero
	// selects alloc.DefaultPreallocSize.
	PreallocSize uint64
	// UseWriteBarrier controls whether durability barriers are actually
	// issued. The zero value (false) leaves barriers off; they are issued
	// only when this is set to true or turned on via SetUseWriteBarrier.
	UseWriteBarrier bool
	// Logger receives engine diagnostics. Nil is treated as discard.
	Logger rlog.Logger
}

func (o Options) normalize() Options {
	if o.MaxKeys == 0 {
		o.MaxKeys = DefaultMaxKeys
	}
	return o
}

// Tree is a single-writer, single-reader handle onto one B-tree file.
// Concurrent use from multiple goroutines is not supported.
type Tree struct {
	dev   device.Device
	alloc *alloc.Allocator
	codec *node.Codec
	opts  Options
	log   rlog.Logger

	useBarrier bool
}

// Open opens path, creating a fresh file when FlagCreate is set and the
// file is empty. An existing file whose magic does not match is rejected
// with rerr.ErrBadMagic rather than silently reinterpreted: a reused or
// truncated file should fail loudly rather than corrupt silently.
func Open(path string, flags Flags, opts Options) (*Tree, error) {
	create := flags&FlagCreate != 0
	dev, err := device.Open(path, create)
	if err != nil {
		return nil, err
	}
	t, err := OpenDevice(dev, flags, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return t, nil
}

// OpenDevice is Open's device-level counterpart, used directly by tests
// that substitute pkg/testutil's in-memory Device for a real file.
func OpenDevice(dev device.Device, flags Flags, opts Options) (*Tree, error) {
	create := flags&FlagCreate != 0

	size, err := dev.Size()
	if err != nil {
		return nil, err
	}

	if size == 0 {
		if !create {
			return nil, rerr.New(rerr.ErrInvalidArgument, "btree: device is empty and FlagCreate was not set")
		}
		return newTree(dev, opts, true)
	}
	return newTree(dev, opts, false)
}

func newTree(dev device.Device, opts Options, fresh bool) (*Tree, error) {
	opts = opts.normalize()
	log := rlog.Or(opts.Logger)

	a := alloc.New(dev, alloc.Options{
		PreallocSize:    opts.PreallocSize,
		UseWriteBarrier: opts.UseWriteBarrier,
		Logger:          log,
	})

	t := &Tree{
		dev:        dev,
		alloc:      a,
		codec:      node.NewCodec(opts.MaxKeys),
		opts:       opts,
		log:        log,
		useBarrier: opts.UseWriteBarrier,
	}

	if fresh {
		if err := t.create(); err != nil {
			dev.Close()
			return nil, err
		}
		return t, nil
	}

	if err := t.load(); err != nil {
		dev.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tree) create() error {
	magic := make([]byte, alloc.MagicSize)
	copy(magic, alloc.Magic)
	if _, err := t.dev.Pwrite(magic, alloc.MagicOffset); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "btree: write magic")
	}

	if err := t.alloc.CreateHeader(initialBumpOffset); err != nil {
		return err
	}

	root := node.New(true)
	offset, err := t.allocateNode(root)
	if err != nil {
		return err
	}
	return t.writeRootPtr(offset)
}

func (t *Tree) load() error {
	magic := make([]byte, alloc.MagicSize)
	if err := device.ReadFull(t.dev, magic, alloc.MagicOffset); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "btree: read magic")
	}
	if string(magic) != alloc.Magic {
		return rerr.New(rerr.ErrBadMagic, "btree: got %q", magic)
	}
	return t.alloc.LoadHeader()
}

// SetUseWriteBarrier toggles whether durability barriers are actually
// issued between publishing steps.
func (t *Tree) SetUseWriteBarrier(v bool) {
	t.useBarrier = v
	t.alloc.SetUseWriteBarrier(v)
}

func (t *Tree) barrier() error {
	if !t.useBarrier {
		return nil
	}
	if err := t.dev.Sync(); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "btree: barrier")
	}
	return nil
}

// Close releases the underlying device.
func (t *Tree) Close() error {
	return t.dev.Close()
}

// Stats returns a snapshot of the allocator's bookkeeping.
func (t *Tree) Stats() alloc.Stats {
	return t.alloc.Snapshot()
}

// SizeOf returns the byte length originally passed to Add for the value
// stored at valueOffset.
func (t *Tree) SizeOf(valueOffset uint64) (uint64, error) {
	return t.alloc.SizeOf(valueOffset)
}

// Pread reads len(buf) bytes of a value previously located via Find,
// starting at offset. It is a thin convenience passthrough to the
// underlying device; callers are expected to size buf from a prior SizeOf.
func (t *Tree) Pread(buf []byte, offset uint64) (int, error) {
	return t.dev.Pread(buf, int64(offset))
}

func (t *Tree) readRootPtr() (uint64, error) {
	buf := make([]byte, 8)
	if err := device.ReadFull(t.dev, buf, RootPtrOffset); err != nil {
		return 0, rerr.Wrap(rerr.ErrDeviceError, err, "btree: read root pointer")
	}
	return codec.ReadUint64At(buf, 0), nil
}

func (t *Tree) writeRootPtr(offset uint64) error {
	buf := make([]byte, 8)
	codec.WriteUint64At(buf, 0, offset)
	if _, err := t.dev.Pwrite(buf, RootPtrOffset); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "btree: write root pointer")
	}
	return t.barrier()
}

func (t *Tree) readNode(offset uint64) (*node.Node, error) {
	buf := make([]byte, t.codec.Size())
	if err := device.ReadFull(t.dev, buf, int64(offset)); err != nil {
		return nil, rerr.Wrap(rerr.ErrDeviceError, err, "btree: read node at %d", offset)
	}
	return t.codec.Decode(buf)
}

func (t *Tree) allocateNode(n *node.Node) (uint64, error) {
	buf, err := t.codec.Encode(n)
	if err != nil {
		return 0, err
	}
	offset, err := t.alloc.Allocate(uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	if _, err := t.dev.Pwrite(buf, int64(offset)); err != nil {
		return 0, rerr.Wrap(rerr.ErrDeviceError, err, "btree: write node at %d", offset)
	}
	if err := t.barrier(); err != nil {
		return 0, err
	}
	return offset, nil
}

func (t *Tree) writeValue(value []byte) (uint64, error) {
	offset, err := t.alloc.Allocate(uint64(len(value)))
	if err != nil {
		return 0, err
	}
	if len(value) > 0 {
		if _, err := t.dev.Pwrite(value, int64(offset)); err != nil {
			return 0, rerr.Wrap(rerr.ErrDeviceError, err, "btree: write value at %d", offset)
		}
	}
	if err := t.barrier(); err != nil {
		return 0, err
	}
	return offset, nil
}

func (t *Tree) writeValueSlot(nodeOffset uint64, idx int, valueOffset uint64) error {
	buf := make([]byte, 8)
	codec.WriteUint64At(buf, 0, valueOffset)
	off := int64(nodeOffset) + int64(t.codec.ValueSlotOffset(idx))
	if _, err := t.dev.Pwrite(buf, off); err != nil {
		return rerr.Wrap(rerr.ErrDeviceError, err, "btree: write value slot %d at node %d", idx, nodeOffset)
	}
	return t.barrier()
}

// publisher overwrites whatever single 8-byte pointer slot currently
// references a node, redirecting it at a new offset. It is either the root
// pointer field or one child slot inside a specific parent node.
type publisher func(newOffset uint64) error

func (t *Tree) rootPublisher() publisher {
	return t.writeRootPtr
}

func (t *Tree) childPublisher(parentOffset uint64, idx int) publisher {
	return func(childOffset uint64) error {
		buf := make([]byte, 8)
		codec.WriteUint64At(buf, 0, childOffset)
		off := int64(parentOffset) + int64(t.codec.ChildSlotOffset(idx))
		if _, err := t.dev.Pwrite(buf, off); err != nil {
			return rerr.Wrap(rerr.ErrDeviceError, err, "btree: write child slot %d at node %d", idx, parentOffset)
		}
		return t.barrier()
	}
}

// descendIndex returns the first index i (0 <= i <= len(keys)) such that
// key <= keys[i], per invariant I6 ("children[i] holds keys strictly less
// than keys[i]; children[i+1] holds keys >= keys[i]"): an internal node's
// own key slots hold real key/value pairs, so a match at i is returned
// in-place rather than recursed into a child.
func descendIndex(keys [][16]byte, key [16]byte) int {
	i := 0
	for i < len(keys) && bytes.Compare(key[:], keys[i][:]) > 0 {
		i++
	}
	return i
}

// Find returns the value offset stored for key, or rerr.ErrNotFound.
func (t *Tree) Find(key [16]byte) (uint64, error) {
	rootOffset, err := t.readRootPtr()
	if err != nil {
		return 0, err
	}
	return t.lookup(rootOffset, key)
}

func (t *Tree) lookup(offset uint64, key [16]byte) (uint64, error) {
	n, err := t.readNode(offset)
	if err != nil {
		return 0, err
	}

	i := descendIndex(n.Keys, key)
	if i < len(n.Keys) && n.Keys[i] == key {
		return n.Values[i], nil
	}
	if n.IsLeaf {
		return 0, rerr.New(rerr.ErrNotFound, "btree: key not found")
	}
	return t.lookup(n.Children[i], key)
}

// Add inserts key/value, or replaces the existing value for key when
// replace is true. With replace false and key already present, it returns
// rerr.ErrExists.
func (t *Tree) Add(key [16]byte, value []byte, replace bool) error {
	rootOffset, err := t.readRootPtr()
	if err != nil {
		return err
	}
	root, err := t.readNode(rootOffset)
	if err != nil {
		return err
	}

	if root.NumKeys() == t.codec.MaxKeys() {
		wrapper := &node.Node{IsLeaf: false, Children: []uint64{rootOffset}}
		newRootOffset, err := t.splitChildAndPublish(wrapper, 0, 0, root, rootOffset, t.rootPublisher())
		if err != nil {
			return err
		}
		rootOffset = newRootOffset
	}

	return t.insert(rootOffset, t.rootPublisher(), key, value, replace)
}

// insert descends from nodeOffset, splitting any full child encountered
// along the way before recursing into it. publish is how to redirect
// whatever pointer currently references nodeOffset, used both when a split
// rebuilds nodeOffset itself and when a leaf insertion relocates it.
func (t *Tree) insert(nodeOffset uint64, publish publisher, key [16]byte, value []byte, replace bool) error {
	for {
		n, err := t.readNode(nodeOffset)
		if err != nil {
			return err
		}

		i := descendIndex(n.Keys, key)

		if i < len(n.Keys) && n.Keys[i] == key {
			if !replace {
				return rerr.New(rerr.ErrExists, "btree: key already present")
			}
			newValOffset, err := t.writeValue(value)
			if err != nil {
				return err
			}
			oldValOffset := n.Values[i]
			if err := t.writeValueSlot(nodeOffset, i, newValOffset); err != nil {
				return err
			}
			return t.alloc.Free(oldValOffset)
		}

		if n.IsLeaf {
			valOffset, err := t.writeValue(value)
			if err != nil {
				return err
			}
			newLeaf := &node.Node{
				IsLeaf: true,
				Keys:   insertKeyAt(n.Keys, i, key),
				Values: insertValueAt(n.Values, i, valOffset),
			}
			newOffset, err := t.allocateNode(newLeaf)
			if err != nil {
				return err
			}
			if err := publish(newOffset); err != nil {
				return err
			}
			return t.alloc.Free(nodeOffset)
		}

		childOffset := n.Children[i]
		child, err := t.readNode(childOffset)
		if err != nil {
			return err
		}

		if child.NumKeys() == t.codec.MaxKeys() {
			newOffset, err := t.splitChildAndPublish(n, nodeOffset, i, child, childOffset, publish)
			if err != nil {
				return err
			}
			nodeOffset = newOffset
			continue
		}

		return t.insert(childOffset, t.childPublisher(nodeOffset, i), key, value, replace)
	}
}

// splitChildAndPublish splits a full child: child, the full
// node at index idx of parent, is divided around its median key into two
// fresh nodes; parent is rebuilt with the median inserted and its child
// pointers updated to the two halves; the rebuilt parent is published
// through publish and the superseded parent/child extents are freed.
//
// parentOldOffset is 0 when parent has no on-disk counterpart yet (the
// synthetic wrapper Add builds around a full root): in that case there is
// nothing to free besides child itself.
func (t *Tree) splitChildAndPublish(parent *node.Node, parentOldOffset uint64, idx int, child *node.Node, childOffset uint64, publish publisher) (uint64, error) {
	h := (t.codec.MaxKeys() - 1) / 2

	left := &node.Node{IsLeaf: child.IsLeaf}
	left.Keys = append([][16]byte{}, child.Keys[:h]...)
	left.Values = append([]uint64{}, child.Values[:h]...)
	if !child.IsLeaf {
		left.Children = append([]uint64{}, child.Children[:h+1]...)
	}

	right := &node.Node{IsLeaf: child.IsLeaf}
	right.Keys = append([][16]byte{}, child.Keys[h+1:]...)
	right.Values = append([]uint64{}, child.Values[h+1:]...)
	if !child.IsLeaf {
		right.Children = append([]uint64{}, child.Children[h+1:]...)
	}

	medianKey := child.Keys[h]
	medianValue := child.Values[h]

	leftOffset, err := t.allocateNode(left)
	if err != nil {
		return 0, err
	}
	rightOffset, err := t.allocateNode(right)
	if err != nil {
		return 0, err
	}

	newParent := &node.Node{IsLeaf: false}
	newParent.Keys = insertKeyAt(parent.Keys, idx, medianKey)
	newParent.Values = insertValueAt(parent.Values, idx, medianValue)

	children := make([]uint64, 0, len(parent.Children)+1)
	children = append(children, parent.Children[:idx]...)
	children = append(children, leftOffset, rightOffset)
	children = append(children, parent.Children[idx+1:]...)
	newParent.Children = children

	parentOffset, err := t.allocateNode(newParent)
	if err != nil {
		return 0, err
	}

	if err := publish(parentOffset); err != nil {
		return 0, err
	}

	if parentOldOffset != 0 {
		if err := t.alloc.Free(parentOldOffset); err != nil {
			return 0, err
		}
	}
	if err := t.alloc.Free(childOffset); err != nil {
		return 0, err
	}

	return parentOffset, nil
}

func insertKeyAt(keys [][16]byte, idx int, key [16]byte) [][16]byte {
	out := make([][16]byte, 0, len(keys)+1)
	out = append(out, keys[:idx]...)
	out = append(out, key)
	out = append(out, keys[idx:]...)
	return out
}

func insertValueAt(values []uint64, idx int, value uint64) []uint64 {
	out := make([]uint64, 0, len(values)+1)
	out = append(out, values[:idx]...)
	out = append(out, value)
	out = append(out, values[idx:]...)
	return out
}

// Walk performs an in-order traversal, calling visit for every key/value
// pair in ascending key order. Traversal stops early if visit returns
// false. It exists for diagnostics and testing, not as a primary engine
// operation — range scans are not a goal of this store.
func (t *Tree) Walk(visit func(key [16]byte, valueOffset uint64) bool) error {
	rootOffset, err := t.readRootPtr()
	if err != nil {
		return err
	}
	_, err = t.walk(rootOffset, visit)
	return err
}

func (t *Tree) walk(offset uint64, visit func([16]byte, uint64) bool) (bool, error) {
	n, err := t.readNode(offset)
	if err != nil {
		return false, err
	}

	for i := 0; i <= len(n.Keys); i++ {
		if !n.IsLeaf {
			cont, err := t.walk(n.Children[i], visit)
			if err != nil {
				return false, err
			}
			if !cont {
				return false, nil
			}
		}
		if i < len(n.Keys) {
			if !visit(n.Keys[i], n.Values[i]) {
				return false, nil
			}
		}
	}
	return true, nil
}
