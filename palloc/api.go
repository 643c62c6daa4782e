// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package palloc implements the packed allocator that lays out a fixed number
// of segments inside one region of a block.
//
// The region starts with a header:
//
//   uint32 BlockSize                   size of the whole region, header included
//   uint32 Segments                    number of segments (N)
//   uint32 Layout[N+1]                 segment offsets relative to the client area
//   uint64 AllocatorBitmap[(N+63)/64]  (8-byte aligned) bit i set if segment i is itself an allocator
//
// followed by the client area holding the segments back to back. Segment i
// occupies [Layout[i], Layout[i+1]) of the client area. Every segment size is a
// multiple of 8 bytes.
//
// A segment may itself hold a nested Allocator. Growing a segment of a nested
// Allocator beyond its slack grows the nested region through its parent, and
// so on up to the root Allocator. When the root Allocator runs out of space a
// blunder.CapacityError is returned and nothing is modified.
//
// Allocators are views: they remember offsets, never addresses, so a view
// obtained before a segment resize remains valid afterwards. After the block
// itself is replaced by a larger one, Rebind() the root view.
//
package palloc

import (
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/utils"
)

// Allocator is a view of one packed allocator region.
//
type Allocator struct {
	buf    []byte     // root only
	base   int        // root only; offset of the region within buf
	parent *Allocator // nil for a root Allocator
	idx    int        // segment index within parent
}

// HeaderSize returns the number of bytes taken by the header of an
// allocator with the given number of segments.
//
func HeaderSize(segments int) int {
	return headerSize(segments)
}

// Init formats buf[base:base+blockSize] as an empty allocator with the given
// number of segments and returns a root view of it.
//
func Init(buf []byte, base int, blockSize int, segments int) (allocator *Allocator, err error) {
	allocator, err = initRoot(buf, base, blockSize, segments)
	return
}

// Bind returns a root view of an allocator previously formatted at buf[base:].
//
func Bind(buf []byte, base int) (allocator *Allocator, err error) {
	allocator, err = bindRoot(buf, base)
	return
}

// Rebind points a root view at a (typically larger) copy of its block.
//
func (allocator *Allocator) Rebind(buf []byte) {
	allocator.root().buf = buf
}

// BlockSize returns the size of the region, header included.
func (allocator *Allocator) BlockSize() int {
	return allocator.blockSize()
}

// Segments returns the number of segments.
func (allocator *Allocator) Segments() int {
	return allocator.segments()
}

// UsedSize returns the number of bytes of the region in use (header plus segments).
func (allocator *Allocator) UsedSize() int {
	return allocator.clientStart() + allocator.layoutAt(allocator.segments())
}

// FreeSpace returns the slack inside this region.
func (allocator *Allocator) FreeSpace() int {
	return allocator.blockSize() - allocator.UsedSize()
}

// Available returns how many bytes a segment of this allocator could grow by,
// counting the slack of every ancestor.
//
func (allocator *Allocator) Available() (available int) {
	for a := allocator; nil != a; a = a.parent {
		available += a.FreeSpace()
	}
	return
}

// ElementSize returns the size of segment i.
func (allocator *Allocator) ElementSize(i int) int {
	return allocator.layoutAt(i+1) - allocator.layoutAt(i)
}

// Element returns the bytes of segment i. The slice aliases the block and is
// only valid until the next resize of this or any enclosing allocator.
//
func (allocator *Allocator) Element(i int) []byte {
	start := allocator.segmentOffset(i)
	return allocator.bytes()[start : start+allocator.ElementSize(i)]
}

// ElementOffset returns the absolute offset of segment i within the block.
func (allocator *Allocator) ElementOffset(i int) int {
	return allocator.segmentOffset(i)
}

// Bytes returns the whole block the allocator lives in.
func (allocator *Allocator) Bytes() []byte {
	return allocator.bytes()
}

// IsAllocator reports whether segment i holds a nested allocator.
func (allocator *Allocator) IsAllocator(i int) bool {
	return allocator.isAllocator(i)
}

// Allocate sets the size of segment i to size bytes (rounded up to 8) and
// returns it zeroed.
//
func (allocator *Allocator) Allocate(i int, size int) (element []byte, err error) {
	element, err = allocator.allocate(i, size)
	return
}

// AllocateAllocator turns segment i into a nested allocator with the given
// number of segments and extraSpace bytes of initial client area slack.
//
func (allocator *Allocator) AllocateAllocator(i int, segments int, extraSpace int) (nested *Allocator, err error) {
	nested, err = allocator.allocateAllocator(i, segments, extraSpace)
	return
}

// Nested returns a view of the nested allocator held in segment i.
//
func (allocator *Allocator) Nested(i int) (nested *Allocator, err error) {
	nested, err = allocator.nested(i)
	return
}

// ResizeBlock grows or shrinks segment i to newSize bytes (rounded up to 8),
// shifting every following segment. Grown bytes are zeroed. It returns the
// number of bytes of the region in use afterwards.
//
func (allocator *Allocator) ResizeBlock(i int, newSize int) (usedSize int, err error) {
	usedSize, err = allocator.resizeBlock(i, newSize)
	return
}

// TryAllocation reports whether segment i could be resized to newSize bytes.
//
func (allocator *Allocator) TryAllocation(i int, newSize int) bool {
	return allocator.tryAllocation(i, newSize)
}

// TryGrow reports whether the client area could grow by extra bytes.
//
func (allocator *Allocator) TryGrow(extra int) bool {
	return utils.RoundUp8(extra) <= allocator.Available()
}

// Free releases the bytes of segment i.
//
func (allocator *Allocator) Free(i int) (err error) {
	err = allocator.free(i)
	return
}

// Pack shrinks every nested allocator (recursively) and then this one to
// their used size. Packing a root allocator only packs its children.
//
func (allocator *Allocator) Pack() (err error) {
	err = allocator.pack()
	return
}

// Enlarge changes the size of the region to newBlockSize. A root allocator
// requires its buffer to already be large enough (see Rebind); a nested
// allocator grows or shrinks through its parent.
//
func (allocator *Allocator) Enlarge(newBlockSize int) (err error) {
	err = allocator.enlarge(newBlockSize)
	return
}

// ImportSegment replaces segment i with a copy of segment j of src.
//
func (allocator *Allocator) ImportSegment(i int, src *Allocator, j int) (err error) {
	err = allocator.importSegment(i, src, j)
	return
}

// Check validates the header and, recursively, every nested allocator.
//
func (allocator *Allocator) Check() (err error) {
	err = allocator.check()
	return
}

// Serialize returns the logical content of the allocator: its header fields
// followed by every segment (nested allocators serialized recursively).
// Slack is not serialized.
//
func (allocator *Allocator) Serialize() (serialized []byte, err error) {
	serialized, err = allocator.serialize()
	return
}

// Deserialize recreates at buf[base:] the allocator serialized in src and
// returns a root view of it along with the number of bytes of src consumed.
//
func Deserialize(buf []byte, base int, src []byte) (allocator *Allocator, consumed int, err error) {
	allocator, consumed, err = deserialize(buf, base, src)
	return
}

// GenerateDataEvents reports the allocator layout to handler.
//
func (allocator *Allocator) GenerateDataEvents(handler layout.DataEventHandler) (err error) {
	err = allocator.generateDataEvents(handler)
	return
}
