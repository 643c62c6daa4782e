// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package palloc

import (
	"fmt"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/utils"
)

const (
	blockSizeOffset = 0
	segmentsOffset  = 4
	layoutOffset    = 8

	// MaxSegments bounds the segment count an allocator header may declare.
	MaxSegments = 4096
)

type allocatorStatsStruct struct {
	Inits          bucketstats.Total
	Resizes        bucketstats.Total
	ParentGrowths  bucketstats.Total
	CapacityErrors bucketstats.Total
	ResizeDelta    bucketstats.BucketLog2
}

var stats allocatorStatsStruct

func init() {
	bucketstats.Register("palloc", "", &stats)
}

func headerSize(segments int) int {
	return bitmapOffset(segments) + 8*utils.DivUp(segments, 64)
}

func bitmapOffset(segments int) int {
	return utils.RoundUp8(layoutOffset + 4*(segments+1))
}

func initRoot(buf []byte, base int, blockSize int, segments int) (allocator *Allocator, err error) {
	if (segments < 0) || (segments > MaxSegments) {
		err = blunder.NewError(blunder.InvalidArgError, "palloc.Init() segments (%d) out of range", segments)
		return
	}
	if (base < 0) || (blockSize < 0) || (base+blockSize > len(buf)) {
		err = blunder.NewError(blunder.RangeError, "palloc.Init() region [%d,%d) outside block of %d bytes", base, base+blockSize, len(buf))
		return
	}
	if headerSize(segments) > blockSize {
		stats.CapacityErrors.Increment()
		err = blunder.NewError(blunder.CapacityError, "palloc.Init() header for %d segments exceeds blockSize %d", segments, blockSize)
		return
	}

	allocator = &Allocator{buf: buf, base: base}
	allocator.format(blockSize, segments)

	stats.Inits.Increment()

	err = nil
	return
}

func bindRoot(buf []byte, base int) (allocator *Allocator, err error) {
	var (
		blockSize uint32
		segments  uint32
	)

	blockSize, _, err = layout.GetLEUint32FromBuf(buf, base+blockSizeOffset)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	segments, _, err = layout.GetLEUint32FromBuf(buf, base+segmentsOffset)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}

	if (segments > MaxSegments) || (base+int(blockSize) > len(buf)) || (headerSize(int(segments)) > int(blockSize)) {
		err = blunder.NewError(blunder.CorruptLayoutError, "palloc.Bind() header (blockSize %d segments %d) inconsistent with block of %d bytes", blockSize, segments, len(buf))
		return
	}

	allocator = &Allocator{buf: buf, base: base}

	err = nil
	return
}

// format writes an empty header for the region. All segments are empty and
// none is an allocator.
func (allocator *Allocator) format(blockSize int, segments int) {
	buf := allocator.bytes()
	abs := allocator.absBase()

	for i := abs; i < abs+headerSize(segments); i++ {
		buf[i] = 0
	}

	layout.StoreUint32(buf, abs+blockSizeOffset, uint32(blockSize))
	layout.StoreUint32(buf, abs+segmentsOffset, uint32(segments))
}

func (allocator *Allocator) root() (root *Allocator) {
	root = allocator
	for nil != root.parent {
		root = root.parent
	}
	return
}

func (allocator *Allocator) bytes() []byte {
	return allocator.root().buf
}

func (allocator *Allocator) absBase() int {
	if nil == allocator.parent {
		return allocator.base
	}
	return allocator.parent.segmentOffset(allocator.idx)
}

func (allocator *Allocator) blockSize() int {
	return int(layout.LoadUint32(allocator.bytes(), allocator.absBase()+blockSizeOffset))
}

func (allocator *Allocator) setBlockSize(blockSize int) {
	layout.StoreUint32(allocator.bytes(), allocator.absBase()+blockSizeOffset, uint32(blockSize))
}

func (allocator *Allocator) segments() int {
	return int(layout.LoadUint32(allocator.bytes(), allocator.absBase()+segmentsOffset))
}

func (allocator *Allocator) clientStart() int {
	return headerSize(allocator.segments())
}

func (allocator *Allocator) layoutAt(i int) int {
	return int(layout.LoadUint32(allocator.bytes(), allocator.absBase()+layoutOffset+4*i))
}

func (allocator *Allocator) setLayoutAt(i int, offset int) {
	layout.StoreUint32(allocator.bytes(), allocator.absBase()+layoutOffset+4*i, uint32(offset))
}

func (allocator *Allocator) segmentOffset(i int) int {
	return allocator.absBase() + allocator.clientStart() + allocator.layoutAt(i)
}

func (allocator *Allocator) bitmapWordOffset(i int) int {
	return allocator.absBase() + bitmapOffset(allocator.segments()) + 8*(i/64)
}

func (allocator *Allocator) isAllocator(i int) bool {
	word := layout.LoadUint64(allocator.bytes(), allocator.bitmapWordOffset(i))
	return 0 != (word & (uint64(1) << uint(i%64)))
}

func (allocator *Allocator) setAllocator(i int, isAllocator bool) {
	off := allocator.bitmapWordOffset(i)
	word := layout.LoadUint64(allocator.bytes(), off)
	if isAllocator {
		word |= uint64(1) << uint(i%64)
	} else {
		word &^= uint64(1) << uint(i%64)
	}
	layout.StoreUint64(allocator.bytes(), off, word)
}

func (allocator *Allocator) checkSegmentIndex(i int) (err error) {
	if (i < 0) || (i >= allocator.segments()) {
		err = blunder.NewError(blunder.RangeError, "segment index %d out of range [0,%d)", i, allocator.segments())
		return
	}
	err = nil
	return
}

func (allocator *Allocator) tryAllocation(i int, newSize int) bool {
	if nil != allocator.checkSegmentIndex(i) {
		return false
	}
	return utils.RoundUp8(newSize)-allocator.ElementSize(i) <= allocator.Available()
}

func (allocator *Allocator) resizeBlock(i int, newSize int) (usedSize int, err error) {
	var (
		delta    int
		need     int
		segments int
	)

	err = allocator.checkSegmentIndex(i)
	if nil != err {
		return
	}
	if newSize < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "palloc.ResizeBlock() newSize (%d) must not be negative", newSize)
		return
	}

	delta = utils.RoundUp8(newSize) - allocator.ElementSize(i)
	if 0 == delta {
		usedSize = allocator.UsedSize()
		err = nil
		return
	}

	if delta > allocator.FreeSpace() {
		if delta > allocator.Available() {
			stats.CapacityErrors.Increment()
			err = blunder.NewError(blunder.CapacityError, "palloc.ResizeBlock() segment %d needs %d more bytes, %d available", i, delta, allocator.Available())
			return
		}

		// Grow this region through the parent (which cannot fail given Available())
		need = delta - allocator.FreeSpace()
		_, err = allocator.parent.resizeBlock(allocator.idx, allocator.blockSize()+need)
		if nil != err {
			logger.PanicfWithError(err, "palloc parent growth of %d bytes failed after capacity check", need)
		}
		allocator.setBlockSize(allocator.blockSize() + need)
		stats.ParentGrowths.Increment()
	}

	segments = allocator.segments()
	buf := allocator.bytes()
	clientBase := allocator.absBase() + allocator.clientStart()
	tailStart := clientBase + allocator.layoutAt(i+1)
	tailEnd := clientBase + allocator.layoutAt(segments)

	copy(buf[tailStart+delta:tailEnd+delta], buf[tailStart:tailEnd])

	if delta > 0 {
		for pos := tailStart; pos < tailStart+delta; pos++ {
			buf[pos] = 0
		}
	} else {
		for pos := tailEnd + delta; pos < tailEnd; pos++ {
			buf[pos] = 0
		}
	}

	for j := i + 1; j <= segments; j++ {
		allocator.setLayoutAt(j, allocator.layoutAt(j)+delta)
	}

	stats.Resizes.Increment()
	if delta > 0 {
		stats.ResizeDelta.Add(uint64(delta))
	} else {
		stats.ResizeDelta.Add(uint64(-delta))
	}

	usedSize = allocator.UsedSize()
	err = nil
	return
}

func (allocator *Allocator) allocate(i int, size int) (element []byte, err error) {
	_, err = allocator.resizeBlock(i, size)
	if nil != err {
		return
	}

	allocator.setAllocator(i, false)

	element = allocator.Element(i)
	for pos := range element {
		element[pos] = 0
	}

	err = nil
	return
}

func (allocator *Allocator) allocateAllocator(i int, segments int, extraSpace int) (nested *Allocator, err error) {
	var (
		size int
	)

	if (segments < 0) || (segments > MaxSegments) {
		err = blunder.NewError(blunder.InvalidArgError, "palloc.AllocateAllocator() segments (%d) out of range", segments)
		return
	}

	size = headerSize(segments) + utils.RoundUp8(extraSpace)

	_, err = allocator.allocate(i, size)
	if nil != err {
		return
	}

	allocator.setAllocator(i, true)

	nested = &Allocator{parent: allocator, idx: i}
	nested.format(size, segments)

	err = nil
	return
}

func (allocator *Allocator) nested(i int) (nested *Allocator, err error) {
	err = allocator.checkSegmentIndex(i)
	if nil != err {
		return
	}
	if !allocator.isAllocator(i) {
		err = blunder.NewError(blunder.InvalidArgError, "segment %d is not an allocator", i)
		return
	}

	nested = &Allocator{parent: allocator, idx: i}

	err = nil
	return
}

func (allocator *Allocator) free(i int) (err error) {
	_, err = allocator.resizeBlock(i, 0)
	if nil != err {
		return
	}
	allocator.setAllocator(i, false)
	return
}

func (allocator *Allocator) pack() (err error) {
	var (
		nested *Allocator
	)

	for i := 0; i < allocator.segments(); i++ {
		if allocator.isAllocator(i) {
			nested, err = allocator.nested(i)
			if nil != err {
				return
			}
			err = nested.pack()
			if nil != err {
				return
			}
		}
	}

	if nil != allocator.parent {
		err = allocator.enlarge(allocator.UsedSize())
		return
	}

	err = nil
	return
}

func (allocator *Allocator) enlarge(newBlockSize int) (err error) {
	newBlockSize = utils.RoundUp8(newBlockSize)

	if newBlockSize < allocator.UsedSize() {
		err = blunder.NewError(blunder.InvalidArgError, "palloc.Enlarge() newBlockSize %d below used size %d", newBlockSize, allocator.UsedSize())
		return
	}

	if nil == allocator.parent {
		if allocator.base+newBlockSize > len(allocator.buf) {
			stats.CapacityErrors.Increment()
			err = blunder.NewError(blunder.CapacityError, "palloc.Enlarge() to %d bytes exceeds block of %d bytes", newBlockSize, len(allocator.buf))
			return
		}
	} else {
		_, err = allocator.parent.resizeBlock(allocator.idx, newBlockSize)
		if nil != err {
			return
		}
	}

	allocator.setBlockSize(newBlockSize)

	err = nil
	return
}

func (allocator *Allocator) importSegment(i int, src *Allocator, j int) (err error) {
	var (
		srcBytes []byte
	)

	err = src.checkSegmentIndex(j)
	if nil != err {
		return
	}

	// Copy first: src may share the block with allocator
	srcBytes = make([]byte, src.ElementSize(j))
	copy(srcBytes, src.Element(j))

	_, err = allocator.resizeBlock(i, len(srcBytes))
	if nil != err {
		return
	}

	copy(allocator.Element(i), srcBytes)
	allocator.setAllocator(i, src.isAllocator(j))

	err = nil
	return
}

func (allocator *Allocator) check() (err error) {
	var (
		abs       int
		blockSize int
		nested    *Allocator
		prev      int
		segments  int
	)

	abs = allocator.absBase()
	blockSize = allocator.blockSize()
	segments = allocator.segments()

	if segments > MaxSegments {
		err = blunder.NewError(blunder.CorruptLayoutError, "allocator at %d declares %d segments", abs, segments)
		return
	}
	if headerSize(segments) > blockSize {
		err = blunder.NewError(blunder.CorruptLayoutError, "allocator at %d blockSize %d smaller than its header", abs, blockSize)
		return
	}
	if abs+blockSize > len(allocator.bytes()) {
		err = blunder.NewError(blunder.CorruptLayoutError, "allocator at %d blockSize %d exceeds block of %d bytes", abs, blockSize, len(allocator.bytes()))
		return
	}
	if nil != allocator.parent && allocator.parent.ElementSize(allocator.idx) != blockSize {
		err = blunder.NewError(blunder.CorruptLayoutError, "nested allocator blockSize %d != parent segment size %d", blockSize, allocator.parent.ElementSize(allocator.idx))
		return
	}

	prev = allocator.layoutAt(0)
	if 0 != prev {
		err = blunder.NewError(blunder.CorruptLayoutError, "allocator at %d first segment offset %d != 0", abs, prev)
		return
	}
	for i := 1; i <= segments; i++ {
		cur := allocator.layoutAt(i)
		if (cur < prev) || (0 != cur%utils.Alignment) {
			err = blunder.NewError(blunder.CorruptLayoutError, "allocator at %d segment offset[%d] %d invalid (previous %d)", abs, i, cur, prev)
			return
		}
		prev = cur
	}
	if headerSize(segments)+prev > blockSize {
		err = blunder.NewError(blunder.CorruptLayoutError, "allocator at %d segments end at %d beyond blockSize %d", abs, headerSize(segments)+prev, blockSize)
		return
	}

	for i := 0; i < segments; i++ {
		if allocator.isAllocator(i) {
			nested, err = allocator.nested(i)
			if nil != err {
				return
			}
			err = nested.check()
			if nil != err {
				return
			}
		}
	}

	err = nil
	return
}

func appendUint32(dst []byte, u32 uint32) []byte {
	var scratch [4]byte
	layout.ByteOrder.PutUint32(scratch[:], u32)
	return append(dst, scratch[:]...)
}

func appendUint64(dst []byte, u64 uint64) []byte {
	var scratch [8]byte
	layout.ByteOrder.PutUint64(scratch[:], u64)
	return append(dst, scratch[:]...)
}

func (allocator *Allocator) serialize() (serialized []byte, err error) {
	serialized, err = allocator.appendSerialized(make([]byte, 0, allocator.UsedSize()))
	return
}

func (allocator *Allocator) appendSerialized(dst []byte) (serialized []byte, err error) {
	var (
		nested   *Allocator
		segments int
	)

	segments = allocator.segments()
	serialized = dst

	serialized = appendUint32(serialized, uint32(allocator.blockSize()-allocator.FreeSpace()))
	serialized = appendUint32(serialized, uint32(segments))
	for i := 0; i <= segments; i++ {
		serialized = appendUint32(serialized, uint32(allocator.layoutAt(i)))
	}
	for w := 0; w < utils.DivUp(segments, 64); w++ {
		serialized = appendUint64(serialized, layout.LoadUint64(allocator.bytes(), allocator.bitmapWordOffset(64*w)))
	}

	for i := 0; i < segments; i++ {
		if allocator.isAllocator(i) {
			nested, err = allocator.nested(i)
			if nil != err {
				return
			}
			serialized, err = nested.appendSerialized(serialized)
			if nil != err {
				return
			}
		} else {
			serialized = append(serialized, allocator.Element(i)...)
		}
	}

	err = nil
	return
}

func deserialize(buf []byte, base int, src []byte) (allocator *Allocator, consumed int, err error) {
	var (
		usedSize uint32
	)

	usedSize, _, err = layout.GetLEUint32FromBuf(src, 0)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if base+int(usedSize) > len(buf) {
		err = blunder.NewError(blunder.CapacityError, "palloc.Deserialize() needs %d bytes at %d, block has %d", usedSize, base, len(buf))
		return
	}

	// The root region keeps whatever room the block offers
	consumed, err = deserializeAt(buf, base, len(buf)-base, src)
	if nil != err {
		return
	}

	allocator, err = bindRoot(buf, base)

	return
}

// deserializeAt recreates the allocator serialized at src into
// buf[abs:abs+regionSize].
func deserializeAt(buf []byte, abs int, regionSize int, src []byte) (consumed int, err error) {
	var (
		bitmap      uint64
		curPos      int
		offset      uint32
		offsets     []int
		segments    uint32
		segmentSize int
		usedSize    uint32
		words       int
	)

	usedSize, curPos, err = layout.GetLEUint32FromBuf(src, 0)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	segments, curPos, err = layout.GetLEUint32FromBuf(src, curPos)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if (segments > MaxSegments) || (int(usedSize) > regionSize) || (headerSize(int(segments)) > int(usedSize)) {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized allocator (used %d segments %d) does not fit region of %d bytes", usedSize, segments, regionSize)
		return
	}

	for i := abs; i < abs+regionSize; i++ {
		buf[i] = 0
	}
	layout.StoreUint32(buf, abs+blockSizeOffset, uint32(regionSize))
	layout.StoreUint32(buf, abs+segmentsOffset, segments)

	offsets = make([]int, segments+1)
	for i := 0; i <= int(segments); i++ {
		offset, curPos, err = layout.GetLEUint32FromBuf(src, curPos)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptLayoutError)
			return
		}
		offsets[i] = int(offset)
		layout.StoreUint32(buf, abs+layoutOffset+4*i, offset)
	}
	if headerSize(int(segments))+offsets[segments] != int(usedSize) {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized allocator segments end at %d, used size is %d", headerSize(int(segments))+offsets[segments], usedSize)
		return
	}

	words = utils.DivUp(int(segments), 64)
	for w := 0; w < words; w++ {
		bitmap, curPos, err = layout.GetLEUint64FromBuf(src, curPos)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptLayoutError)
			return
		}
		layout.StoreUint64(buf, abs+bitmapOffset(int(segments))+8*w, bitmap)
	}

	for i := 0; i < int(segments); i++ {
		segmentSize = offsets[i+1] - offsets[i]
		if segmentSize < 0 {
			err = blunder.NewError(blunder.CorruptLayoutError, "serialized allocator segment %d has negative size", i)
			return
		}
		segmentAbs := abs + headerSize(int(segments)) + offsets[i]
		word := layout.LoadUint64(buf, abs+bitmapOffset(int(segments))+8*(i/64))
		if 0 != (word & (uint64(1) << uint(i%64))) {
			var nestedConsumed int
			nestedConsumed, err = deserializeAt(buf, segmentAbs, segmentSize, src[curPos:])
			if nil != err {
				return
			}
			curPos += nestedConsumed
		} else {
			if curPos+segmentSize > len(src) {
				err = blunder.NewError(blunder.CorruptLayoutError, "serialized allocator truncated in segment %d", i)
				return
			}
			copy(buf[segmentAbs:segmentAbs+segmentSize], src[curPos:curPos+segmentSize])
			curPos += segmentSize
		}
	}

	consumed = curPos
	err = nil
	return
}

func (allocator *Allocator) generateDataEvents(handler layout.DataEventHandler) (err error) {
	var (
		nested   *Allocator
		offsets  []uint64
		segments int
	)

	segments = allocator.segments()

	handler.StartGroup("PackedAllocator", segments)
	handler.Value("BlockSize", uint64(allocator.blockSize()))
	handler.Value("Segments", uint64(segments))

	offsets = make([]uint64, segments+1)
	for i := range offsets {
		offsets[i] = uint64(allocator.layoutAt(i))
	}
	handler.Values("Layout", offsets)

	for i := 0; i < segments; i++ {
		if allocator.isAllocator(i) {
			nested, err = allocator.nested(i)
			if nil != err {
				return
			}
			err = nested.generateDataEvents(handler)
			if nil != err {
				return
			}
		} else {
			handler.Value(fmt.Sprintf("Segment[%d]", i), uint64(allocator.ElementSize(i)))
		}
	}

	handler.EndGroup()

	err = nil
	return
}
