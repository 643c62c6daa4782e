// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"fmt"
	"math/bits"

	popcount "github.com/hideo55/go-popcount"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/palloc"
	"github.com/NVIDIA/pkdtree/utils"
)

const (
	bitmapMetaSegment = 0

	bitmapMetaVersionV1 uint32 = 1

	// BitmapMaxLevels bounds the levels of a Bitmap. Sizes are multiples of
	// BitmapGranule so every level divides evenly.
	BitmapMaxLevels = 7
	BitmapGranule   = 64

	// BitmapSpan is the number of bits summarized by one index entry.
	BitmapSpan = 512

	bitmapSpanWords = BitmapSpan / 64
)

type bitmapMetaV1Struct struct {
	Size    uint64 // level 0 bits
	Levels  uint32
	Version uint32 // == bitmapMetaVersionV1
}

// Bitmap is a packed multi-level free space bitmap. A 0 bit at level 0 is a
// free unit, a 1 bit a used one. Bit i of level k covers level 0 bits
// [i<<k, (i+1)<<k) and is 1 if any of them is used, so a 0 at level k is a
// free aligned run of 1<<k units.
//
// Level k lives in segment 1+2k (the bits, 64 per word) and segment 2+2k
// (the count of 0 bits in every BitmapSpan bit span).
//
// As a Stream a Bitmap has one summed column per level holding its free
// count.
//
type Bitmap struct {
	alloc  *palloc.Allocator
	levels int
}

func bitsSegment(level int) int {
	return 1 + 2*level
}

func spanSegment(level int) int {
	return 2 + 2*level
}

func bitmapLevelWords(size int, level int) int {
	return utils.DivUp(size>>uint(level), 64)
}

func bitmapLevelSpans(size int, level int) int {
	return utils.DivUp(size>>uint(level), BitmapSpan)
}

func validateBitmapGeometry(levels int, size int) (err error) {
	if (levels < 1) || (levels > BitmapMaxLevels) {
		err = blunder.NewError(blunder.InvalidArgError, "Bitmap levels %d out of range [1,%d]", levels, BitmapMaxLevels)
		return
	}
	if (size < 0) || (0 != size%BitmapGranule) {
		err = blunder.NewError(blunder.InvalidArgError, "Bitmap size %d is not a multiple of %d", size, BitmapGranule)
		return
	}
	err = nil
	return
}

func bitmapContentBytes(levels int, size int) (contentBytes int) {
	for level := 0; level < levels; level++ {
		contentBytes += 8*bitmapLevelWords(size, level) + 8*bitmapLevelSpans(size, level)
	}
	return
}

func bitmapBytes(levels int, size int) int {
	return palloc.HeaderSize(1+2*levels) + bitmapMetaBytes + bitmapContentBytes(levels, size)
}

func newBitmap(parent *palloc.Allocator, segment int, levels int, size int) (bitmap *Bitmap, err error) {
	var (
		alloc *palloc.Allocator
	)

	err = validateBitmapGeometry(levels, size)
	if nil != err {
		return
	}

	if !parent.TryAllocation(segment, bitmapBytes(levels, size)) {
		err = blunder.NewError(blunder.CapacityError, "no room for a %d bit Bitmap in segment %d", size, segment)
		return
	}

	alloc, err = parent.AllocateAllocator(segment, 1+2*levels, bitmapMetaBytes+bitmapContentBytes(levels, size))
	if nil != err {
		return
	}
	_, err = alloc.Allocate(bitmapMetaSegment, bitmapMetaBytes)
	if nil != err {
		return
	}
	for level := 0; level < levels; level++ {
		_, err = alloc.Allocate(bitsSegment(level), 8*bitmapLevelWords(size, level))
		if nil != err {
			return
		}
		_, err = alloc.Allocate(spanSegment(level), 8*bitmapLevelSpans(size, level))
		if nil != err {
			return
		}
	}

	bitmap = &Bitmap{alloc: alloc, levels: levels}

	err = bitmap.writeMeta(size)
	if nil != err {
		bitmap = nil
		return
	}

	err = bitmap.Reindex()
	return
}

func bindBitmap(parent *palloc.Allocator, segment int) (bitmap *Bitmap, err error) {
	var (
		alloc *palloc.Allocator
		meta  bitmapMetaV1Struct
	)

	alloc, err = parent.Nested(segment)
	if nil != err {
		return
	}
	if (alloc.Segments() < 3) || (alloc.ElementSize(bitmapMetaSegment) < bitmapMetaBytes) {
		err = blunder.NewError(blunder.CorruptLayoutError, "segment %d does not hold a Bitmap", segment)
		return
	}

	_, err = unpackMeta(alloc.Element(bitmapMetaSegment), &meta)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if (bitmapMetaVersionV1 != meta.Version) || (alloc.Segments() != 1+2*int(meta.Levels)) {
		err = blunder.NewError(blunder.CorruptLayoutError, "Bitmap meta (version %d, levels %d) does not match segment %d", meta.Version, meta.Levels, segment)
		return
	}

	bitmap = &Bitmap{alloc: alloc, levels: int(meta.Levels)}

	err = nil
	return
}

func (bitmap *Bitmap) writeMeta(size int) (err error) {
	meta := bitmapMetaV1Struct{
		Size:    uint64(size),
		Levels:  uint32(bitmap.levels),
		Version: bitmapMetaVersionV1,
	}

	err = packMeta(&meta, bitmap.alloc.Element(bitmapMetaSegment))
	return
}

// Allocator returns the nested allocator holding the bitmap.
func (bitmap *Bitmap) Allocator() *palloc.Allocator {
	return bitmap.alloc
}

// Size returns the number of level 0 bits.
func (bitmap *Bitmap) Size() int {
	return int(layout.LoadUint64(bitmap.alloc.Bytes(), bitmap.alloc.ElementOffset(bitmapMetaSegment)))
}

func (bitmap *Bitmap) Levels() int {
	return bitmap.levels
}

// LevelSize returns the number of bits of level.
func (bitmap *Bitmap) LevelSize(level int) int {
	return bitmap.Size() >> uint(level)
}

func (bitmap *Bitmap) Columns() int {
	return bitmap.levels
}

func (bitmap *Bitmap) IndexKind(col int) IndexKind {
	return IndexSum
}

func validMask(levelSize int, word int) uint64 {
	switch {
	case (word+1)*64 <= levelSize:
		return ^uint64(0)
	case word*64 >= levelSize:
		return 0
	default:
		return (uint64(1) << uint(levelSize-word*64)) - 1
	}
}

// compressPairs ORs every pair of adjacent bits of x into one bit of the
// result.
func compressPairs(x uint64) uint64 {
	x = (x | (x >> 1)) & 0x5555555555555555
	x = (x | (x >> 1)) & 0x3333333333333333
	x = (x | (x >> 2)) & 0x0F0F0F0F0F0F0F0F
	x = (x | (x >> 4)) & 0x00FF00FF00FF00FF
	x = (x | (x >> 8)) & 0x0000FFFF0000FFFF
	x = (x | (x >> 16)) & 0x00000000FFFFFFFF
	return x
}

func selectInWord(x uint64, rank uint64) int {
	for ; rank > 0; rank-- {
		x &= x - 1
	}
	return bits.TrailingZeros64(x)
}

// CheckLevel fails with an InvalidArgError unless level exists.
func (bitmap *Bitmap) CheckLevel(level int) (err error) {
	if (level < 0) || (level >= bitmap.levels) {
		err = blunder.NewError(blunder.InvalidArgError, "Bitmap has no level %d", level)
		return
	}
	err = nil
	return
}

// Get returns true if bit pos of level is set (not entirely free).
func (bitmap *Bitmap) Get(level int, pos int) bool {
	word := layout.LoadUint64(bitmap.alloc.Element(bitsSegment(level)), (pos/64)*8)
	return 0 != (word>>uint(pos%64))&1
}

// Free returns the number of 0 bits of level.
func (bitmap *Bitmap) Free(level int) (free int) {
	spans := bitmap.alloc.Element(spanSegment(level))
	for off := 0; off < len(spans); off += 8 {
		free += int(layout.LoadUint64(spans, off))
	}
	return
}

// Rank0 returns the number of 0 bits of level before pos.
func (bitmap *Bitmap) Rank0(level int, pos int) (rank int) {
	var (
		levelSize = bitmap.LevelSize(level)
	)

	if pos > levelSize {
		pos = levelSize
	}

	spans := bitmap.alloc.Element(spanSegment(level))
	words := bitmap.alloc.Element(bitsSegment(level))

	span := pos / BitmapSpan
	for s := 0; s < span; s++ {
		rank += int(layout.LoadUint64(spans, s*8))
	}

	for w := span * bitmapSpanWords; w*64 < pos; w++ {
		zeros := ^layout.LoadUint64(words, w*8) & validMask(pos, w)
		rank += int(popcount.Count(zeros))
	}

	return
}

// Select0 returns the position of the 0 bit of level with the given rank
// (counting from 0), or LevelSize(level) if there are not that many.
func (bitmap *Bitmap) Select0(level int, rank int) (pos int) {
	var (
		levelSize = bitmap.LevelSize(level)
		remaining = uint64(rank)
	)

	if rank < 0 {
		pos = levelSize
		return
	}

	spans := bitmap.alloc.Element(spanSegment(level))
	words := bitmap.alloc.Element(bitsSegment(level))
	spanCount := len(spans) / 8

	span := 0
	for ; span < spanCount; span++ {
		zeros := layout.LoadUint64(spans, span*8)
		if remaining < zeros {
			break
		}
		remaining -= zeros
	}
	if span == spanCount {
		pos = levelSize
		return
	}

	wordCount := len(words) / 8
	for w := span * bitmapSpanWords; w < wordCount; w++ {
		zeros := ^layout.LoadUint64(words, w*8) & validMask(levelSize, w)
		count := popcount.Count(zeros)
		if remaining < count {
			pos = w*64 + selectInWord(zeros, remaining)
			return
		}
		remaining -= count
	}

	pos = levelSize
	return
}

// CountFw returns the length of the run of 0 bits of level starting at pos,
// capped at limit.
func (bitmap *Bitmap) CountFw(level int, pos int, limit int) (count int) {
	var (
		end = utils.MinInt(bitmap.LevelSize(level), pos+limit)
	)

	if pos >= end {
		return
	}

	words := bitmap.alloc.Element(bitsSegment(level))

	for pos+count < end {
		at := pos + count
		word := layout.LoadUint64(words, (at/64)*8) >> uint(at%64)
		if 0 != word {
			count += bits.TrailingZeros64(word)
			break
		}
		count += 64 - at%64
	}

	if count > end-pos {
		count = end - pos
	}
	return
}

func setRange(words []byte, start int, end int, value bool) {
	for pos := start; pos < end; {
		w := pos / 64
		lo := uint(pos % 64)
		n := utils.MinInt(64-int(lo), end-pos)
		var mask uint64
		if 64 == n {
			mask = ^uint64(0)
		} else {
			mask = ((uint64(1) << uint(n)) - 1) << lo
		}
		word := layout.LoadUint64(words, w*8)
		if value {
			word |= mask
		} else {
			word &^= mask
		}
		layout.StoreUint64(words, w*8, word)
		pos += n
	}
}

func (bitmap *Bitmap) checkRange(level int, pos int, count int) (err error) {
	err = bitmap.CheckLevel(level)
	if nil != err {
		return
	}
	if (pos < 0) || (count < 0) || (pos+count > bitmap.LevelSize(level)) {
		err = blunder.NewError(blunder.RangeError, "Bitmap range [%d,%d) outside level %d of %d bits", pos, pos+count, level, bitmap.LevelSize(level))
		return
	}
	err = nil
	return
}

// SetBits marks the units covered by bits [pos, pos+count) of level as used.
func (bitmap *Bitmap) SetBits(level int, pos int, count int) (err error) {
	err = bitmap.changeBits(level, pos, count, true)
	return
}

// ClearBits marks the units covered by bits [pos, pos+count) of level as free.
func (bitmap *Bitmap) ClearBits(level int, pos int, count int) (err error) {
	err = bitmap.changeBits(level, pos, count, false)
	return
}

func (bitmap *Bitmap) changeBits(level int, pos int, count int, value bool) (err error) {
	err = bitmap.checkRange(level, pos, count)
	if nil != err {
		return
	}
	if 0 == count {
		return
	}

	start := pos << uint(level)
	end := (pos + count) << uint(level)

	setRange(bitmap.alloc.Element(bitsSegment(0)), start, end, value)

	bitmap.rederive(start/64, (end-1)/64)

	err = nil
	return
}

// rederive recomputes levels 1.. and every span count over level 0 words
// [firstWord, lastWord].
func (bitmap *Bitmap) rederive(firstWord int, lastWord int) {
	var (
		size = bitmap.Size()
	)

	bitmap.recount(0, firstWord, lastWord)

	for level := 1; level < bitmap.levels; level++ {
		lower := bitmap.alloc.Element(bitsSegment(level - 1))
		upper := bitmap.alloc.Element(bitsSegment(level))
		lowerWords := len(lower) / 8
		levelSize := size >> uint(level)

		firstWord /= 2
		lastWord /= 2

		for w := firstWord; w <= lastWord; w++ {
			var word uint64
			if 2*w < lowerWords {
				word = compressPairs(layout.LoadUint64(lower, 2*w*8))
			}
			if 2*w+1 < lowerWords {
				word |= compressPairs(layout.LoadUint64(lower, (2*w+1)*8)) << 32
			}
			layout.StoreUint64(upper, w*8, word&validMask(levelSize, w))
		}

		bitmap.recount(level, firstWord, lastWord)
	}
}

// recount recomputes the span counts of level covering words [firstWord, lastWord].
func (bitmap *Bitmap) recount(level int, firstWord int, lastWord int) {
	var (
		levelSize = bitmap.LevelSize(level)
	)

	words := bitmap.alloc.Element(bitsSegment(level))
	spans := bitmap.alloc.Element(spanSegment(level))

	for span := firstWord / bitmapSpanWords; span <= lastWord/bitmapSpanWords; span++ {
		if span*8 >= len(spans) {
			break
		}
		layout.StoreUint64(spans, span*8, bitmap.spanZeros(words, levelSize, span))
	}
}

func (bitmap *Bitmap) spanZeros(words []byte, levelSize int, span int) (zeros uint64) {
	wordCount := len(words) / 8
	for w := span * bitmapSpanWords; (w < (span+1)*bitmapSpanWords) && (w < wordCount); w++ {
		zeros += popcount.Count(^layout.LoadUint64(words, w*8) & validMask(levelSize, w))
	}
	return
}

// Reindex rederives every upper level and span count from level 0.
func (bitmap *Bitmap) Reindex() (err error) {
	var (
		size = bitmap.Size()
	)

	for level := 0; level < bitmap.levels; level++ {
		if (bitmap.alloc.ElementSize(bitsSegment(level)) != utils.RoundUp8(8*bitmapLevelWords(size, level))) ||
			(bitmap.alloc.ElementSize(spanSegment(level)) != 8*bitmapLevelSpans(size, level)) {
			err = blunder.NewError(blunder.CapacityError, "Bitmap level %d segments do not fit %d bits", level, size)
			return
		}
	}

	stats.Reindexes.Increment()

	words := bitmap.alloc.Element(bitsSegment(0))
	if len(words) > 0 {
		bitmap.rederive(0, len(words)/8-1)
	}

	err = nil
	return
}

// Enlarge grows the bitmap to newSize level 0 bits; the new bits are free.
// Nothing changes if the enclosing allocators cannot provide the room.
func (bitmap *Bitmap) Enlarge(newSize int) (err error) {
	var (
		growth int
		size   = bitmap.Size()
	)

	err = validateBitmapGeometry(bitmap.levels, newSize)
	if nil != err {
		return
	}
	if newSize < size {
		err = blunder.NewError(blunder.InvalidArgError, "Bitmap.Enlarge() from %d to %d bits would shrink", size, newSize)
		return
	}

	growth = bitmapContentBytes(bitmap.levels, newSize) - bitmapContentBytes(bitmap.levels, size)
	if growth > bitmap.alloc.Available() {
		stats.PrepareFailures.Increment()
		err = blunder.NewError(blunder.CapacityError, "Bitmap.Enlarge() to %d bits needs %d bytes, %d available", newSize, growth, bitmap.alloc.Available())
		return
	}

	for level := 0; level < bitmap.levels; level++ {
		_, err = bitmap.alloc.ResizeBlock(bitsSegment(level), 8*bitmapLevelWords(newSize, level))
		if nil != err {
			return
		}
		_, err = bitmap.alloc.ResizeBlock(spanSegment(level), 8*bitmapLevelSpans(newSize, level))
		if nil != err {
			return
		}
	}

	err = bitmap.writeMeta(newSize)
	if nil != err {
		return
	}

	err = bitmap.Reindex()
	return
}

// Totals returns the free count of every level.
func (bitmap *Bitmap) Totals() (totals []uint64) {
	totals = make([]uint64, bitmap.levels)
	for level := range totals {
		totals[level] = uint64(bitmap.Free(level))
	}
	return
}

// Check verifies that every upper level and span count matches level 0.
func (bitmap *Bitmap) Check() (err error) {
	var (
		size = bitmap.Size()
	)

	defer func() {
		if nil != err {
			stats.CheckFailures.Increment()
		}
	}()

	for level := 0; level < bitmap.levels; level++ {
		words := bitmap.alloc.Element(bitsSegment(level))
		spans := bitmap.alloc.Element(spanSegment(level))
		levelSize := size >> uint(level)

		if (len(words) != 8*bitmapLevelWords(size, level)) || (len(spans) != 8*bitmapLevelSpans(size, level)) {
			err = blunder.NewError(blunder.StructuralInvariantError, "Bitmap level %d segments are sized for a different bit count", level)
			return
		}

		for w := 0; w < len(words)/8; w++ {
			word := layout.LoadUint64(words, w*8)
			if 0 != word&^validMask(levelSize, w) {
				err = blunder.NewError(blunder.StructuralInvariantError, "Bitmap level %d word %d has bits past the end", level, w)
				return
			}
			if level > 0 {
				lower := bitmap.alloc.Element(bitsSegment(level - 1))
				var expected uint64
				if 2*w < len(lower)/8 {
					expected = compressPairs(layout.LoadUint64(lower, 2*w*8))
				}
				if 2*w+1 < len(lower)/8 {
					expected |= compressPairs(layout.LoadUint64(lower, (2*w+1)*8)) << 32
				}
				if expected&validMask(levelSize, w) != word {
					err = blunder.NewError(blunder.StructuralInvariantError, "Bitmap level %d word %d is not the OR of level %d", level, w, level-1)
					return
				}
			}
		}

		for span := 0; span < len(spans)/8; span++ {
			if bitmap.spanZeros(words, levelSize, span) != layout.LoadUint64(spans, span*8) {
				err = blunder.NewError(blunder.StructuralInvariantError, "Bitmap level %d span %d count is stale", level, span)
				return
			}
		}
	}

	err = nil
	return
}

// CompareWith returns a StructuralInvariantError naming the first level 0
// bit at which bitmap and other differ.
func (bitmap *Bitmap) CompareWith(other *Bitmap) (err error) {
	if bitmap.Size() != other.Size() {
		err = blunder.NewError(blunder.StructuralInvariantError, "Bitmap sizes differ: %d != %d", bitmap.Size(), other.Size())
		return
	}

	mine := bitmap.alloc.Element(bitsSegment(0))
	theirs := other.alloc.Element(bitsSegment(0))
	for w := 0; w < len(mine)/8; w++ {
		diff := layout.LoadUint64(mine, w*8) ^ layout.LoadUint64(theirs, w*8)
		if 0 != diff {
			pos := w*64 + bits.TrailingZeros64(diff)
			err = blunder.NewError(blunder.StructuralInvariantError, "Bitmaps differ at bit %d (%v != %v)", pos, bitmap.Get(0, pos), other.Get(0, pos))
			return
		}
	}

	err = nil
	return
}

// ScanUnallocated calls fn for every maximal run of 0 bits of level, in
// order, until fn returns false.
func (bitmap *Bitmap) ScanUnallocated(level int, fn func(pos int, length int) bool) {
	var (
		levelSize = bitmap.LevelSize(level)
		pos       = bitmap.Select0(level, 0)
	)

	for pos < levelSize {
		length := bitmap.CountFw(level, pos, levelSize-pos)
		if !fn(pos, length) {
			return
		}
		pos += length
		for (pos < levelSize) && bitmap.Get(level, pos) {
			pos++
		}
	}
}

// Serialize returns the meta record followed by the level 0 words.
func (bitmap *Bitmap) Serialize() (serialized []byte, err error) {
	words := bitmap.alloc.Element(bitsSegment(0))

	serialized = make([]byte, bitmapMetaBytes+len(words))

	meta := bitmapMetaV1Struct{
		Size:    uint64(bitmap.Size()),
		Levels:  uint32(bitmap.levels),
		Version: bitmapMetaVersionV1,
	}
	err = packMeta(&meta, serialized[:bitmapMetaBytes])
	if nil != err {
		return
	}

	copy(serialized[bitmapMetaBytes:], words)

	err = nil
	return
}

func deserializeBitmap(parent *palloc.Allocator, segment int, src []byte) (bitmap *Bitmap, consumed int, err error) {
	var (
		meta bitmapMetaV1Struct
	)

	if len(src) < bitmapMetaBytes {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized Bitmap is %d bytes, header needs %d", len(src), bitmapMetaBytes)
		return
	}

	_, err = unpackMeta(src, &meta)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}

	wordBytes := 8 * bitmapLevelWords(int(meta.Size), 0)
	if (bitmapMetaVersionV1 != meta.Version) || (bitmapMetaBytes+wordBytes > len(src)) {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized Bitmap header is invalid")
		return
	}

	bitmap, err = newBitmap(parent, segment, int(meta.Levels), int(meta.Size))
	if nil != err {
		return
	}

	copy(bitmap.alloc.Element(bitsSegment(0)), src[bitmapMetaBytes:bitmapMetaBytes+wordBytes])

	err = bitmap.Reindex()
	if nil != err {
		return
	}

	consumed = bitmapMetaBytes + wordBytes
	err = nil
	return
}

// GenerateDataEvents reports the meta fields and the free count of every
// level to handler.
func (bitmap *Bitmap) GenerateDataEvents(handler layout.DataEventHandler) (err error) {
	handler.StartGroup("Bitmap", bitmap.levels)
	handler.Value("Size", uint64(bitmap.Size()))
	handler.Value("Levels", uint64(bitmap.levels))
	handler.Values("Free", bitmap.Totals())
	for level := 0; level < bitmap.levels; level++ {
		words := bitmap.alloc.Element(bitsSegment(level))
		values := make([]uint64, len(words)/8)
		for w := range values {
			values[w] = layout.LoadUint64(words, w*8)
		}
		handler.Values(fmt.Sprintf("Level[%d]", level), values)
	}
	handler.EndGroup()

	err = nil
	return
}
