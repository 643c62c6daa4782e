// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/pkd"
)

// LeafNode is the leaf variant of a Node.
type LeafNode struct {
	node    *Node
	streams []pkd.Stream
}

func (leaf *LeafNode) Node() *Node {
	return leaf.node
}

func (leaf *LeafNode) Streams() int {
	return len(leaf.streams)
}

func (leaf *LeafNode) Stream(s int) pkd.Stream {
	return leaf.streams[s]
}

func (leaf *LeafNode) checkStream(s int) (err error) {
	if (s < 0) || (s >= len(leaf.streams)) {
		err = blunder.NewError(blunder.InvalidArgError, "leaf has no stream %d", s)
		return
	}
	err = nil
	return
}

// RowStream returns stream s if it is addressed by rows.
func (leaf *LeafNode) RowStream(s int) (stream pkd.RowStream, err error) {
	var (
		ok bool
	)

	err = leaf.checkStream(s)
	if nil != err {
		return
	}
	stream, ok = leaf.streams[s].(pkd.RowStream)
	if !ok {
		err = blunder.NewError(blunder.NotSupportedError, "leaf stream %d is not a row stream", s)
		return
	}
	err = nil
	return
}

// Bitmap returns stream s if it is a bitmap.
func (leaf *LeafNode) Bitmap(s int) (bitmap *pkd.Bitmap, err error) {
	var (
		ok bool
	)

	err = leaf.checkStream(s)
	if nil != err {
		return
	}
	bitmap, ok = leaf.streams[s].(*pkd.Bitmap)
	if !ok {
		err = blunder.NewError(blunder.NotSupportedError, "leaf stream %d is not a bitmap", s)
		return
	}
	err = nil
	return
}

// Size returns the element count of stream s.
func (leaf *LeafNode) Size(s int) int {
	return leaf.streams[s].Size()
}

func (leaf *LeafNode) StreamSize(s int) int {
	return leaf.Size(s)
}

// Summary returns the element count of stream s followed by the aggregates
// of its summarized columns.
func (leaf *LeafNode) Summary(s int) (summary []uint64) {
	totals := leaf.streams[s].Totals()

	summary = []uint64{uint64(leaf.Size(s))}
	for _, col := range leaf.node.schema.Streams[s].Summarized {
		summary = append(summary, totals[col])
	}
	return
}

// FindForward searches leaf column col of stream s. CountColumn counts every
// element as 1.
func (leaf *LeafNode) FindForward(s int, col int, start int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64, err error) {
	var (
		stream pkd.RowStream
	)

	if CountColumn == col {
		err = leaf.checkStream(s)
		if nil != err {
			return
		}
		idx, prefix = countForward(leaf.Size(s), start, k, searchType)
		return
	}

	if bitmap, ok := leaf.streams[s].(*pkd.Bitmap); ok {
		err = bitmap.CheckLevel(col)
		if nil != err {
			return
		}
		idx, prefix = bitmapFindForward(bitmap, col, start, k, searchType)
		return
	}

	stream, err = leaf.RowStream(s)
	if nil != err {
		return
	}
	idx, prefix = stream.FindForward(col, start, k, searchType)
	return
}

// FindBackward searches leaf column col of stream s backward.
func (leaf *LeafNode) FindBackward(s int, col int, end int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64, err error) {
	var (
		stream pkd.RowStream
	)

	if CountColumn == col {
		err = leaf.checkStream(s)
		if nil != err {
			return
		}
		idx, prefix = countBackward(leaf.Size(s), end, k, searchType)
		return
	}

	if bitmap, ok := leaf.streams[s].(*pkd.Bitmap); ok {
		err = bitmap.CheckLevel(col)
		if nil != err {
			return
		}
		idx, prefix = bitmapFindBackward(bitmap, col, end, k, searchType)
		return
	}

	stream, err = leaf.RowStream(s)
	if nil != err {
		return
	}
	idx, prefix = stream.FindBackward(col, end, k, searchType)
	return
}

func countForward(size int, start int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64) {
	var (
		steps int
	)

	if start < 0 {
		start = 0
	}
	if pkd.GT == searchType {
		steps = int(k)
	} else if k > 0 {
		steps = int(k) - 1
	}

	if (k > uint64(size)) || (start+steps >= size) {
		idx = size
		prefix = uint64(size - start)
		return
	}

	idx = start + steps
	prefix = uint64(steps)
	return
}

func countBackward(size int, end int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64) {
	var (
		steps int
	)

	if end >= size {
		end = size - 1
	}
	if pkd.GT == searchType {
		steps = int(k)
	} else if k > 0 {
		steps = int(k) - 1
	}

	if (k > uint64(size)) || (end-steps < 0) {
		idx = -1
		prefix = uint64(end + 1)
		return
	}

	idx = end - steps
	prefix = uint64(steps)
	return
}

// Sum aggregates leaf column col of stream s over [start, end).
func (leaf *LeafNode) Sum(s int, col int, start int, end int) (sum uint64, err error) {
	var (
		stream pkd.RowStream
	)

	if CountColumn == col {
		err = leaf.checkStream(s)
		if nil != err {
			return
		}
		if start < 0 {
			start = 0
		}
		if end > leaf.Size(s) {
			end = leaf.Size(s)
		}
		if end > start {
			sum = uint64(end - start)
		}
		return
	}

	if bitmap, ok := leaf.streams[s].(*pkd.Bitmap); ok {
		err = bitmap.CheckLevel(col)
		if nil != err {
			return
		}
		if end > bitmap.LevelSize(col) {
			end = bitmap.LevelSize(col)
		}
		if start < 0 {
			start = 0
		}
		if end > start {
			sum = uint64(bitmap.Rank0(col, end) - bitmap.Rank0(col, start))
		}
		return
	}

	stream, err = leaf.RowStream(s)
	if nil != err {
		return
	}
	sum = stream.Sum(col, start, end)
	return
}

// ColumnSize returns the number of positions searched by column col of
// stream s: the level size for a bitmap level, the stream size otherwise.
func (leaf *LeafNode) ColumnSize(s int, col int) int {
	if bitmap, ok := leaf.streams[s].(*pkd.Bitmap); ok && (CountColumn != col) {
		return bitmap.LevelSize(col)
	}
	return leaf.Size(s)
}

// A bitmap column counts the free (0) bits of one level.

func bitmapFindForward(bitmap *pkd.Bitmap, level int, start int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64) {
	var (
		base      int
		levelSize = bitmap.LevelSize(level)
		need      = k
	)

	if start < 0 {
		start = 0
	}
	if start >= levelSize {
		idx = levelSize
		return
	}
	if pkd.GT == searchType {
		need = k + 1
	} else if 0 == k {
		idx = start
		return
	}

	base = bitmap.Rank0(level, start)
	if need > uint64(levelSize) {
		idx = levelSize
		prefix = uint64(bitmap.Free(level) - base)
		return
	}

	idx = bitmap.Select0(level, base+int(need)-1)
	if idx >= levelSize {
		idx = levelSize
		prefix = uint64(bitmap.Free(level) - base)
		return
	}

	prefix = need - 1
	return
}

func bitmapFindBackward(bitmap *pkd.Bitmap, level int, end int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64) {
	var (
		total     int
		levelSize = bitmap.LevelSize(level)
		need      = k
	)

	if end >= levelSize {
		end = levelSize - 1
	}
	if end < 0 {
		idx = -1
		return
	}
	if pkd.GT == searchType {
		need = k + 1
	} else if 0 == k {
		idx = end
		return
	}

	total = bitmap.Rank0(level, end+1)
	if need > uint64(total) {
		idx = -1
		prefix = uint64(total)
		return
	}

	idx = bitmap.Select0(level, total-int(need))
	prefix = need - 1
	return
}

// Rows returns rows [start, end) of stream s.
func (leaf *LeafNode) Rows(s int, start int, end int) (rows [][]uint64, err error) {
	var (
		stream pkd.RowStream
	)

	stream, err = leaf.RowStream(s)
	if nil != err {
		return
	}
	rows = stream.Rows(start, end)
	return
}

// PrepareInsert verifies every insert could be performed together.
func (leaf *LeafNode) PrepareInsert(inserts []LeafInsert, us *LeafUpdateState) (err error) {
	var (
		parentGrowth int
		stream       pkd.RowStream
	)

	us.streams = make([]pkd.UpdateState, len(inserts))

	seen := make(map[int]bool)
	for i, insert := range inserts {
		if seen[insert.Stream] {
			err = blunder.NewError(blunder.InvalidArgError, "leaf insert names stream %d twice", insert.Stream)
			return
		}
		seen[insert.Stream] = true

		stream, err = leaf.RowStream(insert.Stream)
		if nil != err {
			return
		}
		err = stream.PrepareInsert(insert.Idx, insert.Rows, &us.streams[i])
		if nil != err {
			stats.PrepareFailures.Increment()
			return
		}
		parentGrowth += us.streams[i].ParentGrowth
	}

	if parentGrowth > leaf.node.alloc.Available() {
		stats.PrepareFailures.Increment()
		err = blunder.NewError(blunder.CapacityError, "leaf %d insert needs %d bytes, %d available", leaf.node.id, parentGrowth, leaf.node.alloc.Available())
		return
	}

	err = nil
	return
}

// CommitInsert performs the inserts prepared by PrepareInsert.
func (leaf *LeafNode) CommitInsert(inserts []LeafInsert, us *LeafUpdateState) {
	for i, insert := range inserts {
		stream, err := leaf.RowStream(insert.Stream)
		if nil != err {
			logger.PanicfWithError(err, "leaf %d stream vanished after prepare", leaf.node.id)
		}
		stream.CommitInsert(insert.Idx, insert.Rows, &us.streams[i])
	}
}

// Insert inserts rows at idx of stream s or fails with a CapacityError
// leaving the node unchanged.
func (leaf *LeafNode) Insert(s int, idx int, rows [][]uint64) (err error) {
	var (
		us LeafUpdateState
	)

	inserts := []LeafInsert{{Stream: s, Idx: idx, Rows: rows}}

	err = leaf.PrepareInsert(inserts, &us)
	if nil != err {
		return
	}

	leaf.CommitInsert(inserts, &us)
	return
}

// Remove removes count elements of stream s starting at idx.
func (leaf *LeafNode) Remove(s int, idx int, count int) (err error) {
	var (
		stream pkd.RowStream
	)

	stream, err = leaf.RowStream(s)
	if nil != err {
		return
	}
	err = stream.Remove(idx, count)
	return
}

// Update sets (row, col) of stream s.
func (leaf *LeafNode) Update(s int, row int, col int, value uint64) (err error) {
	var (
		stream pkd.RowStream
	)

	stream, err = leaf.RowStream(s)
	if nil != err {
		return
	}
	err = stream.Update(row, col, value)
	return
}

// SplitTo moves the second half of every row stream to the empty leaf
// right. points gives the split position of each stream; nil splits every
// stream at Size()/2.
func (leaf *LeafNode) SplitTo(right *LeafNode, points []int) (err error) {
	var (
		inserts []LeafInsert
		us      LeafUpdateState
	)

	if nil == points {
		points = make([]int, len(leaf.streams))
		for s := range points {
			points[s] = leaf.Size(s) / 2
		}
	}

	for s, at := range points {
		if 0 != right.Size(s) {
			err = blunder.NewError(blunder.InvalidArgError, "leaf %d split target %d stream %d is not empty", leaf.node.id, right.node.id, s)
			return
		}
		if (at < 0) || (at > leaf.Size(s)) {
			err = blunder.NewError(blunder.RangeError, "leaf %d stream %d split point %d outside [0,%d]", leaf.node.id, s, at, leaf.Size(s))
			return
		}
		var rows [][]uint64
		rows, err = leaf.Rows(s, at, leaf.Size(s))
		if nil != err {
			return
		}
		inserts = append(inserts, LeafInsert{Stream: s, Idx: 0, Rows: rows})
	}

	err = right.PrepareInsert(inserts, &us)
	if nil != err {
		return
	}
	right.CommitInsert(inserts, &us)

	for s, at := range points {
		err = leaf.Remove(s, at, leaf.Size(s)-at)
		if nil != err {
			logger.PanicfWithError(err, "leaf %d split remove failed", leaf.node.id)
		}
	}

	stats.Splits.Increment()

	err = nil
	return
}

// MergeFrom appends every element of src in place. An empty stream takes
// src's segment whole. On a CapacityError the leaf may be partially
// modified; callers protect it with an UpdateManager.
func (leaf *LeafNode) MergeFrom(src *LeafNode) (err error) {
	var (
		rows   [][]uint64
		stream pkd.RowStream
	)

	for s := range leaf.streams {
		if 0 == src.Size(s) {
			continue
		}

		if 0 == leaf.Size(s) {
			err = leaf.node.alloc.ImportSegment(s, src.node.alloc, s)
			if nil != err {
				return
			}
			leaf.streams[s], err = bindStream(leaf.node.alloc, s, leaf.node.schema.Streams[s].Kind)
			if nil != err {
				return
			}
			continue
		}

		stream, err = leaf.RowStream(s)
		if nil != err {
			return
		}
		rows, err = src.Rows(s, 0, src.Size(s))
		if nil != err {
			return
		}
		err = stream.Insert(stream.Size(), rows)
		if nil != err {
			return
		}
	}

	stats.Merges.Increment()

	err = nil
	return
}

func (leaf *LeafNode) check() (err error) {
	for _, stream := range leaf.streams {
		err = stream.Check()
		if nil != err {
			return
		}
	}
	err = nil
	return
}
