// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package allocmap

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/bt"
	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
	"github.com/NVIDIA/pkdtree/utils"
)

type mapStatsStruct struct {
	Reserves      bucketstats.Total
	ReserveMisses bucketstats.Total
	Releases      bucketstats.Total
	LeafAppends   bucketstats.Total
	PoolHits      bucketstats.Total
	PoolMisses    bucketstats.Total
	PoolPopulates bucketstats.Total
	PoolDrains    bucketstats.Total
	Candidates    bucketstats.Average // runs examined per FindAndReserve
}

var stats mapStatsStruct

func init() {
	bucketstats.Register("allocmap", "", &stats)
}

// schemaFor returns a single bitmap stream summarizing the free count of
// every level.
func schemaFor(levels int) *node.Schema {
	summarized := make([]int, levels)
	for level := range summarized {
		summarized[level] = level
	}
	return &node.Schema{
		Streams: []node.StreamSpec{
			{Kind: node.StreamBitmap, Levels: levels, Summarized: summarized},
		},
	}
}

func newMap(provider bt.BlockProvider, config Config) (allocMap *Map, err error) {
	var (
		tree *bt.Tree
	)

	err = config.validate()
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	tree, err = bt.New(provider, schemaFor(config.Levels), config.Tree)
	if nil != err {
		return
	}

	allocMap = &Map{tree: tree, config: config}
	err = nil
	return
}

func openMap(provider bt.BlockProvider, config Config, rootID uint64) (allocMap *Map, err error) {
	var (
		tree *bt.Tree
	)

	err = config.validate()
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	tree, err = bt.Open(provider, schemaFor(config.Levels), config.Tree, rootID)
	if nil != err {
		return
	}

	allocMap = &Map{tree: tree, config: config}
	err = nil
	return
}

func (allocMap *Map) checkLevel(level int) (err error) {
	if (level < 0) || (level >= allocMap.config.Levels) {
		err = blunder.NewError(blunder.InvalidArgError, "allocation map has no level %d", level)
		return
	}
	err = nil
	return
}

// checkUnit verifies that pos is aligned to level and that the block it
// names exists (or, with atEnd, is the end of the map).
func (allocMap *Map) checkUnit(level int, pos uint64, atEnd bool) (err error) {
	var (
		size uint64
	)

	err = allocMap.checkLevel(level)
	if nil != err {
		return
	}
	if 0 != pos&((uint64(1)<<uint(level))-1) {
		err = blunder.NewError(blunder.InvalidArgError, "position %d is not aligned to level %d", pos, level)
		return
	}

	size, err = allocMap.tree.Size(0)
	if nil != err {
		return
	}
	if (pos > size) || ((pos == size) && !atEnd) {
		err = blunder.NewError(blunder.RangeError, "position %d beyond the %d blocks of the allocation map", pos, size)
		return
	}

	err = nil
	return
}

func leafBitmap(cursor *bt.Cursor) (bitmap *pkd.Bitmap) {
	var (
		err error
	)

	bitmap, err = cursor.Leaf().Bitmap(0)
	if nil != err {
		logger.PanicfWithError(err, "allocation map leaf 0x%016X has no bitmap", cursor.LeafID())
	}
	return
}

func (allocMap *Map) enlarge(size uint64) (err error) {
	var (
		current uint64
		cursor  *bt.Cursor
	)

	if 0 != size%pkd.BitmapGranule {
		err = blunder.NewError(blunder.InvalidArgError, "allocation map size %d is not a multiple of %d", size, pkd.BitmapGranule)
		return
	}

	current, err = allocMap.tree.Size(0)
	if nil != err {
		return
	}
	if size < current {
		err = blunder.NewError(blunder.InvalidArgError, "allocation map cannot shrink from %d to %d blocks", current, size)
		return
	}

	for current < size {
		cursor, err = allocMap.tree.End(0)
		if nil != err {
			return
		}

		leafSize := leafBitmap(cursor).Size()
		if leafSize >= allocMap.config.BitsPerLeaf {
			cursor, err = allocMap.tree.AppendLeaf()
			if nil != err {
				return
			}
			leafSize = 0
			stats.LeafAppends.Increment()
		}

		grow := utils.MinInt(allocMap.config.BitsPerLeaf-leafSize, int(size-current))
		newSize := leafSize + grow

		err = cursor.ModifyLeaf(func(leaf *node.LeafNode) (err error) {
			var (
				bitmap *pkd.Bitmap
			)

			bitmap, err = leaf.Bitmap(0)
			if nil != err {
				return
			}
			err = bitmap.Enlarge(newSize)
			return
		})
		if nil != err {
			return
		}

		current += uint64(grow)
	}

	logger.Tracef("allocation map enlarged to %d blocks", size)

	err = nil
	return
}

func (allocMap *Map) freeUnits(level int) (free uint64, err error) {
	var (
		totals []uint64
	)

	err = allocMap.checkLevel(level)
	if nil != err {
		return
	}
	totals, err = allocMap.tree.Totals(0)
	if nil != err {
		return
	}
	free = totals[1+level]
	return
}

func (allocMap *Map) rank(level int, pos uint64) (rank uint64, err error) {
	var (
		cursor *bt.Cursor
	)

	err = allocMap.checkUnit(level, pos, true)
	if nil != err {
		return
	}

	cursor, err = allocMap.tree.Seek(0, pos)
	if nil != err {
		return
	}

	rank, err = allocMap.tree.Rank(0, level, cursor.LeafPrefix())
	if nil != err {
		return
	}

	idx := int(pos - cursor.LeafPrefix())
	rank += uint64(leafBitmap(cursor).Rank0(level, idx>>uint(level)))
	return
}

func (allocMap *Map) isAllocated(level int, pos uint64) (allocated bool, err error) {
	var (
		cursor *bt.Cursor
	)

	err = allocMap.checkUnit(level, pos, false)
	if nil != err {
		return
	}

	cursor, err = allocMap.tree.Seek(0, pos)
	if nil != err {
		return
	}

	allocated = leafBitmap(cursor).Get(level, cursor.Idx()>>uint(level))
	return
}

// freeRun returns the number of free units of level from unit idx of the
// cursor's leaf, up to limit, continuing into the following leaves while the
// run reaches the end of a leaf. The cursor is left on the last leaf read.
func (allocMap *Map) freeRun(cursor *bt.Cursor, level int, idx int, limit int) (run int, err error) {
	var (
		bitmap *pkd.Bitmap
		found  bool
	)

	for {
		bitmap = leafBitmap(cursor)
		n := bitmap.CountFw(level, idx, limit-run)
		run += n
		if (run >= limit) || (idx+n < bitmap.LevelSize(level)) {
			err = nil
			return
		}

		found, err = cursor.NextLeaf()
		if nil != err {
			return
		}
		if !found {
			err = nil
			return
		}
		idx = 0
	}
}

func (allocMap *Map) findAndReserve(level int, count int) (pos uint64, found bool, err error) {
	var (
		candidates uint64
		cursor     *bt.Cursor
		rank       = uint64(1)
		run        int
	)

	err = allocMap.checkLevel(level)
	if nil != err {
		return
	}
	if count < 1 {
		err = blunder.NewError(blunder.InvalidArgError, "cannot reserve %d units", count)
		return
	}

	for {
		cursor, found, err = allocMap.tree.Select(0, level, rank)
		if nil != err {
			return
		}
		if !found {
			pos = 0
			stats.ReserveMisses.Increment()
			stats.Candidates.Add(candidates)
			return
		}
		candidates++

		pos = cursor.LeafPrefix() + (uint64(cursor.Idx()) << uint(level))

		run, err = allocMap.freeRun(cursor, level, cursor.Idx(), count)
		if nil != err {
			found = false
			return
		}
		if run >= count {
			break
		}

		rank += uint64(run)
	}

	err = allocMap.setupBits(pos, count, level, true)
	if nil != err {
		found = false
		return
	}

	stats.Candidates.Add(candidates)
	logger.Tracef("allocation map reserved %d level %d units at %d", count, level, pos)

	err = nil
	return
}

// setupBits marks count units of level at pos used or free, one leaf at a
// time.
func (allocMap *Map) setupBits(pos uint64, count int, level int, used bool) (err error) {
	var (
		cursor *bt.Cursor
		size   uint64
	)

	err = allocMap.checkUnit(level, pos, true)
	if nil != err {
		return
	}
	if count < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "cannot change %d units", count)
		return
	}

	size, err = allocMap.tree.Size(0)
	if nil != err {
		return
	}
	end := pos + (uint64(count) << uint(level))
	if end > size {
		err = blunder.NewError(blunder.RangeError, "blocks [%d,%d) beyond the %d blocks of the allocation map", pos, end, size)
		return
	}

	for pos < end {
		cursor, err = allocMap.tree.Seek(0, pos)
		if nil != err {
			return
		}

		idx := int(pos - cursor.LeafPrefix())
		n := utils.MinInt(cursor.LeafSize()-idx, int(end-pos))

		err = cursor.ModifyLeaf(func(leaf *node.LeafNode) (err error) {
			var (
				bitmap *pkd.Bitmap
			)

			bitmap, err = leaf.Bitmap(0)
			if nil != err {
				return
			}
			if used {
				err = bitmap.SetBits(0, idx, n)
			} else {
				err = bitmap.ClearBits(0, idx, n)
			}
			return
		})
		if nil != err {
			return
		}

		pos += uint64(n)
	}

	if used {
		stats.Reserves.Increment()
	} else {
		stats.Releases.Increment()
	}

	err = nil
	return
}

func (allocMap *Map) scanUnallocated(level int, fn func(pos uint64, count int) bool) (err error) {
	var (
		cursor *bt.Cursor
		found  bool
		stop   bool
	)

	err = allocMap.checkLevel(level)
	if nil != err {
		return
	}

	cursor, err = allocMap.tree.Begin(0)
	if nil != err {
		return
	}

	for {
		prefix := cursor.LeafPrefix()

		leafBitmap(cursor).ScanUnallocated(level, func(pos int, count int) bool {
			if !fn(prefix+(uint64(pos)<<uint(level)), count) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			err = nil
			return
		}

		found, err = cursor.NextLeaf()
		if nil != err {
			return
		}
		if !found {
			err = nil
			return
		}
	}
}

func (allocMap *Map) checkPool(pool *Pool) (err error) {
	if pool.Levels() != allocMap.config.Levels {
		err = blunder.NewError(blunder.InvalidArgError, "pool has %d levels, allocation map %d", pool.Levels(), allocMap.config.Levels)
		return
	}
	err = nil
	return
}

// populateLeaf moves every free run of the leaf at levels [level, Levels)
// the pool accepts into the pool.
func (allocMap *Map) populateLeaf(cursor *bt.Cursor, pool *Pool, level int) (updated bool, err error) {
	prefix := cursor.LeafPrefix()

	err = cursor.ModifyLeaf(func(leaf *node.LeafNode) (err error) {
		var (
			bitmap *pkd.Bitmap
		)

		bitmap, err = leaf.Bitmap(0)
		if nil != err {
			return
		}

		for ll := allocMap.config.Levels - 1; ll >= level; ll-- {
			bitmap.ScanUnallocated(ll, func(pos int, count int) bool {
				alloc := Alloc{
					Position: prefix + (uint64(pos) << uint(ll)),
					Size:     uint64(count) << uint(ll),
					Level:    ll,
				}
				if !pool.Add(alloc) {
					return false
				}
				updated = true
				err = bitmap.SetBits(ll, pos, count)
				return nil == err
			})
			if nil != err {
				return
			}
		}
		return
	})
	return
}

func (allocMap *Map) populatePool(pool *Pool, level int) (updated bool, err error) {
	var (
		cursor      *bt.Cursor
		found       bool
		leafUpdated bool
	)

	err = allocMap.checkLevel(level)
	if nil != err {
		return
	}
	err = allocMap.checkPool(pool)
	if nil != err {
		return
	}

	for pool.HasRoom(level) {
		cursor, found, err = allocMap.tree.Select(0, level, 1)
		if nil != err {
			return
		}
		if !found {
			break
		}

		leafUpdated, err = allocMap.populateLeaf(cursor, pool, level)
		if nil != err {
			return
		}
		if !leafUpdated {
			break
		}
		updated = true
	}

	if updated {
		stats.PoolPopulates.Increment()
		logger.Tracef("allocation map populated pool at level %d: %d level 0 blocks pooled", level, pool.Level0Total())
	}

	err = nil
	return
}

func (allocMap *Map) drainPool(pool *Pool) (err error) {
	var (
		allocs []Alloc
	)

	err = allocMap.checkPool(pool)
	if nil != err {
		return
	}

	pool.ForEach(func(alloc Alloc) bool {
		allocs = append(allocs, alloc)
		return true
	})
	pool.Clear()

	for _, alloc := range allocs {
		err = allocMap.setupBits(alloc.Position, int(alloc.Size>>uint(alloc.Level)), alloc.Level, false)
		if nil != err {
			return
		}
	}

	stats.PoolDrains.Increment()
	logger.Tracef("allocation map drained %d pooled runs", len(allocs))

	err = nil
	return
}

func (allocMap *Map) allocate(pool *Pool, level int) (alloc Alloc, found bool, err error) {
	var (
		pos uint64
	)

	err = allocMap.checkLevel(level)
	if nil != err {
		return
	}
	err = allocMap.checkPool(pool)
	if nil != err {
		return
	}

	alloc, found = pool.AllocateOne(level)
	if found {
		stats.PoolHits.Increment()
		err = nil
		return
	}
	stats.PoolMisses.Increment()

	_, err = allocMap.populatePool(pool, level)
	if nil != err {
		return
	}
	alloc, found = pool.AllocateOne(level)
	if found {
		err = nil
		return
	}

	pos, found, err = allocMap.findAndReserve(level, 1)
	if nil != err {
		return
	}
	if found {
		alloc = Alloc{Position: pos, Size: uint64(1) << uint(level), Level: level}
		return
	}

	if 0 == level {
		alloc, found = pool.AllocateReserved(0)
	}

	err = nil
	return
}

func (allocMap *Map) free(pool *Pool, alloc Alloc) (err error) {
	var (
		unit = uint64(1) << uint(alloc.Level)
	)

	err = allocMap.checkUnit(alloc.Level, alloc.Position, false)
	if nil != err {
		return
	}
	if (0 == alloc.Size) || (0 != alloc.Size%unit) {
		err = blunder.NewError(blunder.InvalidArgError, "run of %d blocks is not a whole number of level %d units", alloc.Size, alloc.Level)
		return
	}
	err = allocMap.checkPool(pool)
	if nil != err {
		return
	}

	if pool.Add(alloc) {
		err = nil
		return
	}

	err = allocMap.drainPool(pool)
	if nil != err {
		return
	}

	err = allocMap.setupBits(alloc.Position, int(alloc.Size/unit), alloc.Level, false)
	return
}

func (allocMap *Map) check() (err error) {
	var (
		bitmap *pkd.Bitmap
		cursor *bt.Cursor
		found  bool
	)

	err = allocMap.tree.Check()
	if nil != err {
		return
	}

	cursor, err = allocMap.tree.Begin(0)
	if nil != err {
		return
	}

	for {
		bitmap = leafBitmap(cursor)
		if bitmap.Size() > allocMap.config.BitsPerLeaf {
			err = blunder.NewError(blunder.StructuralInvariantError, "allocation map leaf 0x%016X covers %d blocks, more than %d", cursor.LeafID(), bitmap.Size(), allocMap.config.BitsPerLeaf)
			return
		}
		err = bitmap.Check()
		if nil != err {
			return
		}

		found, err = cursor.NextLeaf()
		if nil != err {
			return
		}
		if !found {
			err = nil
			return
		}
	}
}
