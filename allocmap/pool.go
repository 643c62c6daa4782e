// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package allocmap

import (
	"github.com/google/btree"

	"github.com/NVIDIA/pkdtree/blunder"
)

// poolItem orders pooled runs by their first block.
type poolItem Alloc

func (item poolItem) Less(than btree.Item) bool {
	return item.Position < than.(poolItem).Position
}

type levelQueue struct {
	runs     *btree.BTree
	capacity int
	total    int64 // units of this level held in runs
}

// Pool holds free runs taken out of a Map, one queue of runs per level.
//
// A Pool is not safe for concurrent use.
type Pool struct {
	levels        []levelQueue
	level0Total   int64
	level0Reserve int64
}

// PoolData is the serializable content of a Pool.
type PoolData struct {
	Levels [][]Alloc
}

// NewPool returns an empty Pool shaped by config.
func NewPool(config Config) (pool *Pool) {
	pool = &Pool{
		levels:        make([]levelQueue, config.Levels),
		level0Reserve: int64(config.PoolLevel0Reserve),
	}

	for level := range pool.levels {
		pool.levels[level].runs = btree.New(2)
		if 0 == level {
			pool.levels[level].capacity = config.PoolLevel0Capacity
		} else {
			pool.levels[level].capacity = config.PoolLevelCapacity
		}
	}

	return
}

// Levels returns the number of level queues.
func (pool *Pool) Levels() int {
	return len(pool.levels)
}

// Level0Total returns the number of level 0 blocks the Pool holds.
func (pool *Pool) Level0Total() int64 {
	return pool.level0Total
}

// Level0Reserve returns the number of level 0 blocks AllocateOne leaves in
// the Pool.
func (pool *Pool) Level0Reserve() int64 {
	return pool.level0Reserve
}

// Len returns the number of runs queued at level.
func (pool *Pool) Len(level int) int {
	return pool.levels[level].runs.Len()
}

// Add queues alloc at alloc.Level. It returns false, leaving the Pool
// unchanged, if the queue is full, already holds a run at alloc.Position, or
// alloc is not a whole number of aligned units of its level.
func (pool *Pool) Add(alloc Alloc) bool {
	if (alloc.Level < 0) || (alloc.Level >= len(pool.levels)) {
		return false
	}
	unit := uint64(1) << uint(alloc.Level)
	if (0 == alloc.Size) || (0 != alloc.Size%unit) || (0 != alloc.Position%unit) {
		return false
	}

	if !pool.levels[alloc.Level].push(alloc) {
		return false
	}

	pool.level0Total += int64(alloc.Size)
	return true
}

func (queue *levelQueue) push(alloc Alloc) bool {
	if (queue.runs.Len() >= queue.capacity) || queue.runs.Has(poolItem(alloc)) {
		return false
	}
	queue.runs.ReplaceOrInsert(poolItem(alloc))
	queue.total += int64(alloc.Size >> uint(alloc.Level))
	return true
}

// allocateOne takes one unit from the lowest run in the queue.
func (queue *levelQueue) allocateOne() (alloc Alloc) {
	item := queue.runs.DeleteMin().(poolItem)
	unit := uint64(1) << uint(item.Level)

	alloc = Alloc{Position: item.Position, Size: unit, Level: item.Level}

	if item.Size > unit {
		item.Position += unit
		item.Size -= unit
		queue.runs.ReplaceOrInsert(item)
	}
	queue.total--

	return
}

// AllocateOne takes one unit of level, splitting a unit of a higher level
// if level's queue is empty. It fails if the Pool would fall below its
// level 0 reserve.
func (pool *Pool) AllocateOne(level int) (alloc Alloc, found bool) {
	if (level < 0) || (level >= len(pool.levels)) {
		return
	}
	if pool.level0Total-pool.level0Reserve < int64(1)<<uint(level) {
		return
	}
	alloc, found = pool.doAllocateOne(level)
	return
}

// AllocateReserved takes one level 0 block, dipping into the reserve, as
// long as more than remainder blocks are pooled.
func (pool *Pool) AllocateReserved(remainder int64) (alloc Alloc, found bool) {
	if pool.level0Total > remainder {
		alloc, found = pool.doAllocateOne(0)
	}
	return
}

func (pool *Pool) doAllocateOne(level int) (alloc Alloc, found bool) {
	if 0 == pool.levels[level].runs.Len() {
		pool.borrowFromAbove(level)
	}
	if 0 == pool.levels[level].runs.Len() {
		return
	}

	alloc = pool.levels[level].allocateOne()
	pool.level0Total -= int64(alloc.Size)
	found = true
	return
}

// borrowFromAbove moves one unit of level+1 into level as two units.
func (pool *Pool) borrowFromAbove(level int) {
	if level >= len(pool.levels)-1 {
		return
	}
	if 0 == pool.levels[level+1].runs.Len() {
		pool.borrowFromAbove(level + 1)
	}
	if 0 == pool.levels[level+1].runs.Len() {
		return
	}

	alloc := pool.levels[level+1].allocateOne()
	alloc.Level = level
	pool.levels[level].push(alloc)
}

// ComputeLevelTotal returns the pooled capacity expressed in units of level.
func (pool *Pool) ComputeLevelTotal(level int) (total int64) {
	for c := level; c < len(pool.levels); c++ {
		total += pool.levels[c].total << uint(c-level)
	}
	return
}

// HasRoom reports whether the Pool wants more units of level.
func (pool *Pool) HasRoom(level int) bool {
	return pool.ComputeLevelTotal(level) < int64(pool.levels[level].capacity)
}

// ForEach calls fn for every pooled run, level by level in block order,
// until fn returns false.
func (pool *Pool) ForEach(fn func(alloc Alloc) bool) {
	for level := range pool.levels {
		stopped := false
		pool.levels[level].runs.Ascend(func(item btree.Item) bool {
			if !fn(Alloc(item.(poolItem))) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

// Clear empties the Pool.
func (pool *Pool) Clear() {
	for level := range pool.levels {
		pool.levels[level].runs.Clear(false)
		pool.levels[level].total = 0
	}
	pool.level0Total = 0
}

// Store returns the content of the Pool.
func (pool *Pool) Store() (data PoolData) {
	data.Levels = make([][]Alloc, len(pool.levels))
	for level := range pool.levels {
		data.Levels[level] = make([]Alloc, 0, pool.levels[level].runs.Len())
	}
	pool.ForEach(func(alloc Alloc) bool {
		data.Levels[alloc.Level] = append(data.Levels[alloc.Level], alloc)
		return true
	})
	return
}

// Load replaces the content of the Pool with data.
func (pool *Pool) Load(data PoolData) (err error) {
	if len(data.Levels) != len(pool.levels) {
		err = blunder.NewError(blunder.InvalidArgError, "pool data has %d levels, pool %d", len(data.Levels), len(pool.levels))
		return
	}

	pool.Clear()

	for level, allocs := range data.Levels {
		for _, alloc := range allocs {
			if (alloc.Level != level) || !pool.Add(alloc) {
				pool.Clear()
				err = blunder.NewError(blunder.CapacityError, "pool cannot take level %d run of %d blocks at %d", alloc.Level, alloc.Size, alloc.Position)
				return
			}
		}
	}

	err = nil
	return
}
