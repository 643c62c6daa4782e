// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package allocmap tracks free and used storage blocks in a packed tree whose
// leaves hold multi-level bitmaps.
//
// A position is the index of a level 0 block. A level k unit is an aligned
// run of 1<<k blocks; it is free at level k only if all of its blocks are
// free. Every leaf covers a multiple of 64 blocks, so level k units never
// straddle leaves and free runs are reported per leaf.
//
// A Pool caches free units taken out of the map so that single unit
// requests are served without a tree ride.
//
package allocmap

import (
	"github.com/NVIDIA/pkdtree/bt"
	"github.com/NVIDIA/pkdtree/conf"
)

// Config describes the geometry of a Map and its Pool.
type Config struct {
	BitsPerLeaf        int // level 0 bits a leaf grows to before a new leaf is appended
	Levels             int // bitmap levels; units of the top level are 1<<(Levels-1) blocks
	PoolLevel0Capacity int // runs a Pool queues at level 0
	PoolLevelCapacity  int // runs a Pool queues at every other level
	PoolLevel0Reserve  int // level 0 blocks a Pool keeps back from AllocateOne
	Tree               bt.Config
}

// Map is an allocation map over a bt.Tree with a single bitmap stream.
type Map struct {
	tree   *bt.Tree
	config Config
}

// Alloc is a run of Size level 0 blocks starting at Position, handed out
// in units of Level.
type Alloc struct {
	Position uint64
	Size     uint64
	Level    int
}

// DefaultConfig returns the geometry used when no [AllocationMap] options
// are given.
func DefaultConfig() (config Config) {
	config = defaultConfig()
	return
}

// ConfigFromConfMap reads the [AllocationMap] and [PackedTree] sections.
// Missing options take their DefaultConfig() values.
func ConfigFromConfMap(confMap conf.ConfMap) (config Config, err error) {
	config, err = configFromConfMap(confMap)
	return
}

// New formats an empty Map in blocks obtained from provider.
func New(provider bt.BlockProvider, config Config) (allocMap *Map, err error) {
	allocMap, err = newMap(provider, config)
	return
}

// Open binds a Map to an existing tree rooted at rootID.
func Open(provider bt.BlockProvider, config Config, rootID uint64) (allocMap *Map, err error) {
	allocMap, err = openMap(provider, config, rootID)
	return
}

// RootID returns the block id of the root of the underlying tree.
func (allocMap *Map) RootID() uint64 {
	return allocMap.tree.RootID()
}

// Size returns the number of blocks the map covers.
func (allocMap *Map) Size() (size uint64, err error) {
	size, err = allocMap.tree.Size(0)
	return
}

// Enlarge grows the map to cover size blocks, a multiple of 64. The new
// blocks are free.
func (allocMap *Map) Enlarge(size uint64) (err error) {
	err = allocMap.enlarge(size)
	return
}

// FreeUnits returns the number of free units of level.
func (allocMap *Map) FreeUnits(level int) (free uint64, err error) {
	free, err = allocMap.freeUnits(level)
	return
}

// Rank returns the number of free units of level before block pos, which
// must be aligned to level.
func (allocMap *Map) Rank(level int, pos uint64) (rank uint64, err error) {
	rank, err = allocMap.rank(level, pos)
	return
}

// IsAllocated reports whether the level unit at block pos is not entirely
// free.
func (allocMap *Map) IsAllocated(level int, pos uint64) (allocated bool, err error) {
	allocated, err = allocMap.isAllocated(level, pos)
	return
}

// FindAndReserve marks the first count contiguous free units of level as
// used and returns the block they start at. found is false, with nothing
// changed, if no leaf holds such a run.
func (allocMap *Map) FindAndReserve(level int, count int) (pos uint64, found bool, err error) {
	pos, found, err = allocMap.findAndReserve(level, count)
	return
}

// Reserve marks count units of level starting at block pos as used.
func (allocMap *Map) Reserve(pos uint64, count int, level int) (err error) {
	err = allocMap.setupBits(pos, count, level, true)
	return
}

// Release marks count units of level starting at block pos as free.
func (allocMap *Map) Release(pos uint64, count int, level int) (err error) {
	err = allocMap.setupBits(pos, count, level, false)
	return
}

// ScanUnallocated calls fn for every run of free units of level, in block
// order, until fn returns false. pos is the first block of the run, count
// its length in units of level.
func (allocMap *Map) ScanUnallocated(level int, fn func(pos uint64, count int) bool) (err error) {
	err = allocMap.scanUnallocated(level, fn)
	return
}

// PopulatePool moves free runs of level and above from the map into pool,
// largest levels first, until pool has no more room for level. updated
// reports whether anything moved.
func (allocMap *Map) PopulatePool(pool *Pool, level int) (updated bool, err error) {
	updated, err = allocMap.populatePool(pool, level)
	return
}

// DrainPool releases every run held by pool back into the map and empties
// pool.
func (allocMap *Map) DrainPool(pool *Pool) (err error) {
	err = allocMap.drainPool(pool)
	return
}

// Allocate returns one unit of level, from pool if it can serve it and from
// the map otherwise.
func (allocMap *Map) Allocate(pool *Pool, level int) (alloc Alloc, found bool, err error) {
	alloc, found, err = allocMap.allocate(pool, level)
	return
}

// Free returns alloc to pool, draining pool into the map if it is full.
func (allocMap *Map) Free(pool *Pool, alloc Alloc) (err error) {
	err = allocMap.free(pool, alloc)
	return
}

// Check validates the tree and every leaf bitmap.
func (allocMap *Map) Check() (err error) {
	err = allocMap.check()
	return
}
