// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package memstore is an in-memory block provider for packed trees.
//
// Blocks are kept in a sortedmap.LLRBTree keyed by block id. A block's
// buffer stays the same until GrowBlock replaces it with a larger copy.
//
package memstore

import (
	"sync"

	"github.com/NVIDIA/sortedmap"
)

// Store holds blocks in memory. It is safe for concurrent use, though a
// tree built on it is not.
type Store struct {
	sync.Mutex
	blocks sortedmap.LLRBTree // key == block id (uint64); value == []byte
	nextID uint64
}

// New returns an empty Store. Block ids start at 1.
func New() (store *Store) {
	store = newStore()
	return
}

// GetBlock returns the buffer of block id or a NotFoundError.
func (store *Store) GetBlock(id uint64) (buf []byte, err error) {
	buf, err = store.getBlock(id)
	return
}

// NewBlock returns a new zeroed block of size bytes.
func (store *Store) NewBlock(size int) (id uint64, buf []byte, err error) {
	id, buf, err = store.newBlock(size)
	return
}

// GrowBlock replaces block id by a copy of newSize bytes and returns it.
func (store *Store) GrowBlock(id uint64, newSize int) (buf []byte, err error) {
	buf, err = store.growBlock(id, newSize)
	return
}

// FreeBlock discards block id.
func (store *Store) FreeBlock(id uint64) (err error) {
	err = store.freeBlock(id)
	return
}

// Len returns the number of blocks held.
func (store *Store) Len() (numberOfBlocks int) {
	numberOfBlocks = store.len()
	return
}

// IDs returns the ids of every block in increasing order.
func (store *Store) IDs() (ids []uint64, err error) {
	ids, err = store.ids()
	return
}

// Checksum returns the cityhash of block id's contents.
func (store *Store) Checksum(id uint64) (checksum uint64, err error) {
	checksum, err = store.checksum(id)
	return
}

// Dump logs every block id and size.
func (store *Store) Dump() (err error) {
	store.Lock()
	err = store.blocks.Dump()
	store.Unlock()
	return
}
