// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package memstore

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/logger"
)

type storeStatsStruct struct {
	Gets      bucketstats.Total
	News      bucketstats.Total
	Grows     bucketstats.Total
	Frees     bucketstats.Total
	NewBytes  bucketstats.Average
	GrowBytes bucketstats.Average
}

var stats storeStatsStruct

func init() {
	bucketstats.Register("memstore", "", &stats)
}

func newStore() (store *Store) {
	store = &Store{nextID: 1}
	store.blocks = sortedmap.NewLLRBTree(sortedmap.CompareUint64, store)
	return
}

func (store *Store) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	var (
		id uint64
		ok bool
	)

	id, ok = key.(uint64)
	if ok {
		keyAsString = fmt.Sprintf("0x%016X", id)
		err = nil
	} else {
		err = fmt.Errorf("memstore's DumpKey(%v) called for non-uint64", key)
	}

	return
}

func (store *Store) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	var (
		buf []byte
		ok  bool
	)

	buf, ok = value.([]byte)
	if ok {
		valueAsString = fmt.Sprintf("%d bytes", len(buf))
		err = nil
	} else {
		err = fmt.Errorf("memstore's DumpValue(%v) called for non-[]byte", value)
	}

	return
}

func (store *Store) lookup(id uint64) (buf []byte, err error) {
	var (
		ok    bool
		value sortedmap.Value
	)

	value, ok, err = store.blocks.GetByKey(id)
	if nil != err {
		logger.FatalfWithError(err, "memstore block map GetByKey(0x%016X) failed", id)
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "block 0x%016X does not exist", id)
		return
	}

	buf, ok = value.([]byte)
	if !ok {
		logger.Fatalf("memstore block 0x%016X is not a []byte", id)
	}

	err = nil
	return
}

func (store *Store) getBlock(id uint64) (buf []byte, err error) {
	store.Lock()
	buf, err = store.lookup(id)
	store.Unlock()

	if nil == err {
		stats.Gets.Increment()
	}
	return
}

func (store *Store) newBlock(size int) (id uint64, buf []byte, err error) {
	var (
		ok bool
	)

	if size <= 0 {
		err = blunder.NewError(blunder.InvalidArgError, "memstore cannot create a block of %d bytes", size)
		return
	}

	buf = make([]byte, size)

	store.Lock()

	id = store.nextID
	store.nextID++

	ok, err = store.blocks.Put(id, buf)
	if nil != err {
		logger.FatalfWithError(err, "memstore block map Put(0x%016X) failed", id)
	}
	if !ok {
		logger.Fatalf("memstore block 0x%016X already exists", id)
	}

	store.Unlock()

	stats.News.Increment()
	stats.NewBytes.Add(uint64(size))

	logger.Tracef("memstore created block 0x%016X of %d bytes", id, size)

	err = nil
	return
}

func (store *Store) growBlock(id uint64, newSize int) (buf []byte, err error) {
	var (
		ok     bool
		oldBuf []byte
	)

	store.Lock()
	defer store.Unlock()

	oldBuf, err = store.lookup(id)
	if nil != err {
		return
	}
	if newSize < len(oldBuf) {
		err = blunder.NewError(blunder.InvalidArgError, "memstore cannot shrink block 0x%016X from %d to %d bytes", id, len(oldBuf), newSize)
		return
	}

	buf = make([]byte, newSize)
	copy(buf, oldBuf)

	ok, err = store.blocks.PatchByKey(id, buf)
	if nil != err {
		logger.FatalfWithError(err, "memstore block map PatchByKey(0x%016X) failed", id)
	}
	if !ok {
		logger.Fatalf("memstore block 0x%016X vanished", id)
	}

	stats.Grows.Increment()
	stats.GrowBytes.Add(uint64(newSize - len(oldBuf)))

	err = nil
	return
}

func (store *Store) freeBlock(id uint64) (err error) {
	var (
		ok bool
	)

	store.Lock()
	ok, err = store.blocks.DeleteByKey(id)
	store.Unlock()

	if nil != err {
		logger.FatalfWithError(err, "memstore block map DeleteByKey(0x%016X) failed", id)
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "block 0x%016X does not exist", id)
		return
	}

	stats.Frees.Increment()

	err = nil
	return
}

func (store *Store) len() (numberOfBlocks int) {
	var (
		err error
	)

	store.Lock()
	numberOfBlocks, err = store.blocks.Len()
	store.Unlock()

	if nil != err {
		logger.FatalfWithError(err, "memstore block map Len() failed")
	}
	return
}

func (store *Store) ids() (ids []uint64, err error) {
	var (
		key            sortedmap.Key
		numberOfBlocks int
		ok             bool
	)

	store.Lock()
	defer store.Unlock()

	numberOfBlocks, err = store.blocks.Len()
	if nil != err {
		return
	}

	ids = make([]uint64, 0, numberOfBlocks)
	for index := 0; index < numberOfBlocks; index++ {
		key, _, ok, err = store.blocks.GetByIndex(index)
		if nil != err {
			return
		}
		if !ok {
			err = blunder.NewError(blunder.StructuralInvariantError, "memstore block map index %d missing", index)
			return
		}
		ids = append(ids, key.(uint64))
	}

	err = nil
	return
}

func (store *Store) checksum(id uint64) (checksum uint64, err error) {
	var (
		buf []byte
	)

	store.Lock()
	buf, err = store.lookup(id)
	store.Unlock()

	if nil != err {
		return
	}

	checksum = cityhash.Hash64(buf)
	return
}
