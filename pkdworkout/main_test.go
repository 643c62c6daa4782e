// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pkdtree/memstore"
)

func fillStore(t *testing.T, store *memstore.Store, sizes []int) {
	for n, size := range sizes {
		_, buf, err := store.NewBlock(size)
		require.NoError(t, err)
		for i := range buf {
			buf[i] = byte(n + i)
		}
	}
}

func TestStoreChecksum(t *testing.T) {
	assert := assert.New(t)

	blocks, checksum, err := storeChecksum(memstore.New())
	require.NoError(t, err)
	assert.Equal(0, blocks)
	assert.Equal(uint64(0), checksum)

	first := memstore.New()
	second := memstore.New()
	fillStore(t, first, []int{512, 1024, 64})
	fillStore(t, second, []int{512, 1024, 64})

	blocks, checksum, err = storeChecksum(first)
	require.NoError(t, err)
	assert.Equal(3, blocks)

	blocks, same, err := storeChecksum(second)
	require.NoError(t, err)
	assert.Equal(3, blocks)
	assert.Equal(checksum, same)

	ids, err := second.IDs()
	require.NoError(t, err)
	buf, err := second.GetBlock(ids[1])
	require.NoError(t, err)
	buf[100]++

	_, changed, err := storeChecksum(second)
	require.NoError(t, err)
	assert.NotEqual(checksum, changed)

	require.NoError(t, second.FreeBlock(ids[2]))
	blocks, _, err = storeChecksum(second)
	require.NoError(t, err)
	assert.Equal(2, blocks)
}
