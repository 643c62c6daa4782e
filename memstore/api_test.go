// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pkdtree/blunder"
)

func TestStore(t *testing.T) {
	var (
		err error
	)

	assert := assert.New(t)
	require := require.New(t)

	store := New()
	assert.Equal(0, store.Len())

	id1, buf1, err := store.NewBlock(64)
	if nil != err {
		t.Fatalf("NewBlock() failed: %v", err)
	}
	id2, _, err := store.NewBlock(128)
	if nil != err {
		t.Fatalf("NewBlock() failed: %v", err)
	}
	assert.Equal(uint64(1), id1)
	assert.Equal(uint64(2), id2)
	assert.Equal(2, store.Len())

	buf1[0] = 0xA5
	buf1[63] = 0x5A

	got, err := store.GetBlock(id1)
	require.NoError(err)
	assert.Equal(byte(0xA5), got[0])

	before, err := store.Checksum(id1)
	require.NoError(err)

	grown, err := store.GrowBlock(id1, 256)
	require.NoError(err)
	assert.Equal(256, len(grown))
	assert.Equal(byte(0xA5), grown[0])
	assert.Equal(byte(0x5A), grown[63])
	assert.Equal(byte(0), grown[64])

	got, err = store.GetBlock(id1)
	require.NoError(err)
	assert.Equal(256, len(got))

	after, err := store.Checksum(id1)
	require.NoError(err)
	assert.NotEqual(before, after)

	_, err = store.GrowBlock(id1, 16)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	ids, err := store.IDs()
	require.NoError(err)
	assert.Equal([]uint64{1, 2}, ids)

	err = store.Dump()
	assert.NoError(err)

	err = store.FreeBlock(id1)
	require.NoError(err)
	_, err = store.GetBlock(id1)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	err = store.FreeBlock(id1)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	_, err = store.Checksum(id1)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	_, _, err = store.NewBlock(0)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	id3, _, err := store.NewBlock(32)
	require.NoError(err)
	assert.Equal(uint64(3), id3)
	assert.Equal(2, store.Len())
}
