// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/utils"
)

// refFree counts the free aligned runs of 1<<level units in used.
func refFree(used []bool, level int) (free int) {
	span := 1 << uint(level)
	for start := 0; start+span <= len(used); start += span {
		isFree := true
		for _, u := range used[start : start+span] {
			if u {
				isFree = false
				break
			}
		}
		if isFree {
			free++
		}
	}
	return
}

func TestBitmapBasics(t *testing.T) {
	assert := assert.New(t)

	_, root := newTestRoot(t, 1<<14, 1)

	bitmap, err := NewBitmap(root, 0, 4, 2048)
	if nil != err {
		t.Fatalf("NewBitmap() failed: %v", err)
	}

	assert.Equal(2048, bitmap.Free(0))
	assert.Equal(256, bitmap.Free(3))
	assert.Equal([]uint64{2048, 1024, 512, 256}, bitmap.Totals())

	require.Nil(t, bitmap.SetBits(0, 0, 3))
	assert.Equal(2045, bitmap.Free(0))
	assert.Equal(1022, bitmap.Free(1))
	assert.Equal(255, bitmap.Free(3))
	assert.True(bitmap.Get(1, 1))
	assert.False(bitmap.Get(1, 2))
	assert.Equal(3, bitmap.Select0(0, 0))
	assert.Equal(1, bitmap.Select0(3, 0))
	assert.Equal(100, bitmap.CountFw(0, 3, 100))
	assert.Equal(0, bitmap.CountFw(0, 2, 100))
	assert.Equal(2045, bitmap.CountFw(0, 3, 1<<20))
	assert.Equal(0, bitmap.Rank0(0, 3))
	assert.Equal(7, bitmap.Rank0(0, 10))

	require.Nil(t, bitmap.SetBits(2, 10, 2))
	assert.Equal(2045-8, bitmap.Free(0))
	assert.Equal(3, bitmap.CountFw(1, 17, 100))
	assert.Nil(bitmap.Check())

	require.Nil(t, bitmap.ClearBits(0, 0, 3))
	require.Nil(t, bitmap.ClearBits(2, 10, 2))
	assert.Equal([]uint64{2048, 1024, 512, 256}, bitmap.Totals())

	err = bitmap.SetBits(3, 255, 2)
	assert.True(blunder.Is(err, blunder.RangeError))
	err = bitmap.SetBits(4, 0, 1)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	_, err = NewBitmap(root, 0, 8, 2048)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = NewBitmap(root, 0, 2, 100)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestBitmapRandomCoherence(t *testing.T) {
	assert := assert.New(t)

	_, root := newTestRoot(t, 1<<15, 1)

	bitmap, err := NewBitmap(root, 0, 5, 4096)
	require.Nil(t, err)

	used := make([]bool, 4096)
	prng := rand.New(rand.NewSource(3))

	for trial := 0; trial < 400; trial++ {
		level := prng.Intn(5)
		levelSize := 4096 >> uint(level)
		pos := prng.Intn(levelSize)
		count := 1 + prng.Intn(utils.MinInt(8, levelSize-pos))
		value := 0 == prng.Intn(3)

		if value {
			err = bitmap.ClearBits(level, pos, count)
		} else {
			err = bitmap.SetBits(level, pos, count)
		}
		require.Nil(t, err)

		for i := pos << uint(level); i < (pos+count)<<uint(level); i++ {
			used[i] = !value
		}

		if 0 == trial%50 {
			require.Nil(t, bitmap.Check())
		}
	}

	require.Nil(t, bitmap.Check())

	for level := 0; level < 5; level++ {
		assert.Equal(refFree(used, level), bitmap.Free(level), "level %d", level)
		free := bitmap.Free(level)
		for rank := 0; rank < free; rank += 1 + free/20 {
			pos := bitmap.Select0(level, rank)
			assert.False(bitmap.Get(level, pos))
			assert.Equal(rank, bitmap.Rank0(level, pos))
		}
		assert.Equal(4096>>uint(level), bitmap.Select0(level, free))
	}

	var runs int
	var total int
	bitmap.ScanUnallocated(0, func(pos int, length int) bool {
		assert.False(bitmap.Get(0, pos))
		runs++
		total += length
		return true
	})
	assert.Equal(bitmap.Free(0), total)
	assert.True(runs > 0)
}

func TestBitmapEnlargeSerializeCompare(t *testing.T) {
	assert := assert.New(t)

	buf, root := newTestRoot(t, 1<<14, 2)

	bitmap, err := NewBitmap(root, 0, 3, 512)
	require.Nil(t, err)
	require.Nil(t, bitmap.SetBits(0, 500, 12))

	require.Nil(t, bitmap.Enlarge(1024))
	assert.Equal(1024, bitmap.Size())
	assert.Equal(1024-12, bitmap.Free(0))
	assert.Equal(256-3, bitmap.Free(2))
	assert.Nil(bitmap.Check())

	err = bitmap.Enlarge(1000)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	serialized, err := bitmap.Serialize()
	require.Nil(t, err)

	copied, consumed, err := DeserializeBitmap(root, 1, serialized)
	if nil != err {
		t.Fatalf("DeserializeBitmap() failed: %v", err)
	}
	assert.Equal(len(serialized), consumed)
	assert.Nil(bitmap.CompareWith(copied))
	assert.Nil(copied.Check())

	require.Nil(t, copied.SetBits(0, 7, 1))
	err = bitmap.CompareWith(copied)
	assert.True(blunder.Is(err, blunder.StructuralInvariantError))
	assert.True(strings.Contains(err.Error(), "bit 7"))

	layout.StoreUint64(copied.alloc.Element(bitsSegment(1)), 0, 0)
	err = copied.Check()
	assert.True(blunder.Is(err, blunder.StructuralInvariantError))

	before := snapshot(buf)
	err = bitmap.Enlarge(1 << 20)
	assert.True(blunder.Is(err, blunder.CapacityError))
	assert.True(bytes.Equal(before, buf))

	var dump strings.Builder
	require.Nil(t, bitmap.GenerateDataEvents(layout.NewTextDumpHandler(&dump)))
	assert.True(strings.Contains(dump.String(), "Size: 1024"))
}

func TestBitmapReindexIdempotent(t *testing.T) {
	buf, root := newTestRoot(t, 1<<14, 1)

	bitmap, err := NewBitmap(root, 0, 4, 2048)
	require.Nil(t, err)

	prng := rand.New(rand.NewSource(5))
	for i := 0; i < 60; i++ {
		pos := prng.Intn(2048 - 16)
		if 0 == prng.Intn(3) {
			require.Nil(t, bitmap.ClearBits(0, pos, 1+prng.Intn(16)))
		} else {
			require.Nil(t, bitmap.SetBits(0, pos, 1+prng.Intn(16)))
		}
	}

	require.Nil(t, bitmap.Reindex())
	serialized, err := bitmap.Serialize()
	require.Nil(t, err)
	before := snapshot(buf)

	require.Nil(t, bitmap.Reindex())
	assert.True(t, bytes.Equal(before, buf))
	again, err := bitmap.Serialize()
	require.Nil(t, err)
	assert.True(t, bytes.Equal(serialized, again))
	assert.Nil(t, bitmap.Check())
}
