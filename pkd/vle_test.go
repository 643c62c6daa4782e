// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pkdtree/blunder"
)

func TestVLEArrayQueries(t *testing.T) {
	var (
		ref []uint64
		us  UpdateState
	)

	assert := assert.New(t)
	require := require.New(t)

	_, root := newTestRoot(t, 1<<18, 1)

	array, err := NewVLEArray(root, 0)
	if nil != err {
		t.Fatalf("NewVLEArray() failed: %v", err)
	}

	prng := rand.New(rand.NewSource(11))

	for len(ref) < 700 {
		idx := prng.Intn(len(ref) + 1)
		value := prng.Uint64() >> uint(24+prng.Intn(40))

		err = array.PrepareInsert(idx, [][]uint64{{value}}, &us)
		require.Nil(err)
		array.CommitInsert(idx, [][]uint64{{value}}, &us)

		ref = append(ref[:idx], append([]uint64{value}, ref[idx:]...)...)
	}

	require.Nil(array.Check())
	assert.Equal(ref, array.Values())

	for trial := 0; trial < 300; trial++ {
		start := prng.Intn(len(ref))
		k := prng.Uint64() >> uint(20+prng.Intn(44))
		searchType := SearchType(prng.Intn(2))

		idx, prefix := array.FindForward(0, start, k, searchType)
		refIdx, refPrefix := forwardRef(ref, start, k, searchType)
		assert.Equal(refIdx, idx)
		assert.Equal(refPrefix, prefix)

		idx, prefix = array.FindBackward(0, start, k, searchType)
		refIdx, refPrefix = backwardRef(ref, start, k, searchType)
		assert.Equal(refIdx, idx)
		assert.Equal(refPrefix, prefix)

		end := start + prng.Intn(len(ref)-start+1)
		var sum uint64
		for _, v := range ref[start:end] {
			sum += v
		}
		assert.Equal(sum, array.Sum(0, start, end))
	}

	for trial := 0; trial < 100; trial++ {
		row := prng.Intn(len(ref))
		value := prng.Uint64() >> uint(prng.Intn(64))
		require.Nil(array.Update(row, 0, value))
		ref[row] = value
		assert.Equal(value, array.Access(row, 0))
	}
	require.Nil(array.Check())
	assert.Equal(ref, array.Values())

	require.Nil(array.Remove(100, 500))
	ref = append(ref[:100], ref[600:]...)
	assert.Equal(ref, array.Values())
	assert.Nil(array.Check())

	err = array.Remove(150, 100)
	assert.True(blunder.Is(err, blunder.RangeError))
}

func TestVLEArrayPrepareUpdateFailure(t *testing.T) {
	var (
		err error
		us  UpdateState
	)

	buf, root := newTestRoot(t, 512, 1)

	array, err := NewVLEArray(root, 0)
	require.Nil(t, err)

	for {
		err = array.Insert(array.Size(), [][]uint64{{1}})
		if nil != err {
			break
		}
	}
	assert.True(t, blunder.Is(err, blunder.CapacityError))
	require.Nil(t, array.Check())

	for row := 0; row < array.Size(); row++ {
		before := snapshot(buf)
		err = array.PrepareUpdate(row, 1<<63, &us)
		if nil != err {
			assert.True(t, bytes.Equal(before, buf))
			break
		}
		array.CommitUpdate(&us)
	}
	assert.True(t, blunder.Is(err, blunder.CapacityError))
	require.Nil(t, array.Check())

	last := array.Size() - 1
	err = array.PrepareUpdate(last, 2, &us)
	require.Nil(t, err)
	assert.Equal(t, 0, us.Growth)
	array.CommitUpdate(&us)
	assert.Equal(t, uint64(2), array.Access(last, 0))
}

func TestVLEArraySerializeRoundTrip(t *testing.T) {
	assert := assert.New(t)

	_, root := newTestRoot(t, 1<<14, 2)

	array, err := NewVLEArray(root, 0)
	require.Nil(t, err)

	rows := [][]uint64{{0}, {127}, {128}, {1 << 40}, {1<<64 - 1}}
	require.Nil(t, array.Insert(0, rows))
	assert.Equal(1+1+2+6+10, array.DataBytes())

	serialized, err := array.Serialize()
	require.Nil(t, err)

	copied, consumed, err := DeserializeVLEArray(root, 1, serialized)
	if nil != err {
		t.Fatalf("DeserializeVLEArray() failed: %v", err)
	}
	assert.Equal(len(serialized), consumed)
	assert.Equal(array.Values(), copied.Values())
	assert.Equal(rows, copied.Rows(0, 5))
	assert.Nil(copied.Check())

	_, _, err = DeserializeVLEArray(root, 1, serialized[:len(serialized)-1])
	assert.True(blunder.Is(err, blunder.CorruptLayoutError))
}

func TestVLEArrayReindexIdempotent(t *testing.T) {
	buf, root := newTestRoot(t, 1<<18, 1)

	array, err := NewVLEArray(root, 0)
	require.Nil(t, err)

	rows := make([][]uint64, 1500)
	for i := range rows {
		rows[i] = []uint64{uint64(i) << uint(i%50)}
	}
	require.Nil(t, array.Insert(0, rows))

	require.Nil(t, array.Reindex())
	serialized, err := array.Serialize()
	require.Nil(t, err)
	before := snapshot(buf)

	require.Nil(t, array.Reindex())
	assert.True(t, bytes.Equal(before, buf))
	again, err := array.Serialize()
	require.Nil(t, err)
	assert.True(t, bytes.Equal(serialized, again))
	assert.Nil(t, array.Check())
}
