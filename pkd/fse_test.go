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
	"github.com/NVIDIA/pkdtree/layout"
)

var testKinds = []IndexKind{IndexSum, IndexMax, IndexNone}

func column(rows [][]uint64, col int) (values []uint64) {
	for _, row := range rows {
		values = append(values, row[col])
	}
	return
}

func TestFSEArrayQueries(t *testing.T) {
	var (
		ref [][]uint64
		us  UpdateState
	)

	assert := assert.New(t)
	require := require.New(t)

	_, root := newTestRoot(t, 1<<20, 1)

	array, err := NewFSEArray(root, 0, testKinds)
	if nil != err {
		t.Fatalf("NewFSEArray() failed: %v", err)
	}

	prng := rand.New(rand.NewSource(7))

	for len(ref) < 1500 {
		idx := prng.Intn(len(ref) + 1)
		row := []uint64{uint64(prng.Intn(10)), uint64(prng.Intn(1000)), uint64(prng.Intn(5))}

		err = array.PrepareInsert(idx, [][]uint64{row}, &us)
		require.Nil(err)
		array.CommitInsert(idx, [][]uint64{row}, &us)

		ref = append(ref[:idx], append([][]uint64{row}, ref[idx:]...)...)
	}

	require.Nil(array.Check())
	assert.Equal(len(ref), array.Size())
	assert.Equal(ref[17], array.Row(17))
	assert.Equal(ref[100:103], array.Rows(100, 103))

	sums := column(ref, 0)
	maxes := column(ref, 1)
	plain := column(ref, 2)

	var total uint64
	var max uint64
	for i := range ref {
		total += sums[i]
		if maxes[i] > max {
			max = maxes[i]
		}
	}
	assert.Equal(total, array.Totals()[0])
	assert.Equal(max, array.Totals()[1])
	assert.Equal(sums[3]+sums[4]+sums[5], array.Sum(0, 3, 6))

	for trial := 0; trial < 500; trial++ {
		start := prng.Intn(len(ref))
		k := uint64(prng.Intn(2000))
		searchType := SearchType(prng.Intn(2))

		idx, prefix := array.FindForward(0, start, k, searchType)
		refIdx, refPrefix := forwardRef(sums, start, k, searchType)
		assert.Equal(refIdx, idx, "sum forward start %d k %d", start, k)
		assert.Equal(refPrefix, prefix, "sum forward start %d k %d", start, k)

		idx, prefix = array.FindBackward(0, start, k, searchType)
		refIdx, refPrefix = backwardRef(sums, start, k, searchType)
		assert.Equal(refIdx, idx, "sum backward end %d k %d", start, k)
		assert.Equal(refPrefix, prefix, "sum backward end %d k %d", start, k)

		idx, prefix = array.FindForward(2, start, k/100, searchType)
		refIdx, refPrefix = forwardRef(plain, start, k/100, searchType)
		assert.Equal(refIdx, idx)
		assert.Equal(refPrefix, prefix)

		key := uint64(prng.Intn(1100))
		idx, _ = array.FindForward(1, start, key, GE)
		refIdx = len(ref)
		for i := start; i < len(ref); i++ {
			if maxes[i] >= key {
				refIdx = i
				break
			}
		}
		assert.Equal(refIdx, idx, "max forward start %d key %d", start, key)
	}
}

func TestFSEArrayReindexIdempotent(t *testing.T) {
	buf, root := newTestRoot(t, 1<<18, 1)

	array, err := NewFSEArray(root, 0, testKinds)
	require.Nil(t, err)

	rows := make([][]uint64, 2000)
	for i := range rows {
		rows[i] = []uint64{uint64(i % 7), uint64(i), 1}
	}
	require.Nil(t, array.Insert(0, rows))

	before := snapshot(buf)
	require.Nil(t, array.Reindex())
	assert.True(t, bytes.Equal(before, buf))
	require.Nil(t, array.Reindex())
	assert.True(t, bytes.Equal(before, buf))
}

func TestFSEArrayPrepareFailureLeavesBlockUnchanged(t *testing.T) {
	var (
		err  error
		us   UpdateState
		rows int
	)

	buf, root := newTestRoot(t, 2048, 2)

	array, err := NewFSEArray(root, 0, []IndexKind{IndexSum, IndexSum})
	require.Nil(t, err)

	for {
		row := [][]uint64{{uint64(rows), 1}}
		err = array.PrepareInsert(0, row, &us)
		if nil != err {
			break
		}
		array.CommitInsert(0, row, &us)
		rows++
	}

	assert.True(t, blunder.Is(err, blunder.CapacityError))
	assert.True(t, rows > IndexFanout)

	before := snapshot(buf)
	err = array.PrepareInsert(rows/2, [][]uint64{{1, 1}}, &us)
	assert.True(t, blunder.Is(err, blunder.CapacityError))
	assert.True(t, bytes.Equal(before, buf))
	assert.Equal(t, rows, array.Size())
	assert.Nil(t, array.Check())
	assert.Equal(t, uint64(rows), array.Totals()[1])
}

func TestFSEArrayRemoveUpdate(t *testing.T) {
	assert := assert.New(t)

	_, root := newTestRoot(t, 1<<16, 1)

	array, err := NewFSEArray(root, 0, []IndexKind{IndexSum})
	require.Nil(t, err)

	rows := make([][]uint64, 100)
	for i := range rows {
		rows[i] = []uint64{uint64(i)}
	}
	require.Nil(t, array.Insert(0, rows))

	err = array.Remove(90, 20)
	assert.True(blunder.Is(err, blunder.RangeError))

	require.Nil(t, array.Remove(10, 80))
	assert.Equal(20, array.Size())
	assert.Equal(uint64(90), array.Access(10, 0))
	assert.Nil(array.Check())

	require.Nil(t, array.Update(0, 0, 1000))
	assert.Equal(uint64(1000+45+(90+99)*10/2), array.Totals()[0])

	err = array.Update(20, 0, 1)
	assert.True(blunder.Is(err, blunder.RangeError))

	err = array.PrepareInsert(0, [][]uint64{{1, 2}}, &UpdateState{})
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestFSEArrayCheckDetectsStaleIndex(t *testing.T) {
	_, root := newTestRoot(t, 1<<16, 1)

	array, err := NewFSEArray(root, 0, []IndexKind{IndexSum})
	require.Nil(t, err)

	rows := make([][]uint64, 64)
	for i := range rows {
		rows[i] = []uint64{1}
	}
	require.Nil(t, array.Insert(0, rows))
	require.Nil(t, array.Check())

	layout.StoreUint64(array.alloc.Element(fseDataSegment), 0, 5)
	err = array.Check()
	assert.True(t, blunder.Is(err, blunder.StructuralInvariantError))

	require.Nil(t, array.Reindex())
	assert.Nil(t, array.Check())
}

func TestFSEArraySerializeRoundTrip(t *testing.T) {
	assert := assert.New(t)

	_, root := newTestRoot(t, 1<<16, 2)

	array, err := NewFSEArray(root, 0, testKinds)
	require.Nil(t, err)

	rows := make([][]uint64, 77)
	for i := range rows {
		rows[i] = []uint64{uint64(i), uint64(2 * i), uint64(3 * i)}
	}
	require.Nil(t, array.Insert(0, rows))

	serialized, err := array.Serialize()
	require.Nil(t, err)

	copied, consumed, err := DeserializeFSEArray(root, 1, serialized)
	if nil != err {
		t.Fatalf("DeserializeFSEArray() failed: %v", err)
	}
	assert.Equal(len(serialized), consumed)
	assert.Equal(array.Rows(0, 77), copied.Rows(0, 77))
	assert.Equal(testKinds, copied.kinds)
	assert.Nil(copied.Check())

	bound, err := BindFSEArray(root, 1)
	require.Nil(t, err)
	assert.Equal(77, bound.Size())
	assert.Equal(uint64(76*3), bound.Access(76, 2))

	_, _, err = DeserializeFSEArray(root, 1, serialized[:4])
	assert.True(blunder.Is(err, blunder.CorruptLayoutError))
}

func TestFSEArrayBytes(t *testing.T) {
	_, root := newTestRoot(t, 1<<16, 1)

	array, err := NewFSEArray(root, 0, testKinds)
	require.Nil(t, err)

	rows := make([][]uint64, 100)
	for i := range rows {
		rows[i] = []uint64{1, 2, 3}
	}
	require.Nil(t, array.Insert(0, rows))
	require.Nil(t, root.Pack())

	assert.Equal(t, FSEArrayBytes(testKinds, 100), root.ElementSize(0))

	_, err = NewFSEArray(root, 0, nil)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))
}
