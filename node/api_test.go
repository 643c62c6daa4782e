// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/pkd"
)

func testSchema() *Schema {
	return &Schema{
		Streams: []StreamSpec{
			{Kind: StreamFSE, Kinds: []pkd.IndexKind{pkd.IndexSum, pkd.IndexMax}, Summarized: []int{0, 1}},
			{Kind: StreamVLE, Summarized: []int{0}},
		},
	}
}

func newTestLeaf(t *testing.T, blockSize int, id uint64) *Node {
	n, err := NewLeaf(make([]byte, blockSize), id, testSchema())
	if nil != err {
		t.Fatalf("NewLeaf() failed: %v", err)
	}
	return n
}

func TestSchema(t *testing.T) {
	assert := assert.New(t)

	schema := testSchema()
	assert.Nil(schema.Validate())
	assert.Equal(0, schema.BranchColumn(0, CountColumn))
	assert.Equal(1, schema.BranchColumn(0, 0))
	assert.Equal(2, schema.BranchColumn(0, 1))
	assert.Equal(-1, schema.BranchColumn(1, 3))
	assert.Equal([]pkd.IndexKind{pkd.IndexSum, pkd.IndexSum, pkd.IndexMax}, schema.BranchKinds(0))
	assert.Equal(1, schema.Columns(1))

	bad := &Schema{Streams: []StreamSpec{{Kind: StreamFSE, Kinds: []pkd.IndexKind{pkd.IndexSum}, Summarized: []int{1}}}}
	assert.True(blunder.Is(bad.Validate(), blunder.InvalidArgError))

	_, err := NewBranch(make([]byte, 1024), 1, testSchema(), 0)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestLeafSplitAndRetry(t *testing.T) {
	var (
		err error
		us  LeafUpdateState
	)

	assert := assert.New(t)

	left := newTestLeaf(t, 1024, 1)
	leaf := left.Leaf()

	row := func(i int) [][]uint64 { return [][]uint64{{1, uint64(i)}} }

	for i := 0; ; i++ {
		inserts := []LeafInsert{{Stream: 0, Idx: leaf.Size(0), Rows: row(i)}}
		err = leaf.PrepareInsert(inserts, &us)
		if nil != err {
			break
		}
		leaf.CommitInsert(inserts, &us)
	}
	assert.True(blunder.Is(err, blunder.CapacityError))

	size := leaf.Size(0)
	before := append([]byte(nil), left.Bytes()...)
	err = leaf.Insert(0, 3, row(1000))
	assert.True(blunder.Is(err, blunder.CapacityError))
	assert.Equal(size, leaf.Size(0))
	assert.True(bytes.Equal(before, left.Bytes()))

	right := newTestLeaf(t, 1024, 2)
	require.Nil(t, leaf.SplitTo(right.Leaf(), nil))
	assert.Equal(size/2, leaf.Size(0))
	assert.Equal(size-size/2, right.Leaf().Size(0))

	require.Nil(t, right.Leaf().Insert(0, 3, row(1000)))
	assert.Equal(size+1, leaf.Size(0)+right.Leaf().Size(0))

	parent, err := NewBranch(make([]byte, 1024), 3, testSchema(), 1)
	require.Nil(t, err)
	branch := parent.Branch()
	require.Nil(t, branch.Insert(0, []Entry{
		{ID: 1, Summaries: left.Summaries()},
		{ID: 2, Summaries: right.Summaries()},
	}))

	for _, child := range []*Node{left, right} {
		idx, ok := branch.FindChild(child.ID())
		require.True(t, ok)
		for s := 0; s < 2; s++ {
			assert.Equal(child.Summary(s), branch.SummaryRow(s, idx))
		}
		assert.Nil(child.Check())
	}

	assert.Equal(uint64(size+1), parent.Summary(0)[0])
	assert.Equal(uint64(size+1), parent.Summary(0)[1])
	assert.Equal(uint64(1000), parent.Summary(0)[2])
	assert.Nil(parent.Check())
}

func TestLeafQueries(t *testing.T) {
	assert := assert.New(t)

	n := newTestLeaf(t, 4096, 1)
	leaf := n.Leaf()

	rows := make([][]uint64, 10)
	for i := range rows {
		rows[i] = []uint64{uint64(i), uint64(10 * i)}
	}
	require.Nil(t, leaf.Insert(0, 0, rows))
	require.Nil(t, leaf.Insert(1, 0, [][]uint64{{5}, {6}, {7}}))

	idx, prefix, err := leaf.FindForward(0, CountColumn, 2, 3, pkd.GT)
	assert.Nil(err)
	assert.Equal(5, idx)
	assert.Equal(uint64(3), prefix)

	idx, prefix, err = leaf.FindForward(0, CountColumn, 2, 8, pkd.GT)
	assert.Nil(err)
	assert.Equal(10, idx)
	assert.Equal(uint64(8), prefix)

	idx, prefix, err = leaf.FindForward(0, CountColumn, 0, 10, pkd.GE)
	assert.Nil(err)
	assert.Equal(9, idx)
	assert.Equal(uint64(9), prefix)

	idx, prefix, err = leaf.FindBackward(0, CountColumn, 9, 2, pkd.GT)
	assert.Nil(err)
	assert.Equal(7, idx)
	assert.Equal(uint64(2), prefix)

	idx, prefix, err = leaf.FindBackward(0, CountColumn, 1, 2, pkd.GT)
	assert.Nil(err)
	assert.Equal(-1, idx)
	assert.Equal(uint64(2), prefix)

	idx, _, err = leaf.FindForward(0, 1, 0, 35, pkd.GE)
	assert.Nil(err)
	assert.Equal(4, idx)

	sum, err := leaf.Sum(1, 0, 0, 3)
	assert.Nil(err)
	assert.Equal(uint64(18), sum)

	sum, err = leaf.Sum(0, CountColumn, 8, 20)
	assert.Nil(err)
	assert.Equal(uint64(2), sum)

	assert.Equal([]uint64{10, 45, 90}, leaf.Summary(0))
	assert.Equal([]uint64{3, 18}, leaf.Summary(1))

	_, err = leaf.Bitmap(0)
	assert.True(blunder.Is(err, blunder.NotSupportedError))
	_, err = leaf.RowStream(2)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	require.Nil(t, leaf.Update(0, 0, 0, 100))
	require.Nil(t, leaf.Remove(1, 0, 1))
	assert.Equal([]uint64{10, 145, 90}, leaf.Summary(0))
	assert.Equal([]uint64{2, 13}, leaf.Summary(1))
}

func TestBranchSplitMerge(t *testing.T) {
	var (
		err     error
		entries int
	)

	assert := assert.New(t)

	left, err := NewBranch(make([]byte, 1024), 10, testSchema(), 1)
	require.Nil(t, err)
	branch := left.Branch()

	entry := func(i int) Entry {
		return Entry{ID: uint64(100 + i), Summaries: [][]uint64{{2, uint64(i), uint64(i)}, {1, 1}}}
	}

	for ; ; entries++ {
		err = branch.Insert(entries, []Entry{entry(entries)})
		if nil != err {
			break
		}
	}
	assert.True(blunder.Is(err, blunder.CapacityError))
	assert.Equal(entries, branch.Size())
	assert.Nil(left.Check())

	idx, prefix, err := branch.FindForward(0, 0, 0, 7, pkd.GT)
	assert.Nil(err)
	assert.Equal(3, idx)
	assert.Equal(uint64(6), prefix)

	right, err := NewBranch(make([]byte, 1024), 11, testSchema(), 1)
	require.Nil(t, err)
	require.Nil(t, branch.SplitTo(right.Branch(), entries/2))
	assert.Equal(entries/2, branch.Size())
	assert.Equal(uint64(100+entries/2), right.Branch().ChildID(0))

	before := append([]byte(nil), left.Bytes()...)
	require.Nil(t, right.Branch().Insert(0, []Entry{entry(1000)}))
	err = branch.MergeFrom(right.Branch())
	assert.True(blunder.Is(err, blunder.CapacityError))
	assert.True(bytes.Equal(before, left.Bytes()))

	require.Nil(t, right.Branch().Remove(0, 2))
	require.Nil(t, branch.MergeFrom(right.Branch()))
	assert.Equal(entries-1, branch.Size())
	assert.Nil(left.Check())

	require.Nil(t, branch.UpdateEntry(0, [][]uint64{{5, 5, 5}, {1, 1}}))
	assert.Equal([]uint64{5, 5, 5}, branch.SummaryRow(0, 0))
	err = branch.UpdateEntry(0, [][]uint64{{5, 5}, {1, 1}})
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestUpdateManagerRollback(t *testing.T) {
	var (
		err error
	)

	assert := assert.New(t)

	fill := func(n *Node) {
		for i := 0; ; i++ {
			if nil != n.Leaf().Insert(0, 0, [][]uint64{{1, uint64(i)}}) {
				break
			}
		}
	}

	dst := newTestLeaf(t, 1024, 1)
	src := newTestLeaf(t, 1024, 2)
	fill(dst)
	fill(src)

	manager := NewUpdateManager(DefaultMaxTrackedNodes)
	require.Nil(t, manager.Add(dst))
	require.Nil(t, manager.Add(dst))
	assert.Equal(1, manager.Len())

	before := append([]byte(nil), dst.Bytes()...)

	err = dst.Leaf().MergeFrom(src.Leaf())
	assert.True(blunder.Is(err, blunder.CapacityError))

	require.Nil(t, manager.Rollback())
	assert.Equal(0, manager.Len())
	assert.True(bytes.Equal(before, dst.Bytes()))
	assert.Nil(dst.Check())

	empty := newTestLeaf(t, 1024, 3)
	require.Nil(t, manager.Add(empty))
	require.Nil(t, empty.Leaf().MergeFrom(src.Leaf()))
	manager.Commit()
	assert.Equal(src.Leaf().Size(0), empty.Leaf().Size(0))
	assert.Equal(src.Summaries(), empty.Summaries())
	assert.Nil(empty.Check())

	small := NewUpdateManager(1)
	require.Nil(t, small.Add(dst))
	err = small.Add(src)
	assert.True(blunder.Is(err, blunder.CapacityError))
}

func TestUpdateManagerRollbackUnmodified(t *testing.T) {
	assert := assert.New(t)

	untouched := newTestLeaf(t, 1024, 4)
	changed := newTestLeaf(t, 1024, 5)
	require.Nil(t, untouched.Leaf().Insert(0, 0, [][]uint64{{1, 7}}))
	require.Nil(t, changed.Leaf().Insert(0, 0, [][]uint64{{1, 7}}))

	untouchedBefore := append([]byte(nil), untouched.Bytes()...)
	changedBefore := append([]byte(nil), changed.Bytes()...)
	untouchedLeaf := untouched.Leaf()

	manager := NewUpdateManager(DefaultMaxTrackedNodes)
	require.Nil(t, manager.Add(untouched))
	require.Nil(t, manager.Add(changed))

	require.Nil(t, changed.Leaf().Insert(0, 1, [][]uint64{{1, 9}}))
	assert.False(bytes.Equal(changedBefore, changed.Bytes()))

	skips := stats.RollbackSkips.TotalGet()
	rollbacks := stats.Rollbacks.TotalGet()

	require.Nil(t, manager.Rollback())
	assert.Equal(skips+1, stats.RollbackSkips.TotalGet())
	assert.Equal(rollbacks+1, stats.Rollbacks.TotalGet())

	assert.True(bytes.Equal(untouchedBefore, untouched.Bytes()))
	assert.True(untouchedLeaf == untouched.Leaf())
	assert.Equal(1, untouched.Leaf().Size(0))
	assert.Nil(untouched.Check())

	assert.True(bytes.Equal(changedBefore, changed.Bytes()))
	assert.Equal(1, changed.Leaf().Size(0))
	assert.Nil(changed.Check())

	require.Nil(t, manager.Add(untouched))
	require.Nil(t, manager.Rollback())
	assert.Equal(skips+2, stats.RollbackSkips.TotalGet())
}

func TestEnlargeBindAndDump(t *testing.T) {
	var (
		err error
	)

	assert := assert.New(t)

	n := newTestLeaf(t, 512, 7)
	for err = nil; nil == err; {
		err = n.Leaf().Insert(0, 0, [][]uint64{{1, 1}})
	}
	size := n.Leaf().Size(0)

	bigger := make([]byte, 1024)
	copy(bigger, n.Bytes())
	require.Nil(t, n.Enlarge(bigger))
	assert.Equal(1024, n.BlockSize())
	require.Nil(t, n.Leaf().Insert(0, 0, [][]uint64{{1, 1}}))
	assert.Equal(size+1, n.Leaf().Size(0))
	assert.Nil(n.Check())

	n.SetRoot(true)
	bound, err := Bind(n.Bytes(), testSchema())
	if nil != err {
		t.Fatalf("Bind() failed: %v", err)
	}
	assert.True(bound.IsRoot())
	assert.True(bound.IsLeaf())
	assert.Equal(uint64(7), bound.ID())
	assert.Equal(n.Summaries(), bound.Summaries())

	var dump strings.Builder
	require.Nil(t, bound.GenerateDataEvents(layout.NewTextDumpHandler(&dump)))
	assert.True(strings.HasPrefix(dump.String(), "LeafNode[2]:"))

	_, err = Bind(make([]byte, 512), testSchema())
	assert.True(blunder.Is(err, blunder.CorruptLayoutError))
}
