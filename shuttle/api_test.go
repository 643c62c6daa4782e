// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package shuttle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

func testSchema() *node.Schema {
	return &node.Schema{
		Streams: []node.StreamSpec{
			{Kind: node.StreamFSE, Kinds: []pkd.IndexKind{pkd.IndexSum, pkd.IndexMax}, Summarized: []int{0, 1}},
		},
	}
}

// newTestLeaf returns a leaf holding rows {i+1, 10*i} for i in [0, size).
func newTestLeaf(t *testing.T, id uint64, size int) *node.LeafNode {
	n, err := node.NewLeaf(make([]byte, 1024), id, testSchema())
	require.NoError(t, err)

	if size > 0 {
		rows := make([][]uint64, size)
		for i := range rows {
			rows[i] = []uint64{uint64(i + 1), uint64(10 * i)}
		}
		require.NoError(t, n.Leaf().Insert(0, 0, rows))
	}
	return n.Leaf()
}

// newTestBranch returns a branch whose children hold counts[i] elements,
// each child summing to 10*counts[i].
func newTestBranch(t *testing.T, counts []uint64) *node.BranchNode {
	n, err := node.NewBranch(make([]byte, 1024), 1, testSchema(), 1)
	require.NoError(t, err)

	entries := make([]node.Entry, len(counts))
	for i, count := range counts {
		entries[i] = node.Entry{ID: uint64(100 + i), Summaries: [][]uint64{{count, 10 * count, count}}}
	}
	require.NoError(t, n.Branch().Insert(0, entries))
	return n.Branch()
}

func TestWalkCmdString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("None", None.String())
	assert.Equal("FirstLeaf", FirstLeaf.String())
	assert.Equal("LastLeaf", LastLeaf.String())
	assert.Equal("TheOnlyLeaf", TheOnlyLeaf.String())
	assert.Equal("FixTarget", FixTarget.String())
	assert.Equal("Prefixes", Prefixes.String())
	assert.Equal("Unknown", WalkCmd(42).String())
}

func TestSkipForward(t *testing.T) {
	var (
		state IteratorState
	)

	assert := assert.New(t)

	leaf := newTestLeaf(t, 2, 5)
	tail := newTestLeaf(t, 3, 2)
	branch := newTestBranch(t, []uint64{3, 5, 2})

	sh := NewSkipForward(0, 3)
	assert.Equal(Forward, sh.Direction())
	sh.Start(&state)
	result, err := sh.LeafNode(leaf, 1)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 4}, result)
	assert.Equal(uint64(3), sh.Sum())

	sh = NewSkipForward(0, 10)
	sh.Start(&state)
	result, err = sh.LeafNode(leaf, 1)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 5, Exhausted: true}, result)
	assert.Equal(uint64(4), sh.Sum())

	result, err = sh.BranchNode(branch, 1)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 2}, result)
	assert.Equal(uint64(9), sh.Sum())

	result, err = sh.LeafNode(tail, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 1}, result)
	assert.Equal(uint64(10), sh.Sum())

	assert.True(sh.Finish(tail, result.Idx, &state))
	assert.Equal(1, state.Idx)
	assert.Equal(2, state.LeafSize)
	assert.False(state.BeforeStart)

	sh = NewSkipForward(0, 100)
	sh.Start(&state)
	result, err = sh.BranchNode(branch, 0)
	require.NoError(t, err)
	assert.True(result.Exhausted)
	assert.Equal(uint64(10), sh.Sum())

	require.NoError(t, sh.BranchCmd(branch, FixTarget, 2, 3))
	assert.Equal(uint64(8), sh.Sum())
	result, err = sh.LeafCmd(tail, LastLeaf)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 2, Exhausted: true}, result)
	assert.Equal(uint64(10), sh.Sum())
	assert.False(sh.Finish(tail, result.Idx, &state))
	assert.Equal(2, state.Idx)

	require.NoError(t, sh.BranchCmd(branch, None, 0, 3))
	assert.Equal(uint64(10), sh.Sum())
}

func TestSkipBackward(t *testing.T) {
	var (
		state IteratorState
	)

	assert := assert.New(t)

	first := newTestLeaf(t, 2, 3)
	second := newTestLeaf(t, 3, 5)
	branch := newTestBranch(t, []uint64{3, 5, 2})

	sh := NewSkipBackward(0, 3)
	assert.Equal(Backward, sh.Direction())
	sh.Start(&state)

	result, err := sh.LeafNode(second, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: -1, Exhausted: true}, result)
	assert.Equal(uint64(0), sh.Sum())

	result, err = sh.LeafNode(first, 2)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 0}, result)
	assert.Equal(uint64(3), sh.Sum())

	sh = NewSkipBackward(0, 4)
	sh.Start(&state)
	result, err = sh.LeafNode(second, 1)
	require.NoError(t, err)
	assert.True(result.Exhausted)
	assert.Equal(uint64(1), sh.Sum())

	result, err = sh.BranchNode(branch, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 0}, result)
	assert.Equal(uint64(1), sh.Sum())

	result, err = sh.LeafNode(first, 2)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 0}, result)
	assert.Equal(uint64(4), sh.Sum())

	sh = NewSkipBackward(0, 100)
	sh.Start(&state)
	result, err = sh.LeafNode(first, 2)
	require.NoError(t, err)
	assert.True(result.Exhausted)
	result, err = sh.LeafCmd(first, TheOnlyLeaf)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: -1, Exhausted: true}, result)
	assert.Equal(uint64(2), sh.Sum())
	assert.False(sh.Finish(first, result.Idx, &state))
	assert.True(state.BeforeStart)
	assert.Equal(-1, state.Idx)
}

func TestSelectRankFind(t *testing.T) {
	var (
		state IteratorState
	)

	assert := assert.New(t)

	leaf := newTestLeaf(t, 2, 5)
	empty := newTestLeaf(t, 3, 0)
	branch := newTestBranch(t, []uint64{3, 5, 2})

	sel := NewSelectForward(0, 0, 6)
	sel.Start(&state)
	result, err := sel.LeafNode(leaf, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 2}, result)
	assert.Equal(uint64(3), sel.Sum())
	assert.True(sel.Finish(leaf, result.Idx, &state))

	sel = NewSelectForward(0, 0, 100)
	sel.Start(&state)
	result, err = sel.BranchNode(branch, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 2}, result)
	assert.Equal(uint64(80), sel.Sum())

	sel = NewSelectForward(0, 0, 101)
	sel.Start(&state)
	result, err = sel.BranchNode(branch, 0)
	require.NoError(t, err)
	assert.True(result.Exhausted)
	assert.Equal(uint64(100), sel.Sum())
	assert.Equal(No, sel.Eligible(empty))
	assert.Equal(Yes, sel.Eligible(leaf))

	back := NewSelectBackward(0, 0, 9)
	back.Start(&state)
	result, err = back.LeafNode(leaf, 4)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 3}, result)
	result, err = back.LeafCmd(leaf, FirstLeaf)
	require.NoError(t, err)
	assert.Equal(-1, result.Idx)

	err = NewSelectForward(0, 5, 1).BranchCmd(branch, Prefixes, 0, 1)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	rank := NewRank(0, 0, 3)
	rank.Start(&state)
	result, err = rank.LeafNode(leaf, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 3}, result)
	assert.True(rank.Finish(leaf, result.Idx, &state))
	assert.Equal(uint64(6), rank.Rank())

	rank = NewRank(0, 0, 9)
	rank.Start(&state)
	result, err = rank.BranchNode(branch, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 2}, result)
	assert.Equal(uint64(80), rank.Rank())

	find := NewFindGE(0, 1, 25)
	find.Start(&state)
	result, err = find.LeafNode(leaf, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 3}, result)
	assert.True(find.Finish(leaf, result.Idx, &state))

	find = NewFindGT(0, 1, 40)
	find.Start(&state)
	result, err = find.LeafNode(leaf, 0)
	require.NoError(t, err)
	assert.True(result.Exhausted)

	_, err = NewFindGE(0, 0, 1).LeafNode(leaf, 0)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestGlobalLeafPrefix(t *testing.T) {
	var (
		state IteratorState
	)

	assert := assert.New(t)

	leaf := newTestLeaf(t, 2, 2)
	branch := newTestBranch(t, []uint64{3, 5, 2})

	sh := NewGlobalLeafPrefix(0, node.CountColumn)
	sh.Start(&state)
	require.NoError(t, sh.BranchCmd(branch, Prefixes, 0, 2))
	assert.Equal(uint64(8), sh.Prefix())
	assert.True(sh.Finish(leaf, 0, &state))
	assert.Equal(uint64(8), state.LeafPrefix)

	state.LeafPrefix = 0
	sh = NewGlobalLeafPrefix(0, 0)
	sh.Start(&state)
	require.NoError(t, sh.BranchCmd(branch, Prefixes, 1, 3))
	assert.Equal(uint64(70), sh.Prefix())
	sh.Finish(leaf, 0, &state)
	assert.Equal(uint64(0), state.LeafPrefix)
}

func TestNextPrevLeaf(t *testing.T) {
	var (
		state IteratorState
	)

	assert := assert.New(t)

	current := newTestLeaf(t, 2, 3)
	next := newTestLeaf(t, 3, 4)
	branch := newTestBranch(t, []uint64{3, 0, 4})

	sh := NewNextLeaf(0)
	sh.Start(&state)
	result, err := sh.LeafNode(current, 1)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 3, Exhausted: true}, result)
	result, err = sh.BranchNode(branch, 1)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 2}, result)
	result, err = sh.LeafNode(next, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 0}, result)
	assert.True(sh.Finish(next, result.Idx, &state))
	assert.Equal(0, state.Idx)

	prev := NewPrevLeaf(0)
	prev.Start(&state)
	result, err = prev.LeafNode(next, 0)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: -1, Exhausted: true}, result)
	result, err = prev.BranchNode(branch, 1)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 0}, result)
	result, err = prev.LeafNode(current, 2)
	require.NoError(t, err)
	assert.Equal(OpResult{Idx: 2}, result)
	assert.True(prev.Finish(current, result.Idx, &state))
	assert.Equal(2, state.Idx)
	assert.Equal(3, state.LeafSize)
}
