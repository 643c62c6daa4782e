// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package shuttle

import (
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

// Find locates the first element whose key in a Max column compares
// GE (or GT) to the key. It rides from the root.
type Find struct {
	stream     int
	col        int
	key        uint64
	searchType pkd.SearchType
}

func (sh *Find) Stream() int {
	return sh.stream
}

func (sh *Find) Direction() Direction {
	return Forward
}

func (sh *Find) Start(state *IteratorState) {
	stats.Starts.Increment()
}

func (sh *Find) Eligible(leaf *node.LeafNode) Eligibility {
	if leaf.Size(sh.stream) > 0 {
		return Yes
	}
	return No
}

func (sh *Find) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	var (
		bcol int
	)

	bcol, err = branchColumn(branch, sh.stream, sh.col)
	if nil != err {
		return
	}
	err = requireMax(branch.Node().Schema(), sh.stream, sh.col)
	if nil != err {
		return
	}
	result.Idx, _, err = branch.FindForward(sh.stream, bcol, start, sh.key, sh.searchType)
	if nil != err {
		return
	}
	result.Exhausted = result.Idx >= branch.Size()
	return
}

func (sh *Find) BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error) {
	return nil
}

func (sh *Find) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	err = requireMax(leaf.Node().Schema(), sh.stream, sh.col)
	if nil != err {
		return
	}
	result.Idx, _, err = leaf.FindForward(sh.stream, sh.col, start, sh.key, sh.searchType)
	if nil != err {
		return
	}
	result.Exhausted = result.Idx >= leaf.Size(sh.stream)
	return
}

func (sh *Find) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	result.Idx = leaf.Size(sh.stream)
	result.Exhausted = true
	err = nil
	return
}

func (sh *Find) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	size := leaf.Size(sh.stream)
	finishPosition(size, idx, state)
	found = (idx >= 0) && (idx < size)
	return
}

// Rank sums column col of a row stream over positions [0, pos). It rides
// from the root, steering by element counts.
type Rank struct {
	stream int
	col    int
	pos    uint64
	count  uint64
	rank   uint64
}

func (sh *Rank) Stream() int {
	return sh.stream
}

// Rank returns the accumulated sum.
func (sh *Rank) Rank() uint64 {
	return sh.rank
}

func (sh *Rank) Direction() Direction {
	return Forward
}

func (sh *Rank) Start(state *IteratorState) {
	sh.count = 0
	sh.rank = 0
	stats.Starts.Increment()
}

func (sh *Rank) Eligible(leaf *node.LeafNode) Eligibility {
	if leaf.Size(sh.stream) > 0 {
		return Yes
	}
	return No
}

func (sh *Rank) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	var (
		bcol   int
		prefix uint64
		sum    uint64
	)

	bcol, err = branchColumn(branch, sh.stream, sh.col)
	if nil != err {
		return
	}

	result.Idx, prefix, err = branch.FindForward(sh.stream, 0, start, sh.pos-sh.count, pkd.GT)
	if nil != err {
		return
	}
	sum, err = branch.Sum(sh.stream, bcol, start, result.Idx)
	if nil != err {
		return
	}

	sh.count += prefix
	sh.rank += sum
	result.Exhausted = result.Idx >= branch.Size()
	return
}

func (sh *Rank) BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error) {
	var (
		bcol int
	)

	bcol, err = branchColumn(branch, sh.stream, sh.col)
	if nil != err {
		return
	}
	err = adjust(&sh.count, branch, sh.stream, 0, cmd, start, end)
	if nil != err {
		return
	}
	err = adjust(&sh.rank, branch, sh.stream, bcol, cmd, start, end)
	return
}

func (sh *Rank) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	var (
		end  int
		size = leaf.Size(sh.stream)
		sum  uint64
	)

	if start < 0 {
		start = 0
	}
	end = size
	if sh.pos-sh.count < uint64(size-start) {
		end = start + int(sh.pos-sh.count)
	}

	sum, err = leaf.Sum(sh.stream, sh.col, start, end)
	if nil != err {
		return
	}

	sh.count += uint64(end - start)
	sh.rank += sum
	result.Idx = end
	result.Exhausted = sh.count < sh.pos
	return
}

func (sh *Rank) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	var (
		size = leaf.Size(sh.stream)
		sum  uint64
	)

	if LastLeaf == cmd {
		sum, err = leaf.Sum(sh.stream, sh.col, 0, size)
		if nil != err {
			return
		}
		sh.count += uint64(size)
		sh.rank += sum
	}
	result.Idx = size
	result.Exhausted = sh.count < sh.pos
	err = nil
	return
}

// Finish reports whether every position before pos was counted.
func (sh *Rank) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	finishPosition(leaf.Size(sh.stream), idx, state)
	found = sh.count == sh.pos
	return
}

// GlobalLeafPrefix sums column col over the leaves before the cursor's leaf.
// The tree core issues BranchCmd(Prefixes, 0, childIdx) on every branch of
// the cursor's path; no descent takes place.
type GlobalLeafPrefix struct {
	stream int
	col    int
	prefix uint64
}

func (sh *GlobalLeafPrefix) Stream() int {
	return sh.stream
}

// Prefix returns the accumulated sum.
func (sh *GlobalLeafPrefix) Prefix() uint64 {
	return sh.prefix
}

func (sh *GlobalLeafPrefix) Direction() Direction {
	return Backward
}

func (sh *GlobalLeafPrefix) Start(state *IteratorState) {
	sh.prefix = 0
	stats.Starts.Increment()
}

func (sh *GlobalLeafPrefix) Eligible(leaf *node.LeafNode) Eligibility {
	return Yes
}

func (sh *GlobalLeafPrefix) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	result.Idx = start
	err = nil
	return
}

func (sh *GlobalLeafPrefix) BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error) {
	var (
		bcol int
	)

	bcol, err = branchColumn(branch, sh.stream, sh.col)
	if nil != err {
		return
	}
	err = adjust(&sh.prefix, branch, sh.stream, bcol, cmd, start, end)
	return
}

func (sh *GlobalLeafPrefix) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	result.Idx = start
	err = nil
	return
}

func (sh *GlobalLeafPrefix) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	result.Idx = -1
	result.Exhausted = true
	err = nil
	return
}

// Finish stores the prefix in state when it counts elements. The position
// is left alone.
func (sh *GlobalLeafPrefix) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	if node.CountColumn == sh.col {
		state.LeafPrefix = sh.prefix
	}
	found = true
	return
}

// NextLeaf moves to element 0 of the next leaf holding elements of the
// stream. The leaf the ride starts in reports itself exhausted; the next
// leaf visited is the answer.
type NextLeaf struct {
	stream int
	leafs  int
}

func (sh *NextLeaf) Stream() int {
	return sh.stream
}

func (sh *NextLeaf) Direction() Direction {
	return Forward
}

func (sh *NextLeaf) Start(state *IteratorState) {
	sh.leafs = 0
	stats.Starts.Increment()
}

func (sh *NextLeaf) Eligible(leaf *node.LeafNode) Eligibility {
	if leaf.Size(sh.stream) > 0 {
		return Yes
	}
	return No
}

func (sh *NextLeaf) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	result.Idx, _, err = branch.FindForward(sh.stream, 0, start, 0, pkd.GT)
	if nil != err {
		return
	}
	result.Exhausted = result.Idx >= branch.Size()
	return
}

func (sh *NextLeaf) BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error) {
	return nil
}

func (sh *NextLeaf) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	sh.leafs++

	if 1 == sh.leafs {
		result.Idx = leaf.Size(sh.stream)
		result.Exhausted = true
	} else {
		result.Idx = 0
	}
	err = nil
	return
}

func (sh *NextLeaf) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	result.Idx = leaf.Size(sh.stream)
	result.Exhausted = true
	err = nil
	return
}

func (sh *NextLeaf) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	size := leaf.Size(sh.stream)
	if idx < size {
		idx = 0
		found = true
	} else {
		idx = size
		found = false
	}
	finishPosition(size, idx, state)
	return
}

// PrevLeaf moves to the last element of the previous leaf holding elements
// of the stream. The second leaf the ride visits is the answer.
type PrevLeaf struct {
	stream int
	leafs  int
}

func (sh *PrevLeaf) Stream() int {
	return sh.stream
}

func (sh *PrevLeaf) Direction() Direction {
	return Backward
}

func (sh *PrevLeaf) Start(state *IteratorState) {
	sh.leafs = 0
	stats.Starts.Increment()
}

func (sh *PrevLeaf) Eligible(leaf *node.LeafNode) Eligibility {
	if leaf.Size(sh.stream) > 0 {
		return Yes
	}
	return No
}

func (sh *PrevLeaf) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	result.Idx, _, err = branch.FindBackward(sh.stream, 0, start, 0, pkd.GT)
	if nil != err {
		return
	}
	result.Exhausted = result.Idx < 0
	return
}

func (sh *PrevLeaf) BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error) {
	return nil
}

func (sh *PrevLeaf) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	sh.leafs++

	if 2 == sh.leafs {
		result.Idx = leaf.Size(sh.stream) - 1
		result.Exhausted = result.Idx < 0
	} else {
		result.Idx = -1
		result.Exhausted = true
	}
	err = nil
	return
}

func (sh *PrevLeaf) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	result.Idx = -1
	result.Exhausted = true
	err = nil
	return
}

func (sh *PrevLeaf) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	finishPosition(leaf.Size(sh.stream), idx, state)
	found = idx >= 0
	return
}
