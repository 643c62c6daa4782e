// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package shuttle

import (
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

type selectBase struct {
	stream int
	col    int
	target uint64
	sum    uint64
}

func (sh *selectBase) Stream() int {
	return sh.stream
}

// Sum returns the amount of column col the ride accounted for before the
// landing position.
func (sh *selectBase) Sum() uint64 {
	return sh.sum
}

func (sh *selectBase) Start(state *IteratorState) {
	sh.sum = 0
	stats.Starts.Increment()
}

func (sh *selectBase) Eligible(leaf *node.LeafNode) Eligibility {
	if leaf.ColumnSize(sh.stream, sh.col) > 0 {
		return Yes
	}
	return No
}

func (sh *selectBase) remaining() uint64 {
	if sh.sum >= sh.target {
		return 0
	}
	return sh.target - sh.sum
}

func (sh *selectBase) BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error) {
	var (
		bcol int
	)

	bcol, err = branchColumn(branch, sh.stream, sh.col)
	if nil != err {
		return
	}
	err = adjust(&sh.sum, branch, sh.stream, bcol, cmd, start, end)
	return
}

func (sh *selectBase) leafTotal(leaf *node.LeafNode) (total uint64, err error) {
	total, err = leaf.Sum(sh.stream, sh.col, 0, leaf.ColumnSize(sh.stream, sh.col))
	return
}

// SelectForward finds the first position, counting from the cursor, at
// which the running sum of column col reaches the rank.
type SelectForward struct {
	selectBase
}

func (sh *SelectForward) Direction() Direction {
	return Forward
}

func (sh *SelectForward) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	var (
		bcol   int
		prefix uint64
	)

	bcol, err = branchColumn(branch, sh.stream, sh.col)
	if nil != err {
		return
	}
	result.Idx, prefix, err = branch.FindForward(sh.stream, bcol, start, sh.remaining(), pkd.GE)
	if nil != err {
		return
	}
	sh.sum += prefix
	result.Exhausted = result.Idx >= branch.Size()
	return
}

func (sh *SelectForward) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	var (
		prefix uint64
	)

	result.Idx, prefix, err = leaf.FindForward(sh.stream, sh.col, start, sh.remaining(), pkd.GE)
	if nil != err {
		return
	}
	sh.sum += prefix
	result.Exhausted = result.Idx >= leaf.ColumnSize(sh.stream, sh.col)
	return
}

func (sh *SelectForward) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	var (
		total uint64
	)

	if LastLeaf == cmd {
		total, err = sh.leafTotal(leaf)
		if nil != err {
			return
		}
		sh.sum += total
	}
	result.Idx = leaf.ColumnSize(sh.stream, sh.col)
	result.Exhausted = true
	err = nil
	return
}

func (sh *SelectForward) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	size := leaf.ColumnSize(sh.stream, sh.col)
	finishPosition(size, idx, state)
	found = (idx >= 0) && (idx < size)
	return
}

// SelectBackward finds the last position, counting backward from the
// cursor (inclusive), at which the running sum of column col reaches the
// rank.
type SelectBackward struct {
	selectBase
}

func (sh *SelectBackward) Direction() Direction {
	return Backward
}

func (sh *SelectBackward) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	var (
		bcol   int
		prefix uint64
	)

	bcol, err = branchColumn(branch, sh.stream, sh.col)
	if nil != err {
		return
	}
	result.Idx, prefix, err = branch.FindBackward(sh.stream, bcol, start, sh.remaining(), pkd.GE)
	if nil != err {
		return
	}
	sh.sum += prefix
	result.Exhausted = result.Idx < 0
	return
}

func (sh *SelectBackward) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	var (
		prefix uint64
	)

	result.Idx, prefix, err = leaf.FindBackward(sh.stream, sh.col, start, sh.remaining(), pkd.GE)
	if nil != err {
		return
	}
	sh.sum += prefix
	result.Exhausted = result.Idx < 0
	return
}

func (sh *SelectBackward) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	var (
		total uint64
	)

	if FirstLeaf == cmd {
		total, err = sh.leafTotal(leaf)
		if nil != err {
			return
		}
		sh.sum += total
	}
	result.Idx = -1
	result.Exhausted = true
	err = nil
	return
}

func (sh *SelectBackward) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	size := leaf.ColumnSize(sh.stream, sh.col)
	finishPosition(size, idx, state)
	found = (idx >= 0) && (idx < size)
	return
}
