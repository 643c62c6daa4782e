// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package shuttle

import (
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

// skipBase counts positions: branch column 0, one per leaf element.
type skipBase struct {
	stream int
	target uint64
	sum    uint64
	leafs  int
}

func (sh *skipBase) Stream() int {
	return sh.stream
}

// Sum returns the number of positions the ride moved over.
func (sh *skipBase) Sum() uint64 {
	return sh.sum
}

func (sh *skipBase) Start(state *IteratorState) {
	sh.sum = 0
	sh.leafs = 0
	stats.Starts.Increment()
}

func (sh *skipBase) Eligible(leaf *node.LeafNode) Eligibility {
	if leaf.Size(sh.stream) > 0 {
		return Yes
	}
	return No
}

func (sh *skipBase) remaining() uint64 {
	if sh.sum >= sh.target {
		return 0
	}
	return sh.target - sh.sum
}

func (sh *skipBase) BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error) {
	err = adjust(&sh.sum, branch, sh.stream, 0, cmd, start, end)
	return
}

// SkipForward moves the cursor target positions toward the end. Running off
// the end leaves it at the end of the last leaf having moved over every
// remaining position.
type SkipForward struct {
	skipBase
}

func (sh *SkipForward) Direction() Direction {
	return Forward
}

func (sh *SkipForward) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	var (
		prefix uint64
	)

	result.Idx, prefix, err = branch.FindForward(sh.stream, 0, start, sh.remaining(), pkd.GT)
	if nil != err {
		return
	}
	sh.sum += prefix
	result.Exhausted = result.Idx >= branch.Size()
	return
}

func (sh *SkipForward) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	var (
		offset = sh.remaining()
		size   = leaf.Size(sh.stream)
	)

	sh.leafs++

	if (start < size) && (uint64(size-start) > offset) {
		sh.sum += offset
		result.Idx = start + int(offset)
		err = nil
		return
	}

	if start < size {
		sh.sum += uint64(size - start)
	}
	result.Idx = size
	result.Exhausted = true
	err = nil
	return
}

func (sh *SkipForward) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	size := leaf.Size(sh.stream)
	if LastLeaf == cmd {
		sh.sum += uint64(size)
	}
	result.Idx = size
	result.Exhausted = true
	err = nil
	return
}

func (sh *SkipForward) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	size := leaf.Size(sh.stream)
	finishPosition(size, idx, state)
	found = (idx >= 0) && (idx < size)
	return
}

// SkipBackward moves the cursor target positions toward the start. Running
// off the start leaves it before the first element (Idx -1, BeforeStart).
type SkipBackward struct {
	skipBase
}

func (sh *SkipBackward) Direction() Direction {
	return Backward
}

func (sh *SkipBackward) BranchNode(branch *node.BranchNode, start int) (result OpResult, err error) {
	var (
		prefix uint64
	)

	result.Idx, prefix, err = branch.FindBackward(sh.stream, 0, start, sh.remaining(), pkd.GE)
	if nil != err {
		return
	}
	sh.sum += prefix
	result.Exhausted = result.Idx < 0
	return
}

// LeafNode positions are counted back to element 0 of the leaf; stepping
// from there to the last element of the leaf on the left is one more. That
// step is added the one time the ride enters a leaf from its parent, which
// is the second leaf it visits.
func (sh *SkipBackward) LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error) {
	var (
		offset uint64
	)

	sh.leafs++

	if (2 == sh.leafs) && (sh.sum < sh.target) {
		sh.sum++
		stats.BoundaryCorrections.Increment()
	}

	offset = sh.remaining()

	if (start >= 0) && (uint64(start) >= offset) {
		sh.sum += offset
		result.Idx = start - int(offset)
		err = nil
		return
	}

	if start > 0 {
		sh.sum += uint64(start)
	}
	result.Idx = -1
	result.Exhausted = true
	err = nil
	return
}

func (sh *SkipBackward) LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error) {
	if FirstLeaf == cmd {
		sh.sum += uint64(leaf.Size(sh.stream))
	}
	result.Idx = -1
	result.Exhausted = true
	err = nil
	return
}

func (sh *SkipBackward) Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool) {
	size := leaf.Size(sh.stream)
	finishPosition(size, idx, state)
	found = (idx >= 0) && (idx < size)
	return
}
