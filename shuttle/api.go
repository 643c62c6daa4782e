// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package shuttle implements the visitors that perform one directional
// search or aggregation over a packed tree.
//
// A Shuttle is driven by the tree core through one ride:
//
//   Start(state)                 the shuttle reads the caller's cursor
//   LeafNode(leaf, idx)          the leaf the cursor is in
//   BranchNode(branch, start)    climbing: the siblings after (or before) the
//                                child the ride came from
//                                descending: the whole branch
//   LeafNode(leaf, start)        the leaf reached by the descent
//   Finish(leaf, idx, state)     the shuttle writes the landing position back
//
// A node operation reports Exhausted when the target lies beyond the range
// it was given, after accounting for everything in that range. When the ride
// runs off the tree the core subtracts (FixTarget) the boundary child of the
// highest branch that accounted for it, re-descends along the tree's edge
// adding (Prefixes) every other child, and ends with LeafCmd(FirstLeaf or
// LastLeaf). A ride that runs off the tree from the leaf it already stands
// in ends with LeafCmd(TheOnlyLeaf).
//
// Rides that start at the root skip the first LeafNode call. Leaves reached
// by a descent are only visited if Eligible() says so; an ineligible leaf is
// passed over as if it were exhausted without contributing.
//
// Columns are leaf columns of the shuttle's stream; branch columns are found
// with node.Schema.BranchColumn.
//
package shuttle

import (
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

// Direction is the order in which a ride visits positions.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Eligibility is the answer to Shuttle.Eligible().
type Eligibility int

const (
	No Eligibility = iota
	Yes
)

// WalkCmd is a command the tree core issues outside the regular descent.
type WalkCmd int

const (
	// None does nothing.
	None WalkCmd = iota
	// FirstLeaf ends a backward ride that ran off the start of the tree.
	FirstLeaf
	// LastLeaf ends a forward ride that ran off the end of the tree.
	LastLeaf
	// TheOnlyLeaf ends a ride that ran off the tree from the leaf it is in.
	TheOnlyLeaf
	// FixTarget subtracts what the shuttle accounted for children [start, end).
	FixTarget
	// Prefixes adds what children [start, end) hold to the shuttle's sums.
	Prefixes
)

func (cmd WalkCmd) String() string {
	switch cmd {
	case None:
		return "None"
	case FirstLeaf:
		return "FirstLeaf"
	case LastLeaf:
		return "LastLeaf"
	case TheOnlyLeaf:
		return "TheOnlyLeaf"
	case FixTarget:
		return "FixTarget"
	case Prefixes:
		return "Prefixes"
	default:
		return "Unknown"
	}
}

// OpResult is the outcome of one node operation.
type OpResult struct {
	Idx       int  // child (branch) or position (leaf) the ride continues at
	Exhausted bool // the target is beyond the range searched
}

// IteratorState is the part of a cursor a shuttle reads and writes.
type IteratorState struct {
	Stream      int
	Idx         int    // position in the leaf, -1 before the start
	LeafSize    int    // positions of the leaf for the column last searched
	LeafPrefix  uint64 // elements of Stream in the leaves before this one
	BeforeStart bool
}

// Shuttle is the visitor driven through one ride.
type Shuttle interface {
	Stream() int
	Direction() Direction
	Start(state *IteratorState)
	Eligible(leaf *node.LeafNode) Eligibility
	BranchNode(branch *node.BranchNode, start int) (result OpResult, err error)
	BranchCmd(branch *node.BranchNode, cmd WalkCmd, start int, end int) (err error)
	LeafNode(leaf *node.LeafNode, start int) (result OpResult, err error)
	LeafCmd(leaf *node.LeafNode, cmd WalkCmd) (result OpResult, err error)
	Finish(leaf *node.LeafNode, idx int, state *IteratorState) (found bool)
}

// NewSkipForward returns a shuttle moving target elements of stream forward.
func NewSkipForward(stream int, target uint64) *SkipForward {
	return &SkipForward{skipBase: skipBase{stream: stream, target: target}}
}

// NewSkipBackward returns a shuttle moving target elements of stream backward.
func NewSkipBackward(stream int, target uint64) *SkipBackward {
	return &SkipBackward{skipBase: skipBase{stream: stream, target: target}}
}

// NewSelectForward returns a shuttle finding the position at which the sum
// of column col, counted from the cursor, reaches rank.
func NewSelectForward(stream int, col int, rank uint64) *SelectForward {
	return &SelectForward{selectBase: selectBase{stream: stream, col: col, target: rank}}
}

// NewSelectBackward returns a shuttle finding the position at which the sum
// of column col, counted backward from the cursor, reaches rank.
func NewSelectBackward(stream int, col int, rank uint64) *SelectBackward {
	return &SelectBackward{selectBase: selectBase{stream: stream, col: col, target: rank}}
}

// NewRank returns a shuttle summing column col over stream positions
// [0, pos). Rank rides start at the root.
func NewRank(stream int, col int, pos uint64) *Rank {
	return &Rank{stream: stream, col: col, pos: pos}
}

// NewFindGE returns a shuttle finding the first element whose key in the
// non-decreasing Max column col is >= key. FindGE rides start at the root.
func NewFindGE(stream int, col int, key uint64) *Find {
	return &Find{stream: stream, col: col, key: key, searchType: pkd.GE}
}

// NewFindGT is NewFindGE for the first key > key.
func NewFindGT(stream int, col int, key uint64) *Find {
	return &Find{stream: stream, col: col, key: key, searchType: pkd.GT}
}

// NewGlobalLeafPrefix returns a shuttle summing column col over every leaf
// before the cursor's. It is driven by BranchCmd(Prefixes) alone.
func NewGlobalLeafPrefix(stream int, col int) *GlobalLeafPrefix {
	return &GlobalLeafPrefix{stream: stream, col: col}
}

// NewNextLeaf returns a shuttle moving to the start of the next leaf holding
// elements of stream.
func NewNextLeaf(stream int) *NextLeaf {
	return &NextLeaf{stream: stream}
}

// NewPrevLeaf returns a shuttle moving to the last element of the previous
// leaf holding elements of stream.
func NewPrevLeaf(stream int) *PrevLeaf {
	return &PrevLeaf{stream: stream}
}
