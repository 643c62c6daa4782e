// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bt

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/shuttle"
)

type rideMode int

const (
	rideLeaf    rideMode = iota // LeafNode() on path[d]
	rideBranch                  // BranchNode() on path[d]
	rideClimb                   // move to path[d-1] and its next sibling
	rideDescend                 // push the child path[d].idx selects
)

// ride drives sh over the tree and leaves cursor where sh finishes. A ride
// from the root starts with the whole root; otherwise it starts in the
// cursor's leaf at the cursor's index.
func (tree *Tree) ride(cursor *Cursor, sh shuttle.Shuttle, fromRoot bool) (found bool, err error) {
	var (
		d        int
		fixDepth = -1
		forward  = shuttle.Forward == sh.Direction()
		leafIdx  int
		mode     rideMode
		result   shuttle.OpResult
		root     *node.Node
		s        = sh.Stream()
		start    int
	)

	err = tree.checkStream(s)
	if nil != err {
		return
	}

	stats.Rides.Increment()

	if fromRoot {
		root, err = tree.loadNode(tree.rootID)
		if nil != err {
			return
		}
		cursor.path = []pathEntry{{n: root}}
		cursor.state = shuttle.IteratorState{Stream: s}
		mode = rideBranch
		if root.IsLeaf() {
			mode = rideLeaf
		}
		start = tree.edgeStart(root, s, forward)
	} else {
		if 0 == len(cursor.path) {
			err = blunder.NewError(blunder.InvalidArgError, "cursor is not positioned")
			return
		}
		mode = rideLeaf
		start = cursor.state.Idx
	}

	d = len(cursor.path) - 1

	sh.Start(&cursor.state)

Riding:
	for {
		switch mode {
		case rideLeaf:
			result, err = sh.LeafNode(cursor.path[d].n.Leaf(), start)
			if nil != err {
				return
			}
			if !result.Exhausted {
				leafIdx = result.Idx
				break Riding
			}
			mode = rideClimb

		case rideBranch:
			result, err = sh.BranchNode(cursor.path[d].n.Branch(), start)
			if nil != err {
				return
			}
			if result.Exhausted {
				fixDepth = d
				mode = rideClimb
				continue
			}
			fixDepth = -1
			cursor.path[d].idx = result.Idx
			mode = rideDescend

		case rideClimb:
			if 0 == d {
				leafIdx, err = tree.runOff(cursor, sh, fixDepth)
				if nil != err {
					return
				}
				break Riding
			}
			d--
			stats.Climbs.Increment()
			branch := cursor.path[d].n.Branch()
			if forward {
				start = cursor.path[d].idx + 1
			} else {
				start = cursor.path[d].idx - 1
			}
			if (start >= 0) && (start < branch.Size()) {
				mode = rideBranch
			}

		case rideDescend:
			var child *node.Node

			child, err = tree.loadChild(cursor.path[d].n.Branch(), cursor.path[d].idx)
			if nil != err {
				return
			}
			stats.Descents.Increment()
			cursor.path = append(cursor.path[:d+1], pathEntry{n: child})
			d++
			start = tree.edgeStart(child, s, forward)

			if child.IsBranch() {
				mode = rideBranch
				continue
			}
			if shuttle.No == sh.Eligible(child.Leaf()) {
				mode = rideClimb
				continue
			}
			mode = rideLeaf
		}
	}

	stats.RideDepth.Add(uint64(len(cursor.path)))

	found = sh.Finish(cursor.Leaf(), leafIdx, &cursor.state)
	cursor.state.Stream = s

	err = tree.computeLeafPrefix(cursor)
	return
}

// edgeStart is where a descent enters n: its first position going forward,
// its last going backward.
func (tree *Tree) edgeStart(n *node.Node, s int, forward bool) int {
	if forward {
		return 0
	}
	if n.IsBranch() {
		return n.Branch().Size() - 1
	}
	return n.Leaf().Size(s) - 1
}

// runOff finishes a ride that climbed past the root. With fixDepth < 0 only
// the leaf the ride stands in was accounted for. Otherwise the branch at
// fixDepth accounted for everything up to the tree's edge: its boundary child
// is taken back out, and the descent along the edge adds every other child
// before the edge leaf adds itself.
func (tree *Tree) runOff(cursor *Cursor, sh shuttle.Shuttle, fixDepth int) (leafIdx int, err error) {
	var (
		b       int
		child   *node.Node
		forward = shuttle.Forward == sh.Direction()
		result  shuttle.OpResult
	)

	if fixDepth < 0 {
		stats.OnlyLeafs.Increment()
		result, err = sh.LeafCmd(cursor.Leaf(), shuttle.TheOnlyLeaf)
		if nil != err {
			return
		}
		leafIdx = result.Idx
		return
	}

	stats.RunOffs.Increment()

	branch := cursor.path[fixDepth].n.Branch()
	if forward {
		b = branch.Size() - 1
	} else {
		b = 0
	}

	err = sh.BranchCmd(branch, shuttle.FixTarget, b, b+1)
	if nil != err {
		return
	}

	cursor.path[fixDepth].idx = b
	cursor.path = cursor.path[:fixDepth+1]

	for {
		parent := cursor.path[len(cursor.path)-1]
		child, err = tree.loadChild(parent.n.Branch(), parent.idx)
		if nil != err {
			return
		}
		cursor.path = append(cursor.path, pathEntry{n: child})

		if child.IsLeaf() {
			cmd := shuttle.FirstLeaf
			if forward {
				cmd = shuttle.LastLeaf
			}
			result, err = sh.LeafCmd(child.Leaf(), cmd)
			if nil != err {
				return
			}
			leafIdx = result.Idx
			return
		}

		cb := child.Branch()
		if forward {
			err = sh.BranchCmd(cb, shuttle.Prefixes, 0, cb.Size()-1)
			b = cb.Size() - 1
		} else {
			err = sh.BranchCmd(cb, shuttle.Prefixes, 1, cb.Size())
			b = 0
		}
		if nil != err {
			return
		}
		cursor.path[len(cursor.path)-1].idx = b
	}
}
