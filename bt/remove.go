// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bt

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/node"
)

func (tree *Tree) remove(s int, pos uint64, count uint64) (err error) {
	var (
		cursor *Cursor
		size   uint64
	)

	size, err = tree.Size(s)
	if nil != err {
		return
	}
	if (pos > size) || (count > size-pos) {
		err = blunder.NewError(blunder.RangeError, "remove of [%d,%d) outside the %d elements of stream %d", pos, pos+count, size, s)
		return
	}

	for count > 0 {
		cursor, err = tree.seekExisting(s, pos)
		if nil != err {
			return
		}

		leaf := cursor.Leaf()
		n := leaf.Size(s) - cursor.state.Idx
		if uint64(n) > count {
			n = int(count)
		}

		err = leaf.Remove(s, cursor.state.Idx, n)
		if nil != err {
			return
		}
		err = tree.updatePath(cursor.path)
		if nil != err {
			return
		}

		count -= uint64(n)
		stats.Removes.Increment()

		err = tree.rebalance(cursor.path)
		if nil != err {
			return
		}
	}

	err = tree.collapseRoot()
	return
}

// underfull reports whether n uses less than MergeThresholdPercent of its
// block.
func (tree *Tree) underfull(n *node.Node) bool {
	used := n.BlockSize() - n.Available()
	return used*100 < tree.config.MergeThresholdPercent*n.BlockSize()
}

// rebalance merges underfull nodes of path, bottom up, with a sibling.
func (tree *Tree) rebalance(path []pathEntry) (err error) {
	var (
		leftIdx int
		merged  bool
	)

	if 0 == tree.config.MergeThresholdPercent {
		err = nil
		return
	}

	for d := len(path) - 1; d > 0; d-- {
		if !tree.underfull(path[d].n) {
			break
		}

		parent := path[d-1]
		if parent.n.Branch().Size() < 2 {
			continue
		}

		if parent.idx+1 < parent.n.Branch().Size() {
			leftIdx = parent.idx
		} else {
			leftIdx = parent.idx - 1
		}

		merged, err = tree.mergeChildren(parent.n, leftIdx)
		if nil != err {
			return
		}
		if !merged {
			break
		}
	}

	err = nil
	return
}

// mergeChildren moves every element (leaves) or child (branches) of child
// leftIdx+1 into child leftIdx and frees the emptied node. merged is false,
// with nothing changed, if they do not fit.
func (tree *Tree) mergeChildren(parent *node.Node, leftIdx int) (merged bool, err error) {
	var (
		left  *node.Node
		right *node.Node
	)

	pb := parent.Branch()

	left, err = tree.loadChild(pb, leftIdx)
	if nil != err {
		return
	}
	right, err = tree.loadChild(pb, leftIdx+1)
	if nil != err {
		return
	}

	if left.IsLeaf() {
		err = tree.manager.Add(left)
		if nil != err {
			return
		}
		err = left.Leaf().MergeFrom(right.Leaf())
		if nil != err {
			rollbackErr := tree.manager.Rollback()
			if nil != rollbackErr {
				logger.PanicfWithError(rollbackErr, "bt leaf 0x%016X restore failed", left.ID())
			}
			if blunder.Is(err, blunder.CapacityError) || blunder.Is(err, blunder.NotSupportedError) {
				stats.MergeAborts.Increment()
				merged = false
				err = nil
			}
			return
		}
		tree.manager.Commit()
	} else {
		err = left.Branch().MergeFrom(right.Branch())
		if nil != err {
			if blunder.Is(err, blunder.CapacityError) {
				stats.MergeAborts.Increment()
				merged = false
				err = nil
			}
			return
		}
	}

	err = tree.unlinkMerged(pb, leftIdx, leftIdx+1, left, right)
	if nil != err {
		return
	}

	merged = true
	return
}

// unlinkMerged updates the entry of tgt and removes the entry of src, whose
// block is then freed.
func (tree *Tree) unlinkMerged(pb *node.BranchNode, tgtIdx int, srcIdx int, tgt *node.Node, src *node.Node) (err error) {
	err = pb.UpdateEntry(tgtIdx, tgt.Summaries())
	if nil != err {
		return
	}
	err = pb.Remove(srcIdx, 1)
	if nil != err {
		return
	}
	err = tree.provider.FreeBlock(src.ID())
	if nil != err {
		return
	}

	stats.Merges.Increment()
	logger.Tracef("bt merged node 0x%016X into 0x%016X", src.ID(), tgt.ID())

	err = nil
	return
}

// collapseRoot replaces a root branch holding a single child by that child.
func (tree *Tree) collapseRoot() (err error) {
	var (
		child *node.Node
		root  *node.Node
	)

	for {
		root, err = tree.loadNode(tree.rootID)
		if nil != err {
			return
		}
		if root.IsLeaf() || (1 != root.Branch().Size()) {
			err = nil
			return
		}

		child, err = tree.loadChild(root.Branch(), 0)
		if nil != err {
			return
		}
		child.SetRoot(true)

		err = tree.provider.FreeBlock(root.ID())
		if nil != err {
			return
		}
		tree.rootID = child.ID()

		stats.Collapses.Increment()
		logger.Tracef("bt collapsed root into 0x%016X", child.ID())
	}
}

// pathTo returns the path from the root to node id.
func (tree *Tree) pathTo(id uint64) (path []pathEntry, err error) {
	var (
		found bool
		root  *node.Node
	)

	root, err = tree.loadNode(tree.rootID)
	if nil != err {
		return
	}

	found, err = tree.searchPath(root, id, &path)
	if nil != err {
		return
	}
	if !found {
		err = blunder.NewError(blunder.NotFoundError, "node 0x%016X is not in the tree", id)
		return
	}

	err = nil
	return
}

func (tree *Tree) searchPath(n *node.Node, id uint64, path *[]pathEntry) (found bool, err error) {
	var (
		child *node.Node
	)

	*path = append(*path, pathEntry{n: n})
	d := len(*path) - 1

	if n.ID() == id {
		found = true
		return
	}

	if n.IsBranch() {
		for i := 0; i < n.Branch().Size(); i++ {
			(*path)[d].idx = i
			child, err = tree.loadChild(n.Branch(), i)
			if nil != err {
				return
			}
			found, err = tree.searchPath(child, id, path)
			if found || (nil != err) {
				return
			}
		}
	}

	*path = (*path)[:d]
	found = false
	return
}

func (tree *Tree) mergeBranchNodes(tgtID uint64, srcID uint64) (merged bool, err error) {
	var (
		path   []pathEntry
		sIdx   int
		src    *node.Node
		tgt    *node.Node
		tIdx   int
		parent *node.BranchNode
		ok     bool
	)

	path, err = tree.pathTo(tgtID)
	if nil != err {
		return
	}
	if len(path) < 2 {
		err = blunder.NewError(blunder.InvalidArgError, "node 0x%016X is the root", tgtID)
		return
	}

	tgt = path[len(path)-1].n
	parent = path[len(path)-2].n.Branch()
	tIdx = path[len(path)-2].idx

	sIdx, ok = parent.FindChild(srcID)
	if !ok || ((sIdx != tIdx+1) && (sIdx != tIdx-1)) {
		err = blunder.NewError(blunder.InvalidArgError, "nodes 0x%016X and 0x%016X are not adjacent siblings", tgtID, srcID)
		return
	}

	src, err = tree.loadChild(parent, sIdx)
	if nil != err {
		return
	}
	if !tgt.IsBranch() || !src.IsBranch() {
		err = blunder.NewError(blunder.InvalidArgError, "nodes 0x%016X and 0x%016X are not both branches", tgtID, srcID)
		return
	}

	if sIdx > tIdx {
		err = tgt.Branch().MergeFrom(src.Branch())
	} else {
		err = tgt.Branch().Insert(0, src.Branch().Entries(0, src.Branch().Size()))
	}
	if nil != err {
		if blunder.Is(err, blunder.CapacityError) {
			stats.MergeAborts.Increment()
			merged = false
			err = nil
		}
		return
	}

	err = tree.unlinkMerged(parent, tIdx, sIdx, tgt, src)
	if nil != err {
		return
	}
	if sIdx < tIdx {
		path[len(path)-2].idx = tIdx - 1
	}

	err = tree.updatePath(path)
	if nil != err {
		return
	}

	err = tree.collapseRoot()
	if nil != err {
		return
	}

	merged = true
	return
}
