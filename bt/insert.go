// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bt

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/node"
)

func (tree *Tree) insert(s int, pos uint64, rows [][]uint64) (err error) {
	var (
		cursor *Cursor
		grown  bool
		size   uint64
		us     node.LeafUpdateState
	)

	if 0 == len(rows) {
		err = nil
		return
	}

	size, err = tree.Size(s)
	if nil != err {
		return
	}
	if pos > size {
		err = blunder.NewError(blunder.RangeError, "insert position %d beyond the %d elements of stream %d", pos, size, s)
		return
	}

	cursor, err = tree.seek(s, pos)
	if nil != err {
		return
	}

	for {
		leafNode := cursor.path[len(cursor.path)-1].n
		inserts := []node.LeafInsert{{Stream: s, Idx: cursor.state.Idx, Rows: rows}}

		err = leafNode.Leaf().PrepareInsert(inserts, &us)
		if nil == err {
			leafNode.Leaf().CommitInsert(inserts, &us)
			break
		}
		if blunder.IsNot(err, blunder.CapacityError) {
			return
		}

		grown, err = tree.growNode(leafNode)
		if nil != err {
			return
		}
		if grown {
			continue
		}

		err = tree.splitLeaf(cursor)
		if nil != err {
			return
		}
	}

	err = tree.updatePath(cursor.path)
	if nil != err {
		return
	}

	stats.Inserts.Increment()

	err = nil
	return
}

func leafElements(leaf *node.LeafNode) (elements int) {
	for s := 0; s < leaf.Streams(); s++ {
		elements += leaf.Size(s)
	}
	return
}

// splitLeaf moves the upper half of every stream of the cursor's leaf to a
// new right sibling. The cursor follows its element.
func (tree *Tree) splitLeaf(cursor *Cursor) (err error) {
	var (
		buf   []byte
		id    uint64
		right *node.Node
		s     = cursor.state.Stream
	)

	d := len(cursor.path) - 1
	left := cursor.path[d].n

	if leafElements(left.Leaf()) < 2 {
		err = blunder.NewError(blunder.CapacityError, "leaf 0x%016X of %d bytes cannot take the insert and cannot be split", left.ID(), left.BlockSize())
		return
	}

	at := left.Leaf().Size(s) / 2

	id, buf, err = tree.provider.NewBlock(left.BlockSize())
	if nil != err {
		return
	}
	right, err = node.NewLeaf(buf, id, tree.schema)
	if nil != err {
		tree.freeUnlinked(id)
		return
	}

	err = left.Leaf().SplitTo(right.Leaf(), nil)
	if nil != err {
		tree.freeUnlinked(id)
		return
	}

	stats.LeafSplits.Increment()
	logger.Tracef("bt split leaf 0x%016X into 0x%016X", left.ID(), id)

	moveRight := cursor.state.Idx > at
	if moveRight {
		cursor.state.Idx -= at
	}

	err = tree.linkSibling(cursor, d, right, moveRight)
	if nil != err {
		return
	}

	cursor.state.LeafSize = cursor.Leaf().Size(s)
	err = tree.computeLeafPrefix(cursor)
	return
}

// linkSibling makes right, the new right sibling of path[d], a child of
// path[d]'s parent, adding a root if path[d] is the root. If follow is set
// path[d] becomes right.
func (tree *Tree) linkSibling(cursor *Cursor, d int, right *node.Node, follow bool) (err error) {
	var (
		buf  []byte
		id   uint64
		idx  int
		root *node.Node
	)

	left := cursor.path[d].n

	if 0 == d {
		id, buf, err = tree.provider.NewBlock(tree.config.BlockSize)
		if nil != err {
			return
		}
		root, err = node.NewBranch(buf, id, tree.schema, left.Level()+1)
		if nil != err {
			return
		}

		err = root.Branch().Insert(0, []node.Entry{
			{ID: left.ID(), Summaries: left.Summaries()},
			{ID: right.ID(), Summaries: right.Summaries()},
		})
		if nil != err {
			return
		}

		left.SetRoot(false)
		root.SetRoot(true)
		tree.rootID = id

		if follow {
			idx = 1
			cursor.path[0].n = right
		}
		cursor.path = append([]pathEntry{{n: root, idx: idx}}, cursor.path...)

		stats.RootSplits.Increment()
		logger.Tracef("bt new root 0x%016X at level %d", id, root.Level())

		err = nil
		return
	}

	err = cursor.path[d-1].n.Branch().UpdateEntry(cursor.path[d-1].idx, left.Summaries())
	if nil != err {
		return
	}

	err = tree.insertChild(cursor, d-1, right, follow)
	return
}

// insertChild inserts child into the branch path[d] right after the child
// the path goes through, growing or splitting the branch as needed.
func (tree *Tree) insertChild(cursor *Cursor, d int, child *node.Node, follow bool) (err error) {
	var (
		grown bool
	)

	entry := node.Entry{ID: child.ID(), Summaries: child.Summaries()}

	for {
		branchNode := cursor.path[d].n

		err = branchNode.Branch().Insert(cursor.path[d].idx+1, []node.Entry{entry})
		if nil == err {
			if follow {
				cursor.path[d].idx++
				cursor.path[d+1].n = child
			}
			return
		}
		if blunder.IsNot(err, blunder.CapacityError) {
			return
		}

		grown, err = tree.growNode(branchNode)
		if nil != err {
			return
		}
		if grown {
			continue
		}

		d, err = tree.splitBranch(cursor, d)
		if nil != err {
			return
		}
	}
}

// splitBranch moves the upper half of the children of path[d] to a new right
// sibling and returns the depth path[d] is at afterwards.
func (tree *Tree) splitBranch(cursor *Cursor, d int) (newD int, err error) {
	var (
		buf   []byte
		id    uint64
		right *node.Node
	)

	left := cursor.path[d].n
	size := left.Branch().Size()

	if size < 2 {
		err = blunder.NewError(blunder.CapacityError, "branch 0x%016X of %d bytes cannot be split", left.ID(), left.BlockSize())
		return
	}

	at := size / 2

	id, buf, err = tree.provider.NewBlock(left.BlockSize())
	if nil != err {
		return
	}
	right, err = node.NewBranch(buf, id, tree.schema, left.Level())
	if nil != err {
		tree.freeUnlinked(id)
		return
	}

	err = left.Branch().SplitTo(right.Branch(), at)
	if nil != err {
		tree.freeUnlinked(id)
		return
	}

	stats.BranchSplits.Increment()
	logger.Tracef("bt split branch 0x%016X into 0x%016X", left.ID(), id)

	moveRight := cursor.path[d].idx >= at
	if moveRight {
		cursor.path[d].idx -= at
	}

	before := len(cursor.path)

	err = tree.linkSibling(cursor, d, right, moveRight)
	if nil != err {
		return
	}

	newD = d + len(cursor.path) - before
	return
}

func (tree *Tree) appendLeaf() (cursor *Cursor, err error) {
	var (
		buf  []byte
		id   uint64
		leaf *node.Node
	)

	cursor, err = tree.edge(0, true)
	if nil != err {
		return
	}

	id, buf, err = tree.provider.NewBlock(tree.config.BlockSize)
	if nil != err {
		return
	}
	leaf, err = node.NewLeaf(buf, id, tree.schema)
	if nil != err {
		tree.freeUnlinked(id)
		return
	}

	err = tree.linkSibling(cursor, len(cursor.path)-1, leaf, true)
	if nil != err {
		return
	}
	err = tree.updatePath(cursor.path)
	if nil != err {
		return
	}

	cursor.state.Idx = 0
	cursor.state.LeafSize = 0
	cursor.state.BeforeStart = false

	err = tree.computeLeafPrefix(cursor)
	return
}

func (tree *Tree) update(s int, pos uint64, col int, value uint64) (err error) {
	var (
		cursor *Cursor
	)

	cursor, err = tree.seekExisting(s, pos)
	if nil != err {
		return
	}

	idx := cursor.state.Idx
	err = cursor.ModifyLeaf(func(leaf *node.LeafNode) error {
		return leaf.Update(s, idx, col, value)
	})
	return
}

// freeUnlinked returns a block no node links to yet. The caller is already
// failing, so a FreeBlock error is only logged.
func (tree *Tree) freeUnlinked(id uint64) {
	freeErr := tree.provider.FreeBlock(id)
	if nil != freeErr {
		stats.FreeFailures.Increment()
		logger.WarnfWithError(freeErr, "bt could not free unlinked block 0x%016X", id)
	}
}
