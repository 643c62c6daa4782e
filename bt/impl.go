// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bt

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/shuttle"
	"github.com/NVIDIA/pkdtree/utils"
)

type treeStatsStruct struct {
	Rides        bucketstats.Total
	Climbs       bucketstats.Total
	Descents     bucketstats.Total
	RunOffs      bucketstats.Total
	OnlyLeafs    bucketstats.Total
	Inserts      bucketstats.Total
	Removes      bucketstats.Total
	Grows        bucketstats.Total
	LeafSplits   bucketstats.Total
	BranchSplits bucketstats.Total
	RootSplits   bucketstats.Total
	Merges       bucketstats.Total
	MergeAborts  bucketstats.Total
	Collapses    bucketstats.Total
	FreeFailures bucketstats.Total
	RideDepth    bucketstats.Average
}

var stats treeStatsStruct

func init() {
	bucketstats.Register("bt", "", &stats)
}

func newTree(provider BlockProvider, schema *node.Schema, config Config) (tree *Tree, err error) {
	var (
		buf  []byte
		id   uint64
		root *node.Node
	)

	err = schema.Validate()
	if nil != err {
		return
	}
	err = config.validate()
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	id, buf, err = provider.NewBlock(config.BlockSize)
	if nil != err {
		return
	}
	root, err = node.NewLeaf(buf, id, schema)
	if nil != err {
		return
	}
	root.SetRoot(true)

	tree = &Tree{
		provider: provider,
		schema:   schema,
		config:   config,
		rootID:   id,
		manager:  node.NewUpdateManager(config.MaxTrackedNodes),
	}

	logger.Tracef("bt.New() root leaf 0x%016X of %d bytes", id, config.BlockSize)

	err = nil
	return
}

func openTree(provider BlockProvider, schema *node.Schema, config Config, rootID uint64) (tree *Tree, err error) {
	var (
		root *node.Node
	)

	err = schema.Validate()
	if nil != err {
		return
	}
	err = config.validate()
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	tree = &Tree{
		provider: provider,
		schema:   schema,
		config:   config,
		rootID:   rootID,
		manager:  node.NewUpdateManager(config.MaxTrackedNodes),
	}

	root, err = tree.loadNode(rootID)
	if nil != err {
		tree = nil
		return
	}
	if !root.IsRoot() {
		err = blunder.NewError(blunder.CorruptLayoutError, "block 0x%016X is not a root node", rootID)
		tree = nil
		return
	}

	err = nil
	return
}

func (tree *Tree) loadNode(id uint64) (n *node.Node, err error) {
	var (
		buf []byte
	)

	buf, err = tree.provider.GetBlock(id)
	if nil != err {
		return
	}
	n, err = node.Bind(buf, tree.schema)
	return
}

func (tree *Tree) loadChild(branch *node.BranchNode, idx int) (child *node.Node, err error) {
	if (idx < 0) || (idx >= branch.Size()) {
		err = blunder.NewError(blunder.RangeError, "branch 0x%016X has no child %d", branch.Node().ID(), idx)
		return
	}
	child, err = tree.loadNode(branch.ChildID(idx))
	return
}

func (tree *Tree) newCursor(s int) *Cursor {
	return &Cursor{tree: tree, state: shuttle.IteratorState{Stream: s}}
}

func (tree *Tree) checkStream(s int) (err error) {
	if (s < 0) || (s >= len(tree.schema.Streams)) {
		err = blunder.NewError(blunder.InvalidArgError, "tree has no stream %d", s)
		return
	}
	err = nil
	return
}

func (tree *Tree) height() (height int, err error) {
	var (
		root *node.Node
	)

	root, err = tree.loadNode(tree.rootID)
	if nil != err {
		return
	}
	height = root.Level() + 1
	return
}

func (tree *Tree) totals(s int) (totals []uint64, err error) {
	var (
		root *node.Node
	)

	err = tree.checkStream(s)
	if nil != err {
		return
	}
	root, err = tree.loadNode(tree.rootID)
	if nil != err {
		return
	}
	totals = root.Summary(s)
	return
}

// edge positions a cursor at the start of the first leaf or the end of the
// last one.
func (tree *Tree) edge(s int, last bool) (cursor *Cursor, err error) {
	var (
		idx int
		n   *node.Node
	)

	err = tree.checkStream(s)
	if nil != err {
		return
	}

	cursor = tree.newCursor(s)

	n, err = tree.loadNode(tree.rootID)
	if nil != err {
		return
	}

	for n.IsBranch() {
		idx = 0
		if last {
			idx = n.Branch().Size() - 1
		}
		cursor.path = append(cursor.path, pathEntry{n: n, idx: idx})
		n, err = tree.loadChild(n.Branch(), idx)
		if nil != err {
			return
		}
	}
	cursor.path = append(cursor.path, pathEntry{n: n})

	size := n.Leaf().Size(s)
	cursor.state.Idx = 0
	if last {
		cursor.state.Idx = size
	}
	cursor.state.LeafSize = size
	cursor.state.BeforeStart = false

	err = tree.computeLeafPrefix(cursor)
	return
}

func (tree *Tree) seek(s int, pos uint64) (cursor *Cursor, err error) {
	cursor, err = tree.edge(s, false)
	if nil != err {
		return
	}
	_, err = cursor.SkipForward(pos)
	return
}

// seekExisting is seek failing with a RangeError unless element pos exists.
func (tree *Tree) seekExisting(s int, pos uint64) (cursor *Cursor, err error) {
	cursor, err = tree.seek(s, pos)
	if nil != err {
		return
	}
	if cursor.IsEnd() || (cursor.Pos() != int64(pos)) {
		err = blunder.NewError(blunder.RangeError, "stream %d has no element %d", s, pos)
		cursor = nil
		return
	}
	err = nil
	return
}

func (tree *Tree) rank(s int, col int, pos uint64) (rank uint64, err error) {
	var (
		found bool
		size  uint64
	)

	size, err = tree.Size(s)
	if nil != err {
		return
	}
	if pos > size {
		err = blunder.NewError(blunder.RangeError, "rank position %d beyond the %d elements of stream %d", pos, size, s)
		return
	}

	sh := shuttle.NewRank(s, col, pos)
	found, err = tree.ride(tree.newCursor(s), sh, true)
	if nil != err {
		return
	}
	if !found {
		err = blunder.NewError(blunder.StructuralInvariantError, "rank ride counted fewer than %d elements", pos)
		return
	}

	rank = sh.Rank()
	return
}

// computeLeafPrefix sets the cursor's LeafPrefix from the summaries of the
// siblings to the left of its path.
func (tree *Tree) computeLeafPrefix(cursor *Cursor) (err error) {
	sh := shuttle.NewGlobalLeafPrefix(cursor.state.Stream, node.CountColumn)
	sh.Start(&cursor.state)

	for d := 0; d < len(cursor.path)-1; d++ {
		err = sh.BranchCmd(cursor.path[d].n.Branch(), shuttle.Prefixes, 0, cursor.path[d].idx)
		if nil != err {
			return
		}
	}

	sh.Finish(cursor.Leaf(), cursor.state.Idx, &cursor.state)

	err = nil
	return
}

// updatePath rewrites the summary every branch of path holds for the next
// node of path.
func (tree *Tree) updatePath(path []pathEntry) (err error) {
	for d := len(path) - 2; d >= 0; d-- {
		err = path[d].n.Branch().UpdateEntry(path[d].idx, path[d+1].n.Summaries())
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// growNode enlarges n's block to twice its size, capped at MaxBlockSize.
// grown is false if the block is already that large.
func (tree *Tree) growNode(n *node.Node) (grown bool, err error) {
	var (
		buf     []byte
		newSize int
	)

	if n.BlockSize() >= tree.config.MaxBlockSize {
		grown = false
		err = nil
		return
	}

	newSize = utils.MinInt(2*n.BlockSize(), tree.config.MaxBlockSize)

	buf, err = tree.provider.GrowBlock(n.ID(), newSize)
	if nil != err {
		return
	}
	err = n.Enlarge(buf)
	if nil != err {
		return
	}

	stats.Grows.Increment()
	logger.Tracef("bt grew node 0x%016X to %d bytes", n.ID(), newSize)

	grown = true
	return
}

func (cursor *Cursor) row() (row []uint64, err error) {
	var (
		rows [][]uint64
	)

	if cursor.state.BeforeStart || cursor.IsEnd() {
		err = blunder.NewError(blunder.RangeError, "cursor at %d is not at an element", cursor.state.Idx)
		return
	}

	rows, err = cursor.Leaf().Rows(cursor.state.Stream, cursor.state.Idx, cursor.state.Idx+1)
	if nil != err {
		return
	}
	row = rows[0]
	return
}

func (cursor *Cursor) modifyLeaf(fn func(leaf *node.LeafNode) error) (err error) {
	var (
		grown bool
		tree  = cursor.tree
	)

	leafNode := cursor.path[len(cursor.path)-1].n

	for {
		err = tree.manager.Add(leafNode)
		if nil != err {
			return
		}

		err = fn(leafNode.Leaf())
		if nil == err {
			tree.manager.Commit()
			break
		}

		rollbackErr := tree.manager.Rollback()
		if nil != rollbackErr {
			logger.PanicfWithError(rollbackErr, "bt leaf 0x%016X restore failed", leafNode.ID())
		}

		if blunder.IsNot(err, blunder.CapacityError) {
			return
		}

		capacityErr := err
		grown, err = tree.growNode(leafNode)
		if nil != err {
			return
		}
		if !grown {
			err = capacityErr
			return
		}
	}

	err = tree.updatePath(cursor.path)
	if nil != err {
		return
	}

	cursor.state.LeafSize = leafNode.Leaf().Size(cursor.state.Stream)

	err = nil
	return
}
