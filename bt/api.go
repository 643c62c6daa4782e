// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bt is the core of a packed B+Tree whose nodes are node.Node blocks
// obtained from a BlockProvider.
//
// Every search is one ride of a shuttle.Shuttle over the tree. The tree core
// owns the traversal (descent, climbing to a sibling subtree, the FixTarget
// correction when a ride runs off the tree); the shuttle owns the arithmetic.
//
// Mutations insert into or remove from one leaf at a time. A leaf (or branch)
// that cannot take an insert is first grown (BlockProvider.GrowBlock, up to
// Config.MaxBlockSize) and then split, the split propagating upward and
// possibly adding a root. Removes merge underfull nodes into their left
// sibling and collapse single child roots.
//
// A Tree is not safe for concurrent use. A Cursor is invalidated by any
// mutation other than the one made through it.
//
package bt

import (
	"github.com/NVIDIA/pkdtree/conf"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/shuttle"
)

// BlockProvider supplies the blocks nodes live in. GrowBlock returns a larger
// copy of the block; the id stays the same.
type BlockProvider interface {
	GetBlock(id uint64) (buf []byte, err error)
	NewBlock(size int) (id uint64, buf []byte, err error)
	GrowBlock(id uint64, newSize int) (buf []byte, err error)
	FreeBlock(id uint64) (err error)
}

// Config sizes the blocks of a Tree.
type Config struct {
	BlockSize             int // size of a new node block
	MaxBlockSize          int // a block is grown up to this before its node splits
	MaxTrackedNodes       int // nodes one operation may back up
	MergeThresholdPercent int // a node using less than this share of its block is merged; 0 disables merging
}

// Tree is a packed B+Tree.
type Tree struct {
	provider BlockProvider
	schema   *node.Schema
	config   Config
	rootID   uint64
	manager  *node.UpdateManager
}

type pathEntry struct {
	n   *node.Node
	idx int // child index in a branch; unused for the leaf
}

// Cursor is a position in one stream of a Tree: a leaf and an index in it.
type Cursor struct {
	tree  *Tree
	path  []pathEntry
	state shuttle.IteratorState
}

// DefaultConfig returns the Config used when a ConfMap has no [PackedTree]
// section.
func DefaultConfig() (config Config) {
	config = defaultConfig()
	return
}

// ConfigFromConfMap reads [PackedTree]BlockSize, MaxBlockSize,
// MaxTrackedNodes and MergeThresholdPercent. Missing options keep their
// default.
func ConfigFromConfMap(confMap conf.ConfMap) (config Config, err error) {
	config, err = configFromConfMap(confMap)
	return
}

// New creates a tree holding a single empty root leaf.
func New(provider BlockProvider, schema *node.Schema, config Config) (tree *Tree, err error) {
	tree, err = newTree(provider, schema, config)
	return
}

// Open binds the tree whose root is rootID.
func Open(provider BlockProvider, schema *node.Schema, config Config, rootID uint64) (tree *Tree, err error) {
	tree, err = openTree(provider, schema, config, rootID)
	return
}

// RootID returns the block id of the root. It changes when the root splits
// or collapses.
func (tree *Tree) RootID() uint64 {
	return tree.rootID
}

func (tree *Tree) Schema() *node.Schema {
	return tree.schema
}

// Height returns the number of node levels, 1 for a root leaf.
func (tree *Tree) Height() (height int, err error) {
	height, err = tree.height()
	return
}

// Size returns the number of elements of stream s.
func (tree *Tree) Size(s int) (size uint64, err error) {
	var (
		totals []uint64
	)

	totals, err = tree.Totals(s)
	if nil != err {
		return
	}
	size = totals[0]
	return
}

// Totals returns the root summary of stream s: the element count followed by
// the aggregates of the summarized columns.
func (tree *Tree) Totals(s int) (totals []uint64, err error) {
	totals, err = tree.totals(s)
	return
}

// Begin returns a cursor at element 0 of the first leaf.
func (tree *Tree) Begin(s int) (cursor *Cursor, err error) {
	cursor, err = tree.edge(s, false)
	return
}

// End returns a cursor just past the last element of the last leaf.
func (tree *Tree) End(s int) (cursor *Cursor, err error) {
	cursor, err = tree.edge(s, true)
	return
}

// Seek returns a cursor at element pos of stream s, or at End(s) if pos is
// not below Size(s).
func (tree *Tree) Seek(s int, pos uint64) (cursor *Cursor, err error) {
	cursor, err = tree.seek(s, pos)
	return
}

// FindGE returns a cursor at the first element whose key in the
// non-decreasing Max column col is >= key.
func (tree *Tree) FindGE(s int, col int, key uint64) (cursor *Cursor, found bool, err error) {
	cursor = tree.newCursor(s)
	found, err = tree.ride(cursor, shuttle.NewFindGE(s, col, key), true)
	return
}

// FindGT is FindGE for the first key > key.
func (tree *Tree) FindGT(s int, col int, key uint64) (cursor *Cursor, found bool, err error) {
	cursor = tree.newCursor(s)
	found, err = tree.ride(cursor, shuttle.NewFindGT(s, col, key), true)
	return
}

// Select returns a cursor at the position where the running sum of column
// col, counted from the start of the tree, reaches rank (>= 1). For a bitmap
// stream col is a level and the position is in units of that level.
func (tree *Tree) Select(s int, col int, rank uint64) (cursor *Cursor, found bool, err error) {
	cursor = tree.newCursor(s)
	found, err = tree.ride(cursor, shuttle.NewSelectForward(s, col, rank), true)
	return
}

// Rank returns the sum of column col over elements [0, pos) of stream s.
func (tree *Tree) Rank(s int, col int, pos uint64) (rank uint64, err error) {
	rank, err = tree.rank(s, col, pos)
	return
}

// Get returns element pos of stream s.
func (tree *Tree) Get(s int, pos uint64) (row []uint64, err error) {
	var (
		cursor *Cursor
	)

	cursor, err = tree.seekExisting(s, pos)
	if nil != err {
		return
	}
	row, err = cursor.Row()
	return
}

// Insert inserts rows before element pos of stream s; pos == Size(s)
// appends.
func (tree *Tree) Insert(s int, pos uint64, rows [][]uint64) (err error) {
	err = tree.insert(s, pos, rows)
	return
}

// Remove removes elements [pos, pos+count) of stream s.
func (tree *Tree) Remove(s int, pos uint64, count uint64) (err error) {
	err = tree.remove(s, pos, count)
	return
}

// Update sets column col of element pos of stream s.
func (tree *Tree) Update(s int, pos uint64, col int, value uint64) (err error) {
	err = tree.update(s, pos, col, value)
	return
}

// AppendLeaf adds an empty leaf after the last one and returns a cursor in
// it.
func (tree *Tree) AppendLeaf() (cursor *Cursor, err error) {
	cursor, err = tree.appendLeaf()
	return
}

// MergeBranchNodes moves every child of branch srcID into its adjacent
// sibling tgtID and frees srcID. merged is false, with nothing changed, if
// the children do not fit tgtID.
func (tree *Tree) MergeBranchNodes(tgtID uint64, srcID uint64) (merged bool, err error) {
	merged, err = tree.mergeBranchNodes(tgtID, srcID)
	return
}

// Check validates every node, the branch summaries against the subtrees they
// describe, node levels and root flags.
func (tree *Tree) Check() (err error) {
	err = tree.check()
	return
}

// GenerateDataEvents reports every node, depth first, to handler.
func (tree *Tree) GenerateDataEvents(handler layout.DataEventHandler) (err error) {
	err = tree.generateDataEvents(handler)
	return
}

// Stream returns the stream the cursor moves in.
func (cursor *Cursor) Stream() int {
	return cursor.state.Stream
}

// Idx returns the position in the leaf, -1 before the start.
func (cursor *Cursor) Idx() int {
	return cursor.state.Idx
}

// LeafSize returns the positions of the leaf for the column last searched.
func (cursor *Cursor) LeafSize() int {
	return cursor.state.LeafSize
}

// LeafPrefix returns the number of elements in the leaves before this one.
func (cursor *Cursor) LeafPrefix() uint64 {
	return cursor.state.LeafPrefix
}

// BeforeStart reports whether the cursor ran off the start of the tree.
func (cursor *Cursor) BeforeStart() bool {
	return cursor.state.BeforeStart
}

// Pos returns the position of the cursor in its stream, -1 before the start.
func (cursor *Cursor) Pos() int64 {
	if cursor.state.BeforeStart {
		return -1
	}
	return int64(cursor.state.LeafPrefix) + int64(cursor.state.Idx)
}

// IsEnd reports whether the cursor is past the last element of its leaf.
func (cursor *Cursor) IsEnd() bool {
	return !cursor.state.BeforeStart && (cursor.state.Idx >= cursor.Leaf().Size(cursor.state.Stream))
}

// Leaf returns the leaf the cursor is in.
func (cursor *Cursor) Leaf() *node.LeafNode {
	return cursor.path[len(cursor.path)-1].n.Leaf()
}

// LeafID returns the block id of the leaf the cursor is in.
func (cursor *Cursor) LeafID() uint64 {
	return cursor.path[len(cursor.path)-1].n.ID()
}

// Row returns the element at the cursor.
func (cursor *Cursor) Row() (row []uint64, err error) {
	row, err = cursor.row()
	return
}

// SkipForward moves the cursor k elements toward the end. moved is less than
// k when the end was reached.
func (cursor *Cursor) SkipForward(k uint64) (moved uint64, err error) {
	sh := shuttle.NewSkipForward(cursor.state.Stream, k)
	_, err = cursor.tree.ride(cursor, sh, false)
	moved = sh.Sum()
	return
}

// SkipBackward moves the cursor k elements toward the start.
func (cursor *Cursor) SkipBackward(k uint64) (moved uint64, err error) {
	sh := shuttle.NewSkipBackward(cursor.state.Stream, k)
	_, err = cursor.tree.ride(cursor, sh, false)
	moved = sh.Sum()
	return
}

// SelectForward moves the cursor to where the sum of column col, counted
// from the cursor, reaches rank.
func (cursor *Cursor) SelectForward(col int, rank uint64) (found bool, err error) {
	found, err = cursor.tree.ride(cursor, shuttle.NewSelectForward(cursor.state.Stream, col, rank), false)
	return
}

// SelectBackward moves the cursor to where the sum of column col, counted
// backward from the cursor, reaches rank.
func (cursor *Cursor) SelectBackward(col int, rank uint64) (found bool, err error) {
	found, err = cursor.tree.ride(cursor, shuttle.NewSelectBackward(cursor.state.Stream, col, rank), false)
	return
}

// NextLeaf moves to element 0 of the next leaf holding elements.
func (cursor *Cursor) NextLeaf() (found bool, err error) {
	found, err = cursor.tree.ride(cursor, shuttle.NewNextLeaf(cursor.state.Stream), false)
	return
}

// PrevLeaf moves to the last element of the previous leaf holding elements.
func (cursor *Cursor) PrevLeaf() (found bool, err error) {
	found, err = cursor.tree.ride(cursor, shuttle.NewPrevLeaf(cursor.state.Stream), false)
	return
}

// ModifyLeaf calls fn on the cursor's leaf and brings the summaries of its
// ancestors up to date. If fn fails with a CapacityError the leaf is restored,
// its block grown, and fn called again.
func (cursor *Cursor) ModifyLeaf(fn func(leaf *node.LeafNode) error) (err error) {
	err = cursor.modifyLeaf(fn)
	return
}
