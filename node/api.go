// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package node implements the branch and leaf nodes of a packed tree.
//
// A node occupies one block: a layout.NodeHeaderV1Struct followed by a root
// palloc.Allocator. A leaf node keeps one packed structure per logical
// stream of the tree's Schema in segment s. A branch node keeps the child
// block ids in segment 0 and, in segment 1+s, one summary row per child for
// stream s: the child subtree's element count followed by the aggregates of
// the leaf columns the Schema marks as summarized.
//
// Node is a tagged variant: Kind() selects which of Branch() and Leaf() is
// non-nil. Both variants provide the Searchable and Summable capabilities.
//
package node

import (
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/pkd"
)

// Kind is the variant tag of a Node.
type Kind uint8

const (
	BranchKind Kind = Kind(layout.NodeKindBranch)
	LeafKind   Kind = Kind(layout.NodeKindLeaf)
)

func (kind Kind) String() string {
	switch kind {
	case BranchKind:
		return "Branch"
	case LeafKind:
		return "Leaf"
	default:
		return "Unknown"
	}
}

// StreamKind selects the packed structure holding a leaf stream.
type StreamKind uint8

const (
	StreamFSE    StreamKind = iota // pkd.FSEArray rows
	StreamVLE                      // pkd.VLEArray values
	StreamBitmap                   // pkd.Bitmap bits
)

// MaxStreams bounds the streams of a Schema.
const MaxStreams = 64

// CountColumn addresses the element count of a stream. In a branch it is
// column 0 of every summary; in a leaf every element counts 1.
const CountColumn = -1

// StreamSpec describes one logical stream of a tree.
type StreamSpec struct {
	Kind       StreamKind
	Kinds      []pkd.IndexKind // StreamFSE: index kind of every column
	Summarized []int           // leaf columns aggregated into branch summaries, in order
	Levels     int             // StreamBitmap: levels
	BitmapSize int             // StreamBitmap: bits of a newly formatted leaf
}

// Schema is the fixed set of streams of every node of a tree.
type Schema struct {
	Streams []StreamSpec
}

// Entry is one child of a branch node.
type Entry struct {
	ID        uint64
	Summaries [][]uint64 // one summary row per stream
}

// LeafInsert inserts Rows at Idx of stream Stream.
type LeafInsert struct {
	Stream int
	Idx    int
	Rows   [][]uint64
}

// BranchUpdateState carries what BranchNode.PrepareInsert() computed to
// CommitInsert().
type BranchUpdateState struct {
	children  pkd.UpdateState
	summaries []pkd.UpdateState
}

// LeafUpdateState carries what LeafNode.PrepareInsert() computed to
// CommitInsert().
type LeafUpdateState struct {
	streams []pkd.UpdateState
}

// Searchable is the search capability of both node variants. col is a
// column of the variant's own stream layout (see Schema.BranchColumn).
type Searchable interface {
	FindForward(stream int, col int, start int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64, err error)
	FindBackward(stream int, col int, end int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64, err error)
}

// Summable is the aggregation capability of both node variants.
type Summable interface {
	StreamSize(stream int) int
	Sum(stream int, col int, start int, end int) (sum uint64, err error)
	Summary(stream int) []uint64
}

// Resizable is implemented by Node.
type Resizable interface {
	Bytes() []byte
	BlockSize() int
	Enlarge(buf []byte) error
}

// NewBranch formats buf as an empty branch node of the given level (>= 1).
func NewBranch(buf []byte, id uint64, schema *Schema, level int) (n *Node, err error) {
	n, err = newNode(buf, id, schema, BranchKind, level)
	return
}

// NewLeaf formats buf as a leaf node with empty streams.
func NewLeaf(buf []byte, id uint64, schema *Schema) (n *Node, err error) {
	n, err = newNode(buf, id, schema, LeafKind, 0)
	return
}

// Bind returns a view of the node previously formatted in buf.
func Bind(buf []byte, schema *Schema) (n *Node, err error) {
	n, err = bindNode(buf, schema)
	return
}

// NewUpdateManager returns an UpdateManager tracking at most maxTracked nodes.
func NewUpdateManager(maxTracked int) (manager *UpdateManager) {
	manager = &UpdateManager{maxTracked: maxTracked}
	return
}
