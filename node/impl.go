// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"fmt"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/palloc"
	"github.com/NVIDIA/pkdtree/pkd"
)

type nodeStatsStruct struct {
	Formats         bucketstats.Total
	Binds           bucketstats.Total
	Enlarges        bucketstats.Total
	Splits          bucketstats.Total
	Merges          bucketstats.Total
	PrepareFailures bucketstats.Total
	Backups         bucketstats.Total
	Rollbacks       bucketstats.Total
	RollbackSkips   bucketstats.Total
	BackupBytes     bucketstats.Average
}

var stats nodeStatsStruct

func init() {
	bucketstats.Register("node", "", &stats)
}

// Node is a view of one block holding a branch or a leaf.
type Node struct {
	id     uint64
	kind   Kind
	level  int
	flags  uint8
	buf    []byte
	alloc  *palloc.Allocator
	schema *Schema
	branch *BranchNode
	leaf   *LeafNode
}

func newNode(buf []byte, id uint64, schema *Schema, kind Kind, level int) (n *Node, err error) {
	var (
		segments int
	)

	err = schema.Validate()
	if nil != err {
		return
	}
	if (BranchKind == kind) != (level > 0) {
		err = blunder.NewError(blunder.InvalidArgError, "%v node cannot have level %d", kind, level)
		return
	}

	if BranchKind == kind {
		segments = 1 + len(schema.Streams)
	} else {
		segments = len(schema.Streams)
	}

	n = &Node{
		id:     id,
		kind:   kind,
		level:  level,
		buf:    buf,
		schema: schema,
	}

	err = n.writeHeader()
	if nil != err {
		n = nil
		return
	}

	n.alloc, err = palloc.Init(buf, layout.NodeHeaderSize, len(buf)-layout.NodeHeaderSize, segments)
	if nil != err {
		n = nil
		return
	}

	if BranchKind == kind {
		err = n.formatBranch()
	} else {
		err = n.formatLeaf()
	}
	if nil != err {
		n = nil
		return
	}

	stats.Formats.Increment()

	err = nil
	return
}

func (n *Node) formatBranch() (err error) {
	branch := &BranchNode{node: n}

	branch.children, err = pkd.NewFSEArray(n.alloc, 0, []pkd.IndexKind{pkd.IndexNone})
	if nil != err {
		return
	}

	branch.summaries = make([]*pkd.FSEArray, len(n.schema.Streams))
	for s := range n.schema.Streams {
		branch.summaries[s], err = pkd.NewFSEArray(n.alloc, 1+s, n.schema.BranchKinds(s))
		if nil != err {
			return
		}
	}

	n.branch = branch

	err = nil
	return
}

func (n *Node) formatLeaf() (err error) {
	leaf := &LeafNode{node: n}

	leaf.streams = make([]pkd.Stream, len(n.schema.Streams))
	for s, spec := range n.schema.Streams {
		switch spec.Kind {
		case StreamFSE:
			leaf.streams[s], err = pkd.NewFSEArray(n.alloc, s, spec.Kinds)
		case StreamVLE:
			leaf.streams[s], err = pkd.NewVLEArray(n.alloc, s)
		case StreamBitmap:
			leaf.streams[s], err = pkd.NewBitmap(n.alloc, s, spec.Levels, spec.BitmapSize)
		}
		if nil != err {
			return
		}
	}

	n.leaf = leaf

	err = nil
	return
}

func bindNode(buf []byte, schema *Schema) (n *Node, err error) {
	var (
		header *layout.NodeHeaderV1Struct
	)

	header, err = layout.UnmarshalNodeHeaderV1(buf)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if int(header.Streams) != len(schema.Streams) {
		err = blunder.NewError(blunder.CorruptLayoutError, "node %d has %d streams, schema has %d", header.ID, header.Streams, len(schema.Streams))
		return
	}

	n = &Node{
		id:     header.ID,
		kind:   Kind(header.Kind),
		level:  int(header.Level),
		flags:  header.Flags,
		buf:    buf,
		schema: schema,
	}

	err = n.rebind()
	if nil != err {
		n = nil
		return
	}

	stats.Binds.Increment()

	err = nil
	return
}

// rebind recreates every view from the bytes of the block.
func (n *Node) rebind() (err error) {
	n.alloc, err = palloc.Bind(n.buf, layout.NodeHeaderSize)
	if nil != err {
		return
	}

	if BranchKind == n.kind {
		branch := &BranchNode{node: n, summaries: make([]*pkd.FSEArray, len(n.schema.Streams))}
		branch.children, err = pkd.BindFSEArray(n.alloc, 0)
		if nil != err {
			return
		}
		for s := range n.schema.Streams {
			branch.summaries[s], err = pkd.BindFSEArray(n.alloc, 1+s)
			if nil != err {
				return
			}
		}
		n.branch = branch
		n.leaf = nil
	} else {
		leaf := &LeafNode{node: n, streams: make([]pkd.Stream, len(n.schema.Streams))}
		for s, spec := range n.schema.Streams {
			leaf.streams[s], err = bindStream(n.alloc, s, spec.Kind)
			if nil != err {
				return
			}
		}
		n.leaf = leaf
		n.branch = nil
	}

	err = nil
	return
}

func bindStream(alloc *palloc.Allocator, s int, kind StreamKind) (stream pkd.Stream, err error) {
	switch kind {
	case StreamFSE:
		stream, err = pkd.BindFSEArray(alloc, s)
	case StreamVLE:
		stream, err = pkd.BindVLEArray(alloc, s)
	case StreamBitmap:
		stream, err = pkd.BindBitmap(alloc, s)
	default:
		err = blunder.NewError(blunder.InvalidArgError, "unknown stream kind %d", kind)
	}
	return
}

func (n *Node) writeHeader() (err error) {
	header := layout.NodeHeaderV1Struct{
		Magic:     layout.NodeMagic,
		Version:   layout.NodeHeaderVersionV1,
		Kind:      uint8(n.kind),
		Flags:     n.flags,
		Level:     uint16(n.level),
		Streams:   uint16(len(n.schema.Streams)),
		BlockSize: uint32(len(n.buf)),
		ID:        n.id,
	}

	err = header.MarshalNodeHeaderV1(n.buf)
	if nil != err {
		err = blunder.AddError(err, blunder.CapacityError)
	}
	return
}

func (n *Node) ID() uint64 {
	return n.id
}

func (n *Node) Kind() Kind {
	return n.kind
}

func (n *Node) IsBranch() bool {
	return BranchKind == n.kind
}

func (n *Node) IsLeaf() bool {
	return LeafKind == n.kind
}

// Level is 0 for leaves and one more than the children's level for branches.
func (n *Node) Level() int {
	return n.level
}

func (n *Node) Schema() *Schema {
	return n.schema
}

// Branch returns the branch variant, nil for a leaf.
func (n *Node) Branch() *BranchNode {
	return n.branch
}

// Leaf returns the leaf variant, nil for a branch.
func (n *Node) Leaf() *LeafNode {
	return n.leaf
}

func (n *Node) IsRoot() bool {
	return 0 != (n.flags & layout.NodeFlagRoot)
}

// SetRoot sets or clears the root flag in the header.
func (n *Node) SetRoot(isRoot bool) {
	if isRoot {
		n.flags |= layout.NodeFlagRoot
	} else {
		n.flags &^= layout.NodeFlagRoot
	}

	err := n.writeHeader()
	if nil != err {
		logger.PanicfWithError(err, "node %d header rewrite failed", n.id)
	}
}

func (n *Node) Bytes() []byte {
	return n.buf
}

func (n *Node) BlockSize() int {
	return len(n.buf)
}

func (n *Node) Allocator() *palloc.Allocator {
	return n.alloc
}

// Available returns the bytes the node can still grow by.
func (n *Node) Available() int {
	return n.alloc.Available()
}

// Enlarge moves the node to buf, a larger copy of its block, and extends the
// root allocator to the new size.
func (n *Node) Enlarge(buf []byte) (err error) {
	if len(buf) < len(n.buf) {
		err = blunder.NewError(blunder.InvalidArgError, "node %d cannot shrink from %d to %d bytes", n.id, len(n.buf), len(buf))
		return
	}

	n.buf = buf
	n.alloc.Rebind(buf)

	err = n.alloc.Enlarge(len(buf) - layout.NodeHeaderSize)
	if nil != err {
		return
	}
	err = n.writeHeader()
	if nil != err {
		return
	}

	stats.Enlarges.Increment()

	err = nil
	return
}

// StreamSize returns the number of children of a branch or the number of
// elements of stream s of a leaf.
func (n *Node) StreamSize(s int) int {
	if n.IsBranch() {
		return n.branch.Size()
	}
	return n.leaf.Size(s)
}

// Summary returns the row that describes this node for stream s in its
// parent: the element count followed by the summarized aggregates.
func (n *Node) Summary(s int) []uint64 {
	if n.IsBranch() {
		return n.branch.Summary(s)
	}
	return n.leaf.Summary(s)
}

// Summaries returns Summary(s) for every stream.
func (n *Node) Summaries() (summaries [][]uint64) {
	summaries = make([][]uint64, len(n.schema.Streams))
	for s := range summaries {
		summaries[s] = n.Summary(s)
	}
	return
}

// Check validates the header, the allocator layout and every packed
// structure of the node.
func (n *Node) Check() (err error) {
	var (
		header *layout.NodeHeaderV1Struct
	)

	header, err = layout.UnmarshalNodeHeaderV1(n.buf)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if (Kind(header.Kind) != n.kind) || (int(header.Level) != n.level) || (header.ID != n.id) || (int(header.BlockSize) != len(n.buf)) {
		err = blunder.NewError(blunder.StructuralInvariantError, "node %d header does not match its view", n.id)
		return
	}

	err = n.alloc.Check()
	if nil != err {
		return
	}

	if n.IsBranch() {
		err = n.branch.check()
	} else {
		err = n.leaf.check()
	}
	return
}

// GenerateDataEvents reports the header and every packed structure to handler.
func (n *Node) GenerateDataEvents(handler layout.DataEventHandler) (err error) {
	handler.StartGroup(fmt.Sprintf("%vNode", n.kind), len(n.schema.Streams))
	handler.Value("ID", n.id)
	handler.Value("Level", uint64(n.level))
	handler.Value("Flags", uint64(n.flags))
	handler.Value("BlockSize", uint64(len(n.buf)))

	if n.IsBranch() {
		err = n.branch.children.GenerateDataEvents(handler)
		if nil != err {
			return
		}
		for _, summary := range n.branch.summaries {
			err = summary.GenerateDataEvents(handler)
			if nil != err {
				return
			}
		}
	} else {
		for _, stream := range n.leaf.streams {
			err = stream.GenerateDataEvents(handler)
			if nil != err {
				return
			}
		}
	}

	handler.EndGroup()

	err = nil
	return
}
