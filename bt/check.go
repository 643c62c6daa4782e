// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bt

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/node"
)

func (tree *Tree) check() (err error) {
	var (
		root *node.Node
	)

	root, err = tree.loadNode(tree.rootID)
	if nil != err {
		return
	}

	err = tree.checkNode(root, true)
	return
}

func equalRows(a []uint64, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (tree *Tree) checkNode(n *node.Node, isRoot bool) (err error) {
	var (
		child *node.Node
	)

	err = n.Check()
	if nil != err {
		return
	}

	if n.IsRoot() != isRoot {
		err = blunder.NewError(blunder.StructuralInvariantError, "node 0x%016X root flag is %v, expected %v", n.ID(), n.IsRoot(), isRoot)
		return
	}

	if n.IsLeaf() {
		err = nil
		return
	}

	branch := n.Branch()
	if 0 == branch.Size() {
		err = blunder.NewError(blunder.StructuralInvariantError, "branch 0x%016X has no children", n.ID())
		return
	}

	for i := 0; i < branch.Size(); i++ {
		child, err = tree.loadChild(branch, i)
		if nil != err {
			return
		}

		if child.Level() != n.Level()-1 {
			err = blunder.NewError(blunder.StructuralInvariantError, "branch 0x%016X at level %d has child 0x%016X at level %d", n.ID(), n.Level(), child.ID(), child.Level())
			return
		}

		for s := range tree.schema.Streams {
			if !equalRows(branch.SummaryRow(s, i), child.Summary(s)) {
				err = blunder.NewError(blunder.StructuralInvariantError, "branch 0x%016X stream %d summary of child 0x%016X is %v, subtree holds %v", n.ID(), s, child.ID(), branch.SummaryRow(s, i), child.Summary(s))
				return
			}
		}

		err = tree.checkNode(child, false)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

func (tree *Tree) generateDataEvents(handler layout.DataEventHandler) (err error) {
	var (
		height int
		root   *node.Node
	)

	root, err = tree.loadNode(tree.rootID)
	if nil != err {
		return
	}
	height = root.Level() + 1

	handler.StartGroup("Tree", 1)
	handler.Value("RootID", tree.rootID)
	handler.Value("Height", uint64(height))

	err = tree.nodeDataEvents(root, handler)
	if nil != err {
		return
	}

	handler.EndGroup()

	err = nil
	return
}

func (tree *Tree) nodeDataEvents(n *node.Node, handler layout.DataEventHandler) (err error) {
	var (
		child *node.Node
	)

	err = n.GenerateDataEvents(handler)
	if nil != err {
		return
	}

	if n.IsLeaf() {
		return
	}

	for i := 0; i < n.Branch().Size(); i++ {
		child, err = tree.loadChild(n.Branch(), i)
		if nil != err {
			return
		}
		err = tree.nodeDataEvents(child, handler)
		if nil != err {
			return
		}
	}

	err = nil
	return
}
