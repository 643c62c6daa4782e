// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/pkd"
)

// BranchNode is the branch variant of a Node.
type BranchNode struct {
	node      *Node
	children  *pkd.FSEArray
	summaries []*pkd.FSEArray
}

func (branch *BranchNode) Node() *Node {
	return branch.node
}

// Size returns the number of children.
func (branch *BranchNode) Size() int {
	return branch.children.Size()
}

func (branch *BranchNode) StreamSize(s int) int {
	return branch.Size()
}

func (branch *BranchNode) ChildID(idx int) uint64 {
	return branch.children.Access(idx, 0)
}

// FindChild returns the position of child id.
func (branch *BranchNode) FindChild(id uint64) (idx int, ok bool) {
	for idx = 0; idx < branch.Size(); idx++ {
		if id == branch.ChildID(idx) {
			ok = true
			return
		}
	}
	return
}

// SummaryRow returns the summary row of child idx for stream s.
func (branch *BranchNode) SummaryRow(s int, idx int) []uint64 {
	return branch.summaries[s].Row(idx)
}

// Entry returns child idx with all its summary rows.
func (branch *BranchNode) Entry(idx int) (entry Entry) {
	entry.ID = branch.ChildID(idx)
	entry.Summaries = make([][]uint64, len(branch.summaries))
	for s := range branch.summaries {
		entry.Summaries[s] = branch.SummaryRow(s, idx)
	}
	return
}

// Entries returns children [start, end).
func (branch *BranchNode) Entries(start int, end int) (entries []Entry) {
	for idx := start; idx < end; idx++ {
		entries = append(entries, branch.Entry(idx))
	}
	return
}

func (branch *BranchNode) checkStreamCol(s int, col int) (err error) {
	if (s < 0) || (s >= len(branch.summaries)) || (col < 0) || (col >= branch.summaries[s].Columns()) {
		err = blunder.NewError(blunder.InvalidArgError, "branch has no column %d of stream %d", col, s)
		return
	}
	err = nil
	return
}

// FindForward searches summary column col of stream s (see pkd.FSEArray.FindForward).
func (branch *BranchNode) FindForward(s int, col int, start int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64, err error) {
	err = branch.checkStreamCol(s, col)
	if nil != err {
		return
	}
	idx, prefix = branch.summaries[s].FindForward(col, start, k, searchType)
	return
}

// FindBackward searches summary column col of stream s backward.
func (branch *BranchNode) FindBackward(s int, col int, end int, k uint64, searchType pkd.SearchType) (idx int, prefix uint64, err error) {
	err = branch.checkStreamCol(s, col)
	if nil != err {
		return
	}
	idx, prefix = branch.summaries[s].FindBackward(col, end, k, searchType)
	return
}

// Sum aggregates summary column col of stream s over children [start, end).
func (branch *BranchNode) Sum(s int, col int, start int, end int) (sum uint64, err error) {
	err = branch.checkStreamCol(s, col)
	if nil != err {
		return
	}
	sum = branch.summaries[s].Sum(col, start, end)
	return
}

// Summary aggregates the summary rows of every child for stream s.
func (branch *BranchNode) Summary(s int) []uint64 {
	return branch.summaries[s].Totals()
}

func (branch *BranchNode) checkEntries(entries []Entry) (err error) {
	for _, entry := range entries {
		if len(entry.Summaries) != len(branch.summaries) {
			err = blunder.NewError(blunder.InvalidArgError, "entry for child %d has %d summaries, branch has %d streams", entry.ID, len(entry.Summaries), len(branch.summaries))
			return
		}
		for s, row := range entry.Summaries {
			if len(row) != branch.summaries[s].Columns() {
				err = blunder.NewError(blunder.InvalidArgError, "entry for child %d stream %d has %d columns", entry.ID, s, len(row))
				return
			}
		}
	}
	err = nil
	return
}

// PrepareInsert verifies entries could be inserted at idx.
func (branch *BranchNode) PrepareInsert(idx int, entries []Entry, us *BranchUpdateState) (err error) {
	var (
		parentGrowth int
	)

	err = branch.checkEntries(entries)
	if nil != err {
		return
	}

	ids := make([][]uint64, len(entries))
	for i, entry := range entries {
		ids[i] = []uint64{entry.ID}
	}
	err = branch.children.PrepareInsert(idx, ids, &us.children)
	if nil != err {
		stats.PrepareFailures.Increment()
		return
	}
	parentGrowth = us.children.ParentGrowth

	us.summaries = make([]pkd.UpdateState, len(branch.summaries))
	for s, summary := range branch.summaries {
		err = summary.PrepareInsert(idx, entryRows(entries, s), &us.summaries[s])
		if nil != err {
			stats.PrepareFailures.Increment()
			return
		}
		parentGrowth += us.summaries[s].ParentGrowth
	}

	if parentGrowth > branch.node.alloc.Available() {
		stats.PrepareFailures.Increment()
		err = blunder.NewError(blunder.CapacityError, "branch %d insert of %d entries needs %d bytes, %d available", branch.node.id, len(entries), parentGrowth, branch.node.alloc.Available())
		return
	}

	err = nil
	return
}

func entryRows(entries []Entry, s int) (rows [][]uint64) {
	rows = make([][]uint64, len(entries))
	for i, entry := range entries {
		rows[i] = entry.Summaries[s]
	}
	return
}

// CommitInsert performs an insert prepared by PrepareInsert.
func (branch *BranchNode) CommitInsert(idx int, entries []Entry, us *BranchUpdateState) {
	ids := make([][]uint64, len(entries))
	for i, entry := range entries {
		ids[i] = []uint64{entry.ID}
	}
	branch.children.CommitInsert(idx, ids, &us.children)

	for s, summary := range branch.summaries {
		summary.CommitInsert(idx, entryRows(entries, s), &us.summaries[s])
	}
}

// Insert inserts entries at idx or fails with a CapacityError leaving the
// node unchanged.
func (branch *BranchNode) Insert(idx int, entries []Entry) (err error) {
	var (
		us BranchUpdateState
	)

	err = branch.PrepareInsert(idx, entries, &us)
	if nil != err {
		return
	}

	branch.CommitInsert(idx, entries, &us)
	return
}

// Remove removes count children starting at idx.
func (branch *BranchNode) Remove(idx int, count int) (err error) {
	err = branch.children.Remove(idx, count)
	if nil != err {
		return
	}

	for _, summary := range branch.summaries {
		err = summary.Remove(idx, count)
		if nil != err {
			logger.PanicfWithError(err, "branch %d summary remove failed after children remove", branch.node.id)
		}
	}

	err = nil
	return
}

// UpdateEntry replaces the summary rows of child idx.
func (branch *BranchNode) UpdateEntry(idx int, summaries [][]uint64) (err error) {
	if (idx < 0) || (idx >= branch.Size()) {
		err = blunder.NewError(blunder.RangeError, "branch %d has no child %d", branch.node.id, idx)
		return
	}

	err = branch.checkEntries([]Entry{{Summaries: summaries}})
	if nil != err {
		return
	}

	for s, summary := range branch.summaries {
		err = summary.UpdateRow(idx, summaries[s])
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// SetChildID replaces the block id of child idx.
func (branch *BranchNode) SetChildID(idx int, id uint64) (err error) {
	err = branch.children.Update(idx, 0, id)
	return
}

// SplitTo moves children [at, Size()) to the empty branch right.
func (branch *BranchNode) SplitTo(right *BranchNode, at int) (err error) {
	if (at < 0) || (at > branch.Size()) {
		err = blunder.NewError(blunder.RangeError, "branch %d split point %d outside [0,%d]", branch.node.id, at, branch.Size())
		return
	}
	if 0 != right.Size() {
		err = blunder.NewError(blunder.InvalidArgError, "branch %d split target %d is not empty", branch.node.id, right.node.id)
		return
	}

	err = right.Insert(0, branch.Entries(at, branch.Size()))
	if nil != err {
		return
	}

	err = branch.Remove(at, branch.Size()-at)
	if nil != err {
		return
	}

	stats.Splits.Increment()

	err = nil
	return
}

// MergeFrom appends every child of src. A CapacityError leaves both nodes
// unchanged.
func (branch *BranchNode) MergeFrom(src *BranchNode) (err error) {
	err = branch.Insert(branch.Size(), src.Entries(0, src.Size()))
	if nil != err {
		return
	}

	stats.Merges.Increment()

	err = nil
	return
}

func (branch *BranchNode) check() (err error) {
	err = branch.children.Check()
	if nil != err {
		return
	}

	for s, summary := range branch.summaries {
		err = summary.Check()
		if nil != err {
			return
		}
		if summary.Size() != branch.Size() {
			err = blunder.NewError(blunder.StructuralInvariantError, "branch %d stream %d has %d summaries for %d children", branch.node.id, s, summary.Size(), branch.Size())
			return
		}
	}

	err = nil
	return
}
