// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package shuttle

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/node"
	"github.com/NVIDIA/pkdtree/pkd"
)

type shuttleStatsStruct struct {
	Starts              bucketstats.Total
	Finishes            bucketstats.Total
	NotFound            bucketstats.Total
	FixTargets          bucketstats.Total
	PrefixCmds          bucketstats.Total
	BoundaryCorrections bucketstats.Total
}

var stats shuttleStatsStruct

func init() {
	bucketstats.Register("shuttle", "", &stats)
}

func branchColumn(branch *node.BranchNode, stream int, col int) (bcol int, err error) {
	bcol = branch.Node().Schema().BranchColumn(stream, col)
	if bcol < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "stream %d column %d is not summarized in branches", stream, col)
		return
	}
	err = nil
	return
}

func requireMax(schema *node.Schema, stream int, col int) (err error) {
	if pkd.IndexMax != schema.LeafKind(stream, col) {
		err = blunder.NewError(blunder.InvalidArgError, "stream %d column %d is not a Max column", stream, col)
		return
	}
	err = nil
	return
}

// adjust applies FixTarget (subtract) or Prefixes (add) of the branch sum of
// bcol over [start, end) to *sum. Other commands leave it alone.
func adjust(sum *uint64, branch *node.BranchNode, stream int, bcol int, cmd WalkCmd, start int, end int) (err error) {
	var (
		delta uint64
	)

	if (FixTarget != cmd) && (Prefixes != cmd) {
		err = nil
		return
	}

	delta, err = branch.Sum(stream, bcol, start, end)
	if nil != err {
		return
	}

	if FixTarget == cmd {
		stats.FixTargets.Increment()
		if delta > *sum {
			err = blunder.NewError(blunder.StructuralInvariantError, "FixTarget of %d exceeds the %d accounted", delta, *sum)
			return
		}
		*sum -= delta
	} else {
		stats.PrefixCmds.Increment()
		*sum += delta
	}

	err = nil
	return
}

func finishPosition(size int, idx int, state *IteratorState) {
	state.Idx = idx
	state.LeafSize = size
	state.BeforeStart = idx < 0

	stats.Finishes.Increment()
	if (idx < 0) || (idx >= size) {
		stats.NotFound.Increment()
	}
}
