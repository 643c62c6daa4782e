// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"math"
)

func satisfies(value uint64, k uint64, searchType SearchType) bool {
	if GT == searchType {
		return value > k
	}
	return value >= k
}

func saturatingAdd(a uint64, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// findBackwardByPrefix returns the largest idx <= end such that the sum of
// [idx, end] satisfies k, along with the sum of (idx, end]. When no such idx
// exists it returns -1 and the sum of [0, end].
//
// prefix(n) is the sum of the first n elements. findGlobal(t, searchType)
// returns the smallest i for which prefix(i+1) satisfies t (or the size).
//
func findBackwardByPrefix(end int, k uint64, searchType SearchType, prefix func(n int) uint64, findGlobal func(t uint64, searchType SearchType) (idx int, before uint64)) (idx int, sumAfter uint64) {
	var (
		total uint64
	)

	if end < 0 {
		idx = -1
		sumAfter = 0
		return
	}

	total = prefix(end + 1)

	if GT == searchType {
		if total <= k {
			idx = -1
			sumAfter = total
			return
		}
		idx, _ = findGlobal(total-k, GE)
	} else {
		if total < k {
			idx = -1
			sumAfter = total
			return
		}
		idx, _ = findGlobal(total-k, GT)
	}

	if idx > end {
		idx = end
	}

	sumAfter = total - prefix(idx+1)
	return
}

// indexLevels returns the entry count of every summary index level, level 0
// (one entry per IndexFanout elements) first. Structures of up to
// IndexFanout elements have no index.
//
func indexLevels(size int) (entries []int) {
	if size <= IndexFanout {
		return
	}

	e := (size + IndexFanout - 1) / IndexFanout
	entries = append(entries, e)

	for e > IndexFanout {
		e = (e + IndexFanout - 1) / IndexFanout
		entries = append(entries, e)
	}

	return
}

// levelSpan returns the number of elements summarized by one entry of level.
func levelSpan(level int) (span int) {
	span = IndexFanout
	for ; level > 0; level-- {
		span *= IndexFanout
	}
	return
}
