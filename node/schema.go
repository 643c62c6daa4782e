// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/pkd"
)

// Validate checks that every stream is well formed.
func (schema *Schema) Validate() (err error) {
	if (0 == len(schema.Streams)) || (len(schema.Streams) > MaxStreams) {
		err = blunder.NewError(blunder.InvalidArgError, "schema has %d streams", len(schema.Streams))
		return
	}

	for s, spec := range schema.Streams {
		switch spec.Kind {
		case StreamFSE:
			if (0 == len(spec.Kinds)) || (len(spec.Kinds) > pkd.MaxColumns) {
				err = blunder.NewError(blunder.InvalidArgError, "stream %d has %d columns", s, len(spec.Kinds))
				return
			}
		case StreamVLE:
		case StreamBitmap:
			if (spec.Levels < 1) || (spec.Levels > pkd.BitmapMaxLevels) || (0 != spec.BitmapSize%pkd.BitmapGranule) {
				err = blunder.NewError(blunder.InvalidArgError, "stream %d bitmap geometry (%d levels, %d bits) invalid", s, spec.Levels, spec.BitmapSize)
				return
			}
		default:
			err = blunder.NewError(blunder.InvalidArgError, "stream %d has unknown kind %d", s, spec.Kind)
			return
		}

		if len(spec.Summarized)+1 > pkd.MaxColumns {
			err = blunder.NewError(blunder.InvalidArgError, "stream %d summarizes %d columns", s, len(spec.Summarized))
			return
		}
		for _, col := range spec.Summarized {
			if (col < 0) || (col >= schema.Columns(s)) {
				err = blunder.NewError(blunder.InvalidArgError, "stream %d summarizes unknown column %d", s, col)
				return
			}
		}
	}

	err = nil
	return
}

// Columns returns the number of leaf columns of stream s.
func (schema *Schema) Columns(s int) int {
	spec := &schema.Streams[s]
	switch spec.Kind {
	case StreamFSE:
		return len(spec.Kinds)
	case StreamBitmap:
		return spec.Levels
	default:
		return 1
	}
}

// LeafKind returns the index kind of leaf column col of stream s.
func (schema *Schema) LeafKind(s int, col int) pkd.IndexKind {
	spec := &schema.Streams[s]
	if StreamFSE == spec.Kind {
		return spec.Kinds[col]
	}
	return pkd.IndexSum
}

// BranchKinds returns the column kinds of the branch summary of stream s.
// Max leaf columns stay Max; everything else is summed.
func (schema *Schema) BranchKinds(s int) (kinds []pkd.IndexKind) {
	kinds = []pkd.IndexKind{pkd.IndexSum}
	for _, col := range schema.Streams[s].Summarized {
		if pkd.IndexMax == schema.LeafKind(s, col) {
			kinds = append(kinds, pkd.IndexMax)
		} else {
			kinds = append(kinds, pkd.IndexSum)
		}
	}
	return
}

// BranchColumn translates leaf column leafCol of stream s to its branch
// summary column. CountColumn maps to 0; a column that is not summarized
// maps to -1.
func (schema *Schema) BranchColumn(s int, leafCol int) int {
	if CountColumn == leafCol {
		return 0
	}
	for i, col := range schema.Streams[s].Summarized {
		if col == leafCol {
			return 1 + i
		}
	}
	return -1
}
