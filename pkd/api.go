// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pkd implements the packed search structures that live inside the
// segments of a palloc.Allocator:
//
//   FSEArray  fixed size multi-column uint64 rows with a 32-way summary index
//   VLEArray  LEB128 encoded uint64 values with a per-chunk (sum, offset) index
//   Map       sorted uint64 -> uint64 map (FSEArray keys, VLEArray values)
//   Bitmap    multi-level free/used bitmap with per-span zero counts
//
// Every structure occupies one nested allocator. Queries assume the summary
// index is current: every raw mutation is followed by Reindex() before the
// structure is queried again. Mutations that may need more room come in two
// phases: PrepareX() checks capacity without modifying anything and either
// fails with a blunder.CapacityError or fills in an UpdateState, after which
// CommitX() performs the writes and cannot fail.
//
package pkd

import (
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/palloc"
)

// IndexKind selects the aggregate kept for a column in the summary index.
type IndexKind uint8

const (
	IndexNone IndexKind = iota // no index; queries scan
	IndexSum                   // partial sums; rank/select/skip by sum
	IndexMax                   // maxima; search by key on non-decreasing columns
)

func (kind IndexKind) String() string {
	switch kind {
	case IndexNone:
		return "None"
	case IndexSum:
		return "Sum"
	case IndexMax:
		return "Max"
	default:
		return "Unknown"
	}
}

// SearchType selects the comparison used by FindForward/FindBackward.
type SearchType int

const (
	// GT finds the first position where the accumulated value becomes > k.
	GT SearchType = iota
	// GE finds the first position where the accumulated value becomes >= k.
	GE
)

const (
	// IndexFanout is the number of entries summarized by one index entry.
	IndexFanout = 32

	// MaxColumns bounds the columns of an FSEArray.
	MaxColumns = 16
)

// UpdateState carries what PrepareInsert() (or PrepareUpdate()) computed to
// the matching Commit call. It must not outlive that pair.
//
type UpdateState struct {
	NewSize      int // element count after the commit
	DataBytes    int // size of the data segment after the commit
	IndexBytes   int // size of the index segment after the commit
	Growth       int // bytes the structure's own region grows by (may be negative)
	ParentGrowth int // part of Growth that the enclosing allocator must provide

	byteOffset int    // VLEArray: offset of the affected element in the data segment
	oldBytes   int    // VLEArray: encoded length being replaced
	encoded    []byte // VLEArray: encoded replacement
}

// Stream is the surface common to every packed structure that can be a
// stream of a leaf node.
//
type Stream interface {
	Size() int
	Columns() int
	IndexKind(col int) IndexKind
	Totals() []uint64
	Reindex() error
	Check() error
	Serialize() ([]byte, error)
	GenerateDataEvents(handler layout.DataEventHandler) error
}

// RowStream is a Stream of rows addressed by position.
//
type RowStream interface {
	Stream
	Access(row int, col int) uint64
	Rows(start int, end int) [][]uint64
	Sum(col int, start int, end int) uint64
	FindForward(col int, start int, k uint64, searchType SearchType) (idx int, prefix uint64)
	FindBackward(col int, end int, k uint64, searchType SearchType) (idx int, prefix uint64)
	PrepareInsert(idx int, rows [][]uint64, us *UpdateState) error
	CommitInsert(idx int, rows [][]uint64, us *UpdateState)
	Insert(idx int, rows [][]uint64) error
	Remove(idx int, count int) error
	Update(row int, col int, value uint64) error
}

// NewFSEArray formats segment of parent as an empty FSEArray with the given
// per-column index kinds.
//
func NewFSEArray(parent *palloc.Allocator, segment int, kinds []IndexKind) (array *FSEArray, err error) {
	array, err = newFSEArray(parent, segment, kinds)
	return
}

// BindFSEArray returns a view of the FSEArray held in segment of parent.
//
func BindFSEArray(parent *palloc.Allocator, segment int) (array *FSEArray, err error) {
	array, err = bindFSEArray(parent, segment)
	return
}

// DeserializeFSEArray recreates in segment of parent the FSEArray serialized
// in src. It returns the number of bytes of src consumed.
//
func DeserializeFSEArray(parent *palloc.Allocator, segment int, src []byte) (array *FSEArray, consumed int, err error) {
	array, consumed, err = deserializeFSEArray(parent, segment, src)
	return
}

// FSEArrayBytes returns the segment size an FSEArray with the given kinds
// needs to hold size rows.
//
func FSEArrayBytes(kinds []IndexKind, size int) int {
	return fseArrayBytes(kinds, size)
}

// NewVLEArray formats segment of parent as an empty VLEArray.
//
func NewVLEArray(parent *palloc.Allocator, segment int) (array *VLEArray, err error) {
	array, err = newVLEArray(parent, segment)
	return
}

// BindVLEArray returns a view of the VLEArray held in segment of parent.
//
func BindVLEArray(parent *palloc.Allocator, segment int) (array *VLEArray, err error) {
	array, err = bindVLEArray(parent, segment)
	return
}

// DeserializeVLEArray recreates in segment of parent the VLEArray serialized in src.
//
func DeserializeVLEArray(parent *palloc.Allocator, segment int, src []byte) (array *VLEArray, consumed int, err error) {
	array, consumed, err = deserializeVLEArray(parent, segment, src)
	return
}

// NewMap formats segment of parent as an empty Map.
//
func NewMap(parent *palloc.Allocator, segment int) (m *Map, err error) {
	m, err = newMap(parent, segment)
	return
}

// BindMap returns a view of the Map held in segment of parent.
//
func BindMap(parent *palloc.Allocator, segment int) (m *Map, err error) {
	m, err = bindMap(parent, segment)
	return
}

// MapBytes returns the segment size a Map needs to hold the given entries.
//
func MapBytes(keys []uint64, values []uint64) int {
	return mapBytes(keys, values)
}

// NewBitmap formats segment of parent as a Bitmap of size level-0 bits (all
// free) with the given number of levels.
//
func NewBitmap(parent *palloc.Allocator, segment int, levels int, size int) (bitmap *Bitmap, err error) {
	bitmap, err = newBitmap(parent, segment, levels, size)
	return
}

// BindBitmap returns a view of the Bitmap held in segment of parent.
//
func BindBitmap(parent *palloc.Allocator, segment int) (bitmap *Bitmap, err error) {
	bitmap, err = bindBitmap(parent, segment)
	return
}

// DeserializeBitmap recreates in segment of parent the Bitmap serialized in src.
//
func DeserializeBitmap(parent *palloc.Allocator, segment int, src []byte) (bitmap *Bitmap, consumed int, err error) {
	bitmap, consumed, err = deserializeBitmap(parent, segment, src)
	return
}

// BitmapBytes returns the segment size a Bitmap of size bits and levels needs.
//
func BitmapBytes(levels int, size int) int {
	return bitmapBytes(levels, size)
}
