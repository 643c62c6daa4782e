// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"bytes"
	"fmt"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/palloc"
	"github.com/NVIDIA/pkdtree/utils"
)

const (
	fseMetaSegment  = 0
	fseIndexSegment = 1
	fseDataSegment  = 2
	fseSegments     = 3

	fseMetaVersionV1 uint16 = 1
)

// fseMetaV1Struct is the content of the META segment. Size is the first
// field so it can be read without unpacking the whole record.
//
type fseMetaV1Struct struct {
	Size    uint64
	Columns uint16
	Version uint16 // == fseMetaVersionV1
	Kinds   uint32 // 2 bits per column, column 0 in the low bits
}

// FSEArray is a packed array of fixed size rows of uint64 columns, stored
// row-major in the DATA segment. Each column marked IndexSum or IndexMax is
// summarized by a multi-level index with IndexFanout entries per node.
//
type FSEArray struct {
	alloc    *palloc.Allocator
	columns  int
	kinds    []IndexKind
	indexPos []int // position of each column among the indexed ones, -1 if none
	indexed  int
}

type fseIndexView struct {
	index   []byte
	entries []int
	offsets []int
	indexed int
}

func encodeKinds(kinds []IndexKind) (encoded uint32) {
	for c, kind := range kinds {
		encoded |= uint32(kind&0x3) << uint(2*c)
	}
	return
}

func decodeKinds(encoded uint32, columns int) (kinds []IndexKind) {
	kinds = make([]IndexKind, columns)
	for c := range kinds {
		kinds[c] = IndexKind((encoded >> uint(2*c)) & 0x3)
	}
	return
}

func makeFSEArray(alloc *palloc.Allocator, kinds []IndexKind) (array *FSEArray) {
	array = &FSEArray{
		alloc:    alloc,
		columns:  len(kinds),
		kinds:    kinds,
		indexPos: make([]int, len(kinds)),
	}

	for c, kind := range kinds {
		if IndexNone == kind {
			array.indexPos[c] = -1
		} else {
			array.indexPos[c] = array.indexed
			array.indexed++
		}
	}

	return
}

func validateKinds(kinds []IndexKind) (err error) {
	if (0 == len(kinds)) || (len(kinds) > MaxColumns) {
		err = blunder.NewError(blunder.InvalidArgError, "FSEArray column count %d out of range [1,%d]", len(kinds), MaxColumns)
		return
	}
	for c, kind := range kinds {
		if kind > IndexMax {
			err = blunder.NewError(blunder.InvalidArgError, "FSEArray column %d has unknown index kind %d", c, kind)
			return
		}
	}
	err = nil
	return
}

func fseIndexBytes(indexed int, size int) (indexBytes int) {
	for _, e := range indexLevels(size) {
		indexBytes += e
	}
	indexBytes *= indexed * 8
	return
}

func fseArrayBytes(kinds []IndexKind, size int) int {
	array := makeFSEArray(nil, kinds)
	return palloc.HeaderSize(fseSegments) + fseMetaBytes + size*len(kinds)*8 + fseIndexBytes(array.indexed, size)
}

func newFSEArray(parent *palloc.Allocator, segment int, kinds []IndexKind) (array *FSEArray, err error) {
	var (
		alloc *palloc.Allocator
	)

	err = validateKinds(kinds)
	if nil != err {
		return
	}

	if !parent.TryAllocation(segment, palloc.HeaderSize(fseSegments)+fseMetaBytes) {
		err = blunder.NewError(blunder.CapacityError, "no room for an empty FSEArray in segment %d", segment)
		return
	}

	alloc, err = parent.AllocateAllocator(segment, fseSegments, fseMetaBytes)
	if nil != err {
		return
	}
	_, err = alloc.Allocate(fseMetaSegment, fseMetaBytes)
	if nil != err {
		return
	}

	kinds = append([]IndexKind(nil), kinds...)
	array = makeFSEArray(alloc, kinds)

	err = array.writeMeta(0)
	if nil != err {
		array = nil
		return
	}

	err = nil
	return
}

func bindFSEArray(parent *palloc.Allocator, segment int) (array *FSEArray, err error) {
	var (
		alloc *palloc.Allocator
		meta  fseMetaV1Struct
	)

	alloc, err = parent.Nested(segment)
	if nil != err {
		return
	}
	if (fseSegments != alloc.Segments()) || (alloc.ElementSize(fseMetaSegment) < fseMetaBytes) {
		err = blunder.NewError(blunder.CorruptLayoutError, "segment %d does not hold an FSEArray", segment)
		return
	}

	_, err = unpackMeta(alloc.Element(fseMetaSegment), &meta)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if fseMetaVersionV1 != meta.Version {
		err = blunder.NewError(blunder.CorruptLayoutError, "FSEArray meta version %d unknown", meta.Version)
		return
	}

	kinds := decodeKinds(meta.Kinds, int(meta.Columns))
	err = validateKinds(kinds)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}

	array = makeFSEArray(alloc, kinds)

	err = nil
	return
}

func (array *FSEArray) writeMeta(size int) (err error) {
	meta := fseMetaV1Struct{
		Size:    uint64(size),
		Columns: uint16(array.columns),
		Version: fseMetaVersionV1,
		Kinds:   encodeKinds(array.kinds),
	}

	err = packMeta(&meta, array.alloc.Element(fseMetaSegment))
	return
}

// Allocator returns the nested allocator holding the array.
func (array *FSEArray) Allocator() *palloc.Allocator {
	return array.alloc
}

func (array *FSEArray) Size() int {
	return int(layout.LoadUint64(array.alloc.Bytes(), array.alloc.ElementOffset(fseMetaSegment)))
}

func (array *FSEArray) setSize(size int) {
	layout.StoreUint64(array.alloc.Bytes(), array.alloc.ElementOffset(fseMetaSegment), uint64(size))
}

func (array *FSEArray) Columns() int {
	return array.columns
}

func (array *FSEArray) IndexKind(col int) IndexKind {
	return array.kinds[col]
}

func (array *FSEArray) rowBytes() int {
	return array.columns * 8
}

func (array *FSEArray) load(data []byte, row int, col int) uint64 {
	return layout.LoadUint64(data, (row*array.columns+col)*8)
}

func (array *FSEArray) indexView(size int, index []byte) (view fseIndexView) {
	view.index = index
	view.entries = indexLevels(size)
	view.offsets = make([]int, len(view.entries))
	view.indexed = array.indexed

	offset := 0
	for level, e := range view.entries {
		view.offsets[level] = offset
		offset += e * array.indexed * 8
	}

	return
}

func (view *fseIndexView) get(level int, e int, ki int) uint64 {
	return layout.LoadUint64(view.index, view.offsets[level]+(e*view.indexed+ki)*8)
}

func (view *fseIndexView) set(level int, e int, ki int, value uint64) {
	layout.StoreUint64(view.index, view.offsets[level]+(e*view.indexed+ki)*8, value)
}

func (array *FSEArray) hasIndex(col int, kind IndexKind, size int) bool {
	return (kind == array.kinds[col]) && (size > IndexFanout)
}

// Access returns the value at (row, col).
func (array *FSEArray) Access(row int, col int) uint64 {
	return array.load(array.alloc.Element(fseDataSegment), row, col)
}

// Row returns a copy of row.
func (array *FSEArray) Row(row int) (values []uint64) {
	data := array.alloc.Element(fseDataSegment)
	values = make([]uint64, array.columns)
	for c := range values {
		values[c] = array.load(data, row, c)
	}
	return
}

// Rows returns copies of the rows in [start, end).
func (array *FSEArray) Rows(start int, end int) (rows [][]uint64) {
	rows = make([][]uint64, 0, end-start)
	for r := start; r < end; r++ {
		rows = append(rows, array.Row(r))
	}
	return
}

// prefix returns the sum of col over the first n rows.
func (array *FSEArray) prefix(col int, n int) (sum uint64) {
	var (
		pos  int
		size = array.Size()
	)

	data := array.alloc.Element(fseDataSegment)

	if array.hasIndex(col, IndexSum, size) {
		view := array.indexView(size, array.alloc.Element(fseIndexSegment))
		ki := array.indexPos[col]
		for level := len(view.entries) - 1; level >= 0; level-- {
			span := levelSpan(level)
			e := pos / span
			for (e+1)*span <= n {
				sum += view.get(level, e, ki)
				e++
			}
			pos = e * span
		}
	}

	for ; pos < n; pos++ {
		sum += array.load(data, pos, col)
	}

	return
}

// findGlobalSum returns the first row at which the running sum of col
// satisfies t, with the sum of the rows before it. When there is none it
// returns the size and the column total.
func (array *FSEArray) findGlobalSum(col int, t uint64, searchType SearchType) (idx int, before uint64) {
	var (
		pos  int
		size = array.Size()
	)

	data := array.alloc.Element(fseDataSegment)

	if array.hasIndex(col, IndexSum, size) {
		view := array.indexView(size, array.alloc.Element(fseIndexSegment))
		ki := array.indexPos[col]
		for level := len(view.entries) - 1; level >= 0; level-- {
			span := levelSpan(level)
			e := pos / span
			limit := utils.MinInt(e+IndexFanout, view.entries[level])
			for e < limit {
				v := view.get(level, e, ki)
				if satisfies(before+v, t, searchType) {
					break
				}
				before += v
				e++
			}
			if e == view.entries[level] {
				idx = size
				return
			}
			pos = e * span
		}
	}

	for ; pos < size; pos++ {
		v := array.load(data, pos, col)
		if satisfies(before+v, t, searchType) {
			idx = pos
			return
		}
		before += v
	}

	idx = size
	return
}

// findGlobalMax returns the first row whose value in col satisfies t.
func (array *FSEArray) findGlobalMax(col int, t uint64, searchType SearchType) (idx int) {
	var (
		pos  int
		size = array.Size()
	)

	data := array.alloc.Element(fseDataSegment)

	if array.hasIndex(col, IndexMax, size) {
		view := array.indexView(size, array.alloc.Element(fseIndexSegment))
		ki := array.indexPos[col]
		for level := len(view.entries) - 1; level >= 0; level-- {
			span := levelSpan(level)
			e := pos / span
			limit := utils.MinInt(e+IndexFanout, view.entries[level])
			for (e < limit) && !satisfies(view.get(level, e, ki), t, searchType) {
				e++
			}
			if e == view.entries[level] {
				idx = size
				return
			}
			pos = e * span
		}
	}

	for ; pos < size; pos++ {
		if satisfies(array.load(data, pos, col), t, searchType) {
			idx = pos
			return
		}
	}

	idx = size
	return
}

func (array *FSEArray) scanForwardMax(col int, start int, k uint64, searchType SearchType) int {
	data := array.alloc.Element(fseDataSegment)
	size := array.Size()
	for pos := start; pos < size; pos++ {
		if satisfies(array.load(data, pos, col), k, searchType) {
			return pos
		}
	}
	return size
}

// FindForward searches col starting at row start.
//
// For summed columns it returns the first idx >= start at which the sum of
// rows [start, idx] satisfies k, together with the sum of [start, idx). For
// IndexMax columns it returns the first idx >= start whose value satisfies k
// (prefix is 0). When nothing qualifies idx is Size().
//
func (array *FSEArray) FindForward(col int, start int, k uint64, searchType SearchType) (idx int, prefix uint64) {
	var (
		base   uint64
		before uint64
		size   = array.Size()
	)

	if start < 0 {
		start = 0
	}
	if start >= size {
		idx = size
		prefix = 0
		return
	}

	switch array.kinds[col] {
	case IndexMax:
		idx = array.findGlobalMax(col, k, searchType)
		if idx < start {
			idx = array.scanForwardMax(col, start, k, searchType)
		}
		prefix = 0
	case IndexSum:
		base = array.prefix(col, start)
		idx, before = array.findGlobalSum(col, saturatingAdd(base, k), searchType)
		if idx < start {
			idx = start
			prefix = 0
		} else {
			prefix = before - base
		}
	default:
		data := array.alloc.Element(fseDataSegment)
		for idx = start; idx < size; idx++ {
			v := array.load(data, idx, col)
			if satisfies(prefix+v, k, searchType) {
				return
			}
			prefix += v
		}
	}

	return
}

// FindBackward searches col backward starting at row end (inclusive).
//
// For summed columns it returns the largest idx <= end at which the sum of
// rows [idx, end] satisfies k, together with the sum of (idx, end]. When
// nothing qualifies idx is -1 and prefix is the sum of [0, end].
//
func (array *FSEArray) FindBackward(col int, end int, k uint64, searchType SearchType) (idx int, prefix uint64) {
	size := array.Size()
	if end >= size {
		end = size - 1
	}

	switch array.kinds[col] {
	case IndexSum:
		idx, prefix = findBackwardByPrefix(end, k, searchType,
			func(n int) uint64 { return array.prefix(col, n) },
			func(t uint64, st SearchType) (int, uint64) { return array.findGlobalSum(col, t, st) })
	case IndexMax:
		data := array.alloc.Element(fseDataSegment)
		for idx = end; idx >= 0; idx-- {
			if satisfies(array.load(data, idx, col), k, searchType) {
				return
			}
		}
		prefix = 0
	default:
		data := array.alloc.Element(fseDataSegment)
		for idx = end; idx >= 0; idx-- {
			v := array.load(data, idx, col)
			if satisfies(prefix+v, k, searchType) {
				return
			}
			prefix += v
		}
	}

	return
}

// Sum returns the aggregate of col over rows [start, end): the sum, or the
// maximum for IndexMax columns.
//
func (array *FSEArray) Sum(col int, start int, end int) (sum uint64) {
	size := array.Size()
	if start < 0 {
		start = 0
	}
	if end > size {
		end = size
	}
	if start >= end {
		return
	}

	switch array.kinds[col] {
	case IndexSum:
		sum = array.prefix(col, end) - array.prefix(col, start)
	case IndexMax:
		data := array.alloc.Element(fseDataSegment)
		for r := start; r < end; r++ {
			if v := array.load(data, r, col); v > sum {
				sum = v
			}
		}
	default:
		data := array.alloc.Element(fseDataSegment)
		for r := start; r < end; r++ {
			sum += array.load(data, r, col)
		}
	}

	return
}

// Totals returns the aggregate of every column over all rows.
func (array *FSEArray) Totals() (totals []uint64) {
	size := array.Size()
	totals = make([]uint64, array.columns)
	for c := range totals {
		totals[c] = array.Sum(c, 0, size)
	}
	return
}

func (array *FSEArray) checkRows(rows [][]uint64) (err error) {
	for i, row := range rows {
		if len(row) != array.columns {
			err = blunder.NewError(blunder.InvalidArgError, "row %d has %d columns, FSEArray has %d", i, len(row), array.columns)
			return
		}
	}
	err = nil
	return
}

// PrepareInsert verifies rows could be inserted at idx.
func (array *FSEArray) PrepareInsert(idx int, rows [][]uint64, us *UpdateState) (err error) {
	var (
		size = array.Size()
	)

	if (idx < 0) || (idx > size) {
		err = blunder.NewError(blunder.RangeError, "FSEArray insert position %d outside [0,%d]", idx, size)
		return
	}
	err = array.checkRows(rows)
	if nil != err {
		return
	}

	us.NewSize = size + len(rows)
	us.DataBytes = us.NewSize * array.rowBytes()
	us.IndexBytes = fseIndexBytes(array.indexed, us.NewSize)
	us.Growth = (us.DataBytes - array.alloc.ElementSize(fseDataSegment)) + (us.IndexBytes - array.alloc.ElementSize(fseIndexSegment))
	us.ParentGrowth = utils.MaxInt(0, us.Growth-array.alloc.FreeSpace())

	if us.Growth > array.alloc.Available() {
		stats.PrepareFailures.Increment()
		err = blunder.NewError(blunder.CapacityError, "FSEArray insert of %d rows needs %d bytes, %d available", len(rows), us.Growth, array.alloc.Available())
		return
	}

	stats.PrepareSuccesses.Increment()

	err = nil
	return
}

// CommitInsert inserts rows at idx as prepared by PrepareInsert.
func (array *FSEArray) CommitInsert(idx int, rows [][]uint64, us *UpdateState) {
	var (
		err  error
		size = array.Size()
	)

	_, err = array.alloc.ResizeBlock(fseIndexSegment, us.IndexBytes)
	if nil != err {
		logger.PanicfWithError(err, "FSEArray.CommitInsert() index resize failed after prepare")
	}
	_, err = array.alloc.ResizeBlock(fseDataSegment, us.DataBytes)
	if nil != err {
		logger.PanicfWithError(err, "FSEArray.CommitInsert() data resize failed after prepare")
	}

	array.writeRows(idx, size, rows)
	array.setSize(us.NewSize)

	err = array.Reindex()
	if nil != err {
		logger.PanicfWithError(err, "FSEArray.CommitInsert() reindex failed after prepare")
	}
}

// writeRows opens a gap of len(rows) at idx (the data segment is already
// large enough) and fills it.
func (array *FSEArray) writeRows(idx int, size int, rows [][]uint64) {
	rowBytes := array.rowBytes()
	data := array.alloc.Element(fseDataSegment)

	copy(data[(idx+len(rows))*rowBytes:], data[idx*rowBytes:size*rowBytes])

	for i, row := range rows {
		for c, v := range row {
			layout.StoreUint64(data, ((idx+i)*array.columns+c)*8, v)
		}
	}
}

// Insert inserts rows at idx in place, without a prepare phase. If the index
// cannot be grown afterwards a CapacityError is returned with the rows
// already written; callers protect the enclosing node with a backup.
//
func (array *FSEArray) Insert(idx int, rows [][]uint64) (err error) {
	var (
		indexBytes int
		newSize    int
		size       = array.Size()
	)

	if (idx < 0) || (idx > size) {
		err = blunder.NewError(blunder.RangeError, "FSEArray insert position %d outside [0,%d]", idx, size)
		return
	}
	err = array.checkRows(rows)
	if nil != err {
		return
	}

	stats.LegacyInserts.Increment()

	newSize = size + len(rows)

	_, err = array.alloc.ResizeBlock(fseDataSegment, newSize*array.rowBytes())
	if nil != err {
		return
	}

	array.writeRows(idx, size, rows)
	array.setSize(newSize)

	indexBytes = fseIndexBytes(array.indexed, newSize)
	if indexBytes != array.alloc.ElementSize(fseIndexSegment) {
		_, err = array.alloc.ResizeBlock(fseIndexSegment, indexBytes)
		if nil != err {
			return
		}
	}

	err = array.Reindex()
	return
}

// Remove removes count rows starting at idx.
func (array *FSEArray) Remove(idx int, count int) (err error) {
	var (
		newSize  int
		rowBytes = array.rowBytes()
		size     = array.Size()
	)

	if (idx < 0) || (count < 0) || (idx+count > size) {
		err = blunder.NewError(blunder.RangeError, "FSEArray remove [%d,%d) outside [0,%d)", idx, idx+count, size)
		return
	}
	if 0 == count {
		err = nil
		return
	}

	data := array.alloc.Element(fseDataSegment)
	copy(data[idx*rowBytes:], data[(idx+count)*rowBytes:size*rowBytes])

	newSize = size - count
	array.setSize(newSize)

	_, err = array.alloc.ResizeBlock(fseDataSegment, newSize*rowBytes)
	if nil != err {
		return
	}
	_, err = array.alloc.ResizeBlock(fseIndexSegment, fseIndexBytes(array.indexed, newSize))
	if nil != err {
		return
	}

	err = array.Reindex()
	return
}

// Update sets (row, col) to value.
func (array *FSEArray) Update(row int, col int, value uint64) (err error) {
	if (row < 0) || (row >= array.Size()) || (col < 0) || (col >= array.columns) {
		err = blunder.NewError(blunder.RangeError, "FSEArray update of (%d,%d) outside %dx%d", row, col, array.Size(), array.columns)
		return
	}

	layout.StoreUint64(array.alloc.Element(fseDataSegment), (row*array.columns+col)*8, value)

	err = array.Reindex()
	return
}

// UpdateRow replaces every column of row.
func (array *FSEArray) UpdateRow(row int, values []uint64) (err error) {
	if (row < 0) || (row >= array.Size()) || (len(values) != array.columns) {
		err = blunder.NewError(blunder.RangeError, "FSEArray row update of %d (%d values) outside %dx%d", row, len(values), array.Size(), array.columns)
		return
	}

	data := array.alloc.Element(fseDataSegment)
	for c, v := range values {
		layout.StoreUint64(data, (row*array.columns+c)*8, v)
	}

	err = array.Reindex()
	return
}

// Reindex rebuilds the summary index. It never grows the index segment: if
// the segment is too small a CapacityError is returned before anything is
// written.
//
func (array *FSEArray) Reindex() (err error) {
	var (
		size = array.Size()
		need = fseIndexBytes(array.indexed, size)
		have = array.alloc.ElementSize(fseIndexSegment)
	)

	if have < need {
		err = blunder.NewError(blunder.CapacityError, "FSEArray index needs %d bytes, segment has %d", need, have)
		return
	}
	if have > need {
		_, err = array.alloc.ResizeBlock(fseIndexSegment, need)
		if nil != err {
			return
		}
	}

	stats.Reindexes.Increment()

	if need > 0 {
		array.buildIndex(size, array.alloc.Element(fseIndexSegment))
	}

	err = nil
	return
}

func aggregate(kind IndexKind, acc uint64, v uint64) uint64 {
	if IndexMax == kind {
		if v > acc {
			return v
		}
		return acc
	}
	return acc + v
}

func (array *FSEArray) buildIndex(size int, index []byte) {
	view := array.indexView(size, index)
	data := array.alloc.Element(fseDataSegment)

	for level, entries := range view.entries {
		for e := 0; e < entries; e++ {
			for c, kind := range array.kinds {
				ki := array.indexPos[c]
				if ki < 0 {
					continue
				}
				var acc uint64
				if 0 == level {
					end := utils.MinInt(size, (e+1)*IndexFanout)
					for r := e * IndexFanout; r < end; r++ {
						acc = aggregate(kind, acc, array.load(data, r, c))
					}
				} else {
					end := utils.MinInt(view.entries[level-1], (e+1)*IndexFanout)
					for child := e * IndexFanout; child < end; child++ {
						acc = aggregate(kind, acc, view.get(level-1, child, ki))
					}
				}
				view.set(level, e, ki, acc)
			}
		}
	}
}

// Check validates the meta record, segment sizes and the summary index.
func (array *FSEArray) Check() (err error) {
	var (
		meta fseMetaV1Struct
		size = array.Size()
	)

	defer func() {
		if nil != err {
			stats.CheckFailures.Increment()
		}
	}()

	_, err = unpackMeta(array.alloc.Element(fseMetaSegment), &meta)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if (int(meta.Columns) != array.columns) || (meta.Kinds != encodeKinds(array.kinds)) {
		err = blunder.NewError(blunder.StructuralInvariantError, "FSEArray meta does not match its view")
		return
	}
	if array.alloc.ElementSize(fseDataSegment) != size*array.rowBytes() {
		err = blunder.NewError(blunder.StructuralInvariantError, "FSEArray data segment is %d bytes, expected %d", array.alloc.ElementSize(fseDataSegment), size*array.rowBytes())
		return
	}

	need := fseIndexBytes(array.indexed, size)
	if array.alloc.ElementSize(fseIndexSegment) != need {
		err = blunder.NewError(blunder.StructuralInvariantError, "FSEArray index segment is %d bytes, expected %d", array.alloc.ElementSize(fseIndexSegment), need)
		return
	}

	expected := make([]byte, need)
	array.buildIndex(size, expected)
	if !bytes.Equal(expected, array.alloc.Element(fseIndexSegment)) {
		err = blunder.NewError(blunder.StructuralInvariantError, "FSEArray index is stale")
		return
	}

	err = nil
	return
}

// Serialize returns the meta record followed by the rows.
func (array *FSEArray) Serialize() (serialized []byte, err error) {
	var (
		size = array.Size()
	)

	serialized = make([]byte, fseMetaBytes+size*array.rowBytes())

	meta := fseMetaV1Struct{
		Size:    uint64(size),
		Columns: uint16(array.columns),
		Version: fseMetaVersionV1,
		Kinds:   encodeKinds(array.kinds),
	}
	err = packMeta(&meta, serialized[:fseMetaBytes])
	if nil != err {
		return
	}

	copy(serialized[fseMetaBytes:], array.alloc.Element(fseDataSegment))

	err = nil
	return
}

func deserializeFSEArray(parent *palloc.Allocator, segment int, src []byte) (array *FSEArray, consumed int, err error) {
	var (
		meta   fseMetaV1Struct
		curPos int
		us     UpdateState
	)

	if len(src) < fseMetaBytes {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized FSEArray is %d bytes, header needs %d", len(src), fseMetaBytes)
		return
	}

	_, err = unpackMeta(src, &meta)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if fseMetaVersionV1 != meta.Version {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized FSEArray version %d unknown", meta.Version)
		return
	}

	array, err = newFSEArray(parent, segment, decodeKinds(meta.Kinds, int(meta.Columns)))
	if nil != err {
		return
	}

	curPos = fseMetaBytes
	rows := make([][]uint64, meta.Size)
	for r := range rows {
		rows[r] = make([]uint64, meta.Columns)
		for c := range rows[r] {
			rows[r][c], curPos, err = layout.GetLEUint64FromBuf(src, curPos)
			if nil != err {
				err = blunder.AddError(err, blunder.CorruptLayoutError)
				return
			}
		}
	}

	err = array.PrepareInsert(0, rows, &us)
	if nil != err {
		return
	}
	array.CommitInsert(0, rows, &us)

	consumed = curPos
	err = nil
	return
}

// GenerateDataEvents reports the meta fields and every row to handler.
func (array *FSEArray) GenerateDataEvents(handler layout.DataEventHandler) (err error) {
	size := array.Size()

	kinds := make([]uint64, array.columns)
	for c, kind := range array.kinds {
		kinds[c] = uint64(kind)
	}

	handler.StartGroup("FSEArray", size)
	handler.Value("Size", uint64(size))
	handler.Values("Kinds", kinds)
	for r := 0; r < size; r++ {
		handler.Values(fmt.Sprintf("Row[%d]", r), array.Row(r))
	}
	handler.EndGroup()

	err = nil
	return
}
