// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/palloc"
	"github.com/NVIDIA/pkdtree/utils"
)

const (
	vleMetaSegment  = 0
	vleIndexSegment = 1
	vleDataSegment  = 2
	vleSegments     = 3

	vleMetaVersionV1 uint32 = 1

	vleIndexEntryBytes = 16 // uint64 chunk sum, uint64 chunk byte offset
)

type vleMetaV1Struct struct {
	Size      uint64
	DataBytes uint64
	Version   uint32 // == vleMetaVersionV1
	Reserved  uint32
}

// VLEArray is a packed array of uint64 values stored LEB128 encoded in the
// DATA segment. When it holds more than IndexFanout values, the INDEX segment
// keeps the sum and starting byte offset of every IndexFanout value chunk.
// Positional queries walk the encoded run from the nearest chunk start.
//
// A VLEArray is a one column RowStream whose column is summed.
//
type VLEArray struct {
	alloc *palloc.Allocator
}

func vleIndexBytes(size int) int {
	if size <= IndexFanout {
		return 0
	}
	return utils.DivUp(size, IndexFanout) * vleIndexEntryBytes
}

func vleEncode(values []uint64) (encoded []byte) {
	var (
		scratch [binary.MaxVarintLen64]byte
	)

	for _, v := range values {
		n := binary.PutUvarint(scratch[:], v)
		encoded = append(encoded, scratch[:n]...)
	}
	return
}

func vleArrayBytes(values []uint64) int {
	return palloc.HeaderSize(vleSegments) + vleMetaBytes + utils.RoundUp8(len(vleEncode(values))) + vleIndexBytes(len(values))
}

func newVLEArray(parent *palloc.Allocator, segment int) (array *VLEArray, err error) {
	var (
		alloc *palloc.Allocator
	)

	if !parent.TryAllocation(segment, palloc.HeaderSize(vleSegments)+vleMetaBytes) {
		err = blunder.NewError(blunder.CapacityError, "no room for an empty VLEArray in segment %d", segment)
		return
	}

	alloc, err = parent.AllocateAllocator(segment, vleSegments, vleMetaBytes)
	if nil != err {
		return
	}
	_, err = alloc.Allocate(vleMetaSegment, vleMetaBytes)
	if nil != err {
		return
	}

	array = &VLEArray{alloc: alloc}

	err = array.writeMeta(0, 0)
	if nil != err {
		array = nil
		return
	}

	err = nil
	return
}

func bindVLEArray(parent *palloc.Allocator, segment int) (array *VLEArray, err error) {
	var (
		alloc *palloc.Allocator
		meta  vleMetaV1Struct
	)

	alloc, err = parent.Nested(segment)
	if nil != err {
		return
	}
	if (vleSegments != alloc.Segments()) || (alloc.ElementSize(vleMetaSegment) < vleMetaBytes) {
		err = blunder.NewError(blunder.CorruptLayoutError, "segment %d does not hold a VLEArray", segment)
		return
	}

	_, err = unpackMeta(alloc.Element(vleMetaSegment), &meta)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if vleMetaVersionV1 != meta.Version {
		err = blunder.NewError(blunder.CorruptLayoutError, "VLEArray meta version %d unknown", meta.Version)
		return
	}

	array = &VLEArray{alloc: alloc}

	err = nil
	return
}

func (array *VLEArray) writeMeta(size int, dataBytes int) (err error) {
	meta := vleMetaV1Struct{
		Size:      uint64(size),
		DataBytes: uint64(dataBytes),
		Version:   vleMetaVersionV1,
	}

	err = packMeta(&meta, array.alloc.Element(vleMetaSegment))
	return
}

// Allocator returns the nested allocator holding the array.
func (array *VLEArray) Allocator() *palloc.Allocator {
	return array.alloc
}

func (array *VLEArray) Size() int {
	return int(layout.LoadUint64(array.alloc.Bytes(), array.alloc.ElementOffset(vleMetaSegment)))
}

// DataBytes returns the length of the encoded values.
func (array *VLEArray) DataBytes() int {
	return int(layout.LoadUint64(array.alloc.Bytes(), array.alloc.ElementOffset(vleMetaSegment)+8))
}

func (array *VLEArray) Columns() int {
	return 1
}

func (array *VLEArray) IndexKind(col int) IndexKind {
	return IndexSum
}

func (array *VLEArray) indexEntry(index []byte, chunk int) (sum uint64, offset int) {
	sum = layout.LoadUint64(index, chunk*vleIndexEntryBytes)
	offset = int(layout.LoadUint64(index, chunk*vleIndexEntryBytes+8))
	return
}

// seek returns the byte offset of the value at row, walking from the start of
// its chunk. row == Size() yields DataBytes().
func (array *VLEArray) seek(row int) (offset int) {
	var (
		pos  int
		size = array.Size()
	)

	if row >= size {
		offset = array.DataBytes()
		return
	}

	data := array.alloc.Element(vleDataSegment)

	if size > IndexFanout {
		chunk := row / IndexFanout
		_, offset = array.indexEntry(array.alloc.Element(vleIndexSegment), chunk)
		pos = chunk * IndexFanout
	}

	for ; pos < row; pos++ {
		_, n := binary.Uvarint(data[offset:])
		offset += n
	}

	return
}

// Access returns the value at row. col must be 0.
func (array *VLEArray) Access(row int, col int) (value uint64) {
	value, _ = binary.Uvarint(array.alloc.Element(vleDataSegment)[array.seek(row):])
	return
}

// Values returns every value in order.
func (array *VLEArray) Values() (values []uint64) {
	values = array.decodeRange(0, array.Size())
	return
}

func (array *VLEArray) decodeRange(start int, end int) (values []uint64) {
	data := array.alloc.Element(vleDataSegment)
	offset := array.seek(start)

	values = make([]uint64, 0, end-start)
	for r := start; r < end; r++ {
		v, n := binary.Uvarint(data[offset:])
		values = append(values, v)
		offset += n
	}
	return
}

// Rows returns the values in [start, end) as one column rows.
func (array *VLEArray) Rows(start int, end int) (rows [][]uint64) {
	for _, v := range array.decodeRange(start, end) {
		rows = append(rows, []uint64{v})
	}
	return
}

func (array *VLEArray) prefix(n int) (sum uint64) {
	var (
		offset int
		pos    int
		size   = array.Size()
	)

	data := array.alloc.Element(vleDataSegment)

	if size > IndexFanout {
		index := array.alloc.Element(vleIndexSegment)
		for chunk := 0; (chunk+1)*IndexFanout <= n; chunk++ {
			chunkSum, _ := array.indexEntry(index, chunk)
			sum += chunkSum
			pos = (chunk + 1) * IndexFanout
		}
		if pos < size {
			_, offset = array.indexEntry(index, pos/IndexFanout)
		}
	}

	for ; pos < n; pos++ {
		v, used := binary.Uvarint(data[offset:])
		sum += v
		offset += used
	}

	return
}

func (array *VLEArray) findGlobal(t uint64, searchType SearchType) (idx int, before uint64) {
	var (
		offset int
		pos    int
		size   = array.Size()
	)

	data := array.alloc.Element(vleDataSegment)

	if size > IndexFanout {
		index := array.alloc.Element(vleIndexSegment)
		chunks := utils.DivUp(size, IndexFanout)
		chunk := 0
		for ; chunk < chunks; chunk++ {
			chunkSum, _ := array.indexEntry(index, chunk)
			if satisfies(before+chunkSum, t, searchType) {
				break
			}
			before += chunkSum
		}
		if chunk == chunks {
			idx = size
			return
		}
		_, offset = array.indexEntry(index, chunk)
		pos = chunk * IndexFanout
	}

	for ; pos < size; pos++ {
		v, used := binary.Uvarint(data[offset:])
		if satisfies(before+v, t, searchType) {
			idx = pos
			return
		}
		before += v
		offset += used
	}

	idx = size
	return
}

// FindForward returns the first idx >= start at which the sum of [start, idx]
// satisfies k, with the sum of [start, idx). When there is none idx is Size().
func (array *VLEArray) FindForward(col int, start int, k uint64, searchType SearchType) (idx int, prefix uint64) {
	var (
		before uint64
		size   = array.Size()
	)

	if start < 0 {
		start = 0
	}
	if start >= size {
		idx = size
		return
	}

	base := array.prefix(start)
	idx, before = array.findGlobal(saturatingAdd(base, k), searchType)
	if idx < start {
		idx = start
		prefix = 0
		return
	}

	prefix = before - base
	return
}

// FindBackward returns the largest idx <= end at which the sum of [idx, end]
// satisfies k, with the sum of (idx, end]. When there is none idx is -1.
func (array *VLEArray) FindBackward(col int, end int, k uint64, searchType SearchType) (idx int, prefix uint64) {
	if end >= array.Size() {
		end = array.Size() - 1
	}

	idx, prefix = findBackwardByPrefix(end, k, searchType, array.prefix, array.findGlobal)
	return
}

// Sum returns the sum of the values in [start, end).
func (array *VLEArray) Sum(col int, start int, end int) (sum uint64) {
	if start < 0 {
		start = 0
	}
	if end > array.Size() {
		end = array.Size()
	}
	if start >= end {
		return
	}

	sum = array.prefix(end) - array.prefix(start)
	return
}

func (array *VLEArray) Totals() []uint64 {
	return []uint64{array.prefix(array.Size())}
}

func rowValues(rows [][]uint64) (values []uint64, err error) {
	values = make([]uint64, len(rows))
	for i, row := range rows {
		if 1 != len(row) {
			err = blunder.NewError(blunder.InvalidArgError, "row %d has %d columns, VLEArray has 1", i, len(row))
			return
		}
		values[i] = row[0]
	}
	err = nil
	return
}

// prepareSplice fills us for replacing oldBytes encoded bytes at byteOffset
// with encoded, leaving newSize values.
func (array *VLEArray) prepareSplice(byteOffset int, oldBytes int, encoded []byte, newSize int, us *UpdateState) (err error) {
	us.NewSize = newSize
	us.DataBytes = array.DataBytes() - oldBytes + len(encoded)
	us.IndexBytes = vleIndexBytes(newSize)
	us.Growth = (utils.RoundUp8(us.DataBytes) - array.alloc.ElementSize(vleDataSegment)) + (us.IndexBytes - array.alloc.ElementSize(vleIndexSegment))
	us.ParentGrowth = utils.MaxInt(0, us.Growth-array.alloc.FreeSpace())
	us.byteOffset = byteOffset
	us.oldBytes = oldBytes
	us.encoded = encoded

	if us.Growth > array.alloc.Available() {
		stats.PrepareFailures.Increment()
		err = blunder.NewError(blunder.CapacityError, "VLEArray splice needs %d bytes, %d available", us.Growth, array.alloc.Available())
		return
	}

	stats.PrepareSuccesses.Increment()

	err = nil
	return
}

// splice applies a prepared splice. Growing resizes happen first; the data
// segment only shrinks once the tail has moved down.
func (array *VLEArray) splice(us *UpdateState) (err error) {
	var (
		oldDataBytes = array.DataBytes()
		newSegBytes  = utils.RoundUp8(us.DataBytes)
	)

	if us.IndexBytes > array.alloc.ElementSize(vleIndexSegment) {
		_, err = array.alloc.ResizeBlock(vleIndexSegment, us.IndexBytes)
		if nil != err {
			return
		}
	}
	if newSegBytes > array.alloc.ElementSize(vleDataSegment) {
		_, err = array.alloc.ResizeBlock(vleDataSegment, newSegBytes)
		if nil != err {
			return
		}
	}

	data := array.alloc.Element(vleDataSegment)
	copy(data[us.byteOffset+len(us.encoded):], data[us.byteOffset+us.oldBytes:oldDataBytes])
	copy(data[us.byteOffset:], us.encoded)
	for pos := us.DataBytes; pos < len(data); pos++ {
		data[pos] = 0
	}

	err = array.writeMeta(us.NewSize, us.DataBytes)
	if nil != err {
		return
	}

	if newSegBytes < array.alloc.ElementSize(vleDataSegment) {
		_, err = array.alloc.ResizeBlock(vleDataSegment, newSegBytes)
		if nil != err {
			return
		}
	}
	if us.IndexBytes < array.alloc.ElementSize(vleIndexSegment) {
		_, err = array.alloc.ResizeBlock(vleIndexSegment, us.IndexBytes)
		if nil != err {
			return
		}
	}

	err = array.Reindex()
	return
}

// PrepareInsert verifies rows (one value each) could be inserted at idx.
func (array *VLEArray) PrepareInsert(idx int, rows [][]uint64, us *UpdateState) (err error) {
	var (
		values []uint64
		size   = array.Size()
	)

	if (idx < 0) || (idx > size) {
		err = blunder.NewError(blunder.RangeError, "VLEArray insert position %d outside [0,%d]", idx, size)
		return
	}
	values, err = rowValues(rows)
	if nil != err {
		return
	}

	err = array.prepareSplice(array.seek(idx), 0, vleEncode(values), size+len(values), us)
	return
}

// CommitInsert performs an insert prepared by PrepareInsert.
func (array *VLEArray) CommitInsert(idx int, rows [][]uint64, us *UpdateState) {
	err := array.splice(us)
	if nil != err {
		logger.PanicfWithError(err, "VLEArray.CommitInsert() failed after prepare")
	}
}

// Insert inserts rows at idx without a prepare phase.
func (array *VLEArray) Insert(idx int, rows [][]uint64) (err error) {
	var (
		us UpdateState
	)

	stats.LegacyInserts.Increment()

	err = array.PrepareInsert(idx, rows, &us)
	if nil != err {
		return
	}

	err = array.splice(&us)
	return
}

// PrepareUpdate verifies the value at row could be replaced by value.
func (array *VLEArray) PrepareUpdate(row int, value uint64, us *UpdateState) (err error) {
	var (
		size = array.Size()
	)

	if (row < 0) || (row >= size) {
		err = blunder.NewError(blunder.RangeError, "VLEArray update of %d outside [0,%d)", row, size)
		return
	}

	offset := array.seek(row)
	_, oldBytes := binary.Uvarint(array.alloc.Element(vleDataSegment)[offset:])

	err = array.prepareSplice(offset, oldBytes, vleEncode([]uint64{value}), size, us)
	return
}

// CommitUpdate performs an update prepared by PrepareUpdate.
func (array *VLEArray) CommitUpdate(us *UpdateState) {
	err := array.splice(us)
	if nil != err {
		logger.PanicfWithError(err, "VLEArray.CommitUpdate() failed after prepare")
	}
}

// Update replaces the value at row. col must be 0.
func (array *VLEArray) Update(row int, col int, value uint64) (err error) {
	var (
		us UpdateState
	)

	if 0 != col {
		err = blunder.NewError(blunder.InvalidArgError, "VLEArray has no column %d", col)
		return
	}

	err = array.PrepareUpdate(row, value, &us)
	if nil != err {
		return
	}

	array.CommitUpdate(&us)
	return
}

// Remove removes count values starting at idx.
func (array *VLEArray) Remove(idx int, count int) (err error) {
	var (
		us   UpdateState
		size = array.Size()
	)

	if (idx < 0) || (count < 0) || (idx+count > size) {
		err = blunder.NewError(blunder.RangeError, "VLEArray remove [%d,%d) outside [0,%d)", idx, idx+count, size)
		return
	}
	if 0 == count {
		err = nil
		return
	}

	start := array.seek(idx)
	end := array.seek(idx + count)

	err = array.prepareSplice(start, end-start, nil, size-count, &us)
	if nil != err {
		return
	}

	err = array.splice(&us)
	return
}

// Reindex rebuilds the chunk index. It never grows the index segment.
func (array *VLEArray) Reindex() (err error) {
	var (
		size = array.Size()
		need = vleIndexBytes(size)
		have = array.alloc.ElementSize(vleIndexSegment)
	)

	if have < need {
		err = blunder.NewError(blunder.CapacityError, "VLEArray index needs %d bytes, segment has %d", need, have)
		return
	}
	if have > need {
		_, err = array.alloc.ResizeBlock(vleIndexSegment, need)
		if nil != err {
			return
		}
	}

	stats.Reindexes.Increment()

	if need > 0 {
		array.buildIndex(size, array.alloc.Element(vleIndexSegment))
	}

	err = nil
	return
}

func (array *VLEArray) buildIndex(size int, index []byte) {
	var (
		offset int
		sum    uint64
	)

	data := array.alloc.Element(vleDataSegment)

	for pos := 0; pos < size; pos++ {
		if 0 == pos%IndexFanout {
			sum = 0
			layout.StoreUint64(index, (pos/IndexFanout)*vleIndexEntryBytes+8, uint64(offset))
		}
		v, n := binary.Uvarint(data[offset:])
		sum += v
		offset += n
		if (IndexFanout-1 == pos%IndexFanout) || (size-1 == pos) {
			layout.StoreUint64(index, (pos/IndexFanout)*vleIndexEntryBytes, sum)
		}
	}
}

// Check validates the encoding and the chunk index.
func (array *VLEArray) Check() (err error) {
	var (
		offset    int
		dataBytes = array.DataBytes()
		size      = array.Size()
	)

	defer func() {
		if nil != err {
			stats.CheckFailures.Increment()
		}
	}()

	data := array.alloc.Element(vleDataSegment)
	if len(data) != utils.RoundUp8(dataBytes) {
		err = blunder.NewError(blunder.StructuralInvariantError, "VLEArray data segment is %d bytes for %d encoded bytes", len(data), dataBytes)
		return
	}

	for pos := 0; pos < size; pos++ {
		_, n := binary.Uvarint(data[offset:dataBytes])
		if n <= 0 {
			err = blunder.NewError(blunder.StructuralInvariantError, "VLEArray value %d does not decode at byte %d", pos, offset)
			return
		}
		offset += n
	}
	if offset != dataBytes {
		err = blunder.NewError(blunder.StructuralInvariantError, "VLEArray holds %d encoded bytes, meta says %d", offset, dataBytes)
		return
	}

	need := vleIndexBytes(size)
	if array.alloc.ElementSize(vleIndexSegment) != need {
		err = blunder.NewError(blunder.StructuralInvariantError, "VLEArray index segment is %d bytes, expected %d", array.alloc.ElementSize(vleIndexSegment), need)
		return
	}

	expected := make([]byte, need)
	array.buildIndex(size, expected)
	if !bytes.Equal(expected, array.alloc.Element(vleIndexSegment)) {
		err = blunder.NewError(blunder.StructuralInvariantError, "VLEArray index is stale")
		return
	}

	err = nil
	return
}

// Serialize returns the meta record followed by the encoded values.
func (array *VLEArray) Serialize() (serialized []byte, err error) {
	var (
		dataBytes = array.DataBytes()
	)

	serialized = make([]byte, vleMetaBytes+dataBytes)

	meta := vleMetaV1Struct{
		Size:      uint64(array.Size()),
		DataBytes: uint64(dataBytes),
		Version:   vleMetaVersionV1,
	}
	err = packMeta(&meta, serialized[:vleMetaBytes])
	if nil != err {
		return
	}

	copy(serialized[vleMetaBytes:], array.alloc.Element(vleDataSegment)[:dataBytes])

	err = nil
	return
}

func deserializeVLEArray(parent *palloc.Allocator, segment int, src []byte) (array *VLEArray, consumed int, err error) {
	var (
		meta   vleMetaV1Struct
		offset int
		us     UpdateState
	)

	if len(src) < vleMetaBytes {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized VLEArray is %d bytes, header needs %d", len(src), vleMetaBytes)
		return
	}

	_, err = unpackMeta(src, &meta)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLayoutError)
		return
	}
	if (vleMetaVersionV1 != meta.Version) || (vleMetaBytes+int(meta.DataBytes) > len(src)) {
		err = blunder.NewError(blunder.CorruptLayoutError, "serialized VLEArray header is invalid")
		return
	}

	data := src[vleMetaBytes : vleMetaBytes+int(meta.DataBytes)]
	rows := make([][]uint64, meta.Size)
	for r := range rows {
		v, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			err = blunder.NewError(blunder.CorruptLayoutError, "serialized VLEArray value %d does not decode", r)
			return
		}
		rows[r] = []uint64{v}
		offset += n
	}

	array, err = newVLEArray(parent, segment)
	if nil != err {
		return
	}
	err = array.PrepareInsert(0, rows, &us)
	if nil != err {
		return
	}
	array.CommitInsert(0, rows, &us)

	consumed = vleMetaBytes + int(meta.DataBytes)
	err = nil
	return
}

// GenerateDataEvents reports the meta fields and values to handler.
func (array *VLEArray) GenerateDataEvents(handler layout.DataEventHandler) (err error) {
	handler.StartGroup("VLEArray", array.Size())
	handler.Value("Size", uint64(array.Size()))
	handler.Value("DataBytes", uint64(array.DataBytes()))
	handler.Values("Values", array.Values())
	handler.EndGroup()

	err = nil
	return
}

func (array *VLEArray) String() string {
	return fmt.Sprintf("VLEArray%v", array.Values())
}
