// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/logger"
	"github.com/NVIDIA/pkdtree/palloc"
)

const (
	mapKeysSegment   = 0
	mapValuesSegment = 1
	mapSegments      = 2
)

var mapKeyKinds = []IndexKind{IndexMax}

// Map is a packed sorted map of uint64 keys to uint64 values. Keys are held
// in an FSEArray whose single column is max indexed; values are held in a
// VLEArray at matching positions.
//
// As a Stream a Map has two columns: the keys (IndexMax) and the values
// (IndexSum).
//
type Map struct {
	alloc  *palloc.Allocator
	keys   *FSEArray
	values *VLEArray
}

// MapUpdateState carries what PrepareSet() computed to CommitSet().
type MapUpdateState struct {
	exists bool
	idx    int
	keys   UpdateState
	values UpdateState
}

func mapBytes(keys []uint64, values []uint64) int {
	return palloc.HeaderSize(mapSegments) + fseArrayBytes(mapKeyKinds, len(keys)) + vleArrayBytes(values)
}

func newMap(parent *palloc.Allocator, segment int) (m *Map, err error) {
	var (
		alloc *palloc.Allocator
	)

	if !parent.TryAllocation(segment, mapBytes(nil, nil)) {
		err = blunder.NewError(blunder.CapacityError, "no room for an empty Map in segment %d", segment)
		return
	}

	alloc, err = parent.AllocateAllocator(segment, mapSegments, 0)
	if nil != err {
		return
	}

	m = &Map{alloc: alloc}

	m.keys, err = newFSEArray(alloc, mapKeysSegment, mapKeyKinds)
	if nil != err {
		return
	}
	m.values, err = newVLEArray(alloc, mapValuesSegment)
	if nil != err {
		return
	}

	err = nil
	return
}

func bindMap(parent *palloc.Allocator, segment int) (m *Map, err error) {
	var (
		alloc *palloc.Allocator
	)

	alloc, err = parent.Nested(segment)
	if nil != err {
		return
	}
	if mapSegments != alloc.Segments() {
		err = blunder.NewError(blunder.CorruptLayoutError, "segment %d does not hold a Map", segment)
		return
	}

	m = &Map{alloc: alloc}

	m.keys, err = bindFSEArray(alloc, mapKeysSegment)
	if nil != err {
		return
	}
	m.values, err = bindVLEArray(alloc, mapValuesSegment)
	if nil != err {
		return
	}

	err = nil
	return
}

// Allocator returns the nested allocator holding the map.
func (m *Map) Allocator() *palloc.Allocator {
	return m.alloc
}

func (m *Map) Size() int {
	return m.keys.Size()
}

func (m *Map) Columns() int {
	return 2
}

func (m *Map) IndexKind(col int) IndexKind {
	if 0 == col {
		return IndexMax
	}
	return IndexSum
}

func (m *Map) Totals() []uint64 {
	return []uint64{m.keys.Totals()[0], m.values.Totals()[0]}
}

// lowerBound returns the position of the first key >= key.
func (m *Map) lowerBound(key uint64) (idx int) {
	idx, _ = m.keys.FindForward(0, 0, key, GE)
	return
}

// Find returns the value stored under key.
func (m *Map) Find(key uint64) (value uint64, ok bool) {
	idx := m.lowerBound(key)
	if (idx < m.Size()) && (key == m.keys.Access(idx, 0)) {
		value = m.values.Access(idx, 0)
		ok = true
	}
	return
}

// Entry returns the key and value at position idx.
func (m *Map) Entry(idx int) (key uint64, value uint64) {
	key = m.keys.Access(idx, 0)
	value = m.values.Access(idx, 0)
	return
}

// PrepareSet verifies key could be set to value without modifying the map.
func (m *Map) PrepareSet(key uint64, value uint64, ms *MapUpdateState) (err error) {
	ms.idx = m.lowerBound(key)
	ms.exists = (ms.idx < m.Size()) && (key == m.keys.Access(ms.idx, 0))

	if ms.exists {
		err = m.values.PrepareUpdate(ms.idx, value, &ms.values)
		return
	}

	err = m.keys.PrepareInsert(ms.idx, [][]uint64{{key}}, &ms.keys)
	if nil != err {
		return
	}
	err = m.values.PrepareInsert(ms.idx, [][]uint64{{value}}, &ms.values)
	if nil != err {
		return
	}

	if ms.keys.ParentGrowth+ms.values.ParentGrowth > m.alloc.Available() {
		stats.PrepareFailures.Increment()
		err = blunder.NewError(blunder.CapacityError, "Map insert needs %d bytes, %d available", ms.keys.ParentGrowth+ms.values.ParentGrowth, m.alloc.Available())
		return
	}

	err = nil
	return
}

// CommitSet performs a set prepared by PrepareSet.
func (m *Map) CommitSet(key uint64, value uint64, ms *MapUpdateState) {
	if ms.exists {
		m.values.CommitUpdate(&ms.values)
		return
	}

	m.keys.CommitInsert(ms.idx, [][]uint64{{key}}, &ms.keys)
	m.values.CommitInsert(ms.idx, [][]uint64{{value}}, &ms.values)
}

// Set stores value under key.
func (m *Map) Set(key uint64, value uint64) (err error) {
	var (
		ms MapUpdateState
	)

	err = m.PrepareSet(key, value, &ms)
	if nil != err {
		return
	}

	m.CommitSet(key, value, &ms)
	return
}

// Remove deletes key. Removing an absent key is a no-op returning false.
func (m *Map) Remove(key uint64) (removed bool, err error) {
	idx := m.lowerBound(key)
	if (idx >= m.Size()) || (key != m.keys.Access(idx, 0)) {
		return
	}

	err = m.keys.Remove(idx, 1)
	if nil != err {
		logger.PanicfWithError(err, "Map.Remove() of key %d failed in keys", key)
	}
	err = m.values.Remove(idx, 1)
	if nil != err {
		logger.PanicfWithError(err, "Map.Remove() of key %d failed in values", key)
	}

	removed = true
	return
}

// ForEach calls fn for every entry in key order until fn returns false.
func (m *Map) ForEach(fn func(key uint64, value uint64) bool) {
	values := m.values.Values()
	for idx, value := range values {
		if !fn(m.keys.Access(idx, 0), value) {
			return
		}
	}
}

func (m *Map) Reindex() (err error) {
	err = m.keys.Reindex()
	if nil != err {
		return
	}
	err = m.values.Reindex()
	return
}

// Check validates both arrays, that they hold the same number of entries and
// that the keys are strictly increasing.
func (m *Map) Check() (err error) {
	err = m.keys.Check()
	if nil != err {
		return
	}
	err = m.values.Check()
	if nil != err {
		return
	}

	if m.keys.Size() != m.values.Size() {
		stats.CheckFailures.Increment()
		err = blunder.NewError(blunder.StructuralInvariantError, "keys size != values size (%d != %d)", m.keys.Size(), m.values.Size())
		return
	}

	for idx := 1; idx < m.keys.Size(); idx++ {
		if m.keys.Access(idx-1, 0) >= m.keys.Access(idx, 0) {
			stats.CheckFailures.Increment()
			err = blunder.NewError(blunder.StructuralInvariantError, "Map keys not increasing at %d", idx)
			return
		}
	}

	err = nil
	return
}

// Serialize returns the serialized keys followed by the serialized values.
func (m *Map) Serialize() (serialized []byte, err error) {
	var (
		keys   []byte
		values []byte
	)

	keys, err = m.keys.Serialize()
	if nil != err {
		return
	}
	values, err = m.values.Serialize()
	if nil != err {
		return
	}

	serialized = append(keys, values...)
	return
}

// DeserializeMap recreates in segment of parent the Map serialized in src.
func DeserializeMap(parent *palloc.Allocator, segment int, src []byte) (m *Map, consumed int, err error) {
	var (
		alloc          *palloc.Allocator
		keysConsumed   int
		valuesConsumed int
	)

	alloc, err = parent.AllocateAllocator(segment, mapSegments, 0)
	if nil != err {
		return
	}

	m = &Map{alloc: alloc}

	m.keys, keysConsumed, err = deserializeFSEArray(alloc, mapKeysSegment, src)
	if nil != err {
		return
	}
	m.values, valuesConsumed, err = deserializeVLEArray(alloc, mapValuesSegment, src[keysConsumed:])
	if nil != err {
		return
	}

	consumed = keysConsumed + valuesConsumed
	err = m.Check()
	return
}

func (m *Map) GenerateDataEvents(handler layout.DataEventHandler) (err error) {
	handler.StartGroup("Map", m.Size())
	err = m.keys.GenerateDataEvents(handler)
	if nil != err {
		return
	}
	err = m.values.GenerateDataEvents(handler)
	if nil != err {
		return
	}
	handler.EndGroup()
	return
}
