// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package layout describes the persisted byte layouts shared by the packed
// tree packages.
//
// Every multi-byte integer stored inside a block is LittleEndian. Fixed
// records (such as the node header) are packed with cstruct; variable parts
// are written with the cursor style helpers below which return the position
// following the value just read or written.
//
package layout

import (
	"io"

	"github.com/NVIDIA/cstruct"
)

// ByteOrder is the byte order of every integer stored in a block.
var ByteOrder = cstruct.LittleEndian

// NodeHeaderVersionV* specifies the format of the node header found at the
// start of every block.
//
const (
	NodeHeaderVersionV1 uint16 = 1
)

// NodeMagic identifies a block holding a packed tree node.
const NodeMagic uint32 = 0x504B4454 // "PKDT"

// NodeKind* values are stored in NodeHeaderV1Struct.Kind.
//
const (
	NodeKindBranch uint8 = 1
	NodeKindLeaf   uint8 = 2
)

// NodeFlag* bits are stored in NodeHeaderV1Struct.Flags.
//
const (
	NodeFlagRoot uint8 = 0x01
)

// NodeHeaderSize is the number of bytes reserved for the node header. The
// node's root PackedAllocator starts immediately after it.
//
const NodeHeaderSize = 32

// NodeHeaderV1Struct specifies the format of the node header as of V1.
//
// The contents of the struct are serialized via cstruct.Pack() in
// cstruct.LittleEndian form.
//
type NodeHeaderV1Struct struct {
	Magic     uint32 // == NodeMagic
	Version   uint16 // == NodeHeaderVersionV1
	Kind      uint8  // One of NodeKind*
	Flags     uint8  // Bitmask of NodeFlag*
	Level     uint16 // 0 for leaves, parent level is child level + 1
	Streams   uint16 // Number of logical streams in the tree schema
	BlockSize uint32 // Size of the block the header was written to
	ID        uint64 // Block identifier assigned by the block provider
	Reserved  uint64
}

// MarshalNodeHeaderV1 writes nodeHeaderV1 to the first NodeHeaderSize bytes of buf.
//
func (nodeHeaderV1 *NodeHeaderV1Struct) MarshalNodeHeaderV1(buf []byte) (err error) {
	err = nodeHeaderV1.marshalNodeHeaderV1(buf)
	return
}

// UnmarshalNodeHeaderVersion extracts the header version from buf without
// interpreting the rest of the header.
//
func UnmarshalNodeHeaderVersion(buf []byte) (nodeHeaderVersion uint16, err error) {
	nodeHeaderVersion, err = unmarshalNodeHeaderVersion(buf)
	return
}

// UnmarshalNodeHeaderV1 decodes the node header at the start of buf.
//
func UnmarshalNodeHeaderV1(buf []byte) (nodeHeaderV1 *NodeHeaderV1Struct, err error) {
	nodeHeaderV1, err = unmarshalNodeHeaderV1(buf)
	return
}

// IsRoot reports whether NodeFlagRoot is set.
func (nodeHeaderV1 *NodeHeaderV1Struct) IsRoot() bool {
	return 0 != (nodeHeaderV1.Flags & NodeFlagRoot)
}

// GetLEUint8FromBuf and friends decode a value at buf[curPos:] and return the
// position just after it.
//
func GetLEUint8FromBuf(buf []byte, curPos int) (u8 uint8, nextPos int, err error) {
	u8, nextPos, err = leGetUint8FromBuf(buf, curPos)
	return
}

func GetLEUint16FromBuf(buf []byte, curPos int) (u16 uint16, nextPos int, err error) {
	u16, nextPos, err = leGetUint16FromBuf(buf, curPos)
	return
}

func GetLEUint32FromBuf(buf []byte, curPos int) (u32 uint32, nextPos int, err error) {
	u32, nextPos, err = leGetUint32FromBuf(buf, curPos)
	return
}

func GetLEUint64FromBuf(buf []byte, curPos int) (u64 uint64, nextPos int, err error) {
	u64, nextPos, err = leGetUint64FromBuf(buf, curPos)
	return
}

// GetLEByteSliceFromBuf decodes a uint64 length followed by that many bytes.
func GetLEByteSliceFromBuf(buf []byte, curPos int) (b []byte, nextPos int, err error) {
	b, nextPos, err = leGetByteSliceFromBuf(buf, curPos)
	return
}

// PutLEUint8ToBuf and friends encode a value at buf[curPos:] and return the
// position just after it.
//
func PutLEUint8ToBuf(buf []byte, curPos int, u8 uint8) (nextPos int, err error) {
	nextPos, err = lePutUint8ToBuf(buf, curPos, u8)
	return
}

func PutLEUint16ToBuf(buf []byte, curPos int, u16 uint16) (nextPos int, err error) {
	nextPos, err = lePutUint16ToBuf(buf, curPos, u16)
	return
}

func PutLEUint32ToBuf(buf []byte, curPos int, u32 uint32) (nextPos int, err error) {
	nextPos, err = lePutUint32ToBuf(buf, curPos, u32)
	return
}

func PutLEUint64ToBuf(buf []byte, curPos int, u64 uint64) (nextPos int, err error) {
	nextPos, err = lePutUint64ToBuf(buf, curPos, u64)
	return
}

// PutLEByteSliceToBuf encodes len(b) as a uint64 followed by b.
func PutLEByteSliceToBuf(buf []byte, curPos int, b []byte) (nextPos int, err error) {
	nextPos, err = lePutByteSliceToBuf(buf, curPos, b)
	return
}

// Load*/Store* access in-block words at a known offset. Unlike the cursor
// helpers they do not check bounds beyond what slicing does.
//
func LoadUint32(buf []byte, off int) uint32 {
	return ByteOrder.Uint32(buf[off : off+4])
}

func StoreUint32(buf []byte, off int, v uint32) {
	ByteOrder.PutUint32(buf[off:off+4], v)
}

func LoadUint64(buf []byte, off int) uint64 {
	return ByteOrder.Uint64(buf[off : off+8])
}

func StoreUint64(buf []byte, off int, v uint64) {
	ByteOrder.PutUint64(buf[off:off+8], v)
}

// DataEventHandler receives the fields of a packed structure, in layout
// order, from the GenerateDataEvents() methods of the packed tree packages.
//
type DataEventHandler interface {
	StartGroup(name string, elements int)
	Value(name string, value uint64)
	Values(name string, values []uint64)
	EndGroup()
}

// NewTextDumpHandler returns a DataEventHandler that writes an indented text
// rendering of the events to w.
//
func NewTextDumpHandler(w io.Writer) (handler DataEventHandler) {
	handler = &textDumpHandlerStruct{w: w}
	return
}
