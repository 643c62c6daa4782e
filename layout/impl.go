// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package layout

import (
	"fmt"
	"io"
	"strings"

	"github.com/NVIDIA/cstruct"
)

func (nodeHeaderV1 *NodeHeaderV1Struct) marshalNodeHeaderV1(buf []byte) (err error) {
	var (
		packed []byte
	)

	if len(buf) < NodeHeaderSize {
		err = fmt.Errorf("Insufficient space in buf for NodeHeaderV1Struct")
		return
	}

	packed, err = cstruct.Pack(nodeHeaderV1, cstruct.LittleEndian)
	if nil != err {
		return
	}
	if NodeHeaderSize != len(packed) {
		err = fmt.Errorf("NodeHeaderV1Struct packed to %d bytes... expected %d", len(packed), NodeHeaderSize)
		return
	}

	copy(buf[:NodeHeaderSize], packed)

	err = nil
	return
}

func unmarshalNodeHeaderVersion(buf []byte) (nodeHeaderVersion uint16, err error) {
	var (
		magic   uint32
		nextPos int
	)

	magic, nextPos, err = leGetUint32FromBuf(buf, 0)
	if nil != err {
		return
	}
	if NodeMagic != magic {
		err = fmt.Errorf("Magic mismatch... found %08X... expected %08X", magic, NodeMagic)
		return
	}

	nodeHeaderVersion, _, err = leGetUint16FromBuf(buf, nextPos)

	return
}

func unmarshalNodeHeaderV1(buf []byte) (nodeHeaderV1 *NodeHeaderV1Struct, err error) {
	var (
		nodeHeaderVersion uint16
	)

	nodeHeaderVersion, err = unmarshalNodeHeaderVersion(buf)
	if nil != err {
		return
	}
	if NodeHeaderVersionV1 != nodeHeaderVersion {
		err = fmt.Errorf("Version mismatch... found %04X... expected %04X", nodeHeaderVersion, NodeHeaderVersionV1)
		return
	}

	nodeHeaderV1 = &NodeHeaderV1Struct{}

	_, err = cstruct.Unpack(buf, nodeHeaderV1, cstruct.LittleEndian)
	if nil != err {
		nodeHeaderV1 = nil
		return
	}

	switch nodeHeaderV1.Kind {
	case NodeKindBranch, NodeKindLeaf:
	default:
		err = fmt.Errorf("Unknown node kind %d", nodeHeaderV1.Kind)
		nodeHeaderV1 = nil
	}

	return
}

func leGetUint8FromBuf(buf []byte, curPos int) (u8 uint8, nextPos int, err error) {
	nextPos = curPos + 1

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint8")
		return
	}

	u8 = buf[curPos]

	err = nil
	return
}

func lePutUint8ToBuf(buf []byte, curPos int, u8 uint8) (nextPos int, err error) {
	nextPos = curPos + 1

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint8")
		return
	}

	buf[curPos] = u8

	err = nil
	return
}

func leGetUint16FromBuf(buf []byte, curPos int) (u16 uint16, nextPos int, err error) {
	nextPos = curPos + 2

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint16")
		return
	}

	u16 = ByteOrder.Uint16(buf[curPos:nextPos])

	err = nil
	return
}

func lePutUint16ToBuf(buf []byte, curPos int, u16 uint16) (nextPos int, err error) {
	nextPos = curPos + 2

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint16")
		return
	}

	ByteOrder.PutUint16(buf[curPos:nextPos], u16)

	err = nil
	return
}

func leGetUint32FromBuf(buf []byte, curPos int) (u32 uint32, nextPos int, err error) {
	nextPos = curPos + 4

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint32")
		return
	}

	u32 = ByteOrder.Uint32(buf[curPos:nextPos])

	err = nil
	return
}

func lePutUint32ToBuf(buf []byte, curPos int, u32 uint32) (nextPos int, err error) {
	nextPos = curPos + 4

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint32")
		return
	}

	ByteOrder.PutUint32(buf[curPos:nextPos], u32)

	err = nil
	return
}

func leGetUint64FromBuf(buf []byte, curPos int) (u64 uint64, nextPos int, err error) {
	nextPos = curPos + 8

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint64")
		return
	}

	u64 = ByteOrder.Uint64(buf[curPos:nextPos])

	err = nil
	return
}

func lePutUint64ToBuf(buf []byte, curPos int, u64 uint64) (nextPos int, err error) {
	nextPos = curPos + 8

	if (curPos < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint64")
		return
	}

	ByteOrder.PutUint64(buf[curPos:nextPos], u64)

	err = nil
	return
}

func leGetByteSliceFromBuf(buf []byte, curPos int) (b []byte, nextPos int, err error) {
	var (
		bLen uint64
	)

	bLen, nextPos, err = leGetUint64FromBuf(buf, curPos)
	if nil != err {
		return
	}

	if bLen > (uint64(len(buf)) - uint64(nextPos)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for byte slice of reported length")
		return
	}

	b = make([]byte, bLen)
	copy(b, buf[nextPos:nextPos+int(bLen)])
	nextPos += int(bLen)

	err = nil
	return
}

func lePutByteSliceToBuf(buf []byte, curPos int, b []byte) (nextPos int, err error) {
	nextPos, err = lePutUint64ToBuf(buf, curPos, uint64(len(b)))
	if nil != err {
		return
	}

	curPos = nextPos
	nextPos += len(b)

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for byte slice")
		return
	}

	copy(buf[curPos:nextPos], b)

	err = nil
	return
}

type textDumpHandlerStruct struct {
	w     io.Writer
	depth int
}

func (handler *textDumpHandlerStruct) indent() string {
	return strings.Repeat("  ", handler.depth)
}

func (handler *textDumpHandlerStruct) StartGroup(name string, elements int) {
	fmt.Fprintf(handler.w, "%s%s[%d]:\n", handler.indent(), name, elements)
	handler.depth++
}

func (handler *textDumpHandlerStruct) Value(name string, value uint64) {
	fmt.Fprintf(handler.w, "%s%s: %d\n", handler.indent(), name, value)
}

func (handler *textDumpHandlerStruct) Values(name string, values []uint64) {
	fmt.Fprintf(handler.w, "%s%s: %v\n", handler.indent(), name, values)
}

func (handler *textDumpHandlerStruct) EndGroup() {
	if handler.depth > 0 {
		handler.depth--
	}
}
