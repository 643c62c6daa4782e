// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package layout

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeHeader(t *testing.T) {
	var (
		err error

		testNodeHeaderV1 = &NodeHeaderV1Struct{
			Magic:     NodeMagic,
			Version:   NodeHeaderVersionV1,
			Kind:      NodeKindBranch,
			Flags:     NodeFlagRoot,
			Level:     2,
			Streams:   3,
			BlockSize: 4096,
			ID:        0x0102030405060708,
		}

		unmarshaledNodeHeaderVersion uint16
		unmarshaledNodeHeaderV1      *NodeHeaderV1Struct
	)

	assert := assert.New(t)

	buf := make([]byte, 64)

	err = testNodeHeaderV1.MarshalNodeHeaderV1(buf)
	if nil != err {
		t.Fatalf("MarshalNodeHeaderV1() failed: %v", err)
	}

	unmarshaledNodeHeaderVersion, err = UnmarshalNodeHeaderVersion(buf)
	if nil != err {
		t.Fatalf("UnmarshalNodeHeaderVersion() failed: %v", err)
	}
	assert.Equal(NodeHeaderVersionV1, unmarshaledNodeHeaderVersion)

	unmarshaledNodeHeaderV1, err = UnmarshalNodeHeaderV1(buf)
	if nil != err {
		t.Fatalf("UnmarshalNodeHeaderV1() failed: %v", err)
	}
	assert.Equal(*testNodeHeaderV1, *unmarshaledNodeHeaderV1)
	assert.True(unmarshaledNodeHeaderV1.IsRoot())

	assert.Equal(uint64(0x0102030405060708), LoadUint64(buf, 16))

	err = testNodeHeaderV1.MarshalNodeHeaderV1(buf[:NodeHeaderSize-1])
	assert.NotNil(err)

	buf[0] = 0
	_, err = UnmarshalNodeHeaderV1(buf)
	assert.NotNil(err)
}

func TestCursorHelpers(t *testing.T) {
	var (
		curPos int
		err    error
		u8     uint8
		u16    uint16
		u32    uint32
		u64    uint64
		b      []byte
	)

	assert := assert.New(t)

	buf := make([]byte, 1+2+4+8+8+3)

	curPos, err = PutLEUint8ToBuf(buf, 0, 0x11)
	assert.Nil(err)
	curPos, err = PutLEUint16ToBuf(buf, curPos, 0x2233)
	assert.Nil(err)
	curPos, err = PutLEUint32ToBuf(buf, curPos, 0x44556677)
	assert.Nil(err)
	curPos, err = PutLEUint64ToBuf(buf, curPos, 0x8899AABBCCDDEEFF)
	assert.Nil(err)
	curPos, err = PutLEByteSliceToBuf(buf, curPos, []byte{1, 2, 3})
	assert.Nil(err)
	assert.Equal(len(buf), curPos)

	assert.Equal([]byte{0x11, 0x33, 0x22, 0x77, 0x66, 0x55, 0x44}, buf[:7])

	_, err = PutLEUint64ToBuf(buf, curPos, 0)
	assert.NotNil(err)

	u8, curPos, err = GetLEUint8FromBuf(buf, 0)
	assert.Nil(err)
	assert.Equal(uint8(0x11), u8)
	u16, curPos, err = GetLEUint16FromBuf(buf, curPos)
	assert.Nil(err)
	assert.Equal(uint16(0x2233), u16)
	u32, curPos, err = GetLEUint32FromBuf(buf, curPos)
	assert.Nil(err)
	assert.Equal(uint32(0x44556677), u32)
	u64, curPos, err = GetLEUint64FromBuf(buf, curPos)
	assert.Nil(err)
	assert.Equal(uint64(0x8899AABBCCDDEEFF), u64)
	b, curPos, err = GetLEByteSliceFromBuf(buf, curPos)
	assert.Nil(err)
	assert.Equal([]byte{1, 2, 3}, b)
	assert.Equal(len(buf), curPos)

	_, _, err = GetLEUint32FromBuf(buf, curPos-2)
	assert.NotNil(err)
}

func TestTextDumpHandler(t *testing.T) {
	var (
		out bytes.Buffer
	)

	handler := NewTextDumpHandler(&out)
	handler.StartGroup("FSEArray", 2)
	handler.Value("Size", 2)
	handler.Values("Row[0]", []uint64{1, 2})
	handler.EndGroup()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	assert.Equal(t, []string{"FSEArray[2]:", "  Size: 2", "  Row[0]: [1 2]"}, lines)
}
