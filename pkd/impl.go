// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pkd

import (
	"fmt"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/pkdtree/bucketstats"
	"github.com/NVIDIA/pkdtree/utils"
)

type pkdStatsStruct struct {
	PrepareSuccesses bucketstats.Total
	PrepareFailures  bucketstats.Total
	Reindexes        bucketstats.Total
	CheckFailures    bucketstats.Total
	LegacyInserts    bucketstats.Total
}

var stats pkdStatsStruct

var (
	fseMetaBytes    int
	vleMetaBytes    int
	bitmapMetaBytes int
)

func init() {
	fseMetaBytes = examine(fseMetaV1Struct{})
	vleMetaBytes = examine(vleMetaV1Struct{})
	bitmapMetaBytes = examine(bitmapMetaV1Struct{})

	bucketstats.Register("pkd", "", &stats)
}

func examine(obj interface{}) int {
	bytesNeeded, _, err := cstruct.Examine(obj)
	if nil != err {
		panic(fmt.Sprintf("cstruct.Examine(%T) failed: %v", obj, err))
	}
	return utils.RoundUp8(int(bytesNeeded))
}

func packMeta(meta interface{}, dst []byte) (err error) {
	var (
		packed []byte
	)

	packed, err = cstruct.Pack(meta, cstruct.LittleEndian)
	if nil != err {
		return
	}
	if len(packed) > len(dst) {
		err = fmt.Errorf("packed %T needs %d bytes, segment has %d", meta, len(packed), len(dst))
		return
	}

	copy(dst, packed)

	err = nil
	return
}

func unpackMeta(src []byte, meta interface{}) (consumed int, err error) {
	var (
		bytesConsumed uint64
	)

	bytesConsumed, err = cstruct.Unpack(src, meta, cstruct.LittleEndian)
	consumed = int(bytesConsumed)

	return
}
