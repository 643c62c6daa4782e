// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRounding(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(0, RoundUp8(0))
	assert.Equal(8, RoundUp8(1))
	assert.Equal(8, RoundUp8(8))
	assert.Equal(16, RoundUp8(9))

	assert.Equal(0, DivUp(0, 32))
	assert.Equal(1, DivUp(1, 32))
	assert.Equal(2, DivUp(33, 32))

	assert.Equal(512, RoundUp(1, 512))
	assert.Equal(1024, RoundUp(513, 512))

	assert.Equal(3, MinInt(3, 5))
	assert.Equal(5, MaxInt(3, 5))
}

func TestGetAFnName(t *testing.T) {
	assert := assert.New(t)

	fnWithPackage := GetAFnName(0)
	assert.Equal("utils.TestGetAFnName", fnWithPackage)

	fn, pkg, gid := GetFuncPackage(0)
	assert.NotEqual(uint64(0), gid)
	assert.Equal("utils", pkg)
	assert.Equal("TestGetAFnName", fn)

	assert.Equal("utils.TestGetAFnName", GetFnName())
}
