// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(1000, CapacityError.Value())
	assert.Equal("CapacityError", CapacityError.String())
	assert.Equal("RangeError", RangeError.String())
	assert.Equal("PkdError(7)", PkdError(7).String())
}

func TestDefaultErrno(t *testing.T) {
	var (
		err error
	)

	assert := assert.New(t)

	assert.Equal(successErrno, Errno(err))
	assert.True(IsSuccess(err))
	assert.False(IsNotSuccess(err))

	err = fmt.Errorf("This is an ordinary error")

	assert.Equal(failureErrno, Errno(err))
	assert.False(IsSuccess(err))
	assert.True(IsNotSuccess(err))

	err = AddError(err, InvalidArgError)
	assert.Equal(InvalidArgError.Value(), Errno(err))
	assert.True(Is(err, InvalidArgError))
	assert.True(IsNot(err, CapacityError))
}

func TestAddValue(t *testing.T) {
	var (
		err error
	)

	assert := assert.New(t)

	err = AddError(err, StructuralInvariantError)
	assert.True(Is(err, StructuralInvariantError))

	err = AddError(err, RangeError)
	assert.True(Is(err, RangeError))
	assert.False(Is(err, StructuralInvariantError))
}

func TestNewError(t *testing.T) {
	var (
		err error
	)

	assert := assert.New(t)

	err = NewError(CapacityError, "segment %d needs %d bytes", 3, 128)
	assert.True(Is(err, CapacityError))
	assert.Equal("segment 3 needs 128 bytes", err.Error())
	assert.True(strings.HasSuffix(ErrorString(err), "Error Value: CapacityError"))

	file, line := Location(err)
	assert.True(strings.HasSuffix(file, "api_test.go"))
	assert.NotEqual(0, line)
	assert.NotEqual("", Stacktrace(err))
	assert.True(strings.Contains(Details(err), "segment 3"))
}
