// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for the packed tree packages.
package utils

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
)

// Alignment is the byte alignment of every packed segment.
const Alignment = 8

// RoundUp8 rounds size up to the next multiple of Alignment.
func RoundUp8(size int) int {
	return (size + (Alignment - 1)) &^ (Alignment - 1)
}

// RoundUp rounds value up to the next multiple of unit (unit must be > 0).
func RoundUp(value int, unit int) int {
	return DivUp(value, unit) * unit
}

// DivUp returns value/divisor rounded towards +infinity for non-negative values.
func DivUp(value int, divisor int) int {
	return (value + divisor - 1) / divisor
}

// MinInt returns the smaller of a and b.
func MinInt(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

// MaxInt returns the larger of a and b.
func MaxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}

// GetGID returns the goroutine id of the caller.
//
// Only used to tag log entries.
//
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

var (
	extractFnNameWithPkgRE = regexp.MustCompile(`[^\/]*$`)
	extractPkgNameRE       = regexp.MustCompile(`^[^.]*`)
	extractFnNameRE        = regexp.MustCompile(`[^.]*$`)
)

// GetAFnName returns a string containing calling function and package
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown.unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return "unknown.unknown"
	}
	return extractFnNameWithPkgRE.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing calling function and package
// along with the goroutine id
//
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = extractPkgNameRE.FindString(funcPkg)
	fn = extractFnNameRE.FindString(funcPkg)
	gid = GetGID()

	return
}

// GetFnName returns a string containing the name of the running function and its package.
func GetFnName() string {
	return GetAFnName(1)
}

// GetCallerFnName returns a string containing the name of the calling function.
func GetCallerFnName() string {
	return GetAFnName(2)
}
