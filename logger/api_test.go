// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/pkdtree/conf"
)

func testNestedFunc() {
	myint := 3
	ctx := TraceEnter("the prefix", 1, myint)
	defer ctx.TraceExit("the prefix", myint)
}

func TestAPI(t *testing.T) {
	var (
		target LogTarget
	)

	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.TraceLevelLogging=logger",
	})
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = Up(confMap)
	if nil != err {
		t.Fatalf("logger.Up() failed: %v", err)
	}

	target.Init(10)
	AddLogTarget(target)

	Infof("hello there!")
	assert.Equal(1, target.LogBuf.TotalEntries)
	assert.True(strings.Contains(target.LogBuf.LogEntries[0], "hello there!"))
	assert.True(strings.Contains(target.LogBuf.LogEntries[0], "function=TestAPI"))

	Warnf("%v: %v", "IAmTheCaller", "this is the error")
	err = fmt.Errorf("this is the error")
	ErrorfWithError(err, "we had an error!")
	assert.Equal(3, target.LogBuf.TotalEntries)
	assert.True(strings.Contains(target.LogBuf.LogEntries[0], "error=\"this is the error\""))

	// "logger" is not a listed package, so trace is not enabled for it
	Tracef("hello again, %s!", "you")
	testNestedFunc()
	assert.Equal(3, target.LogBuf.TotalEntries)

	assert.Panics(func() { PanicfWithError(err, "can't happen") })

	err = Down()
	if nil != err {
		t.Fatalf("logger.Down() failed: %v", err)
	}
}

func TestTraceSettings(t *testing.T) {
	assert := assert.New(t)

	setTraceLoggingLevel([]string{"bt", "shuttle", "bogus"})
	assert.True(traceLevelEnabled)
	assert.True(traceEnabled("bt"))
	assert.True(traceEnabled("shuttle"))
	assert.False(traceEnabled("pkd"))
	assert.False(traceEnabled("bogus"))

	setTraceLoggingLevel([]string{"none"})
	assert.False(traceLevelEnabled)
	assert.False(traceEnabled("bt"))
}
