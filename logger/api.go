// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine to all logs.
//
// Logging of trace logs is enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/pkdtree/utils"
)

type Level int

// Our logging levels - mapped onto logrus levels before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then call `os.Exit(1)`
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel
	// TraceLevel traces the success path of a package; enabled per package and logged at logrus.InfoLevel
	TraceLevel
)

var traceLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"allocmap": false,
	"bt":       false,
	"memstore": false,
	"node":     false,
	"palloc":   false,
	"pkd":      false,
	"shuttle":  false,
}

var packageTraceSettingsLock sync.RWMutex

func setTraceLoggingLevel(confStrSlice []string) {
	packageTraceSettingsLock.Lock()

	traceLevelEnabled = false

	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	packageTraceSettingsLock.Unlock()

	if traceLevelEnabled {
		for _, pkg := range confStrSlice {
			if traceEnabled(pkg) {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

func traceEnabled(pkg string) (isEnabled bool) {
	packageTraceSettingsLock.RLock()
	isEnabled = packageTraceSettings[pkg]
	packageTraceSettingsLock.RUnlock()
	return
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

// FuncCtx caches the log fields of one function so that package and function
// are only extracted once per function.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

func newLogEntry(level int) *log.Entry {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	return log.WithFields(fields)
}

func newFuncCtx(level int) (ctx *FuncCtx) {
	ctx = &FuncCtx{funcContext: newLogEntry(level + 1)}
	return
}

func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	ctx = &FuncCtx{funcContext: newLogEntry(level + 1).WithField(key, value)}
	return
}

var backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	return true
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Errorf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(FatalLevel, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(InfoLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(WarnLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(TraceLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func FatalfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(FatalLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(WarnLevel, fmt.Sprintf(format, args...))
}

// PanicfWithError logs and then panics. Used where a failure would mean the
// calling code itself is broken (e.g. a commit after a successful prepare).
func PanicfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(PanicLevel, fmt.Sprintf(format, args...))
}

func TracefWithError(err error, format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(TraceLevel, fmt.Sprintf(format, args...))
}

// TraceEnter generates a function entry trace and returns the FuncCtx to be
// used (typically deferred) by TraceExit.
//
func TraceEnter(argsPrefix string, args ...interface{}) (ctx FuncCtx) {
	if !logEnabled(TraceLevel) {
		return
	}

	ctx.funcContext = newLogEntry(backtraceOneLevel)
	ctx.traceInternal(">> called", argsPrefix, args...)

	return
}

// TraceExit generates a function exit trace using the package and function set in FuncCtx.
//
func (ctx *FuncCtx) TraceExit(argsPrefix string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}

	if nil == ctx.funcContext {
		ctx.funcContext = newLogEntry(2)
	}

	ctx.traceInternal("<< returning", argsPrefix, args...)
}

// TraceExitErr is TraceExit with an error field attached.
//
func (ctx *FuncCtx) TraceExitErr(argsPrefix string, err error, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}

	if nil == ctx.funcContext {
		ctx.funcContext = newLogEntry(2)
	}

	newCtx := FuncCtx{funcContext: ctx.funcContext.WithField(errorKey, err)}
	newCtx.traceInternal("<< returning", argsPrefix, args...)
}

func (ctx *FuncCtx) traceInternal(formatPrefix string, argsPrefix string, args ...interface{}) {
	format := formatPrefix + " %s" + strings.Repeat(" %+v", len(args))
	newArgs := append([]interface{}{argsPrefix}, args...)

	ctx.log(TraceLevel, fmt.Sprintf(format, newArgs...))
}

// log is the common low-level logging function used internal to this package.
//
// Not declared with a pointer receiver, following logrus.entry.go.
//
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if (level == TraceLevel) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	}
}

// AddLogTarget adds another target for log messages to be written to.
//
// writer is called once for each log message.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer captures the most recent log entries. Useful for writing test cases.
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

// LogTarget is an io.Writer that fills a LogBuffer.
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init a LogTarget to hold up to nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry.
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++

	if 0 < len(target.LogBuf.LogEntries) {
		copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
		target.LogBuf.LogEntries[0] = strings.TrimRight(string(p), " \t\n")
	}

	n = len(p)
	err = nil
	return
}
