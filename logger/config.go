// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/pkdtree/conf"
)

type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	err = nil
	return
}

var (
	logFile   *os.File
	logOutput *multiWriter
)

func init() {
	logOutput = &multiWriter{}
	logOutput.addWriter(os.Stderr)
	log.SetOutput(logOutput)
	log.SetFormatter(&log.TextFormatter{DisableColors: true})
}

func addLogTarget(writer io.Writer) {
	logOutput.addWriter(writer)
}

// Up configures logging from the [Logging] section of confMap.
//
//   LogFilePath       - optional file to append log entries to
//   LogToConsole      - also log to stderr when LogFilePath is set (default false)
//   TraceLevelLogging - list of packages whose trace logs are emitted
//
func Up(confMap conf.ConfMap) (err error) {
	var (
		logFilePath    string
		logToConsole   bool
		newOutput      *multiWriter
		traceConfSlice []string
	)

	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")

	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
	}

	newOutput = &multiWriter{}

	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
		newOutput.addWriter(logFile)
		if logToConsole {
			newOutput.addWriter(os.Stderr)
		}
	} else {
		newOutput.addWriter(os.Stderr)
	}

	logOutput = newOutput
	log.SetOutput(logOutput)

	// We always enable max logging in logrus and decide in this package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ = confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	err = nil
	return
}

// Down closes the log file (if any) and reverts to logging to stderr.
func Down() (err error) {
	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}

	logOutput = &multiWriter{}
	logOutput.addWriter(os.Stderr)
	log.SetOutput(logOutput)

	setTraceLoggingLevel([]string{})

	return
}
