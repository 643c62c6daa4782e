// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides the section/option configuration map used to size
// blocks, pools and logging of the packed tree packages.
//
// A ConfMap is accessed via confMap[section_name][option_name][option_value_index]
// or via the methods below.
//
package conf

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			err = fmt.Errorf("Error building confMap from conf strings: %v", err)
			return
		}
	}

	err = nil
	return
}

const assignment = "([ \t]*[=:][ \t]*)"
const dot = "(\\.)"
const separator = "([ \t]+|([ \t]*,[ \t]*))"
const token = "(([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)\\$?)"

// A string to load looks like:
//
//   <section_name_0>.<option_name_0> =
//   <section_name_1>.<option_name_1> : <value_1>
//   <section_name_2>.<option_name_2> = <value_2>, <value_3>

var stringRE = regexp.MustCompile("\\A" + token + dot + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var sectionNameOptionNameSeparatorRE = regexp.MustCompile(dot)

// A .conf file to load looks like:
//
//   [<section_name_1>]
//   <option_name_0> :
//   <option_name_1> = <value_1>    # comment
//   <option_name_2> : <value_2> <value_3>   ; comment

var sectionHeaderLineRE = regexp.MustCompile("\\A\\[" + token + "\\]\\z")
var optionLineRE = regexp.MustCompile("\\A" + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var optionNameOptionValuesSeparatorRE = regexp.MustCompile(assignment)
var optionValueSeparatorRE = regexp.MustCompile(separator)

func (confMap ConfMap) setOption(sectionName string, optionName string, optionValues string) {
	optionValuesSplit := optionValueSeparatorRE.Split(optionValues, -1)
	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		optionValuesSplit = []string{}
	}

	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValuesSplit
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	confStringTrimmed := strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !stringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionNameOptionPayload := sectionNameOptionNameSeparatorRE.Split(confStringTrimmed, 2)
	optionNameOptionValues := optionNameOptionValuesSeparatorRE.Split(sectionNameOptionPayload[1], 2)

	confMap.setOption(sectionNameOptionPayload[0], optionNameOptionValues[0], optionNameOptionValues[1])

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		currentLine        string
		currentLineNumber  int
		currentSectionName string
		file               *os.File
		scanner            *bufio.Scanner
	)

	file, err = os.Open(confFilePath)
	if nil != err {
		return
	}
	defer file.Close()

	scanner = bufio.NewScanner(file)

	for scanner.Scan() {
		currentLineNumber++

		currentLine = strings.SplitN(scanner.Text(), ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t")

		if 0 == len(currentLine) {
			continue
		}

		if sectionHeaderLineRE.MatchString(currentLine) {
			currentSectionName = strings.Trim(currentLine, "[]")
			continue
		}

		if "" == currentSectionName {
			err = fmt.Errorf("file %v line %v: option outside of a Section", confFilePath, currentLineNumber)
			return
		}

		if !optionLineRE.MatchString(currentLine) {
			err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, currentLineNumber, currentLine)
			return
		}

		optionNameOptionValues := optionNameOptionValuesSeparatorRE.Split(currentLine, 2)

		confMap.setOption(currentSectionName, optionNameOptionValues[0], optionNameOptionValues[1])
	}

	err = scanner.Err()

	return
}

// VerifyOptionIsMissing returns an error if [sectionName]optionName exists
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = nil
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%v]%v exists", sectionName, optionName)
	} else {
		err = nil
	}

	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	err = nil
	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValue = ""

	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	err = nil
	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("Couldn't interpret %q as boolean (expected one of 'true'/'false'/'yes'/'no'/'on'/'off')", optionValueString)
		return
	}

	err = nil
	return
}

func (confMap ConfMap) fetchOptionValueUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, err)
		return
	}

	err = nil
	return
}

// FetchOptionValueUint16 returns [sectionName]optionName's single string value converted to a uint16
func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	optionValueUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 16)
	optionValue = uint16(optionValueUint64)
	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 32)
	optionValue = uint32(optionValueUint64)
	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue, err = confMap.fetchOptionValueUint(sectionName, optionName, 64)
	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		return
	}

	if 0 > optionValue {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
		return
	}

	err = nil
	return
}

// Dump returns the ConfMap as sorted "Section.Option=value" lines
func (confMap ConfMap) Dump() (confStrings []string) {
	confStrings = make([]string, 0)

	for sectionName, section := range confMap {
		for optionName, option := range section {
			confStrings = append(confStrings, sectionName+"."+optionName+"="+strings.Join(option, ","))
		}
	}

	sort.Strings(confStrings)

	return
}
