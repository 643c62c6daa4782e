// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

func isStatType(fieldAsType reflect.Type) bool {
	switch fieldAsType {
	case reflect.TypeOf(Total{}), reflect.TypeOf(Average{}), reflect.TypeOf(BucketLog2{}):
		return true
	}
	return false
}

func checkStatsStruct(statsGroupName string, statsStruct interface{}) {
	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}
}

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if pkgName == "" && statsGroupName == "" {
		panic(fmt.Sprintf("statistics group must have non-empty pkgName or statsGroupName"))
	}

	checkStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	// name every statistic that lacks a name and verify each name is only used once
	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		if _, ok := names[statNameValue.String()]; ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	// silently ignore groups that were never registered
	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]map[string]interface{}) (keys []string) {
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	var pkgs []string
	if pkgName == "*" {
		pkgs = sortedKeys(pkgNameToGroupName)
	} else {
		pkgs = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgs {
		var groups []string
		if statsGroupName == "*" {
			for group := range pkgNameToGroupName[pkg] {
				groups = append(groups, group)
			}
			sort.Strings(groups)
		} else {
			groups = []string{scrubName(statsGroupName)}
		}

		for _, group := range groups {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				panic(fmt.Sprintf(
					"bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
					pkg, group))
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}
	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string,
	statsStruct interface{}) (statValues string) {

	checkStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}
		statValues += structAsValue.Field(i).Addr().Interface().(Totaler).Sprint(stringFmt, pkgName, statsGroupName)
	}
	return
}

func statisticName(pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case pkgName == "":
		return statsGroupName + "." + fieldName
	case statsGroupName == "":
		return pkgName + "." + fieldName
	default:
		return pkgName + "." + statsGroupName + "." + fieldName
	}
}

func unknownFormat(statName string, stringFmt StatStringFormat) string {
	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d\n", statName, this.TotalGet())
	}

	return unknownFormat(statName, stringFmt)
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s avg:%d count:%d total:%d\n",
			statName, this.AverageGet(), this.CountGet(), this.TotalGet())
	}

	return unknownFormat(statName, stringFmt)
}

func (this *BucketLog2) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		var (
			dist    []BucketInfo
			lastIdx int
			line    string
		)

		dist = this.DistGet()
		for i := range dist {
			if dist[i].Count > 0 {
				lastIdx = i
			}
		}

		line = fmt.Sprintf("%s avg:%d count:%d total:%d", statName, this.AverageGet(), this.CountGet(), this.TotalGet())
		for i := 0; i <= lastIdx; i++ {
			line += fmt.Sprintf(" %d:%d", dist[i].RangeHigh, dist[i].Count)
		}
		return line + "\n"
	}

	return unknownFormat(statName, stringFmt)
}

func bucketLog2Range(idx int) (low uint64, high uint64) {
	switch idx {
	case 0:
		return 0, 0
	case 64:
		return uint64(1) << 63, ^uint64(0)
	default:
		return uint64(1) << uint(idx-1), (uint64(1) << uint(idx)) - 1
	}
}

// Replace illegal characters in names with underscore.
func scrubName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '"' || r == '*' || r == ':' || !unicode.IsPrint(r) {
			return '_'
		}
		return r
	}, name)
}
