// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// a structure containing all of the bucketstats statistics types and other
// fields; useful for testing
type allStatTypes struct {
	MyName   string // not a statistic
	bar      int    // also not a statistic
	Total1   Total
	Average1 Average
	Bucket1  BucketLog2
}

func TestBucketStatsInterfaces(t *testing.T) {
	var (
		totalIface   Totaler
		averageIface Averager
		bucketIface  Bucketer
	)

	totalIface = &Total{}
	averageIface = &Average{}
	bucketIface = &BucketLog2{}

	averageIface = bucketIface
	totalIface = averageIface
	_ = totalIface
}

func TestRegister(t *testing.T) {
	assert := assert.New(t)

	myStats := allStatTypes{
		Total1:   Total{Name: "mytotaler"},
		Average1: Average{Name: "First_Average"},
	}
	Register("main", "myStats", &myStats)

	UnRegister("main", "myStats")
	Register("main", "myStats", &myStats)

	UnRegister("main", "neverStats")

	assert.Panics(func() { Register("main", "myStats", &myStats) })
	UnRegister("main", "myStats")

	assert.Panics(func() { Register("", "", &myStats) })

	emptyStats := struct {
		someInt int
	}{}
	assert.NotPanics(func() { Register("main", "emptyStats", &emptyStats) })
	UnRegister("main", "emptyStats")

	myStats2 := allStatTypes{}
	Register("main", "myStats2", &myStats2)
	assert.Equal("Total1", myStats2.Total1.Name)
	assert.Equal("Average1", myStats2.Average1.Name)
	assert.Equal("Bucket1", myStats2.Bucket1.Name)
	assert.Equal("mytotaler", myStats.Total1.Name)
	UnRegister("main", "myStats2")

	myStats3 := allStatTypes{
		Total1:  Total{Name: "Average1"},
		Bucket1: BucketLog2{},
	}
	assert.Panics(func() { Register("main", "myStats3", &myStats3) })

	myStats4 := allStatTypes{
		Total1: Total{Name: "my bogus totaler:name"},
	}
	Register("m*a:i n", "group", &myStats4)
	assert.Equal("my_bogus_totaler_name", myStats4.Total1.Name)
	UnRegister("m*a:i n", "group")
}

func TestStats(t *testing.T) {
	assert := assert.New(t)

	myStats := allStatTypes{}
	Register("pkd", "testStats", &myStats)
	defer UnRegister("pkd", "testStats")

	myStats.Total1.Add(5)
	myStats.Total1.Increment()
	assert.Equal(uint64(6), myStats.Total1.TotalGet())

	myStats.Average1.Add(10)
	myStats.Average1.Add(20)
	assert.Equal(uint64(2), myStats.Average1.CountGet())
	assert.Equal(uint64(15), myStats.Average1.AverageGet())

	for _, v := range []uint64{0, 1, 2, 3, 4, 4096} {
		myStats.Bucket1.Add(v)
	}
	dist := myStats.Bucket1.DistGet()
	assert.Equal(uint64(1), dist[0].Count)
	assert.Equal(uint64(1), dist[1].Count)
	assert.Equal(uint64(2), dist[2].Count)
	assert.Equal(uint64(1), dist[3].Count)
	assert.Equal(uint64(1), dist[13].Count)
	assert.Equal(uint64(4096), dist[13].RangeLow)
	assert.Equal(uint64(8191), dist[13].RangeHigh)
	assert.Equal(uint64(6), myStats.Bucket1.CountGet())

	out := SprintStats(StatFormatParsable1, "pkd", "testStats")
	assert.True(strings.Contains(out, "pkd.testStats.Total1 total:6\n"))
	assert.True(strings.Contains(out, "pkd.testStats.Average1 avg:15 count:2 total:30\n"))
	assert.True(strings.Contains(out, "pkd.testStats.Bucket1 avg:"))

	all := SprintStats(StatFormatParsable1, "*", "*")
	assert.True(strings.Contains(all, "pkd.testStats.Total1"))

	assert.Panics(func() { SprintStats(StatFormatParsable1, "pkd", "noSuchGroup") })
}
