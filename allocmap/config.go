// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package allocmap

import (
	"fmt"

	"github.com/NVIDIA/pkdtree/bt"
	"github.com/NVIDIA/pkdtree/conf"
	"github.com/NVIDIA/pkdtree/pkd"
)

const (
	DefaultBitsPerLeaf        = 4096
	DefaultLevels             = pkd.BitmapMaxLevels
	DefaultPoolLevel0Capacity = 64
	DefaultPoolLevelCapacity  = 4
	DefaultPoolLevel0Reserve  = 32

	confSection = "AllocationMap"
)

func defaultConfig() Config {
	return Config{
		BitsPerLeaf:        DefaultBitsPerLeaf,
		Levels:             DefaultLevels,
		PoolLevel0Capacity: DefaultPoolLevel0Capacity,
		PoolLevelCapacity:  DefaultPoolLevelCapacity,
		PoolLevel0Reserve:  DefaultPoolLevel0Reserve,
		Tree:               bt.DefaultConfig(),
	}
}

func fetchInt(confMap conf.ConfMap, optionName string, defaultValue int) (value int, err error) {
	var (
		u32 uint32
	)

	if nil == confMap.VerifyOptionIsMissing(confSection, optionName) {
		value = defaultValue
		err = nil
		return
	}

	u32, err = confMap.FetchOptionValueUint32(confSection, optionName)
	if nil != err {
		return
	}

	value = int(u32)
	return
}

func configFromConfMap(confMap conf.ConfMap) (config Config, err error) {
	config = defaultConfig()

	config.Tree, err = bt.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	config.BitsPerLeaf, err = fetchInt(confMap, "BitsPerLeaf", config.BitsPerLeaf)
	if nil != err {
		return
	}
	config.Levels, err = fetchInt(confMap, "Levels", config.Levels)
	if nil != err {
		return
	}
	config.PoolLevel0Capacity, err = fetchInt(confMap, "PoolLevel0Capacity", config.PoolLevel0Capacity)
	if nil != err {
		return
	}
	config.PoolLevelCapacity, err = fetchInt(confMap, "PoolLevelCapacity", config.PoolLevelCapacity)
	if nil != err {
		return
	}
	config.PoolLevel0Reserve, err = fetchInt(confMap, "PoolLevel0Reserve", config.PoolLevel0Reserve)
	if nil != err {
		return
	}

	err = config.validate()
	return
}

func (config *Config) validate() (err error) {
	if (config.Levels < 1) || (config.Levels > pkd.BitmapMaxLevels) {
		err = fmt.Errorf("[%s]Levels (%d) must be in [1,%d]", confSection, config.Levels, pkd.BitmapMaxLevels)
		return
	}
	if (config.BitsPerLeaf < pkd.BitmapGranule) || (0 != config.BitsPerLeaf%pkd.BitmapGranule) {
		err = fmt.Errorf("[%s]BitsPerLeaf (%d) must be a positive multiple of %d", confSection, config.BitsPerLeaf, pkd.BitmapGranule)
		return
	}
	if (config.PoolLevel0Capacity < 1) || (config.PoolLevelCapacity < 1) {
		err = fmt.Errorf("[%s]PoolLevel0Capacity (%d) and PoolLevelCapacity (%d) must be at least 1", confSection, config.PoolLevel0Capacity, config.PoolLevelCapacity)
		return
	}
	if config.PoolLevel0Reserve < 0 {
		err = fmt.Errorf("[%s]PoolLevel0Reserve (%d) must not be negative", confSection, config.PoolLevel0Reserve)
		return
	}

	err = nil
	return
}
