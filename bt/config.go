// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bt

import (
	"fmt"

	"github.com/NVIDIA/pkdtree/conf"
	"github.com/NVIDIA/pkdtree/layout"
	"github.com/NVIDIA/pkdtree/node"
)

const (
	DefaultBlockSize             = 4096
	DefaultMaxBlockSize          = 65536
	DefaultMergeThresholdPercent = 25

	// MinBlockSize leaves room for a node header and a few segments.
	MinBlockSize = 256

	confSection = "PackedTree"
)

func defaultConfig() Config {
	return Config{
		BlockSize:             DefaultBlockSize,
		MaxBlockSize:          DefaultMaxBlockSize,
		MaxTrackedNodes:       node.DefaultMaxTrackedNodes,
		MergeThresholdPercent: DefaultMergeThresholdPercent,
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

	config.BlockSize, err = fetchInt(confMap, "BlockSize", config.BlockSize)
	if nil != err {
		return
	}
	config.MaxBlockSize, err = fetchInt(confMap, "MaxBlockSize", config.MaxBlockSize)
	if nil != err {
		return
	}
	config.MaxTrackedNodes, err = fetchInt(confMap, "MaxTrackedNodes", config.MaxTrackedNodes)
	if nil != err {
		return
	}
	config.MergeThresholdPercent, err = fetchInt(confMap, "MergeThresholdPercent", config.MergeThresholdPercent)
	if nil != err {
		return
	}

	err = config.validate()
	return
}

func (config *Config) validate() (err error) {
	if (config.BlockSize < MinBlockSize) || (config.BlockSize < layout.NodeHeaderSize) {
		err = fmt.Errorf("[%s]BlockSize (%d) must be at least %d", confSection, config.BlockSize, MinBlockSize)
		return
	}
	if config.MaxBlockSize < config.BlockSize {
		err = fmt.Errorf("[%s]MaxBlockSize (%d) must be at least BlockSize (%d)", confSection, config.MaxBlockSize, config.BlockSize)
		return
	}
	if config.MaxTrackedNodes < 1 {
		err = fmt.Errorf("[%s]MaxTrackedNodes (%d) must be at least 1", confSection, config.MaxTrackedNodes)
		return
	}
	if config.MergeThresholdPercent >= 100 {
		err = fmt.Errorf("[%s]MergeThresholdPercent (%d) must be below 100", confSection, config.MergeThresholdPercent)
		return
	}

	err = nil
	return
}
