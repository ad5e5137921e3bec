package config

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type entryRule func(value string) error

func uintEntry(value string) error {
	_, err := strconv.ParseUint(value, 10, 64)
	return err
}

func addressEntry(value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("不是有效的地址: %s", value)
	}
	return nil
}

func amountEntry(value string) error {
	_, err := uint256.FromDecimal(value)
	return err
}

// 数据库配置项的取值规则，system 类型不做限制
var entryRules = map[string]map[string]entryRule{
	"bridge": {
		"local_chain_id":       uintEntry,
		"destination_chain_id": uintEntry,
		"escrow_address":       addressEntry,
		"admin":                addressEntry,
	},
	"timelock": {
		"minimum_delay":    uintEntry,
		"executor_address": addressEntry,
	},
	"dao": {
		"poll_threshold": amountEntry,
	},
	"system": nil,
}

// ValidateEntry 检查一条数据库配置项能否在下次启动时被加载
func ValidateEntry(configType, key, value string) error {
	rules, ok := entryRules[configType]
	if !ok {
		return fmt.Errorf("不支持的配置类型: %s", configType)
	}
	if rules == nil {
		return nil
	}
	rule, ok := rules[key]
	if !ok {
		return fmt.Errorf("未知的%s配置项: %s", configType, key)
	}
	if err := rule(value); err != nil {
		return fmt.Errorf("配置项 %s.%s 取值无效: %w", configType, key, err)
	}
	return nil
}
