package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/access"
	"zkbridge/internal/decoder"
)

// executorCall 内置执行器支持的调用
type executorCall struct {
	signature string
	apply     func(ctx context.Context, args []interface{}) error
}

// executorCalls 按选择器索引的调用表，调用方身份是执行器自身
func (a *App) executorCalls() map[string]executorCall {
	calls := []executorCall{
		{"setMinimumDelay(uint256)", func(ctx context.Context, args []interface{}) error {
			delay, err := bigArg(args, 0)
			if err != nil {
				return err
			}
			if !delay.IsUint64() {
				return fmt.Errorf("延迟超出范围: %s", delay)
			}
			return a.Timelock.SetMinimumDelay(ctx, a.executor, delay.Uint64())
		}},
		{"addApprovedRelayer(address)", func(ctx context.Context, args []interface{}) error {
			relayer, err := addressArg(args, 0)
			if err != nil {
				return err
			}
			return a.Bridge.SetRelayer(ctx, a.executor, relayer, true)
		}},
		{"removeApprovedRelayer(address)", func(ctx context.Context, args []interface{}) error {
			relayer, err := addressArg(args, 0)
			if err != nil {
				return err
			}
			return a.Bridge.SetRelayer(ctx, a.executor, relayer, false)
		}},
		{"grantRole(bytes32,address)", func(ctx context.Context, args []interface{}) error {
			role, account, err := roleArgs(args)
			if err != nil {
				return err
			}
			return a.Roles.GrantRole(ctx, a.executor, role, account)
		}},
		{"revokeRole(bytes32,address)", func(ctx context.Context, args []interface{}) error {
			role, account, err := roleArgs(args)
			if err != nil {
				return err
			}
			return a.Roles.RevokeRole(ctx, a.executor, role, account)
		}},
		{"mint(address,uint256)", func(ctx context.Context, args []interface{}) error {
			to, err := addressArg(args, 0)
			if err != nil {
				return err
			}
			amount, err := amountArg(args, 1)
			if err != nil {
				return err
			}
			return a.L1Token.Mint(ctx, a.executor, to, amount)
		}},
	}

	table := make(map[string]executorCall, len(calls))
	for _, c := range calls {
		table[decoder.Selector(c.signature)] = c
	}
	return table
}

// dispatch 时间锁执行入口，与时间锁处于同一事务，失败时整笔操作回滚
func (a *App) dispatch(ctx context.Context, payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("载荷过短: %d 字节", len(payload))
	}
	selector := hexutil.Encode(payload[:4])
	call, ok := a.executorCalls()[selector]
	if !ok {
		return fmt.Errorf("执行器不支持的调用: %s", selector)
	}

	args, err := decoder.Unpack(call.signature, payload)
	if err != nil {
		return err
	}
	if err := call.apply(ctx, args); err != nil {
		return err
	}

	a.Logger.WithFields(logrus.Fields{
		"component": "executor",
		"method":    call.signature,
	}).Info("执行器调用完成")
	return nil
}

func bigArg(args []interface{}, i int) (*big.Int, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("缺少第 %d 个参数", i)
	}
	v, ok := args[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("第 %d 个参数不是整数", i)
	}
	return v, nil
}

func amountArg(args []interface{}, i int) (*uint256.Int, error) {
	v, err := bigArg(args, i)
	if err != nil {
		return nil, err
	}
	amount, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("第 %d 个参数超出 uint256", i)
	}
	return amount, nil
}

func addressArg(args []interface{}, i int) (common.Address, error) {
	if i >= len(args) {
		return common.Address{}, fmt.Errorf("缺少第 %d 个参数", i)
	}
	v, ok := args[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("第 %d 个参数不是地址", i)
	}
	return v, nil
}

// roleArgs 角色名按 bytes32 右侧补零编码，例如 "MINTER"
func roleArgs(args []interface{}) (access.Role, common.Address, error) {
	if len(args) < 2 {
		return "", common.Address{}, fmt.Errorf("缺少角色参数")
	}
	raw, ok := args[0].([32]byte)
	if !ok {
		return "", common.Address{}, fmt.Errorf("角色参数不是 bytes32")
	}
	account, err := addressArg(args, 1)
	if err != nil {
		return "", common.Address{}, err
	}
	return access.Role(strings.TrimRight(string(raw[:]), "\x00")), account, nil
}
