package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"zkbridge/internal/app"
	"zkbridge/internal/decoder"
	"zkbridge/internal/validation"
)

var (
	queueExecutor string
	queueDelay    uint64
	queueCall     string
	queueArgs     []string
	queuePayload  string
	pendingLimit  int
)

func newTimelockCmd() *cobra.Command {
	timelockCmd := &cobra.Command{
		Use:   "timelock",
		Short: "时间锁操作",
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "提交延迟操作",
		Long: `提交延迟操作，载荷可以用 --call 和 --arg 编码，也可以用 --payload 直接给出十六进制数据。
未指定 --executor 时使用内置执行器，例如:
  zkbridge timelock queue --from 0x.. --delay 3600 --call "setMinimumDelay(uint256)" --arg 7200`,
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			sender, err := caller()
			if err != nil {
				return err
			}
			executor := a.Executor()
			if queueExecutor != "" {
				if executor, err = validation.ParseAddress(queueExecutor); err != nil {
					return err
				}
			}
			payload, err := buildPayload()
			if err != nil {
				return err
			}

			id, err := a.Timelock.Queue(ctx, sender, executor, queueDelay, payload)
			if err != nil {
				return err
			}
			fmt.Printf("操作ID: %s\n", id.Hex())
			return nil
		}),
	}
	queueCmd.Flags().StringVar(&queueExecutor, "executor", "", "执行器地址，默认内置执行器")
	queueCmd.Flags().Uint64Var(&queueDelay, "delay", 0, "延迟秒数")
	queueCmd.Flags().StringVar(&queueCall, "call", "", "函数签名，例如 addApprovedRelayer(address)")
	queueCmd.Flags().StringArrayVar(&queueArgs, "arg", nil, "函数参数，按顺序重复指定")
	queueCmd.Flags().StringVar(&queuePayload, "payload", "", "十六进制载荷")

	executeCmd := &cobra.Command{
		Use:   "execute <action-id>",
		Short: "执行到期的操作",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			sender, err := caller()
			if err != nil {
				return err
			}
			id, err := validation.ParseHash(args[0])
			if err != nil {
				return err
			}
			if err := a.Timelock.Execute(ctx, sender, id); err != nil {
				return err
			}
			fmt.Println("操作已执行")
			return nil
		}),
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "取消待执行的操作",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			sender, err := caller()
			if err != nil {
				return err
			}
			id, err := validation.ParseHash(args[0])
			if err != nil {
				return err
			}
			if err := a.Timelock.Cancel(ctx, sender, id); err != nil {
				return err
			}
			fmt.Println("操作已取消")
			return nil
		}),
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "列出待执行的操作",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			count := 0
			for id, err := range a.Timelock.ListPending(ctx) {
				if err != nil {
					return err
				}
				action, err := a.Timelock.GetAction(ctx, id)
				if err != nil {
					return err
				}
				method := "unknown"
				if decoded, ok := a.Decoder.Decode(ctx, action.Payload); ok {
					method = decoded.Method
				}
				fmt.Printf("%s  %s  就绪时间 %s\n", id.Hex(), method,
					time.Unix(int64(action.ReadyAt), 0).UTC().Format(time.RFC3339))

				count++
				if pendingLimit > 0 && count >= pendingLimit {
					break
				}
			}
			fmt.Printf("共 %d 条\n", count)
			return nil
		}),
	}
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 100, "最多显示条数，0 表示不限")

	minDelayCmd := &cobra.Command{
		Use:   "min-delay [seconds]",
		Short: "查询或设置最小延迟",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			if len(args) == 0 {
				delay, err := a.Timelock.MinimumDelay(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("最小延迟: %d 秒\n", delay)
				return nil
			}

			sender, err := caller()
			if err != nil {
				return err
			}
			delay, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("无效的延迟: %q", args[0])
			}
			return a.Timelock.SetMinimumDelay(ctx, sender, delay)
		}),
	}

	timelockCmd.AddCommand(queueCmd, executeCmd, cancelCmd, pendingCmd, minDelayCmd)
	return timelockCmd
}

// buildPayload 从 --call/--arg 或 --payload 构造载荷
func buildPayload() ([]byte, error) {
	switch {
	case queueCall != "" && queuePayload != "":
		return nil, fmt.Errorf("--call 和 --payload 不能同时指定")
	case queueCall != "":
		return decoder.Encode(queueCall, queueArgs...)
	case queuePayload != "":
		return validation.ParseHexBytes(queuePayload)
	default:
		return nil, fmt.Errorf("需要指定 --call 或 --payload")
	}
}
