package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"zkbridge/internal/app"
	"zkbridge/internal/validation"
	"zkbridge/pkg/models"
)

var (
	unlockUser        string
	unlockAmount      string
	unlockTxID        string
	unlockCommitment  string
	unlockProof       string
	unlockProofParams string
	unlockStrict      bool
)

func newBridgeCmd() *cobra.Command {
	bridgeCmd := &cobra.Command{
		Use:   "bridge",
		Short: "跨链桥操作",
	}

	lockCmd := &cobra.Command{
		Use:   "lock <amount>",
		Short: "在 L1 锁定资金到托管地址",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			sender, err := caller()
			if err != nil {
				return err
			}
			amount, err := validation.ParseAmount(args[0])
			if err != nil {
				return err
			}
			nonce, err := a.Bridge.LockFunds(ctx, sender, amount)
			if err != nil {
				return err
			}
			fmt.Printf("锁定成功，nonce: %d\n", nonce)
			return nil
		}),
	}

	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "中继者提交证明解锁资金",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			sender, err := caller()
			if err != nil {
				return err
			}
			req, err := parseUnlockRequest()
			if err != nil {
				return err
			}

			v := validation.NewValidator(a.Logger, unlockStrict)
			if result := v.ValidateUnlockRequest(req, a.Config.Bridge.LocalChainID); !result.Valid {
				if len(result.Errors) > 0 {
					return result.Errors[0]
				}
				return fmt.Errorf("解锁请求未通过校验: %v", result.Warnings)
			}

			if err := a.Bridge.UnlockWithProof(ctx, sender, req); err != nil {
				return err
			}
			fmt.Printf("已为 %s 记入 %s\n", req.User.Hex(), req.Amount.Dec())
			return nil
		}),
	}
	unlockCmd.Flags().StringVar(&unlockUser, "user", "", "接收地址")
	unlockCmd.Flags().StringVar(&unlockAmount, "amount", "", "金额")
	unlockCmd.Flags().StringVar(&unlockTxID, "tx-id", "", "L2 交易ID")
	unlockCmd.Flags().StringVar(&unlockCommitment, "commitment", "", "承诺哈希")
	unlockCmd.Flags().StringVar(&unlockProof, "proof", "", "证明（十六进制）")
	unlockCmd.Flags().StringVar(&unlockProofParams, "proof-params", "0x", "证明参数（十六进制）")
	unlockCmd.Flags().BoolVar(&unlockStrict, "strict", false, "警告也视为失败")

	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "领取已解锁的资金",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			sender, err := caller()
			if err != nil {
				return err
			}
			amount, err := a.Bridge.Claim(ctx, sender)
			if err != nil {
				return err
			}
			fmt.Printf("领取成功: %s\n", amount.Dec())
			return nil
		}),
	}

	burnCmd := &cobra.Command{
		Use:   "burn <tx-id> <amount>",
		Short: "在 L2 销毁代币并生成解锁承诺",
		Long: `在 L2 销毁代币并生成解锁承诺。

承诺由调用方、金额、tx-id 和目标链决定，每次销毁都应使用新的 tx-id。
相同 tx-id 和金额的重复销毁会被拒绝（COMMITMENT_REUSED），不会扣除余额。`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			sender, err := caller()
			if err != nil {
				return err
			}
			txID, err := validation.ParseHash(args[0])
			if err != nil {
				return err
			}
			amount, err := validation.ParseAmount(args[1])
			if err != nil {
				return err
			}
			h, err := a.Burns.BurnForUnlock(ctx, sender, txID, amount)
			if err != nil {
				return err
			}
			fmt.Printf("承诺哈希: %s\n", h.Hex())
			return nil
		}),
	}

	relayerCmd := &cobra.Command{
		Use:   "relayer <add|remove|list> [address]",
		Short: "管理中继者白名单",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			if args[0] == "list" {
				relayers, err := a.Bridge.Relayers(ctx)
				if err != nil {
					return err
				}
				for _, r := range relayers {
					fmt.Println(r.Hex())
				}
				return nil
			}

			if len(args) != 2 {
				return fmt.Errorf("需要指定中继者地址")
			}
			sender, err := caller()
			if err != nil {
				return err
			}
			relayer, err := validation.ParseAddress(args[1])
			if err != nil {
				return err
			}
			switch args[0] {
			case "add":
				return a.Bridge.SetRelayer(ctx, sender, relayer, true)
			case "remove":
				return a.Bridge.SetRelayer(ctx, sender, relayer, false)
			default:
				return fmt.Errorf("未知操作: %s", args[0])
			}
		}),
	}

	balanceCmd := &cobra.Command{
		Use:   "balance <address>",
		Short: "查询可领取余额和账本总计",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			user, err := validation.ParseAddress(args[0])
			if err != nil {
				return err
			}
			claimable, err := a.Bridge.ClaimableOf(ctx, user)
			if err != nil {
				return err
			}
			totals, err := a.Bridge.LedgerTotals(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("可领取: %s\n", claimable.Dec())
			fmt.Printf("累计记入: %s\n累计领取: %s\n", totals.TotalCredited.Dec(), totals.TotalClaimed.Dec())
			return nil
		}),
	}

	bridgeCmd.AddCommand(lockCmd, unlockCmd, claimCmd, burnCmd, relayerCmd, balanceCmd)
	return bridgeCmd
}

func parseUnlockRequest() (*models.UnlockRequest, error) {
	user, err := validation.ParseAddress(unlockUser)
	if err != nil {
		return nil, err
	}
	amount, err := validation.ParseAmount(unlockAmount)
	if err != nil {
		return nil, err
	}
	txID, err := validation.ParseHash(unlockTxID)
	if err != nil {
		return nil, err
	}
	commitmentHash, err := validation.ParseHash(unlockCommitment)
	if err != nil {
		return nil, err
	}
	proof, err := validation.ParseHexBytes(unlockProof)
	if err != nil {
		return nil, err
	}
	params, err := validation.ParseHexBytes(unlockProofParams)
	if err != nil {
		return nil, err
	}
	return &models.UnlockRequest{
		ProofParams:    params,
		Proof:          proof,
		User:           user,
		Amount:         amount,
		ExternalTxID:   txID,
		CommitmentHash: commitmentHash,
	}, nil
}
