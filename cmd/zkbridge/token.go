package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"zkbridge/internal/app"
	"zkbridge/internal/token"
	"zkbridge/internal/validation"
)

var tokenChain string

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "L1/L2 代币操作",
	}
	tokenCmd.PersistentFlags().StringVar(&tokenChain, "chain", app.L1TokenName, "代币所在链 (l1, l2)")

	mintCmd := &cobra.Command{
		Use:   "mint <to> <amount>",
		Short: "铸造代币，需要 MINTER 角色",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			tok, err := selectToken(a)
			if err != nil {
				return err
			}
			sender, err := caller()
			if err != nil {
				return err
			}
			to, err := validation.ParseAddress(args[0])
			if err != nil {
				return err
			}
			amount, err := validation.ParseAmount(args[1])
			if err != nil {
				return err
			}
			return tok.Mint(ctx, sender, to, amount)
		}),
	}

	balanceCmd := &cobra.Command{
		Use:   "balance <address>",
		Short: "查询余额",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			tok, err := selectToken(a)
			if err != nil {
				return err
			}
			account, err := validation.ParseAddress(args[0])
			if err != nil {
				return err
			}
			balance, err := tok.BalanceOf(ctx, account)
			if err != nil {
				return err
			}
			supply, err := tok.TotalSupply(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s 余额: %s (总量 %s)\n", tok.Name(), balance.Dec(), supply.Dec())
			return nil
		}),
	}

	approveCmd := &cobra.Command{
		Use:   "approve <spender> <amount>",
		Short: "授权额度",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			tok, err := selectToken(a)
			if err != nil {
				return err
			}
			sender, err := caller()
			if err != nil {
				return err
			}
			spender, err := validation.ParseAddress(args[0])
			if err != nil {
				return err
			}
			amount, err := validation.ParseAmount(args[1])
			if err != nil {
				return err
			}
			return tok.Approve(ctx, sender, spender, amount)
		}),
	}

	transferCmd := &cobra.Command{
		Use:   "transfer <to> <amount>",
		Short: "转账",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			tok, err := selectToken(a)
			if err != nil {
				return err
			}
			sender, err := caller()
			if err != nil {
				return err
			}
			to, err := validation.ParseAddress(args[0])
			if err != nil {
				return err
			}
			amount, err := validation.ParseAmount(args[1])
			if err != nil {
				return err
			}
			return tok.Transfer(ctx, sender, to, amount)
		}),
	}

	tokenCmd.AddCommand(mintCmd, balanceCmd, approveCmd, transferCmd)
	return tokenCmd
}

func selectToken(a *app.App) (*token.BoltToken, error) {
	switch tokenChain {
	case app.L1TokenName:
		return a.L1Token, nil
	case app.L2TokenName:
		return a.L2Token, nil
	default:
		return nil, fmt.Errorf("未知的链: %s", tokenChain)
	}
}
