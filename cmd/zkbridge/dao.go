package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"zkbridge/internal/app"
	"zkbridge/pkg/models"
)

var (
	pollDuration   uint64
	votingDuration uint64
	voteAgainst    bool
)

func newDAOCmd() *cobra.Command {
	daoCmd := &cobra.Command{
		Use:   "dao",
		Short: "DAO 提案和投票",
	}

	createCmd := &cobra.Command{
		Use:   "create <id> <description>",
		Short: "创建提案",
		Args:  cobra.ExactArgs(2),
		RunE: proposalAction(func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error {
			return a.DAO.CreateProposal(ctx, sender, id, args[1], pollDuration, votingDuration)
		}),
	}
	createCmd.Flags().Uint64Var(&pollDuration, "poll-duration", 3*24*3600, "投票阶段时长（秒）")
	createCmd.Flags().Uint64Var(&votingDuration, "voting-duration", 4*24*3600, "约束性表决阶段时长（秒）")

	startCmd := &cobra.Command{
		Use:   "start <id>",
		Short: "开始投票",
		Args:  cobra.ExactArgs(1),
		RunE: proposalAction(func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error {
			return a.DAO.StartPoll(ctx, sender, id)
		}),
	}

	voteCmd := &cobra.Command{
		Use:   "vote <id>",
		Short: "在投票阶段投票，默认赞成",
		Args:  cobra.ExactArgs(1),
		RunE: proposalAction(func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error {
			return a.DAO.VoteInPoll(ctx, sender, id, !voteAgainst)
		}),
	}
	voteCmd.Flags().BoolVar(&voteAgainst, "against", false, "投反对票")

	tallyCmd := &cobra.Command{
		Use:   "tally <id>",
		Short: "投票结束后计票",
		Args:  cobra.ExactArgs(1),
		RunE: proposalAction(func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error {
			return a.DAO.TallyPollVotes(ctx, sender, id)
		}),
	}

	bindCmd := &cobra.Command{
		Use:   "bind <id>",
		Short: "约束性表决，默认赞成",
		Args:  cobra.ExactArgs(1),
		RunE: proposalAction(func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error {
			return a.DAO.CastBindingVote(ctx, sender, id, !voteAgainst)
		}),
	}
	bindCmd.Flags().BoolVar(&voteAgainst, "against", false, "投反对票")

	finalizeCmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "约束性表决结束后定案",
		Args:  cobra.ExactArgs(1),
		RunE: proposalAction(func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error {
			return a.DAO.FinalizeBindingVote(ctx, sender, id)
		}),
	}

	executedCmd := &cobra.Command{
		Use:   "executed <id>",
		Short: "标记提案已执行",
		Args:  cobra.ExactArgs(1),
		RunE: proposalAction(func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error {
			return a.DAO.MarkExecuted(ctx, sender, id)
		}),
	}

	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "查看提案，不指定时列出全部",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			if len(args) == 1 {
				id, err := parseProposalID(args[0])
				if err != nil {
					return err
				}
				p, err := a.DAO.GetProposal(ctx, id)
				if err != nil {
					return err
				}
				printProposal(p)
				return nil
			}

			proposals, err := a.DAO.Proposals(ctx)
			if err != nil {
				return err
			}
			for _, p := range proposals {
				printProposal(p)
			}
			return nil
		}),
	}

	daoCmd.AddCommand(createCmd, startCmd, voteCmd, tallyCmd, bindCmd, finalizeCmd, executedCmd, showCmd)
	return daoCmd
}

// proposalAction 解析调用方和提案ID后执行写操作
func proposalAction(fn func(ctx context.Context, a *app.App, sender common.Address, id uint64, args []string) error) func(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, args []string) error {
		sender, err := caller()
		if err != nil {
			return err
		}
		id, err := parseProposalID(args[0])
		if err != nil {
			return err
		}
		if err := fn(ctx, a, sender, id, args); err != nil {
			return err
		}
		p, err := a.DAO.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		printProposal(p)
		return nil
	})
}

func parseProposalID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的提案ID: %q", s)
	}
	return id, nil
}

func printProposal(p *models.Proposal) {
	fmt.Printf("#%d [%s] %s\n", p.ID, p.Status, p.Description)
	fmt.Printf("  投票: 赞成 %s / 反对 %s，截止 %d\n", p.VotesFor.Dec(), p.VotesAgainst.Dec(), p.PollEndAt)
	fmt.Printf("  表决: 赞成 %s / 反对 %s，截止 %d\n", p.BindingFor.Dec(), p.BindingAgainst.Dec(), p.VotingEndAt)
}
