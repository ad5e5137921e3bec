package governance

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/access"
	"zkbridge/internal/errors"
	"zkbridge/internal/logging"
	"zkbridge/internal/storage"
	"zkbridge/pkg/models"
)

// 约束性表决：PollPassed 之后的第二阶段
//
//	PollPassed --FinalizeBindingVote--> {Approved | Rejected}
//	Approved   --MarkExecuted---------> Executed
//
// 表决窗口为 (pollEndAt, votingEndAt]，回执与投票阶段相互独立

// CastBindingVote 约束性表决投票
func (r *Registry) CastBindingVote(ctx context.Context, caller common.Address, id uint64, support bool) error {
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		proposal, err := r.load(tx, id)
		if err != nil {
			return err
		}
		now := r.now()
		if proposal.Status != models.ProposalPollPassed || now <= proposal.PollEndAt || now > proposal.VotingEndAt {
			return errors.ErrNotInBindingPhase.
				WithContext("proposal_id", id).
				WithContext("status", proposal.Status.String()).
				WithComponent("governance")
		}

		weight, err := r.castVote(ctx, tx, BindingReceiptsBucket, id, caller, support, now)
		if err != nil {
			return err
		}
		if support {
			proposal.BindingFor, err = addVotes(proposal.BindingFor, weight)
		} else {
			proposal.BindingAgainst, err = addVotes(proposal.BindingAgainst, weight)
		}
		if err != nil {
			return err
		}
		if err := r.save(tx, proposal); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventBindingVoted, proposalKey(id), r.clock.Now(), &models.VoteCast{
			ProposalID: id,
			Voter:      caller,
			Support:    support,
			Weight:     weight,
		}))
		logging.NewProposalLogger(r.logger, id).WithFields(logrus.Fields{
			"voter":   caller.Hex(),
			"support": support,
			"weight":  weight.Dec(),
		}).Info("约束性表决已投票")
		return nil
	})
}

// FinalizeBindingVote 表决窗口结束后确定结果，规则与投票阶段相同
func (r *Registry) FinalizeBindingVote(ctx context.Context, caller common.Address, id uint64) error {
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		proposal, err := r.load(tx, id)
		if err != nil {
			return err
		}
		if proposal.Status != models.ProposalPollPassed {
			return errors.ErrNotInBindingPhase.
				WithContext("proposal_id", id).
				WithContext("status", proposal.Status.String()).
				WithComponent("governance")
		}
		if r.now() <= proposal.VotingEndAt {
			return errors.ErrPollNotEnded.
				WithContext("proposal_id", id).
				WithContext("voting_end_at", proposal.VotingEndAt).
				WithComponent("governance")
		}

		if r.passes(proposal.BindingFor, proposal.BindingAgainst) {
			proposal.Status = models.ProposalApproved
		} else {
			proposal.Status = models.ProposalRejected
		}
		if err := r.save(tx, proposal); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventProposalFinalized, proposalKey(id), r.clock.Now(), &models.ProposalResult{
			ProposalID:   id,
			Status:       proposal.Status,
			VotesFor:     new(uint256.Int).Set(proposal.BindingFor),
			VotesAgainst: new(uint256.Int).Set(proposal.BindingAgainst),
		}))
		logging.NewProposalLogger(r.logger, id).WithFields(logrus.Fields{
			"caller": caller.Hex(),
			"status": proposal.Status.String(),
		}).Info("约束性表决已结束")
		return nil
	})
}

// MarkExecuted 标记已批准的提案为已执行，仅治理角色可调用
func (r *Registry) MarkExecuted(ctx context.Context, caller common.Address, id uint64) error {
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := access.Require(ctx, r.roles, access.RoleGovernance, caller, errors.ErrOnlyGovernance); err != nil {
			return err
		}
		proposal, err := r.load(tx, id)
		if err != nil {
			return err
		}
		if proposal.Status != models.ProposalApproved {
			return errors.ErrProposalNotApproved.
				WithContext("proposal_id", id).
				WithContext("status", proposal.Status.String()).
				WithComponent("governance")
		}

		proposal.Status = models.ProposalExecuted
		if err := r.save(tx, proposal); err != nil {
			return err
		}
		tx.Emit(models.NewEvent(models.EventProposalExecuted, proposalKey(id), r.clock.Now(), &models.ProposalExecutedEvent{
			ProposalID: id,
			Caller:     caller,
		}))
		logging.NewProposalLogger(r.logger, id).WithField("caller", caller.Hex()).Info("提案已执行")
		return nil
	})
}

// HasBindingVoted 是否已在约束性表决中投票
func (r *Registry) HasBindingVoted(ctx context.Context, id uint64, voter common.Address) (bool, error) {
	return r.hasReceipt(ctx, BindingReceiptsBucket, id, voter)
}
