package governance

import (
	"context"
	"math"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/access"
	"zkbridge/internal/errors"
	"zkbridge/internal/logging"
	"zkbridge/internal/storage"
	"zkbridge/pkg/models"
)

const (
	// 存储桶名称
	ProposalsBucket       = "gov_proposals"
	PollReceiptsBucket    = "gov_poll_receipts"
	BindingReceiptsBucket = "gov_binding_receipts"
)

// VotingPower 投票权来源，按调用时的余额计算
type VotingPower interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// Registry DAO 提案注册表
//
// 状态机: Pending --StartPoll--> PollActive --TallyPollVotes--> {PollPassed | PollFailed}
// PollPassed 之后的约束性表决见 binding.go
//
// 投票权重取投票时的实时余额，没有快照，投票之间转账可以重复使用同一笔余额
type Registry struct {
	store     *storage.Store
	power     VotingPower
	roles     access.AccessControl
	threshold *uint256.Int
	clock     clockwork.Clock
	logger    *logrus.Logger
}

// NewRegistry 创建提案注册表
func NewRegistry(store *storage.Store, power VotingPower, roles access.AccessControl, threshold *uint256.Int, clock clockwork.Clock, logger *logrus.Logger) (*Registry, error) {
	if err := store.EnsureBuckets(ProposalsBucket, PollReceiptsBucket, BindingReceiptsBucket); err != nil {
		return nil, err
	}
	return &Registry{
		store:     store,
		power:     power,
		roles:     roles,
		threshold: new(uint256.Int).Set(threshold),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Threshold 通过所需的最低赞成票
func (r *Registry) Threshold() *uint256.Int {
	return new(uint256.Int).Set(r.threshold)
}

func (r *Registry) now() uint64 {
	return uint64(r.clock.Now().Unix())
}

func proposalKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func receiptKey(id uint64, voter common.Address) []byte {
	key := storage.Uint64Key(id)
	return append(key, voter.Bytes()...)
}

// CreateProposal 创建提案，调用方成为提案人
// 两个时长都必须大于零，零时长的阶段无法投票
func (r *Registry) CreateProposal(ctx context.Context, caller common.Address, id uint64, description string, pollDuration, votingDuration uint64) error {
	now := r.now()
	if pollDuration == 0 || votingDuration == 0 ||
		pollDuration > math.MaxUint64-now || votingDuration > math.MaxUint64-now-pollDuration {
		return errors.ErrDurationInvalid.
			WithContext("poll_duration", pollDuration).
			WithContext("voting_duration", votingDuration).
			WithComponent("governance")
	}

	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		exists, err := tx.Has(ProposalsBucket, storage.Uint64Key(id))
		if err != nil {
			return err
		}
		if exists {
			return errors.ErrProposalExists.WithContext("proposal_id", id).WithComponent("governance")
		}

		pollEndAt := now + pollDuration
		proposal := &models.Proposal{
			ID:             id,
			Description:    description,
			Creator:        caller,
			CreatedAt:      now,
			PollEndAt:      pollEndAt,
			VotingEndAt:    pollEndAt + votingDuration,
			VotesFor:       new(uint256.Int),
			VotesAgainst:   new(uint256.Int),
			BindingFor:     new(uint256.Int),
			BindingAgainst: new(uint256.Int),
			Status:         models.ProposalPending,
		}
		if err := tx.PutJSON(ProposalsBucket, storage.Uint64Key(id), proposal); err != nil {
			return err
		}
		logging.NewProposalLogger(r.logger, id).WithFields(logrus.Fields{
			"creator":       caller.Hex(),
			"poll_end_at":   proposal.PollEndAt,
			"voting_end_at": proposal.VotingEndAt,
		}).Info("提案已创建")
		return nil
	})
}

// StartPoll 开始投票
func (r *Registry) StartPoll(ctx context.Context, caller common.Address, id uint64) error {
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		proposal, err := r.load(tx, id)
		if err != nil {
			return err
		}
		if proposal.Status != models.ProposalPending {
			return errors.ErrAlreadyStarted.
				WithContext("proposal_id", id).
				WithContext("status", proposal.Status.String()).
				WithComponent("governance")
		}
		if r.now() >= proposal.PollEndAt {
			return errors.ErrPollWindowClosed.
				WithContext("proposal_id", id).
				WithContext("poll_end_at", proposal.PollEndAt).
				WithComponent("governance")
		}

		proposal.Status = models.ProposalPollActive
		if err := r.save(tx, proposal); err != nil {
			return err
		}
		tx.Emit(models.NewEvent(models.EventPollStarted, proposalKey(id), r.clock.Now(), &models.PollStarted{
			ProposalID: id,
			PollEndAt:  proposal.PollEndAt,
		}))
		logging.NewProposalLogger(r.logger, id).WithField("caller", caller.Hex()).Info("投票已开始")
		return nil
	})
}

// VoteInPoll 投票，每个地址每个提案只能投一次
func (r *Registry) VoteInPoll(ctx context.Context, caller common.Address, id uint64, support bool) error {
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		proposal, err := r.load(tx, id)
		if err != nil {
			return err
		}
		now := r.now()
		if proposal.Status != models.ProposalPollActive || now > proposal.PollEndAt {
			return errors.ErrNotInPollPhase.
				WithContext("proposal_id", id).
				WithContext("status", proposal.Status.String()).
				WithComponent("governance")
		}

		weight, err := r.castVote(ctx, tx, PollReceiptsBucket, id, caller, support, now)
		if err != nil {
			return err
		}
		if support {
			proposal.VotesFor, err = addVotes(proposal.VotesFor, weight)
		} else {
			proposal.VotesAgainst, err = addVotes(proposal.VotesAgainst, weight)
		}
		if err != nil {
			return err
		}
		if err := r.save(tx, proposal); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventPollVoted, proposalKey(id), r.clock.Now(), &models.VoteCast{
			ProposalID: id,
			Voter:      caller,
			Support:    support,
			Weight:     weight,
		}))
		logging.NewProposalLogger(r.logger, id).WithFields(logrus.Fields{
			"voter":   caller.Hex(),
			"support": support,
			"weight":  weight.Dec(),
		}).Info("已投票")
		return nil
	})
}

// TallyPollVotes 投票结束后计票，now 不晚于 PollEndAt 时返回 ErrPollNotEnded
// 赞成票不低于阈值且多于反对票时通过，否则（包括平票）失败
func (r *Registry) TallyPollVotes(ctx context.Context, caller common.Address, id uint64) error {
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		proposal, err := r.load(tx, id)
		if err != nil {
			return err
		}
		if proposal.Status != models.ProposalPollActive {
			return errors.ErrNotInPollPhase.
				WithContext("proposal_id", id).
				WithContext("status", proposal.Status.String()).
				WithComponent("governance")
		}
		if r.now() <= proposal.PollEndAt {
			return errors.ErrPollNotEnded.
				WithContext("proposal_id", id).
				WithContext("poll_end_at", proposal.PollEndAt).
				WithComponent("governance")
		}

		if r.passes(proposal.VotesFor, proposal.VotesAgainst) {
			proposal.Status = models.ProposalPollPassed
		} else {
			proposal.Status = models.ProposalPollFailed
		}
		if err := r.save(tx, proposal); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventPollResultUpdated, proposalKey(id), r.clock.Now(), &models.ProposalResult{
			ProposalID:   id,
			Status:       proposal.Status,
			VotesFor:     new(uint256.Int).Set(proposal.VotesFor),
			VotesAgainst: new(uint256.Int).Set(proposal.VotesAgainst),
		}))
		logging.NewProposalLogger(r.logger, id).WithFields(logrus.Fields{
			"caller":        caller.Hex(),
			"status":        proposal.Status.String(),
			"votes_for":     proposal.VotesFor.Dec(),
			"votes_against": proposal.VotesAgainst.Dec(),
		}).Info("计票完成")
		return nil
	})
}

// GetProposal 查询提案
func (r *Registry) GetProposal(ctx context.Context, id uint64) (*models.Proposal, error) {
	var proposal *models.Proposal
	err := r.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		proposal, err = r.load(tx, id)
		return err
	})
	return proposal, err
}

// HasVoted 是否已在投票阶段投票
func (r *Registry) HasVoted(ctx context.Context, id uint64, voter common.Address) (bool, error) {
	return r.hasReceipt(ctx, PollReceiptsBucket, id, voter)
}

// Proposals 按ID顺序列出所有提案
func (r *Registry) Proposals(ctx context.Context) ([]*models.Proposal, error) {
	var proposals []*models.Proposal
	err := r.store.View(ctx, func(tx *storage.Tx) error {
		var loadErr error
		err := tx.Seek(ProposalsBucket, nil, func(k, v []byte) bool {
			var p *models.Proposal
			if p, loadErr = r.load(tx, storage.DecodeUint64(k)); loadErr != nil {
				return false
			}
			proposals = append(proposals, p)
			return true
		})
		if err != nil {
			return err
		}
		return loadErr
	})
	return proposals, err
}

func (r *Registry) passes(votesFor, votesAgainst *uint256.Int) bool {
	return !votesFor.Lt(r.threshold) && votesFor.Gt(votesAgainst)
}

// castVote 写入投票回执并返回权重
func (r *Registry) castVote(ctx context.Context, tx *storage.Tx, bucket string, id uint64, voter common.Address, support bool, now uint64) (*uint256.Int, error) {
	key := receiptKey(id, voter)
	voted, err := tx.Has(bucket, key)
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, errors.ErrAlreadyVoted.
			WithContext("proposal_id", id).
			WithContext("voter", voter.Hex()).
			WithComponent("governance")
	}

	weight, err := r.power.BalanceOf(ctx, voter)
	if err != nil {
		if _, ok := errors.AsBridgeError(err); ok {
			return nil, err
		}
		return nil, errors.ErrTokenCallFailed.WithCause(err).WithComponent("governance")
	}
	if weight == nil || weight.IsZero() {
		return nil, errors.ErrNoVotingPower.
			WithContext("proposal_id", id).
			WithContext("voter", voter.Hex()).
			WithComponent("governance")
	}

	receipt := &models.VoteReceipt{Support: support, Weight: weight, CastAt: now}
	if err := tx.PutJSON(bucket, key, receipt); err != nil {
		return nil, err
	}
	return weight, nil
}

func (r *Registry) hasReceipt(ctx context.Context, bucket string, id uint64, voter common.Address) (bool, error) {
	var voted bool
	err := r.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		voted, err = tx.Has(bucket, receiptKey(id, voter))
		return err
	})
	return voted, err
}

func (r *Registry) load(tx *storage.Tx, id uint64) (*models.Proposal, error) {
	var proposal models.Proposal
	found, err := tx.GetJSON(ProposalsBucket, storage.Uint64Key(id), &proposal)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.ErrProposalNotFound.WithContext("proposal_id", id).WithComponent("governance")
	}
	for _, v := range []**uint256.Int{&proposal.VotesFor, &proposal.VotesAgainst, &proposal.BindingFor, &proposal.BindingAgainst} {
		if *v == nil {
			*v = new(uint256.Int)
		}
	}
	return &proposal, nil
}

func (r *Registry) save(tx *storage.Tx, proposal *models.Proposal) error {
	return tx.PutJSON(ProposalsBucket, storage.Uint64Key(proposal.ID), proposal)
}

func addVotes(total, weight *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(total, weight)
	if overflow {
		return nil, errors.ErrAmountOverflow.WithComponent("governance")
	}
	return sum, nil
}
