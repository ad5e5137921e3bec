package bridge

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/access"
	"zkbridge/internal/commitment"
	"zkbridge/internal/errors"
	"zkbridge/internal/ledger"
	"zkbridge/internal/logging"
	"zkbridge/internal/replay"
	"zkbridge/internal/storage"
	"zkbridge/internal/token"
	"zkbridge/internal/verifier"
	"zkbridge/pkg/models"
)

const (
	// 存储桶名称
	RelayersBucket = "bridge_relayers"
	MetaBucket     = "bridge_meta"
)

var lockNonceKey = []byte("lock_nonce")

// ControllerParams L1 控制器参数
type ControllerParams struct {
	LocalChainID uint64
	Escrow       common.Address // 托管地址，锁定的资金转入此地址，领取时从此地址转出
	ProgramID    common.Hash    // 验证器程序ID
}

// Controller L1 跨链桥控制器
type Controller struct {
	store    *storage.Store
	guard    *replay.Guard
	ledger   *ledger.Ledger
	roles    access.AccessControl
	token    token.FungibleToken
	verifier verifier.ProofVerifier
	clock    clockwork.Clock
	logger   *logrus.Logger

	localChainID *uint256.Int
	escrow       common.Address
	programID    common.Hash
}

// NewController 创建 L1 控制器
func NewController(
	store *storage.Store,
	params ControllerParams,
	roles access.AccessControl,
	tok token.FungibleToken,
	v verifier.ProofVerifier,
	clock clockwork.Clock,
	logger *logrus.Logger,
) (*Controller, error) {
	if params.Escrow == (common.Address{}) {
		return nil, errors.ErrInvalidAddress.WithContext("field", "escrow").WithComponent("bridge")
	}
	if err := store.EnsureBuckets(RelayersBucket, MetaBucket); err != nil {
		return nil, err
	}
	guard, err := replay.NewGuard(store, logger, replay.Proofs, replay.Commitments)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(store, logger)
	if err != nil {
		return nil, err
	}

	return &Controller{
		store:        store,
		guard:        guard,
		ledger:       l,
		roles:        roles,
		token:        tok,
		verifier:     v,
		clock:        clock,
		logger:       logger,
		localChainID: uint256.NewInt(params.LocalChainID),
		escrow:       params.Escrow,
		programID:    params.ProgramID,
	}, nil
}

// Escrow 托管地址
func (c *Controller) Escrow() common.Address {
	return c.escrow
}

// UnlockWithProof 中继者提交证明解锁资金
// 所有步骤在同一事务中执行，任何一步失败都不会留下状态修改
func (c *Controller) UnlockWithProof(ctx context.Context, caller common.Address, req *models.UnlockRequest) error {
	if req == nil {
		return errors.ErrAmountZero.WithComponent("bridge")
	}
	log := logging.NewUnlockLogger(c.logger, req.User, req.CommitmentHash)

	return c.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		approved, err := tx.Has(RelayersBucket, caller.Bytes())
		if err != nil {
			return err
		}
		if !approved {
			return errors.ErrOnlyApprovedRelayer.WithContext("caller", caller.Hex()).WithComponent("bridge")
		}
		if req.Amount == nil || req.Amount.IsZero() {
			return errors.ErrAmountZero.WithComponent("bridge")
		}
		if req.User == (common.Address{}) {
			return errors.ErrInvalidAddress.WithContext("field", "user").WithComponent("bridge")
		}

		expected := commitment.Hash(req.User, req.Amount, req.ExternalTxID, c.localChainID)
		if expected != req.CommitmentHash {
			return errors.ErrInvalidCommitment.
				WithContext("expected", expected.Hex()).
				WithContext("actual", req.CommitmentHash.Hex()).
				WithComponent("bridge")
		}

		proofHash := commitment.ProofHash(req.Proof)
		if err := c.guard.Check(ctx, replay.Proofs, proofHash); err != nil {
			return err
		}

		// 验证器调用之前没有任何状态修改
		inputs := commitment.PublicInputs(req.User, req.Amount, req.ExternalTxID, req.CommitmentHash)
		valid, err := c.verifier.VerifyAndRegister(ctx, req.ProofParams, req.Proof, inputs, c.programID)
		if err != nil {
			if _, ok := errors.AsBridgeError(err); ok {
				return err
			}
			return errors.ErrVerifierUnavailable.WithCause(err).WithComponent("bridge")
		}
		if !valid {
			return errors.ErrInvalidProof.WithContext("proof_hash", proofHash.Hex()).WithComponent("bridge")
		}

		if err := c.guard.Check(ctx, replay.Commitments, req.CommitmentHash); err != nil {
			return err
		}
		if err := c.guard.Mark(ctx, replay.Proofs, proofHash); err != nil {
			return err
		}
		if err := c.guard.Mark(ctx, replay.Commitments, req.CommitmentHash); err != nil {
			return err
		}
		if err := c.ledger.Credit(ctx, req.User, req.Amount); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventFundsUnlocked, req.User.Hex(), c.clock.Now(), &models.FundsUnlocked{
			User:           req.User,
			Amount:         new(uint256.Int).Set(req.Amount),
			CommitmentHash: req.CommitmentHash,
		}))
		log.WithFields(logrus.Fields{
			"amount":     req.Amount.Dec(),
			"relayer":    caller.Hex(),
			"proof_hash": proofHash.Hex(),
		}).Info("资金已解锁")
		return nil
	})
}

// Claim 领取全部可领取余额，先清零余额再从托管地址转账
func (c *Controller) Claim(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	var claimed *uint256.Int
	err := c.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		amount, err := c.ledger.Drain(ctx, caller)
		if err != nil {
			return err
		}
		if err := c.token.Transfer(ctx, c.escrow, caller, amount); err != nil {
			if _, ok := errors.AsBridgeError(err); ok {
				return err
			}
			return errors.ErrTokenCallFailed.WithCause(err).WithComponent("bridge")
		}

		tx.Emit(models.NewEvent(models.EventFundsClaimed, caller.Hex(), c.clock.Now(), &models.FundsClaimed{
			User:   caller,
			Amount: new(uint256.Int).Set(amount),
		}))
		c.logger.WithFields(logrus.Fields{
			"component": "bridge",
			"user":      caller.Hex(),
			"amount":    amount.Dec(),
		}).Info("资金已领取")
		claimed = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// LockFunds 用户把 L1 代币锁入托管地址，需要事先授权托管地址
func (c *Controller) LockFunds(ctx context.Context, caller common.Address, amount *uint256.Int) (uint64, error) {
	if amount == nil || amount.IsZero() {
		return 0, errors.ErrAmountZero.WithComponent("bridge")
	}
	var nonce uint64
	err := c.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := c.token.TransferFrom(ctx, c.escrow, caller, c.escrow, amount); err != nil {
			if _, ok := errors.AsBridgeError(err); ok {
				return err
			}
			return errors.ErrTokenCallFailed.WithCause(err).WithComponent("bridge")
		}

		data, err := tx.Get(MetaBucket, lockNonceKey)
		if err != nil {
			return err
		}
		nonce = storage.DecodeUint64(data) + 1
		if err := tx.Put(MetaBucket, lockNonceKey, storage.Uint64Key(nonce)); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventFundsLocked, caller.Hex(), c.clock.Now(), &models.FundsLocked{
			User:   caller,
			Amount: new(uint256.Int).Set(amount),
			Nonce:  nonce,
		}))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

// SetRelayer 批准或撤销中继者，仅管理员可调用
func (c *Controller) SetRelayer(ctx context.Context, caller, relayer common.Address, approved bool) error {
	if relayer == (common.Address{}) {
		return errors.ErrInvalidAddress.WithContext("field", "relayer").WithComponent("bridge")
	}
	return c.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := access.Require(ctx, c.roles, access.RoleAdmin, caller, errors.ErrOnlyAdmin); err != nil {
			return err
		}
		if approved {
			if err := tx.Put(RelayersBucket, relayer.Bytes(), []byte{1}); err != nil {
				return err
			}
		} else if err := tx.Delete(RelayersBucket, relayer.Bytes()); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventRelayerStatusChanged, relayer.Hex(), c.clock.Now(), &models.RelayerStatusChanged{
			Relayer:  relayer,
			Approved: approved,
		}))
		c.logger.WithFields(logrus.Fields{
			"component": "bridge",
			"relayer":   relayer.Hex(),
			"approved":  approved,
		}).Info("中继者状态变更")
		return nil
	})
}

// IsRelayer 是否为已批准的中继者
func (c *Controller) IsRelayer(ctx context.Context, account common.Address) (bool, error) {
	var ok bool
	err := c.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		ok, err = tx.Has(RelayersBucket, account.Bytes())
		return err
	})
	return ok, err
}

// Relayers 列出所有已批准的中继者
func (c *Controller) Relayers(ctx context.Context) ([]common.Address, error) {
	var relayers []common.Address
	err := c.store.View(ctx, func(tx *storage.Tx) error {
		return tx.ForEach(RelayersBucket, func(k, v []byte) error {
			relayers = append(relayers, common.BytesToAddress(k))
			return nil
		})
	})
	return relayers, err
}

// ClaimableOf 查询可领取余额
func (c *Controller) ClaimableOf(ctx context.Context, user common.Address) (*uint256.Int, error) {
	return c.ledger.BalanceOf(ctx, user)
}

// LedgerTotals 查询账本守恒计数
func (c *Controller) LedgerTotals(ctx context.Context) (*models.LedgerTotals, error) {
	return c.ledger.Totals(ctx)
}

// Seen 查询证明或承诺是否已被使用
func (c *Controller) Seen(ctx context.Context, ns replay.Namespace, h common.Hash) (bool, error) {
	return c.guard.Seen(ctx, ns, h)
}
