package bridge

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/commitment"
	"zkbridge/internal/errors"
	"zkbridge/internal/replay"
	"zkbridge/internal/storage"
	"zkbridge/internal/token"
	"zkbridge/pkg/models"
)

// BurnCommitter L2 销毁方，销毁代币并发出供中继者观察的承诺
// 只记录已发出的承诺哈希，用来拒绝会在 L1 撞车的重复销毁
type BurnCommitter struct {
	store              *storage.Store
	token              token.FungibleToken
	guard              *replay.Guard
	destinationChainID *uint256.Int
	clock              clockwork.Clock
	logger             *logrus.Logger
}

// NewBurnCommitter 创建销毁方，destinationChainID 是 L1 控制器的本地链ID
func NewBurnCommitter(store *storage.Store, tok token.FungibleToken, destinationChainID uint64, clock clockwork.Clock, logger *logrus.Logger) (*BurnCommitter, error) {
	guard, err := replay.NewGuard(store, logger, replay.Burns)
	if err != nil {
		return nil, err
	}
	return &BurnCommitter{
		store:              store,
		token:              tok,
		guard:              guard,
		destinationChainID: uint256.NewInt(destinationChainID),
		clock:              clock,
		logger:             logger,
	}, nil
}

// BurnForUnlock 销毁调用方的代币，返回承诺哈希
//
// 承诺只由调用方、金额、txID 和目标链决定。同一调用方用相同 txID 销毁相同金额
// 会得到相同的承诺，L1 只会解锁其中一次，因此这种重复销毁返回 ErrCommitmentReused，
// 代币不会被扣除。调用方应为每次销毁使用新的 txID
func (b *BurnCommitter) BurnForUnlock(ctx context.Context, caller common.Address, txID common.Hash, amount *uint256.Int) (common.Hash, error) {
	if amount == nil || amount.IsZero() {
		return common.Hash{}, errors.ErrAmountZero.WithComponent("burn")
	}

	commitmentHash := commitment.Hash(caller, amount, txID, b.destinationChainID)
	err := b.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := b.guard.Mark(ctx, replay.Burns, commitmentHash); err != nil {
			if errors.Is(err, errors.ErrCommitmentReused) {
				return errors.ErrCommitmentReused.
					WithContext("tx_id", txID.Hex()).
					WithContext("commitment_hash", commitmentHash.Hex()).
					WithComponent("burn")
			}
			return err
		}
		if err := b.token.Burn(ctx, caller, caller, amount); err != nil {
			if _, ok := errors.AsBridgeError(err); ok {
				return err
			}
			return errors.ErrTokenCallFailed.WithCause(err).WithComponent("burn")
		}

		low, high := commitment.SplitAmount(amount)
		tx.Emit(models.NewEvent(models.EventBurn, caller.Hex(), b.clock.Now(), &models.BurnEvent{
			User:           caller,
			AmountLow:      low,
			AmountHigh:     high,
			TxID:           txID,
			CommitmentHash: commitmentHash,
		}))

		b.logger.WithFields(logrus.Fields{
			"component":       "burn",
			"user":            caller.Hex(),
			"amount":          amount.Dec(),
			"tx_id":           txID.Hex(),
			"commitment_hash": commitmentHash.Hex(),
		}).Info("代币已销毁")
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return commitmentHash, nil
}
