package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/errors"
	"zkbridge/internal/storage"
	"zkbridge/pkg/models"
)

const (
	// 存储桶名称
	BalancesBucket = "ledger_balances"
	TotalsBucket   = "ledger_totals"
)

var (
	totalCreditedKey = []byte("total_credited")
	totalClaimedKey  = []byte("total_claimed")
)

// Ledger 每个用户的可领取余额
// 只由解锁增加，领取时一次性清零
type Ledger struct {
	store  *storage.Store
	logger *logrus.Logger
}

// New 创建账本
func New(store *storage.Store, logger *logrus.Logger) (*Ledger, error) {
	if err := store.EnsureBuckets(BalancesBucket, TotalsBucket); err != nil {
		return nil, err
	}
	return &Ledger{store: store, logger: logger}, nil
}

// Credit 增加用户可领取余额
func (l *Ledger) Credit(ctx context.Context, user common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errors.ErrAmountZero.WithComponent("ledger")
	}
	return l.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		balance, err := tx.GetAmount(BalancesBucket, user.Bytes())
		if err != nil {
			return err
		}
		newBalance, overflow := new(uint256.Int).AddOverflow(balance, amount)
		if overflow {
			return errors.ErrAmountOverflow.WithContext("user", user.Hex()).WithComponent("ledger")
		}

		credited, err := tx.GetAmount(TotalsBucket, totalCreditedKey)
		if err != nil {
			return err
		}
		newCredited, overflow := new(uint256.Int).AddOverflow(credited, amount)
		if overflow {
			return errors.ErrAmountOverflow.WithContext("counter", "total_credited").WithComponent("ledger")
		}

		if err := tx.PutAmount(BalancesBucket, user.Bytes(), newBalance); err != nil {
			return err
		}
		return tx.PutAmount(TotalsBucket, totalCreditedKey, newCredited)
	})
}

// Drain 清零并返回用户余额，余额为零时返回 ErrNothingToClaim
func (l *Ledger) Drain(ctx context.Context, user common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := l.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		balance, err := tx.GetAmount(BalancesBucket, user.Bytes())
		if err != nil {
			return err
		}
		if balance.IsZero() {
			return errors.ErrNothingToClaim.WithContext("user", user.Hex()).WithComponent("ledger")
		}

		claimed, err := tx.GetAmount(TotalsBucket, totalClaimedKey)
		if err != nil {
			return err
		}
		if err := tx.Delete(BalancesBucket, user.Bytes()); err != nil {
			return err
		}
		if err := tx.PutAmount(TotalsBucket, totalClaimedKey, new(uint256.Int).Add(claimed, balance)); err != nil {
			return err
		}
		amount = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// BalanceOf 查询可领取余额
func (l *Ledger) BalanceOf(ctx context.Context, user common.Address) (*uint256.Int, error) {
	var balance *uint256.Int
	err := l.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		balance, err = tx.GetAmount(BalancesBucket, user.Bytes())
		return err
	})
	return balance, err
}

// Totals 查询守恒计数
func (l *Ledger) Totals(ctx context.Context) (*models.LedgerTotals, error) {
	totals := &models.LedgerTotals{}
	err := l.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		if totals.TotalCredited, err = tx.GetAmount(TotalsBucket, totalCreditedKey); err != nil {
			return err
		}
		totals.TotalClaimed, err = tx.GetAmount(TotalsBucket, totalClaimedKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	totals.Outstanding = new(uint256.Int).Sub(totals.TotalCredited, totals.TotalClaimed)
	return totals, nil
}

// SumBalances 遍历所有余额求和，用于核对守恒不变量
func (l *Ledger) SumBalances(ctx context.Context) (*uint256.Int, error) {
	sum := new(uint256.Int)
	err := l.store.View(ctx, func(tx *storage.Tx) error {
		return tx.ForEach(BalancesBucket, func(k, v []byte) error {
			sum.Add(sum, new(uint256.Int).SetBytes(v))
			return nil
		})
	})
	return sum, err
}
