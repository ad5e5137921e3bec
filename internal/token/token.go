package token

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/access"
	"zkbridge/internal/errors"
	"zkbridge/internal/storage"
	"zkbridge/pkg/models"
)

// FungibleToken 同质化代币账本
type FungibleToken interface {
	Mint(ctx context.Context, caller, to common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, caller, from common.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, caller, to common.Address, amount *uint256.Int) error
	Approve(ctx context.Context, caller, spender common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, caller, from, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	TotalSupply(ctx context.Context) (*uint256.Int, error)
}

var totalSupplyKey = []byte("total_supply")

// BoltToken 存储在BoltDB中的参考代币实现
// 与调用方共享同一个事务，失败时随调用方一起回滚
type BoltToken struct {
	name   string
	store  *storage.Store
	roles  access.AccessControl
	clock  clockwork.Clock
	logger *logrus.Logger

	balancesBucket   string
	allowancesBucket string
	metaBucket       string
}

// NewBoltToken 创建代币，name 区分不同链上的账本
func NewBoltToken(name string, store *storage.Store, roles access.AccessControl, clock clockwork.Clock, logger *logrus.Logger) (*BoltToken, error) {
	t := &BoltToken{
		name:             name,
		store:            store,
		roles:            roles,
		clock:            clock,
		logger:           logger,
		balancesBucket:   fmt.Sprintf("token_%s_balances", name),
		allowancesBucket: fmt.Sprintf("token_%s_allowances", name),
		metaBucket:       fmt.Sprintf("token_%s_meta", name),
	}
	if err := store.EnsureBuckets(t.balancesBucket, t.allowancesBucket, t.metaBucket); err != nil {
		return nil, err
	}
	return t, nil
}

// Name 账本名称
func (t *BoltToken) Name() string {
	return t.name
}

// Mint 铸造，调用方需持有 MINTER 角色
func (t *BoltToken) Mint(ctx context.Context, caller, to common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount, false); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return errors.ErrInvalidAddress.WithComponent("token")
	}
	return t.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := access.Require(ctx, t.roles, access.RoleMinter, caller, errors.ErrUnauthorized); err != nil {
			return err
		}

		supply, err := tx.GetAmount(t.metaBucket, totalSupplyKey)
		if err != nil {
			return err
		}
		newSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
		if overflow {
			return errors.ErrAmountOverflow.WithContext("counter", "total_supply").WithComponent("token")
		}
		if err := t.credit(tx, to, amount); err != nil {
			return err
		}
		if err := tx.PutAmount(t.metaBucket, totalSupplyKey, newSupply); err != nil {
			return err
		}
		t.emitTransfer(tx, common.Address{}, to, amount)
		return nil
	})
}

// Burn 销毁，调用方只能销毁自己的余额（或持有 MINTER 角色）
func (t *BoltToken) Burn(ctx context.Context, caller, from common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount, false); err != nil {
		return err
	}
	return t.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if caller != from {
			if err := access.Require(ctx, t.roles, access.RoleMinter, caller, errors.ErrUnauthorized); err != nil {
				return err
			}
		}
		if err := t.debit(tx, from, amount); err != nil {
			return err
		}
		supply, err := tx.GetAmount(t.metaBucket, totalSupplyKey)
		if err != nil {
			return err
		}
		if err := tx.PutAmount(t.metaBucket, totalSupplyKey, new(uint256.Int).Sub(supply, amount)); err != nil {
			return err
		}
		t.emitTransfer(tx, from, common.Address{}, amount)
		return nil
	})
}

// Transfer 转账
func (t *BoltToken) Transfer(ctx context.Context, caller, to common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount, false); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return errors.ErrInvalidAddress.WithComponent("token")
	}
	return t.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return t.move(tx, caller, to, amount)
	})
}

// Approve 设置授权额度，额度为零表示撤销授权
func (t *BoltToken) Approve(ctx context.Context, caller, spender common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount, true); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return errors.ErrInvalidAddress.WithComponent("token")
	}
	return t.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := tx.PutAmount(t.allowancesBucket, allowanceKey(caller, spender), amount); err != nil {
			return err
		}
		tx.Emit(models.NewEvent(models.EventApproval, caller.Hex(), t.clock.Now(), &models.Approval{
			Owner:   caller,
			Spender: spender,
			Amount:  new(uint256.Int).Set(amount),
		}))
		return nil
	})
}

// TransferFrom 使用授权额度转账
func (t *BoltToken) TransferFrom(ctx context.Context, caller, from, to common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount, false); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return errors.ErrInvalidAddress.WithComponent("token")
	}
	return t.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		key := allowanceKey(from, caller)
		allowance, err := tx.GetAmount(t.allowancesBucket, key)
		if err != nil {
			return err
		}
		if allowance.Lt(amount) {
			return errors.ErrInsufficientAllowance.
				WithContext("owner", from.Hex()).
				WithContext("spender", caller.Hex()).
				WithComponent("token")
		}
		if err := tx.PutAmount(t.allowancesBucket, key, new(uint256.Int).Sub(allowance, amount)); err != nil {
			return err
		}
		return t.move(tx, from, to, amount)
	})
}

// BalanceOf 查询余额
func (t *BoltToken) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	var balance *uint256.Int
	err := t.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		balance, err = tx.GetAmount(t.balancesBucket, account.Bytes())
		return err
	})
	return balance, err
}

// Allowance 查询授权额度
func (t *BoltToken) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	var allowance *uint256.Int
	err := t.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		allowance, err = tx.GetAmount(t.allowancesBucket, allowanceKey(owner, spender))
		return err
	})
	return allowance, err
}

// TotalSupply 查询总供应量
func (t *BoltToken) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	var supply *uint256.Int
	err := t.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		supply, err = tx.GetAmount(t.metaBucket, totalSupplyKey)
		return err
	})
	return supply, err
}

func (t *BoltToken) move(tx *storage.Tx, from, to common.Address, amount *uint256.Int) error {
	if err := t.debit(tx, from, amount); err != nil {
		return err
	}
	if err := t.credit(tx, to, amount); err != nil {
		return err
	}
	t.emitTransfer(tx, from, to, amount)
	return nil
}

func (t *BoltToken) debit(tx *storage.Tx, account common.Address, amount *uint256.Int) error {
	balance, err := tx.GetAmount(t.balancesBucket, account.Bytes())
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return errors.ErrInsufficientBalance.
			WithContext("account", account.Hex()).
			WithContext("balance", balance.Dec()).
			WithContext("amount", amount.Dec()).
			WithComponent("token")
	}
	return tx.PutAmount(t.balancesBucket, account.Bytes(), new(uint256.Int).Sub(balance, amount))
}

func (t *BoltToken) credit(tx *storage.Tx, account common.Address, amount *uint256.Int) error {
	balance, err := tx.GetAmount(t.balancesBucket, account.Bytes())
	if err != nil {
		return err
	}
	// 总供应量不溢出时单个余额也不会溢出
	return tx.PutAmount(t.balancesBucket, account.Bytes(), new(uint256.Int).Add(balance, amount))
}

func (t *BoltToken) emitTransfer(tx *storage.Tx, from, to common.Address, amount *uint256.Int) {
	tx.Emit(models.NewEvent(models.EventTransfer, t.name, t.clock.Now(), &models.Transfer{
		From:   from,
		To:     to,
		Amount: new(uint256.Int).Set(amount),
	}))
	t.logger.WithFields(logrus.Fields{
		"component": "token",
		"token":     t.name,
		"from":      from.Hex(),
		"to":        to.Hex(),
		"amount":    amount.Dec(),
	}).Debug("代币转账")
}

// requireAmount 金额不能为空，allowZero 为假时也不能为零
func requireAmount(amount *uint256.Int, allowZero bool) error {
	if amount == nil || (!allowZero && amount.IsZero()) {
		return errors.ErrAmountZero.WithComponent("token")
	}
	return nil
}

func allowanceKey(owner, spender common.Address) []byte {
	key := make([]byte, 0, 2*common.AddressLength)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}
