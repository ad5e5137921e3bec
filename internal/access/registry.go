package access

import (
	"bytes"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/errors"
	"zkbridge/internal/storage"
	"zkbridge/pkg/models"
)

// Role 角色
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleGovernance Role = "GOVERNANCE"
	RoleMinter     Role = "MINTER"
)

// RolesBucket 角色成员存储桶
const RolesBucket = "access_roles"

// AccessControl 基于角色的权限控制
type AccessControl interface {
	HasRole(ctx context.Context, role Role, account common.Address) (bool, error)
	GrantRole(ctx context.Context, caller common.Address, role Role, account common.Address) error
	RevokeRole(ctx context.Context, caller common.Address, role Role, account common.Address) error
	RenounceRole(ctx context.Context, caller common.Address, role Role, account common.Address) error
}

// Require 调用方不持有角色时返回 deny
func Require(ctx context.Context, ac AccessControl, role Role, account common.Address, deny *errors.BridgeError) error {
	ok, err := ac.HasRole(ctx, role, account)
	if err != nil {
		return err
	}
	if !ok {
		return deny.WithContext("caller", account.Hex()).WithContext("role", string(role))
	}
	return nil
}

// Registry 存储在BoltDB中的角色注册表，ADMIN 管理所有角色
type Registry struct {
	store  *storage.Store
	clock  clockwork.Clock
	logger *logrus.Logger
}

// NewRegistry 创建角色注册表
func NewRegistry(store *storage.Store, clock clockwork.Clock, logger *logrus.Logger) (*Registry, error) {
	if err := store.EnsureBuckets(RolesBucket); err != nil {
		return nil, err
	}
	return &Registry{store: store, clock: clock, logger: logger}, nil
}

func roleKey(role Role, account common.Address) []byte {
	key := make([]byte, 0, len(role)+1+common.AddressLength)
	key = append(key, string(role)...)
	key = append(key, '/')
	return append(key, account.Bytes()...)
}

// HasRole 是否持有角色
func (r *Registry) HasRole(ctx context.Context, role Role, account common.Address) (bool, error) {
	var ok bool
	err := r.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		ok, err = tx.Has(RolesBucket, roleKey(role, account))
		return err
	})
	return ok, err
}

// Bootstrap 在尚无任何管理员时授予初始管理员
func (r *Registry) Bootstrap(ctx context.Context, admin common.Address) error {
	if admin == (common.Address{}) {
		return errors.ErrInvalidAddress.WithComponent("access")
	}
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		prefix := []byte(string(RoleAdmin) + "/")
		exists := false
		err := tx.Seek(RolesBucket, prefix, func(k, v []byte) bool {
			exists = bytes.HasPrefix(k, prefix)
			return false
		})
		if err != nil {
			return err
		}
		if exists {
			return errors.ErrUnauthorized.WithContext("reason", "管理员已存在").WithComponent("access")
		}
		return r.grant(tx, admin, RoleAdmin, admin)
	})
}

// GrantRole 授予角色，仅管理员可调用
func (r *Registry) GrantRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if account == (common.Address{}) {
		return errors.ErrInvalidAddress.WithComponent("access")
	}
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := r.requireAdmin(tx, caller); err != nil {
			return err
		}
		return r.grant(tx, caller, role, account)
	})
}

// RevokeRole 撤销角色，仅管理员可调用
func (r *Registry) RevokeRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := r.requireAdmin(tx, caller); err != nil {
			return err
		}
		return r.revoke(tx, caller, role, account)
	})
}

// RenounceRole 放弃自己的角色
func (r *Registry) RenounceRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if caller != account {
		return errors.ErrUnauthorized.WithContext("reason", "只能放弃自己的角色").WithComponent("access")
	}
	return r.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return r.revoke(tx, caller, role, account)
	})
}

// Members 列出角色成员
func (r *Registry) Members(ctx context.Context, role Role) ([]common.Address, error) {
	prefix := []byte(string(role) + "/")
	var members []common.Address
	err := r.store.View(ctx, func(tx *storage.Tx) error {
		return tx.ForEach(RolesBucket, func(k, v []byte) error {
			if len(k) == len(prefix)+common.AddressLength && bytes.HasPrefix(k, prefix) {
				members = append(members, common.BytesToAddress(k[len(prefix):]))
			}
			return nil
		})
	})
	return members, err
}

func (r *Registry) requireAdmin(tx *storage.Tx, caller common.Address) error {
	ok, err := tx.Has(RolesBucket, roleKey(RoleAdmin, caller))
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrOnlyAdmin.WithContext("caller", caller.Hex()).WithComponent("access")
	}
	return nil
}

func (r *Registry) grant(tx *storage.Tx, sender common.Address, role Role, account common.Address) error {
	key := roleKey(role, account)
	ok, err := tx.Has(RolesBucket, key)
	if err != nil || ok {
		return err
	}
	if err := tx.Put(RolesBucket, key, []byte{1}); err != nil {
		return err
	}
	tx.Emit(models.NewEvent(models.EventRoleGranted, account.Hex(), r.clock.Now(), &models.RoleChanged{
		Role:    string(role),
		Account: account,
		Sender:  sender,
	}))
	r.logger.WithFields(logrus.Fields{
		"component": "access",
		"role":      role,
		"account":   account.Hex(),
	}).Info("授予角色")
	return nil
}

func (r *Registry) revoke(tx *storage.Tx, sender common.Address, role Role, account common.Address) error {
	key := roleKey(role, account)
	ok, err := tx.Has(RolesBucket, key)
	if err != nil || !ok {
		return err
	}
	if err := tx.Delete(RolesBucket, key); err != nil {
		return err
	}
	tx.Emit(models.NewEvent(models.EventRoleRevoked, account.Hex(), r.clock.Now(), &models.RoleChanged{
		Role:    string(role),
		Account: account,
		Sender:  sender,
	}))
	r.logger.WithFields(logrus.Fields{
		"component": "access",
		"role":      role,
		"account":   account.Hex(),
	}).Info("撤销角色")
	return nil
}
