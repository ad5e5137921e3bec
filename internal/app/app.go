// Package app 按配置组装跨链桥、时间锁和治理组件，命令行和服务共用同一套组件图
package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/access"
	"zkbridge/internal/bridge"
	"zkbridge/internal/config"
	"zkbridge/internal/decoder"
	"zkbridge/internal/errors"
	"zkbridge/internal/governance"
	"zkbridge/internal/metrics"
	"zkbridge/internal/output"
	"zkbridge/internal/storage"
	"zkbridge/internal/timelock"
	"zkbridge/internal/token"
	"zkbridge/internal/verifier"
)

// 代币名称，决定存储桶前缀
const (
	L1TokenName = "l1"
	L2TokenName = "l2"
)

// Options 可替换的外部依赖，为空时按配置创建
type Options struct {
	Clock    clockwork.Clock
	Verifier verifier.ProofVerifier
	Output   output.Output
}

// App 进程内的组件图，所有组件共享同一个存储
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Clock    clockwork.Clock
	Store    *storage.Store
	Roles    *access.Registry
	L1Token  *token.BoltToken
	L2Token  *token.BoltToken
	Bridge   *bridge.Controller
	Burns    *bridge.BurnCommitter
	Timelock *timelock.Queue
	DAO      *governance.Registry
	Decoder  *decoder.InputDecoder
	Metrics  *metrics.Metrics
	Errors   *errors.ErrorHandler

	executor common.Address
	output   output.Output
}

// New 打开存储并创建所有组件
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.ErrConfigInvalid.WithCause(err)
	}
	threshold, err := cfg.DAO.Threshold()
	if err != nil {
		return nil, errors.ErrConfigInvalid.WithCause(err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Clock:    clock,
		Store:    store,
		Metrics:  metrics.New(),
		Errors:   errors.NewErrorHandler(logger),
		executor: common.HexToAddress(cfg.Timelock.ExecutorAddress),
	}
	a.Errors.AddCallback(a.Metrics.RecordError)

	if err := a.build(ctx, cfg, threshold, opts); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, threshold *uint256.Int, opts Options) error {
	var err error
	if a.Roles, err = access.NewRegistry(a.Store, a.Clock, a.Logger); err != nil {
		return err
	}
	if a.L1Token, err = token.NewBoltToken(L1TokenName, a.Store, a.Roles, a.Clock, a.Logger); err != nil {
		return err
	}
	if a.L2Token, err = token.NewBoltToken(L2TokenName, a.Store, a.Roles, a.Clock, a.Logger); err != nil {
		return err
	}

	v := opts.Verifier
	if v == nil {
		v = verifier.NewHTTPVerifier(cfg.Verifier, a.Logger)
	}
	a.Bridge, err = bridge.NewController(a.Store, bridge.ControllerParams{
		LocalChainID: cfg.Bridge.LocalChainID,
		Escrow:       common.HexToAddress(cfg.Bridge.EscrowAddress),
		ProgramID:    common.HexToHash(cfg.Verifier.ProgramID),
	}, a.Roles, a.L1Token, v, a.Clock, a.Logger)
	if err != nil {
		return err
	}
	if a.Burns, err = bridge.NewBurnCommitter(a.Store, a.L2Token, cfg.Bridge.DestinationChainID, a.Clock, a.Logger); err != nil {
		return err
	}

	if a.Timelock, err = timelock.NewQueue(ctx, a.Store, a.Roles, cfg.Timelock.MinimumDelay, a.Clock, a.Logger); err != nil {
		return err
	}
	a.Timelock.RegisterExecutor(a.executor, timelock.ExecutorFunc(a.dispatch))

	// 投票权取 L1 代币余额
	if a.DAO, err = governance.NewRegistry(a.Store, a.L1Token, a.Roles, threshold, a.Clock, a.Logger); err != nil {
		return err
	}

	if a.Decoder, err = decoder.NewInputDecoder(a.Logger, cfg.Decoder); err != nil {
		return err
	}

	out := opts.Output
	if out == nil {
		if out, err = output.NewOutput(cfg.Output, a.Logger); err != nil {
			return fmt.Errorf("创建事件输出失败: %w", err)
		}
	}
	a.output = out
	a.Store.AddPublisher("output", out)
	a.Store.AddPublisher("metrics", a.Metrics)

	if err := a.Store.Flush(ctx); err != nil {
		a.Logger.WithField("component", "app").WithError(err).Warn("补发遗留事件失败，下次提交时重试")
	}
	return nil
}

// Executor 内置时间锁执行器地址
func (a *App) Executor() common.Address {
	return a.executor
}

// Init 初始化角色和中继者，只能执行一次
//
// 管理员获得 GOVERNANCE 和 MINTER，内置执行器获得 ADMIN、GOVERNANCE 和 MINTER，
// 之后的参数调整都可以经过时间锁完成
func (a *App) Init(ctx context.Context) error {
	if a.Config.Bridge.Admin == "" {
		return errors.ErrConfigInvalid.WithContext("field", "bridge.admin")
	}
	admin := common.HexToAddress(a.Config.Bridge.Admin)

	return a.Store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := a.Roles.Bootstrap(ctx, admin); err != nil {
			return err
		}
		grants := []struct {
			role    access.Role
			account common.Address
		}{
			{access.RoleGovernance, admin},
			{access.RoleMinter, admin},
			{access.RoleAdmin, a.executor},
			{access.RoleGovernance, a.executor},
			{access.RoleMinter, a.executor},
		}
		for _, g := range grants {
			if err := a.Roles.GrantRole(ctx, admin, g.role, g.account); err != nil {
				return err
			}
		}
		for _, r := range a.Config.Bridge.Relayers {
			if err := a.Bridge.SetRelayer(ctx, admin, common.HexToAddress(r), true); err != nil {
				return err
			}
		}
		a.Logger.WithFields(logrus.Fields{
			"component": "app",
			"admin":     admin.Hex(),
			"executor":  a.executor.Hex(),
			"relayers":  len(a.Config.Bridge.Relayers),
		}).Info("初始化完成")
		return nil
	})
}

// Close 关闭事件输出和存储
func (a *App) Close() error {
	var firstErr error
	if a.output != nil {
		if err := a.output.Close(); err != nil {
			firstErr = fmt.Errorf("关闭事件输出失败: %w", err)
		}
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CloseOutput 只关闭事件输出，用于按顺序停机
func (a *App) CloseOutput(ctx context.Context) error {
	if a.output == nil {
		return nil
	}
	out := a.output
	a.output = nil
	return out.Close()
}

// CloseStore 只关闭存储，用于按顺序停机
func (a *App) CloseStore(ctx context.Context) error {
	return a.Store.Close()
}
