package timelock

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
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
	ActionsBucket = "timelock_actions"
	MetaBucket    = "timelock_meta"

	// Domain 操作ID的域分隔标签
	Domain = "ZKBRIDGE_TIMELOCK_V1"

	listPageSize = 64
)

var (
	minimumDelayKey = []byte("minimum_delay")
	domainSeparator = crypto.Keccak256([]byte(Domain))
)

// Executor 时间锁到期后调用的下游执行器
type Executor interface {
	Execute(ctx context.Context, payload []byte) error
}

// ExecutorFunc 函数形式的执行器
type ExecutorFunc func(ctx context.Context, payload []byte) error

// Execute 调用函数本身
func (f ExecutorFunc) Execute(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Queue 时间锁操作队列
// 操作ID由内容决定，重复提交同一操作会被拒绝
type Queue struct {
	store  *storage.Store
	roles  access.AccessControl
	clock  clockwork.Clock
	logger *logrus.Logger

	mu        sync.RWMutex
	executors map[common.Address]Executor
}

// NewQueue 创建时间锁队列，minimumDelay 只在首次初始化时写入
func NewQueue(ctx context.Context, store *storage.Store, roles access.AccessControl, minimumDelay uint64, clock clockwork.Clock, logger *logrus.Logger) (*Queue, error) {
	if err := store.EnsureBuckets(ActionsBucket, MetaBucket); err != nil {
		return nil, err
	}
	err := store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		exists, err := tx.Has(MetaBucket, minimumDelayKey)
		if err != nil || exists {
			return err
		}
		return tx.Put(MetaBucket, minimumDelayKey, storage.Uint64Key(minimumDelay))
	})
	if err != nil {
		return nil, err
	}

	return &Queue{
		store:     store,
		roles:     roles,
		clock:     clock,
		logger:    logger,
		executors: make(map[common.Address]Executor),
	}, nil
}

// RegisterExecutor 绑定执行器地址和实现
func (q *Queue) RegisterExecutor(addr common.Address, exec Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executors[addr] = exec
}

func (q *Queue) executor(addr common.Address) (Executor, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	exec, ok := q.executors[addr]
	return exec, ok
}

// ActionID 计算操作ID
//
//	keccak256(keccak256(Domain) ‖ executor ‖ delay ‖ payload)
func ActionID(executor common.Address, delay uint64, payload []byte) common.Hash {
	delayWord := uint256.NewInt(delay).Bytes32()
	return crypto.Keccak256Hash(
		domainSeparator,
		common.LeftPadBytes(executor.Bytes(), 32),
		delayWord[:],
		payload,
	)
}

func (q *Queue) now() uint64 {
	return uint64(q.clock.Now().Unix())
}

// Queue 提交延迟操作，仅治理角色可调用
func (q *Queue) Queue(ctx context.Context, caller, executor common.Address, delay uint64, payload []byte) (common.Hash, error) {
	if executor == (common.Address{}) {
		return common.Hash{}, errors.ErrInvalidAddress.WithContext("field", "executor").WithComponent("timelock")
	}
	id := ActionID(executor, delay, payload)
	log := logging.NewActionLogger(q.logger, id)

	err := q.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := access.Require(ctx, q.roles, access.RoleGovernance, caller, errors.ErrOnlyGovernance); err != nil {
			return err
		}

		minDelay, err := q.minimumDelay(tx)
		if err != nil {
			return err
		}
		if delay < minDelay {
			return errors.ErrDelayTooShort.
				WithContext("delay", delay).
				WithContext("minimum_delay", minDelay).
				WithComponent("timelock")
		}

		exists, err := tx.Has(ActionsBucket, id.Bytes())
		if err != nil {
			return err
		}
		if exists {
			return errors.ErrActionAlreadyQueued.WithContext("action_id", id.Hex()).WithComponent("timelock")
		}

		now := q.now()
		if delay > math.MaxUint64-now {
			return errors.ErrDurationInvalid.WithContext("delay", delay).WithComponent("timelock")
		}
		action := &models.TimelockAction{
			ID:       id,
			Executor: executor,
			Payload:  common.CopyBytes(payload),
			Delay:    delay,
			QueuedAt: now,
			ReadyAt:  now + delay,
			Status:   models.ActionPending,
		}
		if err := tx.PutJSON(ActionsBucket, id.Bytes(), action); err != nil {
			return err
		}

		tx.Emit(models.NewEvent(models.EventActionQueued, id.Hex(), q.clock.Now(), &models.ActionQueued{
			ActionID: id,
			Executor: executor,
			Delay:    delay,
			ReadyAt:  action.ReadyAt,
			Payload:  action.Payload,
		}))
		log.WithFields(logrus.Fields{
			"executor": executor.Hex(),
			"ready_at": action.ReadyAt,
		}).Info("操作已排队")
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return id, nil
}

// Execute 执行到期操作，任何人都可调用
// 状态先改为已执行再调用执行器，执行器失败时整体回滚
func (q *Queue) Execute(ctx context.Context, caller common.Address, id common.Hash) error {
	log := logging.NewActionLogger(q.logger, id)

	return q.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		action, err := q.load(tx, id)
		if err != nil {
			return err
		}
		if action.Status != models.ActionPending {
			return errors.ErrNotPending.
				WithContext("action_id", id.Hex()).
				WithContext("status", action.Status.String()).
				WithComponent("timelock")
		}
		if now := q.now(); now < action.ReadyAt {
			return errors.ErrDelayNotElapsed.
				WithContext("action_id", id.Hex()).
				WithContext("now", now).
				WithContext("ready_at", action.ReadyAt).
				WithComponent("timelock")
		}

		action.Status = models.ActionExecuted
		if err := tx.PutJSON(ActionsBucket, id.Bytes(), action); err != nil {
			return err
		}

		exec, ok := q.executor(action.Executor)
		if !ok {
			return errors.ErrExecutorFailed.
				WithContext("executor", action.Executor.Hex()).
				WithContext("reason", "执行器未注册").
				WithComponent("timelock")
		}
		if err := exec.Execute(ctx, action.Payload); err != nil {
			return errors.ErrExecutorFailed.
				WithCause(err).
				WithContext("action_id", id.Hex()).
				WithComponent("timelock")
		}

		tx.Emit(models.NewEvent(models.EventActionExecuted, id.Hex(), q.clock.Now(), &models.ActionExecutedEvent{
			ActionID: id,
			Executor: action.Executor,
			Caller:   caller,
		}))
		log.WithField("caller", caller.Hex()).Info("操作已执行")
		return nil
	})
}

// Cancel 取消待执行操作，仅治理角色可调用
func (q *Queue) Cancel(ctx context.Context, caller common.Address, id common.Hash) error {
	return q.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := access.Require(ctx, q.roles, access.RoleGovernance, caller, errors.ErrOnlyGovernance); err != nil {
			return err
		}
		action, err := q.load(tx, id)
		if err != nil {
			return err
		}
		if action.Status != models.ActionPending {
			return errors.ErrNotPending.
				WithContext("action_id", id.Hex()).
				WithContext("status", action.Status.String()).
				WithComponent("timelock")
		}

		action.Status = models.ActionCanceled
		if err := tx.PutJSON(ActionsBucket, id.Bytes(), action); err != nil {
			return err
		}
		tx.Emit(models.NewEvent(models.EventActionCanceled, id.Hex(), q.clock.Now(), &models.ActionCanceledEvent{
			ActionID: id,
		}))
		logging.NewActionLogger(q.logger, id).Info("操作已取消")
		return nil
	})
}

// SetMinimumDelay 修改最小延迟，仅治理角色可调用
func (q *Queue) SetMinimumDelay(ctx context.Context, caller common.Address, delay uint64) error {
	return q.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := access.Require(ctx, q.roles, access.RoleGovernance, caller, errors.ErrOnlyGovernance); err != nil {
			return err
		}
		old, err := q.minimumDelay(tx)
		if err != nil {
			return err
		}
		if err := tx.Put(MetaBucket, minimumDelayKey, storage.Uint64Key(delay)); err != nil {
			return err
		}
		tx.Emit(models.NewEvent(models.EventMinimumDelayChanged, "minimum_delay", q.clock.Now(), &models.MinimumDelayChanged{
			OldDelay: old,
			NewDelay: delay,
		}))
		q.logger.WithFields(logrus.Fields{
			"component": "timelock",
			"old_delay": old,
			"new_delay": delay,
		}).Info("最小延迟已修改")
		return nil
	})
}

// MinimumDelay 查询最小延迟
func (q *Queue) MinimumDelay(ctx context.Context) (uint64, error) {
	var delay uint64
	err := q.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		delay, err = q.minimumDelay(tx)
		return err
	})
	return delay, err
}

// GetAction 查询操作
func (q *Queue) GetAction(ctx context.Context, id common.Hash) (*models.TimelockAction, error) {
	var action *models.TimelockAction
	err := q.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		action, err = q.load(tx, id)
		return err
	})
	return action, err
}

// ListPending 惰性遍历所有待执行操作的ID，按ID字节序返回
// 每次读取一页，页与页之间不持有事务，遍历期间可以修改队列
// 每次调用都从头开始，耗时与历史操作总数成正比
func (q *Queue) ListPending(ctx context.Context) iter.Seq2[common.Hash, error] {
	return func(yield func(common.Hash, error) bool) {
		var cursor []byte
		for {
			var (
				page []common.Hash
				last []byte
				more bool
			)
			err := q.store.View(ctx, func(tx *storage.Tx) error {
				var decodeErr error
				scanned := 0
				err := tx.Seek(ActionsBucket, cursor, func(k, v []byte) bool {
					if scanned == listPageSize {
						more = true
						return false
					}
					scanned++
					last = common.CopyBytes(k)

					var action models.TimelockAction
					if decodeErr = decodeAction(v, &action); decodeErr != nil {
						return false
					}
					if action.Status == models.ActionPending {
						page = append(page, common.BytesToHash(k))
					}
					return true
				})
				if err != nil {
					return err
				}
				return decodeErr
			})
			if err != nil {
				yield(common.Hash{}, err)
				return
			}

			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			if !more {
				return
			}
			cursor = last
		}
	}
}

func (q *Queue) minimumDelay(tx *storage.Tx) (uint64, error) {
	data, err := tx.Get(MetaBucket, minimumDelayKey)
	if err != nil {
		return 0, err
	}
	return storage.DecodeUint64(data), nil
}

func (q *Queue) load(tx *storage.Tx, id common.Hash) (*models.TimelockAction, error) {
	var action models.TimelockAction
	found, err := tx.GetJSON(ActionsBucket, id.Bytes(), &action)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.ErrActionNotFound.WithContext("action_id", id.Hex()).WithComponent("timelock")
	}
	return &action, nil
}

func decodeAction(data []byte, action *models.TimelockAction) error {
	if err := json.Unmarshal(data, action); err != nil {
		return errors.ErrStorage.WithCause(fmt.Errorf("反序列化操作失败: %w", err)).WithContext("bucket", ActionsBucket)
	}
	return nil
}
