package timelock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zkbridge/internal/access"
	"zkbridge/internal/errors"
	"zkbridge/internal/storage"
	"zkbridge/pkg/models"
)

var (
	admin      = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	governance = common.HexToAddress("0x0000000000000000000000000000000000000d10")
	stranger   = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	executorE  = common.HexToAddress("0x000000000000000000000000000000000000e0e0")
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, payload []byte) error {
	return m.Called(ctx, payload).Error(0)
}

type eventCollector struct {
	events []models.Event
}

func (c *eventCollector) Publish(ctx context.Context, events []models.Event) error {
	c.events = append(c.events, events...)
	return nil
}

func (c *eventCollector) count(t models.EventType) int {
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type testQueue struct {
	*Queue
	clock  clockwork.FakeClock
	events *eventCollector
}

func newTestQueue(t *testing.T, minimumDelay uint64) *testQueue {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	store, err := storage.Open(filepath.Join(t.TempDir(), "timelock.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	roles, err := access.NewRegistry(store, clock, logger)
	require.NoError(t, err)
	require.NoError(t, roles.Bootstrap(ctx, admin))
	require.NoError(t, roles.GrantRole(ctx, admin, access.RoleGovernance, governance))

	q, err := NewQueue(ctx, store, roles, minimumDelay, clock, logger)
	require.NoError(t, err)

	events := &eventCollector{}
	store.AddPublisher("events", events)
	return &testQueue{Queue: q, clock: clock, events: events}
}

// enqueue 嵌入字段 Queue 遮住了同名方法，经由字段调用
func (tq *testQueue) enqueue(ctx context.Context, caller, executor common.Address, delay uint64, payload []byte) (common.Hash, error) {
	return tq.Queue.Queue(ctx, caller, executor, delay, payload)
}

func TestQueue_DelayScenario(t *testing.T) {
	q := newTestQueue(t, 10)
	ctx := context.Background()
	payload := []byte("P")

	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, payload).Return(nil)
	q.RegisterExecutor(executorE, exec)

	start := uint64(q.clock.Now().Unix())
	id, err := q.enqueue(ctx, governance, executorE, 100, payload)
	require.NoError(t, err)
	assert.Equal(t, ActionID(executorE, 100, payload), id)

	action, err := q.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, start+100, action.ReadyAt)
	assert.Equal(t, models.ActionPending, action.Status)

	q.clock.Advance(50 * time.Second)
	err = q.Execute(ctx, stranger, id)
	assert.True(t, errors.Is(err, errors.ErrDelayNotElapsed))

	q.clock.Advance(49 * time.Second)
	err = q.Execute(ctx, stranger, id)
	assert.True(t, errors.Is(err, errors.ErrDelayNotElapsed))
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	// now == readyAt
	q.clock.Advance(time.Second)
	require.NoError(t, q.Execute(ctx, stranger, id))
	exec.AssertNumberOfCalls(t, "Execute", 1)

	err = q.Execute(ctx, stranger, id)
	assert.True(t, errors.Is(err, errors.ErrNotPending))
	exec.AssertNumberOfCalls(t, "Execute", 1)

	action, err = q.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, action.Status)
	assert.Equal(t, 1, q.events.count(models.EventActionQueued))
	assert.Equal(t, 1, q.events.count(models.EventActionExecuted))
}

func TestQueue_QueueRejections(t *testing.T) {
	q := newTestQueue(t, 60)
	ctx := context.Background()

	_, err := q.enqueue(ctx, stranger, executorE, 60, nil)
	assert.True(t, errors.Is(err, errors.ErrOnlyGovernance))

	_, err = q.enqueue(ctx, governance, common.Address{}, 60, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidAddress))

	_, err = q.enqueue(ctx, governance, executorE, 59, nil)
	assert.True(t, errors.Is(err, errors.ErrDelayTooShort))

	id, err := q.enqueue(ctx, governance, executorE, 60, []byte("x"))
	require.NoError(t, err)

	_, err = q.enqueue(ctx, governance, executorE, 60, []byte("x"))
	assert.True(t, errors.Is(err, errors.ErrActionAlreadyQueued))

	// 内容不同则ID不同
	other, err := q.enqueue(ctx, governance, executorE, 61, []byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	_, err = q.GetAction(ctx, common.HexToHash("0xdead"))
	assert.True(t, errors.Is(err, errors.ErrActionNotFound))
}

func TestQueue_ExecuteCancelExclusive(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()
	q.RegisterExecutor(executorE, ExecutorFunc(func(ctx context.Context, payload []byte) error { return nil }))

	executed, err := q.enqueue(ctx, governance, executorE, 0, []byte("a"))
	require.NoError(t, err)
	canceled, err := q.enqueue(ctx, governance, executorE, 0, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, q.Execute(ctx, stranger, executed))
	assert.True(t, errors.Is(q.Cancel(ctx, governance, executed), errors.ErrNotPending))

	assert.True(t, errors.Is(q.Cancel(ctx, stranger, canceled), errors.ErrOnlyGovernance))
	require.NoError(t, q.Cancel(ctx, governance, canceled))
	assert.True(t, errors.Is(q.Execute(ctx, stranger, canceled), errors.ErrNotPending))
	assert.True(t, errors.Is(q.Cancel(ctx, governance, canceled), errors.ErrNotPending))

	assert.True(t, errors.Is(q.Cancel(ctx, governance, common.HexToHash("0x01")), errors.ErrActionNotFound))
	assert.True(t, errors.Is(q.Execute(ctx, stranger, common.HexToHash("0x01")), errors.ErrActionNotFound))

	// 终态操作不能重新排队
	_, err = q.enqueue(ctx, governance, executorE, 0, []byte("b"))
	assert.True(t, errors.Is(err, errors.ErrActionAlreadyQueued))
}

func TestQueue_ReentrantExecuteObservesExecuted(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	var (
		id          common.Hash
		reentryErr  error
		innerStatus models.ActionStatus
	)
	q.RegisterExecutor(executorE, ExecutorFunc(func(ctx context.Context, payload []byte) error {
		action, err := q.GetAction(ctx, id)
		if err != nil {
			return err
		}
		innerStatus = action.Status
		reentryErr = q.Execute(ctx, stranger, id)
		return nil
	}))

	var err error
	id, err = q.enqueue(ctx, governance, executorE, 0, []byte("reenter"))
	require.NoError(t, err)

	require.NoError(t, q.Execute(ctx, stranger, id))
	assert.Equal(t, models.ActionExecuted, innerStatus)
	assert.True(t, errors.Is(reentryErr, errors.ErrNotPending))
	assert.Equal(t, 1, q.events.count(models.EventActionExecuted))
}

func TestQueue_ExecutorFailureRollsBack(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).Return(fmt.Errorf("downstream reverted")).Once()
	exec.On("Execute", mock.Anything, mock.Anything).Return(nil).Once()
	q.RegisterExecutor(executorE, exec)

	id, err := q.enqueue(ctx, governance, executorE, 0, []byte("flaky"))
	require.NoError(t, err)

	err = q.Execute(ctx, stranger, id)
	assert.True(t, errors.Is(err, errors.ErrExecutorFailed))

	action, err := q.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPending, action.Status)
	assert.Equal(t, 0, q.events.count(models.EventActionExecuted))

	require.NoError(t, q.Execute(ctx, stranger, id))
	exec.AssertNumberOfCalls(t, "Execute", 2)
}

func TestQueue_UnregisteredExecutor(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	id, err := q.enqueue(ctx, governance, executorE, 0, nil)
	require.NoError(t, err)

	err = q.Execute(ctx, stranger, id)
	assert.True(t, errors.Is(err, errors.ErrExecutorFailed))

	action, err := q.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPending, action.Status)
}

func collectPending(t *testing.T, q *testQueue) []common.Hash {
	t.Helper()
	var ids []common.Hash
	for id, err := range q.ListPending(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestQueue_ListPending(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()
	q.RegisterExecutor(executorE, ExecutorFunc(func(ctx context.Context, payload []byte) error { return nil }))

	assert.Empty(t, collectPending(t, q))

	// 超过一页
	const total = 150
	ids := make([]common.Hash, 0, total)
	for i := 0; i < total; i++ {
		id, err := q.enqueue(ctx, governance, executorE, 0, []byte(fmt.Sprintf("action-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, q.Execute(ctx, stranger, ids[0]))
	require.NoError(t, q.Cancel(ctx, governance, ids[1]))

	pending := collectPending(t, q)
	assert.Len(t, pending, total-2)
	assert.NotContains(t, pending, ids[0])
	assert.NotContains(t, pending, ids[1])
	for i := 1; i < len(pending); i++ {
		assert.Equal(t, -1, bytes.Compare(pending[i-1].Bytes(), pending[i].Bytes()), "按ID字节序")
	}

	// 可重新开始
	assert.Equal(t, pending, collectPending(t, q))

	// 提前结束
	n := 0
	for range q.ListPending(ctx) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)

	// 遍历期间可以修改队列
	for id, err := range q.ListPending(ctx) {
		require.NoError(t, err)
		require.NoError(t, q.Cancel(ctx, governance, id))
	}
	assert.Empty(t, collectPending(t, q))
}

func TestQueue_SetMinimumDelay(t *testing.T) {
	q := newTestQueue(t, 100)
	ctx := context.Background()

	assert.True(t, errors.Is(q.SetMinimumDelay(ctx, stranger, 5), errors.ErrOnlyGovernance))
	require.NoError(t, q.SetMinimumDelay(ctx, governance, 5))

	delay, err := q.MinimumDelay(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), delay)

	require.Len(t, q.events.events, 1)
	changed := q.events.events[0].Data.(*models.MinimumDelayChanged)
	assert.Equal(t, uint64(100), changed.OldDelay)
	assert.Equal(t, uint64(5), changed.NewDelay)

	_, err = q.enqueue(ctx, governance, executorE, 5, nil)
	assert.NoError(t, err)
}
