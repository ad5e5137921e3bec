package progress

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbridge/internal/metrics"
	"zkbridge/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "progress.db"), logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestManager_ResumeOffset(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))

	m, err := NewManager(ctx, store, "burns", 0, clock, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, m.ResumeOffset(sarama.OffsetOldest), "没有进度时使用默认值")

	m.RecordRelay(metrics.RelayUnlocked, 4)
	clock.Advance(2 * time.Second)
	m.RecordRelay(metrics.RelaySkipped, 5)
	m.RecordRelay(metrics.RelayFailed, 6)

	offset, ok := m.LastOffset()
	require.True(t, ok)
	assert.Equal(t, int64(6), offset)
	assert.Equal(t, int64(7), m.ResumeOffset(sarama.OffsetOldest))

	info := m.GetProgress()
	assert.Equal(t, uint64(1), info.Unlocked)
	assert.Equal(t, uint64(1), info.Skipped)
	assert.Equal(t, uint64(1), info.Failed)
	assert.InDelta(t, 1.5, info.ProcessingRate, 0.001)

	// 重新打开后从存储恢复
	reopened, err := NewManager(ctx, store, "burns", 0, clock, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, int64(7), reopened.ResumeOffset(sarama.OffsetOldest))
	assert.Equal(t, uint64(1), reopened.GetProgress().Unlocked)

	// 不同分区互不影响
	other, err := NewManager(ctx, store, "burns", 1, clock, logrus.New())
	require.NoError(t, err)
	_, ok = other.LastOffset()
	assert.False(t, ok)
}

func TestManager_OffsetNeverMovesBackwards(t *testing.T) {
	m, err := NewManager(context.Background(), openStore(t), "burns", 0, clockwork.NewFakeClock(), logrus.New())
	require.NoError(t, err)

	m.RecordRelay(metrics.RelayUnlocked, 10)
	m.RecordRelay(metrics.RelayUnlocked, 3)

	offset, _ := m.LastOffset()
	assert.Equal(t, int64(10), offset)
}

func TestManager_Reset(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m, err := NewManager(ctx, store, "burns", 0, clockwork.NewFakeClock(), logrus.New())
	require.NoError(t, err)

	m.RecordRelay(metrics.RelayUnlocked, 8)
	require.NoError(t, m.Reset(ctx))

	_, ok := m.LastOffset()
	assert.False(t, ok)

	reopened, err := NewManager(ctx, store, "burns", 0, clockwork.NewFakeClock(), logrus.New())
	require.NoError(t, err)
	_, ok = reopened.LastOffset()
	assert.False(t, ok)
	assert.Equal(t, "burns", reopened.GetStats()["topic"])
}

func TestManager_DeferredDoesNotAdvanceOffset(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m, err := NewManager(ctx, store, "burns", 0, clockwork.NewFakeClock(), logrus.New())
	require.NoError(t, err)

	m.RecordRelay(metrics.RelayUnlocked, 6)
	m.RecordRelay(metrics.RelayDeferred, 7)
	m.RecordRelay(metrics.RelayDeferred, 7)

	offset, _ := m.LastOffset()
	assert.Equal(t, int64(6), offset)
	assert.Equal(t, uint64(2), m.GetProgress().Deferred)

	// 重启后重新处理暂缓的消息
	reopened, err := NewManager(ctx, store, "burns", 0, clockwork.NewFakeClock(), logrus.New())
	require.NoError(t, err)
	assert.Equal(t, int64(7), reopened.ResumeOffset(sarama.OffsetOldest))

	m.RecordRelay(metrics.RelayUnlocked, 7)
	offset, _ = m.LastOffset()
	assert.Equal(t, int64(7), offset)
}
