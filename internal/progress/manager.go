package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/metrics"
	"zkbridge/internal/storage"
)

// ProgressBucket 中继进度存储桶
const ProgressBucket = "relay_progress"

// ProgressInfo 中继进度，按主题和分区记录
type ProgressInfo struct {
	Topic          string    `json:"topic"`
	Partition      int32     `json:"partition"`
	LastOffset     int64     `json:"last_offset"`
	HasOffset      bool      `json:"has_offset"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
	Unlocked       uint64    `json:"unlocked"`
	Skipped        uint64    `json:"skipped"`
	Failed         uint64    `json:"failed"`
	Deferred       uint64    `json:"deferred"`
	ProcessingRate float64   `json:"processing_rate"` // 条/秒
}

// Manager 中继进度管理器，重启后从最后处理的偏移量之后继续消费
type Manager struct {
	store  *storage.Store
	key    []byte
	clock  clockwork.Clock
	logger *logrus.Logger
	mu     sync.RWMutex

	// 内存缓存
	cache *ProgressInfo
}

// NewManager 创建进度管理器并加载已保存的进度
func NewManager(ctx context.Context, store *storage.Store, topic string, partition int32, clock clockwork.Clock, logger *logrus.Logger) (*Manager, error) {
	if err := store.EnsureBuckets(ProgressBucket); err != nil {
		return nil, err
	}

	m := &Manager{
		store:  store,
		key:    []byte(fmt.Sprintf("%s/%d", topic, partition)),
		clock:  clock,
		logger: logger,
		cache:  &ProgressInfo{Topic: topic, Partition: partition},
	}
	if err := m.loadCache(ctx); err != nil {
		return nil, fmt.Errorf("加载中继进度失败: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"component":   "progress",
		"topic":       topic,
		"partition":   partition,
		"last_offset": m.cache.LastOffset,
		"has_offset":  m.cache.HasOffset,
	}).Info("中继进度已加载")
	return m, nil
}

func (m *Manager) loadCache(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store.View(ctx, func(tx *storage.Tx) error {
		_, err := tx.GetJSON(ProgressBucket, m.key, m.cache)
		return err
	})
}

// LastOffset 最后处理的偏移量
func (m *Manager) LastOffset() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.LastOffset, m.cache.HasOffset
}

// ResumeOffset 续传的起始偏移量，没有进度时返回 fallback
func (m *Manager) ResumeOffset(fallback int64) int64 {
	if offset, ok := m.LastOffset(); ok {
		return offset + 1
	}
	return fallback
}

// RecordRelay 记录一条消息的处理结果并持久化偏移量
// 永久失败的消息同样推进偏移量；暂缓的消息不推进，重启后从它继续
func (m *Manager) RecordRelay(result string, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.cache.StartTime.IsZero() {
		m.cache.StartTime = now
	}
	m.cache.LastUpdateTime = now
	if result != metrics.RelayDeferred && (!m.cache.HasOffset || offset > m.cache.LastOffset) {
		m.cache.LastOffset = offset
		m.cache.HasOffset = true
	}

	switch result {
	case metrics.RelayUnlocked:
		m.cache.Unlocked++
	case metrics.RelaySkipped:
		m.cache.Skipped++
	case metrics.RelayDeferred:
		m.cache.Deferred++
	default:
		m.cache.Failed++
	}

	if duration := now.Sub(m.cache.StartTime).Seconds(); duration > 0 {
		total := m.cache.Unlocked + m.cache.Skipped + m.cache.Failed
		m.cache.ProcessingRate = float64(total) / duration
	}

	info := *m.cache
	err := m.store.Update(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		return tx.PutJSON(ProgressBucket, m.key, &info)
	})
	if err != nil {
		m.logger.WithField("component", "progress").WithError(err).Warn("保存中继进度失败")
	}
}

// GetProgress 获取进度副本
func (m *Manager) GetProgress() *ProgressInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := *m.cache
	return &info
}

// Reset 清除进度，下次从配置的起始位置消费
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return tx.Delete(ProgressBucket, m.key)
	})
	if err != nil {
		return err
	}
	m.cache = &ProgressInfo{Topic: m.cache.Topic, Partition: m.cache.Partition}
	m.logger.WithField("component", "progress").Info("中继进度已重置")
	return nil
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	info := m.GetProgress()

	stats := map[string]interface{}{
		"topic":           info.Topic,
		"partition":       info.Partition,
		"unlocked":        info.Unlocked,
		"skipped":         info.Skipped,
		"failed":          info.Failed,
		"deferred":        info.Deferred,
		"processing_rate": fmt.Sprintf("%.2f msgs/sec", info.ProcessingRate),
	}
	if info.HasOffset {
		stats["last_offset"] = info.LastOffset
	}
	if !info.StartTime.IsZero() {
		stats["start_time"] = info.StartTime.Format(time.RFC3339)
		stats["last_update_time"] = info.LastUpdateTime.Format(time.RFC3339)
		stats["running_duration"] = m.clock.Since(info.StartTime).String()
	}
	return stats
}
