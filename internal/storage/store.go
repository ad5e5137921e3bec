package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/zkbridge.db"
)

// Publisher 事件发布者，只接收已提交事务中的事件
type Publisher interface {
	Publish(ctx context.Context, events []models.Event) error
}

// Store 基于BoltDB的事务宿主
// 每个公开入口在一个读写事务中完成，任何错误都会回滚全部修改
// 事务中产生的事件随事务写入发件箱，发布者确认后才删除
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string

	mu         sync.RWMutex
	publishers []namedPublisher

	flushMu sync.Mutex // 保证投递顺序与提交顺序一致
}

// Open 打开存储
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.ErrStorage.WithCause(err).WithContext("path", dbPath)
	}

	s := &Store{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}
	if err := s.EnsureBuckets(OutboxBucket, CursorBucket); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// EnsureBuckets 创建组件所属的存储桶
func (s *Store) EnsureBuckets(names ...string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return errors.ErrStorage.WithCause(err)
	}
	return nil
}

// AddPublisher 注册事件发布者，name 标识它在发件箱中的确认进度，重启前后需保持一致
// 注册后调用 Flush 补发上次运行遗留的事件
func (s *Store) AddPublisher(name string, p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, namedPublisher{name: name, Publisher: p})
}

func (s *Store) publisherCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.publishers)
}

// Update 在读写事务中执行 fn
// 如果 ctx 已经携带本存储的读写事务，则直接加入该事务（嵌套调用），
// 事件随外层事务一起提交或丢弃
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tx, ok := FromContext(ctx); ok && tx.store == s {
		if !tx.Writable() {
			return errors.ErrStorage.WithContext("reason", "只读事务中不能执行写操作")
		}
		return fn(ctx, tx)
	}

	var (
		batch *outboxBatch
		fnErr error
	)
	err := s.db.Update(func(btx *bolt.Tx) error {
		tx := &Tx{tx: btx, store: s}
		fnErr = fn(withTx(ctx, tx), tx)
		if fnErr != nil {
			return fnErr
		}
		var err error
		batch, err = s.stageOutbox(btx, tx.events)
		return err
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return errors.ErrStorage.WithCause(err)
	}

	if batch != nil {
		// 发布失败的事件留在发件箱，由下次提交或 Flush 补发
		_ = s.deliver(ctx, batch)
	}
	return nil
}

// View 在只读事务中执行 fn，若 ctx 已携带事务则复用（可见未提交的修改）
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if tx, ok := FromContext(ctx); ok && tx.store == s {
		return fn(tx)
	}

	var fnErr error
	err := s.db.View(func(btx *bolt.Tx) error {
		fnErr = fn(&Tx{tx: btx, store: s})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return errors.ErrStorage.WithCause(err)
	}
	return nil
}

// GetDBPath 获取数据库路径
func (s *Store) GetDBPath() string {
	return s.dbPath
}

// GetStats 获取各存储桶的键数量
func (s *Store) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			stats[string(name)] = b.Stats().KeyN
			return nil
		})
	})
	if err != nil {
		s.logger.WithError(err).Warn("读取存储统计失败")
	}
	return stats
}

// Close 关闭存储
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info("关闭存储")
		return s.db.Close()
	}
	return nil
}

// Uint64Key 大端编码的数字键，保证字节序与数值序一致
func Uint64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// DecodeUint64 解码大端数字
func DecodeUint64(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
