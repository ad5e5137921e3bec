package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

const (
	// OutboxBucket 已提交但还未被全部发布者确认的事件，键为递增序号
	OutboxBucket = "event_outbox"
	// CursorBucket 每个发布者已确认的最大序号
	CursorBucket = "event_cursor"
)

// namedPublisher 发布者和它在发件箱中的游标名
type namedPublisher struct {
	name string
	Publisher
}

// outboxBatch 一次提交写入发件箱的事件及其序号范围
type outboxBatch struct {
	first, last uint64
	events      []models.Event
}

// stageOutbox 在提交事务内把事件写入发件箱，没有发布者时不写
func (s *Store) stageOutbox(btx *bolt.Tx, events []models.Event) (*outboxBatch, error) {
	if len(events) == 0 || s.publisherCount() == 0 {
		return nil, nil
	}

	b := btx.Bucket([]byte(OutboxBucket))
	batch := &outboxBatch{events: events}
	for i := range events {
		seq, err := b.NextSequence()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(&events[i])
		if err != nil {
			return nil, fmt.Errorf("序列化事件失败: %w", err)
		}
		if err := b.Put(Uint64Key(seq), data); err != nil {
			return nil, err
		}
		if batch.first == 0 {
			batch.first = seq
		}
		batch.last = seq
	}
	return batch, nil
}

// Flush 把发件箱中尚未确认的事件补发给各发布者，启动时和发布失败后调用
func (s *Store) Flush(ctx context.Context) error {
	return s.deliver(ctx, nil)
}

// deliver 按序号依次投递，发布者确认后才推进它的游标
// 游标正好停在本批之前时直接发送内存中的事件，否则从发件箱读取积压
func (s *Store) deliver(ctx context.Context, batch *outboxBatch) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	publishers := append([]namedPublisher(nil), s.publishers...)
	s.mu.RUnlock()
	if len(publishers) == 0 {
		return nil
	}

	var errs []error
	for _, p := range publishers {
		cursor, err := s.cursor(p.name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		var (
			events []models.Event
			last   uint64
		)
		if batch != nil && cursor+1 == batch.first {
			events, last = batch.events, batch.last
		} else {
			events, last, err = s.pending(cursor)
			if err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if len(events) == 0 {
			continue
		}

		if err := p.Publish(ctx, events); err != nil {
			s.logger.WithFields(logrus.Fields{
				"component": "storage",
				"publisher": p.name,
				"events":    len(events),
			}).WithError(err).Error("发布事件失败，事件保留在发件箱")
			errs = append(errs, fmt.Errorf("发布者 %s: %w", p.name, err))
			continue
		}
		if err := s.setCursor(p.name, last); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.compactOutbox(publishers); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (s *Store) cursor(name string) (uint64, error) {
	var cursor uint64
	err := s.db.View(func(btx *bolt.Tx) error {
		cursor = DecodeUint64(btx.Bucket([]byte(CursorBucket)).Get([]byte(name)))
		return nil
	})
	if err != nil {
		return 0, errors.ErrStorage.WithCause(err)
	}
	return cursor, nil
}

func (s *Store) setCursor(name string, seq uint64) error {
	err := s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket([]byte(CursorBucket)).Put([]byte(name), Uint64Key(seq))
	})
	if err != nil {
		return errors.ErrStorage.WithCause(err).WithContext("publisher", name)
	}
	return nil
}

// pending 读取序号大于 cursor 的全部事件
func (s *Store) pending(cursor uint64) ([]models.Event, uint64, error) {
	var (
		events []models.Event
		last   = cursor
	)
	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket([]byte(OutboxBucket)).Cursor()
		for k, v := c.Seek(Uint64Key(cursor + 1)); k != nil; k, v = c.Next() {
			var event models.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("解析发件箱事件 %d 失败: %w", DecodeUint64(k), err)
			}
			events = append(events, event)
			last = DecodeUint64(k)
		}
		return nil
	})
	if err != nil {
		return nil, cursor, errors.ErrStorage.WithCause(err)
	}
	return events, last, nil
}

// compactOutbox 删除所有已注册发布者都确认过的事件
func (s *Store) compactOutbox(publishers []namedPublisher) error {
	err := s.db.Update(func(btx *bolt.Tx) error {
		cursors := btx.Bucket([]byte(CursorBucket))
		floor := ^uint64(0)
		for _, p := range publishers {
			floor = min(floor, DecodeUint64(cursors.Get([]byte(p.name))))
		}
		if floor == 0 {
			return nil
		}

		outbox := btx.Bucket([]byte(OutboxBucket))
		var acked [][]byte
		c := outbox.Cursor()
		for k, _ := c.First(); k != nil && DecodeUint64(k) <= floor; k, _ = c.Next() {
			acked = append(acked, append([]byte(nil), k...))
		}
		for _, k := range acked {
			if err := outbox.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.ErrStorage.WithCause(err)
	}
	return nil
}

// PendingEvents 发件箱中等待确认的事件数
func (s *Store) PendingEvents() int {
	n := 0
	_ = s.db.View(func(btx *bolt.Tx) error {
		n = btx.Bucket([]byte(OutboxBucket)).Stats().KeyN
		return nil
	})
	return n
}
