package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"

	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

type txKey struct{}

// Tx 一次存储事务，同时暂存本事务产生的事件
type Tx struct {
	tx     *bolt.Tx
	store  *Store
	events []models.Event
}

func withTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext 取出 ctx 中携带的事务
func FromContext(ctx context.Context) (*Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok && tx != nil
}

// Writable 是否为读写事务
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

// Bucket 获取存储桶，读写事务中不存在时自动创建
func (t *Tx) Bucket(name string) (*bolt.Bucket, error) {
	if b := t.tx.Bucket([]byte(name)); b != nil {
		return b, nil
	}
	if !t.tx.Writable() {
		return nil, nil
	}
	b, err := t.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, errors.ErrStorage.WithCause(err).WithContext("bucket", name)
	}
	return b, nil
}

// Get 读取键值，返回值是拷贝，可在事务结束后使用
func (t *Tx) Get(bucket string, key []byte) ([]byte, error) {
	b, err := t.Bucket(bucket)
	if err != nil || b == nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

// Has 键是否存在
func (t *Tx) Has(bucket string, key []byte) (bool, error) {
	v, err := t.Get(bucket, key)
	return v != nil, err
}

// Put 写入键值
func (t *Tx) Put(bucket string, key, value []byte) error {
	b, err := t.Bucket(bucket)
	if err != nil {
		return err
	}
	if b == nil {
		return errors.ErrStorage.WithContext("reason", "只读事务中不能写入").WithContext("bucket", bucket)
	}
	if err := b.Put(key, value); err != nil {
		return errors.ErrStorage.WithCause(err).WithContext("bucket", bucket)
	}
	return nil
}

// Delete 删除键
func (t *Tx) Delete(bucket string, key []byte) error {
	b, err := t.Bucket(bucket)
	if err != nil || b == nil {
		return err
	}
	if err := b.Delete(key); err != nil {
		return errors.ErrStorage.WithCause(err).WithContext("bucket", bucket)
	}
	return nil
}

// GetJSON 读取并反序列化JSON值，键不存在时返回 false
func (t *Tx) GetJSON(bucket string, key []byte, v interface{}) (bool, error) {
	data, err := t.Get(bucket, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.ErrStorage.WithCause(fmt.Errorf("反序列化失败: %w", err)).WithContext("bucket", bucket)
	}
	return true, nil
}

// PutJSON 序列化为JSON并写入
func (t *Tx) PutJSON(bucket string, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.ErrStorage.WithCause(fmt.Errorf("序列化失败: %w", err)).WithContext("bucket", bucket)
	}
	return t.Put(bucket, key, data)
}

// GetAmount 读取32字节大端金额，键不存在时为零
func (t *Tx) GetAmount(bucket string, key []byte) (*uint256.Int, error) {
	data, err := t.Get(bucket, key)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(data), nil
}

// PutAmount 以32字节大端写入金额
func (t *Tx) PutAmount(bucket string, key []byte, v *uint256.Int) error {
	b := v.Bytes32()
	return t.Put(bucket, key, b[:])
}

// ForEach 按键的字节序遍历存储桶
func (t *Tx) ForEach(bucket string, fn func(k, v []byte) error) error {
	b, err := t.Bucket(bucket)
	if err != nil || b == nil {
		return err
	}
	return b.ForEach(fn)
}

// Seek 从 after 之后（不含）开始按字节序遍历，fn 返回 false 时停止
func (t *Tx) Seek(bucket string, after []byte, fn func(k, v []byte) bool) error {
	b, err := t.Bucket(bucket)
	if err != nil || b == nil {
		return err
	}
	c := b.Cursor()
	var k, v []byte
	if after == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(after)
		if k != nil && bytes.Equal(k, after) {
			k, v = c.Next()
		}
	}
	for ; k != nil; k, v = c.Next() {
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

// Emit 暂存事件，事务提交后才会发布
func (t *Tx) Emit(event models.Event) {
	t.events = append(t.events, event)
}

// Events 已暂存的事件
func (t *Tx) Events() []models.Event {
	return t.events
}
