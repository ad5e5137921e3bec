package replay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/errors"
	"zkbridge/internal/storage"
)

// Namespace 一类重放标记，各自占用独立的存储桶
type Namespace struct {
	Bucket   string
	Conflict *errors.BridgeError
}

var (
	// Proofs 证明字节哈希
	Proofs = Namespace{Bucket: "replay_proofs", Conflict: errors.ErrProofReused}
	// Commitments 解锁承诺哈希
	Commitments = Namespace{Bucket: "replay_commitments", Conflict: errors.ErrCommitmentReused}
	// Burns L2 已发出的销毁承诺，同一承诺在 L1 只能解锁一次
	Burns = Namespace{Bucket: "replay_burns", Conflict: errors.ErrCommitmentReused}
)

var marker = []byte{1}

// Guard 只写一次的"已使用"集合，标记永不清除
type Guard struct {
	store  *storage.Store
	logger *logrus.Logger
}

// NewGuard 创建重放保护
func NewGuard(store *storage.Store, logger *logrus.Logger, namespaces ...Namespace) (*Guard, error) {
	if len(namespaces) == 0 {
		namespaces = []Namespace{Proofs, Commitments}
	}
	buckets := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		buckets = append(buckets, ns.Bucket)
	}
	if err := store.EnsureBuckets(buckets...); err != nil {
		return nil, err
	}
	return &Guard{store: store, logger: logger}, nil
}

// Seen 哈希是否已被标记
func (g *Guard) Seen(ctx context.Context, ns Namespace, h common.Hash) (bool, error) {
	var seen bool
	err := g.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		seen, err = tx.Has(ns.Bucket, h.Bytes())
		return err
	})
	return seen, err
}

// Check 已标记时返回该命名空间的冲突错误
func (g *Guard) Check(ctx context.Context, ns Namespace, h common.Hash) error {
	seen, err := g.Seen(ctx, ns, h)
	if err != nil {
		return err
	}
	if seen {
		return ns.Conflict.WithContext("hash", h.Hex()).WithComponent("replay")
	}
	return nil
}

// Mark 标记哈希，重复标记返回冲突错误
func (g *Guard) Mark(ctx context.Context, ns Namespace, h common.Hash) error {
	return g.store.Update(ctx, func(ctx context.Context, tx *storage.Tx) error {
		seen, err := tx.Has(ns.Bucket, h.Bytes())
		if err != nil {
			return err
		}
		if seen {
			return ns.Conflict.WithContext("hash", h.Hex()).WithComponent("replay")
		}
		if err := tx.Put(ns.Bucket, h.Bytes(), marker); err != nil {
			return err
		}
		g.logger.WithFields(logrus.Fields{
			"component": "replay",
			"bucket":    ns.Bucket,
			"hash":      h.Hex(),
		}).Debug("标记重放保护键")
		return nil
	})
}
