package connection

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/config"
	"zkbridge/internal/errors"
)

// ChainIDReader 能返回链ID的节点客户端
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// DialFunc 建立节点连接
type DialFunc func(ctx context.Context, url string) (ChainIDReader, error)

func dialEthclient(ctx context.Context, url string) (ChainIDReader, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ChainProbe 核对 L1 节点链ID与本地配置是否一致
type ChainProbe struct {
	url      string
	expected uint64
	timeout  time.Duration
	dial     DialFunc
	clock    clockwork.Clock
	logger   *logrus.Logger

	mu        sync.RWMutex
	isHealthy bool
	lastCheck time.Time
	lastErr   error
}

// NewChainProbe 创建链ID探测器
func NewChainProbe(cfg *config.ChainConfig, expected uint64, clock clockwork.Clock, logger *logrus.Logger) *ChainProbe {
	return NewChainProbeWithDialer(cfg, expected, dialEthclient, clock, logger)
}

// NewChainProbeWithDialer 使用自定义连接函数创建探测器
func NewChainProbeWithDialer(cfg *config.ChainConfig, expected uint64, dial DialFunc, clock clockwork.Clock, logger *logrus.Logger) *ChainProbe {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ChainProbe{
		url:      cfg.RPCURL,
		expected: expected,
		timeout:  config.TimeoutDuration(cfg.Timeout, 10*time.Second),
		dial:     dial,
		clock:    clock,
		logger:   logger,
	}
}

// Check 连接节点并比较链ID
func (p *ChainProbe) Check(ctx context.Context) error {
	err := p.check(ctx)

	p.mu.Lock()
	p.isHealthy = err == nil
	p.lastCheck = p.clock.Now()
	p.lastErr = err
	p.mu.Unlock()

	return err
}

func (p *ChainProbe) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := p.dial(ctx, p.url)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeExternalDependency, errors.SeverityHigh,
			"CHAIN_UNREACHABLE", "连接节点失败").WithContext("url", p.url).WithComponent("connection")
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeExternalDependency, errors.SeverityHigh,
			"CHAIN_UNREACHABLE", "查询链ID失败").WithContext("url", p.url).WithComponent("connection")
	}
	if !chainID.IsUint64() || chainID.Uint64() != p.expected {
		return errors.ErrConfigInvalid.
			WithCause(fmt.Errorf("节点链ID %s 与配置 %d 不一致", chainID, p.expected)).
			WithContext("url", p.url).
			WithComponent("connection")
	}

	p.logger.WithFields(logrus.Fields{
		"component": "connection",
		"chain_id":  p.expected,
	}).Debug("节点链ID核对通过")
	return nil
}

// Monitor 按周期检查节点，直到 ctx 取消
func (p *ChainProbe) Monitor(ctx context.Context, interval time.Duration) {
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := p.Check(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithField("component", "connection").WithError(err).Warn("节点健康检查失败")
			}
		}
	}
}

// IsHealthy 最近一次检查是否通过
func (p *ChainProbe) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isHealthy
}

// GetStats 获取探测统计信息
func (p *ChainProbe) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := map[string]interface{}{
		"url":        p.url,
		"chain_id":   p.expected,
		"is_healthy": p.isHealthy,
	}
	if !p.lastCheck.IsZero() {
		stats["last_check"] = p.lastCheck.Format(time.RFC3339)
	}
	if p.lastErr != nil {
		stats["last_error"] = p.lastErr.Error()
	}
	return stats
}
