package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/errors"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数
	InitialInterval     time.Duration `json:"initial_interval"`     // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子
	RandomizationFactor float64       `json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter"`        // 启用抖动
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         5,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         30 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
	EnableJitter:        true,
}

// RelayRetryConfig 中继提交解锁的重试配置
var RelayRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// 只拿到错误文本时按这些片段识别临时故障
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"no such host",
	"network is unreachable",
	"broken pipe",
}

// IsRetryableError 判断是否可以重试
// 桥错误按类别判断，其它错误只有网络类故障可以重试
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := errors.AsBridgeError(err); ok {
		return errors.IsRetryable(err)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	config *RetryConfig
	clock  clockwork.Clock
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, clock clockwork.Clock, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retrier{
		config: config,
		clock:  clock,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute 执行操作，可重试的失败按指数退避重试，直到成功或次数用尽
func (r *Retrier) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	entry := r.logger.WithField("operation", operation)

	attempts := max(r.config.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				entry.Debugf("第 %d 次尝试成功", attempt)
			}
			return nil
		}
		if !IsRetryableError(err) {
			entry.WithError(err).Debug("失败且不可重试")
			return err
		}
		if attempt == attempts {
			break
		}

		wait := r.backoff(attempt)
		entry.WithError(err).Debugf("第 %d 次失败，%v 后重试", attempt, wait)
		select {
		case <-r.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	entry.WithError(err).Errorf("%d 次尝试后仍然失败", attempts)
	return fmt.Errorf("重试 %d 次后失败: %w", attempts, err)
}

// backoff 第 attempt 次失败后的等待时间
func (r *Retrier) backoff(attempt int) time.Duration {
	wait := math.Min(
		float64(r.config.InitialInterval)*math.Pow(r.config.BackoffFactor, float64(attempt-1)),
		float64(r.config.MaxInterval),
	)
	if !r.config.EnableJitter || r.config.RandomizationFactor <= 0 {
		return time.Duration(wait)
	}

	spread := wait * r.config.RandomizationFactor
	r.mu.Lock()
	wait += (r.rand.Float64()*2 - 1) * spread
	r.mu.Unlock()
	if wait < 0 {
		return r.config.InitialInterval
	}
	return time.Duration(wait)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}
