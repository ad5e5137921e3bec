// Package metrics 以 prometheus 格式导出桥、时间锁、治理和中继的运行指标
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

const namespace = "zkbridge"

// 中继处理结果标签
const (
	RelayUnlocked = "unlocked"
	RelaySkipped  = "skipped"
	RelayFailed   = "failed"
	RelayDeferred = "deferred" // 暂时失败，稍后重新处理同一条消息
)

// Metrics 运行指标，作为存储的事件发布者统计已提交的事件
type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	unlocked     prometheus.Counter
	claimed      prometheus.Counter
	burned       prometheus.Counter
	errors       *prometheus.CounterVec
	relayResults *prometheus.CounterVec
	relayOffset  prometheus.Gauge
}

// New 创建指标并注册到独立的 registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "已提交事务发布的事件数",
		}, []string{"type"}),
		unlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocked_amount_total",
			Help:      "证明解锁记入的金额（低64位累计）",
		}),
		claimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claimed_amount_total",
			Help:      "用户领取的金额（低64位累计）",
		}),
		burned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burned_amount_total",
			Help:      "L2 销毁的金额（低128位中的低64位累计）",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "按错误码统计的失败操作数",
		}, []string{"code", "type"}),
		relayResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "burns_total",
			Help:      "中继处理的销毁事件数",
		}, []string{"result"}),
		relayOffset: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "offset",
			Help:      "最近处理的 Kafka 偏移量",
		}),
	}
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Publish 统计事件
func (m *Metrics) Publish(ctx context.Context, events []models.Event) error {
	for _, event := range events {
		m.events.WithLabelValues(string(event.Type)).Inc()

		switch data := event.Data.(type) {
		case *models.FundsUnlocked:
			if data.Amount != nil {
				m.unlocked.Add(float64(data.Amount.Uint64()))
			}
		case *models.FundsClaimed:
			if data.Amount != nil {
				m.claimed.Add(float64(data.Amount.Uint64()))
			}
		case *models.BurnEvent:
			if data.AmountLow != nil {
				m.burned.Add(float64(data.AmountLow.Uint64()))
			}
		}
	}
	return nil
}

// RecordError 作为 ErrorHandler 回调记录错误
func (m *Metrics) RecordError(err *errors.BridgeError) {
	m.errors.WithLabelValues(err.Code, err.Type.String()).Inc()
}

// RecordRelay 记录一次中继处理结果，暂缓的消息不更新偏移量
func (m *Metrics) RecordRelay(result string, offset int64) {
	m.relayResults.WithLabelValues(result).Inc()
	if result != RelayDeferred {
		m.relayOffset.Set(float64(offset))
	}
}
