package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *BridgeError) error
}

// ErrorCallback 错误回调函数，指标采集通过它接入
type ErrorCallback func(err *BridgeError)

// ThresholdConfig 告警阈值
// 同一组件连续失败次数或每小时错误数超限时升级为错误日志
type ThresholdConfig struct {
	MaxErrorsPerHour     int           `json:"max_errors_per_hour"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
	CooldownPeriod       time.Duration `json:"cooldown_period"`
}

// 默认阈值：业务拒绝允许大量出现，配置和存储故障几次就要告警
var defaultThresholds = map[ErrorSeverity]ThresholdConfig{
	SeverityLow:      {MaxErrorsPerHour: 1000, MaxConsecutiveErrors: 100, CooldownPeriod: 5 * time.Minute},
	SeverityMedium:   {MaxErrorsPerHour: 200, MaxConsecutiveErrors: 20, CooldownPeriod: 10 * time.Minute},
	SeverityHigh:     {MaxErrorsPerHour: 50, MaxConsecutiveErrors: 5, CooldownPeriod: 30 * time.Minute},
	SeverityCritical: {MaxErrorsPerHour: 5, MaxConsecutiveErrors: 2, CooldownPeriod: time.Hour},
}

// componentState 单个组件的连续失败情况
type componentState struct {
	consecutive int
	lastAlert   time.Time
}

// ErrorHandler 错误处理器
// 统计失败操作、按严重级别写日志并在超限时告警，本身不做重试
type ErrorHandler struct {
	logger *logrus.Logger
	now    func() time.Time

	mu         sync.RWMutex
	stats      *ErrorStats
	strategies map[ErrorType]ErrorStrategy
	callbacks  []ErrorCallback
	thresholds map[ErrorSeverity]ThresholdConfig
	components map[string]*componentState
}

// NewErrorHandler 创建错误处理器，所有错误类型默认走日志策略
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		now:        time.Now,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy, len(errorTypeNames)),
		thresholds: make(map[ErrorSeverity]ThresholdConfig, len(defaultThresholds)),
		components: make(map[string]*componentState),
	}

	logging := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = logging
	}
	for severity, threshold := range defaultThresholds {
		eh.thresholds[severity] = threshold
	}
	return eh
}

// HandleError 处理错误并原样返回（非桥错误包装为 UNKNOWN_ERROR）
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	bridgeErr, ok := AsBridgeError(err)
	if !ok {
		bridgeErr = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	if reason := eh.record(bridgeErr); reason != "" {
		eh.logger.WithFields(logrus.Fields{
			"error_code": bridgeErr.Code,
			"component":  bridgeErr.Component,
			"severity":   bridgeErr.Severity.String(),
		}).Errorf("错误达到告警阈值: %s", reason)
	}

	eh.notify(bridgeErr)

	eh.mu.RLock()
	strategy, exists := eh.strategies[bridgeErr.Type]
	eh.mu.RUnlock()
	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}
	return strategy.Handle(ctx, bridgeErr)
}

// record 记入统计并判断是否需要告警，返回告警原因
// 同一组件在冷却期内只告警一次
func (eh *ErrorHandler) record(err *BridgeError) string {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	eh.stats.RecordError(err)

	threshold, exists := eh.thresholds[err.Severity]
	if !exists {
		return ""
	}

	state := eh.components[err.Component]
	if state == nil {
		state = &componentState{}
		eh.components[err.Component] = state
	}
	state.consecutive++

	var reason string
	switch {
	case threshold.MaxConsecutiveErrors > 0 && state.consecutive >= threshold.MaxConsecutiveErrors:
		reason = "连续失败次数超限"
	case threshold.MaxErrorsPerHour > 0 && eh.stats.GetErrorRate(time.Hour) > float64(threshold.MaxErrorsPerHour):
		reason = "每小时错误数超限"
	default:
		return ""
	}

	now := eh.now()
	if !state.lastAlert.IsZero() && now.Sub(state.lastAlert) < threshold.CooldownPeriod {
		return ""
	}
	state.lastAlert = now
	return reason
}

// RecordSuccess 组件操作成功，清零其连续失败计数
func (eh *ErrorHandler) RecordSuccess(component string) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if state, ok := eh.components[component]; ok {
		state.consecutive = 0
	}
}

// ConsecutiveErrors 组件当前的连续失败次数
func (eh *ErrorHandler) ConsecutiveErrors(component string) int {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	if state, ok := eh.components[component]; ok {
		return state.consecutive
	}
	return 0
}

// notify 依次执行回调，单个回调 panic 不影响其它回调
func (eh *ErrorHandler) notify(err *BridgeError) {
	eh.mu.RLock()
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.RUnlock()

	for _, cb := range callbacks {
		eh.safeCall(func() { cb(err) })
	}
}

func (eh *ErrorHandler) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	fn()
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置某类错误的处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// SetThreshold 设置阈值
func (eh *ErrorHandler) SetThreshold(severity ErrorSeverity, config ThresholdConfig) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.thresholds[severity] = config
}

// GetStats 获取错误统计
func (eh *ErrorHandler) GetStats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats
}

// ClearStats 清除统计和连续失败计数
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
	eh.components = make(map[string]*componentState)
}

// LoggingStrategy 按严重级别写日志
type LoggingStrategy struct {
	logger *logrus.Logger
}

// Handle 写日志，业务拒绝（校验、冲突）属于正常流量只在调试级别输出
func (ls *LoggingStrategy) Handle(ctx context.Context, err *BridgeError) error {
	entry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
		"context":    err.Context,
	})
	if err.Cause != nil {
		entry = entry.WithError(err.Cause)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
	return err
}

// AlertStrategy 告警策略，把错误交给外部告警函数
type AlertStrategy struct {
	alertFunc func(err *BridgeError)
	logger    *logrus.Logger
}

// NewAlertStrategy 创建告警策略
func NewAlertStrategy(alertFunc func(err *BridgeError), logger *logrus.Logger) *AlertStrategy {
	return &AlertStrategy{alertFunc: alertFunc, logger: logger}
}

// Handle 调用告警函数
func (as *AlertStrategy) Handle(ctx context.Context, err *BridgeError) error {
	defer func() {
		if r := recover(); r != nil {
			as.logger.Errorf("告警函数执行时发生panic: %v", r)
		}
	}()
	as.alertFunc(err)
	return err
}

// CompositeStrategy 组合策略，按顺序执行全部子策略
type CompositeStrategy []ErrorStrategy

// NewCompositeStrategy 创建组合策略
func NewCompositeStrategy(strategies ...ErrorStrategy) CompositeStrategy {
	return CompositeStrategy(strategies)
}

// Handle 返回最后一个非空结果
func (cs CompositeStrategy) Handle(ctx context.Context, err *BridgeError) error {
	var lastErr error
	for _, strategy := range cs {
		if strategyErr := strategy.Handle(ctx, err); strategyErr != nil {
			lastErr = strategyErr
		}
	}
	return lastErr
}
