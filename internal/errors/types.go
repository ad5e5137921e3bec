package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 权限相关错误
	ErrorTypeAuthorization ErrorType = iota

	// 参数校验错误，发生在任何状态修改之前
	ErrorTypeValidation

	// 状态冲突（重放、重复投票、终态再次迁移）
	ErrorTypeStateConflict

	// 记录不存在
	ErrorTypeNotFound

	// 外部依赖（验证器、代币账本、下游执行器）
	ErrorTypeExternalDependency

	// 系统相关错误
	ErrorTypeStorage
	ErrorTypeConfig
	ErrorTypeKafka
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// BridgeError 自定义错误类型
type BridgeError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
}

// Error 实现error接口
func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，预定义错误经过 WithContext 复制后仍可用 errors.Is 判断
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *BridgeError) IsRetryable() bool {
	return e.Retryable
}

// clone 复制错误，预定义错误是共享的，不能原地修改
func (e *BridgeError) clone() *BridgeError {
	c := *e
	c.Timestamp = time.Now()
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// WithContext 添加上下文信息（返回副本）
func (e *BridgeError) WithContext(key string, value interface{}) *BridgeError {
	c := e.clone()
	if c.Context == nil {
		c.Context = make(map[string]interface{})
	}
	c.Context[key] = value
	return c
}

// WithComponent 标记出错组件（返回副本）
func (e *BridgeError) WithComponent(component string) *BridgeError {
	c := e.clone()
	c.Component = component
	return c
}

// WithCause 附加底层错误（返回副本）
func (e *BridgeError) WithCause(cause error) *BridgeError {
	c := e.clone()
	c.Cause = cause
	return c
}

// NewBridgeError 创建新的错误
func NewBridgeError(errorType ErrorType, severity ErrorSeverity, code, message string) *BridgeError {
	return &BridgeError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *BridgeError {
	return &BridgeError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
// 系统内部从不重试，该标记只供外部调用方（例如中继器）参考
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeExternalDependency, ErrorTypeStorage, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// permanent 标记为不可重试，用于外部依赖给出的确定性结论
func permanent(e *BridgeError) *BridgeError {
	e.Retryable = false
	return e
}

// Is 等价于标准库 errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As 等价于标准库 errors.As
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// AsBridgeError 提取错误链中的 BridgeError
func AsBridgeError(err error) (*BridgeError, bool) {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRetryable 判断错误链中是否为可重试的 BridgeError
func IsRetryable(err error) bool {
	if be, ok := AsBridgeError(err); ok {
		return be.Retryable
	}
	return false
}

// 预定义错误
var (
	// 权限错误
	ErrUnauthorized = NewBridgeError(
		ErrorTypeAuthorization,
		SeverityMedium,
		"UNAUTHORIZED",
		"调用方无权限",
	)

	ErrOnlyGovernance = NewBridgeError(
		ErrorTypeAuthorization,
		SeverityMedium,
		"ONLY_GOVERNANCE",
		"仅治理角色可调用",
	)

	ErrOnlyAdmin = NewBridgeError(
		ErrorTypeAuthorization,
		SeverityMedium,
		"ONLY_ADMIN",
		"仅管理员可调用",
	)

	ErrOnlyApprovedRelayer = NewBridgeError(
		ErrorTypeAuthorization,
		SeverityMedium,
		"ONLY_APPROVED_RELAYER",
		"仅已批准的中继者可调用",
	)

	// 参数校验错误
	ErrInvalidCommitment = NewBridgeError(
		ErrorTypeValidation,
		SeverityHigh,
		"INVALID_COMMITMENT",
		"承诺哈希与重新计算的结果不一致",
	)

	ErrDelayTooShort = NewBridgeError(
		ErrorTypeValidation,
		SeverityLow,
		"DELAY_TOO_SHORT",
		"延迟小于最小延迟",
	)

	ErrDurationInvalid = NewBridgeError(
		ErrorTypeValidation,
		SeverityLow,
		"DURATION_INVALID",
		"提案时长无效",
	)

	ErrAmountZero = NewBridgeError(
		ErrorTypeValidation,
		SeverityLow,
		"AMOUNT_ZERO",
		"金额不能为零",
	)

	ErrAmountOverflow = NewBridgeError(
		ErrorTypeValidation,
		SeverityHigh,
		"AMOUNT_OVERFLOW",
		"金额溢出",
	)

	ErrInvalidAddress = NewBridgeError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_ADDRESS",
		"地址无效",
	)

	// 状态冲突错误
	ErrProofReused = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityHigh,
		"PROOF_REUSED",
		"证明已被使用",
	)

	ErrCommitmentReused = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityHigh,
		"COMMITMENT_REUSED",
		"承诺已被使用",
	)

	ErrAlreadyVoted = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"ALREADY_VOTED",
		"该地址已投票",
	)

	ErrNotPending = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityMedium,
		"NOT_PENDING",
		"操作不处于待执行状态",
	)

	ErrAlreadyStarted = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"ALREADY_STARTED",
		"投票已开始",
	)

	ErrActionAlreadyQueued = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityMedium,
		"ACTION_ALREADY_QUEUED",
		"相同内容的操作已存在",
	)

	ErrProposalExists = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"PROPOSAL_EXISTS",
		"提案已存在",
	)

	ErrNothingToClaim = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"NOTHING_TO_CLAIM",
		"没有可领取的余额",
	)

	ErrDelayNotElapsed = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"DELAY_NOT_ELAPSED",
		"延迟尚未结束",
	)

	ErrPollWindowClosed = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"POLL_WINDOW_CLOSED",
		"投票窗口已关闭",
	)

	ErrNotInPollPhase = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"NOT_IN_POLL_PHASE",
		"提案不在投票阶段",
	)

	ErrPollNotEnded = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"POLL_NOT_ENDED",
		"投票阶段尚未结束",
	)

	ErrNotInBindingPhase = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"NOT_IN_BINDING_PHASE",
		"提案不在约束性表决阶段",
	)

	ErrProposalNotApproved = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"PROPOSAL_NOT_APPROVED",
		"提案未通过约束性表决",
	)

	ErrNoVotingPower = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityLow,
		"NO_VOTING_POWER",
		"投票权重为零",
	)

	ErrInsufficientBalance = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityMedium,
		"INSUFFICIENT_BALANCE",
		"余额不足",
	)

	ErrInsufficientAllowance = NewBridgeError(
		ErrorTypeStateConflict,
		SeverityMedium,
		"INSUFFICIENT_ALLOWANCE",
		"授权额度不足",
	)

	// 不存在错误
	ErrProposalNotFound = NewBridgeError(
		ErrorTypeNotFound,
		SeverityLow,
		"PROPOSAL_NOT_FOUND",
		"提案不存在",
	)

	ErrActionNotFound = NewBridgeError(
		ErrorTypeNotFound,
		SeverityLow,
		"ACTION_NOT_FOUND",
		"时间锁操作不存在",
	)

	// 外部依赖错误
	// 验证器明确判定证明无效，同一证明重试结果不变
	ErrInvalidProof = permanent(NewBridgeError(
		ErrorTypeExternalDependency,
		SeverityHigh,
		"INVALID_PROOF",
		"证明验证失败",
	))

	ErrVerifierUnavailable = NewBridgeError(
		ErrorTypeExternalDependency,
		SeverityHigh,
		"VERIFIER_UNAVAILABLE",
		"证明验证器调用失败",
	)

	ErrExecutorFailed = NewBridgeError(
		ErrorTypeExternalDependency,
		SeverityHigh,
		"EXECUTOR_FAILED",
		"下游执行器调用失败",
	)

	ErrTokenCallFailed = NewBridgeError(
		ErrorTypeExternalDependency,
		SeverityHigh,
		"TOKEN_CALL_FAILED",
		"代币账本调用失败",
	)

	ErrProverUnavailable = NewBridgeError(
		ErrorTypeExternalDependency,
		SeverityMedium,
		"PROVER_UNAVAILABLE",
		"证明生成服务调用失败",
	)

	// 系统错误
	ErrStorage = NewBridgeError(
		ErrorTypeStorage,
		SeverityCritical,
		"STORAGE_FAILED",
		"存储操作失败",
	)

	ErrConfigInvalid = NewBridgeError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrKafkaProduceFailed = NewBridgeError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeAuthorization:      "Authorization",
	ErrorTypeValidation:         "Validation",
	ErrorTypeStateConflict:      "StateConflict",
	ErrorTypeNotFound:           "NotFound",
	ErrorTypeExternalDependency: "ExternalDependency",
	ErrorTypeStorage:            "Storage",
	ErrorTypeConfig:             "Config",
	ErrorTypeKafka:              "Kafka",
	ErrorTypeSystem:             "System",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	ErrorsByCode      map[string]int        `json:"errors_by_code"`
	RecentErrors      []*BridgeError        `json:"recent_errors"`
	LastError         *BridgeError          `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		ErrorsByCode:      make(map[string]int),
		RecentErrors:      make([]*BridgeError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *BridgeError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	es.ErrorsByCode[err.Code]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
