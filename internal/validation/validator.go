package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/commitment"
	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

var hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")

// Validator 命令行和查询接口的输入验证器
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式下警告也视为失败
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Errors   []*errors.BridgeError `json:"errors,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
	DataType string                `json:"data_type"`
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
	v.AddRule(NewAmountValidationRule())
	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// Validate 按名称执行验证规则
func (v *Validator) Validate(ruleName string, data interface{}) error {
	rule, ok := v.rules[ruleName]
	if !ok {
		return fmt.Errorf("未知的验证规则: %s", ruleName)
	}
	return rule.Validate(data)
}

// ValidateUnlockRequest 提交前检查解锁请求，承诺哈希按 chainID 重新计算
func (v *Validator) ValidateUnlockRequest(req *models.UnlockRequest, chainID uint64) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		DataType: "unlock_request",
		Errors:   make([]*errors.BridgeError, 0),
		Warnings: make([]string, 0),
	}
	if req == nil {
		result.fail(errors.ErrInvalidCommitment.WithContext("reason", "请求为空"))
		return result
	}

	if req.User == (common.Address{}) {
		result.fail(errors.ErrInvalidAddress.WithContext("field", "user"))
	}
	if req.Amount == nil || req.Amount.IsZero() {
		result.fail(errors.ErrAmountZero)
	} else {
		expected := commitment.Hash(req.User, req.Amount, req.ExternalTxID, uint256.NewInt(chainID))
		if expected != req.CommitmentHash {
			result.fail(errors.ErrInvalidCommitment.
				WithContext("expected", expected.Hex()).
				WithContext("actual", req.CommitmentHash.Hex()))
		}
	}
	if len(req.Proof) == 0 {
		result.Warnings = append(result.Warnings, "证明为空")
	}
	if req.ExternalTxID == (common.Hash{}) {
		result.Warnings = append(result.Warnings, "外部交易ID为零")
	}

	if v.strictMode && len(result.Warnings) > 0 {
		result.Valid = false
	}
	for _, err := range result.Errors {
		_ = v.errorHandler.HandleError(context.Background(), err)
	}
	return result
}

func (r *ValidationResult) fail(err *errors.BridgeError) {
	r.Valid = false
	r.Errors = append(r.Errors, err.WithComponent("validation"))
}

// ParseAddress 解析十六进制地址，拒绝零地址
func ParseAddress(s string) (common.Address, error) {
	if !isValidAddress(s) {
		return common.Address{}, errors.ErrInvalidAddress.WithContext("input", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, errors.ErrInvalidAddress.WithContext("input", s)
	}
	return addr, nil
}

// ParseHash 解析32字节十六进制哈希
func ParseHash(s string) (common.Hash, error) {
	if !isValidHash(s) {
		return common.Hash{}, errors.NewBridgeError(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_HASH_FORMAT", "哈希格式无效").WithContext("input", s)
	}
	return common.HexToHash(s), nil
}

// ParseAmount 解析十进制或0x开头的十六进制金额，拒绝零
func ParseAmount(s string) (*uint256.Int, error) {
	var (
		amount *uint256.Int
		err    error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		amount, err = uint256.FromHex(s)
	} else {
		amount, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return nil, errors.NewBridgeError(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_AMOUNT_FORMAT", "金额格式无效").WithCause(err).WithContext("input", s)
	}
	if amount.IsZero() {
		return nil, errors.ErrAmountZero.WithContext("input", s)
	}
	return amount, nil
}

// ParseHexBytes 解析0x开头的字节串
func ParseHexBytes(s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.NewBridgeError(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_HEX_FORMAT", "十六进制数据格式无效").WithCause(err).WithContext("input", s)
	}
	return b, nil
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式，要求0x前缀
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	return common.IsHexAddress(addr)
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseAddress(addr)
	return err
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "哈希值验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseHash(hash)
	return err
}

// AmountValidationRule 金额验证规则
type AmountValidationRule struct{}

func NewAmountValidationRule() *AmountValidationRule {
	return &AmountValidationRule{}
}

func (r *AmountValidationRule) Name() string {
	return "amount"
}

func (r *AmountValidationRule) Description() string {
	return "非零256位金额验证规则"
}

func (r *AmountValidationRule) Validate(data interface{}) error {
	switch amount := data.(type) {
	case string:
		_, err := ParseAmount(amount)
		return err
	case *uint256.Int:
		if amount == nil || amount.IsZero() {
			return errors.ErrAmountZero
		}
		return nil
	default:
		return fmt.Errorf("数据类型不是金额")
	}
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
