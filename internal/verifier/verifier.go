package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/config"
	"zkbridge/internal/errors"
	"zkbridge/internal/logging"
)

// ProofVerifier 外部证明验证器，对同一证明重复注册由验证器自身拒绝
type ProofVerifier interface {
	VerifyAndRegister(ctx context.Context, params, proof []byte, publicInputs []common.Hash, programID common.Hash) (bool, error)
}

// verifyRequest 验证服务请求体
type verifyRequest struct {
	ProgramID    common.Hash   `json:"program_id"`
	ProofParams  hexutil.Bytes `json:"proof_params"`
	Proof        hexutil.Bytes `json:"proof"`
	PublicInputs []common.Hash `json:"public_inputs"`
}

// verifyResponse 验证服务响应体
type verifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// HTTPVerifier 通过 HTTP JSON 调用验证服务
type HTTPVerifier struct {
	url    string
	client *retryablehttp.Client
	logger *logrus.Logger
}

// NewHTTPVerifier 创建验证服务客户端
// 验证同时登记证明，重发可能被当作重复注册，所以 HTTP 层不重试，由调用方决定
func NewHTTPVerifier(cfg *config.VerifierConfig, logger *logrus.Logger) *HTTPVerifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient = &http.Client{Timeout: config.TimeoutDuration(cfg.Timeout, 10*time.Second)}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logging.NewHTTPClientLogger(logger, "verifier")

	return &HTTPVerifier{
		url:    strings.TrimRight(cfg.URL, "/") + "/verify",
		client: client,
		logger: logger,
	}
}

// VerifyAndRegister 提交证明，返回验证结果
// 网络错误和非200响应都视为验证器不可用，不代表证明无效
func (v *HTTPVerifier) VerifyAndRegister(ctx context.Context, params, proof []byte, publicInputs []common.Hash, programID common.Hash) (bool, error) {
	body, err := json.Marshal(&verifyRequest{
		ProgramID:    programID,
		ProofParams:  params,
		Proof:        proof,
		PublicInputs: publicInputs,
	})
	if err != nil {
		return false, errors.WrapError(err, errors.ErrorTypeSystem, errors.SeverityHigh, "ENCODE_FAILED", "编码验证请求失败")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, v.url, body)
	if err != nil {
		return false, errors.ErrVerifierUnavailable.WithCause(err).WithComponent("verifier")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := v.client.Do(req)
	if err != nil {
		return false, errors.ErrVerifierUnavailable.WithCause(err).WithComponent("verifier")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, errors.ErrVerifierUnavailable.WithCause(err).WithComponent("verifier")
	}
	if resp.StatusCode != http.StatusOK {
		return false, errors.ErrVerifierUnavailable.
			WithCause(fmt.Errorf("验证服务返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))).
			WithComponent("verifier")
	}

	var result verifyResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return false, errors.ErrVerifierUnavailable.
			WithCause(fmt.Errorf("解析验证响应失败: %w", err)).
			WithComponent("verifier")
	}

	v.logger.WithFields(logrus.Fields{
		"component":  "verifier",
		"program_id": programID.Hex(),
		"valid":      result.Valid,
		"duration":   time.Since(start),
	}).Debug("证明验证完成")

	if !result.Valid && result.Error != "" {
		v.logger.WithField("component", "verifier").Warnf("证明被拒绝: %s", result.Error)
	}
	return result.Valid, nil
}
