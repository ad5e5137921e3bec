package prover

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
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/config"
	"zkbridge/internal/errors"
	"zkbridge/internal/logging"
)

// Proof 证明生成服务的结果
type Proof struct {
	Params []byte
	Proof  []byte
}

// Prover 为一次 L2 销毁生成证明
type Prover interface {
	Prove(ctx context.Context, user common.Address, amount *uint256.Int, txID, commitmentHash common.Hash) (*Proof, error)
}

// proveRequest 证明服务请求体
type proveRequest struct {
	User           common.Address `json:"user"`
	Amount         string         `json:"amount"`
	TxID           common.Hash    `json:"tx_id"`
	CommitmentHash common.Hash    `json:"commitment_hash"`
}

// proveResponse 证明服务响应体
type proveResponse struct {
	ProofParams hexutil.Bytes `json:"proof_params"`
	Proof       hexutil.Bytes `json:"proof"`
	Error       string        `json:"error,omitempty"`
}

// HTTPProver 通过 HTTP JSON 调用证明生成服务
type HTTPProver struct {
	url    string
	client *retryablehttp.Client
	logger *logrus.Logger
}

// NewHTTPProver 创建证明服务客户端
// 生成证明没有副作用，5xx、429 和连接错误在 HTTP 层按 RetryMax 重试
func NewHTTPProver(cfg *config.ProverConfig, logger *logrus.Logger) *HTTPProver {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient = &http.Client{Timeout: config.TimeoutDuration(cfg.Timeout, 60*time.Second)}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logging.NewHTTPClientLogger(logger, "prover")

	return &HTTPProver{
		url:    strings.TrimRight(cfg.URL, "/") + "/prove",
		client: client,
		logger: logger,
	}
}

// Prove 请求证明，任何失败都返回 ErrProverUnavailable
func (p *HTTPProver) Prove(ctx context.Context, user common.Address, amount *uint256.Int, txID, commitmentHash common.Hash) (*Proof, error) {
	body, err := json.Marshal(&proveRequest{
		User:           user,
		Amount:         amount.Dec(),
		TxID:           txID,
		CommitmentHash: commitmentHash,
	})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSystem, errors.SeverityHigh, "ENCODE_FAILED", "编码证明请求失败")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.url, body)
	if err != nil {
		return nil, p.unavailable(err, commitmentHash)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.unavailable(err, commitmentHash)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.unavailable(err, commitmentHash)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.unavailable(fmt.Errorf("证明服务返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), commitmentHash)
	}

	var result proveResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, p.unavailable(fmt.Errorf("解析证明响应失败: %w", err), commitmentHash)
	}
	if result.Error != "" || len(result.Proof) == 0 {
		return nil, p.unavailable(fmt.Errorf("证明服务未返回证明: %s", result.Error), commitmentHash)
	}

	p.logger.WithFields(logrus.Fields{
		"component":       "prover",
		"commitment_hash": commitmentHash.Hex(),
		"proof_size":      len(result.Proof),
		"duration":        time.Since(start),
	}).Debug("证明已生成")

	return &Proof{Params: result.ProofParams, Proof: result.Proof}, nil
}

func (p *HTTPProver) unavailable(err error, commitmentHash common.Hash) error {
	return errors.ErrProverUnavailable.
		WithCause(err).
		WithContext("commitment_hash", commitmentHash.Hex()).
		WithComponent("prover")
}
