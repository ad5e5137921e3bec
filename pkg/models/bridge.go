package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// UnlockCommitment 解锁承诺，其规范哈希即重放保护键
type UnlockCommitment struct {
	User         common.Address `json:"user"`
	Amount       *uint256.Int   `json:"amount"`
	ExternalTxID common.Hash    `json:"external_tx_id"`
	ChainContext *uint256.Int   `json:"chain_context"` // 目标链ID
}

// UnlockRequest 中继者提交的解锁请求
type UnlockRequest struct {
	ProofParams    []byte         `json:"proof_params"`
	Proof          []byte         `json:"proof"`
	User           common.Address `json:"user"`
	Amount         *uint256.Int   `json:"amount"`
	ExternalTxID   common.Hash    `json:"external_tx_id"`
	CommitmentHash common.Hash    `json:"commitment_hash"`
}

// LedgerTotals 账本守恒计数
// 不变量: TotalCredited - TotalClaimed == 所有可领取余额之和
type LedgerTotals struct {
	TotalCredited *uint256.Int `json:"total_credited"`
	TotalClaimed  *uint256.Int `json:"total_claimed"`
	Outstanding   *uint256.Int `json:"outstanding"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (t *LedgerTotals) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"total_credited": amountString(t.TotalCredited),
		"total_claimed":  amountString(t.TotalClaimed),
		"outstanding":    amountString(t.Outstanding),
	}
}
