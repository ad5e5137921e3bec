package relayer

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"zkbridge/pkg/models"
)

// eventMessage Kafka 中的事件消息，与输出器写入的格式一致
type eventMessage struct {
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type burnData struct {
	User           string `json:"user"`
	AmountLow      string `json:"amount_low"`
	AmountHigh     string `json:"amount_high"`
	TxID           string `json:"tx_id"`
	CommitmentHash string `json:"commitment_hash"`
}

// DecodeBurn 解析销毁事件消息，非销毁事件返回 (nil, nil)
func DecodeBurn(value []byte) (*models.BurnEvent, error) {
	var msg eventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("解析事件消息失败: %w", err)
	}
	if models.EventType(msg.Type) != models.EventBurn {
		return nil, nil
	}

	var data burnData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fmt.Errorf("解析销毁事件数据失败: %w", err)
	}

	if !common.IsHexAddress(data.User) {
		return nil, fmt.Errorf("无效的用户地址: %q", data.User)
	}
	low, err := uint256.FromDecimal(data.AmountLow)
	if err != nil {
		return nil, fmt.Errorf("无效的低位金额 %q: %w", data.AmountLow, err)
	}
	high, err := uint256.FromDecimal(data.AmountHigh)
	if err != nil {
		return nil, fmt.Errorf("无效的高位金额 %q: %w", data.AmountHigh, err)
	}
	txID, err := decodeHash(data.TxID)
	if err != nil {
		return nil, fmt.Errorf("无效的交易ID: %w", err)
	}
	commitmentHash, err := decodeHash(data.CommitmentHash)
	if err != nil {
		return nil, fmt.Errorf("无效的承诺哈希: %w", err)
	}

	return &models.BurnEvent{
		User:           common.HexToAddress(data.User),
		AmountLow:      low,
		AmountHigh:     high,
		TxID:           txID,
		CommitmentHash: commitmentHash,
	}, nil
}

func decodeHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("长度应为 %d 字节，实际 %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
