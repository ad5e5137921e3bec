package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ActionStatus 时间锁操作状态
type ActionStatus uint8

const (
	ActionPending ActionStatus = iota
	ActionExecuted
	ActionCanceled
)

var actionStatusNames = map[ActionStatus]string{
	ActionPending:  "Pending",
	ActionExecuted: "Executed",
	ActionCanceled: "Canceled",
}

// String 返回状态名称
func (s ActionStatus) String() string {
	if name, ok := actionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// MarshalText 以名称形式序列化
func (s ActionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 从名称反序列化
func (s *ActionStatus) UnmarshalText(text []byte) error {
	for k, v := range actionStatusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("未知的操作状态: %s", text)
}

// IsTerminal 是否为终态
func (s ActionStatus) IsTerminal() bool {
	return s == ActionExecuted || s == ActionCanceled
}

// TimelockAction 时间锁操作记录
type TimelockAction struct {
	ID       common.Hash    `json:"id"`
	Executor common.Address `json:"executor"`
	Payload  []byte         `json:"payload"`
	Delay    uint64         `json:"delay"`     // 秒
	QueuedAt uint64         `json:"queued_at"` // unix 秒
	ReadyAt  uint64         `json:"ready_at"`  // unix 秒
	Status   ActionStatus   `json:"status"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (a *TimelockAction) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"id":        a.ID.Hex(),
		"executor":  a.Executor.Hex(),
		"payload":   common.Bytes2Hex(a.Payload),
		"delay":     a.Delay,
		"queued_at": a.QueuedAt,
		"ready_at":  a.ReadyAt,
		"status":    a.Status.String(),
	}
}
