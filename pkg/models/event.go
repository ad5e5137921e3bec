package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType 事件类型
type EventType string

const (
	EventFundsLocked          EventType = "FundsLocked"
	EventFundsUnlocked        EventType = "FundsUnlocked"
	EventFundsClaimed         EventType = "FundsClaimed"
	EventRelayerStatusChanged EventType = "RelayerStatusChanged"
	EventBurn                 EventType = "BurnEvent"
	EventActionQueued         EventType = "ActionQueued"
	EventActionExecuted       EventType = "ActionExecuted"
	EventActionCanceled       EventType = "ActionCanceled"
	EventMinimumDelayChanged  EventType = "MinimumDelayChanged"
	EventPollStarted          EventType = "PollStarted"
	EventPollVoted            EventType = "PollVoted"
	EventPollResultUpdated    EventType = "PollResultUpdated"
	EventBindingVoted         EventType = "BindingVoted"
	EventProposalFinalized    EventType = "ProposalFinalized"
	EventProposalExecuted     EventType = "ProposalExecuted"
	EventTransfer             EventType = "Transfer"
	EventApproval             EventType = "Approval"
	EventRoleGranted          EventType = "RoleGranted"
	EventRoleRevoked          EventType = "RoleRevoked"
)

// Event 对外发布的事件，只有在事务提交成功后才会发布
type Event struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key"` // 分区键（用户地址、操作ID或提案ID）
	Timestamp time.Time `json:"timestamp"`
	Data      Payload   `json:"data"`
}

// Payload 事件负载
type Payload interface {
	// Fields 转换为扁平字段，用于日志和Kafka消息
	Fields() map[string]interface{}
}

// NewEvent 创建事件
func NewEvent(eventType EventType, key string, ts time.Time, data Payload) Event {
	return Event{
		Type:      eventType,
		Key:       key,
		Timestamp: ts,
		Data:      data,
	}
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *Event) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"type":      string(e.Type),
		"key":       e.Key,
		"timestamp": e.Timestamp.Unix(),
	}
	if e.Data != nil {
		msg["data"] = e.Data.Fields()
	}
	return msg
}

// newPayload 按事件类型创建空负载，用于从存储中还原事件
func newPayload(t EventType) (Payload, error) {
	switch t {
	case EventFundsLocked:
		return &FundsLocked{}, nil
	case EventFundsUnlocked:
		return &FundsUnlocked{}, nil
	case EventFundsClaimed:
		return &FundsClaimed{}, nil
	case EventRelayerStatusChanged:
		return &RelayerStatusChanged{}, nil
	case EventBurn:
		return &BurnEvent{}, nil
	case EventActionQueued:
		return &ActionQueued{}, nil
	case EventActionExecuted:
		return &ActionExecutedEvent{}, nil
	case EventActionCanceled:
		return &ActionCanceledEvent{}, nil
	case EventMinimumDelayChanged:
		return &MinimumDelayChanged{}, nil
	case EventPollStarted:
		return &PollStarted{}, nil
	case EventPollVoted, EventBindingVoted:
		return &VoteCast{}, nil
	case EventPollResultUpdated, EventProposalFinalized:
		return &ProposalResult{}, nil
	case EventProposalExecuted:
		return &ProposalExecutedEvent{}, nil
	case EventTransfer:
		return &Transfer{}, nil
	case EventApproval:
		return &Approval{}, nil
	case EventRoleGranted, EventRoleRevoked:
		return &RoleChanged{}, nil
	}
	return nil, fmt.Errorf("未知的事件类型: %q", t)
}

// UnmarshalJSON 按 type 字段还原具体的负载类型
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      EventType       `json:"type"`
		Key       string          `json:"key"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Event{Type: raw.Type, Key: raw.Key, Timestamp: raw.Timestamp}
	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return nil
	}
	payload, err := newPayload(raw.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw.Data, payload); err != nil {
		return fmt.Errorf("解析 %s 事件负载失败: %w", raw.Type, err)
	}
	e.Data = payload
	return nil
}

// amountString 金额的十进制表示，nil 视为 0
func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// FundsLocked L1 锁仓事件
type FundsLocked struct {
	User   common.Address `json:"user"`
	Amount *uint256.Int   `json:"amount"`
	Nonce  uint64         `json:"nonce"`
}

func (p *FundsLocked) Fields() map[string]interface{} {
	return map[string]interface{}{
		"user":   p.User.Hex(),
		"amount": amountString(p.Amount),
		"nonce":  p.Nonce,
	}
}

// FundsUnlocked 证明验证通过后的记账事件
type FundsUnlocked struct {
	User           common.Address `json:"user"`
	Amount         *uint256.Int   `json:"amount"`
	CommitmentHash common.Hash    `json:"commitment_hash"`
}

func (p *FundsUnlocked) Fields() map[string]interface{} {
	return map[string]interface{}{
		"user":            p.User.Hex(),
		"amount":          amountString(p.Amount),
		"commitment_hash": p.CommitmentHash.Hex(),
	}
}

// FundsClaimed 用户领取事件
type FundsClaimed struct {
	User   common.Address `json:"user"`
	Amount *uint256.Int   `json:"amount"`
}

func (p *FundsClaimed) Fields() map[string]interface{} {
	return map[string]interface{}{
		"user":   p.User.Hex(),
		"amount": amountString(p.Amount),
	}
}

// RelayerStatusChanged 中继者状态变更
type RelayerStatusChanged struct {
	Relayer  common.Address `json:"relayer"`
	Approved bool           `json:"approved"`
}

func (p *RelayerStatusChanged) Fields() map[string]interface{} {
	return map[string]interface{}{
		"relayer":  p.Relayer.Hex(),
		"approved": p.Approved,
	}
}

// BurnEvent L2 销毁承诺事件，金额拆成高低128位
type BurnEvent struct {
	User           common.Address `json:"user"`
	AmountLow      *uint256.Int   `json:"amount_low"`
	AmountHigh     *uint256.Int   `json:"amount_high"`
	TxID           common.Hash    `json:"tx_id"`
	CommitmentHash common.Hash    `json:"commitment_hash"`
}

func (p *BurnEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"user":            p.User.Hex(),
		"amount_low":      amountString(p.AmountLow),
		"amount_high":     amountString(p.AmountHigh),
		"tx_id":           p.TxID.Hex(),
		"commitment_hash": p.CommitmentHash.Hex(),
	}
}

// ActionQueued 时间锁操作入队
type ActionQueued struct {
	ActionID common.Hash    `json:"action_id"`
	Executor common.Address `json:"executor"`
	Delay    uint64         `json:"delay"`
	ReadyAt  uint64         `json:"ready_at"`
	Payload  []byte         `json:"payload"`
}

func (p *ActionQueued) Fields() map[string]interface{} {
	return map[string]interface{}{
		"action_id": p.ActionID.Hex(),
		"executor":  p.Executor.Hex(),
		"delay":     p.Delay,
		"ready_at":  p.ReadyAt,
		"payload":   common.Bytes2Hex(p.Payload),
	}
}

// ActionExecutedEvent 时间锁操作已执行
type ActionExecutedEvent struct {
	ActionID common.Hash    `json:"action_id"`
	Executor common.Address `json:"executor"`
	Caller   common.Address `json:"caller"`
}

func (p *ActionExecutedEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"action_id": p.ActionID.Hex(),
		"executor":  p.Executor.Hex(),
		"caller":    p.Caller.Hex(),
	}
}

// ActionCanceledEvent 时间锁操作已取消
type ActionCanceledEvent struct {
	ActionID common.Hash `json:"action_id"`
}

func (p *ActionCanceledEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"action_id": p.ActionID.Hex(),
	}
}

// MinimumDelayChanged 最小延迟变更
type MinimumDelayChanged struct {
	OldDelay uint64 `json:"old_delay"`
	NewDelay uint64 `json:"new_delay"`
}

func (p *MinimumDelayChanged) Fields() map[string]interface{} {
	return map[string]interface{}{
		"old_delay": p.OldDelay,
		"new_delay": p.NewDelay,
	}
}

// PollStarted 投票开始
type PollStarted struct {
	ProposalID uint64 `json:"proposal_id"`
	PollEndAt  uint64 `json:"poll_end_at"`
}

func (p *PollStarted) Fields() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id": p.ProposalID,
		"poll_end_at": p.PollEndAt,
	}
}

// VoteCast 投票事件，PollVoted 与 BindingVoted 共用
type VoteCast struct {
	ProposalID uint64         `json:"proposal_id"`
	Voter      common.Address `json:"voter"`
	Support    bool           `json:"support"`
	Weight     *uint256.Int   `json:"weight"`
}

func (p *VoteCast) Fields() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id": p.ProposalID,
		"voter":       p.Voter.Hex(),
		"support":     p.Support,
		"weight":      amountString(p.Weight),
	}
}

// ProposalResult 计票结果，PollResultUpdated 与 ProposalFinalized 共用
type ProposalResult struct {
	ProposalID   uint64         `json:"proposal_id"`
	Status       ProposalStatus `json:"status"`
	VotesFor     *uint256.Int   `json:"votes_for"`
	VotesAgainst *uint256.Int   `json:"votes_against"`
}

func (p *ProposalResult) Fields() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id":   p.ProposalID,
		"status":        p.Status.String(),
		"votes_for":     amountString(p.VotesFor),
		"votes_against": amountString(p.VotesAgainst),
	}
}

// ProposalExecutedEvent 提案已执行
type ProposalExecutedEvent struct {
	ProposalID uint64         `json:"proposal_id"`
	Caller     common.Address `json:"caller"`
}

func (p *ProposalExecutedEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id": p.ProposalID,
		"caller":      p.Caller.Hex(),
	}
}

// Transfer 代币转账（from 为零地址表示铸造，to 为零地址表示销毁）
type Transfer struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (p *Transfer) Fields() map[string]interface{} {
	return map[string]interface{}{
		"from":   p.From.Hex(),
		"to":     p.To.Hex(),
		"amount": amountString(p.Amount),
	}
}

// Approval 代币授权
type Approval struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

func (p *Approval) Fields() map[string]interface{} {
	return map[string]interface{}{
		"owner":   p.Owner.Hex(),
		"spender": p.Spender.Hex(),
		"amount":  amountString(p.Amount),
	}
}

// RoleChanged 角色授予/撤销
type RoleChanged struct {
	Role    string         `json:"role"`
	Account common.Address `json:"account"`
	Sender  common.Address `json:"sender"`
}

func (p *RoleChanged) Fields() map[string]interface{} {
	return map[string]interface{}{
		"role":    p.Role,
		"account": p.Account.Hex(),
		"sender":  p.Sender.Hex(),
	}
}
