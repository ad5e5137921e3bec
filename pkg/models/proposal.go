package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ProposalStatus 提案状态
type ProposalStatus uint8

const (
	ProposalPending ProposalStatus = iota
	ProposalPollActive
	ProposalPollPassed
	ProposalPollFailed
	ProposalApproved
	ProposalRejected
	ProposalExecuted
)

var proposalStatusNames = map[ProposalStatus]string{
	ProposalPending:    "Pending",
	ProposalPollActive: "PollActive",
	ProposalPollPassed: "PollPassed",
	ProposalPollFailed: "PollFailed",
	ProposalApproved:   "Approved",
	ProposalRejected:   "Rejected",
	ProposalExecuted:   "Executed",
}

// String 返回状态名称
func (s ProposalStatus) String() string {
	if name, ok := proposalStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// MarshalText 以名称形式序列化
func (s ProposalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 从名称反序列化
func (s *ProposalStatus) UnmarshalText(text []byte) error {
	for k, v := range proposalStatusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("未知的提案状态: %s", text)
}

// Proposal DAO 提案
type Proposal struct {
	ID             uint64         `json:"id"`
	Description    string         `json:"description"`
	Creator        common.Address `json:"creator"`
	CreatedAt      uint64         `json:"created_at"`
	PollEndAt      uint64         `json:"poll_end_at"`
	VotingEndAt    uint64         `json:"voting_end_at"`
	VotesFor       *uint256.Int   `json:"votes_for"`
	VotesAgainst   *uint256.Int   `json:"votes_against"`
	BindingFor     *uint256.Int   `json:"binding_for"`
	BindingAgainst *uint256.Int   `json:"binding_against"`
	Status         ProposalStatus `json:"status"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (p *Proposal) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"id":              p.ID,
		"description":     p.Description,
		"creator":         p.Creator.Hex(),
		"created_at":      p.CreatedAt,
		"poll_end_at":     p.PollEndAt,
		"voting_end_at":   p.VotingEndAt,
		"votes_for":       amountString(p.VotesFor),
		"votes_against":   amountString(p.VotesAgainst),
		"binding_for":     amountString(p.BindingFor),
		"binding_against": amountString(p.BindingAgainst),
		"status":          p.Status.String(),
	}
}

// VoteReceipt 投票回执，每个 (提案, 投票人) 只写一次
type VoteReceipt struct {
	Support bool         `json:"support"`
	Weight  *uint256.Int `json:"weight"`
	CastAt  uint64       `json:"cast_at"`
}
