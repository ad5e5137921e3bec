package prover

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/mock"
)

// MockProver 测试用证明服务
type MockProver struct {
	mock.Mock
}

// Prove 返回预设的证明
func (m *MockProver) Prove(ctx context.Context, user common.Address, amount *uint256.Int, txID, commitmentHash common.Hash) (*Proof, error) {
	args := m.Called(ctx, user, amount, txID, commitmentHash)
	proof, _ := args.Get(0).(*Proof)
	return proof, args.Error(1)
}
