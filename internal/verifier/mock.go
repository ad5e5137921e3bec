package verifier

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
)

// MockVerifier 测试用验证器
type MockVerifier struct {
	mock.Mock
}

// VerifyAndRegister 返回预设的验证结果
func (m *MockVerifier) VerifyAndRegister(ctx context.Context, params, proof []byte, publicInputs []common.Hash, programID common.Hash) (bool, error) {
	args := m.Called(ctx, params, proof, publicInputs, programID)
	return args.Bool(0), args.Error(1)
}
