package validation

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbridge/internal/commitment"
	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

const testChainID = 11155111

func validRequest() *models.UnlockRequest {
	user := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	amount := uint256.NewInt(1000)
	txID := common.HexToHash("0x01")
	return &models.UnlockRequest{
		Proof:          []byte{0x01},
		User:           user,
		Amount:         amount,
		ExternalTxID:   txID,
		CommitmentHash: commitment.Hash(user, amount, txID, uint256.NewInt(testChainID)),
	}
}

func TestNewValidator(t *testing.T) {
	validator := NewValidator(logrus.New(), true)

	assert.NotNil(t, validator)
	assert.True(t, validator.strictMode)
	assert.Equal(t, 3, len(validator.rules)) // 默认注册的规则数量
}

func TestValidateUnlockRequest_Valid(t *testing.T) {
	validator := NewValidator(logrus.New(), false)

	result := validator.ValidateUnlockRequest(validRequest(), testChainID)

	assert.True(t, result.Valid)
	assert.Equal(t, "unlock_request", result.DataType)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateUnlockRequest_WrongChain(t *testing.T) {
	validator := NewValidator(logrus.New(), false)

	result := validator.ValidateUnlockRequest(validRequest(), 1)

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "INVALID_COMMITMENT", result.Errors[0].Code)
	assert.Equal(t, "validation", result.Errors[0].Component)
}

func TestValidateUnlockRequest_ZeroFields(t *testing.T) {
	validator := NewValidator(logrus.New(), false)

	req := validRequest()
	req.User = common.Address{}
	req.Amount = uint256.NewInt(0)

	result := validator.ValidateUnlockRequest(req, testChainID)

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "INVALID_ADDRESS", result.Errors[0].Code)
	assert.Equal(t, "AMOUNT_ZERO", result.Errors[1].Code)
}

func TestValidateUnlockRequest_StrictModeWarnings(t *testing.T) {
	req := validRequest()
	req.Proof = nil

	lenient := NewValidator(logrus.New(), false).ValidateUnlockRequest(req, testChainID)
	assert.True(t, lenient.Valid)
	assert.Len(t, lenient.Warnings, 1)

	strict := NewValidator(logrus.New(), true).ValidateUnlockRequest(req, testChainID)
	assert.False(t, strict.Valid)
	assert.Empty(t, strict.Errors)
}

func TestValidateUnlockRequest_Nil(t *testing.T) {
	result := NewValidator(logrus.New(), false).ValidateUnlockRequest(nil, testChainID)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x1234567890abcdef1234567890abcdef12345678")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678"), addr)

	for _, input := range []string{
		"",
		"1234567890abcdef1234567890abcdef12345678",
		"0x0000000000000000000000000000000000000000",
		"0x1234",
	} {
		_, err := ParseAddress(input)
		assert.ErrorIs(t, err, errors.ErrInvalidAddress, input)
	}
}

func TestParseHash(t *testing.T) {
	h, err := ParseHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef")
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"), h)

	_, err = ParseHash("0x1234")
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected uint64
		wantErr  bool
	}{
		{name: "decimal", input: "1000", expected: 1000},
		{name: "hex", input: "0x3e8", expected: 1000},
		{name: "zero", input: "0", wantErr: true},
		{name: "garbage", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, amount.Uint64())
		})
	}

	_, err := ParseAmount("0")
	assert.ErrorIs(t, err, errors.ErrAmountZero)
}

func TestParseHexBytes(t *testing.T) {
	b, err := ParseHexBytes("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	_, err = ParseHexBytes("deadbeef")
	assert.Error(t, err)
}

func TestValidate_Rules(t *testing.T) {
	validator := NewValidator(logrus.New(), false)

	assert.NoError(t, validator.Validate("address", "0x1234567890abcdef1234567890abcdef12345678"))
	assert.Error(t, validator.Validate("address", 42))
	assert.NoError(t, validator.Validate("hash", "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"))
	assert.NoError(t, validator.Validate("amount", uint256.NewInt(1)))
	assert.ErrorIs(t, validator.Validate("amount", uint256.NewInt(0)), errors.ErrAmountZero)
	assert.Error(t, validator.Validate("unknown", "x"))
}

func TestIsValidHash(t *testing.T) {
	tests := []struct {
		name     string
		hash     string
		expected bool
	}{
		{
			name:     "valid hash",
			hash:     "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			expected: true,
		},
		{
			name:     "invalid hash - no 0x prefix",
			hash:     "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			expected: false,
		},
		{
			name:     "invalid hash - too short",
			hash:     "0x123456",
			expected: false,
		},
		{
			name:     "invalid hash - too long",
			hash:     "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef12",
			expected: false,
		},
		{
			name:     "invalid hash - invalid characters",
			hash:     "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdeX",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isValidHash(tt.hash))
		})
	}
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		expected bool
	}{
		{
			name:     "valid address",
			address:  "0x1234567890abcdef1234567890abcdef12345678",
			expected: true,
		},
		{
			name:     "invalid address - no 0x prefix",
			address:  "1234567890abcdef1234567890abcdef12345678",
			expected: false,
		},
		{
			name:     "invalid address - too short",
			address:  "0x123456",
			expected: false,
		},
		{
			name:     "invalid address - invalid characters",
			address:  "0x1234567890abcdef1234567890abcdef1234567X",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isValidAddress(tt.address))
		})
	}
}
