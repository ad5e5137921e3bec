package commitment

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

// Domain 解锁承诺的域分隔标签
const Domain = "ZKBRIDGE_UNLOCK_V1"

var (
	domainSeparator = crypto.Keccak256([]byte(Domain))
	low128Mask      = new(uint256.Int).Rsh(new(uint256.Int).SetAllOne(), 128)
)

// Hash 计算解锁承诺哈希，L1 控制器和 L2 销毁方都必须调用此函数
//
//	keccak256(keccak256(Domain) ‖ user ‖ amountLow ‖ amountHigh ‖ txID ‖ chainID)
//
// 每一项都是32字节大端字，地址左侧补零，金额拆成高低128位
func Hash(user common.Address, amount *uint256.Int, txID common.Hash, chainID *uint256.Int) common.Hash {
	if amount == nil {
		amount = new(uint256.Int)
	}
	if chainID == nil {
		chainID = new(uint256.Int)
	}
	low, high := SplitAmount(amount)
	lowWord := low.Bytes32()
	highWord := high.Bytes32()
	chainWord := chainID.Bytes32()

	return crypto.Keccak256Hash(
		domainSeparator,
		common.LeftPadBytes(user.Bytes(), 32),
		lowWord[:],
		highWord[:],
		txID.Bytes(),
		chainWord[:],
	)
}

// HashCommitment 计算 UnlockCommitment 的规范哈希
func HashCommitment(c *models.UnlockCommitment) common.Hash {
	return Hash(c.User, c.Amount, c.ExternalTxID, c.ChainContext)
}

// ProofHash 证明字节的哈希，作为证明重放保护键
func ProofHash(proof []byte) common.Hash {
	return crypto.Keccak256Hash(proof)
}

// SplitAmount 把金额拆成低128位和高128位
func SplitAmount(amount *uint256.Int) (low, high *uint256.Int) {
	low = new(uint256.Int).And(amount, low128Mask)
	high = new(uint256.Int).Rsh(amount, 128)
	return low, high
}

// JoinAmount 由高低128位还原金额，任一半超过128位时返回错误
func JoinAmount(low, high *uint256.Int) (*uint256.Int, error) {
	if low == nil || high == nil {
		return nil, errors.ErrAmountZero.WithComponent("commitment")
	}
	if low.BitLen() > 128 || high.BitLen() > 128 {
		return nil, errors.ErrAmountOverflow.WithComponent("commitment")
	}
	amount := new(uint256.Int).Lsh(high, 128)
	return amount.Or(amount, low), nil
}

// PublicInputs 提交给验证器的公开输入 [user, amount, txID, commitmentHash]
func PublicInputs(user common.Address, amount *uint256.Int, txID, commitmentHash common.Hash) []common.Hash {
	return []common.Hash{
		common.BytesToHash(user.Bytes()),
		common.Hash(amount.Bytes32()),
		txID,
		commitmentHash,
	}
}
