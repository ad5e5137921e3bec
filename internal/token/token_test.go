package token

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbridge/internal/access"
	"zkbridge/internal/errors"
	"zkbridge/internal/storage"
	"zkbridge/pkg/models"
)

var (
	admin  = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	minter = common.HexToAddress("0x000000000000000000000000000000000000a1a1")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type eventCollector struct {
	events []models.Event
}

func (c *eventCollector) Publish(ctx context.Context, events []models.Event) error {
	c.events = append(c.events, events...)
	return nil
}

func newTestToken(t *testing.T) (*BoltToken, *eventCollector) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	store, err := storage.Open(filepath.Join(t.TempDir(), "token.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClock()
	roles, err := access.NewRegistry(store, clock, logger)
	require.NoError(t, err)
	require.NoError(t, roles.Bootstrap(ctx, admin))
	require.NoError(t, roles.GrantRole(ctx, admin, access.RoleMinter, minter))

	tok, err := NewBoltToken("l1", store, roles, clock, logger)
	require.NoError(t, err)

	events := &eventCollector{}
	store.AddPublisher("events", events)
	return tok, events
}

func balance(t *testing.T, tok *BoltToken, who common.Address) uint64 {
	t.Helper()
	b, err := tok.BalanceOf(context.Background(), who)
	require.NoError(t, err)
	return b.Uint64()
}

func TestBoltToken_MintBurnConservation(t *testing.T) {
	tok, events := newTestToken(t)
	ctx := context.Background()

	require.NoError(t, tok.Mint(ctx, minter, alice, uint256.NewInt(1000)))
	assert.True(t, errors.Is(tok.Mint(ctx, alice, alice, uint256.NewInt(1)), errors.ErrUnauthorized))

	require.NoError(t, tok.Burn(ctx, alice, alice, uint256.NewInt(400)))
	assert.True(t, errors.Is(tok.Burn(ctx, alice, alice, uint256.NewInt(601)), errors.ErrInsufficientBalance))
	assert.True(t, errors.Is(tok.Burn(ctx, bob, alice, uint256.NewInt(1)), errors.ErrUnauthorized))

	supply, err := tok.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), supply.Uint64())
	assert.Equal(t, uint64(600), balance(t, tok, alice))

	require.Len(t, events.events, 2)
	mint := events.events[0].Data.(*models.Transfer)
	assert.Equal(t, common.Address{}, mint.From)
	burn := events.events[1].Data.(*models.Transfer)
	assert.Equal(t, common.Address{}, burn.To)
}

func TestBoltToken_TransferAndAllowance(t *testing.T) {
	tok, _ := newTestToken(t)
	ctx := context.Background()
	require.NoError(t, tok.Mint(ctx, minter, alice, uint256.NewInt(100)))

	require.NoError(t, tok.Transfer(ctx, alice, bob, uint256.NewInt(30)))
	assert.Equal(t, uint64(70), balance(t, tok, alice))
	assert.Equal(t, uint64(30), balance(t, tok, bob))
	assert.True(t, errors.Is(tok.Transfer(ctx, alice, common.Address{}, uint256.NewInt(1)), errors.ErrInvalidAddress))

	assert.True(t, errors.Is(tok.TransferFrom(ctx, bob, alice, bob, uint256.NewInt(10)), errors.ErrInsufficientAllowance))

	require.NoError(t, tok.Approve(ctx, alice, bob, uint256.NewInt(50)))
	require.NoError(t, tok.TransferFrom(ctx, bob, alice, bob, uint256.NewInt(20)))

	allowance, err := tok.Allowance(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), allowance.Uint64())
	assert.Equal(t, uint64(50), balance(t, tok, alice))
	assert.Equal(t, uint64(50), balance(t, tok, bob))

	// 余额不足时授权额度不变
	require.NoError(t, tok.Approve(ctx, alice, bob, uint256.NewInt(1000)))
	assert.True(t, errors.Is(tok.TransferFrom(ctx, bob, alice, bob, uint256.NewInt(51)), errors.ErrInsufficientBalance))
	allowance, err = tok.Allowance(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), allowance.Uint64())
}

func TestBoltToken_RejectsMissingOrZeroAmount(t *testing.T) {
	tok, events := newTestToken(t)
	ctx := context.Background()
	require.NoError(t, tok.Mint(ctx, minter, alice, uint256.NewInt(100)))
	require.NoError(t, tok.Approve(ctx, alice, bob, uint256.NewInt(10)))

	for _, amount := range []*uint256.Int{nil, uint256.NewInt(0)} {
		assert.True(t, errors.Is(tok.Mint(ctx, minter, alice, amount), errors.ErrAmountZero))
		assert.True(t, errors.Is(tok.Burn(ctx, alice, alice, amount), errors.ErrAmountZero))
		assert.True(t, errors.Is(tok.Transfer(ctx, alice, bob, amount), errors.ErrAmountZero))
		assert.True(t, errors.Is(tok.TransferFrom(ctx, bob, alice, bob, amount), errors.ErrAmountZero))
	}
	assert.True(t, errors.Is(tok.Approve(ctx, alice, bob, nil), errors.ErrAmountZero))

	// 零额度用于撤销授权
	require.NoError(t, tok.Approve(ctx, alice, bob, uint256.NewInt(0)))
	allowance, err := tok.Allowance(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, allowance.IsZero())

	assert.Equal(t, uint64(100), balance(t, tok, alice))
	assert.Len(t, events.events, 3, "被拒绝的调用不产生事件")
}
