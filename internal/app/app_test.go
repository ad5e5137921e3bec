package app

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbridge/internal/access"
	"zkbridge/internal/config"
	"zkbridge/internal/decoder"
	"zkbridge/internal/errors"
	"zkbridge/internal/output"
	"zkbridge/internal/prover"
	"zkbridge/internal/storage"
	"zkbridge/internal/verifier"
	"zkbridge/pkg/models"
)

var (
	admin       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	user        = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type testEnv struct {
	app   *App
	clock clockwork.FakeClock
}

func newTestApp(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "zkbridge.db")
	cfg.Bridge.Admin = admin.Hex()
	cfg.Bridge.Relayers = []string{relayerAddr.Hex()}
	cfg.Timelock.MinimumDelay = 60

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))

	a, err := New(context.Background(), cfg, logger, Options{
		Clock:    clock,
		Verifier: &verifier.MockVerifier{},
		Output:   output.NopOutput{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &testEnv{app: a, clock: clock}
}

// executeThroughTimelock 排队并在延迟到期后执行
func (e *testEnv) executeThroughTimelock(t *testing.T, payload []byte) (common.Hash, error) {
	t.Helper()
	ctx := context.Background()
	id, err := e.app.Timelock.Queue(ctx, admin, e.app.Executor(), 60, payload)
	require.NoError(t, err)
	e.clock.Advance(61 * time.Second)
	return id, e.app.Timelock.Execute(ctx, admin, id)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "zkbridge.db")
	cfg.DAO.PollThreshold = "abc"

	_, err := New(context.Background(), cfg, logrus.New(), Options{Output: output.NopOutput{}})
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

// collectingOutput 记录收到的事件，fail 为真时发布失败
type collectingOutput struct {
	fail   bool
	events []models.Event
}

func (o *collectingOutput) Publish(ctx context.Context, events []models.Event) error {
	if o.fail {
		return fmt.Errorf("broker down")
	}
	o.events = append(o.events, events...)
	return nil
}

func (o *collectingOutput) Close() error { return nil }

func TestNew_RedeliversEventsLeftInOutbox(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "zkbridge.db")
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	// 上次运行提交了销毁事件，但输出在确认前失败
	store, err := storage.Open(cfg.Storage.Path, logger)
	require.NoError(t, err)
	store.AddPublisher("output", &collectingOutput{fail: true})
	require.NoError(t, store.Update(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		tx.Emit(models.NewEvent(models.EventBurn, user.Hex(), time.Unix(1_700_000_000, 0), &models.BurnEvent{
			User:      user,
			AmountLow: uint256.NewInt(5),
			TxID:      common.HexToHash("0x01"),
		}))
		return nil
	}))
	require.NoError(t, store.Close())

	out := &collectingOutput{}
	a, err := New(context.Background(), cfg, logger, Options{
		Clock:    clockwork.NewFakeClock(),
		Verifier: &verifier.MockVerifier{},
		Output:   out,
	})
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, out.events, 1)
	burn, ok := out.events[0].Data.(*models.BurnEvent)
	require.True(t, ok)
	assert.Equal(t, uint256.NewInt(5), burn.AmountLow)
	assert.Equal(t, 0, a.Store.PendingEvents())
}

func TestInit(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, env.app.Init(ctx))

	for _, tc := range []struct {
		role    access.Role
		account common.Address
	}{
		{access.RoleAdmin, admin},
		{access.RoleGovernance, admin},
		{access.RoleMinter, admin},
		{access.RoleAdmin, env.app.Executor()},
		{access.RoleGovernance, env.app.Executor()},
	} {
		ok, err := env.app.Roles.HasRole(ctx, tc.role, tc.account)
		require.NoError(t, err)
		assert.True(t, ok, "%s 应当拥有 %s", tc.account.Hex(), tc.role)
	}

	ok, err := env.app.Bridge.IsRelayer(ctx, relayerAddr)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, env.app.Init(ctx), "重复初始化应当失败")
}

func TestInit_RequiresAdmin(t *testing.T) {
	env := newTestApp(t)
	env.app.Config.Bridge.Admin = ""
	assert.True(t, errors.Is(env.app.Init(context.Background()), errors.ErrConfigInvalid))
}

func TestExecutor_SetMinimumDelay(t *testing.T) {
	env := newTestApp(t)
	require.NoError(t, env.app.Init(context.Background()))

	payload, err := decoder.Encode("setMinimumDelay(uint256)", "120")
	require.NoError(t, err)
	_, err = env.executeThroughTimelock(t, payload)
	require.NoError(t, err)

	delay, err := env.app.Timelock.MinimumDelay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(120), delay)
}

func TestExecutor_Relayers(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, env.app.Init(ctx))

	add, err := decoder.Encode("addApprovedRelayer(address)", user.Hex())
	require.NoError(t, err)
	_, err = env.executeThroughTimelock(t, add)
	require.NoError(t, err)

	ok, err := env.app.Bridge.IsRelayer(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)

	remove, err := decoder.Encode("removeApprovedRelayer(address)", user.Hex())
	require.NoError(t, err)
	_, err = env.executeThroughTimelock(t, remove)
	require.NoError(t, err)

	ok, err = env.app.Bridge.IsRelayer(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutor_GrantRoleAndMint(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, env.app.Init(ctx))

	role := hexutil.Encode(common.RightPadBytes([]byte(access.RoleMinter), 32))
	grant, err := decoder.Encode("grantRole(bytes32,address)", role, user.Hex())
	require.NoError(t, err)
	_, err = env.executeThroughTimelock(t, grant)
	require.NoError(t, err)

	ok, err := env.app.Roles.HasRole(ctx, access.RoleMinter, user)
	require.NoError(t, err)
	assert.True(t, ok)

	mint, err := decoder.Encode("mint(address,uint256)", user.Hex(), "500")
	require.NoError(t, err)
	_, err = env.executeThroughTimelock(t, mint)
	require.NoError(t, err)

	balance, err := env.app.L1Token.BalanceOf(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(500), balance)
}

func TestExecutor_UnsupportedCallRollsBack(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, env.app.Init(ctx))

	payload, err := decoder.Encode("transfer(address,uint256)", user.Hex(), "1")
	require.NoError(t, err)
	id, err := env.executeThroughTimelock(t, payload)
	assert.True(t, errors.Is(err, errors.ErrExecutorFailed))

	action, err := env.app.Timelock.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPending, action.Status)
}

func TestDAO_VotingPowerFromL1Token(t *testing.T) {
	env := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, env.app.Init(ctx))

	require.NoError(t, env.app.L1Token.Mint(ctx, admin, user, uint256.NewInt(250)))
	require.NoError(t, env.app.DAO.CreateProposal(ctx, admin, 1, "调整最小延迟", 100, 100))
	require.NoError(t, env.app.DAO.StartPoll(ctx, admin, 1))
	require.NoError(t, env.app.DAO.VoteInPoll(ctx, user, 1, true))

	proposal, err := env.app.DAO.GetProposal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(250), proposal.VotesFor)
}

func TestMetricsReceiveCommittedEvents(t *testing.T) {
	env := newTestApp(t)
	require.NoError(t, env.app.Init(context.Background()))

	families, err := env.app.Metrics.Registry().Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "zkbridge_events_total" {
			found = len(f.GetMetric()) > 0
		}
	}
	assert.True(t, found, "初始化事件应当计入指标")
}

func TestNewRelayerWithConsumer(t *testing.T) {
	env := newTestApp(t)
	consumer := mocks.NewConsumer(t, nil)
	defer consumer.Close()

	_, err := env.app.NewRelayerWithConsumer(consumer, &prover.MockProver{})
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid), "未配置中继者地址")

	env.app.Config.Relayer.Address = relayerAddr.Hex()
	env.app.Config.Relayer.Offset = "latest-ish"
	_, err = env.app.NewRelayerWithConsumer(consumer, &prover.MockProver{})
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid), "无效的起始偏移量")

	env.app.Config.Relayer.Offset = "newest"
	r, err := env.app.NewRelayerWithConsumer(consumer, &prover.MockProver{})
	require.NoError(t, err)
	assert.NotNil(t, r)
}
