package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbridge/internal/config"
	"zkbridge/internal/decoder"
	"zkbridge/internal/errors"
	"zkbridge/internal/metrics"
	"zkbridge/internal/replay"
	"zkbridge/pkg/models"
)

var (
	userA    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	relayerR = common.HexToAddress("0x2222222222222222222222222222222222222222")
	proofH   = common.HexToHash("0xaaaa")
	actionID = common.HexToHash("0xbeef")
)

type fakeBridge struct{}

func (fakeBridge) ClaimableOf(ctx context.Context, user common.Address) (*uint256.Int, error) {
	if user == userA {
		return uint256.NewInt(700), nil
	}
	return uint256.NewInt(0), nil
}

func (fakeBridge) LedgerTotals(ctx context.Context) (*models.LedgerTotals, error) {
	return &models.LedgerTotals{
		TotalCredited: uint256.NewInt(1000),
		TotalClaimed:  uint256.NewInt(300),
		Outstanding:   uint256.NewInt(700),
	}, nil
}

func (fakeBridge) Relayers(ctx context.Context) ([]common.Address, error) {
	return []common.Address{relayerR}, nil
}

func (fakeBridge) Seen(ctx context.Context, ns replay.Namespace, h common.Hash) (bool, error) {
	return ns == replay.Proofs && h == proofH, nil
}

type fakeTimelock struct {
	pending []common.Hash
	payload []byte
}

func (f *fakeTimelock) GetAction(ctx context.Context, id common.Hash) (*models.TimelockAction, error) {
	if id != actionID {
		return nil, errors.ErrActionNotFound.WithContext("id", id.Hex())
	}
	return &models.TimelockAction{
		ID:       actionID,
		Executor: relayerR,
		Payload:  f.payload,
		Delay:    60,
		QueuedAt: 100,
		ReadyAt:  160,
		Status:   models.ActionPending,
	}, nil
}

func (f *fakeTimelock) ListPending(ctx context.Context) iter.Seq2[common.Hash, error] {
	return func(yield func(common.Hash, error) bool) {
		for _, id := range f.pending {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (f *fakeTimelock) MinimumDelay(ctx context.Context) (uint64, error) { return 60, nil }

type fakeGovernance struct{}

func (fakeGovernance) GetProposal(ctx context.Context, id uint64) (*models.Proposal, error) {
	if id != 1 {
		return nil, errors.ErrProposalNotFound
	}
	return &models.Proposal{
		ID:             1,
		Description:    "raise delay",
		Creator:        userA,
		VotesFor:       uint256.NewInt(150),
		VotesAgainst:   uint256.NewInt(50),
		BindingFor:     uint256.NewInt(0),
		BindingAgainst: uint256.NewInt(0),
		Status:         models.ProposalPollPassed,
	}, nil
}

func (g fakeGovernance) Proposals(ctx context.Context) ([]*models.Proposal, error) {
	p, _ := g.GetProposal(ctx, 1)
	return []*models.Proposal{p}, nil
}

type fakeChain struct{ healthy bool }

func (f fakeChain) IsHealthy() bool { return f.healthy }
func (f fakeChain) GetStats() map[string]interface{} {
	return map[string]interface{}{"is_healthy": f.healthy}
}

type fakeConfigStore struct {
	values map[string]map[string]string
}

func (f *fakeConfigStore) ListConfigs(configType string) (map[string]string, error) {
	return f.values[configType], nil
}

func (f *fakeConfigStore) GetConfig(configType, key string) (string, error) {
	v, ok := f.values[configType][key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeConfigStore) UpdateConfig(configType, key, value string) error {
	if f.values[configType] == nil {
		f.values[configType] = map[string]string{}
	}
	f.values[configType][key] = value
	return nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	logger  *logrus.Logger
	configs *fakeConfigStore
}

func newTestEnv(t *testing.T, chain HealthChecker) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dec, err := decoder.NewInputDecoder(logger, nil)
	require.NoError(t, err)
	payload, err := decoder.Encode("setMinimumDelay(uint256)", "120")
	require.NoError(t, err)

	configs := &fakeConfigStore{values: map[string]map[string]string{
		"bridge": {"local_chain_id": "11155111"},
	}}

	services := Services{
		Bridge: fakeBridge{},
		Timelock: &fakeTimelock{
			pending: []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")},
			payload: payload,
		},
		Governance: fakeGovernance{},
		Decoder:    dec,
		Chain:      chain,
		Metrics:    metrics.New().Handler(),
		Config:     NewConfigManager(configs, logger),
	}
	server := NewServer(&config.APIConfig{Host: "127.0.0.1", Port: 0, EnableCORS: true}, services, logger)
	return &testEnv{server: server, handler: server.Handler(), logger: logger, configs: configs}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, fakeChain{healthy: true})
	code, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	env = newTestEnv(t, fakeChain{healthy: false})
	code, body = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestBridgeRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/bridge/claimable/"+userA.Hex(), "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "700", body["claimable"])

	code, body = env.do(t, http.MethodGet, "/api/v1/bridge/claimable/0x1234", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ADDRESS", body["code"])

	code, body = env.do(t, http.MethodGet, "/api/v1/bridge/totals", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1000", body["total_credited"])
	assert.Equal(t, "700", body["outstanding"])

	code, body = env.do(t, http.MethodGet, "/api/v1/bridge/relayers", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{relayerR.Hex()}, body["relayers"])

	code, body = env.do(t, http.MethodGet, "/api/v1/bridge/seen/proofs/"+proofH.Hex(), "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["seen"])

	code, body = env.do(t, http.MethodGet, "/api/v1/bridge/seen/commitments/"+proofH.Hex(), "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["seen"])

	code, _ = env.do(t, http.MethodGet, "/api/v1/bridge/seen/nullifiers/"+proofH.Hex(), "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTimelockRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/timelock/actions/"+actionID.Hex(), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Pending", body["status"])
	decoded, ok := body["decoded"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "setMinimumDelay(uint256)", decoded["method"])

	code, body = env.do(t, http.MethodGet, "/api/v1/timelock/actions/"+common.HexToHash("0x01").Hex(), "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ACTION_NOT_FOUND", body["code"])

	code, body = env.do(t, http.MethodGet, "/api/v1/timelock/pending?limit=2", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["pending"], 2)
	assert.Equal(t, true, body["truncated"])

	code, body = env.do(t, http.MethodGet, "/api/v1/timelock/pending", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["pending"], 3)
	assert.Equal(t, false, body["truncated"])

	code, body = env.do(t, http.MethodGet, "/api/v1/timelock/min-delay", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(60), body["minimum_delay"])
}

func TestGovernanceRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/dao/proposals", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])

	code, body = env.do(t, http.MethodGet, "/api/v1/dao/proposals/1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PollPassed", body["status"])
	assert.Equal(t, "150", body["votes_for"])

	code, _ = env.do(t, http.MethodGet, "/api/v1/dao/proposals/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/dao/proposals/9", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "PROPOSAL_NOT_FOUND", body["code"])
}

func TestLogRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	env.logger.Info("first")
	env.logger.WithField("component", "relayer").Warn("second")
	env.logger.Debug("ignored")

	code, body := env.do(t, http.MethodGet, "/api/v1/logs", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["total"])
	logs := body["logs"].([]interface{})
	assert.Equal(t, "second", logs[0].(map[string]interface{})["message"])

	code, body = env.do(t, http.MethodGet, "/api/v1/logs?level=warning", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])

	_, body = env.do(t, http.MethodGet, "/api/v1/logs?component=relayer", "")
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, "relayer", body["logs"].([]interface{})[0].(map[string]interface{})["component"])

	code, _ = env.do(t, http.MethodDelete, "/api/v1/logs", "")
	assert.Equal(t, http.StatusOK, code)
	_, body = env.do(t, http.MethodGet, "/api/v1/logs", "")
	assert.Equal(t, float64(0), body["total"])
}

func TestConfigRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/config/bridge?key=local_chain_id", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "11155111", body["value"])

	code, _ = env.do(t, http.MethodGet, "/api/v1/config/bridge?key=missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPut, "/api/v1/config/timelock", `{"key":"minimum_delay","value":"3600"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "3600", env.configs.values["timelock"]["minimum_delay"])

	code, _ = env.do(t, http.MethodPut, "/api/v1/config/timelock", `{"key":"minimum_delay"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPut, "/api/v1/config/timelock", `{"key":"executor_address","value":"0x12"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "配置取值无效", body["error"])
	assert.NotContains(t, env.configs.values["timelock"], "executor_address")

	code, body = env.do(t, http.MethodGet, "/api/v1/config/bridge", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["configs"], "local_chain_id")
}

func TestMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/bridge/totals", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStopWithoutStart(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.NoError(t, env.server.Stop(context.Background()))
}

func TestLogManager_RingOverwritesOldest(t *testing.T) {
	lm := NewLogManager(3)
	for i, msg := range []string{"a", "b", "c", "d", "e"} {
		lm.AddLog(&logrus.Entry{
			Time:    time.Unix(int64(i), 0),
			Level:   logrus.InfoLevel,
			Message: msg,
			Data:    logrus.Fields{"component": "bridge", "err": fmt.Errorf("失败%d", i)},
		})
	}

	logs, total := lm.GetLogsWithPagination(LogFilter{}, 1, 2)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 2)
	assert.Equal(t, "e", logs[0].Message)
	assert.Equal(t, "d", logs[1].Message)
	assert.Equal(t, "失败4", logs[0].Fields["err"])

	logs, _ = lm.GetLogsWithPagination(LogFilter{}, 2, 2)
	require.Len(t, logs, 1)
	assert.Equal(t, "c", logs[0].Message)

	_, total = lm.GetLogsWithPagination(LogFilter{Component: "api"}, 1, 10)
	assert.Equal(t, 0, total)

	lm.ClearLogs()
	_, total = lm.GetLogsWithPagination(LogFilter{}, 1, 10)
	assert.Equal(t, 0, total)
}
