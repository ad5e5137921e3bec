package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = NewLogger(&LogConfig{Level: "debug", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	_, err = NewLogger(&LogConfig{Level: "loud", Format: "json", Output: "stdout"})
	assert.Error(t, err)

	_, err = NewLogger(&LogConfig{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "zkbridge.log")
	logger, err := NewLogger(&LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("启动")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "启动")

	require.NoError(t, CloseOutput(logger))
	assert.Equal(t, os.Stderr, logger.Out)
	assert.NoError(t, CloseOutput(logger), "标准错误不会被关闭")
}

func TestDomainLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	user := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	NewUnlockLogger(logger, user, common.HexToHash("0x01")).Info("解锁")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "bridge", entry["component"])
	assert.Equal(t, user.Hex(), entry["user"])

	buf.Reset()
	NewProposalLogger(logger, 7).Info("提案")
	entry = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "governance", entry["component"])
	assert.Equal(t, float64(7), entry["proposal_id"])

	assert.Equal(t, "timelock", NewActionLogger(logger, common.Hash{}).Data["component"])
	assert.Equal(t, int64(42), NewRelayLogger(logger, "burns", 0, 42).Data["offset"])
}
