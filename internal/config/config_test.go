package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.NotNil(t, config)
	assert.NotNil(t, config.Bridge)
	assert.NotNil(t, config.Timelock)
	assert.NotNil(t, config.DAO)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.Verifier)
	assert.NotNil(t, config.Relayer)
	assert.NotNil(t, config.Logging)

	assert.Equal(t, uint64(3600), config.Timelock.MinimumDelay)
	assert.Equal(t, "100", config.DAO.PollThreshold)
	assert.Equal(t, "file", config.Output.Format)
	assert.Equal(t, []string{"localhost:9092"}, config.Output.Kafka.Brokers)
	assert.NotEmpty(t, config.Output.Kafka.Topics)
	assert.Equal(t, "info", config.Logging.Level)

	threshold, err := config.DAO.Threshold()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), threshold.Uint64())

	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
bridge:
  local_chain_id: 11155111
  destination_chain_id: 300
  escrow_address: "0x00000000000000000000000000000000000e5c40"
  relayers:
    - "0x0000000000000000000000000000000000000001"
timelock:
  minimum_delay: 100
dao:
  poll_threshold: "2500"
output:
  format: kafka_async
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(11155111), config.Bridge.LocalChainID)
	assert.Equal(t, uint64(300), config.Bridge.DestinationChainID)
	assert.Equal(t, []string{"0x0000000000000000000000000000000000000001"}, config.Bridge.Relayers)
	assert.Equal(t, uint64(100), config.Timelock.MinimumDelay)
	assert.Equal(t, "2500", config.DAO.PollThreshold)
	assert.Equal(t, "kafka_async", config.Output.Format)

	// 文件中未设置的项保留默认值
	assert.Equal(t, "./data/zkbridge.db", config.Storage.Path)
	assert.Equal(t, 8080, config.API.Port)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromFile_EnvOverride(t *testing.T) {
	t.Setenv("ZKBRIDGE_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("ZKBRIDGE_DAO_POLL_THRESHOLD", "7")

	config, err := LoadConfigFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", config.Storage.Path)
	assert.Equal(t, "7", config.DAO.PollThreshold)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBridgeConfigValidation(t *testing.T) {
	valid := func() *BridgeConfig {
		return &BridgeConfig{
			LocalChainID:       1,
			DestinationChainID: 2,
			EscrowAddress:      "0x000000000000000000000000000000000000b1d9",
		}
	}

	tests := []struct {
		name   string
		mutate func(c *BridgeConfig)
		valid  bool
	}{
		{"valid", func(c *BridgeConfig) {}, true},
		{"zero local chain", func(c *BridgeConfig) { c.LocalChainID = 0 }, false},
		{"zero destination chain", func(c *BridgeConfig) { c.DestinationChainID = 0 }, false},
		{"zero escrow", func(c *BridgeConfig) { c.EscrowAddress = "0x0000000000000000000000000000000000000000" }, false},
		{"bad escrow", func(c *BridgeConfig) { c.EscrowAddress = "escrow" }, false},
		{"bad admin", func(c *BridgeConfig) { c.Admin = "0x1234" }, false},
		{"bad relayer", func(c *BridgeConfig) { c.Relayers = []string{"nope"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Equal(t, tt.valid, validateBridgeConfig(c))
		})
	}
	assert.False(t, validateBridgeConfig(nil))
}

func TestKafkaConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config *KafkaConfig
		valid  bool
	}{
		{
			name: "valid kafka config",
			config: &KafkaConfig{
				Brokers: []string{"localhost:9092", "localhost:9093"},
				Topics:  map[string]string{"bridge": "zkbridge_bridge_events"},
			},
			valid: true,
		},
		{
			name:   "empty brokers",
			config: &KafkaConfig{Brokers: []string{}, Topics: map[string]string{"bridge": "b"}},
			valid:  false,
		},
		{
			name:   "empty topics",
			config: &KafkaConfig{Brokers: []string{"localhost:9092"}, Topics: map[string]string{}},
			valid:  false,
		},
		{
			name:   "invalid broker format",
			config: &KafkaConfig{Brokers: []string{"invalid-broker"}, Topics: map[string]string{"bridge": "b"}},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, validateKafkaConfig(tt.config))
		})
	}
}

func TestOutputConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config *OutputConfig
		valid  bool
	}{
		{"file", &OutputConfig{Format: "file", Directory: "./outputs"}, true},
		{"file without directory", &OutputConfig{Format: "file"}, false},
		{"none", &OutputConfig{Format: "none"}, true},
		{"kafka", &OutputConfig{Format: "kafka", Kafka: &KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics:  map[string]string{"bridge": "b"},
		}}, true},
		{"kafka without kafka config", &OutputConfig{Format: "kafka_async"}, false},
		{"invalid format", &OutputConfig{Format: "invalid"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, validateOutputConfig(tt.config))
		})
	}
}

func TestVerifierConfigValidation(t *testing.T) {
	programID := "0x11" + strings.Repeat("00", 31)

	assert.True(t, validateVerifierConfig(&VerifierConfig{URL: "http://verifier:9000", Timeout: "5s", ProgramID: programID}))
	assert.False(t, validateVerifierConfig(&VerifierConfig{URL: "verifier", Timeout: "5s", ProgramID: programID}))
	assert.False(t, validateVerifierConfig(&VerifierConfig{URL: "http://verifier:9000", Timeout: "soon", ProgramID: programID}))
	assert.False(t, validateVerifierConfig(&VerifierConfig{URL: "http://verifier:9000", Timeout: "5s", ProgramID: "0x01"}))
}

func TestRelayerConfigValidation(t *testing.T) {
	c := GetDefaultConfig().Relayer
	assert.True(t, validateRelayerConfig(c))

	for _, offset := range []string{"resume", "oldest", "newest", "42"} {
		c.Offset = offset
		assert.True(t, validateRelayerConfig(c), offset)
	}
	for _, offset := range []string{"latest", "-1", ""} {
		c.Offset = offset
		assert.False(t, validateRelayerConfig(c), offset)
	}

	c = GetDefaultConfig().Relayer
	c.MaxAttempts = 0
	assert.False(t, validateRelayerConfig(c))

	c = GetDefaultConfig().Relayer
	c.RedeliverInterval = "0s"
	assert.False(t, validateRelayerConfig(c))
}

func TestConfigValidation(t *testing.T) {
	assert.True(t, ValidateConfig(GetDefaultConfig()))
	assert.False(t, ValidateConfig(nil))

	invalid := GetDefaultConfig()
	invalid.Bridge = nil
	assert.False(t, ValidateConfig(invalid))

	invalid = GetDefaultConfig()
	invalid.DAO.PollThreshold = "many"
	assert.False(t, ValidateConfig(invalid))
}

func TestShippedConfigFile(t *testing.T) {
	config, err := LoadConfigFromFile(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, uint64(11155111), config.Bridge.LocalChainID)
	assert.Equal(t, "resume", config.Relayer.Offset)
	assert.Equal(t, "0x0000000000000000000000000000000000007100", config.Timelock.ExecutorAddress)

	threshold, err := config.DAO.Threshold()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", threshold.Dec())
}

func TestTimelockConfigValidation(t *testing.T) {
	invalid := GetDefaultConfig()
	invalid.Timelock.ExecutorAddress = "not-an-address"
	assert.Error(t, invalid.Validate())
}

func TestValidateEntry(t *testing.T) {
	tests := []struct {
		configType, key, value string
		wantErr                bool
	}{
		{"bridge", "local_chain_id", "11155111", false},
		{"bridge", "local_chain_id", "sepolia", true},
		{"bridge", "admin", "0x00000000000000000000000000000000000000a1", false},
		{"bridge", "admin", "0x1234", true},
		{"bridge", "unknown", "1", true},
		{"timelock", "minimum_delay", "3600", false},
		{"timelock", "minimum_delay", "-1", true},
		{"dao", "poll_threshold", "1000000000000000000000", false},
		{"dao", "poll_threshold", "1e21", true},
		{"system", "anything", "goes", false},
		{"prover", "url", "http://localhost", true},
	}
	for _, tt := range tests {
		t.Run(tt.configType+"."+tt.key+"="+tt.value, func(t *testing.T) {
			err := ValidateEntry(tt.configType, tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
