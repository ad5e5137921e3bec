package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"zkbridge/internal/logging"
)

// EnvPrefix 环境变量前缀，例如 ZKBRIDGE_STORAGE_PATH 覆盖 storage.path
const EnvPrefix = "ZKBRIDGE"

// Config 主配置
type Config struct {
	Bridge   *BridgeConfig      `mapstructure:"bridge"`
	Timelock *TimelockConfig    `mapstructure:"timelock"`
	DAO      *DAOConfig         `mapstructure:"dao"`
	Storage  *StorageConfig     `mapstructure:"storage"`
	Output   *OutputConfig      `mapstructure:"output"`
	Verifier *VerifierConfig    `mapstructure:"verifier"`
	Prover   *ProverConfig      `mapstructure:"prover"`
	Relayer  *RelayerConfig     `mapstructure:"relayer"`
	Chain    *ChainConfig       `mapstructure:"chain"`
	Decoder  *DecoderConfig     `mapstructure:"decoder"`
	API      *APIConfig         `mapstructure:"api"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
}

// BridgeConfig 跨链桥配置
type BridgeConfig struct {
	LocalChainID       uint64   `mapstructure:"local_chain_id"`       // L1 链ID，用于重新计算承诺
	DestinationChainID uint64   `mapstructure:"destination_chain_id"` // L2 销毁时写入承诺的目标链ID
	EscrowAddress      string   `mapstructure:"escrow_address"`       // L1 托管地址
	Admin              string   `mapstructure:"admin"`                // 初始管理员
	Relayers           []string `mapstructure:"relayers"`             // 初始中继者
}

// TimelockConfig 时间锁配置
type TimelockConfig struct {
	MinimumDelay    uint64 `mapstructure:"minimum_delay"`    // 秒
	ExecutorAddress string `mapstructure:"executor_address"` // 内置执行器地址，负责桥和时间锁的参数调整
}

// DAOConfig 治理配置
type DAOConfig struct {
	PollThreshold string `mapstructure:"poll_threshold"` // 十进制整数
}

// StorageConfig 存储配置
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // file, kafka, kafka_async, none
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// VerifierConfig 证明验证服务配置
type VerifierConfig struct {
	URL       string `mapstructure:"url"`
	Timeout   string `mapstructure:"timeout"`
	ProgramID string `mapstructure:"program_id"`
}

// ProverConfig 证明生成服务配置
type ProverConfig struct {
	URL      string `mapstructure:"url"`
	Timeout  string `mapstructure:"timeout"`
	RetryMax int    `mapstructure:"retry_max"` // 5xx 和连接错误的 HTTP 层重试次数
}

// RelayerConfig 中继配置
type RelayerConfig struct {
	Address     string   `mapstructure:"address"`
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Partition   int32    `mapstructure:"partition"`
	Offset      string   `mapstructure:"offset"` // resume, oldest, newest 或具体偏移量
	MaxAttempts int      `mapstructure:"max_attempts"`

	// RedeliverInterval 暂时失败的消息在重试次数用尽后，隔多久重新处理
	RedeliverInterval string `mapstructure:"redeliver_interval"`
}

// ChainConfig L1 节点配置，用于启动时核对链ID
type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	Timeout string `mapstructure:"timeout"`
}

// DecoderConfig 解码器配置
type DecoderConfig struct {
	FourByteAPIURL string `mapstructure:"fourbyte_api_url"`
	APITimeout     string `mapstructure:"api_timeout"`
	EnableCache    bool   `mapstructure:"enable_cache"`
	CacheSize      int    `mapstructure:"cache_size"`
	EnableAPI      bool   `mapstructure:"enable_api"`
}

// APIConfig HTTP 查询接口配置
type APIConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	// 数据库中的配置覆盖文件配置
	dbDSN := os.Getenv(EnvPrefix + "_DB_DSN")
	if dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		if err := dbConfig.Apply(config); err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		logger.Info("已从数据库加载配置")
	}

	return config, nil
}

// LoadConfigFromFile 从文件加载配置，未设置的项使用默认值，环境变量优先
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, GetDefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// setDefaults 注册默认值，AutomaticEnv 只对已知键生效
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("bridge.local_chain_id", d.Bridge.LocalChainID)
	v.SetDefault("bridge.destination_chain_id", d.Bridge.DestinationChainID)
	v.SetDefault("bridge.escrow_address", d.Bridge.EscrowAddress)
	v.SetDefault("bridge.admin", d.Bridge.Admin)
	v.SetDefault("bridge.relayers", d.Bridge.Relayers)
	v.SetDefault("timelock.minimum_delay", d.Timelock.MinimumDelay)
	v.SetDefault("timelock.executor_address", d.Timelock.ExecutorAddress)
	v.SetDefault("dao.poll_threshold", d.DAO.PollThreshold)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.kafka.brokers", d.Output.Kafka.Brokers)
	v.SetDefault("output.kafka.topics", d.Output.Kafka.Topics)
	v.SetDefault("verifier.url", d.Verifier.URL)
	v.SetDefault("verifier.timeout", d.Verifier.Timeout)
	v.SetDefault("verifier.program_id", d.Verifier.ProgramID)
	v.SetDefault("prover.url", d.Prover.URL)
	v.SetDefault("prover.timeout", d.Prover.Timeout)
	v.SetDefault("prover.retry_max", d.Prover.RetryMax)
	v.SetDefault("relayer.address", d.Relayer.Address)
	v.SetDefault("relayer.brokers", d.Relayer.Brokers)
	v.SetDefault("relayer.topic", d.Relayer.Topic)
	v.SetDefault("relayer.partition", d.Relayer.Partition)
	v.SetDefault("relayer.offset", d.Relayer.Offset)
	v.SetDefault("relayer.max_attempts", d.Relayer.MaxAttempts)
	v.SetDefault("relayer.redeliver_interval", d.Relayer.RedeliverInterval)
	v.SetDefault("chain.rpc_url", d.Chain.RPCURL)
	v.SetDefault("chain.timeout", d.Chain.Timeout)
	v.SetDefault("decoder.fourbyte_api_url", d.Decoder.FourByteAPIURL)
	v.SetDefault("decoder.api_timeout", d.Decoder.APITimeout)
	v.SetDefault("decoder.enable_cache", d.Decoder.EnableCache)
	v.SetDefault("decoder.cache_size", d.Decoder.CacheSize)
	v.SetDefault("decoder.enable_api", d.Decoder.EnableAPI)
	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.enable_cors", d.API.EnableCORS)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Bridge: &BridgeConfig{
			LocalChainID:       1,
			DestinationChainID: 1,
			EscrowAddress:      "0x000000000000000000000000000000000000b1d9",
			Admin:              "", // 需要在YAML配置或数据库中指定
			Relayers:           []string{},
		},
		Timelock: &TimelockConfig{
			MinimumDelay:    3600,
			ExecutorAddress: "0x0000000000000000000000000000000000007100",
		},
		DAO: &DAOConfig{
			PollThreshold: "100",
		},
		Storage: &StorageConfig{
			Path: "./data/zkbridge.db",
		},
		Output: &OutputConfig{
			Format:    "file",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"bridge":     "zkbridge_bridge_events",
					"burns":      "zkbridge_burn_events",
					"timelock":   "zkbridge_timelock_events",
					"governance": "zkbridge_governance_events",
					"token":      "zkbridge_token_events",
					"access":     "zkbridge_access_events",
				},
			},
		},
		Verifier: &VerifierConfig{
			URL:       "http://localhost:8545/verifier",
			Timeout:   "10s",
			ProgramID: "0x0000000000000000000000000000000000000000000000000000000000000000",
		},
		Prover: &ProverConfig{
			URL:      "http://localhost:8600",
			Timeout:  "60s",
			RetryMax: 3,
		},
		Relayer: &RelayerConfig{
			Address:     "",
			Brokers:     []string{"localhost:9092"},
			Topic:       "zkbridge_burn_events",
			Partition:   0,
			Offset:      "resume",
			MaxAttempts: 3,

			RedeliverInterval: "10s",
		},
		Chain: &ChainConfig{
			RPCURL:  "", // 为空时跳过链ID核对
			Timeout: "10s",
		},
		Decoder: &DecoderConfig{
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     "5s",
			EnableCache:    true,
			CacheSize:      10000,
			EnableAPI:      false,
		},
		API: &APIConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			EnableCORS: true,
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// Validate 校验配置，返回第一个错误
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("配置为空")
	}
	checks := []struct {
		name string
		ok   bool
	}{
		{"bridge", validateBridgeConfig(c.Bridge)},
		{"timelock", c.Timelock != nil && common.IsHexAddress(c.Timelock.ExecutorAddress)},
		{"dao", validateDAOConfig(c.DAO)},
		{"storage", c.Storage != nil && c.Storage.Path != ""},
		{"output", validateOutputConfig(c.Output)},
		{"verifier", validateVerifierConfig(c.Verifier)},
		{"prover", c.Prover != nil && validateTimeout(c.Prover.Timeout) && c.Prover.RetryMax >= 0},
		{"relayer", validateRelayerConfig(c.Relayer)},
		{"chain", c.Chain != nil && validateTimeout(c.Chain.Timeout)},
		{"decoder", validateDecoderConfig(c.Decoder)},
		{"api", c.API != nil && c.API.Port > 0 && c.API.Port < 65536},
		{"logging", c.Logging != nil},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("无效的 %s 配置", check.name)
		}
	}
	return nil
}

// ValidateConfig 校验配置
func ValidateConfig(c *Config) bool {
	return c.Validate() == nil
}

// Threshold 解析投票阈值
func (c *DAOConfig) Threshold() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(c.PollThreshold)
	if err != nil {
		return nil, fmt.Errorf("无效的投票阈值 %q: %w", c.PollThreshold, err)
	}
	return v, nil
}

// TimeoutDuration 解析超时时间，无效时返回默认值
func TimeoutDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func validateBridgeConfig(c *BridgeConfig) bool {
	if c == nil || c.LocalChainID == 0 || c.DestinationChainID == 0 {
		return false
	}
	if !common.IsHexAddress(c.EscrowAddress) || common.HexToAddress(c.EscrowAddress) == (common.Address{}) {
		return false
	}
	if c.Admin != "" && !common.IsHexAddress(c.Admin) {
		return false
	}
	for _, r := range c.Relayers {
		if !common.IsHexAddress(r) {
			return false
		}
	}
	return true
}

func validateDAOConfig(c *DAOConfig) bool {
	if c == nil {
		return false
	}
	_, err := c.Threshold()
	return err == nil
}

func validateKafkaConfig(c *KafkaConfig) bool {
	if c == nil || len(c.Brokers) == 0 || len(c.Topics) == 0 {
		return false
	}
	for _, broker := range c.Brokers {
		if !strings.Contains(broker, ":") {
			return false
		}
	}
	return true
}

func validateOutputConfig(c *OutputConfig) bool {
	if c == nil {
		return false
	}
	switch c.Format {
	case "file":
		return c.Directory != ""
	case "kafka", "kafka_async":
		return validateKafkaConfig(c.Kafka)
	case "none":
		return true
	default:
		return false
	}
}

func validateVerifierConfig(c *VerifierConfig) bool {
	if c == nil || !validateURL(c.URL) || !validateTimeout(c.Timeout) {
		return false
	}
	return len(common.FromHex(c.ProgramID)) == common.HashLength
}

func validateRelayerConfig(c *RelayerConfig) bool {
	if c == nil || c.Topic == "" || c.MaxAttempts <= 0 || !validateTimeout(c.RedeliverInterval) {
		return false
	}
	if c.Address != "" && !common.IsHexAddress(c.Address) {
		return false
	}
	switch c.Offset {
	case "oldest", "newest", "resume":
		return true
	}
	offset, err := strconv.ParseInt(c.Offset, 10, 64)
	return err == nil && offset >= 0
}

func validateDecoderConfig(c *DecoderConfig) bool {
	if c == nil || c.CacheSize < 0 || !validateTimeout(c.APITimeout) {
		return false
	}
	return !c.EnableAPI || validateURL(c.FourByteAPIURL)
}

func validateURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validateTimeout(s string) bool {
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}
