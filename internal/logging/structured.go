package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format" json:"format" yaml:"format"` // 日志格式 (json, text)
	Output string `mapstructure:"output" json:"output" yaml:"output"` // 输出路径 (stdout, stderr, file path)
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// NewLogger 按配置创建 logrus 日志器
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return logger, nil
}

// parseLogLevel 解析日志级别
func parseLogLevel(levelStr string) (logrus.Level, error) {
	switch levelStr {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// getLogWriter 获取日志输出
func getLogWriter(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		dir := filepath.Dir(config.Output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}

		return file, nil
	}
}

// NewUnlockLogger 解锁处理专用日志器
func NewUnlockLogger(logger *logrus.Logger, user common.Address, commitmentHash common.Hash) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component":       "bridge",
		"user":            user.Hex(),
		"commitment_hash": commitmentHash.Hex(),
	})
}

// NewActionLogger 时间锁操作专用日志器
func NewActionLogger(logger *logrus.Logger, actionID common.Hash) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "timelock",
		"action_id": actionID.Hex(),
	})
}

// NewProposalLogger 提案处理专用日志器
func NewProposalLogger(logger *logrus.Logger, proposalID uint64) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component":   "governance",
		"proposal_id": proposalID,
	})
}

// NewRelayLogger 中继处理专用日志器
func NewRelayLogger(logger *logrus.Logger, topic string, partition int32, offset int64) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "relayer",
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
	})
}

// CloseOutput 关闭日志文件，标准输出和标准错误不关闭
func CloseOutput(logger *logrus.Logger) error {
	file, ok := logger.Out.(*os.File)
	if !ok || file == os.Stdout || file == os.Stderr {
		return nil
	}
	logger.SetOutput(os.Stderr)
	return file.Close()
}
