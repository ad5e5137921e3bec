package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zkbridge/internal/config"
	"zkbridge/pkg/models"
)

// Output 事件输出接口，作为存储的事件发布者使用
type Output interface {
	Publish(ctx context.Context, events []models.Event) error
	Close() error
}

// 事件分组，同时作为文件名前缀和 Kafka topic 映射的键
const (
	GroupBridge     = "bridge"
	GroupBurns      = "burns"
	GroupTimelock   = "timelock"
	GroupGovernance = "governance"
	GroupToken      = "token"
	GroupAccess     = "access"
)

// Groups 所有事件分组
var Groups = []string{GroupBridge, GroupBurns, GroupTimelock, GroupGovernance, GroupToken, GroupAccess}

var eventGroups = map[models.EventType]string{
	models.EventFundsLocked:          GroupBridge,
	models.EventFundsUnlocked:        GroupBridge,
	models.EventFundsClaimed:         GroupBridge,
	models.EventRelayerStatusChanged: GroupBridge,
	models.EventBurn:                 GroupBurns,
	models.EventActionQueued:         GroupTimelock,
	models.EventActionExecuted:       GroupTimelock,
	models.EventActionCanceled:       GroupTimelock,
	models.EventMinimumDelayChanged:  GroupTimelock,
	models.EventPollStarted:          GroupGovernance,
	models.EventPollVoted:            GroupGovernance,
	models.EventPollResultUpdated:    GroupGovernance,
	models.EventBindingVoted:         GroupGovernance,
	models.EventProposalFinalized:    GroupGovernance,
	models.EventProposalExecuted:     GroupGovernance,
	models.EventTransfer:             GroupToken,
	models.EventApproval:             GroupToken,
	models.EventRoleGranted:          GroupAccess,
	models.EventRoleRevoked:          GroupAccess,
}

// GroupOf 返回事件所属分组，未知类型归入 bridge
func GroupOf(t models.EventType) string {
	if g, ok := eventGroups[t]; ok {
		return g
	}
	return GroupBridge
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	switch cfg.Format {
	case "kafka", "kafka_async":
		brokers := []string{"localhost:9092"}
		topics := map[string]string{}
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			topics = cfg.Kafka.Topics
		}
		if cfg.Format == "kafka_async" {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	case "json_async":
		return NewAsyncFileOutput(cfg.Directory, logger)
	case "file", "json", "":
		return NewFileOutput(cfg.Directory)
	case "none":
		return NopOutput{}, nil
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NopOutput 丢弃所有事件
type NopOutput struct{}

func (NopOutput) Publish(ctx context.Context, events []models.Event) error { return nil }

func (NopOutput) Close() error { return nil }

// FileOutput 文件输出，每个分组一个 JSON lines 文件
type FileOutput struct {
	outputDir string
	mu        sync.Mutex
	files     map[string]*os.File
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputDir string) (*FileOutput, error) {
	files, err := createGroupFiles(outputDir)
	if err != nil {
		return nil, err
	}
	return &FileOutput{outputDir: outputDir, files: files}, nil
}

// createGroupFiles 确保输出目录存在并为每个分组创建文件
func createGroupFiles(outputDir string) (map[string]*os.File, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	files := make(map[string]*os.File, len(Groups))
	for _, group := range Groups {
		name := fmt.Sprintf("%s_events_%s.json", group, timestamp)
		file, err := os.OpenFile(filepath.Join(outputDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return nil, fmt.Errorf("创建文件 %s 失败: %w", name, err)
		}
		files[group] = file
	}
	return files, nil
}

// encodeEvent 序列化为一行 JSON
func encodeEvent(event *models.Event) ([]byte, error) {
	data, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化事件 %s 失败: %w", event.Type, err)
	}
	return append(data, '\n'), nil
}

// Publish 写入事件
func (o *FileOutput) Publish(ctx context.Context, events []models.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	touched := make(map[string]*os.File)
	for i := range events {
		data, err := encodeEvent(&events[i])
		if err != nil {
			return err
		}
		group := GroupOf(events[i].Type)
		file := o.files[group]
		if _, err := file.Write(data); err != nil {
			return fmt.Errorf("写入%s事件文件失败: %w", group, err)
		}
		touched[group] = file
	}

	// 强制刷新到磁盘
	for group, file := range touched {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("刷新%s事件文件失败: %w", group, err)
		}
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return closeFiles(o.files)
}

func closeFiles(files map[string]*os.File) error {
	var errs []error
	for group, file := range files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭%s事件文件失败: %w", group, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
