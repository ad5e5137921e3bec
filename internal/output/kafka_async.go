package output

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

// AsyncKafkaOutput 异步Kafka输出器
// Publish 只负责投递到生产者缓冲，发送结果由后台协程统计
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer

	// inputMu 读锁保护向生产者投递，Close 持写锁关闭生产者，避免向已关闭的通道发送
	inputMu   sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}

	sent   atomic.Int64
	failed atomic.Int64

	mu       sync.Mutex
	failures map[models.EventType]int64 // 按事件类型统计的发送失败
}

// NewAsyncKafkaOutput 创建异步Kafka输出器，按小批量压缩发送
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ChannelBufferSize = 1000

	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Flush.Bytes = 1 << 20

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"component": "output",
		"brokers":   brokers,
		"topics":    topics,
	}).Info("异步Kafka生产者已启动")
	return NewAsyncKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewAsyncKafkaOutputWithProducer 使用已有的异步生产者创建输出器
// 生产者需要开启 Return.Successes 和 Return.Errors
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	k := &AsyncKafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		closed:   make(chan struct{}),
		drained:  make(chan struct{}),
		failures: make(map[models.EventType]int64),
	}
	go k.drain()
	return k
}

// drain 消费生产者的结果通道，两个通道都关闭后退出
func (k *AsyncKafkaOutput) drain() {
	defer close(k.drained)

	successes, failures := k.producer.Successes(), k.producer.Errors()
	for successes != nil || failures != nil {
		select {
		case msg, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			k.sent.Add(1)
			k.logger.Debugf("事件已写入 %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
		case perr, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			k.failed.Add(1)
			eventType, _ := perr.Msg.Metadata.(models.EventType)
			k.mu.Lock()
			k.failures[eventType]++
			k.mu.Unlock()
			k.logger.WithFields(logrus.Fields{
				"component":  "output",
				"topic":      perr.Msg.Topic,
				"event_type": eventType,
			}).WithError(perr.Err).Error("Kafka发送失败")
		}
	}
}

// Publish 投递事件，生产者缓冲已满时立即返回错误而不阻塞提交方
func (k *AsyncKafkaOutput) Publish(ctx context.Context, events []models.Event) error {
	k.inputMu.RLock()
	defer k.inputMu.RUnlock()

	for i := range events {
		select {
		case <-k.closed:
			return fmt.Errorf("Kafka生产者已关闭")
		default:
		}

		msg, err := newProducerMessage(k.topics, &events[i])
		if err != nil {
			return err
		}
		msg.Metadata = events[i].Type

		select {
		case k.producer.Input() <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return errors.ErrKafkaProduceFailed.
				WithContext("reason", "输入通道已满").
				WithContext("topic", msg.Topic).
				WithComponent("output")
		}
	}
	return nil
}

// GetStats 已发送和发送失败的消息数
func (k *AsyncKafkaOutput) GetStats() (int64, int64) {
	return k.sent.Load(), k.failed.Load()
}

// Failures 按事件类型统计的发送失败次数
func (k *AsyncKafkaOutput) Failures() map[models.EventType]int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return maps.Clone(k.failures)
}

// Close 刷新缓冲并等待发送结果全部统计完
func (k *AsyncKafkaOutput) Close() error {
	k.closeOnce.Do(func() {
		k.inputMu.Lock()
		close(k.closed)
		k.producer.AsyncClose()
		k.inputMu.Unlock()
		<-k.drained

		sent, failed := k.GetStats()
		k.logger.WithFields(logrus.Fields{
			"component": "output",
			"sent":      sent,
			"failed":    failed,
		}).Info("异步Kafka生产者已关闭")
	})
	return nil
}
