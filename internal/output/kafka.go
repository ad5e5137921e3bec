package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/errors"
	"zkbridge/pkg/models"
)

// DefaultTopics 各分组的默认topic
var DefaultTopics = map[string]string{
	GroupBridge:     "zkbridge_bridge_events",
	GroupBurns:      "zkbridge_burn_events",
	GroupTimelock:   "zkbridge_timelock_events",
	GroupGovernance: "zkbridge_governance_events",
	GroupToken:      "zkbridge_token_events",
	GroupAccess:     "zkbridge_access_events",
}

// topicFor 返回事件的目标topic，未配置的分组使用默认值
func topicFor(topics map[string]string, t models.EventType) string {
	group := GroupOf(t)
	if topic, ok := topics[group]; ok && topic != "" {
		return topic
	}
	return DefaultTopics[group]
}

// newProducerMessage 以事件键作为分区键，保证同一用户/操作/提案的事件有序
func newProducerMessage(topics map[string]string, event *models.Event) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化事件 %s 失败: %w", event.Type, err)
	}
	return &sarama.ProducerMessage{
		Topic: topicFor(topics, event.Type),
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(data),
	}, nil
}

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 事件分组到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

// Publish 同步发送事件，全部确认后返回
func (k *KafkaOutput) Publish(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for i := range events {
		msg, err := newProducerMessage(k.topics, &events[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return errors.ErrKafkaProduceFailed.WithCause(err).
			WithContext("events", len(events)).
			WithComponent("output")
	}

	for _, msg := range msgs {
		k.logger.WithFields(logrus.Fields{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Debug("事件已发送到Kafka")
	}
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
