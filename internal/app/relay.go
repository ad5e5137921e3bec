package app

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/errors"
	"zkbridge/internal/progress"
	"zkbridge/internal/prover"
	"zkbridge/internal/relayer"
	"zkbridge/internal/retry"
)

// NewRelayer 按配置连接 Kafka 并创建中继，调用方负责关闭返回的消费者
func (a *App) NewRelayer() (*relayer.Relayer, sarama.Consumer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Return.Errors = true
	consumer, err := sarama.NewConsumer(a.Config.Relayer.Brokers, kafkaConfig)
	if err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrorTypeKafka, errors.SeverityHigh, "CONSUMER_CREATE_FAILED", "创建Kafka消费者失败").
			WithContext("brokers", a.Config.Relayer.Brokers).
			WithComponent("relayer")
	}

	r, err := a.NewRelayerWithConsumer(consumer, prover.NewHTTPProver(a.Config.Prover, a.Logger))
	if err != nil {
		_ = consumer.Close()
		return nil, nil, err
	}
	return r, consumer, nil
}

// NewRelayerWithConsumer 使用给定的消费者和证明服务创建中继
func (a *App) NewRelayerWithConsumer(consumer sarama.Consumer, p prover.Prover) (*relayer.Relayer, error) {
	cfg := a.Config.Relayer
	if !common.IsHexAddress(cfg.Address) || common.HexToAddress(cfg.Address) == (common.Address{}) {
		return nil, errors.ErrConfigInvalid.WithContext("field", "relayer.address")
	}
	tracker, err := a.RelayProgress(context.Background())
	if err != nil {
		return nil, err
	}
	offset := tracker.ResumeOffset(sarama.OffsetOldest)
	if cfg.Offset != "resume" {
		if offset, err = relayer.ParseOffset(cfg.Offset); err != nil {
			return nil, errors.ErrConfigInvalid.WithCause(err)
		}
	}

	redeliver, err := time.ParseDuration(cfg.RedeliverInterval)
	if err != nil {
		return nil, errors.ErrConfigInvalid.WithCause(err).WithContext("field", "relayer.redeliver_interval")
	}

	retryConfig := *retry.RelayRetryConfig
	if cfg.MaxAttempts > 0 {
		retryConfig.MaxAttempts = cfg.MaxAttempts
	}

	a.Logger.WithFields(logrus.Fields{
		"component":    "relayer",
		"offset":       offset,
		"max_attempts": retryConfig.MaxAttempts,
		"redeliver":    redeliver,
	}).Debug("中继参数")
	return relayer.New(
		consumer,
		a.Bridge,
		p,
		retry.NewRetrier(&retryConfig, a.Clock, a.Logger),
		recorders{a.Metrics, tracker},
		relayer.Options{
			Address:   common.HexToAddress(cfg.Address),
			Topic:     cfg.Topic,
			Partition: cfg.Partition,
			Offset:    offset,
			Errors:    a.Errors,

			RedeliverInterval: redeliver,
			Clock:             a.Clock,
		},
		a.Logger,
	), nil
}

// RelayProgress 配置的主题和分区对应的中继进度
func (a *App) RelayProgress(ctx context.Context) (*progress.Manager, error) {
	return progress.NewManager(ctx, a.Store, a.Config.Relayer.Topic, a.Config.Relayer.Partition, a.Clock, a.Logger)
}

// recorders 把中继结果同时交给多个统计方
type recorders []relayer.Recorder

// RecordRelay 依次调用每个统计方
func (rs recorders) RecordRelay(result string, offset int64) {
	for _, r := range rs {
		r.RecordRelay(result, offset)
	}
}
