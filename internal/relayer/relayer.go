package relayer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/commitment"
	"zkbridge/internal/errors"
	"zkbridge/internal/logging"
	"zkbridge/internal/metrics"
	"zkbridge/internal/prover"
	"zkbridge/internal/retry"
	"zkbridge/pkg/models"
)

// Unlocker L1 解锁入口
type Unlocker interface {
	UnlockWithProof(ctx context.Context, caller common.Address, req *models.UnlockRequest) error
}

// Recorder 中继结果统计
type Recorder interface {
	RecordRelay(result string, offset int64)
}

// Options 中继参数
type Options struct {
	Address   common.Address // 已批准的中继者地址
	Topic     string
	Partition int32
	Offset    int64

	// RedeliverInterval 暂时失败的消息在重试次数用尽后，隔多久重新处理，默认 10s
	RedeliverInterval time.Duration
	Clock             clockwork.Clock

	// Errors 失败交给错误处理器统计告警，为空时只写日志
	Errors *errors.ErrorHandler
}

const defaultRedeliverInterval = 10 * time.Second

// Relayer 从 Kafka 读取 L2 销毁事件，获取证明后提交 L1 解锁
type Relayer struct {
	consumer sarama.Consumer
	unlocker Unlocker
	prover   prover.Prover
	retrier  *retry.Retrier
	recorder Recorder
	opts     Options
	logger   *logrus.Logger
}

// New 创建中继，recorder 可以为 nil
func New(consumer sarama.Consumer, unlocker Unlocker, p prover.Prover, retrier *retry.Retrier, recorder Recorder, opts Options, logger *logrus.Logger) *Relayer {
	if opts.RedeliverInterval <= 0 {
		opts.RedeliverInterval = defaultRedeliverInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Relayer{
		consumer: consumer,
		unlocker: unlocker,
		prover:   p,
		retrier:  retrier,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
	}
}

// ParseOffset 解析起始偏移量：oldest、newest 或具体数字
func ParseOffset(s string) (int64, error) {
	switch s {
	case "", "oldest":
		return sarama.OffsetOldest, nil
	case "newest":
		return sarama.OffsetNewest, nil
	}
	offset, err := strconv.ParseInt(s, 10, 64)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("无效的起始偏移量: %q", s)
	}
	return offset, nil
}

// Run 消费分区直到 ctx 取消或分区关闭
// 永久失败的消息记录后跳过；暂时失败的消息阻塞分区，间隔一段时间重新处理直到成功
func (r *Relayer) Run(ctx context.Context) error {
	pc, err := r.consumer.ConsumePartition(r.opts.Topic, r.opts.Partition, r.opts.Offset)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeKafka, errors.SeverityHigh, "CONSUME_FAILED", "订阅销毁事件分区失败").
			WithContext("topic", r.opts.Topic).
			WithComponent("relayer")
	}
	defer pc.Close()

	r.logger.WithFields(logrus.Fields{
		"component": "relayer",
		"topic":     r.opts.Topic,
		"partition": r.opts.Partition,
		"relayer":   r.opts.Address.Hex(),
	}).Info("中继已启动")

	for {
		select {
		case <-ctx.Done():
			r.logger.WithField("component", "relayer").Info("中继已停止")
			return nil
		case consumerErr, ok := <-pc.Errors():
			if !ok {
				return nil
			}
			r.logger.WithField("component", "relayer").WithError(consumerErr).Warn("Kafka消费错误")
		case msg, ok := <-pc.Messages():
			if !ok {
				return nil
			}
			r.process(ctx, msg)
		}
	}
}

// process 处理一条消息，暂时失败时按 RedeliverInterval 重新处理同一条
func (r *Relayer) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	for {
		err := r.HandleMessage(ctx, msg)
		switch {
		case err == nil:
			if r.opts.Errors != nil {
				r.opts.Errors.RecordSuccess("relayer")
			}
			return
		case ctx.Err() != nil:
			return
		case r.opts.Errors != nil:
			_ = r.opts.Errors.HandleError(ctx, relayFailure(err, msg))
		default:
			logging.NewRelayLogger(r.logger, msg.Topic, msg.Partition, msg.Offset).
				WithError(err).Error("处理销毁事件失败")
		}

		if !retry.IsRetryableError(err) {
			return
		}
		logging.NewRelayLogger(r.logger, msg.Topic, msg.Partition, msg.Offset).
			Warnf("暂时失败，%v 后重新处理", r.opts.RedeliverInterval)
		select {
		case <-ctx.Done():
			return
		case <-r.opts.Clock.After(r.opts.RedeliverInterval):
		}
	}
}

// HandleMessage 处理一条消息
// 已被使用的证明或承诺视为已处理，可重试的失败按退避重试，次数用尽后记为暂缓
func (r *Relayer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	entry := logging.NewRelayLogger(r.logger, msg.Topic, msg.Partition, msg.Offset)

	burn, err := DecodeBurn(msg.Value)
	if err != nil {
		r.record(metrics.RelayFailed, msg.Offset)
		return err
	}
	if burn == nil {
		return nil
	}

	amount, err := commitment.JoinAmount(burn.AmountLow, burn.AmountHigh)
	if err != nil {
		r.record(metrics.RelayFailed, msg.Offset)
		return err
	}
	entry = entry.WithFields(logrus.Fields{
		"user":            burn.User.Hex(),
		"amount":          amount.Dec(),
		"commitment_hash": burn.CommitmentHash.Hex(),
	})

	var proof *prover.Proof
	err = r.retrier.Execute(ctx, "prove", func(ctx context.Context) error {
		var err error
		proof, err = r.prover.Prove(ctx, burn.User, amount, burn.TxID, burn.CommitmentHash)
		return err
	})
	if err != nil {
		return r.fail(ctx, err, msg.Offset)
	}

	req := &models.UnlockRequest{
		ProofParams:    proof.Params,
		Proof:          proof.Proof,
		User:           burn.User,
		Amount:         amount,
		ExternalTxID:   burn.TxID,
		CommitmentHash: burn.CommitmentHash,
	}
	err = r.retrier.Execute(ctx, "unlock", func(ctx context.Context) error {
		return r.unlocker.UnlockWithProof(ctx, r.opts.Address, req)
	})
	switch {
	case err == nil:
		r.record(metrics.RelayUnlocked, msg.Offset)
		entry.Info("解锁已提交")
		return nil
	case errors.Is(err, errors.ErrCommitmentReused), errors.Is(err, errors.ErrProofReused):
		r.record(metrics.RelaySkipped, msg.Offset)
		entry.WithError(err).Info("销毁事件已处理过，跳过")
		return nil
	default:
		return r.fail(ctx, err, msg.Offset)
	}
}

// fail 记录重试用尽后的失败
// 可重试的失败记为暂缓，不推进进度；停止时中断的消息不记录
func (r *Relayer) fail(ctx context.Context, err error, offset int64) error {
	switch {
	case ctx.Err() != nil:
	case retry.IsRetryableError(err):
		r.record(metrics.RelayDeferred, offset)
	default:
		r.record(metrics.RelayFailed, offset)
	}
	return err
}

// relayFailure 给失败补上中继组件和消息位置
func relayFailure(err error, msg *sarama.ConsumerMessage) *errors.BridgeError {
	be, ok := errors.AsBridgeError(err)
	if !ok {
		be = errors.WrapError(err, errors.ErrorTypeSystem, errors.SeverityMedium, "RELAY_FAILED", "处理销毁事件失败")
	}
	return be.WithComponent("relayer").
		WithContext("topic", msg.Topic).
		WithContext("offset", msg.Offset)
}

func (r *Relayer) record(result string, offset int64) {
	if r.recorder != nil {
		r.recorder.RecordRelay(result, offset)
	}
}
