package output

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zkbridge/pkg/models"
)

// AsyncFileOutput 异步文件输出器，事件先进入缓冲通道再批量写盘
type AsyncFileOutput struct {
	outputDir string
	logger    *logrus.Logger
	files     map[string]*os.File

	eventChan chan models.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 批量写入配置
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	dropped int64
}

// NewAsyncFileOutput 创建异步文件输出器
func NewAsyncFileOutput(outputDir string, logger *logrus.Logger) (*AsyncFileOutput, error) {
	files, err := createGroupFiles(outputDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &AsyncFileOutput{
		outputDir:     outputDir,
		logger:        logger,
		files:         files,
		eventChan:     make(chan models.Event, 1000),
		ctx:           ctx,
		cancel:        cancel,
		batchSize:     100,
		flushInterval: time.Second,
	}

	o.wg.Add(1)
	go o.writer()

	logger.Info("异步文件输出器已初始化")
	return o, nil
}

// writer 批量写入工作器
func (o *AsyncFileOutput) writer() {
	defer o.wg.Done()

	buffers := make(map[string]*bytes.Buffer, len(Groups))
	pending := 0
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	flush := func() {
		for group, buf := range buffers {
			if buf.Len() == 0 {
				continue
			}
			o.flushBuffer(o.files[group], buf.Bytes(), group)
			buf.Reset()
		}
		pending = 0
	}

	add := func(event models.Event) {
		data, err := encodeEvent(&event)
		if err != nil {
			o.logger.Errorf("%v", err)
			return
		}
		group := GroupOf(event.Type)
		buf, ok := buffers[group]
		if !ok {
			buf = &bytes.Buffer{}
			buffers[group] = buf
		}
		buf.Write(data)
		pending++
		if pending >= o.batchSize {
			flush()
		}
	}

	for {
		select {
		case event := <-o.eventChan:
			add(event)

		case <-ticker.C:
			if pending > 0 {
				flush()
			}

		case <-o.ctx.Done():
			// 写入剩余数据
			for {
				select {
				case event := <-o.eventChan:
					add(event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBuffer 刷新缓冲区
func (o *AsyncFileOutput) flushBuffer(file *os.File, buffer []byte, group string) {
	if _, err := file.Write(buffer); err != nil {
		o.logger.Errorf("写入%s事件文件失败: %v", group, err)
		return
	}
	if err := file.Sync(); err != nil {
		o.logger.Errorf("刷新%s事件文件失败: %v", group, err)
	}
}

// Publish 把事件放入缓冲通道，通道已满时返回错误
func (o *AsyncFileOutput) Publish(ctx context.Context, events []models.Event) error {
	for _, event := range events {
		select {
		case <-o.ctx.Done():
			return fmt.Errorf("输出器已关闭")
		default:
		}

		select {
		case o.eventChan <- event:
		default:
			o.mu.Lock()
			o.dropped++
			o.mu.Unlock()
			return fmt.Errorf("事件通道已满，丢弃数据")
		}
	}
	return nil
}

// Close 关闭异步文件输出器
func (o *AsyncFileOutput) Close() error {
	o.logger.Info("关闭异步文件输出器...")

	o.cancel()
	o.wg.Wait()

	if err := closeFiles(o.files); err != nil {
		return err
	}
	o.logger.Info("异步文件输出器已关闭")
	return nil
}

// GetStats 获取输出器统计信息
func (o *AsyncFileOutput) GetStats() map[string]interface{} {
	o.mu.Lock()
	dropped := o.dropped
	o.mu.Unlock()
	return map[string]interface{}{
		"queue_size":     len(o.eventChan),
		"dropped":        dropped,
		"batch_size":     o.batchSize,
		"flush_interval": o.flushInterval.String(),
	}
}
