package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI        = 10 // 停止查询接口
	OrderStopRelayer    = 20 // 停止中继消费
	OrderStopMonitors   = 30 // 停止节点健康检查
	OrderFlushOutput    = 40 // 刷新事件输出
	OrderCloseStore     = 50 // 关闭 bbolt 存储
	OrderCleanupLogging = 60 // 关闭日志文件
)

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger        *logrus.Logger
	timeout       time.Duration
	shutdownFuncs []ShutdownFunc
	mu            sync.Mutex
	signalChan    chan os.Signal
	stopSignals   chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	once          sync.Once
	stopOnce      sync.Once
	err           error
}

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:      logger,
		timeout:     timeout,
		signalChan:  make(chan os.Signal, 1),
		stopSignals: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 开始监听 SIGINT、SIGTERM、SIGQUIT
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go gs.signalHandler()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Context 服务运行的上下文，停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机流程结束后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Wait 等待停机完成并返回汇总错误
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}

// Shutdown 手动触发停机，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() error {
	gs.once.Do(func() {
		gs.logger.Info("触发优雅停机...")
		gs.performShutdown()
	})
	<-gs.done
	return gs.err
}

func (gs *GracefulShutdown) signalHandler() {
	select {
	case sig := <-gs.signalChan:
		gs.logger.Infof("收到停机信号: %v", sig)
		_ = gs.Shutdown()
	case <-gs.stopSignals:
	case <-gs.done:
	}
}

// performShutdown 先取消服务上下文，再按顺序执行停机函数
func (gs *GracefulShutdown) performShutdown() {
	defer close(gs.done)
	signal.Stop(gs.signalChan)
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	gs.mu.Lock()
	funcs := make([]ShutdownFunc, len(gs.shutdownFuncs))
	copy(funcs, gs.shutdownFuncs)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var shutdownErrors []error
	for _, shutdownFunc := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", shutdownFunc.Name)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", shutdownFunc.Name, shutdownCtx.Err()))
			continue
		}

		start := time.Now()
		err := shutdownFunc.Func(shutdownCtx)
		duration := time.Since(start)

		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", shutdownFunc.Name, duration, err)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", shutdownFunc.Name, err))
			continue
		}
		gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", shutdownFunc.Name, duration)
	}

	if len(shutdownErrors) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(shutdownErrors))
		gs.err = errors.Join(shutdownErrors...)
		return
	}
	gs.logger.Info("优雅停机流程完成")
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	return gs.ctx.Err() != nil
}

// GetRegisteredFunctions 按执行顺序返回已注册的停机函数名
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	funcs := make([]ShutdownFunc, len(gs.shutdownFuncs))
	copy(funcs, gs.shutdownFuncs)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	names := make([]string, len(funcs))
	for i, fn := range funcs {
		names[i] = fn.Name
	}
	return names
}

// Close 停止信号监听，未停机时执行停机
func (gs *GracefulShutdown) Close() error {
	gs.stopOnce.Do(func() { close(gs.stopSignals) })
	return gs.Shutdown()
}
