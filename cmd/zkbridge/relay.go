package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"zkbridge/internal/app"
	"zkbridge/internal/logging"
	"zkbridge/internal/shutdown"
)

var resetProgress bool // 是否重置进度

func newRelayCmd() *cobra.Command {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "运行中继",
		Long:  `从 Kafka 读取 L2 销毁事件，向证明服务获取证明后提交 L1 解锁，重启后从上次的偏移量继续`,
		RunE:  runRelay,
	}
	relayCmd.Flags().BoolVar(&resetProgress, "reset-progress", false, "重置进度重新开始")
	relayCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "优雅停机超时时间")

	// 进度查询子命令
	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "查看中继进度",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			tracker, err := a.RelayProgress(ctx)
			if err != nil {
				return err
			}
			stats := tracker.GetStats()
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s: %v\n", k, stats[k])
			}
			return nil
		}),
	}
	relayCmd.AddCommand(progressCmd)
	return relayCmd
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(shutdownTimeout, logger)
	ctx := gs.Context()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("初始化组件失败: %w", err)
	}
	gs.RegisterShutdownFunc("事件输出", a.CloseOutput, shutdown.OrderFlushOutput)
	gs.RegisterShutdownFunc("存储", a.CloseStore, shutdown.OrderCloseStore)
	gs.RegisterShutdownFunc("日志文件", func(ctx context.Context) error {
		return logging.CloseOutput(logger)
	}, shutdown.OrderCleanupLogging)

	if resetProgress {
		tracker, err := a.RelayProgress(ctx)
		if err != nil {
			_ = gs.Close()
			return err
		}
		if err := tracker.Reset(ctx); err != nil {
			_ = gs.Close()
			return fmt.Errorf("重置进度失败: %w", err)
		}
	}

	r, consumer, err := a.NewRelayer()
	if err != nil {
		_ = gs.Close()
		return err
	}
	gs.RegisterShutdownFunc("Kafka消费者", func(ctx context.Context) error {
		return consumer.Close()
	}, shutdown.OrderStopRelayer)

	gs.Start()
	runErr := r.Run(ctx)
	if runErr != nil {
		_ = a.Errors.HandleError(ctx, runErr)
	}
	if err := gs.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
