package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zkbridge/internal/api"
	"zkbridge/internal/app"
	"zkbridge/internal/config"
	"zkbridge/internal/connection"
	"zkbridge/internal/logging"
	"zkbridge/internal/shutdown"
)

var (
	withRelayer     bool
	probeInterval   time.Duration
	shutdownTimeout time.Duration
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动查询 API 服务",
		Long:  `启动只读查询 API 和指标接口，启动时核对 L1 链ID，可选同时运行中继`,
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&withRelayer, "with-relayer", false, "同时运行中继")
	serveCmd.Flags().DurationVar(&probeInterval, "probe-interval", time.Minute, "L1 节点健康检查间隔")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "优雅停机超时时间")
	return serveCmd
}

func runServe(cmd *cobra.Command, args []string) error {
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
	// 存储和输出在停机的最后阶段关闭
	gs.RegisterShutdownFunc("事件输出", a.CloseOutput, shutdown.OrderFlushOutput)
	gs.RegisterShutdownFunc("存储", a.CloseStore, shutdown.OrderCloseStore)
	gs.RegisterShutdownFunc("日志文件", func(ctx context.Context) error {
		return logging.CloseOutput(logger)
	}, shutdown.OrderCleanupLogging)

	services := api.Services{
		Bridge:     a.Bridge,
		Timelock:   a.Timelock,
		Governance: a.DAO,
		Decoder:    a.Decoder,
		Metrics:    a.Metrics.Handler(),
	}

	if cfg.Chain.RPCURL != "" {
		probe := connection.NewChainProbe(cfg.Chain, cfg.Bridge.LocalChainID, a.Clock, logger)
		if err := probe.Check(ctx); err != nil {
			_ = a.Errors.HandleError(ctx, err)
			_ = gs.Close()
			return fmt.Errorf("L1 节点检查失败: %w", err)
		}
		services.Chain = probe

		monitorDone := make(chan struct{})
		go func() {
			defer close(monitorDone)
			probe.Monitor(ctx, probeInterval)
		}()
		gs.RegisterShutdownFunc("节点健康检查", waitFor(monitorDone), shutdown.OrderStopMonitors)
	} else {
		logger.Warn("未配置 L1 节点地址，跳过链ID核对")
	}

	if dsn := os.Getenv(config.EnvPrefix + "_DB_DSN"); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			_ = gs.Close()
			return fmt.Errorf("连接配置数据库失败: %w", err)
		}
		services.Config = api.NewConfigManager(dbConfig, logger)
		gs.RegisterShutdownFunc("配置数据库", func(ctx context.Context) error {
			return dbConfig.Close()
		}, shutdown.OrderCloseStore)
	}

	if withRelayer {
		r, consumer, err := a.NewRelayer()
		if err != nil {
			_ = gs.Close()
			return err
		}
		relayDone := make(chan struct{})
		go func() {
			err := r.Run(ctx)
			close(relayDone)
			if err != nil {
				_ = a.Errors.HandleError(ctx, err)
				_ = gs.Shutdown()
			}
		}()
		gs.RegisterShutdownFunc("中继", func(ctx context.Context) error {
			if err := waitFor(relayDone)(ctx); err != nil {
				return err
			}
			return consumer.Close()
		}, shutdown.OrderStopRelayer)
	}

	server := api.NewServer(cfg.API, services, logger)
	gs.RegisterShutdownFunc("API服务器", server.Stop, shutdown.OrderStopAPI)

	gs.Start()
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("API服务器异常退出")
			_ = gs.Shutdown()
		}
	}()

	logger.WithFields(logrus.Fields{
		"component": "serve",
		"relayer":   withRelayer,
	}).Info("服务已启动")
	return gs.Wait()
}

// waitFor 等待后台任务退出，超时返回 ctx 错误
func waitFor(done <-chan struct{}) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
