package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zkbridge/internal/app"
	"zkbridge/internal/config"
	"zkbridge/internal/logging"
	"zkbridge/internal/validation"
)

var (
	configFile string
	verbose    bool
	from       string // 调用方地址
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zkbridge",
		Short: "零知识证明跨链桥",
		Long:  `L1/L2 锁定跨链桥，包含证明解锁、时间锁队列和 DAO 投票`,
		// 出错时不打印用法
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().StringVar(&from, "from", "", "调用方地址")

	rootCmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newRelayCmd(),
		newBridgeCmd(),
		newTimelockCmd(),
		newDAOCmd(),
		newTokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "初始化管理员、角色和中继者",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			if err := a.Init(ctx); err != nil {
				return err
			}
			fmt.Printf("管理员: %s\n执行器: %s\n", a.Config.Bridge.Admin, a.Executor().Hex())
			return nil
		}),
	}
}

// loadConfig 加载配置并创建日志
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志失败: %w", err)
	}
	return cfg, logger, nil
}

// withApp 为一次性命令创建组件图，命令结束后关闭
func withApp(fn func(ctx context.Context, a *app.App, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := app.New(ctx, cfg, logger, app.Options{})
		if err != nil {
			return fmt.Errorf("初始化组件失败: %w", err)
		}
		defer a.Close()

		if err := fn(ctx, a, args); err != nil {
			_ = a.Errors.HandleError(ctx, err)
			return err
		}
		return nil
	}
}

// caller 解析 --from 参数
func caller() (common.Address, error) {
	if from == "" {
		return common.Address{}, fmt.Errorf("需要指定 --from")
	}
	return validation.ParseAddress(from)
}
