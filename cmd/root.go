package main

import (
	"fmt"

	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/logging"
	"github.com/lvdashuaibi/littleforum/internal/reputation"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "littleforum",
	Short:         "Forum voting and reputation service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		logger.Info("配置加载成功", zap.String("config", configPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")
}

// ruleTable 由配置构建声望规则表
func ruleTable() (*reputation.RuleTable, error) {
	rules, err := reputation.NewRuleTable(config.DefaultReputation, config.AppConfig.Reputation)
	if err != nil {
		return nil, fmt.Errorf("构建声望规则失败: %w", err)
	}
	return rules, nil
}
