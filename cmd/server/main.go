// main.go

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/gateway"
	"github.com/sumanth-74/law-duel/internal/settlement"
	"github.com/sumanth-74/law-duel/pkg/db"
	"github.com/sumanth-74/law-duel/pkg/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "law-duel",
		Short:         "法律知识对战服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(configPath); err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			cfg := config.GlobalConfig.Server
			logging.Setup(cfg.LogLevel, cfg.Debug)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "配置文件路径")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newSeedCmd(), newTokenCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("命令执行失败")
		os.Exit(1)
	}
}

// newMigrateCmd 数据库管理
func newMigrateCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "数据库管理：init 创建表结构，reset 删除所有表和数据",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.InitPostgres(&config.GlobalConfig.Database); err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			switch action {
			case "init":
				if err := db.InitAllTables(ctx); err != nil {
					return err
				}
				log.Info().Msg("数据库表初始化完成")
			case "reset":
				log.Warn().Msg("正在重置数据库，将删除所有表和数据")
				if err := db.ResetAllTables(ctx); err != nil {
					return err
				}
				if err := db.InitAllTables(ctx); err != nil {
					return err
				}
				log.Info().Msg("数据库已重置")
			default:
				return fmt.Errorf("未知操作: %s", action)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "init", "操作类型: init, reset")
	return cmd
}

// newTokenCmd 为已有玩家签发令牌，便于调试
func newTokenCmd() *cobra.Command {
	var playerID int64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "为玩家签发访问令牌",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.InitPostgres(&config.GlobalConfig.Database); err != nil {
				return err
			}
			defer db.Close()

			player, err := settlement.NewPostgresRepository(db.DB).GetPlayer(cmd.Context(), playerID)
			if err != nil {
				return err
			}
			token, err := gateway.NewAuthenticator(config.GlobalConfig.Auth, clockwork.NewRealClock()).Issue(*player)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&playerID, "player", 0, "玩家ID")
	cmd.MarkFlagRequired("player")
	return cmd
}
