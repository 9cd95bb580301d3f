// serve.go

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/async"
	"github.com/sumanth-74/law-duel/internal/game"
	"github.com/sumanth-74/law-duel/internal/gateway"
	"github.com/sumanth-74/law-duel/internal/match"
	"github.com/sumanth-74/law-duel/internal/question"
	"github.com/sumanth-74/law-duel/internal/settlement"
	"github.com/sumanth-74/law-duel/pkg/db"
)

// newServeCmd 启动全部服务
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动对战服务（实时对局、匹配、异步对局与HTTP网关）",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), &config.GlobalConfig)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := log.Logger
	clock := clockwork.NewRealClock()

	if err := db.InitPostgres(&cfg.Database); err != nil {
		return err
	}
	defer db.Close()

	if err := db.InitRedis(&cfg.Redis); err != nil {
		return err
	}
	defer db.CloseRedis()

	var publisher settlement.Publisher = settlement.NopPublisher{}
	if cfg.NATS.Enabled {
		nc, err := settlement.ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = nc
	}
	leaderboard := settlement.NewRedisLeaderboard(db.RedisClient, cfg.Redis.KeyPrefix, publisher, logger)

	// 题目、玩家与结算
	repo := settlement.NewPostgresRepository(db.DB)
	bank := question.NewPostgresBank(db.DB)
	supply := question.NewRetryingSupply(bank, cfg.Supply, logger)
	settler := settlement.NewSettler(repo, settlement.NewEloCalculator(cfg.Settlement.KFactor),
		cfg.Settlement.Rewards, leaderboard, clock, logger)
	auth := gateway.NewAuthenticator(cfg.Auth, clock)

	// 实时对局与匹配队列
	gameServer := game.NewGameServer(cfg, game.Deps{
		Supply:     supply,
		Hints:      bank,
		Settler:    settler,
		Players:    repo,
		Identifier: auth,
		Clock:      clock,
		Logger:     logger,
	})
	queue := match.NewQueueService(cfg.Queue, gameServer, clock, logger)
	gameServer.SetMatchmaker(queue)

	// 异步对局
	store := async.NewRedisStore(db.RedisClient, cfg.Redis.KeyPrefix)
	engine := async.NewEngine(cfg.Async, store, supply, repo, settler, clock, logger)
	sweeper, err := async.NewSweeper(engine, settler, cfg.Async, cfg.Settlement, clock, logger)
	if err != nil {
		return err
	}

	gw := gateway.NewGateway(cfg, auth, clock, logger,
		gateway.NewAuthHandler(auth, repo, logger),
		gateway.NewProfileHandler(auth, repo, logger),
		gateway.NewLeaderboardHandler(leaderboard, logger),
		gameServer,
		match.NewMatchHandler(queue),
		async.NewHandler(engine, auth, logger),
		gateway.NewMatchHandler(auth, clock, logger, game.NewSyncEngine(gameServer), engine),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gameServer.Start(); err != nil {
		return err
	}
	defer gameServer.Stop()

	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Stop()

	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn().Err(err).Msg("停止定时任务失败")
		}
	}()

	if err := gw.Start(); err != nil {
		return err
	}
	logger.Info().Int("port", cfg.Server.Port).Msg("所有服务已启动")

	<-ctx.Done()
	logger.Info().Msg("接收到关闭信号，正在关闭服务器...")

	// 先停止接收请求，再依次停止队列、定时任务与进行中的对局
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("关闭网关失败")
	}
	return nil
}
