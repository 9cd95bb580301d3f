// sweeper.go

package async

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
)

// SettlementRetrier 待结算对局重试
type SettlementRetrier interface {
	RetryPending(ctx context.Context, limit int) (int, error)
}

// Sweeper 后台定时任务：到期轮次、不活跃归档、结算重试
type Sweeper struct {
	scheduler gocron.Scheduler
	engine    *Engine
	retrier   SettlementRetrier

	asyncCfg      config.AsyncConfig
	settlementCfg config.SettlementConfig
	logger        zerolog.Logger

	cancel context.CancelFunc
}

// NewSweeper 创建定时任务，retrier 为nil时只补结算异步对局
func NewSweeper(engine *Engine, retrier SettlementRetrier, asyncCfg config.AsyncConfig, settlementCfg config.SettlementConfig, clock clockwork.Clock, logger zerolog.Logger) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, eris.Wrap(err, "创建定时任务调度器失败")
	}
	return &Sweeper{
		scheduler:     scheduler,
		engine:        engine,
		retrier:       retrier,
		asyncCfg:      asyncCfg,
		settlementCfg: settlementCfg,
		logger:        logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Start 注册任务并启动调度
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	sweep := s.asyncCfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	if err := s.addJob("async-deadlines", sweep, func() { s.sweepDeadlines(ctx) }); err != nil {
		return err
	}
	if s.asyncCfg.InactivityWindow > 0 {
		if err := s.addJob("async-inactivity", sweep, func() { s.sweepInactive(ctx) }); err != nil {
			return err
		}
	}
	retry := s.settlementCfg.RetryInterval
	if retry <= 0 {
		retry = 30 * time.Second
	}
	if err := s.addJob("settlement-retry", retry, func() { s.retrySettlements(ctx) }); err != nil {
		return err
	}

	s.scheduler.Start()
	s.logger.Info().Dur("sweep_interval", sweep).Int("jobs", len(s.scheduler.Jobs())).Msg("定时任务启动")
	return nil
}

func (s *Sweeper) addJob(name string, every time.Duration, fn func()) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return eris.Wrapf(err, "注册定时任务 %s 失败", name)
}

// Stop 停止调度并等待任务结束
func (s *Sweeper) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.scheduler.Shutdown()
}

// RunOnce 立即执行一轮全部任务
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.sweepDeadlines(ctx)
	s.sweepInactive(ctx)
	s.retrySettlements(ctx)
}

func (s *Sweeper) sweepDeadlines(ctx context.Context) {
	n, err := s.engine.ProcessDeadlines(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("处理到期轮次失败")
		return
	}
	if n > 0 {
		s.logger.Info().Int("resolved", n).Msg("已结算到期轮次")
	}
}

func (s *Sweeper) sweepInactive(ctx context.Context) {
	n, err := s.engine.ExpireInactive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("归档不活跃对局失败")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("已归档不活跃对局")
	}
}

// retrySettlements 先重试结算器积压的对局，再补结算异步存储中未确认的对局
func (s *Sweeper) retrySettlements(ctx context.Context) {
	if s.retrier != nil {
		n, err := s.retrier.RetryPending(ctx, s.settlementCfg.RetryBatch)
		if err != nil {
			s.logger.Error().Err(err).Msg("重试结算失败")
		} else if n > 0 {
			s.logger.Info().Int("settled", n).Msg("已补结算对局")
		}
	}

	n, err := s.engine.SettleUnsettled(ctx, s.settlementCfg.RetryBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("补结算异步对局失败")
		return
	}
	if n > 0 {
		s.logger.Info().Int("settled", n).Msg("已补结算异步对局")
	}
}
