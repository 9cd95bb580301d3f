// settler.go

package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// settleTimeout 单次结算的存储超时
const settleTimeout = 10 * time.Second

// Settler 对局结算，实时与异步对局共用
type Settler struct {
	repo      Repository
	ratings   RatingCalculator
	rewards   config.RewardConfig
	publisher Publisher
	clock     clockwork.Clock
	logger    zerolog.Logger

	// unrecorded 终局记录未能保存的对局，由 RetryPending 补存
	mu         sync.Mutex
	unrecorded map[string]*models.Match
}

// NewSettler 创建结算器
func NewSettler(repo Repository, ratings RatingCalculator, rewards config.RewardConfig, publisher Publisher, clock clockwork.Clock, logger zerolog.Logger) *Settler {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Settler{
		repo:       repo,
		ratings:    ratings,
		rewards:    rewards,
		publisher:  publisher,
		clock:      clock,
		logger:     logger.With().Str("component", "settlement").Logger(),
		unrecorded: make(map[string]*models.Match),
	}
}

// Settle 结算已结束的对局。先保存终局记录再写回玩家，任一步失败时对局保持待结算，
// 由 RetryPending 重试；重复调用返回首次结算的结果。
// 结算不随调用方取消而中断，只受 settleTimeout 约束。
func (s *Settler) Settle(ctx context.Context, m *models.Match) (*models.SettlementResult, error) {
	if m.Status != models.MatchOver {
		return nil, duel.Validationf("对局 %s 尚未结束", m.ID)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	rec, err := s.record(ctx, m)
	if err != nil {
		s.mu.Lock()
		s.unrecorded[m.ID] = m.Clone()
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("match_id", m.ID).Msg("保存终局记录失败，对局待结算")
		return nil, err
	}
	return s.settleRecord(ctx, rec)
}

// record 保存终局记录并移出补存队列
func (s *Settler) record(ctx context.Context, m *models.Match) (*models.MatchRecord, error) {
	rec := models.NewMatchRecord(m)
	if err := s.repo.SaveRecord(ctx, rec); err != nil {
		return nil, eris.Wrapf(duel.ErrSettlement, "对局 %s 保存终局记录失败: %v", m.ID, err)
	}
	s.mu.Lock()
	delete(s.unrecorded, m.ID)
	s.mu.Unlock()
	return rec, nil
}

func (s *Settler) settleRecord(ctx context.Context, rec *models.MatchRecord) (*models.SettlementResult, error) {
	existing, err := s.repo.GetRecord(ctx, rec.MatchID)
	switch {
	case err == nil && existing.SettledAt != nil && existing.Result != nil:
		return existing.Result, nil
	case err != nil && !errors.Is(err, duel.ErrNotFound):
		return nil, eris.Wrapf(duel.ErrSettlement, "对局 %s 读取终局记录失败: %v", rec.MatchID, err)
	}

	res, err := s.compute(rec)
	if err != nil {
		s.logger.Error().Err(err).Str("match_id", rec.MatchID).Msg("段位计算失败，对局待结算")
		return nil, eris.Wrapf(duel.ErrSettlement, "对局 %s 段位计算失败: %v", rec.MatchID, err)
	}

	stored, applied, err := s.repo.Commit(ctx, rec, res)
	if err != nil {
		s.logger.Error().Err(err).Str("match_id", rec.MatchID).Msg("结算写回失败，对局待结算")
		return nil, eris.Wrapf(duel.ErrSettlement, "对局 %s 写回失败: %v", rec.MatchID, err)
	}
	if !applied {
		return stored, nil
	}

	rec.SettledAt = &stored.SettledAt
	rec.Result = stored
	if err := s.publisher.PublishFinished(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("match_id", rec.MatchID).Msg("发布终局记录失败")
	}

	s.logger.Info().
		Str("match_id", rec.MatchID).
		Str("reason", string(rec.Reason)).
		Interface("winner_id", rec.WinnerID).
		Msg("对局结算完成")
	return stored, nil
}

// compute 由终局记录计算增量
func (s *Settler) compute(rec *models.MatchRecord) (*models.SettlementResult, error) {
	a, b := rec.Players[0], rec.Players[1]

	var deltaA, deltaB int
	if Counted(rec.Reason) {
		scoreA := 0.5
		if rec.WinnerID != nil {
			scoreA = 0
			if *rec.WinnerID == a.ID {
				scoreA = 1
			}
		}
		var err error
		deltaA, deltaB, err = s.ratings.Deltas(a.PreRating, b.PreRating, scoreA)
		if err != nil {
			return nil, err
		}
	}

	rewards := ComputeRewards(rec, s.rewards)
	res := &models.SettlementResult{
		MatchID:   rec.MatchID,
		WinnerID:  rec.WinnerID,
		LoserID:   rec.LoserID(),
		Players:   make(map[int64]models.PlayerDelta, 2),
		SettledAt: s.clock.Now(),
	}
	for id, delta := range map[int64]int{a.ID: deltaA, b.ID: deltaB} {
		r := rewards[id]
		res.Players[id] = models.PlayerDelta{
			RatingDelta: delta,
			XPDelta:     r.XP,
			PointsDelta: r.Points,
			StreakRun:   r.StreakRun,
			Perfect:     r.Perfect,
		}
	}
	return res, nil
}

// RetryPending 重试待结算的对局，返回成功数。
// 先补存终局记录未落库的对局，再重试已落库未写回的对局。
func (s *Settler) RetryPending(ctx context.Context, limit int) (int, error) {
	settled := 0
	for _, m := range s.unrecordedBatch(limit) {
		rec, err := s.record(ctx, m)
		if err != nil {
			s.logger.Warn().Err(err).Str("match_id", m.ID).Msg("补存终局记录失败")
			continue
		}
		if _, err := s.settleRecord(ctx, rec); err != nil {
			s.logger.Warn().Err(err).Str("match_id", m.ID).Msg("重试结算失败")
			continue
		}
		settled++
	}

	recs, err := s.repo.Pending(ctx, limit)
	if err != nil {
		return settled, eris.Wrap(err, "查询待结算对局失败")
	}
	for _, rec := range recs {
		if _, err := s.settleRecord(ctx, rec); err != nil {
			s.logger.Warn().Err(err).Str("match_id", rec.MatchID).Msg("重试结算失败")
			continue
		}
		settled++
	}
	return settled, nil
}

// Unrecorded 终局记录尚未落库的对局数
func (s *Settler) Unrecorded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unrecorded)
}

// unrecordedBatch 至多 limit 个待补存对局
func (s *Settler) unrecordedBatch(limit int) []*models.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Match, 0, len(s.unrecorded))
	for _, m := range s.unrecorded {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m)
	}
	return out
}
