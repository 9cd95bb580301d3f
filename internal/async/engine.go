// engine.go

package async

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
	"github.com/sumanth-74/law-duel/internal/protocol"
	"github.com/sumanth-74/law-duel/internal/question"
)

// PlayerLookup 读取玩家资料
type PlayerLookup interface {
	GetPlayer(ctx context.Context, playerID int64) (*models.Player, error)
}

// Settler 对局结算
type Settler interface {
	Settle(ctx context.Context, m *models.Match) (*models.SettlementResult, error)
}

// Engine 异步对局引擎。每个对局的修改在对局锁内基于最近一次提交的副本进行，
// 保存成功后才替换已提交状态，保存失败时状态保持不变。
type Engine struct {
	store   Store
	supply  question.Supply
	players PlayerLookup
	settler Settler
	policy  duel.MissedTurnPolicy
	config  config.AsyncConfig
	clock   clockwork.Clock
	logger  zerolog.Logger

	locks *keyedMutex

	// 已提交状态
	committed map[string]*models.Match
	cacheMu   sync.Mutex
}

var _ duel.MatchEngine = (*Engine)(nil)

// NewEngine 创建异步对局引擎
func NewEngine(cfg config.AsyncConfig, store Store, supply question.Supply, players PlayerLookup, settler Settler, clock clockwork.Clock, logger zerolog.Logger) *Engine {
	if cfg.BestOf < 1 {
		cfg.BestOf = 7
	}
	if cfg.TurnWindow <= 0 {
		cfg.TurnWindow = 24 * time.Hour
	}
	return &Engine{
		store:     store,
		supply:    supply,
		players:   players,
		settler:   settler,
		policy:    duel.NewMissedTurnPolicy(cfg.MissedTurnForfeitAfter),
		config:    cfg,
		clock:     clock,
		logger:    logger.With().Str("component", "async").Logger(),
		locks:     newKeyedMutex(),
		committed: make(map[string]*models.Match),
	}
}

// Mode 实现 duel.MatchEngine
func (e *Engine) Mode() models.MatchMode {
	return models.ModeAsync
}

// CreateMatch 发起挑战并直接开始第一轮
func (e *Engine) CreateMatch(ctx context.Context, challengerID, opponentID int64, subject string) (*models.Match, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, duel.Validationf("科目不能为空")
	}
	if opponentID <= 0 || opponentID == challengerID {
		return nil, duel.Validationf("非法对手: %d", opponentID)
	}

	challenger, err := e.players.GetPlayer(ctx, challengerID)
	if err != nil {
		return nil, err
	}
	opponent, err := e.players.GetPlayer(ctx, opponentID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	m := duel.NewMatch(models.ModeAsync, subject, *challenger, *opponent, e.config.BestOf, now)
	if err := duel.Transition(m, models.MatchActive); err != nil {
		return nil, err
	}
	m.StartedAt = &now

	q, err := e.supply.NextQuestion(ctx, subject, nil)
	if err != nil {
		return nil, err
	}
	duel.IssueRound(m, q, now, e.config.TurnWindow)

	if err := e.store.Create(ctx, m); err != nil {
		return nil, eris.Wrapf(duel.ErrPersistence, "保存对局 %s 失败: %v", m.ID, err)
	}
	e.commit(m)

	e.logger.Info().
		Str("match_id", m.ID).
		Str("subject", subject).
		Int64("challenger", challengerID).
		Int64("opponent", opponentID).
		Msg("创建异步对局")
	return m.Clone(), nil
}

// SubmitAnswer 实现 duel.MatchEngine。截止后、清扫前到达的作答按迟到记录并结算该轮
func (e *Engine) SubmitAnswer(ctx context.Context, matchID string, playerID int64, sub duel.Submission) (*duel.AnswerReceipt, error) {
	var receipt *duel.AnswerReceipt
	_, err := e.mutate(ctx, matchID, func(m *models.Match, now time.Time) (bool, error) {
		a, err := duel.RecordAnswer(m, playerID, sub.RoundID, sub.ChoiceIndex, sub.ClientElapsedMs, now)
		if err != nil {
			return false, err
		}
		r := m.CurrentRound()
		receipt = &duel.AnswerReceipt{
			MatchID:   m.ID,
			RoundID:   r.ID,
			Late:      a.Late,
			ElapsedMs: a.ElapsedMs,
		}
		if duel.BothAnswered(m, r) || !now.Before(r.Deadline) {
			e.resolveTurn(ctx, m, now)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Resign 实现 duel.MatchEngine，认输方判负，与比分无关
func (e *Engine) Resign(ctx context.Context, matchID string, playerID int64) error {
	_, err := e.mutate(ctx, matchID, func(m *models.Match, now time.Time) (bool, error) {
		if !m.HasPlayer(playerID) {
			return false, duel.Validationf("玩家 %d 不属于对局 %s", playerID, m.ID)
		}
		if m.Status != models.MatchActive {
			return false, duel.Validationf("对局 %s 未在进行中", m.ID)
		}
		if err := duel.Forfeit(m, playerID, models.EndResign, now); err != nil {
			return false, err
		}
		m.LastActivityAt = now
		return true, nil
	})
	return err
}

// Snapshot 实现 duel.MatchEngine
func (e *Engine) Snapshot(ctx context.Context, matchID string) (*models.Match, error) {
	m, err := e.load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// State 玩家视角的对局状态
func (e *Engine) State(ctx context.Context, matchID string, viewer int64) (*protocol.MatchState, error) {
	m, err := e.load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasPlayer(viewer) {
		return nil, duel.NotFoundf("对局不存在: %s", matchID)
	}
	st := protocol.NewMatchState(m, viewer, e.clock.Now())
	return &st, nil
}

// Inbox 玩家全部异步对局：轮到自己的在前，其余按最近活动排序
func (e *Engine) Inbox(ctx context.Context, playerID int64) ([]protocol.InboxEntry, error) {
	matches, err := e.store.ListByPlayer(ctx, playerID)
	if err != nil {
		return nil, eris.Wrapf(duel.ErrPersistence, "读取收件箱失败: %v", err)
	}

	now := e.clock.Now()
	entries := make([]protocol.InboxEntry, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, protocol.NewInboxEntry(m, playerID, now))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].YourTurn != entries[j].YourTurn {
			return entries[i].YourTurn
		}
		return entries[i].LastActivityAt.After(entries[j].LastActivityAt)
	})
	return entries, nil
}

// ProcessDeadlines 结算已到截止时间的轮次，返回处理的对局数
func (e *Engine) ProcessDeadlines(ctx context.Context) (int, error) {
	now := e.clock.Now()
	ids, err := e.store.DueDeadlines(ctx, now, e.config.SweepBatch)
	if err != nil {
		return 0, eris.Wrap(err, "查询到期轮次失败")
	}

	resolved := 0
	for _, id := range ids {
		changed, err := e.mutate(ctx, id, func(m *models.Match, now time.Time) (bool, error) {
			r := m.CurrentRound()
			if m.Status != models.MatchActive || r == nil || r.Revealed || now.Before(r.Deadline) {
				return false, nil
			}
			e.resolveTurn(ctx, m, now)
			return true, nil
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("match_id", id).Msg("结算到期轮次失败")
			continue
		}
		if changed {
			resolved++
		}
	}
	return resolved, nil
}

// ExpireInactive 双方长期无操作的对局归档为 expired，不判胜负
func (e *Engine) ExpireInactive(ctx context.Context) (int, error) {
	window := e.config.InactivityWindow
	if window <= 0 {
		return 0, nil
	}
	ids, err := e.store.Inactive(ctx, e.clock.Now().Add(-window), e.config.SweepBatch)
	if err != nil {
		return 0, eris.Wrap(err, "查询不活跃对局失败")
	}

	expired := 0
	for _, id := range ids {
		changed, err := e.mutate(ctx, id, func(m *models.Match, now time.Time) (bool, error) {
			if m.Status != models.MatchActive || now.Sub(m.LastActivityAt) < window {
				return false, nil
			}
			return true, duel.Finish(m, nil, models.EndExpired, now)
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("match_id", id).Msg("归档不活跃对局失败")
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// resolveTurn 揭晓当前轮次并推进：决出胜负、连续缺席判负或开始下一轮
func (e *Engine) resolveTurn(ctx context.Context, m *models.Match, now time.Time) {
	r := m.CurrentRound()
	if !duel.ResolveRound(m, r, now) {
		return
	}

	forfeits := duel.TrackMisses(m, e.policy, func(id int64) bool {
		return !r.Answered(id)
	})

	if over, winner, reason := duel.Decide(m); over {
		e.finish(m, winner, reason, now)
		return
	}
	switch len(forfeits) {
	case 1:
		if err := duel.Forfeit(m, forfeits[0], models.EndForfeit, now); err != nil {
			e.logger.Error().Err(err).Str("match_id", m.ID).Msg("缺席判负失败")
		}
		return
	case 2:
		e.finish(m, nil, models.EndExpired, now)
		return
	}

	q, err := e.supply.NextQuestion(ctx, m.Subject, m.UsedQuestionIDs())
	if err != nil {
		e.logger.Error().Err(err).Str("match_id", m.ID).Int("turn", m.RoundCounter+1).Msg("出题失败，对局中止")
		e.finish(m, nil, models.EndAborted, now)
		return
	}
	duel.IssueRound(m, q, now, e.config.TurnWindow)
}

func (e *Engine) finish(m *models.Match, winner *int64, reason models.EndReason, now time.Time) {
	if err := duel.Finish(m, winner, reason, now); err != nil {
		e.logger.Error().Err(err).Str("match_id", m.ID).Msg("结束对局失败")
	}
}

// mutate 在对局锁内修改已提交状态的副本，保存成功后提交；结束的对局随后结算
func (e *Engine) mutate(ctx context.Context, matchID string, fn func(m *models.Match, now time.Time) (bool, error)) (bool, error) {
	unlock := e.locks.Lock(matchID)
	committed, err := e.load(ctx, matchID)
	if err != nil {
		unlock()
		return false, err
	}

	next := committed.Clone()
	changed, err := fn(next, e.clock.Now())
	if err != nil || !changed {
		unlock()
		return false, err
	}

	if err := e.store.Save(ctx, next, committed.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			e.evict(matchID)
		}
		unlock()
		e.logger.Error().Err(err).Str("match_id", matchID).Msg("保存对局失败，状态回滚")
		return false, eris.Wrapf(duel.ErrPersistence, "保存对局 %s 失败: %v", matchID, err)
	}
	e.commit(next)
	unlock()

	if committed.Status != models.MatchOver && next.Status == models.MatchOver {
		e.settle(ctx, next)
	}
	return true, nil
}

func (e *Engine) settle(ctx context.Context, m *models.Match) {
	logger := e.logger.With().Str("match_id", m.ID).Logger()
	logger.Info().
		Str("reason", string(m.EndReason)).
		Interface("winner_id", m.WinnerID).
		Interface("scores", m.Scores).
		Msg("异步对局结束")
	if e.settler == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := e.settler.Settle(ctx, m.Clone()); err != nil {
		logger.Error().Err(err).Msg("结算失败，对局待结算")
		return
	}
	if err := e.store.MarkSettled(ctx, m.ID); err != nil {
		logger.Warn().Err(err).Msg("清除待结算标记失败")
	}
}

// SettleUnsettled 补结算已结束但未确认结算的对局，返回成功数
func (e *Engine) SettleUnsettled(ctx context.Context, limit int) (int, error) {
	if e.settler == nil {
		return 0, nil
	}
	ids, err := e.store.Unsettled(ctx, limit)
	if err != nil {
		return 0, eris.Wrap(err, "查询待结算对局失败")
	}

	settled := 0
	for _, id := range ids {
		logger := e.logger.With().Str("match_id", id).Logger()
		m, err := e.store.Load(ctx, id)
		if errors.Is(err, duel.ErrNotFound) {
			// 对局已被清理
			if err := e.store.MarkSettled(ctx, id); err != nil {
				logger.Warn().Err(err).Msg("清除待结算标记失败")
			}
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Msg("读取待结算对局失败")
			continue
		}
		if _, err := e.settler.Settle(ctx, m); err != nil {
			logger.Warn().Err(err).Msg("补结算失败")
			continue
		}
		if err := e.store.MarkSettled(ctx, id); err != nil {
			logger.Warn().Err(err).Msg("清除待结算标记失败")
			continue
		}
		settled++
	}
	return settled, nil
}

// load 优先读取已提交缓存
func (e *Engine) load(ctx context.Context, matchID string) (*models.Match, error) {
	e.cacheMu.Lock()
	m, ok := e.committed[matchID]
	e.cacheMu.Unlock()
	if ok {
		return m, nil
	}

	m, err := e.store.Load(ctx, matchID)
	if err != nil {
		if errors.Is(err, duel.ErrNotFound) {
			return nil, err
		}
		return nil, eris.Wrapf(duel.ErrPersistence, "读取对局 %s 失败: %v", matchID, err)
	}
	e.commit(m)
	return m, nil
}

func (e *Engine) commit(m *models.Match) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if m.Status == models.MatchOver {
		// 结束的对局不再修改，查询直接读存储
		delete(e.committed, m.ID)
		return
	}
	e.committed[m.ID] = m
}

func (e *Engine) evict(matchID string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.committed, matchID)
}

// keyedMutex 按对局ID加锁，无等待者时回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock 加锁并返回解锁函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
