// syncmatch.go

package game

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/match"
	"github.com/sumanth-74/law-duel/internal/models"
	"github.com/sumanth-74/law-duel/internal/protocol"
	"github.com/sumanth-74/law-duel/internal/question"
)

type answerRequest struct {
	playerID   int64
	sub        duel.Submission
	receivedAt time.Time
	reply      chan answerResult
}

type answerResult struct {
	receipt *duel.AnswerReceipt
	err     error
}

type controlKind int

const (
	ctrlHint controlKind = iota
	ctrlResign
	ctrlAck
	ctrlConnected
	ctrlDisconnected
	ctrlHintReady
)

type controlEvent struct {
	kind     controlKind
	playerID int64
	reply    chan error

	// ctrlHintReady 的取回结果
	roundID string
	text    string
	err     error
}

// SyncMatch 实时对局，所有对局状态只在 run 协程内修改
type SyncMatch struct {
	match   *models.Match
	tickets [2]*match.Ticket

	server *GameServer
	cfg    config.SyncConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	supply      question.Supply
	hints       question.HintProvider
	hintTimeout time.Duration
	disconnect  duel.MissedTurnPolicy

	answers  chan answerRequest
	deadline chan string
	control  chan controlEvent
	done     chan struct{}

	// 只读快照，每次状态变化后替换
	snapshot atomic.Pointer[models.Match]

	connected  map[int64]bool
	acked      map[int64]bool
	hinting    map[int64]bool
	settlement *models.SettlementResult
	requeue    bool

	// 预取的第一题，创建对局时已确认供应可用
	first *models.Question
}

func newSyncMatch(s *GameServer, m *models.Match, first *models.Question, a, b *match.Ticket) *SyncMatch {
	sm := &SyncMatch{
		match:       m,
		tickets:     [2]*match.Ticket{a, b},
		server:      s,
		cfg:         s.config.Sync,
		clock:       s.clock,
		logger:      s.logger.With().Str("match_id", m.ID).Logger(),
		supply:      s.supply,
		hints:       s.hints,
		hintTimeout: s.config.Supply.HintTimeout,
		disconnect:  duel.NewDisconnectPolicy(s.config.Sync.ForfeitAfterDisconnectedRounds),
		answers:     make(chan answerRequest, 8),
		deadline:    make(chan string, 1),
		control:     make(chan controlEvent, 16),
		done:        make(chan struct{}),
		connected:   make(map[int64]bool, 2),
		acked:       make(map[int64]bool, 2),
		hinting:     make(map[int64]bool, 2),
		first:       first,
	}
	for _, id := range m.PlayerIDs() {
		sm.connected[id] = s.Online(id)
	}
	sm.publish()
	return sm
}

// ID 对局ID
func (sm *SyncMatch) ID() string {
	return sm.match.ID
}

// Snapshot 只读快照
func (sm *SyncMatch) Snapshot() *models.Match {
	return sm.snapshot.Load().Clone()
}

// Done 工作协程退出后关闭
func (sm *SyncMatch) Done() <-chan struct{} {
	return sm.done
}

// Submit 提交答案，接收时间在此刻记录
func (sm *SyncMatch) Submit(ctx context.Context, playerID int64, sub duel.Submission) (*duel.AnswerReceipt, error) {
	req := answerRequest{
		playerID:   playerID,
		sub:        sub,
		receivedAt: sm.clock.Now(),
		reply:      make(chan answerResult, 1),
	}
	select {
	case sm.answers <- req:
	case <-sm.done:
		return nil, duel.Validationf("对局 %s 已结束", sm.match.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-sm.done:
		select {
		case res := <-req.reply:
			return res.receipt, res.err
		default:
			return nil, duel.Validationf("对局 %s 已结束", sm.match.ID)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestHint 请求提示，提示内容由工作协程直接发送给玩家
func (sm *SyncMatch) RequestHint(ctx context.Context, playerID int64) error {
	return sm.call(ctx, ctrlHint, playerID)
}

// Resign 认输
func (sm *SyncMatch) Resign(ctx context.Context, playerID int64) error {
	return sm.call(ctx, ctrlResign, playerID)
}

// Ack 确认已收到对局结果
func (sm *SyncMatch) Ack(playerID int64) {
	sm.post(controlEvent{kind: ctrlAck, playerID: playerID})
}

// SetConnected 通知连接状态变化
func (sm *SyncMatch) SetConnected(playerID int64, connected bool) {
	kind := ctrlDisconnected
	if connected {
		kind = ctrlConnected
	}
	sm.post(controlEvent{kind: kind, playerID: playerID})
}

func (sm *SyncMatch) post(ev controlEvent) {
	select {
	case sm.control <- ev:
	case <-sm.done:
	}
}

func (sm *SyncMatch) call(ctx context.Context, kind controlKind, playerID int64) error {
	ev := controlEvent{kind: kind, playerID: playerID, reply: make(chan error, 1)}
	select {
	case sm.control <- ev:
	case <-sm.done:
		return duel.Validationf("对局 %s 已结束", sm.match.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-sm.done:
		select {
		case err := <-ev.reply:
			return err
		default:
			return duel.Validationf("对局 %s 已结束", sm.match.ID)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run 对局主循环：作答、截止、控制事件三路 select
func (sm *SyncMatch) run(ctx context.Context) {
	defer close(sm.done)
	defer sm.server.timers.Cancel(sm.match.ID)

	m := sm.match
	now := sm.clock.Now()
	if err := duel.Transition(m, models.MatchActive); err != nil {
		sm.logger.Error().Err(err).Msg("对局启动失败")
		return
	}
	m.StartedAt = &now
	sm.publish()

	for _, id := range m.PlayerIDs() {
		sm.send(id, protocol.TypeMatchStarted, protocol.NewMatchStarted(m, id, sm.cfg.RoundTimeLimit))
	}
	sm.issueRound(sm.first)
	sm.first = nil

	for m.Status == models.MatchActive {
		select {
		case <-ctx.Done():
			sm.abort("服务关闭")
		case req := <-sm.answers:
			sm.handleAnswer(ctx, req)
		case roundID := <-sm.deadline:
			if r := m.CurrentRound(); r != nil && r.ID == roundID && !r.Revealed {
				sm.resolve(ctx)
			}
		case ev := <-sm.control:
			sm.handleControl(ctx, ev)
		}
	}

	sm.conclude(ctx)
	sm.awaitAcks(ctx)
	sm.server.removeMatch(m.ID)
	sm.logger.Debug().Msg("对局已回收")
}

func (sm *SyncMatch) handleAnswer(ctx context.Context, req answerRequest) {
	m := sm.match
	a, err := duel.RecordAnswer(m, req.playerID, req.sub.RoundID, req.sub.ChoiceIndex, req.sub.ClientElapsedMs, req.receivedAt)
	if err != nil {
		req.reply <- answerResult{err: err}
		return
	}
	r := m.CurrentRound()
	req.reply <- answerResult{receipt: &duel.AnswerReceipt{
		MatchID:   m.ID,
		RoundID:   r.ID,
		Late:      a.Late,
		ElapsedMs: a.ElapsedMs,
	}}
	sm.publish()

	if duel.BothAnswered(m, r) {
		sm.resolve(ctx)
	}
}

// resolve 揭晓当前回合并决定下一步，重复触发无副作用
func (sm *SyncMatch) resolve(ctx context.Context) {
	m := sm.match
	r := m.CurrentRound()
	now := sm.clock.Now()
	if r == nil || !duel.ResolveRound(m, r, now) {
		return
	}
	sm.server.timers.Cancel(m.ID)
	m.LastActivityAt = now

	missed := duel.TrackMisses(m, sm.disconnect, func(id int64) bool {
		return !sm.connected[id] && !r.Answered(id)
	})
	sm.publish()
	sm.broadcast(protocol.TypeRoundResult, protocol.NewRoundResult(m, r))

	if over, winner, reason := duel.Decide(m); over {
		sm.finish(winner, reason)
		return
	}

	switch len(missed) {
	case 1:
		if err := duel.Forfeit(m, missed[0], models.EndForfeit, now); err != nil {
			sm.logger.Error().Err(err).Msg("断线判负失败")
		}
		sm.logger.Info().Int64("player_id", missed[0]).Msg("玩家断线过久，判负")
		sm.publish()
		return
	case 2:
		sm.finish(nil, models.EndAborted)
		return
	}

	q, err := sm.supply.NextQuestion(ctx, m.Subject, m.UsedQuestionIDs())
	if err != nil {
		sm.logger.Error().Err(err).Int("round", m.RoundCounter+1).Msg("出题失败，对局中止")
		sm.requeue = errors.Is(err, duel.ErrSupply)
		sm.abort("出题失败")
		return
	}
	sm.issueRound(q)
}

// issueRound 出题：先登记截止定时器再下发
func (sm *SyncMatch) issueRound(q *models.Question) {
	m := sm.match
	r := duel.IssueRound(m, q, sm.clock.Now(), sm.cfg.RoundTimeLimit)
	roundID := r.ID
	sm.server.timers.Schedule(m.ID, sm.cfg.RoundTimeLimit, func() {
		select {
		case sm.deadline <- roundID:
		case <-sm.done:
		}
	})
	sm.publish()
	sm.broadcast(protocol.TypeRoundIssued, protocol.NewRoundIssued(m, r))
}

func (sm *SyncMatch) finish(winner *int64, reason models.EndReason) {
	if err := duel.Finish(sm.match, winner, reason, sm.clock.Now()); err != nil {
		sm.logger.Error().Err(err).Msg("结束对局失败")
	}
	sm.publish()
}

func (sm *SyncMatch) abort(cause string) {
	sm.logger.Warn().Str("cause", cause).Msg("对局中止")
	sm.finish(nil, models.EndAborted)
}

func (sm *SyncMatch) handleControl(ctx context.Context, ev controlEvent) {
	m := sm.match
	switch ev.kind {
	case ctrlHint:
		if err := sm.fetchHint(ctx, ev); err != nil {
			ev.reply <- err
		}
	case ctrlHintReady:
		ev.reply <- sm.giveHint(ev)
	case ctrlResign:
		if !m.HasPlayer(ev.playerID) {
			ev.reply <- duel.Validationf("玩家 %d 不属于对局 %s", ev.playerID, m.ID)
			return
		}
		if m.Status != models.MatchActive {
			ev.reply <- duel.Validationf("对局 %s 未在进行中", m.ID)
			return
		}
		if err := duel.Forfeit(m, ev.playerID, models.EndResign, sm.clock.Now()); err != nil {
			ev.reply <- err
			return
		}
		sm.logger.Info().Int64("player_id", ev.playerID).Msg("玩家认输")
		sm.publish()
		ev.reply <- nil
	case ctrlAck:
		if m.HasPlayer(ev.playerID) && m.Status == models.MatchOver {
			sm.acked[ev.playerID] = true
		}
	case ctrlConnected:
		sm.connected[ev.playerID] = true
		sm.resync(ev.playerID)
	case ctrlDisconnected:
		sm.connected[ev.playerID] = false
	}
}

// fetchHint 校验后在独立协程中取提示，结果以 ctrlHintReady 回到工作协程
func (sm *SyncMatch) fetchHint(ctx context.Context, ev controlEvent) error {
	m := sm.match
	playerID := ev.playerID
	if !m.HasPlayer(playerID) {
		return duel.Validationf("玩家 %d 不属于对局 %s", playerID, m.ID)
	}
	r := m.CurrentRound()
	if m.Status != models.MatchActive || r == nil || r.Revealed {
		return duel.Validationf("对局 %s 当前没有进行中的回合", m.ID)
	}
	if m.HintsLeft[playerID] <= 0 {
		return duel.Validationf("提示次数已用完")
	}
	if sm.hints == nil {
		return duel.Validationf("本题没有提示")
	}
	if sm.hinting[playerID] {
		return duel.Validationf("提示正在获取中")
	}
	sm.hinting[playerID] = true

	roundID, questionID := r.ID, r.QuestionID
	go func() {
		hctx := ctx
		if sm.hintTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, sm.hintTimeout)
			defer cancel()
		}
		text, err := sm.hints.Hint(hctx, questionID)
		sm.post(controlEvent{
			kind:     ctrlHintReady,
			playerID: playerID,
			reply:    ev.reply,
			roundID:  roundID,
			text:     text,
			err:      err,
		})
	}()
	return nil
}

// giveHint 提示取回后扣减次数并发送；回合已揭晓时作废
func (sm *SyncMatch) giveHint(ev controlEvent) error {
	m := sm.match
	playerID := ev.playerID
	delete(sm.hinting, playerID)

	if ev.err != nil {
		if errors.Is(ev.err, question.ErrNoHint) {
			return duel.Validationf("本题没有提示")
		}
		return eris.Wrapf(duel.ErrSupply, "获取提示失败: %v", ev.err)
	}
	r := m.CurrentRound()
	if m.Status != models.MatchActive || r == nil || r.ID != ev.roundID || r.Revealed {
		return duel.Validationf("回合 %s 已结束", ev.roundID)
	}
	if m.HintsLeft[playerID] <= 0 {
		return duel.Validationf("提示次数已用完")
	}

	m.HintsLeft[playerID]--
	sm.publish()
	sm.send(playerID, protocol.TypeHint, protocol.HintIssued{
		MatchID:        m.ID,
		RoundID:        r.ID,
		Text:           ev.text,
		HintsRemaining: m.HintsLeft[playerID],
	})
	return nil
}

// resync 重连后补发对局状态
func (sm *SyncMatch) resync(playerID int64) {
	m := sm.match
	if !m.HasPlayer(playerID) {
		return
	}
	if m.Status == models.MatchOver {
		sm.send(playerID, protocol.TypeMatchFinished, protocol.NewMatchFinished(m, sm.settlement))
		return
	}
	sm.send(playerID, protocol.TypeMatchStarted, protocol.NewMatchStarted(m, playerID, sm.cfg.RoundTimeLimit))
	if r := m.CurrentRound(); r != nil && !r.Revealed {
		sm.send(playerID, protocol.TypeRoundIssued, protocol.NewRoundIssued(m, r))
	}
}

// conclude 结算并广播结果；出题失败时把双方放回队列
func (sm *SyncMatch) conclude(ctx context.Context) {
	m := sm.match
	sm.server.timers.Cancel(m.ID)
	sm.server.releasePlayers(m)

	// 服务关闭时中止的对局同样结算
	res, err := sm.server.settler.Settle(context.WithoutCancel(ctx), m.Clone())
	if err != nil {
		sm.logger.Error().Err(err).Msg("结算失败，对局待结算")
	}
	sm.settlement = res
	sm.broadcast(protocol.TypeMatchFinished, protocol.NewMatchFinished(m, sm.settlement))

	if sm.requeue && sm.server.matchmaker != nil {
		var refund []*match.Ticket
		for _, t := range sm.tickets {
			if t != nil && sm.server.Online(t.Player.ID) {
				refund = append(refund, t)
			}
		}
		sm.server.matchmaker.Requeue(refund...)
	}

	sm.logger.Info().
		Str("reason", string(m.EndReason)).
		Interface("winner_id", m.WinnerID).
		Interface("scores", m.Scores).
		Msg("实时对局结束")
}

// awaitAcks 等待双方确认结果或超时
func (sm *SyncMatch) awaitAcks(ctx context.Context) {
	if sm.cfg.AckTimeout <= 0 {
		return
	}
	timer := sm.clock.NewTimer(sm.cfg.AckTimeout)
	defer timer.Stop()

	ids := sm.match.PlayerIDs()
	for !sm.acked[ids[0]] || !sm.acked[ids[1]] {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			sm.logger.Debug().Msg("等待确认超时")
			return
		case req := <-sm.answers:
			req.reply <- answerResult{err: duel.Validationf("对局 %s 已结束", sm.match.ID)}
		case <-sm.deadline:
		case ev := <-sm.control:
			if ev.kind == ctrlHint || ev.kind == ctrlHintReady || ev.kind == ctrlResign {
				ev.reply <- duel.Validationf("对局 %s 已结束", sm.match.ID)
				continue
			}
			sm.handleControl(ctx, ev)
		}
	}
}

func (sm *SyncMatch) publish() {
	sm.snapshot.Store(sm.match.Clone())
}

func (sm *SyncMatch) broadcast(msgType string, payload interface{}) {
	for _, id := range sm.match.PlayerIDs() {
		sm.send(id, msgType, payload)
	}
}

func (sm *SyncMatch) send(playerID int64, msgType string, payload interface{}) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		sm.logger.Error().Err(err).Msg("构造消息失败")
		return
	}
	sm.server.sendTo(playerID, env)
}
