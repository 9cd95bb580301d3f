package game

import (
	"context"
	"errors"
	"net/http"
	"sync"
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

// Settler 对局结算
type Settler interface {
	Settle(ctx context.Context, m *models.Match) (*models.SettlementResult, error)
}

// PlayerStore 读取玩家资料
type PlayerStore interface {
	GetPlayer(ctx context.Context, playerID int64) (*models.Player, error)
}

// Identifier 从握手请求中识别玩家
type Identifier interface {
	Identify(r *http.Request) (int64, error)
}

// Matchmaker 匹配队列
type Matchmaker interface {
	Join(player models.Player, subject string) (*match.Ticket, int, error)
	LeavePlayer(playerID int64) bool
	Requeue(tickets ...*match.Ticket)
}

// Deps 游戏服务器依赖
type Deps struct {
	Supply     question.Supply
	Hints      question.HintProvider
	Settler    Settler
	Players    PlayerStore
	Identifier Identifier
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

// GameServer 实时对局服务器：连接、对局与玩家索引
type GameServer struct {
	config *config.Config

	supply     question.Supply
	hints      question.HintProvider
	settler    Settler
	players    PlayerStore
	identifier Identifier
	matchmaker Matchmaker
	clock      clockwork.Clock
	logger     zerolog.Logger
	timers     *duel.Timers

	connections map[int64]Conn
	profiles    map[int64]models.Player
	connMutex   sync.RWMutex

	matches     map[string]*SyncMatch
	playerMatch map[int64]string
	matchMutex  sync.RWMutex

	// 对局协程的根上下文
	baseCtx context.Context
	cancel  context.CancelFunc

	shutdown  chan struct{}
	isRunning bool
}

// NewGameServer 创建实时对局服务器
func NewGameServer(cfg *config.Config, deps Deps) *GameServer {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GameServer{
		config:      cfg,
		supply:      deps.Supply,
		hints:       deps.Hints,
		settler:     deps.Settler,
		players:     deps.Players,
		identifier:  deps.Identifier,
		clock:       clock,
		logger:      deps.Logger.With().Str("component", "game").Logger(),
		timers:      duel.NewTimers(clock),
		connections: make(map[int64]Conn),
		profiles:    make(map[int64]models.Player),
		matches:     make(map[string]*SyncMatch),
		playerMatch: make(map[int64]string),
		baseCtx:     ctx,
		cancel:      cancel,
		shutdown:    make(chan struct{}),
	}
}

// SetMatchmaker 设置匹配队列
func (s *GameServer) SetMatchmaker(mm Matchmaker) {
	s.matchmaker = mm
}

// Start 启动对局清理循环
func (s *GameServer) Start() error {
	if s.isRunning {
		return eris.New("服务器已经在运行")
	}
	s.isRunning = true
	go s.matchManager()
	s.logger.Info().Msg("实时对局服务启动")
	return nil
}

// Stop 停止服务器：中止进行中的对局并关闭全部连接
func (s *GameServer) Stop() {
	if s.isRunning {
		close(s.shutdown)
		s.isRunning = false
	}
	s.cancel()

	s.matchMutex.RLock()
	pending := make([]*SyncMatch, 0, len(s.matches))
	for _, sm := range s.matches {
		pending = append(pending, sm)
	}
	s.matchMutex.RUnlock()
	for _, sm := range pending {
		<-sm.Done()
	}
	s.timers.CancelAll()

	s.connMutex.Lock()
	for id, conn := range s.connections {
		conn.Close()
		delete(s.connections, id)
	}
	s.connMutex.Unlock()

	s.logger.Info().Msg("实时对局服务已停止")
}

// matchManager 定期回收已退出的对局
func (s *GameServer) matchManager() {
	interval := s.config.Sync.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.cleanupMatches()
		case <-s.shutdown:
			return
		}
	}
}

func (s *GameServer) cleanupMatches() {
	s.matchMutex.Lock()
	defer s.matchMutex.Unlock()

	for id, sm := range s.matches {
		select {
		case <-sm.Done():
			s.logger.Debug().Str("match_id", id).Msg("清理已结束对局")
			delete(s.matches, id)
			for _, pid := range sm.match.PlayerIDs() {
				if s.playerMatch[pid] == id {
					delete(s.playerMatch, pid)
				}
			}
		default:
		}
	}
}

// CreateSyncMatch 实现 match.MatchCreator。第一题在登记对局前取得，
// 供应失败时返回错误，由队列退还双方位置。
func (s *GameServer) CreateSyncMatch(ctx context.Context, subject string, a, b *match.Ticket) (*models.Match, error) {
	if limit := s.config.Server.MaxMatches; limit > 0 && s.MatchCount() >= limit {
		return nil, eris.Errorf("实时对局数已达上限: %d", limit)
	}

	m := duel.NewMatch(models.ModeSync, subject, a.Player, b.Player, s.config.Sync.BestOf, s.clock.Now())
	m.HintsLeft = map[int64]int{
		a.Player.ID: s.config.Sync.HintsPerPlayer,
		b.Player.ID: s.config.Sync.HintsPerPlayer,
	}

	first, err := s.supply.NextQuestion(ctx, subject, nil)
	if err != nil {
		return nil, err
	}

	sm := newSyncMatch(s, m, first, a, b)

	s.matchMutex.Lock()
	for _, id := range m.PlayerIDs() {
		if existing, ok := s.playerMatch[id]; ok {
			s.matchMutex.Unlock()
			return nil, duel.Validationf("玩家 %d 已在对局 %s 中", id, existing)
		}
	}
	s.matches[m.ID] = sm
	for _, id := range m.PlayerIDs() {
		s.playerMatch[id] = m.ID
	}
	s.matchMutex.Unlock()

	go sm.run(s.baseCtx)

	s.logger.Info().
		Str("match_id", m.ID).
		Str("subject", subject).
		Int64("player_a", a.Player.ID).
		Int64("player_b", b.Player.ID).
		Msg("创建实时对局")
	return sm.Snapshot(), nil
}

// InMatch 实现 match.MatchCreator
func (s *GameServer) InMatch(playerID int64) bool {
	s.matchMutex.RLock()
	defer s.matchMutex.RUnlock()
	_, ok := s.playerMatch[playerID]
	return ok
}

// Online 实现 match.MatchCreator
func (s *GameServer) Online(playerID int64) bool {
	s.connMutex.RLock()
	defer s.connMutex.RUnlock()
	_, ok := s.connections[playerID]
	return ok
}

// MatchCount 登记中的对局数
func (s *GameServer) MatchCount() int {
	s.matchMutex.RLock()
	defer s.matchMutex.RUnlock()
	return len(s.matches)
}

// GetMatch 获取对局
func (s *GameServer) GetMatch(matchID string) (*SyncMatch, bool) {
	s.matchMutex.RLock()
	defer s.matchMutex.RUnlock()
	sm, ok := s.matches[matchID]
	return sm, ok
}

// matchOf 玩家所在的进行中对局
func (s *GameServer) matchOf(playerID int64) (*SyncMatch, bool) {
	s.matchMutex.RLock()
	defer s.matchMutex.RUnlock()
	id, ok := s.playerMatch[playerID]
	if !ok {
		return nil, false
	}
	sm, ok := s.matches[id]
	return sm, ok
}

// releasePlayers 对局结束后玩家可重新排队，对局本身保留到确认结束
func (s *GameServer) releasePlayers(m *models.Match) {
	s.matchMutex.Lock()
	defer s.matchMutex.Unlock()
	for _, id := range m.PlayerIDs() {
		if s.playerMatch[id] == m.ID {
			delete(s.playerMatch, id)
		}
	}
}

func (s *GameServer) removeMatch(matchID string) {
	s.matchMutex.Lock()
	defer s.matchMutex.Unlock()
	if sm, ok := s.matches[matchID]; ok {
		for _, id := range sm.match.PlayerIDs() {
			if s.playerMatch[id] == matchID {
				delete(s.playerMatch, id)
			}
		}
		delete(s.matches, matchID)
	}
}

// Connect 登记玩家连接，同一玩家的旧连接被替换；在对局中的玩家补发状态
func (s *GameServer) Connect(conn Conn, player models.Player) {
	s.connMutex.Lock()
	old, replaced := s.connections[player.ID]
	s.connections[player.ID] = conn
	s.profiles[player.ID] = player
	s.connMutex.Unlock()

	if replaced && old != conn {
		old.Close()
	}
	s.logger.Info().Int64("player_id", player.ID).Bool("replaced", replaced).Msg("玩家已连接")

	if sm, ok := s.matchOf(player.ID); ok {
		sm.SetConnected(player.ID, true)
	}
}

// Disconnect 注销连接。排队中的玩家离开队列，对局中的玩家按断线处理，对局继续
func (s *GameServer) Disconnect(conn Conn) {
	playerID := conn.PlayerID()

	s.connMutex.Lock()
	current, ok := s.connections[playerID]
	if !ok || current != conn {
		s.connMutex.Unlock()
		return
	}
	delete(s.connections, playerID)
	s.connMutex.Unlock()

	conn.Close()
	if s.matchmaker != nil {
		s.matchmaker.LeavePlayer(playerID)
	}
	if sm, ok := s.matchOf(playerID); ok {
		sm.SetConnected(playerID, false)
	}
	s.logger.Info().Int64("player_id", playerID).Msg("玩家已断开连接")
}

func (s *GameServer) sendTo(playerID int64, env protocol.Envelope) {
	s.connMutex.RLock()
	conn, ok := s.connections[playerID]
	s.connMutex.RUnlock()
	if !ok {
		return
	}
	if err := conn.Send(env); err != nil {
		s.logger.Warn().Err(err).Int64("player_id", playerID).Str("type", env.Type).Msg("发送消息失败")
	}
}

// profile 已连接玩家的最新资料。对局结算会改变段位，每次都从存储读取并刷新缓存
func (s *GameServer) profile(ctx context.Context, playerID int64) (models.Player, error) {
	s.connMutex.RLock()
	cached, ok := s.profiles[playerID]
	s.connMutex.RUnlock()
	if !ok {
		return models.Player{}, duel.Validationf("玩家 %d 未连接", playerID)
	}
	if s.players == nil {
		return cached, nil
	}

	p, err := s.players.GetPlayer(ctx, playerID)
	if err != nil {
		if errors.Is(err, duel.ErrNotFound) {
			return models.Player{}, err
		}
		return models.Player{}, eris.Wrapf(duel.ErrPersistence, "读取玩家 %d 失败: %v", playerID, err)
	}

	s.connMutex.Lock()
	if _, ok := s.profiles[playerID]; ok {
		s.profiles[playerID] = *p
	}
	s.connMutex.Unlock()
	return *p, nil
}

// SubmitAnswer 提交实时对局答案
func (s *GameServer) SubmitAnswer(ctx context.Context, matchID string, playerID int64, sub duel.Submission) (*duel.AnswerReceipt, error) {
	sm, ok := s.GetMatch(matchID)
	if !ok {
		return nil, duel.NotFoundf("对局不存在: %s", matchID)
	}
	return sm.Submit(ctx, playerID, sub)
}

// Resign 实时对局认输
func (s *GameServer) Resign(ctx context.Context, matchID string, playerID int64) error {
	sm, ok := s.GetMatch(matchID)
	if !ok {
		return duel.NotFoundf("对局不存在: %s", matchID)
	}
	return sm.Resign(ctx, playerID)
}

// RequestHint 请求提示
func (s *GameServer) RequestHint(ctx context.Context, matchID string, playerID int64) error {
	sm, ok := s.GetMatch(matchID)
	if !ok {
		return duel.NotFoundf("对局不存在: %s", matchID)
	}
	return sm.RequestHint(ctx, playerID)
}

// Snapshot 对局只读快照
func (s *GameServer) Snapshot(_ context.Context, matchID string) (*models.Match, error) {
	sm, ok := s.GetMatch(matchID)
	if !ok {
		return nil, duel.NotFoundf("对局不存在: %s", matchID)
	}
	return sm.Snapshot(), nil
}
