// service.go

package match

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// Ticket 匹配票据
type Ticket struct {
	ID         string        `json:"id"`
	Player     models.Player `json:"player"`
	Subject    string        `json:"subject"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// MatchCreator 由配对结果创建实时对局
type MatchCreator interface {
	CreateSyncMatch(ctx context.Context, subject string, a, b *Ticket) (*models.Match, error)
	// InMatch 玩家是否已在进行中的实时对局
	InMatch(playerID int64) bool
	// Online 玩家是否仍保持连接
	Online(playerID int64) bool
}

// QueueService 匹配服务，队列是唯一跨对局共享的结构，由单个互斥锁保护
type QueueService struct {
	// 匹配队列，按科目分类，按入队时间排列
	queues   map[string][]*Ticket
	byPlayer map[int64]*Ticket
	mu       sync.Mutex

	creator MatchCreator
	config  config.QueueConfig
	clock   clockwork.Clock
	logger  zerolog.Logger

	// 某科目等待人数达到2时触发配对
	trigger chan string

	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
}

// NewQueueService 创建匹配服务
func NewQueueService(cfg config.QueueConfig, creator MatchCreator, clock clockwork.Clock, logger zerolog.Logger) *QueueService {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &QueueService{
		queues:   make(map[string][]*Ticket),
		byPlayer: make(map[int64]*Ticket),
		creator:  creator,
		config:   cfg,
		clock:    clock,
		logger:   logger.With().Str("component", "matchmaking").Logger(),
		trigger:  make(chan string, 64),
	}
}

// SetCreator 设置对局创建者，需在 Start 之前调用
func (s *QueueService) SetCreator(creator MatchCreator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creator = creator
}

// Start 启动配对循环
func (s *QueueService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return eris.New("匹配服务已经在运行")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.isRunning = true

	go s.matchLoop(ctx)
	s.logger.Info().Dur("sweep_interval", s.config.SweepInterval).Msg("匹配服务启动")
	return nil
}

// Stop 停止配对循环
func (s *QueueService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("匹配服务已停止")
}

// Join 玩家加入科目队列
func (s *QueueService) Join(player models.Player, subject string) (*Ticket, int, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, 0, duel.Validationf("科目不能为空")
	}
	if s.creator != nil && s.creator.InMatch(player.ID) {
		return nil, 0, duel.Validationf("玩家 %d 已在对局中", player.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.byPlayer[player.ID]; ok {
		return nil, 0, duel.Validationf("玩家 %d 已在 %s 队列中", player.ID, t.Subject)
	}

	ticket := &Ticket{
		ID:         uuid.New().String(),
		Player:     player,
		Subject:    subject,
		EnqueuedAt: s.clock.Now(),
	}
	s.queues[subject] = append(s.queues[subject], ticket)
	s.byPlayer[player.ID] = ticket
	position := len(s.queues[subject])

	s.logger.Debug().Int64("player_id", player.ID).Str("subject", subject).Int("position", position).Msg("玩家加入匹配队列")

	if position >= 2 {
		select {
		case s.trigger <- subject:
		default:
			// 触发通道已满，由定时扫描兜底
		}
	}
	return ticket, position, nil
}

// Leave 按票据离开队列
func (s *QueueService) Leave(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for playerID, t := range s.byPlayer {
		if t.ID == ticketID {
			return s.removeLocked(playerID)
		}
	}
	return false
}

// LeavePlayer 玩家离开队列（主动离开或配对前断线）
func (s *QueueService) LeavePlayer(playerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(playerID)
}

func (s *QueueService) removeLocked(playerID int64) bool {
	t, ok := s.byPlayer[playerID]
	if !ok {
		return false
	}
	delete(s.byPlayer, playerID)

	queue := s.queues[t.Subject]
	for i, entry := range queue {
		if entry.ID == t.ID {
			s.queues[t.Subject] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(s.queues[t.Subject]) == 0 {
		delete(s.queues, t.Subject)
	}
	s.logger.Debug().Int64("player_id", playerID).Str("subject", t.Subject).Msg("玩家离开匹配队列")
	return true
}

// Requeue 对局创建失败时按原入队时间放回队列
func (s *QueueService) Requeue(tickets ...*Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subjects := make(map[string]struct{})
	for _, t := range tickets {
		if _, ok := s.byPlayer[t.Player.ID]; ok {
			continue
		}
		s.queues[t.Subject] = append(s.queues[t.Subject], t)
		s.byPlayer[t.Player.ID] = t
		subjects[t.Subject] = struct{}{}
	}
	for subject := range subjects {
		queue := s.queues[subject]
		sort.SliceStable(queue, func(i, j int) bool {
			return queue[i].EnqueuedAt.Before(queue[j].EnqueuedAt)
		})
	}
}

// GetQueueLength 获取队列长度
func (s *QueueService) GetQueueLength(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[subject])
}

// GetAllQueueLengths 获取所有队列长度
func (s *QueueService) GetAllQueueLengths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]int, len(s.queues))
	for subject, queue := range s.queues {
		result[subject] = len(queue)
	}
	return result
}

// matchLoop 匹配循环：事件触发 + 定时扫描
func (s *QueueService) matchLoop(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case subject := <-s.trigger:
			s.processSubject(ctx, subject)
		case <-ticker.Chan():
			s.processMatching(ctx)
		}
	}
}

// processMatching 扫描所有科目
func (s *QueueService) processMatching(ctx context.Context) {
	s.mu.Lock()
	subjects := make([]string, 0, len(s.queues))
	for subject, queue := range s.queues {
		if len(queue) >= 2 {
			subjects = append(subjects, subject)
		}
	}
	s.mu.Unlock()

	for _, subject := range subjects {
		s.processSubject(ctx, subject)
	}
}

// processSubject 反复配对直到该科目无可配对玩家
func (s *QueueService) processSubject(ctx context.Context, subject string) {
	for {
		s.mu.Lock()
		a, b := s.takePairLocked(subject)
		s.mu.Unlock()
		if a == nil {
			return
		}
		go s.launch(ctx, a, b)
	}
}

// takePairLocked 取出等待最久的一对兼容玩家，两张票据同时移除
func (s *QueueService) takePairLocked(subject string) (*Ticket, *Ticket) {
	queue := s.queues[subject]
	now := s.clock.Now()
	for i := 0; i < len(queue); i++ {
		for j := i + 1; j < len(queue); j++ {
			if !s.compatible(queue[i], queue[j], now) {
				continue
			}
			a, b := queue[i], queue[j]
			s.removeLocked(a.Player.ID)
			s.removeLocked(b.Player.ID)
			return a, b
		}
	}
	return nil, nil
}

// compatible 分差在段位带内，等待越久带宽越大；RatingBand 为0时不限制
func (s *QueueService) compatible(a, b *Ticket, now time.Time) bool {
	if s.config.RatingBand <= 0 {
		return true
	}
	waited := int(now.Sub(a.EnqueuedAt) / time.Second)
	band := s.config.RatingBand + waited*s.config.BandWidenPerSecond
	diff := a.Player.Rating - b.Player.Rating
	if diff < 0 {
		diff = -diff
	}
	return diff <= band
}

// launch 创建对局，失败时退还队列位置
func (s *QueueService) launch(ctx context.Context, a, b *Ticket) {
	if s.creator == nil {
		s.Requeue(a, b)
		return
	}
	m, err := s.creator.CreateSyncMatch(ctx, a.Subject, a, b)
	if err != nil {
		s.logger.Error().Err(err).
			Int64("player_a", a.Player.ID).
			Int64("player_b", b.Player.ID).
			Str("subject", a.Subject).
			Msg("创建对局失败，退还队列位置")
		var refund []*Ticket
		for _, t := range []*Ticket{a, b} {
			if s.creator.Online(t.Player.ID) {
				refund = append(refund, t)
			}
		}
		s.Requeue(refund...)
		return
	}
	s.logger.Info().
		Str("match_id", m.ID).
		Str("subject", m.Subject).
		Int64("player_a", a.Player.ID).
		Int64("player_b", b.Player.ID).
		Msg("配对成功")
}
