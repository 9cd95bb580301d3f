// store.go

package async

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// ErrVersionConflict 乐观锁版本不一致
var ErrVersionConflict = eris.New("对局版本冲突")

// Store 异步对局持久化。每次状态转换后整体保存，版本号做比较并交换
type Store interface {
	// Create 保存新对局，版本号置为1
	Create(ctx context.Context, m *models.Match) error
	Load(ctx context.Context, matchID string) (*models.Match, error)
	// Save 当存储中的版本等于 expectedVersion 时写入，成功后 m.Version = expectedVersion+1
	Save(ctx context.Context, m *models.Match, expectedVersion int64) error
	ListByPlayer(ctx context.Context, playerID int64) ([]*models.Match, error)
	// DueDeadlines 当前轮次截止时间不晚于 now 的进行中对局
	DueDeadlines(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Inactive 最后活动时间早于 before 的进行中对局
	Inactive(ctx context.Context, before time.Time, limit int) ([]string, error)
	// Unsettled 已结束但尚未确认结算的对局，按结束先后
	Unsettled(ctx context.Context, limit int) ([]string, error)
	// MarkSettled 确认对局已结算
	MarkSettled(ctx context.Context, matchID string) error
}

// MemoryStore 内存实现，用于调试与测试
type MemoryStore struct {
	mu        sync.Mutex
	matches   map[string]*models.Match
	unsettled map[string]time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:   make(map[string]*models.Match),
		unsettled: make(map[string]time.Time),
	}
}

// Create 实现 Store
func (s *MemoryStore) Create(_ context.Context, m *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; ok {
		return eris.Errorf("对局已存在: %s", m.ID)
	}
	m.Version = 1
	s.matches[m.ID] = m.Clone()
	return nil
}

// Load 实现 Store
func (s *MemoryStore) Load(_ context.Context, matchID string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return nil, duel.NotFoundf("对局不存在: %s", matchID)
	}
	return m.Clone(), nil
}

// Save 实现 Store
func (s *MemoryStore) Save(_ context.Context, m *models.Match, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.matches[m.ID]
	if !ok {
		return duel.NotFoundf("对局不存在: %s", m.ID)
	}
	if cur.Version != expectedVersion {
		return eris.Wrapf(ErrVersionConflict, "对局 %s 期望版本 %d 实际 %d", m.ID, expectedVersion, cur.Version)
	}
	m.Version = expectedVersion + 1
	s.matches[m.ID] = m.Clone()
	if m.Status == models.MatchOver && cur.Status != models.MatchOver {
		finished := m.LastActivityAt
		if m.FinishedAt != nil {
			finished = *m.FinishedAt
		}
		s.unsettled[m.ID] = finished
	}
	return nil
}

// ListByPlayer 实现 Store
func (s *MemoryStore) ListByPlayer(_ context.Context, playerID int64) ([]*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Match
	for _, m := range s.matches {
		if m.HasPlayer(playerID) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DueDeadlines 实现 Store
func (s *MemoryStore) DueDeadlines(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(limit, func(m *models.Match) (time.Time, bool) {
		r := m.CurrentRound()
		if r == nil || r.Revealed || r.Deadline.After(now) {
			return time.Time{}, false
		}
		return r.Deadline, true
	}), nil
}

// Inactive 实现 Store
func (s *MemoryStore) Inactive(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(limit, func(m *models.Match) (time.Time, bool) {
		return m.LastActivityAt, m.LastActivityAt.Before(before)
	}), nil
}

// Unsettled 实现 Store
func (s *MemoryStore) Unsettled(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.unsettled))
	for id := range s.unsettled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.unsettled[ids[i]].Before(s.unsettled[ids[j]]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// MarkSettled 实现 Store
func (s *MemoryStore) MarkSettled(_ context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unsettled, matchID)
	return nil
}

// collect 按时间先后返回进行中对局
func (s *MemoryStore) collect(limit int, pick func(m *models.Match) (time.Time, bool)) []string {
	type entry struct {
		id string
		at time.Time
	}
	var due []entry
	for id, m := range s.matches {
		if m.Status != models.MatchActive {
			continue
		}
		if at, ok := pick(m); ok {
			due = append(due, entry{id: id, at: at})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

	ids := make([]string, 0, len(due))
	for _, e := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, e.id)
	}
	return ids
}
