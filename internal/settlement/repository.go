package settlement

import (
	"context"
	"sync"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// Repository 结算持久化
type Repository interface {
	// SaveRecord 保存终局记录，已存在时不覆盖
	SaveRecord(ctx context.Context, rec *models.MatchRecord) error
	GetRecord(ctx context.Context, matchID string) (*models.MatchRecord, error)
	GetPlayer(ctx context.Context, playerID int64) (*models.Player, error)
	// Commit 以 settled_at 为守卫原子写回双方玩家；已结算时 applied=false 并返回已存储结果
	Commit(ctx context.Context, rec *models.MatchRecord, res *models.SettlementResult) (stored *models.SettlementResult, applied bool, err error)
	// Pending 已记录但尚未结算的对局
	Pending(ctx context.Context, limit int) ([]*models.MatchRecord, error)
}

// MemoryRepository 内存实现，用于调试与测试
type MemoryRepository struct {
	mu      sync.Mutex
	players map[int64]*models.Player
	records map[string]*models.MatchRecord
	order   []string
}

// NewMemoryRepository 创建内存仓库
func NewMemoryRepository(players ...models.Player) *MemoryRepository {
	r := &MemoryRepository{
		players: make(map[int64]*models.Player),
		records: make(map[string]*models.MatchRecord),
	}
	for _, p := range players {
		r.PutPlayer(p)
	}
	return r
}

// PutPlayer 写入玩家
func (r *MemoryRepository) PutPlayer(p models.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Level == 0 {
		p.Level = 1
	}
	r.players[p.ID] = &p
}

// GetPlayer 实现 Repository
func (r *MemoryRepository) GetPlayer(_ context.Context, playerID int64) (*models.Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	if !ok {
		return nil, duel.NotFoundf("玩家不存在: %d", playerID)
	}
	c := *p
	return &c, nil
}

// SaveRecord 实现 Repository
func (r *MemoryRepository) SaveRecord(_ context.Context, rec *models.MatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.MatchID]; ok {
		return nil
	}
	c := *rec
	r.records[rec.MatchID] = &c
	r.order = append(r.order, rec.MatchID)
	return nil
}

// GetRecord 实现 Repository
func (r *MemoryRepository) GetRecord(_ context.Context, matchID string) (*models.MatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[matchID]
	if !ok {
		return nil, duel.NotFoundf("终局记录不存在: %s", matchID)
	}
	c := *rec
	return &c, nil
}

// Commit 实现 Repository
func (r *MemoryRepository) Commit(_ context.Context, rec *models.MatchRecord, res *models.SettlementResult) (*models.SettlementResult, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[rec.MatchID]
	if !ok {
		return nil, false, duel.NotFoundf("终局记录不存在: %s", rec.MatchID)
	}
	if stored.SettledAt != nil {
		return stored.Result, false, nil
	}

	for _, rp := range rec.Players {
		p, ok := r.players[rp.ID]
		if !ok {
			return nil, false, duel.NotFoundf("玩家不存在: %d", rp.ID)
		}
		d := res.Players[rp.ID]
		applyDelta(p, &d, rec, rp.ID)
		res.Players[rp.ID] = d
	}

	at := res.SettledAt
	stored.SettledAt = &at
	stored.Result = res
	return res, true, nil
}

// Pending 实现 Repository
func (r *MemoryRepository) Pending(_ context.Context, limit int) ([]*models.MatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.MatchRecord
	for _, id := range r.order {
		rec := r.records[id]
		if rec.SettledAt != nil {
			continue
		}
		c := *rec
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// applyDelta 将增量写入玩家并回填新值
func applyDelta(p *models.Player, d *models.PlayerDelta, rec *models.MatchRecord, playerID int64) {
	p.Rating += d.RatingDelta
	p.XP += d.XPDelta
	p.Points += d.PointsDelta
	p.Level = LevelForXP(p.XP)
	p.CurrentStreak = nextStreak(p.CurrentStreak, *d)
	if p.CurrentStreak > p.BestStreak {
		p.BestStreak = p.CurrentStreak
	}
	if Counted(rec.Reason) {
		p.TotalMatches++
		if rec.WinnerID != nil && *rec.WinnerID == playerID {
			p.TotalWins++
		}
	}

	d.NewRating = p.Rating
	d.NewXP = p.XP
	d.NewLevel = p.Level
	d.NewStreak = p.CurrentStreak
}
