// stats.go

package models

import (
	"time"
)

// MatchRecord 对局终局记录，结算只依赖此记录，保证可重放
type MatchRecord struct {
	MatchID    string            `json:"match_id"`
	Mode       MatchMode         `json:"mode"`
	Subject    string            `json:"subject"`
	BestOf     int               `json:"best_of"`
	Rounds     int               `json:"rounds"`
	Players    [2]RecordPlayer   `json:"players"`
	WinnerID   *int64            `json:"winner_id,omitempty"`
	Reason     EndReason         `json:"reason"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt time.Time         `json:"finished_at"`
	SettledAt  *time.Time        `json:"settled_at,omitempty"`
	Result     *SettlementResult `json:"result,omitempty"`
}

// RecordPlayer 玩家在对局中的表现
type RecordPlayer struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	PreRating int         `json:"pre_rating"`
	Score     int         `json:"score"`
	Rounds    []RoundFact `json:"rounds"`
}

// RoundFact 单回合作答事实
type RoundFact struct {
	Round     int   `json:"round"`
	Answered  bool  `json:"answered"`
	Correct   bool  `json:"correct"`
	Late      bool  `json:"late"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// SettlementResult 结算结果
type SettlementResult struct {
	MatchID   string                `json:"match_id"`
	WinnerID  *int64                `json:"winner_id,omitempty"`
	LoserID   *int64                `json:"loser_id,omitempty"`
	Players   map[int64]PlayerDelta `json:"players"`
	SettledAt time.Time             `json:"settled_at"`
}

// PlayerDelta 单个玩家的结算增量
type PlayerDelta struct {
	RatingDelta int   `json:"rating_delta"`
	XPDelta     int64 `json:"xp_delta"`
	PointsDelta int64 `json:"points_delta"`

	// 本局末尾连续答对数；Perfect 表示全部答对，连对在原有基础上累加
	StreakRun int  `json:"streak_run"`
	Perfect   bool `json:"perfect"`

	// 写回后的新值
	NewRating int   `json:"new_rating"`
	NewXP     int64 `json:"new_xp"`
	NewLevel  int   `json:"new_level"`
	NewStreak int   `json:"new_streak"`
}

// NewMatchRecord 从已结束的对局生成终局记录
func NewMatchRecord(m *Match) *MatchRecord {
	rec := &MatchRecord{
		MatchID:   m.ID,
		Mode:      m.Mode,
		Subject:   m.Subject,
		BestOf:    m.BestOf,
		WinnerID:  cloneID(m.WinnerID),
		Reason:    m.EndReason,
		CreatedAt: m.CreatedAt,
	}
	if m.FinishedAt != nil {
		rec.FinishedAt = *m.FinishedAt
	}

	for i, p := range m.Players {
		rp := RecordPlayer{
			ID:        p.ID,
			Username:  p.Username,
			PreRating: p.Rating,
			Score:     m.Scores[p.ID],
		}
		for _, r := range m.Rounds {
			if !r.Revealed || r.Void {
				continue
			}
			fact := RoundFact{Round: r.Index}
			if a, ok := r.Answers[p.ID]; ok {
				fact.Answered = true
				fact.Correct = a.Correct
				fact.Late = a.Late
				fact.ElapsedMs = a.ElapsedMs
			}
			rp.Rounds = append(rp.Rounds, fact)
		}
		rec.Players[i] = rp
	}
	rec.Rounds = len(rec.Players[0].Rounds)
	return rec
}

// LoserID 负方，平局或中止时返回nil
func (r *MatchRecord) LoserID() *int64 {
	if r.WinnerID == nil {
		return nil
	}
	for _, p := range r.Players {
		if p.ID != *r.WinnerID {
			id := p.ID
			return &id
		}
	}
	return nil
}

// Player 按ID获取记录中的玩家
func (r *MatchRecord) Player(id int64) (RecordPlayer, bool) {
	for _, p := range r.Players {
		if p.ID == id {
			return p, true
		}
	}
	return RecordPlayer{}, false
}
