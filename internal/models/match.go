// match.go

package models

import (
	"time"
)

// MatchMode 对局模式
type MatchMode string

const (
	// ModeSync 实时对局
	ModeSync MatchMode = "sync"
	// ModeAsync 异步回合对局
	ModeAsync MatchMode = "async"
)

// MatchStatus 对局状态，只允许 waiting → active → over
type MatchStatus string

const (
	// MatchWaiting 等待中
	MatchWaiting MatchStatus = "waiting"
	// MatchActive 进行中
	MatchActive MatchStatus = "active"
	// MatchOver 已结束
	MatchOver MatchStatus = "over"
)

// EndReason 对局结束原因
type EndReason string

const (
	// EndMajority 一方先达到多数
	EndMajority EndReason = "majority"
	// EndExhausted 回合数用尽
	EndExhausted EndReason = "exhausted"
	// EndForfeit 断线或连续缺席判负
	EndForfeit EndReason = "forfeit"
	// EndResign 认输
	EndResign EndReason = "resign"
	// EndAborted 出题失败中止，不计段位
	EndAborted EndReason = "aborted"
	// EndExpired 双方长期无操作归档
	EndExpired EndReason = "expired"
)

// Match 对局
type Match struct {
	ID           string        `json:"id"`
	Mode         MatchMode     `json:"mode"`
	Subject      string        `json:"subject"`
	Players      [2]Player     `json:"players"`
	Status       MatchStatus   `json:"status"`
	Scores       map[int64]int `json:"scores"`
	RoundCounter int           `json:"round_counter"`
	BestOf       int           `json:"best_of"`
	Rounds       []*Round      `json:"rounds"`

	// 剩余提示次数（实时对局）
	HintsLeft map[int64]int `json:"hints_left,omitempty"`
	// 连续缺席回合数（实时为断线未作答，异步为超时未作答）
	MissStreaks map[int64]int `json:"miss_streaks,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`

	WinnerID    *int64    `json:"winner_id,omitempty"`
	EndReason   EndReason `json:"end_reason,omitempty"`
	ResignedBy  *int64    `json:"resigned_by,omitempty"`
	ForfeitedBy *int64    `json:"forfeited_by,omitempty"`

	// 乐观锁版本号（异步对局持久化）
	Version int64 `json:"version"`
}

// PlayerIDs 双方玩家ID
func (m *Match) PlayerIDs() [2]int64 {
	return [2]int64{m.Players[0].ID, m.Players[1].ID}
}

// HasPlayer 玩家是否属于该对局
func (m *Match) HasPlayer(playerID int64) bool {
	return m.Players[0].ID == playerID || m.Players[1].ID == playerID
}

// Opponent 获取对手
func (m *Match) Opponent(playerID int64) (Player, bool) {
	switch playerID {
	case m.Players[0].ID:
		return m.Players[1], true
	case m.Players[1].ID:
		return m.Players[0], true
	}
	return Player{}, false
}

// CurrentRound 当前回合，尚未出题时返回nil
func (m *Match) CurrentRound() *Round {
	if len(m.Rounds) == 0 {
		return nil
	}
	return m.Rounds[len(m.Rounds)-1]
}

// UsedQuestionIDs 本局已出过的题目
func (m *Match) UsedQuestionIDs() []string {
	ids := make([]string, 0, len(m.Rounds))
	for _, r := range m.Rounds {
		ids = append(ids, r.QuestionID)
	}
	return ids
}

// Clone 深拷贝，用于只读快照与持久化失败回滚
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	c.Scores = cloneIntMap(m.Scores)
	c.HintsLeft = cloneIntMap(m.HintsLeft)
	c.MissStreaks = cloneIntMap(m.MissStreaks)
	c.StartedAt = cloneTime(m.StartedAt)
	c.FinishedAt = cloneTime(m.FinishedAt)
	c.WinnerID = cloneID(m.WinnerID)
	c.ResignedBy = cloneID(m.ResignedBy)
	c.ForfeitedBy = cloneID(m.ForfeitedBy)
	if m.Rounds != nil {
		c.Rounds = make([]*Round, len(m.Rounds))
		for i, r := range m.Rounds {
			c.Rounds[i] = r.Clone()
		}
	}
	return &c
}

func cloneIntMap(src map[int64]int) map[int64]int {
	if src == nil {
		return nil
	}
	dst := make(map[int64]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
