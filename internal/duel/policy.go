package duel

import (
	"github.com/sumanth-74/law-duel/internal/models"
)

// MissedTurnPolicy 连续缺席判负策略。异步对局用于超时未作答，实时对局用于断线未作答。
type MissedTurnPolicy interface {
	// ShouldForfeit 连续缺席 misses 回合后是否判负
	ShouldForfeit(misses int) bool
}

// NeverForfeit 从不因缺席判负
type NeverForfeit struct{}

// ShouldForfeit 实现 MissedTurnPolicy
func (NeverForfeit) ShouldForfeit(int) bool { return false }

// ConsecutiveMisses 连续缺席达到 Limit 回合判负
type ConsecutiveMisses struct {
	Limit int
}

// ShouldForfeit 实现 MissedTurnPolicy
func (p ConsecutiveMisses) ShouldForfeit(misses int) bool {
	return p.Limit > 0 && misses >= p.Limit
}

// NewMissedTurnPolicy limit <= 0 时不判负
func NewMissedTurnPolicy(limit int) MissedTurnPolicy {
	if limit <= 0 {
		return NeverForfeit{}
	}
	return ConsecutiveMisses{Limit: limit}
}

// TrackMisses 更新连续缺席计数并返回触发判负的玩家。
// missed 判断玩家本回合是否计为缺席。
func TrackMisses(m *models.Match, policy MissedTurnPolicy, missed func(playerID int64) bool) []int64 {
	if m.MissStreaks == nil {
		m.MissStreaks = make(map[int64]int, 2)
	}
	var forfeits []int64
	for _, id := range m.PlayerIDs() {
		if missed(id) {
			m.MissStreaks[id]++
		} else {
			m.MissStreaks[id] = 0
		}
		if policy.ShouldForfeit(m.MissStreaks[id]) {
			forfeits = append(forfeits, id)
		}
	}
	return forfeits
}

// NewDisconnectPolicy 实时对局断线判负：连续 rounds 回合断线且未作答判负，rounds <= 0 不判负
func NewDisconnectPolicy(rounds int) MissedTurnPolicy {
	return NewMissedTurnPolicy(rounds)
}
