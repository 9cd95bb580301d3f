// player.go

package models

import (
	"time"
)

// Player 玩家引用，对局引擎只通过结算读写积分、经验与连对字段
type Player struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 段位与成长
	Rating int   `json:"rating"`
	Level  int   `json:"level"`
	XP     int64 `json:"xp"`
	Points int64 `json:"points"`

	// 连对统计
	CurrentStreak int `json:"current_streak"`
	BestStreak    int `json:"best_streak"`

	TotalMatches int `json:"total_matches"`
	TotalWins    int `json:"total_wins"`
}

// DefaultRating 新玩家初始分
const DefaultRating = 1200
