package duel

import (
	"context"

	"github.com/sumanth-74/law-duel/internal/models"
)

// Submission 玩家提交的答案
type Submission struct {
	RoundID         string
	ChoiceIndex     int
	ClientElapsedMs int64
}

// AnswerReceipt 作答回执
type AnswerReceipt struct {
	MatchID   string `json:"match_id"`
	RoundID   string `json:"round_id"`
	Late      bool   `json:"late"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// MatchEngine 实时与异步对局的共同能力
type MatchEngine interface {
	Mode() models.MatchMode
	SubmitAnswer(ctx context.Context, matchID string, playerID int64, sub Submission) (*AnswerReceipt, error)
	Resign(ctx context.Context, matchID string, playerID int64) error
	// Snapshot 返回对局只读快照
	Snapshot(ctx context.Context, matchID string) (*models.Match, error)
}
