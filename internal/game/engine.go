package game

import (
	"context"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// SyncEngine 实时对局的 duel.MatchEngine 实现
type SyncEngine struct {
	server *GameServer
}

var _ duel.MatchEngine = (*SyncEngine)(nil)

// NewSyncEngine 创建实时对局引擎
func NewSyncEngine(server *GameServer) *SyncEngine {
	return &SyncEngine{server: server}
}

// Mode 实现 duel.MatchEngine
func (e *SyncEngine) Mode() models.MatchMode {
	return models.ModeSync
}

// SubmitAnswer 实现 duel.MatchEngine
func (e *SyncEngine) SubmitAnswer(ctx context.Context, matchID string, playerID int64, sub duel.Submission) (*duel.AnswerReceipt, error) {
	return e.server.SubmitAnswer(ctx, matchID, playerID, sub)
}

// Resign 实现 duel.MatchEngine
func (e *SyncEngine) Resign(ctx context.Context, matchID string, playerID int64) error {
	return e.server.Resign(ctx, matchID, playerID)
}

// Snapshot 实现 duel.MatchEngine
func (e *SyncEngine) Snapshot(ctx context.Context, matchID string) (*models.Match, error) {
	return e.server.Snapshot(ctx, matchID)
}
