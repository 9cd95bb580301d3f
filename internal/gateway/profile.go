package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
	"github.com/sumanth-74/law-duel/internal/settlement"
)

// PlayerLookup 读取玩家资料
type PlayerLookup interface {
	GetPlayer(ctx context.Context, playerID int64) (*models.Player, error)
}

// ProfileHandler 玩家资料处理器
type ProfileHandler struct {
	auth    *Authenticator
	players PlayerLookup
	logger  zerolog.Logger
}

// NewProfileHandler 创建玩家资料处理器
func NewProfileHandler(auth *Authenticator, players PlayerLookup, logger zerolog.Logger) *ProfileHandler {
	return &ProfileHandler{
		auth:    auth,
		players: players,
		logger:  logger.With().Str("component", "profile").Logger(),
	}
}

// RegisterHandlers 注册HTTP处理器
func (h *ProfileHandler) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/players/me", h.handleMe).Methods(http.MethodGet)
	r.HandleFunc("/players/{playerId:[0-9]+}/profile", h.handleProfile).Methods(http.MethodGet)
}

// ProfileResponse 资料响应
type ProfileResponse struct {
	Success bool               `json:"success"`
	Data    *PlayerProfileInfo `json:"data"`
}

// PlayerProfileInfo 玩家资料信息
type PlayerProfileInfo struct {
	*models.Player
	Statistics PlayerStatistics `json:"statistics"`
}

// PlayerStatistics 玩家统计信息
type PlayerStatistics struct {
	WinRate float64 `json:"win_rate"`
}

func (h *ProfileHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	playerID, err := h.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "未授权")
		return
	}
	h.writeProfile(w, r, playerID)
}

func (h *ProfileHandler) handleProfile(w http.ResponseWriter, r *http.Request) {
	playerID, err := strconv.ParseInt(mux.Vars(r)["playerId"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "无效的玩家ID")
		return
	}
	h.writeProfile(w, r, playerID)
}

func (h *ProfileHandler) writeProfile(w http.ResponseWriter, r *http.Request, playerID int64) {
	player, err := h.players.GetPlayer(r.Context(), playerID)
	if err != nil {
		if errors.Is(err, duel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "玩家不存在")
			return
		}
		h.logger.Error().Err(err).Int64("player_id", playerID).Msg("查询玩家信息失败")
		writeError(w, http.StatusInternalServerError, "internal", "查询玩家信息失败")
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		Success: true,
		Data:    &PlayerProfileInfo{Player: player, Statistics: statistics(player)},
	})
}

func statistics(p *models.Player) PlayerStatistics {
	var s PlayerStatistics
	if p.TotalMatches > 0 {
		s.WinRate = float64(p.TotalWins) / float64(p.TotalMatches)
	}
	return s
}

// Rankings 段位排行榜
type Rankings interface {
	Top(ctx context.Context, limit int) ([]settlement.LeaderboardEntry, error)
	Rank(ctx context.Context, playerID int64) (int, error)
}

// LeaderboardHandler 排行榜处理器
type LeaderboardHandler struct {
	rankings Rankings
	logger   zerolog.Logger
}

// NewLeaderboardHandler 创建排行榜处理器
func NewLeaderboardHandler(rankings Rankings, logger zerolog.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{rankings: rankings, logger: logger.With().Str("component", "leaderboard").Logger()}
}

// RegisterHandlers 注册HTTP处理器
func (h *LeaderboardHandler) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/leaderboard", h.handleTop).Methods(http.MethodGet)
	r.HandleFunc("/players/{playerId:[0-9]+}/rank", h.handleRank).Methods(http.MethodGet)
}

// LeaderboardResponse 排行榜响应
type LeaderboardResponse struct {
	Success bool                          `json:"success"`
	Entries []settlement.LeaderboardEntry `json:"entries"`
}

// RankResponse 名次响应，Rank 为 0 表示未上榜
type RankResponse struct {
	Success  bool  `json:"success"`
	PlayerID int64 `json:"player_id"`
	Rank     int   `json:"rank"`
}

func (h *LeaderboardHandler) handleTop(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "validation", "limit 必须为1-100")
			return
		}
		limit = n
	}
	entries, err := h.rankings.Top(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("读取排行榜失败")
		writeError(w, http.StatusServiceUnavailable, "persistence", "读取排行榜失败")
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{Success: true, Entries: entries})
}

func (h *LeaderboardHandler) handleRank(w http.ResponseWriter, r *http.Request) {
	playerID, err := strconv.ParseInt(mux.Vars(r)["playerId"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "无效的玩家ID")
		return
	}
	rank, err := h.rankings.Rank(r.Context(), playerID)
	if err != nil {
		h.logger.Error().Err(err).Int64("player_id", playerID).Msg("读取名次失败")
		writeError(w, http.StatusServiceUnavailable, "persistence", "读取名次失败")
		return
	}
	writeJSON(w, http.StatusOK, RankResponse{Success: true, PlayerID: playerID, Rank: rank})
}
