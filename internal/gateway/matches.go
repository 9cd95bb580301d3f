package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
	"github.com/sumanth-74/law-duel/internal/protocol"
)

// MatchHandler 按对局ID查询、作答与认输，不区分实时或异步对局
type MatchHandler struct {
	auth    *Authenticator
	engines []duel.MatchEngine
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// NewMatchHandler 创建对局处理器，按顺序在各引擎中查找对局
func NewMatchHandler(auth *Authenticator, clock clockwork.Clock, logger zerolog.Logger, engines ...duel.MatchEngine) *MatchHandler {
	return &MatchHandler{
		auth:    auth,
		engines: engines,
		clock:   clock,
		logger:  logger.With().Str("component", "matches").Logger(),
	}
}

// RegisterHandlers 注册HTTP处理器
func (h *MatchHandler) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/matches/{matchId}", h.handleState).Methods(http.MethodGet)
	r.HandleFunc("/matches/{matchId}/answer", h.handleAnswer).Methods(http.MethodPost)
	r.HandleFunc("/matches/{matchId}/resign", h.handleResign).Methods(http.MethodPost)
}

// MatchResponse 对局状态响应
type MatchResponse struct {
	Success bool                 `json:"success"`
	Match   *protocol.MatchState `json:"match"`
}

// AnswerRequest 作答请求，实时对局需带 round_id
type AnswerRequest struct {
	RoundID         string `json:"round_id,omitempty"`
	ChoiceIndex     *int   `json:"choice_index"`
	ClientElapsedMs int64  `json:"client_elapsed_ms,omitempty"`
}

// AnswerResponse 作答回执响应
type AnswerResponse struct {
	Success bool                `json:"success"`
	Receipt *duel.AnswerReceipt `json:"receipt"`
}

func (h *MatchHandler) handleState(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	_, m, err := h.locate(r.Context(), mux.Vars(r)["matchId"], playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	st := protocol.NewMatchState(m, playerID, h.clock.Now())
	writeJSON(w, http.StatusOK, MatchResponse{Success: true, Match: &st})
}

func (h *MatchHandler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, duel.Validationf("请求格式错误: %v", err))
		return
	}
	if req.ChoiceIndex == nil {
		h.writeError(w, duel.Validationf("缺少 choice_index"))
		return
	}

	matchID := mux.Vars(r)["matchId"]
	engine, _, err := h.locate(r.Context(), matchID, playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	receipt, err := engine.SubmitAnswer(r.Context(), matchID, playerID, duel.Submission{
		RoundID:         req.RoundID,
		ChoiceIndex:     *req.ChoiceIndex,
		ClientElapsedMs: req.ClientElapsedMs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AnswerResponse{Success: true, Receipt: receipt})
}

func (h *MatchHandler) handleResign(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	matchID := mux.Vars(r)["matchId"]
	engine, _, err := h.locate(r.Context(), matchID, playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := engine.Resign(r.Context(), matchID, playerID); err != nil {
		h.writeError(w, err)
		return
	}
	m, err := engine.Snapshot(r.Context(), matchID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	st := protocol.NewMatchState(m, playerID, h.clock.Now())
	writeJSON(w, http.StatusOK, MatchResponse{Success: true, Match: &st})
}

// locate 查找玩家参与的对局，对局外的玩家视为不存在
func (h *MatchHandler) locate(ctx context.Context, matchID string, playerID int64) (duel.MatchEngine, *models.Match, error) {
	for _, engine := range h.engines {
		m, err := engine.Snapshot(ctx, matchID)
		if errors.Is(err, duel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !m.HasPlayer(playerID) {
			break
		}
		return engine, m, nil
	}
	return nil, nil, duel.NotFoundf("对局不存在: %s", matchID)
}

func (h *MatchHandler) player(w http.ResponseWriter, r *http.Request) (int64, bool) {
	playerID, err := h.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "未授权")
		return 0, false
	}
	return playerID, true
}

func (h *MatchHandler) writeError(w http.ResponseWriter, err error) {
	code := duel.Kind(err)
	var status int
	switch code {
	case duel.CodeNotFound:
		status = http.StatusNotFound
	case duel.CodeValidation:
		status = http.StatusBadRequest
	case duel.CodeConflict, duel.CodeTiming:
		status = http.StatusConflict
	case duel.CodeSupply, duel.CodePersistence:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		h.logger.Error().Err(err).Str("code", code).Msg("对局请求处理失败")
	}
	writeError(w, status, code, err.Error())
}
