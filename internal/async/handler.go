// handler.go

package async

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/protocol"
)

// Identifier 识别请求中的玩家
type Identifier interface {
	Identify(r *http.Request) (int64, error)
}

// Handler 异步对局HTTP处理器
type Handler struct {
	engine     *Engine
	identifier Identifier
	logger     zerolog.Logger
}

// NewHandler 创建异步对局处理器
func NewHandler(engine *Engine, identifier Identifier, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:     engine,
		identifier: identifier,
		logger:     logger.With().Str("component", "async_http").Logger(),
	}
}

// RegisterHandlers 注册HTTP处理器
func (h *Handler) RegisterHandlers(r *mux.Router) {
	s := r.PathPrefix("/async").Subrouter()
	s.HandleFunc("/matches", h.handleCreate).Methods(http.MethodPost)
	s.HandleFunc("/matches/{matchId}", h.handleState).Methods(http.MethodGet)
	s.HandleFunc("/matches/{matchId}/answer", h.handleAnswer).Methods(http.MethodPost)
	s.HandleFunc("/matches/{matchId}/resign", h.handleResign).Methods(http.MethodPost)
	s.HandleFunc("/inbox", h.handleInbox).Methods(http.MethodGet)
}

type errorResponse struct {
	Success bool           `json:"success"`
	Error   protocol.Error `json:"error"`
}

type inboxResponse struct {
	Success bool                  `json:"success"`
	Matches []protocol.InboxEntry `json:"matches"`
}

type stateResponse struct {
	Success bool                 `json:"success"`
	Match   *protocol.MatchState `json:"match"`
}

type answerResponse struct {
	Success bool                `json:"success"`
	Receipt *duel.AnswerReceipt `json:"receipt"`
}

// handleCreate 发起异步对局
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	var req protocol.CreateMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, duel.Validationf("请求格式错误: %v", err))
		return
	}

	m, err := h.engine.CreateMatch(r.Context(), playerID, req.OpponentID, req.Subject)
	if err != nil {
		h.writeError(w, err)
		return
	}
	st := protocol.NewMatchState(m, playerID, h.engine.clock.Now())
	writeJSON(w, http.StatusCreated, stateResponse{Success: true, Match: &st})
}

// handleAnswer 提交当前轮次答案
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	var req protocol.SubmitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, duel.Validationf("请求格式错误: %v", err))
		return
	}
	if req.ChoiceIndex == nil {
		h.writeError(w, duel.Validationf("缺少 choice_index"))
		return
	}

	receipt, err := h.engine.SubmitAnswer(r.Context(), mux.Vars(r)["matchId"], playerID, duel.Submission{
		ChoiceIndex:     *req.ChoiceIndex,
		ClientElapsedMs: req.ClientElapsedMs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Success: true, Receipt: receipt})
}

// handleResign 认输
func (h *Handler) handleResign(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	matchID := mux.Vars(r)["matchId"]
	if err := h.engine.Resign(r.Context(), matchID, playerID); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.engine.State(r.Context(), matchID, playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Success: true, Match: st})
}

// handleState 对局状态
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	st, err := h.engine.State(r.Context(), mux.Vars(r)["matchId"], playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Success: true, Match: st})
}

// handleInbox 收件箱
func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.player(w, r)
	if !ok {
		return
	}
	entries, err := h.engine.Inbox(r.Context(), playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inboxResponse{Success: true, Matches: entries})
}

func (h *Handler) player(w http.ResponseWriter, r *http.Request) (int64, bool) {
	playerID, err := h.identifier.Identify(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error: protocol.Error{Code: "unauthorized", Message: "未授权"},
		})
		return 0, false
	}
	return playerID, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := duel.Kind(err)
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("code", code).Msg("请求处理失败")
	}
	writeJSON(w, status, errorResponse{Error: protocol.Error{Code: code, Message: err.Error()}})
}

// StatusFor 错误分类映射为HTTP状态码
func StatusFor(err error) int {
	switch duel.Kind(err) {
	case duel.CodeNotFound:
		return http.StatusNotFound
	case duel.CodeValidation:
		return http.StatusBadRequest
	case duel.CodeConflict, duel.CodeTiming:
		return http.StatusConflict
	case duel.CodeSupply, duel.CodePersistence:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, ErrVersionConflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
