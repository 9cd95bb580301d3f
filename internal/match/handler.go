package match

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// MatchHandler 匹配队列HTTP处理器
type MatchHandler struct {
	service *QueueService
}

// NewMatchHandler 创建匹配处理器
func NewMatchHandler(service *QueueService) *MatchHandler {
	return &MatchHandler{
		service: service,
	}
}

// 匹配状态响应
type matchStatusResponse struct {
	Success bool           `json:"success"`
	Queues  map[string]int `json:"queues"`
}

// 单科目队列响应
type subjectStatusResponse struct {
	Success bool   `json:"success"`
	Subject string `json:"subject"`
	Waiting int    `json:"waiting"`
}

// RegisterHandlers 注册HTTP处理器
func (h *MatchHandler) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/match/status", h.handleMatchStatus).Methods(http.MethodGet)
	r.HandleFunc("/match/status/{subject}", h.handleSubjectStatus).Methods(http.MethodGet)
}

// handleMatchStatus 各科目等待人数
func (h *MatchHandler) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, matchStatusResponse{
		Success: true,
		Queues:  h.service.GetAllQueueLengths(),
	})
}

// handleSubjectStatus 单科目等待人数
func (h *MatchHandler) handleSubjectStatus(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	writeJSON(w, http.StatusOK, subjectStatusResponse{
		Success: true,
		Subject: subject,
		Waiting: h.service.GetQueueLength(subject),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
