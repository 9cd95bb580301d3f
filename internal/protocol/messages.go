// messages.go

package protocol

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sumanth-74/law-duel/internal/duel"
)

// Envelope 消息结构
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// 客户端 → 服务端
const (
	TypeJoinQueue    = "join_queue"
	TypeLeaveQueue   = "leave_queue"
	TypeSubmitAnswer = "submit_answer"
	TypeRequestHint  = "request_hint"
	TypeResign       = "resign"
	TypeAckResult    = "ack_result"
)

// 服务端 → 客户端
const (
	TypeQueueJoined   = "queue_joined"
	TypeQueueLeft     = "queue_left"
	TypeMatchStarted  = "match_started"
	TypeRoundIssued   = "round_issued"
	TypeAnswerAck     = "answer_ack"
	TypeHint          = "hint"
	TypeRoundResult   = "round_result"
	TypeMatchFinished = "match_finished"
	TypeError         = "error"
)

// NewEnvelope 封装消息
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, eris.Wrapf(err, "序列化消息 %s 失败", msgType)
	}
	env.Payload = data
	return env, nil
}

// Decode 解析消息体，格式错误按校验错误处理
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return duel.Validationf("消息 %s 缺少 payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return duel.Validationf("消息 %s 格式错误: %v", e.Type, err)
	}
	return nil
}

// JoinQueue 加入匹配队列
type JoinQueue struct {
	Subject string `json:"subject"`
}

// SubmitAnswer 提交答案
type SubmitAnswer struct {
	MatchID         string `json:"match_id"`
	RoundID         string `json:"round_id"`
	ChoiceIndex     *int   `json:"choice_index"`
	ClientElapsedMs int64  `json:"client_elapsed_ms,omitempty"`
}

// MatchRef 只携带对局ID的请求（提示、认输、确认结果）
type MatchRef struct {
	MatchID string `json:"match_id"`
}

// QueueJoined 已加入队列
type QueueJoined struct {
	TicketID string    `json:"ticket_id"`
	Subject  string    `json:"subject"`
	Position int       `json:"position"`
	JoinedAt time.Time `json:"joined_at"`
}

// QueueLeft 已离开队列
type QueueLeft struct {
	Removed bool `json:"removed"`
}

// PlayerInfo 对手信息
type PlayerInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Level    int    `json:"level"`
}

// MatchStarted 对局开始
type MatchStarted struct {
	MatchID        string     `json:"match_id"`
	Subject        string     `json:"subject"`
	Opponent       PlayerInfo `json:"opponent"`
	BestOf         int        `json:"best_of"`
	TimeLimitMs    int64      `json:"time_limit_ms"`
	HintsRemaining int        `json:"hints_remaining"`
}

// RoundIssued 下发回合，不含正确答案
type RoundIssued struct {
	MatchID  string    `json:"match_id"`
	RoundID  string    `json:"round_id"`
	Index    int       `json:"index"`
	Stem     string    `json:"stem"`
	Choices  []string  `json:"choices"`
	Deadline time.Time `json:"deadline"`
}

// AnswerAck 作答回执
type AnswerAck struct {
	MatchID   string `json:"match_id"`
	RoundID   string `json:"round_id"`
	Late      bool   `json:"late"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// HintIssued 提示内容
type HintIssued struct {
	MatchID        string `json:"match_id"`
	RoundID        string `json:"round_id"`
	Text           string `json:"text"`
	HintsRemaining int    `json:"hints_remaining"`
}

// RevealedAnswer 揭晓后的作答
type RevealedAnswer struct {
	ChoiceIndex int   `json:"choice_index"`
	Correct     bool  `json:"correct"`
	Late        bool  `json:"late"`
	ElapsedMs   int64 `json:"elapsed_ms"`
}

// RoundResult 回合揭晓
type RoundResult struct {
	MatchID      string                   `json:"match_id"`
	RoundID      string                   `json:"round_id"`
	Index        int                      `json:"index"`
	CorrectIndex int                      `json:"correct_index"`
	Explanation  string                   `json:"explanation"`
	Points       map[int64]int            `json:"points"`
	Scores       map[int64]int            `json:"scores"`
	Answers      map[int64]RevealedAnswer `json:"answers"`
}

// MatchFinished 对局结束
type MatchFinished struct {
	MatchID           string          `json:"match_id"`
	WinnerID          *int64          `json:"winner_id"`
	Reason            string          `json:"reason"`
	Scores            map[int64]int   `json:"scores"`
	RatingDelta       map[int64]int   `json:"rating_delta,omitempty"`
	XPDelta           map[int64]int64 `json:"xp_delta,omitempty"`
	SettlementPending bool            `json:"settlement_pending,omitempty"`
}

// Error 错误消息
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
