// async.go

package protocol

import (
	"time"

	"github.com/sumanth-74/law-duel/internal/models"
)

// CreateMatchRequest 发起异步对局
type CreateMatchRequest struct {
	Subject    string `json:"subject"`
	OpponentID int64  `json:"opponent_id"`
}

// SubmitTurnRequest 提交轮次答案
type SubmitTurnRequest struct {
	ChoiceIndex     *int  `json:"choice_index"`
	ClientElapsedMs int64 `json:"client_elapsed_ms,omitempty"`
}

// TurnView 玩家视角的轮次，未揭晓前不含正确答案与对手选择
type TurnView struct {
	RoundID          string                   `json:"round_id"`
	Index            int                      `json:"index"`
	Stem             string                   `json:"stem"`
	Choices          []string                 `json:"choices"`
	StartedAt        time.Time                `json:"started_at"`
	Deadline         time.Time                `json:"deadline"`
	Revealed         bool                     `json:"revealed"`
	Void             bool                     `json:"void,omitempty"`
	YouAnswered      bool                     `json:"you_answered"`
	OpponentAnswered bool                     `json:"opponent_answered"`
	YourChoice       *int                     `json:"your_choice,omitempty"`
	CorrectIndex     *int                     `json:"correct_index,omitempty"`
	Explanation      string                   `json:"explanation,omitempty"`
	Points           map[int64]int            `json:"points,omitempty"`
	Answers          map[int64]RevealedAnswer `json:"answers,omitempty"`
}

// MatchState 异步对局状态
type MatchState struct {
	MatchID         string        `json:"match_id"`
	Mode            string        `json:"mode"`
	Subject         string        `json:"subject"`
	Status          string        `json:"status"`
	BestOf          int           `json:"best_of"`
	You             PlayerInfo    `json:"you"`
	Opponent        PlayerInfo    `json:"opponent"`
	Scores          map[int64]int `json:"scores"`
	YourTurn        bool          `json:"your_turn"`
	TimeRemainingMs int64         `json:"time_remaining_ms"`
	Current         *TurnView     `json:"current,omitempty"`
	History         []TurnView    `json:"history"`
	WinnerID        *int64        `json:"winner_id,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// InboxEntry 收件箱条目
type InboxEntry struct {
	MatchID         string        `json:"match_id"`
	Subject         string        `json:"subject"`
	Status          string        `json:"status"`
	Opponent        PlayerInfo    `json:"opponent"`
	Scores          map[int64]int `json:"scores"`
	Turn            int           `json:"turn"`
	YourTurn        bool          `json:"your_turn"`
	TimeRemainingMs int64         `json:"time_remaining_ms"`
	WinnerID        *int64        `json:"winner_id,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
}

// NewTurnView 按揭晓状态裁剪轮次
func NewTurnView(m *models.Match, r *models.Round, viewer int64) TurnView {
	opp, _ := m.Opponent(viewer)
	v := TurnView{
		RoundID:          r.ID,
		Index:            r.Index,
		Stem:             r.Stem,
		Choices:          append([]string(nil), r.Choices...),
		StartedAt:        r.StartedAt,
		Deadline:         r.Deadline,
		Revealed:         r.Revealed,
		Void:             r.Void,
		YouAnswered:      r.Answered(viewer),
		OpponentAnswered: r.Answered(opp.ID),
	}
	if a, ok := r.Answers[viewer]; ok {
		choice := a.ChoiceIndex
		v.YourChoice = &choice
	}
	if !r.Revealed {
		return v
	}

	correct := r.CorrectIndex
	v.CorrectIndex = &correct
	v.Explanation = r.Explanation
	v.Points = copyScores(r.Points)
	v.Answers = make(map[int64]RevealedAnswer, len(r.Answers))
	for id, a := range r.Answers {
		v.Answers[id] = revealAnswer(a)
	}
	return v
}

// NewMatchState 构造玩家视角的对局状态
func NewMatchState(m *models.Match, viewer int64, now time.Time) MatchState {
	var you models.Player
	for _, p := range m.Players {
		if p.ID == viewer {
			you = p
		}
	}
	opp, _ := m.Opponent(viewer)

	st := MatchState{
		MatchID:    m.ID,
		Mode:       string(m.Mode),
		Subject:    m.Subject,
		Status:     string(m.Status),
		BestOf:     m.BestOf,
		You:        ConvertPlayer(you),
		Opponent:   ConvertPlayer(opp),
		Scores:     copyScores(m.Scores),
		History:    make([]TurnView, 0, len(m.Rounds)),
		WinnerID:   m.WinnerID,
		EndReason:  string(m.EndReason),
		CreatedAt:  m.CreatedAt,
		FinishedAt: m.FinishedAt,
	}
	for _, r := range m.Rounds {
		if r.Revealed {
			st.History = append(st.History, NewTurnView(m, r, viewer))
		}
	}
	if r := m.CurrentRound(); r != nil && !r.Revealed && m.Status == models.MatchActive {
		cur := NewTurnView(m, r, viewer)
		st.Current = &cur
		st.YourTurn = !r.Answered(viewer)
		st.TimeRemainingMs = remaining(r.Deadline, now)
	}
	return st
}

// NewInboxEntry 构造收件箱条目
func NewInboxEntry(m *models.Match, viewer int64, now time.Time) InboxEntry {
	opp, _ := m.Opponent(viewer)
	e := InboxEntry{
		MatchID:        m.ID,
		Subject:        m.Subject,
		Status:         string(m.Status),
		Opponent:       ConvertPlayer(opp),
		Scores:         copyScores(m.Scores),
		Turn:           m.RoundCounter,
		WinnerID:       m.WinnerID,
		EndReason:      string(m.EndReason),
		LastActivityAt: m.LastActivityAt,
	}
	if r := m.CurrentRound(); r != nil && !r.Revealed && m.Status == models.MatchActive {
		e.YourTurn = !r.Answered(viewer)
		e.TimeRemainingMs = remaining(r.Deadline, now)
	}
	return e
}

func remaining(deadline, now time.Time) int64 {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
