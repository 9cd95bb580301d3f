package protocol

import (
	"time"

	"github.com/sumanth-74/law-duel/internal/models"
)

// ConvertPlayer 玩家转为对外信息
func ConvertPlayer(p models.Player) PlayerInfo {
	return PlayerInfo{
		ID:       p.ID,
		Username: p.Username,
		Rating:   p.Rating,
		Level:    p.Level,
	}
}

// NewMatchStarted 构造对局开始消息
func NewMatchStarted(m *models.Match, viewer int64, timeLimit time.Duration) MatchStarted {
	opp, _ := m.Opponent(viewer)
	return MatchStarted{
		MatchID:        m.ID,
		Subject:        m.Subject,
		Opponent:       ConvertPlayer(opp),
		BestOf:         m.BestOf,
		TimeLimitMs:    timeLimit.Milliseconds(),
		HintsRemaining: m.HintsLeft[viewer],
	}
}

// NewRoundIssued 构造下发回合消息
func NewRoundIssued(m *models.Match, r *models.Round) RoundIssued {
	return RoundIssued{
		MatchID:  m.ID,
		RoundID:  r.ID,
		Index:    r.Index,
		Stem:     r.Stem,
		Choices:  append([]string(nil), r.Choices...),
		Deadline: r.Deadline,
	}
}

// NewRoundResult 构造回合揭晓消息，仅用于已揭晓的回合
func NewRoundResult(m *models.Match, r *models.Round) RoundResult {
	res := RoundResult{
		MatchID:      m.ID,
		RoundID:      r.ID,
		Index:        r.Index,
		CorrectIndex: r.CorrectIndex,
		Explanation:  r.Explanation,
		Points:       copyScores(r.Points),
		Scores:       copyScores(m.Scores),
		Answers:      make(map[int64]RevealedAnswer, len(r.Answers)),
	}
	for id, a := range r.Answers {
		res.Answers[id] = revealAnswer(a)
	}
	return res
}

// NewMatchFinished 构造对局结束消息，settlement 为nil表示结算待完成
func NewMatchFinished(m *models.Match, settlement *models.SettlementResult) MatchFinished {
	msg := MatchFinished{
		MatchID: m.ID,
		Reason:  string(m.EndReason),
		Scores:  copyScores(m.Scores),
	}
	if m.WinnerID != nil {
		w := *m.WinnerID
		msg.WinnerID = &w
	}
	if settlement == nil {
		msg.SettlementPending = true
		return msg
	}
	msg.RatingDelta = make(map[int64]int, len(settlement.Players))
	msg.XPDelta = make(map[int64]int64, len(settlement.Players))
	for id, d := range settlement.Players {
		msg.RatingDelta[id] = d.RatingDelta
		msg.XPDelta[id] = d.XPDelta
	}
	return msg
}

func revealAnswer(a *models.Answer) RevealedAnswer {
	return RevealedAnswer{
		ChoiceIndex: a.ChoiceIndex,
		Correct:     a.Correct,
		Late:        a.Late,
		ElapsedMs:   a.ElapsedMs,
	}
}

func copyScores(src map[int64]int) map[int64]int {
	dst := make(map[int64]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
