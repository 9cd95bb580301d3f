// rules.go

package duel

import (
	"time"

	"github.com/google/uuid"

	"github.com/sumanth-74/law-duel/internal/models"
)

// WinThreshold 多数胜所需分数 ceil(bestOf/2)
func WinThreshold(bestOf int) int {
	return (bestOf + 1) / 2
}

// Transition 状态只能 waiting → active → over
func Transition(m *models.Match, to models.MatchStatus) error {
	switch {
	case m.Status == models.MatchWaiting && to == models.MatchActive,
		m.Status == models.MatchActive && to == models.MatchOver:
		m.Status = to
		return nil
	}
	return Validationf("非法状态转换: %s -> %s", m.Status, to)
}

// NewMatch 创建等待中的对局
func NewMatch(mode models.MatchMode, subject string, a, b models.Player, bestOf int, now time.Time) *models.Match {
	return &models.Match{
		ID:             uuid.New().String(),
		Mode:           mode,
		Subject:        subject,
		Players:        [2]models.Player{a, b},
		Status:         models.MatchWaiting,
		Scores:         map[int64]int{a.ID: 0, b.ID: 0},
		BestOf:         bestOf,
		MissStreaks:    map[int64]int{a.ID: 0, b.ID: 0},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// IssueRound 用题目开启下一回合
func IssueRound(m *models.Match, q *models.Question, now time.Time, window time.Duration) *models.Round {
	m.RoundCounter++
	r := &models.Round{
		ID:           uuid.New().String(),
		Index:        m.RoundCounter,
		QuestionID:   q.ID,
		Stem:         q.Stem,
		Choices:      append([]string(nil), q.Choices...),
		CorrectIndex: q.CorrectIndex,
		Explanation:  q.Explanation,
		StartedAt:    now,
		Deadline:     now.Add(window),
		Answers:      make(map[int64]*models.Answer, 2),
	}
	m.Rounds = append(m.Rounds, r)
	return r
}

// RecordAnswer 记录作答。截止后到达但回合尚未结算的作答照常接收并标记迟到；
// 回合已结算后到达的作答返回 ErrTiming，不修改回合。
func RecordAnswer(m *models.Match, playerID int64, roundID string, choice int, clientElapsedMs int64, receivedAt time.Time) (*models.Answer, error) {
	if !m.HasPlayer(playerID) {
		return nil, Validationf("玩家 %d 不属于对局 %s", playerID, m.ID)
	}
	if m.Status != models.MatchActive {
		return nil, Validationf("对局 %s 未在进行中", m.ID)
	}

	r := m.CurrentRound()
	if r == nil {
		return nil, Validationf("对局 %s 尚未出题", m.ID)
	}
	if roundID != "" && roundID != r.ID {
		for _, past := range m.Rounds {
			if past.ID == roundID {
				return nil, ErrTiming
			}
		}
		return nil, Validationf("未知回合: %s", roundID)
	}
	if r.Revealed {
		return nil, ErrTiming
	}
	if choice < 0 || choice >= len(r.Choices) {
		return nil, Validationf("选项越界: %d", choice)
	}
	if r.Answered(playerID) {
		return nil, ErrConflict
	}

	elapsed := receivedAt.Sub(r.StartedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	a := &models.Answer{
		PlayerID:        playerID,
		ChoiceIndex:     choice,
		ClientElapsedMs: clientElapsedMs,
		ElapsedMs:       elapsed,
		ReceivedAt:      receivedAt,
		Late:            receivedAt.After(r.Deadline),
	}
	r.Answers[playerID] = a
	m.LastActivityAt = receivedAt
	return a, nil
}

// BothAnswered 双方是否都已作答
func BothAnswered(m *models.Match, r *models.Round) bool {
	for _, id := range m.PlayerIDs() {
		if !r.Answered(id) {
			return false
		}
	}
	return true
}

// ResolveRound 判分并揭晓，已揭晓的回合直接返回 false
func ResolveRound(m *models.Match, r *models.Round, now time.Time) bool {
	if r.Revealed {
		return false
	}
	r.Points = make(map[int64]int, 2)
	for _, id := range m.PlayerIDs() {
		pts := 0
		if a, ok := r.Answers[id]; ok {
			a.Correct = !a.Late && a.ChoiceIndex == r.CorrectIndex
			if a.Correct {
				pts = 1
			}
		}
		r.Points[id] = pts
		m.Scores[id] += pts
	}
	r.Revealed = true
	r.ResolvedAt = &now
	return true
}

// Decide 回合结算后判断胜负
func Decide(m *models.Match) (over bool, winner *int64, reason models.EndReason) {
	ids := m.PlayerIDs()
	a, b := m.Scores[ids[0]], m.Scores[ids[1]]
	threshold := WinThreshold(m.BestOf)

	switch {
	case a >= threshold && a > b:
		return true, &ids[0], models.EndMajority
	case b >= threshold && b > a:
		return true, &ids[1], models.EndMajority
	}

	if playedRounds(m) < m.BestOf {
		return false, nil, ""
	}
	switch {
	case a > b:
		return true, &ids[0], models.EndExhausted
	case b > a:
		return true, &ids[1], models.EndExhausted
	}
	return true, nil, models.EndExhausted
}

func playedRounds(m *models.Match) int {
	n := 0
	for _, r := range m.Rounds {
		if r.Revealed && !r.Void {
			n++
		}
	}
	return n
}

// Finish 结束对局，未揭晓的回合作废
func Finish(m *models.Match, winner *int64, reason models.EndReason, now time.Time) error {
	if err := Transition(m, models.MatchOver); err != nil {
		return err
	}
	if r := m.CurrentRound(); r != nil && !r.Revealed {
		r.Void = true
		r.Revealed = true
		r.ResolvedAt = &now
	}
	if winner != nil {
		w := *winner
		m.WinnerID = &w
	}
	m.EndReason = reason
	m.FinishedAt = &now
	return nil
}

// Forfeit 判负，loser 的对手获胜
func Forfeit(m *models.Match, loser int64, reason models.EndReason, now time.Time) error {
	winner, ok := m.Opponent(loser)
	if !ok {
		return Validationf("玩家 %d 不属于对局 %s", loser, m.ID)
	}
	if err := Finish(m, &winner.ID, reason, now); err != nil {
		return err
	}
	l := loser
	switch reason {
	case models.EndResign:
		m.ResignedBy = &l
	default:
		m.ForfeitedBy = &l
	}
	return nil
}
