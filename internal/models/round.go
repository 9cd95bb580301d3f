package models

import (
	"time"
)

// Round 回合（异步对局中称为轮次），揭晓后不可再修改
type Round struct {
	ID           string            `json:"id"`
	Index        int               `json:"index"`
	QuestionID   string            `json:"question_id"`
	Stem         string            `json:"stem"`
	Choices      []string          `json:"choices"`
	CorrectIndex int               `json:"correct_index"`
	Explanation  string            `json:"explanation"`
	StartedAt    time.Time         `json:"started_at"`
	Deadline     time.Time         `json:"deadline"`
	Answers      map[int64]*Answer `json:"answers"`
	Revealed     bool              `json:"revealed"`
	// 对局提前结束时未完成的回合作废，不计分
	Void       bool          `json:"void,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	Points     map[int64]int `json:"points,omitempty"`
}

// Answer 玩家作答
type Answer struct {
	PlayerID    int64 `json:"player_id"`
	ChoiceIndex int   `json:"choice_index"`
	// 客户端上报耗时，仅供参考
	ClientElapsedMs int64 `json:"client_elapsed_ms"`
	// 服务端权威耗时 = 接收时间 - 回合开始时间
	ElapsedMs  int64     `json:"elapsed_ms"`
	ReceivedAt time.Time `json:"received_at"`
	Late       bool      `json:"late"`
	Correct    bool      `json:"correct"`
}

// Answered 玩家是否已作答
func (r *Round) Answered(playerID int64) bool {
	_, ok := r.Answers[playerID]
	return ok
}

// Clone 深拷贝
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	c.Choices = append([]string(nil), r.Choices...)
	c.ResolvedAt = cloneTime(r.ResolvedAt)
	c.Points = cloneIntMap(r.Points)
	if r.Answers != nil {
		c.Answers = make(map[int64]*Answer, len(r.Answers))
		for k, a := range r.Answers {
			v := *a
			c.Answers[k] = &v
		}
	}
	return &c
}
