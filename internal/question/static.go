package question

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sumanth-74/law-duel/internal/models"
)

// StaticBank 内存题库，按加入顺序出题，用于调试与种子数据
type StaticBank struct {
	mu        sync.RWMutex
	bySubject map[string][]*models.Question
	byID      map[string]*models.Question
}

// NewStaticBank 创建内存题库
func NewStaticBank(questions ...*models.Question) *StaticBank {
	b := &StaticBank{
		bySubject: make(map[string][]*models.Question),
		byID:      make(map[string]*models.Question),
	}
	for _, q := range questions {
		b.Add(q)
	}
	return b
}

// Add 加入题目
func (b *StaticBank) Add(q *models.Question) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySubject[q.Subject] = append(b.bySubject[q.Subject], q)
	b.byID[q.ID] = q
}

// All 全部题目
func (b *StaticBank) All() []*models.Question {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*models.Question, 0, len(b.byID))
	for _, qs := range b.bySubject {
		out = append(out, qs...)
	}
	return out
}

// NextQuestion 实现 Supply
func (b *StaticBank) NextQuestion(_ context.Context, subject string, excludeIDs []string) (*models.Question, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	excluded := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	for _, q := range b.bySubject[subject] {
		if _, ok := excluded[q.ID]; ok {
			continue
		}
		c := *q
		c.Choices = append([]string(nil), q.Choices...)
		return &c, nil
	}
	return nil, eris.Wrapf(ErrNoQuestion, "科目: %s", subject)
}

// Hint 实现 HintProvider
func (b *StaticBank) Hint(_ context.Context, questionID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.byID[questionID]
	if !ok || q.Hint == "" {
		return "", eris.Wrapf(ErrNoHint, "题目: %s", questionID)
	}
	return q.Hint, nil
}
