// supply.go

package question

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// ErrNoQuestion 科目下没有可用题目，重试无意义
var ErrNoQuestion = eris.New("没有可用题目")

// ErrNoHint 题目没有提示
var ErrNoHint = eris.New("题目没有提示")

// Supply 题目供应，对局引擎只消费题目，不生成也不校验内容
type Supply interface {
	NextQuestion(ctx context.Context, subject string, excludeIDs []string) (*models.Question, error)
}

// HintProvider 提示供应
type HintProvider interface {
	Hint(ctx context.Context, questionID string) (string, error)
}

// RetryingSupply 带指数退避重试的题目供应，耗尽后返回 duel.ErrSupply
type RetryingSupply struct {
	next           Supply
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger
}

// NewRetryingSupply 创建带重试的题目供应
func NewRetryingSupply(next Supply, cfg config.SupplyConfig, logger zerolog.Logger) *RetryingSupply {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingSupply{
		next:           next,
		maxAttempts:    attempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With().Str("component", "question_supply").Logger(),
	}
}

// NextQuestion 实现 Supply
func (s *RetryingSupply) NextQuestion(ctx context.Context, subject string, excludeIDs []string) (*models.Question, error) {
	var q *models.Question
	attempt := 0
	op := func() error {
		attempt++
		got, err := s.next.NextQuestion(ctx, subject, excludeIDs)
		if err != nil {
			if errors.Is(err, ErrNoQuestion) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := checkShape(got); err != nil {
			return err
		}
		q = got
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if s.initialBackoff > 0 {
		b.InitialInterval = s.initialBackoff
	}
	if s.maxBackoff > 0 {
		b.MaxInterval = s.maxBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Str("subject", subject).Int("attempt", attempt).Dur("retry_in", wait).Msg("获取题目失败，准备重试")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, eris.Wrapf(duel.ErrSupply, "科目 %s 出题失败(尝试%d次): %v", subject, attempt, err)
	}
	return q, nil
}

// checkShape 只检查结构，题目内容由供应方负责
func checkShape(q *models.Question) error {
	if q == nil || q.ID == "" {
		return eris.New("题目为空")
	}
	if len(q.Choices) < 2 {
		return eris.Errorf("题目 %s 选项不足", q.ID)
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Choices) {
		return eris.Errorf("题目 %s 正确选项越界: %d", q.ID, q.CorrectIndex)
	}
	return nil
}
