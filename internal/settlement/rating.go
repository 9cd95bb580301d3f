package settlement

import (
	"math"

	"github.com/rotisserie/eris"
)

// RatingCalculator 段位分计算器，scoreA 为 A 方得分（胜1，平0.5，负0）
type RatingCalculator interface {
	Deltas(ratingA, ratingB int, scoreA float64) (deltaA, deltaB int, err error)
}

// EloCalculator Elo 计算，双方增量互为相反数
type EloCalculator struct {
	K float64
}

// NewEloCalculator 创建 Elo 计算器，k <= 0 时使用 32
func NewEloCalculator(k float64) EloCalculator {
	if k <= 0 {
		k = 32
	}
	return EloCalculator{K: k}
}

// Deltas 实现 RatingCalculator
func (e EloCalculator) Deltas(ratingA, ratingB int, scoreA float64) (int, int, error) {
	if scoreA < 0 || scoreA > 1 {
		return 0, 0, eris.Errorf("非法对局得分: %v", scoreA)
	}
	expectedA := 1 / (1 + math.Pow(10, float64(ratingB-ratingA)/400))
	deltaA := int(math.Round(e.K * (scoreA - expectedA)))
	return deltaA, -deltaA, nil
}
