package duel

import (
	"errors"

	"github.com/rotisserie/eris"
)

// 错误分类，调用方通过 errors.Is 判断
var (
	// ErrValidation 非法请求：格式错误、非本局玩家、非当前回合
	ErrValidation = eris.New("非法请求")
	// ErrNotFound 对局不存在
	ErrNotFound = eris.New("对局不存在")
	// ErrTiming 回合已结算后到达的作答，按缺席处理
	ErrTiming = eris.New("作答已超时")
	// ErrConflict 同一回合重复作答，以首次为准
	ErrConflict = eris.New("重复作答")
	// ErrSupply 题目供应失败且重试耗尽
	ErrSupply = eris.New("题目供应失败")
	// ErrPersistence 对局状态持久化失败
	ErrPersistence = eris.New("对局持久化失败")
	// ErrSettlement 结算失败，对局保持待结算
	ErrSettlement = eris.New("结算失败")
)

// 错误码，用于 websocket error 消息与 HTTP 状态映射
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeTiming      = "timing"
	CodeConflict    = "conflict"
	CodeSupply      = "supply"
	CodePersistence = "persistence"
	CodeSettlement  = "settlement"
	CodeInternal    = "internal"
)

// Validationf 构造校验错误
func Validationf(format string, args ...interface{}) error {
	return eris.Wrapf(ErrValidation, format, args...)
}

// NotFoundf 构造对局不存在错误
func NotFoundf(format string, args ...interface{}) error {
	return eris.Wrapf(ErrNotFound, format, args...)
}

// Kind 将错误映射为稳定的错误码
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrTiming):
		return CodeTiming
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrSupply):
		return CodeSupply
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrSettlement):
		return CodeSettlement
	default:
		return CodeInternal
	}
}
