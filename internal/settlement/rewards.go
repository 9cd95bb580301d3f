// rewards.go

package settlement

import (
	"math"
	"time"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/models"
)

// BaseXPPerLevel 升级所需经验基数，L_n = floor(BaseXPPerLevel * n^1.2)
const BaseXPPerLevel = 100

// xpForNextLevel 从 level 升到 level+1 所需经验
func xpForNextLevel(level int) int64 {
	if level < 1 {
		level = 1
	}
	return int64(float64(BaseXPPerLevel) * math.Pow(float64(level), 1.2))
}

// LevelForXP 根据累计经验计算等级
func LevelForXP(xp int64) int {
	level := 1
	for {
		need := xpForNextLevel(level)
		if xp < need {
			return level
		}
		xp -= need
		level++
	}
}

// Reward 单个玩家的经验、积分与连对变化
type Reward struct {
	XP        int64
	Points    int64
	StreakRun int
	Perfect   bool
}

// Counted 中止与归档的对局不计段位、不发奖励
func Counted(reason models.EndReason) bool {
	return reason != models.EndAborted && reason != models.EndExpired
}

// ComputeRewards 奖励只由终局记录决定，不依赖实时数据
func ComputeRewards(rec *models.MatchRecord, s config.RewardConfig) map[int64]Reward {
	out := make(map[int64]Reward, 2)
	for _, p := range rec.Players {
		if !Counted(rec.Reason) {
			// 连对保持不变
			out[p.ID] = Reward{Perfect: true}
			continue
		}

		var r Reward
		r.XP = int64(s.ParticipationXP)

		switch {
		case rec.WinnerID == nil:
			r.XP += int64(s.TieXP)
			r.Points += int64(s.TiePoints)
		case *rec.WinnerID == p.ID:
			r.XP += int64(s.WinXP)
			r.Points += int64(s.WinPoints)
		}

		run, best := 0, 0
		for _, f := range p.Rounds {
			if !f.Correct {
				run = 0
				continue
			}
			r.XP += int64(s.CorrectXP)
			r.Points += int64(s.CorrectPoints)
			if s.SpeedThreshold > 0 && time.Duration(f.ElapsedMs)*time.Millisecond <= s.SpeedThreshold {
				r.XP += int64(s.SpeedBonusXP)
			}
			run++
			if run > best {
				best = run
			}
		}
		if s.StreakThreshold > 0 && best >= s.StreakThreshold {
			r.XP += int64(s.StreakBonusXP)
		}

		r.StreakRun = run
		r.Perfect = len(p.Rounds) > 0 && run == len(p.Rounds)
		out[p.ID] = r
	}
	return out
}

// nextStreak 写回时计算新的连对数
func nextStreak(current int, d models.PlayerDelta) int {
	if d.Perfect {
		return current + d.StreakRun
	}
	return d.StreakRun
}
