package settlement

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/internal/models"
)

// LeaderboardEntry 排行榜条目
type LeaderboardEntry struct {
	Rank     int   `json:"rank"`
	PlayerID int64 `json:"player_id"`
	Rating   int   `json:"rating"`
}

// RedisLeaderboard 段位排行榜，结算写回后按新分数更新有序集合
type RedisLeaderboard struct {
	client *redis.Client
	key    string
	next   Publisher
	logger zerolog.Logger
}

// NewRedisLeaderboard 创建排行榜，next 为继续下发终局记录的发布器
func NewRedisLeaderboard(client *redis.Client, prefix string, next Publisher, logger zerolog.Logger) *RedisLeaderboard {
	if next == nil {
		next = NopPublisher{}
	}
	key := "leaderboard:rating"
	if prefix != "" {
		key = prefix + ":" + key
	}
	return &RedisLeaderboard{
		client: client,
		key:    key,
		next:   next,
		logger: logger.With().Str("component", "leaderboard").Logger(),
	}
}

// PublishFinished 实现 Publisher，排行榜更新失败不影响下游发布
func (l *RedisLeaderboard) PublishFinished(ctx context.Context, rec *models.MatchRecord) error {
	if rec.Result != nil {
		if err := l.Update(ctx, rec.Result); err != nil {
			l.logger.Warn().Err(err).Str("match_id", rec.MatchID).Msg("更新排行榜失败")
		}
	}
	return l.next.PublishFinished(ctx, rec)
}

// Update 写入结算后的新分数
func (l *RedisLeaderboard) Update(ctx context.Context, res *models.SettlementResult) error {
	members := make([]*redis.Z, 0, len(res.Players))
	for id, d := range res.Players {
		members = append(members, &redis.Z{Score: float64(d.NewRating), Member: strconv.FormatInt(id, 10)})
	}
	if len(members) == 0 {
		return nil
	}
	if err := l.client.ZAdd(ctx, l.key, members...).Err(); err != nil {
		return eris.Wrap(err, "写入排行榜失败")
	}
	return nil
}

// Top 按分数降序返回前 limit 名
func (l *RedisLeaderboard) Top(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	members, err := l.client.ZRevRangeWithScores(ctx, l.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "读取排行榜失败")
	}

	entries := make([]LeaderboardEntry, 0, len(members))
	for i, m := range members {
		member, ok := m.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, LeaderboardEntry{Rank: i + 1, PlayerID: id, Rating: int(m.Score)})
	}
	return entries, nil
}

// Rank 返回玩家名次（从1开始），不在榜上返回 0
func (l *RedisLeaderboard) Rank(ctx context.Context, playerID int64) (int, error) {
	rank, err := l.client.ZRevRank(ctx, l.key, strconv.FormatInt(playerID, 10)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "读取玩家 %d 名次失败", playerID)
	}
	return int(rank) + 1, nil
}
