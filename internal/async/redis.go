// redis.go

package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// RedisStore Redis 异步对局存储
//
//	{prefix}:async:match:{id}      对局JSON快照
//	{prefix}:async:player:{pid}    玩家参与的对局集合
//	{prefix}:async:deadlines       进行中对局当前轮次截止时间(毫秒)
//	{prefix}:async:activity        进行中对局最后活动时间(毫秒)
//	{prefix}:async:unsettled       已结束未确认结算的对局，按结束时间(毫秒)
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建Redis存储
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "duel"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) matchKey(id string) string {
	return fmt.Sprintf("%s:async:match:%s", s.prefix, id)
}

func (s *RedisStore) playerKey(playerID int64) string {
	return fmt.Sprintf("%s:async:player:%d", s.prefix, playerID)
}

func (s *RedisStore) deadlinesKey() string {
	return s.prefix + ":async:deadlines"
}

func (s *RedisStore) activityKey() string {
	return s.prefix + ":async:activity"
}

func (s *RedisStore) unsettledKey() string {
	return s.prefix + ":async:unsettled"
}

// Create 实现 Store，快照与索引在同一事务内写入
func (s *RedisStore) Create(ctx context.Context, m *models.Match) error {
	key := s.matchKey(m.ID)
	next := *m
	next.Version = 1
	data, err := json.Marshal(&next)
	if err != nil {
		return eris.Wrap(err, "序列化对局失败")
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return eris.Errorf("对局已存在: %s", m.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.index(ctx, pipe, &next)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return eris.Errorf("对局已存在: %s", m.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "写入对局 %s 失败", m.ID)
	}
	m.Version = 1
	return nil
}

// Load 实现 Store
func (s *RedisStore) Load(ctx context.Context, matchID string) (*models.Match, error) {
	data, err := s.client.Get(ctx, s.matchKey(matchID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, duel.NotFoundf("对局不存在: %s", matchID)
		}
		return nil, eris.Wrapf(err, "读取对局 %s 失败", matchID)
	}
	return decodeMatch(data)
}

// Save 实现 Store，WATCH 保证读取版本与写入之间没有其他写者
func (s *RedisStore) Save(ctx context.Context, m *models.Match, expectedVersion int64) error {
	key := s.matchKey(m.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return duel.NotFoundf("对局不存在: %s", m.ID)
			}
			return err
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(data, &stored); err != nil {
			return eris.Wrap(err, "解析对局版本失败")
		}
		if stored.Version != expectedVersion {
			return eris.Wrapf(ErrVersionConflict, "对局 %s 期望版本 %d 实际 %d", m.ID, expectedVersion, stored.Version)
		}

		next := *m
		next.Version = expectedVersion + 1
		payload, err := json.Marshal(&next)
		if err != nil {
			return eris.Wrap(err, "序列化对局失败")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			s.index(ctx, pipe, &next)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return eris.Wrapf(ErrVersionConflict, "对局 %s 并发写入", m.ID)
	}
	if err != nil {
		return err
	}
	m.Version = expectedVersion + 1
	return nil
}

// index 维护玩家集合与各有序集合
func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, m *models.Match) {
	for _, id := range m.PlayerIDs() {
		pipe.SAdd(ctx, s.playerKey(id), m.ID)
	}

	if m.Status != models.MatchActive {
		pipe.ZRem(ctx, s.deadlinesKey(), m.ID)
		pipe.ZRem(ctx, s.activityKey(), m.ID)
		if m.Status == models.MatchOver {
			finished := m.LastActivityAt
			if m.FinishedAt != nil {
				finished = *m.FinishedAt
			}
			pipe.ZAdd(ctx, s.unsettledKey(), &redis.Z{Score: float64(finished.UnixMilli()), Member: m.ID})
		}
		return
	}
	if r := m.CurrentRound(); r != nil && !r.Revealed {
		pipe.ZAdd(ctx, s.deadlinesKey(), &redis.Z{Score: float64(r.Deadline.UnixMilli()), Member: m.ID})
	} else {
		pipe.ZRem(ctx, s.deadlinesKey(), m.ID)
	}
	pipe.ZAdd(ctx, s.activityKey(), &redis.Z{Score: float64(m.LastActivityAt.UnixMilli()), Member: m.ID})
}

// ListByPlayer 实现 Store
func (s *RedisStore) ListByPlayer(ctx context.Context, playerID int64) ([]*models.Match, error) {
	ids, err := s.client.SMembers(ctx, s.playerKey(playerID)).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "读取玩家 %d 对局列表失败", playerID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.matchKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "批量读取对局失败")
	}

	out := make([]*models.Match, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 对局已被清理
			continue
		}
		m, err := decodeMatch([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DueDeadlines 实现 Store
func (s *RedisStore) DueDeadlines(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rangeBefore(ctx, s.deadlinesKey(), now.UnixMilli(), limit)
}

// Inactive 实现 Store
func (s *RedisStore) Inactive(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.rangeBefore(ctx, s.activityKey(), before.UnixMilli()-1, limit)
}

// Unsettled 实现 Store
func (s *RedisStore) Unsettled(ctx context.Context, limit int) ([]string, error) {
	return s.rangeBefore(ctx, s.unsettledKey(), math.MaxInt64, limit)
}

// MarkSettled 实现 Store
func (s *RedisStore) MarkSettled(ctx context.Context, matchID string) error {
	if err := s.client.ZRem(ctx, s.unsettledKey(), matchID).Err(); err != nil {
		return eris.Wrapf(err, "清除对局 %s 待结算标记失败", matchID)
	}
	return nil
}

func (s *RedisStore) rangeBefore(ctx context.Context, key string, maxScore int64, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(maxScore, 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "查询 %s 失败", key)
	}
	return ids, nil
}

func decodeMatch(data []byte) (*models.Match, error) {
	var m models.Match
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "解析对局失败")
	}
	return &m, nil
}
