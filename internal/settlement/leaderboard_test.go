package settlement

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanth-74/law-duel/internal/models"
)

func newTestLeaderboard(t *testing.T, next Publisher) (*RedisLeaderboard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLeaderboard(client, "test", next, zerolog.Nop()), mr
}

func settledRecord(id string, ratings map[int64]int) *models.MatchRecord {
	res := &models.SettlementResult{MatchID: id, Players: make(map[int64]models.PlayerDelta)}
	for pid, r := range ratings {
		res.Players[pid] = models.PlayerDelta{NewRating: r}
	}
	return &models.MatchRecord{MatchID: id, Result: res}
}

func TestLeaderboardTracksSettledRatings(t *testing.T) {
	next := &capturePublisher{}
	lb, mr := newTestLeaderboard(t, next)
	ctx := context.Background()

	require.NoError(t, lb.PublishFinished(ctx, settledRecord("m1", map[int64]int{1: 1216, 2: 1184})))
	require.NoError(t, lb.PublishFinished(ctx, settledRecord("m2", map[int64]int{3: 1300, 1: 1200})))
	assert.Equal(t, 2, next.count())
	assert.True(t, mr.Exists("test:leaderboard:rating"))

	top, err := lb.Top(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []LeaderboardEntry{
		{Rank: 1, PlayerID: 3, Rating: 1300},
		{Rank: 2, PlayerID: 1, Rating: 1200},
	}, top)

	rank, err := lb.Rank(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, rank)

	rank, err = lb.Rank(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, rank, "未上榜")
}

func TestLeaderboardFailureStillForwards(t *testing.T) {
	next := &capturePublisher{}
	lb, mr := newTestLeaderboard(t, next)
	mr.Close()

	err := lb.PublishFinished(context.Background(), settledRecord("m1", map[int64]int{1: 1216}))
	assert.NoError(t, err)
	assert.Equal(t, 1, next.count())
}
