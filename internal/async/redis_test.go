package async

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test"), mr
}

func activeMatch(t *testing.T, now time.Time, window time.Duration) *models.Match {
	t.Helper()
	m := duel.NewMatch(models.ModeAsync, testSubject,
		models.Player{ID: 1, Username: "alice"},
		models.Player{ID: 2, Username: "bob"},
		7, now)
	require.NoError(t, duel.Transition(m, models.MatchActive))
	duel.IssueRound(m, testQuestions(1)[0], now, window)
	return m
}

func TestRedisStoreCreateAndLoad(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	now := clockwork.NewFakeClock().Now()

	m := activeMatch(t, now, time.Hour)
	require.NoError(t, store.Create(ctx, m))
	assert.Equal(t, int64(1), m.Version)
	assert.True(t, mr.Exists("test:async:match:"+m.ID))

	got, err := store.Load(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Rounds, 1)
	assert.Equal(t, correct, got.Rounds[0].CorrectIndex)

	// 快照与索引同时写入
	isMember, err := mr.SIsMember("test:async:player:1", m.ID)
	require.NoError(t, err)
	assert.True(t, isMember)
	_, err = mr.ZScore("test:async:deadlines", m.ID)
	assert.NoError(t, err)

	// 重复创建不覆盖已有快照
	dup := m.Clone()
	dup.Scores[1] = 5
	assert.Error(t, store.Create(ctx, dup))
	got, err = store.Load(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Scores[1])

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, duel.ErrNotFound)
}

func TestRedisStoreSaveComparesVersion(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	now := clockwork.NewFakeClock().Now()

	m := activeMatch(t, now, time.Hour)
	require.NoError(t, store.Create(ctx, m))

	m.Scores[1] = 1
	require.NoError(t, store.Save(ctx, m, 1))
	assert.Equal(t, int64(2), m.Version)

	stale := m.Clone()
	stale.Scores[2] = 1
	err := store.Save(ctx, stale, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(2), stale.Version)

	got, err := store.Load(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Scores[1])
	assert.Equal(t, 0, got.Scores[2])

	err = store.Save(ctx, &models.Match{ID: "missing"}, 1)
	assert.ErrorIs(t, err, duel.ErrNotFound)
}

func TestRedisStoreIndexes(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	now := clockwork.NewFakeClock().Now()

	early := activeMatch(t, now, time.Hour)
	late := activeMatch(t, now.Add(time.Minute), 2*time.Hour)
	require.NoError(t, store.Create(ctx, late))
	require.NoError(t, store.Create(ctx, early))

	due, err := store.DueDeadlines(ctx, now.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueDeadlines(ctx, now.Add(3*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, due)

	due, err = store.DueDeadlines(ctx, now.Add(3*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID}, due)

	idle, err := store.Inactive(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID}, idle)

	mine, err := store.ListByPlayer(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	require.NoError(t, duel.Finish(early, nil, models.EndExpired, now.Add(time.Hour)))
	require.NoError(t, store.Save(ctx, early, early.Version))

	due, err = store.DueDeadlines(ctx, now.Add(3*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID}, due)

	unsettled, err := store.Unsettled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID}, unsettled)
	require.NoError(t, store.MarkSettled(ctx, early.ID))
	unsettled, err = store.Unsettled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	// 结束的对局仍在玩家列表中
	mine, err = store.ListByPlayer(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := store.ListByPlayer(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEngineOnRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	h := newAsyncHarness(t, store, 5, nil)
	m := h.create(t)

	h.turn(t, m.ID, correct, wrong)

	// 新引擎实例只能从Redis读取
	other := NewEngine(h.engine.config, store, h.engine.supply, h.repo, nil, h.clock, h.engine.logger)
	got, err := other.Snapshot(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, 1, got.Scores[h.pa.ID])
	require.Len(t, got.Rounds, 2)

	h.clock.Advance(25 * time.Hour)
	n, err := other.ProcessDeadlines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.engine.SubmitAnswer(context.Background(), m.ID, h.pa.ID, duel.Submission{ChoiceIndex: correct})
	assert.ErrorIs(t, err, duel.ErrPersistence)
}
