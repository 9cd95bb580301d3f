package match

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

type pairing struct {
	subject string
	a, b    int64
}

// fakeCreator 记录配对结果
type fakeCreator struct {
	mu      sync.Mutex
	inMatch map[int64]bool
	offline map[int64]bool
	err     error
	created chan pairing
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{
		inMatch: make(map[int64]bool),
		offline: make(map[int64]bool),
		created: make(chan pairing, 16),
	}
}

func (f *fakeCreator) CreateSyncMatch(_ context.Context, subject string, a, b *Ticket) (*models.Match, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.created <- pairing{subject: subject, a: a.Player.ID, b: b.Player.ID}
	return &models.Match{ID: "m-" + a.ID, Subject: subject}, nil
}

func (f *fakeCreator) InMatch(playerID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inMatch[playerID]
}

func (f *fakeCreator) Online(playerID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[playerID]
}

func player(id int64, rating int) models.Player {
	return models.Player{ID: id, Username: "p", Rating: rating}
}

func newTestQueue(cfg config.QueueConfig) (*QueueService, *fakeCreator, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	creator := newFakeCreator()
	return NewQueueService(cfg, creator, clock, zerolog.Nop()), creator, clock
}

func waitPairing(t *testing.T, f *fakeCreator) pairing {
	t.Helper()
	select {
	case p := <-f.created:
		return p
	case <-time.After(time.Second):
		t.Fatal("未配对")
		return pairing{}
	}
}

func TestJoinValidation(t *testing.T) {
	q, creator, _ := newTestQueue(config.QueueConfig{})

	_, _, err := q.Join(player(1, 1200), "  ")
	assert.ErrorIs(t, err, duel.ErrValidation)

	_, pos, err := q.Join(player(1, 1200), "Evidence")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, _, err = q.Join(player(1, 1200), "Contracts")
	assert.ErrorIs(t, err, duel.ErrValidation, "同时只能在一个队列")

	creator.inMatch[2] = true
	_, _, err = q.Join(player(2, 1200), "Evidence")
	assert.ErrorIs(t, err, duel.ErrValidation, "已在对局中")

	assert.Equal(t, map[string]int{"Evidence": 1}, q.GetAllQueueLengths())
}

func TestLeave(t *testing.T) {
	q, _, _ := newTestQueue(config.QueueConfig{})

	t1, _, err := q.Join(player(1, 1200), "Evidence")
	require.NoError(t, err)
	_, _, err = q.Join(player(2, 1200), "Torts")
	require.NoError(t, err)

	assert.True(t, q.Leave(t1.ID))
	assert.False(t, q.Leave(t1.ID))
	assert.True(t, q.LeavePlayer(2))
	assert.False(t, q.LeavePlayer(2))
	assert.Empty(t, q.GetAllQueueLengths())

	// 离开后可以重新入队
	_, _, err = q.Join(player(1, 1200), "Evidence")
	assert.NoError(t, err)
}

func TestPairsOldestFirstPerSubject(t *testing.T) {
	q, creator, clock := newTestQueue(config.QueueConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()
	assert.Error(t, q.Start(ctx))

	_, _, err := q.Join(player(1, 1200), "Evidence")
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, _, err = q.Join(player(2, 1800), "Contracts")
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, _, err = q.Join(player(3, 1500), "Evidence")
	require.NoError(t, err)

	p := waitPairing(t, creator)
	assert.Equal(t, pairing{subject: "Evidence", a: 1, b: 3}, p)

	assert.Eventually(t, func() bool { return q.GetQueueLength("Evidence") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.GetQueueLength("Contracts"))
}

func TestRatingBandWidens(t *testing.T) {
	q, _, clock := newTestQueue(config.QueueConfig{RatingBand: 50, BandWidenPerSecond: 10})

	_, _, err := q.Join(player(1, 1200), "Evidence")
	require.NoError(t, err)
	_, _, err = q.Join(player(2, 1400), "Evidence")
	require.NoError(t, err)
	_, _, err = q.Join(player(3, 1240), "Evidence")
	require.NoError(t, err)

	q.mu.Lock()
	a, b := q.takePairLocked("Evidence")
	q.mu.Unlock()
	require.NotNil(t, a)
	assert.Equal(t, int64(1), a.Player.ID)
	assert.Equal(t, int64(3), b.Player.ID, "跳过分差过大的玩家")

	_, _, err = q.Join(player(4, 1600), "Evidence")
	require.NoError(t, err)
	q.mu.Lock()
	a, _ = q.takePairLocked("Evidence")
	q.mu.Unlock()
	assert.Nil(t, a)

	clock.Advance(15 * time.Second)
	q.mu.Lock()
	a, b = q.takePairLocked("Evidence")
	q.mu.Unlock()
	require.NotNil(t, a)
	assert.Equal(t, int64(2), a.Player.ID)
	assert.Equal(t, int64(4), b.Player.ID)
}

func TestFailedLaunchRequeuesOnlinePlayers(t *testing.T) {
	q, creator, clock := newTestQueue(config.QueueConfig{})
	creator.err = errors.New("出题失败")
	creator.offline[2] = true

	a, _, err := q.Join(player(1, 1200), "Evidence")
	require.NoError(t, err)
	b, _, err := q.Join(player(2, 1200), "Evidence")
	require.NoError(t, err)

	q.mu.Lock()
	x, y := q.takePairLocked("Evidence")
	q.mu.Unlock()
	require.Equal(t, a, x)
	require.Equal(t, b, y)

	clock.Advance(time.Second)
	_, _, err = q.Join(player(3, 1200), "Evidence")
	require.NoError(t, err)

	q.launch(context.Background(), x, y)

	assert.Equal(t, 2, q.GetQueueLength("Evidence"))
	q.mu.Lock()
	assert.Equal(t, int64(1), q.queues["Evidence"][0].Player.ID, "按原入队时间排在前面")
	_, waiting := q.byPlayer[2]
	q.mu.Unlock()
	assert.False(t, waiting, "离线玩家不退还")
}

func TestMatchHandler(t *testing.T) {
	q, _, _ := newTestQueue(config.QueueConfig{})
	_, _, err := q.Join(player(1, 1200), "Evidence")
	require.NoError(t, err)

	r := mux.NewRouter()
	NewMatchHandler(q).RegisterHandlers(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/match/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var all matchStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, map[string]int{"Evidence": 1}, all.Queues)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/match/status/Evidence", nil))
	var one subjectStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, 1, one.Waiting)
}
