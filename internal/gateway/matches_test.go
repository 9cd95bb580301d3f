package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// memoryEngine 只保存快照的对局引擎
type memoryEngine struct {
	mode    models.MatchMode
	clock   clockwork.Clock
	mu      sync.Mutex
	matches map[string]*models.Match
}

func newMemoryEngine(mode models.MatchMode, clock clockwork.Clock, matches ...*models.Match) *memoryEngine {
	e := &memoryEngine{mode: mode, clock: clock, matches: make(map[string]*models.Match)}
	for _, m := range matches {
		e.matches[m.ID] = m
	}
	return e
}

func (e *memoryEngine) Mode() models.MatchMode { return e.mode }

func (e *memoryEngine) SubmitAnswer(_ context.Context, matchID string, playerID int64, sub duel.Submission) (*duel.AnswerReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.matches[matchID]
	a, err := duel.RecordAnswer(m, playerID, sub.RoundID, sub.ChoiceIndex, sub.ClientElapsedMs, e.clock.Now())
	if err != nil {
		return nil, err
	}
	return &duel.AnswerReceipt{MatchID: matchID, RoundID: m.CurrentRound().ID, ElapsedMs: a.ElapsedMs}, nil
}

func (e *memoryEngine) Resign(_ context.Context, matchID string, playerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return duel.Forfeit(e.matches[matchID], playerID, models.EndResign, e.clock.Now())
}

func (e *memoryEngine) Snapshot(_ context.Context, matchID string) (*models.Match, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.matches[matchID]
	if !ok {
		return nil, duel.NotFoundf("对局不存在: %s", matchID)
	}
	return m.Clone(), nil
}

func startedMatch(t *testing.T, mode models.MatchMode, now time.Time) *models.Match {
	t.Helper()
	m := duel.NewMatch(mode, "Torts",
		models.Player{ID: 1, Username: "alice", Rating: 1200},
		models.Player{ID: 2, Username: "bob", Rating: 1200},
		5, now)
	require.NoError(t, duel.Transition(m, models.MatchActive))
	duel.IssueRound(m, &models.Question{ID: "t1", Choices: []string{"A", "B"}, CorrectIndex: 1}, now, 20*time.Second)
	return m
}

func TestMatchHandlerAcrossEngines(t *testing.T) {
	clock := clockwork.NewFakeClock()
	auth := newTestAuth(clock)
	live := startedMatch(t, models.ModeSync, clock.Now())
	turn := startedMatch(t, models.ModeAsync, clock.Now())

	r := mux.NewRouter()
	NewMatchHandler(auth, clock, zerolog.Nop(),
		newMemoryEngine(models.ModeSync, clock, live),
		newMemoryEngine(models.ModeAsync, clock, turn),
	).RegisterHandlers(r)

	tokenFor := func(id int64) string {
		token, err := auth.Issue(models.Player{ID: id})
		require.NoError(t, err)
		return token
	}
	do := func(method, path, body string, playerID int64) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tokenFor(playerID))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	for _, m := range []*models.Match{live, turn} {
		rec := do(http.MethodGet, "/matches/"+m.ID, "", 1)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp MatchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, m.ID, resp.Match.MatchID)
		assert.Equal(t, string(m.Mode), resp.Match.Mode)
	}

	// 对局外的玩家与不存在的对局同样返回404
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/matches/"+live.ID, "", 3).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/matches/missing", "", 1).Code)

	rec := do(http.MethodPost, "/matches/"+live.ID+"/answer",
		`{"round_id":"`+live.CurrentRound().ID+`","choice_index":1}`, 2)
	require.Equal(t, http.StatusOK, rec.Code)
	var answer AnswerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.Equal(t, live.CurrentRound().ID, answer.Receipt.RoundID)

	rec = do(http.MethodPost, "/matches/"+live.ID+"/answer", `{"round_id":"`+live.CurrentRound().ID+`"}`, 2)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodPost, "/matches/"+turn.ID+"/resign", "", 2)
	require.Equal(t, http.StatusOK, rec.Code)
	var resigned MatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resigned))
	assert.Equal(t, string(models.MatchOver), resigned.Match.Status)
	require.NotNil(t, resigned.Match.WinnerID)
	assert.Equal(t, int64(1), *resigned.Match.WinnerID)

	req := httptest.NewRequest(http.MethodGet, "/matches/"+live.ID, nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
