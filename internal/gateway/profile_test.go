package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanth-74/law-duel/internal/settlement"
)

// fakeRankings 固定排行榜
type fakeRankings struct {
	entries   []settlement.LeaderboardEntry
	err       error
	lastLimit int
}

func (f *fakeRankings) Top(_ context.Context, limit int) ([]settlement.LeaderboardEntry, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func (f *fakeRankings) Rank(_ context.Context, playerID int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for _, e := range f.entries {
		if e.PlayerID == playerID {
			return e.Rank, nil
		}
	}
	return 0, nil
}

func leaderboardRouter(rankings Rankings) *mux.Router {
	r := mux.NewRouter()
	NewLeaderboardHandler(rankings, zerolog.Nop()).RegisterHandlers(r)
	return r
}

func TestLeaderboardHandler(t *testing.T) {
	rankings := &fakeRankings{entries: []settlement.LeaderboardEntry{
		{Rank: 1, PlayerID: 7, Rating: 1312},
		{Rank: 2, PlayerID: 3, Rating: 1250},
		{Rank: 3, PlayerID: 9, Rating: 1190},
	}}
	router := leaderboardRouter(rankings)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, rankings.lastLimit)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var top LeaderboardResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &top))
	require.Len(t, top.Entries, 2)
	assert.Equal(t, int64(7), top.Entries[0].PlayerID)

	for _, bad := range []string{"0", "101", "abc"} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?limit="+bad, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/players/3/rank", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rank RankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rank))
	assert.Equal(t, 2, rank.Rank)

	// 未上榜
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/players/42/rank", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rank))
	assert.Equal(t, 0, rank.Rank)
}

func TestLeaderboardHandlerUnavailable(t *testing.T) {
	router := leaderboardRouter(&fakeRankings{err: errors.New("redis down")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "persistence", body.Error.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/players/1/rank", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
