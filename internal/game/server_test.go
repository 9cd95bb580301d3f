package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/match"
	"github.com/sumanth-74/law-duel/internal/models"
	"github.com/sumanth-74/law-duel/internal/protocol"
	"github.com/sumanth-74/law-duel/internal/question"
	"github.com/sumanth-74/law-duel/internal/settlement"
)

const testSubject = "Evidence"

func testQuestions(n int) []*models.Question {
	qs := make([]*models.Question, 0, n)
	for i := 1; i <= n; i++ {
		qs = append(qs, &models.Question{
			ID:           fmt.Sprintf("q%d", i),
			Subject:      testSubject,
			Stem:         fmt.Sprintf("question %d", i),
			Choices:      []string{"A", "B", "C", "D"},
			CorrectIndex: 1,
			Explanation:  "because",
			Hint:         "think about hearsay",
		})
	}
	return qs
}

type fakeMatchmaker struct {
	mu       sync.Mutex
	requeued []*match.Ticket
}

func (f *fakeMatchmaker) Join(player models.Player, subject string) (*match.Ticket, int, error) {
	return &match.Ticket{ID: "t", Player: player, Subject: subject}, 1, nil
}

func (f *fakeMatchmaker) LeavePlayer(int64) bool { return false }

func (f *fakeMatchmaker) Requeue(tickets ...*match.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, tickets...)
}

func (f *fakeMatchmaker) Requeued() []*match.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*match.Ticket(nil), f.requeued...)
}

type harness struct {
	server *GameServer
	clock  *clockwork.FakeClock
	repo   *settlement.MemoryRepository
	mm     *fakeMatchmaker
	pa, pb models.Player
	a, b   *MemoryConn
}

func newHarness(t *testing.T, questions int, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		Sync: config.SyncConfig{
			BestOf:         7,
			HintsPerPlayer: 3,
			RoundTimeLimit: 20 * time.Second,
			AckTimeout:     10 * time.Second,
		},
		Supply: config.SupplyConfig{MaxAttempts: 1, HintTimeout: time.Second},
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockwork.NewFakeClock()
	pa := models.Player{ID: 1, Username: "alice", Rating: 1200, Level: 1}
	pb := models.Player{ID: 2, Username: "bob", Rating: 1200, Level: 1}
	repo := settlement.NewMemoryRepository(pa, pb)
	bank := question.NewStaticBank(testQuestions(questions)...)
	settler := settlement.NewSettler(repo, settlement.NewEloCalculator(32), config.RewardConfig{
		ParticipationXP: 10, WinXP: 25, CorrectXP: 5,
	}, nil, clock, zerolog.Nop())

	server := NewGameServer(cfg, Deps{
		Supply:  question.NewRetryingSupply(bank, cfg.Supply, zerolog.Nop()),
		Hints:   bank,
		Settler: settler,
		Players: repo,
		Clock:   clock,
		Logger:  zerolog.Nop(),
	})
	mm := &fakeMatchmaker{}
	server.SetMatchmaker(mm)
	t.Cleanup(server.Stop)

	h := &harness{
		server: server,
		clock:  clock,
		repo:   repo,
		mm:     mm,
		pa:     pa,
		pb:     pb,
		a:      NewMemoryConn(pa.ID, 128),
		b:      NewMemoryConn(pb.ID, 128),
	}
	server.Connect(h.a, pa)
	server.Connect(h.b, pb)
	return h
}

func (h *harness) start(t *testing.T) *models.Match {
	t.Helper()
	now := h.clock.Now()
	m, err := h.server.CreateSyncMatch(context.Background(), testSubject,
		&match.Ticket{ID: "ta", Player: h.pa, Subject: testSubject, EnqueuedAt: now},
		&match.Ticket{ID: "tb", Player: h.pb, Subject: testSubject, EnqueuedAt: now},
	)
	require.NoError(t, err)
	return m
}

func await(t *testing.T, c *MemoryConn, msgType string) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Out:
			if env.Type == msgType {
				return env
			}
		case <-timeout:
			t.Fatalf("等待消息 %s 超时", msgType)
		}
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func envelope(t *testing.T, msgType string, payload interface{}) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func TestRoundResolvesAtDeadlineWithOneAnswer(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	ctx := context.Background()

	started := decode[protocol.MatchStarted](t, await(t, h.a, protocol.TypeMatchStarted))
	assert.Equal(t, m.ID, started.MatchID)
	assert.Equal(t, h.pb.ID, started.Opponent.ID)
	assert.Equal(t, 3, started.HintsRemaining)

	issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
	assert.Equal(t, 1, issued.Index)

	h.clock.Advance(3 * time.Second)
	receipt, err := h.server.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{
		RoundID:         issued.RoundID,
		ChoiceIndex:     1,
		ClientElapsedMs: 100,
	})
	require.NoError(t, err)
	assert.False(t, receipt.Late)
	assert.Equal(t, int64(3000), receipt.ElapsedMs)

	h.clock.Advance(17 * time.Second)
	result := decode[protocol.RoundResult](t, await(t, h.b, protocol.TypeRoundResult))
	assert.Equal(t, issued.RoundID, result.RoundID)
	assert.Equal(t, 1, result.CorrectIndex)
	assert.Equal(t, 1, result.Points[h.pa.ID])
	assert.Equal(t, 0, result.Points[h.pb.ID])
	assert.Equal(t, 1, result.Scores[h.pa.ID])
	assert.Equal(t, 0, result.Scores[h.pb.ID])

	next := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
	assert.Equal(t, 2, next.Index)

	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchActive, snap.Status)
	// 在线未作答只计本回合缺席，不累计断线
	assert.Equal(t, 0, snap.MissStreaks[h.pb.ID])
	assert.False(t, snap.Rounds[0].Answered(h.pb.ID))
}

func TestRoundResolvesOnceUnderRace(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	ctx := context.Background()

	issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
	_, err := h.server.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.clock.Advance(20 * time.Second)
	}()
	go func() {
		defer wg.Done()
		h.server.SubmitAnswer(ctx, m.ID, h.pb.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
	}()
	wg.Wait()

	results := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-h.a.Out:
			switch env.Type {
			case protocol.TypeRoundResult:
				res := decode[protocol.RoundResult](t, env)
				assert.Equal(t, issued.RoundID, res.RoundID)
				results++
			case protocol.TypeRoundIssued:
				next := decode[protocol.RoundIssued](t, env)
				if next.Index == 2 {
					assert.Equal(t, 1, results)
					snap, err := h.server.Snapshot(ctx, m.ID)
					require.NoError(t, err)
					assert.Equal(t, 1, snap.Scores[h.pa.ID])
					assert.LessOrEqual(t, snap.Scores[h.pb.ID], 1)
					return
				}
			}
		case <-timeout:
			t.Fatal("等待第二回合超时")
		}
	}
}

func TestMatchEndsOnMajorityAndSettles(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	engine := NewSyncEngine(h.server)
	ctx := context.Background()
	assert.Equal(t, models.ModeSync, engine.Mode())

	for round := 1; round <= 4; round++ {
		issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
		require.Equal(t, round, issued.Index)
		_, err := engine.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
		require.NoError(t, err)
		_, err = engine.SubmitAnswer(ctx, m.ID, h.pb.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 0})
		require.NoError(t, err)
		await(t, h.a, protocol.TypeRoundResult)
	}

	finished := decode[protocol.MatchFinished](t, await(t, h.a, protocol.TypeMatchFinished))
	require.NotNil(t, finished.WinnerID)
	assert.Equal(t, h.pa.ID, *finished.WinnerID)
	assert.Equal(t, string(models.EndMajority), finished.Reason)
	assert.False(t, finished.SettlementPending)
	assert.Equal(t, 4, finished.Scores[h.pa.ID])
	assert.Equal(t, 0, finished.Scores[h.pb.ID])
	assert.Greater(t, finished.RatingDelta[h.pa.ID], 0)
	assert.Equal(t, -finished.RatingDelta[h.pa.ID], finished.RatingDelta[h.pb.ID])

	for _, score := range finished.Scores {
		assert.LessOrEqual(t, score, m.BestOf)
	}

	// 玩家结束后可以重新排队
	assert.False(t, h.server.InMatch(h.pa.ID))

	stored, err := h.repo.GetPlayer(ctx, h.pa.ID)
	require.NoError(t, err)
	assert.Equal(t, 1200+finished.RatingDelta[h.pa.ID], stored.Rating)

	h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeAckResult, protocol.MatchRef{MatchID: m.ID}))
	h.server.HandleMessage(ctx, h.b, envelope(t, protocol.TypeAckResult, protocol.MatchRef{MatchID: m.ID}))
	require.Eventually(t, func() bool { return h.server.MatchCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err = engine.Snapshot(ctx, m.ID)
	assert.ErrorIs(t, err, duel.ErrNotFound)
}

func TestAckTimeoutReleasesMatch(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	ctx := context.Background()

	await(t, h.a, protocol.TypeRoundIssued)
	require.NoError(t, h.server.Resign(ctx, m.ID, h.pb.ID))
	await(t, h.a, protocol.TypeMatchFinished)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return h.server.MatchCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestResignOverWebsocket(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	ctx := context.Background()

	await(t, h.a, protocol.TypeRoundIssued)
	h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeResign, protocol.MatchRef{MatchID: m.ID}))

	finished := decode[protocol.MatchFinished](t, await(t, h.b, protocol.TypeMatchFinished))
	require.NotNil(t, finished.WinnerID)
	assert.Equal(t, h.pb.ID, *finished.WinnerID)
	assert.Equal(t, string(models.EndResign), finished.Reason)

	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.ResignedBy)
	assert.Equal(t, h.pa.ID, *snap.ResignedBy)
	assert.True(t, snap.Rounds[0].Void)
}

func TestHintBudget(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	ctx := context.Background()
	await(t, h.a, protocol.TypeRoundIssued)

	for remaining := 2; remaining >= 0; remaining-- {
		h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeRequestHint, protocol.MatchRef{MatchID: m.ID}))
		hint := decode[protocol.HintIssued](t, await(t, h.a, protocol.TypeHint))
		assert.Equal(t, "think about hearsay", hint.Text)
		assert.Equal(t, remaining, hint.HintsRemaining)
	}

	h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeRequestHint, protocol.MatchRef{MatchID: m.ID}))
	errMsg := decode[protocol.Error](t, await(t, h.a, protocol.TypeError))
	assert.Equal(t, duel.CodeValidation, errMsg.Code)

	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.HintsLeft[h.pa.ID])
	assert.Equal(t, 3, snap.HintsLeft[h.pb.ID])
	assert.Equal(t, models.MatchActive, snap.Status)
}

// gatedHints 在 release 关闭前阻塞
type gatedHints struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedHints) Hint(ctx context.Context, _ string) (string, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return "look at the rule", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSlowHintDoesNotBlockRound(t *testing.T) {
	h := newHarness(t, 9, func(c *config.Config) {
		c.Supply.HintTimeout = time.Minute
	})
	gate := &gatedHints{started: make(chan struct{}, 1), release: make(chan struct{})}
	h.server.hints = gate
	m := h.start(t)
	ctx := context.Background()
	issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))

	hintErr := make(chan error, 1)
	go func() { hintErr <- h.server.RequestHint(ctx, m.ID, h.pa.ID) }()
	<-gate.started

	// 提示取回期间回合照常推进
	_, err := h.server.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
	require.NoError(t, err)
	_, err = h.server.SubmitAnswer(ctx, m.ID, h.pb.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 0})
	require.NoError(t, err)
	result := decode[protocol.RoundResult](t, await(t, h.a, protocol.TypeRoundResult))
	assert.Equal(t, issued.RoundID, result.RoundID)

	// 回合已揭晓，迟到的提示作废且不扣次数
	close(gate.release)
	select {
	case err := <-hintErr:
		assert.ErrorIs(t, err, duel.ErrValidation)
	case <-time.After(2 * time.Second):
		t.Fatal("等待提示结果超时")
	}
	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.HintsLeft[h.pa.ID])
}

func TestDisconnectedPlayerForfeitsAfterThreshold(t *testing.T) {
	h := newHarness(t, 9, func(cfg *config.Config) {
		cfg.Sync.ForfeitAfterDisconnectedRounds = 2
	})
	h.server.Disconnect(h.b)
	m := h.start(t)
	ctx := context.Background()

	for round := 1; round <= 2; round++ {
		issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
		_, err := h.server.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
		require.NoError(t, err)
		h.clock.Advance(20 * time.Second)
		await(t, h.a, protocol.TypeRoundResult)
	}

	finished := decode[protocol.MatchFinished](t, await(t, h.a, protocol.TypeMatchFinished))
	require.NotNil(t, finished.WinnerID)
	assert.Equal(t, h.pa.ID, *finished.WinnerID)
	assert.Equal(t, string(models.EndForfeit), finished.Reason)

	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.ForfeitedBy)
	assert.Equal(t, h.pb.ID, *snap.ForfeitedBy)
}

func TestDisconnectWithoutThresholdScoresMiss(t *testing.T) {
	h := newHarness(t, 9, nil)
	h.server.Disconnect(h.b)
	m := h.start(t)
	ctx := context.Background()

	for round := 1; round <= 3; round++ {
		await(t, h.a, protocol.TypeRoundIssued)
		h.clock.Advance(20 * time.Second)
		await(t, h.a, protocol.TypeRoundResult)
	}
	await(t, h.a, protocol.TypeRoundIssued)

	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchActive, snap.Status)
	assert.Equal(t, 3, snap.MissStreaks[h.pb.ID])
	assert.Equal(t, 0, snap.Scores[h.pa.ID]+snap.Scores[h.pb.ID])
}

func TestReconnectResendsCurrentRound(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))

	h.server.Disconnect(h.a)
	fresh := NewMemoryConn(h.pa.ID, 16)
	h.server.Connect(fresh, h.pa)

	started := decode[protocol.MatchStarted](t, await(t, fresh, protocol.TypeMatchStarted))
	assert.Equal(t, m.ID, started.MatchID)
	again := decode[protocol.RoundIssued](t, await(t, fresh, protocol.TypeRoundIssued))
	assert.Equal(t, issued.RoundID, again.RoundID)
	assert.Equal(t, issued.Deadline.UnixMilli(), again.Deadline.UnixMilli())
	assert.True(t, h.a.Closed())
}

func TestAnswerAfterRevealIsAckedLate(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	ctx := context.Background()

	first := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
	h.clock.Advance(20 * time.Second)
	await(t, h.a, protocol.TypeRoundResult)
	await(t, h.a, protocol.TypeRoundIssued)

	choice := 1
	h.server.HandleMessage(ctx, h.b, envelope(t, protocol.TypeSubmitAnswer, protocol.SubmitAnswer{
		MatchID:     m.ID,
		RoundID:     first.RoundID,
		ChoiceIndex: &choice,
	}))
	ack := decode[protocol.AnswerAck](t, await(t, h.b, protocol.TypeAnswerAck))
	assert.True(t, ack.Late)

	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, snap.Rounds[0].Answered(h.pb.ID))
	assert.Equal(t, 0, snap.Scores[h.pb.ID])
}

func TestDuplicateAnswerRejected(t *testing.T) {
	h := newHarness(t, 9, nil)
	m := h.start(t)
	ctx := context.Background()

	issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
	_, err := h.server.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 0})
	require.NoError(t, err)
	_, err = h.server.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
	assert.ErrorIs(t, err, duel.ErrConflict)

	_, err = h.server.SubmitAnswer(ctx, m.ID, 99, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
	assert.ErrorIs(t, err, duel.ErrValidation)

	snap, err := h.server.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Rounds[0].Answers[h.pa.ID].ChoiceIndex)
}

func TestSupplyExhaustionAbortsAndRequeues(t *testing.T) {
	h := newHarness(t, 1, nil)
	m := h.start(t)
	ctx := context.Background()

	issued := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
	_, err := h.server.SubmitAnswer(ctx, m.ID, h.pa.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
	require.NoError(t, err)
	_, err = h.server.SubmitAnswer(ctx, m.ID, h.pb.ID, duel.Submission{RoundID: issued.RoundID, ChoiceIndex: 1})
	require.NoError(t, err)

	finished := decode[protocol.MatchFinished](t, await(t, h.a, protocol.TypeMatchFinished))
	assert.Nil(t, finished.WinnerID)
	assert.Equal(t, string(models.EndAborted), finished.Reason)
	assert.Equal(t, 0, finished.RatingDelta[h.pa.ID])
	assert.Equal(t, 0, finished.RatingDelta[h.pb.ID])

	require.Eventually(t, func() bool { return len(h.mm.Requeued()) == 2 }, 2*time.Second, 10*time.Millisecond)

	stored, err := h.repo.GetPlayer(ctx, h.pa.ID)
	require.NoError(t, err)
	assert.Equal(t, 1200, stored.Rating)
	assert.Equal(t, 0, stored.TotalMatches)
}

func TestCreateSyncMatchFailsWithoutQuestions(t *testing.T) {
	h := newHarness(t, 0, nil)
	_, err := h.server.CreateSyncMatch(context.Background(), testSubject,
		&match.Ticket{ID: "ta", Player: h.pa, Subject: testSubject},
		&match.Ticket{ID: "tb", Player: h.pb, Subject: testSubject},
	)
	assert.ErrorIs(t, err, duel.ErrSupply)
	assert.Equal(t, 0, h.server.MatchCount())
	assert.False(t, h.server.InMatch(h.pa.ID))
}

func TestQueuePairingStartsMatch(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := match.NewQueueService(config.QueueConfig{SweepInterval: time.Second}, h.server, h.clock, zerolog.Nop())
	h.server.SetMatchmaker(queue)
	require.NoError(t, queue.Start(ctx))
	defer queue.Stop()

	h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeJoinQueue, protocol.JoinQueue{Subject: testSubject}))
	h.clock.Advance(100 * time.Millisecond)
	h.server.HandleMessage(ctx, h.b, envelope(t, protocol.TypeJoinQueue, protocol.JoinQueue{Subject: testSubject}))

	joined := decode[protocol.QueueJoined](t, await(t, h.a, protocol.TypeQueueJoined))
	assert.Equal(t, testSubject, joined.Subject)
	assert.Equal(t, 1, joined.Position)

	startedA := decode[protocol.MatchStarted](t, await(t, h.a, protocol.TypeMatchStarted))
	startedB := decode[protocol.MatchStarted](t, await(t, h.b, protocol.TypeMatchStarted))
	assert.Equal(t, startedA.MatchID, startedB.MatchID)
	assert.Equal(t, testSubject, startedA.Subject)

	issuedA := decode[protocol.RoundIssued](t, await(t, h.a, protocol.TypeRoundIssued))
	issuedB := decode[protocol.RoundIssued](t, await(t, h.b, protocol.TypeRoundIssued))
	assert.Equal(t, issuedA.RoundID, issuedB.RoundID)
	assert.Equal(t, 1, issuedA.Index)

	snap, err := h.server.Snapshot(ctx, startedA.MatchID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchActive, snap.Status)
	assert.Equal(t, testSubject, snap.Subject)
	assert.Equal(t, 0, queue.GetQueueLength(testSubject))
	assert.True(t, h.server.InMatch(h.pa.ID))

	// 对局中不能再次排队
	h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeJoinQueue, protocol.JoinQueue{Subject: testSubject}))
	errMsg := decode[protocol.Error](t, await(t, h.a, protocol.TypeError))
	assert.Equal(t, duel.CodeValidation, errMsg.Code)
}

func TestRequeueAfterMatchUsesSettledRating(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := match.NewQueueService(config.QueueConfig{SweepInterval: time.Second}, h.server, h.clock, zerolog.Nop())
	h.server.SetMatchmaker(queue)
	require.NoError(t, queue.Start(ctx))
	defer queue.Stop()

	pair := func() string {
		h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeJoinQueue, protocol.JoinQueue{Subject: testSubject}))
		h.clock.Advance(100 * time.Millisecond)
		h.server.HandleMessage(ctx, h.b, envelope(t, protocol.TypeJoinQueue, protocol.JoinQueue{Subject: testSubject}))
		started := decode[protocol.MatchStarted](t, await(t, h.a, protocol.TypeMatchStarted))
		await(t, h.b, protocol.TypeMatchStarted)
		return started.MatchID
	}

	first := pair()
	await(t, h.a, protocol.TypeRoundIssued)
	require.NoError(t, h.server.Resign(ctx, first, h.pb.ID))
	finished := decode[protocol.MatchFinished](t, await(t, h.a, protocol.TypeMatchFinished))
	require.False(t, finished.SettlementPending)
	h.server.HandleMessage(ctx, h.a, envelope(t, protocol.TypeAckResult, protocol.MatchRef{MatchID: first}))
	h.server.HandleMessage(ctx, h.b, envelope(t, protocol.TypeAckResult, protocol.MatchRef{MatchID: first}))
	require.Eventually(t, func() bool { return h.server.MatchCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// 同一连接再次排队，赛前分取结算后的段位
	second := pair()
	snap, err := h.server.Snapshot(ctx, second)
	require.NoError(t, err)
	for _, p := range snap.Players {
		stored, err := h.repo.GetPlayer(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.Rating, p.Rating)
	}
	assert.Equal(t, 1216, ratingOf(snap, h.pa.ID))
	assert.Equal(t, 1184, ratingOf(snap, h.pb.ID))
}

func ratingOf(m *models.Match, playerID int64) int {
	for _, p := range m.Players {
		if p.ID == playerID {
			return p.Rating
		}
	}
	return 0
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.server.HandleMessage(context.Background(), h.a, protocol.Envelope{Type: "dance"})
	errMsg := decode[protocol.Error](t, await(t, h.a, protocol.TypeError))
	assert.Equal(t, duel.CodeValidation, errMsg.Code)
}
