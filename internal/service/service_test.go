package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/trustgame/internal/adapter/oracle"
	"github.com/xiaot623/trustgame/internal/belief"
	"github.com/xiaot623/trustgame/internal/config"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/gameinit"
	"github.com/xiaot623/trustgame/internal/queue"
	store "github.com/xiaot623/trustgame/internal/repository"
	"github.com/xiaot623/trustgame/internal/session"
	"github.com/xiaot623/trustgame/internal/tracker"
	"github.com/xiaot623/trustgame/policy"
	"github.com/xiaot623/trustgame/tests/helpers"
)

// scriptedOracle answers with decide and records every request.
type scriptedOracle struct {
	mu       sync.Mutex
	decide   func(req *oracle.Request) (*oracle.Response, error)
	requests []*oracle.Request
}

func (o *scriptedOracle) ComputeAction(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	decide := o.decide
	o.mu.Unlock()
	return decide(req)
}

func fixedAction(amount int) func(*oracle.Request) (*oracle.Response, error) {
	return func(req *oracle.Request) (*oracle.Response, error) {
		return &oracle.Response{Action: amount, Belief: belief.Belief{"rounds": []byte{byte(len(req.History.Returns))}}}, nil
	}
}

type harness struct {
	svc      *Service
	store    *store.SQLiteStore
	sessions *session.Registry
	tracker  *tracker.Tracker
	beliefs  *belief.SQLiteCache
	oracle   *scriptedOracle
}

func newHarness(t *testing.T, decide func(*oracle.Request) (*oracle.Response, error)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := helpers.NewTestSQLiteStore(t)
	sessions := session.NewRegistry()
	q := queue.New(db, queue.Options{
		Concurrency:     1,
		LockDuration:    time.Minute,
		LockRenewTime:   30 * time.Second,
		StalledInterval: time.Hour,
		PollInterval:    10 * time.Millisecond,
	}, logger)
	tr := tracker.New(q, sessions, nil, logger)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	cfg := &config.Config{Horizon: 5, K: 3, InvestorEndowment: 10, InvesteeEndowment: 5, UnitToDollarRatio: 0.1, LookAhead: 4, ComprehensionLimit: 2}
	gen := gameinit.New(gameinit.Params{Horizon: 5, K: 3, InvestorEndowment: 10, InvesteeEndowment: 5, UnitToDollarRatio: 0.1, LookAhead: 4}, nil)
	beliefs := belief.NewSQLiteCache(db)
	orc := &scriptedOracle{decide: decide}

	svc := New(db, sessions, tr, beliefs, orc, engine, gen, cfg, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); q.Run(ctx, svc) }()
	go func() { defer wg.Done(); tr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &harness{svc: svc, store: db, sessions: sessions, tracker: tr, beliefs: beliefs, oracle: orc}
}

const registrationBody = `{
	"questionnaire": {"moneyRequest": 18, "lottery1": 0, "lottery2": 2, "lottery3": 1, "trust": 3, "altruism": 1},
	"demographic": {"age": 1, "gender": 0, "education": 4, "robot": 2},
	"timeSeries": [{"t": 1}]
}`

func TestRegisterCreatesSessionAndParticipant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(0))

	resp, err := h.svc.Register(ctx, json.RawMessage(registrationBody))
	require.NoError(t, err)
	assert.Len(t, resp.UserID, 10)
	assert.True(t, resp.Setup.Role.Valid())
	if resp.Setup.HorizonDisclosed {
		assert.Equal(t, 5, resp.Setup.Horizon)
	} else {
		assert.Zero(t, resp.Setup.Horizon)
	}

	sess, err := h.sessions.Get(resp.UserID)
	require.NoError(t, err)
	assert.Equal(t, 5, sess.Setup.Horizon, "the session always knows the horizon")
	assert.Equal(t, domain.StatusGotSetup, sess.Status)

	p, err := h.store.GetParticipant(ctx, resp.UserID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, sess.Setup, p.GameSetup)
	assert.JSONEq(t, `[{"t": 1}]`, string(p.TimeSeries))
}

func TestRegisterRejectsInvalidAnswers(t *testing.T) {
	h := newHarness(t, fixedAction(0))

	_, err := h.svc.Register(context.Background(), json.RawMessage(`{"questionnaire": {"moneyRequest": 30}}`))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "Body of the request not as expected")

	_, err = h.svc.Register(context.Background(), json.RawMessage(`not json`))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, h.sessions.Len())
}

func TestInvestorRoundScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(5))
	require.NoError(t, h.sessions.Create(helpers.NewInvestorSession("u1", 5)))

	jobID, err := h.svc.Invest(ctx, "u1", 4, 12)
	require.NoError(t, err)

	resp, err := h.svc.PollInvest(ctx, jobID, "u1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobID, resp.ID)
	assert.Equal(t, domain.JobStateCompleted, resp.State)
	assert.True(t, resp.Ready)
	assert.Empty(t, resp.Error)
	assert.False(t, resp.Result.Finished)
	require.NotNil(t, resp.Result.Amount)
	assert.Equal(t, 5, *resp.Result.Amount)

	sess, err := h.sessions.Get("u1")
	require.NoError(t, err)
	require.Len(t, sess.History, 1)
	assert.Equal(t, 4, sess.History[0].Invested)
	assert.Equal(t, 5, sess.History[0].Returned)
	assert.Equal(t, 12, sess.History[0].Took.Human)

	require.Len(t, h.oracle.requests, 1)
	req := h.oracle.requests[0]
	assert.Equal(t, domain.JobKindReturn, req.Kind)
	assert.Equal(t, []int{4}, req.History.Investments)

	cached, err := h.beliefs.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, cached["rounds"])
}

func TestInvestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(5))
	require.NoError(t, h.sessions.Create(helpers.NewInvestorSession("u1", 5)))
	require.NoError(t, h.sessions.Create(helpers.NewInvesteeSession("u2", 5)))

	_, err := h.svc.Invest(ctx, "u1", 11, 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.Invest(ctx, "u1", -1, 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.Invest(ctx, "u2", 3, 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.Query(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.Invest(ctx, "ghost", 3, 1)
	assert.ErrorIs(t, err, domain.ErrUnknownUser)
}

func TestDuplicateInvestReusesJob(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	h := newHarness(t, func(req *oracle.Request) (*oracle.Response, error) {
		<-release
		return &oracle.Response{Action: 2}, nil
	})
	require.NoError(t, h.sessions.Create(helpers.NewInvestorSession("u1", 5)))

	first, err := h.svc.Invest(ctx, "u1", 4, 12)
	require.NoError(t, err)
	second, err := h.svc.Invest(ctx, "u1", 4, 12)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	resp, err := h.svc.PollInvest(ctx, first, "u1", 0)
	require.NoError(t, err)
	assert.False(t, resp.Ready)

	close(release)
	resp, err = h.svc.PollInvest(ctx, first, "u1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Ready)

	sess, _ := h.sessions.Get("u1")
	assert.Len(t, sess.History, 1)
}

func TestInvesteePlaysToHorizon(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(6))
	require.NoError(t, h.sessions.Create(helpers.NewInvesteeSession("u1", 2)))

	for round := 1; round <= 2; round++ {
		jobID, err := h.svc.Query(ctx, "u1")
		require.NoError(t, err)

		resp, err := h.svc.PollQuery(ctx, jobID, "u1", 5*time.Second)
		require.NoError(t, err)
		require.True(t, resp.Ready)
		require.NotNil(t, resp.Result.Amount)
		assert.Equal(t, 6, *resp.Result.Amount)

		again, err := h.svc.Query(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, jobID, again)

		returned := 9
		fin, err := h.svc.Return(ctx, &domain.ReturnRequest{UserID: "u1", Returned: &returned, Time: 4})
		require.NoError(t, err)
		assert.Equal(t, round == 2, fin.Finished)
	}

	sess, _ := h.sessions.Get("u1")
	assert.Equal(t, []domain.RoundRecord{
		{Invested: 6, Returned: 9, Took: sess.History[0].Took},
		{Invested: 6, Returned: 9, Took: sess.History[1].Took},
	}, sess.History)

	_, err := h.svc.Query(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrSessionFinished)

	returned := 1
	fin, err := h.svc.Return(ctx, &domain.ReturnRequest{UserID: "u1", Returned: &returned})
	require.NoError(t, err)
	assert.True(t, fin.Finished)
}

func TestReturnIsBoundedByReceivedAmount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(2))
	require.NoError(t, h.sessions.Create(helpers.NewInvesteeSession("u1", 5)))

	jobID, err := h.svc.Query(ctx, "u1")
	require.NoError(t, err)
	_, err = h.svc.PollQuery(ctx, jobID, "u1", 5*time.Second)
	require.NoError(t, err)

	tooMuch := 5 + 3*2 + 1
	_, err = h.svc.Return(ctx, &domain.ReturnRequest{UserID: "u1", Returned: &tooMuch})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, ok := h.tracker.PendingResult("u1")
	assert.True(t, ok, "a rejected return leaves the investment pending")

	_, err = h.svc.Return(ctx, &domain.ReturnRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOracleFailureEndsGame(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(*oracle.Request) (*oracle.Response, error) {
		return nil, errors.New("inference diverged")
	})
	require.NoError(t, h.sessions.Create(helpers.NewInvestorSession("u1", 5)))

	jobID, err := h.svc.Invest(ctx, "u1", 4, 12)
	require.NoError(t, err)

	resp, err := h.svc.PollInvest(ctx, jobID, "u1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Ready)
	assert.Equal(t, domain.JobStateFailed, resp.State)
	assert.Contains(t, resp.Reason, "inference diverged")
	assert.Contains(t, resp.Error, "Job "+jobID+" failed")
	assert.Nil(t, resp.Result.Amount)

	sess, _ := h.sessions.Get("u1")
	assert.Empty(t, sess.History)

	_, err = h.svc.Invest(ctx, "u1", 4, 12)
	assert.ErrorIs(t, err, domain.ErrSessionFailed)
}

func TestProcessRejectsOutOfRangeAction(t *testing.T) {
	h := newHarness(t, fixedAction(99))
	payload, err := json.Marshal(domain.JobPayload{UserID: "u1", Session: helpers.NewInvesteeSession("u1", 5)})
	require.NoError(t, err)

	_, err = h.svc.Process(context.Background(), &domain.Job{ID: "job_x", Kind: domain.JobKindInvest, UserID: "u1", Payload: payload})
	assert.ErrorIs(t, err, domain.ErrValidation)

	cached, err := h.beliefs.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, cached, "a rejected decision does not touch the belief")
}

func TestComprehensionAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(0))
	reg, err := h.svc.Register(ctx, json.RawMessage(registrationBody))
	require.NoError(t, err)

	resp, err := h.svc.Comprehension(ctx, reg.UserID, &domain.ComprehensionRequest{Answers: []int{1, 2, 3}, Attempts: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.ComprehensionResponse{Correct: false, Last: false, Bonus: 0}, *resp)

	resp, err = h.svc.Comprehension(ctx, reg.UserID, &domain.ComprehensionRequest{Answers: []int{6, 8, 4}, Attempts: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.ComprehensionResponse{Correct: true, Last: true, Bonus: 1.8}, *resp)

	p, err := h.store.GetParticipant(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPassed, p.Status)
	assert.Equal(t, []int{123, 684}, p.Comprehension)
	assert.Equal(t, 1.8, p.ComprehensionBonus)

	_, err = h.svc.Comprehension(ctx, reg.UserID, &domain.ComprehensionRequest{Answers: []int{6}, Attempts: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.Comprehension(ctx, "ghost", &domain.ComprehensionRequest{Answers: []int{6, 8, 4}})
	assert.ErrorIs(t, err, domain.ErrUnknownUser)
}

func TestLifecycleStatusesDoNotRegress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(0))
	reg, err := h.svc.Register(ctx, json.RawMessage(registrationBody))
	require.NoError(t, err)

	require.NoError(t, h.svc.MarkFinished(ctx, reg.UserID))
	require.NoError(t, h.svc.MarkPlayStarted(ctx, reg.UserID))

	p, err := h.store.GetParticipant(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPostQuestionnaire, p.Status)
	assert.NotNil(t, p.ProceedAt)
	assert.Nil(t, p.PlayStartAt)
}

func TestSubmitClosesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(0))
	reg, err := h.svc.Register(ctx, json.RawMessage(registrationBody))
	require.NoError(t, err)
	require.NoError(t, h.beliefs.Save(ctx, reg.UserID, belief.Belief{"k": []byte("v")}))

	err = h.svc.Submit(ctx, reg.UserID, &domain.SubmitRequest{
		Answers:  json.RawMessage(`{"q1": 3}`),
		Feedback: json.RawMessage(`"fun"`),
	})
	require.NoError(t, err)

	_, err = h.sessions.Get(reg.UserID)
	assert.ErrorIs(t, err, domain.ErrUnknownUser)

	p, err := h.store.GetParticipant(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, p.Status)
	assert.Len(t, p.RequestToken, 20)
	require.NotNil(t, p.Earned)
	assert.Equal(t, domain.Earnings{}, *p.Earned)

	cached, err := h.beliefs.Load(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Empty(t, cached)

	assert.ErrorIs(t, h.svc.Submit(ctx, reg.UserID, &domain.SubmitRequest{}), domain.ErrUnknownUser)
}

func TestOffload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedAction(0))
	require.NoError(t, h.sessions.Create(helpers.NewInvestorSession("u1", 5)))

	require.NoError(t, h.svc.Offload(ctx, "u1"))
	assert.ErrorIs(t, h.svc.Offload(ctx, "u1"), domain.ErrUnknownUser)
	assert.Zero(t, h.svc.ActiveSessions())
}

func TestOffloadDuringOracleDropsLateBelief(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(req *oracle.Request) (*oracle.Response, error) {
		close(entered)
		<-release
		return &oracle.Response{Action: 2, Belief: belief.Belief{"rounds": []byte{1}}}, nil
	})
	require.NoError(t, h.sessions.Create(helpers.NewInvestorSession("u1", 5)))

	jobID, err := h.svc.Invest(ctx, "u1", 4, 12)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("oracle was never called")
	}
	require.NoError(t, h.svc.Offload(ctx, "u1"))
	close(release)

	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(ctx, jobID)
		return err == nil && job != nil && job.State == domain.JobStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cached, err := h.beliefs.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, cached, "a closed session keeps no belief")
}
