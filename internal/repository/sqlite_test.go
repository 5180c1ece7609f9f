package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/trustgame/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newParticipant(userID string) *domain.Participant {
	return &domain.Participant{
		UserID:    userID,
		Condition: domain.Condition{HorizonDisclosed: true, Role: domain.RoleInvestor, Prior: true, BotCoeffs: 1},
		BotSetup: domain.BotSetup{
			Params: domain.BotParams{GoalCoeffs: []float64{0.5, 0.5}},
		},
		GameSetup:     domain.Setup{K: 3, Horizon: 5, Role: domain.RoleInvestor, Endowments: domain.Endowments{Investor: 10, Investee: 5}},
		Questionnaire: json.RawMessage(`{"trust":3}`),
		Demographic:   json.RawMessage(`{"age":1}`),
		Status:        domain.StatusGotSetup,
		GotSetupAt:    time.Now(),
	}
}

func TestSQLiteStoreParticipantLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	require.NoError(t, store.CreateParticipant(ctx, newParticipant("u1")))
	assert.Error(t, store.CreateParticipant(ctx, newParticipant("u1")), "duplicate user id must be rejected")

	got, err := store.GetParticipant(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RoleInvestor, got.Condition.Role)
	assert.Equal(t, 5, got.GameSetup.Horizon)
	assert.JSONEq(t, `{"trust":3}`, string(got.Questionnaire))
	assert.Empty(t, got.Comprehension)

	require.NoError(t, store.RecordComprehension(ctx, "u1", 683, domain.StatusLastChance, 0, time.Now()))
	require.NoError(t, store.RecordComprehension(ctx, "u1", 684, domain.StatusPassed, 1.8, time.Now()))
	require.NoError(t, store.MarkPlayStarted(ctx, "u1", time.Now()))
	require.NoError(t, store.MarkProceeded(ctx, "u1", time.Now()))

	sub := &domain.Submission{
		History:      []domain.RoundRecord{{Invested: 4, Returned: 5, Took: domain.Took{Bot: 2, Human: 12}}},
		Feedback:     json.RawMessage(`"fun"`),
		Earned:       domain.Earnings{Investor: 11, Investee: 12},
		RequestToken: "tok",
		FinishedAt:   time.Now(),
	}
	require.NoError(t, store.SubmitParticipant(ctx, "u1", sub))

	got, err = store.GetParticipant(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int{683, 684}, got.Comprehension)
	assert.Equal(t, 1.8, got.ComprehensionBonus)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
	assert.NotNil(t, got.PlayStartAt)
	assert.NotNil(t, got.ProceedAt)
	assert.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.Earned)
	assert.Equal(t, 11, got.Earned.Investor)
	assert.Equal(t, sub.History, got.History)
	assert.Equal(t, "tok", got.RequestToken)
}

func TestSQLiteStoreParticipantNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	got, err := store.GetParticipant(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)

	assert.True(t, IsNotFound(store.UpdateParticipantStatus(ctx, "missing", domain.StatusPlayStarted)))
	assert.True(t, IsNotFound(store.RecordComprehension(ctx, "missing", 1, domain.StatusFailed, 0, time.Now())))
}

func TestSQLiteStoreBeliefReplace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	empty, err := store.LoadBelief(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	first := map[string][]byte{
		"[1,2]":  []byte(`{"alpha":[1,2]}`),
		"binary": {0x00, 0xff, 0x10},
	}
	require.NoError(t, store.SaveBelief(ctx, "u1", first))
	got, err := store.LoadBelief(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := map[string][]byte{"[3]": []byte(`{"alpha":[3]}`)}
	require.NoError(t, store.SaveBelief(ctx, "u1", second))
	got, err = store.LoadBelief(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second, got, "save must replace the whole entry, not merge")
}

func TestSQLiteStoreJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, id := range []string{"j1", "j2"} {
		require.NoError(t, store.CreateJob(ctx, &domain.Job{
			ID:        id,
			Kind:      domain.JobKindReturn,
			UserID:    "u1",
			State:     domain.JobStateWaiting,
			Payload:   json.RawMessage(`{"userId":"u1"}`),
			CreatedAt: time.Now(),
		}))
	}

	none, err := store.ClaimNextJob(ctx, domain.JobKindInvest, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "no invest job is waiting")

	claimed, err := store.ClaimNextJob(ctx, domain.JobKindReturn, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "j1", claimed.ID, "oldest job is claimed first")
	assert.Equal(t, domain.JobStateActive, claimed.State)
	assert.NotNil(t, claimed.LockExpiresAt)

	ok, err := store.CompleteJob(ctx, "j1", []byte(`{"amount":5}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompleteJob(ctx, "j1", []byte(`{"amount":6}`))
	require.NoError(t, err)
	assert.False(t, ok, "second terminal transition must be rejected")

	ok, err = store.FailJob(ctx, "j1", "late failure")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, got.State)
	assert.JSONEq(t, `{"amount":5}`, string(got.Result))
	assert.NotNil(t, got.FinishedAt)
	assert.Nil(t, got.LockExpiresAt)

	ok, err = store.FailJob(ctx, "j2", "not active yet")
	require.NoError(t, err)
	assert.False(t, ok, "waiting jobs cannot fail")
}

func TestSQLiteStoreConcurrentWritesOnFile(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(FileDSN(filepath.Join(t.TempDir(), "trustgame.db")))
	require.NoError(t, err)
	defer store.Close()

	var mode string
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	const writers, rounds = 8, 25
	errs := make(chan error, writers*rounds*4)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", w)
			for i := 0; i < rounds; i++ {
				if err := store.SaveBelief(ctx, userID, map[string][]byte{"[]": []byte(fmt.Sprintf(`{"n":%d}`, i))}); err != nil {
					errs <- fmt.Errorf("save belief: %w", err)
				}
				job := &domain.Job{
					ID:        fmt.Sprintf("%s-%d", userID, i),
					Kind:      domain.JobKindInvest,
					UserID:    userID,
					State:     domain.JobStateWaiting,
					CreatedAt: time.Now(),
				}
				if err := store.CreateJob(ctx, job); err != nil {
					errs <- fmt.Errorf("create job: %w", err)
					continue
				}
				claimed, err := store.ClaimNextJob(ctx, domain.JobKindInvest, time.Minute)
				if err != nil {
					errs <- fmt.Errorf("claim job: %w", err)
					continue
				}
				if claimed == nil {
					errs <- fmt.Errorf("claim job: nothing waiting after %s was added", job.ID)
					continue
				}
				ok, err := store.CompleteJob(ctx, claimed.ID, []byte(`{"amount":1}`))
				if err != nil {
					errs <- fmt.Errorf("complete job: %w", err)
				} else if !ok {
					errs <- fmt.Errorf("complete job %s: row not active", claimed.ID)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	var completed int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state = ?`, domain.JobStateCompleted).Scan(&completed))
	assert.Equal(t, writers*rounds, completed)
}

func TestWithConnParamsKeepsExplicitSettings(t *testing.T) {
	assert.Equal(t, "file:x.db?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", withConnParams("file:x.db"))
	assert.Equal(t,
		"file:x.db?mode=rwc&_busy_timeout=100&_journal_mode=WAL&_txlock=immediate",
		withConnParams("file:x.db?mode=rwc&_busy_timeout=100"))
	assert.Equal(t, FileDSN("x.db"), withConnParams(FileDSN("x.db")))
}

func TestSQLiteStoreStalledJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	require.NoError(t, store.CreateJob(ctx, &domain.Job{
		ID: "j1", Kind: domain.JobKindInvest, UserID: "u1", State: domain.JobStateWaiting, CreatedAt: time.Now(),
	}))
	_, err := store.ClaimNextJob(ctx, domain.JobKindInvest, 10*time.Millisecond)
	require.NoError(t, err)

	stalled, err := store.ListStalledJobs(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, stalled, "lock not yet expired")

	stalled, err = store.ListStalledJobs(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "j1", stalled[0].ID)

	renewed, err := store.RenewJobLock(ctx, "j1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, renewed)
	stalled, err = store.ListStalledJobs(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, stalled, "renewed lock is not stalled")

	ok, err := store.MarkJobStalled(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompleteJob(ctx, "j1", []byte(`{"amount":1}`))
	require.NoError(t, err)
	assert.False(t, ok, "a stalled job cannot complete afterwards")

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateStalled, got.State)
	assert.NotEmpty(t, got.FailedReason)
}
