// Package tracker follows the oracle jobs of every participant.
//
// The Tracker enforces at most one outstanding job per user and kind,
// consumes the queue's terminal events, holds the bot's pending transfer
// until the counterpart datum arrives and records each completed round in
// the session registry. A job id is settled at most once; repeated terminal
// events for the same id are logged and dropped.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/queue"
)

// Queue is the subset of the task queue the tracker uses.
type Queue interface {
	Add(ctx context.Context, kind domain.JobKind, userID string, payload any) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	Events() <-chan queue.Event
}

// Sessions is the subset of the session registry the tracker uses.
type Sessions interface {
	Get(userID string) (*domain.GameSession, error)
	AppendRound(userID string, rec domain.RoundRecord) (bool, error)
}

// Observer is notified of job lifecycle transitions.
type Observer interface {
	JobSubmitted(kind domain.JobKind)
	JobSettled(kind domain.JobKind, outcome queue.EventType, elapsed time.Duration)
	DuplicateEvent()
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(domain.JobKind)                               {}
func (nopObserver) JobSettled(domain.JobKind, queue.EventType, time.Duration) {}
func (nopObserver) DuplicateEvent()                                           {}

type jobKey struct {
	userID string
	kind   domain.JobKind
}

// issuedJob is everything known about a job handed out to a user.
type issuedJob struct {
	id          string
	userID      string
	kind        domain.JobKind
	submittedAt time.Time
	done        chan struct{}

	settled bool
	outcome queue.EventType
	amount  *int
	err     string
}

// Tracker maps outstanding jobs to their users.
type Tracker struct {
	queue    Queue
	sessions Sessions
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	// mu serialises submissions and event handling. Session mutations happen
	// under mu; nothing calls into the tracker while holding a session lock.
	mu                 sync.Mutex
	issued             map[string]*issuedJob
	outstanding        map[jobKey]string
	pendingResults     map[string]domain.PendingResult
	pendingInvestments map[string]domain.PendingInvestment
	failures           map[string]string
}

// New creates a tracker. obs may be nil.
func New(q Queue, sessions Sessions, obs Observer, logger *slog.Logger) *Tracker {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Tracker{
		queue:              q,
		sessions:           sessions,
		observer:           obs,
		logger:             logger,
		now:                time.Now,
		issued:             make(map[string]*issuedJob),
		outstanding:        make(map[jobKey]string),
		pendingResults:     make(map[string]domain.PendingResult),
		pendingInvestments: make(map[string]domain.PendingInvestment),
		failures:           make(map[string]string),
	}
}

// Run consumes queue events until ctx is cancelled or the event channel is
// closed.
func (t *Tracker) Run(ctx context.Context) {
	events := t.queue.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.HandleEvent(ev)
		}
	}
}

// SubmitOrReuse returns the id of the user's outstanding job of kind, or
// enqueues a new job with payload.
func (t *Tracker) SubmitOrReuse(ctx context.Context, userID string, kind domain.JobKind, payload *domain.JobPayload) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFailureLocked(userID); err != nil {
		return "", err
	}
	return t.submitLocked(ctx, userID, kind, payload)
}

// SubmitInvestment starts the bot's return computation for an investor's
// investment. A repeated call before the return is computed yields the same
// job id and keeps the first investment.
func (t *Tracker) SubmitInvestment(ctx context.Context, userID string, amount, took int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkFailureLocked(userID); err != nil {
		return "", err
	}
	if pi, ok := t.pendingInvestments[userID]; ok {
		return pi.JobID, nil
	}
	s, err := t.playableSessionLocked(userID)
	if err != nil {
		return "", err
	}

	jobID, err := t.submitLocked(ctx, userID, domain.JobKindReturn, &domain.JobPayload{
		UserID:     userID,
		Session:    s,
		Investment: &amount,
	})
	if err != nil {
		return "", err
	}
	t.pendingInvestments[userID] = domain.PendingInvestment{Amount: amount, Time: took, JobID: jobID}
	return jobID, nil
}

// RequestInvestment starts the bot's investment computation for an
// investee. While an investment awaits the participant's return, the job
// that produced it is returned instead.
func (t *Tracker) RequestInvestment(ctx context.Context, userID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkFailureLocked(userID); err != nil {
		return "", err
	}
	if pr, ok := t.pendingResults[userID]; ok {
		return pr.JobID, nil
	}
	s, err := t.playableSessionLocked(userID)
	if err != nil {
		return "", err
	}
	return t.submitLocked(ctx, userID, domain.JobKindInvest, &domain.JobPayload{
		UserID:  userID,
		Session: s,
	})
}

// PendingResult returns the bot transfer awaiting the user's return.
func (t *Tracker) PendingResult(userID string) (domain.PendingResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pendingResults[userID]
	return pr, ok
}

// RecordReturn folds the pending bot investment and the participant's return
// into a round. The pending result is cleared whether or not the append
// succeeds. It fails with ErrNoPendingTransfer if nothing is pending.
func (t *Tracker) RecordReturn(userID string, returned, took int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pr, ok := t.pendingResults[userID]
	if !ok {
		return false, domain.ErrNoPendingTransfer
	}
	delete(t.pendingResults, userID)

	return t.sessions.AppendRound(userID, domain.RoundRecord{
		Invested: pr.Amount,
		Returned: returned,
		Took:     domain.Took{Bot: pr.Took, Human: took},
	})
}

// Poll reports the state of jobID. It fails with ErrUnknownJob if the job was
// never issued to userID.
func (t *Tracker) Poll(ctx context.Context, jobID, userID string) (*domain.JobStatus, error) {
	t.mu.Lock()
	ij, ok := t.issued[jobID]
	if !ok || ij.userID != userID {
		t.mu.Unlock()
		return nil, domain.ErrUnknownJob
	}
	status := &domain.JobStatus{
		ID:     jobID,
		Ready:  ij.settled,
		Amount: ij.amount,
		Error:  ij.err,
	}
	if status.Error == "" {
		status.Error = t.failures[userID]
	}
	t.mu.Unlock()

	job, err := t.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, domain.ErrUnknownJob
	}
	status.State = job.State
	status.Reason = job.FailedReason
	return status, nil
}

// Wait blocks until jobID is settled or ctx is done.
func (t *Tracker) Wait(ctx context.Context, jobID string) error {
	t.mu.Lock()
	ij, ok := t.issued[jobID]
	t.mu.Unlock()
	if !ok {
		return domain.ErrUnknownJob
	}
	select {
	case <-ij.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failure returns the reason the user's game ended with an error.
func (t *Tracker) Failure(userID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reason, ok := t.failures[userID]
	return reason, ok
}

// Forget drops every piece of state kept for userID. Events for the user's
// jobs that arrive later are ignored.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ij := range t.issued {
		if ij.userID != userID {
			continue
		}
		if !ij.settled {
			ij.settled = true
			close(ij.done)
		}
		delete(t.issued, id)
	}
	for _, kind := range domain.JobKinds {
		delete(t.outstanding, jobKey{userID, kind})
	}
	delete(t.pendingResults, userID)
	delete(t.pendingInvestments, userID)
	delete(t.failures, userID)
}

// Outstanding returns the number of jobs not yet settled.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// Snapshot summarises the tracker state for debugging.
type Snapshot struct {
	OutstandingJobs    []string `json:"outstanding_jobs"`
	PendingResults     []string `json:"pending_results"`
	PendingInvestments []string `json:"pending_investments"`
	FailedUsers        []string `json:"failed_users"`
}

// Snapshot returns sorted ids of the tracked jobs and users.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		OutstandingJobs:    make([]string, 0, len(t.outstanding)),
		PendingResults:     make([]string, 0, len(t.pendingResults)),
		PendingInvestments: make([]string, 0, len(t.pendingInvestments)),
		FailedUsers:        make([]string, 0, len(t.failures)),
	}
	for _, id := range t.outstanding {
		s.OutstandingJobs = append(s.OutstandingJobs, id)
	}
	for id := range t.pendingResults {
		s.PendingResults = append(s.PendingResults, id)
	}
	for id := range t.pendingInvestments {
		s.PendingInvestments = append(s.PendingInvestments, id)
	}
	for id := range t.failures {
		s.FailedUsers = append(s.FailedUsers, id)
	}
	sort.Strings(s.OutstandingJobs)
	sort.Strings(s.PendingResults)
	sort.Strings(s.PendingInvestments)
	sort.Strings(s.FailedUsers)
	return s
}

// HandleEvent applies one terminal queue event.
func (t *Tracker) HandleEvent(ev queue.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := t.logger.With("job_id", ev.JobID, "event", ev.Type)
	ij, ok := t.issued[ev.JobID]
	if !ok {
		logger.Warn("event for untracked job dropped", "user_id", ev.UserID)
		return
	}
	if ij.settled {
		t.observer.DuplicateEvent()
		logger.Warn("duplicate terminal event dropped", "user_id", ij.userID, "first", ij.outcome)
		return
	}

	ij.settled = true
	ij.outcome = ev.Type
	delete(t.outstanding, jobKey{ij.userID, ij.kind})
	defer close(ij.done)

	elapsed := t.now().Sub(ij.submittedAt)
	t.observer.JobSettled(ij.kind, ev.Type, elapsed)

	switch ev.Type {
	case queue.EventCompleted:
		var result domain.TransferResult
		if err := json.Unmarshal(ev.Result, &result); err != nil {
			t.failLocked(ij, fmt.Sprintf("Job %s failed: malformed result: %v", ij.id, err))
			return
		}
		t.completeLocked(ij, result.Amount, int(elapsed/time.Second), logger)
	case queue.EventFailed:
		t.failLocked(ij, fmt.Sprintf("Job %s failed: %s", ij.id, ev.Reason))
	case queue.EventStalled:
		t.failLocked(ij, fmt.Sprintf("Job %s stalled.", ij.id))
	default:
		t.failLocked(ij, fmt.Sprintf("Job %s ended in unknown state %q", ij.id, ev.Type))
	}
}

func (t *Tracker) completeLocked(ij *issuedJob, amount, botTook int, logger *slog.Logger) {
	ij.amount = &amount
	logger.Info("bot transfer computed", "user_id", ij.userID, "amount", amount, "took_s", botTook)

	if ij.kind == domain.JobKindInvest {
		t.pendingResults[ij.userID] = domain.PendingResult{JobID: ij.id, Amount: amount, Took: botTook}
		return
	}

	pi, ok := t.pendingInvestments[ij.userID]
	if !ok || pi.JobID != ij.id {
		logger.Warn("return computed without a matching investment", "user_id", ij.userID)
		return
	}
	delete(t.pendingInvestments, ij.userID)

	_, err := t.sessions.AppendRound(ij.userID, domain.RoundRecord{
		Invested: pi.Amount,
		Returned: amount,
		Took:     domain.Took{Bot: botTook, Human: pi.Time},
	})
	if err != nil {
		ij.amount = nil
		t.failLocked(ij, fmt.Sprintf("Job %s failed: could not record round: %v", ij.id, err))
	}
}

func (t *Tracker) failLocked(ij *issuedJob, reason string) {
	ij.err = reason
	t.failures[ij.userID] = reason
	delete(t.pendingInvestments, ij.userID)
	t.logger.Warn("job did not complete", "job_id", ij.id, "user_id", ij.userID, "reason", reason)
}

func (t *Tracker) submitLocked(ctx context.Context, userID string, kind domain.JobKind, payload *domain.JobPayload) (string, error) {
	key := jobKey{userID, kind}
	if id, ok := t.outstanding[key]; ok {
		return id, nil
	}

	job, err := t.queue.Add(ctx, kind, userID, payload)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	t.issued[job.ID] = &issuedJob{
		id:          job.ID,
		userID:      userID,
		kind:        kind,
		submittedAt: t.now(),
		done:        make(chan struct{}),
	}
	t.outstanding[key] = job.ID
	t.observer.JobSubmitted(kind)
	return job.ID, nil
}

func (t *Tracker) checkFailureLocked(userID string) error {
	if reason, ok := t.failures[userID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionFailed, reason)
	}
	return nil
}

func (t *Tracker) playableSessionLocked(userID string) (*domain.GameSession, error) {
	s, err := t.sessions.Get(userID)
	if err != nil {
		return nil, err
	}
	if s.Finished() {
		return nil, fmt.Errorf("%w: %s played %d of %d rounds", domain.ErrSessionFinished, userID, len(s.History), s.Setup.Horizon)
	}
	return s, nil
}
