// Package queue runs oracle jobs on a fixed-size worker pool.
//
// Jobs are durable rows in the store. A worker claims the oldest waiting job
// of its kind, holds a lock lease on it while the processor runs and renews
// the lease periodically. A sweeper marks jobs whose lease expired as
// stalled. Stalled and failed jobs are never retried.
//
// Every terminal transition is a conditional update on an active row, so a
// job produces at most one Event.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/trustgame/internal/domain"
	store "github.com/xiaot623/trustgame/internal/repository"
)

// EventType is the terminal outcome of a job.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event reports a job reaching a terminal state.
type Event struct {
	Type   EventType
	JobID  string
	Kind   domain.JobKind
	UserID string
	Result json.RawMessage
	Reason string
	At     time.Time
}

// Processor computes the result of one job.
type Processor interface {
	Process(ctx context.Context, job *domain.Job) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Options configure the worker pool.
type Options struct {
	// Concurrency is the number of workers per job kind.
	Concurrency     int
	LockDuration    time.Duration
	LockRenewTime   time.Duration
	StalledInterval time.Duration
	// PollInterval bounds how long an idle worker waits before checking for
	// jobs added by another process.
	PollInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 100 * time.Second
	}
	if o.LockRenewTime <= 0 || o.LockRenewTime >= o.LockDuration {
		o.LockRenewTime = o.LockDuration / 2
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = o.LockDuration
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
}

// Queue is a durable job queue backed by the store.
type Queue struct {
	store  store.Store
	opts   Options
	logger *slog.Logger

	events chan Event
	wake   map[domain.JobKind]chan struct{}

	closeOnce sync.Once
}

// New creates a queue. Call Run to start processing.
func New(st store.Store, opts Options, logger *slog.Logger) *Queue {
	opts.withDefaults()
	wake := make(map[domain.JobKind]chan struct{}, len(domain.JobKinds))
	for _, kind := range domain.JobKinds {
		wake[kind] = make(chan struct{}, 1)
	}
	return &Queue{
		store:  st,
		opts:   opts,
		logger: logger,
		events: make(chan Event, 256),
		wake:   wake,
	}
}

// Events returns the channel of terminal job events. It is closed when Run
// returns.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Add enqueues a job of kind for userID. The payload is stored as JSON.
func (q *Queue) Add(ctx context.Context, kind domain.JobKind, userID string, payload any) (*domain.Job, error) {
	wake, ok := q.wake[kind]
	if !ok {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := &domain.Job{
		ID:        "job_" + uuid.New().String(),
		Kind:      kind,
		UserID:    userID,
		State:     domain.JobStateWaiting,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	select {
	case wake <- struct{}{}:
	default:
	}
	return job, nil
}

// GetJob returns the job with id, or nil if it does not exist.
func (q *Queue) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Run starts the workers and the stall sweeper and blocks until ctx is
// cancelled and every worker has returned.
func (q *Queue) Run(ctx context.Context, p Processor) {
	var wg sync.WaitGroup
	for _, kind := range domain.JobKinds {
		for i := 0; i < q.opts.Concurrency; i++ {
			wg.Add(1)
			go func(kind domain.JobKind, n int) {
				defer wg.Done()
				q.work(ctx, kind, n, p)
			}(kind, i)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.runStallMonitor(ctx)
	}()

	wg.Wait()
	q.closeOnce.Do(func() { close(q.events) })
}

func (q *Queue) work(ctx context.Context, kind domain.JobKind, n int, p Processor) {
	logger := q.logger.With("kind", kind, "worker", n)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			job, err := q.store.ClaimNextJob(ctx, kind, q.opts.LockDuration)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("failed to claim job", "error", err)
				break
			}
			if job == nil {
				break
			}
			q.process(ctx, job, p, logger)
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake[kind]:
		case <-ticker.C:
		}
	}
}

func (q *Queue) process(ctx context.Context, job *domain.Job, p Processor, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID, "user_id", job.UserID)
	logger.Debug("processing job")

	jobCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		q.renewLock(jobCtx, job.ID, logger)
	}()

	result, err := p.Process(jobCtx, job)
	cancel()
	<-renewDone

	if ctx.Err() != nil {
		// Shutting down: leave the row active so its lease expires and the
		// sweeper reports it.
		logger.Warn("job interrupted by shutdown")
		return
	}
	q.settle(ctx, job, result, err)
}

func (q *Queue) renewLock(ctx context.Context, jobID string, logger *slog.Logger) {
	ticker := time.NewTicker(q.opts.LockRenewTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := q.store.RenewJobLock(ctx, jobID, time.Now().Add(q.opts.LockDuration))
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("failed to renew job lock", "error", err)
				}
				continue
			}
			if !ok {
				logger.Warn("job lock lost")
				return
			}
		}
	}
}

// Terminal writes are conditional on an active row, so retrying one after a
// store error cannot apply it twice.
const (
	settleAttempts = 5
	settleBackoff  = 50 * time.Millisecond
)

// settle records the processor's outcome and emits the event if this call
// made the terminal transition. Store errors are retried; the processor is
// not rerun.
func (q *Queue) settle(ctx context.Context, job *domain.Job, result json.RawMessage, procErr error) {
	ev := Event{JobID: job.ID, Kind: job.Kind, UserID: job.UserID, At: time.Now()}

	record := func() (bool, error) {
		return q.store.CompleteJob(ctx, job.ID, result)
	}
	if procErr != nil {
		ev.Type = EventFailed
		ev.Reason = procErr.Error()
		record = func() (bool, error) {
			return q.store.FailJob(ctx, job.ID, ev.Reason)
		}
	} else {
		ev.Type = EventCompleted
		ev.Result = result
	}

	var updated bool
	var err error
	for attempt := 1; ; attempt++ {
		updated, err = record()
		if err == nil || attempt == settleAttempts {
			break
		}
		q.logger.Warn("retrying job outcome write", "job_id", job.ID, "outcome", ev.Type, "attempt", attempt, "error", err)
		select {
		case <-time.After(settleBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		q.logger.Error("failed to record job outcome", "job_id", job.ID, "outcome", ev.Type, "error", err)
		return
	}
	if !updated {
		q.logger.Warn("job already terminal, outcome dropped", "job_id", job.ID, "outcome", ev.Type)
		return
	}
	q.emit(ctx, ev)
}

func (q *Queue) emit(ctx context.Context, ev Event) {
	select {
	case q.events <- ev:
	case <-ctx.Done():
		q.logger.Warn("event dropped", "job_id", ev.JobID, "type", ev.Type)
	}
}
