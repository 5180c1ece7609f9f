// Package store defines the storage interface and its SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/trustgame/internal/domain"
)

// Store defines the interface for durable persistence.
type Store interface {
	// Participant operations
	CreateParticipant(ctx context.Context, p *domain.Participant) error
	GetParticipant(ctx context.Context, userID string) (*domain.Participant, error)
	UpdateParticipantStatus(ctx context.Context, userID string, status domain.SessionStatus) error
	RecordComprehension(ctx context.Context, userID string, answer int, status domain.SessionStatus, bonus float64, at time.Time) error
	MarkPlayStarted(ctx context.Context, userID string, at time.Time) error
	MarkProceeded(ctx context.Context, userID string, at time.Time) error
	SubmitParticipant(ctx context.Context, userID string, sub *domain.Submission) error

	// Belief operations
	LoadBelief(ctx context.Context, userID string) (map[string][]byte, error)
	SaveBelief(ctx context.Context, userID string, entries map[string][]byte) error

	// Job operations
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimNextJob(ctx context.Context, kind domain.JobKind, lockFor time.Duration) (*domain.Job, error)
	RenewJobLock(ctx context.Context, jobID string, until time.Time) (bool, error)
	CompleteJob(ctx context.Context, jobID string, result []byte) (bool, error)
	FailJob(ctx context.Context, jobID string, reason string) (bool, error)
	ListStalledJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	MarkJobStalled(ctx context.Context, jobID string) (bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
