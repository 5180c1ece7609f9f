package domain

import (
	"encoding/json"
	"time"
)

// Job is one queued invocation of the decision oracle.
type Job struct {
	ID            string          `json:"id"`
	Kind          JobKind         `json:"kind"`
	UserID        string          `json:"user_id"`
	State         JobState        `json:"state"`
	Payload       json.RawMessage `json:"payload"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailedReason  string          `json:"failed_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	LockExpiresAt *time.Time      `json:"lock_expires_at,omitempty"`
}

// JobPayload is what a worker needs to compute the bot's next transfer.
// Investment is set for return jobs: the participant's investment this round.
type JobPayload struct {
	UserID     string       `json:"userId"`
	Session    *GameSession `json:"record"`
	Investment *int         `json:"investment,omitempty"`
}

// TransferResult is the serialised result of a completed job.
type TransferResult struct {
	Amount int `json:"amount"`
}

// PendingResult holds the bot's last computed transfer until the
// counterpart datum arrives and a round can be recorded.
type PendingResult struct {
	JobID  string `json:"job_id"`
	Amount int    `json:"amount"`
	Took   int    `json:"took"`
}

// PendingInvestment is the participant's investment awaiting the bot's return.
type PendingInvestment struct {
	Amount int    `json:"amount"`
	Time   int    `json:"time"`
	JobID  string `json:"job_id"`
}
