package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/trustgame/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// claimMu serialises job claims within this process.
	claimMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// connParams are applied by the driver to every pooled connection. Write
// transactions take the database lock at BEGIN so the busy handler covers
// them instead of failing on lock upgrade.
var connParams = []string{"_busy_timeout=5000", "_journal_mode=WAL", "_txlock=immediate"}

// FileDSN returns the DSN for a database file at path, creating it if needed.
func FileDSN(path string) string {
	return "file:" + path + "?mode=rwc&" + strings.Join(connParams, "&")
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !inMemory {
		dsn = withConnParams(dsn)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	// Shared-cache table locks bypass the busy handler, so those DSNs get a
	// single connection too.
	if inMemory || strings.Contains(dsn, "cache=shared") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// withConnParams appends any connection parameter the DSN does not set.
func withConnParams(dsn string) string {
	for _, param := range connParams {
		key := param[:strings.IndexByte(param, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + param
		} else {
			dsn += "?" + param
		}
	}
	return dsn
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			user_id TEXT PRIMARY KEY,
			condition TEXT NOT NULL,
			bot_setup TEXT NOT NULL,
			game_setup TEXT NOT NULL,
			questionnaire TEXT,
			time_series TEXT,
			demographic TEXT,
			status TEXT NOT NULL,
			comprehension TEXT NOT NULL DEFAULT '[]',
			comprehension_bonus REAL NOT NULL DEFAULT 0,
			history TEXT,
			feedback TEXT,
			post_questionnaire TEXT,
			earned TEXT,
			request_token TEXT,
			got_setup_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			play_start_at DATETIME,
			proceed_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS comprehension_attempts (
			user_id TEXT NOT NULL,
			answer INTEGER NOT NULL,
			attempted_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES participants(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comprehension_user ON comprehension_attempts(user_id, attempted_at)`,
		`CREATE TABLE IF NOT EXISTS beliefs (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			payload TEXT,
			result TEXT,
			failed_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME,
			lock_expires_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_kind ON jobs(state, kind, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lock ON jobs(state, lock_expires_ms)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateParticipant stores the registration record of a new participant.
func (s *SQLiteStore) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	condition, err := json.Marshal(p.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}
	botSetup, err := json.Marshal(p.BotSetup)
	if err != nil {
		return fmt.Errorf("failed to marshal bot setup: %w", err)
	}
	gameSetup, err := json.Marshal(p.GameSetup)
	if err != nil {
		return fmt.Errorf("failed to marshal game setup: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participants (user_id, condition, bot_setup, game_setup, questionnaire, time_series, demographic, status, got_setup_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, string(condition), string(botSetup), string(gameSetup),
		nullStringBytes(p.Questionnaire), nullStringBytes(p.TimeSeries), nullStringBytes(p.Demographic),
		p.Status, p.GotSetupAt)
	return err
}

// GetParticipant retrieves a participant by user ID. It returns nil, nil if absent.
func (s *SQLiteStore) GetParticipant(ctx context.Context, userID string) (*domain.Participant, error) {
	var p domain.Participant
	var condition, botSetup, gameSetup, comprehension string
	var questionnaire, timeSeries, demographic, history, feedback, postQ, earned, token sql.NullString
	var playStart, proceed, finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, condition, bot_setup, game_setup, questionnaire, time_series, demographic, status,
		        comprehension, comprehension_bonus, history, feedback, post_questionnaire, earned, request_token,
		        got_setup_at, play_start_at, proceed_at, finished_at
		 FROM participants WHERE user_id = ?`, userID).Scan(
		&p.UserID, &condition, &botSetup, &gameSetup, &questionnaire, &timeSeries, &demographic, &p.Status,
		&comprehension, &p.ComprehensionBonus, &history, &feedback, &postQ, &earned, &token,
		&p.GotSetupAt, &playStart, &proceed, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(condition), &p.Condition); err != nil {
		return nil, fmt.Errorf("failed to decode condition: %w", err)
	}
	if err := json.Unmarshal([]byte(botSetup), &p.BotSetup); err != nil {
		return nil, fmt.Errorf("failed to decode bot setup: %w", err)
	}
	if err := json.Unmarshal([]byte(gameSetup), &p.GameSetup); err != nil {
		return nil, fmt.Errorf("failed to decode game setup: %w", err)
	}
	if err := json.Unmarshal([]byte(comprehension), &p.Comprehension); err != nil {
		return nil, fmt.Errorf("failed to decode comprehension: %w", err)
	}
	if history.Valid {
		if err := json.Unmarshal([]byte(history.String), &p.History); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
	}
	if earned.Valid {
		p.Earned = &domain.Earnings{}
		if err := json.Unmarshal([]byte(earned.String), p.Earned); err != nil {
			return nil, fmt.Errorf("failed to decode earnings: %w", err)
		}
	}
	p.Questionnaire = rawOrNil(questionnaire)
	p.TimeSeries = rawOrNil(timeSeries)
	p.Demographic = rawOrNil(demographic)
	p.Feedback = rawOrNil(feedback)
	p.PostQuestionnaire = rawOrNil(postQ)
	p.RequestToken = token.String
	if playStart.Valid {
		p.PlayStartAt = &playStart.Time
	}
	if proceed.Valid {
		p.ProceedAt = &proceed.Time
	}
	if finished.Valid {
		p.FinishedAt = &finished.Time
	}
	return &p, nil
}

// UpdateParticipantStatus sets the status of a participant.
func (s *SQLiteStore) UpdateParticipantStatus(ctx context.Context, userID string, status domain.SessionStatus) error {
	return s.execOne(ctx,
		`UPDATE participants SET status = ? WHERE user_id = ?`,
		status, userID)
}

// RecordComprehension appends a comprehension attempt and updates status and bonus.
func (s *SQLiteStore) RecordComprehension(ctx context.Context, userID string, answer int, status domain.SessionStatus, bonus float64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT comprehension FROM participants WHERE user_id = ?`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	var answers []int
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		return fmt.Errorf("failed to decode comprehension: %w", err)
	}
	answers = append(answers, answer)
	encoded, err := json.Marshal(answers)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET comprehension = ?, status = ?, comprehension_bonus = ? WHERE user_id = ?`,
		string(encoded), status, bonus, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO comprehension_attempts (user_id, answer, attempted_at) VALUES (?, ?, ?)`,
		userID, answer, at); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkPlayStarted records that the participant started playing.
func (s *SQLiteStore) MarkPlayStarted(ctx context.Context, userID string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE participants SET status = ?, play_start_at = ? WHERE user_id = ?`,
		domain.StatusPlayStarted, at, userID)
}

// MarkProceeded records that the participant moved on to the post-game questionnaire.
func (s *SQLiteStore) MarkProceeded(ctx context.Context, userID string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE participants SET status = ?, proceed_at = ? WHERE user_id = ?`,
		domain.StatusPostQuestionnaire, at, userID)
}

// SubmitParticipant writes the final game data of a participant.
func (s *SQLiteStore) SubmitParticipant(ctx context.Context, userID string, sub *domain.Submission) error {
	history, err := json.Marshal(sub.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	earned, err := json.Marshal(sub.Earned)
	if err != nil {
		return fmt.Errorf("failed to marshal earnings: %w", err)
	}
	return s.execOne(ctx,
		`UPDATE participants SET history = ?, feedback = ?, post_questionnaire = ?, earned = ?,
		        request_token = ?, finished_at = ?, status = ?
		 WHERE user_id = ?`,
		string(history), nullStringBytes(sub.Feedback), nullStringBytes(sub.PostQuestionnaire), string(earned),
		sub.RequestToken, sub.FinishedAt, domain.StatusSubmitted, userID)
}

// LoadBelief returns every cached belief entry of a user. The map is empty if none exist.
func (s *SQLiteStore) LoadBelief(ctx context.Context, userID string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM beliefs WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// SaveBelief replaces every cached belief entry of a user in one transaction.
func (s *SQLiteStore) SaveBelief(ctx context.Context, userID string, entries map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM beliefs WHERE user_id = ?`, userID); err != nil {
		return err
	}
	for key, value := range entries {
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO beliefs (user_id, key, value) VALUES (?, ?, ?)`,
			userID, key, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateJob inserts a new job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, kind, user_id, state, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, job.UserID, job.State, nullStringBytes(job.Payload), job.CreatedAt)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil if absent.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	var payload, result, reason sql.NullString
	var startedAt, finishedAt sql.NullTime
	var lockMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, kind, user_id, state, payload, result, failed_reason, created_at, started_at, finished_at, lock_expires_ms
		 FROM jobs WHERE job_id = ?`, jobID).Scan(
		&job.ID, &job.Kind, &job.UserID, &job.State, &payload, &result, &reason,
		&job.CreatedAt, &startedAt, &finishedAt, &lockMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Payload = rawOrNil(payload)
	job.Result = rawOrNil(result)
	job.FailedReason = reason.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if lockMs.Valid {
		t := time.UnixMilli(lockMs.Int64)
		job.LockExpiresAt = &t
	}
	return &job, nil
}

// ClaimNextJob moves the oldest waiting job of kind to active and locks it
// for lockFor. It returns nil, nil when no job is waiting.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, kind domain.JobKind, lockFor time.Duration) (*domain.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRowContext(ctx,
		`SELECT job_id FROM jobs WHERE state = ? AND kind = ? ORDER BY seq ASC LIMIT 1`,
		domain.JobStateWaiting, kind).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, started_at = ?, lock_expires_ms = ? WHERE job_id = ? AND state = ?`,
		domain.JobStateActive, now, now.Add(lockFor).UnixMilli(), jobID, domain.JobStateWaiting)
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// RenewJobLock extends the lock of an active job.
func (s *SQLiteStore) RenewJobLock(ctx context.Context, jobID string, until time.Time) (bool, error) {
	return s.execAffected(ctx,
		`UPDATE jobs SET lock_expires_ms = ? WHERE job_id = ? AND state = ?`,
		until.UnixMilli(), jobID, domain.JobStateActive)
}

// CompleteJob stores the result of an active job. It reports false if the
// job already reached a terminal state.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result []byte) (bool, error) {
	return s.execAffected(ctx,
		`UPDATE jobs SET state = ?, result = ?, finished_at = ?, lock_expires_ms = NULL WHERE job_id = ? AND state = ?`,
		domain.JobStateCompleted, nullStringBytes(result), time.Now(), jobID, domain.JobStateActive)
}

// FailJob marks an active job as failed. It reports false if the job
// already reached a terminal state.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, reason string) (bool, error) {
	return s.execAffected(ctx,
		`UPDATE jobs SET state = ?, failed_reason = ?, finished_at = ?, lock_expires_ms = NULL WHERE job_id = ? AND state = ?`,
		domain.JobStateFailed, reason, time.Now(), jobID, domain.JobStateActive)
}

// ListStalledJobs returns active jobs whose lock expired before now.
func (s *SQLiteStore) ListStalledJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, kind, user_id, state, created_at
		FROM jobs
		WHERE state = ? AND lock_expires_ms IS NOT NULL AND lock_expires_ms < ?
		ORDER BY seq ASC
		LIMIT ?
	`, domain.JobStateActive, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(&job.ID, &job.Kind, &job.UserID, &job.State, &job.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkJobStalled moves an active job to stalled. It reports false if the
// job already reached a terminal state.
func (s *SQLiteStore) MarkJobStalled(ctx context.Context, jobID string) (bool, error) {
	return s.execAffected(ctx,
		`UPDATE jobs SET state = ?, failed_reason = ?, finished_at = ?, lock_expires_ms = NULL WHERE job_id = ? AND state = ?`,
		domain.JobStateStalled, "job stalled more than allowable limit", time.Now(), jobID, domain.JobStateActive)
}

func (s *SQLiteStore) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// execOne runs an update that must touch exactly one participant row.
func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	ok, err := s.execAffected(ctx, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
