package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/trustgame/internal/adapter/oracle"
	"github.com/xiaot623/trustgame/internal/belief"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/queue"
)

var _ queue.Processor = (*Service)(nil)

// Process runs one oracle job: it loads the user's cached belief, asks the
// oracle for the bot's transfer, replaces the cached belief with the
// oracle's and returns the transfer as the job result.
func (s *Service) Process(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var payload domain.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed job payload: %w", err)
	}

	cached, err := s.beliefs.Load(ctx, job.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load belief: %w", err)
	}
	req, err := oracle.NewRequest(job.Kind, &payload, cached)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.oracle.ComputeAction(ctx, req)
	if s.oracleObserver != nil {
		s.oracleObserver.ObserveOracle(job.Kind, err, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	if err := s.checkTransfer(ctx, "Bot transfer", resp.Action, req.Limit()); err != nil {
		return nil, err
	}

	if resp.Belief != nil {
		if err := s.saveBelief(ctx, job, resp.Belief); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("oracle decided", "job_id", job.ID, "user_id", job.UserID, "kind", job.Kind,
		"action", resp.Action, "took", time.Since(start))
	return json.Marshal(domain.TransferResult{Amount: resp.Action})
}

// saveBelief stores the oracle's belief while the user's session is live. A
// session closed while the oracle ran has already dropped its belief, so the
// save is skipped, or undone if the close landed during it.
func (s *Service) saveBelief(ctx context.Context, job *domain.Job, b belief.Belief) error {
	if !s.sessionLive(job.UserID) {
		s.logger.Debug("session closed, belief discarded", "job_id", job.ID, "user_id", job.UserID)
		return nil
	}
	if err := s.beliefs.Save(ctx, job.UserID, b); err != nil {
		return fmt.Errorf("failed to save belief: %w", err)
	}
	if !s.sessionLive(job.UserID) {
		if err := s.beliefs.Delete(ctx, job.UserID); err != nil {
			s.logger.Warn("failed to drop cached belief", "user_id", job.UserID, "error", err)
		}
	}
	return nil
}

func (s *Service) sessionLive(userID string) bool {
	_, err := s.sessions.Get(userID)
	return err == nil
}
