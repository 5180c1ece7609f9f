package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/gameinit"
	"github.com/xiaot623/trustgame/policy"
)

// MaxPollWait caps how long a status poll may wait for its job.
const MaxPollWait = 10 * time.Second

// Invest submits an investor's investment and returns the id of the job
// computing the bot's return. A repeated submission before the return is
// known yields the same id.
func (s *Service) Invest(ctx context.Context, userID string, amount, took int) (string, error) {
	sess, err := s.sessions.Get(userID)
	if err != nil {
		return "", err
	}
	if sess.Setup.Role != domain.RoleInvestor {
		return "", fmt.Errorf("%w: user %s plays the %s and cannot invest", domain.ErrValidation, userID, sess.Setup.Role)
	}
	if err := s.checkTransfer(ctx, "Invested amount", amount, sess.Setup.InvestLimit()); err != nil {
		return "", err
	}
	return s.tracker.SubmitInvestment(ctx, userID, amount, took)
}

// PollInvest reports the bot's return for an investor's job. With a
// positive wait it first blocks until the job settles or wait elapses.
func (s *Service) PollInvest(ctx context.Context, jobID, userID string, wait time.Duration) (*domain.InvestPollResponse, error) {
	status, err := s.poll(ctx, jobID, userID, wait)
	if err != nil {
		return nil, err
	}
	finished, err := s.sessions.IsFinished(userID)
	if err != nil {
		return nil, err
	}
	return &domain.InvestPollResponse{
		ID:     status.ID,
		State:  status.State,
		Reason: status.Reason,
		Ready:  status.Ready,
		Result: domain.InvestPollResult{Finished: finished, Amount: status.Amount},
		Error:  status.Error,
	}, nil
}

// Query asks the bot to invest and returns the id of the job computing the
// investment.
func (s *Service) Query(ctx context.Context, userID string) (string, error) {
	sess, err := s.sessions.Get(userID)
	if err != nil {
		return "", err
	}
	if sess.Setup.Role != domain.RoleInvestee {
		return "", fmt.Errorf("%w: user %s plays the %s and cannot query an investment", domain.ErrValidation, userID, sess.Setup.Role)
	}
	return s.tracker.RequestInvestment(ctx, userID)
}

// PollQuery reports the bot's investment for an investee's job.
func (s *Service) PollQuery(ctx context.Context, jobID, userID string, wait time.Duration) (*domain.QueryPollResponse, error) {
	status, err := s.poll(ctx, jobID, userID, wait)
	if err != nil {
		return nil, err
	}
	return &domain.QueryPollResponse{
		ID:     status.ID,
		State:  status.State,
		Reason: status.Reason,
		Ready:  status.Ready,
		Result: domain.QueryPollResult{Amount: status.Amount},
		Error:  status.Error,
	}, nil
}

func (s *Service) poll(ctx context.Context, jobID, userID string, wait time.Duration) (*domain.JobStatus, error) {
	if _, err := s.sessions.Get(userID); err != nil {
		return nil, err
	}
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, min(wait, MaxPollWait))
		err := s.tracker.Wait(waitCtx, jobID)
		cancel()
		if errors.Is(err, domain.ErrUnknownJob) {
			return nil, err
		}
	}
	return s.tracker.Poll(ctx, jobID, userID)
}

// Return records an investee's return. If the bot's investment is pending
// the round is appended; otherwise the call only reports progress.
func (s *Service) Return(ctx context.Context, req *domain.ReturnRequest) (*domain.FinishedResponse, error) {
	if req.Returned == nil {
		return nil, fmt.Errorf("%w: Returned amount must be given", domain.ErrValidation)
	}
	sess, err := s.sessions.Get(req.UserID)
	if err != nil {
		return nil, err
	}
	if sess.Setup.Role != domain.RoleInvestee {
		return nil, fmt.Errorf("%w: user %s plays the %s and cannot return", domain.ErrValidation, req.UserID, sess.Setup.Role)
	}

	pending, ok := s.tracker.PendingResult(req.UserID)
	if !ok {
		s.logger.Warn("return without a pending investment ignored", "user_id", req.UserID)
		return &domain.FinishedResponse{Finished: sess.Finished()}, nil
	}
	if err := s.checkTransfer(ctx, "Returned amount", *req.Returned, sess.Setup.ReturnLimit(pending.Amount)); err != nil {
		return nil, err
	}

	finished, err := s.tracker.RecordReturn(req.UserID, *req.Returned, req.Time)
	if errors.Is(err, domain.ErrNoPendingTransfer) {
		return &domain.FinishedResponse{Finished: sess.Finished()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.FinishedResponse{Finished: finished}, nil
}

// Submit stores the final game data of the participant and closes the
// session.
func (s *Service) Submit(ctx context.Context, userID string, req *domain.SubmitRequest) error {
	sess, err := s.sessions.Get(userID)
	if err != nil {
		return err
	}

	sub := &domain.Submission{
		History:           sess.History,
		Feedback:          req.Feedback,
		PostQuestionnaire: req.Answers,
		Earned:            domain.ComputeEarnings(sess.History, sess.Setup),
		RequestToken:      gameinit.RequestToken(),
		FinishedAt:        s.now(),
	}
	if err := s.store.SubmitParticipant(ctx, userID, sub); err != nil {
		return fmt.Errorf("failed to save interaction data for user %s: %w", userID, err)
	}

	s.logger.Info("participant submitted", "user_id", userID, "rounds", len(sess.History),
		"earned_investor", sub.Earned.Investor, "earned_investee", sub.Earned.Investee)
	s.closeSession(ctx, userID)
	return nil
}

// Offload abandons the participant's session. It fails with ErrUnknownUser
// if there is none.
func (s *Service) Offload(ctx context.Context, userID string) error {
	if _, err := s.sessions.Get(userID); err != nil {
		return err
	}
	s.closeSession(ctx, userID)
	s.logger.Info("session offloaded", "user_id", userID)
	return nil
}

func (s *Service) closeSession(ctx context.Context, userID string) {
	s.sessions.Delete(userID)
	s.tracker.Forget(userID)
	if err := s.beliefs.Delete(ctx, userID); err != nil {
		s.logger.Warn("failed to drop cached belief", "user_id", userID, "error", err)
	}
}

func (s *Service) checkTransfer(ctx context.Context, what string, amount, limit int) error {
	decision, err := s.policyEngine.TransferDecision(ctx, amount, limit)
	if err != nil {
		return err
	}
	switch decision {
	case policy.DecisionAllow:
		return nil
	case policy.DecisionAmountNegative:
		return fmt.Errorf("%w: %s must not be negative", domain.ErrValidation, what)
	case policy.DecisionAmountTooLarge:
		return fmt.Errorf("%w: %s must be at most %d", domain.ErrValidation, what, limit)
	}
	return fmt.Errorf("%w: %s rejected (%s)", domain.ErrValidation, what, decision)
}
