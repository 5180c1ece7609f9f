package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/gameinit"
)

const userIDLength = 10

// Register validates the pre-game answers, assigns a condition and opens a
// game session. The participant record is persisted before the session is
// created.
func (s *Service) Register(ctx context.Context, body json.RawMessage) (*domain.RegistrationResponse, error) {
	var input interface{}
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, fmt.Errorf("%w: Body of the request not as expected: %v", domain.ErrValidation, err)
	}
	violations, err := s.policyEngine.RegistrationViolations(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, fmt.Errorf("%w: Body of the request not as expected: %s", domain.ErrValidation, strings.Join(violations, "; "))
	}

	var req domain.RegistrationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: Body of the request not as expected: %v", domain.ErrValidation, err)
	}

	userID, err := s.newUserID(ctx)
	if err != nil {
		return nil, err
	}
	init := s.generator.Init(*req.Questionnaire)
	now := s.now()

	questionnaire, err := json.Marshal(req.Questionnaire)
	if err != nil {
		return nil, err
	}
	demographic, err := json.Marshal(req.Demographic)
	if err != nil {
		return nil, err
	}
	participant := &domain.Participant{
		UserID:        userID,
		Condition:     init.Condition,
		BotSetup:      init.Bot,
		GameSetup:     init.Setup,
		Questionnaire: questionnaire,
		TimeSeries:    req.TimeSeries,
		Demographic:   demographic,
		Status:        domain.StatusGotSetup,
		GotSetupAt:    now,
	}
	if err := s.store.CreateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to save participant %s: %w", userID, err)
	}

	err = s.sessions.Create(&domain.GameSession{
		UserID:    userID,
		Setup:     init.Setup,
		BotParams: init.Bot.Params,
		BotState:  init.Bot.InitialState,
		Status:    domain.StatusGotSetup,
		GotSetup:  now,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("participant registered",
		"user_id", userID,
		"role", init.Condition.Role,
		"bot", gameinit.BotType(init.Condition.BotCoeffs),
		"belief", init.Bot.InitialState.Belief,
		"trust", init.Bot.InitialState.Trust)

	return &domain.RegistrationResponse{UserID: userID, Setup: init.Setup.Public()}, nil
}

func (s *Service) newUserID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id := s.generator.MakeID(userIDLength)
		if _, err := s.sessions.Get(id); !errors.Is(err, domain.ErrUnknownUser) {
			continue
		}
		existing, err := s.store.GetParticipant(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check user id: %w", err)
		}
		if existing == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique user id")
}

// Comprehension records one attempt at the comprehension check.
func (s *Service) Comprehension(ctx context.Context, userID string, req *domain.ComprehensionRequest) (*domain.ComprehensionResponse, error) {
	sess, err := s.sessions.Get(userID)
	if err != nil {
		return nil, err
	}
	answer, err := gameinit.ComprehensionAnswer(req.Answers)
	if err != nil {
		return nil, err
	}

	now := s.now()
	correct := answer == gameinit.ComprehensionKey
	last := req.Attempts == s.config.ComprehensionLimit
	progress := gameinit.ComprehensionProgress(correct, last)
	bonus := gameinit.ComprehensionBonus(correct, last, now.Sub(sess.GotSetup))

	if err := s.sessions.AdvanceStatus(userID, progress); err != nil {
		return nil, err
	}
	current, err := s.sessions.Get(userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RecordComprehension(ctx, userID, answer, current.Status, bonus, now); err != nil {
		return nil, fmt.Errorf("failed to save comprehension attempt for %s: %w", userID, err)
	}
	return &domain.ComprehensionResponse{Correct: correct, Last: last, Bonus: bonus}, nil
}

// MarkPlayStarted records that the participant started the game.
func (s *Service) MarkPlayStarted(ctx context.Context, userID string) error {
	advanced, err := s.advance(userID, domain.StatusPlayStarted)
	if err != nil || !advanced {
		return err
	}
	if err := s.store.MarkPlayStarted(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("database write failed: %w", err)
	}
	return nil
}

// MarkFinished records that the participant moved on to the post-game
// questionnaire.
func (s *Service) MarkFinished(ctx context.Context, userID string) error {
	advanced, err := s.advance(userID, domain.StatusPostQuestionnaire)
	if err != nil || !advanced {
		return err
	}
	if err := s.store.MarkProceeded(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("database write failed: %w", err)
	}
	return nil
}

// advance moves the session to status and reports whether it moved.
func (s *Service) advance(userID string, status domain.SessionStatus) (bool, error) {
	var advanced bool
	err := s.sessions.Update(userID, func(g *domain.GameSession) error {
		if g.Status.CanAdvanceTo(status) {
			g.Status = status
			advanced = true
		}
		return nil
	})
	if err == nil && !advanced {
		s.logger.Debug("status unchanged", "user_id", userID, "requested", status)
	}
	return advanced, err
}
