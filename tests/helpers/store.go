package helpers

import (
	"testing"
	"time"

	"github.com/xiaot623/trustgame/internal/domain"
	store "github.com/xiaot623/trustgame/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewInvestorSession returns a session where the participant invests
// against the default endowments used across tests.
func NewInvestorSession(userID string, horizon int) *domain.GameSession {
	return newSession(userID, domain.RoleInvestor, horizon)
}

// NewInvesteeSession returns a session where the participant returns.
func NewInvesteeSession(userID string, horizon int) *domain.GameSession {
	return newSession(userID, domain.RoleInvestee, horizon)
}

func newSession(userID string, role domain.Role, horizon int) *domain.GameSession {
	return &domain.GameSession{
		UserID: userID,
		Setup: domain.Setup{
			K:                 3,
			UnitToDollarRatio: 0.1,
			Horizon:           horizon,
			HorizonDisclosed:  true,
			Role:              role,
			Endowments:        domain.Endowments{Investor: 10, Investee: 5},
		},
		BotParams: domain.BotParams{
			GoalCoeffs: []float64{0.5, 0.5},
			MetaParams: domain.MetaParams{Alpha: 1000, DiscountFactor: 0.8, LookAhead: 2},
		},
		BotState: domain.BotState{
			IsInvestee: role == domain.RoleInvestor,
			Belief:     []float64{1, 1},
			Trust:      0.5,
		},
		Status:   domain.StatusGotSetup,
		GotSetup: time.Now(),
	}
}
