// Package service implements the trust game use-cases behind the HTTP
// surface and the worker body that runs each oracle job.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaot623/trustgame/internal/adapter/oracle"
	"github.com/xiaot623/trustgame/internal/belief"
	"github.com/xiaot623/trustgame/internal/config"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/gameinit"
	store "github.com/xiaot623/trustgame/internal/repository"
	"github.com/xiaot623/trustgame/internal/session"
	"github.com/xiaot623/trustgame/internal/tracker"
	"github.com/xiaot623/trustgame/policy"
)

// OracleObserver is notified of every oracle call.
type OracleObserver interface {
	ObserveOracle(kind domain.JobKind, err error, elapsed time.Duration)
}

// Service holds the dependencies of every use-case.
type Service struct {
	store        store.Store
	sessions     *session.Registry
	tracker      *tracker.Tracker
	beliefs      belief.Cache
	oracle       oracle.Oracle
	policyEngine *policy.Engine
	generator    *gameinit.Generator
	config       *config.Config
	logger       *slog.Logger

	oracleObserver OracleObserver
	now            func() time.Time
}

func New(
	st store.Store,
	sessions *session.Registry,
	tr *tracker.Tracker,
	beliefs belief.Cache,
	orc oracle.Oracle,
	policyEngine *policy.Engine,
	generator *gameinit.Generator,
	cfg *config.Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:        st,
		sessions:     sessions,
		tracker:      tr,
		beliefs:      beliefs,
		oracle:       orc,
		policyEngine: policyEngine,
		generator:    generator,
		config:       cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// SetOracleObserver installs obs to receive oracle call timings.
func (s *Service) SetOracleObserver(obs OracleObserver) {
	s.oracleObserver = obs
}

// Ping checks the durable store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ActiveSessions returns the number of sessions in play.
func (s *Service) ActiveSessions() int {
	return s.sessions.Len()
}
