package v1

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/trustgame/internal/adapter/oracle"
	"github.com/xiaot623/trustgame/internal/belief"
	"github.com/xiaot623/trustgame/internal/config"
	"github.com/xiaot623/trustgame/internal/gameinit"
	"github.com/xiaot623/trustgame/internal/queue"
	"github.com/xiaot623/trustgame/internal/service"
	"github.com/xiaot623/trustgame/internal/session"
	"github.com/xiaot623/trustgame/internal/tracker"
	"github.com/xiaot623/trustgame/policy"
	"github.com/xiaot623/trustgame/tests/helpers"
)

// constantOracle always transfers amount.
type constantOracle struct {
	amount int
}

func (o constantOracle) ComputeAction(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	return &oracle.Response{Action: o.amount}, nil
}

func newTestHandler(t *testing.T, amount int) (*Handler, *session.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := helpers.NewTestSQLiteStore(t)
	sessions := session.NewRegistry()
	q := queue.New(db, queue.Options{PollInterval: 10 * time.Millisecond}, logger)
	tr := tracker.New(q, sessions, nil, logger)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	cfg := &config.Config{Horizon: 5, K: 3, InvestorEndowment: 10, InvesteeEndowment: 5, UnitToDollarRatio: 0.1, LookAhead: 4, ComprehensionLimit: 2}
	gen := gameinit.New(gameinit.Params{Horizon: 5, K: 3, InvestorEndowment: 10, InvesteeEndowment: 5, UnitToDollarRatio: 0.1, LookAhead: 4}, nil)
	svc := service.New(db, sessions, tr, belief.NewSQLiteCache(db), constantOracle{amount: amount}, engine, gen, cfg, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); q.Run(ctx, svc) }()
	go func() { defer wg.Done(); tr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return NewHandler(svc, logger), sessions
}

func newContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}
