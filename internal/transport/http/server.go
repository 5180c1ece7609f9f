// Package http provides the HTTP server of the trust game.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/trustgame/internal/metrics"
	"github.com/xiaot623/trustgame/internal/ratelimit"
	"github.com/xiaot623/trustgame/internal/service"
	v1 "github.com/xiaot623/trustgame/internal/transport/http/v1"
)

// Options configure the server beyond the game routes.
type Options struct {
	// PollRateLimit and PollRateBurst throttle status polls per user. A
	// non-positive value disables throttling.
	PollRateLimit float64
	PollRateBurst int
	// Metrics, if set, is served on /metrics and counts throttled requests.
	Metrics *metrics.Collector
}

// NewServer creates and configures the participant-facing HTTP server.
func NewServer(svc *service.Service, logger *slog.Logger, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	limiter := ratelimit.New(opts.PollRateLimit, opts.PollRateBurst, 10*time.Minute)
	var onReject func()
	if opts.Metrics != nil {
		onReject = opts.Metrics.RateLimited
	}

	h := v1.NewHandler(svc, logger)
	h.RegisterRoutes(e, PerUserRateLimit(limiter, onReject))

	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}

	return e
}

// PerUserRateLimit rejects requests of a user whose bucket in l is empty.
// The user is taken from the userId query parameter.
func PerUserRateLimit(l *ratelimit.KeyedLimiter, onReject func()) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow(c.QueryParam("userId"), time.Now()) {
				if onReject != nil {
					onReject()
				}
				return c.String(http.StatusTooManyRequests, "Too many requests, slow down.")
			}
			return next(c)
		}
	}
}
