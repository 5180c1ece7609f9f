// Package v1 provides the HTTP handlers of the trust game API.
package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/service"
)

// genericError is shown for failures that are not the participant's fault.
const genericError = "Sorry, something went wrong on our side. Please try again. If the problem persists, get in touch and we'll approve your assignment."

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the game routes with the echo server. pollLimit
// guards the status poll routes.
func (h *Handler) RegisterRoutes(e *echo.Echo, pollLimit echo.MiddlewareFunc) {
	// Participant lifecycle
	e.POST("/new", h.Register)
	e.POST("/comprehension", h.Comprehension)
	e.POST("/play", h.Play)
	e.POST("/finish", h.Finish)
	e.POST("/submit", h.Submit)
	e.DELETE("/offload", h.Offload)

	// Rounds
	e.POST("/invest", h.Invest)
	e.GET("/invest/:jobId", h.PollInvest, pollLimit)
	e.GET("/query", h.Query)
	e.GET("/query/:jobId", h.PollQuery, pollLimit)
	e.POST("/return", h.Return)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	if err := h.service.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  "0.1.0",
		"sessions": h.service.ActiveSessions(),
	})
}

// fail maps a service error to its HTTP response.
func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return c.String(http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
	case errors.Is(err, domain.ErrUnknownUser):
		return c.String(http.StatusBadRequest, domain.ErrUnknownUser.Error())
	case errors.Is(err, domain.ErrUnknownJob):
		return c.String(http.StatusNotFound, "Job not found.")
	case errors.Is(err, domain.ErrSessionFinished),
		errors.Is(err, domain.ErrSessionFailed),
		errors.Is(err, domain.ErrHorizonExceeded):
		return c.String(http.StatusConflict, err.Error())
	}
	h.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return c.String(http.StatusInternalServerError, genericError)
}

func userID(c echo.Context) (string, bool) {
	id := strings.TrimSpace(c.QueryParam("userId"))
	return id, id != ""
}

// intParam parses an integer query parameter. ok is false if it is missing.
func intParam(c echo.Context, name string) (v int, ok bool, err error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, false, nil
	}
	v, err = strconv.Atoi(raw)
	return v, true, err
}

func missingUser(c echo.Context) error {
	return c.String(http.StatusBadRequest, "User ID must be given")
}
