package v1

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/trustgame/internal/domain"
)

// Register handles POST /new.
func (h *Handler) Register(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.String(http.StatusBadRequest, "Body of the request not as expected: "+err.Error())
	}
	resp, err := h.service.Register(c.Request().Context(), body)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Comprehension handles POST /comprehension.
func (h *Handler) Comprehension(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	var req domain.ComprehensionRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "Body of the request not as expected")
	}
	resp, err := h.service.Comprehension(c.Request().Context(), id, &req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Play handles POST /play.
func (h *Handler) Play(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	if err := h.service.MarkPlayStarted(c.Request().Context(), id); err != nil {
		return h.lifecycleFailed(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// Finish handles POST /finish.
func (h *Handler) Finish(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	if err := h.service.MarkFinished(c.Request().Context(), id); err != nil {
		return h.lifecycleFailed(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) lifecycleFailed(c echo.Context, err error) error {
	if errors.Is(err, domain.ErrUnknownUser) {
		return h.fail(c, err)
	}
	h.logger.Error("lifecycle update failed", "path", c.Path(), "error", err)
	return c.String(http.StatusInternalServerError, "Database write failed")
}

// Submit handles POST /submit.
func (h *Handler) Submit(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	var req domain.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "Body of the request not as expected")
	}
	err := h.service.Submit(c.Request().Context(), id, &req)
	if errors.Is(err, domain.ErrUnknownUser) {
		return h.fail(c, err)
	}
	if err != nil {
		h.logger.Error("submission failed", "user_id", id, "error", err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// Offload handles DELETE /offload.
func (h *Handler) Offload(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	err := h.service.Offload(c.Request().Context(), id)
	if errors.Is(err, domain.ErrUnknownUser) {
		return c.String(http.StatusNotFound, fmt.Sprintf("User %s not found", id))
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.String(http.StatusOK, "Offloaded successfully")
}
