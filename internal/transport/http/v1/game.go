package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/service"
)

// Invest handles POST /invest: the investor's transfer for this round.
func (h *Handler) Invest(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	amount, ok, err := intParam(c, "amount")
	if !ok {
		return c.String(http.StatusBadRequest, "Invested amount must be given")
	}
	if err != nil {
		return c.String(http.StatusBadRequest, "Invested amount must be an integer")
	}
	took, _, err := intParam(c, "time")
	if err != nil {
		return c.String(http.StatusBadRequest, "Time must be an integer")
	}

	jobID, err := h.service.Invest(c.Request().Context(), id, amount, took)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, domain.JobResponse{ID: jobID})
}

// PollInvest handles GET /invest/:jobId.
func (h *Handler) PollInvest(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	wait, err := waitParam(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "wait_ms must be an integer")
	}
	resp, err := h.service.PollInvest(c.Request().Context(), c.Param("jobId"), id, wait)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Query handles GET /query: the investee asks for the bot's investment.
func (h *Handler) Query(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	jobID, err := h.service.Query(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, domain.JobResponse{ID: jobID})
}

// PollQuery handles GET /query/:jobId.
func (h *Handler) PollQuery(c echo.Context) error {
	id, ok := userID(c)
	if !ok {
		return missingUser(c)
	}
	wait, err := waitParam(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "wait_ms must be an integer")
	}
	resp, err := h.service.PollQuery(c.Request().Context(), c.Param("jobId"), id, wait)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Return handles POST /return: the investee's transfer back.
func (h *Handler) Return(c echo.Context) error {
	var req domain.ReturnRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "Body of the request not as expected")
	}
	if req.UserID == "" {
		return missingUser(c)
	}
	resp, err := h.service.Return(c.Request().Context(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func waitParam(c echo.Context) (time.Duration, error) {
	ms, ok, err := intParam(c, "wait_ms")
	if !ok || err != nil || ms <= 0 {
		return 0, err
	}
	return min(time.Duration(ms)*time.Millisecond, service.MaxPollWait), nil
}
