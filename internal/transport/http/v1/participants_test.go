package v1

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/tests/helpers"
)

const registrationBody = `{
	"questionnaire": {"moneyRequest": 15, "lottery1": 1, "lottery2": 1, "lottery3": 0, "trust": 4, "altruism": 2},
	"demographic": {"age": 2, "gender": 1, "education": 3, "robot": 1}
}`

func register(t *testing.T, e *echo.Echo, handler *Handler) string {
	t.Helper()
	c, rec := newContext(e, http.MethodPost, "/new", registrationBody)
	require.NoError(t, handler.Register(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.UserID
}

func TestRegister(t *testing.T) {
	e := echo.New()
	handler, sessions := newTestHandler(t, 0)

	t.Run("Valid Answers", func(t *testing.T) {
		id := register(t, e, handler)
		_, err := sessions.Get(id)
		assert.NoError(t, err)
	})

	t.Run("Invalid Answers", func(t *testing.T) {
		c, rec := newContext(e, http.MethodPost, "/new", `{"questionnaire": {"trust": 9}}`)
		require.NoError(t, handler.Register(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Body.String(), "Body of the request not as expected"), rec.Body.String())
	})
}

func TestComprehension(t *testing.T) {
	e := echo.New()
	handler, _ := newTestHandler(t, 0)
	id := register(t, e, handler)

	c, rec := newContext(e, http.MethodPost, "/comprehension?userId="+id, `{"answers":[6,8,4],"attempts":1}`)
	require.NoError(t, handler.Comprehension(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"correct":true,"last":false,"bonus":1.8}`, rec.Body.String())

	c, rec = newContext(e, http.MethodPost, "/comprehension", `{"answers":[6,8,4],"attempts":1}`)
	require.NoError(t, handler.Comprehension(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleNotifications(t *testing.T) {
	e := echo.New()
	handler, sessions := newTestHandler(t, 0)
	id := register(t, e, handler)

	c, rec := newContext(e, http.MethodPost, "/play?userId="+id, "")
	require.NoError(t, handler.Play(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, rec = newContext(e, http.MethodPost, "/finish?userId="+id, "")
	require.NoError(t, handler.Finish(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	sess, err := sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPostQuestionnaire, sess.Status)

	c, rec = newContext(e, http.MethodPost, "/play?userId=nobody", "")
	require.NoError(t, handler.Play(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User ID unrecognised.", rec.Body.String())
}

func TestSubmit(t *testing.T) {
	e := echo.New()
	handler, sessions := newTestHandler(t, 0)
	id := register(t, e, handler)

	c, rec := newContext(e, http.MethodPost, "/submit?userId="+id, `{"answers":{"fair":3},"feedback":"ok"}`)
	require.NoError(t, handler.Submit(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, sessions.Len())

	c, rec = newContext(e, http.MethodPost, "/submit?userId="+id, `{}`)
	require.NoError(t, handler.Submit(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOffload(t *testing.T) {
	e := echo.New()
	handler, sessions := newTestHandler(t, 0)
	require.NoError(t, sessions.Create(helpers.NewInvestorSession("u1", 5)))

	c, rec := newContext(e, http.MethodDelete, "/offload?userId=u1", "")
	require.NoError(t, handler.Offload(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Offloaded successfully", rec.Body.String())

	c, rec = newContext(e, http.MethodDelete, "/offload?userId=u1", "")
	require.NoError(t, handler.Offload(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User u1 not found", rec.Body.String())
}

func TestHealth(t *testing.T) {
	e := echo.New()
	handler, sessions := newTestHandler(t, 0)
	require.NoError(t, sessions.Create(helpers.NewInvestorSession("u1", 5)))

	c, rec := newContext(e, http.MethodGet, "/health", "")
	require.NoError(t, handler.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","version":"0.1.0","sessions":1}`, rec.Body.String())
}
