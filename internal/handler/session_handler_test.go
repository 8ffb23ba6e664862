package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/internal/service"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
)

type sessionServiceMock struct {
	lastTransition service.TransitionRequest
	lastList       service.SessionListRequest
	transitionErr  error
	located        *models.Coordinate
	locateErr      error
}

func (m *sessionServiceMock) Transition(ctx context.Context, req service.TransitionRequest) (*service.TransitionResult, error) {
	m.lastTransition = req
	m.located, m.locateErr = req.Location.Locate(ctx)
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}
	return &service.TransitionResult{Record: &models.SessionRecord{ID: "rec-1", OccurrenceID: req.OccurrenceID, Status: models.SessionStatusPresent}}, nil
}

func (m *sessionServiceMock) List(_ context.Context, req service.SessionListRequest) ([]models.SessionRecord, error) {
	m.lastList = req
	return []models.SessionRecord{{ID: "rec-1"}, {ID: "rec-2"}}, nil
}

func (m *sessionServiceMock) Today(_ context.Context, subjectID, rawDate string) ([]models.DailySession, error) {
	if subjectID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}
	return []models.DailySession{{Occurrence: models.Occurrence{ID: "occ-1"}, CanStart: true}}, nil
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSessionHandlerTransition(t *testing.T) {
	mock := &sessionServiceMock{}
	h := NewSessionHandler(mock)

	payload := []byte(`{"occurrence_id":"occ-1","subject_id":"t-1","action":"start","location":{"latitude":-6.2,"longitude":106.8}}`)
	c, w := newGinContext(http.MethodPost, "/sessions/transitions", payload)
	h.Transition(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "occ-1", mock.lastTransition.OccurrenceID)
	require.NoError(t, mock.locateErr)
	assert.Equal(t, -6.2, mock.located.Latitude)
}

func TestSessionHandlerTransitionWithoutLocation(t *testing.T) {
	mock := &sessionServiceMock{transitionErr: appErrors.ErrLocationUnavailable}
	h := NewSessionHandler(mock)

	c, w := newGinContext(http.MethodPost, "/sessions/transitions", []byte(`{"occurrence_id":"occ-1","subject_id":"t-1","action":"start"}`))
	h.Transition(c)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.ErrorIs(t, mock.locateErr, service.ErrNoFix)
	body := decodeEnvelope(t, w)
	assert.Equal(t, "LOCATION_UNAVAILABLE", body["error"].(map[string]interface{})["code"])
}

func TestSessionHandlerTransitionOutOfRangeDetails(t *testing.T) {
	mock := &sessionServiceMock{transitionErr: appErrors.ErrOutOfRange.WithDetails(map[string]interface{}{"nearest_zone": "Main Campus", "distance_meters": 1112})}
	h := NewSessionHandler(mock)

	c, w := newGinContext(http.MethodPost, "/sessions/transitions", []byte(`{"occurrence_id":"occ-1","subject_id":"t-1","action":"finish","location":{"latitude":-6.21,"longitude":106.8}}`))
	h.Transition(c)

	require.Equal(t, http.StatusForbidden, w.Code)
	details := decodeEnvelope(t, w)["error"].(map[string]interface{})["details"].(map[string]interface{})
	assert.Equal(t, "Main Campus", details["nearest_zone"])
}

func TestSessionHandlerTransitionInvalidBody(t *testing.T) {
	h := NewSessionHandler(&sessionServiceMock{})
	c, w := newGinContext(http.MethodPost, "/sessions/transitions", []byte(`{"action":"start"}`))
	h.Transition(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionHandlerList(t *testing.T) {
	mock := &sessionServiceMock{}
	h := NewSessionHandler(mock)

	c, w := newGinContext(http.MethodGet, "/sessions?subject_id=t-1&from=2024-05-01&to=2024-05-31", nil)
	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.SessionListRequest{SubjectID: "t-1", From: "2024-05-01", To: "2024-05-31"}, mock.lastList)
	assert.Equal(t, float64(2), decodeEnvelope(t, w)["meta"].(map[string]interface{})["count"])
}

func TestSessionHandlerToday(t *testing.T) {
	h := NewSessionHandler(&sessionServiceMock{})

	c, w := newGinContext(http.MethodGet, "/sessions/today?subject_id=t-1", nil)
	h.Today(c)
	assert.Equal(t, http.StatusOK, w.Code)

	c, w = newGinContext(http.MethodGet, "/sessions/today", nil)
	h.Today(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
