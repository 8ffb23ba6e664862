package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-presence-api/internal/dto"
	"github.com/noah-isme/sma-presence-api/internal/middleware"
	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/internal/service"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
	"github.com/noah-isme/sma-presence-api/pkg/response"
)

type sessionService interface {
	Transition(ctx context.Context, req service.TransitionRequest) (*service.TransitionResult, error)
	List(ctx context.Context, req service.SessionListRequest) ([]models.SessionRecord, error)
	Today(ctx context.Context, subjectID, rawDate string) ([]models.DailySession, error)
}

// SessionHandler exposes the session ledger.
type SessionHandler struct {
	service sessionService
}

// NewSessionHandler builds a session handler.
func NewSessionHandler(service sessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

// Transition godoc
// @Summary Start or finish a session
// @Description Gated on the device location being inside an active zone.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body dto.TransitionRequest true "Transition payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope "OUT_OF_RANGE or FORBIDDEN"
// @Failure 409 {object} response.Envelope "ALREADY_STARTED or INVALID_TRANSITION"
// @Failure 412 {object} response.Envelope "ZERO_ZONES_CONFIGURED"
// @Failure 422 {object} response.Envelope "LOCATION_UNAVAILABLE"
// @Router /sessions/transitions [post]
func (h *SessionHandler) Transition(c *gin.Context) {
	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transition payload"))
		return
	}
	result, err := h.service.Transition(c.Request.Context(), service.TransitionRequest{
		OccurrenceID: req.OccurrenceID,
		SubjectID:    req.SubjectID,
		Date:         req.Date,
		Action:       req.Action,
		Status:       req.Status,
		Reason:       req.Reason,
		Location:     service.ClientLocation(req.Location),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// List godoc
// @Summary List a subject's session records
// @Tags Sessions
// @Produce json
// @Param subject_id query string true "Subject ID"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	var query dto.SessionListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	records, err := h.service.List(c.Request.Context(), service.SessionListRequest{
		SubjectID: query.SubjectID,
		From:      query.From,
		To:        query.To,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "count", len(records))
	response.JSON(c, http.StatusOK, records, nil, middleware.ExtractMeta(c))
}

// Today godoc
// @Summary A subject's scheduled sessions for one day
// @Tags Sessions
// @Produce json
// @Param subject_id query string true "Subject ID"
// @Param date query string false "Date (YYYY-MM-DD), defaults to today"
// @Success 200 {object} response.Envelope
// @Router /sessions/today [get]
func (h *SessionHandler) Today(c *gin.Context) {
	var query dto.TodayQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	sessions, err := h.service.Today(c.Request.Context(), query.SubjectID, query.Date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions, nil)
}
