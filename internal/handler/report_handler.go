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

type reportService interface {
	SessionRanking(ctx context.Context, req service.ReportWindow) ([]models.SessionRankingRow, error)
	SubjectSessions(ctx context.Context, subjectID string, req service.ReportWindow) (*models.RateReport, error)
	PointRanking(ctx context.Context, groupID string, req service.ReportWindow) ([]models.PointRankingRow, error)
	SubjectPoints(ctx context.Context, subjectID string, req service.ReportWindow) (*models.PointSummary, error)
	InvalidatePoints(ctx context.Context) error
}

// ReportHandler exposes attendance and point rollups.
type ReportHandler struct {
	reports reportService
}

// NewReportHandler constructs handler.
func NewReportHandler(reports reportService) *ReportHandler {
	return &ReportHandler{reports: reports}
}

// SessionRanking godoc
// @Summary Session attendance ranking
// @Tags Reports
// @Produce json
// @Param month query string false "Month (YYYY-MM)"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /reports/sessions [get]
func (h *ReportHandler) SessionRanking(c *gin.Context) {
	query, ok := bindReportQuery(c)
	if !ok {
		return
	}
	rows, err := h.reports.SessionRanking(c.Request.Context(), window(query))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "count", len(rows))
	response.JSON(c, http.StatusOK, rows, nil, middleware.ExtractMeta(c))
}

// SubjectSessions godoc
// @Summary One subject's attendance rate
// @Tags Reports
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Param month query string false "Month (YYYY-MM)"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /reports/sessions/{subjectId} [get]
func (h *ReportHandler) SubjectSessions(c *gin.Context) {
	query, ok := bindReportQuery(c)
	if !ok {
		return
	}
	report, err := h.reports.SubjectSessions(c.Request.Context(), c.Param("subjectId"), window(query))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// PointRanking godoc
// @Summary Merit point ranking
// @Tags Reports
// @Produce json
// @Param group_id query string false "Group ID"
// @Param month query string false "Month (YYYY-MM)"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /reports/points/ranking [get]
func (h *ReportHandler) PointRanking(c *gin.Context) {
	query, ok := bindReportQuery(c)
	if !ok {
		return
	}
	rows, err := h.reports.PointRanking(c.Request.Context(), query.GroupID, window(query))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "count", len(rows))
	response.JSON(c, http.StatusOK, rows, nil, middleware.ExtractMeta(c))
}

// SubjectPoints godoc
// @Summary One subject's merit/demerit summary
// @Tags Reports
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Param month query string false "Month (YYYY-MM)"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /reports/points/{subjectId} [get]
func (h *ReportHandler) SubjectPoints(c *gin.Context) {
	query, ok := bindReportQuery(c)
	if !ok {
		return
	}
	summary, err := h.reports.SubjectPoints(c.Request.Context(), c.Param("subjectId"), window(query))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// RefreshPoints godoc
// @Summary Drop cached point rollups after point entries were appended
// @Tags Reports
// @Success 204
// @Router /reports/points/refresh [post]
func (h *ReportHandler) RefreshPoints(c *gin.Context) {
	if err := h.reports.InvalidatePoints(c.Request.Context()); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to refresh point reports"))
		return
	}
	response.NoContent(c)
}

func bindReportQuery(c *gin.Context) (dto.ReportQuery, bool) {
	var query dto.ReportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return query, false
	}
	return query, true
}

func window(query dto.ReportQuery) service.ReportWindow {
	return service.ReportWindow{Month: query.Month, From: query.From, To: query.To}
}
