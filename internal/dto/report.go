package dto

import (
	"time"

	"github.com/noah-isme/sma-presence-api/internal/models"
)

// ReportQuery selects a rollup window. Month (YYYY-MM) wins over from/to.
type ReportQuery struct {
	Month   string `form:"month"`
	From    string `form:"from"`
	To      string `form:"to"`
	GroupID string `form:"group_id"`
}

// ExportRequest captures the POST /reports/exports payload.
type ExportRequest struct {
	Kind    string `json:"kind" binding:"required" example:"session_ranking"`
	Format  string `json:"format" binding:"required" example:"csv"`
	Month   string `json:"month,omitempty" example:"2024-05"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// ExportJobResponse exposes export progress metadata.
type ExportJobResponse struct {
	ID         string              `json:"id"`
	Kind       models.ExportKind   `json:"kind"`
	Format     models.ExportFormat `json:"format"`
	Status     models.ExportStatus `json:"status"`
	ResultURL  *string             `json:"result_url,omitempty"`
	Error      *string             `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// NewExportJobResponse maps a stored job to its response. The error is only
// surfaced once the job has failed.
func NewExportJobResponse(job *models.ExportJob) ExportJobResponse {
	resp := ExportJobResponse{
		ID:         job.ID,
		Kind:       job.Kind,
		Format:     job.Format,
		Status:     job.Status,
		ResultURL:  job.ResultURL,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.Status == models.ExportStatusFailed && job.ErrorMessage != nil && *job.ErrorMessage != "" {
		resp.Error = job.ErrorMessage
	}
	return resp
}
