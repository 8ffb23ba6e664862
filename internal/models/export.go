package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ExportKind selects the dataset rendered by an export.
type ExportKind string

const (
	ExportKindSessionRanking ExportKind = "session_ranking"
	ExportKindPointRanking   ExportKind = "point_ranking"
)

// Valid reports whether the kind is supported.
func (k ExportKind) Valid() bool {
	return k == ExportKindSessionRanking || k == ExportKindPointRanking
}

// ExportFormat is the rendered file type.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportStatus tracks export progress.
type ExportStatus string

const (
	ExportStatusQueued   ExportStatus = "QUEUED"
	ExportStatusRunning  ExportStatus = "RUNNING"
	ExportStatusFinished ExportStatus = "FINISHED"
	ExportStatusFailed   ExportStatus = "FAILED"
)

// ExportParams is persisted as JSON alongside the job.
type ExportParams struct {
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	GroupID string     `json:"group_id,omitempty"`
}

// Window returns the date window encoded in the params.
func (p ExportParams) Window() DateWindow {
	return DateWindow{From: p.From, To: p.To}
}

// Value implements driver.Valuer.
func (p ExportParams) Value() (driver.Value, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal export params: %w", err)
	}
	return payload, nil
}

// Scan implements sql.Scanner.
func (p *ExportParams) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = ExportParams{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported export params type %T", src)
	}
}

// ExportJob is a queued or completed report export.
type ExportJob struct {
	ID           string       `db:"id" json:"id"`
	Kind         ExportKind   `db:"kind" json:"kind"`
	Format       ExportFormat `db:"format" json:"format"`
	Params       ExportParams `db:"params" json:"params"`
	Status       ExportStatus `db:"status" json:"status"`
	ResultURL    *string      `db:"result_url" json:"result_url,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	FinishedAt   *time.Time   `db:"finished_at" json:"finished_at,omitempty"`
}
