package dto

import "github.com/noah-isme/sma-presence-api/internal/models"

// TransitionRequest is the POST /sessions/transitions payload. Location is the
// device fix; omit it when the device could not obtain one.
type TransitionRequest struct {
	OccurrenceID string             `json:"occurrence_id" binding:"required"`
	SubjectID    string             `json:"subject_id" binding:"required"`
	Date         string             `json:"date,omitempty" example:"2024-05-02"`
	Action       string             `json:"action" binding:"required" example:"start"`
	Status       string             `json:"status,omitempty" example:"present"`
	Reason       *string            `json:"reason,omitempty"`
	Location     *models.Coordinate `json:"location,omitempty"`
}

// SessionListQuery filters GET /sessions.
type SessionListQuery struct {
	SubjectID string `form:"subject_id"`
	From      string `form:"from"`
	To        string `form:"to"`
}

// TodayQuery selects the day for GET /sessions/today.
type TodayQuery struct {
	SubjectID string `form:"subject_id"`
	Date      string `form:"date"`
}
