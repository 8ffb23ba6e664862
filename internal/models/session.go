package models

import (
	"strings"
	"time"
)

// SessionStatus is the attendance state of a session record.
type SessionStatus string

const (
	SessionStatusPresent SessionStatus = "present"
	SessionStatusExcused SessionStatus = "excused"
	SessionStatusSick    SessionStatus = "sick"
	// SessionStatusAbsent is never written by the ledger; reports derive it
	// from missing records.
	SessionStatusAbsent SessionStatus = "absent"
)

// ParseSessionStatus normalises user input into a status.
func ParseSessionStatus(raw string) SessionStatus {
	return SessionStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// Startable reports whether a Start transition may request the status.
func (s SessionStatus) Startable() bool {
	switch s {
	case SessionStatusPresent, SessionStatusExcused, SessionStatusSick:
		return true
	default:
		return false
	}
}

// RequiresNote reports whether the status must carry a reason.
func (s SessionStatus) RequiresNote() bool {
	return s == SessionStatusExcused || s == SessionStatusSick
}

// SessionAction is a ledger transition request.
type SessionAction string

const (
	SessionActionStart  SessionAction = "start"
	SessionActionFinish SessionAction = "finish"
)

// SessionRecord is the attendance state for one occurrence on one date.
// Key: (OccurrenceID, SessionDate).
type SessionRecord struct {
	ID           string        `db:"id" json:"id"`
	OccurrenceID string        `db:"occurrence_id" json:"occurrence_id"`
	SubjectID    string        `db:"subject_id" json:"subject_id"`
	SessionDate  time.Time     `db:"session_date" json:"session_date"`
	Status       SessionStatus `db:"status" json:"status"`
	StartedAt    *time.Time    `db:"started_at" json:"started_at,omitempty"`
	EndedAt      *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	Note         *string       `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// Open reports whether the record is a started, unfinished present session.
func (r SessionRecord) Open() bool {
	return r.Status == SessionStatusPresent && r.StartedAt != nil && r.EndedAt == nil
}

// Key returns the ledger key of the record.
func (r SessionRecord) Key() SessionKey {
	return SessionKey{OccurrenceID: r.OccurrenceID, Date: DateKey(r.SessionDate)}
}

// SessionKey identifies a record by occurrence and calendar date (YYYY-MM-DD).
type SessionKey struct {
	OccurrenceID string
	Date         string
}

// String renders the key for locking and logging.
func (k SessionKey) String() string {
	return k.OccurrenceID + "|" + k.Date
}

// SessionFilter scopes record listings.
type SessionFilter struct {
	SubjectID    string
	OccurrenceID string
	DateFrom     *time.Time
	DateTo       *time.Time
}

// DailySession pairs an occurrence with its record for a given date.
type DailySession struct {
	Occurrence Occurrence     `json:"occurrence"`
	Record     *SessionRecord `json:"record,omitempty"`
	CanStart   bool           `json:"can_start"`
	CanFinish  bool           `json:"can_finish"`
}

// DateKey formats a calendar date as YYYY-MM-DD without timezone conversion.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
