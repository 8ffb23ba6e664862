package models

import "time"

// Subject is a person who owns sessions or receives points.
type Subject struct {
	ID       string  `db:"id" json:"id"`
	FullName string  `db:"full_name" json:"full_name"`
	GroupID  *string `db:"group_id" json:"group_id,omitempty"`
}

// Occurrence is a weekly recurring activity slot owned by a responsible subject.
// Weekday follows time.Weekday (0 = Sunday).
type Occurrence struct {
	ID           string       `db:"id" json:"id"`
	SubjectID    string       `db:"subject_id" json:"subject_id"`
	ActivityName string       `db:"activity_name" json:"activity_name"`
	GroupID      *string      `db:"group_id" json:"group_id,omitempty"`
	Weekday      time.Weekday `db:"weekday" json:"weekday"`
	StartsAt     string       `db:"starts_at" json:"starts_at"`
	EndsAt       string       `db:"ends_at" json:"ends_at"`
}

// OccursOn reports whether the occurrence is scheduled on the calendar date.
func (o Occurrence) OccursOn(date time.Time) bool {
	return date.Weekday() == o.Weekday
}
