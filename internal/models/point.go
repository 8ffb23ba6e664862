package models

import "time"

// PointCategory distinguishes merit from demerit entries.
type PointCategory string

const (
	PointCategoryMerit   PointCategory = "merit"
	PointCategoryDemerit PointCategory = "demerit"
)

// PointEntry is an append-only behavioural score entry. Magnitude is positive;
// the category carries the sign.
type PointEntry struct {
	ID          string        `db:"id" json:"id"`
	SubjectID   string        `db:"subject_id" json:"subject_id"`
	Category    PointCategory `db:"category" json:"category"`
	Magnitude   int           `db:"magnitude" json:"magnitude"`
	Description string        `db:"description" json:"description"`
	EntryDate   time.Time     `db:"entry_date" json:"entry_date"`
	RecordedBy  *string       `db:"recorded_by" json:"recorded_by,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}
