package models

import "time"

// DateWindow is an inclusive calendar-date range. A nil bound is open.
type DateWindow struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether the calendar date of t falls inside the window.
func (w DateWindow) Contains(t time.Time) bool {
	day := DateKey(t)
	if w.From != nil && day < DateKey(*w.From) {
		return false
	}
	if w.To != nil && day > DateKey(*w.To) {
		return false
	}
	return true
}

// Bounded reports whether both ends of the window are set.
func (w DateWindow) Bounded() bool {
	return w.From != nil && w.To != nil
}

// RateReport is a session rollup for one subject over a window.
type RateReport struct {
	SubjectID  string          `json:"subject_id,omitempty"`
	From       *time.Time      `json:"from,omitempty"`
	To         *time.Time      `json:"to,omitempty"`
	Total      int             `json:"total"`
	Present    int             `json:"present"`
	Excused    int             `json:"excused"`
	Sick       int             `json:"sick"`
	Absent     int             `json:"absent"`
	Late       int             `json:"late"`
	Percentage int             `json:"percentage"`
	Recent     []SessionRecord `json:"recent,omitempty"`
}

// ScoredEntity is the input to ranking.
type ScoredEntity struct {
	ID    string
	Score int
}

// RankedRow is a ranking result. Index points back into the ranked input.
type RankedRow struct {
	ID    string
	Score int
	Rank  int
	Index int
}

// SessionRankingRow is one subject in the session attendance ranking.
type SessionRankingRow struct {
	Rank        int    `json:"rank"`
	SubjectID   string `json:"subject_id"`
	SubjectName string `json:"subject_name"`
	Total       int    `json:"total"`
	Present     int    `json:"present"`
	Excused     int    `json:"excused"`
	Sick        int    `json:"sick"`
	Absent      int    `json:"absent"`
	Late        int    `json:"late"`
	Percentage  int    `json:"percentage"`
}

// PointRankingRow is one subject in the merit/demerit ranking.
type PointRankingRow struct {
	Rank        int          `json:"rank"`
	SubjectID   string       `json:"subject_id"`
	SubjectName string       `json:"subject_name"`
	Merit       int          `json:"merit"`
	Demerit     int          `json:"demerit"`
	Net         int          `json:"net"`
	Recent      []PointEntry `json:"recent,omitempty"`
}

// PointSummary aggregates one subject's points.
type PointSummary struct {
	SubjectID string       `json:"subject_id"`
	Merit     int          `json:"merit"`
	Demerit   int          `json:"demerit"`
	Net       int          `json:"net"`
	Entries   int          `json:"entries"`
	Recent    []PointEntry `json:"recent,omitempty"`
}

// SessionSnapshot is the consistent read used by session rollups.
type SessionSnapshot struct {
	Subjects    []Subject
	Occurrences []Occurrence
	Records     []SessionRecord
}

// PointSnapshot is the consistent read used by point rollups.
type PointSnapshot struct {
	Subjects []Subject
	Entries  []PointEntry
}
