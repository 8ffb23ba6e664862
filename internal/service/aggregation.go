package service

import (
	"sort"
	"time"

	"github.com/noah-isme/sma-presence-api/internal/models"
)

// LateCutoff is the local time of day after which a present session counts as
// late. A session started exactly at the cutoff is on time.
const LateCutoff = 8 * time.Hour

// Percentage returns matching/total*100 rounded half up. A zero total yields 0.
func Percentage(matching, total int) int {
	if total <= 0 || matching <= 0 {
		return 0
	}
	return (matching*200 + total) / (2 * total)
}

// IsLate reports whether the wall-clock time of startedAt in loc is strictly
// after LateCutoff.
func IsLate(startedAt time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := startedAt.In(loc)
	wall := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return wall > LateCutoff
}

// NetScore sums merit magnitudes and demerit magnitudes over entries.
func NetScore(entries []models.PointEntry) (merit, demerit, net int) {
	for _, entry := range entries {
		switch entry.Category {
		case models.PointCategoryMerit:
			merit += entry.Magnitude
		case models.PointCategoryDemerit:
			demerit += entry.Magnitude
		}
	}
	return merit, demerit, merit - demerit
}

// Rank orders entities by score descending, keeping input order among equal
// scores. Tied entities share the rank of the first member of their group, so
// scores [10, 30, 30, 5] rank as [3, 1, 1, 4] in input order.
func Rank(entities []models.ScoredEntity) []models.RankedRow {
	rows := make([]models.RankedRow, len(entities))
	for i, entity := range entities {
		rows[i] = models.RankedRow{ID: entity.ID, Score: entity.Score, Index: i}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Score > rows[j].Score
	})
	for i := range rows {
		if i > 0 && rows[i].Score == rows[i-1].Score {
			rows[i].Rank = rows[i-1].Rank
			continue
		}
		rows[i].Rank = i + 1
	}
	return rows
}

// ExpectedKeys lists the ledger keys the occurrences should have produced in
// the window: every matching weekday inside the window and strictly before
// today. An unbounded window yields no expectations.
func ExpectedKeys(occurrences []models.Occurrence, window models.DateWindow, today time.Time) []models.SessionKey {
	if !window.Bounded() || len(occurrences) == 0 {
		return nil
	}
	start := truncateDay(*window.From)
	end := truncateDay(*window.To)
	todayKey := models.DateKey(today)

	var keys []models.SessionKey
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		dayKey := models.DateKey(day)
		if dayKey >= todayKey {
			break
		}
		for _, occurrence := range occurrences {
			if occurrence.OccursOn(day) {
				keys = append(keys, models.SessionKey{OccurrenceID: occurrence.ID, Date: dayKey})
			}
		}
	}
	return keys
}

// ComputeRate rolls records up over the window. Expected keys without a record
// count as implicit absences. The percentage is present over total.
func ComputeRate(records []models.SessionRecord, expected []models.SessionKey, window models.DateWindow, loc *time.Location) models.RateReport {
	report := models.RateReport{From: window.From, To: window.To}
	seen := make(map[models.SessionKey]struct{}, len(records))

	for _, record := range records {
		if !window.Contains(record.SessionDate) {
			continue
		}
		key := record.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		report.Total++
		switch record.Status {
		case models.SessionStatusPresent:
			report.Present++
			if record.StartedAt != nil && IsLate(*record.StartedAt, loc) {
				report.Late++
			}
		case models.SessionStatusExcused:
			report.Excused++
		case models.SessionStatusSick:
			report.Sick++
		case models.SessionStatusAbsent:
			report.Absent++
		}
	}

	for _, key := range expected {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		report.Total++
		report.Absent++
	}

	report.Percentage = Percentage(report.Present, report.Total)
	return report
}

// RecentSessions returns up to limit records, newest session date first.
func RecentSessions(records []models.SessionRecord, limit int) []models.SessionRecord {
	if limit <= 0 || len(records) == 0 {
		return nil
	}
	sorted := append([]models.SessionRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].SessionDate.Equal(sorted[j].SessionDate) {
			return sorted[i].SessionDate.After(sorted[j].SessionDate)
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// RecentPoints returns up to limit entries, newest entry date first.
func RecentPoints(entries []models.PointEntry, limit int) []models.PointEntry {
	if limit <= 0 || len(entries) == 0 {
		return nil
	}
	sorted := append([]models.PointEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].EntryDate.Equal(sorted[j].EntryDate) {
			return sorted[i].EntryDate.After(sorted[j].EntryDate)
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
