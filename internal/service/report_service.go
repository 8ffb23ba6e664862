package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/pkg/clock"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
)

type snapshotRepository interface {
	SessionSnapshot(ctx context.Context, subjectID string, window models.DateWindow) (*models.SessionSnapshot, error)
	PointSnapshot(ctx context.Context, groupID, subjectID string, window models.DateWindow) (*models.PointSnapshot, error)
}

const monthLayout = "2006-01"

var (
	sessionReportCachePattern = CacheKey("reports", "sessions") + "*"
	pointReportCachePattern   = CacheKey("reports", "points") + "*"
)

// ReportWindow selects the inclusive date range of a rollup. Month (YYYY-MM)
// wins over From/To.
type ReportWindow struct {
	Month string `form:"month"`
	From  string `form:"from"`
	To    string `form:"to"`
}

// ReportConfig tunes rollups.
type ReportConfig struct {
	Location           *time.Location
	CacheTTL           time.Duration
	RecentLimit        int
	RankingRecentLimit int
}

// ReportService computes attendance rates, point totals and rankings. Each
// rollup reads one snapshot and identical concurrent requests share one
// computation.
type ReportService struct {
	repo    snapshotRepository
	cache   *CacheService
	metrics *MetricsService
	clock   clock.Clock
	cfg     ReportConfig
	logger  *zap.Logger
	group   singleflight.Group

	// bumped on every invalidation so rollups computed before it are not cached
	sessionGen atomic.Uint64
	pointGen   atomic.Uint64
}

// NewReportService constructs the report service.
func NewReportService(repo snapshotRepository, cache *CacheService, metrics *MetricsService, clk clock.Clock, cfg ReportConfig, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 5
	}
	if cfg.RankingRecentLimit <= 0 {
		cfg.RankingRecentLimit = 3
	}
	return &ReportService{repo: repo, cache: cache, metrics: metrics, clock: clk, cfg: cfg, logger: logger}
}

// SessionRanking rates every responsible subject over the window, best first.
// An empty window defaults to the current month.
func (s *ReportService) SessionRanking(ctx context.Context, req ReportWindow) ([]models.SessionRankingRow, error) {
	window, err := s.resolveWindow(req, true)
	if err != nil {
		return nil, err
	}
	today := s.today()
	key := CacheKey("reports", "sessions", "ranking", windowKey(window), models.DateKey(today))

	var rows []models.SessionRankingRow
	err = s.cached(ctx, &s.sessionGen, key, &rows, func() (interface{}, error) {
		snapshot, err := s.sessionSnapshot(ctx, "", window)
		if err != nil {
			return nil, err
		}
		return buildSessionRanking(snapshot, window, today, s.cfg.Location), nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SubjectSessions rates one subject over the window and attaches the most
// recent records.
func (s *ReportService) SubjectSessions(ctx context.Context, subjectID string, req ReportWindow) (*models.RateReport, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}
	window, err := s.resolveWindow(req, true)
	if err != nil {
		return nil, err
	}
	today := s.today()
	key := CacheKey("reports", "sessions", "subject", subjectID, windowKey(window), models.DateKey(today))

	var report models.RateReport
	err = s.cached(ctx, &s.sessionGen, key, &report, func() (interface{}, error) {
		snapshot, err := s.sessionSnapshot(ctx, subjectID, window)
		if err != nil {
			return nil, err
		}
		expected := ExpectedKeys(snapshot.Occurrences, window, today)
		rate := ComputeRate(snapshot.Records, expected, window, s.cfg.Location)
		rate.SubjectID = subjectID
		rate.Recent = RecentSessions(snapshot.Records, s.cfg.RecentLimit)
		return rate, nil
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// PointRanking ranks subjects, optionally within a group, by net score. An
// empty window covers all time.
func (s *ReportService) PointRanking(ctx context.Context, groupID string, req ReportWindow) ([]models.PointRankingRow, error) {
	window, err := s.resolveWindow(req, false)
	if err != nil {
		return nil, err
	}
	key := CacheKey("reports", "points", "ranking", groupID, windowKey(window))

	var rows []models.PointRankingRow
	err = s.cached(ctx, &s.pointGen, key, &rows, func() (interface{}, error) {
		snapshot, err := s.pointSnapshot(ctx, groupID, "", window)
		if err != nil {
			return nil, err
		}
		return buildPointRanking(snapshot, s.cfg.RankingRecentLimit), nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SubjectPoints totals one subject's merits and demerits.
func (s *ReportService) SubjectPoints(ctx context.Context, subjectID string, req ReportWindow) (*models.PointSummary, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}
	window, err := s.resolveWindow(req, false)
	if err != nil {
		return nil, err
	}
	key := CacheKey("reports", "points", "subject", subjectID, windowKey(window))

	var summary models.PointSummary
	err = s.cached(ctx, &s.pointGen, key, &summary, func() (interface{}, error) {
		snapshot, err := s.pointSnapshot(ctx, "", subjectID, window)
		if err != nil {
			return nil, err
		}
		merit, demerit, net := NetScore(snapshot.Entries)
		return models.PointSummary{
			SubjectID: subjectID,
			Merit:     merit,
			Demerit:   demerit,
			Net:       net,
			Entries:   len(snapshot.Entries),
			Recent:    RecentPoints(snapshot.Entries, s.cfg.RecentLimit),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// InvalidateSessions drops cached session rollups, including any rollup still
// being computed from data read before the call.
func (s *ReportService) InvalidateSessions(ctx context.Context) error {
	s.sessionGen.Add(1)
	return s.cache.Invalidate(ctx, sessionReportCachePattern)
}

// InvalidatePoints drops cached point rollups. Point entries are written by
// another system, which calls this after appending.
func (s *ReportService) InvalidatePoints(ctx context.Context) error {
	s.pointGen.Add(1)
	return s.cache.Invalidate(ctx, pointReportCachePattern)
}

// cached serves dest from cache or computes it once per key and generation
// across concurrent callers, then stores the result.
func (s *ReportService) cached(ctx context.Context, gen *atomic.Uint64, key string, dest interface{}, compute func() (interface{}, error)) error {
	if hit, err := s.cache.Get(ctx, key, dest); err == nil && hit {
		return nil
	}

	started := gen.Load()
	value, err, shared := s.group.Do(fmt.Sprintf("%s#%d", key, started), func() (interface{}, error) {
		value, err := compute()
		if err != nil {
			return nil, err
		}
		s.store(ctx, gen, started, key, value)
		return value, nil
	})
	if err != nil {
		return err
	}
	if shared {
		s.logger.Debug("rollup shared with concurrent caller", zap.String("key", key))
	}
	return assign(dest, value)
}

// store caches value unless an invalidation happened since started. A write
// that races an invalidation is removed again.
func (s *ReportService) store(ctx context.Context, gen *atomic.Uint64, started uint64, key string, value interface{}) {
	if gen.Load() != started {
		return
	}
	_ = s.cache.Set(ctx, key, value, s.cfg.CacheTTL)
	if gen.Load() != started {
		_ = s.cache.Delete(ctx, key)
	}
}

func (s *ReportService) sessionSnapshot(ctx context.Context, subjectID string, window models.DateWindow) (*models.SessionSnapshot, error) {
	start := time.Now()
	snapshot, err := s.repo.SessionSnapshot(ctx, subjectID, window)
	s.metrics.ObserveDBQuery("session_snapshot", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session snapshot")
	}
	return snapshot, nil
}

func (s *ReportService) pointSnapshot(ctx context.Context, groupID, subjectID string, window models.DateWindow) (*models.PointSnapshot, error) {
	start := time.Now()
	snapshot, err := s.repo.PointSnapshot(ctx, groupID, subjectID, window)
	s.metrics.ObserveDBQuery("point_snapshot", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load point snapshot")
	}
	return snapshot, nil
}

func buildSessionRanking(snapshot *models.SessionSnapshot, window models.DateWindow, today time.Time, loc *time.Location) []models.SessionRankingRow {
	occurrencesBySubject := make(map[string][]models.Occurrence)
	for _, occurrence := range snapshot.Occurrences {
		occurrencesBySubject[occurrence.SubjectID] = append(occurrencesBySubject[occurrence.SubjectID], occurrence)
	}
	recordsBySubject := make(map[string][]models.SessionRecord)
	for _, record := range snapshot.Records {
		recordsBySubject[record.SubjectID] = append(recordsBySubject[record.SubjectID], record)
	}

	rows := make([]models.SessionRankingRow, 0, len(snapshot.Subjects))
	scores := make([]models.ScoredEntity, 0, len(snapshot.Subjects))
	for _, subject := range snapshot.Subjects {
		expected := ExpectedKeys(occurrencesBySubject[subject.ID], window, today)
		rate := ComputeRate(recordsBySubject[subject.ID], expected, window, loc)
		rows = append(rows, models.SessionRankingRow{
			SubjectID:   subject.ID,
			SubjectName: subject.FullName,
			Total:       rate.Total,
			Present:     rate.Present,
			Excused:     rate.Excused,
			Sick:        rate.Sick,
			Absent:      rate.Absent,
			Late:        rate.Late,
			Percentage:  rate.Percentage,
		})
		scores = append(scores, models.ScoredEntity{ID: subject.ID, Score: rate.Percentage})
	}

	ranked := make([]models.SessionRankingRow, 0, len(rows))
	for _, position := range Rank(scores) {
		row := rows[position.Index]
		row.Rank = position.Rank
		ranked = append(ranked, row)
	}
	return ranked
}

func buildPointRanking(snapshot *models.PointSnapshot, recentLimit int) []models.PointRankingRow {
	entriesBySubject := make(map[string][]models.PointEntry)
	for _, entry := range snapshot.Entries {
		entriesBySubject[entry.SubjectID] = append(entriesBySubject[entry.SubjectID], entry)
	}

	rows := make([]models.PointRankingRow, 0, len(snapshot.Subjects))
	scores := make([]models.ScoredEntity, 0, len(snapshot.Subjects))
	for _, subject := range snapshot.Subjects {
		entries := entriesBySubject[subject.ID]
		merit, demerit, net := NetScore(entries)
		rows = append(rows, models.PointRankingRow{
			SubjectID:   subject.ID,
			SubjectName: subject.FullName,
			Merit:       merit,
			Demerit:     demerit,
			Net:         net,
			Recent:      RecentPoints(entries, recentLimit),
		})
		scores = append(scores, models.ScoredEntity{ID: subject.ID, Score: net})
	}

	ranked := make([]models.PointRankingRow, 0, len(rows))
	for _, position := range Rank(scores) {
		row := rows[position.Index]
		row.Rank = position.Rank
		ranked = append(ranked, row)
	}
	return ranked
}

// resolveWindow turns the query into a window. With defaultMonth an empty
// request covers the current month, otherwise it stays unbounded.
func (s *ReportService) resolveWindow(req ReportWindow, defaultMonth bool) (models.DateWindow, error) {
	if month := strings.TrimSpace(req.Month); month != "" {
		first, err := time.Parse(monthLayout, month)
		if err != nil {
			return models.DateWindow{}, appErrors.Clone(appErrors.ErrValidation, "invalid month, expected YYYY-MM")
		}
		return monthWindow(first), nil
	}

	var window models.DateWindow
	if raw := strings.TrimSpace(req.From); raw != "" {
		from, err := time.Parse(dateLayout, raw)
		if err != nil {
			return models.DateWindow{}, appErrors.Clone(appErrors.ErrValidation, "invalid from date, expected YYYY-MM-DD")
		}
		window.From = &from
	}
	if raw := strings.TrimSpace(req.To); raw != "" {
		to, err := time.Parse(dateLayout, raw)
		if err != nil {
			return models.DateWindow{}, appErrors.Clone(appErrors.ErrValidation, "invalid to date, expected YYYY-MM-DD")
		}
		window.To = &to
	}
	if window.From != nil && window.To != nil && window.From.After(*window.To) {
		return models.DateWindow{}, appErrors.Clone(appErrors.ErrValidation, "from must not be after to")
	}
	if window.From == nil && window.To == nil && defaultMonth {
		return monthWindow(s.today()), nil
	}
	if defaultMonth {
		// Session rates need both ends to enumerate expected occurrences.
		if window.From == nil {
			from := time.Date(window.To.Year(), window.To.Month(), 1, 0, 0, 0, 0, time.UTC)
			window.From = &from
		}
		if window.To == nil {
			to := s.today()
			if to.Before(*window.From) {
				to = *window.From
			}
			window.To = &to
		}
	}
	return window, nil
}

func (s *ReportService) today() time.Time {
	local := s.clock.Now().In(s.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func monthWindow(anyDay time.Time) models.DateWindow {
	first := time.Date(anyDay.Year(), anyDay.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return models.DateWindow{From: &first, To: &last}
}

func windowKey(window models.DateWindow) string {
	from, to := "open", "open"
	if window.From != nil {
		from = models.DateKey(*window.From)
	}
	if window.To != nil {
		to = models.DateKey(*window.To)
	}
	return fmt.Sprintf("%s..%s", from, to)
}

// assign copies a computed rollup into the caller's destination pointer.
func assign(dest, value interface{}) error {
	target := reflect.ValueOf(dest)
	if target.Kind() != reflect.Ptr || target.IsNil() {
		return fmt.Errorf("rollup destination must be a non-nil pointer, got %T", dest)
	}
	source := reflect.ValueOf(value)
	if !source.IsValid() {
		return nil
	}
	if !source.Type().AssignableTo(target.Elem().Type()) {
		return fmt.Errorf("rollup type %T does not match destination %T", value, dest)
	}
	target.Elem().Set(source)
	return nil
}
