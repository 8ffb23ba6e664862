package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/pkg/clock"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
	"github.com/noah-isme/sma-presence-api/pkg/logger"
)

type sessionRepository interface {
	Get(ctx context.Context, occurrenceID string, date time.Time) (*models.SessionRecord, error)
	Insert(ctx context.Context, record *models.SessionRecord) (bool, error)
	Finish(ctx context.Context, occurrenceID string, date, endedAt time.Time) (*models.SessionRecord, error)
	List(ctx context.Context, filter models.SessionFilter) ([]models.SessionRecord, error)
	ListForDate(ctx context.Context, occurrenceIDs []string, date time.Time) ([]models.SessionRecord, error)
}

type occurrenceRepository interface {
	GetByID(ctx context.Context, id string) (*models.Occurrence, error)
	ListBySubjectAndWeekday(ctx context.Context, subjectID string, weekday time.Weekday) ([]models.Occurrence, error)
}

type zoneSource interface {
	ActiveZones(ctx context.Context) ([]models.Zone, error)
}

type sessionReportInvalidator interface {
	InvalidateSessions(ctx context.Context) error
}

const dateLayout = "2006-01-02"

// SessionConfig tunes the ledger.
type SessionConfig struct {
	Location        *time.Location
	LocationTimeout time.Duration
	HistoryRange    time.Duration
}

// TransitionRequest asks the ledger to start or finish a session.
type TransitionRequest struct {
	OccurrenceID string           `json:"occurrence_id" validate:"required"`
	SubjectID    string           `json:"subject_id" validate:"required"`
	Date         string           `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Action       string           `json:"action" validate:"required,session_action"`
	Status       string           `json:"status" validate:"omitempty,session_status"`
	Reason       *string          `json:"reason"`
	Location     LocationProvider `json:"-" validate:"-"`
}

// TransitionResult is the outcome of a successful transition.
type TransitionResult struct {
	Record   *models.SessionRecord   `json:"record"`
	Decision models.GeofenceDecision `json:"decision"`
}

// SessionListRequest filters a subject's session history.
type SessionListRequest struct {
	SubjectID string `validate:"required"`
	From      string `validate:"omitempty,datetime=2006-01-02"`
	To        string `validate:"omitempty,datetime=2006-01-02"`
}

// SessionService is the session ledger: it gates every transition on the
// geofence and keeps at most one record per occurrence and date.
type SessionService struct {
	sessions    sessionRepository
	occurrences occurrenceRepository
	zones       zoneSource
	geofence    *GeofenceValidator
	reports     sessionReportInvalidator
	metrics     *MetricsService
	clock       clock.Clock
	locks       *keyedMutex
	cfg         SessionConfig
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewSessionService constructs the ledger.
func NewSessionService(sessions sessionRepository, occurrences occurrenceRepository, zones zoneSource, reports sessionReportInvalidator, metrics *MetricsService, clk clock.Clock, cfg SessionConfig, validate *validator.Validate, logger *zap.Logger) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LocationTimeout <= 0 {
		cfg.LocationTimeout = 10 * time.Second
	}
	if cfg.HistoryRange <= 0 {
		cfg.HistoryRange = 30 * 24 * time.Hour
	}
	svc := &SessionService{
		sessions:    sessions,
		occurrences: occurrences,
		zones:       zones,
		geofence:    NewGeofenceValidator(),
		reports:     reports,
		metrics:     metrics,
		clock:       clk,
		locks:       newKeyedMutex(),
		cfg:         cfg,
		validator:   validate,
		logger:      logger,
	}
	svc.validator.RegisterValidation("session_action", func(fl validator.FieldLevel) bool {
		action := models.SessionAction(strings.ToLower(fl.Field().String()))
		return action == models.SessionActionStart || action == models.SessionActionFinish
	})
	svc.validator.RegisterValidation("session_status", func(fl validator.FieldLevel) bool {
		return models.ParseSessionStatus(fl.Field().String()).Startable()
	})
	return svc
}

// Transition applies a start or finish to the session keyed by occurrence and
// date. Nothing is written unless the observer is inside an active zone.
func (s *SessionService) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	action := models.SessionAction(strings.ToLower(strings.TrimSpace(req.Action)))
	result, err := s.transition(ctx, action, req)
	outcome := transitionOutcome(err)
	s.metrics.RecordTransition(action, outcome)

	log := logger.WithContext(ctx, s.logger).With(
		zap.String("occurrence_id", req.OccurrenceID),
		zap.String("action", string(action)),
		zap.String("outcome", outcome),
	)
	if err != nil {
		if outcome == OutcomeError {
			log.Error("session transition failed", zap.Error(err))
		} else {
			log.Info("session transition rejected", zap.Error(err))
		}
		return nil, err
	}
	log.Info("session transition applied", zap.String("record_id", result.Record.ID))
	return result, nil
}

func (s *SessionService) transition(ctx context.Context, action models.SessionAction, req TransitionRequest) (*TransitionResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transition payload")
	}
	status, note, err := s.startIntent(action, req)
	if err != nil {
		return nil, err
	}
	date, err := s.sessionDate(req.Date)
	if err != nil {
		return nil, err
	}
	occurrence, err := s.loadOccurrence(ctx, req.OccurrenceID, req.SubjectID)
	if err != nil {
		return nil, err
	}
	if !occurrence.OccursOn(date) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("occurrence is not scheduled on %s", date.Format(dateLayout)))
	}

	decision, err := s.admit(ctx, req.Location)
	if err != nil {
		return nil, err
	}

	key := models.SessionKey{OccurrenceID: occurrence.ID, Date: models.DateKey(date)}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	existing, err := s.sessions.Get(ctx, occurrence.ID, date)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if errors.Is(err, sql.ErrNoRows) {
		existing = nil
	}

	var record *models.SessionRecord
	switch action {
	case models.SessionActionStart:
		record, err = s.start(ctx, occurrence, date, status, note, existing)
	case models.SessionActionFinish:
		record, err = s.finish(ctx, occurrence, date, existing)
	}
	if err != nil {
		return nil, err
	}

	if s.reports != nil {
		if err := s.reports.InvalidateSessions(ctx); err != nil {
			logger.WithContext(ctx, s.logger).Warn("session report invalidation failed", zap.Error(err))
		}
	}
	return &TransitionResult{Record: record, Decision: *decision}, nil
}

func (s *SessionService) startIntent(action models.SessionAction, req TransitionRequest) (models.SessionStatus, *string, error) {
	if action != models.SessionActionStart {
		return "", nil, nil
	}
	status := models.ParseSessionStatus(req.Status)
	if status == "" {
		status = models.SessionStatusPresent
	}
	if !status.RequiresNote() {
		return status, nil, nil
	}
	if req.Reason == nil || strings.TrimSpace(*req.Reason) == "" {
		return "", nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("a reason is required for status %s", status))
	}
	note := strings.TrimSpace(*req.Reason)
	return status, &note, nil
}

func (s *SessionService) start(ctx context.Context, occurrence *models.Occurrence, date time.Time, status models.SessionStatus, note *string, existing *models.SessionRecord) (*models.SessionRecord, error) {
	if existing != nil {
		if existing.StartedAt != nil {
			return nil, appErrors.Clone(appErrors.ErrAlreadyStarted, fmt.Sprintf("session for %s already started", models.DateKey(date)))
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("session for %s is already recorded as %s", models.DateKey(date), existing.Status))
	}

	now := s.clock.Now().UTC()
	record := &models.SessionRecord{
		OccurrenceID: occurrence.ID,
		SubjectID:    occurrence.SubjectID,
		SessionDate:  date,
		Status:       status,
		StartedAt:    &now,
		Note:         note,
		CreatedAt:    now,
	}
	start := time.Now()
	created, err := s.sessions.Insert(ctx, record)
	s.metrics.ObserveDBQuery("session_insert", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start session")
	}
	if !created {
		return nil, appErrors.Clone(appErrors.ErrAlreadyStarted, fmt.Sprintf("session for %s already started", models.DateKey(date)))
	}
	return record, nil
}

func (s *SessionService) finish(ctx context.Context, occurrence *models.Occurrence, date time.Time, existing *models.SessionRecord) (*models.SessionRecord, error) {
	if existing == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "session has not been started")
	}
	if !existing.Open() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("session with status %s cannot be finished", existing.Status))
	}
	start := time.Now()
	record, err := s.sessions.Finish(ctx, occurrence.ID, date, s.clock.Now().UTC())
	s.metrics.ObserveDBQuery("session_finish", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finish session")
	}
	if record == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "session is no longer open")
	}
	return record, nil
}

// admit runs the geofence gate: zones first, then the observation, then the
// distance check.
func (s *SessionService) admit(ctx context.Context, provider LocationProvider) (*models.GeofenceDecision, error) {
	zones, err := s.zones.ActiveZones(ctx)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, appErrors.ErrZeroZonesConfigured
	}

	observed, err := acquireLocation(ctx, provider, s.cfg.LocationTimeout)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrLocationUnavailable.Code, appErrors.ErrLocationUnavailable.Status, appErrors.ErrLocationUnavailable.Message)
	}

	decision := s.geofence.Evaluate(observed, zones)
	s.metrics.RecordGeofenceDecision(decision.Admitted)
	if decision.Admitted {
		return &decision, nil
	}
	return nil, outOfRange(decision)
}

func outOfRange(decision models.GeofenceDecision) error {
	if decision.NearestZone == nil {
		return appErrors.ErrOutOfRange
	}
	distance := math.Round(decision.DistanceMeters)
	radius := math.Round(decision.NearestZone.RadiusMeters)
	message := fmt.Sprintf("outside every attendance zone: %.0f m from %s (radius %.0f m)", distance, decision.NearestZone.Name, radius)
	return appErrors.Clone(appErrors.ErrOutOfRange, message).WithDetails(map[string]interface{}{
		"nearest_zone":    decision.NearestZone.Name,
		"nearest_zone_id": decision.NearestZone.ID,
		"distance_meters": distance,
		"radius_meters":   radius,
	})
}

// List returns a subject's records in the window, defaulting to the recent
// history range ending today.
func (s *SessionService) List(ctx context.Context, req SessionListRequest) ([]models.SessionRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid filter")
	}
	to := s.today()
	if req.To != "" {
		to, _ = time.Parse(dateLayout, req.To)
	}
	from := to.Add(-s.cfg.HistoryRange)
	if req.From != "" {
		from, _ = time.Parse(dateLayout, req.From)
	}
	if from.After(to) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "from must not be after to")
	}

	start := time.Now()
	records, err := s.sessions.List(ctx, models.SessionFilter{SubjectID: req.SubjectID, DateFrom: &from, DateTo: &to})
	s.metrics.ObserveDBQuery("session_list", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	if records == nil {
		records = []models.SessionRecord{}
	}
	return records, nil
}

// Today pairs the subject's occurrences scheduled on date with their records
// so clients can tell which transitions are open.
func (s *SessionService) Today(ctx context.Context, subjectID, rawDate string) ([]models.DailySession, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject_id is required")
	}
	date, err := s.sessionDate(rawDate)
	if err != nil {
		return nil, err
	}
	occurrences, err := s.occurrences.ListBySubjectAndWeekday(ctx, subjectID, date.Weekday())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
	}
	ids := make([]string, 0, len(occurrences))
	for _, occurrence := range occurrences {
		ids = append(ids, occurrence.ID)
	}
	records, err := s.sessions.ListForDate(ctx, ids, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load sessions")
	}
	byOccurrence := make(map[string]models.SessionRecord, len(records))
	for _, record := range records {
		byOccurrence[record.OccurrenceID] = record
	}

	sessions := make([]models.DailySession, 0, len(occurrences))
	for _, occurrence := range occurrences {
		entry := models.DailySession{Occurrence: occurrence}
		if record, ok := byOccurrence[occurrence.ID]; ok {
			r := record
			entry.Record = &r
			entry.CanFinish = r.Open()
		} else {
			entry.CanStart = true
		}
		sessions = append(sessions, entry)
	}
	return sessions, nil
}

func (s *SessionService) loadOccurrence(ctx context.Context, occurrenceID, subjectID string) (*models.Occurrence, error) {
	occurrence, err := s.occurrences.GetByID(ctx, occurrenceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "occurrence not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load occurrence")
	}
	if occurrence.SubjectID != subjectID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "occurrence belongs to another subject")
	}
	return occurrence, nil
}

// sessionDate parses YYYY-MM-DD or falls back to today in the configured
// timezone. Future dates are rejected.
func (s *SessionService) sessionDate(raw string) (time.Time, error) {
	today := s.today()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return today, nil
	}
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "invalid date format, expected YYYY-MM-DD")
	}
	if date.After(today) {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "date must not be in the future")
	}
	return date, nil
}

// today is the current calendar date in the configured timezone, expressed as
// UTC midnight so it compares cleanly with DATE columns.
func (s *SessionService) today() time.Time {
	local := s.clock.Now().In(s.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func transitionOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, appErrors.ErrOutOfRange):
		return OutcomeOutOfRange
	case errors.Is(err, appErrors.ErrLocationUnavailable):
		return OutcomeLocationUnavailable
	case errors.Is(err, appErrors.ErrZeroZonesConfigured):
		return OutcomeZeroZones
	case errors.Is(err, appErrors.ErrAlreadyStarted):
		return OutcomeAlreadyStarted
	case errors.Is(err, appErrors.ErrInvalidTransition):
		return OutcomeInvalidTransition
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) && appErr.Status < 500 {
		return OutcomeRejected
	}
	return OutcomeError
}
