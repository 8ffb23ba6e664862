package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-presence-api/internal/models"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
)

type zoneRepository interface {
	ListActive(ctx context.Context) ([]models.Zone, error)
	List(ctx context.Context) ([]models.Zone, error)
	GetByID(ctx context.Context, id string) (*models.Zone, error)
	Create(ctx context.Context, zone *models.Zone) error
	Update(ctx context.Context, zone *models.Zone) error
	Delete(ctx context.Context, id string) error
}

var activeZonesCacheKey = CacheKey("zones", "active")

// ZoneRequest is the create/update payload for an attendance zone.
type ZoneRequest struct {
	Name         string  `json:"name" validate:"required,max=120"`
	Latitude     float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64 `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters float64 `json:"radius_meters" validate:"gt=0"`
	Active       *bool   `json:"active"`
}

// ZoneService maintains attendance zones and answers admission checks.
type ZoneService struct {
	repo      zoneRepository
	cache     *CacheService
	geofence  *GeofenceValidator
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	ttl       time.Duration
}

// NewZoneService constructs the zone service.
func NewZoneService(repo zoneRepository, cache *CacheService, metrics *MetricsService, ttl time.Duration, validate *validator.Validate, logger *zap.Logger) *ZoneService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZoneService{
		repo:      repo,
		cache:     cache,
		geofence:  NewGeofenceValidator(),
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		ttl:       ttl,
	}
}

// ActiveZones returns the active zones, served from cache when possible.
func (s *ZoneService) ActiveZones(ctx context.Context) ([]models.Zone, error) {
	var zones []models.Zone
	if hit, err := s.cache.Get(ctx, activeZonesCacheKey, &zones); err == nil && hit {
		return zones, nil
	}

	start := time.Now()
	zones, err := s.repo.ListActive(ctx)
	s.metrics.ObserveDBQuery("zones_active", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load zones")
	}
	if zones == nil {
		zones = []models.Zone{}
	}
	_ = s.cache.Set(ctx, activeZonesCacheKey, zones, s.ttl)
	return zones, nil
}

// List returns every zone, active or not.
func (s *ZoneService) List(ctx context.Context) ([]models.Zone, error) {
	zones, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list zones")
	}
	return zones, nil
}

// Get returns one zone.
func (s *ZoneService) Get(ctx context.Context, id string) (*models.Zone, error) {
	zone, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "zone not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load zone")
	}
	return zone, nil
}

// Create validates and stores a zone.
func (s *ZoneService) Create(ctx context.Context, req ZoneRequest) (*models.Zone, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	zone := &models.Zone{
		Name:         strings.TrimSpace(req.Name),
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		RadiusMeters: req.RadiusMeters,
		Active:       req.Active == nil || *req.Active,
	}
	if err := s.repo.Create(ctx, zone); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create zone")
	}
	s.invalidate(ctx)
	s.logger.Info("zone created", zap.String("zone_id", zone.ID), zap.String("name", zone.Name))
	return zone, nil
}

// Update replaces the zone's fields.
func (s *ZoneService) Update(ctx context.Context, id string, req ZoneRequest) (*models.Zone, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	zone, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	zone.Name = strings.TrimSpace(req.Name)
	zone.Latitude = req.Latitude
	zone.Longitude = req.Longitude
	zone.RadiusMeters = req.RadiusMeters
	if req.Active != nil {
		zone.Active = *req.Active
	}
	if err := s.repo.Update(ctx, zone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "zone not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update zone")
	}
	s.invalidate(ctx)
	return zone, nil
}

// Delete removes a zone.
func (s *ZoneService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "zone not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete zone")
	}
	s.invalidate(ctx)
	s.logger.Info("zone deleted", zap.String("zone_id", id))
	return nil
}

// Check evaluates a coordinate against the active zones without touching the
// ledger.
func (s *ZoneService) Check(ctx context.Context, coordinate models.Coordinate) (*models.GeofenceDecision, error) {
	if err := s.validator.Struct(coordinate); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid coordinate")
	}
	zones, err := s.ActiveZones(ctx)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, appErrors.ErrZeroZonesConfigured
	}
	decision := s.geofence.Evaluate(&coordinate, zones)
	s.metrics.RecordGeofenceDecision(decision.Admitted)
	return &decision, nil
}

func (s *ZoneService) validate(req ZoneRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid zone payload")
	}
	if strings.TrimSpace(req.Name) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "zone name is required")
	}
	return nil
}

func (s *ZoneService) invalidate(ctx context.Context) {
	_ = s.cache.Delete(ctx, activeZonesCacheKey)
}
