package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-presence-api/internal/models"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
)

type stubZoneRepo struct {
	mu          sync.Mutex
	zones       map[string]models.Zone
	activeCalls int
}

func newStubZoneRepo(zones ...models.Zone) *stubZoneRepo {
	repo := &stubZoneRepo{zones: map[string]models.Zone{}}
	for _, zone := range zones {
		repo.zones[zone.ID] = zone
	}
	return repo
}

func (r *stubZoneRepo) ListActive(context.Context) ([]models.Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeCalls++
	var out []models.Zone
	for _, zone := range r.zones {
		if zone.Active {
			out = append(out, zone)
		}
	}
	return out, nil
}

func (r *stubZoneRepo) List(context.Context) ([]models.Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Zone, 0, len(r.zones))
	for _, zone := range r.zones {
		out = append(out, zone)
	}
	return out, nil
}

func (r *stubZoneRepo) GetByID(_ context.Context, id string) (*models.Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	zone, ok := r.zones[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &zone, nil
}

func (r *stubZoneRepo) Create(_ context.Context, zone *models.Zone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if zone.ID == "" {
		zone.ID = "zone-new"
	}
	r.zones[zone.ID] = *zone
	return nil
}

func (r *stubZoneRepo) Update(_ context.Context, zone *models.Zone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.zones[zone.ID]; !ok {
		return sql.ErrNoRows
	}
	r.zones[zone.ID] = *zone
	return nil
}

func (r *stubZoneRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.zones[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.zones, id)
	return nil
}

func newZoneFixture(repo *stubZoneRepo) (*ZoneService, *memoryCache) {
	cacheRepo := newMemoryCache()
	cache := NewCacheService(cacheRepo, nil, time.Minute, nil, true)
	return NewZoneService(repo, cache, NewMetricsService(), time.Minute, nil, nil), cacheRepo
}

func TestZoneServiceActiveZonesAreCached(t *testing.T) {
	repo := newStubZoneRepo(mainCampus())
	svc, cacheRepo := newZoneFixture(repo)
	ctx := context.Background()

	zones, err := svc.ActiveZones(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	_, err = svc.ActiveZones(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.activeCalls)
	assert.True(t, cacheRepo.has(activeZonesCacheKey))
}

func TestZoneServiceMutationsInvalidateCache(t *testing.T) {
	repo := newStubZoneRepo(mainCampus())
	svc, cacheRepo := newZoneFixture(repo)
	ctx := context.Background()

	_, err := svc.ActiveZones(ctx)
	require.NoError(t, err)

	inactive := false
	created, err := svc.Create(ctx, ZoneRequest{Name: "  Annex ", Latitude: -6.3, Longitude: 106.9, RadiusMeters: 30, Active: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "Annex", created.Name)
	assert.False(t, created.Active)
	assert.False(t, cacheRepo.has(activeZonesCacheKey))

	_, err = svc.ActiveZones(ctx)
	require.NoError(t, err)
	active := true
	updated, err := svc.Update(ctx, created.ID, ZoneRequest{Name: "Annex", Latitude: -6.3, Longitude: 106.9, RadiusMeters: 40, Active: &active})
	require.NoError(t, err)
	assert.True(t, updated.Active)
	assert.Equal(t, 40.0, updated.RadiusMeters)

	zones, err := svc.ActiveZones(ctx)
	require.NoError(t, err)
	assert.Len(t, zones, 2)

	require.NoError(t, svc.Delete(ctx, created.ID))
	zones, err = svc.ActiveZones(ctx)
	require.NoError(t, err)
	assert.Len(t, zones, 1)
}

func TestZoneServiceValidation(t *testing.T) {
	svc, _ := newZoneFixture(newStubZoneRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, ZoneRequest{Name: "Field", Latitude: 91, Longitude: 0, RadiusMeters: 10})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = svc.Create(ctx, ZoneRequest{Name: "Field", Latitude: 0, Longitude: 0, RadiusMeters: 0})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = svc.Create(ctx, ZoneRequest{Name: "   ", Latitude: 0, Longitude: 0, RadiusMeters: 10})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestZoneServiceNotFound(t *testing.T) {
	svc, _ := newZoneFixture(newStubZoneRepo())
	ctx := context.Background()

	_, err := svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = svc.Update(ctx, "missing", ZoneRequest{Name: "X", RadiusMeters: 1})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "missing"), appErrors.ErrNotFound)
}

func TestZoneServiceCheck(t *testing.T) {
	svc, _ := newZoneFixture(newStubZoneRepo(mainCampus()))
	ctx := context.Background()

	inside, err := svc.Check(ctx, models.Coordinate{Latitude: -6.2, Longitude: 106.8})
	require.NoError(t, err)
	assert.True(t, inside.Admitted)

	outside, err := svc.Check(ctx, models.Coordinate{Latitude: -6.21, Longitude: 106.8})
	require.NoError(t, err)
	assert.False(t, outside.Admitted)
	assert.InDelta(t, 1112, outside.DistanceMeters, 1)

	_, err = svc.Check(ctx, models.Coordinate{Latitude: -100, Longitude: 0})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestZoneServiceCheckWithoutZones(t *testing.T) {
	inactive := mainCampus()
	inactive.Active = false
	svc, _ := newZoneFixture(newStubZoneRepo(inactive))

	_, err := svc.Check(context.Background(), models.Coordinate{Latitude: -6.2, Longitude: 106.8})
	assert.ErrorIs(t, err, appErrors.ErrZeroZonesConfigured)
}
