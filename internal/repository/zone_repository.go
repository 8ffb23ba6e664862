package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-presence-api/internal/models"
)

const zoneColumns = `id, name, latitude, longitude, radius_meters, active, created_at, updated_at`

// ZoneRepository persists attendance zones.
type ZoneRepository struct {
	db *sqlx.DB
}

// NewZoneRepository constructs the repository.
func NewZoneRepository(db *sqlx.DB) *ZoneRepository {
	return &ZoneRepository{db: db}
}

// ListActive returns active zones in creation order.
func (r *ZoneRepository) ListActive(ctx context.Context) ([]models.Zone, error) {
	query := `SELECT ` + zoneColumns + ` FROM zones WHERE active = TRUE ORDER BY created_at ASC, id ASC`
	var zones []models.Zone
	if err := r.db.SelectContext(ctx, &zones, query); err != nil {
		return nil, fmt.Errorf("list active zones: %w", err)
	}
	return zones, nil
}

// List returns every zone.
func (r *ZoneRepository) List(ctx context.Context) ([]models.Zone, error) {
	query := `SELECT ` + zoneColumns + ` FROM zones ORDER BY created_at ASC, id ASC`
	var zones []models.Zone
	if err := r.db.SelectContext(ctx, &zones, query); err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	return zones, nil
}

// GetByID fetches a zone by identifier.
func (r *ZoneRepository) GetByID(ctx context.Context, id string) (*models.Zone, error) {
	query := `SELECT ` + zoneColumns + ` FROM zones WHERE id = $1`
	var zone models.Zone
	if err := r.db.GetContext(ctx, &zone, query, id); err != nil {
		return nil, err
	}
	return &zone, nil
}

// Create inserts a zone.
func (r *ZoneRepository) Create(ctx context.Context, zone *models.Zone) error {
	now := time.Now().UTC()
	if zone.ID == "" {
		zone.ID = uuid.NewString()
	}
	zone.CreatedAt = now
	zone.UpdatedAt = now
	const query = `INSERT INTO zones (id, name, latitude, longitude, radius_meters, active, created_at, updated_at)
VALUES (:id, :name, :latitude, :longitude, :radius_meters, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, zone); err != nil {
		return fmt.Errorf("create zone: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of a zone.
func (r *ZoneRepository) Update(ctx context.Context, zone *models.Zone) error {
	zone.UpdatedAt = time.Now().UTC()
	const query = `UPDATE zones SET name = :name, latitude = :latitude, longitude = :longitude,
radius_meters = :radius_meters, active = :active, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, zone)
	if err != nil {
		return fmt.Errorf("update zone: %w", err)
	}
	return expectAffected(res)
}

// Delete removes a zone.
func (r *ZoneRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM zones WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
