package models

import "time"

// Zone is an authorized attendance location.
type Zone struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Latitude     float64   `db:"latitude" json:"latitude"`
	Longitude    float64   `db:"longitude" json:"longitude"`
	RadiusMeters float64   `db:"radius_meters" json:"radius_meters"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Coordinate is an observed position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// GeofenceDecision is the outcome of evaluating an observation against zones.
// NearestZone is the admitting zone when Admitted, otherwise the closest one.
type GeofenceDecision struct {
	Admitted       bool    `json:"admitted"`
	NearestZone    *Zone   `json:"nearest_zone,omitempty"`
	DistanceMeters float64 `json:"distance_meters"`
}
