package service

import (
	"math"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/pkg/geo"
)

// GeofenceValidator decides whether an observation lies inside an authorized
// zone. It holds no state and is safe for concurrent use.
type GeofenceValidator struct{}

// NewGeofenceValidator constructs a validator.
func NewGeofenceValidator() *GeofenceValidator {
	return &GeofenceValidator{}
}

// Evaluate admits the observation on the first active zone whose radius covers
// it, in input order. When nothing admits, the decision carries the nearest
// active zone so callers can explain the rejection. A nil observation or an
// empty zone set yields a rejection without a nearest zone.
func (v *GeofenceValidator) Evaluate(observed *models.Coordinate, zones []models.Zone) models.GeofenceDecision {
	if observed == nil || len(zones) == 0 {
		return models.GeofenceDecision{}
	}
	point := geo.Point{Latitude: observed.Latitude, Longitude: observed.Longitude}

	for i := range zones {
		zone := zones[i]
		if !zone.Active {
			continue
		}
		distance := distanceTo(point, zone)
		if distance <= zone.RadiusMeters {
			return models.GeofenceDecision{Admitted: true, NearestZone: &zone, DistanceMeters: distance}
		}
	}

	var nearest *models.Zone
	best := math.Inf(1)
	for i := range zones {
		if !zones[i].Active {
			continue
		}
		distance := distanceTo(point, zones[i])
		if nearest == nil || distance < best {
			zone := zones[i]
			nearest = &zone
			best = distance
		}
	}
	if nearest == nil {
		return models.GeofenceDecision{}
	}
	return models.GeofenceDecision{NearestZone: nearest, DistanceMeters: best}
}

// ActiveZones filters the zone list down to active entries.
func ActiveZones(zones []models.Zone) []models.Zone {
	active := make([]models.Zone, 0, len(zones))
	for _, zone := range zones {
		if zone.Active {
			active = append(active, zone)
		}
	}
	return active
}

func distanceTo(p geo.Point, zone models.Zone) float64 {
	return geo.Distance(p, geo.Point{Latitude: zone.Latitude, Longitude: zone.Longitude})
}
