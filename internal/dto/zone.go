package dto

// ZoneRequest is the create/update payload for an attendance zone.
type ZoneRequest struct {
	Name         string  `json:"name" binding:"required" example:"Main Campus"`
	Latitude     float64 `json:"latitude" example:"-6.2"`
	Longitude    float64 `json:"longitude" example:"106.8"`
	RadiusMeters float64 `json:"radius_meters" binding:"required" example:"50"`
	Active       *bool   `json:"active,omitempty"`
}

// ZoneCheckResponse tells a client whether a position is inside any zone.
type ZoneCheckResponse struct {
	Admitted       bool    `json:"admitted"`
	NearestZoneID  string  `json:"nearest_zone_id,omitempty"`
	NearestZone    string  `json:"nearest_zone,omitempty"`
	DistanceMeters float64 `json:"distance_meters"`
	RadiusMeters   float64 `json:"radius_meters,omitempty"`
}
