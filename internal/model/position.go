package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LatLng is a point in the lagoon.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// String renders the position in its stored JSON form.
func (p LatLng) String() string {
	body, _ := json.Marshal(p)
	return string(body)
}

// ParsePosition decodes a position stored as JSON {"lat":..,"lng":..}.
func ParsePosition(raw string) (*LatLng, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("not a position: %q", raw)
	}
	var p LatLng
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parse position: %w", err)
	}
	if p.Lat == 0 && p.Lng == 0 {
		return nil, fmt.Errorf("empty position")
	}
	return &p, nil
}

// CoordsFromPointID parses identifiers of the form type_lat_lng or
// type_lat_lng_n, e.g. building_45.4371_12.3326_2.
func CoordsFromPointID(id string) (*LatLng, error) {
	parts := strings.Split(id, "_")
	// Type prefixes may themselves contain underscores, so scan for the
	// first pair of consecutive float parts.
	for i := 0; i+1 < len(parts); i++ {
		lat, err1 := strconv.ParseFloat(parts[i], 64)
		lng, err2 := strconv.ParseFloat(parts[i+1], 64)
		if err1 == nil && err2 == nil && strings.Contains(parts[i], ".") && strings.Contains(parts[i+1], ".") {
			return &LatLng{Lat: lat, Lng: lng}, nil
		}
	}
	return nil, fmt.Errorf("no coordinates in %q", id)
}

// Coords returns a building's location from Position, then Point, then
// its BuildingId.
func (b *Building) Coords() (*LatLng, error) {
	if p, err := ParsePosition(b.Position); err == nil {
		return p, nil
	}
	if p, err := CoordsFromPointID(b.Point); err == nil {
		return p, nil
	}
	if p, err := CoordsFromPointID(b.BuildingId); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("building %s has no coordinates", b.BuildingId)
}

// DistanceMeters is the haversine distance between two points.
func DistanceMeters(a, b LatLng) float64 {
	const earthRadius = 6371000.0
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLng := (b.Lng - a.Lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}

// IsAt reports whether a citizen position sits on a building, within a
// few meters.
func IsAt(citizenPosition string, b *Building) bool {
	if citizenPosition == b.BuildingId {
		return true
	}
	p, err := ParsePosition(citizenPosition)
	if err != nil {
		return false
	}
	bp, err := b.Coords()
	if err != nil {
		return false
	}
	return DistanceMeters(*p, *bp) < 20
}
