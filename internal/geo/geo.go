package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// earthRadiusMeters is the mean Earth radius used for great-circle math.
const earthRadiusMeters = 6371000.0

// ErrInvalidCoordinate reports a malformed latitude/longitude pair.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 coordinate with optional fix metadata.
type Point struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	CapturedAt     time.Time `json:"captured_at,omitempty"`
}

// Validate checks coordinate ranges and finiteness.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, p.Lat)
	}
	if math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, p.Lng)
	}
	if p.AccuracyMeters < 0 {
		return fmt.Errorf("%w: negative accuracy %v", ErrInvalidCoordinate, p.AccuracyMeters)
	}
	return nil
}

// DistanceMeters returns the haversine great-circle distance between two points.
// Full floating-point precision; round for display with Round2.
func DistanceMeters(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c, nil
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360), nil
}

// Round2 rounds a metric to 2 decimal places for API responses.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
