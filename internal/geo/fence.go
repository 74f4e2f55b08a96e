package geo

import "fmt"

// Fence is a circular geofence.
type Fence struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Evaluation is the result of checking a point against a fence.
type Evaluation struct {
	Within         bool    `json:"within"`
	DistanceMeters float64 `json:"distance_meters"`
	ExcessMeters   float64 `json:"excess_meters"`
}

// Evaluate checks whether p lies inside the fence. Distance and excess keep
// full floating-point precision; round with Round2 for display only.
func (f Fence) Evaluate(p Point) (Evaluation, error) {
	if f.RadiusMeters <= 0 {
		return Evaluation{}, fmt.Errorf("fence radius must be positive, got %v", f.RadiusMeters)
	}
	dist, err := DistanceMeters(p, f.Center)
	if err != nil {
		return Evaluation{}, err
	}
	excess := dist - f.RadiusMeters
	if excess < 0 {
		excess = 0
	}
	return Evaluation{
		Within:         dist <= f.RadiusMeters,
		DistanceMeters: dist,
		ExcessMeters:   excess,
	}, nil
}
