package spoof

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mileusna/useragent"

	"campusattend/internal/geo"
)

// Risk levels derived from the cumulative score.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Indicator names.
const (
	IndicatorImpossibleSpeed    = "impossible_speed"
	IndicatorHighAccuracy       = "suspiciously_high_accuracy"
	IndicatorPoorAccuracy       = "poor_gps_accuracy"
	IndicatorMockUserAgent      = "mock_location_user_agent"
	IndicatorCoordinatePrecision = "suspicious_coordinate_precision"
)

// Indicator is a single triggered heuristic with its score contribution.
type Indicator struct {
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Detail string `json:"detail"`
}

// Assessment is the cumulative spoofing risk for one submission. Advisory
// only: it contributes a flag but never blocks attendance on its own.
type Assessment struct {
	Score            int         `json:"score"`
	Level            string      `json:"level"`
	Indicators       []Indicator `json:"indicators"`
	IsPotentialSpoof bool        `json:"is_potential_spoof"`
}

// Detector scores GPS fixes and device metadata for spoofing signals.
type Detector struct {
	maxSpeedKMH float64
	keywords    []string
}

// NewDetector builds a detector. keywords are matched case-insensitively
// against the raw user-agent string.
func NewDetector(maxSpeedKMH float64, keywords []string) *Detector {
	if maxSpeedKMH <= 0 {
		maxSpeedKMH = 200
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return &Detector{maxSpeedKMH: maxSpeedKMH, keywords: lowered}
}

// Assess runs all heuristics over the current fix, the optional previous fix,
// and the device user-agent. Score is capped at 100.
func (d *Detector) Assess(cur geo.Point, prev *geo.Point, rawUA string) Assessment {
	var out Assessment

	if ind, ok := d.checkSpeed(cur, prev); ok {
		out.add(ind)
	}
	if ind, ok := checkAccuracy(cur); ok {
		out.add(ind)
	}
	if ind, ok := d.checkUserAgent(rawUA); ok {
		out.add(ind)
	}
	if ind, ok := checkPrecision(cur); ok {
		out.add(ind)
	}

	if out.Score > 100 {
		out.Score = 100
	}
	out.Level = levelFor(out.Score)
	out.IsPotentialSpoof = out.Score >= 30
	return out
}

func (a *Assessment) add(ind Indicator) {
	a.Score += ind.Score
	a.Indicators = append(a.Indicators, ind)
}

func levelFor(score int) string {
	switch {
	case score >= 50:
		return LevelCritical
	case score >= 30:
		return LevelHigh
	case score >= 15:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (d *Detector) checkSpeed(cur geo.Point, prev *geo.Point) (Indicator, bool) {
	if prev == nil || prev.CapturedAt.IsZero() || cur.CapturedAt.IsZero() {
		return Indicator{}, false
	}
	elapsed := cur.CapturedAt.Sub(prev.CapturedAt).Hours()
	if elapsed <= 0 {
		return Indicator{}, false
	}
	dist, err := geo.DistanceMeters(cur, *prev)
	if err != nil {
		return Indicator{}, false
	}
	speedKMH := (dist / 1000) / elapsed
	if speedKMH <= d.maxSpeedKMH {
		return Indicator{}, false
	}
	score := 40
	if speedKMH > 2*d.maxSpeedKMH {
		// Beyond double the limit no vehicle explains the fix; escalate
		// so a lone teleport reaches the critical band.
		score = 50
	}
	return Indicator{
		Name:   IndicatorImpossibleSpeed,
		Score:  score,
		Detail: fmt.Sprintf("implied speed %.0f km/h between fixes", speedKMH),
	}, true
}

func checkAccuracy(cur geo.Point) (Indicator, bool) {
	acc := cur.AccuracyMeters
	if acc <= 0 {
		return Indicator{}, false
	}
	if acc < 1 {
		return Indicator{
			Name:   IndicatorHighAccuracy,
			Score:  20,
			Detail: fmt.Sprintf("reported accuracy %.2f m is implausibly precise", acc),
		}, true
	}
	if acc > 1000 {
		return Indicator{
			Name:   IndicatorPoorAccuracy,
			Score:  10,
			Detail: fmt.Sprintf("reported accuracy %.0f m is too coarse to trust", acc),
		}, true
	}
	return Indicator{}, false
}

func (d *Detector) checkUserAgent(rawUA string) (Indicator, bool) {
	if rawUA == "" {
		return Indicator{}, false
	}
	lowered := strings.ToLower(rawUA)
	for _, kw := range d.keywords {
		if strings.Contains(lowered, kw) {
			parsed := useragent.Parse(rawUA)
			device := parsed.Name
			if device == "" {
				device = "unknown client"
			}
			return Indicator{
				Name:   IndicatorMockUserAgent,
				Score:  30,
				Detail: fmt.Sprintf("user agent (%s) contains %q", device, kw),
			}, true
		}
	}
	return Indicator{}, false
}

// checkPrecision flags coordinates that are rounded (<=3 decimals on both
// axes) or synthetically precise (>10 decimals on either axis).
func checkPrecision(cur geo.Point) (Indicator, bool) {
	latDec := decimalPlaces(cur.Lat)
	lngDec := decimalPlaces(cur.Lng)

	switch {
	case latDec <= 3 && lngDec <= 3:
		return Indicator{
			Name:   IndicatorCoordinatePrecision,
			Score:  15,
			Detail: fmt.Sprintf("both axes rounded to %d/%d decimals", latDec, lngDec),
		}, true
	case latDec > 10 || lngDec > 10:
		return Indicator{
			Name:   IndicatorCoordinatePrecision,
			Score:  15,
			Detail: fmt.Sprintf("synthetic precision: %d/%d decimals", latDec, lngDec),
		}, true
	}
	return Indicator{}, false
}

func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
