package engine

import (
	"errors"
	"fmt"
	"time"
)

// Flag severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Flag types raised during verification.
const (
	FlagSuspiciousLocation = "suspicious_location"
	FlagFaceMismatch       = "face_mismatch"
	FlagFakeGPS            = "fake_gps"
	FlagMultipleAttempts   = "multiple_attempts"
	FlagUnusualTime        = "unusual_time"
	FlagLivenessFailed     = "face_liveness_failed"
)

// Decision statuses. Absent/excused are assigned out-of-band by teacher
// override, never by the engine.
const (
	StatusPresent = "present"
	StatusLate    = "late"
	StatusFlagged = "flagged"
)

// Outcome kinds.
const (
	KindLocation = "location"
	KindFace     = "face"
	KindTime     = "time"
)

// Flag is a fraud-risk marker. Append-only within one decision.
type Flag struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	At          time.Time `json:"at"`
}

// Outcome is the result of one verification check. Each outcome is computed
// independently; no check may read another's result.
type Outcome struct {
	Kind     string             `json:"kind"`
	Passed   bool               `json:"passed"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Evidence string             `json:"evidence,omitempty"`

	flags []Flag
}

// Flags returns the flags raised by this check.
func (o Outcome) Flags() []Flag { return o.flags }

// Decision is the final verdict for one submission. Immutable once returned.
type Decision struct {
	Location    Outcome `json:"location"`
	Face        Outcome `json:"face"`
	Time        Outcome `json:"time"`
	Flags       []Flag  `json:"flags"`
	Status      string  `json:"status"`
	MinutesLate int     `json:"minutes_late"`
}

// VetoError rejects a submission whose face check failed. No record is
// persisted; location/time diagnostics computed alongside are still carried.
type VetoError struct {
	Location    Outcome  `json:"location"`
	Face        Outcome  `json:"face"`
	Time        Outcome  `json:"time"`
	Reason      string   `json:"reason"`
	Suggestions []string `json:"suggestions"`
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("attendance vetoed: %s", e.Reason)
}

// Precondition failures surfaced before any verification work begins.
var (
	ErrInsufficientEnrollment = errors.New("fewer than 3 enrolled face embeddings")
	ErrTooManyAttempts        = errors.New("too many attempts in window")
	ErrSessionNotActive       = errors.New("class session is not active")
)

func newFlag(flagType, severity, description string) Flag {
	return Flag{Type: flagType, Description: description, Severity: severity, At: time.Now().UTC()}
}

// hasBlockingFlag reports whether any flag forces the flagged status.
func hasBlockingFlag(flags []Flag) bool {
	for _, f := range flags {
		if f.Severity == SeverityHigh || f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
