package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"campusattend/internal/face"
	"campusattend/internal/geo"
	"campusattend/internal/observability"
	"campusattend/internal/spoof"
)

// Submission is one attendance event as received from the client.
type Submission struct {
	StudentID        string
	ClassID          string
	Location         geo.Point
	PreviousLocation *geo.Point
	FaceImage        []byte
	UserAgent        string
	SubmittedAt      time.Time
}

// ClassSession is the session context loaded for a submission.
type ClassSession struct {
	Status              string
	StartTime           time.Time
	TeacherLocation     geo.Point
	TeacherRadiusMeters float64
	WindowBeforeMinutes int
	WindowAfterMinutes  int
}

// SessionSource supplies class session context.
type SessionSource interface {
	GetClassSession(ctx context.Context, classID string) (*ClassSession, error)
}

// EmbeddingSource supplies a student's enrolled embeddings, oldest first.
type EmbeddingSource interface {
	ListEmbeddings(ctx context.Context, studentID string) ([][]float32, error)
}

// AttemptSource supplies recent submission timestamps for rate checks. The
// engine enforces the attempt limit but does not own the history.
type AttemptSource interface {
	RecentAttempts(ctx context.Context, studentID, classID string, window time.Duration) ([]time.Time, error)
}

// Policy carries the externally supplied verification thresholds.
type Policy struct {
	CollegeFence        geo.Fence
	TeacherRadiusMeters float64
	FaceSimilarityMin   float64
	MatchDistanceMax    float64
	LivenessThreshold   float64
	WindowBeforeMinutes int
	WindowAfterMinutes  int
	LatenessMinutes     int
	MaxAttempts         int
	AttemptWindow       time.Duration
}

// minEnrolledEmbeddings is the enrollment floor before matching is attempted.
const minEnrolledEmbeddings = 3

// Engine combines geofencing, face matching with liveness, and time-window
// checks into a final attendance decision. Stateless per request.
type Engine struct {
	policy     Policy
	extractor  face.Extractor
	detector   *spoof.Detector
	sessions   SessionSource
	embeddings EmbeddingSource
	attempts   AttemptSource
}

// New wires the engine with its collaborators.
func New(policy Policy, extractor face.Extractor, detector *spoof.Detector,
	sessions SessionSource, embeddings EmbeddingSource, attempts AttemptSource) *Engine {
	return &Engine{
		policy:     policy,
		extractor:  extractor,
		detector:   detector,
		sessions:   sessions,
		embeddings: embeddings,
		attempts:   attempts,
	}
}

// Decide evaluates one submission. It returns a Decision for persistence, a
// *VetoError when the face check fails, or a precondition error. Verification
// failures never surface as plain errors; only collaborator failures do.
func (e *Engine) Decide(ctx context.Context, sub Submission) (*Decision, error) {
	if err := sub.Location.Validate(); err != nil {
		return nil, err
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	attempts, err := e.attempts.RecentAttempts(ctx, sub.StudentID, sub.ClassID, e.policy.AttemptWindow)
	if err != nil {
		return nil, fmt.Errorf("load recent attempts: %w", err)
	}
	if e.policy.MaxAttempts > 0 && len(attempts) >= e.policy.MaxAttempts {
		return nil, ErrTooManyAttempts
	}

	stored, err := e.embeddings.ListEmbeddings(ctx, sub.StudentID)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	if len(stored) < minEnrolledEmbeddings {
		return nil, ErrInsufficientEnrollment
	}

	session, err := e.sessions.GetClassSession(ctx, sub.ClassID)
	if err != nil {
		return nil, fmt.Errorf("load class session: %w", err)
	}
	if session.Status != "" && session.Status != "active" {
		return nil, ErrSessionNotActive
	}

	if err := e.extractor.Ready(ctx); err != nil {
		return nil, fmt.Errorf("face extractor not ready: %w", err)
	}

	// The three checks are independent; run them concurrently into fixed
	// slots so flag merge order stays deterministic.
	var (
		wg       sync.WaitGroup
		location Outcome
		faceOut  Outcome
		timeOut  Outcome
		faceErr  error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer observability.TimeCheck(KindLocation)()
		location = e.checkLocation(sub, session)
	}()
	go func() {
		defer wg.Done()
		defer observability.TimeCheck(KindFace)()
		faceOut, faceErr = e.checkFace(ctx, sub, stored)
	}()
	go func() {
		defer wg.Done()
		defer observability.TimeCheck(KindTime)()
		timeOut = e.checkTime(sub, session)
	}()
	wg.Wait()

	if faceErr != nil {
		return nil, faceErr
	}

	flags := mergeFlags(location, faceOut, timeOut)

	if !faceOut.Passed {
		observability.VetoesTotal.WithLabelValues(vetoReason(faceOut)).Inc()
		return nil, &VetoError{
			Location:    location,
			Face:        faceOut,
			Time:        timeOut,
			Reason:      faceOut.Evidence,
			Suggestions: vetoSuggestions(faceOut),
		}
	}

	// Resubmission pressure is flag-worthy even when under the hard limit.
	if len(attempts) >= 2 {
		flags = append(flags, newFlag(FlagMultipleAttempts, SeverityMedium,
			fmt.Sprintf("%d prior attempts within %s", len(attempts), e.policy.AttemptWindow)))
	}

	minutesLate := 0
	if d := sub.SubmittedAt.Sub(session.StartTime); d > 0 {
		minutesLate = int(d.Minutes())
	}

	decision := &Decision{
		Location:    location,
		Face:        faceOut,
		Time:        timeOut,
		Flags:       flags,
		MinutesLate: minutesLate,
		Status:      assignStatus(flags, location, timeOut, minutesLate, e.policy.LatenessMinutes),
	}
	observability.DecisionsTotal.WithLabelValues(decision.Status).Inc()
	return decision, nil
}

// assignStatus applies the terminal classification. The face outcome has
// already passed by the time this runs.
func assignStatus(flags []Flag, location, timeOut Outcome, minutesLate, latenessLimit int) string {
	if hasBlockingFlag(flags) {
		return StatusFlagged
	}
	if location.Passed && timeOut.Passed {
		if minutesLate <= latenessLimit {
			return StatusPresent
		}
		return StatusLate
	}
	return StatusFlagged
}

// mergeFlags collects per-check flags in fixed order: location, face, time.
func mergeFlags(outcomes ...Outcome) []Flag {
	var flags []Flag
	for _, o := range outcomes {
		flags = append(flags, o.flags...)
	}
	return flags
}

func vetoReason(faceOut Outcome) string {
	for _, f := range faceOut.flags {
		return f.Type
	}
	return FlagFaceMismatch
}

func vetoSuggestions(faceOut Outcome) []string {
	var out []string
	for _, f := range faceOut.flags {
		switch f.Type {
		case FlagFaceMismatch:
			out = append(out,
				"ensure good lighting",
				"face the camera directly",
				"retake the photo without obstructions")
		case FlagLivenessFailed:
			out = append(out, "use the live camera, not a saved photo")
		}
	}
	if len(out) == 0 {
		out = append(out, "retake the photo and try again")
	}
	return out
}
