package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"campusattend/internal/face"
	"campusattend/internal/geo"
	"campusattend/internal/spoof"
)

var (
	collegeCenter = geo.Point{Lat: 12.9716, Lng: 77.5946}
	sessionStart  = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
)

func testPolicy() Policy {
	return Policy{
		CollegeFence:        geo.Fence{Center: collegeCenter, RadiusMeters: 200},
		TeacherRadiusMeters: 20,
		FaceSimilarityMin:   0.65,
		MatchDistanceMax:    0.6,
		LivenessThreshold:   0.6,
		WindowBeforeMinutes: 15,
		WindowAfterMinutes:  15,
		LatenessMinutes:     15,
		MaxAttempts:         3,
		AttemptWindow:       10 * time.Minute,
	}
}

type fakeSessions struct{ session ClassSession }

func (f *fakeSessions) GetClassSession(context.Context, string) (*ClassSession, error) {
	s := f.session
	return &s, nil
}

type fakeEmbeddings struct{ vecs [][]float32 }

func (f *fakeEmbeddings) ListEmbeddings(context.Context, string) ([][]float32, error) {
	return f.vecs, nil
}

type fakeAttempts struct{ at []time.Time }

func (f *fakeAttempts) RecentAttempts(context.Context, string, string, time.Duration) ([]time.Time, error) {
	return f.at, nil
}

type fakeExtractor struct {
	ext      *face.Extraction
	err      error
	readyErr error
}

func (f *fakeExtractor) Extract(context.Context, []byte) (*face.Extraction, error) {
	return f.ext, f.err
}
func (f *fakeExtractor) Ready(context.Context) error { return f.readyErr }

// liveExtraction builds an extraction that passes every liveness sub-check.
func liveExtraction(vec []float32) *face.Extraction {
	landmarks := make([]face.Landmark, 68)
	for i := range landmarks {
		landmarks[i] = face.Landmark{X: 220 + float64(i%10)*20, Y: 140 + float64(i/10)*28}
	}
	for i := 36; i < 42; i++ {
		landmarks[i] = face.Landmark{X: 280, Y: 200}
	}
	for i := 42; i < 48; i++ {
		landmarks[i] = face.Landmark{X: 380, Y: 200}
	}
	return &face.Extraction{
		Vector:        vec,
		Confidence:    0.95,
		Landmarks:     landmarks,
		Box:           face.BoundingBox{X: 200, Y: 120, Width: 240, Height: 280},
		ImageWidth:    640,
		ImageHeight:   480,
		FacesDetected: 1,
		Quality:       &face.Quality{Score: 0.85, IsFrontal: true},
	}
}

func testImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 300, 300))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func defaultSession() ClassSession {
	return ClassSession{
		Status:          "active",
		StartTime:       sessionStart,
		TeacherLocation: collegeCenter,
	}
}

func newTestEngine(policy Policy, extractor face.Extractor, session ClassSession,
	embeddings [][]float32, attempts []time.Time) *Engine {
	return New(policy, extractor,
		spoof.NewDetector(200, []string{"mock", "fake", "spoof"}),
		&fakeSessions{session: session},
		&fakeEmbeddings{vecs: embeddings},
		&fakeAttempts{at: attempts})
}

func enrolled(vec []float32) [][]float32 {
	return [][]float32{vec, vec, vec}
}

func submissionAt(loc geo.Point, at time.Time, img []byte) Submission {
	return Submission{
		StudentID:   "stu-1",
		ClassID:     "cls-1",
		Location:    loc,
		FaceImage:   img,
		SubmittedAt: at,
	}
}

func TestDecidePresent(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
		defaultSession(), enrolled(vec), nil)

	dec, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10}, sessionStart, testImage(t)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Status != StatusPresent {
		t.Errorf("status = %s, want present (flags %+v)", dec.Status, dec.Flags)
	}
	if !dec.Location.Passed || !dec.Face.Passed || !dec.Time.Passed {
		t.Errorf("all outcomes should pass: %+v", dec)
	}
	if len(dec.Flags) != 0 {
		t.Errorf("unexpected flags: %+v", dec.Flags)
	}
	if dec.MinutesLate != 0 {
		t.Errorf("minutes late = %d, want 0", dec.MinutesLate)
	}
}

func TestDecideLate(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	session := defaultSession()
	session.WindowAfterMinutes = 30 // class allows late arrivals inside the window

	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
		session, enrolled(vec), nil)

	dec, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10},
			sessionStart.Add(20*time.Minute), testImage(t)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Status != StatusLate {
		t.Errorf("status = %s, want late (flags %+v)", dec.Status, dec.Flags)
	}
	if dec.MinutesLate != 20 {
		t.Errorf("minutes late = %d, want 20", dec.MinutesLate)
	}
}

func TestDecideOutsideCollegeZoneFlagged(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	session := defaultSession()
	// Teacher is with the student so only the college zone fails.
	outside := geo.Point{Lat: 12.974297, Lng: 77.594598, AccuracyMeters: 10} // ~300 m north
	session.TeacherLocation = outside

	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
		session, enrolled(vec), nil)

	dec, err := eng.Decide(context.Background(), submissionAt(outside, sessionStart, testImage(t)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Status != StatusFlagged {
		t.Errorf("status = %s, want flagged", dec.Status)
	}
	if dec.Location.Passed {
		t.Error("location outcome should fail outside the college zone")
	}
	found := false
	for _, f := range dec.Flags {
		if f.Type == FlagSuspiciousLocation && f.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("expected critical suspicious_location flag, got %+v", dec.Flags)
	}
}

func TestDecideTeacherZoneSeverity(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	session := defaultSession()
	// Teacher ~60 m north; student at center stays inside the college zone
	// but lands 3x the 20 m teacher radius away.
	session.TeacherLocation = geo.Point{Lat: 12.972139, Lng: 77.594600}

	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
		session, enrolled(vec), nil)

	dec, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971601, Lng: 77.594602, AccuracyMeters: 10}, sessionStart, testImage(t)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Status != StatusFlagged {
		t.Errorf("status = %s, want flagged", dec.Status)
	}
	var severity string
	for _, f := range dec.Flags {
		if f.Type == FlagSuspiciousLocation {
			severity = f.Severity
		}
	}
	if severity != SeverityHigh {
		t.Errorf("teacher-zone severity = %s, want high (excess beyond double radius)", severity)
	}
}

func TestDecideFaceMismatchVeto(t *testing.T) {
	// Best stored candidate sits at distance 0.6 from the query: similarity 0.4.
	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction([]float32{0, 0})},
		defaultSession(), [][]float32{{0.6, 0}, {3, 4}, {5, 0}}, nil)

	_, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10}, sessionStart, testImage(t)))
	var veto *VetoError
	if !errors.As(err, &veto) {
		t.Fatalf("want VetoError, got %v", err)
	}
	if veto.Face.Passed {
		t.Error("face outcome must fail in a veto")
	}
	if veto.Face.Metrics["similarity"] < 0.39 || veto.Face.Metrics["similarity"] > 0.41 {
		t.Errorf("similarity = %v, want ~0.4", veto.Face.Metrics["similarity"])
	}
	// Location and time diagnostics are still computed before the veto.
	if !veto.Location.Passed || !veto.Time.Passed {
		t.Errorf("veto should carry passing location/time outcomes: %+v", veto)
	}
	if len(veto.Suggestions) == 0 {
		t.Error("veto must carry remediation suggestions")
	}
}

func TestDecideVetoDominates(t *testing.T) {
	// Face fails AND location fails: face veto wins; no record either way.
	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction([]float32{0, 0})},
		defaultSession(), [][]float32{{9, 0}, {9, 1}, {9, 2}}, nil)

	_, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 13.1, Lng: 77.6, AccuracyMeters: 10}, sessionStart.Add(3*time.Hour), testImage(t)))
	var veto *VetoError
	if !errors.As(err, &veto) {
		t.Fatalf("want VetoError, got %v", err)
	}
	if veto.Location.Passed || veto.Time.Passed {
		t.Error("failing diagnostics should be reported alongside the veto")
	}
}

func TestDecideLivenessVeto(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	ext := liveExtraction(vec)
	ext.Landmarks = ext.Landmarks[:5] // broken landmark set sinks the score
	ext.Confidence = 0.4
	ext.Box = face.BoundingBox{Width: 10, Height: 10}

	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: ext},
		defaultSession(), enrolled(vec), nil)

	_, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10}, sessionStart, testImage(t)))
	var veto *VetoError
	if !errors.As(err, &veto) {
		t.Fatalf("want VetoError, got %v", err)
	}
	foundLiveness := false
	for _, f := range veto.Face.Flags() {
		if f.Type == FlagLivenessFailed {
			foundLiveness = true
		}
	}
	if !foundLiveness {
		t.Errorf("expected face_liveness_failed flag, got %+v", veto.Face.Flags())
	}
}

func TestDecideMismatchedEmbeddingsVetoEncodes(t *testing.T) {
	// Every stored vector has the wrong dimension: no candidate is
	// comparable, yet the veto must still serialize for the response.
	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction([]float32{0.1, 0.2, 0.3})},
		defaultSession(), [][]float32{{0.1}, {0.2, 0.3}, {0.1, 0.2, 0.3, 0.4}}, nil)

	_, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10}, sessionStart, testImage(t)))
	var veto *VetoError
	if !errors.As(err, &veto) {
		t.Fatalf("want VetoError, got %v", err)
	}
	if veto.Face.Metrics["matched_index"] != -1 {
		t.Errorf("matched_index = %v, want -1", veto.Face.Metrics["matched_index"])
	}
	if _, ok := veto.Face.Metrics["distance"]; ok {
		t.Errorf("distance metric must be omitted without a comparable candidate: %v",
			veto.Face.Metrics["distance"])
	}
	if _, err := json.Marshal(veto); err != nil {
		t.Errorf("veto must be JSON-encodable: %v", err)
	}
	if len(veto.Suggestions) == 0 {
		t.Error("veto must carry remediation suggestions")
	}
}

func TestCheckTimeSeverity(t *testing.T) {
	eng := &Engine{policy: testPolicy()}
	session := defaultSession()

	tests := []struct {
		name         string
		at           time.Time
		wantSeverity string
	}{
		{name: "moderately outside", at: sessionStart.Add(45 * time.Minute), wantSeverity: SeverityMedium},
		{name: "far outside", at: sessionStart.Add(90 * time.Minute), wantSeverity: SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := eng.checkTime(Submission{SubmittedAt: tt.at}, &session)
			if out.Passed {
				t.Fatal("submission outside the window must fail the time check")
			}
			flags := out.Flags()
			if len(flags) != 1 || flags[0].Type != FlagUnusualTime {
				t.Fatalf("want one unusual_time flag, got %+v", flags)
			}
			if flags[0].Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s (offset %v min)",
					flags[0].Severity, tt.wantSeverity, out.Metrics["minutes_offset"])
			}
		})
	}
}

func TestDecideExtractionFailureVeto(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	eng := newTestEngine(testPolicy(),
		&fakeExtractor{err: &face.ExtractionError{
			Reason:      "no face detected",
			Suggestions: []string{"ensure good lighting"},
		}},
		defaultSession(), enrolled(vec), nil)

	_, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10}, sessionStart, testImage(t)))
	var veto *VetoError
	if !errors.As(err, &veto) {
		t.Fatalf("want VetoError, got %v", err)
	}
	if veto.Reason != "no face detected" {
		t.Errorf("reason = %q", veto.Reason)
	}
}

func TestDecideSpoofCriticalFlagged(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
		defaultSession(), enrolled(vec), nil)

	// Previous fix 10 km away only 10 seconds earlier: ~3600 km/h.
	prev := geo.Point{Lat: 13.061601, Lng: 77.594602, CapturedAt: sessionStart.Add(-10 * time.Second)}
	sub := submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10, CapturedAt: sessionStart},
		sessionStart, testImage(t))
	sub.PreviousLocation = &prev

	dec, err := eng.Decide(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Location.Passed {
		t.Error("spoof indicators alone must not fail the location outcome")
	}
	if dec.Status != StatusFlagged {
		t.Errorf("status = %s, want flagged", dec.Status)
	}
	found := false
	for _, f := range dec.Flags {
		if f.Type == FlagFakeGPS {
			found = true
			if f.Severity != SeverityCritical && f.Severity != SeverityHigh {
				t.Errorf("fake_gps severity = %s", f.Severity)
			}
		}
	}
	if !found {
		t.Errorf("expected fake_gps flag, got %+v", dec.Flags)
	}
}

func TestDecidePreconditions(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	img := []byte{1}
	loc := geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10}

	t.Run("insufficient enrollment", func(t *testing.T) {
		eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
			defaultSession(), [][]float32{vec, vec}, nil)
		_, err := eng.Decide(context.Background(), submissionAt(loc, sessionStart, img))
		if !errors.Is(err, ErrInsufficientEnrollment) {
			t.Errorf("want ErrInsufficientEnrollment, got %v", err)
		}
	})

	t.Run("too many attempts", func(t *testing.T) {
		attempts := []time.Time{sessionStart, sessionStart, sessionStart}
		eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
			defaultSession(), enrolled(vec), attempts)
		_, err := eng.Decide(context.Background(), submissionAt(loc, sessionStart, img))
		if !errors.Is(err, ErrTooManyAttempts) {
			t.Errorf("want ErrTooManyAttempts, got %v", err)
		}
	})

	t.Run("invalid coordinate", func(t *testing.T) {
		eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
			defaultSession(), enrolled(vec), nil)
		_, err := eng.Decide(context.Background(),
			submissionAt(geo.Point{Lat: 95, Lng: 0}, sessionStart, img))
		if !errors.Is(err, geo.ErrInvalidCoordinate) {
			t.Errorf("want ErrInvalidCoordinate, got %v", err)
		}
	})

	t.Run("extractor not ready", func(t *testing.T) {
		eng := newTestEngine(testPolicy(),
			&fakeExtractor{ext: liveExtraction(vec), readyErr: errors.New("model loading")},
			defaultSession(), enrolled(vec), nil)
		_, err := eng.Decide(context.Background(), submissionAt(loc, sessionStart, img))
		if err == nil {
			t.Error("expected readiness failure to propagate")
		}
	})
}

func TestDecideMultipleAttemptsFlag(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	attempts := []time.Time{sessionStart.Add(-5 * time.Minute), sessionStart.Add(-2 * time.Minute)}
	eng := newTestEngine(testPolicy(), &fakeExtractor{ext: liveExtraction(vec)},
		defaultSession(), enrolled(vec), attempts)

	dec, err := eng.Decide(context.Background(),
		submissionAt(geo.Point{Lat: 12.971612, Lng: 77.594598, AccuracyMeters: 10}, sessionStart, testImage(t)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, f := range dec.Flags {
		if f.Type == FlagMultipleAttempts {
			found = true
			if f.Severity != SeverityMedium {
				t.Errorf("multiple_attempts severity = %s, want medium", f.Severity)
			}
		}
	}
	if !found {
		t.Errorf("expected multiple_attempts flag, got %+v", dec.Flags)
	}
	// Medium flag alone must not flip a clean submission to flagged.
	if dec.Status != StatusPresent {
		t.Errorf("status = %s, want present", dec.Status)
	}
}
