package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusattend/internal/face"
	"campusattend/internal/geo"
	"campusattend/internal/observability"
)

// checkLocation evaluates both geofences (logical AND) and runs the spoof
// detector. Spoofing indicators are advisory: they flag but never fail the
// outcome on their own.
func (e *Engine) checkLocation(sub Submission, session *ClassSession) Outcome {
	out := Outcome{Kind: KindLocation, Metrics: map[string]float64{}}

	college, err := e.policy.CollegeFence.Evaluate(sub.Location)
	if err != nil {
		out.Evidence = fmt.Sprintf("college geofence evaluation failed: %v", err)
		return out
	}
	out.Metrics["college_distance_m"] = geo.Round2(college.DistanceMeters)
	out.Metrics["college_excess_m"] = geo.Round2(college.ExcessMeters)

	teacherRadius := session.TeacherRadiusMeters
	if teacherRadius <= 0 {
		teacherRadius = e.policy.TeacherRadiusMeters
	}
	teacherFence := geo.Fence{Center: session.TeacherLocation, RadiusMeters: teacherRadius}
	teacher, err := teacherFence.Evaluate(sub.Location)
	if err != nil {
		out.Evidence = fmt.Sprintf("teacher geofence evaluation failed: %v", err)
		return out
	}
	out.Metrics["teacher_distance_m"] = geo.Round2(teacher.DistanceMeters)
	out.Metrics["teacher_excess_m"] = geo.Round2(teacher.ExcessMeters)

	out.Passed = college.Within && teacher.Within

	if !college.Within {
		out.flags = append(out.flags, newFlag(FlagSuspiciousLocation, SeverityCritical,
			fmt.Sprintf("%.2f m outside the college zone (radius %.0f m)",
				college.ExcessMeters, e.policy.CollegeFence.RadiusMeters)))
	}
	if !teacher.Within {
		severity := SeverityMedium
		if teacher.ExcessMeters > teacherRadius {
			severity = SeverityHigh
		}
		out.flags = append(out.flags, newFlag(FlagSuspiciousLocation, severity,
			fmt.Sprintf("%.2f m from the teacher, limit %.0f m", teacher.DistanceMeters, teacherRadius)))
	}

	assessment := e.detector.Assess(sub.Location, sub.PreviousLocation, sub.UserAgent)
	out.Metrics["spoof_score"] = float64(assessment.Score)
	observability.SpoofScore.Observe(float64(assessment.Score))
	if assessment.IsPotentialSpoof {
		names := make([]string, len(assessment.Indicators))
		for i, ind := range assessment.Indicators {
			names[i] = ind.Name
		}
		out.flags = append(out.flags, newFlag(FlagFakeGPS, assessment.Level,
			fmt.Sprintf("spoofing risk %s (score %d): %s",
				assessment.Level, assessment.Score, strings.Join(names, ", "))))
	}

	if out.Passed {
		out.Evidence = fmt.Sprintf("within both zones (college %.2f m, teacher %.2f m)",
			college.DistanceMeters, teacher.DistanceMeters)
	} else {
		out.Evidence = "outside one or more attendance zones"
	}
	return out
}

// checkFace extracts an embedding from the submitted image, matches it
// against the student's enrolled set, and assesses liveness. Extraction
// failures become a failing outcome, not an error, so location and time
// diagnostics remain reportable. Only unexpected failures propagate.
func (e *Engine) checkFace(ctx context.Context, sub Submission, stored [][]float32) (Outcome, error) {
	out := Outcome{Kind: KindFace, Metrics: map[string]float64{}}

	if err := face.ValidateImage(sub.FaceImage); err != nil {
		return e.faceFailure(out, err)
	}

	ext, err := e.extractor.Extract(ctx, sub.FaceImage)
	if err != nil {
		return e.faceFailure(out, err)
	}

	match := face.FindBestMatch(ext.Vector, stored, e.policy.MatchDistanceMax)
	out.Metrics["similarity"] = match.BestSimilarity
	out.Metrics["matched_index"] = float64(match.MatchedIndex)
	// No comparable candidate leaves BestDistance at +Inf, which JSON
	// cannot encode; omit the metric instead.
	if match.MatchedIndex >= 0 {
		out.Metrics["distance"] = match.BestDistance
	}

	liveness := face.AssessLiveness(ext, e.policy.LivenessThreshold)
	out.Metrics["liveness_score"] = liveness.Score

	similarityOK := match.BestSimilarity >= e.policy.FaceSimilarityMin
	out.Passed = similarityOK && liveness.IsLive

	if !similarityOK {
		severity := SeverityMedium
		if match.BestSimilarity < 0.3 {
			severity = SeverityHigh
		}
		out.flags = append(out.flags, newFlag(FlagFaceMismatch, severity,
			fmt.Sprintf("best similarity %.2f below threshold %.2f",
				match.BestSimilarity, e.policy.FaceSimilarityMin)))
	}
	if !liveness.IsLive {
		out.flags = append(out.flags, newFlag(FlagLivenessFailed, SeverityHigh,
			fmt.Sprintf("liveness score %.2f below threshold %.2f",
				liveness.Score, e.policy.LivenessThreshold)))
	}

	if out.Passed {
		out.Evidence = fmt.Sprintf("matched enrolled embedding %d with similarity %.2f",
			match.MatchedIndex, match.BestSimilarity)
	} else {
		out.Evidence = "face verification failed"
	}
	return out, nil
}

// faceFailure folds an extraction-stage failure into a failing face outcome.
// Unexpected errors (network, service) still propagate.
func (e *Engine) faceFailure(out Outcome, err error) (Outcome, error) {
	var extErr *face.ExtractionError
	if !errors.As(err, &extErr) {
		return out, fmt.Errorf("face extraction: %w", err)
	}
	out.Passed = false
	out.Evidence = extErr.Reason
	out.flags = append(out.flags, newFlag(FlagFaceMismatch, SeverityHigh, extErr.Reason))
	return out, nil
}

// checkTime verifies the submission falls inside the attendance window
// around session start.
func (e *Engine) checkTime(sub Submission, session *ClassSession) Outcome {
	out := Outcome{Kind: KindTime, Metrics: map[string]float64{}}

	before := session.WindowBeforeMinutes
	if before <= 0 {
		before = e.policy.WindowBeforeMinutes
	}
	after := session.WindowAfterMinutes
	if after <= 0 {
		after = e.policy.WindowAfterMinutes
	}

	windowStart := session.StartTime.Add(-time.Duration(before) * time.Minute)
	windowEnd := session.StartTime.Add(time.Duration(after) * time.Minute)

	fromStart := sub.SubmittedAt.Sub(session.StartTime).Minutes()
	out.Metrics["minutes_from_start"] = fromStart

	var offset float64
	switch {
	case sub.SubmittedAt.Before(windowStart):
		offset = windowStart.Sub(sub.SubmittedAt).Minutes()
	case sub.SubmittedAt.After(windowEnd):
		offset = sub.SubmittedAt.Sub(windowEnd).Minutes()
	}
	out.Metrics["minutes_offset"] = offset
	out.Passed = offset == 0

	if out.Passed {
		out.Evidence = fmt.Sprintf("submitted %.1f minutes from session start", fromStart)
		return out
	}

	severity := SeverityMedium
	if offset > 60 {
		severity = SeverityHigh
	}
	out.flags = append(out.flags, newFlag(FlagUnusualTime, severity,
		fmt.Sprintf("submitted %.0f minutes outside the attendance window", offset)))
	out.Evidence = "outside the attendance window"
	return out
}
