package face

import (
	"context"
	"math"
	"testing"
)

func TestAssessLivenessStubExtraction(t *testing.T) {
	ext, err := NewStub(128).Extract(context.Background(), []byte("photo"))
	if err != nil {
		t.Fatal(err)
	}
	got := AssessLiveness(ext, 0.6)
	if !got.IsLive {
		t.Errorf("stub extraction should pass liveness: score %v checks %v", got.Score, got.Checks)
	}
	if !got.Checks[CheckLandmarksComplete] || !got.Checks[CheckFaceArea] || !got.Checks[CheckConfidence] {
		t.Errorf("unexpected check failures: %v", got.Checks)
	}
	if got.Checks[CheckEyeSpacing] != true {
		t.Errorf("eye spacing should be plausible: %v", got.Checks)
	}
	if math.Abs(got.Score-1.0) > 1e-9 {
		t.Errorf("all checks passing should score 1.0, got %v", got.Score)
	}
}

func TestAssessLivenessNil(t *testing.T) {
	got := AssessLiveness(nil, 0.5)
	if got.IsLive || got.Score != 0 {
		t.Errorf("nil extraction must fail closed, got %+v", got)
	}
}

func TestAssessLivenessDegraded(t *testing.T) {
	tests := []struct {
		name string
		ext  *Extraction
	}{
		{
			name: "too few landmarks",
			ext: &Extraction{
				Landmarks:   make([]Landmark, 10),
				Confidence:  0.5,
				ImageWidth:  640,
				ImageHeight: 480,
				Box:         BoundingBox{Width: 20, Height: 20},
			},
		},
		{
			name: "zero image dimensions",
			ext: &Extraction{
				Landmarks:  make([]Landmark, 68),
				Confidence: 0.5,
				Box:        BoundingBox{Width: 100, Height: 100},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AssessLiveness(tt.ext, 0.7)
			if got.IsLive {
				t.Errorf("degraded input must not be live: %+v", got)
			}
		})
	}
}

func TestAssessLivenessFaceTooSmall(t *testing.T) {
	ext := &Extraction{
		Landmarks:   make([]Landmark, 68),
		Confidence:  0.95,
		ImageWidth:  1000,
		ImageHeight: 1000,
		Box:         BoundingBox{Width: 50, Height: 50}, // 0.25% of image
	}
	got := AssessLiveness(ext, 0.5)
	if got.Checks[CheckFaceArea] {
		t.Error("tiny face must fail the area check")
	}
}

func TestAssessLivenessThresholdBoundary(t *testing.T) {
	// Base 0.5 only: score must not exceed the threshold when equal.
	ext := &Extraction{Confidence: 0.1}
	got := AssessLiveness(ext, 0.5)
	if got.IsLive {
		t.Errorf("score %v equal to threshold must not pass", got.Score)
	}
}
