package face

import (
	"context"
	"hash/fnv"
)

// Stub is a deterministic Extractor for development and tests. The embedding
// is derived from a hash of the image bytes, so the same image always maps to
// the same vector and distinct images rarely collide.
type Stub struct {
	Dim int
}

// NewStub returns a stub producing embeddings of the given dimension.
func NewStub(dim int) *Stub {
	if dim <= 0 {
		dim = 128
	}
	return &Stub{Dim: dim}
}

// Extract synthesizes a plausible single-face extraction.
func (s *Stub) Extract(_ context.Context, image []byte) (*Extraction, error) {
	if len(image) == 0 {
		return nil, &ExtractionError{
			Reason:      "empty image",
			Suggestions: []string{"capture a photo before submitting"},
		}
	}

	vec := make([]float32, s.Dim)
	h := fnv.New64a()
	_, _ = h.Write(image)
	seed := h.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		// Small components keep the vector near unit scale.
		vec[i] = float32(seed%1000)/10000 - 0.05
	}

	// 68-point landmark grid inside the synthetic face box.
	landmarks := make([]Landmark, 68)
	for i := range landmarks {
		landmarks[i] = Landmark{
			X: 220 + float64(i%10)*20,
			Y: 140 + float64(i/10)*28,
		}
	}
	// Eye clusters at a plausible spacing (~40% of face width).
	for i := 36; i < 42; i++ {
		landmarks[i] = Landmark{X: 280 + float64(i-36)*2, Y: 200}
	}
	for i := 42; i < 48; i++ {
		landmarks[i] = Landmark{X: 380 + float64(i-42)*2, Y: 200}
	}

	return &Extraction{
		Vector:        vec,
		Confidence:    0.95,
		Landmarks:     landmarks,
		Box:           BoundingBox{X: 200, Y: 120, Width: 240, Height: 280},
		ImageWidth:    640,
		ImageHeight:   480,
		FacesDetected: 1,
		Quality:       &Quality{Score: 0.85, Blur: 0.1, IsFrontal: true},
	}, nil
}

// Ready always succeeds for the stub.
func (s *Stub) Ready(context.Context) error { return nil }
