package face

import "math"

// Liveness sub-check names.
const (
	CheckLandmarksComplete = "landmarks_complete"
	CheckFaceArea          = "face_area_plausible"
	CheckEyeSpacing        = "eye_spacing_plausible"
	CheckConfidence        = "detector_confidence"
)

// fullLandmarkSet is the standard 68-point facial landmark count.
const fullLandmarkSet = 68

// Liveness is a heuristic pass/fail over landmark geometry and face size.
type Liveness struct {
	IsLive bool            `json:"is_live"`
	Score  float64         `json:"score"`
	Checks map[string]bool `json:"checks"`
	Method string          `json:"method"`
}

// AssessLiveness scores an extraction against four independent sub-checks on
// top of a 0.5 base. Malformed input never panics; it degrades to a low score
// with IsLive false.
func AssessLiveness(ext *Extraction, threshold float64) Liveness {
	out := Liveness{
		Checks: make(map[string]bool, 4),
		Method: "landmark_geometry",
	}
	if ext == nil {
		return out
	}

	score := 0.5

	if len(ext.Landmarks) >= fullLandmarkSet {
		out.Checks[CheckLandmarksComplete] = true
		score += 0.15
	} else {
		out.Checks[CheckLandmarksComplete] = false
	}

	out.Checks[CheckFaceArea] = faceAreaPlausible(ext)
	if out.Checks[CheckFaceArea] {
		score += 0.15
	}

	out.Checks[CheckEyeSpacing] = eyeSpacingPlausible(ext)
	if out.Checks[CheckEyeSpacing] {
		score += 0.10
	}

	out.Checks[CheckConfidence] = ext.Confidence > 0.8
	if out.Checks[CheckConfidence] {
		score += 0.10
	}

	out.Score = score
	out.IsLive = score > threshold
	return out
}

// faceAreaPlausible checks the face occupies 5%-80% of the image.
func faceAreaPlausible(ext *Extraction) bool {
	imgArea := float64(ext.ImageWidth) * float64(ext.ImageHeight)
	if imgArea <= 0 {
		return false
	}
	faceArea := ext.Box.Width * ext.Box.Height
	if faceArea <= 0 {
		return false
	}
	frac := faceArea / imgArea
	return frac >= 0.05 && frac <= 0.80
}

// eyeSpacingPlausible checks eye-to-eye distance against face width using the
// 68-point convention (outer corners at indexes 36 and 45). A symmetry proxy:
// photos of photos and far-off faces tend to land outside 20%-60%.
func eyeSpacingPlausible(ext *Extraction) bool {
	if len(ext.Landmarks) < fullLandmarkSet || ext.Box.Width <= 0 {
		return false
	}
	left := eyeCenter(ext.Landmarks[36:42])
	right := eyeCenter(ext.Landmarks[42:48])
	dx := right.X - left.X
	dy := right.Y - left.Y
	spacing := math.Sqrt(dx*dx+dy*dy) / ext.Box.Width
	return spacing >= 0.2 && spacing <= 0.6
}

func eyeCenter(pts []Landmark) Landmark {
	var c Landmark
	for _, p := range pts {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(pts))
	c.X /= n
	c.Y /= n
	return c
}
