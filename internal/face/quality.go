package face

import (
	"bytes"
	"image"

	_ "image/jpeg"
	_ "image/png"
)

// Minimum input resolution accepted before extraction is attempted.
const (
	minImageWidth  = 200
	minImageHeight = 200
)

// ValidateImage is the quality gate that runs before extraction. It
// short-circuits obviously unusable submissions without invoking the model.
func ValidateImage(data []byte) error {
	if len(data) == 0 {
		return &ExtractionError{
			Reason:      "empty image",
			Suggestions: []string{"capture a photo before submitting"},
		}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return &ExtractionError{
			Reason:      "unreadable image data",
			Suggestions: []string{"submit a JPEG or PNG photo"},
		}
	}
	if cfg.Width < minImageWidth || cfg.Height < minImageHeight {
		return &ExtractionError{
			Reason:      "image resolution too low",
			Suggestions: []string{"move closer to the camera", "use a higher resolution camera setting"},
		}
	}
	return nil
}
