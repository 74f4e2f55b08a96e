package face

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Landmark is a 2D facial landmark position in image coordinates.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox is the detected face region in image coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Quality contains face quality metrics reported by the detection model.
type Quality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
}

// Extraction is the output of running detection + embedding on one image.
type Extraction struct {
	Vector        []float32
	Confidence    float64
	Landmarks     []Landmark
	Box           BoundingBox
	ImageWidth    int
	ImageHeight   int
	FacesDetected int
	Quality       *Quality
}

// ExtractionError is a terminal, user-facing failure of the face pipeline for
// one submission. Suggestions tell the user how to retake the photo.
type ExtractionError struct {
	Reason      string
	Suggestions []string
}

func (e *ExtractionError) Error() string { return "face extraction failed: " + e.Reason }

// Extractor is the embedding-extraction capability. Callers must gate
// Extract behind Ready; extraction is a heavy external computation.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (*Extraction, error)
	Ready(ctx context.Context) error
}

// minQualityScore is the floor below which an otherwise detected face is
// rejected as unusable for matching.
const minQualityScore = 0.4

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client with a generous timeout; face processing can take time.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Extract posts the image and returns the embedding plus detection metadata.
func (c *Client) Extract(ctx context.Context, image []byte) (*Extraction, error) {
	if len(image) == 0 {
		return nil, &ExtractionError{
			Reason:      "empty image",
			Suggestions: []string{"capture a photo before submitting"},
		}
	}

	body, _ := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding     []float32   `json:"embedding"`
		Confidence    float64     `json:"confidence"`
		Landmarks     []Landmark  `json:"landmarks"`
		Box           BoundingBox `json:"box"`
		ImageWidth    int         `json:"image_width"`
		ImageHeight   int         `json:"image_height"`
		FacesDetected int         `json:"faces_detected"`
		Quality       *Quality    `json:"quality"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	ext := &Extraction{
		Vector:        out.Embedding,
		Confidence:    out.Confidence,
		Landmarks:     out.Landmarks,
		Box:           out.Box,
		ImageWidth:    out.ImageWidth,
		ImageHeight:   out.ImageHeight,
		FacesDetected: out.FacesDetected,
		Quality:       out.Quality,
	}
	if err := checkExtraction(ext); err != nil {
		return nil, err
	}
	return ext, nil
}

// Ready checks if the face service is available.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// checkExtraction rejects ambiguous or unusable detections with remediation hints.
func checkExtraction(ext *Extraction) error {
	switch {
	case ext.FacesDetected == 0 || len(ext.Vector) == 0:
		return &ExtractionError{
			Reason: "no face detected",
			Suggestions: []string{
				"ensure good lighting",
				"face the camera directly",
				"remove obstructions such as masks or sunglasses",
			},
		}
	case ext.FacesDetected > 1:
		return &ExtractionError{
			Reason:      "multiple faces detected",
			Suggestions: []string{"make sure only your face is in the frame"},
		}
	case ext.Quality != nil && ext.Quality.Score < minQualityScore:
		return &ExtractionError{
			Reason: "image quality too low",
			Suggestions: []string{
				"ensure good lighting",
				"hold the camera steady to avoid blur",
				"move closer to the camera",
			},
		}
	}
	return nil
}
