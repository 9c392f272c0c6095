// Package recognize wraps face detection and identity matching behind a
// synchronous façade: frame in, list of observations out. The façade holds no
// session state; callers own all state transitions.
package recognize

import (
	"errors"

	"github.com/ayusman/darshan/internal/capture"
)

// Registration errors surfaced by ExtractFeature.
var (
	// ErrNoFace is returned when an enrollment image contains no face.
	ErrNoFace = errors.New("no face detected in image")
	// ErrMultipleFaces is returned when an enrollment image contains more
	// than one face.
	ErrMultipleFaces = errors.New("multiple faces detected in image")
)

// Observation is the result of recognizing one face in one frame.
// Ephemeral — produced per frame, never persisted here.
type Observation struct {
	// Box is the bounding box as x1, y1, x2, y2 in frame pixels.
	Box [4]int `json:"bbox"`
	// Confidence is the detection score in [0,1].
	Confidence float64 `json:"confidence"`
	// Recognized reports whether the face matched a gallery entry.
	Recognized bool `json:"recognized"`
	// PersonID and PersonName identify the matched entry when Recognized.
	PersonID   string `json:"person_id,omitempty"`
	PersonName string `json:"person_name,omitempty"`
	// MatchScore is the similarity against the matched entry.
	MatchScore float64 `json:"match_score,omitempty"`
}

// Recognizer locates faces and matches them against a gallery.
type Recognizer interface {
	// DetectAndRecognize returns one observation per face found in the
	// frame. Every gallery match above threshold is reported, so several
	// recognized identities in one frame all come through. A corrupt or
	// empty frame yields an empty slice and a nil error.
	DetectAndRecognize(frame *capture.Frame, gallery *Gallery) ([]Observation, error)

	// ExtractFeature computes the embedding for an enrollment image that
	// must contain exactly one face. Returns the encoded feature vector.
	ExtractFeature(frame *capture.Frame) ([]byte, error)

	// Close releases any resources held by the recognizer.
	Close() error
}

// Config holds recognizer thresholds. Both values are product defaults, not
// properties of the models, and stay configurable.
type Config struct {
	// DetectionThreshold is the minimum face-detection score.
	DetectionThreshold float32
	// MatchThreshold is the minimum cosine similarity for a gallery match.
	MatchThreshold float32
	// MaxInputHeight bounds the image fed to detection; larger frames are
	// scaled down first.
	MaxInputHeight int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		DetectionThreshold: 0.9,
		MatchThreshold:     0.363,
		MaxInputHeight:     1000,
	}
}
