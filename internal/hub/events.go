// Package hub fans recognition results out to independently-connected
// consumers: live dashboards and welcome displays. No consumer can block
// another, and each consumer sees its own events in publish order.
package hub

import (
	"time"

	"github.com/ayusman/darshan/internal/recognize"
)

// Event type tags carried on the wire.
const (
	TypeRecognition      = "recognition"
	TypeBatchRecognition = "batch_recognition"
)

// Event is a broadcast payload: either a per-frame detection result or a
// recognition event.
type Event interface {
	Pipeline() string
}

// FrameSize carries the source frame dimensions for overlay rendering.
type FrameSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectionEvent is the per-frame detection result consumed by the live
// dashboard for bounding-box overlays.
type DetectionEvent struct {
	PipelineID string                  `json:"-"`
	Faces      []recognize.Observation `json:"faces"`
	FrameSize  FrameSize               `json:"frame_size"`
	Timestamp  time.Time               `json:"timestamp"`
}

// Pipeline implements Event.
func (e DetectionEvent) Pipeline() string { return e.PipelineID }

// RecognizedUser is one identified person within a recognition event.
type RecognizedUser struct {
	PersonID   string  `json:"person_id"`
	PersonName string  `json:"person_name"`
	Confidence float64 `json:"confidence"`
	IsNew      bool    `json:"is_new"`
}

// RecognitionEvent is consumed by welcome displays. When several identities
// are recognized in the same frame it is a single batch event rather than one
// event per person, so a display can show all of them.
type RecognitionEvent struct {
	PipelineID string           `json:"-"`
	Type       string           `json:"type"`
	Users      []RecognizedUser `json:"users"`
	IsNew      bool             `json:"is_new"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Pipeline implements Event.
func (e RecognitionEvent) Pipeline() string { return e.PipelineID }

// User returns the single recognized user for non-batch events.
func (e RecognitionEvent) User() *RecognizedUser {
	if len(e.Users) == 0 {
		return nil
	}
	return &e.Users[0]
}
