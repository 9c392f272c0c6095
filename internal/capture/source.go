// Package capture normalizes camera modalities (local device, RTSP stream,
// browser-pushed frames) into a uniform pull-based frame stream, and guards
// physical camera resources with a lock registry.
package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// Default capture settings
const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

// Sentinel errors for stream operations.
var (
	// ErrSourceUnavailable is returned when a camera or stream cannot be opened.
	ErrSourceUnavailable = errors.New("camera source unavailable")
	// ErrStreamUnavailable is returned when an RTSP stream keeps failing after
	// the bounded reconnect attempts are exhausted.
	ErrStreamUnavailable = errors.New("stream unavailable after reconnect attempts")
	// ErrNoFrame is returned by Next when no new frame has arrived since the
	// last call. Callers should skip the cycle and try again.
	ErrNoFrame = errors.New("no new frame available")
	// ErrStreamClosed is returned after a stream has been deliberately closed.
	ErrStreamClosed = errors.New("stream is closed")
)

// Frame is a decoded raster image with capture metadata.
// The holder is responsible for closing it.
type Frame struct {
	Mat       gocv.Mat
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64
}

// Close releases the underlying image buffer.
func (f *Frame) Close() {
	f.Mat.Close()
}

// Stream is a pull-based frame producer. Next returns the most recent frame
// not yet observed, ErrNoFrame when nothing new arrived, and ErrStreamClosed
// only after a deliberate Close. Transient decode errors never end a stream.
type Stream interface {
	Next() (*Frame, error)
	Close() error
}

// Source identifies exactly one physical or logical capture endpoint.
// It is immutable once a detection session starts.
type Source interface {
	// Key is the normalized identity used by the lock registry. Two sources
	// with the same key contend for the same physical resource.
	Key() string
	// Describe returns a human-readable label for logs and errors.
	Describe() string
}

// DeviceSource is a local capture device addressed by index.
type DeviceSource struct {
	Index int
}

// Key implements Source.
func (s DeviceSource) Key() string { return fmt.Sprintf("device:%d", s.Index) }

// Describe implements Source.
func (s DeviceSource) Describe() string { return fmt.Sprintf("device %d", s.Index) }

// RTSPSource is a network stream addressed by URL.
type RTSPSource struct {
	URL string
}

// Key implements Source.
func (s RTSPSource) Key() string { return "rtsp:" + strings.TrimSpace(s.URL) }

// Describe implements Source.
func (s RTSPSource) Describe() string { return "rtsp " + s.URL }

// BrowserSource receives frames pushed by a browser client over its control
// connection. Browser sources never contend for shared hardware, so the key
// is scoped to the owning connection.
type BrowserSource struct {
	SessionID string
}

// Key implements Source.
func (s BrowserSource) Key() string { return "browser:" + s.SessionID }

// Describe implements Source.
func (s BrowserSource) Describe() string { return "browser frames (" + s.SessionID + ")" }

// Open opens a stream for the given source. It fails with ErrSourceUnavailable
// if the device or URL cannot be reached.
func Open(src Source) (Stream, error) {
	switch s := src.(type) {
	case DeviceSource:
		return openDevice(s.Index)
	case RTSPSource:
		return openRTSP(s.URL, DefaultReconnectConfig())
	case BrowserSource:
		return NewBrowserStream(), nil
	default:
		return nil, fmt.Errorf("unsupported camera source %T", src)
	}
}
