package capture

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// deviceStream reads frames from a local capture device via GoCV.
type deviceStream struct {
	deviceID int
	mu       sync.Mutex
	capture  *gocv.VideoCapture
	seq      uint64
	closed   bool
}

// openDevice opens a local capture device by index.
// It sets the resolution to 640x480 for performance.
func openDevice(deviceID int) (*deviceStream, error) {
	capture, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", ErrSourceUnavailable, deviceID, err)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, DefaultWidth)
	capture.Set(gocv.VideoCaptureFrameHeight, DefaultHeight)

	return &deviceStream{
		deviceID: deviceID,
		capture:  capture,
	}, nil
}

// Next reads a single frame from the device. A failed or empty read is
// treated as transient and reported as ErrNoFrame.
func (s *deviceStream) Next() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.capture == nil {
		return nil, ErrStreamClosed
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok {
		mat.Close()
		return nil, ErrNoFrame
	}
	if mat.Empty() {
		mat.Close()
		return nil, ErrNoFrame
	}

	s.seq++
	return &Frame{
		Mat:       mat,
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Timestamp: time.Now(),
		Seq:       s.seq,
	}, nil
}

// Close releases the capture device.
func (s *deviceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	s.capture = nil
	return err
}

// Probe opens the source, reads one frame, and closes it again. It is used
// by the camera test endpoint to verify a configured source before saving.
func Probe(src Source) error {
	if _, ok := src.(BrowserSource); ok {
		return nil // nothing to probe, frames arrive over the control channel
	}

	stream, err := Open(src)
	if err != nil {
		return err
	}
	defer stream.Close()

	frame, err := stream.Next()
	if err != nil {
		return fmt.Errorf("%w: %s: no frame", ErrSourceUnavailable, src.Describe())
	}
	frame.Close()
	return nil
}
