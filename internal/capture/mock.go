package capture

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// MockStream plays back a scripted frame sequence for testing.
type MockStream struct {
	mu     sync.Mutex
	frames []gocv.Mat
	index  int
	loop   bool
	seq    uint64
	err    error
	closed bool
}

// NewMockStream creates a stream that serves the given frames in order.
// With loop set, the sequence restarts from the beginning when exhausted;
// otherwise Next returns ErrNoFrame once all frames are consumed.
func NewMockStream(frames []gocv.Mat, loop bool) *MockStream {
	return &MockStream{frames: frames, loop: loop}
}

// SetError makes every subsequent Next return err.
func (s *MockStream) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Next returns the next scripted frame as a clone, so the originals survive
// the caller's Close.
func (s *MockStream) Next() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.frames) == 0 {
		return nil, ErrNoFrame
	}

	if s.index >= len(s.frames) {
		if !s.loop {
			return nil, ErrNoFrame
		}
		s.index = 0
	}

	mat := s.frames[s.index].Clone()
	s.index++
	s.seq++

	return &Frame{
		Mat:       mat,
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Timestamp: time.Now(),
		Seq:       s.seq,
	}, nil
}

// Close marks the stream closed. The scripted frames belong to the test and
// are not released here.
func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
