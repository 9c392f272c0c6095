package capture

import (
	"errors"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrBadFrame is returned by Push when the pushed bytes do not decode to an
// image. The pusher logs and continues; the stream is unaffected.
var ErrBadFrame = errors.New("frame could not be decoded")

// BrowserStream accepts frames pushed by a browser client and serves them
// through the pull interface. Only the most recent frame is held — pushes
// replace it rather than queueing, so a slow consumer never builds a backlog
// and never blocks the pusher. Next hands out each frame at most once.
type BrowserStream struct {
	mu     sync.Mutex
	latest *Frame
	seq    uint64
	closed bool
}

// NewBrowserStream creates an empty push stream.
func NewBrowserStream() *BrowserStream {
	return &BrowserStream{}
}

// Push decodes a JPEG/PNG frame and makes it the latest. Any previously
// buffered frame that was never observed is dropped.
func (s *BrowserStream) Push(data []byte) error {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return ErrBadFrame
	}
	if mat.Empty() {
		mat.Close()
		return ErrBadFrame
	}
	return s.push(mat)
}

// PushMat hands an already-decoded frame to the stream. The stream takes
// ownership of the Mat.
func (s *BrowserStream) PushMat(mat gocv.Mat) error {
	if mat.Empty() {
		mat.Close()
		return ErrBadFrame
	}
	return s.push(mat)
}

func (s *BrowserStream) push(mat gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		mat.Close()
		return ErrStreamClosed
	}

	if s.latest != nil {
		s.latest.Close()
	}

	s.seq++
	s.latest = &Frame{
		Mat:       mat,
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Timestamp: time.Now(),
		Seq:       s.seq,
	}
	return nil
}

// Next returns the most recently pushed frame, or ErrNoFrame if no new frame
// arrived since the last call. Ownership of the frame passes to the caller.
func (s *BrowserStream) Next() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.latest == nil {
		return nil, ErrNoFrame
	}

	frame := s.latest
	s.latest = nil
	return frame, nil
}

// Close releases any buffered frame. Subsequent pushes are rejected.
func (s *BrowserStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.latest != nil {
		s.latest.Close()
		s.latest = nil
	}
	return nil
}
