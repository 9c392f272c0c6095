package capture

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"
)

func testMat() gocv.Mat {
	return gocv.NewMatWithSize(DefaultHeight, DefaultWidth, gocv.MatTypeCV8UC3)
}

func TestBrowserStream_LatestFrameWins(t *testing.T) {
	s := NewBrowserStream()
	defer s.Close()

	// Push several frames faster than the consumer reads. Only the most
	// recent one may be observed; pushes never block.
	for i := 0; i < 5; i++ {
		if err := s.PushMat(testMat()); err != nil {
			t.Fatalf("PushMat() #%d error = %v", i, err)
		}
	}

	frame, err := s.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame.Seq != 5 {
		t.Errorf("Next() seq = %d, want 5 (latest push)", frame.Seq)
	}
	frame.Close()

	// The frame is handed out at most once.
	if _, err := s.Next(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("second Next() error = %v, want ErrNoFrame", err)
	}
}

func TestBrowserStream_EmptyThenPushed(t *testing.T) {
	s := NewBrowserStream()
	defer s.Close()

	if _, err := s.Next(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Next() on empty stream error = %v, want ErrNoFrame", err)
	}

	if err := s.PushMat(testMat()); err != nil {
		t.Fatalf("PushMat() error = %v", err)
	}

	frame, err := s.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame.Width != DefaultWidth || frame.Height != DefaultHeight {
		t.Errorf("frame size = %dx%d, want %dx%d", frame.Width, frame.Height, DefaultWidth, DefaultHeight)
	}
	frame.Close()
}

func TestBrowserStream_BadFrame(t *testing.T) {
	s := NewBrowserStream()
	defer s.Close()

	if err := s.Push([]byte("not a jpeg")); !errors.Is(err, ErrBadFrame) {
		t.Errorf("Push(garbage) error = %v, want ErrBadFrame", err)
	}

	// A bad push does not disturb the stream.
	if err := s.PushMat(testMat()); err != nil {
		t.Fatalf("PushMat() after bad push error = %v", err)
	}
	frame, err := s.Next()
	if err != nil {
		t.Fatalf("Next() after bad push error = %v", err)
	}
	frame.Close()
}

func TestBrowserStream_Closed(t *testing.T) {
	s := NewBrowserStream()

	if err := s.PushMat(testMat()); err != nil {
		t.Fatalf("PushMat() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := s.PushMat(testMat()); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("PushMat() after close error = %v, want ErrStreamClosed", err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next() after close error = %v, want ErrStreamClosed", err)
	}
}
