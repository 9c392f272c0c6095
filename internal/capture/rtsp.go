package capture

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ReconnectConfig controls exponential backoff when an RTSP stream drops
// mid-session. The values are tunable, not contractual.
type ReconnectConfig struct {
	// MaxAttempts is the number of consecutive failed reconnects tolerated
	// before the stream is declared unavailable.
	MaxAttempts int
	// InitialDelay is the delay before the first reconnect attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// ConnectTimeout bounds a single connect attempt so a hanging network
	// call cannot wedge the loop.
	ConnectTimeout time.Duration
}

// DefaultReconnectConfig returns the default reconnect policy:
// 1s, 2s, 4s... capped at 30s, five attempts, 5s connect timeout.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:    5,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// backoffDelay returns the delay before reconnect attempt n (1-based).
func (c ReconnectConfig) backoffDelay(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// rtspStream reads frames from a network stream, reconnecting with bounded
// exponential backoff when the stream is interrupted.
type rtspStream struct {
	url string
	cfg ReconnectConfig

	mu  sync.Mutex // guards cap and seq
	cap *gocv.VideoCapture
	seq uint64

	closeOnce sync.Once
	stop      chan struct{} // closed on Close, aborts backoff waits
}

// openRTSP connects to the stream URL. The initial connect fails fast with
// ErrSourceUnavailable; backoff only applies to interruptions after that.
func openRTSP(url string, cfg ReconnectConfig) (*rtspStream, error) {
	s := &rtspStream{
		url:  url,
		cfg:  cfg,
		stop: make(chan struct{}),
	}

	cap, err := connectWithTimeout(url, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, url, err)
	}
	s.cap = cap
	return s, nil
}

// connectWithTimeout opens a VideoCapture, bounding the attempt so a hanging
// connect cannot block the caller past the configured timeout.
func connectWithTimeout(url string, timeout time.Duration) (*gocv.VideoCapture, error) {
	type result struct {
		cap *gocv.VideoCapture
		err error
	}

	ch := make(chan result, 1)
	go func() {
		cap, err := gocv.OpenVideoCapture(url)
		ch <- result{cap: cap, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if !r.cap.IsOpened() {
			r.cap.Close()
			return nil, fmt.Errorf("stream did not open")
		}
		return r.cap, nil
	case <-time.After(timeout):
		// Close the late capture if the open ever completes.
		go func() {
			if r := <-ch; r.err == nil {
				r.cap.Close()
			}
		}()
		return nil, fmt.Errorf("connect timed out after %s", timeout)
	}
}

// Next reads a frame, reconnecting on interruption. It returns
// ErrStreamUnavailable once the reconnect budget is exhausted.
func (s *rtspStream) Next() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stop:
		return nil, ErrStreamClosed
	default:
	}

	if s.cap != nil {
		if frame, ok := s.read(); ok {
			return frame, nil
		}
		// Stream interrupted; drop the capture and fall into reconnect.
		s.cap.Close()
		s.cap = nil
		log.Printf("rtsp stream interrupted: %s", s.url)
	}

	return s.reconnect()
}

// read attempts a single frame read from the open capture.
func (s *rtspStream) read() (*Frame, bool) {
	mat := gocv.NewMat()
	if ok := s.cap.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, false
	}
	s.seq++
	return &Frame{
		Mat:       mat,
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Timestamp: time.Now(),
		Seq:       s.seq,
	}, true
}

// reconnect retries the connection with exponential backoff, reading a frame
// from the re-established stream. Called with s.mu held.
func (s *rtspStream) reconnect() (*Frame, error) {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		delay := s.cfg.backoffDelay(attempt)
		log.Printf("rtsp reconnect attempt %d/%d in %s: %s", attempt, s.cfg.MaxAttempts, delay, s.url)

		select {
		case <-time.After(delay):
		case <-s.stop:
			return nil, ErrStreamClosed
		}

		cap, err := connectWithTimeout(s.url, s.cfg.ConnectTimeout)
		if err != nil {
			log.Printf("rtsp reconnect failed: %s: %v", s.url, err)
			continue
		}

		s.cap = cap
		if frame, ok := s.read(); ok {
			log.Printf("rtsp stream re-established: %s", s.url)
			return frame, nil
		}
		s.cap.Close()
		s.cap = nil
	}

	return nil, fmt.Errorf("%w: %s: %d attempts", ErrStreamUnavailable, s.url, s.cfg.MaxAttempts)
}

// Close tears down the stream and aborts any in-progress backoff wait.
func (s *rtspStream) Close() error {
	// Signal before taking the mutex so a reconnect blocked in backoff
	// observes the stop and releases it.
	s.closeOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	return err
}
