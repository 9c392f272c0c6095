// Package session owns the per-connection detection state machine and the
// frame processing loops that feed the broadcast hub.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/recognize"
)

// State is the lifecycle of a detection session.
type State int

const (
	// Idle means no detection is running for the connection.
	Idle State = iota
	// Starting means the camera lock is being acquired and the source opened.
	Starting
	// Active means a frame processing loop is publishing results.
	Active
	// Stopping means a stop was requested and the loop is winding down.
	Stopping
	// Errored means the session failed and needs an explicit new start.
	Errored
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Session tracks detection state for one control connection. It is owned
// exclusively by the Manager; the processing loop only reads it.
type Session struct {
	// ID is the owning connection's identity.
	ID string

	mu        sync.RWMutex
	state     State
	source    capture.Source
	pipe      *pipeline
	lastError error
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Source returns the camera source the session was started with.
func (s *Session) Source() capture.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// PipelineID returns the broadcast pipeline the session publishes to, or ""
// when the session is not active.
func (s *Session) PipelineID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pipe == nil {
		return ""
	}
	return s.pipe.id
}

// LastFrame returns the capture timestamp of the most recently processed
// frame, zero if none was processed yet.
func (s *Session) LastFrame() time.Time {
	s.mu.RLock()
	pipe := s.pipe
	s.mu.RUnlock()
	if pipe == nil {
		return time.Time{}
	}
	return pipe.lastFrame()
}

// LastError returns the error that moved the session to Errored, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = Errored
	s.lastError = err
	s.pipe = nil
	s.mu.Unlock()
}

// pipeline is one frame processing loop bound to one camera resource. Several
// sessions targeting the same physical source share a pipeline instead of
// opening a second capture.
type pipeline struct {
	id       string
	key      string
	source   capture.Source
	stream   capture.Stream
	lock     *capture.Lock
	gallery  *recognize.Gallery
	throttle time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	refs    int          // owning sessions, guarded by the manager mutex
	frameAt atomic.Int64 // unix nanos of last processed frame

	// MJPEG feed state. The loop only encodes annotated snapshots while at
	// least one viewer is attached.
	viewers atomic.Int32
	snapMu  sync.Mutex
	snap    []byte
	snapSeq uint64
}

func (p *pipeline) lastFrame() time.Time {
	ns := p.frameAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// stop signals the loop to exit and closes the stream so a Next blocked in
// an RTSP reconnect wait aborts immediately instead of riding out the full
// backoff schedule. The close runs off the caller's goroutine because the
// manager mutex is held here and an in-flight read may pin the stream mutex
// for a few seconds; the loop's own deferred Close is a no-op afterwards.
func (p *pipeline) stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		go p.stream.Close()
	})
}

func (p *pipeline) markFrame(ts time.Time) {
	p.frameAt.Store(ts.UnixNano())
}

func (p *pipeline) storeSnapshot(jpeg []byte) {
	p.snapMu.Lock()
	p.snap = jpeg
	p.snapSeq++
	p.snapMu.Unlock()
}

// snapshot returns the latest annotated JPEG and its sequence number. The
// sequence lets a feed writer skip cycles where no new frame arrived.
func (p *pipeline) snapshot() ([]byte, uint64) {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	return p.snap, p.snapSeq
}
