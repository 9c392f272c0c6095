package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/hub"
	"github.com/ayusman/darshan/internal/recognize"
)

// Loop timing defaults.
const (
	// BrowserFPS bounds processing of browser-pushed frames.
	BrowserFPS = 10
	// CameraFPS bounds processing of continuously-polled device/RTSP frames.
	CameraFPS = 15
	// DefaultStartupTimeout is how long a stream may produce zero good
	// frames before the session fails with SourceUnavailable semantics.
	DefaultStartupTimeout = 10 * time.Second
	// DefaultMaxRecognitionFailures is the number of consecutive recognizer
	// faults tolerated before they stop being treated as transient noise.
	DefaultMaxRecognitionFailures = 5
)

// ErrTooManyFailures marks a session that was stopped because the recognizer
// kept faulting.
var ErrTooManyFailures = errors.New("recognition failed repeatedly")

// ErrDisabled is returned by Start while detection is switched off.
var ErrDisabled = errors.New("detection is disabled")

// GalleryLoader loads the known-identity gallery. It is called once per
// pipeline start, so registrations become visible to later sessions only.
type GalleryLoader func() (*recognize.Gallery, error)

// Config holds manager tuning knobs.
type Config struct {
	BrowserFPS             int
	CameraFPS              int
	StartupTimeout         time.Duration
	MaxRecognitionFailures int

	// OpenStream opens a stream for a source; tests inject fakes here.
	// Defaults to capture.Open.
	OpenStream func(capture.Source) (capture.Stream, error)
}

// DefaultConfig returns a Config with the product defaults.
func DefaultConfig() Config {
	return Config{
		BrowserFPS:             BrowserFPS,
		CameraFPS:              CameraFPS,
		StartupTimeout:         DefaultStartupTimeout,
		MaxRecognitionFailures: DefaultMaxRecognitionFailures,
		OpenStream:             capture.Open,
	}
}

// Manager owns all detection sessions and their pipelines.
type Manager struct {
	config      Config
	recognizer  recognize.Recognizer
	hub         *hub.Hub
	locks       *capture.LockRegistry
	loadGallery GalleryLoader

	mu        sync.Mutex
	disabled  bool
	sessions  map[string]*Session  // by connection ID
	pipelines map[string]*pipeline // by camera key
	onError   func(connID string, err error)
}

// NewManager creates a Manager. The hub's idle notifications are wired so
// pipelines nobody watches get stopped.
func NewManager(config Config, r recognize.Recognizer, h *hub.Hub, locks *capture.LockRegistry, loadGallery GalleryLoader) *Manager {
	if config.OpenStream == nil {
		config.OpenStream = capture.Open
	}
	if config.BrowserFPS <= 0 {
		config.BrowserFPS = BrowserFPS
	}
	if config.CameraFPS <= 0 {
		config.CameraFPS = CameraFPS
	}
	if config.MaxRecognitionFailures <= 0 {
		config.MaxRecognitionFailures = DefaultMaxRecognitionFailures
	}

	m := &Manager{
		config:      config,
		recognizer:  r,
		hub:         h,
		locks:       locks,
		loadGallery: loadGallery,
		sessions:    make(map[string]*Session),
		pipelines:   make(map[string]*pipeline),
	}
	h.OnIdle(m.handleIdle)
	return m
}

// OnError registers the callback used to surface asynchronous pipeline
// failures to the owning connection.
func (m *Manager) OnError(fn func(connID string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// Start begins detection for a connection. It is idempotent: a second start
// with the same source returns the existing session; a start with a different
// source stops the old pipeline reference first. If another active loop
// already holds the physical source, its output stream is reused rather than
// opening a second capture.
func (m *Manager) Start(connID string, source capture.Source) (*Session, error) {
	m.mu.Lock()

	if m.disabled {
		m.mu.Unlock()
		return nil, ErrDisabled
	}

	key := source.Key()
	if sess, ok := m.sessions[connID]; ok {
		if sess.State() == Active && sess.Source() != nil && sess.Source().Key() == key {
			m.mu.Unlock()
			return sess, nil
		}
		// Same connection, different source: drop the old reference.
		m.detachLocked(sess, false)
	}

	sess := &Session{ID: connID, state: Starting, source: source}
	m.sessions[connID] = sess

	// Reuse an existing loop for the same physical resource.
	if pipe, ok := m.pipelines[key]; ok {
		pipe.refs++
		sess.mu.Lock()
		sess.pipe = pipe
		sess.state = Active
		sess.mu.Unlock()
		m.mu.Unlock()
		log.Printf("session %s joined pipeline %s (%s)", connID, pipe.id, source.Describe())
		return sess, nil
	}

	pipe, err := m.startPipelineLocked(connID, source)
	if err != nil {
		sess.fail(err)
		delete(m.sessions, connID)
		m.mu.Unlock()
		return nil, err
	}

	sess.mu.Lock()
	sess.pipe = pipe
	sess.state = Active
	sess.mu.Unlock()
	m.mu.Unlock()

	log.Printf("session %s started pipeline %s (%s)", connID, pipe.id, source.Describe())
	return sess, nil
}

// startPipelineLocked acquires the camera lock, opens the stream, loads the
// gallery, and launches the processing loop. Called with m.mu held.
func (m *Manager) startPipelineLocked(connID string, source capture.Source) (*pipeline, error) {
	key := source.Key()

	lock, err := m.locks.Acquire(key, connID)
	if err != nil {
		// Held but with no pipeline in our map: a previous loop is still
		// winding down. Wait briefly for its exit paths to release.
		lock, err = m.reacquire(key, connID)
		if err != nil {
			holder, _ := m.locks.Holder(key)
			return nil, fmt.Errorf("camera in use by %s: %w", holder, capture.ErrResourceBusy)
		}
	}

	stream, err := m.config.OpenStream(source)
	if err != nil {
		lock.Release()
		return nil, err
	}

	gallery, err := m.loadGallery()
	if err != nil {
		stream.Close()
		lock.Release()
		return nil, fmt.Errorf("load gallery: %w", err)
	}

	fps := m.config.CameraFPS
	if _, ok := source.(capture.BrowserSource); ok {
		fps = m.config.BrowserFPS
	}

	pipe := &pipeline{
		id:       uuid.NewString(),
		key:      key,
		source:   source,
		stream:   stream,
		lock:     lock,
		gallery:  gallery,
		throttle: time.Second / time.Duration(fps),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		refs:     1,
	}
	m.pipelines[key] = pipe

	go m.run(pipe)
	return pipe, nil
}

// reacquire retries a busy lock for a short grace period, covering the window
// where a stopped loop has not yet run its release defers.
func (m *Manager) reacquire(key, connID string) (*capture.Lock, error) {
	const (
		grace = 2 * time.Second
		step  = 50 * time.Millisecond
	)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		time.Sleep(step)
		if lock, err := m.locks.Acquire(key, connID); err == nil {
			return lock, nil
		}
	}
	return nil, capture.ErrResourceBusy
}

// Stop ends detection for a connection. An admin-initiated stop tears down
// the pipeline and any dependent welcome-display subscriptions even if other
// consumers are watching; an implicit stop only drops this connection's
// reference and leaves the capture running for remaining subscribers.
func (m *Manager) Stop(connID string, adminInitiated bool) {
	m.mu.Lock()
	sess, ok := m.sessions[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sess.setState(Stopping)
	pipe := m.detachLocked(sess, adminInitiated)
	delete(m.sessions, connID)
	m.mu.Unlock()

	if adminInitiated && m.hub != nil {
		m.hub.UnsubscribeWelcome()
	}

	sess.setState(Idle)
	if pipe != nil {
		m.awaitLoop(pipe)
	}
}

// Release handles a connection disconnecting without an explicit stop. The
// capture keeps running while other subscribers (welcome displays) remain;
// only the last consumer going away ends the loop.
func (m *Manager) Release(connID string) {
	m.mu.Lock()
	sess, ok := m.sessions[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pipe := m.detachLocked(sess, false)
	delete(m.sessions, connID)
	m.mu.Unlock()

	if pipe != nil {
		m.awaitLoop(pipe)
	}
}

// detachLocked drops a session's pipeline reference. It returns the pipeline
// if it should be stopped: always on admin stop, otherwise only when no
// session references and no hub subscribers remain. Called with m.mu held.
func (m *Manager) detachLocked(sess *Session, force bool) *pipeline {
	sess.mu.Lock()
	pipe := sess.pipe
	sess.pipe = nil
	sess.mu.Unlock()

	if pipe == nil {
		return nil
	}

	pipe.refs--
	if !force && (pipe.refs > 0 || (m.hub != nil && m.hub.SubscriberCount(pipe.id) > 0)) {
		return nil
	}

	delete(m.pipelines, pipe.key)
	pipe.stop()

	// A forced stop can take down a pipeline other sessions still share.
	// Idle them too, so their next Start opens a fresh pipeline instead of
	// reusing a dead reference.
	for _, other := range m.sessions {
		if other.PipelineID() == pipe.id {
			other.mu.Lock()
			other.pipe = nil
			other.state = Idle
			other.mu.Unlock()
		}
	}
	return pipe
}

// awaitLoop waits for a stopped loop to run its exit paths. Stop is effective
// within one throttle interval, so this is short; a hung loop is logged, not
// waited on forever.
func (m *Manager) awaitLoop(pipe *pipeline) {
	select {
	case <-pipe.doneCh:
	case <-time.After(3 * time.Second):
		log.Printf("pipeline %s did not stop within grace period", pipe.id)
	}
}

// handleIdle is the hub's notification that a pipeline (or, for
// hub.AllPipelines, possibly several) lost its last subscriber.
func (m *Manager) handleIdle(pipelineID string) {
	m.mu.Lock()
	var stopped []*pipeline
	for key, pipe := range m.pipelines {
		if pipelineID != hub.AllPipelines && pipe.id != pipelineID {
			continue
		}
		if pipe.refs > 0 || m.hub.SubscriberCount(pipe.id) > 0 {
			continue
		}
		delete(m.pipelines, key)
		pipe.stop()
		stopped = append(stopped, pipe)
	}
	m.mu.Unlock()

	for _, pipe := range stopped {
		log.Printf("pipeline %s stopped: last subscriber gone", pipe.id)
	}
}

// Get returns the session for a connection, if any.
func (m *Manager) Get(connID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[connID]
	return sess, ok
}

// PushFrame feeds a browser-pushed frame into the connection's stream.
func (m *Manager) PushFrame(connID string, data []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[connID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no active session for connection %s", connID)
	}
	sess.mu.RLock()
	pipe := sess.pipe
	sess.mu.RUnlock()
	m.mu.Unlock()

	if pipe == nil {
		return fmt.Errorf("session %s has no active pipeline", connID)
	}

	browser, ok := pipe.stream.(*capture.BrowserStream)
	if !ok {
		return fmt.Errorf("session %s is not browser-sourced", connID)
	}
	return browser.Push(data)
}

// SetEnabled switches detection on or off globally. Disabling force-stops
// every running pipeline and makes Start fail until re-enabled.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.disabled = !enabled
	m.mu.Unlock()

	if !enabled {
		m.StopKind(func(capture.Source) bool { return true })
	}
}

// Enabled reports whether detection is switched on.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disabled
}

// ActiveCount returns the number of running pipelines.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipelines)
}

// StopKind force-stops every pipeline whose source matches the predicate.
// The admin stream-teardown endpoints use it.
func (m *Manager) StopKind(match func(capture.Source) bool) int {
	m.mu.Lock()
	var stopped []*pipeline
	for key, pipe := range m.pipelines {
		if !match(pipe.source) {
			continue
		}
		delete(m.pipelines, key)
		pipe.stop()
		stopped = append(stopped, pipe)

		for _, sess := range m.sessions {
			if sess.PipelineID() == pipe.id {
				sess.mu.Lock()
				sess.pipe = nil
				sess.state = Idle
				sess.mu.Unlock()
			}
		}
	}
	m.mu.Unlock()

	for _, pipe := range stopped {
		m.awaitLoop(pipe)
	}
	return len(stopped)
}

// FindPipeline returns the ID of a running pipeline whose source matches the
// predicate. With at most one device and one RTSP pipeline active at a time,
// the first match is the feed the admin page wants.
func (m *Manager) FindPipeline(match func(capture.Source) bool) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pipe := range m.pipelines {
		if match(pipe.source) {
			return pipe.id, true
		}
	}
	return "", false
}

// AddViewer attaches an MJPEG viewer to a pipeline, turning on annotated
// snapshot encoding in its loop. Returns false if the pipeline is gone.
func (m *Manager) AddViewer(pipelineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pipe := m.pipelineByIDLocked(pipelineID)
	if pipe == nil {
		return false
	}
	pipe.viewers.Add(1)
	return true
}

// RemoveViewer detaches an MJPEG viewer.
func (m *Manager) RemoveViewer(pipelineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pipe := m.pipelineByIDLocked(pipelineID); pipe != nil {
		pipe.viewers.Add(-1)
	}
}

// Snapshot returns the latest annotated JPEG for a pipeline and its sequence
// number. ok is false once the pipeline is gone.
func (m *Manager) Snapshot(pipelineID string) (jpeg []byte, seq uint64, ok bool) {
	m.mu.Lock()
	pipe := m.pipelineByIDLocked(pipelineID)
	m.mu.Unlock()
	if pipe == nil {
		return nil, 0, false
	}
	jpeg, seq = pipe.snapshot()
	return jpeg, seq, true
}

func (m *Manager) pipelineByIDLocked(pipelineID string) *pipeline {
	for _, pipe := range m.pipelines {
		if pipe.id == pipelineID {
			return pipe
		}
	}
	return nil
}

// failPipeline removes a crashed pipeline and surfaces the error to every
// owning connection. Sessions land in Errored and need an explicit new start;
// there is no silent auto-restart against a broken camera.
func (m *Manager) failPipeline(pipe *pipeline, cause error) {
	m.mu.Lock()
	if cur, ok := m.pipelines[pipe.key]; !ok || cur != pipe {
		// Already torn down by a concurrent stop; nothing to report.
		m.mu.Unlock()
		return
	}
	delete(m.pipelines, pipe.key)
	pipe.stop()

	var owners []string
	for connID, sess := range m.sessions {
		if sess.PipelineID() == pipe.id {
			owners = append(owners, connID)
			sess.fail(cause)
		}
	}
	onError := m.onError
	m.mu.Unlock()

	m.hub.DropPipeline(pipe.id)
	log.Printf("pipeline %s failed: %v", pipe.id, cause)

	if onError != nil {
		for _, connID := range owners {
			onError(connID, cause)
		}
	}
}
