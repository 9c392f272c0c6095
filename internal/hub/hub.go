package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/darshan/internal/recognize"
)

// Kind classifies a subscriber by the surface it feeds.
type Kind int

const (
	// Dashboard consumes per-frame detection results for overlay rendering.
	Dashboard Kind = iota
	// WelcomeDisplay consumes recognition events keyed off novelty.
	WelcomeDisplay
)

// AllPipelines subscribes a consumer to events from every pipeline. Welcome
// displays use it so recognition reaches them no matter which camera produced
// it.
const AllPipelines = "*"

// subscriberBuffer is the per-subscriber channel capacity. A consumer that
// falls further behind than this loses events; nobody else is affected.
const subscriberBuffer = 16

// Subscriber is one downstream consumer of broadcast events.
type Subscriber struct {
	ID          string
	Kind        Kind
	PipelineID  string
	ConnectedAt time.Time

	ch      chan Event
	dropped uint64 // guarded by the hub mutex
}

// Events returns the subscriber's delivery channel. The hub closes it on
// unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Hub fans published events out to all current subscribers. Delivery is
// non-blocking per subscriber: a slow consumer drops its own events and never
// delays delivery to the rest.
type Hub struct {
	mu             sync.RWMutex
	subs           map[string]*Subscriber
	novelty        map[string]*noveltyTracker // per pipeline
	window         time.Duration
	latest         *RecognitionEvent
	primaryWelcome string
	onIdle         func(pipelineID string)
}

// New creates a hub with the given novelty window (zero means the default).
func New(window time.Duration) *Hub {
	if window <= 0 {
		window = DefaultNoveltyWindow
	}
	return &Hub{
		subs:    make(map[string]*Subscriber),
		novelty: make(map[string]*noveltyTracker),
		window:  window,
	}
}

// OnIdle registers a callback invoked (on the unsubscriber's goroutine) when
// a pipeline loses its last subscriber. The session manager uses it to stop
// capture loops nobody is watching.
func (h *Hub) OnIdle(fn func(pipelineID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onIdle = fn
}

// Subscribe registers a consumer for one pipeline, or for AllPipelines.
func (h *Hub) Subscribe(pipelineID string, kind Kind) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{
		ID:          uuid.NewString(),
		Kind:        kind,
		PipelineID:  pipelineID,
		ConnectedAt: time.Now(),
		ch:          make(chan Event, subscriberBuffer),
	}
	h.subs[sub.ID] = sub

	// The first welcome display becomes primary for manual-open UX.
	if kind == WelcomeDisplay && h.primaryWelcome == "" {
		h.primaryWelcome = sub.ID
	}
	return sub
}

// Unsubscribe removes the consumer and closes its channel. If its pipeline is
// left without subscribers, the idle callback fires.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.subs[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)

	if h.primaryWelcome == sub.ID {
		h.primaryWelcome = h.anyWelcomeLocked()
	}

	onIdle := h.onIdle
	var idle []string
	if sub.PipelineID == AllPipelines {
		// A global subscriber left; the manager re-checks every pipeline.
		idle = append(idle, AllPipelines)
	} else if h.countLocked(sub.PipelineID) == 0 {
		idle = append(idle, sub.PipelineID)
	}
	h.mu.Unlock()

	if onIdle != nil {
		for _, id := range idle {
			onIdle(id)
		}
	}
}

// IsPrimary reports whether the subscriber is the primary welcome display.
func (h *Hub) IsPrimary(sub *Subscriber) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sub != nil && h.primaryWelcome == sub.ID
}

// SubscriberCount returns the number of consumers that would receive events
// for the pipeline, including AllPipelines subscribers.
func (h *Hub) SubscriberCount(pipelineID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked(pipelineID)
}

// WelcomeCount returns the number of connected welcome displays.
func (h *Hub) WelcomeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, sub := range h.subs {
		if sub.Kind == WelcomeDisplay {
			n++
		}
	}
	return n
}

func (h *Hub) countLocked(pipelineID string) int {
	n := 0
	for _, sub := range h.subs {
		if sub.PipelineID == pipelineID || sub.PipelineID == AllPipelines {
			n++
		}
	}
	return n
}

func (h *Hub) anyWelcomeLocked() string {
	for id, sub := range h.subs {
		if sub.Kind == WelcomeDisplay {
			return id
		}
	}
	return ""
}

// Publish broadcasts the per-frame observations for a pipeline. Dashboards
// receive the raw detection result; if any face was recognized, welcome
// displays additionally receive a recognition event with novelty flags,
// batched when several identities appear in the same frame.
func (h *Hub) Publish(pipelineID string, faces []recognize.Observation, size FrameSize, ts time.Time) {
	detection := DetectionEvent{
		PipelineID: pipelineID,
		Faces:      faces,
		FrameSize:  size,
		Timestamp:  ts,
	}
	h.deliver(detection, Dashboard)

	recognition := h.buildRecognition(pipelineID, faces, ts)
	if recognition == nil {
		return
	}

	h.mu.Lock()
	h.latest = recognition
	h.mu.Unlock()

	h.deliver(*recognition, WelcomeDisplay)
}

// buildRecognition folds recognized faces into a single event, consulting the
// pipeline's novelty tracker per identity.
func (h *Hub) buildRecognition(pipelineID string, faces []recognize.Observation, ts time.Time) *RecognitionEvent {
	var users []RecognizedUser
	tracker := h.trackerFor(pipelineID)

	anyNew := false
	for _, f := range faces {
		if !f.Recognized {
			continue
		}
		isNew := tracker.observe(f.PersonID, ts)
		anyNew = anyNew || isNew
		users = append(users, RecognizedUser{
			PersonID:   f.PersonID,
			PersonName: f.PersonName,
			Confidence: f.MatchScore,
			IsNew:      isNew,
		})
	}
	if len(users) == 0 {
		return nil
	}

	eventType := TypeRecognition
	if len(users) > 1 {
		eventType = TypeBatchRecognition
	}

	tracker.forgetStale(ts)

	return &RecognitionEvent{
		PipelineID: pipelineID,
		Type:       eventType,
		Users:      users,
		IsNew:      anyNew,
		Timestamp:  ts,
	}
}

func (h *Hub) trackerFor(pipelineID string) *noveltyTracker {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.novelty[pipelineID]
	if !ok {
		t = newNoveltyTracker(h.window)
		h.novelty[pipelineID] = t
	}
	return t
}

// deliver sends the event to every matching subscriber without blocking.
func (h *Hub) deliver(ev Event, kind Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if sub.Kind != kind {
			continue
		}
		if sub.PipelineID != ev.Pipeline() && sub.PipelineID != AllPipelines {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			if sub.dropped%64 == 1 {
				log.Printf("hub: subscriber %s falling behind, %d events dropped", sub.ID, sub.dropped)
			}
		}
	}
}

// LatestRecognition returns the most recent recognition event, for the HTTP
// polling snapshot. The poll endpoint and the broadcast stream share this
// single source of truth.
func (h *Hub) LatestRecognition() (RecognitionEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.latest == nil {
		return RecognitionEvent{}, false
	}
	return *h.latest, true
}

// DropPipeline discards per-pipeline novelty state once a pipeline is gone.
func (h *Hub) DropPipeline(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.novelty, pipelineID)
}

// UnsubscribeWelcome removes every welcome display subscriber. An admin stop
// tears dependent welcome subscriptions down with the pipeline.
func (h *Hub) UnsubscribeWelcome() {
	h.mu.Lock()
	var welcome []*Subscriber
	for _, sub := range h.subs {
		if sub.Kind == WelcomeDisplay {
			welcome = append(welcome, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range welcome {
		h.Unsubscribe(sub)
	}
}
