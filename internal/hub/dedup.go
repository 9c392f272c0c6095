package hub

import (
	"sync"
	"time"
)

// DefaultNoveltyWindow is how long a continuously-recognized identity stays
// "not new". A person who leaves and returns after the window re-triggers a
// fresh recognition on displays that key off of novelty.
const DefaultNoveltyWindow = 5 * time.Second

// noveltyTracker decides per identity whether a recognition is new. The raw
// per-frame detection stream is unaffected by this.
type noveltyTracker struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
}

func newNoveltyTracker(window time.Duration) *noveltyTracker {
	if window <= 0 {
		window = DefaultNoveltyWindow
	}
	return &noveltyTracker{
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// observe records a sighting of personID at now and reports whether it counts
// as new: first sighting, or first after a gap longer than the window.
func (t *noveltyTracker) observe(personID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.lastSeen[personID]
	t.lastSeen[personID] = now
	return !seen || now.Sub(last) > t.window
}

// forgetStale drops identities not seen for several windows, bounding the map.
func (t *noveltyTracker) forgetStale(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, last := range t.lastSeen {
		if now.Sub(last) > 4*t.window {
			delete(t.lastSeen, id)
		}
	}
}
