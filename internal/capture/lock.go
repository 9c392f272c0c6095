package capture

import (
	"errors"
	"sync"
)

// ErrResourceBusy is returned by Acquire when another owner already holds the
// lock for a camera key. The caller can look up the holder with Holder and
// reuse that pipeline's output instead of opening a second capture.
var ErrResourceBusy = errors.New("camera resource already in use")

// Lock is a held mutual-exclusion token for one camera key.
type Lock struct {
	key      string
	owner    string
	registry *LockRegistry
}

// Key returns the camera key this lock covers.
func (l *Lock) Key() string { return l.key }

// Owner returns the owner ID the lock was acquired with.
func (l *Lock) Owner() string { return l.owner }

// Release gives the key back. It is idempotent and safe to call from every
// loop-exit path, including error paths.
func (l *Lock) Release() {
	l.registry.release(l)
}

// LockRegistry ensures at most one active frame processing loop holds a given
// physical camera resource at a time.
type LockRegistry struct {
	mu   sync.Mutex
	held map[string]*Lock
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{held: make(map[string]*Lock)}
}

// Acquire takes the lock for key on behalf of owner. If the key is already
// held it returns ErrResourceBusy; two concurrent acquires for the same key
// cannot both succeed.
func (r *LockRegistry) Acquire(key, owner string) (*Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.held[key]; held {
		return nil, ErrResourceBusy
	}

	l := &Lock{key: key, owner: owner, registry: r}
	r.held[key] = l
	return l, nil
}

// Holder returns the owner ID currently holding key, if any.
func (r *LockRegistry) Holder(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, held := r.held[key]
	if !held {
		return "", false
	}
	return l.owner, true
}

func (r *LockRegistry) release(l *Lock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only remove the entry if this exact lock still holds it; a stale
	// Release after re-acquisition must not evict the new holder.
	if cur, held := r.held[l.key]; held && cur == l {
		delete(r.held, l.key)
	}
}
