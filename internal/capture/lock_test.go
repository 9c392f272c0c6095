package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockRegistry_MutualExclusion(t *testing.T) {
	reg := NewLockRegistry()

	l1, err := reg.Acquire("device:0", "owner-1")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	if _, err := reg.Acquire("device:0", "owner-2"); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrResourceBusy", err)
	}

	holder, held := reg.Holder("device:0")
	if !held || holder != "owner-1" {
		t.Errorf("Holder() = %q, %v, want owner-1, true", holder, held)
	}

	// A different key does not contend.
	l2, err := reg.Acquire("rtsp:rtsp://cam/live", "owner-2")
	if err != nil {
		t.Fatalf("Acquire() on distinct key error = %v", err)
	}
	l2.Release()

	l1.Release()
	if _, err := reg.Acquire("device:0", "owner-2"); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestLockRegistry_ConcurrentAcquire(t *testing.T) {
	reg := NewLockRegistry()

	const goroutines = 32
	var wg sync.WaitGroup
	var won int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := reg.Acquire("device:0", fmt.Sprintf("owner-%d", n)); err == nil {
				atomic.AddInt32(&won, 1)
			}
		}(i)
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("concurrent Acquire() winners = %d, want exactly 1", won)
	}
}

func TestLock_ReleaseIdempotent(t *testing.T) {
	reg := NewLockRegistry()

	l1, err := reg.Acquire("device:1", "owner-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	l1.Release()
	l2, err := reg.Acquire("device:1", "owner-2")
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}

	// A stale second release of l1 must not evict the new holder.
	l1.Release()

	holder, held := reg.Holder("device:1")
	if !held || holder != "owner-2" {
		t.Errorf("Holder() after stale release = %q, %v, want owner-2, true", holder, held)
	}
	l2.Release()
}
