package lifecycle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// keyedLocks serializes transitions per environment ID. Entries are dropped
// once nobody holds or waits for them.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]*lockSlot)}
}

// acquire takes the lock for key, waiting at most wait. It fails with Busy
// when the lock is still held after that.
func (l *keyedLocks) acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{sem: semaphore.NewWeighted(1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	acquired := slot.sem.TryAcquire(1)
	if !acquired && wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		acquired = slot.sem.Acquire(wctx, 1) == nil
		cancel()
	}
	if !acquired {
		l.unref(key, slot)
		return nil, &fault.Error{
			Kind:          fault.Busy,
			EnvironmentID: key,
			Op:            "lock",
			Err:           errTransitionInFlight,
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			l.unref(key, slot)
		})
	}, nil
}

func (l *keyedLocks) unref(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 && l.slots[key] == slot {
		delete(l.slots, key)
	}
}

// held reports whether a transition for key is in flight or queued.
func (l *keyedLocks) held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[key]
	return ok
}
