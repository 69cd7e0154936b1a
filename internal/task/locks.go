package task

import (
	"context"
	"sync"
)

// feedLocks serializes ingestion per feed id: at most one in-flight
// unit may read the dedup key set and insert for a given feed,
// otherwise two refreshes could observe the same snapshot and
// double-insert.
type feedLocks struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

func newFeedLocks() *feedLocks {
	return &feedLocks{slots: make(map[int64]chan struct{})}
}

// acquire blocks until the feed's slot is free or the context ends.
func (l *feedLocks) acquire(ctx context.Context, feedID int64) error {
	l.mu.Lock()
	slot, ok := l.slots[feedID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[feedID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the feed's slot.
func (l *feedLocks) release(feedID int64) {
	l.mu.Lock()
	slot := l.slots[feedID]
	l.mu.Unlock()
	<-slot
}
