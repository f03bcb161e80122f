package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// LockManager hands out per-(user, campaign) mutual exclusion, implemented
// as a refcounted channel-backed lock per key so acquisition can honour a
// context deadline — something a bare sync.Mutex cannot do. This is layered
// in front of, not instead of, the database row locks LedgerService and
// state.Store take: it bounds how long a draw waits on lock contention
// without a database round trip per contention check. The orchestrator
// holds it across the commit transaction and releases it afterwards.
type LockManager struct {
	mu      sync.Mutex // pairs entry lookup with refs++, and refs-- with delete
	entries sync.Map   // string -> *refCountedLock
}

type refCountedLock struct {
	ch   chan struct{}
	refs int32
}

// NewLockManager constructs an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{}
}

// Acquire blocks until the lock for key is held or ctx is cancelled,
// whichever comes first. The returned release function must be called
// exactly once to free the lock.
func (lm *LockManager) Acquire(ctx context.Context, key string) (release func(), err error) {
	lm.mu.Lock()
	entryVal, _ := lm.entries.LoadOrStore(key, &refCountedLock{ch: make(chan struct{}, 1)})
	entry := entryVal.(*refCountedLock)
	atomic.AddInt32(&entry.refs, 1)
	lm.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			// Under mu, no waiter can have loaded this entry without also
			// counting itself in refs, so an entry is only deleted once
			// nobody holds or waits on it.
			lm.mu.Lock()
			if atomic.AddInt32(&entry.refs, -1) == 0 {
				lm.entries.CompareAndDelete(key, entry)
			}
			lm.mu.Unlock()
		}, nil
	case <-ctx.Done():
		atomic.AddInt32(&entry.refs, -1)
		return nil, ctx.Err()
	}
}

// Key builds the LockManager key for a (campaign, user) pair.
func Key(campaignID, userID string) string {
	return campaignID + "/" + userID
}
