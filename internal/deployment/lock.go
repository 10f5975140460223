package deployment

import (
	"sync"

	"hookdeploy/internal/target"
)

// LockManager hands out per-target deployment locks.
//
// Acquisition never blocks: a held target returns ErrBusy so repeated
// deliveries for an in-flight target are rejected instead of queued.
// Each grant carries a token, so a ScopedLock released after ReleaseAll
// cannot free a lock that was granted to somebody else in between.
type LockManager struct {
	mu       sync.Mutex
	held     map[target.Key]uint64
	next     uint64
	shutdown bool
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		held: make(map[target.Key]uint64),
	}
}

// ScopedLock is a granted lock. Release is idempotent and safe to defer.
type ScopedLock struct {
	lm    *LockManager
	key   target.Key
	token uint64
	once  sync.Once
}

// Acquire grants the lock for key, or returns ErrBusy when it is held and
// ErrShuttingDown after ReleaseAll.
func (lm *LockManager) Acquire(key target.Key) (*ScopedLock, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.shutdown {
		return nil, ErrShuttingDown
	}
	if _, busy := lm.held[key]; busy {
		return nil, ErrBusy
	}

	lm.next++
	lm.held[key] = lm.next
	return &ScopedLock{lm: lm, key: key, token: lm.next}, nil
}

// Held reports whether key is currently locked.
func (lm *LockManager) Held(key target.Key) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	_, ok := lm.held[key]
	return ok
}

// ReleaseAll force-releases every lock and refuses further acquisitions.
// It returns the keys that were still held.
func (lm *LockManager) ReleaseAll() []target.Key {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.shutdown = true
	keys := make([]target.Key, 0, len(lm.held))
	for key := range lm.held {
		keys = append(keys, key)
	}
	clear(lm.held)
	return keys
}

func (lm *LockManager) release(key target.Key, token uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.held[key] == token {
		delete(lm.held, key)
	}
}

// Key returns the locked target.
func (l *ScopedLock) Key() target.Key {
	return l.key
}

// Release frees the lock. Calls after the first are no-ops.
func (l *ScopedLock) Release() {
	l.once.Do(func() {
		l.lm.release(l.key, l.token)
	})
}
