package store

import (
	"sync"
	"sync/atomic"
)

// DirLock serializes structural changes to one directory. Writers hold it
// exclusively while adding, removing or renaming entries; readers hold it
// shared while listing.
type DirLock struct {
	mu    sync.RWMutex
	holds atomic.Int32
}

func (l *DirLock) Lock() {
	l.mu.Lock()
	l.holds.Add(1)
}

// Unlock releases the write lock and returns the number of write holds
// outstanding afterwards. Anything but zero means the lock was not paired
// with exactly one Lock: a negative count is a release of a lock that was
// no longer held, which leaves the mutex untouched.
func (l *DirLock) Unlock() int {
	n := l.holds.Add(-1)
	if n < 0 {
		l.holds.Add(1)
		return int(n)
	}
	l.mu.Unlock()
	return int(n)
}

func (l *DirLock) RLock() {
	l.mu.RLock()
}

func (l *DirLock) RUnlock() {
	l.mu.RUnlock()
}

// WriteHoldCount reports the current number of write holds.
func (l *DirLock) WriteHoldCount() int {
	return int(l.holds.Load())
}
