package executor

import "sync"

// channelLocks hands out per-channel advisory locks. Acquire is
// non-blocking: a mutation that cannot take the lock is rejected rather
// than queued, so no two mutations on the same channel are ever in
// flight.
type channelLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newChannelLocks() *channelLocks {
	return &channelLocks{held: make(map[string]bool)}
}

// tryAcquire returns false when the channel is already locked.
func (l *channelLocks) tryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

func (l *channelLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
