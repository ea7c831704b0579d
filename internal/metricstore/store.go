// Package metricstore keeps the latest observed ChannelMetrics per
// channel plus a bounded ring of recent observations used for trend
// computation. Providers write concurrently through Upsert; the control
// tick reads one immutable snapshot so scoring never sees a torn view.
package metricstore

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lnpilot/backend/internal/ln"
)

// RingSize is how many observations per channel are retained for trends.
const RingSize = 96

// DefaultMaxAge is the freshness bound for GetFresh.
const DefaultMaxAge = 30 * time.Minute

// ErrStaleUpsert is returned when an upsert carries an observed_at older
// than the stored one. observed_at is monotonic per channel.
var ErrStaleUpsert = errors.New("metricstore: observation older than stored one")

type ring struct {
	buf   [RingSize]ln.ChannelMetrics
	next  int // next write position
	count int // number of valid entries, ≤ RingSize
}

func (r *ring) push(m ln.ChannelMetrics) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % RingSize
	if r.count < RingSize {
		r.count++
	}
}

// ordered checks the ring invariant: observations are monotonically
// non-decreasing in observed_at when walked oldest to newest.
func (r *ring) ordered() bool {
	if r.count < 2 {
		return true
	}
	start := (r.next - r.count + RingSize) % RingSize
	prev := r.buf[start].ObservedAt
	for i := 1; i < r.count; i++ {
		cur := r.buf[(start+i)%RingSize].ObservedAt
		if cur.Before(prev) {
			return false
		}
		prev = cur
	}
	return true
}

// history returns the ring contents oldest first.
func (r *ring) history() []ln.ChannelMetrics {
	out := make([]ln.ChannelMetrics, 0, r.count)
	start := (r.next - r.count + RingSize) % RingSize
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%RingSize])
	}
	return out
}

// Store owns the in-memory metrics. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	latest map[ln.ChannelID]ln.ChannelMetrics
	rings  map[ln.ChannelID]*ring
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty metric store.
func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		latest: make(map[ln.ChannelID]ln.ChannelMetrics),
		rings:  make(map[ln.ChannelID]*ring),
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert records a new observation for a channel. Observations failing
// validation are dropped; observations older than the stored one are
// rejected with ErrStaleUpsert. When the same provider set re-observes at
// the same instant, the write coalesces into the stored point.
func (s *Store) Upsert(m ln.ChannelMetrics) error {
	if err := m.Validate(); err != nil {
		s.logger.Warn("dropping invalid metrics", "channel", m.ChannelID, "err", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.latest[m.ChannelID]
	if ok && m.ObservedAt.Before(cur.ObservedAt) {
		return ErrStaleUpsert
	}
	if ok && m.ObservedAt.Equal(cur.ObservedAt) {
		// Coalesce: merge provider identity, keep newest values.
		m.SourceSet = mergeSources(cur.SourceSet, m.SourceSet)
		s.latest[m.ChannelID] = m
		return nil
	}

	s.latest[m.ChannelID] = m

	r, ok := s.rings[m.ChannelID]
	if !ok {
		r = &ring{}
		s.rings[m.ChannelID] = r
	}
	r.push(m)
	if !r.ordered() {
		// Corrupted ring: reset, preserving the latest point.
		s.logger.Warn("metric ring invariant violated, resetting", "channel", m.ChannelID)
		*r = ring{}
		r.push(m)
	}
	return nil
}

// GetFresh returns the latest metrics for a channel if they are no older
// than maxAge (DefaultMaxAge when maxAge ≤ 0). stale is true when the
// stored point exists but is too old.
func (s *Store) GetFresh(id ln.ChannelID, maxAge time.Duration) (m ln.ChannelMetrics, stale bool, ok bool) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok = s.latest[id]
	if !ok {
		return ln.ChannelMetrics{}, false, false
	}
	if s.now().Sub(m.ObservedAt) > maxAge {
		return m, true, true
	}
	return m, false, true
}

// History returns up to RingSize past observations for a channel, oldest
// first.
func (s *Store) History(id ln.ChannelID) []ln.ChannelMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[id]
	if !ok {
		return nil
	}
	return r.history()
}

// Snapshot is the immutable point-in-time view one tick works from.
type Snapshot struct {
	TakenAt time.Time
	MaxAge  time.Duration
	byID    map[ln.ChannelID]ln.ChannelMetrics
}

// SnapshotForTick copies the current latest-metrics map. The copy is
// never mutated afterward, so the whole tick scores against one view.
func (s *Store) SnapshotForTick(maxAge time.Duration) *Snapshot {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[ln.ChannelID]ln.ChannelMetrics, len(s.latest))
	for id, m := range s.latest {
		byID[id] = m
	}
	return &Snapshot{TakenAt: s.now(), MaxAge: maxAge, byID: byID}
}

// Get returns the snapshotted metrics for a channel plus a staleness flag
// relative to the snapshot instant.
func (sn *Snapshot) Get(id ln.ChannelID) (m ln.ChannelMetrics, stale bool, ok bool) {
	m, ok = sn.byID[id]
	if !ok {
		return ln.ChannelMetrics{}, false, false
	}
	return m, sn.TakenAt.Sub(m.ObservedAt) > sn.MaxAge, true
}

// Channels lists the channel ids present in the snapshot.
func (sn *Snapshot) Channels() []ln.ChannelID {
	out := make([]ln.ChannelID, 0, len(sn.byID))
	for id := range sn.byID {
		out = append(out, id)
	}
	return out
}

// Len returns the number of channels in the snapshot.
func (sn *Snapshot) Len() int { return len(sn.byID) }

func mergeSources(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
