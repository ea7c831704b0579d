package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lnpilot/backend/internal/ln"
)

// MemStore is an in-memory Store used by tests and by the daemon's
// fallback path when no durable store is configured in shadow mode.
type MemStore struct {
	mu        sync.RWMutex
	decisions map[string]*ln.Decision
	backups   map[string]*ln.PolicyBackup // by transaction_id
	weights   []*ln.Weights
	scores    []*ln.ChannelScore
	latest    map[ln.ChannelID]*ln.ChannelMetrics
	hourly    map[ln.ChannelID]map[time.Time]*ln.ChannelMetrics
	cooldowns map[ln.ChannelID]time.Time
	dnt       map[ln.ChannelID]string
	mode      string
	Now       func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		decisions: make(map[string]*ln.Decision),
		backups:   make(map[string]*ln.PolicyBackup),
		latest:    make(map[ln.ChannelID]*ln.ChannelMetrics),
		hourly:    make(map[ln.ChannelID]map[time.Time]*ln.ChannelMetrics),
		cooldowns: make(map[ln.ChannelID]time.Time),
		dnt:       make(map[ln.ChannelID]string),
		Now:       time.Now,
	}
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) SaveDecision(_ context.Context, d *ln.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.decisions[d.DecisionID] = &cp
	return nil
}

func (s *MemStore) UpdateDecision(_ context.Context, decisionID string, status ln.DecisionStatus, resultText, resultCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.ExecutionResult = resultText
	d.ExecutionCode = resultCode
	return nil
}

func (s *MemStore) GetDecision(_ context.Context, decisionID string) (*ln.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) AttachTransaction(_ context.Context, decisionID, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return ErrNotFound
	}
	d.TransactionID = transactionID
	return nil
}

func (s *MemStore) DecisionByTransaction(_ context.Context, transactionID string) (*ln.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.decisions {
		if d.TransactionID == transactionID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) all() []ln.Decision {
	out := make([]ln.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, *d)
	}
	return out
}

func (s *MemStore) DecisionsByChannelSince(_ context.Context, id ln.ChannelID, since time.Time) ([]ln.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ln.Decision
	for _, d := range s.all() {
		if d.ChannelID == id && !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) LastExecuted(_ context.Context, id ln.ChannelID) (*ln.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *ln.Decision
	for _, d := range s.all() {
		d := d
		if d.ChannelID == id && d.Status == ln.StatusExecuted && d.Kind.Mutating() {
			if best == nil || d.CreatedAt.After(best.CreatedAt) {
				best = &d
			}
		}
	}
	return best, nil
}

func (s *MemStore) DecisionsByStatus(_ context.Context, status ln.DecisionStatus) ([]ln.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ln.Decision
	for _, d := range s.all() {
		if d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ExecutedBetween(_ context.Context, from, to time.Time) ([]ln.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ln.Decision
	for _, d := range s.all() {
		if d.Status == ln.StatusExecuted && d.Kind.Mutating() && !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ShadowCounts(_ context.Context, since time.Time) (map[ln.DecisionKind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ln.DecisionKind]int)
	for _, d := range s.all() {
		if d.Status == ln.StatusShadowed && !d.CreatedAt.Before(since) {
			out[d.Kind]++
		}
	}
	return out, nil
}

func (s *MemStore) SaveScore(_ context.Context, sc *ln.ChannelScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.scores = append(s.scores, &cp)
	return nil
}

func (s *MemStore) LowScoreSince(_ context.Context, id ln.ChannelID, threshold float64, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	earliest := time.Time{}
	for _, sc := range s.scores {
		if sc.ChannelID != id || sc.ComputedAt.Before(since) {
			continue
		}
		if sc.Total >= threshold {
			return false, nil
		}
		count++
		if earliest.IsZero() || sc.ComputedAt.Before(earliest) {
			earliest = sc.ComputedAt
		}
	}
	if count == 0 {
		return false, nil
	}
	return earliest.Sub(since) < time.Hour, nil
}

func (s *MemStore) SaveBackup(_ context.Context, b *ln.PolicyBackup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.backups[b.TransactionID] = &cp
	return nil
}

func (s *MemStore) BackupByTransaction(_ context.Context, transactionID string) (*ln.PolicyBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backups[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemStore) SaveWeights(_ context.Context, w *ln.Weights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.weights = append(s.weights, &cp)
	return nil
}

func (s *MemStore) LatestWeights(_ context.Context) (*ln.Weights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.weights) == 0 {
		return nil, ErrNotFound
	}
	best := s.weights[0]
	for _, w := range s.weights[1:] {
		if w.Version > best.Version {
			best = w
		}
	}
	cp := *best
	return &cp, nil
}

func (s *MemStore) SaveMetricsLatest(_ context.Context, m *ln.ChannelMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.latest[m.ChannelID]
	if ok && cur.ObservedAt.After(m.ObservedAt) {
		return nil
	}
	cp := *m
	s.latest[m.ChannelID] = &cp
	return nil
}

func (s *MemStore) SaveMetricsHourly(_ context.Context, m *ln.ChannelMetrics, hour time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hour = hour.Truncate(time.Hour)
	if s.hourly[m.ChannelID] == nil {
		s.hourly[m.ChannelID] = make(map[time.Time]*ln.ChannelMetrics)
	}
	cp := *m
	s.hourly[m.ChannelID][hour] = &cp
	return nil
}

func (s *MemStore) ForwardVolumeNear(_ context.Context, id ln.ChannelID, t time.Time, tolerance time.Duration) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *ln.ChannelMetrics
	var bestDist time.Duration
	for hour, m := range s.hourly[id] {
		dist := hour.Sub(t)
		if dist < 0 {
			dist = -dist
		}
		if dist > tolerance {
			continue
		}
		if best == nil || dist < bestDist {
			best, bestDist = m, dist
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.Forwards7dVolume, true, nil
}

func (s *MemStore) SetCooldown(_ context.Context, id ln.ChannelID, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[id] = s.Now().Add(d)
	return nil
}

func (s *MemStore) CooldownRemaining(_ context.Context, id ln.ChannelID) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.cooldowns[id]
	if !ok {
		return 0, nil
	}
	remaining := until.Sub(s.Now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *MemStore) MarkDoNotTouch(_ context.Context, id ln.ChannelID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dnt[id] = reason
	return nil
}

func (s *MemStore) IsDoNotTouch(_ context.Context, id ln.ChannelID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dnt[id]
	return ok, nil
}

func (s *MemStore) ClearDoNotTouch(_ context.Context, id ln.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dnt, id)
	return nil
}

func (s *MemStore) PruneExpired(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for tx, b := range s.backups {
		if b.Expired(now) {
			delete(s.backups, tx)
		}
	}
	for id, d := range s.decisions {
		if now.Sub(d.CreatedAt) > DecisionRetention {
			delete(s.decisions, id)
		}
	}
	for ch, hours := range s.hourly {
		for hour := range hours {
			if now.Sub(hour) > HourlyRetention {
				delete(hours, hour)
			}
		}
		if len(hours) == 0 {
			delete(s.hourly, ch)
		}
	}
	for id, until := range s.cooldowns {
		if until.Before(now) {
			delete(s.cooldowns, id)
		}
	}
	return nil
}

func (s *MemStore) SaveMode(_ context.Context, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return nil
}

func (s *MemStore) GetMode(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, nil
}
