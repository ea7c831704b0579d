package nodeapi

import (
	"errors"
	"sync"
	"time"
)

// Breaker protects the node endpoint with the circuit breaker pattern.
// Repeated transient failures trip it open; while open every call fails
// fast with ErrBreakerOpen so the tick can skip its execution phase
// instead of stacking timeouts.

// BreakerState is the breaker's current disposition.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing fast
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned while the breaker is shedding calls.
var ErrBreakerOpen = errors.New("nodeapi: circuit breaker open")

// BreakerConfig tunes the breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// that trips the breaker.
	FailureThreshold int
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenProbes is how many consecutive successes close it again.
	HalfOpenProbes int
	// OnStateChange is invoked on every transition.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes
// after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     int
	probes       int
	openedAt     time.Time
	now          func() time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 2
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current state, advancing open→half-open on expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Record feeds a call outcome back into the breaker. Only transient
// failures count against it: a version conflict or auth error says
// nothing about node reachability.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if err == nil || !IsTransient(err) && !errors.Is(err, ErrUnavailable) {
		switch state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.probes++
			if b.probes >= b.cfg.HalfOpenProbes {
				b.transition(BreakerClosed)
			}
		}
		return
	}

	switch state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case BreakerOpen:
		b.openedAt = b.now()
	case BreakerHalfOpen:
		b.probes = 0
	case BreakerClosed:
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
