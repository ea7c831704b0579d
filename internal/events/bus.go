// Package events carries the control loop's event stream: decision state
// transitions, apply and rollback outcomes, safety clamps and scheduler
// lag. Subscribers (the admin websocket, tests) receive events in real
// time; delivery is best-effort and never blocks the publisher.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Severity is the coarse event level carried to operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event types emitted by the core.
const (
	TypeDecisionTransition = "decision.transition"
	TypeApplyOutcome       = "policy.apply"
	TypeRollbackOutcome    = "policy.rollback"
	TypeSafetyClamp        = "safety.clamp"
	TypeSchedulerLag       = "scheduler.lag"
	TypeWeightsUpdated     = "weights.updated"
	TypeDoNotTouch         = "channel.do_not_touch"
	TypeBreakerOpen        = "nodeapi.breaker_open"
)

// Event is the envelope for everything the loop reports outward.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Severity      Severity               `json:"severity"`
	Time          time.Time              `json:"time"`
	ChannelID     string                 `json:"channel_id,omitempty"`
	DecisionID    string                 `json:"decision_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface components publish through.
type Emitter interface {
	Emit(ev Event)
}

// Bus is an in-process pub/sub event bus.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan Event
	bufferSize int
	seq        int64
}

// NewBus creates an event bus with a per-subscriber buffer of 128 events.
func NewBus() *Bus {
	return &Bus{bufferSize: 128}
}

// Subscribe returns a channel receiving all subsequent events.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Emit stamps and publishes an event. Slow subscribers lose events rather
// than stalling the control loop.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	b.seq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("ev-%d", b.seq)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Nop is an Emitter that discards everything; used where events are not
// wired, e.g. unit tests of pure components.
type Nop struct{}

func (Nop) Emit(Event) {}
