package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Emit(Event{Type: TypeDecisionTransition, ChannelID: "chan-1"})

	for _, sub := range []chan Event{a, c} {
		select {
		case ev := <-sub:
			assert.Equal(t, TypeDecisionTransition, ev.Type)
			assert.Equal(t, "chan-1", ev.ChannelID)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_SlowSubscriberLosesEventsNotTheLoop(t *testing.T) {
	b := NewBus()
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	// Overfill the buffer; Emit must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Emit(Event{Type: TypeSafetyClamp})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	assert.LessOrEqual(t, len(slow), 128)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Emitting after unsubscribe is harmless.
	b.Emit(Event{Type: TypeApplyOutcome})
}

func TestEvent_JSONRoundTrip(t *testing.T) {
	ev := Event{
		Type:      TypeRollbackOutcome,
		Severity:  SeverityCritical,
		ChannelID: "chan-9",
		Data:      map[string]interface{}{"success": false},
	}
	payload, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"policy.rollback"`)
	assert.Contains(t, string(payload), `"critical"`)
}
