package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{
		Type:        EventRouteSuccess,
		Model:       "llama-3.3-70b",
		ProviderKey: "groq",
		LatencyMs:   150,
	})

	e := recv(t, sub)
	assert.Equal(t, EventRouteSuccess, e.Type)
	assert.Equal(t, "llama-3.3-70b", e.Model)
	assert.False(t, e.Timestamp.IsZero(), "publish should stamp the event")
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe(10)
	sub2 := bus.Subscribe(10)
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	bus.Publish(Event{Type: EventFailover, ProviderKey: "p1"})

	for _, sub := range []*Subscriber{sub1, sub2} {
		assert.Equal(t, EventFailover, recv(t, sub).Type)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	bus.Unsubscribe(sub)

	require.Equal(t, 0, bus.SubscriberCount())

	// Publishing after unsubscribe must not panic or block.
	bus.Publish(Event{Type: EventQuotaDenied})
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventRouteSuccess})
	bus.Publish(Event{Type: EventRouteError}) // buffer full

	assert.Equal(t, EventRouteSuccess, recv(t, sub).Type)
	assert.Equal(t, int64(1), sub.Dropped())

	select {
	case e := <-sub.C:
		t.Errorf("expected second event dropped, got %s", e.Type)
	default:
	}
}

func TestEventJSONOmitsEmptyFields(t *testing.T) {
	e := Event{Type: EventHealthChange, OldState: "healthy", NewState: "cooling_down"}
	b := e.JSON()
	assert.Contains(t, string(b), `"old_state":"healthy"`)
	assert.NotContains(t, string(b), "provider_key")
}
