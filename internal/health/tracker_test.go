package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudironsoni/synaxis/internal/events"
)

func TestCheckUnknownPairIsOptimistic(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	snap := tr.Check("acme", "openai")
	assert.True(t, snap.Healthy)
	assert.Equal(t, 1.0, snap.Score)
	assert.False(t, snap.InCooldown)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestCooldownGrowsExponentially(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr := NewTracker(DefaultConfig(), WithClock(func() time.Time { return now }))

	expected := []time.Duration{
		1 * time.Minute,  // 2^0
		2 * time.Minute,  // 2^1
		4 * time.Minute,  // 2^2
		8 * time.Minute,  // 2^3
		16 * time.Minute, // 2^4
		32 * time.Minute, // 2^5
		60 * time.Minute, // capped
		60 * time.Minute, // still capped
	}
	for i, want := range expected {
		tr.MarkUnhealthy("acme", "openai", "upstream 500")
		s := tr.GetState("acme", "openai")
		assert.Equal(t, want, s.CooldownUntil.Sub(now), "failure %d", i+1)
	}
}

func TestCooldownExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(DefaultConfig(), WithClock(func() time.Time { return now }))

	tr.MarkUnhealthy("acme", "openai", "timeout")
	assert.True(t, tr.Check("acme", "openai").InCooldown)

	now = now.Add(61 * time.Second)
	assert.False(t, tr.Check("acme", "openai").InCooldown)
}

func TestMarkHealthyClearsCooldown(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	tr.MarkUnhealthy("acme", "openai", "timeout")
	tr.MarkUnhealthy("acme", "openai", "timeout")
	tr.MarkHealthy("acme", "openai")

	snap := tr.Check("acme", "openai")
	assert.True(t, snap.Healthy)
	assert.False(t, snap.InCooldown)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestScoreDecaysOnFailure(t *testing.T) {
	tr := NewTracker(Config{CooldownCap: time.Hour, ScoreDecay: 0.5})

	tr.MarkUnhealthy("acme", "openai", "timeout")
	assert.InDelta(t, 0.5, tr.Check("acme", "openai").Score, 1e-9)

	tr.MarkUnhealthy("acme", "openai", "timeout")
	assert.InDelta(t, 0.25, tr.Check("acme", "openai").Score, 1e-9)

	tr.MarkHealthy("acme", "openai")
	assert.InDelta(t, 0.625, tr.Check("acme", "openai").Score, 1e-9)
}

func TestStatesAreIsolatedPerOrg(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	tr.MarkUnhealthy("acme", "openai", "timeout")

	assert.False(t, tr.Check("acme", "openai").Healthy)
	assert.True(t, tr.Check("globex", "openai").Healthy)
}

func TestResetClearsEverything(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	for i := 0; i < 5; i++ {
		tr.MarkUnhealthy("acme", "openai", "timeout")
	}
	tr.Reset("acme", "openai")

	s := tr.GetState("acme", "openai")
	assert.True(t, s.Healthy)
	assert.Equal(t, 1.0, s.Score)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.True(t, s.CooldownUntil.IsZero())
	// History counters survive the reset.
	assert.Equal(t, int64(5), s.TotalFailures)
}

func TestNoteProbeSuccessClearsAllOrgs(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	tr.MarkUnhealthy("acme", "openai", "timeout")
	tr.MarkUnhealthy("globex", "openai", "timeout")
	tr.MarkUnhealthy("acme", "mistral", "timeout")

	tr.NoteProbeSuccess("openai")

	assert.False(t, tr.Check("acme", "openai").InCooldown)
	assert.False(t, tr.Check("globex", "openai").InCooldown)
	assert.True(t, tr.Check("acme", "mistral").InCooldown, "other providers untouched")
}

func TestTransitionEventsPublishedOnce(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	tr := NewTracker(DefaultConfig(), WithEventBus(bus))

	// Two failures in a row produce a single healthy->unhealthy transition.
	tr.MarkUnhealthy("acme", "openai", "upstream 503")
	tr.MarkUnhealthy("acme", "openai", "upstream 503")
	tr.MarkHealthy("acme", "openai")

	var got []events.Event
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.C:
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for health events")
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, events.EventHealthChange, got[0].Type)
	assert.Equal(t, "unhealthy", got[0].NewState)
	assert.Equal(t, "upstream 503", got[0].Reason)
	assert.Equal(t, "healthy", got[1].NewState)
}

type captureStore struct {
	saved []State
}

func (c *captureStore) SaveHealthState(_ context.Context, s State) error {
	c.saved = append(c.saved, s)
	return nil
}

func TestStateIsPersisted(t *testing.T) {
	store := &captureStore{}
	tr := NewTracker(DefaultConfig(), WithStore(store))

	tr.MarkUnhealthy("acme", "openai", "timeout")
	tr.MarkHealthy("acme", "openai")

	require.Len(t, store.saved, 2)
	assert.False(t, store.saved[0].Healthy)
	assert.True(t, store.saved[1].Healthy)
}
