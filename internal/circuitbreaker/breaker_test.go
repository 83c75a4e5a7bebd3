package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frozenBreaker returns a breaker whose clock is controlled by the
// returned advance function.
func frozenBreaker(opts ...Option) (*Breaker, func(time.Duration)) {
	now := time.Now()
	b := New(opts...)
	b.nowFunc = func() time.Time { return now }
	return b, func(d time.Duration) { now = now.Add(d) }
}

func TestClosedAllows(t *testing.T) {
	b := New()
	assert.True(t, b.Allow())
	assert.Equal(t, Closed, b.CurrentState())
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
}

func TestOpenRejectsUntilCooldown(t *testing.T) {
	b, advance := frozenBreaker(WithThreshold(1), WithCooldown(10*time.Second))

	b.RecordFailure()
	require.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())

	advance(11 * time.Second)
	assert.True(t, b.Allow(), "one probe after cooldown")
	assert.Equal(t, HalfOpen, b.CurrentState())
	assert.False(t, b.Allow(), "only one probe at a time")
}

func TestProbeSuccessCloses(t *testing.T) {
	b, advance := frozenBreaker(WithThreshold(1), WithCooldown(5*time.Second))

	b.RecordFailure()
	advance(6 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.CurrentState())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.Allow())
}

func TestProbeFailureReopens(t *testing.T) {
	b, advance := frozenBreaker(WithThreshold(1), WithCooldown(5*time.Second))

	b.RecordFailure()
	advance(6 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow(), "cooldown restarts after a failed probe")
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := New(WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.CurrentState())
	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
}

func TestStateChangeCallback(t *testing.T) {
	type hop struct{ from, to State }
	var seen []hop

	b, advance := frozenBreaker(
		WithThreshold(1),
		WithCooldown(5*time.Second),
		WithOnStateChange(func(from, to State) { seen = append(seen, hop{from, to}) }),
	)

	b.RecordFailure()
	advance(6 * time.Second)
	b.Allow()
	b.RecordSuccess()

	assert.Equal(t, []hop{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}, seen)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestOptionsIgnoreNonPositive(t *testing.T) {
	b := New(WithThreshold(0), WithCooldown(0))
	assert.Equal(t, defaultThreshold, b.threshold)
	assert.Equal(t, defaultCooldown, b.cooldown)

	b = New(WithThreshold(-1), WithCooldown(-time.Second))
	assert.Equal(t, defaultThreshold, b.threshold)
	assert.Equal(t, defaultCooldown, b.cooldown)
}
