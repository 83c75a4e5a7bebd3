// Package circuitbreaker guards async completion dispatch. When the
// workflow backend becomes unreachable the breaker trips after a run of
// consecutive failures, async submits are rejected for a cooldown, and a
// single probe is let through afterwards to test recovery.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// Closed: submits flow through normally.
	Closed State = iota
	// Open: submits are rejected until the cooldown elapses.
	Open
	// HalfOpen: exactly one probe submit is in flight.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker tracks consecutive dispatch failures and moves between Closed,
// Open and HalfOpen. Safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	trippedAt     time.Time
	onStateChange func(from, to State)

	nowFunc func() time.Time // test hook
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures trip the breaker.
// Default 3.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before probing.
// Default 30s.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a transition callback. It runs with the
// breaker's mutex held, so it must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New returns a Closed breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next submit may proceed. Closed always allows.
// Open allows a single probe once the cooldown has elapsed, moving to
// HalfOpen. HalfOpen rejects while the probe is outstanding.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.trippedAt.Add(b.cooldown)) {
			b.transition(HalfOpen)
			return true
		}
		return false
	default: // HalfOpen
		return false
	}
}

// RecordSuccess resets the failure run. A successful HalfOpen probe closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.transition(Closed)
	}
}

// RecordFailure counts a failed submit. Closed trips to Open at the
// threshold; a failed HalfOpen probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// CurrentState returns the breaker position without consulting the
// cooldown timer; Allow is the operation that advances Open to HalfOpen.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.transition(Open)
	b.trippedAt = b.nowFunc()
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
