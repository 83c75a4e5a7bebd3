package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rudironsoni/synaxis/internal/events"
	"github.com/rudironsoni/synaxis/internal/router"
)

// State captures runtime health for one (organization, provider) pair.
type State struct {
	Org                 string    `json:"org"`
	ProviderKey         string    `json:"provider_key"`
	Healthy             bool      `json:"healthy"`
	Score               float64   `json:"score"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastReason          string    `json:"last_reason,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
}

// InCooldown reports whether the state is cooling down at the given instant.
// CooldownUntil is set if and only if this is true for some future instant.
func (s *State) InCooldown(now time.Time) bool {
	return s.CooldownUntil.After(now)
}

// Config holds the tracker's cooldown policy.
type Config struct {
	// CooldownCap bounds the exponential backoff: the cooldown after the
	// n-th consecutive failure is min(2^(n-1), cap) minutes.
	CooldownCap time.Duration
	// ScoreDecay is the EWMA coefficient applied on each update.
	ScoreDecay float64
}

// DefaultConfig returns the default cooldown policy (60 minute cap).
func DefaultConfig() Config {
	return Config{
		CooldownCap: 60 * time.Minute,
		ScoreDecay:  0.7,
	}
}

// StateStore persists health snapshots. Persistence is best-effort: errors
// are logged and swallowed so a broken store never blocks routing.
type StateStore interface {
	SaveHealthState(ctx context.Context, s State) error
}

// Tracker maintains health state for every (org, provider) pair seen by the
// resilience loop. It implements router.HealthChecker.
type Tracker struct {
	cfg   Config
	bus   *events.Bus
	store StateStore

	mu     sync.RWMutex
	states map[string]*State

	// now is replaceable for tests.
	now func() time.Time
}

// Option configures optional Tracker behaviour.
type Option func(*Tracker)

// WithEventBus publishes health state transitions on the given bus.
func WithEventBus(bus *events.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithStore persists state snapshots after every update (best-effort).
func WithStore(s StateStore) Option {
	return func(t *Tracker) { t.store = s }
}

// WithClock replaces the tracker's time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = 60 * time.Minute
	}
	if cfg.ScoreDecay <= 0 || cfg.ScoreDecay >= 1 {
		cfg.ScoreDecay = 0.7
	}
	t := &Tracker{
		cfg:    cfg,
		states: make(map[string]*State),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func key(org, provider string) string { return org + "|" + provider }

// Check returns the routing-relevant snapshot for a pair. Unknown pairs get
// the optimistic default: healthy, score 1.0, no cooldown.
func (t *Tracker) Check(org, providerKey string) router.HealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[key(org, providerKey)]
	if !ok {
		return router.HealthSnapshot{Healthy: true, Score: 1.0}
	}
	now := t.now()
	return router.HealthSnapshot{
		Healthy:             s.Healthy,
		Score:               s.Score,
		ConsecutiveFailures: s.ConsecutiveFailures,
		InCooldown:          s.InCooldown(now),
		CooldownUntil:       s.CooldownUntil,
	}
}

// MarkHealthy records a successful attempt: failures reset, cooldown clears.
func (t *Tracker) MarkHealthy(org, providerKey string) {
	t.mu.Lock()
	s := t.getOrCreate(org, providerKey)
	wasHealthy := s.Healthy

	s.TotalRequests++
	s.ConsecutiveFailures = 0
	s.Healthy = true
	s.CooldownUntil = time.Time{}
	s.LastSuccessAt = t.now()
	s.Score = s.Score*t.cfg.ScoreDecay + (1 - t.cfg.ScoreDecay)
	snapshot := *s
	t.mu.Unlock()

	if !wasHealthy {
		t.publishTransition(snapshot, "unhealthy", "healthy", "success recorded")
	}
	t.persist(snapshot)
}

// MarkUnhealthy records a failed attempt and computes the cooldown window
// via exponential backoff: min(2^(n-1), cap) minutes for the n-th
// consecutive failure.
func (t *Tracker) MarkUnhealthy(org, providerKey, reason string) {
	t.mu.Lock()
	s := t.getOrCreate(org, providerKey)
	wasHealthy := s.Healthy

	now := t.now()
	s.TotalRequests++
	s.TotalFailures++
	s.ConsecutiveFailures++
	s.Healthy = false
	s.LastFailureAt = now
	s.LastReason = reason
	s.Score = s.Score * t.cfg.ScoreDecay
	s.CooldownUntil = now.Add(t.cooldownFor(s.ConsecutiveFailures))
	snapshot := *s
	t.mu.Unlock()

	if wasHealthy {
		t.publishTransition(snapshot, "healthy", "unhealthy", reason)
	}
	t.persist(snapshot)
}

// Reset is the administrative override: the pair returns to fully healthy
// regardless of history.
func (t *Tracker) Reset(org, providerKey string) {
	t.mu.Lock()
	s := t.getOrCreate(org, providerKey)
	wasHealthy := s.Healthy
	s.Healthy = true
	s.Score = 1.0
	s.ConsecutiveFailures = 0
	s.CooldownUntil = time.Time{}
	s.LastReason = ""
	snapshot := *s
	t.mu.Unlock()

	if !wasHealthy {
		t.publishTransition(snapshot, "unhealthy", "healthy", "admin reset")
	}
	t.persist(snapshot)
}

// NoteProbeSuccess clears cooldowns for a provider across every org. Called
// by the prober when a provider's health endpoint answers again, so routing
// does not wait out a cooldown that no longer reflects reality.
func (t *Tracker) NoteProbeSuccess(providerKey string) {
	t.mu.Lock()
	now := t.now()
	var cleared []State
	for _, s := range t.states {
		if s.ProviderKey != providerKey || !s.InCooldown(now) {
			continue
		}
		s.Healthy = true
		s.ConsecutiveFailures = 0
		s.CooldownUntil = time.Time{}
		cleared = append(cleared, *s)
	}
	t.mu.Unlock()

	for _, s := range cleared {
		t.publishTransition(s, "unhealthy", "healthy", "probe succeeded")
		t.persist(s)
	}
}

// GetState returns a copy of the state for a pair, or a healthy default.
func (t *Tracker) GetState(org, providerKey string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[key(org, providerKey)]; ok {
		return *s
	}
	return State{Org: org, ProviderKey: providerKey, Healthy: true, Score: 1.0}
}

// AllStates returns a copy of every tracked state.
func (t *Tracker) AllStates() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, *s)
	}
	return out
}

// cooldownFor computes min(2^(n-1), cap) minutes for n consecutive failures.
func (t *Tracker) cooldownFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	// Guard the shift before converting to a duration.
	if n-1 >= 30 {
		return t.cfg.CooldownCap
	}
	d := time.Duration(1<<uint(n-1)) * time.Minute
	if d > t.cfg.CooldownCap {
		return t.cfg.CooldownCap
	}
	return d
}

// getOrCreate returns the state for a pair, lazily creating the optimistic
// default. Caller must hold t.mu.
func (t *Tracker) getOrCreate(org, providerKey string) *State {
	k := key(org, providerKey)
	s, ok := t.states[k]
	if !ok {
		s = &State{Org: org, ProviderKey: providerKey, Healthy: true, Score: 1.0}
		t.states[k] = s
	}
	return s
}

func (t *Tracker) publishTransition(s State, from, to, reason string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.Event{
		Type:        events.EventHealthChange,
		Org:         s.Org,
		ProviderKey: s.ProviderKey,
		OldState:    from,
		NewState:    to,
		Reason:      reason,
	})
}

// persist writes the snapshot to the backing store. Store failures are
// logged and swallowed: the health signal is best-effort and must never
// block a routing decision.
func (t *Tracker) persist(s State) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.store.SaveHealthState(ctx, s); err != nil {
		slog.Warn("health state persist failed",
			slog.String("org", s.Org),
			slog.String("provider", s.ProviderKey),
			slog.String("error", err.Error()),
		)
	}
}
