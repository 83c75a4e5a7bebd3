// Package quota enforces per-organization, per-provider rate limits over
// fixed one-minute windows. Two budgets apply independently: requests per
// minute (RPM) and tokens per minute (TPM).
package quota

import (
	"sync"
	"time"
)

// Limits are the per-minute budgets for one provider. Zero means unlimited.
type Limits struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
}

// window is one minute of counters for an (org, provider) pair.
type window struct {
	start    time.Time
	requests int
	tokens   int
}

// Usage is a point-in-time view of one pair's current window, for the
// admin API.
type Usage struct {
	Org         string    `json:"org"`
	ProviderKey string    `json:"provider_key"`
	Requests    int       `json:"requests"`
	Tokens      int       `json:"tokens"`
	RPMLimit    int       `json:"rpm_limit"`
	TPMLimit    int       `json:"tpm_limit"`
	WindowStart time.Time `json:"window_start"`
}

// Tracker implements router.QuotaChecker. Allow reserves a request slot
// atomically: the counter is incremented and checked under one lock
// acquisition, so N concurrent calls against a budget of M admit exactly
// M of them.
type Tracker struct {
	mu      sync.Mutex
	limits  map[string]Limits  // provider key -> budgets
	windows map[string]*window // org|provider -> current window

	// now is replaceable for tests.
	now func() time.Time
}

// Option configures optional Tracker behaviour.
type Option func(*Tracker)

// WithClock replaces the tracker's time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a quota tracker with no limits configured.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		limits:  make(map[string]Limits),
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetLimits replaces the full limit table. Called on registry load and
// reload; providers absent from the table are unlimited.
func (t *Tracker) SetLimits(limits map[string]Limits) {
	cp := make(map[string]Limits, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	t.mu.Lock()
	t.limits = cp
	t.mu.Unlock()
}

func key(org, provider string) string { return org + "|" + provider }

// Allow reserves one request against the pair's current window. When the
// reservation would exceed either budget it is not taken, and retryAfter
// reports the seconds until the window rolls over. estTokens, when positive,
// is checked against the remaining TPM headroom so an oversized request is
// denied before it is sent rather than after its usage lands. A request
// larger than the whole TPM budget is still admitted into an empty window;
// it would otherwise never run.
func (t *Tracker) Allow(org, providerKey string, estTokens int) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limits[providerKey]
	if !ok || (lim.RPM <= 0 && lim.TPM <= 0) {
		return true, 0
	}

	now := t.now()
	w := t.currentWindow(org, providerKey, now)

	if lim.RPM > 0 && w.requests+1 > lim.RPM {
		return false, retryAfter(w.start, now)
	}
	if lim.TPM > 0 {
		if w.tokens >= lim.TPM {
			return false, retryAfter(w.start, now)
		}
		if estTokens > 0 && w.tokens > 0 && w.tokens+estTokens > lim.TPM {
			return false, retryAfter(w.start, now)
		}
	}
	w.requests++
	return true, 0
}

// RecordUsage adds observed token consumption to the pair's current window.
// Usage is recorded after the fact, so a window may overshoot its TPM
// budget by at most one request's tokens; the next Allow in the same
// window then denies.
func (t *Tracker) RecordUsage(org, providerKey string, tokens int) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.currentWindow(org, providerKey, t.now())
	w.tokens += tokens
}

// Snapshot returns the current window for every tracked pair.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Usage, 0, len(t.windows))
	for k, w := range t.windows {
		if now.Sub(w.start) >= time.Minute {
			continue // stale window, counts no longer apply
		}
		org, provider := splitKey(k)
		lim := t.limits[provider]
		out = append(out, Usage{
			Org:         org,
			ProviderKey: provider,
			Requests:    w.requests,
			Tokens:      w.tokens,
			RPMLimit:    lim.RPM,
			TPMLimit:    lim.TPM,
			WindowStart: w.start,
		})
	}
	return out
}

// currentWindow returns the live window for a pair, rolling it over when
// the minute has elapsed. Caller must hold t.mu.
func (t *Tracker) currentWindow(org, providerKey string, now time.Time) *window {
	k := key(org, providerKey)
	w, ok := t.windows[k]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &window{start: now.Truncate(time.Minute)}
		t.windows[k] = w
	}
	return w
}

func retryAfter(windowStart, now time.Time) int {
	secs := int(windowStart.Add(time.Minute).Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func splitKey(k string) (org, provider string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
