// Package stats aggregates routed-request samples into rolling-window
// summaries for the admin dashboard.
package stats

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is a single data point recorded for a routed request.
type Snapshot struct {
	Timestamp    time.Time
	Org          string
	Model        string
	ProviderKey  string
	LatencyMs    float64
	CostUSD      float64
	Success      bool
	Attempts     int
	InputTokens  int
	OutputTokens int
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window       string  `json:"window"`
	Org          string  `json:"org,omitempty"`
	Model        string  `json:"model,omitempty"`
	ProviderKey  string  `json:"provider_key,omitempty"`
	RequestCount int     `json:"request_count"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	Failovers    int     `json:"failovers"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
}

// Collector maintains rolling snapshots for dashboard aggregation.
type Collector struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	maxAge    time.Duration // oldest snapshot to keep
	windows   []Window
}

// NewCollector creates a collector retaining slightly more history than the
// largest default window.
func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour,
	}
}

// Record adds a new snapshot.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	c.mu.Unlock()
}

// Seed bulk-loads historical snapshots (e.g. from the database on startup)
// so the dashboard is not blank after a restart.
func (c *Collector) Seed(snapshots []Snapshot) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshots...)
	c.mu.Unlock()
}

// Prune removes snapshots older than maxAge.
func (c *Collector) Prune() {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(cutoff)
}

// pruneLocked removes expired snapshots. Caller holds c.mu (write lock).
// Seeded history may arrive unsorted, so scan rather than binary search.
func (c *Collector) pruneLocked(cutoff time.Time) {
	kept := c.snapshots[:0]
	for _, s := range c.snapshots {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	c.snapshots = kept
}

// working prunes under the write lock and returns a copy of what remains,
// so aggregation never races with Record.
func (c *Collector) working() []Snapshot {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(cutoff)
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	return cp
}

// grouped computes per-window aggregates bucketed by keyOf, labelling each
// aggregate via label.
func (c *Collector) grouped(keyOf func(Snapshot) string, label func(*Aggregate, string)) map[string][]Aggregate {
	snapshots := c.working()
	now := time.Now()
	result := make(map[string][]Aggregate)

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)

		buckets := make(map[string][]Snapshot)
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				k := keyOf(s)
				buckets[k] = append(buckets[k], s)
			}
		}

		for k, snaps := range buckets {
			agg := computeAggregate(w.Name, snaps)
			label(&agg, k)
			result[w.Name] = append(result[w.Name], agg)
		}
	}
	return result
}

// Summary returns aggregated stats for all windows grouped by model.
func (c *Collector) Summary() map[string][]Aggregate {
	return c.grouped(
		func(s Snapshot) string { return s.Model },
		func(a *Aggregate, k string) { a.Model = k },
	)
}

// SummaryByProvider returns aggregated stats for all windows grouped by provider.
func (c *Collector) SummaryByProvider() map[string][]Aggregate {
	return c.grouped(
		func(s Snapshot) string { return s.ProviderKey },
		func(a *Aggregate, k string) { a.ProviderKey = k },
	)
}

// SummaryByOrg returns aggregated stats for all windows grouped by org.
func (c *Collector) SummaryByOrg() map[string][]Aggregate {
	return c.grouped(
		func(s Snapshot) string { return s.Org },
		func(a *Aggregate, k string) { a.Org = k },
	)
}

// Global returns aggregate stats across all models and providers.
func (c *Collector) Global() []Aggregate {
	snapshots := c.working()
	now := time.Now()
	var result []Aggregate

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var snaps []Snapshot
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) > 0 {
			result = append(result, computeAggregate(w.Name, snaps))
		}
	}
	return result
}

// SnapshotCount returns the total number of stored snapshots.
func (c *Collector) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

func computeAggregate(window string, snaps []Snapshot) Aggregate {
	a := Aggregate{
		Window:       window,
		RequestCount: len(snaps),
	}

	var totalLatency float64
	latencies := make([]float64, 0, len(snaps))

	for _, s := range snaps {
		totalLatency += s.LatencyMs
		latencies = append(latencies, s.LatencyMs)
		a.TotalCostUSD += s.CostUSD
		a.InputTokens += s.InputTokens
		a.OutputTokens += s.OutputTokens
		if s.Attempts > 1 {
			// Every attempt past the first was a failover.
			a.Failovers += s.Attempts - 1
		}
		if !s.Success {
			a.ErrorCount++
		}
	}
	a.TotalTokens = a.InputTokens + a.OutputTokens

	if a.RequestCount > 0 {
		a.AvgLatencyMs = totalLatency / float64(a.RequestCount)
		a.ErrorRate = float64(a.ErrorCount) / float64(a.RequestCount)
	}

	sort.Float64s(latencies)
	if n := len(latencies); n > 0 {
		idx := int(float64(n) * 0.95)
		if idx >= n {
			idx = n - 1
		}
		a.P95LatencyMs = latencies[idx]
	}

	return a
}
