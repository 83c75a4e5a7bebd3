package router

import (
	"sort"
	"time"
)

// HealthSnapshot is the routing-relevant view of a (org, provider) pair.
type HealthSnapshot struct {
	Healthy             bool
	Score               float64
	ConsecutiveFailures int
	InCooldown          bool
	CooldownUntil       time.Time
}

// HealthChecker is the tracker interface consumed by the resolver and loop.
// Defined here to avoid an import cycle with the health package.
type HealthChecker interface {
	Check(org, providerKey string) HealthSnapshot
	MarkHealthy(org, providerKey string)
	MarkUnhealthy(org, providerKey, reason string)
}

// CandidateSource provides the registered candidates for a canonical model
// id, in configured insertion order. Implemented by the registry.
type CandidateSource interface {
	CandidatesFor(canonicalID string) []Candidate
}

// Resolver produces the ordered candidate list for a request. It is a pure
// function of the current registry snapshot and health snapshot, re-run on
// every request so health changes are reflected immediately.
type Resolver struct {
	source CandidateSource
	health HealthChecker
}

func NewResolver(source CandidateSource, health HealthChecker) *Resolver {
	return &Resolver{source: source, health: health}
}

// Resolve returns the viable candidates for the model, ordered by routing
// policy: tier ascending; within a tier free before paid; then health score
// descending; then blended cost ascending; then insertion order.
func (r *Resolver) Resolve(canonicalID, org string) ([]Candidate, error) {
	cands := r.source.CandidatesFor(canonicalID)
	if len(cands) == 0 {
		return nil, ModelNotFound(canonicalID)
	}

	// Snapshot health once so the ordering is deterministic for the
	// duration of the sort even under concurrent tracker updates.
	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		if _, ok := scores[c.ProviderKey]; ok {
			continue
		}
		score := 1.0
		if r.health != nil {
			score = r.health.Check(org, c.ProviderKey).Score
		}
		scores[c.ProviderKey] = score
	}

	ordered := make([]Candidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Free != b.Free {
			return a.Free
		}
		sa, sb := scores[a.ProviderKey], scores[b.ProviderKey]
		if sa != sb {
			return sa > sb
		}
		ca, cb := a.BlendedCostPerMTok(), b.BlendedCostPerMTok()
		if ca != cb {
			return ca < cb
		}
		return a.Position < b.Position
	})
	return ordered, nil
}
