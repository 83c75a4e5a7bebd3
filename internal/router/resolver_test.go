package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource map[string][]Candidate

func (s staticSource) CandidatesFor(canonicalID string) []Candidate {
	return s[canonicalID]
}

type fakeHealth struct {
	scores    map[string]float64
	cooldowns map[string]time.Time
	unhealthy []string
	healthy   []string
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{
		scores:    make(map[string]float64),
		cooldowns: make(map[string]time.Time),
	}
}

func (h *fakeHealth) key(org, provider string) string { return org + "|" + provider }

func (h *fakeHealth) Check(org, providerKey string) HealthSnapshot {
	k := h.key(org, providerKey)
	score, ok := h.scores[k]
	if !ok {
		score = 1.0
	}
	until, cooling := h.cooldowns[k]
	return HealthSnapshot{
		Healthy:       !cooling,
		Score:         score,
		InCooldown:    cooling,
		CooldownUntil: until,
	}
}

func (h *fakeHealth) MarkHealthy(org, providerKey string) {
	h.healthy = append(h.healthy, h.key(org, providerKey))
}

func (h *fakeHealth) MarkUnhealthy(org, providerKey, reason string) {
	h.unhealthy = append(h.unhealthy, h.key(org, providerKey))
}

func providerOrder(cands []Candidate) []string {
	keys := make([]string, len(cands))
	for i, c := range cands {
		keys[i] = c.ProviderKey
	}
	return keys
}

func TestResolveUnknownModel(t *testing.T) {
	r := NewResolver(staticSource{}, newFakeHealth())
	_, err := r.Resolve("no-such-model", "acme")
	require.Error(t, err)

	f := AsFailure(err)
	assert.Equal(t, KindInvalidRequest, f.Kind)
	assert.Equal(t, "model_not_found", f.Code)
	assert.Equal(t, "model", f.Param)
}

func TestResolveTierOrdering(t *testing.T) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "backup", CanonicalID: "gpt-4o", Tier: 1, Position: 0},
		{ProviderKey: "primary", CanonicalID: "gpt-4o", Tier: 0, Position: 1},
	}}
	r := NewResolver(src, newFakeHealth())

	cands, err := r.Resolve("gpt-4o", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "backup"}, providerOrder(cands))
}

func TestResolveFreeBeforePaidWithinTier(t *testing.T) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "paid", CanonicalID: "gpt-4o", Tier: 0, InputPerMTok: 1, OutputPerMTok: 2, Position: 0},
		{ProviderKey: "community", CanonicalID: "gpt-4o", Tier: 0, Free: true, Position: 1},
	}}
	r := NewResolver(src, newFakeHealth())

	cands, err := r.Resolve("gpt-4o", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"community", "paid"}, providerOrder(cands))
}

func TestResolveHealthScoreOrdering(t *testing.T) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "flaky", CanonicalID: "gpt-4o", Tier: 0, Position: 0},
		{ProviderKey: "steady", CanonicalID: "gpt-4o", Tier: 0, Position: 1},
	}}
	h := newFakeHealth()
	h.scores["acme|flaky"] = 0.3
	h.scores["acme|steady"] = 0.9
	r := NewResolver(src, h)

	cands, err := r.Resolve("gpt-4o", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"steady", "flaky"}, providerOrder(cands))
}

func TestResolveCostOrdering(t *testing.T) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "expensive", CanonicalID: "gpt-4o", Tier: 0, InputPerMTok: 10, OutputPerMTok: 30, Position: 0},
		{ProviderKey: "cheap", CanonicalID: "gpt-4o", Tier: 0, InputPerMTok: 1, OutputPerMTok: 2, Position: 1},
	}}
	r := NewResolver(src, newFakeHealth())

	cands, err := r.Resolve("gpt-4o", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"cheap", "expensive"}, providerOrder(cands))
}

func TestResolvePositionTieBreak(t *testing.T) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "second", CanonicalID: "gpt-4o", Tier: 0, Position: 5},
		{ProviderKey: "first", CanonicalID: "gpt-4o", Tier: 0, Position: 2},
	}}
	r := NewResolver(src, newFakeHealth())

	cands, err := r.Resolve("gpt-4o", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, providerOrder(cands))
}

func TestResolveScoresArePerOrg(t *testing.T) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "a", CanonicalID: "gpt-4o", Tier: 0, Position: 0},
		{ProviderKey: "b", CanonicalID: "gpt-4o", Tier: 0, Position: 1},
	}}
	h := newFakeHealth()
	h.scores["acme|a"] = 0.1

	r := NewResolver(src, h)

	cands, err := r.Resolve("gpt-4o", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, providerOrder(cands))

	// A different org has not seen a's failures.
	cands, err = r.Resolve("gpt-4o", "globex")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, providerOrder(cands))
}

func TestResolveNilHealthDefaultsToConfiguredOrder(t *testing.T) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "a", CanonicalID: "gpt-4o", Tier: 0, Position: 0},
		{ProviderKey: "b", CanonicalID: "gpt-4o", Tier: 0, Position: 1},
	}}
	r := NewResolver(src, nil)

	cands, err := r.Resolve("gpt-4o", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, providerOrder(cands))
}

func TestBlendedCostFreeIsZero(t *testing.T) {
	c := Candidate{Free: true, InputPerMTok: 10, OutputPerMTok: 30}
	assert.Zero(t, c.BlendedCostPerMTok())

	c.Free = false
	assert.Equal(t, 40.0, c.BlendedCostPerMTok())
}
