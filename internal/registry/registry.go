// Package registry loads the provider registry from a YAML file and turns
// it into routing candidates and live adapters. The registry is the single
// source of truth for which providers exist, what they cost, and how to
// authenticate against them.
package registry

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rudironsoni/synaxis/internal/health"
	"github.com/rudironsoni/synaxis/internal/providers/oauth"
	"github.com/rudironsoni/synaxis/internal/providers/openaicompat"
	"github.com/rudironsoni/synaxis/internal/providers/polling"
	"github.com/rudironsoni/synaxis/internal/providers/session"
	"github.com/rudironsoni/synaxis/internal/quota"
	"github.com/rudironsoni/synaxis/internal/router"
)

// Adapter families.
const (
	TypeOpenAICompat = "openai_compat"
	TypeOAuth        = "oauth"
	TypePolling      = "polling"
	TypeSession      = "session"
)

// ModelSpec is one model entry under a provider.
type ModelSpec struct {
	// ID is the canonical model identifier callers use.
	ID string `yaml:"id"`
	// Path is the provider's own name for the model; defaults to ID.
	Path          string  `yaml:"path"`
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
	Free          bool    `yaml:"free"`
	// Endpoint overrides the provider base URL for this model.
	Endpoint string `yaml:"endpoint"`
}

// ProviderSpec is one provider entry. Providers are a YAML list, not a
// map: file order is the deterministic tie-break in candidate ordering.
type ProviderSpec struct {
	Key     string `yaml:"key"`
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	// Credential is a reference: "env:NAME", "vault:NAME", or a literal.
	Credential string `yaml:"credential"`
	Tier       int    `yaml:"tier"`
	RPM        int    `yaml:"rpm"`
	TPM        int    `yaml:"tpm"`

	// OAuth family.
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// Session family.
	LoginURL string `yaml:"login_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Polling family.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	Models []ModelSpec `yaml:"models"`
}

// File is the on-disk registry document.
type File struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// CredentialResolver turns a credential reference into a secret.
type CredentialResolver func(ref string) (string, error)

// EnvResolver resolves "env:NAME" from the environment and passes
// literals through. It is the default resolver; the vault-backed one
// layers on top at wiring time.
func EnvResolver(ref string) (string, error) {
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil
	}
	if strings.HasPrefix(ref, "vault:") {
		return "", fmt.Errorf("no vault configured for credential %q", ref)
	}
	return ref, nil
}

// snapshot is one immutable build of the registry. Reload swaps the whole
// snapshot so readers never observe a half-applied registry.
type snapshot struct {
	candidates map[string][]router.Candidate // canonical model ID -> ordered candidates
	adapters   map[string]router.Adapter     // provider key -> adapter
	limits     map[string]quota.Limits
	probeables []health.Probeable
}

// Registry implements router.CandidateSource and router.AdapterSource.
type Registry struct {
	resolve CredentialResolver
	client  *http.Client

	mu   sync.RWMutex
	snap *snapshot
}

// Option configures optional Registry behaviour.
type Option func(*Registry)

// WithCredentialResolver replaces the default env resolver.
func WithCredentialResolver(r CredentialResolver) Option {
	return func(reg *Registry) { reg.resolve = r }
}

// WithHTTPClient sets the client shared by all adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(reg *Registry) { reg.client = c }
}

// New creates an empty registry; call Load or LoadFile to populate it.
func New(opts ...Option) *Registry {
	r := &Registry{
		resolve: EnvResolver,
		snap: &snapshot{
			candidates: map[string][]router.Candidate{},
			adapters:   map[string]router.Adapter{},
			limits:     map[string]quota.Limits{},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadFile reads and applies a registry file. On error the previous
// snapshot stays in effect.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}
	return r.Load(data)
}

// Load parses and applies registry YAML. The new snapshot is built fully
// before the swap, so a parse or credential error leaves routing untouched.
func (r *Registry) Load(data []byte) error {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse registry: %w", err)
	}
	snap, err := r.build(&file)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	return nil
}

func (r *Registry) build(file *File) (*snapshot, error) {
	snap := &snapshot{
		candidates: map[string][]router.Candidate{},
		adapters:   map[string]router.Adapter{},
		limits:     map[string]quota.Limits{},
	}

	position := 0
	seen := map[string]bool{}
	for i := range file.Providers {
		p := &file.Providers[i]
		if p.Key == "" {
			return nil, fmt.Errorf("provider %d has no key", i)
		}
		if seen[p.Key] {
			return nil, fmt.Errorf("duplicate provider key %q", p.Key)
		}
		seen[p.Key] = true

		adapter, err := r.buildAdapter(p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Key, err)
		}
		snap.adapters[p.Key] = adapter
		if probeable, ok := adapter.(health.Probeable); ok {
			snap.probeables = append(snap.probeables, probeable)
		}
		if p.RPM > 0 || p.TPM > 0 {
			snap.limits[p.Key] = quota.Limits{RPM: p.RPM, TPM: p.TPM}
		}

		for _, m := range p.Models {
			if m.ID == "" {
				return nil, fmt.Errorf("provider %q has a model with no id", p.Key)
			}
			path := m.Path
			if path == "" {
				path = m.ID
			}
			snap.candidates[m.ID] = append(snap.candidates[m.ID], router.Candidate{
				ProviderKey:   p.Key,
				CanonicalID:   m.ID,
				ModelPath:     path,
				Tier:          p.Tier,
				InputPerMTok:  m.InputPerMTok,
				OutputPerMTok: m.OutputPerMTok,
				Free:          m.Free,
				Endpoint:      m.Endpoint,
				CredentialRef: p.Credential,
				Position:      position,
			})
			position++
		}
	}
	return snap, nil
}

func (r *Registry) buildAdapter(p *ProviderSpec) (router.Adapter, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("missing base_url")
	}

	switch p.Type {
	case TypeOpenAICompat, "":
		key, err := r.credential(p.Credential)
		if err != nil {
			return nil, err
		}
		opts := []openaicompat.Option{}
		if r.client != nil {
			opts = append(opts, openaicompat.WithHTTPClient(r.client))
		}
		return openaicompat.New(p.Key, p.BaseURL, key, opts...), nil

	case TypeOAuth:
		if p.TokenURL == "" {
			return nil, fmt.Errorf("oauth provider requires token_url")
		}
		refreshToken, err := r.credential(p.Credential)
		if err != nil {
			return nil, err
		}
		secret, err := r.credential(p.ClientSecret)
		if err != nil {
			return nil, err
		}
		tokens := oauth.NewTokenSource(p.TokenURL, p.ClientID, secret, refreshToken, r.client)
		opts := []oauth.Option{}
		if r.client != nil {
			opts = append(opts, oauth.WithHTTPClient(r.client))
		}
		return oauth.New(p.Key, p.BaseURL, tokens, opts...), nil

	case TypePolling:
		key, err := r.credential(p.Credential)
		if err != nil {
			return nil, err
		}
		opts := []polling.Option{}
		if p.PollIntervalMs > 0 {
			opts = append(opts, polling.WithPollInterval(time.Duration(p.PollIntervalMs)*time.Millisecond))
		}
		if r.client != nil {
			opts = append(opts, polling.WithHTTPClient(r.client))
		}
		return polling.New(p.Key, p.BaseURL, key, opts...), nil

	case TypeSession:
		if p.LoginURL == "" {
			return nil, fmt.Errorf("session provider requires login_url")
		}
		password, err := r.credential(p.Credential)
		if err != nil {
			return nil, err
		}
		src := session.NewSource(p.LoginURL, p.Username, password, r.client)
		opts := []session.Option{}
		if r.client != nil {
			opts = append(opts, session.WithHTTPClient(r.client))
		}
		return session.New(p.Key, p.BaseURL, src, opts...), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

func (r *Registry) credential(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	return r.resolve(ref)
}

// CandidatesFor returns the candidates registered for a canonical model,
// in registry file order. Callers must not mutate the returned slice.
func (r *Registry) CandidatesFor(canonicalID string) []router.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.candidates[canonicalID]
}

// AdapterFor returns the live adapter for a provider key, or nil.
func (r *Registry) AdapterFor(providerKey string) router.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.adapters[providerKey]
}

// Limits returns the RPM/TPM table for the quota tracker.
func (r *Registry) Limits() map[string]quota.Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.limits
}

// Probeables returns the adapters that expose health endpoints.
func (r *Registry) Probeables() []health.Probeable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.probeables
}

// Models returns every canonical model ID with at least one candidate.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snap.candidates))
	for id := range r.snap.candidates {
		out = append(out, id)
	}
	return out
}

// Providers returns every registered provider key.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snap.adapters))
	for key := range r.snap.adapters {
		out = append(out, key)
	}
	return out
}
