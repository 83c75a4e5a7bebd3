// Package oauth adapts providers that speak the OpenAI chat wire format
// behind OAuth bearer tokens that expire and must be refreshed (Azure AD
// fronted deployments, enterprise gateways).
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rudironsoni/synaxis/internal/providers"
	"github.com/rudironsoni/synaxis/internal/providers/openaicompat"
	"github.com/rudironsoni/synaxis/internal/router"
)

// tokenResponse is the standard OAuth token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// TokenSource fetches and caches an access token from an OAuth token
// endpoint using the refresh-token grant. Safe for concurrent use.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewTokenSource creates a token source seeded with a refresh token.
func NewTokenSource(tokenURL, clientID, clientSecret, refreshToken string, client *http.Client) *TokenSource {
	if client == nil {
		client = &http.Client{}
	}
	return &TokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		client:       client,
		now:          time.Now,
	}
}

// Token returns a valid access token, refreshing when the cached one is
// expired or force is set. Expiry is padded by 30 seconds so tokens are
// never used at the edge of their lifetime.
func (ts *TokenSource) Token(ctx context.Context, force bool) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !force && ts.accessToken != "" && ts.now().Add(30*time.Second).Before(ts.expiresAt) {
		return ts.accessToken, nil
	}
	return ts.refreshLocked(ctx)
}

// refreshLocked exchanges the refresh token. Caller must hold ts.mu.
func (ts *TokenSource) refreshLocked(ctx context.Context) (string, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": ts.refreshToken,
		"client_id":     ts.clientID,
	}
	if ts.clientSecret != "" {
		payload["client_secret"] = ts.clientSecret
	}

	body, err := providers.DoRequest(ctx, ts.client, ts.tokenURL, payload, nil)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response contained no access_token")
	}

	ts.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		ts.refreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		ts.expiresAt = ts.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	} else {
		ts.expiresAt = ts.now().Add(5 * time.Minute)
	}
	return ts.accessToken, nil
}

// Adapter implements router.Adapter and router.StreamAdapter over a
// refreshable token. A 401 from the provider forces one refresh-and-retry
// before the error propagates.
type Adapter struct {
	key     string
	baseURL string
	tokens  *TokenSource
	client  *http.Client
}

// Option configures optional Adapter behaviour.
type Option func(*Adapter)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter. baseURL includes the API version prefix.
func New(key, baseURL string, tokens *TokenSource, opts ...Option) *Adapter {
	a := &Adapter{
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Key() string { return a.key }

// HealthEndpoint returns the models listing URL for the prober.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/models" }

func (a *Adapter) url(c router.Candidate) string {
	base := a.baseURL
	if c.Endpoint != "" {
		base = strings.TrimRight(c.Endpoint, "/")
	}
	return base + "/chat/completions"
}

// isUnauthorized reports whether the error is a provider 401.
func isUnauthorized(err error) bool {
	var se *providers.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

func (a *Adapter) Complete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.ChatResult, error) {
	payload := openaicompat.BuildPayload(c, req, false)

	body, err := a.doWithRefresh(ctx, func(token string) ([]byte, error) {
		return providers.DoRequest(ctx, a.client, a.url(c), payload, bearer(token))
	})
	if err != nil {
		return router.ChatResult{}, err
	}
	return openaicompat.ParseResult(body)
}

func (a *Adapter) StreamComplete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.Stream, error) {
	payload := openaicompat.BuildPayload(c, req, true)

	token, err := a.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}
	body, err := providers.DoStreamRequest(ctx, a.client, a.url(c), payload, bearer(token))
	if isUnauthorized(err) {
		if token, err = a.tokens.Token(ctx, true); err != nil {
			return nil, err
		}
		body, err = providers.DoStreamRequest(ctx, a.client, a.url(c), payload, bearer(token))
	}
	if err != nil {
		return nil, err
	}
	return openaicompat.NewStream(body), nil
}

// doWithRefresh runs the call with a cached token; on 401 it forces a
// refresh and retries once.
func (a *Adapter) doWithRefresh(ctx context.Context, call func(token string) ([]byte, error)) ([]byte, error) {
	token, err := a.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}
	body, err := call(token)
	if !isUnauthorized(err) {
		return body, err
	}

	token, err = a.tokens.Token(ctx, true)
	if err != nil {
		return nil, err
	}
	return call(token)
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	return providers.Classify(err)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
