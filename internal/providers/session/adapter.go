// Package session adapts providers gated behind a login flow: credentials
// buy a short-lived session token that authenticates chat calls. The
// session is re-established transparently when the provider invalidates it.
package session

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

// loginResponse is the provider's session grant.
type loginResponse struct {
	SessionID string `json:"session_id"`
	ExpiresIn int    `json:"expires_in"`
}

// Source logs in and caches the session token. Safe for concurrent use.
type Source struct {
	loginURL string
	username string
	password string
	client   *http.Client

	mu        sync.Mutex
	sessionID string
	expiresAt time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewSource creates a session source for the given login endpoint.
func NewSource(loginURL, username, password string, client *http.Client) *Source {
	if client == nil {
		client = &http.Client{}
	}
	return &Source{
		loginURL: loginURL,
		username: username,
		password: password,
		client:   client,
		now:      time.Now,
	}
}

// SessionID returns a live session token, logging in when the cached one
// is expired or force is set.
func (s *Source) SessionID(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.sessionID != "" && s.now().Add(30*time.Second).Before(s.expiresAt) {
		return s.sessionID, nil
	}

	payload := map[string]string{"username": s.username, "password": s.password}
	body, err := providers.DoRequest(ctx, s.client, s.loginURL, payload, nil)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}

	var grant loginResponse
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", fmt.Errorf("failed to parse login response: %w", err)
	}
	if grant.SessionID == "" {
		return "", fmt.Errorf("login response contained no session_id")
	}

	s.sessionID = grant.SessionID
	if grant.ExpiresIn > 0 {
		s.expiresAt = s.now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	} else {
		s.expiresAt = s.now().Add(10 * time.Minute)
	}
	return s.sessionID, nil
}

// Adapter implements router.Adapter and router.StreamAdapter over a
// rotating session. A 401 triggers one re-login and retry.
type Adapter struct {
	key     string
	baseURL string
	source  *Source
	client  *http.Client
}

// Option configures optional Adapter behaviour.
type Option func(*Adapter)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter. baseURL includes the API version prefix.
func New(key, baseURL string, source *Source, opts ...Option) *Adapter {
	a := &Adapter{
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		source:  source,
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

func sessionHeaders(sessionID string) map[string]string {
	return map[string]string{"X-Session-Token": sessionID}
}

func isSessionInvalid(err error) bool {
	var se *providers.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

func (a *Adapter) Complete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.ChatResult, error) {
	payload := openaicompat.BuildPayload(c, req, false)

	sid, err := a.source.SessionID(ctx, false)
	if err != nil {
		return router.ChatResult{}, err
	}
	body, err := providers.DoRequest(ctx, a.client, a.url(c), payload, sessionHeaders(sid))
	if isSessionInvalid(err) {
		if sid, err = a.source.SessionID(ctx, true); err != nil {
			return router.ChatResult{}, err
		}
		body, err = providers.DoRequest(ctx, a.client, a.url(c), payload, sessionHeaders(sid))
	}
	if err != nil {
		return router.ChatResult{}, err
	}
	return openaicompat.ParseResult(body)
}

func (a *Adapter) StreamComplete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.Stream, error) {
	payload := openaicompat.BuildPayload(c, req, true)

	sid, err := a.source.SessionID(ctx, false)
	if err != nil {
		return nil, err
	}
	body, err := providers.DoStreamRequest(ctx, a.client, a.url(c), payload, sessionHeaders(sid))
	if isSessionInvalid(err) {
		if sid, err = a.source.SessionID(ctx, true); err != nil {
			return nil, err
		}
		body, err = providers.DoStreamRequest(ctx, a.client, a.url(c), payload, sessionHeaders(sid))
	}
	if err != nil {
		return nil, err
	}
	return openaicompat.NewStream(body), nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	return providers.Classify(err)
}
