// Package polling adapts batch-style providers where a completion is
// submitted as a job and its result fetched by polling a status endpoint.
// Streaming is emulated: the finished result is delivered as a single
// chunk, so streaming callers still work against these providers.
package polling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rudironsoni/synaxis/internal/providers"
	"github.com/rudironsoni/synaxis/internal/providers/openaicompat"
	"github.com/rudironsoni/synaxis/internal/router"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	// maxPollInterval caps the backoff between status polls.
	maxPollInterval = 5 * time.Second
	// defaultMaxWait bounds how long a submitted job may stay pending
	// before the adapter gives up and lets the loop fail over.
	defaultMaxWait = 2 * time.Minute
)

// Adapter implements router.Adapter and router.StreamAdapter.
type Adapter struct {
	key          string
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	maxWait      time.Duration
	client       *http.Client
}

// Option configures optional Adapter behaviour.
type Option func(*Adapter)

// WithPollInterval overrides the default 500ms initial poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) { a.pollInterval = d }
}

// WithMaxWait overrides the default two-minute pending-job budget.
func WithMaxWait(d time.Duration) Option {
	return func(a *Adapter) { a.maxWait = d }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter. The provider exposes POST {base}/jobs and
// GET {base}/jobs/{id}.
func New(key, baseURL, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		key:          key,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		pollInterval: defaultPollInterval,
		maxWait:      defaultMaxWait,
		client:       &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Key() string { return a.key }

// HealthEndpoint returns the job listing URL for the prober.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/jobs" }

func (a *Adapter) headers() map[string]string {
	h := map[string]string{}
	if a.apiKey != "" {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	return h
}

// submitResponse is the provider's answer to a job submission.
type submitResponse struct {
	ID string `json:"id"`
}

// jobStatus is the provider's answer to a status poll.
type jobStatus struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Adapter) Complete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.ChatResult, error) {
	payload := openaicompat.BuildPayload(c, req, false)

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/jobs", payload, a.headers())
	if err != nil {
		return router.ChatResult{}, err
	}
	var sub submitResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return router.ChatResult{}, fmt.Errorf("failed to parse submit response: %w", err)
	}
	if sub.ID == "" {
		return router.ChatResult{}, fmt.Errorf("submit response contained no job id")
	}

	return a.poll(ctx, sub.ID)
}

// poll fetches job status until the job finishes, the wait budget is
// spent, or the context ends. The interval between polls doubles up to
// maxPollInterval so a slow job is not hammered at the initial cadence.
func (a *Adapter) poll(ctx context.Context, jobID string) (router.ChatResult, error) {
	deadline := time.NewTimer(a.maxWait)
	defer deadline.Stop()

	interval := a.pollInterval
	for {
		body, err := providers.DoGet(ctx, a.client, a.baseURL+"/jobs/"+jobID, a.headers())
		if err != nil {
			return router.ChatResult{}, err
		}
		var status jobStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return router.ChatResult{}, fmt.Errorf("failed to parse job status: %w", err)
		}

		switch status.Status {
		case "succeeded", "completed":
			return openaicompat.ParseResult(status.Result)
		case "failed", "cancelled":
			msg := "job " + status.Status
			if status.Error != nil {
				msg = status.Error.Message
			}
			// Surface as a retryable provider failure.
			return router.ChatResult{}, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: msg}
		}

		select {
		case <-ctx.Done():
			return router.ChatResult{}, ctx.Err()
		case <-deadline.C:
			return router.ChatResult{}, &providers.StatusError{
				StatusCode: http.StatusGatewayTimeout,
				Body:       fmt.Sprintf("job %s still pending after %s", jobID, a.maxWait),
			}
		case <-time.After(interval):
		}
		if interval < maxPollInterval {
			interval = min(interval*2, maxPollInterval)
		}
	}
}

// StreamComplete emulates streaming: the completed result arrives as one
// content chunk carrying usage, then EOF.
func (a *Adapter) StreamComplete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.Stream, error) {
	result, err := a.Complete(ctx, c, req)
	if err != nil {
		return nil, err
	}
	return &oneShotStream{result: result}, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	return providers.Classify(err)
}

// oneShotStream delivers a finished result as a single chunk.
type oneShotStream struct {
	result router.ChatResult
	sent   bool
}

func (s *oneShotStream) Recv() (router.StreamChunk, error) {
	if s.sent {
		return router.StreamChunk{}, io.EOF
	}
	s.sent = true
	usage := s.result.Usage
	return router.StreamChunk{
		Content:      s.result.Content,
		FinishReason: s.result.FinishReason,
		Usage:        &usage,
	}, nil
}

func (s *oneShotStream) Close() error { return nil }
