// Package openaicompat adapts providers that speak the OpenAI chat
// completions wire protocol with static bearer-token auth (OpenAI, Mistral,
// Groq, vLLM, most gateways).
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rudironsoni/synaxis/internal/providers"
	"github.com/rudironsoni/synaxis/internal/router"
)

// Adapter implements router.Adapter and router.StreamAdapter.
type Adapter struct {
	key     string
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures optional Adapter behaviour.
type Option func(*Adapter)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter. baseURL includes the API version prefix
// (e.g. "https://api.openai.com/v1").
func New(key, baseURL, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		key:     key,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
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

func (a *Adapter) headers() map[string]string {
	h := map[string]string{}
	if a.apiKey != "" {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	return h
}

func (a *Adapter) url(c router.Candidate, path string) string {
	base := a.baseURL
	if c.Endpoint != "" {
		base = strings.TrimRight(c.Endpoint, "/")
	}
	return base + path
}

// BuildPayload maps the canonical request onto the chat completions wire
// format. The candidate's model path wins over the canonical model name.
// Exported for the other adapter families that speak this wire format
// behind different auth schemes.
func BuildPayload(c router.Candidate, req router.ChatRequest, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		}
	}

	payload := map[string]any{
		"model":    c.ModelPath,
		"messages": messages,
	}
	for k, v := range req.Parameters {
		switch k {
		case "model", "messages", "stream":
			continue
		}
		payload[k] = v
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

// chatResponse is the subset of the wire response the gateway consumes.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage router.Usage `json:"usage"`
}

// ParseResult normalizes a chat completions response body.
func ParseResult(body []byte) (router.ChatResult, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return router.ChatResult{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return router.ChatResult{}, fmt.Errorf("response contained no choices")
	}

	choice := resp.Choices[0]
	return router.ChatResult{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		ToolCalls:    choice.Message.ToolCalls,
		Usage:        resp.Usage,
		Raw:          body,
	}, nil
}

// NewStream converts a chat completions SSE body into a canonical stream.
func NewStream(body io.ReadCloser) router.Stream {
	return &sseStream{reader: providers.NewSSEReader(body)}
}

func (a *Adapter) Complete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.ChatResult, error) {
	payload := BuildPayload(c, req, false)
	body, err := providers.DoRequest(ctx, a.client, a.url(c, "/chat/completions"), payload, a.headers())
	if err != nil {
		return router.ChatResult{}, err
	}
	return ParseResult(body)
}

func (a *Adapter) StreamComplete(ctx context.Context, c router.Candidate, req router.ChatRequest) (router.Stream, error) {
	payload := BuildPayload(c, req, true)
	body, err := providers.DoStreamRequest(ctx, a.client, a.url(c, "/chat/completions"), payload, a.headers())
	if err != nil {
		return nil, err
	}
	return &sseStream{reader: providers.NewSSEReader(body)}, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	return providers.Classify(err)
}

// streamChunk is one SSE data payload on the wire.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *router.Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// sseStream converts wire chunks to canonical stream chunks.
type sseStream struct {
	reader *providers.SSEReader
}

func (s *sseStream) Recv() (router.StreamChunk, error) {
	for {
		event, err := s.reader.Next()
		if err != nil {
			return router.StreamChunk{}, err
		}
		if event.Data == "[DONE]" {
			return router.StreamChunk{}, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			return router.StreamChunk{}, fmt.Errorf("failed to parse chunk: %w", err)
		}
		if chunk.Error != nil {
			return router.StreamChunk{}, fmt.Errorf("upstream stream error: %s", chunk.Error.Message)
		}

		out := router.StreamChunk{Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			out.Content = chunk.Choices[0].Delta.Content
			out.FinishReason = chunk.Choices[0].FinishReason
		}
		// Usage-only chunks with no choices still matter for accounting.
		if out.Content == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		return out, nil
	}
}

func (s *sseStream) Close() error { return s.reader.Close() }
