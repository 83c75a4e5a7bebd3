package router

import "encoding/json"

// Candidate is one concrete (provider, model-path, cost, tier) option for
// fulfilling a canonical model request. Candidates are built from the
// provider registry at load time and are read-only during request processing.
type Candidate struct {
	ProviderKey   string  `json:"provider_key"`
	CanonicalID   string  `json:"canonical_id"`
	ModelPath     string  `json:"model_path"`
	Tier          int     `json:"tier"`
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
	Free          bool    `json:"free"`
	Endpoint      string  `json:"endpoint,omitempty"`
	CredentialRef string  `json:"credential_ref,omitempty"`

	// Position is the candidate's insertion order in the registry file,
	// used as the final stable tie-break during resolution.
	Position int `json:"position"`
}

// BlendedCostPerMTok is the cost used for ordering: input plus output price
// per million tokens. Free candidates always cost zero.
func (c Candidate) BlendedCostPerMTok() float64 {
	if c.Free {
		return 0
	}
	return c.InputPerMTok + c.OutputPerMTok
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical, provider-agnostic chat request. Adapters
// translate it into provider-specific wire calls.
type ChatRequest struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model"`

	Messages []Message `json:"messages"`

	// Optional parameters forwarded to the provider (temperature,
	// max_tokens, top_p, stop, ...). Keys "model", "messages", and
	// "stream" are reserved and never forwarded from here.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Tool definitions passed through verbatim when present.
	Tools json.RawMessage `json:"tools,omitempty"`

	// Optional: known/estimated token count from the caller.
	EstimatedInputTokens int `json:"estimated_input_tokens,omitempty"`
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the canonical normalized provider response.
type ChatResult struct {
	Content      string          `json:"content"`
	FinishReason string          `json:"finish_reason,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	Usage        Usage           `json:"usage"`

	// Raw is the provider response verbatim, for pass-through surfaces.
	Raw json.RawMessage `json:"-"`
}

// StreamChunk is a single increment of a streaming completion.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Stream is a cancellable lazy sequence of response chunks. Recv returns
// io.EOF after the final chunk; any other error means the upstream stream
// terminated abnormally.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Outcome describes which candidate served a request and how many
// candidates were attempted before it.
type Outcome struct {
	Candidate Candidate
	Attempts  int
	Result    ChatResult
}
