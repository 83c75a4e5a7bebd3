package temporal

import (
	"github.com/rudironsoni/synaxis/internal/router"
)

// CompletionInput is the input for CompletionWorkflow.
type CompletionInput struct {
	RequestID string             `json:"request_id"`
	Org       string             `json:"org"`
	Request   router.ChatRequest `json:"request"`
}

// CompletionOutput is the recorded result of an async completion. Routing
// failures are carried in ErrorKind/Error rather than failing the workflow,
// so clients polling for the result always get a terminal answer.
type CompletionOutput struct {
	RequestID    string       `json:"request_id"`
	ProviderKey  string       `json:"provider_key,omitempty"`
	Model        string       `json:"model,omitempty"`
	Content      string       `json:"content,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        router.Usage `json:"usage"`
	Attempts     int          `json:"attempts"`
	CostUSD      float64      `json:"cost_usd"`
	LatencyMs    int64        `json:"latency_ms"`
	ErrorKind    string       `json:"error_kind,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Succeeded reports whether the routed completion produced a result.
func (o CompletionOutput) Succeeded() bool { return o.ErrorKind == "" && o.Error == "" }

// LogInput is the input for the LogResult activity.
type LogInput struct {
	RequestID    string  `json:"request_id"`
	Org          string  `json:"org"`
	Model        string  `json:"model"`
	ProviderKey  string  `json:"provider_key"`
	Attempts     int     `json:"attempts"`
	LatencyMs    int64   `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
	Success      bool    `json:"success"`
	StatusCode   int     `json:"status_code"`
	ErrorClass   string  `json:"error_class,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
}
