package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rudironsoni/synaxis/internal/apikey"
	"github.com/rudironsoni/synaxis/internal/providers"
	"github.com/rudironsoni/synaxis/internal/router"
	"github.com/rudironsoni/synaxis/internal/tokenize"
)

// CompletionsRequest is the OpenAI-compatible request body for
// /v1/chat/completions.
type CompletionsRequest struct {
	Model    string           `json:"model"`
	Messages []router.Message `json:"messages"`
	Stream   bool             `json:"stream,omitempty"`

	// Optional parameters forwarded to the provider.
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        any             `json:"stop,omitempty"`
	N           *int            `json:"n,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openaiErrorBody is the OpenAI-compatible error envelope:
//
//	{"error": {"message": "...", "type": "...", "param": ..., "code": ...}}
type openaiErrorBody struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   any    `json:"param"`
	Code    any    `json:"code"`
}

func writeOpenAIError(w http.ResponseWriter, msg, errType string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(openaiErrorBody{
		Error: openaiErrorDetail{Message: msg, Type: errType},
	})
}

// writeFailure maps a routing failure onto the OpenAI error wire shape,
// including Retry-After for rate-limit denials.
func writeFailure(w http.ResponseWriter, err error) {
	f := router.AsFailure(err)
	detail := openaiErrorDetail{
		Message: f.Message,
		Type:    string(f.Kind),
	}
	if f.Param != "" {
		detail.Param = f.Param
	}
	if f.Code != "" {
		detail.Code = f.Code
	}
	w.Header().Set("Content-Type", "application/json")
	if f.Kind == router.KindRateLimited && f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
	}
	w.WriteHeader(f.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(openaiErrorBody{Error: detail})
}

// buildChatRequest translates the wire body into the canonical request the
// resilience loop consumes.
func buildChatRequest(reqID string, req CompletionsRequest) router.ChatRequest {
	params := make(map[string]any)
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		params["max_tokens"] = *req.MaxTokens
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.Stop != nil {
		params["stop"] = req.Stop
	}
	if req.N != nil {
		params["n"] = *req.N
	}

	out := router.ChatRequest{
		ID:       reqID,
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	}
	if len(params) > 0 {
		out.Parameters = params
	}
	out.EstimatedInputTokens = tokenize.EstimateRequest(out)
	return out
}

// checkBudget gates the request on the org's monthly budget. A budget
// denial wears the rate-limit error type so OpenAI clients back off.
func checkBudget(d Dependencies, r *http.Request, w http.ResponseWriter) bool {
	if d.Budget == nil {
		return true
	}
	rec := apikey.FromContext(r.Context())
	if rec == nil {
		return true
	}
	if err := d.Budget.CheckBudget(r.Context(), rec); err != nil {
		var be *apikey.BudgetExceededError
		if errors.As(err, &be) {
			writeOpenAIError(w, be.Error(), "insufficient_quota", http.StatusTooManyRequests)
		} else {
			writeOpenAIError(w, err.Error(), string(router.KindUnavailable), http.StatusServiceUnavailable)
		}
		return false
	}
	return true
}

// costFor prices observed usage against the serving candidate.
func costFor(c router.Candidate, u router.Usage) float64 {
	if c.Free {
		return 0
	}
	return float64(u.PromptTokens)/1e6*c.InputPerMTok + float64(u.CompletionTokens)/1e6*c.OutputPerMTok
}

// ChatCompletionsHandler serves POST /v1/chat/completions, OpenAI-compatible
// in both unary and SSE streaming forms.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req CompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "invalid JSON: "+err.Error(), string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}
		if req.Model == "" {
			writeOpenAIError(w, "model is required", string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, "messages is required", string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}
		if !checkBudget(d, r, w) {
			return
		}

		org := apikey.OrgFromContext(r.Context())
		reqID := middleware.GetReqID(r.Context())
		chatReq := buildChatRequest(reqID, req)

		if req.Stream {
			streamCompletion(d, w, r, org, reqID, chatReq, start)
			return
		}

		ctx := providers.WithRequestID(r.Context(), reqID)
		outcome, err := d.Loop.Complete(ctx, org, chatReq)
		latencyMs := time.Since(start).Milliseconds()

		if err != nil {
			f := router.AsFailure(err)
			recordObservability(d, observeParams{
				Ctx:        r.Context(),
				Org:        org,
				Model:      req.Model,
				LatencyMs:  latencyMs,
				Success:    false,
				StatusCode: f.Kind.HTTPStatus(),
				ErrorClass: string(f.Kind),
				ErrorMsg:   f.Message,
				RequestID:  reqID,
			})
			writeFailure(w, err)
			return
		}

		cost := costFor(outcome.Candidate, outcome.Result.Usage)
		recordObservability(d, observeParams{
			Ctx:          r.Context(),
			Org:          org,
			Model:        outcome.Candidate.CanonicalID,
			ProviderKey:  outcome.Candidate.ProviderKey,
			Attempts:     outcome.Attempts,
			CostUSD:      cost,
			LatencyMs:    latencyMs,
			Success:      true,
			RequestID:    reqID,
			InputTokens:  outcome.Result.Usage.PromptTokens,
			OutputTokens: outcome.Result.Usage.CompletionTokens,
		})

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Synaxis-Provider", outcome.Candidate.ProviderKey)
		_ = json.NewEncoder(w).Encode(chatCompletionBody(reqID, outcome))
	}
}

// chatCompletionBody builds the chat.completion response object.
func chatCompletionBody(reqID string, outcome router.Outcome) map[string]any {
	finish := outcome.Result.FinishReason
	if finish == "" {
		finish = "stop"
	}
	message := map[string]any{
		"role":    "assistant",
		"content": outcome.Result.Content,
	}
	if len(outcome.Result.ToolCalls) > 0 {
		message["tool_calls"] = outcome.Result.ToolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-" + reqID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   outcome.Candidate.CanonicalID,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       message,
				"finish_reason": finish,
			},
		},
		"usage": completionUsage{
			PromptTokens:     outcome.Result.Usage.PromptTokens,
			CompletionTokens: outcome.Result.Usage.CompletionTokens,
			TotalTokens:      outcome.Result.Usage.TotalTokens,
		},
	}
}

// streamCompletion drives the SSE path. Failover happens only before the
// upstream stream opens; a mid-stream failure terminates the SSE stream with
// an error event so clients can detect partial completion.
func streamCompletion(d Dependencies, w http.ResponseWriter, r *http.Request, org, reqID string, chatReq router.ChatRequest, start time.Time) {
	ctx := providers.WithRequestID(r.Context(), reqID)
	outcome, stream, err := d.Loop.StreamComplete(ctx, org, chatReq)
	if err != nil {
		f := router.AsFailure(err)
		recordObservability(d, observeParams{
			Ctx:        r.Context(),
			Org:        org,
			Model:      chatReq.Model,
			LatencyMs:  time.Since(start).Milliseconds(),
			Success:    false,
			StatusCode: f.Kind.HTTPStatus(),
			ErrorClass: string(f.Kind),
			ErrorMsg:   f.Message,
			RequestID:  reqID,
		})
		writeFailure(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, "streaming unsupported", string(router.KindInternal), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Synaxis-Provider", outcome.Candidate.ProviderKey)
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + reqID
	created := time.Now().Unix()
	model := outcome.Candidate.CanonicalID

	var usage router.Usage
	first := true
	success := true
	errMsg := ""

	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			// Partial output is already on the wire: terminate the SSE
			// stream with an error event instead of retrying elsewhere.
			success = false
			errMsg = recvErr.Error()
			body, _ := json.Marshal(openaiErrorBody{Error: openaiErrorDetail{
				Message: recvErr.Error(),
				Type:    string(router.KindProvider),
			}})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
			flusher.Flush()
			break
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}

		delta := map[string]any{}
		if first {
			delta["role"] = "assistant"
			first = false
		}
		if chunk.Content != "" {
			delta["content"] = chunk.Content
		}
		var finish any
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		frame, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}

	if success {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	errClass := ""
	if !success {
		errClass = "stream_error"
	}
	recordObservability(d, observeParams{
		Ctx:          r.Context(),
		Org:          org,
		Model:        model,
		ProviderKey:  outcome.Candidate.ProviderKey,
		Attempts:     outcome.Attempts,
		CostUSD:      costFor(outcome.Candidate, usage),
		LatencyMs:    time.Since(start).Milliseconds(),
		Success:      success,
		ErrorClass:   errClass,
		ErrorMsg:     errMsg,
		RequestID:    reqID,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	})
}

// legacyCompletionsRequest is the body of the older /v1/completions surface.
type legacyCompletionsRequest struct {
	Model       string   `json:"model"`
	Prompt      any      `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionsHandler serves POST /v1/completions by bridging the prompt
// into a single-message chat request.
func CompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req legacyCompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "invalid JSON: "+err.Error(), string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}
		if req.Model == "" {
			writeOpenAIError(w, "model is required", string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}
		prompt := flattenPrompt(req.Prompt)
		if prompt == "" {
			writeOpenAIError(w, "prompt is required", string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}
		if !checkBudget(d, r, w) {
			return
		}

		org := apikey.OrgFromContext(r.Context())
		reqID := middleware.GetReqID(r.Context())

		chatReq := buildChatRequest(reqID, CompletionsRequest{
			Model:       req.Model,
			Messages:    []router.Message{{Role: "user", Content: prompt}},
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})

		ctx := providers.WithRequestID(r.Context(), reqID)
		outcome, err := d.Loop.Complete(ctx, org, chatReq)
		latencyMs := time.Since(start).Milliseconds()

		if err != nil {
			f := router.AsFailure(err)
			recordObservability(d, observeParams{
				Ctx:        r.Context(),
				Org:        org,
				Model:      req.Model,
				LatencyMs:  latencyMs,
				Success:    false,
				StatusCode: f.Kind.HTTPStatus(),
				ErrorClass: string(f.Kind),
				ErrorMsg:   f.Message,
				RequestID:  reqID,
			})
			writeFailure(w, err)
			return
		}

		recordObservability(d, observeParams{
			Ctx:          r.Context(),
			Org:          org,
			Model:        outcome.Candidate.CanonicalID,
			ProviderKey:  outcome.Candidate.ProviderKey,
			Attempts:     outcome.Attempts,
			CostUSD:      costFor(outcome.Candidate, outcome.Result.Usage),
			LatencyMs:    latencyMs,
			Success:      true,
			RequestID:    reqID,
			InputTokens:  outcome.Result.Usage.PromptTokens,
			OutputTokens: outcome.Result.Usage.CompletionTokens,
		})

		finish := outcome.Result.FinishReason
		if finish == "" {
			finish = "stop"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-" + reqID,
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   outcome.Candidate.CanonicalID,
			"choices": []map[string]any{
				{"index": 0, "text": outcome.Result.Content, "finish_reason": finish},
			},
			"usage": completionUsage{
				PromptTokens:     outcome.Result.Usage.PromptTokens,
				CompletionTokens: outcome.Result.Usage.CompletionTokens,
				TotalTokens:      outcome.Result.Usage.TotalTokens,
			},
		})
	}
}

// flattenPrompt accepts the string and []string prompt encodings.
func flattenPrompt(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case []any:
		var s string
		for _, part := range v {
			if text, ok := part.(string); ok {
				s += text
			}
		}
		return s
	}
	return ""
}

// ModelsListPublicHandler serves GET /v1/models with the canonical model ids
// currently served by at least one configured provider.
func ModelsListPublicHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type modelObj struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		}
		data := []modelObj{}
		for _, id := range d.Registry.Models() {
			data = append(data, modelObj{ID: id, Object: "model", OwnedBy: "synaxis"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}
