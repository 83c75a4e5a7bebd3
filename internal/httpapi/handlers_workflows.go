package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rudironsoni/synaxis/internal/apikey"
	"github.com/rudironsoni/synaxis/internal/router"
	"github.com/rudironsoni/synaxis/internal/temporal"
)

// AsyncCompletionsHandler serves POST /v1/chat/completions/async. The
// request is validated synchronously, then handed to a Temporal workflow;
// the client polls the returned workflow id for the result. Submission is
// guarded by a circuit breaker so an unreachable Temporal cluster degrades
// this path to 503 without touching synchronous traffic.
func AsyncCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Workflows == nil {
			writeOpenAIError(w, "async completions not enabled", string(router.KindUnavailable), http.StatusServiceUnavailable)
			return
		}
		if d.Breaker != nil && !d.Breaker.Allow() {
			writeOpenAIError(w, "async completions temporarily unavailable", string(router.KindUnavailable), http.StatusServiceUnavailable)
			return
		}

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
		if req.Stream {
			writeOpenAIError(w, "stream is not supported on the async endpoint", string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}
		if !checkBudget(d, r, w) {
			return
		}

		reqID := middleware.GetReqID(r.Context())
		if reqID == "" {
			reqID = uuid.NewString()
		}

		workflowID, err := d.Workflows.Submit(r.Context(), temporal.CompletionInput{
			RequestID: reqID,
			Org:       apikey.OrgFromContext(r.Context()),
			Request:   buildChatRequest(reqID, req),
		})
		if err != nil {
			if d.Breaker != nil {
				d.Breaker.RecordFailure()
			}
			writeOpenAIError(w, "submit failed: "+err.Error(), string(router.KindUnavailable), http.StatusServiceUnavailable)
			return
		}
		if d.Breaker != nil {
			d.Breaker.RecordSuccess()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     workflowID,
			"status": "submitted",
		})
	}
}

// AsyncResultHandler serves GET /v1/chat/completions/async/{id}. It blocks
// until the workflow completes or the request context expires; clients set
// their own poll timeout.
func AsyncResultHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Workflows == nil {
			writeOpenAIError(w, "async completions not enabled", string(router.KindUnavailable), http.StatusServiceUnavailable)
			return
		}

		id := chi.URLParam(r, "id")
		if id == "" {
			writeOpenAIError(w, "workflow id required", string(router.KindInvalidRequest), http.StatusBadRequest)
			return
		}

		out, err := d.Workflows.Result(r.Context(), id)
		if err != nil {
			writeOpenAIError(w, err.Error(), string(router.KindUnavailable), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if !out.Succeeded() {
			w.WriteHeader(router.Kind(out.ErrorKind).HTTPStatus())
			_ = json.NewEncoder(w).Encode(openaiErrorBody{Error: openaiErrorDetail{
				Message: out.Error,
				Type:    out.ErrorKind,
			}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-" + out.RequestID,
			"object":  "chat.completion",
			"model":   out.Model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]any{
						"role":    "assistant",
						"content": out.Content,
					},
					"finish_reason": finishOrStop(out.FinishReason),
				},
			},
			"usage": completionUsage{
				PromptTokens:     out.Usage.PromptTokens,
				CompletionTokens: out.Usage.CompletionTokens,
				TotalTokens:      out.Usage.TotalTokens,
			},
		})
	}
}

func finishOrStop(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}
