package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/rudironsoni/synaxis/internal/events"
	"github.com/rudironsoni/synaxis/internal/metrics"
	"github.com/rudironsoni/synaxis/internal/router"
	"github.com/rudironsoni/synaxis/internal/stats"
	"github.com/rudironsoni/synaxis/internal/store"
	"github.com/rudironsoni/synaxis/internal/tsdb"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Loop     *router.Loop
	Store    store.Store
	Metrics  *metrics.Registry
	EventBus *events.Bus
	Stats    *stats.Collector
	TSDB     *tsdb.Store
}

// RouteCompletion runs the full resilience loop for one request. Failover,
// quota, and health handling all happen inside the loop, so the activity
// never retries; a routing failure is returned as data in the output.
func (a *Activities) RouteCompletion(ctx context.Context, input CompletionInput) (CompletionOutput, error) {
	activity.RecordHeartbeat(ctx, "routing")

	start := time.Now()
	outcome, err := a.Loop.Complete(ctx, input.Org, input.Request)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		f := router.AsFailure(err)
		return CompletionOutput{
			RequestID: input.RequestID,
			LatencyMs: latencyMs,
			ErrorKind: string(f.Kind),
			Error:     f.Message,
		}, nil
	}

	return CompletionOutput{
		RequestID:    input.RequestID,
		ProviderKey:  outcome.Candidate.ProviderKey,
		Model:        outcome.Candidate.CanonicalID,
		Content:      outcome.Result.Content,
		FinishReason: outcome.Result.FinishReason,
		Usage:        outcome.Result.Usage,
		Attempts:     outcome.Attempts,
		CostUSD:      estimateCost(outcome.Candidate, outcome.Result.Usage),
		LatencyMs:    latencyMs,
	}, nil
}

// LogResult fans a completed request out to every observability sink:
// request log, Prometheus metrics, event bus, stats collector, and TSDB.
func (a *Activities) LogResult(ctx context.Context, input LogInput) error {
	now := time.Now().UTC()

	if a.Store != nil {
		if err := a.Store.LogRequest(ctx, store.RequestLog{
			Timestamp:   now,
			Org:         input.Org,
			Model:       input.Model,
			ProviderKey: input.ProviderKey,
			Attempts:    input.Attempts,
			TotalTokens: input.InputTokens + input.OutputTokens,
			CostUSD:     input.CostUSD,
			LatencyMs:   input.LatencyMs,
			StatusCode:  input.StatusCode,
			ErrorClass:  input.ErrorClass,
			RequestID:   input.RequestID,
		}); err != nil {
			activity.GetLogger(ctx).Warn("log_request failed", "error", err.Error(), "request_id", input.RequestID)
		}
	}

	if a.Metrics != nil {
		status := "ok"
		if !input.Success {
			status = "error"
		}
		a.Metrics.RequestsTotal.WithLabelValues(input.Org, input.Model, input.ProviderKey, status).Inc()
		if input.Success {
			a.Metrics.RequestLatency.WithLabelValues(input.Org, input.Model, input.ProviderKey).Observe(float64(input.LatencyMs))
			a.Metrics.CostUSD.WithLabelValues(input.Org, input.Model, input.ProviderKey).Add(input.CostUSD)
			if input.InputTokens > 0 {
				a.Metrics.TokensTotal.WithLabelValues(input.Org, input.Model, input.ProviderKey, "input").Add(float64(input.InputTokens))
			}
			if input.OutputTokens > 0 {
				a.Metrics.TokensTotal.WithLabelValues(input.Org, input.Model, input.ProviderKey, "output").Add(float64(input.OutputTokens))
			}
		}
	}

	if a.EventBus != nil {
		if input.Success {
			a.EventBus.Publish(events.Event{
				Type:        events.EventRouteSuccess,
				Org:         input.Org,
				ProviderKey: input.ProviderKey,
				Model:       input.Model,
				LatencyMs:   float64(input.LatencyMs),
				CostUSD:     input.CostUSD,
			})
		} else {
			a.EventBus.Publish(events.Event{
				Type:        events.EventRouteError,
				Org:         input.Org,
				ProviderKey: input.ProviderKey,
				Model:       input.Model,
				LatencyMs:   float64(input.LatencyMs),
				ErrorClass:  input.ErrorClass,
			})
		}
	}

	if a.Stats != nil {
		a.Stats.Record(stats.Snapshot{
			Timestamp:    now,
			Org:          input.Org,
			Model:        input.Model,
			ProviderKey:  input.ProviderKey,
			LatencyMs:    float64(input.LatencyMs),
			CostUSD:      input.CostUSD,
			Success:      input.Success,
			Attempts:     input.Attempts,
			InputTokens:  input.InputTokens,
			OutputTokens: input.OutputTokens,
		})
	}

	if a.TSDB != nil && input.Success {
		a.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "latency", Org: input.Org, ProviderKey: input.ProviderKey, Model: input.Model, Value: float64(input.LatencyMs)})
		a.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "cost", Org: input.Org, ProviderKey: input.ProviderKey, Model: input.Model, Value: input.CostUSD})
		if total := input.InputTokens + input.OutputTokens; total > 0 {
			a.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "tokens", Org: input.Org, ProviderKey: input.ProviderKey, Model: input.Model, Value: float64(total)})
		}
	}

	return nil
}

// estimateCost prices observed usage against the serving candidate.
func estimateCost(c router.Candidate, u router.Usage) float64 {
	if c.Free {
		return 0
	}
	return float64(u.PromptTokens)/1e6*c.InputPerMTok + float64(u.CompletionTokens)/1e6*c.OutputPerMTok
}
