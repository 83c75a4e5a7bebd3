package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rudironsoni/synaxis/internal/events"
	"github.com/rudironsoni/synaxis/internal/stats"
	"github.com/rudironsoni/synaxis/internal/store"
	"github.com/rudironsoni/synaxis/internal/tsdb"
)

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn(op+" failed", slog.String("error", err.Error()))
	}
}

// observeParams captures the fields required to record a finished request
// across the Store, Metrics, EventBus, Stats, and TSDB subsystems.
type observeParams struct {
	Ctx context.Context

	Org         string
	Model       string
	ProviderKey string
	Attempts    int
	CostUSD     float64
	LatencyMs   int64
	Success     bool
	StatusCode  int
	ErrorClass  string
	ErrorMsg    string

	RequestID    string
	InputTokens  int
	OutputTokens int
}

// recordObservability writes a completed request result to every configured
// observability sink from a single call site. Each subsystem is skipped when
// the corresponding dependency is nil.
func recordObservability(d Dependencies, p observeParams) {
	now := time.Now().UTC()

	if d.Metrics != nil {
		status := "ok"
		if !p.Success {
			status = "error"
		}
		d.Metrics.RequestsTotal.WithLabelValues(p.Org, p.Model, p.ProviderKey, status).Inc()
		if p.Success {
			d.Metrics.RequestLatency.WithLabelValues(p.Org, p.Model, p.ProviderKey).Observe(float64(p.LatencyMs))
			d.Metrics.CostUSD.WithLabelValues(p.Org, p.Model, p.ProviderKey).Add(p.CostUSD)
			if p.InputTokens > 0 {
				d.Metrics.TokensTotal.WithLabelValues(p.Org, p.Model, p.ProviderKey, "input").Add(float64(p.InputTokens))
			}
			if p.OutputTokens > 0 {
				d.Metrics.TokensTotal.WithLabelValues(p.Org, p.Model, p.ProviderKey, "output").Add(float64(p.OutputTokens))
			}
		}
	}

	if d.Store != nil {
		statusCode := p.StatusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
			if !p.Success {
				statusCode = http.StatusBadGateway
			}
		}
		warnOnErr("log_request", d.Store.LogRequest(p.Ctx, store.RequestLog{
			Timestamp:   now,
			Org:         p.Org,
			Model:       p.Model,
			ProviderKey: p.ProviderKey,
			Attempts:    p.Attempts,
			TotalTokens: p.InputTokens + p.OutputTokens,
			CostUSD:     p.CostUSD,
			LatencyMs:   p.LatencyMs,
			StatusCode:  statusCode,
			ErrorClass:  p.ErrorClass,
			RequestID:   p.RequestID,
		}))
	}

	// The spend just logged must be visible to the next budget check.
	if d.Budget != nil && p.Success && p.CostUSD > 0 {
		d.Budget.InvalidateCache(p.Org)
	}

	if d.EventBus != nil {
		if p.Success {
			d.EventBus.Publish(events.Event{
				Type:        events.EventRouteSuccess,
				Org:         p.Org,
				ProviderKey: p.ProviderKey,
				Model:       p.Model,
				LatencyMs:   float64(p.LatencyMs),
				CostUSD:     p.CostUSD,
			})
		} else {
			d.EventBus.Publish(events.Event{
				Type:        events.EventRouteError,
				Org:         p.Org,
				ProviderKey: p.ProviderKey,
				Model:       p.Model,
				LatencyMs:   float64(p.LatencyMs),
				ErrorClass:  p.ErrorClass,
				ErrorMsg:    p.ErrorMsg,
			})
		}
	}

	if d.Stats != nil {
		d.Stats.Record(stats.Snapshot{
			Timestamp:    now,
			Org:          p.Org,
			Model:        p.Model,
			ProviderKey:  p.ProviderKey,
			LatencyMs:    float64(p.LatencyMs),
			CostUSD:      p.CostUSD,
			Success:      p.Success,
			Attempts:     p.Attempts,
			InputTokens:  p.InputTokens,
			OutputTokens: p.OutputTokens,
		})
	}

	if d.TSDB != nil && p.Success {
		d.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "latency", Org: p.Org, ProviderKey: p.ProviderKey, Model: p.Model, Value: float64(p.LatencyMs)})
		d.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "cost", Org: p.Org, ProviderKey: p.ProviderKey, Model: p.Model, Value: p.CostUSD})
		if total := p.InputTokens + p.OutputTokens; total > 0 {
			d.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "tokens", Org: p.Org, ProviderKey: p.ProviderKey, Model: p.Model, Value: float64(total)})
		}
	}
}
