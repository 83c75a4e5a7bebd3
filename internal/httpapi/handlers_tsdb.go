package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rudironsoni/synaxis/internal/tsdb"
)

// parseTimeParam accepts RFC3339 or unix milliseconds.
func parseTimeParam(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

// TSDBQueryHandler serves GET /admin/v1/tsdb/query. Query params: metric
// (required), org, provider_key, model, start, end (RFC3339 or unix ms),
// step (ms).
func TSDBQueryHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"series": []any{}})
			return
		}

		q := r.URL.Query()
		if q.Get("metric") == "" {
			jsonError(w, "metric parameter required", http.StatusBadRequest)
			return
		}

		params := tsdb.QueryParams{
			Metric:      q.Get("metric"),
			Org:         q.Get("org"),
			ProviderKey: q.Get("provider_key"),
			Model:       q.Get("model"),
		}
		if t, ok := parseTimeParam(q.Get("start")); ok {
			params.Start = t
		}
		if t, ok := parseTimeParam(q.Get("end")); ok {
			params.End = t
		}
		if ms, err := strconv.ParseInt(q.Get("step"), 10, 64); err == nil {
			params.StepMs = ms
		}

		series, err := ts.Query(r.Context(), params)
		if err != nil {
			jsonError(w, "query error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"series": series})
	}
}

// TSDBPruneHandler serves POST /admin/v1/tsdb/prune, deleting points past
// the retention horizon.
func TSDBPruneHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"deleted": 0})
			return
		}
		deleted, err := ts.Prune(r.Context())
		if err != nil {
			jsonError(w, "prune error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"deleted": deleted})
	}
}

// TSDBRetentionHandler serves PUT /admin/v1/tsdb/retention.
func TSDBRetentionHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			jsonError(w, "tsdb not configured", http.StatusNotImplemented)
			return
		}
		var req struct {
			Days int `json:"days"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Days < 1 {
			jsonError(w, "days must be >= 1", http.StatusBadRequest)
			return
		}
		ts.SetRetention(time.Duration(req.Days) * 24 * time.Hour)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "retention_days": req.Days})
	}
}

// TSDBMetricsHandler serves GET /admin/v1/tsdb/metrics.
func TSDBMetricsHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"metrics": []any{}})
			return
		}
		metrics, err := ts.Metrics(r.Context())
		if err != nil {
			jsonError(w, "error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"metrics": metrics})
	}
}
