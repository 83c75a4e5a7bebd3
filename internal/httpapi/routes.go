package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rudironsoni/synaxis/internal/apikey"
	"github.com/rudironsoni/synaxis/internal/circuitbreaker"
	"github.com/rudironsoni/synaxis/internal/events"
	"github.com/rudironsoni/synaxis/internal/health"
	"github.com/rudironsoni/synaxis/internal/idempotency"
	"github.com/rudironsoni/synaxis/internal/metrics"
	"github.com/rudironsoni/synaxis/internal/quota"
	"github.com/rudironsoni/synaxis/internal/ratelimit"
	"github.com/rudironsoni/synaxis/internal/registry"
	"github.com/rudironsoni/synaxis/internal/router"
	"github.com/rudironsoni/synaxis/internal/stats"
	"github.com/rudironsoni/synaxis/internal/store"
	"github.com/rudironsoni/synaxis/internal/temporal"
	"github.com/rudironsoni/synaxis/internal/tsdb"
	"github.com/rudironsoni/synaxis/internal/vault"
)

// Completer is the routing surface the completion handlers call into.
// Satisfied by *router.Loop; tests substitute a scripted implementation.
type Completer interface {
	Complete(ctx context.Context, org string, req router.ChatRequest) (router.Outcome, error)
	StreamComplete(ctx context.Context, org string, req router.ChatRequest) (router.Outcome, router.Stream, error)
}

type Dependencies struct {
	Loop     Completer
	Registry *registry.Registry
	Vault    *vault.Vault
	Metrics  *metrics.Registry
	Store    store.Store
	Health   *health.Tracker
	Quota    *quota.Tracker
	EventBus *events.Bus
	Stats    *stats.Collector
	TSDB     *tsdb.Store

	// API key management (nil if not configured).
	APIKeyMgr *apikey.Manager
	Budget    *apikey.BudgetChecker

	// Inbound protections on the completion surface (nil disables).
	RateLimit   *ratelimit.Limiter
	Idempotency *idempotency.Cache

	// Async completion path (nil when Temporal is disabled).
	Workflows *temporal.Manager
	Breaker   *circuitbreaker.Breaker

	// Reload re-reads the provider registry file and reapplies quota
	// limits and probe targets; wired up by the server.
	Reload func() error

	AdminToken *AdminTokenHolder
	Logger     *slog.Logger
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// Verify the system can actually route requests.
		models := len(d.Registry.Models())
		providers := len(d.Registry.Providers())
		status := http.StatusOK
		state := "ok"
		if models == 0 || providers == 0 {
			status = http.StatusServiceUnavailable
			state = "unhealthy"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    state,
			"providers": providers,
			"models":    models,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr))
		}
		// Rate limiting and idempotency key off the authenticated org, so
		// they mount after auth.
		if d.RateLimit != nil {
			r.Use(d.RateLimit.Middleware)
		}
		if d.Idempotency != nil {
			r.Use(idempotency.Middleware(d.Idempotency))
		}
		r.Post("/chat/completions", ChatCompletionsHandler(d))
		r.Post("/completions", CompletionsHandler(d))
		r.Get("/models", ModelsListPublicHandler(d))

		// Async submission and polling, backed by Temporal.
		r.Post("/chat/completions/async", AsyncCompletionsHandler(d))
		r.Get("/chat/completions/async/{id}", AsyncResultHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		if d.AdminToken != nil {
			r.Use(AdminAuthMiddleware(d.AdminToken))
		}

		r.Post("/apikeys", APIKeysCreateHandler(d))
		r.Get("/apikeys", APIKeysListHandler(d))
		r.Post("/apikeys/{id}/rotate", APIKeysRotateHandler(d))
		r.Patch("/apikeys/{id}", APIKeysPatchHandler(d))
		r.Delete("/apikeys/{id}", APIKeysDeleteHandler(d))

		r.Get("/health", HealthListHandler(d))
		r.Post("/health/reset", HealthResetHandler(d))
		r.Get("/quota", QuotaSnapshotHandler(d))

		r.Get("/registry/models", RegistryModelsHandler(d))
		r.Get("/registry/providers", RegistryProvidersHandler(d))
		r.Post("/registry/reload", RegistryReloadHandler(d))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Put("/vault/credentials", VaultSetCredentialHandler(d))
		r.Delete("/vault/credentials/{name}", VaultDeleteCredentialHandler(d))

		r.Get("/logs", RequestLogsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
		r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
		r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))
		r.Put("/tsdb/retention", TSDBRetentionHandler(d.TSDB))

		r.Get("/workflows/{id}", AsyncResultHandler(d))

		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
