package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rudironsoni/synaxis/internal/apikey"
	"github.com/rudironsoni/synaxis/internal/circuitbreaker"
	"github.com/rudironsoni/synaxis/internal/events"
	"github.com/rudironsoni/synaxis/internal/health"
	"github.com/rudironsoni/synaxis/internal/httpapi"
	"github.com/rudironsoni/synaxis/internal/idempotency"
	"github.com/rudironsoni/synaxis/internal/logging"
	"github.com/rudironsoni/synaxis/internal/metrics"
	"github.com/rudironsoni/synaxis/internal/quota"
	"github.com/rudironsoni/synaxis/internal/ratelimit"
	"github.com/rudironsoni/synaxis/internal/registry"
	"github.com/rudironsoni/synaxis/internal/router"
	"github.com/rudironsoni/synaxis/internal/stats"
	"github.com/rudironsoni/synaxis/internal/store"
	"github.com/rudironsoni/synaxis/internal/temporal"
	"github.com/rudironsoni/synaxis/internal/tokenize"
	"github.com/rudironsoni/synaxis/internal/tracing"
	"github.com/rudironsoni/synaxis/internal/tsdb"
	"github.com/rudironsoni/synaxis/internal/vault"
)

type Server struct {
	cfg Config

	r *chi.Mux

	vault    *vault.Vault
	registry *registry.Registry
	watcher  *registry.Watcher
	store    *store.SQLiteStore
	quota    *quota.Tracker
	prober   *health.Prober
	bus      *events.Bus
	limiter  *ratelimit.Limiter
	idem     *idempotency.Cache
	temporal *temporal.Manager
	logger   *slog.Logger

	rotationStop chan struct{}
	traceStop    func(context.Context) error
}

// healthStateStore bridges the health tracker's persistence hook onto the
// SQLite store.
type healthStateStore struct {
	s store.Store
}

func (h healthStateStore) SaveHealthState(ctx context.Context, s health.State) error {
	return h.s.SaveHealthState(ctx, store.HealthStateRecord{
		Org:                 s.Org,
		ProviderKey:         s.ProviderKey,
		Healthy:             s.Healthy,
		Score:               s.Score,
		ConsecutiveFailures: s.ConsecutiveFailures,
		CooldownUntil:       s.CooldownUntil,
		LastReason:          s.LastReason,
		UpdatedAt:           time.Now().UTC(),
	})
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceStop, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "synaxis",
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	allowedOrigins := cfg.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Token", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()
	m := metrics.New()

	ht := health.NewTracker(health.Config{
		CooldownCap: time.Duration(cfg.HealthCooldownCapMin) * time.Minute,
	}, health.WithEventBus(bus), health.WithStore(healthStateStore{s: db}))

	qt := quota.NewTracker()

	// Credentials resolve against the vault first, then the environment.
	// While the vault is locked, providers with vault: refs fail to build;
	// the registry reloads cleanly after an admin unlock.
	resolve := func(ref string) (string, error) {
		if name, ok := strings.CutPrefix(ref, "vault:"); ok {
			return v.Get(name)
		}
		return registry.EnvResolver(ref)
	}
	reg := registry.New(
		registry.WithCredentialResolver(resolve),
		registry.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.ProviderTimeoutSecs) * time.Second,
		}),
	)
	if err := reg.LoadFile(cfg.RegistryPath); err != nil {
		logger.Warn("registry load failed, starting with empty registry",
			slog.String("path", cfg.RegistryPath),
			slog.String("error", err.Error()))
	} else {
		logger.Info("registry loaded",
			slog.Int("providers", len(reg.Providers())),
			slog.Int("models", len(reg.Models())))
	}
	qt.SetLimits(reg.Limits())

	prober := health.NewProber(health.ProberConfig{
		Interval: time.Duration(cfg.ProbeIntervalSecs) * time.Second,
	}, ht, reg.Probeables(), logger)
	prober.Start()

	reload := func() error {
		if err := reg.LoadFile(cfg.RegistryPath); err != nil {
			return err
		}
		qt.SetLimits(reg.Limits())
		prober.SetTargets(reg.Probeables())
		logger.Info("registry reloaded",
			slog.Int("providers", len(reg.Providers())),
			slog.Int("models", len(reg.Models())))
		return nil
	}

	watcher, err := registry.NewWatcher(reg, cfg.RegistryPath, logger,
		registry.WithBus(bus),
		registry.WithOnReload(func() {
			qt.SetLimits(reg.Limits())
			prober.SetTargets(reg.Probeables())
		}),
	)
	if err != nil {
		logger.Warn("registry watcher unavailable", slog.String("error", err.Error()))
	} else {
		watcher.Start()
	}

	loop := router.NewLoop(router.NewResolver(reg, ht), reg, ht, qt,
		router.WithEventBus(bus))

	statsCol := stats.NewCollector()
	ts, err := tsdb.New(db.DB())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	keyMgr := apikey.NewManager(db)
	budget := apikey.NewBudgetChecker(db)

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := adminToken.ProvisionHostAPIKey(context.Background(), keyMgr, logger); err != nil {
		logger.Warn("host API key provisioning failed", slog.String("error", err.Error()))
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited),
		ratelimit.WithKeyFunc(func(req *http.Request) string {
			return apikey.OrgFromContext(req.Context())
		}),
	)
	idem := idempotency.New(cfg.IdempotencyTTL, cfg.IdempotencyMaxEntries)

	var wfMgr *temporal.Manager
	var breaker *circuitbreaker.Breaker
	if cfg.TemporalEnabled {
		acts := &temporal.Activities{
			Loop:     loop,
			Store:    db,
			Metrics:  m,
			EventBus: bus,
			Stats:    statsCol,
			TSDB:     ts,
		}
		wfMgr, err = temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			logger.Warn("temporal unavailable, async path disabled",
				slog.String("error", err.Error()))
			wfMgr = nil
		} else {
			if err := wfMgr.Start(); err != nil {
				logger.Warn("temporal worker failed to start",
					slog.String("error", err.Error()))
				wfMgr = nil
			} else {
				breaker = circuitbreaker.New(
					circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
						logger.Warn("async circuit state change",
							slog.String("from", from.String()),
							slog.String("to", to.String()))
					}),
				)
				logger.Info("temporal worker started",
					slog.String("task_queue", cfg.TemporalTaskQueue))
			}
		}
	}

	s := &Server{
		cfg:          cfg,
		r:            r,
		vault:        v,
		registry:     reg,
		watcher:      watcher,
		store:        db,
		quota:        qt,
		prober:       prober,
		bus:          bus,
		limiter:      limiter,
		idem:         idem,
		temporal:     wfMgr,
		logger:       logger,
		rotationStop: make(chan struct{}),
		traceStop:    traceStop,
	}
	s.startRotationEnforcer(keyMgr)

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Loop:        loop,
		Registry:    reg,
		Vault:       v,
		Metrics:     m,
		Store:       db,
		Health:      ht,
		Quota:       qt,
		EventBus:    bus,
		Stats:       statsCol,
		TSDB:        ts,
		APIKeyMgr:   keyMgr,
		Budget:      budget,
		RateLimit:   limiter,
		Idempotency: idem,
		Workflows:   wfMgr,
		Breaker:     breaker,
		Reload:      reload,
		AdminToken:  adminToken,
		Logger:      logger,
	})

	// Warm up tokenizer encodings so the first request doesn't pay the cost.
	tokenize.Warm()

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload re-reads the provider registry; wired to SIGHUP in main.
func (s *Server) Reload() error {
	if err := s.registry.LoadFile(s.cfg.RegistryPath); err != nil {
		return err
	}
	s.quota.SetLimits(s.registry.Limits())
	s.prober.SetTargets(s.registry.Probeables())
	s.logger.Info("registry reloaded on signal",
		slog.Int("providers", len(s.registry.Providers())),
		slog.Int("models", len(s.registry.Models())))
	return nil
}

// startRotationEnforcer disables expired API keys once an hour.
func (s *Server) startRotationEnforcer(mgr *apikey.Manager) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-s.rotationStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := mgr.EnforceRotation(ctx, s.bus, s.logger)
				cancel()
				if err != nil {
					s.logger.Warn("rotation enforcement failed", slog.String("error", err.Error()))
				} else if n > 0 {
					s.logger.Info("disabled keys past rotation window", slog.Int("count", n))
				}
			}
		}
	}()
}

func (s *Server) Close() error {
	close(s.rotationStop)
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.traceStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.traceStop(ctx)
		cancel()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
