package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probeable is implemented by provider adapters that expose a health endpoint.
type Probeable interface {
	Key() string
	HealthEndpoint() string
}

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes provider health endpoints. A successful probe
// clears cooldowns for the provider across all organizations, so providers
// that went down recover without waiting for live traffic.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}

	mu      sync.RWMutex
	targets map[string]Probeable // keyed by provider key
}

// NewProber creates a health check prober. Zero config fields fall back to
// the defaults so a partially filled ProberConfig never yields instantly
// expiring probe contexts.
func NewProber(cfg ProberConfig, tracker *Tracker, targets []Probeable, logger *slog.Logger) *Prober {
	def := DefaultProberConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	m := make(map[string]Probeable, len(targets))
	for _, t := range targets {
		m[t.Key()] = t
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: m,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetTargets replaces the probe target set. Called on registry reload.
func (p *Prober) SetTargets(targets []Probeable) {
	m := make(map[string]Probeable, len(targets))
	for _, t := range targets {
		m[t.Key()] = t
	}
	p.mu.Lock()
	p.targets = m
	p.mu.Unlock()
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	p.mu.RLock()
	snapshot := make([]Probeable, 0, len(p.targets))
	for _, t := range p.targets {
		snapshot = append(snapshot, t)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probe(t)
		}()
	}
	wg.Wait()
}

// reachable reports whether a probe status means the endpoint is up.
// 401 (auth required) and 405 (wrong method) still prove the provider is
// serving traffic.
func reachable(status int) bool {
	switch {
	case status >= 200 && status < 300:
		return true
	case status == http.StatusUnauthorized, status == http.StatusMethodNotAllowed:
		return true
	}
	return false
}

func (p *Prober) probe(target Probeable) {
	endpoint := target.HealthEndpoint()
	if endpoint == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		p.logger.Warn("health probe request error",
			slog.String("provider", target.Key()),
			slog.String("error", err.Error()),
		)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("health probe failed",
			slog.String("provider", target.Key()),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if !reachable(resp.StatusCode) {
		p.logger.Warn("health probe unhealthy",
			slog.String("provider", target.Key()),
			slog.Int("status", resp.StatusCode),
		)
		return
	}

	p.tracker.NoteProbeSuccess(target.Key())
	p.logger.Debug("health probe ok",
		slog.String("provider", target.Key()),
		slog.Int("status", resp.StatusCode),
		slog.Float64("latency_ms", float64(time.Since(start).Milliseconds())),
	)
}
