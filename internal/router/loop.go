package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rudironsoni/synaxis/internal/events"
)

// Adapter is the interface provider adapters must implement for the loop.
// Adapters own protocol mapping only; routing and retry decisions belong to
// the loop. Defined here to avoid an import cycle with the providers package.
type Adapter interface {
	Key() string
	Complete(ctx context.Context, c Candidate, req ChatRequest) (ChatResult, error)
	ClassifyError(err error) *ClassifiedError
}

// StreamAdapter is implemented by adapters that support streaming delivery.
type StreamAdapter interface {
	Adapter
	StreamComplete(ctx context.Context, c Candidate, req ChatRequest) (Stream, error)
}

// AdapterSource resolves a provider key to its registered adapter.
// Implemented by the registry so hot reloads swap adapters atomically.
type AdapterSource interface {
	AdapterFor(providerKey string) Adapter
}

// QuotaChecker gates candidate attempts on configured RPM/TPM limits.
// Allow must atomically reserve a request slot (increment-and-check);
// estTokens is the request-side token estimate used for the TPM pre-check.
// RecordUsage adds observed token consumption afterwards.
type QuotaChecker interface {
	Allow(org, providerKey string, estTokens int) (allowed bool, retryAfter int)
	RecordUsage(org, providerKey string, tokens int)
}

// Loop is the sequential failover state machine over resolved candidates
// for a single request. Candidates are tried strictly in order; the loop
// never issues parallel calls to multiple providers.
type Loop struct {
	resolver *Resolver
	adapters AdapterSource
	health   HealthChecker
	quota    QuotaChecker
	bus      *events.Bus

	// now is replaceable for tests.
	now func() time.Time
}

// LoopOption configures optional Loop behaviour.
type LoopOption func(*Loop)

// WithEventBus publishes failover and outcome events on the given bus.
func WithEventBus(bus *events.Bus) LoopOption {
	return func(l *Loop) { l.bus = bus }
}

// WithClock replaces the loop's time source (tests only).
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

func NewLoop(resolver *Resolver, adapters AdapterSource, health HealthChecker, quota QuotaChecker, opts ...LoopOption) *Loop {
	l := &Loop{
		resolver: resolver,
		adapters: adapters,
		health:   health,
		quota:    quota,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Complete routes a non-streaming request: it walks the resolved candidate
// list, consulting quota and health before each attempt, and returns the
// first successful result. Provider failures are absorbed and classified;
// only the aggregate outcome crosses this boundary.
func (l *Loop) Complete(ctx context.Context, org string, req ChatRequest) (Outcome, error) {
	cands, err := l.resolver.Resolve(req.Model, org)
	if err != nil {
		return Outcome{}, err
	}

	attempts := 0
	quotaDenied := 0
	maxRetryAfter := 0

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return Outcome{}, cancelled(err)
		}

		skip, retryAfter := l.preflight(org, c, req.EstimatedInputTokens)
		switch skip {
		case skipQuota:
			quotaDenied++
			if retryAfter > maxRetryAfter {
				maxRetryAfter = retryAfter
			}
			continue
		case skipCooldown, skipNoAdapter:
			continue
		}

		adapter := l.adapters.AdapterFor(c.ProviderKey)
		attempts++

		slog.Info("attempting candidate",
			slog.String("model", c.CanonicalID),
			slog.String("provider", c.ProviderKey),
			slog.String("org", org),
			slog.Int("tier", c.Tier),
			slog.Int("attempt", attempts),
		)

		start := l.now()
		result, sendErr := adapter.Complete(ctx, c, req)
		if sendErr == nil {
			tokens := result.Usage.TotalTokens
			if tokens == 0 {
				// Some providers omit usage; fall back to the request-side
				// estimate so TPM accounting does not silently undercount.
				tokens = req.EstimatedInputTokens
			}
			l.recordSuccess(org, c, tokens, l.now().Sub(start))
			return Outcome{Candidate: c, Attempts: attempts, Result: result}, nil
		}

		if ctx.Err() != nil {
			// Do not penalize the provider for our own cancellation.
			return Outcome{}, cancelled(ctx.Err())
		}

		classified := adapter.ClassifyError(sendErr)
		if abort := l.recordFailure(org, c, classified); abort != nil {
			return Outcome{}, abort
		}
	}

	return Outcome{}, l.exhausted(req.Model, attempts, quotaDenied, maxRetryAfter)
}

// StreamComplete routes a streaming request. Failover is possible only until
// an upstream stream opens; once the caller holds the stream, a mid-stream
// error is surfaced through Recv rather than retried, so already-delivered
// chunks are never duplicated.
func (l *Loop) StreamComplete(ctx context.Context, org string, req ChatRequest) (Outcome, Stream, error) {
	cands, err := l.resolver.Resolve(req.Model, org)
	if err != nil {
		return Outcome{}, nil, err
	}

	attempts := 0
	quotaDenied := 0
	maxRetryAfter := 0

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return Outcome{}, nil, cancelled(err)
		}

		skip, retryAfter := l.preflight(org, c, req.EstimatedInputTokens)
		switch skip {
		case skipQuota:
			quotaDenied++
			if retryAfter > maxRetryAfter {
				maxRetryAfter = retryAfter
			}
			continue
		case skipCooldown, skipNoAdapter:
			continue
		}

		adapter := l.adapters.AdapterFor(c.ProviderKey)
		streamer, ok := adapter.(StreamAdapter)
		if !ok {
			continue
		}
		attempts++

		slog.Info("attempting streaming candidate",
			slog.String("model", c.CanonicalID),
			slog.String("provider", c.ProviderKey),
			slog.String("org", org),
			slog.Int("attempt", attempts),
		)

		upstream, openErr := streamer.StreamComplete(ctx, c, req)
		if openErr == nil {
			// The open succeeded: mark the provider healthy now so
			// concurrent requests see it, and account usage as the
			// stream is consumed.
			l.health.MarkHealthy(org, c.ProviderKey)
			l.publish(events.Event{
				Type:        events.EventRouteSuccess,
				Org:         org,
				ProviderKey: c.ProviderKey,
				Model:       c.CanonicalID,
			})
			watched := &watchedStream{
				inner: upstream,
				loop:  l,
				org:   org,
				cand:  c,
				est:   req.EstimatedInputTokens,
			}
			return Outcome{Candidate: c, Attempts: attempts}, watched, nil
		}

		if ctx.Err() != nil {
			return Outcome{}, nil, cancelled(ctx.Err())
		}

		classified := adapter.ClassifyError(openErr)
		if abort := l.recordFailure(org, c, classified); abort != nil {
			return Outcome{}, nil, abort
		}
	}

	return Outcome{}, nil, l.exhausted(req.Model, attempts, quotaDenied, maxRetryAfter)
}

type skipReason int

const (
	skipNone skipReason = iota
	skipQuota
	skipCooldown
	skipNoAdapter
)

// preflight applies the per-candidate gates that do not count as failures:
// cooldown exclusion, missing adapters, and quota denial. The quota check
// runs last because Allow reserves a slot; a candidate skipped for another
// reason must not consume budget.
func (l *Loop) preflight(org string, c Candidate, estTokens int) (skipReason, int) {
	if l.health != nil {
		snap := l.health.Check(org, c.ProviderKey)
		if snap.InCooldown && snap.CooldownUntil.After(l.now()) {
			slog.Debug("candidate skipped: cooldown",
				slog.String("provider", c.ProviderKey),
				slog.String("org", org),
				slog.Time("until", snap.CooldownUntil),
			)
			return skipCooldown, 0
		}
	}
	if l.adapters.AdapterFor(c.ProviderKey) == nil {
		return skipNoAdapter, 0
	}
	if l.quota != nil {
		if allowed, retryAfter := l.quota.Allow(org, c.ProviderKey, estTokens); !allowed {
			slog.Debug("candidate skipped: quota",
				slog.String("provider", c.ProviderKey),
				slog.String("org", org),
			)
			l.publish(events.Event{
				Type:        events.EventQuotaDenied,
				Org:         org,
				ProviderKey: c.ProviderKey,
				Model:       c.CanonicalID,
			})
			return skipQuota, retryAfter
		}
	}
	return skipNone, 0
}

func cancelled(err error) *Failure {
	return &Failure{Kind: KindCancelled, Message: "request cancelled by caller", Err: err}
}

func (l *Loop) recordSuccess(org string, c Candidate, tokens int, elapsed time.Duration) {
	l.health.MarkHealthy(org, c.ProviderKey)
	if l.quota != nil && tokens > 0 {
		l.quota.RecordUsage(org, c.ProviderKey, tokens)
	}
	l.publish(events.Event{
		Type:        events.EventRouteSuccess,
		Org:         org,
		ProviderKey: c.ProviderKey,
		Model:       c.CanonicalID,
		LatencyMs:   float64(elapsed.Milliseconds()),
	})
}

// recordFailure updates health state for a failed attempt. It returns a
// non-nil Failure only when the error is caller-attributable and the whole
// loop must abort.
func (l *Loop) recordFailure(org string, c Candidate, ce *ClassifiedError) *Failure {
	if ce.Class == ErrInvalidRequest {
		// Caller error: retrying other providers would not help.
		return &Failure{
			Kind:    KindInvalidRequest,
			Message: ce.Err.Error(),
			Err:     ce.Err,
		}
	}

	reason := ce.Err.Error()
	if ce.Class == ErrAuth {
		// Provider-specific fatal: advance, but record distinctly so
		// operators can tell credential rot from flapping upstreams.
		reason = "credential rejected: " + reason
	}
	l.health.MarkUnhealthy(org, c.ProviderKey, reason)

	slog.Warn("candidate failed",
		slog.String("provider", c.ProviderKey),
		slog.String("model", c.CanonicalID),
		slog.String("org", org),
		slog.String("class", string(ce.Class)),
		slog.String("error", ce.Err.Error()),
	)
	l.publish(events.Event{
		Type:        events.EventFailover,
		Org:         org,
		ProviderKey: c.ProviderKey,
		Model:       c.CanonicalID,
		ErrorClass:  string(ce.Class),
		ErrorMsg:    ce.Err.Error(),
	})
	return nil
}

func (l *Loop) exhausted(model string, attempts, quotaDenied, retryAfter int) *Failure {
	if attempts == 0 && quotaDenied > 0 {
		return &Failure{
			Kind:       KindRateLimited,
			Message:    fmt.Sprintf("all providers for %q are over their configured rate limits", model),
			RetryAfter: retryAfter,
		}
	}
	return &Failure{
		Kind:    KindRoutingExhausted,
		Message: fmt.Sprintf("all providers failed for model %q (%d attempted)", model, attempts),
	}
}

func (l *Loop) publish(e events.Event) {
	if l.bus != nil {
		l.bus.Publish(e)
	}
}

// watchedStream wraps an adapter stream to keep health and quota state
// current as the caller consumes it.
type watchedStream struct {
	inner Stream
	loop  *Loop
	org   string
	cand  Candidate

	tokens int
	est    int
	done   bool
}

func (s *watchedStream) Recv() (StreamChunk, error) {
	chunk, err := s.inner.Recv()
	if err == nil {
		if chunk.Usage != nil {
			s.tokens = chunk.Usage.TotalTokens
		}
		return chunk, nil
	}
	if err == io.EOF {
		s.finish(true, "")
		return chunk, err
	}
	s.finish(false, err.Error())
	return chunk, err
}

func (s *watchedStream) Close() error {
	return s.inner.Close()
}

func (s *watchedStream) finish(clean bool, reason string) {
	if s.done {
		return
	}
	s.done = true
	if clean {
		tokens := s.tokens
		if tokens == 0 {
			tokens = s.est
		}
		if s.loop.quota != nil && tokens > 0 {
			s.loop.quota.RecordUsage(s.org, s.cand.ProviderKey, tokens)
		}
		return
	}
	s.loop.health.MarkUnhealthy(s.org, s.cand.ProviderKey, "stream terminated: "+reason)
}
