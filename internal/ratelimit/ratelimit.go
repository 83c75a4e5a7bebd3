// Package ratelimit enforces inbound request limits with per-key token
// buckets, keyed by client IP or by the authenticated org.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultMaxKeys = 100000

// Limiter tracks one token bucket per key.
type Limiter struct {
	rate     int           // tokens added per interval
	burst    int           // bucket capacity
	interval time.Duration // refill interval
	maxKeys  int           // entries kept before evicting the coldest
	counter  prometheus.Counter
	keyFunc  func(*http.Request) string

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}

	nowFunc func() time.Time // test hook
}

type bucket struct {
	tokens     int
	lastFill   time.Time
	lastAccess time.Time
}

// New creates a limiter allowing rate requests per interval with bursts up
// to burst. Pass WithCounter to count rejections in Prometheus.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  defaultMaxKeys,
		keyFunc:  clientIP,
		buckets:  make(map[string]*bucket),
		stop:     make(chan struct{}),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanupLoop()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter incremented on each rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxKeys caps the number of tracked buckets.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// WithKeyFunc overrides how the bucket key is derived from a request.
// The default keys by client IP; the server wires this to the
// authenticated org so all keys of an org share one bucket.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) { l.keyFunc = fn }
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Middleware rejects requests whose bucket is empty with a 429 and a
// Retry-After hint.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.keyFunc(r)
		if key == "" {
			key = clientIP(r)
		}
		if !l.allow(key) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_exceeded"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictColdest()
		}
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}
	b.lastAccess = now

	// Whole intervals elapsed since the last fill each add rate tokens.
	if refill := int(now.Sub(b.lastFill)/l.interval) * l.rate; refill > 0 {
		b.tokens = min(b.tokens+refill, l.burst)
		b.lastFill = now
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// evictColdest drops the least recently used bucket. Caller holds l.mu.
func (l *Limiter) evictColdest() {
	var coldest string
	var when time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.lastAccess.Before(when) {
			coldest, when = k, b.lastAccess
			first = false
		}
	}
	if !first {
		delete(l.buckets, coldest)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(10 * time.Minute)
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets idle for longer than maxIdle.
func (l *Limiter) sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.nowFunc().Add(-maxIdle)
	for k, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}
