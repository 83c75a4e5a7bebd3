package idempotency

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/rudironsoni/synaxis/internal/apikey"
)

// Middleware returns an HTTP middleware that provides request idempotency.
// When a request carries an Idempotency-Key header whose value has been seen
// before (and the cached entry has not expired), the cached response is
// replayed with an additional Idempotency-Replay: true header.
// Requests without the header pass through unchanged.
//
// Keys are scoped to the authenticated org, so two tenants reusing the same
// key never see each other's responses. Streamed (SSE) and 5xx responses are
// never cached.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if org := apikey.OrgFromContext(r.Context()); org != "" {
				key = org + "|" + key
			}

			if rec, ok := cache.Get(key); ok {
				replay(w, rec)
				return
			}

			cw := newCaptureWriter(w)
			next.ServeHTTP(cw, r)

			if cacheable(cw) {
				cache.Set(key, cw.body.Bytes(), cw.status, cw.headerSnapshot())
			}
		})
	}
}

// replay writes a previously cached response.
func replay(w http.ResponseWriter, rec Record) {
	for k, v := range rec.Header {
		w.Header().Set(k, v)
	}
	w.Header().Set("Idempotency-Replay", "true")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

// cacheable reports whether the captured response may be stored. Event
// streams are excluded because replaying a partial stream would be worse
// than recomputing, and 5xx responses are excluded so a transient upstream
// failure is not pinned for the key's lifetime.
func cacheable(cw *captureWriter) bool {
	if strings.HasPrefix(cw.Header().Get("Content-Type"), "text/event-stream") {
		return false
	}
	return cw.status < 500
}

// captureWriter tees the response into a buffer while passing it through to
// the client.
type captureWriter struct {
	http.ResponseWriter
	body    *bytes.Buffer
	status  int
	written bool
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		status:         http.StatusOK,
	}
}

// headerSnapshot flattens the response headers to single values for caching.
func (cw *captureWriter) headerSnapshot() map[string]string {
	hdrs := make(map[string]string, len(cw.Header()))
	for k, v := range cw.Header() {
		if len(v) > 0 {
			hdrs[k] = v[0]
		}
	}
	return hdrs
}

func (cw *captureWriter) WriteHeader(code int) {
	if !cw.written {
		cw.status = code
		cw.written = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
