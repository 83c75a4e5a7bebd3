package idempotency

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudironsoni/synaxis/internal/apikey"
	"github.com/rudironsoni/synaxis/internal/store"
)

// countingHandler wraps the middleware around a handler that records how
// many times it ran and writes the given status and body.
func countingHandler(c *Cache, status int, body string) (http.Handler, *atomic.Int64) {
	var calls atomic.Int64
	h := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return h, &calls
}

func post(h http.Handler, idemKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNoKeyPassesThrough(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()
	h, calls := countingHandler(c, http.StatusOK, `{"status":"ok"}`)

	rec := post(h, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"status":"ok"}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Idempotency-Replay"))

	post(h, "")
	assert.Equal(t, int64(2), calls.Load(), "no caching without a key")
}

func TestFirstRequestCachesResponse(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()
	h, calls := countingHandler(c, http.StatusCreated, `{"id":"chatcmpl-123"}`)

	rec := post(h, "first-key-001")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(1), calls.Load())
	assert.Empty(t, rec.Header().Get("Idempotency-Replay"), "fresh response carries no replay marker")

	entry, ok := c.Get("first-key-001")
	require.True(t, ok, "response should be cached under the key")
	assert.Equal(t, `{"id":"chatcmpl-123"}`, string(entry.Body))
	assert.Equal(t, http.StatusCreated, entry.Status)
}

func TestDuplicateKeyReplaysWithoutHandler(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()
	h, calls := countingHandler(c, http.StatusCreated, `{"id":"chatcmpl-456"}`)

	post(h, "dup-key-001")
	rec := post(h, "dup-key-001")

	assert.Equal(t, int64(1), calls.Load(), "handler must not run for a replay")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":"chatcmpl-456"}`, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get("Idempotency-Replay"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()
	h, calls := countingHandler(c, http.StatusCreated, `{"id":"x"}`)

	post(h, "key-a")
	post(h, "key-b")
	require.Equal(t, int64(2), calls.Load())

	recA := post(h, "key-a")
	recB := post(h, "key-b")
	assert.Equal(t, int64(2), calls.Load(), "both replays must come from cache")
	assert.Equal(t, "true", recA.Header().Get("Idempotency-Replay"))
	assert.Equal(t, "true", recB.Header().Get("Idempotency-Replay"))
}

func TestOrgScopesTheKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls atomic.Int64
	inner := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"org":"` + apikey.OrgFromContext(r.Context()) + `"}`))
	}))

	send := func(org string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set("Idempotency-Key", "shared-key")
		req = req.WithContext(apikey.NewContext(req.Context(), &store.APIKeyRecord{OrgID: org}))
		rec := httptest.NewRecorder()
		inner.ServeHTTP(rec, req)
		return rec
	}

	// Two tenants reuse the same key; each must get its own response.
	recAcme := send("acme")
	recGlobex := send("globex")
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, `{"org":"acme"}`, recAcme.Body.String())
	assert.Equal(t, `{"org":"globex"}`, recGlobex.Body.String())

	// Same tenant replays.
	recAgain := send("acme")
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, `{"org":"acme"}`, recAgain.Body.String())
	assert.Equal(t, "true", recAgain.Header().Get("Idempotency-Replay"))
}

func TestReplayPreservesCustomHeaders(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	h := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Custom", "custom-value")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"result":"created","count":42}`))
	}))

	post(h, "preserve-test")
	rec := post(h, "preserve-test")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"result":"created","count":42}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "custom-value", rec.Header().Get("X-Custom"))
	assert.Equal(t, "true", rec.Header().Get("Idempotency-Replay"))
}

// Run with -race. Concurrent first requests may each reach the handler (the
// Get/Set pair is not atomic, which is acceptable), but every caller must
// get a complete response and the detector must stay quiet.
func TestConcurrentRequestsSameKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()
	h, calls := countingHandler(c, http.StatusCreated, `{"id":"concurrent"}`)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			rec := post(h, "concurrent-key")
			if rec.Code != http.StatusCreated {
				t.Errorf("expected 201, got %d", rec.Code)
			}
			if rec.Body.String() != `{"id":"concurrent"}` {
				t.Errorf("unexpected body: %s", rec.Body.String())
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}

func TestStreamedResponsesNotCached(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls atomic.Int64
	h := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n"))
	}))

	for range 2 {
		rec := post(h, "stream-key")
		assert.Empty(t, rec.Header().Get("Idempotency-Replay"), "streams must never replay")
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestServerErrorsNotCached(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var calls atomic.Int64
	h := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream exhausted", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"chatcmpl-retry"}`))
	}))

	rec := post(h, "error-key")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = post(h, "error-key")
	assert.Equal(t, int64(2), calls.Load(), "5xx must be retried, not replayed")
	assert.Equal(t, http.StatusOK, rec.Code)
}
