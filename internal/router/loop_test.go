package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudironsoni/synaxis/internal/events"
)

// scriptedAdapter returns canned results or errors per call.
type scriptedAdapter struct {
	key     string
	results []func() (ChatResult, error)
	streams []func() (Stream, error)
	calls   int
	class   map[error]*ClassifiedError
}

func (a *scriptedAdapter) Key() string { return a.key }

func (a *scriptedAdapter) Complete(ctx context.Context, c Candidate, req ChatRequest) (ChatResult, error) {
	i := a.calls
	a.calls++
	if i >= len(a.results) {
		return ChatResult{}, errors.New("no scripted result")
	}
	return a.results[i]()
}

func (a *scriptedAdapter) StreamComplete(ctx context.Context, c Candidate, req ChatRequest) (Stream, error) {
	i := a.calls
	a.calls++
	if i >= len(a.streams) {
		return nil, errors.New("no scripted stream")
	}
	return a.streams[i]()
}

func (a *scriptedAdapter) ClassifyError(err error) *ClassifiedError {
	if ce, ok := a.class[err]; ok {
		return ce
	}
	return &ClassifiedError{Err: err, Class: ErrTransient}
}

type adapterMap map[string]Adapter

func (m adapterMap) AdapterFor(providerKey string) Adapter {
	return m[providerKey]
}

type fakeQuota struct {
	denied     map[string]int // provider -> retryAfter
	usage      map[string]int
	allowCalls int
	lastEst    int
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{denied: make(map[string]int), usage: make(map[string]int)}
}

func (q *fakeQuota) Allow(org, providerKey string, estTokens int) (bool, int) {
	q.allowCalls++
	q.lastEst = estTokens
	if ra, ok := q.denied[providerKey]; ok {
		return false, ra
	}
	return true, 0
}

func (q *fakeQuota) RecordUsage(org, providerKey string, tokens int) {
	q.usage[org+"|"+providerKey] += tokens
}

func okResult(content string, tokens int) func() (ChatResult, error) {
	return func() (ChatResult, error) {
		return ChatResult{Content: content, Usage: Usage{TotalTokens: tokens}}, nil
	}
}

func failWith(err error) func() (ChatResult, error) {
	return func() (ChatResult, error) { return ChatResult{}, err }
}

func twoProviderSetup() (staticSource, *fakeHealth) {
	src := staticSource{"gpt-4o": {
		{ProviderKey: "primary", CanonicalID: "gpt-4o", Tier: 0, Position: 0},
		{ProviderKey: "backup", CanonicalID: "gpt-4o", Tier: 1, Position: 1},
	}}
	return src, newFakeHealth()
}

func TestCompleteFirstCandidateSucceeds(t *testing.T) {
	src, h := twoProviderSetup()
	primary := &scriptedAdapter{key: "primary", results: []func() (ChatResult, error){okResult("hello", 12)}}
	backup := &scriptedAdapter{key: "backup"}
	quota := newFakeQuota()

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, quota)

	out, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "primary", out.Candidate.ProviderKey)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "hello", out.Result.Content)
	assert.Zero(t, backup.calls)
	assert.Equal(t, 12, quota.usage["acme|primary"])
	assert.Contains(t, h.healthy, "acme|primary")
}

func TestCompleteFailsOverOnTransient(t *testing.T) {
	src, h := twoProviderSetup()
	upstreamErr := errors.New("upstream 503")
	primary := &scriptedAdapter{key: "primary", results: []func() (ChatResult, error){failWith(upstreamErr)}}
	backup := &scriptedAdapter{key: "backup", results: []func() (ChatResult, error){okResult("from backup", 5)}}

	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, nil,
		WithEventBus(bus))

	out, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Candidate.ProviderKey)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, h.unhealthy, "acme|primary")

	var types []events.EventType
	for len(sub.C) > 0 {
		types = append(types, (<-sub.C).Type)
	}
	assert.Contains(t, types, events.EventFailover)
	assert.Contains(t, types, events.EventRouteSuccess)
}

func TestCompleteInvalidRequestAbortsImmediately(t *testing.T) {
	src, h := twoProviderSetup()
	badReq := errors.New("unknown parameter: foo")
	primary := &scriptedAdapter{
		key:     "primary",
		results: []func() (ChatResult, error){failWith(badReq)},
		class:   map[error]*ClassifiedError{badReq: {Err: badReq, Class: ErrInvalidRequest}},
	}
	backup := &scriptedAdapter{key: "backup", results: []func() (ChatResult, error){okResult("never", 0)}}

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, nil)

	_, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, AsFailure(err).Kind)
	assert.Zero(t, backup.calls, "invalid request must not be retried elsewhere")
}

func TestCompleteAuthErrorAdvancesToNextProvider(t *testing.T) {
	src, h := twoProviderSetup()
	authErr := errors.New("invalid api key")
	primary := &scriptedAdapter{
		key:     "primary",
		results: []func() (ChatResult, error){failWith(authErr)},
		class:   map[error]*ClassifiedError{authErr: {Err: authErr, Class: ErrAuth}},
	}
	backup := &scriptedAdapter{key: "backup", results: []func() (ChatResult, error){okResult("ok", 3)}}

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, nil)

	out, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Candidate.ProviderKey)
	assert.Contains(t, h.unhealthy, "acme|primary")
}

func TestCompleteSkipsCooldownCandidates(t *testing.T) {
	src, h := twoProviderSetup()
	h.cooldowns["acme|primary"] = time.Now().Add(time.Minute)

	primary := &scriptedAdapter{key: "primary", results: []func() (ChatResult, error){okResult("never", 0)}}
	backup := &scriptedAdapter{key: "backup", results: []func() (ChatResult, error){okResult("served", 2)}}

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, nil)

	out, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Candidate.ProviderKey)
	assert.Equal(t, 1, out.Attempts, "cooldown skip must not count as an attempt")
	assert.Zero(t, primary.calls)
}

func TestCompleteExpiredCooldownIsAttempted(t *testing.T) {
	src, h := twoProviderSetup()
	h.cooldowns["acme|primary"] = time.Now().Add(-time.Minute)

	primary := &scriptedAdapter{key: "primary", results: []func() (ChatResult, error){okResult("recovered", 1)}}
	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": &scriptedAdapter{key: "backup"}}, h, nil)

	out, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "primary", out.Candidate.ProviderKey)
}

func TestCompleteQuotaDeniedSkipsProvider(t *testing.T) {
	src, h := twoProviderSetup()
	quota := newFakeQuota()
	quota.denied["primary"] = 30

	primary := &scriptedAdapter{key: "primary"}
	backup := &scriptedAdapter{key: "backup", results: []func() (ChatResult, error){okResult("ok", 7)}}

	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, quota,
		WithEventBus(bus))

	out, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Candidate.ProviderKey)
	assert.Zero(t, primary.calls)

	var sawDenial bool
	for len(sub.C) > 0 {
		if (<-sub.C).Type == events.EventQuotaDenied {
			sawDenial = true
		}
	}
	assert.True(t, sawDenial)
}

func TestCompleteAllQuotaDeniedReturnsRateLimited(t *testing.T) {
	src, h := twoProviderSetup()
	quota := newFakeQuota()
	quota.denied["primary"] = 30
	quota.denied["backup"] = 45

	loop := NewLoop(NewResolver(src, h),
		adapterMap{"primary": &scriptedAdapter{key: "primary"}, "backup": &scriptedAdapter{key: "backup"}},
		h, quota)

	_, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)

	f := AsFailure(err)
	assert.Equal(t, KindRateLimited, f.Kind)
	assert.Equal(t, 45, f.RetryAfter)
}

func TestCompleteAllProvidersFailedIsRoutingExhausted(t *testing.T) {
	src, h := twoProviderSetup()
	boom := errors.New("boom")
	loop := NewLoop(NewResolver(src, h), adapterMap{
		"primary": &scriptedAdapter{key: "primary", results: []func() (ChatResult, error){failWith(boom)}},
		"backup":  &scriptedAdapter{key: "backup", results: []func() (ChatResult, error){failWith(boom)}},
	}, h, nil)

	_, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)

	f := AsFailure(err)
	assert.Equal(t, KindRoutingExhausted, f.Kind)
	assert.Equal(t, http.StatusBadGateway, f.Kind.HTTPStatus())
}

func TestCompleteCancelledContext(t *testing.T) {
	src, h := twoProviderSetup()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := NewLoop(NewResolver(src, h), adapterMap{
		"primary": &scriptedAdapter{key: "primary"},
		"backup":  &scriptedAdapter{key: "backup"},
	}, h, nil)

	_, err := loop.Complete(ctx, "acme", ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	f := AsFailure(err)
	assert.Equal(t, KindCancelled, f.Kind)
	assert.Equal(t, 499, f.Kind.HTTPStatus())
}

func TestCompleteCooldownSkipDoesNotReserveQuota(t *testing.T) {
	src, h := twoProviderSetup()
	h.cooldowns["acme|primary"] = time.Now().Add(time.Minute)
	quota := newFakeQuota()

	backup := &scriptedAdapter{key: "backup", results: []func() (ChatResult, error){okResult("served", 2)}}
	loop := NewLoop(NewResolver(src, h),
		adapterMap{"primary": &scriptedAdapter{key: "primary"}, "backup": backup}, h, quota)

	out, err := loop.Complete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Candidate.ProviderKey)
	assert.Equal(t, 1, quota.allowCalls, "only the attempted candidate may consume a quota slot")
}

func TestCompletePassesTokenEstimateToQuota(t *testing.T) {
	src, h := twoProviderSetup()
	quota := newFakeQuota()
	primary := &scriptedAdapter{key: "primary", results: []func() (ChatResult, error){okResult("hi", 9)}}

	loop := NewLoop(NewResolver(src, h),
		adapterMap{"primary": primary, "backup": &scriptedAdapter{key: "backup"}}, h, quota)

	_, err := loop.Complete(context.Background(), "acme",
		ChatRequest{Model: "gpt-4o", EstimatedInputTokens: 123})
	require.NoError(t, err)
	assert.Equal(t, 123, quota.lastEst)
}

func TestCompleteFallsBackToEstimateWhenUsageMissing(t *testing.T) {
	src, h := twoProviderSetup()
	quota := newFakeQuota()
	primary := &scriptedAdapter{key: "primary", results: []func() (ChatResult, error){okResult("no usage", 0)}}

	loop := NewLoop(NewResolver(src, h),
		adapterMap{"primary": primary, "backup": &scriptedAdapter{key: "backup"}}, h, quota)

	_, err := loop.Complete(context.Background(), "acme",
		ChatRequest{Model: "gpt-4o", EstimatedInputTokens: 77})
	require.NoError(t, err)
	assert.Equal(t, 77, quota.usage["acme|primary"], "estimate stands in when the provider omits usage")
}

// chunkStream yields the scripted chunks then the final error.
type chunkStream struct {
	chunks []StreamChunk
	final  error
	i      int
	closed bool
}

func (s *chunkStream) Recv() (StreamChunk, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.final != nil {
		return StreamChunk{}, s.final
	}
	return StreamChunk{}, io.EOF
}

func (s *chunkStream) Close() error {
	s.closed = true
	return nil
}

func TestStreamCompleteFailsOverBeforeOpen(t *testing.T) {
	src, h := twoProviderSetup()
	primary := &scriptedAdapter{key: "primary", streams: []func() (Stream, error){
		func() (Stream, error) { return nil, errors.New("connect refused") },
	}}
	served := &chunkStream{chunks: []StreamChunk{{Content: "hi"}, {FinishReason: "stop", Usage: &Usage{TotalTokens: 4}}}}
	backup := &scriptedAdapter{key: "backup", streams: []func() (Stream, error){
		func() (Stream, error) { return served, nil },
	}}
	quota := newFakeQuota()

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, quota)

	out, stream, err := loop.StreamComplete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Candidate.ProviderKey)
	assert.Equal(t, 2, out.Attempts)

	var content string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content += chunk.Content
	}
	assert.Equal(t, "hi", content)
	assert.Equal(t, 4, quota.usage["acme|backup"], "usage recorded from final chunk")
}

func TestStreamCompleteNoFailoverAfterOpen(t *testing.T) {
	src, h := twoProviderSetup()
	midErr := errors.New("connection reset mid-stream")
	served := &chunkStream{chunks: []StreamChunk{{Content: "part"}}, final: midErr}
	primary := &scriptedAdapter{key: "primary", streams: []func() (Stream, error){
		func() (Stream, error) { return served, nil },
	}}
	backup := &scriptedAdapter{key: "backup", streams: []func() (Stream, error){
		func() (Stream, error) { t.Fatal("backup must not be opened after primary stream started"); return nil, nil },
	}}

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, nil)

	out, stream, err := loop.StreamComplete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "primary", out.Candidate.ProviderKey)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "part", chunk.Content)

	// Mid-stream failure surfaces through Recv and marks the provider
	// unhealthy; it never reroutes.
	_, err = stream.Recv()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.Contains(t, h.unhealthy, "acme|primary")
	assert.Zero(t, backup.calls)
}

func TestStreamCompleteSkipsNonStreamingAdapters(t *testing.T) {
	src, h := twoProviderSetup()

	// Wrapping in an anonymous struct hides StreamComplete, leaving an
	// adapter that supports Complete only.
	primary := struct{ Adapter }{&scriptedAdapter{key: "primary"}}

	served := &chunkStream{}
	backup := &scriptedAdapter{key: "backup", streams: []func() (Stream, error){
		func() (Stream, error) { return served, nil },
	}}

	loop := NewLoop(NewResolver(src, h), adapterMap{"primary": primary, "backup": backup}, h, nil)

	out, _, err := loop.StreamComplete(context.Background(), "acme", ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Candidate.ProviderKey)
	assert.Equal(t, 1, out.Attempts)
}
