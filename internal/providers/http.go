package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "synaxis.providers"

// newRequest builds an outbound provider request with the shared header
// conventions: caller headers, gateway request ID, and W3C trace context.
func newRequest(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if id := RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// statusErr builds a StatusError from a non-2xx response, carrying the
// Retry-After hint when the provider sent one.
func statusErr(resp *http.Response, body []byte) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	se.ParseRetryAfter(resp.Header.Get("Retry-After"))
	return se
}

func failSpan(span trace.Span, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// DoRequest sends a POST with a JSON payload and returns the response body.
// Non-2xx responses come back as a *StatusError.
func DoRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		failSpan(span, "marshal failed", err)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := newRequest(ctx, http.MethodPost, url, bytes.NewReader(data), headers)
	if err != nil {
		failSpan(span, "create request failed", err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		failSpan(span, "request failed", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		failSpan(span, "read response failed", err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := statusErr(resp, body)
		failSpan(span, fmt.Sprintf("HTTP %d", resp.StatusCode), se)
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

// DoStreamRequest sends a POST with a JSON payload and returns the raw
// response body for streaming consumption. The caller must close the
// returned ReadCloser; the client span stays open until that Close so the
// whole stream is covered by one span.
func DoStreamRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) (io.ReadCloser, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "provider.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)

	fail := func(msg string, err error) error {
		failSpan(span, msg, err)
		span.End()
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fail("marshal failed", fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := newRequest(ctx, http.MethodPost, url, bytes.NewReader(data), headers)
	if err != nil {
		return nil, fail("create request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fail("request failed", fmt.Errorf("request failed: %w", err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, rerr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if rerr != nil {
			return nil, fail("read error response failed", fmt.Errorf("failed to read error response: %w", rerr))
		}
		se := statusErr(resp, body)
		return nil, fail(fmt.Sprintf("HTTP %d", resp.StatusCode), se)
	}

	span.SetStatus(codes.Ok, "")
	return &spanCloser{ReadCloser: resp.Body, span: span}, nil
}

// spanCloser ends the stream's client span when the body is closed.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}

// DoGet sends a GET and returns the response body. Polling adapters use it
// to fetch job status between submissions.
func DoGet(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "provider.poll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	req, err := newRequest(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		failSpan(span, "create request failed", err)
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		failSpan(span, "request failed", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		failSpan(span, "read response failed", err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := statusErr(resp, body)
		failSpan(span, fmt.Sprintf("HTTP %d", resp.StatusCode), se)
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}
