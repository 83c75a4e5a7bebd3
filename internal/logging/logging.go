package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redacted = "[REDACTED]"

// Attribute keys that pass through untouched even though they match a
// sensitive substring: routing identifiers, not credentials.
var passthroughKeys = map[string]bool{
	"provider_key": true,
	"key_id":       true,
	"api_key_name": true,
	"request_id":   true,
}

// Keys redacted outright: auth headers and request body content.
var blockedKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"cookie":              true,
	"set-cookie":          true,
	"body":                true,
	"request_body":        true,
	"req_body":            true,
}

// Substrings that mark a key as credential-bearing.
var sensitiveFragments = []string{"api_key", "token", "secret", "password", "credential"}

// globalLevel backs the JSON handler so SetLevel can change verbosity at
// runtime without rebuilding the logger.
var globalLevel = new(slog.LevelVar)

// Setup installs the global slog logger: JSON to stdout behind a redacting
// handler that keeps credentials and request bodies out of the log stream.
func Setup(level string) *slog.Logger {
	SetLevel(level)

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&RedactingHandler{base: base})
	slog.SetDefault(logger)
	return logger
}

// SetLevel adjusts the global log level. Valid values are "debug", "warn",
// "error"; anything else means "info".
func SetLevel(level string) {
	switch level {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warn":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// RedactingHandler wraps an slog.Handler and scrubs sensitive attribute
// values before they reach the underlying handler.
type RedactingHandler struct {
	base slog.Handler
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrub(a))
		return true
	})
	return h.base.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, scrub(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func scrub(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if passthroughKeys[key] {
		return a
	}
	if blockedKeys[key] {
		return slog.String(a.Key, redacted)
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(key, frag) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// RequestLogger returns chi middleware that logs one line per request.
// Bodies and auth headers never reach the logger.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
