package providers

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID tags ctx with the gateway request ID so outbound provider
// calls can propagate it in the X-Request-ID header.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the gateway request ID carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
