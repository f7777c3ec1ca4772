package s2s

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID attaches the pipeline-resolved request id to ctx so a
// Receiver can observe the id the edge request-id middleware minted or
// echoed, rather than re-reading a header the caller may not have set.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

// RequestIDFromContext returns the request id set by WithRequestID, or
// "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
