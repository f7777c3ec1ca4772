package edge

import (
	"context"

	"github.com/ocx/platform/internal/s2s"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	hopClaimsKey
)

func withRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

// RequestIDFromContext returns the request id assigned by the request-id
// middleware, or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func withHopClaims(ctx context.Context, c *s2s.HopClaims) context.Context {
	return context.WithValue(ctx, hopClaimsKey, c)
}

// HopClaimsFromContext returns the verified caller claims set by the
// verify-hop middleware, or nil on internal services that skip it (e.g.
// the edge gateway's own inbound-from-the-internet routes).
func HopClaimsFromContext(ctx context.Context) *s2s.HopClaims {
	v, _ := ctx.Value(hopClaimsKey).(*s2s.HopClaims)
	return v
}
