// Package edge assembles the ordered, non-negotiable middleware stack
// every service mounts in front of its routes.
package edge

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/platform/internal/s2s"
	"github.com/ocx/platform/internal/wal"
)

// Options configures an EdgePipeline. Verifier is nil for the public
// gateway (no internal verify-hop step); ReadyFn/ReadOnly/Audit are
// all optional.
type Options struct {
	Service        string
	Log            *slog.Logger
	Verifier       *s2s.Verifier // nil: skip verify-hop (public gateway)
	ReadyFn        func() error
	ReadOnly       func() bool
	ReadOnlyExempt []string
	MaxBodyBytes   int64
	Audit          *wal.Engine // optional: brackets routed handler calls
}

// Pipeline wraps a gorilla/mux router with the ordered middleware stack
// and exposes route registration via its embedded *mux.Router.
type Pipeline struct {
	*mux.Router
	opts Options
}

// New builds a Pipeline with the ordered middleware stack applied ahead
// of service-specific route registration, plus a 404 handler and
// error-rendering helper installed on the same router.
func New(opts Options) *Pipeline {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteProblem(w, r, http.StatusNotFound, "no matching route")
	})

	router.Use(RequestID)
	router.Use(HTTPLog(opts.Service, opts.Log))
	router.Use(Trace5xx(opts.Log))
	router.Use(HealthRoutes(opts.ReadyFn))
	if opts.Verifier != nil {
		router.Use(VerifyHop(opts.Verifier))
	}
	router.Use(ReadOnlyGate(opts.ReadOnly, opts.ReadOnlyExempt))
	router.Use(BodyParsing(opts.MaxBodyBytes))

	return &Pipeline{Router: router, opts: opts}
}

// ErrorHandler adapts a handler that may fail into an http.HandlerFunc
// rendering any error as application/problem+json and, when an audit
// sink is configured, bracketing the call with begin/end audit records
// keyed by request id.
func (p *Pipeline) ErrorHandler(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := RequestIDFromContext(r.Context())
		if p.opts.Audit != nil {
			p.opts.Audit.Begin(rid, r.Method, r.URL.Path)
		}
		rec := &statusRecorder{ResponseWriter: w}
		err := h(rec, r)
		if p.opts.Audit != nil {
			p.opts.Audit.End(rid, rec.status, err)
		}
		if err != nil {
			status := http.StatusInternalServerError
			if se, ok := s2s.AsError(err); ok {
				status = statusForKind(se.Kind)
			}
			WriteProblem(w, r, status, err.Error())
		}
	}
}

func statusForKind(k s2s.Kind) int {
	switch k {
	case s2s.KindMissingToken, s2s.KindInvalidToken, s2s.KindTokenExpired, s2s.KindBadAudience, s2s.KindBadIssuer, s2s.KindAssertionRequired:
		return http.StatusUnauthorized
	case s2s.KindCallerNotAllowed, s2s.KindAssertionForbidden, s2s.KindPolicyDenyDefault:
		return http.StatusForbidden
	case s2s.KindRouteNotFound, s2s.KindUnknownTarget:
		return http.StatusNotFound
	case s2s.KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case s2s.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case s2s.KindUpstreamNetwork, s2s.KindUpstreamNon2xx, s2s.KindUpstreamBadJSON:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
