package edge

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/platform/internal/s2s"
)

// statusRecorder captures the first WriteHeader call so trace-5xx and
// http-log can observe the final status without buffering the body.
type statusRecorder struct {
	http.ResponseWriter
	status     int
	wroteOnce  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteOnce {
		s.status = code
		s.wroteOnce = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteOnce {
		s.status = http.StatusOK
		s.wroteOnce = true
	}
	return s.ResponseWriter.Write(b)
}

// RequestID middleware accepts an upstream-supplied id from any of the
// common header names, else mints a UUID, and always echoes it on the
// response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := firstNonEmpty(
			r.Header.Get("x-request-id"),
			r.Header.Get("x-correlation-id"),
			r.Header.Get("x-amzn-trace-id"),
		)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("x-request-id", rid)
		ctx := withRequestID(r.Context(), rid)
		ctx = s2s.WithRequestID(ctx, rid)
		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

// HTTPLog middleware writes a structured per-request log line,
// suppressed for liveness endpoints.
func HTTPLog(service string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHealthPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			log.Info("http request",
				slog.String("service", service),
				slog.String("method", r.Method),
				slog.String("url", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("requestId", RequestIDFromContext(r.Context())),
			)
		})
	}
}

// Trace5xx middleware logs the first assignment of a 5xx status once,
// independent of HTTPLog's summary line.
func Trace5xx(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status >= 500 {
				log.Error("5xx response",
					slog.String("url", r.URL.Path),
					slog.Int("status", rec.status),
					slog.String("requestId", RequestIDFromContext(r.Context())),
				)
			}
		})
	}
}

func isHealthPath(p string) bool {
	switch p {
	case "/health/live", "/health/ready", "/healthz", "/readyz", "/live", "/ready":
		return true
	}
	return false
}

// HealthRoutes serves liveness/readiness endpoints that bypass every
// later middleware, including auth.
func HealthRoutes(readyFn func() error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isHealthPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(r.URL.Path, "ready") && readyFn != nil {
				if err := readyFn(); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
		})
	}
}

// VerifyHop middleware enforces internal-service inbound auth, delegated
// to s2s.Verifier. Only internal services mount this; the public gateway
// edge validates external user credentials instead.
func VerifyHop(verifier *s2s.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHealthPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				WriteProblem(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := verifier.VerifyHop(strings.TrimPrefix(auth, prefix))
			if err != nil {
				WriteProblem(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			r = r.WithContext(withHopClaims(r.Context(), claims))
			next.ServeHTTP(w, r)
		})
	}
}

// ReadOnlyGate, when enabled, rejects mutating methods with 503 except
// on exempt path prefixes.
func ReadOnlyGate(enabled func() bool, exemptPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if enabled == nil || !enabled() || !isMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range exemptPrefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteProblem(w, r, http.StatusServiceUnavailable, "read-only mode")
		})
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// BodyParsing caps request body size so a single handler can't exhaust
// memory on an oversized payload.
func BodyParsing(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
