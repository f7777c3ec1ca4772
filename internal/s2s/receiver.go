package s2s

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// RequestContext is established per inbound request.
type RequestContext struct {
	RequestID string
	Caller    string
	Act       *Act
}

// Envelope is the canonical response shape a handler returns.
type Envelope struct {
	Status int
	Body   interface{}
}

// Handler is invoked once a request clears policy/auth.
type Handler func(rc RequestContext, body []byte) (Envelope, error)

// AuditSink receives begin/end audit notifications bracketing a handler
// call. Typically backed by wal.Engine.
type AuditSink interface {
	Begin(rid, method, path string)
	End(rid string, status int, err error)
}

// Receiver is the inbound S2S handler wrapper.
type Receiver struct {
	selfSlug    string
	selfVersion int
	verifier    *Verifier
	policy      *Store
	openPaths   map[string]bool
	audit       AuditSink
	log         *slog.Logger
}

// NewReceiver constructs a Receiver for an internal service.
func NewReceiver(selfSlug string, selfVersion int, verifier *Verifier, policy *Store, audit AuditSink, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		selfSlug:    selfSlug,
		selfVersion: selfVersion,
		verifier:    verifier,
		policy:      policy,
		audit:       audit,
		log:         log,
		openPaths: map[string]bool{
			"/health/live": true, "/health/ready": true,
			"/healthz": true, "/readyz": true, "/live": true, "/ready": true,
		},
	}
}

// Wrap adapts Handler into an http.HandlerFunc implementing the
// per-request pipeline.
func (r *Receiver) Wrap(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rid := RequestIDFromContext(req.Context())
		if rid == "" {
			rid = req.Header.Get("X-Request-Id")
		}

		if r.openPaths[req.URL.Path] {
			env, err := handler(RequestContext{RequestID: rid}, nil)
			writeEnvelope(w, env, err)
			return
		}

		token := bearerToken(req.Header.Get("Authorization"))
		if token == "" {
			writeAuthError(w, rid, KindMissingToken)
			return
		}

		claims, err := r.verifier.VerifyHop(token)
		if err != nil {
			kind := KindInvalidToken
			if se, ok := AsError(err); ok {
				kind = se.Kind
			}
			r.log.Warn("hop verification failed", slog.String("kind", string(kind)))
			writeAuthError(w, rid, kind)
			return
		}
		if rid == "" {
			rid = claims.Rid
		}

		decision := r.policy.Lookup(r.selfSlug, r.selfVersion, req.Method, req.URL.Path)
		if !decision.Matched {
			writeProblem(w, http.StatusNotFound, rid, "route not found")
			return
		}

		act, err := r.enforceAssertion(decision.Rule.UserAssertion, req, claims)
		if err != nil {
			se, _ := AsError(err)
			status := http.StatusForbidden
			if se != nil && se.Kind == KindAssertionRequired {
				status = http.StatusUnauthorized
			}
			writeProblem(w, status, rid, err.Error())
			return
		}

		rc := RequestContext{RequestID: rid, Caller: claims.Iss, Act: act}

		body, _ := io.ReadAll(req.Body)

		if r.audit != nil {
			r.audit.Begin(rid, req.Method, req.URL.Path)
		}
		env, herr := handler(rc, body)
		if r.audit != nil {
			r.audit.End(rid, env.Status, herr)
		}

		writeEnvelope(w, env, herr)
	}
}

// enforceAssertion checks the inbound user assertion against mode and
// returns the resulting Act.
func (r *Receiver) enforceAssertion(mode UserAssertionMode, req *http.Request, claims *HopClaims) (*Act, error) {
	header := req.Header.Get("X-User-Assertion")
	switch mode {
	case AssertionForbidden:
		req.Header.Del("X-User-Assertion")
		return nil, nil
	case AssertionRequired:
		if header == "" && claims.Act == nil {
			return nil, newErr(KindAssertionRequired, "user assertion required", nil)
		}
		if claims.Act != nil {
			return claims.Act, nil
		}
		return &Act{Sub: header}, nil
	case AssertionOptional:
		if claims.Act != nil {
			return claims.Act, nil
		}
		if header != "" {
			return &Act{Sub: header}, nil
		}
		return nil, nil
	default:
		return nil, newErr(KindAssertionRequired, "unknown assertion mode", nil)
	}
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}

func writeEnvelope(w http.ResponseWriter, env Envelope, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := env.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":   false,
			"data": map[string]interface{}{"status": status, "detail": err.Error()},
		})
		return
	}
	status := env.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "data": env.Body})
}

func writeAuthError(w http.ResponseWriter, rid string, kind Kind) {
	writeProblem(w, http.StatusUnauthorized, rid, string(kind))
}

func writeProblem(w http.ResponseWriter, status int, rid, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"type":     "about:blank",
		"title":    http.StatusText(status),
		"status":   status,
		"detail":   detail,
		"instance": rid,
	})
}
