// Command gateway runs the public edge: it terminates external requests,
// mints context tokens, forwards slug-versioned calls into the S2S
// fabric, and journals a begin/end audit record around every call.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/platform/internal/config"
	"github.com/ocx/platform/internal/edge"
	"github.com/ocx/platform/internal/identity"
	"github.com/ocx/platform/internal/metrics"
	"github.com/ocx/platform/internal/ratelimit"
	"github.com/ocx/platform/internal/s2s"
	"github.com/ocx/platform/internal/wal"
	"github.com/ocx/platform/internal/wal/writers"
)

var routePattern = regexp.MustCompile(`^/api/([^/]+)/v(\d+)/(.*)$`)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	root, err := identity.NewKMSRoot("ocx-gateway-root")
	if err != nil {
		log.Error("kms root init failed", slog.Any("err", err))
		os.Exit(1)
	}
	signer, err := identity.NewSigner(cfg.Server.Slug, root, cfg.Identity.RotationInterval, cfg.Identity.OverlapWindow, log)
	if err != nil {
		log.Error("signer init failed", slog.Any("err", err))
		os.Exit(1)
	}
	signer.Start()
	defer signer.Stop()

	mirror, err := s2s.NewMirror(cfg.Mirror.ConfigServiceSlug, cfg.Mirror.ConfigServiceURL, cfg.Mirror.TTL, log)
	if err != nil {
		log.Error("mirror init failed", slog.Any("err", err))
		os.Exit(1)
	}
	policy := s2s.NewStore()
	minter := s2s.NewMinter(signer, cfg.Server.Slug, cfg.Identity.HopTTL, cfg.S2S.HopBudgetMax, policy)
	client := s2s.NewClient(cfg.Server.Slug, 1, mirror, minter, log)

	journal, err := wal.NewJournal(cfg.Wal.Dir, cfg.Wal.RotateBytes, cfg.Wal.FsyncMs)
	if err != nil {
		log.Error("wal journal init failed", slog.Any("err", err))
		os.Exit(1)
	}
	writer := buildWriter(cfg, client, log)
	engine := wal.NewEngine(journal, writer)

	m := metrics.New()
	limiter := buildLimiter(cfg, log)

	pipeline := edge.New(edge.Options{
		Service:        cfg.Server.Slug,
		Log:            log,
		ReadyFn:        func() error { return nil },
		ReadOnly:       func() bool { return cfg.Edge.ReadOnlyMode },
		ReadOnlyExempt: cfg.Edge.ReadOnlyExempt,
		Audit:          engine,
	})
	pipeline.Use(limiter.Middleware)

	pipeline.HandleFunc("/.well-known/jwks.json", identity.JWKSHandler(signer, 5*time.Minute)).Methods(http.MethodGet)
	pipeline.PathPrefix("/api/").HandlerFunc(pipeline.ErrorHandler(func(w http.ResponseWriter, r *http.Request) error {
		return forward(r.Context(), w, r, client, cfg, minter, m)
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      pipeline,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := engine.Flush(); err != nil {
				log.Warn("wal flush failed", slog.Any("err", err))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down gateway")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("shutdown error", slog.Any("err", err))
		}
		journal.Close()
	}()

	log.Info("gateway listening", slog.String("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// forward mints a context token for the inbound request and forwards it
// into the S2S fabric per the /api/{slug}/v{version}/{rest} convention.
func forward(ctx context.Context, w http.ResponseWriter, r *http.Request, client *s2s.Client, cfg config.Config, minter *s2s.Minter, m *metrics.Metrics) error {
	match := routePattern.FindStringSubmatch(r.URL.Path)
	if match == nil {
		return s2s.NewError(s2s.KindRouteNotFound, "no matching api route")
	}
	version, _ := strconv.Atoi(match[2])
	rid := edge.RequestIDFromContext(r.Context())

	var act *s2s.Act
	if sub := r.Header.Get("X-User-Id"); sub != "" {
		act = &s2s.Act{Sub: sub, Email: r.Header.Get("X-User-Email")}
	}
	// MintCtx signs an edge-issued context token, but the token itself is
	// not attached to the outbound request; only the equivalent claims are
	// threaded into the outbound call so MintHop can derive the per-hop
	// token from them.
	if _, err := minter.MintCtx(rid, time.Now().Add(30*time.Second).UnixMilli(), act); err != nil {
		return err
	}
	claims := &s2s.CtxClaims{Rid: rid, HopBudget: cfg.S2S.HopBudgetMax, Act: act}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return s2s.NewError(s2s.KindRequestTooLarge, err.Error())
	}

	start := time.Now()
	resp, err := client.Call(ctx, s2s.CallParams{
		Env:       cfg.Server.Env,
		Slug:      match[1],
		Version:   version,
		Method:    r.Method,
		Path:      match[3],
		Body:      body,
		RequestID: rid,
		Ctx:       claims,
	})
	m.S2SCallDuration.WithLabelValues(match[1]).Observe(time.Since(start).Seconds())
	if err != nil {
		m.S2SCallTotal.WithLabelValues(match[1], "error").Inc()
		return err
	}
	m.S2SCallTotal.WithLabelValues(match[1], "ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
	return nil
}

func buildWriter(cfg config.Config, client *s2s.Client, log *slog.Logger) wal.Writer {
	registry := wal.NewRegistry()
	registry.Register("mock", func(map[string]string) (wal.Writer, error) {
		return writers.NewMock(), nil
	})
	registry.Register("db", func(c map[string]string) (wal.Writer, error) {
		return writers.NewDbWriter(c["table"])
	})
	registry.Register("http", func(c map[string]string) (wal.Writer, error) {
		return writers.NewHttpWriter(client, cfg.Server.Env, c["target"], c["path"], 3, 500*time.Millisecond, log), nil
	})

	w, err := registry.Build(cfg.Wal.WriterName, map[string]string{"table": "audit_events"})
	if err != nil {
		log.Warn("wal writer build failed, falling back to mock", slog.Any("err", err))
		return writers.NewMock()
	}
	return w
}

func buildLimiter(cfg config.Config, log *slog.Logger) *ratelimit.Limiter {
	rlCfg := ratelimit.Config{MaxPerMinute: cfg.Edge.RateLimitPerMinute}
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		return ratelimit.New(ratelimit.NewRedisStore(client), "ocx:gw:", rlCfg)
	}
	log.Info("REDIS_URL not set, using in-process rate limiter")
	return ratelimit.New(ratelimit.NewMemoryStore(), "ocx:gw:", rlCfg)
}
