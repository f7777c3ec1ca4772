// Command svcworker runs an internal S2S service: it verifies inbound
// HOP tokens, enforces route policy, brackets each call with audit
// records, and exposes its own JWKS for upstream verifiers.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/platform/internal/config"
	"github.com/ocx/platform/internal/edge"
	"github.com/ocx/platform/internal/identity"
	"github.com/ocx/platform/internal/s2s"
	"github.com/ocx/platform/internal/wal"
	"github.com/ocx/platform/internal/wal/writers"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	root, err := identity.NewKMSRoot("ocx-worker-root")
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

	policy := s2s.NewStore()
	if path := os.Getenv("ROUTE_POLICY_FILE"); path != "" {
		if err := s2s.LoadPolicyFile(policy, path); err != nil {
			log.Error("policy load failed", slog.Any("err", err))
			os.Exit(1)
		}
	}

	verifier := s2s.NewVerifier(signer, cfg.S2S.Audience, cfg.S2S.AllowedIssuers, cfg.S2S.AllowedCallers, cfg.Identity.ClockSkew)

	journal, err := wal.NewJournal(cfg.Wal.Dir, cfg.Wal.RotateBytes, cfg.Wal.FsyncMs)
	if err != nil {
		log.Error("wal journal init failed", slog.Any("err", err))
		os.Exit(1)
	}
	engine := wal.NewEngine(journal, writers.NewMock())

	receiver := s2s.NewReceiver(cfg.Server.Slug, 1, verifier, policy, engine, log)

	// EdgePipeline's own verify-hop step is omitted here: SvcReceiver.Wrap
	// performs the same signature/policy/assertion verification per route
	// (it also needs the route's policy decision to know which assertion
	// mode applies), so double-checking the bearer at the pipeline level
	// would just repeat the work.
	pipeline := edge.New(edge.Options{
		Service: cfg.Server.Slug,
		Log:     log,
		ReadyFn: func() error { return nil },
		Audit:   engine,
	})
	pipeline.HandleFunc("/.well-known/jwks.json", identity.JWKSHandler(signer, 5*time.Minute)).Methods(http.MethodGet)
	pipeline.HandleFunc("/v1/echo", receiver.Wrap(echoHandler))

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
		log.Info("shutting down svcworker", slog.String("slug", cfg.Server.Slug))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("shutdown error", slog.Any("err", err))
		}
		journal.Close()
	}()

	log.Info("svcworker listening", slog.String("slug", cfg.Server.Slug), slog.String("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// echoHandler is a reference route proving the receiver wiring end to
// end: it reflects the caller identity and request context it was given.
func echoHandler(rc s2s.RequestContext, body []byte) (s2s.Envelope, error) {
	var parsed interface{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	return s2s.Envelope{Status: http.StatusOK, Body: map[string]interface{}{
		"requestId": rc.RequestID,
		"caller":    rc.Caller,
		"body":      parsed,
	}}, nil
}
