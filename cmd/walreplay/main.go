// Command walreplay runs the standalone WAL replay loop: it tails
// journaled segments and delivers validated batches to a configured
// writer, independent of the process that originally appended them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/platform/internal/config"
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

	writer, err := buildWriter(cfg, log)
	if err != nil {
		log.Error("writer build failed", slog.Any("err", err))
		os.Exit(1)
	}

	replayer := wal.NewReplayer(wal.ReplayerConfig{
		Dir:           cfg.Wal.Dir,
		QuarantineDir: cfg.Wal.QuarantineDir,
		CursorFile:    cfg.Wal.CursorFile,
		TickMs:        cfg.Wal.ReplayTickMs,
		BatchLines:    cfg.Wal.ReplayBatchLines,
		BatchBytes:    cfg.Wal.ReplayBatchBytes,
	}, writer, log)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down walreplay")
		cancel()
	}()

	log.Info("walreplay starting", slog.String("dir", cfg.Wal.Dir))
	replayer.Run(ctx)
	log.Info("walreplay stopped")
}

func buildWriter(cfg config.Config, log *slog.Logger) (wal.Writer, error) {
	registry := wal.NewRegistry()
	registry.Register("mock", func(map[string]string) (wal.Writer, error) {
		return writers.NewMock(), nil
	})
	registry.Register("db", func(c map[string]string) (wal.Writer, error) {
		return writers.NewDbWriter(c["table"])
	})
	registry.Register("http", func(c map[string]string) (wal.Writer, error) {
		root, err := identity.NewKMSRoot("ocx-walreplay-root")
		if err != nil {
			return nil, err
		}
		signer, err := identity.NewSigner(cfg.Server.Slug, root, cfg.Identity.RotationInterval, cfg.Identity.OverlapWindow, log)
		if err != nil {
			return nil, err
		}
		signer.Start()

		mirror, err := s2s.NewMirror(cfg.Mirror.ConfigServiceSlug, cfg.Mirror.ConfigServiceURL, cfg.Mirror.TTL, log)
		if err != nil {
			return nil, err
		}
		policy := s2s.NewStore()
		minter := s2s.NewMinter(signer, cfg.Server.Slug, cfg.Identity.HopTTL, cfg.S2S.HopBudgetMax, policy)
		client := s2s.NewClient(cfg.Server.Slug, 1, mirror, minter, log)
		return writers.NewHttpWriter(client, cfg.Server.Env, c["target"], c["path"], 3, 500*time.Millisecond, log), nil
	})

	return registry.Build(cfg.Wal.WriterName, map[string]string{
		"table":  "audit_events",
		"target": os.Getenv("AUDIT_TARGET_SLUG"),
		"path":   os.Getenv("AUDIT_TARGET_PATH"),
	})
}
