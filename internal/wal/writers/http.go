package writers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/platform/internal/s2s"
	"github.com/ocx/platform/internal/wal"
)

// HttpWriter POSTs audit batches to an ingestion endpoint over the S2S
// call fabric. A 5xx or transport failure is retried with fixed backoff;
// a 4xx is treated as permanent and returned without retry, since
// retrying a rejected payload cannot succeed.
type HttpWriter struct {
	client      *s2s.Client
	env         string
	targetSlug  string
	path        string
	retries     int
	retryDelay  time.Duration
	log         *slog.Logger
}

// NewHttpWriter builds an HttpWriter posting to targetSlug's path via client.
func NewHttpWriter(client *s2s.Client, env, targetSlug, path string, retries int, retryDelay time.Duration, log *slog.Logger) *HttpWriter {
	if log == nil {
		log = slog.Default()
	}
	if retries <= 0 {
		retries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &HttpWriter{
		client:     client,
		env:        env,
		targetSlug: targetSlug,
		path:       path,
		retries:    retries,
		retryDelay: retryDelay,
		log:        log,
	}
}

type batchPayload struct {
	Blobs []wal.AuditBlob `json:"blobs"`
}

func (w *HttpWriter) WriteBatch(blobs []wal.AuditBlob) error {
	if len(blobs) == 0 {
		return nil
	}
	body, err := json.Marshal(batchPayload{Blobs: blobs})
	if err != nil {
		return fmt.Errorf("writers: marshal batch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}
		resp, err := w.client.Call(context.Background(), s2s.CallParams{
			Env:       w.env,
			Slug:      w.targetSlug,
			Method:    "POST",
			Path:      w.path,
			Body:      body,
			RequestID: uuid.NewString(),
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if resp != nil && resp.Status >= 400 && resp.Status < 500 {
			return fmt.Errorf("writers: audit ingestion rejected batch (status=%d): %w", resp.Status, err)
		}
		w.log.Warn("writers: http batch delivery retrying", slog.Int("attempt", attempt), slog.Any("err", err))
	}
	return fmt.Errorf("writers: http batch delivery exhausted retries: %w", lastErr)
}
