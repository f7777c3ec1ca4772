package writers

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/platform/internal/wal"
)

// PubSubWriter publishes each audit blob in a batch to a Pub/Sub topic,
// one message per blob, awaiting all publish results before returning.
// A fourth writer beyond db/http/mock, for deployments that fan audit
// events out to stream consumers.
type PubSubWriter struct {
	topic *pubsub.Topic
}

// NewPubSubWriter wraps an already-open topic handle.
func NewPubSubWriter(topic *pubsub.Topic) *PubSubWriter {
	return &PubSubWriter{topic: topic}
}

func (w *PubSubWriter) WriteBatch(blobs []wal.AuditBlob) error {
	if len(blobs) == 0 {
		return nil
	}
	ctx := context.Background()
	results := make([]*pubsub.PublishResult, 0, len(blobs))
	for _, b := range blobs {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("writers: marshal blob: %w", err)
		}
		results = append(results, w.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"service":   b.Meta.Service,
				"requestId": b.Meta.RequestID,
				"phase":     string(b.Phase),
			},
		}))
	}
	for _, r := range results {
		if _, err := r.Get(ctx); err != nil {
			return fmt.Errorf("writers: pubsub publish: %w", err)
		}
	}
	return nil
}
