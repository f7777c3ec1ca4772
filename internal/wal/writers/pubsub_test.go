package writers

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/platform/internal/wal"
)

func newTestTopic(t *testing.T) *pubsub.Topic {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	topic, err := client.CreateTopic(ctx, "audit-events")
	require.NoError(t, err)
	return topic
}

func TestPubSubWriterPublishesOneMessagePerBlob(t *testing.T) {
	topic := newTestTopic(t)
	w := NewPubSubWriter(topic)

	err := w.WriteBatch([]wal.AuditBlob{
		{Meta: wal.Meta{Service: "gateway", Ts: 1, RequestID: "r1"}, Phase: wal.PhaseBegin},
		{Meta: wal.Meta{Service: "gateway", Ts: 2, RequestID: "r1"}, Phase: wal.PhaseEnd},
	})
	require.NoError(t, err)
}

func TestPubSubWriterSkipsEmptyBatch(t *testing.T) {
	topic := newTestTopic(t)
	w := NewPubSubWriter(topic)
	assert.NoError(t, w.WriteBatch(nil))
}
