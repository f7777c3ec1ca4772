package writers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/platform/internal/identity"
	"github.com/ocx/platform/internal/s2s"
	"github.com/ocx/platform/internal/wal"
)

func newTestClient(t *testing.T, upstream *httptest.Server) *s2s.Client {
	t.Helper()
	configSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]interface{}{
			{"slug": "audit-ingest", "majorVersion": 1, "baseUrl": upstream.URL, "enabled": true, "isS2STarget": true},
		}})
	}))
	t.Cleanup(configSrv.Close)

	mirror, err := s2s.NewMirror("config-service", configSrv.URL, time.Minute, nil)
	require.NoError(t, err)

	root, err := identity.NewKMSRoot("test-root")
	require.NoError(t, err)
	signer, err := identity.NewSigner("wal-writer", root, time.Hour, 5*time.Minute, nil)
	require.NoError(t, err)
	minter := s2s.NewMinter(signer, "wal-writer", 30*time.Second, 8, s2s.NewStore())

	return s2s.NewClient("wal-writer", 1, mirror, minter, nil)
}

func TestHttpWriterSucceedsOnFirstAttempt(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream)
	w := NewHttpWriter(client, "prod", "audit-ingest", "batches", 3, time.Millisecond, nil)

	err := w.WriteBatch([]wal.AuditBlob{{Meta: wal.Meta{Service: "gateway", Ts: 1, RequestID: "r1"}, Phase: wal.PhaseBegin}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHttpWriterRetriesOn5xxThenSucceeds(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream)
	w := NewHttpWriter(client, "prod", "audit-ingest", "batches", 3, time.Millisecond, nil)

	err := w.WriteBatch([]wal.AuditBlob{{Meta: wal.Meta{Service: "gateway", Ts: 1, RequestID: "r1"}, Phase: wal.PhaseBegin}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHttpWriterFailsPermanentlyOn4xxWithoutRetry(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream)
	w := NewHttpWriter(client, "prod", "audit-ingest", "batches", 3, time.Millisecond, nil)

	err := w.WriteBatch([]wal.AuditBlob{{Meta: wal.Meta{Service: "gateway", Ts: 1, RequestID: "r1"}, Phase: wal.PhaseBegin}})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "a 4xx must not be retried")
}

func TestHttpWriterExhaustsRetriesOnPersistent5xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream)
	w := NewHttpWriter(client, "prod", "audit-ingest", "batches", 2, time.Millisecond, nil)

	err := w.WriteBatch([]wal.AuditBlob{{Meta: wal.Meta{Service: "gateway", Ts: 1, RequestID: "r1"}, Phase: wal.PhaseBegin}})
	require.Error(t, err)
}

func TestHttpWriterSkipsEmptyBatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("writer should not call upstream for an empty batch")
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream)
	w := NewHttpWriter(client, "prod", "audit-ingest", "batches", 3, time.Millisecond, nil)

	require.NoError(t, w.WriteBatch(nil))
}
