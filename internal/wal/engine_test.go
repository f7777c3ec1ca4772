package wal

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]AuditBlob
	err     error
}

func (w *recordingWriter) WriteBatch(blobs []AuditBlob) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, blobs)
	return nil
}

func newTestEngine(t *testing.T, writer Writer) *Engine {
	t.Helper()
	j, err := NewJournal(t.TempDir(), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return NewEngine(j, writer)
}

func TestEngineAppendRejectsInvalidContract(t *testing.T) {
	e := newTestEngine(t, &recordingWriter{})
	err := e.Append(AuditBlob{})
	require.Error(t, err)
	we, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindSegmentContractInvalid, we.Kind)
}

func TestEngineFlushDeliversQueuedBatch(t *testing.T) {
	writer := &recordingWriter{}
	e := newTestEngine(t, writer)
	require.NoError(t, e.Append(validBlob()))
	require.NoError(t, e.Append(validBlob()))

	result, err := e.Flush()
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	require.Len(t, writer.batches, 1)
	assert.Len(t, writer.batches[0], 2)

	result, err = e.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted, "queue should be empty on the second flush")
}

func TestEngineFlushSurfacesWriterError(t *testing.T) {
	writer := &recordingWriter{err: errors.New("downstream unavailable")}
	e := newTestEngine(t, writer)
	require.NoError(t, e.Append(validBlob()))

	_, err := e.Flush()
	require.Error(t, err)
}

func TestEngineBeginEndImplementAuditSink(t *testing.T) {
	writer := &recordingWriter{}
	e := newTestEngine(t, writer)

	e.Begin("req-1", "GET", "/v1/invoices/1")
	e.End("req-1", 200, nil)

	result, err := e.Flush()
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, PhaseBegin, writer.batches[0][0].Phase)
	assert.Equal(t, PhaseEnd, writer.batches[0][1].Phase)
}

func TestEngineAppendBatchAbortsAtFirstFailure(t *testing.T) {
	e := newTestEngine(t, &recordingWriter{})
	err := e.AppendBatch([]AuditBlob{validBlob(), {}, validBlob()})
	require.Error(t, err)
	we, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, 1, we.Index)
}
