package wal

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Writer is the single-operation plugin sink contract.
// Implementations MUST be idempotent given identical input, since the
// engine/replayer may resend after a crash.
type Writer interface {
	WriteBatch(blobs []AuditBlob) error
}

// Engine accepts opaque audit blobs, journals each synchronously, buffers
// a copy in memory, and flushes batches to a pluggable writer.
type Engine struct {
	journal *Journal
	writer  Writer

	mu    sync.Mutex
	queue []AuditBlob

	flushing int32 // atomic guard: at most one flush runs concurrently
}

// NewEngine constructs an Engine over journal, delivering flushed batches
// to writer.
func NewEngine(journal *Journal, writer Writer) *Engine {
	return &Engine{journal: journal, writer: writer}
}

// Append serializes and journals blob, then enqueues it in memory. A
// journal failure is fatal to the append and the blob is never enqueued.
func (e *Engine) Append(blob AuditBlob) error {
	if err := ValidateContract(blob); err != nil {
		return newErr(KindSegmentContractInvalid, err)
	}

	line := Line{AppendedAt: time.Now().UnixMilli(), Blob: blob}
	encoded, err := json.Marshal(line)
	if err != nil {
		return newErr(KindWalSerializeFailed, err)
	}

	if err := e.journal.Append(encoded); err != nil {
		return err
	}

	e.mu.Lock()
	e.queue = append(e.queue, blob)
	e.mu.Unlock()
	return nil
}

// AppendBatch appends each blob sequentially; a failure at index i aborts
// and surfaces the index.
func (e *Engine) AppendBatch(blobs []AuditBlob) error {
	for i, b := range blobs {
		if err := e.Append(b); err != nil {
			we, _ := AsError(err)
			kind := KindWalBatchAppendFailed
			if we != nil {
				kind = we.Kind
			}
			return &Error{Kind: kind, Index: i, Cause: err}
		}
	}
	return nil
}

// FlushResult reports how many queued items the writer accepted.
type FlushResult struct {
	Accepted int
}

// Flush snapshots the current in-memory queue, hands it to the writer,
// and on success removes exactly that many items from the front of the
// queue. Reentrant calls while a flush is in progress return
// {Accepted: 0} rather than blocking.
func (e *Engine) Flush() (FlushResult, error) {
	if !atomic.CompareAndSwapInt32(&e.flushing, 0, 1) {
		return FlushResult{Accepted: 0}, nil
	}
	defer atomic.StoreInt32(&e.flushing, 0)

	e.mu.Lock()
	snapshot := make([]AuditBlob, len(e.queue))
	copy(snapshot, e.queue)
	e.mu.Unlock()

	if len(snapshot) == 0 {
		return FlushResult{Accepted: 0}, nil
	}

	if err := e.writer.WriteBatch(snapshot); err != nil {
		return FlushResult{}, fmt.Errorf("wal: flush: %w", err)
	}

	e.mu.Lock()
	e.queue = e.queue[len(snapshot):]
	e.mu.Unlock()

	return FlushResult{Accepted: len(snapshot)}, nil
}

// Begin/End implement s2s.AuditSink, letting the edge pipeline bracket a
// handler call with audit records without importing wal.Engine directly
// into s2s.
func (e *Engine) Begin(rid, method, path string) {
	_ = e.Append(AuditBlob{
		Meta:  Meta{Service: "edge", Ts: time.Now().UnixMilli(), RequestID: rid},
		Phase: PhaseBegin,
		Data:  map[string]interface{}{"method": method, "path": path},
	})
}

func (e *Engine) End(rid string, status int, err error) {
	data := map[string]interface{}{"status": status}
	if err != nil {
		data["error"] = err.Error()
	}
	_ = e.Append(AuditBlob{
		Meta:  Meta{Service: "edge", Ts: time.Now().UnixMilli(), RequestID: rid},
		Phase: PhaseEnd,
		Data:  data,
	})
}
