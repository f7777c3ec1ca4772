// Package writers holds the reference WAL destination writers: an
// accept-all mock for tests, a Postgres/Supabase bulk writer, an HTTP
// ingestion writer, and a Pub/Sub writer.
package writers

import (
	"sync"

	"github.com/ocx/platform/internal/wal"
)

// Mock accepts every batch unconditionally and records what it has seen,
// for use in tests.
type Mock struct {
	mu       sync.Mutex
	Received []wal.AuditBlob
	Fail     error // if set, WriteBatch returns this error instead of succeeding
}

// NewMock constructs a Mock writer.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) WriteBatch(blobs []wal.AuditBlob) error {
	if m.Fail != nil {
		return m.Fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Received = append(m.Received, blobs...)
	return nil
}

// Count returns how many blobs have been accepted so far.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Received)
}
