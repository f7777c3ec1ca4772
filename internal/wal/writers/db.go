package writers

import (
	"fmt"
	"os"

	"github.com/supabase-community/supabase-go"

	"github.com/ocx/platform/internal/wal"
)

// DbWriter bulk-inserts audit batches into a Postgres audit_events table
// via Supabase's PostgREST client. requestId+phase forms the row's
// natural key, so writes upsert on that pair: a resent batch after
// crash recovery lands as a no-op update instead of a unique-constraint
// error.
type DbWriter struct {
	client *supabase.Client
	table  string
}

// NewDbWriter builds a DbWriter from SUPABASE_URL / SUPABASE_SERVICE_KEY.
func NewDbWriter(table string) (*DbWriter, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("writers: SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("writers: supabase client: %w", err)
	}
	if table == "" {
		table = "audit_events"
	}
	return &DbWriter{client: client, table: table}, nil
}

type auditRow struct {
	RequestID string                 `json:"request_id"`
	Service   string                 `json:"service"`
	Phase     string                 `json:"phase"`
	Ts        int64                  `json:"ts"`
	Data      map[string]interface{} `json:"data"`
}

func (w *DbWriter) WriteBatch(blobs []wal.AuditBlob) error {
	if len(blobs) == 0 {
		return nil
	}
	rows := make([]auditRow, 0, len(blobs))
	for _, b := range blobs {
		rows = append(rows, auditRow{
			RequestID: b.Meta.RequestID,
			Service:   b.Meta.Service,
			Phase:     string(b.Phase),
			Ts:        b.Meta.Ts,
			Data:      b.Data,
		})
	}
	_, _, err := w.client.From(w.table).Insert(rows, true, "request_id,phase", "", "").Execute()
	if err != nil {
		return fmt.Errorf("writers: db insert: %w", err)
	}
	return nil
}
