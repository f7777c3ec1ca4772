package wal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ReplayerConfig configures the background replay loop.
type ReplayerConfig struct {
	Dir           string
	QuarantineDir string
	CursorFile    string
	TickMs        int
	BatchLines    int
	BatchBytes    int64
}

// Replayer scans segment files in Dir, delivers validated batches to a
// writer with an atomic durable cursor, and quarantines contract-violating
// segments.
type Replayer struct {
	cfg    ReplayerConfig
	writer Writer
	log    *slog.Logger

	torn []byte // trailing partial line seen by the last read, left unconsumed
}

// NewReplayer constructs a Replayer delivering to writer.
func NewReplayer(cfg ReplayerConfig, writer Writer, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TickMs == 0 {
		cfg.TickMs = 500
	}
	if cfg.BatchLines == 0 {
		cfg.BatchLines = 500
	}
	if cfg.BatchBytes == 0 {
		cfg.BatchBytes = 1 << 20
	}
	return &Replayer{cfg: cfg, writer: writer, log: log}
}

// Run loops until ctx is cancelled, ticking at cfg.TickMs and applying
// exponential backoff with jitter (capped at 64x tick) on writer failure.
// Cancellation is cooperative: an in-flight batch commit is allowed to
// complete before Run returns.
func (r *Replayer) Run(ctx context.Context) {
	backoff := time.Duration(r.cfg.TickMs) * time.Millisecond
	maxBackoff := backoff * 64
	tick := time.Duration(r.cfg.TickMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed, err := r.Tick()
		if err != nil {
			r.log.Error("wal replay tick failed", slog.Any("err", err))
			jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jittered):
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		backoff = time.Duration(r.cfg.TickMs) * time.Millisecond
		if progressed {
			continue // "loop immediately for further progress" on success
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
	}
}

// Tick performs one replay step. It returns
// progressed=true if a batch was delivered and the cursor advanced.
func (r *Replayer) Tick() (bool, error) {
	files, err := r.listSegments()
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}

	cursor, err := LoadCursor(r.cfg.CursorFile)
	if err != nil {
		return false, err
	}

	idx, offset := r.resolvePosition(cursor, files)
	if idx < 0 {
		return false, nil // idle: nothing left to replay
	}
	path := files[idx]

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	if offset >= info.Size() {
		if idx+1 >= len(files) {
			return false, nil // idle: no next file
		}
		name := filepath.Base(files[idx+1])
		if err := SaveCursor(r.cfg.CursorFile, Cursor{File: &name, Offset: 0}); err != nil {
			return false, err
		}
		return true, nil
	}

	lines, newOffset, err := r.readLines(path, offset)
	if err != nil {
		return false, err
	}
	if len(lines) == 0 {
		return false, nil
	}

	blobs, failedAt := r.parseAndValidate(lines)
	if failedAt > 0 {
		if err := r.quarantine(path, "contract validation failed", failedAt); err != nil {
			return false, err
		}
		// The segment is gone (moved to quarantine): advance past it
		// entirely rather than trying to resume mid-file.
		if idx+1 < len(files) {
			next := filepath.Base(files[idx+1])
			return true, SaveCursor(r.cfg.CursorFile, Cursor{File: &next, Offset: 0})
		}
		return true, nil
	}

	if err := r.writer.WriteBatch(blobs); err != nil {
		return false, fmt.Errorf("wal: deliver batch (file=%s offset=%d count=%d): %w", path, offset, len(blobs), err)
	}

	name := filepath.Base(path)
	if err := SaveCursor(r.cfg.CursorFile, Cursor{File: &name, Offset: newOffset}); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Replayer) listSegments() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match("wal-*.ldjson", e.Name()); !ok {
			continue // cursor, temp and reason files are not segments
		}
		files = append(files, filepath.Join(r.cfg.Dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// resolvePosition maps a saved cursor onto the current segment list,
// falling back to the start of the oldest segment if the cursor's file
// is gone.
func (r *Replayer) resolvePosition(cursor Cursor, files []string) (idx int, offset int64) {
	if cursor.File == nil {
		return 0, 0
	}
	for i, f := range files {
		if filepath.Base(f) == *cursor.File {
			return i, cursor.Offset
		}
	}
	// cursor's file missing from the listing: reset to the first file.
	return 0, 0
}

// readLines reads up to min(BatchBytes, BatchLines) bytes/lines starting
// at offset, splitting at newlines. A torn trailing line is not consumed:
// the returned offset stops before it, so the next tick re-reads it from
// the file once it is complete.
func (r *Replayer) readLines(path string, offset int64) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("wal: seek %s: %w", path, err)
	}

	buf := make([]byte, r.cfg.BatchBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, offset, nil
	}
	data := buf[:n]
	r.torn = nil

	var lines [][]byte
	consumed := int64(0)
	remaining := data
	for len(lines) < r.cfg.BatchLines {
		idx := bytes.IndexByte(remaining, '\n')
		if idx < 0 {
			break // torn trailing line
		}
		line := remaining[:idx]
		lines = append(lines, append([]byte(nil), line...))
		remaining = remaining[idx+1:]
		consumed += int64(idx + 1)
	}
	if len(remaining) > 0 {
		r.torn = append([]byte(nil), remaining...)
	}

	return lines, offset + consumed, nil
}

// parseAndValidate parses each line and checks the audit-entry contract.
// A single invalid line quarantines the whole batch's segment; failedAt
// is the 1-based position of that line within the batch, or 0 if every
// line validated.
func (r *Replayer) parseAndValidate(lines [][]byte) (blobs []AuditBlob, failedAt int) {
	blobs = make([]AuditBlob, 0, len(lines))
	for i, raw := range lines {
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, i + 1
		}
		if err := ValidateContract(l.Blob); err != nil {
			return nil, i + 1
		}
		blobs = append(blobs, l.Blob)
	}
	return blobs, 0
}

// quarantine moves path to QuarantineDir with a sibling reason file.
func (r *Replayer) quarantine(path, reason string, atLine int) error {
	if err := os.MkdirAll(r.cfg.QuarantineDir, 0o755); err != nil {
		return fmt.Errorf("wal: mkdir quarantine: %w", err)
	}
	name := filepath.Base(path)
	dest := filepath.Join(r.cfg.QuarantineDir, name)
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("wal: quarantine move: %w", err)
	}

	reasonDoc := map[string]interface{}{
		"code":   string(KindSegmentContractInvalid),
		"reason": reason,
		"atLine": atLine,
	}
	data, _ := json.Marshal(reasonDoc)
	if err := os.WriteFile(dest+".reason.json", data, 0o644); err != nil {
		return fmt.Errorf("wal: write quarantine reason: %w", err)
	}
	r.log.Warn("wal segment quarantined", slog.String("segment", name), slog.String("reason", reason))
	return nil
}
