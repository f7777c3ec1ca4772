package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Cursor is the replay position.
type Cursor struct {
	File   *string `json:"file"`
	Offset int64   `json:"offset"`
}

// LoadCursor reads the cursor file, returning a zero-value Cursor if it
// does not yet exist.
func LoadCursor(path string) (Cursor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, nil
		}
		return Cursor{}, newErr(KindCursorWriteFailed, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, newErr(KindCursorWriteFailed, err)
	}
	return c, nil
}

// SaveCursor writes the cursor atomically via write-temp -> fsync ->
// rename, so a crash mid-write never leaves a corrupt or partially
// advanced cursor behind.
func SaveCursor(path string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return newErr(KindCursorWriteFailed, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cursor-*.tmp")
	if err != nil {
		return newErr(KindCursorWriteFailed, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return newErr(KindCursorWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return newErr(KindCursorWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return newErr(KindCursorWriteFailed, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return newErr(KindCursorWriteFailed, err)
	}
	return nil
}
