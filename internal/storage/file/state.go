// Package file persists relay state as a JSON document on the local disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"post_relay/internal/domain"
)

type StateStore struct {
	path   string
	logger *slog.Logger
}

func NewStateStore(path string, logger *slog.Logger) *StateStore {
	return &StateStore{
		path:   path,
		logger: logger.With("state_file", path),
	}
}

// Load returns an empty record when the file does not exist yet. A file that
// exists but cannot be decoded is an error.
func (s *StateStore) Load(_ context.Context) (*domain.StateRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no previous state, starting empty")
		return domain.NewStateRecord(), nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read", Err: err}
	}

	record, err := Decode(data)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "decode", Err: err}
	}
	return record, nil
}

// Save replaces the state file atomically: the record is written to a
// temporary file in the same directory and renamed over the old one.
func (s *StateStore) Save(_ context.Context, record *domain.StateRecord) error {
	data, err := Encode(record)
	if err != nil {
		return &domain.PersistenceError{Op: "encode", Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return &domain.PersistenceError{Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &domain.PersistenceError{Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &domain.PersistenceError{Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &domain.PersistenceError{Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return &domain.PersistenceError{Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &domain.PersistenceError{Op: "rename", Err: err}
	}

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.Debug("sync state directory", "error", err)
		}
		d.Close()
	}

	s.logger.Debug("state saved", "accounts", record.Len())
	return nil
}

// Decode parses the persisted form: a JSON object of handle to post id.
func Decode(data []byte) (*domain.StateRecord, error) {
	record := domain.NewStateRecord()
	if len(data) == 0 {
		return record, nil
	}
	if err := json.Unmarshal(data, &record.Watermarks); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if record.Watermarks == nil {
		record.Watermarks = make(map[string]string)
	}
	return record, nil
}

func Encode(record *domain.StateRecord) ([]byte, error) {
	watermarks := map[string]string{}
	if record != nil && record.Watermarks != nil {
		watermarks = record.Watermarks
	}
	data, err := json.MarshalIndent(watermarks, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
