// Package gcs persists relay state as a single Cloud Storage object, for
// schedulers whose local disk does not survive between runs.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"

	"post_relay/internal/domain"
	"post_relay/internal/storage/file"
)

type Config struct {
	Bucket      string
	Object      string
	MaxAttempts int
	Delay       time.Duration
}

// StateStore reads and writes the state object. Save is conditional on the
// generation observed by the last Load, so a run that raced with another
// writer fails instead of overwriting newer watermarks.
type StateStore struct {
	client      *storage.Client
	bucket      string
	object      string
	maxAttempts uint
	delay       time.Duration
	logger      *slog.Logger

	generation int64
}

func NewStateStore(client *storage.Client, cfg Config, logger *slog.Logger) *StateStore {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &StateStore{
		client:      client,
		bucket:      cfg.Bucket,
		object:      cfg.Object,
		maxAttempts: uint(attempts),
		delay:       cfg.Delay,
		logger:      logger.With("bucket", cfg.Bucket, "object", cfg.Object),
	}
}

func (s *StateStore) retryOptions(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Attempts(s.maxAttempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("retrying state operation", "op", op, "attempt", n+1, "error", err)
		}),
	}
}

func (s *StateStore) Load(ctx context.Context) (*domain.StateRecord, error) {
	var (
		data       []byte
		generation int64
		missing    bool
	)

	err := retry.Do(
		func() error {
			r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
			if errors.Is(err, storage.ErrObjectNotExist) {
				missing = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("open state object: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("failed to close state reader", "error", closeErr)
				}
			}()

			body, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read state object: %w", err)
			}
			data = body
			generation = r.Attrs.Generation
			return nil
		},
		s.retryOptions(ctx, "load")...,
	)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read", Err: err}
	}

	if missing {
		s.generation = 0
		s.logger.Info("no previous state object, starting empty")
		return domain.NewStateRecord(), nil
	}

	record, err := file.Decode(data)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "decode", Err: err}
	}
	s.generation = generation
	return record, nil
}

func (s *StateStore) Save(ctx context.Context, record *domain.StateRecord) error {
	data, err := file.Encode(record)
	if err != nil {
		return &domain.PersistenceError{Op: "encode", Err: err}
	}

	obj := s.client.Bucket(s.bucket).Object(s.object)
	if s.generation == 0 {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		obj = obj.If(storage.Conditions{GenerationMatch: s.generation})
	}

	var written int64
	err = retry.Do(
		func() error {
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			w.ChunkSize = 0
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("failed to close state writer", "error", closeErr)
				}
				return classify(fmt.Errorf("write state object: %w", writeErr))
			}
			if closeErr := w.Close(); closeErr != nil {
				return classify(fmt.Errorf("close state writer: %w", closeErr))
			}
			written = w.Attrs().Generation
			return nil
		},
		s.retryOptions(ctx, "save")...,
	)
	if err != nil && isPreconditionFailed(err) {
		// An earlier attempt may have landed even though its response was
		// lost. That is only a conflict if the object holds something else.
		generation, same, readErr := s.current(ctx, data)
		if readErr != nil || !same {
			return &domain.PersistenceError{Op: "write", Err: fmt.Errorf("%w: %v", domain.ErrStateConflict, err)}
		}
		s.logger.Info("state object already holds this write", "generation", generation)
		written, err = generation, nil
	}
	if err != nil {
		return &domain.PersistenceError{Op: "write", Err: err}
	}

	s.generation = written
	s.logger.Debug("state saved", "generation", written, "accounts", record.Len())
	return nil
}

// current reports the object's generation and whether its content equals data.
func (s *StateStore) current(ctx context.Context, data []byte) (int64, bool, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		return 0, false, err
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return 0, false, err
	}
	return r.Attrs.Generation, bytes.Equal(body, data), nil
}

func classify(err error) error {
	if isPreconditionFailed(err) {
		return retry.Unrecoverable(err)
	}
	return err
}

func isPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed
}
