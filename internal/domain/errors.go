package domain

import (
	"errors"
	"fmt"
)

// ErrStateConflict is wrapped by PersistenceError when the persisted state was
// replaced by another writer since it was loaded.
var ErrStateConflict = errors.New("state modified by another writer")

// ConfigurationError is fatal and reported before any network call.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

type AccountNotFoundError struct {
	Handle string
	Reason string
}

func (e *AccountNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("account @%s not found", e.Handle)
	}
	return fmt.Sprintf("account @%s not found: %s", e.Handle, e.Reason)
}

// SourceUnavailableError means the source API could not be reached for one
// account after exhausting retries.
type SourceUnavailableError struct {
	Handle   string
	Attempts int
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable for @%s after %d attempts: %v", e.Handle, e.Attempts, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

type DeliveryError struct {
	PostID   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver post %s after %d attempts: %v", e.PostID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist state (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
