package domain

import "time"

// AccountStatus is the terminal state of one account within a run.
type AccountStatus string

const (
	AccountDone    AccountStatus = "done"
	AccountSkipped AccountStatus = "skipped"
)

// Skip reasons reported in AccountResult.
const (
	ReasonAccountNotFound   = "account_not_found"
	ReasonSourceUnavailable = "source_unavailable"
	ReasonDeliveryFailed    = "delivery_failed"
)

// AccountResult holds what happened to a single account during a run.
type AccountResult struct {
	Handle    string
	Status    AccountStatus
	Reason    string
	Fetched   int
	New       int
	Notified  int
	Watermark string
	Err       error
}

// RunStats holds statistics about a relay run.
type RunStats struct {
	Accounts     []AccountResult
	Fetched      int
	Notified     int
	Skipped      int
	Mirrored     int
	StateChanged bool
	StateSaved   bool
	PersistErr   error
	Duration     time.Duration
}
