package twitter

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// RateLimitError is returned for HTTP 429. Wait is zero when the response
// carried no usable reset time.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Wait == 0 {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited, resets in %s", e.Wait)
}

// StatusError is any other non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// isRetryable treats network errors, rate limits and 5xx as transient.
func isRetryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError
	}
	return true
}
