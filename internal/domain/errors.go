package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input data (unknown channel, malformed event).
// It is recorded as a warning and only aborts the run when the affected
// fraction of events exceeds the configured threshold.
type ValidationError struct {
	CustomerID string
	Channel    string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event for customer %s: %s (channel=%q)", e.CustomerID, e.Reason, e.Channel)
}

// TransientServiceError is a scoring-service failure worth retrying:
// network timeout, 5xx, or a rate-limit signal.
type TransientServiceError struct {
	StatusCode int
	Err        error
}

func (e *TransientServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient scoring error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient scoring error (status %d)", e.StatusCode)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// NonTransientServiceError is a scoring-service failure that retrying cannot
// fix: a 4xx validation rejection or a malformed response body.
type NonTransientServiceError struct {
	StatusCode int
	Message    string
}

func (e *NonTransientServiceError) Error() string {
	return fmt.Sprintf("scoring request rejected (status %d): %s", e.StatusCode, e.Message)
}

// StorageError wraps a failure from the events/report store. Storage errors
// are fatal: the run must not proceed past loading on one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable per the error taxonomy.
func IsTransient(err error) bool {
	var te *TransientServiceError
	return errors.As(err, &te)
}

// IsStorage reports whether err originated in the storage collaborator.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
