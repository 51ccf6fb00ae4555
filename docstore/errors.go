package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrBatchTooLarge is returned by BatchWrite for more than MaxBatchWrites operations.
	ErrBatchTooLarge = errors.New("docstore: batch exceeds the write limit")

	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("docstore: store closed")

	// ErrUnavailable is returned while the store is considered down.
	ErrUnavailable = errors.New("docstore: store unavailable")

	// ErrIndexRequired is returned for an ordered query the store cannot serve.
	ErrIndexRequired = errors.New("docstore: query requires an index")
)

// OpError records the operation and document that failed.
type OpError struct {
	Op         string
	Collection string
	ID         string
	Err        error
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("docstore %s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
	}
	if e.Collection != "" {
		return fmt.Sprintf("docstore %s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("docstore %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsCallerError reports whether err comes from the request itself rather than the store's health.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBatchTooLarge) ||
		errors.Is(err, ErrIndexRequired)
}
