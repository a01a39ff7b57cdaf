// Package remote defines the last-write-wins document store the sync
// engine drains into, plus the concrete backends. The store has document
// granularity only: a put is a full overwrite, and the sole concurrency
// primitive is the document's last-modified timestamp.
package remote

import (
	"context"
	"errors"
	"time"

	"boardsync/internal/board"
)

// ErrNotFound is returned when the remote store has no document with the
// requested ID.
var ErrNotFound = errors.New("remote: document not found")

// ErrPreconditionFailed is returned by conditional writes when the
// document changed after the expected version was observed.
var ErrPreconditionFailed = errors.New("remote: precondition failed")

// Store is the remote document store consumed by the sync engine.
type Store interface {
	// Get fetches the current document, or ErrNotFound.
	Get(ctx context.Context, id string) (*board.Board, error)

	// Put overwrites the document (last-write-wins) and returns the
	// server-observed write time, which becomes the new fingerprint.
	Put(ctx context.Context, id string, b *board.Board) (time.Time, error)

	// GetLastModified returns the document's current modification time,
	// or ErrNotFound. Used for the conflict pre-check before a put.
	GetLastModified(ctx context.Context, id string) (time.Time, error)
}

// ConditionalPutter is implemented by backends that support an
// expected-version precondition, closing the narrow race between the
// fingerprint check and the write. The engine prefers PutIf when the
// backend offers it.
type ConditionalPutter interface {
	// PutIf writes the document only if its current modification time
	// does not exceed expected. Returns ErrPreconditionFailed when a
	// concurrent writer got there first.
	PutIf(ctx context.Context, id string, b *board.Board, expected time.Time) (time.Time, error)
}

// QuotaError wraps an error caused by quota exhaustion or rate limiting.
// The drain loop applies its exponential backoff delay only for these.
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string { return e.Err.Error() }
func (e *QuotaError) Unwrap() error { return e.Err }

// IsQuota reports whether err (or any error in its chain) indicates
// quota or rate-limit exhaustion.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
