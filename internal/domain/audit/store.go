package audit

import (
	"context"
	"time"
)

// Store is the durable audit log. Exactly one writer goroutine calls Append;
// readers may query concurrently.
type Store interface {
	// Append writes events and assigns their row ids. Batching is the
	// caller's concern; a batch is committed atomically.
	Append(ctx context.Context, events ...Event) error

	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Event, error)

	// Stats aggregates events recorded at or after since.
	Stats(ctx context.Context, since time.Time) (*Statistics, error)

	// Close flushes and releases the underlying storage.
	Close() error
}
