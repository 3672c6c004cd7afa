// Package store is the Record Store (C2): durable state for items, watches,
// sync cursors, activity metrics and the processing log. Only the Pipeline
// writes Item rows, only the Poller writes Cursor rows, only the Watch
// Manager writes Watch rows; ActivityMetrics are written by the Scheduler
// and read by everyone (see the concurrency & resource model).
package store

import (
	"context"
	"time"

	"aisync/internal/domain"
)

// UpsertResult reports whether UpsertItem found an existing row.
type UpsertResult struct {
	Item     domain.Item
	Existed  bool
}

// Store is the full set of operations the sync engine's components need
// from the durable backing store. A single implementation backs production
// (Postgres); an in-memory implementation backs tests.
type Store interface {
	// UpsertItem atomically creates an Item row for (source, source_id) if
	// none exists, or returns the existing row untouched. This is the sole
	// exclusion mechanism the Pipeline relies on (§5): a second concurrent
	// Ingest for the same key observes Existed=true and a non-pending
	// status, or Existed=true and pending (meaning a concurrent run is
	// still in flight, or a prior run failed before it could progress).
	UpsertItem(ctx context.Context, item domain.Item) (UpsertResult, error)

	// GetItem returns the Item by its internal id.
	GetItem(ctx context.Context, itemID string) (domain.Item, error)

	// GetItemByKey returns the Item by its (source, source_id) key.
	GetItemByKey(ctx context.Context, source domain.Source, sourceID string) (domain.Item, error)

	// UpdateItem replaces all mutable fields on an existing Item in a single
	// atomic write. Implementations must make this all-or-nothing: a
	// partial write where the Item ends up `embedded` without its vectors
	// having been upserted (or vice versa) must be impossible.
	UpdateItem(ctx context.Context, item domain.Item) error

	// SoftDeleteItem marks an Item deleted. Callers must have already
	// removed its Embeddings from the Vector Index (see I2).
	SoftDeleteItem(ctx context.Context, itemID string) error

	// GetCursor returns the SyncCursor for (user, source), or a zero-value
	// cursor with no error if one doesn't exist yet.
	GetCursor(ctx context.Context, userID string, source domain.Source) (domain.SyncCursor, error)

	// PutCursor atomically replaces the stored cursor. Cursors are
	// monotonic per source: callers only invoke this after a poll
	// succeeds (I3); a failed poll must never call PutCursor.
	PutCursor(ctx context.Context, cursor domain.SyncCursor) error

	// GetMetric returns the ActivityMetric for (user, source), or a default
	// metric (NextIntervalMins 30, everything else zero) if one doesn't
	// exist yet.
	GetMetric(ctx context.Context, userID string, source domain.Source) (domain.ActivityMetric, error)

	// PutMetric replaces the stored ActivityMetric.
	PutMetric(ctx context.Context, metric domain.ActivityMetric) error

	// InsertLog appends one ProcessingLog record.
	InsertLog(ctx context.Context, log domain.ProcessingLog) error

	// PutWatch creates or replaces a Watch row.
	PutWatch(ctx context.Context, watch domain.Watch) error

	// GetActiveWatch returns the active Watch for (user, source,
	// resourceID), or ErrNotFound if none exists (I4: at most one).
	GetActiveWatch(ctx context.Context, userID string, source domain.Source, resourceID string) (domain.Watch, error)

	// DeactivateWatch marks a Watch inactive.
	DeactivateWatch(ctx context.Context, watchID string) error

	// ListExpiringWatches returns active watches whose expiry falls within
	// the next `within` duration, for the Watch Manager's periodic scan.
	ListExpiringWatches(ctx context.Context, within time.Duration, now time.Time) ([]domain.Watch, error)

	// ListActiveUsers returns users eligible for scheduling (active, not
	// suspended).
	ListActiveUsers(ctx context.Context) ([]domain.User, error)

	// GetUser returns a user by id.
	GetUser(ctx context.Context, userID string) (domain.User, error)

	// ResolveUserByMailAddress finds the user whose primary or virtual mail
	// address matches address, the lookup the Push Handler needs to map a
	// provider's emailAddress callback field back to a User (§4.8).
	ResolveUserByMailAddress(ctx context.Context, address string) (domain.User, error)

	// SetUserSuspended toggles a user's suspended flag (Scheduler suspends
	// after inactivity; admin surface resumes).
	SetUserSuspended(ctx context.Context, userID string, suspended bool) error

	// ListActiveProjects returns a user's active classification targets,
	// the sole input to the Classifier besides the item itself.
	ListActiveProjects(ctx context.Context, ownerID string) ([]domain.Project, error)

	Close() error
}
