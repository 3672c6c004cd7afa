// Package providers implements the Provider Adapters (C1): a uniform
// Watch/Poll/Fetch surface over Mail, Drive and Calendar. Adapters hide
// provider-specific pagination, token refresh and rate-limit back-off; they
// expose a bounded blocking call and distinguish domain.ErrTransient from
// domain.ErrFatal, never retrying internally beyond a fixed short budget.
package providers

import (
	"context"
	"time"

	"aisync/internal/domain"
)

// maxAttempts and callBudget bound every adapter call's internal retrying,
// per §4.1: attempts <= 3, total wall-time <= 10s per call.
const (
	maxAttempts = 3
	callBudget  = 10 * time.Second
)

// Adapter is the capability set every provider exposes.
type Adapter interface {
	Source() domain.Source

	// SetupWatch creates (or replaces) a push-notification channel for
	// user, optionally scoped to resourceID (e.g. one Drive file).
	SetupWatch(ctx context.Context, user domain.User, resourceID string) (domain.Watch, error)

	// Poll returns the source ids that changed since cursor, plus the
	// cursor to store if the call succeeds. On a transient failure the
	// returned cursor must be ignored by the caller (I3).
	Poll(ctx context.Context, user domain.User, cursor domain.SyncCursor) (changed []string, next domain.SyncCursor, err error)

	// FetchItem retrieves one item's full content by its provider-native id.
	FetchItem(ctx context.Context, user domain.User, sourceID string) (domain.RawItem, error)

	// StopWatch tears down a previously-created channel. Errors are
	// logged by the caller, not fatal to a renewal.
	StopWatch(ctx context.Context, watch domain.Watch) error
}

// withRetry runs fn up to maxAttempts times while the overall elapsed time
// stays under callBudget, backing off linearly between attempts. It only
// retries errors tagged domain.ErrTransient; a domain.ErrFatal (or any
// other error) returns immediately. This is the one retry policy every
// adapter shares, so none of them needs to reimplement back-off.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, callBudget)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(deadlineCtx)
		if lastErr == nil {
			return nil
		}
		if !domain.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		backoff := time.Duration(attempt) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-deadlineCtx.Done():
			return lastErr
		}
	}
	return lastErr
}
