package domain

import "errors"

// Error kinds per the error-handling design: every component returns one of
// these (wrapped with context), and the Pipeline is the single place that
// decides retry vs surface vs swallow.
var (
	// ErrTransient covers provider 5xx, timeouts, rate limits: leave the row
	// in pending, the Scheduler retries at the next tick.
	ErrTransient = errors.New("transient error")

	// ErrFatal covers a provider 4xx on a well-formed request or a missing
	// entity: mark the row failed and alert.
	ErrFatal = errors.New("fatal error")

	// ErrAuth covers expired or revoked user credentials: suspend the user,
	// alert, do not retry.
	ErrAuth = errors.New("auth error")

	// ErrInvariant covers a store-reported consistency violation: abort the
	// pipeline and alert immediately.
	ErrInvariant = errors.New("invariant violation")

	// ErrModel covers classifier/summariser failure: the classifier falls
	// back to Unclassified, the summariser falls back to a stub summary.
	ErrModel = errors.New("model error")

	// ErrNotFound is returned by store lookups that find nothing.
	ErrNotFound = errors.New("not found")

	// ErrRevisionConflict is returned by an optimistic-concurrency update
	// whose expected revision no longer matches the stored row.
	ErrRevisionConflict = errors.New("revision conflict")
)

// IsTransient reports whether err (or something it wraps) is ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsFatal reports whether err (or something it wraps) is ErrFatal.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// IsAuth reports whether err (or something it wraps) is ErrAuth.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }
