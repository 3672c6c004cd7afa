// Package watchmanager is the Watch Manager (C11): a periodic scan that
// renews Watches nearing expiry and deactivates ones that fail renewal
// three times running, per §4.11.
package watchmanager

import (
	"context"
	"fmt"
	"time"

	"aisync/internal/domain"
	"aisync/internal/logging"
	"aisync/internal/providers"
	"aisync/internal/store"
)

// Defaults per §4.11.
const (
	DefaultScanInterval = 6 * time.Hour
	DefaultRenewWindow  = 25 * time.Hour
	maxRenewalFailures  = 3
)

// AlertFunc is called when a Watch is deactivated after exhausting its
// renewal attempts; production wiring logs and/or pages, tests assert on
// the call.
type AlertFunc func(watch domain.Watch)

// Manager scans for expiring Watches and renews them.
type Manager struct {
	store       store.Store
	adapters    map[domain.Source]providers.Adapter
	renewWindow time.Duration
	alert       AlertFunc
}

// New builds a Manager. renewWindow <= 0 uses DefaultRenewWindow. alert may
// be nil.
func New(st store.Store, adapters map[domain.Source]providers.Adapter, renewWindow time.Duration, alert AlertFunc) *Manager {
	if renewWindow <= 0 {
		renewWindow = DefaultRenewWindow
	}
	if alert == nil {
		alert = func(domain.Watch) {}
	}
	return &Manager{store: st, adapters: adapters, renewWindow: renewWindow, alert: alert}
}

// ScanOnce runs one renewal pass: every active Watch expiring within the
// renew window is renewed (SetupWatch then StopWatch(old)). The old row is
// deactivated and the new one written in two separate store calls, so I4
// (at most one active Watch per key) holds throughout, but a failure
// between the two leaves the key with no active Watch.
func (m *Manager) ScanOnce(ctx context.Context, now time.Time) error {
	log := logging.ForComponent(ctx, "watchmanager")

	expiring, err := m.store.ListExpiringWatches(ctx, m.renewWindow, now)
	if err != nil {
		return fmt.Errorf("list expiring watches: %w", err)
	}

	for _, watch := range expiring {
		if err := m.renew(ctx, watch); err != nil {
			log.Warn().Err(err).Str("watch_id", watch.ID).Str("user_id", watch.OwnerID).Msg("watch_renewal_failed")
		}
	}
	return nil
}

// RenewOne forces an immediate renewal of the active Watch for (userID,
// source, resourceID), bypassing the renew-window check; this backs the
// §6 admin surface's `renew-watch` command.
func (m *Manager) RenewOne(ctx context.Context, userID string, source domain.Source, resourceID string) error {
	watch, err := m.store.GetActiveWatch(ctx, userID, source, resourceID)
	if err != nil {
		return fmt.Errorf("get active watch for %s/%s: %w", userID, source, err)
	}
	return m.renew(ctx, watch)
}

func (m *Manager) renew(ctx context.Context, watch domain.Watch) error {
	adapter, ok := m.adapters[watch.Source]
	if !ok {
		return fmt.Errorf("%w: no adapter registered for source %s", domain.ErrFatal, watch.Source)
	}

	user, err := m.store.GetUser(ctx, watch.OwnerID)
	if err != nil {
		return fmt.Errorf("get user %s: %w", watch.OwnerID, err)
	}

	newWatch, err := adapter.SetupWatch(ctx, user, watch.ResourceID)
	if err != nil {
		return m.recordFailure(ctx, watch, err)
	}

	if err := adapter.StopWatch(ctx, watch); err != nil {
		// The old channel may leak provider-side, but the new Watch row is
		// already the source of truth; this is logged here, not fatal to
		// the renewal (§4.11).
		logging.ForComponent(ctx, "watchmanager").Warn().Err(err).Str("watch_id", watch.ID).Msg("stop_old_watch_failed")
	}

	if err := m.store.DeactivateWatch(ctx, watch.ID); err != nil {
		return fmt.Errorf("deactivate old watch %s: %w", watch.ID, err)
	}
	newWatch.FailCount = 0
	if err := m.store.PutWatch(ctx, newWatch); err != nil {
		return fmt.Errorf("put renewed watch: %w", err)
	}
	return nil
}

// recordFailure increments the Watch's consecutive-failure count; after
// maxRenewalFailures it is deactivated and an alert is emitted. The
// polling interval of the affected (user, source) is left unchanged: the
// Scheduler does not read Watch rows or FailCount.
func (m *Manager) recordFailure(ctx context.Context, watch domain.Watch, cause error) error {
	watch.FailCount++
	if watch.FailCount >= maxRenewalFailures {
		watch.Active = false
		if err := m.store.PutWatch(ctx, watch); err != nil {
			return fmt.Errorf("deactivate watch after %d failures: %w", watch.FailCount, err)
		}
		m.alert(watch)
		return fmt.Errorf("watch %s deactivated after %d renewal failures: %w", watch.ID, watch.FailCount, cause)
	}
	if err := m.store.PutWatch(ctx, watch); err != nil {
		return fmt.Errorf("record renewal failure: %w", err)
	}
	return fmt.Errorf("renew watch %s (attempt %d/%d): %w", watch.ID, watch.FailCount, maxRenewalFailures, cause)
}
