// Package scheduler is the Scheduler (C10): maintains a per-(user, source)
// next-fire instant from the ActivityMetric, decides smart-polling no-ops,
// and exposes the admin surface of §6.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"aisync/internal/domain"
	"aisync/internal/logging"
	"aisync/internal/store"
)

// ticksAdmitted counts ticks the worker pool actually ran, labelled by
// source; ticksSkipped counts ones skipped by back-pressure or a losing
// shard-coordination claim. Both read from the global MeterProvider
// internal/telemetry.Setup installs, so they're no-ops until a deployment
// wires an exporter onto that provider.
var (
	meter         = otel.Meter("aisync/scheduler")
	ticksAdmitted metric.Int64Counter
	ticksSkipped  metric.Int64Counter
)

func init() {
	// Int64Counter only errors on a malformed instrument name; these two
	// are fixed string literals, so the error is unreachable in practice.
	ticksAdmitted, _ = meter.Int64Counter("scheduler.ticks.admitted")
	ticksSkipped, _ = meter.Int64Counter("scheduler.ticks.skipped")
}

// Defaults per §4.10 and §5.
const (
	DefaultWorkerPoolSize      = 16
	DefaultInactivityThreshold = 14 * 24 * time.Hour
	virtualMailWindow          = 24 * time.Hour
	minIntervalMinutes         = 5
	lowFrequencyCeilingMinutes = 120
)

// TickFunc runs one Poller tick for (user, source); the Scheduler calls it
// through the worker pool semaphore, never inline.
type TickFunc func(ctx context.Context, user domain.User, source domain.Source) error

// sourcesPerUser lists every source the Scheduler ticks for each user;
// the Watch Manager and Poller share this same fixed set.
var sourcesPerUser = []domain.Source{domain.SourceMail, domain.SourceDrive, domain.SourceCalendar}

// Scheduler owns the adaptive cadence table and admits work onto a bounded
// worker pool, per §5's back-pressure policy.
type Scheduler struct {
	store               store.Store
	tick                TickFunc
	workerPool          *semaphore.Weighted
	inactivityThreshold time.Duration
	coordinator         *Coordinator
}

// UseCoordinator attaches a multi-shard Redis coordinator; nil (the
// default) means this Scheduler is the only shard and ticks every user it
// lists. Safe to call before the first RunOnce; not safe to swap mid-run.
func (s *Scheduler) UseCoordinator(c *Coordinator) { s.coordinator = c }

// New builds a Scheduler. poolSize <= 0 uses DefaultWorkerPoolSize;
// inactivityThreshold <= 0 uses DefaultInactivityThreshold.
func New(st store.Store, tick TickFunc, poolSize int, inactivityThreshold time.Duration) *Scheduler {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	if inactivityThreshold <= 0 {
		inactivityThreshold = DefaultInactivityThreshold
	}
	return &Scheduler{
		store:               st,
		tick:                tick,
		workerPool:          semaphore.NewWeighted(int64(poolSize)),
		inactivityThreshold: inactivityThreshold,
	}
}

// RunOnce scans every active user's (user, source) pairs once, admitting a
// tick onto the worker pool for any pair whose smart-polling check says
// it's due. It returns once every admitted tick has completed (or the
// worker pool is saturated, in which case a pair is skipped this round and
// picked up on the next RunOnce).
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	log := logging.ForComponent(ctx, "scheduler")

	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	var wg sync.WaitGroup
	for _, user := range users {
		if s.coordinator != nil && !s.coordinator.ShardOwns(user.ID) {
			continue
		}
		for _, source := range sourcesPerUser {
			user, source := user, source
			activity, err := s.store.GetMetric(ctx, user.ID, source)
			if err != nil {
				log.Warn().Err(err).Str("user_id", user.ID).Str("source", string(source)).Msg("get_metric_failed")
				continue
			}
			if !s.isDue(activity, now) {
				continue
			}
			claimed, release := true, func() {}
			if s.coordinator != nil {
				claimed, release = s.coordinator.Claim(ctx, user.ID, string(source))
			}
			if !claimed {
				ticksSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source)), attribute.String("reason", "shard_claim_lost")))
				continue
			}
			if !s.workerPool.TryAcquire(1) {
				// Back-pressure: pool saturated, skip this pair this round.
				release()
				ticksSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source)), attribute.String("reason", "pool_saturated")))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.workerPool.Release(1)
				defer release()
				ticksAdmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source))))
				if err := s.tick(ctx, user, source); err != nil {
					log.Warn().Err(err).Str("user_id", user.ID).Str("source", string(source)).Msg("tick_failed")
				}
				s.recordTick(ctx, user, source, now)
			}()
		}
	}
	wg.Wait()
	return nil
}

// isDue implements §4.10's smart-polling decision: a no-op unless enough
// time has passed since the last poll, per the stored next-interval.
func (s *Scheduler) isDue(metric domain.ActivityMetric, now time.Time) bool {
	if metric.LastPollAt.IsZero() {
		return true
	}
	interval := time.Duration(metric.NextIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return now.Sub(metric.LastPollAt) >= interval
}

// recordTick updates the ActivityMetric after a tick completes: the
// adaptive cadence table of §4.10, the virtual-mail-24h halving, and the
// 14-day inactivity suspension.
func (s *Scheduler) recordTick(ctx context.Context, user domain.User, source domain.Source, now time.Time) {
	log := logging.ForComponent(ctx, "scheduler")
	metric, err := s.store.GetMetric(ctx, user.ID, source)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("get_metric_for_update_failed")
		return
	}

	prevInterval := metric.NextIntervalMins
	if prevInterval <= 0 {
		prevInterval = 30
	}
	metric.NextIntervalMins, metric.ChangeFrequency = nextInterval(metric.ItemsChanged24h, prevInterval)

	if metric.VirtualMailHit24h && now.Sub(metric.LastPollAt) <= virtualMailWindow {
		halved := metric.NextIntervalMins / 2
		if halved < minIntervalMinutes {
			halved = minIntervalMinutes
		}
		metric.NextIntervalMins = halved
	}

	metric.LastPollAt = now
	if err := s.store.PutMetric(ctx, metric); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("put_metric_failed")
		return
	}

	if !metric.InactiveSince.IsZero() && now.Sub(metric.InactiveSince) >= s.inactivityThreshold {
		if err := s.store.SetUserSuspended(ctx, user.ID, true); err != nil {
			log.Warn().Err(err).Str("user_id", user.ID).Msg("suspend_user_failed")
		}
	}
}

// nextInterval implements the §4.10 table.
func nextInterval(itemsChanged int64, prevIntervalMinutes int) (int, domain.ChangeFrequency) {
	switch {
	case itemsChanged == 0:
		next := int(float64(prevIntervalMinutes) * 1.5)
		if next > lowFrequencyCeilingMinutes {
			next = lowFrequencyCeilingMinutes
		}
		if next < prevIntervalMinutes {
			next = prevIntervalMinutes
		}
		return next, domain.FrequencyLow
	case itemsChanged <= 5:
		return 30, domain.FrequencyMedium
	case itemsChanged <= 20:
		return 15, domain.FrequencyHigh
	default:
		return 10, domain.FrequencyHigh
	}
}

// --- Admin surface, per §6 ---

// AdminError carries the exit code the CLI should surface.
type AdminError struct {
	Code int
	Err  error
}

func (e *AdminError) Error() string { return e.Err.Error() }
func (e *AdminError) Unwrap() error { return e.Err }

// Poll forces an immediate tick for (user, source), bypassing smart-polling.
func (s *Scheduler) Poll(ctx context.Context, userID string, source domain.Source) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return &AdminError{Code: 2, Err: fmt.Errorf("get user %s: %w", userID, err)}
	}
	if err := s.tick(ctx, user, source); err != nil {
		if domain.IsFatal(err) || domain.IsAuth(err) {
			return &AdminError{Code: 3, Err: err}
		}
		return &AdminError{Code: 3, Err: err}
	}
	s.recordTick(ctx, user, source, time.Now())
	return nil
}

// ResetCursor clears the stored cursor so the next poll re-scans recent
// history.
func (s *Scheduler) ResetCursor(ctx context.Context, userID string, source domain.Source) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return &AdminError{Code: 2, Err: fmt.Errorf("get user %s: %w", userID, err)}
	}
	if err := s.store.PutCursor(ctx, domain.SyncCursor{OwnerID: userID, Source: source}); err != nil {
		return &AdminError{Code: 4, Err: err}
	}
	return nil
}

// Suspend marks a user suspended (no ticks) until explicitly resumed.
func (s *Scheduler) Suspend(ctx context.Context, userID string) error {
	if err := s.store.SetUserSuspended(ctx, userID, true); err != nil {
		if err == domain.ErrNotFound {
			return &AdminError{Code: 2, Err: err}
		}
		return &AdminError{Code: 4, Err: err}
	}
	return nil
}

// Resume un-suspends a user.
func (s *Scheduler) Resume(ctx context.Context, userID string) error {
	if err := s.store.SetUserSuspended(ctx, userID, false); err != nil {
		if err == domain.ErrNotFound {
			return &AdminError{Code: 2, Err: err}
		}
		return &AdminError{Code: 4, Err: err}
	}
	return nil
}
