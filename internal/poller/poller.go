// Package poller is the Poller (C9): for one (user, source) tick, reads the
// SyncCursor, calls Poll, enqueues an Ingest per changed id, and writes the
// cursor back only after every enqueue has succeeded, per §4.9.
package poller

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"aisync/internal/domain"
	"aisync/internal/logging"
	"aisync/internal/providers"
	"aisync/internal/store"
)

// DefaultConcurrencyPerUser is K in §4.9: at most this many concurrent
// Ingests per user, to avoid hammering a single provider for one user.
const DefaultConcurrencyPerUser = 4

// IngestFunc runs one Ingest synchronously (the Poller blocks on it to
// know whether the cursor write-back is safe).
type IngestFunc func(ctx context.Context, user domain.User, source domain.Source, sourceID string) (domain.Outcome, error)

// Poller drives one tick for a (user, source) pair.
type Poller struct {
	store              store.Store
	adapters           map[domain.Source]providers.Adapter
	ingest             IngestFunc
	concurrencyPerUser int
}

// New builds a Poller. concurrencyPerUser <= 0 uses DefaultConcurrencyPerUser.
func New(st store.Store, adapters map[domain.Source]providers.Adapter, ingest IngestFunc, concurrencyPerUser int) *Poller {
	if concurrencyPerUser <= 0 {
		concurrencyPerUser = DefaultConcurrencyPerUser
	}
	return &Poller{store: st, adapters: adapters, ingest: ingest, concurrencyPerUser: concurrencyPerUser}
}

// Tick runs one poll cycle for (user, source): it never mutates the stored
// cursor when Poll itself fails (I3), and only advances the cursor once
// every changed id has been successfully enqueued and ingested.
func (p *Poller) Tick(ctx context.Context, user domain.User, source domain.Source) error {
	log := logging.ForComponent(ctx, "poller")

	adapter, ok := p.adapters[source]
	if !ok {
		return fmt.Errorf("%w: no adapter registered for source %s", domain.ErrFatal, source)
	}

	cursor, err := p.store.GetCursor(ctx, user.ID, source)
	if err != nil {
		return fmt.Errorf("get cursor for %s/%s: %w", user.ID, source, err)
	}

	changed, next, err := adapter.Poll(ctx, user, cursor)
	if err != nil {
		// I3: a failed poll leaves the stored cursor untouched.
		log.Warn().Err(err).Str("user_id", user.ID).Str("source", string(source)).Msg("poll_failed")
		return err
	}

	if len(changed) == 0 {
		return p.store.PutCursor(ctx, next)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrencyPerUser)
	for _, sourceID := range changed {
		sourceID := sourceID
		g.Go(func() error {
			_, err := p.ingest(gctx, user, source, sourceID)
			if err != nil {
				log.Warn().Err(err).Str("user_id", user.ID).Str("source_id", sourceID).Msg("ingest_failed_during_poll")
			}
			return err
		})
	}

	// The cursor only advances once every enqueued Ingest has returned; a
	// failure among them means the cursor stays put so the next tick
	// retries the whole changed set (§4.9's "after all enqueues succeed").
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: one or more ingests failed during poll: %w", domain.ErrTransient, err)
	}

	return p.store.PutCursor(ctx, next)
}
