// Package wiring builds the full set of components described in §4 from a
// loaded Config, so that both the long-running daemon (cmd/syncd) and the
// one-shot admin CLI (cmd/synccli) construct identical dependency graphs
// instead of drifting apart: a single constructor function every binary's
// main calls into, rather than each wiring its own copy.
package wiring

import (
	"context"
	"fmt"

	"aisync/internal/chunker"
	"aisync/internal/classifier"
	"aisync/internal/config"
	"aisync/internal/domain"
	"aisync/internal/embedder"
	"aisync/internal/ingestqueue"
	"aisync/internal/objectstore"
	"aisync/internal/pipeline"
	"aisync/internal/poller"
	"aisync/internal/providers"
	"aisync/internal/pushhandler"
	"aisync/internal/retrieval"
	"aisync/internal/scheduler"
	"aisync/internal/store"
	"aisync/internal/vectorindex"
	"aisync/internal/watchmanager"
)

// Services bundles every wired component a binary needs; fields are public
// so cmd/syncd and cmd/synccli can reach into whichever subset they drive.
type Services struct {
	Config       config.Config
	Store        *store.PostgresStore
	Index        *vectorindex.QdrantIndex
	Adapters     map[domain.Source]providers.Adapter
	Classifier   *classifier.Classifier
	Chunker      *chunker.Chunker
	Embedder     *embedder.Embedder
	Queue        *ingestqueue.Queue
	Pipeline     *pipeline.Pipeline
	Poller       *poller.Poller
	Scheduler    *scheduler.Scheduler
	WatchMgr     *watchmanager.Manager
	Retrieval    *retrieval.Retrieval
	PushHandlers httpapiPushHandlers
}

// httpapiPushHandlers mirrors httpapi.PushHandlers's underlying type
// without this package importing internal/httpapi — wiring only builds the
// component graph, it doesn't need to know about the HTTP transport on top
// of it. The alias is structurally assignable to httpapi.PushHandlers at
// the call site in cmd/syncd.
type httpapiPushHandlers = map[domain.Source]*pushhandler.Handler

// storeUserResolver adapts store.Store's ResolveUserByMailAddress method
// name to pushhandler.UserResolver's narrower ResolveByMailAddress.
type storeUserResolver struct {
	store store.Store
}

func (r *storeUserResolver) ResolveByMailAddress(ctx context.Context, address string) (domain.User, error) {
	return r.store.ResolveUserByMailAddress(ctx, address)
}

func mailboxFor(u domain.User) string      { return u.PrimaryMailAddress }
func calendarOf(u domain.User) string      { return u.ID }
func driveUserPrefix(u domain.User) string { return u.ID + "/" }

// Build wires every component in §4's dependency order (leaves first):
// adapters, store and vector index, then classifier/chunker/embedder, then
// the pipeline, poller, scheduler and watch manager that sit on top.
func Build(ctx context.Context, cfg config.Config) (*Services, error) {
	st, err := store.OpenPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	index, err := vectorindex.NewQdrantIndex(cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions, cfg.Qdrant.Metric)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	objStore, err := objectstore.NewS3Store(ctx, cfg.S3)
	if err != nil {
		index.Close()
		st.Close()
		return nil, fmt.Errorf("open drive object store: %w", err)
	}

	adapters := map[domain.Source]providers.Adapter{
		// Mail/Calendar: see cmd/syncd's doc comment — the real provider
		// client is an external collaborator supplied by the deployment,
		// not built here. The fakes keep every binary runnable without one.
		domain.SourceMail:     providers.NewMailAdapter(providers.NewFakeMailClient(), cfg.Mail.Domain, mailboxFor),
		domain.SourceCalendar: providers.NewCalendarAdapter(providers.NewFakeCalendarClient(), calendarOf),
		domain.SourceDrive:    providers.NewDriveAdapter(objStore, driveUserPrefix),
	}

	cls := classifier.New(cfg.Anthropic)
	chnk := chunker.New(chunker.NewOpenAISentenceEmbedder(cfg.OpenAI), chunker.NewAnthropicSummariser(cfg.Anthropic), chunker.Options{})
	emb := embedder.New(cfg.OpenAI, index)

	queue := ingestqueue.NewQueue(cfg.Kafka, cfg.Scheduler.WorkerPoolSize*8)

	pipe := pipeline.New(st, adapters, cls, chnk, emb, queue.EnqueueWithHint)

	pollr := poller.New(st, adapters, func(ctx context.Context, user domain.User, source domain.Source, sourceID string) (domain.Outcome, error) {
		return pipe.Ingest(ctx, user, source, sourceID, pipeline.IngestHint{})
	}, cfg.Scheduler.PollerConcurrencyPerUser)

	sched := scheduler.New(st, func(ctx context.Context, user domain.User, source domain.Source) error {
		return pollr.Tick(ctx, user, source)
	}, cfg.Scheduler.WorkerPoolSize, cfg.Scheduler.InactivityThreshold)

	if cfg.Redis.Addr != "" {
		if coord, err := scheduler.NewCoordinator(cfg.Redis, 0, 1); err == nil {
			sched.UseCoordinator(coord)
		}
	}

	watchMgr := watchmanager.New(st, adapters, cfg.Scheduler.WatchRenewWindow, nil)

	push := httpapiPushHandlers{}
	resolver := &storeUserResolver{store: st}
	for src, adapter := range adapters {
		push[src] = pushhandler.New(src, cfg.Push, adapter, resolver, queue.Enqueue)
	}

	ret := retrieval.New(chunker.NewOpenAISentenceEmbedder(cfg.OpenAI), index)

	return &Services{
		Config:       cfg,
		Store:        st,
		Index:        index,
		Adapters:     adapters,
		Classifier:   cls,
		Chunker:      chnk,
		Embedder:     emb,
		Queue:        queue,
		Pipeline:     pipe,
		Poller:       pollr,
		Scheduler:    sched,
		WatchMgr:     watchMgr,
		Retrieval:    ret,
		PushHandlers: push,
	}, nil
}

// Close releases every resource Build opened, in reverse dependency order.
func (s *Services) Close() {
	if s.Queue != nil {
		_ = s.Queue.Close()
	}
	if s.Index != nil {
		_ = s.Index.Close()
	}
	if s.Store != nil {
		_ = s.Store.Close()
	}
}
