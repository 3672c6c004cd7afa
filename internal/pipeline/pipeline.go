// Package pipeline is the Item Pipeline (C7): the single state machine that
// turns a (user, source, source_id) tuple into a durable, classified,
// embedded Item, per §4.7.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"aisync/internal/chunker"
	"aisync/internal/classifier"
	"aisync/internal/domain"
	"aisync/internal/embedder"
	"aisync/internal/logging"
	"aisync/internal/providers"
	"aisync/internal/store"
)

// EnqueueFunc schedules an Ingest for (source, source_id) without blocking
// the caller; this package's own mail→drive link expansion uses it to pass
// a project hint along with the queued Ingest.
type EnqueueFunc func(ctx context.Context, user domain.User, source domain.Source, sourceID string, hint IngestHint)

// IngestHint carries advisory context into a queued Ingest call; the
// Classifier still makes its own decision (§4.7's drive-link rule).
type IngestHint struct {
	ProjectHint string
}

// Pipeline wires C1 (Adapters), C5 (Classifier), C4 (Chunker), C6
// (Embedder) and C2 (Store) into the Ingest state machine.
type Pipeline struct {
	store      store.Store
	adapters   map[domain.Source]providers.Adapter
	classifier *classifier.Classifier
	chunker    *chunker.Chunker
	embedder   *embedder.Embedder
	enqueue    EnqueueFunc

	// inflight enforces §5's Exclusion invariant (at most one execution per
	// (source, source_id) at a time) within this process: a second Ingest
	// call for a key already running joins the first instead of racing it.
	inflight singleflight.Group
}

// New builds a Pipeline. enqueue may be nil, in which case mail→drive link
// expansion is a no-op (acceptable for single-source deployments or tests).
func New(st store.Store, adapters map[domain.Source]providers.Adapter, cls *classifier.Classifier, ch *chunker.Chunker, emb *embedder.Embedder, enqueue EnqueueFunc) *Pipeline {
	return &Pipeline{store: st, adapters: adapters, classifier: cls, chunker: ch, embedder: emb, enqueue: enqueue}
}

// Ingest runs the full C7 state machine for one (user, source, source_id),
// via inflight so a concurrent call for the same key joins this run
// rather than executing a second, racing state machine over the same row.
func (p *Pipeline) Ingest(ctx context.Context, user domain.User, source domain.Source, sourceID string, hint IngestHint) (domain.Outcome, error) {
	v, err, _ := p.inflight.Do(domain.ItemKey(source, sourceID), func() (interface{}, error) {
		return p.ingest(ctx, user, source, sourceID, hint)
	})
	outcome, _ := v.(domain.Outcome)
	return outcome, err
}

// ingest is the C7 state machine body; callers must go through Ingest so
// concurrent calls for the same key are serialized by inflight.
func (p *Pipeline) ingest(ctx context.Context, user domain.User, source domain.Source, sourceID string, hint IngestHint) (outcome domain.Outcome, err error) {
	log := logging.ForComponent(ctx, "pipeline")
	started := time.Now()
	itemID := ""

	defer func() {
		entry := domain.ProcessingLog{
			ID:        uuid.NewString(),
			ItemID:    itemID,
			Outcome:   outcome,
			StartedAt: started,
			Duration:  time.Since(started),
		}
		if err != nil {
			entry.ErrorKind = errorKind(err)
			entry.Detail = err.Error()
		}
		if logErr := p.store.InsertLog(context.WithoutCancel(ctx), entry); logErr != nil {
			log.Warn().Err(logErr).Str("item_id", itemID).Msg("processing_log_write_failed")
		}
	}()

	adapter, ok := p.adapters[source]
	if !ok {
		return domain.OutcomeFailed, fmt.Errorf("%w: no adapter registered for source %s", domain.ErrFatal, source)
	}

	// Step 1: atomic upsert by (source, source_id).
	placeholder := domain.Item{
		Source:   source,
		SourceID: sourceID,
		OwnerID:  user.ID,
		Status:   domain.ItemPending,
	}
	upserted, err := p.store.UpsertItem(ctx, placeholder)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("upsert item %s/%s: %w", source, sourceID, err)
	}
	item := upserted.Item
	itemID = item.ID

	// Step 2: fetch.
	raw, err := adapter.FetchItem(ctx, user, sourceID)
	if err != nil {
		if domain.IsTransient(err) {
			return domain.OutcomeFailed, err
		}
		item.Status = domain.ItemFailed
		item.UpdatedAt = time.Now()
		if updErr := p.store.UpdateItem(ctx, item); updErr != nil {
			log.Warn().Err(updErr).Str("item_id", item.ID).Msg("mark_failed_update_error")
		}
		return domain.OutcomeFailed, fmt.Errorf("fetch item %s/%s: %w", source, sourceID, err)
	}

	// Deletion signal: cascade-delete vectors first (I2), then soft-delete.
	if raw.Deleted {
		if upserted.Existed {
			if err := p.embedder.DeleteItem(ctx, item.ID); err != nil {
				return domain.OutcomeFailed, fmt.Errorf("delete embeddings for item %s: %w", item.ID, err)
			}
			if err := p.store.SoftDeleteItem(ctx, item.ID); err != nil {
				return domain.OutcomeFailed, fmt.Errorf("soft delete item %s: %w", item.ID, err)
			}
		}
		return domain.OutcomeDeleted, nil
	}

	// Unchanged-since check: an embedded item whose source reports the
	// same revision is a duplicate, no further work needed.
	if upserted.Existed && item.Status == domain.ItemEmbedded && raw.Revision != "" && raw.Revision == item.Revision {
		return domain.OutcomeDuplicate, nil
	}

	// Step 3: extract plain text.
	item.Title = raw.Title
	item.Author = raw.Author
	item.ReceivedAt = raw.ReceivedAt
	item.Body = extractText(raw)
	item.Metadata = raw.Metadata
	item.Revision = raw.Revision
	item.UpdatedAt = time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = item.UpdatedAt
	}

	if hint.ProjectHint != "" {
		if item.Metadata == nil {
			item.Metadata = map[string]string{}
		}
		item.Metadata["project_hint"] = hint.ProjectHint
	}

	// Step 4: classify.
	projects, err := p.store.ListActiveProjects(ctx, user.ID)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("list active projects for user %s: %w", user.ID, err)
	}
	result, clsErr := p.classifier.Classify(ctx, item, projects)
	if clsErr != nil && !result.Transient {
		return domain.OutcomeFailed, clsErr
	}
	if result.Unclassified {
		item.Status = domain.ItemUnclassified
		if err := p.store.UpdateItem(ctx, item); err != nil {
			return domain.OutcomeFailed, fmt.Errorf("update unclassified item %s: %w", item.ID, err)
		}
		outcome = domain.OutcomeCreated
		if upserted.Existed {
			outcome = domain.OutcomeUpdated
		}
		return outcome, nil
	}
	item.ProjectID = result.ProjectID
	item.Status = domain.ItemClassified

	// Step 5: chunk.
	chunks, err := p.chunker.Chunk(ctx, item)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("chunk item %s: %w", item.ID, err)
	}

	// Step 6: embed. Re-ingesting an updated item replaces its embeddings
	// in place: clear the old vectors before writing the new ones so a
	// shrinking chunk count never leaves stale tail vectors behind.
	if upserted.Existed {
		if err := p.embedder.DeleteItem(ctx, item.ID); err != nil {
			return domain.OutcomeFailed, fmt.Errorf("clear stale embeddings for item %s: %w", item.ID, err)
		}
	}
	if err := p.embedder.EmbedAndStore(ctx, item, chunks); err != nil {
		return domain.OutcomeFailed, fmt.Errorf("embed item %s: %w", item.ID, err)
	}
	item.Status = domain.ItemEmbedded

	if err := p.store.UpdateItem(ctx, item); err != nil {
		return domain.OutcomeFailed, fmt.Errorf("update embedded item %s: %w", item.ID, err)
	}

	// Mail item carrying a drive link: enqueue a drive Ingest with this
	// item's project id as a hint, per §4.7.
	if source == domain.SourceMail && p.enqueue != nil {
		for _, link := range extractDriveLinks(raw) {
			p.enqueue(ctx, user, domain.SourceDrive, link, IngestHint{ProjectHint: item.ProjectID})
		}
	}

	outcome = domain.OutcomeCreated
	if upserted.Existed {
		outcome = domain.OutcomeUpdated
	}
	return outcome, nil
}

// extractText implements §4.7 step 3's per-source extraction rule.
func extractText(raw domain.RawItem) string {
	if raw.Source == domain.SourceDrive && strings.TrimSpace(raw.Body) == "" {
		return fmt.Sprintf("%s (%s, %s bytes)", raw.Title, raw.Metadata["mime_type"], raw.Metadata["size"])
	}
	if !raw.BodyIsHTML {
		return raw.Body
	}
	text, err := htmltomarkdown.ConvertString(raw.Body)
	if err != nil || strings.TrimSpace(text) == "" {
		return stripTags(raw.Body)
	}
	return text
}

// stripTags is the last-resort fallback when markdown conversion itself
// fails: a crude tag strip so classification still has something to read.
func stripTags(html string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}

// driveLinkKey is the Drive metadata field a mail RawItem carries when it
// references an attached/linked file; the Mail adapter populates it when
// it recognises a shared-drive link in the message body.
const driveLinkKey = "drive_link_ids"

func extractDriveLinks(raw domain.RawItem) []string {
	joined, ok := raw.Metadata[driveLinkKey]
	if !ok || joined == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(joined, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func errorKind(err error) string {
	switch {
	case domain.IsAuth(err):
		return "auth"
	case domain.IsTransient(err):
		return "transient"
	case domain.IsFatal(err):
		return "fatal"
	case errors.Is(err, domain.ErrRevisionConflict):
		return "revision_conflict"
	default:
		return "unknown"
	}
}
