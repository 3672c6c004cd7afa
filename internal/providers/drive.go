package providers

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"aisync/internal/domain"
	"aisync/internal/objectstore"
)

// textualMimePrefixes are the object content-types the adapter decodes
// directly into RawItem.Body; anything else is fetched with an empty body,
// which the Pipeline replaces with a metadata-only placeholder.
var textualMimePrefixes = []string{"text/", "application/json", "application/xml"}

// DriveAdapter implements Adapter over a Drive-like object store: the
// object store *is* the source, per §1 ("files shared into a Drive-like
// object store"), so Poll compares LastModified against the cursor rather
// than calling a separate provider change-feed.
type DriveAdapter struct {
	store  objectstore.ObjectStore
	prefix func(user domain.User) string
}

// NewDriveAdapter builds a DriveAdapter scoped to the bucket behind store;
// prefixOf resolves which key prefix holds a given user's files.
func NewDriveAdapter(store objectstore.ObjectStore, prefixOf func(domain.User) string) *DriveAdapter {
	return &DriveAdapter{store: store, prefix: prefixOf}
}

func (a *DriveAdapter) Source() domain.Source { return domain.SourceDrive }

// SetupWatch has no provider push channel to create (the object store has
// no native subscription API); the Watch Manager still tracks an
// expiry-carrying row so renewal-scan logic is uniform across sources. The
// "channel" is synthetic and expires seven days after it is set up.
func (a *DriveAdapter) SetupWatch(ctx context.Context, user domain.User, resourceID string) (domain.Watch, error) {
	return domain.Watch{
		OwnerID:    user.ID,
		Source:     domain.SourceDrive,
		ResourceID: resourceID,
		Channel:    "poll-only:" + user.ID,
		Expiry:     time.Now().Add(7 * 24 * time.Hour),
		Active:     true,
	}, nil
}

func (a *DriveAdapter) StopWatch(ctx context.Context, watch domain.Watch) error { return nil }

func (a *DriveAdapter) Poll(ctx context.Context, user domain.User, cursor domain.SyncCursor) ([]string, domain.SyncCursor, error) {
	var changed []string
	var newest time.Time
	if cursor.Token != "" {
		if t, err := time.Parse(time.RFC3339Nano, cursor.Token); err == nil {
			newest = t
		}
	}
	cutoff := newest
	err := withRetry(ctx, func(ctx context.Context) error {
		result, err := a.store.List(ctx, objectstore.ListOptions{Prefix: a.prefix(user)})
		if err != nil {
			return classifyObjectStoreErr(err)
		}
		for _, obj := range result.Objects {
			if obj.IsPrefix {
				continue
			}
			if obj.LastModified.After(cutoff) {
				changed = append(changed, strings.TrimPrefix(obj.Key, a.prefix(user)))
				if obj.LastModified.After(newest) {
					newest = obj.LastModified
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.SyncCursor{}, err
	}
	token := cursor.Token
	if !newest.IsZero() {
		token = newest.Format(time.RFC3339Nano)
	}
	return changed, domain.SyncCursor{OwnerID: user.ID, Source: domain.SourceDrive, Token: token}, nil
}

func (a *DriveAdapter) FetchItem(ctx context.Context, user domain.User, sourceID string) (domain.RawItem, error) {
	key := a.prefix(user) + sourceID
	var raw domain.RawItem
	err := withRetry(ctx, func(ctx context.Context) error {
		attrs, err := a.store.Head(ctx, key)
		if err != nil {
			if err == objectstore.ErrNotFound {
				raw = domain.RawItem{Source: domain.SourceDrive, SourceID: sourceID, Deleted: true}
				return nil
			}
			return classifyObjectStoreErr(err)
		}
		body := ""
		if isTextual(attrs.ContentType) {
			rc, _, err := a.store.Get(ctx, key)
			if err != nil {
				return classifyObjectStoreErr(err)
			}
			defer rc.Close()
			data, err := io.ReadAll(io.LimitReader(rc, 10<<20))
			if err != nil {
				return fmt.Errorf("read drive object %s: %w: %w", key, err, domain.ErrTransient)
			}
			body = string(data)
		}
		raw = domain.RawItem{
			Source:   domain.SourceDrive,
			SourceID: sourceID,
			Title:    sourceID,
			Body:     body,
			Revision: attrs.ETag,
			Metadata: map[string]string{
				"mime_type": attrs.ContentType,
				"size":      strconv.FormatInt(attrs.Size, 10),
			},
		}
		return nil
	})
	return raw, err
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, p := range textualMimePrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// classifyObjectStoreErr maps objectstore sentinel errors onto the shared
// TransientError/FatalError vocabulary every adapter call returns.
func classifyObjectStoreErr(err error) error {
	switch err {
	case objectstore.ErrNotFound, objectstore.ErrInvalidKey:
		return fmt.Errorf("%w: %w", domain.ErrFatal, err)
	case objectstore.ErrAccessDenied:
		return fmt.Errorf("%w: %w", domain.ErrAuth, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
}
