package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
	"aisync/internal/providers"
	"aisync/internal/store"
)

type fakeAdapter struct {
	source  domain.Source
	changed []string
	next    domain.SyncCursor
	err     error
}

func (f *fakeAdapter) Source() domain.Source { return f.source }
func (f *fakeAdapter) SetupWatch(ctx context.Context, user domain.User, resourceID string) (domain.Watch, error) {
	return domain.Watch{}, nil
}
func (f *fakeAdapter) StopWatch(ctx context.Context, watch domain.Watch) error { return nil }
func (f *fakeAdapter) Poll(ctx context.Context, user domain.User, cursor domain.SyncCursor) ([]string, domain.SyncCursor, error) {
	if f.err != nil {
		return nil, domain.SyncCursor{}, f.err
	}
	return f.changed, f.next, nil
}
func (f *fakeAdapter) FetchItem(ctx context.Context, user domain.User, sourceID string) (domain.RawItem, error) {
	return domain.RawItem{}, nil
}

var _ providers.Adapter = (*fakeAdapter)(nil)

func TestTick_EnqueuesAllAndAdvancesCursor(t *testing.T) {
	mem := store.NewMemoryStore()
	adapter := &fakeAdapter{source: domain.SourceMail, changed: []string{"a", "b", "c"}, next: domain.SyncCursor{OwnerID: "user-1", Source: domain.SourceMail, Token: "tok-2"}}

	var mu sync.Mutex
	var ingested []string
	ingest := func(ctx context.Context, user domain.User, source domain.Source, sourceID string) (domain.Outcome, error) {
		mu.Lock()
		ingested = append(ingested, sourceID)
		mu.Unlock()
		return domain.OutcomeCreated, nil
	}

	p := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, ingest, 2)
	err := p.Tick(context.Background(), domain.User{ID: "user-1"}, domain.SourceMail)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, ingested)
	cursor, err := mem.GetCursor(context.Background(), "user-1", domain.SourceMail)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cursor.Token)
}

func TestTick_PollFailureLeavesCursorUntouched(t *testing.T) {
	mem := store.NewMemoryStore()
	require.NoError(t, mem.PutCursor(context.Background(), domain.SyncCursor{OwnerID: "user-1", Source: domain.SourceMail, Token: "tok-1"}))
	adapter := &fakeAdapter{source: domain.SourceMail, err: fmt.Errorf("%w: timeout", domain.ErrTransient)}

	p := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, nil, 0)
	err := p.Tick(context.Background(), domain.User{ID: "user-1"}, domain.SourceMail)
	require.Error(t, err)

	cursor, err := mem.GetCursor(context.Background(), "user-1", domain.SourceMail)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cursor.Token)
}

func TestTick_IngestFailureLeavesCursorUntouched(t *testing.T) {
	mem := store.NewMemoryStore()
	require.NoError(t, mem.PutCursor(context.Background(), domain.SyncCursor{OwnerID: "user-1", Source: domain.SourceMail, Token: "tok-1"}))
	adapter := &fakeAdapter{source: domain.SourceMail, changed: []string{"a", "b"}, next: domain.SyncCursor{OwnerID: "user-1", Source: domain.SourceMail, Token: "tok-2"}}

	ingest := func(ctx context.Context, user domain.User, source domain.Source, sourceID string) (domain.Outcome, error) {
		if sourceID == "b" {
			return domain.OutcomeFailed, errors.New("boom")
		}
		return domain.OutcomeCreated, nil
	}

	p := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, ingest, 2)
	err := p.Tick(context.Background(), domain.User{ID: "user-1"}, domain.SourceMail)
	require.Error(t, err)

	cursor, err := mem.GetCursor(context.Background(), "user-1", domain.SourceMail)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cursor.Token)
}

func TestTick_NoChangesStillAdvancesCursor(t *testing.T) {
	mem := store.NewMemoryStore()
	adapter := &fakeAdapter{source: domain.SourceMail, next: domain.SyncCursor{OwnerID: "user-1", Source: domain.SourceMail, Token: "tok-3"}}

	p := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, nil, 0)
	err := p.Tick(context.Background(), domain.User{ID: "user-1"}, domain.SourceMail)
	require.NoError(t, err)

	cursor, err := mem.GetCursor(context.Background(), "user-1", domain.SourceMail)
	require.NoError(t, err)
	assert.Equal(t, "tok-3", cursor.Token)
}

func TestTick_UnknownSourceIsFatal(t *testing.T) {
	mem := store.NewMemoryStore()
	p := New(mem, map[domain.Source]providers.Adapter{}, nil, 0)
	err := p.Tick(context.Background(), domain.User{ID: "user-1"}, domain.SourceCalendar)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatal)
}
