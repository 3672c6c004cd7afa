package watchmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
	"aisync/internal/providers"
	"aisync/internal/store"
)

type fakeAdapter struct {
	source       domain.Source
	setupErr     error
	stopErr      error
	setupCalls   int
	stopCalls    int
	newExpiry    time.Time
}

func (f *fakeAdapter) Source() domain.Source { return f.source }
func (f *fakeAdapter) SetupWatch(ctx context.Context, user domain.User, resourceID string) (domain.Watch, error) {
	f.setupCalls++
	if f.setupErr != nil {
		return domain.Watch{}, f.setupErr
	}
	return domain.Watch{OwnerID: user.ID, Source: f.source, ResourceID: resourceID, Channel: "new-chan", Active: true, Expiry: f.newExpiry}, nil
}
func (f *fakeAdapter) StopWatch(ctx context.Context, watch domain.Watch) error {
	f.stopCalls++
	return f.stopErr
}
func (f *fakeAdapter) Poll(ctx context.Context, user domain.User, cursor domain.SyncCursor) ([]string, domain.SyncCursor, error) {
	return nil, cursor, nil
}
func (f *fakeAdapter) FetchItem(ctx context.Context, user domain.User, sourceID string) (domain.RawItem, error) {
	return domain.RawItem{}, nil
}

var _ providers.Adapter = (*fakeAdapter)(nil)

func TestScanOnce_RenewsExpiringWatch(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedUser(domain.User{ID: "user-1", Active: true})
	now := time.Now()
	require.NoError(t, mem.PutWatch(context.Background(), domain.Watch{ID: "watch-1", OwnerID: "user-1", Source: domain.SourceMail, Channel: "old-chan", Active: true, Expiry: now.Add(12 * time.Hour)}))

	adapter := &fakeAdapter{source: domain.SourceMail, newExpiry: now.Add(48 * time.Hour)}
	m := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, 25*time.Hour, nil)

	err := m.ScanOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.setupCalls)
	assert.Equal(t, 1, adapter.stopCalls)

	active, err := mem.GetActiveWatch(context.Background(), "user-1", domain.SourceMail, "")
	require.NoError(t, err)
	assert.Equal(t, "new-chan", active.Channel)
	assert.True(t, active.Expiry.Sub(now) >= 24*time.Hour)
}

func TestScanOnce_IgnoresWatchNotYetExpiring(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedUser(domain.User{ID: "user-1", Active: true})
	now := time.Now()
	require.NoError(t, mem.PutWatch(context.Background(), domain.Watch{ID: "watch-1", OwnerID: "user-1", Source: domain.SourceMail, Active: true, Expiry: now.Add(72 * time.Hour)}))

	adapter := &fakeAdapter{source: domain.SourceMail}
	m := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, 25*time.Hour, nil)

	err := m.ScanOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, adapter.setupCalls)
}

func TestScanOnce_DeactivatesAfterThreeFailures(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedUser(domain.User{ID: "user-1", Active: true})
	now := time.Now()
	require.NoError(t, mem.PutWatch(context.Background(), domain.Watch{ID: "watch-1", OwnerID: "user-1", Source: domain.SourceMail, Active: true, Expiry: now.Add(12 * time.Hour), FailCount: 2}))

	adapter := &fakeAdapter{source: domain.SourceMail, setupErr: errors.New("provider rejected renewal")}
	var alerted []domain.Watch
	m := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, 25*time.Hour, func(w domain.Watch) { alerted = append(alerted, w) })

	err := m.ScanOnce(context.Background(), now)
	require.NoError(t, err) // ScanOnce logs per-watch failures, never returns them

	require.Len(t, alerted, 1)
	assert.Equal(t, 3, alerted[0].FailCount)

	_, err = mem.GetActiveWatch(context.Background(), "user-1", domain.SourceMail, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRenewOne_ForcesImmediateRenewal(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedUser(domain.User{ID: "user-1", Active: true})
	now := time.Now()
	require.NoError(t, mem.PutWatch(context.Background(), domain.Watch{ID: "watch-1", OwnerID: "user-1", Source: domain.SourceMail, Channel: "old-chan", Active: true, Expiry: now.Add(72 * time.Hour)}))

	adapter := &fakeAdapter{source: domain.SourceMail, newExpiry: now.Add(48 * time.Hour)}
	m := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, 25*time.Hour, nil)

	require.NoError(t, m.RenewOne(context.Background(), "user-1", domain.SourceMail, ""))
	assert.Equal(t, 1, adapter.setupCalls)

	active, err := mem.GetActiveWatch(context.Background(), "user-1", domain.SourceMail, "")
	require.NoError(t, err)
	assert.Equal(t, "new-chan", active.Channel)
}

func TestRenewOne_NoActiveWatchReturnsError(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedUser(domain.User{ID: "user-1", Active: true})
	m := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: &fakeAdapter{source: domain.SourceMail}}, 25*time.Hour, nil)

	err := m.RenewOne(context.Background(), "user-1", domain.SourceMail, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScanOnce_RetriesBelowThreshold(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedUser(domain.User{ID: "user-1", Active: true})
	now := time.Now()
	require.NoError(t, mem.PutWatch(context.Background(), domain.Watch{ID: "watch-1", OwnerID: "user-1", Source: domain.SourceMail, Active: true, Expiry: now.Add(12 * time.Hour), FailCount: 0}))

	adapter := &fakeAdapter{source: domain.SourceMail, setupErr: errors.New("transient provider error")}
	var alerted []domain.Watch
	m := New(mem, map[domain.Source]providers.Adapter{domain.SourceMail: adapter}, 25*time.Hour, func(w domain.Watch) { alerted = append(alerted, w) })

	err := m.ScanOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, alerted)

	active, err := mem.GetActiveWatch(context.Background(), "user-1", domain.SourceMail, "")
	require.NoError(t, err)
	assert.Equal(t, 1, active.FailCount)
	assert.True(t, active.Active)
}
