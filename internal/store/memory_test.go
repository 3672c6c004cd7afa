package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
)

func TestMemoryStoreUpsertItemDedupes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.UpsertItem(ctx, domain.Item{
		Source: domain.SourceMail, SourceID: "msg-1", OwnerID: "u1", Status: domain.ItemPending,
	})
	require.NoError(t, err)
	require.False(t, first.Existed)

	second, err := s.UpsertItem(ctx, domain.Item{
		Source: domain.SourceMail, SourceID: "msg-1", OwnerID: "u1", Status: domain.ItemPending,
	})
	require.NoError(t, err)
	require.True(t, second.Existed)
	require.Equal(t, first.Item.ID, second.Item.ID)

	got, err := s.GetItemByKey(ctx, domain.SourceMail, "msg-1")
	require.NoError(t, err)
	require.Equal(t, first.Item.ID, got.ID)
}

func TestMemoryStoreWatchUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutWatch(ctx, domain.Watch{ID: "w1", OwnerID: "u1", Source: domain.SourceDrive, Active: true}))
	require.NoError(t, s.PutWatch(ctx, domain.Watch{ID: "w2", OwnerID: "u1", Source: domain.SourceDrive, Active: true}))

	w1, err := s.GetActiveWatch(ctx, "u1", domain.SourceDrive, "")
	require.NoError(t, err)
	require.Equal(t, "w2", w1.ID)

	old, err := s.GetItem(ctx, "does-not-exist")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, old.ID)
}

func TestMemoryStoreCursorRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	zero, err := s.GetCursor(ctx, "u1", domain.SourceMail)
	require.NoError(t, err)
	require.Empty(t, zero.Token)

	require.NoError(t, s.PutCursor(ctx, domain.SyncCursor{OwnerID: "u1", Source: domain.SourceMail, Token: "tok-1"}))
	got, err := s.GetCursor(ctx, "u1", domain.SourceMail)
	require.NoError(t, err)
	require.Equal(t, "tok-1", got.Token)
}
