package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
	"aisync/internal/objectstore"
)

func TestDetectVirtualUsername(t *testing.T) {
	msg := MailMessage{To: []string{"Ai+Marta@corp.example"}, Cc: []string{"team@corp.example"}}
	username, ok := detectVirtualUsername(msg, "corp.example")
	require.True(t, ok)
	assert.Equal(t, "marta", username)

	msg2 := MailMessage{To: []string{"marta@other.example"}}
	_, ok2 := detectVirtualUsername(msg2, "corp.example")
	assert.False(t, ok2)
}

func TestWithRetryRetriesTransientOnly(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("%w: flaky", domain.ErrTransient)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = withRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: nope", domain.ErrFatal)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, domain.ErrFatal))
}

func TestMailAdapterPollAndFetch(t *testing.T) {
	client := NewFakeMailClient()
	client.Add(MailMessage{ID: "m1", Subject: "hi", PlainText: "body", To: []string{"ai+bob@corp.example"}})
	adapter := NewMailAdapter(client, "corp.example", func(u domain.User) string { return "shared-inbox" })

	user := domain.User{ID: "u1"}
	changed, cursor, err := adapter.Poll(context.Background(), user, domain.SyncCursor{})
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, changed)
	assert.Equal(t, "1", cursor.Token)

	raw, err := adapter.FetchItem(context.Background(), user, "m1")
	require.NoError(t, err)
	assert.Equal(t, "hi", raw.Title)
	assert.Equal(t, "bob", raw.Metadata["virtual_username"])

	changed2, _, err := adapter.Poll(context.Background(), user, cursor)
	require.NoError(t, err)
	assert.Empty(t, changed2)
}

func TestCalendarAdapterPollAndFetch(t *testing.T) {
	client := NewFakeCalendarClient()
	client.Add(CalendarEvent{ID: "e1", Title: "Standup", Attendees: []string{"a@x.com", "b@x.com"}})
	adapter := NewCalendarAdapter(client, func(u domain.User) string { return "primary" })

	user := domain.User{ID: "u1"}
	changed, cursor, err := adapter.Poll(context.Background(), user, domain.SyncCursor{})
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, changed)

	raw, err := adapter.FetchItem(context.Background(), user, "e1")
	require.NoError(t, err)
	assert.Contains(t, raw.Body, "Standup")
	assert.Contains(t, raw.Body, "a@x.com, b@x.com")
	assert.Equal(t, "1", cursor.Token)
}

func TestDriveAdapterPollDetectsNewAndUpdatedObjects(t *testing.T) {
	store := objectstore.NewMemoryStore()
	adapter := NewDriveAdapter(store, func(u domain.User) string { return "users/" + u.ID + "/" })
	user := domain.User{ID: "u1"}

	_, err := store.Put(context.Background(), "users/u1/doc.txt", strings.NewReader("hello"), objectstore.PutOptions{ContentType: "text/plain"})
	require.NoError(t, err)

	changed, cursor, err := adapter.Poll(context.Background(), user, domain.SyncCursor{})
	require.NoError(t, err)
	require.Equal(t, []string{"doc.txt"}, changed)

	raw, err := adapter.FetchItem(context.Background(), user, "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", raw.Body)

	changed2, _, err := adapter.Poll(context.Background(), user, cursor)
	require.NoError(t, err)
	assert.Empty(t, changed2)

	time.Sleep(2 * time.Millisecond)
	_, err = store.Put(context.Background(), "users/u1/doc.bin", strings.NewReader("\x00\x01"), objectstore.PutOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	changed3, _, err := adapter.Poll(context.Background(), user, cursor)
	require.NoError(t, err)
	require.Equal(t, []string{"doc.bin"}, changed3)

	raw2, err := adapter.FetchItem(context.Background(), user, "doc.bin")
	require.NoError(t, err)
	assert.Empty(t, raw2.Body, "binary objects are left for the pipeline's placeholder path")
}

func TestDriveAdapterFetchMissingIsTombstone(t *testing.T) {
	store := objectstore.NewMemoryStore()
	adapter := NewDriveAdapter(store, func(u domain.User) string { return "users/" + u.ID + "/" })
	raw, err := adapter.FetchItem(context.Background(), domain.User{ID: "u1"}, "missing.txt")
	require.NoError(t, err)
	assert.True(t, raw.Deleted)
}
