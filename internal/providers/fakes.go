package providers

import (
	"context"
	"fmt"
	"sort"

	"aisync/internal/domain"
)

// FakeMailClient is an in-memory RemoteMailClient for tests. Messages are
// keyed by id; HistorySince returns ids with a sequence number greater than
// the cursor, encoded as a decimal string.
type FakeMailClient struct {
	Messages map[string]MailMessage
	seq      map[string]int
	next     int
	WatchErr error
	FetchErr error
}

func NewFakeMailClient() *FakeMailClient {
	return &FakeMailClient{Messages: map[string]MailMessage{}, seq: map[string]int{}}
}

// Add registers a message and advances the change feed.
func (f *FakeMailClient) Add(msg MailMessage) {
	f.next++
	f.Messages[msg.ID] = msg
	f.seq[msg.ID] = f.next
}

func (f *FakeMailClient) Watch(ctx context.Context, mailbox string) (string, string, error) {
	if f.WatchErr != nil {
		return "", "", f.WatchErr
	}
	return "chan-" + mailbox, "2099-01-01T00:00:00Z", nil
}

func (f *FakeMailClient) StopWatch(ctx context.Context, channel string) error { return nil }

func (f *FakeMailClient) HistorySince(ctx context.Context, mailbox, cursor string) ([]MailMessageSummary, string, error) {
	after := 0
	fmt.Sscanf(cursor, "%d", &after)
	var ids []string
	max := after
	for id, s := range f.seq {
		if s > after {
			ids = append(ids, id)
			if s > max {
				max = s
			}
		}
	}
	sort.Strings(ids)
	out := make([]MailMessageSummary, len(ids))
	for i, id := range ids {
		out[i] = MailMessageSummary{ID: id}
	}
	return out, fmt.Sprintf("%d", max), nil
}

func (f *FakeMailClient) GetMessage(ctx context.Context, mailbox, id string) (MailMessage, error) {
	if f.FetchErr != nil {
		return MailMessage{}, f.FetchErr
	}
	msg, ok := f.Messages[id]
	if !ok {
		return MailMessage{}, fmt.Errorf("%w: no such message %s", domain.ErrFatal, id)
	}
	return msg, nil
}

// FakeCalendarClient is an in-memory RemoteCalendarClient for tests, with
// the same sequence-cursor scheme as FakeMailClient.
type FakeCalendarClient struct {
	Events map[string]CalendarEvent
	seq    map[string]int
	next   int
}

func NewFakeCalendarClient() *FakeCalendarClient {
	return &FakeCalendarClient{Events: map[string]CalendarEvent{}, seq: map[string]int{}}
}

func (f *FakeCalendarClient) Add(ev CalendarEvent) {
	f.next++
	f.Events[ev.ID] = ev
	f.seq[ev.ID] = f.next
}

func (f *FakeCalendarClient) Watch(ctx context.Context, calendarID string) (string, string, error) {
	return "chan-" + calendarID, "2099-01-01T00:00:00Z", nil
}

func (f *FakeCalendarClient) StopWatch(ctx context.Context, channel string) error { return nil }

func (f *FakeCalendarClient) HistorySince(ctx context.Context, calendarID, cursor string) ([]CalendarEventSummary, string, error) {
	after := 0
	fmt.Sscanf(cursor, "%d", &after)
	var ids []string
	max := after
	for id, s := range f.seq {
		if s > after {
			ids = append(ids, id)
			if s > max {
				max = s
			}
		}
	}
	sort.Strings(ids)
	out := make([]CalendarEventSummary, len(ids))
	for i, id := range ids {
		out[i] = CalendarEventSummary{ID: id}
	}
	return out, fmt.Sprintf("%d", max), nil
}

func (f *FakeCalendarClient) GetEvent(ctx context.Context, calendarID, id string) (CalendarEvent, error) {
	ev, ok := f.Events[id]
	if !ok {
		return CalendarEvent{}, fmt.Errorf("%w: no such event %s", domain.ErrFatal, id)
	}
	return ev, nil
}
