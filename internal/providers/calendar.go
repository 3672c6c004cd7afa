package providers

import (
	"context"
	"strings"

	"aisync/internal/domain"
)

// CalendarEventSummary is a lightweight change-feed entry.
type CalendarEventSummary struct {
	ID string
}

// CalendarEvent is a fetched event's provider-native shape.
type CalendarEvent struct {
	ID          string
	Title       string
	Description string
	Organizer   string
	Attendees   []string
	Start       string // RFC3339
	End         string // RFC3339
	Revision    string
	Deleted     bool
}

// RemoteCalendarClient is the thin boundary to the actual calendar
// provider (e.g. a Google Calendar API client).
type RemoteCalendarClient interface {
	Watch(ctx context.Context, calendarID string) (channel string, expiry string, err error)
	StopWatch(ctx context.Context, channel string) error
	HistorySince(ctx context.Context, calendarID, cursor string) (changed []CalendarEventSummary, newCursor string, err error)
	GetEvent(ctx context.Context, calendarID, id string) (CalendarEvent, error)
}

// CalendarAdapter implements Adapter over one calendar per user.
type CalendarAdapter struct {
	client     RemoteCalendarClient
	calendarOf func(user domain.User) string
}

// NewCalendarAdapter builds a CalendarAdapter. calendarOf resolves which
// calendar id to poll for a user (typically their primary calendar).
func NewCalendarAdapter(client RemoteCalendarClient, calendarOf func(domain.User) string) *CalendarAdapter {
	return &CalendarAdapter{client: client, calendarOf: calendarOf}
}

func (a *CalendarAdapter) Source() domain.Source { return domain.SourceCalendar }

func (a *CalendarAdapter) SetupWatch(ctx context.Context, user domain.User, resourceID string) (domain.Watch, error) {
	var w domain.Watch
	err := withRetry(ctx, func(ctx context.Context) error {
		channel, expiry, err := a.client.Watch(ctx, a.calendarOf(user))
		if err != nil {
			return err
		}
		w = domain.Watch{OwnerID: user.ID, Source: domain.SourceCalendar, Channel: channel, Active: true, Expiry: parseTimeOrZero(expiry)}
		return nil
	})
	return w, err
}

func (a *CalendarAdapter) StopWatch(ctx context.Context, watch domain.Watch) error {
	return withRetry(ctx, func(ctx context.Context) error { return a.client.StopWatch(ctx, watch.Channel) })
}

func (a *CalendarAdapter) Poll(ctx context.Context, user domain.User, cursor domain.SyncCursor) ([]string, domain.SyncCursor, error) {
	var changed []string
	next := cursor
	err := withRetry(ctx, func(ctx context.Context) error {
		summaries, newCursor, err := a.client.HistorySince(ctx, a.calendarOf(user), cursor.Token)
		if err != nil {
			return err
		}
		changed = make([]string, 0, len(summaries))
		for _, s := range summaries {
			changed = append(changed, s.ID)
		}
		next = domain.SyncCursor{OwnerID: user.ID, Source: domain.SourceCalendar, Token: newCursor}
		return nil
	})
	if err != nil {
		return nil, domain.SyncCursor{}, err
	}
	return changed, next, nil
}

func (a *CalendarAdapter) FetchItem(ctx context.Context, user domain.User, sourceID string) (domain.RawItem, error) {
	var raw domain.RawItem
	err := withRetry(ctx, func(ctx context.Context) error {
		ev, err := a.client.GetEvent(ctx, a.calendarOf(user), sourceID)
		if err != nil {
			return err
		}
		raw = calendarEventToRawItem(ev)
		return nil
	})
	return raw, err
}

// calendarEventToRawItem concatenates title + description + attendees into
// the body, per §4.7 step 3's calendar extraction rule.
func calendarEventToRawItem(ev CalendarEvent) domain.RawItem {
	var b strings.Builder
	b.WriteString(ev.Title)
	if ev.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(ev.Description)
	}
	if len(ev.Attendees) > 0 {
		b.WriteString("\n\nAttendees: ")
		b.WriteString(strings.Join(ev.Attendees, ", "))
	}
	return domain.RawItem{
		Source:   domain.SourceCalendar,
		SourceID: ev.ID,
		Title:    ev.Title,
		Author:   ev.Organizer,
		Body:     b.String(),
		Revision: ev.Revision,
		Metadata: map[string]string{
			"attendees": strings.Join(ev.Attendees, ","),
			"start":     ev.Start,
			"end":       ev.End,
		},
		Deleted: ev.Deleted,
	}
}
