package providers

import (
	"context"
	"regexp"
	"strings"
	"time"

	"aisync/internal/domain"
)

// virtualAddressRe recognises ai+<username>@<domain>, case-insensitive on
// the local part before "+", per §6's virtual email grammar.
var virtualAddressRe = regexp.MustCompile(`(?i)^ai\+([A-Za-z0-9]+)@`)

// MailMessageSummary is what a remote mail API returns from a history/list
// call: enough to know what changed without fetching the full message.
type MailMessageSummary struct {
	ID string
}

// MailMessage is a fetched message's provider-native shape, prior to being
// lifted into a domain.RawItem.
type MailMessage struct {
	ID           string
	Subject      string
	From         string
	To           []string
	Cc           []string
	Bcc          []string
	ReceivedAt   string // RFC3339
	PlainText    string
	HTMLBody     string
	AttachmentIDs []string
	Revision     string
	Deleted      bool
}

// RemoteMailClient is the thin boundary to the actual mail provider (e.g. a
// Gmail API client). The adapter owns retry/back-off and virtual-address
// recognition; the client owns transport and auth.
type RemoteMailClient interface {
	Watch(ctx context.Context, mailbox string) (channel string, expiry string, err error)
	StopWatch(ctx context.Context, channel string) error
	HistorySince(ctx context.Context, mailbox, cursor string) (changed []MailMessageSummary, newCursor string, err error)
	GetMessage(ctx context.Context, mailbox, id string) (MailMessage, error)
}

// MailAdapter implements Adapter over a shared inbox, recognising the
// ai+<username>@<domain> virtual address on the To/Cc/Bcc lines of each
// fetched message.
type MailAdapter struct {
	client RemoteMailClient
	domain string
	mailbox func(user domain.User) string
}

// NewMailAdapter builds a MailAdapter. mailboxFor resolves which shared
// mailbox to poll for a user (typically a constant shared inbox address,
// since virtual routing happens per-message, not per-mailbox).
func NewMailAdapter(client RemoteMailClient, fixedDomain string, mailboxFor func(domain.User) string) *MailAdapter {
	return &MailAdapter{client: client, domain: fixedDomain, mailbox: mailboxFor}
}

func (a *MailAdapter) Source() domain.Source { return domain.SourceMail }

func (a *MailAdapter) SetupWatch(ctx context.Context, user domain.User, resourceID string) (domain.Watch, error) {
	var w domain.Watch
	err := withRetry(ctx, func(ctx context.Context) error {
		channel, expiry, err := a.client.Watch(ctx, a.mailbox(user))
		if err != nil {
			return err
		}
		w = domain.Watch{OwnerID: user.ID, Source: domain.SourceMail, Channel: channel, Active: true}
		w.Expiry = parseTimeOrZero(expiry)
		return nil
	})
	return w, err
}

func (a *MailAdapter) StopWatch(ctx context.Context, watch domain.Watch) error {
	return withRetry(ctx, func(ctx context.Context) error { return a.client.StopWatch(ctx, watch.Channel) })
}

func (a *MailAdapter) Poll(ctx context.Context, user domain.User, cursor domain.SyncCursor) ([]string, domain.SyncCursor, error) {
	var changed []string
	next := cursor
	err := withRetry(ctx, func(ctx context.Context) error {
		summaries, newCursor, err := a.client.HistorySince(ctx, a.mailbox(user), cursor.Token)
		if err != nil {
			return err
		}
		changed = make([]string, 0, len(summaries))
		for _, s := range summaries {
			changed = append(changed, s.ID)
		}
		next = domain.SyncCursor{OwnerID: user.ID, Source: domain.SourceMail, Token: newCursor}
		return nil
	})
	if err != nil {
		return nil, domain.SyncCursor{}, err
	}
	return changed, next, nil
}

func (a *MailAdapter) FetchItem(ctx context.Context, user domain.User, sourceID string) (domain.RawItem, error) {
	var raw domain.RawItem
	err := withRetry(ctx, func(ctx context.Context) error {
		msg, err := a.client.GetMessage(ctx, a.mailbox(user), sourceID)
		if err != nil {
			return err
		}
		raw = mailMessageToRawItem(msg, a.domain)
		return nil
	})
	return raw, err
}

func mailMessageToRawItem(msg MailMessage, fixedDomain string) domain.RawItem {
	meta := map[string]string{
		"from": msg.From,
		"to":   strings.Join(msg.To, ","),
		"cc":   strings.Join(msg.Cc, ","),
		"bcc":  strings.Join(msg.Bcc, ","),
	}
	if username, ok := detectVirtualUsername(msg, fixedDomain); ok {
		meta["virtual_username"] = username
	}
	body := msg.PlainText
	bodyIsHTML := false
	if strings.TrimSpace(body) == "" && msg.HTMLBody != "" {
		body = msg.HTMLBody
		bodyIsHTML = true
	}
	return domain.RawItem{
		Source:     domain.SourceMail,
		SourceID:   msg.ID,
		Title:      msg.Subject,
		Author:     msg.From,
		Body:       body,
		BodyIsHTML: bodyIsHTML,
		Revision:   msg.Revision,
		Metadata:   meta,
		Deleted:    msg.Deleted,
	}
}

// detectVirtualUsername scans To/Cc/Bcc for ai+<username>@<domain>,
// matching case-insensitively on the local part. Messages without a match
// are still returned by FetchItem; filtering is the Pipeline's decision.
func detectVirtualUsername(msg MailMessage, fixedDomain string) (string, bool) {
	suffix := "@" + strings.ToLower(fixedDomain)
	for _, addr := range append(append(append([]string{}, msg.To...), msg.Cc...), msg.Bcc...) {
		lower := strings.ToLower(strings.TrimSpace(addr))
		if fixedDomain != "" && !strings.HasSuffix(lower, suffix) {
			continue
		}
		if m := virtualAddressRe.FindStringSubmatch(lower); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// parseTimeOrZero parses an RFC3339 timestamp, returning the zero time on
// any parse failure rather than erroring the whole adapter call.
func parseTimeOrZero(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
