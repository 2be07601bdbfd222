package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/driftwood-hq/mailsync/internal/authsvc"
	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/provider"
)

const me = "me"

// Adapter implements provider.Adapter for Gmail. Folders are Gmail
// labels; the delta cursor is the mailbox history id, with a page token
// prefix while a bounded backfill is still in flight.
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter from a resolved OAuth token.
func New(ctx context.Context, tok *authsvc.Token) (*Adapter, error) {
	oauthToken := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, oauthToken)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// ListFolders enumerates the account's labels. The label type (system or
// user) rides along as an attribute for the classifier.
func (a *Adapter) ListFolders(ctx context.Context) ([]provider.RemoteFolder, error) {
	resp, err := a.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	folders := make([]provider.RemoteFolder, 0, len(resp.Labels))
	for _, label := range resp.Labels {
		// Category sub-labels are views over the inbox, not folders.
		if strings.HasPrefix(label.Id, "CATEGORY_") {
			continue
		}
		folders = append(folders, provider.RemoteFolder{
			ExternalID: label.Id,
			Name:       label.Name,
			Attributes: []string{label.Type},
		})
	}
	return folders, nil
}

// FetchChanges returns one page of changes for a label. Cursor formats:
// "" (bounded full fetch), "p:<pageToken>|h:<historyID>" (backfill in
// progress), "h:<historyID>" (incremental via the history API) and
// "hp:<pageToken>|h:<historyID>" (history walk with unread pages left).
func (a *Adapter) FetchChanges(ctx context.Context, fld model.Folder, cursor string, opts provider.FetchOptions) (provider.ChangeSet, error) {
	switch {
	case cursor == "":
		return a.backfillPage(ctx, fld, "", 0, opts)
	case strings.HasPrefix(cursor, "p:"):
		pageToken, historyID, err := parseTokenCursor(cursor, "p:")
		if err != nil {
			return provider.ChangeSet{}, provider.ErrCursorExpired
		}
		return a.backfillPage(ctx, fld, pageToken, historyID, opts)
	case strings.HasPrefix(cursor, "hp:"):
		pageToken, historyID, err := parseTokenCursor(cursor, "hp:")
		if err != nil {
			return provider.ChangeSet{}, provider.ErrCursorExpired
		}
		return a.historyPage(ctx, fld, historyID, pageToken, opts)
	case strings.HasPrefix(cursor, "h:"):
		historyID, err := strconv.ParseUint(cursor[2:], 10, 64)
		if err != nil {
			return provider.ChangeSet{}, provider.ErrCursorExpired
		}
		return a.historyPage(ctx, fld, historyID, "", opts)
	default:
		return provider.ChangeSet{}, provider.ErrCursorExpired
	}
}

// Close is a no-op; the Gmail service holds no connection state.
func (a *Adapter) Close() error { return nil }

// backfillPage lists one page of messages within the lookback window.
// The mailbox history id is pinned when the backfill starts so the
// switch to incremental sync covers everything that arrived during it.
func (a *Adapter) backfillPage(ctx context.Context, fld model.Folder, pageToken string, historyID uint64, opts provider.FetchOptions) (provider.ChangeSet, error) {
	if historyID == 0 {
		profile, err := a.svc.Users.GetProfile(me).Context(ctx).Do()
		if err != nil {
			return provider.ChangeSet{}, classify(err)
		}
		historyID = profile.HistoryId
	}

	call := a.svc.Users.Messages.List(me).
		LabelIds(fld.ExternalID).
		MaxResults(int64(pageSize(opts))).
		Context(ctx)
	if opts.DaysBack > 0 {
		after := time.Now().AddDate(0, 0, -opts.DaysBack)
		call = call.Q(fmt.Sprintf("after:%s", after.Format("2006/01/02")))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	page, err := call.Do()
	if err != nil {
		return provider.ChangeSet{}, classify(err)
	}

	messages := make([]provider.RawMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		meta, err := a.svc.Users.Messages.Get(me, m.Id).Format("metadata").Context(ctx).Do()
		if err != nil {
			return provider.ChangeSet{}, classify(err)
		}
		messages = append(messages, normalize(meta))
	}

	cs := provider.ChangeSet{Messages: messages}
	if page.NextPageToken != "" {
		cs.NewCursor = fmt.Sprintf("p:%s|h:%d", page.NextPageToken, historyID)
		cs.MoreAvailable = true
	} else {
		cs.NewCursor = fmt.Sprintf("h:%d", historyID)
	}
	return cs, nil
}

// historyPage walks the history API from the stored history id, keeping
// only records that touched this label. While the listing is paginated
// the cursor carries the page token plus the highest record id already
// persisted, never the mailbox head: adopting page.HistoryId early would
// point the cursor past the unread pages. Gmail prunes history after
// about a week; a pruned id surfaces as ErrCursorExpired.
func (a *Adapter) historyPage(ctx context.Context, fld model.Folder, startHistoryID uint64, pageToken string, opts provider.FetchOptions) (provider.ChangeSet, error) {
	call := a.svc.Users.History.List(me).
		StartHistoryId(startHistoryID).
		LabelId(fld.ExternalID).
		MaxResults(int64(pageSize(opts))).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	page, err := call.Do()
	if err != nil {
		if isHistoryExpired(err) {
			return provider.ChangeSet{}, provider.ErrCursorExpired
		}
		return provider.ChangeSet{}, classify(err)
	}

	latest := startHistoryID
	seen := make(map[string]bool)
	var messages []provider.RawMessage

	for _, history := range page.History {
		if history.Id > latest {
			latest = history.Id
		}
		for _, record := range history.MessagesAdded {
			msgID := record.Message.Id
			if seen[msgID] {
				continue
			}
			seen[msgID] = true

			meta, err := a.svc.Users.Messages.Get(me, msgID).Format("metadata").Context(ctx).Do()
			if err != nil {
				// The message may have been deleted between the
				// history record and now.
				if isNotFound(err) {
					continue
				}
				return provider.ChangeSet{}, classify(err)
			}
			messages = append(messages, normalize(meta))
		}
	}

	if page.NextPageToken != "" {
		return provider.ChangeSet{
			Messages:      messages,
			NewCursor:     fmt.Sprintf("hp:%s|h:%d", page.NextPageToken, latest),
			MoreAvailable: true,
		}, nil
	}

	if page.HistoryId > latest {
		latest = page.HistoryId
	}

	return provider.ChangeSet{
		Messages:  messages,
		NewCursor: fmt.Sprintf("h:%d", latest),
	}, nil
}

// normalize converts a Gmail message into the provider-neutral shape.
func normalize(m *gmail.Message) provider.RawMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	return provider.RawMessage{
		MessageID:    m.Id,
		ThreadID:     m.ThreadId,
		Subject:      headers["Subject"],
		Sender:       headers["From"],
		To:           splitAddrs(headers["To"]),
		Cc:           splitAddrs(headers["Cc"]),
		Snippet:      m.Snippet,
		Flags:        m.LabelIds,
		InternalDate: time.UnixMilli(m.InternalDate),
	}
}

// splitAddrs parses a comma-separated address header.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseTokenCursor splits "<prefix><token>|h:<historyID>".
func parseTokenCursor(cursor, prefix string) (string, uint64, error) {
	body := strings.TrimPrefix(cursor, prefix)
	idx := strings.LastIndex(body, "|h:")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed paging cursor")
	}
	historyID, err := strconv.ParseUint(body[idx+3:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed paging cursor: %w", err)
	}
	return body[:idx], historyID, nil
}

// classify maps Gmail API failures onto the adapter error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return provider.Auth(err)
		case gerr.Code == 403 && isRateReason(gerr):
			return provider.RateLimited(err, retryAfter(gerr))
		case gerr.Code == 403:
			return provider.Auth(err)
		case gerr.Code == 429:
			return provider.RateLimited(err, retryAfter(gerr))
		case gerr.Code >= 500:
			return provider.Transient(err)
		default:
			return provider.Fatal(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient(err)
	}
	return provider.Fatal(err)
}

// isRateReason reports whether a 403 is a quota rejection rather than a
// permission problem.
func isRateReason(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// retryAfter extracts a provider-suggested delay, when present.
func retryAfter(gerr *googleapi.Error) time.Duration {
	if v := gerr.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// isHistoryExpired reports whether the history id was pruned server
// side. Gmail answers 404 for expired start history ids.
func isHistoryExpired(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 404
	}
	return strings.Contains(err.Error(), "historyId")
}

// isNotFound reports a plain 404.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

// pageSize applies the default page bound.
func pageSize(opts provider.FetchOptions) int {
	if opts.PageSize <= 0 {
		return 100
	}
	return opts.PageSize
}
