package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/driftwood-hq/mailsync/internal/authsvc"
	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/provider"
)

// cursorPrefix marks a receivedDateTime watermark cursor.
const cursorPrefix = "t:"

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients",
	"ccRecipients", "bodyPreview", "receivedDateTime", "isRead",
}

// Adapter implements provider.Adapter for Microsoft Graph. Folders are
// mailFolders; the delta cursor is a receivedDateTime watermark per
// folder, advanced only past fully persisted pages.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates a Graph adapter from a resolved OAuth token. The token is
// wrapped in a static azcore credential; refresh is the auth service's
// problem, not ours.
func New(ctx context.Context, tok *authsvc.Token, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("creating graph client: %w", err)
	}
	return &Adapter{client: client, userID: userID}, nil
}

// ListFolders enumerates the account's mail folders.
func (a *Adapter) ListFolders(ctx context.Context) ([]provider.RemoteFolder, error) {
	requestConfig := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top: int32Ptr(100),
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).MailFolders().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(err)
	}

	var folders []provider.RemoteFolder
	for _, mf := range result.GetValue() {
		rf := provider.RemoteFolder{}
		if id := mf.GetId(); id != nil {
			rf.ExternalID = *id
		}
		if name := mf.GetDisplayName(); name != nil {
			rf.Name = *name
		}
		if rf.ExternalID == "" || rf.Name == "" {
			continue
		}
		folders = append(folders, rf)
	}
	return folders, nil
}

// FetchChanges returns one page of messages received after the
// watermark, oldest first so the watermark only ever moves forward. An
// empty cursor starts from the lookback bound.
func (a *Adapter) FetchChanges(ctx context.Context, fld model.Folder, cursor string, opts provider.FetchOptions) (provider.ChangeSet, error) {
	since, err := watermark(cursor, opts.DaysBack)
	if err != nil {
		return provider.ChangeSet{}, provider.ErrCursorExpired
	}

	top := int32(pageSize(opts))
	filter := receivedFilter(since)
	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Select:  messageSelect,
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).
		MailFolders().ByMailFolderId(fld.ExternalID).
		Messages().Get(ctx, requestConfig)
	if err != nil {
		return provider.ChangeSet{}, classify(err)
	}

	values := result.GetValue()
	messages := make([]provider.RawMessage, 0, len(values))
	newWatermark := since
	for _, msg := range values {
		raw := normalize(msg)
		messages = append(messages, raw)
		if raw.InternalDate.After(newWatermark) {
			newWatermark = raw.InternalDate
		}
	}

	return provider.ChangeSet{
		Messages:      messages,
		NewCursor:     cursorPrefix + newWatermark.UTC().Format(time.RFC3339Nano),
		MoreAvailable: len(values) == int(top),
	}, nil
}

// Close is a no-op; the Graph client holds no connection state.
func (a *Adapter) Close() error { return nil }

// receivedFilter bounds a fetch to messages received at or after the
// watermark. The bound is inclusive: Graph timestamps have second
// resolution, so a strict greater-than would drop messages sharing the
// boundary second that land on a later page. Refetching the boundary
// messages is a no-op thanks to the (account_id, message_id) dedup.
func receivedFilter(since time.Time) string {
	return fmt.Sprintf("receivedDateTime ge %s", since.Format(time.RFC3339))
}

// watermark decodes a cursor into the fetch-after bound. Empty cursors
// bound the fetch to the lookback window instead of all-time history.
func watermark(cursor string, daysBack int) (time.Time, error) {
	if cursor == "" {
		if daysBack <= 0 {
			daysBack = 30
		}
		return time.Now().AddDate(0, 0, -daysBack).UTC(), nil
	}
	if !strings.HasPrefix(cursor, cursorPrefix) {
		return time.Time{}, fmt.Errorf("malformed cursor %q", cursor)
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(cursor, cursorPrefix))
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return t, nil
}

// normalize converts a Graph message into the provider-neutral shape.
func normalize(m models.Messageable) provider.RawMessage {
	raw := provider.RawMessage{}

	if id := m.GetId(); id != nil {
		raw.MessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		raw.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		raw.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				raw.Sender = *addr
			}
		}
	}
	raw.To = extractAddresses(m.GetToRecipients())
	raw.Cc = extractAddresses(m.GetCcRecipients())
	if preview := m.GetBodyPreview(); preview != nil {
		raw.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = *rcvd
	}
	if isRead := m.GetIsRead(); isRead != nil && *isRead {
		raw.Flags = append(raw.Flags, "read")
	}
	return raw
}

// extractAddresses flattens recipient lists into bare addresses.
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// classify maps Graph failures onto the adapter error taxonomy.
func classify(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch code := odataErr.ResponseStatusCode; {
		case code == 401 || code == 403:
			return provider.Auth(err)
		case code == 429:
			return provider.RateLimited(err, retryAfter(odataErr))
		case code >= 500:
			return provider.Transient(err)
		case code == 410:
			// Gone: the sync state Graph tracked for us is invalid.
			return provider.ErrCursorExpired
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

// retryAfter extracts the Retry-After delay Graph sends with throttling
// rejections.
func retryAfter(err *odataerrors.ODataError) time.Duration {
	if err.ResponseHeaders == nil {
		return 0
	}
	for _, v := range err.ResponseHeaders.Get("Retry-After") {
		if secs, convErr := strconv.Atoi(v); convErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// pageSize applies the default page bound.
func pageSize(opts provider.FetchOptions) int {
	if opts.PageSize <= 0 {
		return 100
	}
	return opts.PageSize
}

// staticTokenCredential adapts an already-resolved access token to the
// azcore credential interface.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}

func int32Ptr(i int32) *int32 { return &i }
