package imapx

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/provider"
)

// Credentials is the IMAP connection material stored (opaquely to the
// rest of the core) in the account's auth blob.
type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ParseCredentials decodes an account auth blob.
func ParseCredentials(blob string) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return Credentials{}, fmt.Errorf("decoding imap credentials: %w", err)
	}
	if c.Host == "" || c.Username == "" {
		return Credentials{}, fmt.Errorf("imap credentials missing host or username")
	}
	if c.Port == 0 {
		c.Port = 993
	}
	return c, nil
}

// Adapter implements provider.Adapter over a plain IMAP connection.
// Folders are mailboxes; the delta cursor is "<uidvalidity>:<lastuid>".
// A UIDVALIDITY change invalidates every UID we have seen, which
// surfaces as ErrCursorExpired.
type Adapter struct {
	creds  Credentials
	client *client.Client
}

// New creates an IMAP adapter. The connection is established lazily on
// first use.
func New(creds Credentials) *Adapter {
	return &Adapter{creds: creds}
}

// connect dials and logs in if not already connected.
func (a *Adapter) connect() error {
	if a.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", a.creds.Host, a.creds.Port)
	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: a.creds.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return provider.Transient(fmt.Errorf("dialing %s: %w", addr, err))
	}

	if err := cl.Login(a.creds.Username, a.creds.Password); err != nil {
		cl.Logout() //nolint:errcheck
		return provider.Auth(fmt.Errorf("imap login: %w", err))
	}

	a.client = cl
	return nil
}

// Close logs out and drops the connection.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Logout()
	a.client = nil
	return err
}

// ListFolders enumerates mailboxes. Special-use attributes ride along
// for the classifier; on IMAP the mailbox name is also its external id.
func (a *Adapter) ListFolders(ctx context.Context) ([]provider.RemoteFolder, error) {
	if err := a.connect(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- a.client.List("", "*", mailboxes)
	}()

	var folders []provider.RemoteFolder
	for m := range mailboxes {
		noSelect := false
		for _, attr := range m.Attributes {
			if strings.EqualFold(attr, imap.NoSelectAttr) {
				noSelect = true
				break
			}
		}
		if noSelect {
			continue
		}
		folders = append(folders, provider.RemoteFolder{
			ExternalID: m.Name,
			Name:       m.Name,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, provider.Transient(fmt.Errorf("listing mailboxes: %w", err))
	}
	return folders, nil
}

// FetchChanges fetches one page of new messages for a mailbox. With no
// cursor it searches within the lookback window; with a cursor it
// fetches UIDs above the last one seen.
func (a *Adapter) FetchChanges(ctx context.Context, fld model.Folder, cursor string, opts provider.FetchOptions) (provider.ChangeSet, error) {
	if err := a.connect(); err != nil {
		return provider.ChangeSet{}, err
	}

	mbox, err := a.client.Select(fld.ExternalID, true)
	if err != nil {
		return provider.ChangeSet{}, provider.Fatal(fmt.Errorf("selecting %s: %w", fld.ExternalID, err))
	}

	lastUID := uint32(0)
	if cursor != "" {
		validity, uid, err := parseCursor(cursor)
		if err != nil || validity != mbox.UidValidity {
			// Either garbage or the server renumbered the mailbox.
			return provider.ChangeSet{}, provider.ErrCursorExpired
		}
		lastUID = uid
	}

	uids, err := a.searchUIDs(mbox, lastUID, opts)
	if err != nil {
		return provider.ChangeSet{}, err
	}
	if len(uids) == 0 {
		highest := lastUID
		if mbox.UidNext > 0 {
			highest = maxUint32(lastUID, mbox.UidNext-1)
		}
		return provider.ChangeSet{
			NewCursor: formatCursor(mbox.UidValidity, highest),
		}, nil
	}

	size := pageSize(opts)
	more := len(uids) > size
	if more {
		uids = uids[:size]
	}

	messages, err := a.fetchUIDs(fld.ExternalID, uids)
	if err != nil {
		return provider.ChangeSet{}, err
	}

	return provider.ChangeSet{
		Messages:      messages,
		NewCursor:     formatCursor(mbox.UidValidity, uids[len(uids)-1]),
		MoreAvailable: more,
	}, nil
}

// searchUIDs finds candidate UIDs: everything above the cursor, or
// everything within the lookback window on a full fetch.
func (a *Adapter) searchUIDs(mbox *imap.MailboxStatus, lastUID uint32, opts provider.FetchOptions) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if lastUID > 0 {
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(lastUID+1, 0)
		criteria.Uid = seqSet
	} else if opts.DaysBack > 0 {
		criteria.Since = time.Now().AddDate(0, 0, -opts.DaysBack)
	}

	uids, err := a.client.UidSearch(criteria)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("searching mailbox: %w", err))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// fetchUIDs pulls envelope, flags and dates for the given UIDs.
func (a *Adapter) fetchUIDs(mailbox string, uids []uint32) ([]provider.RawMessage, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid,
	}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- a.client.UidFetch(seqSet, items, ch)
	}()

	var messages []provider.RawMessage
	for msg := range ch {
		messages = append(messages, parseMessage(msg, mailbox))
	}

	if err := <-done; err != nil {
		return nil, provider.Transient(fmt.Errorf("fetching messages: %w", err))
	}
	return messages, nil
}

// parseMessage converts an IMAP message into the provider-neutral
// shape. The Message-ID header is the dedup key; messages without one
// fall back to a mailbox-scoped UID identity.
func parseMessage(msg *imap.Message, mailbox string) provider.RawMessage {
	raw := provider.RawMessage{
		InternalDate: msg.InternalDate,
		Flags:        append([]string(nil), msg.Flags...),
	}

	if env := msg.Envelope; env != nil {
		raw.MessageID = env.MessageId
		raw.Subject = env.Subject
		if !env.Date.IsZero() {
			raw.InternalDate = env.Date
		}
		if len(env.From) > 0 {
			raw.Sender = env.From[0].Address()
		}
		for _, to := range env.To {
			raw.To = append(raw.To, to.Address())
		}
		for _, cc := range env.Cc {
			raw.Cc = append(raw.Cc, cc.Address())
		}
	}

	if raw.MessageID == "" {
		raw.MessageID = fmt.Sprintf("imap-uid:%s:%d", mailbox, msg.Uid)
	}
	return raw
}

// formatCursor encodes "<uidvalidity>:<lastuid>".
func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

// parseCursor decodes "<uidvalidity>:<lastuid>".
func parseCursor(cursor string) (uint32, uint32, error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed imap cursor %q", cursor)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap cursor %q: %w", cursor, err)
	}
	uid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap cursor %q: %w", cursor, err)
	}
	return uint32(validity), uint32(uid), nil
}

// pageSize applies the default page bound.
func pageSize(opts provider.FetchOptions) int {
	if opts.PageSize <= 0 {
		return 100
	}
	return opts.PageSize
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
