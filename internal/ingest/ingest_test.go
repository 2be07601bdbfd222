package ingest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/provider"
	"github.com/driftwood-hq/mailsync/internal/store"
)

func newTestIngestor(t *testing.T) (*Ingestor, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(s, log), s
}

func seedAccountAndFolder(t *testing.T, s *store.Store, fType model.FolderType, name string) (model.Account, model.Folder) {
	t.Helper()
	ctx := context.Background()
	a := model.Account{UserID: "user-1", Email: "person@example.com", Provider: model.ProviderGmail}
	require.NoError(t, s.CreateAccount(ctx, &a))
	f, err := s.UpsertFolder(ctx, model.Folder{
		AccountID: a.ID, UserID: a.UserID, ExternalID: "ext-" + name,
		Name: name, Type: fType, SyncEnabled: true,
	})
	require.NoError(t, err)
	return a, f
}

func rawMessage(id, subject string) provider.RawMessage {
	return provider.RawMessage{
		MessageID:    id,
		Subject:      subject,
		Sender:       "alice@example.com",
		To:           []string{"bob@example.com"},
		Flags:        []string{"\\Seen"},
		InternalDate: time.Now().UTC(),
	}
}

func TestUpsertInsertsAndDeduplicates(t *testing.T) {
	ing, s := newTestIngestor(t)
	ctx := context.Background()
	a, inbox := seedAccountAndFolder(t, s, model.FolderInbox, "INBOX")

	res, err := ing.Upsert(ctx, a, inbox, []provider.RawMessage{
		rawMessage("m1", "first"),
		rawMessage("m2", "second"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Updated)

	// Overlapping refetch: m2 merges, m3 inserts.
	res, err = ing.Upsert(ctx, a, inbox, []provider.RawMessage{
		rawMessage("m2", "second"),
		rawMessage("m3", "third"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	n, err := s.CountEmails(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUpsertDerivesCategoryFromFolder(t *testing.T) {
	ing, s := newTestIngestor(t)
	ctx := context.Background()
	a, sent := seedAccountAndFolder(t, s, model.FolderSent, "SENT")

	_, err := ing.Upsert(ctx, a, sent, []provider.RawMessage{rawMessage("m1", "outgoing")})
	require.NoError(t, err)

	got, err := s.GetEmailByMessageID(ctx, a.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.CategorySent, got.Category)
}

func TestUpsertCorrectsSentCategoryOnUpdate(t *testing.T) {
	ing, s := newTestIngestor(t)
	ctx := context.Background()
	a, sent := seedAccountAndFolder(t, s, model.FolderSent, "SENT")

	// Simulate a legacy row stored as archived.
	archive, err := s.UpsertFolder(ctx, model.Folder{
		AccountID: a.ID, UserID: a.UserID, ExternalID: "ext-archive",
		Name: "All Mail", Type: model.FolderArchive, SyncEnabled: true,
	})
	require.NoError(t, err)
	_, err = ing.Upsert(ctx, a, archive, []provider.RawMessage{rawMessage("m1", "outgoing")})
	require.NoError(t, err)

	before, err := s.GetEmailByMessageID(ctx, a.ID, "m1")
	require.NoError(t, err)
	require.Equal(t, model.CategoryArchived, before.Category)

	// The same message seen through the sent folder flips to sent and
	// stays there.
	_, err = ing.Upsert(ctx, a, sent, []provider.RawMessage{rawMessage("m1", "outgoing")})
	require.NoError(t, err)

	after, err := s.GetEmailByMessageID(ctx, a.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.CategorySent, after.Category)
}

func TestUpsertSkipsMessagesWithoutID(t *testing.T) {
	ing, s := newTestIngestor(t)
	ctx := context.Background()
	a, inbox := seedAccountAndFolder(t, s, model.FolderInbox, "INBOX")

	res, err := ing.Upsert(ctx, a, inbox, []provider.RawMessage{
		rawMessage("", "no id"),
		rawMessage("m1", "fine"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	n, err := s.CountEmails(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertEnqueuesOutboxOnInsertOnly(t *testing.T) {
	ing, s := newTestIngestor(t)
	ctx := context.Background()
	a, inbox := seedAccountAndFolder(t, s, model.FolderInbox, "INBOX")

	_, err := ing.Upsert(ctx, a, inbox, []provider.RawMessage{rawMessage("m1", "first")})
	require.NoError(t, err)

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// A merge of the same message does not announce it again.
	_, err = ing.Upsert(ctx, a, inbox, []provider.RawMessage{rawMessage("m1", "first")})
	require.NoError(t, err)

	pending, err = s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	messages, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "mail.user-1.email.ingested", messages[0].Subject)
	assert.Equal(t, "email.ingested|gmail|m1", messages[0].MsgID)
}

func TestUpsertEmptyBatchIsNoop(t *testing.T) {
	ing, s := newTestIngestor(t)
	ctx := context.Background()
	a, inbox := seedAccountAndFolder(t, s, model.FolderInbox, "INBOX")

	res, err := ing.Upsert(ctx, a, inbox, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, res.Updated)

	n, err := s.CountEmails(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
