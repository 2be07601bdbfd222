package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwood-hq/mailsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, provider model.Provider) model.Account {
	t.Helper()
	a := model.Account{
		UserID:   "user-1",
		Email:    "person@example.com",
		Provider: provider,
	}
	require.NoError(t, s.CreateAccount(context.Background(), &a))
	return a
}

func seedFolder(t *testing.T, s *Store, accountID string, name string, fType model.FolderType, enabled bool) model.Folder {
	t.Helper()
	f, err := s.UpsertFolder(context.Background(), model.Folder{
		AccountID:   accountID,
		UserID:      "user-1",
		ExternalID:  "ext-" + name,
		Name:        name,
		Type:        fType,
		SyncEnabled: enabled,
	})
	require.NoError(t, err)
	return f
}

func TestClaimForSyncIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)

	claimed, err := s.ClaimForSync(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses while the first holds the account.
	claimed, err = s.ClaimForSync(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.ReleaseSync(ctx, a.ID, ""))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncIdle, got.SyncStatus)
	require.NotNil(t, got.LastSyncAt)

	claimed, err = s.ClaimForSync(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimForSyncRejectsDisabledAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderIMAP)
	require.NoError(t, s.SetAccountStatus(ctx, a.ID, model.AccountDisabled))

	claimed, err := s.ClaimForSync(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestReleaseSyncRecordsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)

	_, err := s.ClaimForSync(ctx, a.ID)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseSync(ctx, a.ID, "history expired twice"))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncError, got.SyncStatus)
	assert.Equal(t, "history expired twice", got.LastSyncError)
}

func TestGetAccountNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestUpsertFolderPreservesUserIntent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderMicrosoft)

	f := seedFolder(t, s, a.ID, "Newsletters", model.FolderCustom, false)

	// User opts in, a cursor accrues.
	require.NoError(t, s.SetFolderSyncEnabled(ctx, f.ID, true))
	require.NoError(t, s.SetCursor(ctx, f.ID, "t:2026-08-30T00:00:00Z"))

	// Re-discovery with a renamed folder must not clobber either.
	updated, err := s.UpsertFolder(ctx, model.Folder{
		AccountID:   a.ID,
		UserID:      a.UserID,
		ExternalID:  f.ExternalID,
		Name:        "Newsletters (renamed)",
		Type:        model.FolderCustom,
		SyncEnabled: false,
	})
	require.NoError(t, err)

	assert.Equal(t, f.ID, updated.ID)
	assert.Equal(t, "Newsletters (renamed)", updated.Name)
	assert.True(t, updated.SyncEnabled)
	require.NotNil(t, updated.SyncCursor)
	assert.Equal(t, "t:2026-08-30T00:00:00Z", *updated.SyncCursor)
}

func TestSetFolderSyncEnabledRejectsInboxDisable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)
	inbox := seedFolder(t, s, a.ID, "INBOX", model.FolderInbox, true)

	err := s.SetFolderSyncEnabled(ctx, inbox.ID, false)
	assert.ErrorIs(t, err, ErrInboxMustSync)

	got, err := s.GetFolder(ctx, inbox.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncEnabled)
}

func TestCursorLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)
	f := seedFolder(t, s, a.ID, "INBOX", model.FolderInbox, true)
	f2 := seedFolder(t, s, a.ID, "SENT", model.FolderSent, true)

	cursor, err := s.GetCursor(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, cursor, "new folder starts with no cursor")

	require.NoError(t, s.SetCursor(ctx, f.ID, "h:12345"))
	require.NoError(t, s.SetCursor(ctx, f2.ID, "h:12346"))

	cursor, err = s.GetCursor(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "h:12345", cursor)

	require.NoError(t, s.ClearCursor(ctx, f.ID))
	cursor, err = s.GetCursor(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	// Full-mode runs wipe every folder of the account at once.
	require.NoError(t, s.SetCursor(ctx, f.ID, "h:200"))
	require.NoError(t, s.ClearAllCursors(ctx, a.ID))
	for _, id := range []string{f.ID, f2.ID} {
		cursor, err = s.GetCursor(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, cursor)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)

	job, err := s.CreateJob(ctx, a.ID, model.TriggerManual, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.Status)

	require.NoError(t, s.MarkJobRunning(ctx, job.ID))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.CompleteJob(ctx, job.ID, 3, 1, 42, ""))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 3, got.FoldersOK)
	assert.Equal(t, 1, got.FoldersErr)
	assert.Equal(t, 42, got.Messages)
	require.NotNil(t, got.CompletedAt)
}

func TestMarkJobRunningRequiresQueuedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)

	job, err := s.CreateJob(ctx, a.ID, model.TriggerManual, model.ModeIncremental)
	require.NoError(t, err)

	require.NoError(t, s.MarkJobRunning(ctx, job.ID))
	assert.Error(t, s.MarkJobRunning(ctx, job.ID))

	require.NoError(t, s.CompleteJob(ctx, job.ID, 1, 0, 0, ""))
	assert.Error(t, s.MarkJobRunning(ctx, job.ID))
}

func TestCompleteJobWithErrorFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderIMAP)

	job, err := s.CreateJob(ctx, a.ID, model.TriggerCron, model.ModeIncremental)
	require.NoError(t, err)
	require.NoError(t, s.MarkJobRunning(ctx, job.ID))
	require.NoError(t, s.CompleteJob(ctx, job.ID, 0, 2, 0, "all 2 folders failed"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, "all 2 folders failed", got.Error)
}

func TestStaleRunningJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)

	job, err := s.CreateJob(ctx, a.ID, model.TriggerManual, model.ModeIncremental)
	require.NoError(t, err)
	require.NoError(t, s.MarkJobRunning(ctx, job.ID))

	// A job started just now is not stale against a cutoff in the past.
	stale, err := s.StaleRunningJobs(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Against a future cutoff it is.
	stale, err = s.StaleRunningJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, job.ID, stale[0].ID)

	// Terminal jobs never show up.
	require.NoError(t, s.CompleteJob(ctx, job.ID, 0, 0, 0, ""))
	stale, err = s.StaleRunningJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestStuckAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)

	// Claimed with no job at all: stuck.
	_, err := s.ClaimForSync(ctx, a.ID)
	require.NoError(t, err)

	stuck, err := s.StuckAccounts(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, a.ID, stuck[0].ID)

	// A live running job vouches for the account.
	job, err := s.CreateJob(ctx, a.ID, model.TriggerManual, model.ModeIncremental)
	require.NoError(t, err)
	require.NoError(t, s.MarkJobRunning(ctx, job.ID))

	stuck, err = s.StuckAccounts(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestUpsertEmailDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderGmail)
	inbox := seedFolder(t, s, a.ID, "INBOX", model.FolderInbox, true)

	e := model.Email{
		AccountID:    a.ID,
		FolderID:     inbox.ID,
		FolderName:   inbox.Name,
		MessageID:    "msg-1",
		Subject:      "hello",
		Sender:       "alice@example.com",
		ToAddrs:      "[]",
		CcAddrs:      "[]",
		Flags:        `["\\Seen"]`,
		Category:     model.CategoryInbox,
		InternalDate: time.Now().UTC(),
	}

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	inserted, err := s.UpsertEmailTx(ctx, tx, e)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, tx.Commit())

	// Same message again: merged, not duplicated. Subject stays as
	// first stored.
	e.Subject = "hello (edited)"
	e.Flags = `["\\Seen","\\Flagged"]`
	tx, err = s.BeginTx(ctx)
	require.NoError(t, err)
	inserted, err = s.UpsertEmailTx(ctx, tx, e)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, tx.Commit())

	n, err := s.CountEmails(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetEmailByMessageID(ctx, a.ID, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Subject)
	assert.Equal(t, `["\\Seen","\\Flagged"]`, got.Flags)
}

func TestUpsertEmailReappliesCategory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderMicrosoft)
	sent := seedFolder(t, s, a.ID, "Sent Items", model.FolderSent, true)

	// A row that somehow landed as archived gets corrected on the next
	// pass over the sent folder.
	e := model.Email{
		AccountID: a.ID, FolderID: sent.ID, FolderName: sent.Name,
		MessageID: "msg-2", Subject: "report", ToAddrs: "[]", CcAddrs: "[]",
		Flags: "[]", Category: model.CategoryArchived,
		InternalDate: time.Now().UTC(),
	}
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, err = s.UpsertEmailTx(ctx, tx, e)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	e.Category = model.CategorySent
	tx, err = s.BeginTx(ctx)
	require.NoError(t, err)
	inserted, err := s.UpsertEmailTx(ctx, tx, e)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, tx.Commit())

	got, err := s.GetEmailByMessageID(ctx, a.ID, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, model.CategorySent, got.Category)
}

func TestFoldersViolatingPolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAccount(t, s, model.ProviderIMAP)

	seedFolder(t, s, a.ID, "INBOX", model.FolderInbox, true)
	spam := seedFolder(t, s, a.ID, "Junk", model.FolderSpam, true)
	seedFolder(t, s, a.ID, "Trash", model.FolderTrash, false)

	violations, err := s.FoldersViolatingPolicy(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, spam.ID, violations[0].ID)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.EnqueueOutboxTx(ctx, tx, "mail.user-1.email.ingested", "email.ingested", []byte(`{"email_id":"e1"}`), "email.ingested|gmail|msg-1"))
	require.NoError(t, tx.Commit())

	messages, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "mail.user-1.email.ingested", messages[0].Subject)
	assert.Equal(t, "email.ingested|gmail|msg-1", messages[0].MsgID)

	// Deferred entries disappear until their retry time.
	require.NoError(t, s.MarkOutboxRetry(ctx, messages[0].ID, time.Hour))
	deferred, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, deferred)

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	require.NoError(t, s.MarkPublished(ctx, messages[0].ID))
	pending, err = s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}
