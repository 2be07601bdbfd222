package folder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwood-hq/mailsync/internal/model"
)

func TestClassifyAliases(t *testing.T) {
	tests := []struct {
		name        string
		hint        model.Provider
		wantType    model.FolderType
		wantEnabled bool
	}{
		{"INBOX", model.ProviderGmail, model.FolderInbox, true},
		{"Inbox", model.ProviderMicrosoft, model.FolderInbox, true},
		{"inbox", model.ProviderIMAP, model.FolderInbox, true},

		{"SENT", model.ProviderGmail, model.FolderSent, true},
		{"Sent Items", model.ProviderMicrosoft, model.FolderSent, true},
		{"Sent Mail", model.ProviderIMAP, model.FolderSent, true},
		{"[Gmail]/Sent Mail", model.ProviderIMAP, model.FolderSent, true},

		{"DRAFT", model.ProviderGmail, model.FolderDrafts, true},
		{"Drafts", model.ProviderMicrosoft, model.FolderDrafts, true},

		{"SPAM", model.ProviderGmail, model.FolderSpam, false},
		{"Junk Email", model.ProviderMicrosoft, model.FolderSpam, false},
		{"Junk", model.ProviderIMAP, model.FolderSpam, false},

		{"TRASH", model.ProviderGmail, model.FolderTrash, false},
		{"Deleted Items", model.ProviderMicrosoft, model.FolderTrash, false},
		{"Bin", model.ProviderIMAP, model.FolderTrash, false},

		{"All Mail", model.ProviderIMAP, model.FolderArchive, true},
		{"Archive", model.ProviderMicrosoft, model.FolderArchive, true},

		{"Receipts", model.ProviderGmail, model.FolderCustom, false},
		{"Projects/2024", model.ProviderIMAP, model.FolderCustom, false},
		{"", model.ProviderIMAP, model.FolderCustom, false},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/"+string(tt.hint), func(t *testing.T) {
			cfg := Classify(tt.name, tt.hint)
			assert.Equal(t, tt.wantType, cfg.Type)
			assert.Equal(t, tt.wantEnabled, cfg.SyncEnabled)
		})
	}
}

func TestClassifyPolicyIsProviderAgnostic(t *testing.T) {
	// "Sent Items" on Microsoft and "SENT" on Gmail must land on the
	// exact same policy, not just the same type.
	graph := Classify("Sent Items", model.ProviderMicrosoft)
	gmail := Classify("SENT", model.ProviderGmail)
	require.Equal(t, graph, gmail)
}

func TestClassifyNeverEnablesSpamOrTrash(t *testing.T) {
	for _, name := range []string{"Spam", "Junk", "Junk E-mail", "Bulk Mail", "Trash", "Deleted Messages", "bin"} {
		for _, hint := range []model.Provider{model.ProviderGmail, model.ProviderMicrosoft, model.ProviderIMAP} {
			cfg := Classify(name, hint)
			assert.False(t, cfg.SyncEnabled, "%s/%s must default to disabled", name, hint)
		}
	}
}

func TestClassifyWithAttributes(t *testing.T) {
	// Special-use attributes beat a misleading display name.
	cfg := ClassifyWithAttributes("Postausgang", []string{"\\Sent"})
	assert.Equal(t, model.FolderSent, cfg.Type)
	assert.True(t, cfg.SyncEnabled)

	cfg = ClassifyWithAttributes("Stuff", []string{"\\Junk"})
	assert.Equal(t, model.FolderSpam, cfg.Type)
	assert.False(t, cfg.SyncEnabled)

	cfg = ClassifyWithAttributes("Alle Nachrichten", []string{"\\All"})
	assert.Equal(t, model.FolderArchive, cfg.Type)

	// No attributes falls back to name matching.
	cfg = ClassifyWithAttributes("Drafts", nil)
	assert.Equal(t, model.FolderDrafts, cfg.Type)
}

func TestPrepareForPersistenceIsDeterministic(t *testing.T) {
	a := PrepareForPersistence("Sent Items", "ext-1", "acct-1", "user-1", model.ProviderMicrosoft)
	b := PrepareForPersistence("Sent Items", "ext-1", "acct-1", "user-1", model.ProviderMicrosoft)
	require.Equal(t, a, b)

	assert.Equal(t, "acct-1", a.AccountID)
	assert.Equal(t, "user-1", a.UserID)
	assert.Equal(t, "ext-1", a.ExternalID)
	assert.Equal(t, model.FolderSent, a.Type)
	assert.True(t, a.SyncEnabled)
	assert.Empty(t, a.ID, "identity is assigned by the store, not the classifier")
	assert.True(t, a.CreatedAt.IsZero())
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Minute)
	old := now.Add(-20 * time.Minute)

	tests := []struct {
		name string
		f    model.Folder
		want bool
	}{
		{"disabled never due", model.Folder{SyncEnabled: false, SyncFreqMin: 5}, false},
		{"never synced is due", model.Folder{SyncEnabled: true, SyncFreqMin: 5}, true},
		{"zero freq not due on cron", model.Folder{SyncEnabled: true, SyncFreqMin: 0, LastSyncedAt: &old}, false},
		{"recent not due", model.Folder{SyncEnabled: true, SyncFreqMin: 5, LastSyncedAt: &recent}, false},
		{"stale due", model.Folder{SyncEnabled: true, SyncFreqMin: 5, LastSyncedAt: &old}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Due(tt.f, now))
		})
	}
}
