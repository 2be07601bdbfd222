package folder

import (
	"strings"
	"time"

	"github.com/driftwood-hq/mailsync/internal/model"
)

// Config is the sync policy the classifier assigns to a folder.
type Config struct {
	Type         model.FolderType
	SyncEnabled  bool
	Icon         string
	SortOrder    int
	SyncFreqMin  int
	SyncDaysBack int
}

// defaults per canonical folder type. Inbox and sent are always synced;
// spam and trash are never synced by default; everything unrecognized is
// a custom folder the user has to opt into.
var typeDefaults = map[model.FolderType]Config{
	model.FolderInbox:   {Type: model.FolderInbox, SyncEnabled: true, Icon: "inbox", SortOrder: 0, SyncFreqMin: 5, SyncDaysBack: 30},
	model.FolderSent:    {Type: model.FolderSent, SyncEnabled: true, Icon: "send", SortOrder: 1, SyncFreqMin: 15, SyncDaysBack: 30},
	model.FolderDrafts:  {Type: model.FolderDrafts, SyncEnabled: true, Icon: "file", SortOrder: 2, SyncFreqMin: 30, SyncDaysBack: 30},
	model.FolderArchive: {Type: model.FolderArchive, SyncEnabled: true, Icon: "archive", SortOrder: 3, SyncFreqMin: 60, SyncDaysBack: 90},
	model.FolderSpam:    {Type: model.FolderSpam, SyncEnabled: false, Icon: "alert-octagon", SortOrder: 4, SyncFreqMin: 0, SyncDaysBack: 7},
	model.FolderTrash:   {Type: model.FolderTrash, SyncEnabled: false, Icon: "trash", SortOrder: 5, SyncFreqMin: 0, SyncDaysBack: 7},
	model.FolderCustom:  {Type: model.FolderCustom, SyncEnabled: false, Icon: "folder", SortOrder: 10, SyncFreqMin: 60, SyncDaysBack: 30},
}

// aliases maps lower-cased provider folder names to canonical types.
// Covers Gmail system labels, Graph well-known folders and the common
// IMAP spellings. Matching is case-insensitive and provider-agnostic:
// "Sent Items" on Microsoft, "Sent Mail" on Gmail and "Sent" on IMAP all
// land on the same type with the same default policy.
var aliases = map[string]model.FolderType{
	"inbox": model.FolderInbox,

	"sent":              model.FolderSent,
	"sent items":        model.FolderSent,
	"sent mail":         model.FolderSent,
	"sent messages":     model.FolderSent,
	"[gmail]/sent":      model.FolderSent,
	"[gmail]/sent mail": model.FolderSent,

	"drafts":         model.FolderDrafts,
	"draft":          model.FolderDrafts,
	"[gmail]/drafts": model.FolderDrafts,

	"spam":         model.FolderSpam,
	"junk":         model.FolderSpam,
	"junk email":   model.FolderSpam,
	"junk e-mail":  model.FolderSpam,
	"bulk mail":    model.FolderSpam,
	"[gmail]/spam": model.FolderSpam,

	"trash":            model.FolderTrash,
	"deleted":          model.FolderTrash,
	"deleted items":    model.FolderTrash,
	"deleted messages": model.FolderTrash,
	"bin":              model.FolderTrash,
	"[gmail]/trash":    model.FolderTrash,

	"archive":          model.FolderArchive,
	"archives":         model.FolderArchive,
	"all mail":         model.FolderArchive,
	"[gmail]/all mail": model.FolderArchive,
}

// Classify maps a provider-reported folder name to a canonical type and
// default sync policy. It never fails: anything unrecognized degrades to
// a disabled custom folder so one odd folder cannot abort a sync pass.
// The provider hint only disambiguates provider-specific spellings; the
// policy for a given type is identical across providers.
func Classify(name string, hint model.Provider) Config {
	key := strings.ToLower(strings.TrimSpace(name))

	t, ok := aliases[key]
	if !ok && hint == model.ProviderGmail {
		// Gmail label IDs arrive upper-cased (INBOX, SENT, ...).
		t, ok = gmailLabels[strings.ToUpper(key)]
	}
	if !ok {
		t = model.FolderCustom
	}

	cfg := typeDefaults[t]
	return cfg
}

// gmailLabels maps Gmail system label IDs to canonical types.
var gmailLabels = map[string]model.FolderType{
	"INBOX": model.FolderInbox,
	"SENT":  model.FolderSent,
	"DRAFT": model.FolderDrafts,
	"SPAM":  model.FolderSpam,
	"TRASH": model.FolderTrash,
}

// ClassifyWithAttributes classifies an IMAP folder, preferring RFC 6154
// special-use attributes over the display name when present.
func ClassifyWithAttributes(name string, attributes []string) Config {
	for _, attr := range attributes {
		switch strings.ToLower(attr) {
		case "\\sent":
			return typeDefaults[model.FolderSent]
		case "\\drafts":
			return typeDefaults[model.FolderDrafts]
		case "\\junk":
			return typeDefaults[model.FolderSpam]
		case "\\trash":
			return typeDefaults[model.FolderTrash]
		case "\\archive", "\\all":
			return typeDefaults[model.FolderArchive]
		}
	}
	return Classify(name, model.ProviderIMAP)
}

// PrepareForPersistence classifies a discovered folder and stamps the
// identity fields needed to store it. Pure and deterministic: no I/O, no
// clock reads beyond the zero timestamps the store fills in.
func PrepareForPersistence(name, externalID, accountID, userID string, hint model.Provider) model.Folder {
	cfg := Classify(name, hint)
	return model.Folder{
		AccountID:    accountID,
		UserID:       userID,
		ExternalID:   externalID,
		Name:         name,
		Type:         cfg.Type,
		SyncEnabled:  cfg.SyncEnabled,
		Icon:         cfg.Icon,
		SortOrder:    cfg.SortOrder,
		SyncFreqMin:  cfg.SyncFreqMin,
		SyncDaysBack: cfg.SyncDaysBack,
	}
}

// Due reports whether a folder is due for sync given its configured
// frequency and when it last synced. Zero frequency folders are synced
// only when explicitly enabled and never on the cron path.
func Due(f model.Folder, now time.Time) bool {
	if !f.SyncEnabled {
		return false
	}
	if f.LastSyncedAt == nil {
		return true
	}
	if f.SyncFreqMin <= 0 {
		return false
	}
	return now.Sub(*f.LastSyncedAt) >= time.Duration(f.SyncFreqMin)*time.Minute
}
