package model

import "time"

// Provider identifies the mail backend an account syncs against.
type Provider string

const (
	ProviderGmail     Provider = "gmail"
	ProviderMicrosoft Provider = "microsoft"
	ProviderIMAP      Provider = "imap"
	ProviderCustom    Provider = "custom"
)

// AccountStatus is the connection health of an account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountError    AccountStatus = "error"
	AccountDisabled AccountStatus = "disabled"
)

// SyncStatus is the sync lifecycle state of an account. At most one job
// may hold an account in SyncSyncing at a time.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// FolderType is the canonical classification of a provider folder.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderSpam    FolderType = "spam"
	FolderTrash   FolderType = "trash"
	FolderArchive FolderType = "archive"
	FolderCustom  FolderType = "custom"
)

// EmailCategory is the stored categorization of a message, derived from
// the type of the folder it was fetched from.
type EmailCategory string

const (
	CategoryInbox    EmailCategory = "inbox"
	CategorySent     EmailCategory = "sent"
	CategoryDrafts   EmailCategory = "drafts"
	CategoryArchived EmailCategory = "archived"
	CategorySpam     EmailCategory = "spam"
	CategoryTrash    EmailCategory = "trash"
)

// JobStatus is the state of a sync job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Trigger records what started a sync job.
type Trigger string

const (
	TriggerManual        Trigger = "manual"
	TriggerCron          Trigger = "cron"
	TriggerOAuthCallback Trigger = "oauth-callback"
	TriggerEvent         Trigger = "event"
)

// SyncMode selects between a bounded full fetch and a cursor-based delta.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// Account is a mailbox connection. Auth material is opaque to the sync
// core; OAuth tokens are resolved through the external auth service and
// IMAP credentials live in AuthBlob.
type Account struct {
	ID            string        `db:"id" json:"id"`
	UserID        string        `db:"user_id" json:"user_id"`
	Email         string        `db:"email" json:"email"`
	Provider      Provider      `db:"provider" json:"provider"`
	AuthBlob      string        `db:"auth_blob" json:"-"`
	Status        AccountStatus `db:"status" json:"status"`
	SyncStatus    SyncStatus    `db:"sync_status" json:"sync_status"`
	LastSyncAt    *time.Time    `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastSyncError string        `db:"last_sync_error" json:"last_sync_error,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// Folder is a provider-side mailbox folder bound to an account, keyed
// uniquely by (account_id, external_id). A nil SyncCursor means the next
// pass performs a bounded full resync.
type Folder struct {
	ID           string     `db:"id" json:"id"`
	AccountID    string     `db:"account_id" json:"account_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	ExternalID   string     `db:"external_id" json:"external_id"`
	Name         string     `db:"name" json:"name"`
	Type         FolderType `db:"folder_type" json:"folder_type"`
	SyncEnabled  bool       `db:"sync_enabled" json:"sync_enabled"`
	SyncCursor   *string    `db:"sync_cursor" json:"-"`
	Icon         string     `db:"icon" json:"icon"`
	SortOrder    int        `db:"sort_order" json:"sort_order"`
	SyncFreqMin  int        `db:"sync_freq_min" json:"sync_freq_min"`
	SyncDaysBack int        `db:"sync_days_back" json:"sync_days_back"`
	LastSyncedAt *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	LastError    string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// SyncJob is one sync attempt for one account. Running jobs older than
// the staleness threshold are reaped by the health monitor.
type SyncJob struct {
	ID          string     `db:"id" json:"id"`
	AccountID   string     `db:"account_id" json:"account_id"`
	Trigger     Trigger    `db:"trigger_source" json:"trigger"`
	Mode        SyncMode   `db:"mode" json:"mode"`
	Status      JobStatus  `db:"status" json:"status"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
	FoldersOK   int        `db:"folders_ok" json:"folders_ok"`
	FoldersErr  int        `db:"folders_err" json:"folders_err"`
	Messages    int        `db:"messages" json:"messages"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Email is a synced message. MessageID is the provider-stable identifier
// used for dedup; it is unique per account.
type Email struct {
	ID           string        `db:"id" json:"id"`
	AccountID    string        `db:"account_id" json:"account_id"`
	FolderID     string        `db:"folder_id" json:"folder_id"`
	FolderName   string        `db:"folder_name" json:"folder_name"`
	MessageID    string        `db:"message_id" json:"message_id"`
	ThreadID     string        `db:"thread_id" json:"thread_id"`
	Subject      string        `db:"subject" json:"subject"`
	Sender       string        `db:"sender" json:"sender"`
	ToAddrs      string        `db:"to_addrs" json:"to_addrs"`
	CcAddrs      string        `db:"cc_addrs" json:"cc_addrs"`
	Snippet      string        `db:"snippet" json:"snippet"`
	Category     EmailCategory `db:"email_category" json:"email_category"`
	Flags        string        `db:"flags" json:"flags"`
	InternalDate time.Time     `db:"internal_date" json:"internal_date"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// CategoryForFolder maps a folder type to the category stamped onto
// messages written from that folder. Sent-folder messages must never be
// stored as archived; this mapping is re-applied on every write.
func CategoryForFolder(t FolderType) EmailCategory {
	switch t {
	case FolderSent:
		return CategorySent
	case FolderDrafts:
		return CategoryDrafts
	case FolderSpam:
		return CategorySpam
	case FolderTrash:
		return CategoryTrash
	case FolderArchive:
		return CategoryArchived
	default:
		return CategoryInbox
	}
}
