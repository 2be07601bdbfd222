package store

// migration holds a single schema migration with its target version.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations, applied in
// sequence on open.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL,
	auth_blob       TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'active',
	sync_status     TEXT NOT NULL DEFAULT 'idle',
	last_sync_at    DATETIME,
	last_sync_error TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	user_id        TEXT NOT NULL,
	external_id    TEXT NOT NULL,
	name           TEXT NOT NULL,
	folder_type    TEXT NOT NULL DEFAULT 'custom',
	sync_enabled   INTEGER NOT NULL DEFAULT 0,
	sync_cursor    TEXT,
	icon           TEXT NOT NULL DEFAULT 'folder',
	sort_order     INTEGER NOT NULL DEFAULT 10,
	sync_freq_min  INTEGER NOT NULL DEFAULT 60,
	sync_days_back INTEGER NOT NULL DEFAULT 30,
	last_synced_at DATETIME,
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (account_id, external_id)
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	trigger_source TEXT NOT NULL,
	mode           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'queued',
	started_at     DATETIME,
	completed_at   DATETIME,
	error          TEXT NOT NULL DEFAULT '',
	folders_ok     INTEGER NOT NULL DEFAULT 0,
	folders_err    INTEGER NOT NULL DEFAULT 0,
	messages       INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder_id      TEXT NOT NULL DEFAULT '',
	folder_name    TEXT NOT NULL DEFAULT '',
	message_id     TEXT NOT NULL,
	thread_id      TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	sender         TEXT NOT NULL DEFAULT '',
	to_addrs       TEXT NOT NULL DEFAULT '[]',
	cc_addrs       TEXT NOT NULL DEFAULT '[]',
	snippet        TEXT NOT NULL DEFAULT '',
	email_category TEXT NOT NULL DEFAULT 'inbox',
	flags          TEXT NOT NULL DEFAULT '[]',
	internal_date  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (account_id, message_id)
);

CREATE TABLE IF NOT EXISTS outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	subject         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	published_at    INTEGER,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_jobs_account ON sync_jobs(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON sync_jobs(status);
CREATE INDEX IF NOT EXISTS idx_emails_account_folder ON emails(account_id, folder_id);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at, next_attempt_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
