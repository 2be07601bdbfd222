package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftwood-hq/mailsync/internal/model"
)

// ErrInboxMustSync is returned when a caller tries to disable sync on an
// inbox folder. The inbox is always synced.
var ErrInboxMustSync = errors.New("inbox folder cannot be disabled")

// UpsertFolder inserts a newly discovered folder or refreshes an
// existing one, keyed by (account_id, external_id). Existing rows keep
// their sync_enabled flag and cursor: discovery must not clobber user
// intent or in-flight sync state. Returns the stored row.
func (s *Store) UpsertFolder(ctx context.Context, f model.Folder) (model.Folder, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (
			id, account_id, user_id, external_id, name, folder_type,
			sync_enabled, sync_cursor, icon, sort_order,
			sync_freq_min, sync_days_back, last_synced_at, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, external_id) DO UPDATE SET
			name = excluded.name,
			folder_type = excluded.folder_type,
			icon = excluded.icon,
			sort_order = excluded.sort_order,
			updated_at = excluded.updated_at`,
		f.ID, f.AccountID, f.UserID, f.ExternalID, f.Name, f.Type,
		f.SyncEnabled, f.SyncCursor, f.Icon, f.SortOrder,
		f.SyncFreqMin, f.SyncDaysBack, f.LastSyncedAt, f.LastError,
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return model.Folder{}, fmt.Errorf("upserting folder %s: %w", f.Name, err)
	}

	var stored model.Folder
	err = s.db.GetContext(ctx, &stored,
		"SELECT * FROM folders WHERE account_id = ? AND external_id = ?",
		f.AccountID, f.ExternalID)
	if err != nil {
		return model.Folder{}, fmt.Errorf("reading back folder %s: %w", f.Name, err)
	}
	return stored, nil
}

// ListFolders returns the folders of an account in sort order.
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.db.SelectContext(ctx, &folders,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY sort_order, name", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

// GetFolder retrieves a single folder by ID.
func (s *Store) GetFolder(ctx context.Context, folderID string) (model.Folder, error) {
	var f model.Folder
	err := s.db.GetContext(ctx, &f, "SELECT * FROM folders WHERE id = ?", folderID)
	if err != nil {
		return model.Folder{}, fmt.Errorf("getting folder %s: %w", folderID, err)
	}
	return f, nil
}

// SetFolderSyncEnabled toggles sync for a folder. Disabling an inbox is
// rejected.
func (s *Store) SetFolderSyncEnabled(ctx context.Context, folderID string, enabled bool) error {
	if !enabled {
		var folderType string
		err := s.db.GetContext(ctx, &folderType,
			"SELECT folder_type FROM folders WHERE id = ?", folderID)
		if err != nil {
			return fmt.Errorf("getting folder %s: %w", folderID, err)
		}
		if model.FolderType(folderType) == model.FolderInbox {
			return ErrInboxMustSync
		}
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET sync_enabled = ?, updated_at = ? WHERE id = ?",
		enabled, time.Now().UTC(), folderID)
	if err != nil {
		return fmt.Errorf("toggling folder %s: %w", folderID, err)
	}
	return nil
}

// MarkFolderSynced stamps a successful pass over a folder and clears any
// recorded error.
func (s *Store) MarkFolderSynced(ctx context.Context, folderID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET last_synced_at = ?, last_error = '', updated_at = ? WHERE id = ?",
		at.UTC(), time.Now().UTC(), folderID)
	if err != nil {
		return fmt.Errorf("marking folder %s synced: %w", folderID, err)
	}
	return nil
}

// SetFolderError records a folder-level failure without touching the
// rest of the run.
func (s *Store) SetFolderError(ctx context.Context, folderID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET last_error = ?, updated_at = ? WHERE id = ?",
		msg, time.Now().UTC(), folderID)
	if err != nil {
		return fmt.Errorf("recording folder %s error: %w", folderID, err)
	}
	return nil
}

// GetCursor returns the stored delta cursor for a folder. An empty
// string means the folder needs a full (bounded) resync.
func (s *Store) GetCursor(ctx context.Context, folderID string) (string, error) {
	var cursor sql.NullString
	err := s.db.GetContext(ctx, &cursor,
		"SELECT sync_cursor FROM folders WHERE id = ?", folderID)
	if err != nil {
		return "", fmt.Errorf("loading cursor for folder %s: %w", folderID, err)
	}
	return cursor.String, nil
}

// SetCursor advances the delta cursor for a folder. Callers must only
// invoke this after the batch the cursor represents has been committed;
// cursor advancement never precedes persistence.
func (s *Store) SetCursor(ctx context.Context, folderID, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET sync_cursor = ?, updated_at = ? WHERE id = ?",
		cursor, time.Now().UTC(), folderID)
	if err != nil {
		return fmt.Errorf("saving cursor for folder %s: %w", folderID, err)
	}
	return nil
}

// ClearCursor nulls a folder's cursor, forcing a full resync on the
// next pass.
func (s *Store) ClearCursor(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET sync_cursor = NULL, updated_at = ? WHERE id = ?",
		time.Now().UTC(), folderID)
	if err != nil {
		return fmt.Errorf("clearing cursor for folder %s: %w", folderID, err)
	}
	return nil
}

// ClearAllCursors nulls every cursor of an account, forcing a full
// resync of the whole mailbox.
func (s *Store) ClearAllCursors(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET sync_cursor = NULL, updated_at = ? WHERE account_id = ?",
		time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("clearing cursors for account %s: %w", accountID, err)
	}
	return nil
}

// FoldersViolatingPolicy returns folders whose enable state contradicts
// the classifier invariants: a disabled inbox, or an enabled spam/trash
// folder. The health monitor reports these; it does not fix them.
func (s *Store) FoldersViolatingPolicy(ctx context.Context) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.db.SelectContext(ctx, &folders, `
		SELECT * FROM folders
		WHERE (folder_type = ? AND sync_enabled = 0)
		ORDER BY account_id, sort_order`,
		model.FolderInbox,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning folder policy: %w", err)
	}

	var enabledDangerous []model.Folder
	err = s.db.SelectContext(ctx, &enabledDangerous, `
		SELECT * FROM folders
		WHERE folder_type IN (?, ?) AND sync_enabled = 1
		ORDER BY account_id, sort_order`,
		model.FolderSpam, model.FolderTrash,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning folder policy: %w", err)
	}

	return append(folders, enabledDangerous...), nil
}
