package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/driftwood-hq/mailsync/internal/model"
)

// UpsertEmailTx writes one message inside an existing transaction,
// deduplicating on (account_id, message_id). New rows are inserted;
// existing rows get their mutable fields merged (folder placement,
// flags, snippet) and their category re-derived, which also corrects any
// previously misclassified row. Returns true when a new row was
// inserted.
func (s *Store) UpsertEmailTx(ctx context.Context, tx *sqlx.Tx, e model.Email) (bool, error) {
	var existingID string
	err := tx.GetContext(ctx, &existingID,
		"SELECT id FROM emails WHERE account_id = ? AND message_id = ?",
		e.AccountID, e.MessageID)

	now := time.Now().UTC()

	if errors.Is(err, sql.ErrNoRows) {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO emails (
				id, account_id, folder_id, folder_name, message_id, thread_id,
				subject, sender, to_addrs, cc_addrs, snippet,
				email_category, flags, internal_date, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.AccountID, e.FolderID, e.FolderName, e.MessageID, e.ThreadID,
			e.Subject, e.Sender, e.ToAddrs, e.CcAddrs, e.Snippet,
			e.Category, e.Flags, e.InternalDate.UTC(), now, now,
		)
		if err != nil {
			return false, fmt.Errorf("inserting email %s: %w", e.MessageID, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up email %s: %w", e.MessageID, err)
	}

	// Merge pass: flags and placement move with the provider; subject,
	// sender and dates are immutable once stored.
	_, err = tx.ExecContext(ctx, `
		UPDATE emails
		SET folder_id = ?, folder_name = ?, flags = ?, snippet = ?,
		    email_category = ?, updated_at = ?
		WHERE id = ?`,
		e.FolderID, e.FolderName, e.Flags, e.Snippet,
		e.Category, now, existingID,
	)
	if err != nil {
		return false, fmt.Errorf("updating email %s: %w", e.MessageID, err)
	}
	return false, nil
}

// GetEmailByMessageID retrieves a stored message by its provider id.
func (s *Store) GetEmailByMessageID(ctx context.Context, accountID, messageID string) (model.Email, error) {
	var e model.Email
	err := s.db.GetContext(ctx, &e,
		"SELECT * FROM emails WHERE account_id = ? AND message_id = ?",
		accountID, messageID)
	if err != nil {
		return model.Email{}, fmt.Errorf("getting email %s: %w", messageID, err)
	}
	return e, nil
}

// CountEmails returns how many messages an account has stored.
func (s *Store) CountEmails(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM emails WHERE account_id = ?", accountID)
	if err != nil {
		return 0, fmt.Errorf("counting emails: %w", err)
	}
	return n, nil
}

// ListEmailsByFolder returns an account's messages for one folder,
// newest first.
func (s *Store) ListEmailsByFolder(ctx context.Context, accountID, folderID string, limit int) ([]model.Email, error) {
	if limit <= 0 {
		limit = 100
	}
	var emails []model.Email
	err := s.db.SelectContext(ctx, &emails, `
		SELECT * FROM emails
		WHERE account_id = ? AND folder_id = ?
		ORDER BY internal_date DESC LIMIT ?`,
		accountID, folderID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing emails: %w", err)
	}
	return emails, nil
}
