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

// ErrAccountNotFound is returned when an account id has no row.
var ErrAccountNotFound = errors.New("account not found")

// CreateAccount inserts a new account. Generates a UUID if ID is empty.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	if a.SyncStatus == "" {
		a.SyncStatus = model.SyncIdle
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, user_id, email, provider, auth_blob,
			status, sync_status, last_sync_at, last_sync_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Email, a.Provider, a.AuthBlob,
		a.Status, a.SyncStatus, a.LastSyncAt, a.LastSyncError,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var a model.Account
	err := s.db.GetContext(ctx, &a, "SELECT * FROM accounts WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrAccountNotFound
		}
		return model.Account{}, fmt.Errorf("getting account %s: %w", id, err)
	}
	return a, nil
}

// ListSyncableAccounts returns active accounts, used by the cron tick to
// decide which mailboxes to visit.
func (s *Store) ListSyncableAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := s.db.SelectContext(ctx, &accounts,
		"SELECT * FROM accounts WHERE status = ? ORDER BY created_at", model.AccountActive)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

// ClaimForSync atomically flips an account from not-syncing to syncing.
// Returns false when another worker already holds the account or the
// account is disabled. This compare-and-set on the row is what enforces
// the one-job-per-account invariant across processes; there is no
// in-memory lock to lose.
func (s *Store) ClaimForSync(ctx context.Context, accountID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, updated_at = ?
		WHERE id = ? AND sync_status != ? AND status != ?`,
		model.SyncSyncing, time.Now().UTC(),
		accountID, model.SyncSyncing, model.AccountDisabled,
	)
	if err != nil {
		return false, fmt.Errorf("claiming account %s: %w", accountID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming account %s: %w", accountID, err)
	}
	return rows == 1, nil
}

// ReleaseSync returns a claimed account to idle (or error) and records
// the outcome of the run. An empty syncErr clears last_sync_error.
func (s *Store) ReleaseSync(ctx context.Context, accountID, syncErr string) error {
	status := model.SyncIdle
	if syncErr != "" {
		status = model.SyncError
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, last_sync_at = ?, last_sync_error = ?, updated_at = ?
		WHERE id = ?`,
		status, now, syncErr, now, accountID,
	)
	if err != nil {
		return fmt.Errorf("releasing account %s: %w", accountID, err)
	}
	return nil
}

// SetAccountStatus updates the connection health of an account. Used by
// the orchestrator to flag auth failures for external remediation.
func (s *Store) SetAccountStatus(ctx context.Context, accountID string, status model.AccountStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), accountID,
	)
	if err != nil {
		return fmt.Errorf("setting account %s status: %w", accountID, err)
	}
	return nil
}

// StuckAccounts returns accounts whose sync_status says syncing but
// whose latest running job started before the cutoff (or that have no
// running job at all, e.g. after a crash between claim and job insert).
func (s *Store) StuckAccounts(ctx context.Context, cutoff time.Time) ([]model.Account, error) {
	var accounts []model.Account
	err := s.db.SelectContext(ctx, &accounts, `
		SELECT a.* FROM accounts a
		WHERE a.sync_status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_jobs j
			WHERE j.account_id = a.id
			  AND j.status = ?
			  AND j.started_at > ?
		  )`,
		model.SyncSyncing, model.JobRunning, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("scanning stuck accounts: %w", err)
	}
	return accounts, nil
}
