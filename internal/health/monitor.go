package health

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/store"
)

// Monitor reconciles sync state that a crashed or overrunning worker
// left behind, and audits folder policy invariants. It is a consistency
// auditor: apart from the explicit stuck-job reset it never mutates
// user intent.
type Monitor struct {
	store      *store.Store
	log        *logrus.Logger
	stuckAfter time.Duration
}

// New creates a Monitor. stuckAfter is how long a job may stay running
// before it is considered stuck.
func New(s *store.Store, log *logrus.Logger, stuckAfter time.Duration) *Monitor {
	return &Monitor{store: s, log: log, stuckAfter: stuckAfter}
}

// Violation is a folder whose enable state contradicts the classifier
// invariants.
type Violation struct {
	Folder model.Folder
	Reason string
}

// ResetStuckSyncs fails every running job older than the staleness
// threshold and returns the owning accounts to idle. Returns how many
// jobs were reset.
func (m *Monitor) ResetStuckSyncs(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.stuckAfter)

	jobs, err := m.store.StaleRunningJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, job := range jobs {
		msg := fmt.Sprintf("sync stuck: job running since %s exceeded %s threshold",
			job.StartedAt.UTC().Format(time.RFC3339), m.stuckAfter)

		if err := m.store.CompleteJob(ctx, job.ID, job.FoldersOK, job.FoldersErr, job.Messages, msg); err != nil {
			m.log.WithError(err).WithField("job", job.ID).Error("failing stuck job")
			continue
		}
		if err := m.store.ReleaseSync(ctx, job.AccountID, msg); err != nil {
			m.log.WithError(err).WithField("account", job.AccountID).Error("releasing stuck account")
			continue
		}

		m.log.WithFields(logrus.Fields{
			"job": job.ID, "account": job.AccountID,
		}).Warn("reset stuck sync job")
		count++
	}

	// Accounts flagged syncing with no live job (crash between claim
	// and job insert, or a reaped job row) are released too.
	accounts, err := m.store.StuckAccounts(ctx, cutoff)
	if err != nil {
		return count, err
	}
	for _, account := range accounts {
		if err := m.store.ReleaseSync(ctx, account.ID, "sync stuck: no live job"); err != nil {
			m.log.WithError(err).WithField("account", account.ID).Error("releasing orphaned account")
			continue
		}
		m.log.WithField("account", account.ID).Warn("released account stuck in syncing with no job")
		count++
	}

	return count, nil
}

// AuditFolderPolicies reports folders violating the classification
// invariants: a disabled inbox, or an enabled spam/trash folder. It
// logs and returns the violations without fixing them.
func (m *Monitor) AuditFolderPolicies(ctx context.Context) ([]Violation, error) {
	folders, err := m.store.FoldersViolatingPolicy(ctx)
	if err != nil {
		return nil, err
	}

	violations := make([]Violation, 0, len(folders))
	for _, f := range folders {
		reason := "spam/trash folder has sync enabled"
		if f.Type == model.FolderInbox {
			reason = "inbox folder has sync disabled"
		}
		violations = append(violations, Violation{Folder: f, Reason: reason})
		m.log.WithFields(logrus.Fields{
			"account": f.AccountID, "folder": f.Name, "type": f.Type,
		}).Warn(reason)
	}
	return violations, nil
}

// Run executes the monitor on the given interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.ResetStuckSyncs(ctx); err != nil {
				m.log.WithError(err).Error("stuck sync scan failed")
			} else if n > 0 {
				m.log.WithField("count", n).Info("reset stuck syncs")
			}
			if _, err := m.AuditFolderPolicies(ctx); err != nil {
				m.log.WithError(err).Error("folder policy audit failed")
			}
		}
	}
}
