package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftwood-hq/mailsync/internal/folder"
	"github.com/driftwood-hq/mailsync/internal/ingest"
	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/provider"
	"github.com/driftwood-hq/mailsync/internal/store"
)

// Options are the tunables of one sync run.
type Options struct {
	// PageBudget caps how many fetch pages one run may consume across
	// all folders. Unfinished folders resume from their persisted
	// cursor on the next run.
	PageBudget   int
	PageSize     int
	SyncDaysBack int
	Retry        RetryPolicy
}

// Runner executes one sync job: folder discovery, classification,
// per-folder delta fetch, upsert, cursor advance. It owns every
// account/folder mutation during the run; adapters never write.
type Runner struct {
	store    *store.Store
	ingestor *ingest.Ingestor
	factory  provider.Factory
	log      *logrus.Logger
	opts     Options

	// stopped reports whether an advisory stop was requested for the
	// account. Checked at step boundaries only.
	stopped func(accountID string) bool
}

// NewRunner creates a Runner.
func NewRunner(s *store.Store, ing *ingest.Ingestor, factory provider.Factory, log *logrus.Logger, opts Options) *Runner {
	if opts.PageBudget <= 0 {
		opts.PageBudget = 25
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.SyncDaysBack <= 0 {
		opts.SyncDaysBack = 30
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = RetryPolicy{MaxAttempts: 4, Base: 2 * time.Second, Ceiling: time.Minute}
	}
	return &Runner{
		store:    s,
		ingestor: ing,
		factory:  factory,
		log:      log,
		opts:     opts,
		stopped:  func(string) bool { return false },
	}
}

// SetStopCheck installs the advisory stop check. Wired by the Manager.
func (r *Runner) SetStopCheck(fn func(accountID string) bool) {
	if fn != nil {
		r.stopped = fn
	}
}

// Run drives one claimed job to a terminal state. The caller must have
// claimed the account already; Run always releases it.
func (r *Runner) Run(ctx context.Context, job model.SyncJob) error {
	log := r.log.WithFields(logrus.Fields{"job": job.ID, "account": job.AccountID})

	account, err := r.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		_ = r.store.CompleteJob(ctx, job.ID, 0, 0, 0, err.Error())
		_ = r.store.ReleaseSync(ctx, job.AccountID, err.Error())
		return err
	}

	// A job that cannot start must still reach a terminal state: the
	// stuck-job reaper only looks at running jobs, so leaving it queued
	// would orphan it forever.
	if err := r.store.MarkJobRunning(ctx, job.ID); err != nil {
		return r.failJob(ctx, job, err)
	}

	if job.Mode == model.ModeFull {
		if err := r.store.ClearAllCursors(ctx, account.ID); err != nil {
			return r.failJob(ctx, job, err)
		}
	}

	adapter, err := r.factory(ctx, account)
	if err != nil {
		if provider.KindOf(err) == provider.KindAuth {
			_ = r.store.SetAccountStatus(ctx, account.ID, model.AccountError)
		}
		return r.failJob(ctx, job, err)
	}
	defer adapter.Close()

	if err := r.discoverFolders(ctx, adapter, account); err != nil {
		// Cannot even list folders: job-level failure.
		if provider.KindOf(err) == provider.KindAuth {
			_ = r.store.SetAccountStatus(ctx, account.ID, model.AccountError)
		}
		return r.failJob(ctx, job, err)
	}

	folders, err := r.store.ListFolders(ctx, account.ID)
	if err != nil {
		return r.failJob(ctx, job, err)
	}

	var (
		pagesUsed  int
		messages   int
		foldersOK  int
		foldersErr int
		lastErr    error
		authAbort  bool
	)

	now := time.Now()
	for _, f := range folders {
		if !f.SyncEnabled {
			continue
		}
		// Cron-triggered incremental runs respect per-folder
		// frequency; manual and event triggers sync everything.
		if job.Trigger == model.TriggerCron && job.Mode == model.ModeIncremental && !folder.Due(f, now) {
			continue
		}
		if r.stopped(account.ID) {
			log.Info("advisory stop honored at folder boundary")
			break
		}
		if pagesUsed >= r.opts.PageBudget {
			log.WithField("folder", f.Name).Debug("page budget exhausted, deferring to next run")
			break
		}

		n, err := r.syncFolder(ctx, adapter, account, f, &pagesUsed)
		messages += n
		if err != nil {
			foldersErr++
			lastErr = err
			_ = r.store.SetFolderError(ctx, f.ID, err.Error())
			log.WithError(err).WithField("folder", f.Name).Warn("folder sync failed")

			if provider.KindOf(err) == provider.KindAuth {
				// Credentials are account-wide; no point visiting the
				// remaining folders.
				_ = r.store.SetAccountStatus(ctx, account.ID, model.AccountError)
				authAbort = true
				break
			}
			continue
		}
		foldersOK++
	}

	jobErr := ""
	if authAbort {
		jobErr = fmt.Sprintf("auth failed: %v", lastErr)
	} else if foldersErr > 0 && foldersOK == 0 {
		jobErr = fmt.Sprintf("all %d folders failed, last error: %v", foldersErr, lastErr)
	}

	if err := r.store.CompleteJob(ctx, job.ID, foldersOK, foldersErr, messages, jobErr); err != nil {
		log.WithError(err).Error("recording job completion")
	}
	if err := r.store.ReleaseSync(ctx, account.ID, jobErr); err != nil {
		log.WithError(err).Error("releasing account")
	}

	log.WithFields(logrus.Fields{
		"folders_ok": foldersOK, "folders_err": foldersErr, "messages": messages,
	}).Info("sync run finished")

	if jobErr != "" {
		return errors.New(jobErr)
	}
	return nil
}

// failJob terminates a job on a job-level error and releases the
// account with the error recorded on it.
func (r *Runner) failJob(ctx context.Context, job model.SyncJob, err error) error {
	_ = r.store.CompleteJob(ctx, job.ID, 0, 0, 0, err.Error())
	_ = r.store.ReleaseSync(ctx, job.AccountID, err.Error())
	return err
}

// discoverFolders lists provider folders, classifies any new ones and
// upserts the lot. Existing folders keep their enable state and cursor.
func (r *Runner) discoverFolders(ctx context.Context, adapter provider.Adapter, account model.Account) error {
	var remote []provider.RemoteFolder
	err := r.retryFetch(ctx, func() error {
		var e error
		remote, e = adapter.ListFolders(ctx)
		return e
	})
	if err != nil {
		return err
	}

	for _, rf := range remote {
		prep := folder.PrepareForPersistence(rf.Name, rf.ExternalID, account.ID, account.UserID, account.Provider)

		// IMAP servers advertise special-use attributes that beat
		// name matching.
		if (account.Provider == model.ProviderIMAP || account.Provider == model.ProviderCustom) && len(rf.Attributes) > 0 {
			cfg := folder.ClassifyWithAttributes(rf.Name, rf.Attributes)
			prep.Type = cfg.Type
			prep.SyncEnabled = cfg.SyncEnabled
			prep.Icon = cfg.Icon
			prep.SortOrder = cfg.SortOrder
			prep.SyncFreqMin = cfg.SyncFreqMin
			prep.SyncDaysBack = cfg.SyncDaysBack
		}

		if _, err := r.store.UpsertFolder(ctx, prep); err != nil {
			return err
		}
	}
	return nil
}

// syncFolder pages through one folder's changes, upserting each batch
// and advancing the cursor only after the batch committed. Returns the
// number of messages written.
func (r *Runner) syncFolder(ctx context.Context, adapter provider.Adapter, account model.Account, f model.Folder, pagesUsed *int) (int, error) {
	cursor, err := r.store.GetCursor(ctx, f.ID)
	if err != nil {
		return 0, err
	}

	daysBack := f.SyncDaysBack
	if daysBack <= 0 {
		daysBack = r.opts.SyncDaysBack
	}
	opts := provider.FetchOptions{DaysBack: daysBack, PageSize: r.opts.PageSize}

	total := 0
	cursorReset := false
	for *pagesUsed < r.opts.PageBudget {
		var cs provider.ChangeSet
		fetchErr := r.retryFetch(ctx, func() error {
			var e error
			cs, e = adapter.FetchChanges(ctx, f, cursor, opts)
			return e
		})

		if errors.Is(fetchErr, provider.ErrCursorExpired) {
			if cursorReset {
				return total, provider.Fatal(fmt.Errorf("cursor expired twice for folder %s", f.Name))
			}
			cursorReset = true
			if err := r.store.ClearCursor(ctx, f.ID); err != nil {
				return total, err
			}
			cursor = ""
			continue
		}
		if fetchErr != nil {
			return total, fetchErr
		}

		res, err := r.ingestor.Upsert(ctx, account, f, cs.Messages)
		if err != nil {
			return total, err
		}
		total += res.Inserted + res.Updated

		// Persist-then-advance: the batch is committed, now and only
		// now may the cursor move.
		if cs.NewCursor != "" && cs.NewCursor != cursor {
			if err := r.store.SetCursor(ctx, f.ID, cs.NewCursor); err != nil {
				return total, err
			}
			cursor = cs.NewCursor
		}

		*pagesUsed++
		if !cs.MoreAvailable {
			break
		}
		if r.stopped(account.ID) {
			break
		}
	}

	if err := r.store.MarkFolderSynced(ctx, f.ID, time.Now()); err != nil {
		return total, err
	}
	return total, nil
}

// retryFetch retries fn on transient and rate-limit errors per the
// configured policy. Auth, fatal and cursor-expiry pass straight
// through.
func (r *Runner) retryFetch(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.opts.Retry.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, provider.ErrCursorExpired) {
			return err
		}
		kind := provider.KindOf(err)
		if kind != provider.KindTransient && kind != provider.KindRateLimit {
			return err
		}
		delay := r.opts.Retry.Delay(attempt, provider.RetryAfterOf(err))
		r.log.WithError(err).WithField("delay", delay).Debug("retrying after adapter error")
		if !wait(ctx, delay) {
			return ctx.Err()
		}
	}
	return err
}
