package syncjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/store"
)

// ErrSyncInProgress is returned when a trigger arrives for an account
// that already has a running job. The request is coalesced, not queued.
var ErrSyncInProgress = errors.New("sync already in progress for account")

// TriggerRequest is a sync request from any source: manual button, cron
// tick, OAuth callback or bus event.
type TriggerRequest struct {
	AccountID string
	UserID    string
	Mode      model.SyncMode
	Trigger   model.Trigger
}

// Manager accepts triggers, enforces the one-job-per-account gate and
// dispatches runs. The gate lives in the accounts table (ClaimForSync),
// so it holds across worker processes; the in-memory state here is only
// the advisory stop flags and the waitgroup for clean shutdown.
type Manager struct {
	store  *store.Store
	runner *Runner
	log    *logrus.Logger

	baseCtx context.Context
	wg      sync.WaitGroup

	mu    sync.Mutex
	stops map[string]bool
}

// NewManager creates a Manager. baseCtx bounds the lifetime of every
// dispatched run; triggers caught mid-shutdown still finish their
// current step.
func NewManager(baseCtx context.Context, s *store.Store, runner *Runner, log *logrus.Logger) *Manager {
	m := &Manager{
		store:   s,
		runner:  runner,
		log:     log,
		baseCtx: baseCtx,
		stops:   make(map[string]bool),
	}
	runner.SetStopCheck(m.stopRequested)
	return m
}

// Trigger claims the account and dispatches a sync run in the
// background. Returns the created job, or ErrSyncInProgress when the
// account is already being synced.
func (m *Manager) Trigger(ctx context.Context, req TriggerRequest) (model.SyncJob, error) {
	if req.Mode == "" {
		req.Mode = model.ModeIncremental
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}

	account, err := m.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return model.SyncJob{}, err
	}
	if account.Status == model.AccountDisabled {
		return model.SyncJob{}, fmt.Errorf("account %s is disabled", account.ID)
	}

	claimed, err := m.store.ClaimForSync(ctx, account.ID)
	if err != nil {
		return model.SyncJob{}, err
	}
	if !claimed {
		return model.SyncJob{}, ErrSyncInProgress
	}

	job, err := m.store.CreateJob(ctx, account.ID, req.Trigger, req.Mode)
	if err != nil {
		_ = m.store.ReleaseSync(ctx, account.ID, err.Error())
		return model.SyncJob{}, err
	}

	m.clearStop(account.ID)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.clearStop(account.ID)

		m.log.WithFields(logrus.Fields{
			"job": job.ID, "account": account.ID, "trigger": req.Trigger, "mode": req.Mode,
		}).Info("sync run starting")

		if err := m.runner.Run(m.baseCtx, job); err != nil {
			m.log.WithError(err).WithField("job", job.ID).Warn("sync run failed")
		}
	}()

	return job, nil
}

// RequestStop sets the advisory stop flag for an account. The running
// job observes it at the next step boundary; steps already in flight at
// a provider cannot be aborted remotely.
func (m *Manager) RequestStop(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[accountID] = true
}

// stopRequested reports the advisory stop flag.
func (m *Manager) stopRequested(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops[accountID]
}

// clearStop drops the advisory stop flag.
func (m *Manager) clearStop(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stops, accountID)
}

// RunCron triggers incremental syncs for every syncable account on the
// given interval until ctx is cancelled. Accounts already syncing are
// skipped via the usual coalescing.
func (m *Manager) RunCron(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accounts, err := m.store.ListSyncableAccounts(ctx)
			if err != nil {
				m.log.WithError(err).Error("listing accounts for cron sync")
				continue
			}
			for _, account := range accounts {
				_, err := m.Trigger(ctx, TriggerRequest{
					AccountID: account.ID,
					UserID:    account.UserID,
					Mode:      model.ModeIncremental,
					Trigger:   model.TriggerCron,
				})
				if err != nil && !errors.Is(err, ErrSyncInProgress) {
					m.log.WithError(err).WithField("account", account.ID).Warn("cron trigger failed")
				}
			}
		}
	}
}

// Wait blocks until all dispatched runs have finished. Called on
// shutdown after baseCtx is cancelled.
func (m *Manager) Wait() {
	m.wg.Wait()
}
