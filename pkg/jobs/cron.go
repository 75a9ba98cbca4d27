package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanlanch/dripline/pkg/cache"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/robfig/cron/v3"
)

// SchedulerLockKey guards the due-step scan across replicas
const SchedulerLockKey = "lock:emailsequence:run-due"

// DueStepRunner is the part of the sequence engine the scheduler job drives
type DueStepRunner interface {
	RunDueSteps(ctx context.Context, now time.Time) (*emailsequence.RunSummary, error)
}

// CronManager manages scheduled jobs
type CronManager struct {
	cron    *cron.Cron
	runner  DueStepRunner
	locker  *cache.Client
	logger  logger.Logger
	spec    string
	timeout time.Duration
	now     func() time.Time
}

// NewCronManager creates a new cron manager. locker may be nil, in which case
// the per-enrollment database lease is the only guard against overlap.
func NewCronManager(runner DueStepRunner, locker *cache.Client, log logger.Logger, spec string, timeout time.Duration) *CronManager {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &CronManager{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		runner:  runner,
		locker:  locker,
		logger:  log.With("component", "cron"),
		spec:    spec,
		timeout: timeout,
		now:     time.Now,
	}
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	cm.logger.Info("setting up cron jobs")

	_, err := cm.cron.AddFunc(cm.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cm.timeout)
		defer cancel()

		if _, _, err := cm.RunOnce(ctx); err != nil {
			cm.logger.Error("due step run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", cm.spec, err)
	}

	cm.logger.Info("cron jobs configured", "run_due_steps", cm.spec)
	return nil
}

// RunOnce runs one due-step pass under the distributed lock. ran is false
// when another replica holds the lock.
func (cm *CronManager) RunOnce(ctx context.Context) (summary *emailsequence.RunSummary, ran bool, err error) {
	if cm.locker != nil {
		lock, err := cm.locker.AcquireLock(ctx, SchedulerLockKey, cm.timeout)
		if errors.Is(err, cache.ErrLockHeld) {
			cm.logger.Debug("scheduler lock held elsewhere, skipping tick")
			return nil, false, nil
		}
		if err != nil {
			// without the lock, per-enrollment leases still prevent double sends
			cm.logger.Warn("scheduler lock unavailable, running without it", "error", err)
		} else {
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					cm.logger.Warn("failed to release scheduler lock", "error", err)
				}
			}()
		}
	}

	summary, err = cm.runner.RunDueSteps(ctx, cm.now())
	if err != nil {
		return nil, true, err
	}
	return summary, true, nil
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Info("starting cron scheduler")
	cm.cron.Start()
}

// Stop stops the cron scheduler and waits for a running job to finish
func (cm *CronManager) Stop(ctx context.Context) {
	cm.logger.Info("stopping cron scheduler")
	select {
	case <-cm.cron.Stop().Done():
	case <-ctx.Done():
		cm.logger.Warn("cron job still running at shutdown")
	}
}

// Entries returns the number of registered jobs
func (cm *CronManager) Entries() int {
	return len(cm.cron.Entries())
}
