// Package pipeline runs the scheduled background jobs of a worker process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leafline/greenledger/internal/domain"
)

const archiveLockKey = "archive"

// cronParser accepts six-field expressions with a leading seconds field, plus
// descriptors such as "@daily".
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron reports whether expr is a schedule ArchiveJob.RunCron accepts.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	return nil
}

// ArchiveJob copies trades and audit rows older than the retention window to
// cold storage. When locks is set only one worker replica runs at a time.
type ArchiveJob struct {
	archiver      domain.Archiver
	locks         domain.LockManager
	retentionDays int
	lockTTL       time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiveJob creates an ArchiveJob. locks may be nil.
func NewArchiveJob(archiver domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:      archiver,
		locks:         locks,
		retentionDays: retentionDays,
		lockTTL:       30 * time.Minute,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archive_job")),
	}
}

// Run executes a single archive pass. It returns nil without doing anything
// when another replica holds the archive lock.
func (j *ArchiveJob) Run(ctx context.Context) error {
	if j.locks != nil {
		unlock, err := j.locks.Acquire(ctx, archiveLockKey, j.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			j.logger.InfoContext(ctx, "archive run skipped, lock held elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := j.now().UTC().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
	j.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	trades, err := j.archiver.ArchiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive trades before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	audit, err := j.archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive audit before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	j.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("trades_archived", trades),
		slog.Int64("audit_archived", audit),
	)
	return nil
}

// RunCron runs the job on expr until ctx is cancelled, then waits for a run
// in progress to finish.
func (j *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	c.Schedule(sched, cron.FuncJob(func() {
		if err := j.Run(ctx); err != nil {
			j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
	}))

	j.logger.Info("archive cron started",
		slog.String("cron", expr),
		slog.Time("next_run", sched.Next(j.now().UTC())),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("archive cron stopped")
	return nil
}
