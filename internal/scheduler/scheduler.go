// Package scheduler runs periodic maintenance: purging expired entries
// from the token denylist and expiring abandoned checkouts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iliyamo/mess-backend/internal/metrics"
)

// Job names, used in logs and as a metric label.
const (
	JobPurgeTokens  = "purge_revoked_tokens"
	JobSweepPending = "sweep_stale_pending"
)

// jobTimeout bounds a single run.
const jobTimeout = time.Minute

// TokenPurger deletes denylist rows that expired before cutoff.
type TokenPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PendingSweeper expires abandoned PENDING_PAYMENT subscriptions.
type PendingSweeper interface {
	ExpireStalePending(ctx context.Context) (int64, error)
}

// Config holds the cron specs for each job.  An empty spec disables the job.
type Config struct {
	CleanupSchedule string
	SweepSchedule   string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	tokens  TokenPurger
	pending PendingSweeper
	metrics *metrics.Collector
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New creates a scheduler.  Jobs are registered by Start.
func New(tokens TokenPurger, pending PendingSweeper, mc *metrics.Collector, logger *slog.Logger, cfg Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{
		cron:    c,
		tokens:  tokens,
		pending: pending,
		metrics: mc,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start registers the jobs and starts the cron scheduler.  An invalid
// schedule is an error so a typo in configuration fails at boot.
func (s *Scheduler) Start() error {
	if err := s.add(JobPurgeTokens, s.cfg.CleanupSchedule, s.PurgeTokens); err != nil {
		return err
	}
	if err := s.add(JobSweepPending, s.cfg.SweepSchedule, s.SweepPending); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) add(name, spec string, fn func()) error {
	if spec == "" {
		s.logger.Info("scheduled job disabled", "job", name)
		return nil
	}
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("scheduler: %s: invalid schedule %q: %w", name, spec, err)
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
	return nil
}

// Stop stops the scheduler.  The returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// PurgeTokens removes denylist entries whose tokens have expired anyway.
func (s *Scheduler) PurgeTokens() {
	s.run(JobPurgeTokens, func(ctx context.Context) (int64, error) {
		return s.tokens.PurgeExpired(ctx, s.now())
	})
}

// SweepPending expires checkouts abandoned past their payment window.
func (s *Scheduler) SweepPending() {
	s.run(JobSweepPending, s.pending.ExpireStalePending)
}

func (s *Scheduler) run(name string, fn func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	start := time.Now()
	n, err := fn(ctx)
	s.metrics.ObserveJob(name, err)
	if err != nil {
		s.logger.Error("scheduled job failed", "job", name, "err", err)
		return
	}
	s.logger.Info("scheduled job finished", "job", name, "affected", n, "took", time.Since(start))
}
