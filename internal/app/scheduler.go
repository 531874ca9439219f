/**
 * @description
 * Cron scheduler for the ledger-service housekeeping jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ExpiredOTPPurger drops OTP entries whose validity window has passed.
type ExpiredOTPPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	otpStore ExpiredOTPPurger
	logger   *slog.Logger
	now      func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(otpStore ExpiredOTPPurger, logger *slog.Logger) *Jobs {
	return &Jobs{otpStore: otpStore, logger: logger, now: time.Now}
}

// PurgeExpiredOTPs removes stale codes from the in-memory OTP store.
func (j *Jobs) PurgeExpiredOTPs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := j.otpStore.PurgeExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("failed to purge expired otps", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("purged expired otps", "removed", removed)
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.PurgeExpiredOTPs); err != nil {
		s.logger.Error("failed to schedule otp purge job", "error", err)
		return err
	}
	s.logger.Info("scheduled otp purge job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
