package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"post_relay/internal/domain"
)

const defaultRunTimeout = 5 * time.Minute

// Runner defines the interface for a single relay pass.
type Runner interface {
	Run(ctx context.Context) (*domain.RunStats, error)
}

type Scheduler struct {
	runner   Runner
	spec     string
	schedule cron.Schedule
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler accepts standard five-field cron specs and descriptors such
// as "@every 5m". Each run is cancelled after timeout; zero means five
// minutes.
func NewScheduler(runner Runner, spec string, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	return &Scheduler{
		runner:   runner,
		spec:     spec,
		schedule: schedule,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Start runs once immediately, then on the schedule until ctx is done. A tick
// that fires while a run is still in progress is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "schedule", s.spec, "run_timeout", s.timeout)

	s.runOnce(ctx)
	if ctx.Err() != nil {
		s.logger.Info("scheduler stopped")
		return ctx.Err()
	}

	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.runOnce(ctx) }))
	c.Start()

	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()

	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.runner.Run(runCtx); err != nil {
		s.logger.Error("run failed", "error", err)
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
