package reports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/m3rciful/policybot/core/logger"
)

// cronLogger routes cron's own messages to the reports component.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Component("reports").Debug(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Component("reports").Error(msg, append(keysAndValues, "err", err.Error())...)
}

// Scheduler runs jobs on standard five-field cron expressions.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler builds a stopped scheduler evaluating expressions in loc.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log := cronLogger{}
	return &Scheduler{cron: cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)}
}

// Add schedules job under name. The job receives ctx.
func (s *Scheduler) Add(ctx context.Context, spec, name string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		err := job(ctx)
		attrs := []slog.Attr{
			slog.String("job", name),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
		}
		if err != nil {
			logger.Error(ctx, "reports", "job.run", append(attrs, slog.String("status", "fail"), slog.String("err", err.Error()))...)
			return
		}
		logger.Info(ctx, "reports", "job.run", append(attrs, slog.String("status", "ok"))...)
	})
	if err != nil {
		return fmt.Errorf("reports: schedule %s: %w", name, err)
	}
	logger.Info(ctx, "reports", "job.schedule", slog.String("job", name), slog.String("spec", spec))
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
