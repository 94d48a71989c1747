// Package scheduler runs named cron jobs. It wraps gocron; the daemon's
// only built-in job is the pulse, but channel adapters may register their
// own periodic work.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Execute(ctx context.Context) error
}

// Scheduler wraps gocron and guards job names for uniqueness. Jobs
// registered after Start are picked up immediately.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *logger.Logger

	mu      sync.Mutex
	jobs    map[string]gocron.Job
	running bool
}

// New creates a Scheduler. Call Start to begin ticking.
func New(log *logger.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:   cron,
		jobs:   make(map[string]gocron.Job),
		logger: log.WithFields(zap.String("component", "scheduler")),
	}, nil
}

// Register schedules a job under its name with a cron expression.
// Duplicate names are rejected. A failing or panicking tick is logged and
// never tears down the scheduler.
func (s *Scheduler) Register(job Job, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q is already registered", name)
	}

	cronJob, err := s.cron.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("job panicked",
						zap.String("job", name), zap.Any("panic", r))
				}
			}()
			if err := job.Execute(context.Background()); err != nil {
				s.logger.Error("job tick failed",
					zap.String("job", name), zap.Error(err))
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q (schedule %q): %w", name, schedule, err)
	}
	s.jobs[name] = cronJob
	s.logger.Info("job registered",
		zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

// Start begins ticking all registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("scheduler already started")
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop shuts the scheduler down, waiting for in-flight ticks.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.running = false
	s.logger.Info("scheduler stopped")
	return nil
}

// GetNextRun returns the next scheduled run of a job, or false when the
// job is unknown or has no upcoming run.
func (s *Scheduler) GetNextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next, err := job.NextRun()
	if err != nil || next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
