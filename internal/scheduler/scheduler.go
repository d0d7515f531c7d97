// Package scheduler runs periodic maintenance tasks on cron expressions.
//
// Tasks are things like requeueing outbox messages and jobs left claimed by a
// stalled worker; request-driven work never goes through here.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultMaintenanceSchedule runs maintenance every ten minutes.
const DefaultMaintenanceSchedule = "*/10 * * * *"

// DefaultTaskTimeout bounds a single task run.
const DefaultTaskTimeout = time.Minute

// Task is one maintenance step. Errors are logged, never fatal.
type Task func(ctx context.Context) error

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a cron scheduler. It does not run tasks until Start or Run.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, timeout: DefaultTaskTimeout, ctx: ctx, cancel: cancel}
}

// AddTask schedules task under expr. It returns an error if the expression is invalid.
func (s *Scheduler) AddTask(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() { s.runTask(name, task) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddTask: task scheduled", "task", name, "schedule", expr)
	return nil
}

func (s *Scheduler) runTask(name string, task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := task(ctx); err != nil {
		slog.Error("Scheduler.runTask: task failed", "task", name, "error", err)
		return
	}
	slog.Debug("Scheduler.runTask: task finished", "task", name, "duration", time.Since(start))
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler, cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Run starts the scheduler and stops it when ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler.Run: starting maintenance scheduler", "tasks", len(s.cron.Entries()))
	s.Start()
	<-ctx.Done()
	s.Stop()
	slog.Info("Scheduler.Run: maintenance scheduler stopped")
}
