package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job outcomes reported to an OutcomeHook.
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeNoHandler = "no_handler"
)

const (
	defaultStaleThreshold = 5 * time.Minute
	defaultClaimLimit     = 10
	defaultHandlerTimeout = time.Minute
	maxJobBackoff         = 30 * time.Minute
)

// JobHandler executes one job. It receives the job's payload JSON and must be
// idempotent: a job interrupted by a crash runs again after RecoverStaleJobs.
type JobHandler func(ctx context.Context, payload string) error

// OutcomeHook observes each processed job or message by kind and outcome.
type OutcomeHook func(kind, outcome string)

// RunnerOpts configures a JobRunner or an OutboxSender.
type RunnerOpts struct {
	StaleThreshold time.Duration
	ClaimLimit     int
	HandlerTimeout time.Duration
	OnOutcome      OutcomeHook
	Clock          func() time.Time
}

// RunnerOption configures a JobRunner or an OutboxSender.
type RunnerOption func(*RunnerOpts)

// WithStaleThreshold sets how long a claimed item may stay in flight before
// recovery requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.StaleThreshold = d }
}

// WithClaimLimit caps the items claimed per poll.
func WithClaimLimit(n int) RunnerOption {
	return func(o *RunnerOpts) { o.ClaimLimit = n }
}

// WithHandlerTimeout bounds a single handler or send call.
func WithHandlerTimeout(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.HandlerTimeout = d }
}

// WithOutcomeHook reports every processed item, typically to metrics.
func WithOutcomeHook(h OutcomeHook) RunnerOption {
	return func(o *RunnerOpts) { o.OnOutcome = h }
}

// WithRunnerClock overrides time.Now for due-time and backoff computation.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(o *RunnerOpts) { o.Clock = now }
}

func applyRunnerOpts(opts []RunnerOption) RunnerOpts {
	cfg := RunnerOpts{
		StaleThreshold: defaultStaleThreshold,
		ClaimLimit:     defaultClaimLimit,
		HandlerTimeout: defaultHandlerTimeout,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.OnOutcome == nil {
		cfg.OnOutcome = func(string, string) {}
	}
	return cfg
}

// backoff doubles from base per attempt, capped at maxJobBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxJobBackoff {
			return maxJobBackoff
		}
	}
	return d
}

// JobRunner claims due jobs and dispatches them to the handler registered for
// their kind. Abandonment checks for clarification sessions run through it.
type JobRunner struct {
	repo         JobRepo
	pollInterval time.Duration
	opts         RunnerOpts

	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewJobRunner creates a JobRunner polling every pollInterval (10s if unset).
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &JobRunner{
		repo:         repo,
		pollInterval: pollInterval,
		opts:         applyRunnerOpts(opts),
		handlers:     make(map[string]JobHandler),
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs requeues jobs left running past the stale threshold.
// Called at startup and periodically by the maintenance scheduler.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.opts.Clock().Add(-r.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is canceled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "poll_interval", r.pollInterval)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}

// RunDue claims and executes the jobs due now and returns how many it claimed.
func (r *JobRunner) RunDue(ctx context.Context) int {
	now := r.opts.Clock()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.opts.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.RunDue: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.execute(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) {
	h, ok := r.handler(job.Kind)
	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "job_id", job.ID)
		r.opts.OnOutcome(job.Kind, OutcomeNoHandler)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: failed to record failure", "job_id", job.ID, "error", err)
		}
		return
	}

	hctx, cancel := context.WithTimeout(ctx, r.opts.HandlerTimeout)
	err := h(hctx, job.PayloadJSON)
	cancel()
	if err != nil {
		retryAt := now.Add(backoff(30*time.Second, job.Attempt))
		slog.Error("JobRunner.execute: job failed", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "retry_at", retryAt, "error", err)
		r.opts.OnOutcome(job.Kind, OutcomeFailed)
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), retryAt); err != nil {
			slog.Error("JobRunner.execute: failed to record failure", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.execute: failed to mark job done", "job_id", job.ID, "error", err)
		return
	}
	r.opts.OnOutcome(job.Kind, OutcomeDone)
	slog.Debug("JobRunner.execute: job completed", "job_id", job.ID, "kind", job.Kind)
}
