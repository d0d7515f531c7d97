package store

import (
	"context"
	"time"
)

// Retry budgets for rows created without an explicit limit.
const (
	DefaultJobMaxAttempts    = 3
	DefaultOutboxMaxAttempts = 5
)

// JobStatus is where a job sits in the queue.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Job is deferred work such as a session abandonment check.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	PayloadJSON string     `json:"payload_json"`
	DedupeKey   string     `json:"dedupe_key"`
	Status      JobStatus  `json:"status"`
	RunAt       time.Time  `json:"run_at"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo persists the job queue.
//
// Enqueueing with a dedupe key that matches a queued or running job returns
// that job's ID instead of inserting. Claiming flips due rows to running;
// rows left running past a cutoff can be requeued after a crash.
type JobRepo interface {
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, id string) error
	// FailJob reschedules at nextRunAt, or parks the job as failed once
	// MaxAttempts is used up.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error
	CancelJob(ctx context.Context, id string) error
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)
	// GetJob returns nil, nil for an unknown ID.
	GetJob(ctx context.Context, id string) (*Job, error)
}

// OutboxStatus is where an outgoing notification sits in the outbox.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a notification waiting for delivery, e.g. a reviewer alert.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Kind          string       `json:"kind"`
	Recipient     string       `json:"recipient"`
	PayloadJSON   string       `json:"payload_json"`
	DedupeKey     string       `json:"dedupe_key"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	LastError     string       `json:"last_error"`
	LockedAt      *time.Time   `json:"locked_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists the notification outbox. Dedupe and claim semantics
// match JobRepo; a NULL next attempt counts as due.
type OutboxRepo interface {
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(ctx context.Context, id string) error
	// FailOutboxMessage retries at nextAttemptAt until DefaultOutboxMaxAttempts.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
	GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error)
}
