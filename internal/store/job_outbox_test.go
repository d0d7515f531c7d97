package store

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Job repo tests ---

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	id, err := s.EnqueueJob(ctx, "test_kind", runAt, `{"key":"value"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueJob returned empty ID")
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("GetJob returned nil")
	}
	if job.Kind != "test_kind" {
		t.Errorf("Expected kind 'test_kind', got %q", job.Kind)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued', got %q", job.Status)
	}
	if job.PayloadJSON != `{"key":"value"}` {
		t.Errorf("Expected payload, got %q", job.PayloadJSON)
	}
}

func TestSQLiteStore_JobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	id1, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "unique-key-1")
	if err != nil {
		t.Fatalf("EnqueueJob 1 failed: %v", err)
	}

	// Same dedupe key should return existing ID
	id2, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "unique-key-1")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("Expected dedupe to return same ID %q, got %q", id1, id2)
	}

	// Different dedupe key should create new job
	id3, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "unique-key-2")
	if err != nil {
		t.Fatalf("EnqueueJob 3 failed: %v", err)
	}
	if id3 == id1 {
		t.Error("Expected different ID for different dedupe key")
	}
}

func TestSQLiteStore_JobRepo_DedupeKeyAfterComplete(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	id1, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "reuse-key")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Complete the job
	if err := s.CompleteJob(ctx, id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	// Same dedupe key should now create a new job (since old one is done)
	id2, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "reuse-key")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id2 == id1 {
		t.Error("Expected new ID after completing old job with same dedupe key")
	}
}

func TestSQLiteStore_JobRepo_ClaimDueJobs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	_, err := s.EnqueueJob(ctx, "past_job", past, `{"when":"past"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob past failed: %v", err)
	}
	_, err = s.EnqueueJob(ctx, "future_job", future, `{"when":"future"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob future failed: %v", err)
	}

	now := time.Now()
	jobs, err := s.ClaimDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(jobs))
	}
	if jobs[0].Kind != "past_job" {
		t.Errorf("Expected kind 'past_job', got %q", jobs[0].Kind)
	}
	if jobs[0].Status != JobStatusRunning {
		t.Errorf("Expected status 'running', got %q", jobs[0].Status)
	}
}

func TestSQLiteStore_JobRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	id, err := s.EnqueueJob(ctx, "retry_job", past, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Claim it
	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}

	// Fail it (attempt 1 of 3)
	nextRun := time.Now().Add(time.Minute)
	if err := s.FailJob(ctx, id, "transient error", nextRun); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued' after first failure, got %q", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", job.Attempt)
	}
	if job.LastError != "transient error" {
		t.Errorf("Expected error message, got %q", job.LastError)
	}
}

func TestSQLiteStore_JobRepo_FailMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	id, err := s.EnqueueJob(ctx, "fail_job", past, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	nextRun := time.Now().Add(time.Minute)
	for i := 0; i < 3; i++ {
		// Claim
		s.ClaimDueJobs(ctx, time.Now(), 10)
		// Fail
		if err := s.FailJob(ctx, id, "persistent error", nextRun); err != nil {
			t.Fatalf("FailJob iteration %d failed: %v", i, err)
		}
	}

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusFailed {
		t.Errorf("Expected status 'failed' after max attempts, got %q", job.Status)
	}
	if job.Attempt != 3 {
		t.Errorf("Expected attempt 3, got %d", job.Attempt)
	}
}

func TestSQLiteStore_JobRepo_CancelJob(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "cancel_job", time.Now().Add(time.Hour), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	if err := s.CancelJob(ctx, id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusCanceled {
		t.Errorf("Expected status 'canceled', got %q", job.Status)
	}
}

func TestSQLiteStore_JobRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := s.EnqueueJob(ctx, "stale_job", past, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Claim it (marks as running)
	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}

	// Requeue stale jobs (locked more than 1 minute ago)
	staleBefore := time.Now().Add(time.Minute) // Everything is stale
	n, err := s.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}

	// Verify it's back to queued
	job, _ := s.GetJob(ctx, jobs[0].ID)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued' after requeue, got %q", job.Status)
	}
}

// --- Outbox repo tests ---

func TestSQLiteStore_OutboxRepo_EnqueueAndClaim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{"body":"Hello"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueOutboxMessage returned empty ID")
	}

	now := time.Now()
	msgs, err := s.ClaimDueOutboxMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Recipient != "+15550100" {
		t.Errorf("Expected recipient '+15550100', got %q", msgs[0].Recipient)
	}
	if msgs[0].Status != OutboxStatusSending {
		t.Errorf("Expected status 'sending', got %q", msgs[0].Status)
	}
}

func TestSQLiteStore_OutboxRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id1, err := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "dedupe-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage 1 failed: %v", err)
	}

	id2, err := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "dedupe-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage 2 failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("Expected same ID for duplicate dedupe key, got %q and %q", id1, id2)
	}
}

func TestSQLiteStore_OutboxRepo_MarkSent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "")
	msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}

	if err := s.MarkOutboxMessageSent(ctx, id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}

	// Should not be claimable again
	msgs2, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs2) != 0 {
		t.Errorf("Expected 0 messages after sent, got %d", len(msgs2))
	}
}

func TestSQLiteStore_OutboxRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "")
	s.ClaimDueOutboxMessages(ctx, time.Now(), 10)

	nextAttempt := time.Now().Add(-time.Second) // Already due for retry
	if err := s.FailOutboxMessage(ctx, id, "send error", nextAttempt); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}

	// Should be claimable again
	msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 retryable message, got %d", len(msgs))
	}
}

func TestSQLiteStore_OutboxRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "")
	s.ClaimDueOutboxMessages(ctx, time.Now(), 10)

	staleBefore := time.Now().Add(time.Minute)
	n, err := s.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}
}

func TestSQLiteStore_OutboxRepo_FailMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "")
	for i := 0; i < DefaultOutboxMaxAttempts; i++ {
		s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
		if err := s.FailOutboxMessage(ctx, id, "twilio down", time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("FailOutboxMessage iteration %d failed: %v", i, err)
		}
	}

	msg, err := s.GetOutboxMessage(ctx, id)
	if err != nil || msg == nil {
		t.Fatalf("GetOutboxMessage failed: %v", err)
	}
	if msg.Status != OutboxStatusFailed {
		t.Errorf("Expected status 'failed' after max attempts, got %q", msg.Status)
	}
	if msg.LastError != "twilio down" {
		t.Errorf("Expected last error to be kept, got %q", msg.LastError)
	}

	msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 0 {
		t.Errorf("Expected failed message to stay parked, got %d claimable", len(msgs))
	}
}

func TestSQLiteStore_OutboxRepo_DedupeKeyAfterSent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id1, _ := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "inq_1:manual")
	s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err := s.MarkOutboxMessageSent(ctx, id1); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}

	// An alert already delivered is not sent twice.
	id2, err := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{}`, "inq_1:manual")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("Expected dedupe to return sent message %q, got %q", id1, id2)
	}
}

// --- JobRunner tests ---

func TestJobRunner_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runner := NewJobRunner(s, 50*time.Millisecond)

	var executed int32
	runner.RegisterHandler("test_kind", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})

	// Enqueue a job due immediately
	past := time.Now().Add(-time.Second)
	_, err := s.EnqueueJob(ctx, "test_kind", past, `{"test":true}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	go runner.Run(runCtx)
	<-runCtx.Done()

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution, got %d", atomic.LoadInt32(&executed))
	}
}

// --- OutboxSender tests ---

func TestOutboxSender_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	var sent int32
	sendFunc := func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}

	sender := NewOutboxSender(s, sendFunc, 50*time.Millisecond)

	// Enqueue a message
	_, err := s.EnqueueOutboxMessage(ctx, "+15550100", "reviewer_alert", `{"body":"Hello"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	go sender.Run(runCtx)
	<-runCtx.Done()

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected 1 send, got %d", atomic.LoadInt32(&sent))
	}
}
