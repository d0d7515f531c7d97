package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadGate/internal/util"
)

const (
	jobColumns    = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`
	outboxColumns = `id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`
)

// queueTable describes the columns that differ between the jobs table and
// the outbox table; claiming, dedupe and stale recovery are otherwise shared.
type queueTable struct {
	name    string
	columns string
	claimed string // status while a worker holds the row
	due     string // predicate with one ? bound to now
	order   string
	live    string // rows that still block a dedupe key
}

var (
	jobsTable = queueTable{
		name:    "jobs",
		columns: jobColumns,
		claimed: string(JobStatusRunning),
		due:     "run_at <= ?",
		order:   "run_at",
		live:    "status NOT IN ('done', 'canceled', 'failed')",
	}
	outboxTable = queueTable{
		name:    "outbox_messages",
		columns: outboxColumns,
		claimed: string(OutboxStatusSending),
		due:     "(next_attempt_at IS NULL OR next_attempt_at <= ?)",
		order:   "created_at",
		live:    "status != 'canceled'",
	}
)

// liveByDedupeKey returns the ID of a row still holding dedupeKey, or "".
func (r *sqlRepo) liveByDedupeKey(ctx context.Context, t queueTable, dedupeKey string) (string, error) {
	if dedupeKey == "" {
		return "", nil
	}
	var id string
	err := r.db.QueryRowContext(ctx, r.q(`SELECT id FROM `+t.name+` WHERE dedupe_key = ? AND `+t.live), dedupeKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s dedupe check failed: %w", t.name, err)
	}
	return id, nil
}

// claimDue moves up to limit due rows into the claimed status and hands them
// to collect. Postgres does it in one statement and skips rows other workers
// hold; SQLite has a single writer, so a transaction is enough.
func (r *sqlRepo) claimDue(ctx context.Context, t queueTable, now time.Time, limit int, collect func(*sql.Rows) error) error {
	now = now.UTC()
	if r.skipLocked {
		rows, err := r.db.QueryContext(ctx, r.q(
			`UPDATE `+t.name+` SET status = ?, locked_at = ?, updated_at = ?
			 WHERE id IN (
			   SELECT id FROM `+t.name+` WHERE status = 'queued' AND `+t.due+`
			   ORDER BY `+t.order+` ASC LIMIT ?
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+t.columns),
			t.claimed, now, now, now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim %s failed: %w", t.name, err)
		}
		defer rows.Close()
		return collect(rows)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM `+t.name+` WHERE status = 'queued' AND `+t.due+` ORDER BY `+t.order+` ASC LIMIT ?`,
			now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim %s failed: %w", t.name, err)
		}
		var ids []any
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		in := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
		args := append([]any{t.claimed, now, now}, ids...)
		if _, err := tx.ExecContext(ctx, `UPDATE `+t.name+` SET status = ?, locked_at = ?, updated_at = ? WHERE id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("mark %s claimed failed: %w", t.name, err)
		}
		claimed, err := tx.QueryContext(ctx, `SELECT `+t.columns+` FROM `+t.name+` WHERE id IN (`+in+`) ORDER BY `+t.order+` ASC`, ids...)
		if err != nil {
			return err
		}
		defer claimed.Close()
		return collect(claimed)
	})
}

// requeueStale hands rows claimed before staleBefore back to the queue.
func (r *sqlRepo) requeueStale(ctx context.Context, t queueTable, staleBefore time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, r.q(
		`UPDATE `+t.name+` SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`),
		time.Now().UTC(), t.claimed, staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale %s failed: %w", t.name, err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(r.name+".requeueStale: requeued claimed rows", "table", t.name, "count", n)
	}
	return int(n), nil
}

func (r *sqlRepo) setStatus(ctx context.Context, t queueTable, id, status string) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE `+t.name+` SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set %s status %s failed: %w", t.name, status, err)
	}
	return nil
}

// --- Jobs ---

func (r *sqlRepo) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	existing, err := r.liveByDedupeKey(ctx, jobsTable, dedupeKey)
	if err != nil || existing != "" {
		return existing, err
	}

	id := util.GenerateRandomID(util.JobIDPrefix)
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, r.q(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`),
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(r.name+".EnqueueJob: queued", "id", id, "kind", kind, "run_at", runAt)
	return id, nil
}

func (r *sqlRepo) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	var jobs []Job
	err := r.claimDue(ctx, jobsTable, now, limit, func(rows *sql.Rows) error {
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job failed: %w", err)
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *sqlRepo) CompleteJob(ctx context.Context, id string) error {
	return r.setStatus(ctx, jobsTable, id, string(JobStatusDone))
}

func (r *sqlRepo) CancelJob(ctx context.Context, id string) error {
	return r.setStatus(ctx, jobsTable, id, string(JobStatusCanceled))
}

func (r *sqlRepo) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(
		`UPDATE jobs
		 SET status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		     attempt = attempt + 1, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`),
		errMsg, nextRunAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	return r.requeueStale(ctx, jobsTable, staleBefore)
}

func (r *sqlRepo) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, r.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

// --- Outbox ---

func (r *sqlRepo) EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	existing, err := r.liveByDedupeKey(ctx, outboxTable, dedupeKey)
	if err != nil || existing != "" {
		return existing, err
	}

	id := util.GenerateRandomID(util.OutboxIDPrefix)
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, r.q(
		`INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, recipient, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(r.name+".EnqueueOutboxMessage: queued", "id", id, "kind", kind)
	return id, nil
}

func (r *sqlRepo) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	err := r.claimDue(ctx, outboxTable, now, limit, func(rows *sql.Rows) error {
		for rows.Next() {
			m, err := scanOutboxMessage(rows)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *sqlRepo) MarkOutboxMessageSent(ctx context.Context, id string) error {
	return r.setStatus(ctx, outboxTable, id, string(OutboxStatusSent))
}

func (r *sqlRepo) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(
		`UPDATE outbox_messages
		 SET status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
		     attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`),
		DefaultOutboxMaxAttempts, errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	return r.requeueStale(ctx, outboxTable, staleBefore)
}

func (r *sqlRepo) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	m, err := scanOutboxMessage(r.db.QueryRowContext(ctx, r.q(`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox message failed: %w", err)
	}
	return &m, nil
}
