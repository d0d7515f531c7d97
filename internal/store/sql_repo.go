package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadGate/internal/models"
)

// sqlRepo implements every repo interface on database/sql. Queries are
// written with ? placeholders and rebound for drivers that need $n.
type sqlRepo struct {
	db         *sql.DB
	name       string
	rebind     func(string) string
	skipLocked bool
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	inquiryColumns = `id, email_domain, form_json, gate_json, status, ip_address, user_agent, form_version, rules_version, created_at, updated_at`
	sessionColumns = `id, inquiry_id, status, triggers_json, question_count, max_questions, provisional_gate_status, latest_gate_status, latest_routing, field_updates_json, final_output_json, expires_at, created_at, updated_at`
	turnColumns    = `session_id, turn_index, question_json, llm_model, answer_value, answer_text, answered_at, field_updated, target_field, old_value, new_value, created_at`
	eventColumns   = `id, inquiry_id, event_type, actor_type, field, old_value, new_value, reason, created_at`
)

func (r *sqlRepo) q(query string) string {
	if r.rebind == nil {
		return query
	}
	return r.rebind(query)
}

func (r *sqlRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(r.name+".withTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// --- Inquiries ---

func (r *sqlRepo) CreateInquiry(ctx context.Context, inq *models.Inquiry, events ...models.InquiryEvent) error {
	formJSON, gateJSON, err := marshalInquiry(inq)
	if err != nil {
		return err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(
			`INSERT INTO inquiries (id, email_domain, form_json, gate_status, qualification, routing, gate_json, status, ip_address, user_agent, form_version, rules_version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			inq.ID, inq.EmailDomain, formJSON, string(inq.Gate.Status), string(inq.Gate.Qualification), string(inq.Gate.Routing),
			gateJSON, string(inq.Status), nilIfEmpty(inq.IPAddress), nilIfEmpty(inq.UserAgent), inq.FormVersion, inq.RulesVersion,
			inq.CreatedAt.UTC(), inq.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert inquiry failed: %w", err)
		}
		return r.insertEvents(ctx, tx, events)
	})
	if err != nil {
		slog.Error(r.name+".CreateInquiry failed", "error", err, "inquiryID", inq.ID)
		return err
	}
	slog.Debug(r.name+".CreateInquiry succeeded", "inquiryID", inq.ID, "gateStatus", inq.Gate.Status)
	return nil
}

func (r *sqlRepo) GetInquiry(ctx context.Context, id string) (*models.Inquiry, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+inquiryColumns+` FROM inquiries WHERE id = ?`), id)
	inq, err := scanInquiry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrInquiryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inquiry failed: %w", err)
	}
	return inq, nil
}

func (r *sqlRepo) UpdateInquiry(ctx context.Context, inq *models.Inquiry, events ...models.InquiryEvent) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateInquiry(ctx, tx, inq); err != nil {
			return err
		}
		return r.insertEvents(ctx, tx, events)
	})
	if err != nil {
		slog.Error(r.name+".UpdateInquiry failed", "error", err, "inquiryID", inq.ID)
	}
	return err
}

func (r *sqlRepo) updateInquiry(ctx context.Context, db queryer, inq *models.Inquiry) error {
	formJSON, gateJSON, err := marshalInquiry(inq)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, r.q(
		`UPDATE inquiries SET email_domain = ?, form_json = ?, gate_status = ?, qualification = ?, routing = ?, gate_json = ?, status = ?, updated_at = ?
		 WHERE id = ?`),
		inq.EmailDomain, formJSON, string(inq.Gate.Status), string(inq.Gate.Qualification), string(inq.Gate.Routing),
		gateJSON, string(inq.Status), inq.UpdatedAt.UTC(), inq.ID,
	)
	if err != nil {
		return fmt.Errorf("update inquiry failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrInquiryNotFound
	}
	return nil
}

func (r *sqlRepo) AddInquiryEvents(ctx context.Context, events ...models.InquiryEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.insertEvents(ctx, tx, events)
	})
}

func (r *sqlRepo) insertEvents(ctx context.Context, db queryer, events []models.InquiryEvent) error {
	for _, ev := range events {
		_, err := db.ExecContext(ctx, r.q(
			`INSERT INTO inquiry_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.ID, ev.InquiryID, string(ev.EventType), string(ev.ActorType),
			nilIfEmpty(ev.Field), nilIfEmpty(ev.OldValue), nilIfEmpty(ev.NewValue), nilIfEmpty(ev.Reason), ev.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert inquiry event %s failed: %w", ev.EventType, err)
		}
	}
	return nil
}

func (r *sqlRepo) ListInquiryEvents(ctx context.Context, inquiryID string) ([]models.InquiryEvent, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM inquiry_events WHERE inquiry_id = ? ORDER BY seq ASC`), inquiryID)
	if err != nil {
		return nil, fmt.Errorf("list inquiry events failed: %w", err)
	}
	defer rows.Close()

	var events []models.InquiryEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list inquiry events iteration failed: %w", err)
	}
	return events, nil
}

// --- Sessions ---

func (r *sqlRepo) CreateSession(ctx context.Context, sess *models.Session, first models.Turn, inq *models.Inquiry, events ...models.InquiryEvent) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.insertSession(ctx, tx, sess); err != nil {
			return err
		}
		if err := r.insertTurn(ctx, tx, first); err != nil {
			return err
		}
		if inq != nil {
			if err := r.updateInquiry(ctx, tx, inq); err != nil {
				return err
			}
		}
		return r.insertEvents(ctx, tx, events)
	})
	if err != nil {
		slog.Error(r.name+".CreateSession failed", "error", err, "sessionID", sess.ID)
		return err
	}
	slog.Debug(r.name+".CreateSession succeeded", "sessionID", sess.ID, "inquiryID", sess.InquiryID)
	return nil
}

func (r *sqlRepo) insertSession(ctx context.Context, db queryer, sess *models.Session) error {
	triggersJSON, updatesJSON, finalJSON, err := marshalSession(sess)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, r.q(
		`INSERT INTO clarification_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.InquiryID, string(sess.Status), triggersJSON, sess.QuestionCount, sess.MaxQuestions,
		string(sess.ProvisionalGateStatus), string(sess.LatestGateStatus), string(sess.LatestRouting),
		updatesJSON, finalJSON, sess.ExpiresAt.UTC(), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+sessionColumns+` FROM clarification_sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return sess, nil
}

// updateActiveSession writes sess only while the stored row is still active.
func (r *sqlRepo) updateActiveSession(ctx context.Context, db queryer, sess *models.Session) error {
	_, updatesJSON, finalJSON, err := marshalSession(sess)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, r.q(
		`UPDATE clarification_sessions
		 SET status = ?, question_count = ?, latest_gate_status = ?, latest_routing = ?, field_updates_json = ?, final_output_json = ?, expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`),
		string(sess.Status), sess.QuestionCount, string(sess.LatestGateStatus), string(sess.LatestRouting),
		updatesJSON, finalJSON, sess.ExpiresAt.UTC(), sess.UpdatedAt.UTC(), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.inactiveSessionError(ctx, db, sess.ID)
	}
	return nil
}

// inactiveSessionError explains why a conditional session write matched no row.
func (r *sqlRepo) inactiveSessionError(ctx context.Context, db queryer, id string) error {
	var status string
	err := db.QueryRowContext(ctx, r.q(`SELECT status FROM clarification_sessions WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("session status lookup failed: %w", err)
	}
	return fmt.Errorf("%w: %s", models.ErrSessionNotActive, status)
}

func (r *sqlRepo) CommitTurn(ctx context.Context, c TurnCommit) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.answerTurn(ctx, tx, c.Turn); err != nil {
			return err
		}
		if err := r.updateActiveSession(ctx, tx, c.Session); err != nil {
			return err
		}
		if c.Inquiry != nil {
			if err := r.updateInquiry(ctx, tx, c.Inquiry); err != nil {
				return err
			}
		}
		if c.NextTurn != nil {
			if err := r.insertTurn(ctx, tx, *c.NextTurn); err != nil {
				return err
			}
		}
		return r.insertEvents(ctx, tx, c.Events)
	})
	if err != nil {
		slog.Warn(r.name+".CommitTurn rejected", "error", err, "sessionID", c.Session.ID, "turnIndex", c.Turn.Index)
		return err
	}
	slog.Debug(r.name+".CommitTurn succeeded", "sessionID", c.Session.ID, "turnIndex", c.Turn.Index, "status", c.Session.Status)
	return nil
}

func (r *sqlRepo) CloseSession(ctx context.Context, sess *models.Session, inq *models.Inquiry, events ...models.InquiryEvent) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateActiveSession(ctx, tx, sess); err != nil {
			return err
		}
		if inq != nil {
			if err := r.updateInquiry(ctx, tx, inq); err != nil {
				return err
			}
		}
		return r.insertEvents(ctx, tx, events)
	})
	if err != nil {
		slog.Warn(r.name+".CloseSession rejected", "error", err, "sessionID", sess.ID)
		return err
	}
	slog.Debug(r.name+".CloseSession succeeded", "sessionID", sess.ID, "status", sess.Status)
	return nil
}

func (r *sqlRepo) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, r.q(
		`UPDATE clarification_sessions SET expires_at = ?, updated_at = ? WHERE id = ? AND status = 'active'`),
		expiresAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("extend session failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.inactiveSessionError(ctx, r.db, id)
	}
	return nil
}

// --- Turns ---

func (r *sqlRepo) insertTurn(ctx context.Context, db queryer, t models.Turn) error {
	questionJSON, err := json.Marshal(t.Question)
	if err != nil {
		return fmt.Errorf("marshal question failed: %w", err)
	}
	_, err = db.ExecContext(ctx, r.q(
		`INSERT INTO clarification_turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.SessionID, t.Index, string(questionJSON), nilIfEmpty(t.LLMModel), nilIfEmpty(string(t.AnswerValue)),
		nilIfEmpty(t.AnswerText), nullTime(t.AnsweredAt), t.FieldUpdated, nilIfEmpty(t.TargetField),
		nilIfEmpty(t.OldValue), nilIfEmpty(t.NewValue), t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert turn %d failed: %w", t.Index, err)
	}
	return nil
}

// answerTurn records the answer only if the turn has none yet.
func (r *sqlRepo) answerTurn(ctx context.Context, db queryer, t models.Turn) error {
	res, err := db.ExecContext(ctx, r.q(
		`UPDATE clarification_turns
		 SET answer_value = ?, answer_text = ?, answered_at = ?, field_updated = ?, target_field = ?, old_value = ?, new_value = ?
		 WHERE session_id = ? AND turn_index = ? AND answered_at IS NULL`),
		nilIfEmpty(string(t.AnswerValue)), nilIfEmpty(t.AnswerText), nullTime(t.AnsweredAt), t.FieldUpdated,
		nilIfEmpty(t.TargetField), nilIfEmpty(t.OldValue), nilIfEmpty(t.NewValue), t.SessionID, t.Index,
	)
	if err != nil {
		return fmt.Errorf("answer turn failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = db.QueryRowContext(ctx, r.q(`SELECT 1 FROM clarification_turns WHERE session_id = ? AND turn_index = ?`), t.SessionID, t.Index).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrTurnNotFound
	}
	if err != nil {
		return fmt.Errorf("turn lookup failed: %w", err)
	}
	return models.ErrTurnAlreadyAnswered
}

func (r *sqlRepo) GetTurn(ctx context.Context, sessionID string, index int) (*models.Turn, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+turnColumns+` FROM clarification_turns WHERE session_id = ? AND turn_index = ?`), sessionID, index)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTurnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get turn failed: %w", err)
	}
	return &t, nil
}

func (r *sqlRepo) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+turnColumns+` FROM clarification_turns WHERE session_id = ? ORDER BY turn_index ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns failed: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn failed: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns iteration failed: %w", err)
	}
	return turns, nil
}

// Close closes the database connection.
func (r *sqlRepo) Close() error {
	slog.Debug("Closing " + r.name + " database connection")
	err := r.db.Close()
	if err != nil {
		slog.Error("Failed to close "+r.name+" database", "error", err)
	}
	return err
}
