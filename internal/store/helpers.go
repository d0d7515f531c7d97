package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadGate/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for PostgreSQL.
// Queries must not contain literal question marks.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func marshalInquiry(inq *models.Inquiry) (formJSON, gateJSON string, err error) {
	f, err := json.Marshal(inq.Form)
	if err != nil {
		return "", "", fmt.Errorf("marshal form failed: %w", err)
	}
	g, err := json.Marshal(inq.Gate)
	if err != nil {
		return "", "", fmt.Errorf("marshal gate evaluation failed: %w", err)
	}
	return string(f), string(g), nil
}

func marshalSession(sess *models.Session) (triggersJSON, updatesJSON string, finalJSON interface{}, err error) {
	triggers := sess.Triggers
	if triggers == nil {
		triggers = []models.TriggerType{}
	}
	t, err := json.Marshal(triggers)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal triggers failed: %w", err)
	}
	updates := sess.FieldUpdates
	if updates == nil {
		updates = map[string]models.FieldChange{}
	}
	u, err := json.Marshal(updates)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal field updates failed: %w", err)
	}
	if sess.FinalOutput != nil {
		fo, err := json.Marshal(sess.FinalOutput)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal final output failed: %w", err)
		}
		finalJSON = string(fo)
	}
	return string(t), string(u), finalJSON, nil
}

func scanInquiry(row rowScanner) (*models.Inquiry, error) {
	var inq models.Inquiry
	var formJSON, gateJSON, status string
	var ip, ua sql.NullString
	err := row.Scan(
		&inq.ID, &inq.EmailDomain, &formJSON, &gateJSON, &status, &ip, &ua,
		&inq.FormVersion, &inq.RulesVersion, &inq.CreatedAt, &inq.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(formJSON), &inq.Form); err != nil {
		return nil, fmt.Errorf("decode form failed: %w", err)
	}
	if err := json.Unmarshal([]byte(gateJSON), &inq.Gate); err != nil {
		return nil, fmt.Errorf("decode gate evaluation failed: %w", err)
	}
	inq.Status = models.InquiryStatus(status)
	inq.IPAddress = ip.String
	inq.UserAgent = ua.String
	return &inq, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var status, provisional, latest, routing, triggersJSON, updatesJSON string
	var finalJSON sql.NullString
	err := row.Scan(
		&s.ID, &s.InquiryID, &status, &triggersJSON, &s.QuestionCount, &s.MaxQuestions,
		&provisional, &latest, &routing, &updatesJSON, &finalJSON, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.ProvisionalGateStatus = models.GateStatus(provisional)
	s.LatestGateStatus = models.GateStatus(latest)
	s.LatestRouting = models.Routing(routing)
	if err := json.Unmarshal([]byte(triggersJSON), &s.Triggers); err != nil {
		return nil, fmt.Errorf("decode triggers failed: %w", err)
	}
	if err := json.Unmarshal([]byte(updatesJSON), &s.FieldUpdates); err != nil {
		return nil, fmt.Errorf("decode field updates failed: %w", err)
	}
	if finalJSON.Valid && finalJSON.String != "" {
		var fo models.FinalOutput
		if err := json.Unmarshal([]byte(finalJSON.String), &fo); err != nil {
			return nil, fmt.Errorf("decode final output failed: %w", err)
		}
		s.FinalOutput = &fo
	}
	return &s, nil
}

func scanTurn(row rowScanner) (models.Turn, error) {
	var t models.Turn
	var questionJSON string
	var llmModel, answerValue, answerText, targetField, oldValue, newValue sql.NullString
	var answeredAt sql.NullTime
	err := row.Scan(
		&t.SessionID, &t.Index, &questionJSON, &llmModel, &answerValue, &answerText, &answeredAt,
		&t.FieldUpdated, &targetField, &oldValue, &newValue, &t.CreatedAt,
	)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(questionJSON), &t.Question); err != nil {
		return t, fmt.Errorf("decode question failed: %w", err)
	}
	t.LLMModel = llmModel.String
	if answerValue.Valid {
		t.AnswerValue = json.RawMessage(answerValue.String)
	}
	t.AnswerText = answerText.String
	if answeredAt.Valid {
		t.AnsweredAt = &answeredAt.Time
	}
	t.TargetField = targetField.String
	t.OldValue = oldValue.String
	t.NewValue = newValue.String
	return t, nil
}

func scanEvent(row rowScanner) (models.InquiryEvent, error) {
	var ev models.InquiryEvent
	var eventType, actorType string
	var field, oldValue, newValue, reason sql.NullString
	err := row.Scan(
		&ev.ID, &ev.InquiryID, &eventType, &actorType, &field, &oldValue, &newValue, &reason, &ev.CreatedAt,
	)
	if err != nil {
		return ev, fmt.Errorf("scan inquiry event failed: %w", err)
	}
	ev.EventType = models.EventType(eventType)
	ev.ActorType = models.ActorType(actorType)
	ev.Field = field.String
	ev.OldValue = oldValue.String
	ev.NewValue = newValue.String
	ev.Reason = reason.String
	return ev, nil
}

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
