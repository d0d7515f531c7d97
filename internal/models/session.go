package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TriggerType names a reason for opening a clarification session.
type TriggerType string

const (
	TriggerAmbiguity           TriggerType = "ambiguity"
	TriggerContradiction       TriggerType = "contradiction"
	TriggerBudgetScopeMismatch TriggerType = "budget_scope_mismatch"
)

var triggerOrder = []TriggerType{TriggerAmbiguity, TriggerContradiction, TriggerBudgetScopeMismatch}

func (t TriggerType) IsValid() bool { return contains(triggerOrder, t) }

// NormalizeTriggers deduplicates triggers and returns them in canonical order.
// Unknown trigger types are dropped.
func NormalizeTriggers(triggers []TriggerType) []TriggerType {
	out := make([]TriggerType, 0, len(triggerOrder))
	for _, t := range triggerOrder {
		if contains(triggers, t) {
			out = append(out, t)
		}
	}
	return out
}

// Issue is a single clarification target derived from a trigger.
// An empty Field means the issue is not tied to one form field.
type Issue struct {
	Trigger     TriggerType `json:"trigger"`
	Field       string      `json:"field,omitempty"`
	Description string      `json:"description"`
	Priority    int         `json:"priority"`
	Confidence  float64     `json:"confidence"`
}

// TriggerAnalysis is the combined result of the rule and LLM detection passes.
type TriggerAnalysis struct {
	Triggers     []TriggerType `json:"triggers"`
	RuleTriggers []TriggerType `json:"rule_triggers"`
	LLMIssues    []Issue       `json:"llm_issues,omitempty"`
	LLMAvailable bool          `json:"llm_available"`
	LLMError     string        `json:"llm_error,omitempty"`
}

// NeedsClarification reports whether any trigger was raised.
func (a TriggerAnalysis) NeedsClarification() bool { return len(a.Triggers) > 0 }

// QuestionType is the shape of answer a question expects.
type QuestionType string

const (
	QuestionSingleChoice QuestionType = "single_choice"
	QuestionText         QuestionType = "text"
	QuestionConfirmation QuestionType = "confirmation"
)

func (q QuestionType) IsValid() bool {
	switch q {
	case QuestionSingleChoice, QuestionText, QuestionConfirmation:
		return true
	}
	return false
}

// QuestionOption is one selectable answer. An option with an empty MapsToField
// or MapsToValue changes nothing when chosen.
type QuestionOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	MapsToField string `json:"maps_to_field,omitempty"`
	MapsToValue string `json:"maps_to_value,omitempty"`
}

// IsNoOp reports whether selecting the option leaves the form unchanged.
func (o QuestionOption) IsNoOp() bool { return o.MapsToField == "" || o.MapsToValue == "" }

// Question is a single clarification question shown to the lead.
type Question struct {
	Text        string           `json:"question_text"`
	Type        QuestionType     `json:"question_type"`
	Purpose     string           `json:"question_purpose"`
	Options     []QuestionOption `json:"options,omitempty"`
	TargetField string           `json:"target_field,omitempty"`
}

// Option returns the option with the given value.
func (q Question) Option(value string) (QuestionOption, bool) {
	for _, o := range q.Options {
		if o.Value == value {
			return o, true
		}
	}
	return QuestionOption{}, false
}

// Answer is the closed set of answer shapes: TextAnswer, ChoiceAnswer and BooleanAnswer.
type Answer interface {
	// Display renders the answer for audit trails and prompts.
	Display() string
	isAnswer()
}

// TextAnswer is a free-text reply.
type TextAnswer struct{ Text string }

// ChoiceAnswer selects one option by its value.
type ChoiceAnswer struct{ OptionID string }

// BooleanAnswer confirms or denies.
type BooleanAnswer struct{ Value bool }

func (a TextAnswer) Display() string   { return a.Text }
func (a ChoiceAnswer) Display() string { return a.OptionID }
func (a BooleanAnswer) Display() string {
	if a.Value {
		return "yes"
	}
	return "no"
}

func (TextAnswer) isAnswer()    {}
func (ChoiceAnswer) isAnswer()  {}
func (BooleanAnswer) isAnswer() {}

// MaxAnswerTextLength bounds free-text answers.
const MaxAnswerTextLength = 2000

// ParseAnswer decodes a raw JSON answer value according to the question type.
// Any mismatch between the JSON shape and the question type is ErrInvalidAnswer.
func ParseAnswer(qtype QuestionType, raw json.RawMessage) (Answer, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: answer_value is required", ErrInvalidAnswer)
	}
	switch qtype {
	case QuestionSingleChoice:
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w: expected an option id", ErrInvalidAnswer)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: option id is empty", ErrInvalidAnswer)
		}
		return ChoiceAnswer{OptionID: id}, nil
	case QuestionText:
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: expected text", ErrInvalidAnswer)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, fmt.Errorf("%w: text is empty", ErrInvalidAnswer)
		}
		if utf8.RuneCountInString(text) > MaxAnswerTextLength {
			return nil, fmt.Errorf("%w: text exceeds maximum length", ErrInvalidAnswer)
		}
		return TextAnswer{Text: text}, nil
	case QuestionConfirmation:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: expected true or false", ErrInvalidAnswer)
		}
		return BooleanAnswer{Value: v}, nil
	}
	return nil, fmt.Errorf("%w: unsupported question type %q", ErrInvalidAnswer, qtype)
}

// EncodeAnswer returns the JSON value ParseAnswer accepts for a.
func EncodeAnswer(a Answer) json.RawMessage {
	var v any
	switch a := a.(type) {
	case TextAnswer:
		v = a.Text
	case ChoiceAnswer:
		v = a.OptionID
	case BooleanAnswer:
		v = a.Value
	default:
		return nil
	}
	data, _ := json.Marshal(v)
	return data
}

// SessionStatus is the lifecycle state of a clarification session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionResolved SessionStatus = "resolved"
	SessionManual   SessionStatus = "manual"
	SessionExpired  SessionStatus = "expired"
	SessionError    SessionStatus = "error"
)

// IsTerminal reports whether the status can no longer change.
func (s SessionStatus) IsTerminal() bool { return s != SessionActive }

// FieldChange records the most recent clarification of one field.
type FieldChange struct {
	Old       string `json:"old"`
	New       string `json:"new"`
	TurnIndex int    `json:"turn_index"`
}

// Session is a bounded clarification dialogue attached to one inquiry.
type Session struct {
	ID                    string                 `json:"session_id"`
	InquiryID             string                 `json:"inquiry_id"`
	Status                SessionStatus          `json:"status"`
	Triggers              []TriggerType          `json:"triggers"`
	QuestionCount         int                    `json:"question_count"`
	MaxQuestions          int                    `json:"max_questions"`
	ProvisionalGateStatus GateStatus             `json:"provisional_gate_status"`
	LatestGateStatus      GateStatus             `json:"latest_gate_status"`
	LatestRouting         Routing                `json:"latest_routing"`
	FieldUpdates          map[string]FieldChange `json:"field_updates"`
	FinalOutput           *FinalOutput           `json:"final_output,omitempty"`
	ExpiresAt             time.Time              `json:"expires_at"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// IsExpiredAt reports whether an active session has passed its idle deadline.
func (s *Session) IsExpiredAt(now time.Time) bool {
	return s.Status == SessionActive && !now.Before(s.ExpiresAt)
}

// QuestionsRemaining is how many more questions the session may ask.
func (s *Session) QuestionsRemaining() int {
	if n := s.MaxQuestions - s.QuestionCount; n > 0 {
		return n
	}
	return 0
}

// Turn is one question of a session and, once answered, its answer.
type Turn struct {
	SessionID    string          `json:"session_id"`
	Index        int             `json:"turn_index"`
	Question     Question        `json:"question"`
	LLMModel     string          `json:"llm_model,omitempty"`
	AnswerValue  json.RawMessage `json:"answer_value,omitempty"`
	AnswerText   string          `json:"answer_text,omitempty"`
	AnsweredAt   *time.Time      `json:"answered_at,omitempty"`
	FieldUpdated bool            `json:"field_updated"`
	TargetField  string          `json:"target_field,omitempty"`
	OldValue     string          `json:"old_value,omitempty"`
	NewValue     string          `json:"new_value,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsAnswered reports whether the turn already holds an answer.
func (t *Turn) IsAnswered() bool { return t.AnsweredAt != nil }

// Clarification describes one field changed during a session.
type Clarification struct {
	Field         string `json:"field"`
	OldValue      string `json:"old_value"`
	NewValue      string `json:"new_value"`
	TurnIndex     int    `json:"turn_index"`
	UserConfirmed bool   `json:"user_confirmed"`
	TriggerReason string `json:"trigger_reason"`
}

// TriggerReasonUserClarification marks clarifications made by the lead's answers.
const TriggerReasonUserClarification = "user_clarification"

// FinalOutput is the summary written once when a session leaves the active state.
type FinalOutput struct {
	Clarifications      []Clarification `json:"clarifications"`
	SessionStatus       SessionStatus   `json:"session_status"`
	QuestionsAsked      int             `json:"questions_asked"`
	FinalGateStatus     GateStatus      `json:"final_gate_status"`
	FinalRouting        Routing         `json:"final_routing"`
	EvaluatedGateStatus GateStatus      `json:"evaluated_gate_status,omitempty"`
	EvaluatedRouting    Routing         `json:"evaluated_routing,omitempty"`
	CompletedAt         time.Time       `json:"completed_at"`
}
