package models

import "time"

// InquiryStatus tracks where a submission is in the intake pipeline.
type InquiryStatus string

const (
	InquiryNew        InquiryStatus = "new"
	InquiryClarifying InquiryStatus = "clarifying"
	InquiryRouted     InquiryStatus = "routed"
)

// Inquiry is a persisted intake submission with its latest gate evaluation.
// Form reflects every clarification applied so far.
type Inquiry struct {
	ID           string         `json:"id"`
	Form         IntakeForm     `json:"form"`
	EmailDomain  string         `json:"email_domain"`
	Gate         GateEvaluation `json:"gate"`
	Status       InquiryStatus  `json:"status"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	FormVersion  string         `json:"form_version"`
	RulesVersion string         `json:"rules_version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// EventType names an audit event on an inquiry.
type EventType string

const (
	EventCreated                EventType = "created"
	EventClarificationStarted   EventType = "clarification_started"
	EventClarificationCompleted EventType = "clarification_completed"
	EventLLMUnavailableManual   EventType = "llm_unavailable_manual"
	EventFieldUpdated           EventType = "field_updated"
	EventBudgetUpgraded         EventType = "budget_upgraded"
	EventSessionExpired         EventType = "session_expired"
	EventReviewerNotified       EventType = "reviewer_notified"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorLead   ActorType = "lead"
)

// InquiryEvent is an append-only audit record.
type InquiryEvent struct {
	ID        string    `json:"id"`
	InquiryID string    `json:"inquiry_id"`
	EventType EventType `json:"event_type"`
	ActorType ActorType `json:"actor_type"`
	Field     string    `json:"field,omitempty"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
