// Package notify delivers reviewer alerts for leads that need a human.
//
// Alerts are written to the store outbox by the clarification service and
// delivered later by the outbox sender through a Sender: Twilio SMS or
// WhatsApp in production, a log sender when Twilio is not configured.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/LeadGate/internal/store"
)

// KindReviewerAlert is the outbox kind for reviewer alerts.
const KindReviewerAlert = "reviewer_alert"

// Alert reasons.
const (
	ReasonManualReview           = "manual_review"
	ReasonLLMUnavailable         = "llm_unavailable"
	ReasonClarificationExhausted = "clarification_exhausted"
	ReasonSessionAbandoned       = "session_abandoned"
)

var reasonText = map[string]string{
	ReasonManualReview:           "needs manual review",
	ReasonLLMUnavailable:         "could not be analyzed automatically",
	ReasonClarificationExhausted: "was not resolved by clarification",
	ReasonSessionAbandoned:       "abandoned clarification",
}

// Sender delivers a text message to one recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ReviewerAlert is the outbox payload for a lead routed to manual review.
// It carries no free text and only the email domain.
type ReviewerAlert struct {
	InquiryID   string   `json:"inquiry_id"`
	SessionID   string   `json:"session_id,omitempty"`
	Reason      string   `json:"reason"`
	EmailDomain string   `json:"email_domain"`
	ServiceType string   `json:"service_type"`
	BudgetRange string   `json:"budget_range"`
	GateStatus  string   `json:"gate_status"`
	Routing     string   `json:"routing"`
	Flags       []string `json:"flags,omitempty"`
}

// Body renders the alert as a short text message.
func (a ReviewerAlert) Body() string {
	reason, ok := reasonText[a.Reason]
	if !ok {
		reason = a.Reason
	}
	var b strings.Builder
	fmt.Fprintf(&b, "LeadGate: inquiry %s %s.", a.InquiryID, reason)
	fmt.Fprintf(&b, "\nDomain: %s | Service: %s | Budget: %s", a.EmailDomain, a.ServiceType, a.BudgetRange)
	fmt.Fprintf(&b, "\nGate: %s -> %s", a.GateStatus, a.Routing)
	if a.SessionID != "" {
		fmt.Fprintf(&b, "\nSession: %s", a.SessionID)
	}
	if len(a.Flags) > 0 {
		fmt.Fprintf(&b, "\nFlags: %s", strings.Join(a.Flags, ", "))
	}
	return b.String()
}

// MarshalAlert encodes an alert as an outbox payload.
func MarshalAlert(a ReviewerAlert) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal reviewer alert failed: %w", err)
	}
	return string(data), nil
}

// OutboxSendFunc adapts a Sender to the outbox sender. Messages of unknown
// kind are rejected so they end up failed rather than silently dropped.
func OutboxSendFunc(sender Sender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != KindReviewerAlert {
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
		var alert ReviewerAlert
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &alert); err != nil {
			return fmt.Errorf("decode reviewer alert %s failed: %w", msg.ID, err)
		}
		return sender.SendMessage(ctx, msg.Recipient, alert.Body())
	}
}
