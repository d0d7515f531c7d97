package gate

import "github.com/BTreeMap/LeadGate/internal/models"

// Lead-facing messages.
const (
	// FollowUpMessage is shown when the system cannot decide and a human will review.
	FollowUpMessage = "We'll review your submission and follow up shortly."
	// ClarificationIntroMessage introduces the first clarification question.
	ClarificationIntroMessage = "A few quick questions to help us understand your needs better."
	defaultRoutingMessage     = "Thanks for your submission!"
)

var routingMessages = map[models.Routing]string{
	models.RoutingStrategyCall:  "You qualify for a free strategy call. Book a time that works for you.",
	models.RoutingPaidAdvisory:  "Based on your needs, a paid advisory session would be the best fit. You'll get focused, actionable guidance.",
	models.RoutingManual:        "Thanks for reaching out! I'll review your request and follow up via email within 24 hours.",
	models.RoutingStripeAudit:   "Ready to proceed with an AI systems audit. Complete the deposit to get started.",
	models.RoutingStripeProject: "Ready to proceed with your project. Complete the deposit to kick things off.",
}

// RoutingMessage returns the lead-facing message for a routing decision.
func RoutingMessage(r models.Routing) string {
	if msg, ok := routingMessages[r]; ok {
		return msg
	}
	return defaultRoutingMessage
}
