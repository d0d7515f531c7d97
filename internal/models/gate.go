package models

// GateStatus is the outcome of gate evaluation.
type GateStatus string

const (
	GatePass   GateStatus = "pass"
	GateManual GateStatus = "manual"
	GateFail   GateStatus = "fail"
)

// Qualification is the quality label attached to a lead.
type Qualification string

const (
	QualificationQualified  Qualification = "qualified"
	QualificationFlagged    Qualification = "flagged"
	QualificationLowQuality Qualification = "low_quality"
)

// Routing is the downstream path a lead is sent to.
type Routing string

const (
	RoutingStrategyCall  Routing = "calendly_strategy_free"
	RoutingPaidAdvisory  Routing = "paid_advisory"
	RoutingStripeAudit   Routing = "stripe_audit"
	RoutingStripeProject Routing = "stripe_project"
	RoutingManual        Routing = "manual"
)

// Gate criterion names, in evaluation order.
const (
	CriterionBusinessEmail   = "business_email"
	CriterionQualifiedAccess = "qualified_access"
	CriterionUrgentTimeline  = "urgent_timeline"
	CriterionBudgetThreshold = "budget_threshold"
	CriterionSeniorRole      = "senior_role"
	CriterionContextLength   = "context_length"
)

// Criteria lists the gate criteria in their fixed evaluation order.
var Criteria = []string{
	CriterionBusinessEmail,
	CriterionQualifiedAccess,
	CriterionUrgentTimeline,
	CriterionBudgetThreshold,
	CriterionSeniorRole,
	CriterionContextLength,
}

// Gate flags.
const (
	FlagPersonalEmail        = "personal_email"
	FlagVeryShortContext     = "very_short_context"
	FlagJustExploring        = "just_exploring"
	FlagAccessRequiresReview = "access_requires_review"
)

// GateDetails records every criterion, its description, and whether it held.
// Passed and Failed partition Criteria and preserve its order.
type GateDetails struct {
	Criteria map[string]string `json:"criteria"`
	Results  map[string]bool   `json:"results"`
	Passed   []string          `json:"passed"`
	Failed   []string          `json:"failed"`
}

// GateEvaluation is the full result of scoring one intake form.
type GateEvaluation struct {
	Status        GateStatus    `json:"gate_status"`
	Qualification Qualification `json:"qualification"`
	Routing       Routing       `json:"routing"`
	Flags         []string      `json:"flags"`
	Details       GateDetails   `json:"gate_details"`
}

// HasFlag reports whether the evaluation carries flag.
func (e GateEvaluation) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
