// Package gate scores intake forms against the qualification rule set and
// decides where each lead is routed.
//
// Evaluation is pure and total: an Engine holds only immutable configuration,
// so a single Engine is safe for concurrent use.
package gate

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadGate/internal/models"
)

// Default thresholds.
const (
	DefaultMinBudget          = models.Budget25to50k
	DefaultMinContextLength   = 100
	DefaultShortContextLength = 20
)

// DefaultPersonalEmailDomains is the built-in deny-list for the business_email criterion.
var DefaultPersonalEmailDomains = []string{
	"gmail.com", "googlemail.com", "outlook.com", "hotmail.com", "live.com", "msn.com",
	"yahoo.com", "yahoo.co.uk", "yahoo.fr", "ymail.com", "icloud.com", "me.com", "mac.com",
	"aol.com", "mail.com", "email.com", "protonmail.com", "proton.me", "zoho.com",
	"fastmail.com", "tutanota.com", "gmx.com", "gmx.net", "web.de", "mailinator.com",
	"tempmail.com", "guerrillamail.com", "10minutemail.com", "throwaway.email",
}

// Static rule tables.
var (
	budgetOrdinal = map[models.BudgetRange]int{
		models.BudgetUnder10k: 0,
		models.Budget10to25k:  1,
		models.Budget25to50k:  2,
		models.BudgetOver50k:  3,
		models.BudgetUnsure:   0,
	}

	qualifiedAccess = []models.AccessModel{models.AccessRemote, models.AccessOwnEnvironment}

	reviewAccess = map[models.AccessModel]bool{
		models.AccessManagedDevices: true,
		models.AccessOnPremiseOnly:  true,
		models.AccessUnsure:         true,
	}

	urgentTimelines = []models.Timeline{models.TimelineUrgent, models.TimelineSoon}

	seniorRoles = []models.RoleTitle{models.RoleFounderCSuite, models.RoleVPDirector, models.RoleEngManager}

	// decisionMakerRoles need an explicit decision-maker flag to count as senior.
	decisionMakerRoles = map[models.RoleTitle]bool{
		models.RoleICEngineer: true,
		models.RoleOther:      true,
	}

	// qualifyingBudgets is the fixed budget set used by the non-decision-maker escalation rule.
	qualifyingBudgets = map[models.BudgetRange]bool{
		models.Budget25to50k: true,
		models.BudgetOver50k: true,
	}
)

// Rules is the configurable part of the gate.
type Rules struct {
	PersonalEmailDomains []string           `yaml:"personal_email_domains" json:"personal_email_domains"`
	MinBudget            models.BudgetRange `yaml:"min_budget" json:"min_budget"`
	MinContextLength     int                `yaml:"min_context_length" json:"min_context_length"`
	ShortContextLength   int                `yaml:"short_context_length" json:"short_context_length"`
}

// DefaultRules returns the built-in rule configuration.
func DefaultRules() Rules {
	return Rules{
		PersonalEmailDomains: append([]string(nil), DefaultPersonalEmailDomains...),
		MinBudget:            DefaultMinBudget,
		MinContextLength:     DefaultMinContextLength,
		ShortContextLength:   DefaultShortContextLength,
	}
}

// Validate rejects rule sets the engine cannot evaluate with.
func (r Rules) Validate() error {
	if !r.MinBudget.IsValid() || r.MinBudget == models.BudgetUnsure {
		return fmt.Errorf("min_budget must be one of under_10k, 10k_25k, 25k_50k, over_50k; got %q", r.MinBudget)
	}
	if r.MinContextLength < 0 || r.ShortContextLength < 0 {
		return fmt.Errorf("context lengths must not be negative")
	}
	return nil
}

// Option configures an Engine.
type Option func(*Rules)

// WithPersonalEmailDomains replaces the personal-domain deny-list.
func WithPersonalEmailDomains(domains []string) Option {
	return func(r *Rules) { r.PersonalEmailDomains = domains }
}

// WithMinBudget sets the minimum budget tier for the budget_threshold criterion.
func WithMinBudget(b models.BudgetRange) Option {
	return func(r *Rules) { r.MinBudget = b }
}

// WithMinContextLength sets the context_length threshold in characters.
func WithMinContextLength(n int) Option {
	return func(r *Rules) { r.MinContextLength = n }
}

// WithShortContextLength sets the length below which context is flagged very short.
func WithShortContextLength(n int) Option {
	return func(r *Rules) { r.ShortContextLength = n }
}

// WithRules replaces the whole rule set.
func WithRules(rules Rules) Option {
	return func(r *Rules) { *r = rules }
}

// Engine evaluates intake forms. Construct with NewEngine.
type Engine struct {
	rules        Rules
	personal     map[string]bool
	minOrdinal   int
	descriptions map[string]string
}

// NewEngine builds an Engine from the default rules and the given options.
func NewEngine(opts ...Option) (*Engine, error) {
	rules := DefaultRules()
	for _, opt := range opts {
		opt(&rules)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	personal := make(map[string]bool, len(rules.PersonalEmailDomains))
	for _, d := range rules.PersonalEmailDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			personal[d] = true
		}
	}

	e := &Engine{
		rules:      rules,
		personal:   personal,
		minOrdinal: budgetOrdinal[rules.MinBudget],
	}
	e.descriptions = e.buildDescriptions()

	slog.Debug("gate.NewEngine: engine configured",
		"personal_domains", len(personal),
		"min_budget", rules.MinBudget,
		"min_context_length", rules.MinContextLength)
	return e, nil
}

// Rules returns a copy of the engine's effective rules.
func (e *Engine) Rules() Rules {
	r := e.rules
	r.PersonalEmailDomains = append([]string(nil), e.rules.PersonalEmailDomains...)
	return r
}

// MinContextLength is the configured context_length threshold.
func (e *Engine) MinContextLength() int { return e.rules.MinContextLength }

func (e *Engine) buildDescriptions() map[string]string {
	sample := e.rules.PersonalEmailDomains
	if len(sample) > 3 {
		sample = sample[:3]
	}
	return map[string]string{
		models.CriterionBusinessEmail:   fmt.Sprintf("Email domain is not a personal provider (%d listed, e.g. %s)", len(e.personal), strings.Join(sample, ", ")),
		models.CriterionQualifiedAccess: fmt.Sprintf("Access model in [%s]", joinValues(qualifiedAccess)),
		models.CriterionUrgentTimeline:  fmt.Sprintf("Timeline in [%s]", joinValues(urgentTimelines)),
		models.CriterionBudgetThreshold: fmt.Sprintf("Budget >= %s", e.rules.MinBudget),
		models.CriterionSeniorRole:      fmt.Sprintf("Role in [%s], or ic_engineer/other with decision-maker flag set to true", joinValues(seniorRoles)),
		models.CriterionContextLength:   fmt.Sprintf("Context length >= %d chars", e.rules.MinContextLength),
	}
}

func joinValues[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// IsBusinessEmail reports whether the email's domain is not on the personal deny-list.
func (e *Engine) IsBusinessEmail(email string) bool {
	_, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok {
		return false
	}
	return !e.personal[strings.ToLower(domain)]
}

// IsQualifiedAccess reports whether the access model lets work start without review.
func IsQualifiedAccess(a models.AccessModel) bool {
	for _, q := range qualifiedAccess {
		if q == a {
			return true
		}
	}
	return false
}

// RequiresAccessReview reports whether the access model forces manual review.
func RequiresAccessReview(a models.AccessModel) bool { return reviewAccess[a] }

// NeedsDecisionMakerFlag reports whether the role only counts as senior with an explicit flag.
func NeedsDecisionMakerFlag(r models.RoleTitle) bool { return decisionMakerRoles[r] }

// BudgetOrdinal maps a budget tier to its rank; unsure ranks with under_10k.
func BudgetOrdinal(b models.BudgetRange) int { return budgetOrdinal[b] }

func isUrgent(t models.Timeline) bool {
	for _, u := range urgentTimelines {
		if u == t {
			return true
		}
	}
	return false
}

func isSenior(f models.IntakeForm) bool {
	for _, r := range seniorRoles {
		if r == f.RoleTitle {
			return true
		}
	}
	return decisionMakerRoles[f.RoleTitle] && isTrue(f.Answers.IsDecisionMaker)
}

func isTrue(b *bool) bool { return b != nil && *b }

// Evaluate scores the form. It never fails for a validly typed form.
func (e *Engine) Evaluate(form models.IntakeForm) models.GateEvaluation {
	contextLen := form.ContextLength()

	results := map[string]bool{
		models.CriterionBusinessEmail:   e.IsBusinessEmail(form.Email),
		models.CriterionQualifiedAccess: IsQualifiedAccess(form.AccessModel),
		models.CriterionUrgentTimeline:  isUrgent(form.Timeline),
		models.CriterionBudgetThreshold: budgetOrdinal[form.BudgetRange] >= e.minOrdinal,
		models.CriterionSeniorRole:      isSenior(form),
		models.CriterionContextLength:   contextLen >= e.rules.MinContextLength,
	}

	details := models.GateDetails{
		Criteria: make(map[string]string, len(models.Criteria)),
		Results:  results,
		Passed:   []string{},
		Failed:   []string{},
	}
	for _, name := range models.Criteria {
		details.Criteria[name] = e.descriptions[name]
		if results[name] {
			details.Passed = append(details.Passed, name)
		} else {
			details.Failed = append(details.Failed, name)
		}
	}

	accessReview := reviewAccess[form.AccessModel]
	veryShort := contextLen < e.rules.ShortContextLength

	flags := []string{}
	if !results[models.CriterionBusinessEmail] {
		flags = append(flags, models.FlagPersonalEmail)
	}
	if veryShort {
		flags = append(flags, models.FlagVeryShortContext)
	}
	if form.Timeline == models.TimelineExploring {
		flags = append(flags, models.FlagJustExploring)
	}
	if accessReview {
		flags = append(flags, models.FlagAccessRequiresReview)
	}

	var qualification models.Qualification
	switch {
	case accessReview:
		qualification = models.QualificationFlagged
	case veryShort:
		qualification = models.QualificationLowQuality
	case len(flags) > 0:
		qualification = models.QualificationFlagged
	default:
		qualification = models.QualificationQualified
	}

	status := e.status(form, results, accessReview)

	return models.GateEvaluation{
		Status:        status,
		Qualification: qualification,
		Routing:       Route(form.ServiceType, status, results[models.CriterionQualifiedAccess]),
		Flags:         flags,
		Details:       details,
	}
}

func (e *Engine) status(form models.IntakeForm, results map[string]bool, accessReview bool) models.GateStatus {
	if accessReview {
		return models.GateManual
	}

	allPass := true
	for _, name := range models.Criteria {
		if !results[name] {
			allPass = false
			break
		}
	}
	if allPass {
		return models.GatePass
	}

	strongSignals := results[models.CriterionUrgentTimeline] &&
		results[models.CriterionQualifiedAccess] &&
		results[models.CriterionContextLength] &&
		results[models.CriterionBusinessEmail]

	if decisionMakerRoles[form.RoleTitle] && !isTrue(form.Answers.IsDecisionMaker) &&
		qualifyingBudgets[form.BudgetRange] && strongSignals {
		return models.GateManual
	}

	if form.BudgetRange == models.BudgetUnsure && results[models.CriterionSeniorRole] && strongSignals {
		return models.GateManual
	}

	return models.GateFail
}

// Route maps (service type, gate status, access qualification) to a routing decision.
// An unqualified access model forces manual routing regardless of the other inputs.
func Route(service models.ServiceType, status models.GateStatus, accessQualified bool) models.Routing {
	if !accessQualified {
		return models.RoutingManual
	}
	if service == models.ServiceAdvisoryPaid {
		return models.RoutingPaidAdvisory
	}
	switch status {
	case models.GatePass:
		return models.RoutingStrategyCall
	case models.GateFail:
		return models.RoutingPaidAdvisory
	default:
		return models.RoutingManual
	}
}
