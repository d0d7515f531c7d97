// Package models defines the core data structures for LeadGate.
//
// It includes the intake form submitted by a lead, the gate evaluation produced
// for it, and the clarification session types shared across modules.
package models

import (
	"strings"
	"unicode/utf8"
)

// RoleTitle is the lead's self-reported seniority.
type RoleTitle string

const (
	RoleFounderCSuite RoleTitle = "founder_csuite"
	RoleVPDirector    RoleTitle = "vp_director"
	RoleEngManager    RoleTitle = "eng_manager"
	RoleICEngineer    RoleTitle = "ic_engineer"
	RoleOther         RoleTitle = "other"
)

// ServiceType is the kind of engagement the lead is asking for.
type ServiceType string

const (
	ServiceAdvisoryPaid ServiceType = "advisory_paid"
	ServiceAudit        ServiceType = "audit"
	ServiceProject      ServiceType = "project"
	ServiceUnclear      ServiceType = "unclear"
)

// AccessModel describes how external collaborators can reach the lead's systems.
type AccessModel string

const (
	AccessRemote         AccessModel = "remote_access"
	AccessOwnEnvironment AccessModel = "own_environment_own_tools"
	AccessManagedDevices AccessModel = "managed_devices"
	AccessOnPremiseOnly  AccessModel = "onpremise_only"
	AccessUnsure         AccessModel = "unsure"
)

// Timeline is how soon the lead wants to start.
type Timeline string

const (
	TimelineUrgent    Timeline = "urgent"
	TimelineSoon      Timeline = "soon"
	TimelinePlanning  Timeline = "planning"
	TimelineExploring Timeline = "exploring"
)

// BudgetRange is the lead's budget tier. BudgetUnsure is a valid answer, not an absence.
type BudgetRange string

const (
	BudgetUnder10k BudgetRange = "under_10k"
	Budget10to25k  BudgetRange = "10k_25k"
	Budget25to50k  BudgetRange = "25k_50k"
	BudgetOver50k  BudgetRange = "over_50k"
	BudgetUnsure   BudgetRange = "unsure"
)

// Form field names. These are the keys used by clarification questions,
// field updates and audit events.
const (
	FieldRoleTitle       = "role_title"
	FieldServiceType     = "service_type"
	FieldAccessModel     = "access_model"
	FieldTimeline        = "timeline"
	FieldBudgetRange     = "budget_range"
	FieldContextRaw      = "context_raw"
	FieldIsDecisionMaker = "is_decision_maker"
)

// Validation limits for free-text fields.
const (
	MaxNameLength    = 200
	MaxContextLength = 10000
	MaxEmailLength   = 320
)

var (
	roleTitles   = []RoleTitle{RoleFounderCSuite, RoleVPDirector, RoleEngManager, RoleICEngineer, RoleOther}
	serviceTypes = []ServiceType{ServiceAdvisoryPaid, ServiceAudit, ServiceProject, ServiceUnclear}
	accessModels = []AccessModel{AccessRemote, AccessOwnEnvironment, AccessManagedDevices, AccessOnPremiseOnly, AccessUnsure}
	timelines    = []Timeline{TimelineUrgent, TimelineSoon, TimelinePlanning, TimelineExploring}
	budgetRanges = []BudgetRange{BudgetUnder10k, Budget10to25k, Budget25to50k, BudgetOver50k, BudgetUnsure}

	// fieldValues lists the accepted values for every enumerated field.
	fieldValues = map[string][]string{
		FieldRoleTitle:       stringsOf(roleTitles),
		FieldServiceType:     stringsOf(serviceTypes),
		FieldAccessModel:     stringsOf(accessModels),
		FieldTimeline:        stringsOf(timelines),
		FieldBudgetRange:     stringsOf(budgetRanges),
		FieldIsDecisionMaker: {"true", "false"},
	}
)

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func (r RoleTitle) IsValid() bool   { return contains(roleTitles, r) }
func (s ServiceType) IsValid() bool { return contains(serviceTypes, s) }
func (a AccessModel) IsValid() bool { return contains(accessModels, a) }
func (t Timeline) IsValid() bool    { return contains(timelines, t) }
func (b BudgetRange) IsValid() bool { return contains(budgetRanges, b) }

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// BudgetRanges returns the budget tiers in ascending order followed by BudgetUnsure.
func BudgetRanges() []BudgetRange {
	return append([]BudgetRange(nil), budgetRanges...)
}

// IsKnownField reports whether field names a form field that clarification may target.
func IsKnownField(field string) bool {
	if field == FieldContextRaw {
		return true
	}
	_, ok := fieldValues[field]
	return ok
}

// IsValidFieldValue reports whether value is accepted for the enumerated field.
// Free-text fields accept any non-empty value.
func IsValidFieldValue(field, value string) bool {
	if field == FieldContextRaw {
		return strings.TrimSpace(value) != ""
	}
	values, ok := fieldValues[field]
	if !ok {
		return false
	}
	return contains(values, value)
}

// FieldValues returns the accepted values for an enumerated field, or nil.
func FieldValues(field string) []string {
	return append([]string(nil), fieldValues[field]...)
}

// ExtendedAnswers holds the optional, service-specific answers of the intake form.
type ExtendedAnswers struct {
	CompanyName       string   `json:"company_name,omitempty"`
	IsDecisionMaker   *bool    `json:"is_decision_maker,omitempty"`
	AuditSymptoms     []string `json:"audit_symptoms,omitempty"`
	ProjectSubtype    string   `json:"project_subtype,omitempty"`
	ProjectState      string   `json:"project_state,omitempty"`
	RagIssues         []string `json:"rag_issues,omitempty"`
	AdvisoryQuestions string   `json:"advisory_questions,omitempty"`
	DesiredOutcome    string   `json:"desired_outcome,omitempty"`
}

// Tracking holds attribution metadata captured alongside the form.
type Tracking struct {
	EntryPoint  string `json:"entry_point,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
}

// IntakeForm is a lead's submission. It is a value type: WithField returns a
// modified copy and never mutates the receiver.
type IntakeForm struct {
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	RoleTitle   RoleTitle       `json:"role_title"`
	ServiceType ServiceType     `json:"service_type"`
	AccessModel AccessModel     `json:"access_model"`
	Timeline    Timeline        `json:"timeline"`
	BudgetRange BudgetRange     `json:"budget_range"`
	ContextRaw  string          `json:"context_raw"`
	Answers     ExtendedAnswers `json:"answers_raw"`
	Tracking    Tracking        `json:"tracking"`
}

// Normalize trims the free-text fields and lower-cases the email address.
func (f IntakeForm) Normalize() IntakeForm {
	f.Name = strings.TrimSpace(f.Name)
	f.Email = strings.ToLower(strings.TrimSpace(f.Email))
	f.ContextRaw = strings.TrimSpace(f.ContextRaw)
	return f
}

// Validate checks identity fields and rejects categorical values outside their enumeration.
func (f *IntakeForm) Validate() error {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if !IsValidEmail(f.Email) {
		return ErrInvalidEmail
	}
	if !f.RoleTitle.IsValid() {
		return ErrInvalidRoleTitle
	}
	if !f.ServiceType.IsValid() {
		return ErrInvalidServiceType
	}
	if !f.AccessModel.IsValid() {
		return ErrInvalidAccessModel
	}
	if !f.Timeline.IsValid() {
		return ErrInvalidTimeline
	}
	if !f.BudgetRange.IsValid() {
		return ErrInvalidBudgetRange
	}
	context := strings.TrimSpace(f.ContextRaw)
	if context == "" {
		return ErrEmptyContext
	}
	if utf8.RuneCountInString(context) > MaxContextLength {
		return ErrContextTooLong
	}
	return nil
}

// IsValidEmail performs a structural check: one '@', non-empty local part and a dotted domain.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > MaxEmailLength || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || strings.Contains(domain, "@") {
		return false
	}
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

// EmailDomain returns the lower-cased domain part of the form's email, or "".
func (f IntakeForm) EmailDomain() string {
	_, domain, ok := strings.Cut(strings.TrimSpace(f.Email), "@")
	if !ok {
		return ""
	}
	return strings.ToLower(domain)
}

// ContextLength is the rune length of the trimmed free-text context.
func (f IntakeForm) ContextLength() int {
	return utf8.RuneCountInString(strings.TrimSpace(f.ContextRaw))
}

// FieldValue returns the current value of a clarifiable field as a string.
// An unset decision-maker flag is reported as "".
func (f IntakeForm) FieldValue(field string) string {
	switch field {
	case FieldRoleTitle:
		return string(f.RoleTitle)
	case FieldServiceType:
		return string(f.ServiceType)
	case FieldAccessModel:
		return string(f.AccessModel)
	case FieldTimeline:
		return string(f.Timeline)
	case FieldBudgetRange:
		return string(f.BudgetRange)
	case FieldContextRaw:
		return f.ContextRaw
	case FieldIsDecisionMaker:
		if f.Answers.IsDecisionMaker == nil {
			return ""
		}
		if *f.Answers.IsDecisionMaker {
			return "true"
		}
		return "false"
	}
	return ""
}

// WithField returns a copy of the form with field set to value.
func (f IntakeForm) WithField(field, value string) (IntakeForm, error) {
	if !IsValidFieldValue(field, value) {
		return f, ErrInvalidFieldValue
	}
	switch field {
	case FieldRoleTitle:
		f.RoleTitle = RoleTitle(value)
	case FieldServiceType:
		f.ServiceType = ServiceType(value)
	case FieldAccessModel:
		f.AccessModel = AccessModel(value)
	case FieldTimeline:
		f.Timeline = Timeline(value)
	case FieldBudgetRange:
		f.BudgetRange = BudgetRange(value)
	case FieldContextRaw:
		f.ContextRaw = strings.TrimSpace(value)
	case FieldIsDecisionMaker:
		v := value == "true"
		f.Answers.IsDecisionMaker = &v
	}
	return f, nil
}

// WithAppendedContext returns a copy of the form with extra appended to the
// context, separated by a blank line. It fails with ErrContextTooLong when the
// combined context would no longer pass Validate.
func (f IntakeForm) WithAppendedContext(extra string) (IntakeForm, error) {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return f, nil
	}
	combined := extra
	if current := strings.TrimSpace(f.ContextRaw); current != "" {
		combined = current + "\n\n" + extra
	}
	if utf8.RuneCountInString(combined) > MaxContextLength {
		return f, ErrContextTooLong
	}
	f.ContextRaw = combined
	return f, nil
}
