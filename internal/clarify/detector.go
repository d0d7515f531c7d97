// Package clarify decides whether a submission needs clarification and runs
// the bounded question-and-answer session that resolves it.
//
// Both model-backed steps, trigger detection and question planning, degrade
// to deterministic rules when the model is missing, slow or returns anything
// that does not match the expected JSON schema.
package clarify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/genai"
	"github.com/BTreeMap/LeadGate/internal/models"
)

// DefaultMinConfidence is the lowest confidence at which a model-reported issue is kept.
const DefaultMinConfidence = 0.7

var (
	// ErrNoGenerator is reported when no language model is configured.
	ErrNoGenerator = errors.New("no language model configured")
	// ErrSchemaMismatch is wrapped by every rejected model response.
	ErrSchemaMismatch = errors.New("model response does not match schema")
)

// llmTriggerTypes are the issue types the model may report.
var llmTriggerTypes = map[models.TriggerType]bool{
	models.TriggerContradiction:       true,
	models.TriggerBudgetScopeMismatch: true,
}

// issueTemplate describes the field-level issue an ambiguity decomposes into.
type issueTemplate struct {
	field       string
	description string
	priority    int
}

var (
	serviceAmbiguity = issueTemplate{models.FieldServiceType, "User unsure of service type", 2}
	budgetAmbiguity  = issueTemplate{models.FieldBudgetRange, "User unsure of budget", 1}
	accessAmbiguity  = issueTemplate{models.FieldAccessModel, "User unsure of access model", 2}
	contextAmbiguity = issueTemplate{models.FieldContextRaw, "Context too brief", 3}

	contradictionIssue = issueTemplate{"", "Potential conflict between form answers and context", 2}
	mismatchIssue      = issueTemplate{models.FieldBudgetRange, "Project scope may exceed stated budget", 1}
)

// Detector finds reasons a submission needs clarification.
type Detector struct {
	gen           genai.Generator
	minContext    int
	minConfidence float64
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithMinConfidence overrides DefaultMinConfidence.
func WithMinConfidence(c float64) DetectorOption {
	return func(d *Detector) { d.minConfidence = c }
}

// NewDetector creates a Detector. gen may be nil, in which case the model
// pass always reports unavailable. minContextLength should match the gate's
// context_length threshold.
func NewDetector(gen genai.Generator, minContextLength int, opts ...DetectorOption) *Detector {
	d := &Detector{
		gen:           gen,
		minContext:    minContextLength,
		minConfidence: DefaultMinConfidence,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RuleTriggers runs the deterministic pass. It raises at most ambiguity.
func (d *Detector) RuleTriggers(form models.IntakeForm) []models.TriggerType {
	if d.isAmbiguous(form) {
		return []models.TriggerType{models.TriggerAmbiguity}
	}
	return nil
}

func (d *Detector) isAmbiguous(form models.IntakeForm) bool {
	switch {
	case form.ServiceType == models.ServiceUnclear,
		form.BudgetRange == models.BudgetUnsure,
		form.AccessModel == models.AccessUnsure,
		gate.NeedsDecisionMakerFlag(form.RoleTitle) && form.Answers.IsDecisionMaker == nil,
		form.ContextLength() < d.minContext:
		return true
	}
	return false
}

// Detect runs both passes and merges their triggers. It never fails: model
// problems are reported through LLMAvailable and LLMError.
func (d *Detector) Detect(ctx context.Context, form models.IntakeForm) models.TriggerAnalysis {
	rule := d.RuleTriggers(form)
	analysis := models.TriggerAnalysis{RuleTriggers: rule}

	issues, err := d.detectLLM(ctx, form)
	if err != nil {
		slog.Warn("Detector.Detect: model pass unavailable", "error", err)
		analysis.LLMError = err.Error()
	} else {
		analysis.LLMAvailable = true
		analysis.LLMIssues = issues
	}

	all := append([]models.TriggerType(nil), rule...)
	for _, is := range analysis.LLMIssues {
		all = append(all, is.Trigger)
	}
	analysis.Triggers = models.NormalizeTriggers(all)

	slog.Debug("Detector.Detect: analysis complete",
		"rule_triggers", len(rule), "llm_available", analysis.LLMAvailable,
		"llm_issues", len(analysis.LLMIssues), "triggers", analysis.Triggers)
	return analysis
}

type llmDetection struct {
	HasIssues *bool      `json:"has_issues"`
	Issues    []llmIssue `json:"issues"`
}

type llmIssue struct {
	Type        *string  `json:"type"`
	Field       *string  `json:"field"`
	Description *string  `json:"description"`
	Confidence  *float64 `json:"confidence"`
}

func (d *Detector) detectLLM(ctx context.Context, form models.IntakeForm) ([]models.Issue, error) {
	if d.gen == nil {
		return nil, ErrNoGenerator
	}
	raw, err := d.gen.GenerateJSON(ctx, genai.Request{
		System:      detectSystemPrompt,
		User:        detectUserPrompt(form),
		Temperature: detectTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("trigger detection failed: %w", err)
	}
	return parseDetection(raw, d.minConfidence)
}

// parseDetection validates a detection response. Any unknown key, missing
// key, unknown issue type or out-of-range confidence rejects the whole
// response. Valid issues below minConfidence are dropped.
func parseDetection(raw string, minConfidence float64) ([]models.Issue, error) {
	var resp llmDetection
	if err := decodeStrict(raw, &resp); err != nil {
		return nil, err
	}
	if resp.HasIssues == nil || resp.Issues == nil {
		return nil, fmt.Errorf("%w: has_issues and issues are required", ErrSchemaMismatch)
	}
	if !*resp.HasIssues && len(resp.Issues) > 0 {
		return nil, fmt.Errorf("%w: issues listed with has_issues=false", ErrSchemaMismatch)
	}

	var out []models.Issue
	for i, li := range resp.Issues {
		if li.Type == nil || li.Confidence == nil || li.Description == nil {
			return nil, fmt.Errorf("%w: issue %d is missing type, description or confidence", ErrSchemaMismatch, i)
		}
		t := models.TriggerType(*li.Type)
		if !llmTriggerTypes[t] {
			return nil, fmt.Errorf("%w: issue %d has unknown type %q", ErrSchemaMismatch, i, *li.Type)
		}
		c := *li.Confidence
		if c < 0 || c > 1 {
			return nil, fmt.Errorf("%w: issue %d confidence %v outside [0,1]", ErrSchemaMismatch, i, c)
		}
		field := ""
		if li.Field != nil {
			field = strings.TrimSpace(*li.Field)
		}
		if field != "" && !models.IsKnownField(field) {
			return nil, fmt.Errorf("%w: issue %d names unknown field %q", ErrSchemaMismatch, i, field)
		}
		if c < minConfidence {
			continue
		}
		priority := contradictionIssue.priority
		if t == models.TriggerBudgetScopeMismatch {
			priority = mismatchIssue.priority
			field = models.FieldBudgetRange
		}
		out = append(out, models.Issue{
			Trigger:     t,
			Field:       field,
			Description: strings.TrimSpace(*li.Description),
			Priority:    priority,
			Confidence:  c,
		})
	}
	return out, nil
}

func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON object", ErrSchemaMismatch)
	}
	return nil
}

// Issues derives the ranked clarification targets for a trigger set against
// the current form. Ambiguity yields one issue per field still unresolved.
func (d *Detector) Issues(triggers []models.TriggerType, form models.IntakeForm) []models.Issue {
	var issues []models.Issue
	add := func(t models.TriggerType, tpl issueTemplate) {
		issues = append(issues, models.Issue{
			Trigger:     t,
			Field:       tpl.field,
			Description: tpl.description,
			Priority:    tpl.priority,
			Confidence:  1,
		})
	}

	for _, t := range models.NormalizeTriggers(triggers) {
		switch t {
		case models.TriggerAmbiguity:
			if form.ServiceType == models.ServiceUnclear {
				add(t, serviceAmbiguity)
			}
			if form.BudgetRange == models.BudgetUnsure {
				add(t, budgetAmbiguity)
			}
			if form.AccessModel == models.AccessUnsure {
				add(t, accessAmbiguity)
			}
			if form.ContextLength() < d.minContext {
				add(t, contextAmbiguity)
			}
		case models.TriggerContradiction:
			add(t, contradictionIssue)
		case models.TriggerBudgetScopeMismatch:
			add(t, mismatchIssue)
		}
	}

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Priority < issues[j].Priority })
	return issues
}
