package clarify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/LeadGate/internal/genai"
	"github.com/BTreeMap/LeadGate/internal/models"
)

// Limits applied to generated questions.
const (
	minChoiceOptions     = 2
	maxChoiceOptions     = 6
	maxQuestionTextRunes = 300
)

// KeepCurrentOption is the budget option that leaves the form unchanged.
const KeepCurrentOption = "keep_current"

// Progress is how far a session has come, shown to the model.
type Progress struct {
	Asked     int
	Remaining int
}

// fallbackOrder is the order in which canned questions are considered.
var fallbackOrder = []string{
	models.FieldBudgetRange,
	models.FieldServiceType,
	models.FieldAccessModel,
	models.FieldContextRaw,
}

var budgetOptions = []models.QuestionOption{
	{Value: string(models.BudgetUnder10k), Label: "Under $10,000", MapsToField: models.FieldBudgetRange, MapsToValue: string(models.BudgetUnder10k)},
	{Value: string(models.Budget10to25k), Label: "$10,000 - $25,000", MapsToField: models.FieldBudgetRange, MapsToValue: string(models.Budget10to25k)},
	{Value: string(models.Budget25to50k), Label: "$25,000 - $50,000", MapsToField: models.FieldBudgetRange, MapsToValue: string(models.Budget25to50k)},
	{Value: string(models.BudgetOver50k), Label: "Over $50,000", MapsToField: models.FieldBudgetRange, MapsToValue: string(models.BudgetOver50k)},
	{Value: KeepCurrentOption, Label: "Keep my current selection"},
}

// fallbackQuestions holds the canned question for each field in fallbackOrder.
var fallbackQuestions = map[string]models.Question{
	models.FieldBudgetRange: {
		Text:        "Which budget range best fits your project?",
		Type:        models.QuestionSingleChoice,
		Purpose:     "Helps us recommend the right engagement",
		Options:     budgetOptions,
		TargetField: models.FieldBudgetRange,
	},
	models.FieldServiceType: {
		Text:    "Which best describes what you're looking for?",
		Type:    models.QuestionSingleChoice,
		Purpose: "Helps us route you to the right service",
		Options: []models.QuestionOption{
			{Value: string(models.ServiceAudit), Label: "Audit my existing AI system", MapsToField: models.FieldServiceType, MapsToValue: string(models.ServiceAudit)},
			{Value: string(models.ServiceProject), Label: "Build or ship something new", MapsToField: models.FieldServiceType, MapsToValue: string(models.ServiceProject)},
			{Value: string(models.ServiceAdvisoryPaid), Label: "Get strategic advice", MapsToField: models.FieldServiceType, MapsToValue: string(models.ServiceAdvisoryPaid)},
		},
		TargetField: models.FieldServiceType,
	},
	models.FieldAccessModel: {
		Text:    "How can external collaborators access your systems?",
		Type:    models.QuestionSingleChoice,
		Purpose: "Ensures we can work effectively together",
		Options: []models.QuestionOption{
			{Value: string(models.AccessRemote), Label: "Remote access to cloud/repos", MapsToField: models.FieldAccessModel, MapsToValue: string(models.AccessRemote)},
			{Value: string(models.AccessOwnEnvironment), Label: "Sandboxed environment with our tools", MapsToField: models.FieldAccessModel, MapsToValue: string(models.AccessOwnEnvironment)},
			{Value: string(models.AccessManagedDevices), Label: "Must use company-managed devices", MapsToField: models.FieldAccessModel, MapsToValue: string(models.AccessManagedDevices)},
			{Value: string(models.AccessOnPremiseOnly), Label: "On-premise only, no remote access", MapsToField: models.FieldAccessModel, MapsToValue: string(models.AccessOnPremiseOnly)},
		},
		TargetField: models.FieldAccessModel,
	},
	models.FieldContextRaw: {
		Text:        "Could you tell me more about your project?",
		Type:        models.QuestionText,
		Purpose:     "Helps us understand your needs",
		TargetField: models.FieldContextRaw,
	},
}

// genericQuestion is asked when no canned question applies.
var genericQuestion = models.Question{
	Text:        "Could you tell me more about your project?",
	Type:        models.QuestionText,
	Purpose:     "Helps us understand your needs better",
	TargetField: models.FieldContextRaw,
}

// Planner chooses the next clarification question.
type Planner struct {
	gen        genai.Generator
	minContext int
}

// NewPlanner creates a Planner. gen may be nil to always use the canned questions.
func NewPlanner(gen genai.Generator, minContextLength int) *Planner {
	return &Planner{gen: gen, minContext: minContextLength}
}

// Next returns the question to ask and the model that wrote it. The model
// name is empty when the question came from the canned table. Next always
// returns a usable question.
func (p *Planner) Next(ctx context.Context, form models.IntakeForm, issues []models.Issue, prior []models.Turn, progress Progress) (models.Question, string) {
	if p.gen != nil {
		q, err := p.generate(ctx, form, issues, prior, progress)
		if err == nil {
			slog.Debug("Planner.Next: generated question", "model", p.gen.Model(), "target_field", q.TargetField, "type", q.Type)
			return q, p.gen.Model()
		}
		slog.Warn("Planner.Next: generation failed, using canned question", "error", err)
	}
	q := p.Fallback(form, issues, prior)
	slog.Debug("Planner.Next: canned question", "target_field", q.TargetField)
	return q, ""
}

func (p *Planner) generate(ctx context.Context, form models.IntakeForm, issues []models.Issue, prior []models.Turn, progress Progress) (models.Question, error) {
	raw, err := p.gen.GenerateJSON(ctx, genai.Request{
		System:      questionSystemPrompt,
		User:        questionUserPrompt(form, issues, prior, progress),
		Temperature: questionTemperature,
	})
	if err != nil {
		return models.Question{}, fmt.Errorf("question generation failed: %w", err)
	}
	return parseQuestion(raw)
}

// Fallback picks the first canned question whose field needs resolution and
// has not been asked yet, or the generic context question.
func (p *Planner) Fallback(form models.IntakeForm, issues []models.Issue, prior []models.Turn) models.Question {
	asked := make(map[string]bool, len(prior))
	for _, t := range prior {
		if t.Question.TargetField != "" {
			asked[t.Question.TargetField] = true
		}
	}
	for _, field := range fallbackOrder {
		if asked[field] || !p.needsResolution(field, form, issues) {
			continue
		}
		return cloneQuestion(fallbackQuestions[field])
	}
	return cloneQuestion(genericQuestion)
}

func (p *Planner) needsResolution(field string, form models.IntakeForm, issues []models.Issue) bool {
	switch field {
	case models.FieldBudgetRange:
		if form.BudgetRange == models.BudgetUnsure {
			return true
		}
		for _, is := range issues {
			if is.Trigger == models.TriggerBudgetScopeMismatch {
				return true
			}
		}
		return false
	case models.FieldServiceType:
		return form.ServiceType == models.ServiceUnclear
	case models.FieldAccessModel:
		return form.AccessModel == models.AccessUnsure
	case models.FieldContextRaw:
		return form.ContextLength() < p.minContext
	}
	return false
}

func cloneQuestion(q models.Question) models.Question {
	q.Options = append([]models.QuestionOption(nil), q.Options...)
	return q
}

type llmQuestion struct {
	Text        *string     `json:"question_text"`
	Type        *string     `json:"question_type"`
	Purpose     *string     `json:"question_purpose"`
	Options     []llmOption `json:"options"`
	TargetField *string     `json:"target_field"`
}

type llmOption struct {
	Value       *string `json:"value"`
	Label       *string `json:"label"`
	Description *string `json:"description"`
	MapsToField *string `json:"maps_to_field"`
	MapsToValue *string `json:"maps_to_value"`
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// parseQuestion validates a generated question. Nothing is repaired: any
// violation rejects the whole response.
func parseQuestion(raw string) (models.Question, error) {
	var resp llmQuestion
	if err := decodeStrict(raw, &resp); err != nil {
		return models.Question{}, err
	}

	q := models.Question{
		Text:        str(resp.Text),
		Type:        models.QuestionType(str(resp.Type)),
		Purpose:     str(resp.Purpose),
		TargetField: str(resp.TargetField),
	}
	if q.Text == "" || utf8.RuneCountInString(q.Text) > maxQuestionTextRunes {
		return models.Question{}, fmt.Errorf("%w: question_text is empty or too long", ErrSchemaMismatch)
	}
	if !q.Type.IsValid() {
		return models.Question{}, fmt.Errorf("%w: unknown question_type %q", ErrSchemaMismatch, q.Type)
	}
	if q.TargetField != "" && !models.IsKnownField(q.TargetField) {
		return models.Question{}, fmt.Errorf("%w: unknown target_field %q", ErrSchemaMismatch, q.TargetField)
	}

	switch q.Type {
	case models.QuestionSingleChoice:
		opts, err := parseOptions(resp.Options)
		if err != nil {
			return models.Question{}, err
		}
		q.Options = opts
		if isBudgetQuestion(q) && !hasCanonicalBudgetOptions(q.Options) {
			return models.Question{}, fmt.Errorf("%w: budget options must be the four tiers plus %s", ErrSchemaMismatch, KeepCurrentOption)
		}
	case models.QuestionText:
		if len(resp.Options) > 0 {
			return models.Question{}, fmt.Errorf("%w: text question with options", ErrSchemaMismatch)
		}
	case models.QuestionConfirmation:
		if len(resp.Options) > 0 {
			return models.Question{}, fmt.Errorf("%w: confirmation question with options", ErrSchemaMismatch)
		}
		if q.TargetField != models.FieldIsDecisionMaker {
			return models.Question{}, fmt.Errorf("%w: confirmation must target %s", ErrSchemaMismatch, models.FieldIsDecisionMaker)
		}
	}
	return q, nil
}

func parseOptions(in []llmOption) ([]models.QuestionOption, error) {
	if len(in) < minChoiceOptions || len(in) > maxChoiceOptions {
		return nil, fmt.Errorf("%w: single_choice needs %d to %d options, got %d", ErrSchemaMismatch, minChoiceOptions, maxChoiceOptions, len(in))
	}
	seen := make(map[string]bool, len(in))
	out := make([]models.QuestionOption, 0, len(in))
	for i, o := range in {
		opt := models.QuestionOption{
			Value:       str(o.Value),
			Label:       str(o.Label),
			Description: str(o.Description),
			MapsToField: str(o.MapsToField),
			MapsToValue: str(o.MapsToValue),
		}
		if opt.Value == "" || opt.Label == "" {
			return nil, fmt.Errorf("%w: option %d needs a value and a label", ErrSchemaMismatch, i)
		}
		if seen[opt.Value] {
			return nil, fmt.Errorf("%w: duplicate option value %q", ErrSchemaMismatch, opt.Value)
		}
		seen[opt.Value] = true
		if opt.MapsToField != "" {
			if !models.IsKnownField(opt.MapsToField) || opt.MapsToField == models.FieldContextRaw {
				return nil, fmt.Errorf("%w: option %q maps to unsupported field %q", ErrSchemaMismatch, opt.Value, opt.MapsToField)
			}
			if opt.MapsToValue != "" && !models.IsValidFieldValue(opt.MapsToField, opt.MapsToValue) {
				return nil, fmt.Errorf("%w: option %q maps %s to invalid value %q", ErrSchemaMismatch, opt.Value, opt.MapsToField, opt.MapsToValue)
			}
		}
		out = append(out, opt)
	}
	return out, nil
}

func isBudgetQuestion(q models.Question) bool {
	if q.TargetField == models.FieldBudgetRange {
		return true
	}
	for _, o := range q.Options {
		if o.MapsToField == models.FieldBudgetRange {
			return true
		}
	}
	return false
}

func hasCanonicalBudgetOptions(opts []models.QuestionOption) bool {
	if len(opts) != len(budgetOptions) {
		return false
	}
	byValue := make(map[string]models.QuestionOption, len(opts))
	for _, o := range opts {
		byValue[o.Value] = o
	}
	for _, want := range budgetOptions {
		got, ok := byValue[want.Value]
		if !ok {
			return false
		}
		if want.Value == KeepCurrentOption {
			if !got.IsNoOp() {
				return false
			}
			continue
		}
		if got.MapsToField != want.MapsToField || got.MapsToValue != want.MapsToValue {
			return false
		}
	}
	return true
}
