package clarify

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/LeadGate/internal/models"
)

// Sampling temperatures for the two model calls.
const (
	detectTemperature   = 0.3
	questionTemperature = 0.5
)

// promptContextLimit caps the free text sent to the question planner.
const promptContextLimit = 500

const detectSystemPrompt = `You review intake forms submitted to a consulting practice that builds and audits ML and AI systems.

Find issues that must be clarified before the lead is routed:

1. contradiction: a structured answer conflicts with the free-text description.
   For example access_model is remote_access while the description says the systems are on-premise only,
   or timeline is urgent while the description says the team is just exploring.

2. budget_scope_mismatch: the described work needs a higher budget tier than the one selected.
   For example a production RAG system with a budget under $10,000.
   Production deployments, multi-system integration and enterprise scale usually need $25,000 or more.

Rules:
- Report only issues with confidence of at least 0.7.
- Do not report missing or "unsure" answers; those are handled elsewhere.
- When in doubt, report nothing.
- Report only issues that could change where the lead is routed.

Reply with a single JSON object and nothing else.`

const detectUserTemplate = `Check this submission for contradictions and budget/scope mismatches.

Form:
- Role: %s
- Decision maker: %s
- Service type: %s
- Timeline: %s
- Budget range: %s
- Access model: %s

Description:
%s

Budget tiers:
- under_10k: small tasks, quick fixes, simple audits
- 10k_25k: basic features, prototype improvements
- 25k_50k: production deployments, comprehensive audits
- over_50k: enterprise systems, complex integrations

Reply with JSON of this shape:
{
  "has_issues": true,
  "issues": [
    {
      "type": "contradiction" | "budget_scope_mismatch",
      "field": "form field that needs clarification, or null",
      "description": "short explanation",
      "confidence": 0.0
    }
  ]
}

With no issues reply {"has_issues": false, "issues": []}.`

const questionSystemPrompt = `You help qualify leads for a consulting practice that builds and audits ML and AI systems.

Write ONE clarifying question that resolves the most important open issue.

Rules:
1. Ask a single question, the one most likely to change the routing decision.
2. Option values must map to exact form field values.
3. Stay neutral; never tell the lead their answers are inconsistent.
4. Keep the question under 100 characters.
5. Prefer options over free text.

Ask about budget first, then access model, then service type, then missing context.

Budget questions always use exactly these options:
- "under_10k": "Under $10,000"
- "10k_25k": "$10,000 - $25,000"
- "25k_50k": "$25,000 - $50,000"
- "over_50k": "Over $50,000"
- "keep_current": "Keep my current selection" (no maps_to_field)

Reply with a single JSON object and nothing else.`

const questionUserTemplate = `Write the next clarifying question.

Current form:
%s

Open issues:
%s

Progress:
- Questions asked: %d
- Questions remaining: %d

Previous answers:
%s

Reply with JSON of this shape:
{
  "question_text": "question under 100 characters",
  "question_type": "single_choice" | "text" | "confirmation",
  "question_purpose": "short note shown to the lead",
  "options": [
    {
      "value": "unique_id",
      "label": "display text",
      "description": "optional helper text",
      "maps_to_field": "form field name or null",
      "maps_to_value": "exact value to set"
    }
  ],
  "target_field": "field this question resolves"
}

single_choice questions have between 2 and 6 options. Omit options for text questions.
Use a confirmation question on is_decision_maker to ask whether the lead makes the buying decision.`

func detectUserPrompt(form models.IntakeForm) string {
	decisionMaker := form.FieldValue(models.FieldIsDecisionMaker)
	if decisionMaker == "" {
		decisionMaker = "not answered"
	}
	return fmt.Sprintf(detectUserTemplate,
		form.RoleTitle, decisionMaker, form.ServiceType, form.Timeline,
		form.BudgetRange, form.AccessModel, strings.TrimSpace(form.ContextRaw))
}

type promptIssue struct {
	Type        models.TriggerType `json:"type"`
	Field       string             `json:"field,omitempty"`
	Description string             `json:"description"`
}

type promptAnswer struct {
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	FieldUpdated string `json:"field_updated,omitempty"`
}

func questionUserPrompt(form models.IntakeForm, issues []models.Issue, prior []models.Turn, progress Progress) string {
	state := map[string]string{
		models.FieldServiceType:     string(form.ServiceType),
		models.FieldBudgetRange:     string(form.BudgetRange),
		models.FieldTimeline:        string(form.Timeline),
		models.FieldAccessModel:     string(form.AccessModel),
		models.FieldRoleTitle:       string(form.RoleTitle),
		models.FieldIsDecisionMaker: form.FieldValue(models.FieldIsDecisionMaker),
		models.FieldContextRaw:      truncateRunes(form.ContextRaw, promptContextLimit),
	}

	pi := make([]promptIssue, len(issues))
	for i, is := range issues {
		pi[i] = promptIssue{Type: is.Trigger, Field: is.Field, Description: is.Description}
	}

	var answers []promptAnswer
	for _, t := range prior {
		if !t.IsAnswered() {
			continue
		}
		pa := promptAnswer{Question: t.Question.Text, Answer: t.AnswerText}
		if t.FieldUpdated {
			pa.FieldUpdated = t.TargetField
		}
		answers = append(answers, pa)
	}
	previous := "None"
	if len(answers) > 0 {
		previous = indentJSON(answers)
	}

	return fmt.Sprintf(questionUserTemplate,
		indentJSON(state), indentJSON(pi), progress.Asked, progress.Remaining, previous)
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
