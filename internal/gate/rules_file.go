package gate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BTreeMap/LeadGate/internal/models"
	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk shape of a gate rules override. Zero-valued fields
// keep the built-in defaults.
type rulesFile struct {
	PersonalEmailDomains      []string `yaml:"personal_email_domains"`
	ExtraPersonalEmailDomains []string `yaml:"extra_personal_email_domains"`
	MinBudget                 string   `yaml:"min_budget"`
	MinContextLength          *int     `yaml:"min_context_length"`
	ShortContextLength        *int     `yaml:"short_context_length"`
}

// LoadRulesFile reads a YAML rules override and merges it onto DefaultRules.
func LoadRulesFile(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read gate rules file %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return Rules{}, fmt.Errorf("invalid gate rules file %s: %w", path, err)
	}
	slog.Info("LoadRulesFile: gate rules loaded", "path", path, "min_budget", rules.MinBudget, "min_context_length", rules.MinContextLength)
	return rules, nil
}

// ParseRules decodes a YAML rules override. Unknown keys are rejected.
func ParseRules(data []byte) (Rules, error) {
	var rf rulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return Rules{}, err
	}

	rules := DefaultRules()
	if len(rf.PersonalEmailDomains) > 0 {
		rules.PersonalEmailDomains = rf.PersonalEmailDomains
	}
	rules.PersonalEmailDomains = append(rules.PersonalEmailDomains, rf.ExtraPersonalEmailDomains...)
	if rf.MinBudget != "" {
		rules.MinBudget = models.BudgetRange(rf.MinBudget)
	}
	if rf.MinContextLength != nil {
		rules.MinContextLength = *rf.MinContextLength
	}
	if rf.ShortContextLength != nil {
		rules.ShortContextLength = *rf.ShortContextLength
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}
