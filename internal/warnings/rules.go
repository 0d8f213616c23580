// Package warnings evaluates the deterministic clinical rule table over a patient profile.
package warnings

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/clinical"
)

//go:embed data/rules.json
var defaultRules []byte

// Kind selects how a rule is evaluated.
type Kind string

const (
	KindMedicationWithProblem  Kind = "medication_with_problem"
	KindVitalWithProblem       Kind = "vital_with_problem"
	KindVitalThreshold         Kind = "vital_threshold"
	KindAllergyCrossReactivity Kind = "allergy_cross_reactivity"
	KindMedicationClassPair    Kind = "medication_class_pair"
	KindCodeStatusMissing      Kind = "code_status_missing"
	KindProtocolPriority       Kind = "protocol_priority"
)

// Rule is one row of the rule table. Which fields apply depends on Kind.
type Rule struct {
	ID       string               `json:"id"`
	Kind     Kind                 `json:"kind"`
	Type     clinical.WarningType `json:"type"`
	Severity clinical.Severity    `json:"severity"`
	Message  string               `json:"message"`
	Action   string               `json:"action"`

	MedicationClasses []string `json:"medication_classes,omitempty"`
	ProblemTerms      []string `json:"problem_terms,omitempty"`
	Vital             string   `json:"vital,omitempty"`
	Operator          string   `json:"operator,omitempty"`
	Threshold         *float64 `json:"threshold,omitempty"`
	ClassA            string   `json:"class_a,omitempty"`
	ClassB            string   `json:"class_b,omitempty"`
	AllergyClasses    []string `json:"allergy_classes,omitempty"`
	Priority          string   `json:"priority,omitempty"`
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("missing id")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown warning type %q", r.Type)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if strings.TrimSpace(r.Message) == "" || strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("message and action are required")
	}

	switch r.Kind {
	case KindMedicationWithProblem:
		if len(r.MedicationClasses) == 0 || len(r.ProblemTerms) == 0 {
			return fmt.Errorf("medication_classes and problem_terms are required")
		}
	case KindVitalWithProblem, KindVitalThreshold:
		if err := r.validateVital(); err != nil {
			return err
		}
		if r.Kind == KindVitalWithProblem && len(r.ProblemTerms) == 0 {
			return fmt.Errorf("problem_terms are required")
		}
	case KindMedicationClassPair:
		if r.ClassA == "" || r.ClassB == "" {
			return fmt.Errorf("class_a and class_b are required")
		}
	case KindProtocolPriority:
		if r.Priority == "" {
			return fmt.Errorf("priority is required")
		}
	case KindAllergyCrossReactivity, KindCodeStatusMissing:
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

func (r Rule) validateVital() error {
	known := false
	for _, name := range clinical.VitalNames {
		if name == r.Vital {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown vital %q", r.Vital)
	}
	if r.Threshold == nil {
		return fmt.Errorf("threshold is required")
	}
	switch r.Operator {
	case "lt", "lte", "gt", "gte":
	default:
		return fmt.Errorf("unknown operator %q", r.Operator)
	}
	return nil
}

// Table is an ordered, validated rule table.
type Table struct {
	rules    []Rule
	problems []string
}

type tableFile struct {
	Rules []json.RawMessage `json:"rules"`
}

// DefaultTable returns the embedded rule table.
func DefaultTable(logger zerolog.Logger) *Table {
	t, err := ParseTable(bytes.NewReader(defaultRules), logger)
	if err != nil {
		panic(fmt.Sprintf("embedded rules: %v", err))
	}
	return t
}

// LoadTable reads a rule file. An empty path returns the embedded table.
func LoadTable(path string, logger zerolog.Logger) (*Table, error) {
	if path == "" {
		return DefaultTable(logger), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()
	return ParseTable(f, logger)
}

// ParseTable decodes a rule document, keeping file order.
// Malformed rules are configuration faults: they are logged, recorded and skipped.
func ParseTable(r io.Reader, logger zerolog.Logger) (*Table, error) {
	var file tableFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	t := &Table{}
	seen := map[string]bool{}
	for i, raw := range file.Rules {
		var rule Rule
		if err := json.Unmarshal(raw, &rule); err != nil {
			t.skip(logger, i, "", err)
			continue
		}
		if err := rule.validate(); err != nil {
			t.skip(logger, i, rule.ID, err)
			continue
		}
		if seen[rule.ID] {
			t.skip(logger, i, rule.ID, fmt.Errorf("duplicate id"))
			continue
		}
		seen[rule.ID] = true
		t.rules = append(t.rules, rule)
	}
	logger.Info().Int("rules", len(t.rules)).Int("skipped", len(t.problems)).Msg("warning rule table loaded")
	return t, nil
}

func (t *Table) skip(logger zerolog.Logger, index int, id string, err error) {
	logger.Warn().Err(err).Int("index", index).Str("rule_id", id).Msg("skipping malformed warning rule")
	t.problems = append(t.problems, fmt.Sprintf("rule %d (%s): %v", index, id, err))
}

// Rules returns the accepted rules in evaluation order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Problems describes every skipped rule.
func (t *Table) Problems() []string {
	return append([]string(nil), t.problems...)
}
