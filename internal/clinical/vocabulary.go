// Package clinical holds the patient, session and warning vocabulary shared by every pipeline stage.
// Severity and warning-type values are part of the wire contract.
package clinical

import "strings"

// Severity of a warning or finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns 1 (low) through 4 (critical), or 0 for an unknown value.
func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity normalizes free text ("HIGH", " Critical ") to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// WarningType classifies a deterministic clinical warning.
type WarningType string

const (
	WarningContraindication WarningType = "contraindication"
	WarningClinicalAlert    WarningType = "clinical_alert"
	WarningAllergy          WarningType = "allergy"
	WarningDrugInteraction  WarningType = "drug_interaction"
	WarningDocumentation    WarningType = "documentation"
	WarningProtocolTrigger  WarningType = "protocol_trigger"
)

func (t WarningType) Valid() bool {
	switch t {
	case WarningContraindication, WarningClinicalAlert, WarningAllergy,
		WarningDrugInteraction, WarningDocumentation, WarningProtocolTrigger:
		return true
	}
	return false
}

// Warning is one fired rule. Evidence always names the profile field(s) that triggered it.
type Warning struct {
	Type           WarningType `json:"type"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	Evidence       string      `json:"evidence"`
	RequiredAction string      `json:"required_action"`

	// RuleID identifies the rule-table entry that fired.
	RuleID string `json:"-"`
	// Subjects are the medications, problems or entries the warning is about.
	Subjects []string `json:"-"`
}
