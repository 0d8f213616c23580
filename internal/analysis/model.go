package analysis

import (
	"github.com/medxp/handoff/internal/clinical"
)

// Name identifies an analyzer role.
type Name string

const (
	TranscriptionRefiner Name = "transcription_refiner"
	PatientBaseline      Name = "patient_baseline"
	ProtocolAuditor      Name = "protocol_auditor"
	Pharmacovigilance    Name = "pharmacovigilance"
	RiskEthics           Name = "risk_ethics"
)

// Order is the fixed ensemble order. Partial assessments are always reported in this order.
var Order = []Name{TranscriptionRefiner, PatientBaseline, ProtocolAuditor, Pharmacovigilance, RiskEthics}

type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

// Stance says whether a finding raises a concern or justifies a deviation (e.g. a STAT order).
type Stance string

const (
	StanceConcern   Stance = "concern"
	StanceJustified Stance = "justified"
)

// Finding is one severity-bearing observation from an analyzer.
type Finding struct {
	Category    string            `json:"category"`
	Severity    clinical.Severity `json:"severity"`
	Description string            `json:"description"`
	Subject     string            `json:"subject,omitempty"`
	Evidence    string            `json:"evidence,omitempty"`
	Action      string            `json:"action,omitempty"`
	Stance      Stance            `json:"stance"`
	// CriticalUrgency can only be set by the pharmacovigilance checker.
	CriticalUrgency bool `json:"critical_urgency,omitempty"`
}

type ActionTag struct {
	Speaker string `json:"speaker"`
	Action  string `json:"action"`
	Text    string `json:"text,omitempty"`
}

type Baseline struct {
	Measure     string `json:"measure"`
	NormalRange string `json:"normal_range,omitempty"`
	Current     string `json:"current,omitempty"`
	Trend       string `json:"trend,omitempty"`
}

// PartialAssessment is one analyzer's output for one session.
type PartialAssessment struct {
	Analyzer Name   `json:"analyzer"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`

	Findings   []Finding `json:"findings"`
	Summary    string    `json:"summary,omitempty"`
	Confidence string    `json:"confidence,omitempty"`

	// protocol auditor
	ComplianceScore *int     `json:"compliance_score,omitempty"`
	Deviations      []string `json:"deviations,omitempty"`

	// transcription refiner
	CleanedTranscript string      `json:"cleaned_transcript,omitempty"`
	ActionTags        []ActionTag `json:"action_tags,omitempty"`

	// patient baseline
	Baselines        []Baseline `json:"baselines,omitempty"`
	HighAlertHistory []string   `json:"high_alert_history,omitempty"`

	DurationMS int64 `json:"duration_ms"`
}

func (p PartialAssessment) Available() bool {
	return p.Status == StatusAvailable
}

// HasCriticalUrgency reports whether any finding carries the critical-urgency flag.
func (p PartialAssessment) HasCriticalUrgency() bool {
	for _, f := range p.Findings {
		if f.CriticalUrgency {
			return true
		}
	}
	return false
}

// UnavailableAssessment is the fail-soft result for an analyzer that failed, timed out or returned garbage.
func UnavailableAssessment(name Name, reason string) PartialAssessment {
	return PartialAssessment{
		Analyzer: name,
		Status:   StatusUnavailable,
		Reason:   reason,
		Findings: []Finding{},
	}
}
