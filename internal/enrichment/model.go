package enrichment

import (
	"time"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/knowledge"
)

// PatientSummary is the derived clinical picture attached to every session.
type PatientSummary struct {
	KeyDiagnoses   []string                 `json:"key_diagnoses"`
	RiskFactors    []string                 `json:"risk_factors"`
	CriticalValues []clinical.CriticalValue `json:"critical_values"`
}

type Metadata struct {
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	SourcesConsulted []string  `json:"sources_consulted"`
	InferenceCalls   int       `json:"inference_calls"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Result is produced exactly once per session and is read-only downstream.
type Result struct {
	SessionID      string             `json:"session_id"`
	PatientSummary PatientSummary     `json:"patient_summary"`
	Knowledge      []knowledge.Match  `json:"knowledge"`
	Warnings       []clinical.Warning `json:"warnings"`
	Metadata       Metadata           `json:"metadata"`
}

// ByCategory returns matched entries of one category, preserving rank order.
func (r *Result) ByCategory(c knowledge.Category) []knowledge.Match {
	var out []knowledge.Match
	for _, m := range r.Knowledge {
		if m.Category == c {
			out = append(out, m)
		}
	}
	return out
}

// WarningsAtLeast returns warnings with severity at or above min.
func (r *Result) WarningsAtLeast(min clinical.Severity) []clinical.Warning {
	var out []clinical.Warning
	for _, w := range r.Warnings {
		if w.Severity.Rank() >= min.Rank() {
			out = append(out, w)
		}
	}
	return out
}
