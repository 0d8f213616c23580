package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/medxp/handoff/internal/clinical"
)

// criticalPharmaPrefix marks a life-threatening interaction in pharmacovigilance output.
const criticalPharmaPrefix = "CRITICAL PHARMA ALERT"

var allowedSpeakers = map[string]bool{
	"NURSE":   true,
	"PATIENT": true,
	"DOCTOR":  true,
	"FAMILY":  true,
}

// NewAnalyzers returns the five analyzers in ensemble order.
func NewAnalyzers(deps Deps) []Analyzer {
	return []Analyzer{
		NewRefiner(deps),
		NewBaselineSynthesizer(deps),
		NewProtocolAuditor(deps),
		NewPharmacovigilanceChecker(deps),
		NewRiskEthicsEvaluator(deps),
	}
}

func decode(name Name, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedOutput, name, err)
	}
	return nil
}

func available(name Name) *PartialAssessment {
	return &PartialAssessment{Analyzer: name, Status: StatusAvailable, Findings: []Finding{}}
}

// Refiner produces a speaker-labelled transcript and action tags. It never emits findings.
type Refiner struct{ base }

func NewRefiner(deps Deps) *Refiner {
	return &Refiner{base: newBase(TranscriptionRefiner, refinerPrompt, deps)}
}

func (r *Refiner) Analyze(ctx context.Context, in Input) (*PartialAssessment, error) {
	payload, err := r.complete(ctx, in)
	if err != nil {
		return nil, err
	}
	var out struct {
		CleanedTranscript string      `json:"cleaned_transcript"`
		ActionTags        []ActionTag `json:"action_tags"`
	}
	if err := decode(r.name, payload, &out); err != nil {
		return nil, err
	}

	pa := available(r.name)
	pa.CleanedTranscript = strings.TrimSpace(out.CleanedTranscript)
	pa.ActionTags = []ActionTag{}
	for _, tag := range out.ActionTags {
		speaker := strings.ToUpper(strings.Trim(strings.TrimSpace(tag.Speaker), "[]"))
		if !allowedSpeakers[speaker] {
			continue
		}
		pa.ActionTags = append(pa.ActionTags, ActionTag{
			Speaker: speaker,
			Action:  strings.ToLower(strings.TrimSpace(tag.Action)),
			Text:    strings.TrimSpace(tag.Text),
		})
	}
	return pa, nil
}

// BaselineSynthesizer describes historical norms and trends. Descriptive only.
type BaselineSynthesizer struct{ base }

func NewBaselineSynthesizer(deps Deps) *BaselineSynthesizer {
	return &BaselineSynthesizer{base: newBase(PatientBaseline, baselinePrompt, deps)}
}

func (b *BaselineSynthesizer) Analyze(ctx context.Context, in Input) (*PartialAssessment, error) {
	payload, err := b.complete(ctx, in)
	if err != nil {
		return nil, err
	}
	var out struct {
		Summary          string     `json:"summary"`
		Baselines        []Baseline `json:"baselines"`
		HighAlertHistory []string   `json:"high_alert_history"`
		Confidence       string     `json:"confidence"`
	}
	if err := decode(b.name, payload, &out); err != nil {
		return nil, err
	}

	pa := available(b.name)
	pa.Summary = strings.TrimSpace(out.Summary)
	pa.Baselines = out.Baselines
	pa.HighAlertHistory = out.HighAlertHistory
	pa.Confidence = normalizeConfidence(out.Confidence)
	return pa, nil
}

// Auditor scores procedural compliance and lists deviations.
type Auditor struct{ base }

func NewProtocolAuditor(deps Deps) *Auditor {
	return &Auditor{base: newBase(ProtocolAuditor, auditorPrompt, deps)}
}

func (a *Auditor) Analyze(ctx context.Context, in Input) (*PartialAssessment, error) {
	payload, err := a.complete(ctx, in)
	if err != nil {
		return nil, err
	}
	var out struct {
		ComplianceScore int          `json:"compliance_score"`
		Deviations      []string     `json:"deviations"`
		Findings        []rawFinding `json:"findings"`
		Summary         string       `json:"summary"`
		Confidence      string       `json:"confidence"`
	}
	if err := decode(a.name, payload, &out); err != nil {
		return nil, err
	}

	pa := available(a.name)
	score := min(max(out.ComplianceScore, 0), 100)
	pa.ComplianceScore = &score
	pa.Deviations = []string{}
	for _, d := range out.Deviations {
		if d = strings.TrimSpace(d); d != "" {
			pa.Deviations = append(pa.Deviations, d)
		}
	}
	for _, rf := range out.Findings {
		pa.Findings = append(pa.Findings, rf.toFinding("protocol_deviation"))
	}
	// Deviations reported without findings still surface as concerns.
	if len(pa.Findings) == 0 {
		for _, d := range pa.Deviations {
			pa.Findings = append(pa.Findings, Finding{
				Category:    "protocol_deviation",
				Severity:    clinical.SeverityMedium,
				Description: d,
				Stance:      StanceConcern,
			})
		}
	}
	pa.Summary = strings.TrimSpace(out.Summary)
	pa.Confidence = normalizeConfidence(out.Confidence)
	return pa, nil
}

// PharmacovigilanceChecker is the only analyzer allowed to raise critical urgency.
type PharmacovigilanceChecker struct{ base }

func NewPharmacovigilanceChecker(deps Deps) *PharmacovigilanceChecker {
	return &PharmacovigilanceChecker{base: newBase(Pharmacovigilance, pharmacovigilancePrompt, deps)}
}

func (c *PharmacovigilanceChecker) Analyze(ctx context.Context, in Input) (*PartialAssessment, error) {
	payload, err := c.complete(ctx, in)
	if err != nil {
		return nil, err
	}
	var out struct {
		Findings   []rawFinding `json:"findings"`
		Summary    string       `json:"summary"`
		Confidence string       `json:"confidence"`
	}
	if err := decode(c.name, payload, &out); err != nil {
		return nil, err
	}

	pa := available(c.name)
	for _, rf := range out.Findings {
		f := rf.toFinding("medication_safety")
		if rf.CriticalAlert || strings.HasPrefix(strings.ToUpper(f.Description), criticalPharmaPrefix) {
			f.CriticalUrgency = true
			f.Severity = clinical.SeverityCritical
		}
		pa.Findings = append(pa.Findings, f)
	}
	pa.Summary = strings.TrimSpace(out.Summary)
	pa.Confidence = normalizeConfidence(out.Confidence)
	return pa, nil
}

// RiskEthicsEvaluator flags tone, consent and liability issues.
type RiskEthicsEvaluator struct{ base }

func NewRiskEthicsEvaluator(deps Deps) *RiskEthicsEvaluator {
	return &RiskEthicsEvaluator{base: newBase(RiskEthics, riskEthicsPrompt, deps)}
}

func (e *RiskEthicsEvaluator) Analyze(ctx context.Context, in Input) (*PartialAssessment, error) {
	payload, err := e.complete(ctx, in)
	if err != nil {
		return nil, err
	}
	var out struct {
		Findings   []rawFinding `json:"findings"`
		Summary    string       `json:"summary"`
		Confidence string       `json:"confidence"`
	}
	if err := decode(e.name, payload, &out); err != nil {
		return nil, err
	}

	pa := available(e.name)
	for _, rf := range out.Findings {
		pa.Findings = append(pa.Findings, rf.toFinding("liability"))
	}
	pa.Summary = strings.TrimSpace(out.Summary)
	pa.Confidence = normalizeConfidence(out.Confidence)
	return pa, nil
}
