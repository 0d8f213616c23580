// Package enrichment joins knowledge retrieval and warning generation into one enrichment result per session.
package enrichment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/knowledge"
	"github.com/medxp/handoff/internal/warnings"
)

const maxKeyDiagnoses = 6

// Assembler runs the retriever and the warning generator concurrently and waits for both.
type Assembler struct {
	retriever *knowledge.Retriever
	generator *warnings.Generator
	formulary *clinical.Formulary
	logger    zerolog.Logger
	now       func() time.Time
}

func NewAssembler(
	retriever *knowledge.Retriever,
	generator *warnings.Generator,
	formulary *clinical.Formulary,
	logger zerolog.Logger,
) *Assembler {
	return &Assembler{
		retriever: retriever,
		generator: generator,
		formulary: formulary,
		logger:    logger.With().Str("component", "enrichment").Logger(),
		now:       time.Now,
	}
}

// Enrich produces the enrichment result for an accepted session.
// It returns an error only when ctx is cancelled before the barrier.
func (a *Assembler) Enrich(ctx context.Context, session clinical.TranscriptSession, profile clinical.PatientProfile) (*Result, error) {
	start := a.now()

	var (
		wg      sync.WaitGroup
		matches []knowledge.Match
		warns   []clinical.Warning
		summary PatientSummary
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		defer a.recoverStage("knowledge_retriever")
		matches = a.retriever.Retrieve(profile, session.TranscriptText)
	}()
	go func() {
		defer wg.Done()
		defer a.recoverStage("warning_generator")
		warns = a.generator.Generate(profile)
	}()
	go func() {
		defer wg.Done()
		defer a.recoverStage("patient_summary")
		summary = a.summarize(profile)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("enrichment cancelled: %w", err)
	}

	if matches == nil {
		matches = []knowledge.Match{}
	}
	if warns == nil {
		warns = []clinical.Warning{}
	}
	warns = append(warns, a.generator.ProtocolWarnings(matches)...)

	if summary.KeyDiagnoses == nil {
		summary = emptySummary()
	}

	result := &Result{
		SessionID:      session.SessionID,
		PatientSummary: summary,
		Knowledge:      matches,
		Warnings:       warns,
		Metadata: Metadata{
			ProcessingTimeMS: a.now().Sub(start).Milliseconds(),
			SourcesConsulted: sourcesConsulted(),
			InferenceCalls:   0,
			GeneratedAt:      a.now().UTC(),
		},
	}

	a.logger.Debug().
		Str("session_id", session.SessionID).
		Int("knowledge", len(matches)).
		Int("warnings", len(warns)).
		Int64("processing_time_ms", result.Metadata.ProcessingTimeMS).
		Msg("enrichment assembled")

	return result, nil
}

func (a *Assembler) recoverStage(stage string) {
	if r := recover(); r != nil {
		a.logger.Error().Str("stage", stage).Interface("panic", r).Msg("enrichment stage failed")
	}
}

// sourcesConsulted lists every source evaluated for the session, in evaluation order.
func sourcesConsulted() []string {
	return []string{"sops", "policies", "guidelines", "warning_rules", "critical_value_table"}
}

func emptySummary() PatientSummary {
	return PatientSummary{
		KeyDiagnoses:   []string{},
		RiskFactors:    []string{},
		CriticalValues: []clinical.CriticalValue{},
	}
}

// summarize derives key diagnoses, risk factors and critical values from the profile.
func (a *Assembler) summarize(p clinical.PatientProfile) PatientSummary {
	s := emptySummary()

	if p.PrimaryDiagnosis != "" {
		s.KeyDiagnoses = append(s.KeyDiagnoses, p.PrimaryDiagnosis)
	}
	for _, prob := range p.ActiveProblems {
		if len(s.KeyDiagnoses) >= maxKeyDiagnoses {
			break
		}
		if strings.EqualFold(prob, p.PrimaryDiagnosis) {
			continue
		}
		s.KeyDiagnoses = append(s.KeyDiagnoses, prob)
	}

	if p.Age >= 65 {
		s.RiskFactors = append(s.RiskFactors, fmt.Sprintf("Age %d", p.Age))
	}
	for _, allergy := range p.Allergies {
		if strings.TrimSpace(allergy) != "" {
			s.RiskFactors = append(s.RiskFactors, "Allergy: "+allergy)
		}
	}
	for _, m := range p.ActiveMedications() {
		for _, class := range a.formulary.Classes(m.Name) {
			if highAlertClasses[class] {
				s.RiskFactors = append(s.RiskFactors, fmt.Sprintf("High-alert medication: %s (%s)", m.Name, class))
				break
			}
		}
	}
	if p.Isolation != "" {
		s.RiskFactors = append(s.RiskFactors, "Isolation: "+p.Isolation)
	}
	for _, line := range p.LinesDrains {
		s.RiskFactors = append(s.RiskFactors, "Line/drain: "+line)
	}
	if !p.CodeStatus.Documented() {
		s.RiskFactors = append(s.RiskFactors, "Code status not documented")
	}
	flags := knowledge.ConditionFlags(p)
	for _, flag := range []string{"fever", "hypoxia", "tachycardia", "hypotension"} {
		if ref, ok := flags[flag]; ok {
			s.RiskFactors = append(s.RiskFactors, fmt.Sprintf("%s (%s)", flag, ref))
		}
	}

	s.CriticalValues = clinical.CriticalValues(p)
	return s
}

var highAlertClasses = map[string]bool{
	"anticoagulant":  true,
	"opioid":         true,
	"benzodiazepine": true,
	"insulin":        true,
}
