package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/enrichment"
)

// urgentScore places critical-urgency findings above any severity × weight product.
const urgentScore = 1000

const noActionNeeded = "No action needed."

// sourceWeight is the trust weight applied to a candidate's severity rank.
var sourceWeight = map[string]int{
	"warning":                          3,
	string(analysis.Pharmacovigilance): 3,
	string(analysis.RiskEthics):        3,
	string(analysis.ProtocolAuditor):   2,
}

// Penalties are subtracted from the compliance score per unresolved warning.
type Penalties struct {
	Contraindication int
	Allergy          int
	CriticalAlert    int
}

type Options struct {
	MaxKeyConcerns int
	Penalties      Penalties
}

func DefaultOptions() Options {
	return Options{
		MaxKeyConcerns: 5,
		Penalties:      Penalties{Contraindication: 15, Allergy: 15, CriticalAlert: 20},
	}
}

// Synthesizer is stateless; one instance serves all sessions.
type Synthesizer struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Synthesizer {
	if opts.MaxKeyConcerns <= 0 {
		opts.MaxKeyConcerns = DefaultOptions().MaxKeyConcerns
	}
	return &Synthesizer{opts: opts, logger: logger.With().Str("component", "synthesizer").Logger()}
}

// candidate is one severity-bearing input to the brief.
type candidate struct {
	source   string
	severity clinical.Severity
	score    int
	urgent   bool
	pinned   bool
	stance   analysis.Stance
	subjects []string
	headline string
	action   string
	concern  string
	order    int

	warning *clinical.Warning
}

// Synthesize merges the enrichment result and the partial assessments into a report.
// Missing or unavailable assessments degrade confidence; they never fail synthesis.
func (s *Synthesizer) Synthesize(enr *enrichment.Result, partials []analysis.PartialAssessment) (*Report, error) {
	if enr == nil {
		enr = &enrichment.Result{}
	}
	assessments := normalize(partials)

	report := &Report{UnavailableAnalyzers: []analysis.Name{}, Conflicts: []Conflict{}}
	for _, pa := range assessments {
		if !pa.Available() {
			report.UnavailableAnalyzers = append(report.UnavailableAnalyzers, pa.Analyzer)
		}
	}
	switch n := len(report.UnavailableAnalyzers); {
	case n == len(analysis.Order):
		report.Confidence = ConfidenceLow
	case n > 0:
		report.Confidence = ConfidencePartial
	default:
		report.Confidence = ConfidenceHigh
	}
	report.PartialData = report.Confidence != ConfidenceHigh

	candidates := s.collect(enr, assessments)
	report.Conflicts = conflicts(candidates)

	compliance := s.compliance(assessments, candidates, report.Conflicts)
	if compliance < 100 && len(candidates) == 0 {
		candidates = append(candidates, complianceCandidate(assessments, compliance))
	}

	rank(candidates)
	selected := s.truncate(candidates)

	brief := RiskBrief{
		RiskLevel:         riskLevel(candidates),
		ComplianceScore:   compliance,
		KeyConcerns:       make([]string, 0, len(selected)),
		RecommendedAction: recommendedAction(selected),
	}
	for _, c := range selected {
		brief.KeyConcerns = append(brief.KeyConcerns, c.concern)
	}
	brief.ExecutiveSummary = summary(brief.RiskLevel, selected, len(candidates), report)

	if err := brief.Validate(); err != nil {
		return nil, fmt.Errorf("risk brief violates output contract: %w", err)
	}
	digest, err := brief.Digest()
	if err != nil {
		return nil, err
	}
	report.Brief = brief
	report.Digest = digest

	s.logger.Debug().
		Str("risk_level", string(brief.RiskLevel)).
		Int("compliance_score", brief.ComplianceScore).
		Int("candidates", len(candidates)).
		Str("confidence", string(report.Confidence)).
		Msg("Brief synthesized")
	return report, nil
}

// normalize returns exactly one assessment per role in ensemble order.
func normalize(partials []analysis.PartialAssessment) []analysis.PartialAssessment {
	byName := make(map[analysis.Name]analysis.PartialAssessment, len(partials))
	for _, pa := range partials {
		byName[pa.Analyzer] = pa
	}
	out := make([]analysis.PartialAssessment, 0, len(analysis.Order))
	for _, name := range analysis.Order {
		pa, ok := byName[name]
		if !ok {
			pa = analysis.UnavailableAssessment(name, "missing")
		}
		out = append(out, pa)
	}
	return out
}

func (s *Synthesizer) collect(enr *enrichment.Result, assessments []analysis.PartialAssessment) []*candidate {
	var out []*candidate
	for i := range enr.Warnings {
		w := &enr.Warnings[i]
		c := &candidate{
			source:   "warning",
			severity: w.Severity,
			stance:   analysis.StanceConcern,
			subjects: w.Subjects,
			headline: w.Message,
			action:   w.RequiredAction,
			pinned:   w.Type == clinical.WarningDocumentation,
			warning:  w,
		}
		c.concern = fmt.Sprintf("[%s] %s (%s)", RiskLevelOf(w.Severity), fragment(w.Message), w.Evidence)
		out = append(out, c)
	}

	for _, pa := range assessments {
		if !pa.Available() {
			continue
		}
		label := analyzerLabel(pa.Analyzer)
		for _, f := range pa.Findings {
			c := &candidate{
				source:   string(pa.Analyzer),
				severity: f.Severity,
				stance:   f.Stance,
				headline: f.Description,
				action:   f.Action,
				urgent:   f.CriticalUrgency && pa.Analyzer == analysis.Pharmacovigilance,
			}
			if f.Subject != "" {
				c.subjects = []string{f.Subject}
			}
			c.pinned = c.urgent
			if c.urgent {
				c.severity = clinical.SeverityCritical
			}
			tag := label
			if f.Stance == analysis.StanceJustified {
				tag += ", justified"
			}
			c.concern = fmt.Sprintf("[%s] %s: %s", RiskLevelOf(c.severity), tag, fragment(f.Description))
			if f.Evidence != "" {
				c.concern += fmt.Sprintf(" (%s)", fragment(f.Evidence))
			}
			out = append(out, c)
		}
	}

	for i, c := range out {
		c.order = i
		weight := sourceWeight[c.source]
		if weight == 0 {
			weight = 1
		}
		c.score = c.severity.Rank() * weight
		if c.urgent {
			c.score = urgentScore
		}
	}
	return out
}

func analyzerLabel(n analysis.Name) string {
	switch n {
	case analysis.ProtocolAuditor:
		return "Protocol audit"
	case analysis.Pharmacovigilance:
		return "Pharmacovigilance"
	case analysis.RiskEthics:
		return "Risk/ethics"
	case analysis.PatientBaseline:
		return "Patient baseline"
	}
	return "Transcript"
}

func sameSubject(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// conflicts pairs every justified finding with the concerns it contradicts.
// Both sides of a stated conflict are pinned so truncation keeps them together.
func conflicts(candidates []*candidate) []Conflict {
	out := []Conflict{}
	for _, j := range candidates {
		if j.stance != analysis.StanceJustified || len(j.subjects) == 0 {
			continue
		}
		for _, c := range candidates {
			if c == j || c.stance == analysis.StanceJustified {
				continue
			}
			for _, subj := range c.subjects {
				if sameSubject(subj, j.subjects[0]) {
					j.pinned = true
					c.pinned = true
					out = append(out, Conflict{
						Subject:       j.subjects[0],
						Concern:       fragment(c.headline),
						Justification: fragment(j.headline),
						JustifiedBy:   analysis.Name(j.source),
					})
					break
				}
			}
		}
	}
	return out
}

func resolved(w *clinical.Warning, conflicts []Conflict) bool {
	for _, c := range conflicts {
		for _, subj := range w.Subjects {
			if sameSubject(subj, c.Subject) {
				return true
			}
		}
	}
	return false
}

func (s *Synthesizer) compliance(assessments []analysis.PartialAssessment, candidates []*candidate, conflicts []Conflict) int {
	score := 100
	for _, pa := range assessments {
		if pa.Analyzer == analysis.ProtocolAuditor && pa.Available() && pa.ComplianceScore != nil {
			score = *pa.ComplianceScore
		}
	}
	for _, c := range candidates {
		if c.warning == nil || resolved(c.warning, conflicts) {
			continue
		}
		switch {
		case c.warning.Type == clinical.WarningContraindication:
			score -= s.opts.Penalties.Contraindication
		case c.warning.Type == clinical.WarningAllergy:
			score -= s.opts.Penalties.Allergy
		case c.warning.Type == clinical.WarningClinicalAlert && c.warning.Severity == clinical.SeverityCritical:
			score -= s.opts.Penalties.CriticalAlert
		}
	}
	return min(max(score, 0), 100)
}

// complianceCandidate keeps a sub-100 score traceable when nothing else was itemized.
func complianceCandidate(assessments []analysis.PartialAssessment, score int) *candidate {
	detail := "no deviations were itemized"
	for _, pa := range assessments {
		if pa.Analyzer == analysis.ProtocolAuditor && pa.Summary != "" {
			detail = fragment(pa.Summary)
		}
	}
	return &candidate{
		source:   string(analysis.ProtocolAuditor),
		severity: clinical.SeverityLow,
		score:    clinical.SeverityLow.Rank() * sourceWeight[string(analysis.ProtocolAuditor)],
		stance:   analysis.StanceConcern,
		headline: fmt.Sprintf("Protocol compliance scored %d/100", score),
		action:   "Review the handoff against the unit protocol checklist",
		concern:  fmt.Sprintf("[Low] Protocol audit: compliance scored %d/100 (%s)", score, detail),
	}
}

// rank sorts by urgency, then malpractice-likelihood score, then input order.
func rank(candidates []*candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.urgent != b.urgent {
			return a.urgent
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.order < b.order
	})
}

// truncate keeps the top MaxKeyConcerns candidates. Pinned candidates always survive, even past the bound.
func (s *Synthesizer) truncate(ranked []*candidate) []*candidate {
	if len(ranked) <= s.opts.MaxKeyConcerns {
		return ranked
	}
	pinned := 0
	for _, c := range ranked {
		if c.pinned {
			pinned++
		}
	}
	free := max(s.opts.MaxKeyConcerns-pinned, 0)
	out := make([]*candidate, 0, s.opts.MaxKeyConcerns)
	for _, c := range ranked {
		switch {
		case c.pinned:
			out = append(out, c)
		case free > 0:
			out = append(out, c)
			free--
		}
	}
	return out
}

func riskLevel(candidates []*candidate) RiskLevel {
	ceiling := clinical.SeverityLow
	for _, c := range candidates {
		if c.urgent {
			return RiskCritical
		}
		ceiling = clinical.MaxSeverity(ceiling, c.severity)
	}
	return RiskLevelOf(ceiling)
}

func recommendedAction(selected []*candidate) string {
	if len(selected) == 0 {
		return noActionNeeded
	}
	top := selected[0]
	if a := sentence(top.action); a != "" {
		return a
	}
	return sentence("Address " + top.headline)
}

func summary(level RiskLevel, selected []*candidate, total int, report *Report) string {
	var first string
	if len(selected) == 0 {
		first = fmt.Sprintf("%s risk: no safety concerns identified", level)
	} else {
		noun := "concerns"
		if total == 1 {
			noun = "concern"
		}
		first = fmt.Sprintf("%s risk with %d %s, led by: %s", level, total, noun, fragment(selected[0].headline))
	}
	switch report.Confidence {
	case ConfidenceLow:
		first += " (low confidence: all analyzers unavailable, based on enrichment only)"
	case ConfidencePartial:
		first += fmt.Sprintf(" (based on partial data: %d of %d analyzers unavailable)",
			len(report.UnavailableAnalyzers), len(analysis.Order))
	}
	out := first + "."

	if len(report.Conflicts) > 0 {
		c := report.Conflicts[0]
		second := fmt.Sprintf("Conflicting findings on %s: flagged as %q yet documented as justified (%s)",
			fragment(c.Subject), c.Concern, c.Justification)
		if extra := len(report.Conflicts) - 1; extra > 0 {
			second += fmt.Sprintf(", plus %d more conflict(s)", extra)
		}
		out += " " + second + "."
	}
	return out
}
