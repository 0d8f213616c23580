package warnings

import (
	"fmt"
	"strings"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/knowledge"
)

// Generator evaluates a rule table in order. Rules are independent: none suppresses another,
// and each may fire any number of times.
type Generator struct {
	rules     []Rule
	formulary *clinical.Formulary
}

func NewGenerator(table *Table, formulary *clinical.Formulary) *Generator {
	return &Generator{rules: table.Rules(), formulary: formulary}
}

// Generate evaluates every profile rule. The result is never nil.
func (g *Generator) Generate(p clinical.PatientProfile) []clinical.Warning {
	out := []clinical.Warning{}
	for _, rule := range g.rules {
		switch rule.Kind {
		case KindMedicationWithProblem:
			out = append(out, g.medicationWithProblem(rule, p)...)
		case KindVitalWithProblem:
			out = append(out, vitalWithProblem(rule, p)...)
		case KindVitalThreshold:
			out = append(out, vitalThreshold(rule, p)...)
		case KindAllergyCrossReactivity:
			out = append(out, g.allergyCrossReactivity(rule, p)...)
		case KindMedicationClassPair:
			out = append(out, g.medicationClassPair(rule, p)...)
		case KindCodeStatusMissing:
			out = append(out, codeStatusMissing(rule, p)...)
		}
	}
	return out
}

// ProtocolWarnings evaluates protocol_priority rules over retrieved knowledge.
// It runs after retrieval completes and its output follows the profile warnings.
func (g *Generator) ProtocolWarnings(matches []knowledge.Match) []clinical.Warning {
	out := []clinical.Warning{}
	for _, rule := range g.rules {
		if rule.Kind != KindProtocolPriority {
			continue
		}
		for _, m := range matches {
			if !strings.EqualFold(string(m.Priority), rule.Priority) {
				continue
			}
			vars := map[string]string{"title": m.Title, "entry": m.ID}
			evidence := fmt.Sprintf("%s %s", m.ID, strings.Join(m.MatchedAttributes, ", "))
			if len(m.Evidence) > 0 {
				evidence += " (" + strings.Join(m.Evidence, "; ") + ")"
			}
			out = append(out, newWarning(rule, vars, evidence, m.ID, m.Title))
		}
	}
	return out
}

// HasProtocolRules reports whether any rule depends on retrieval output.
func (g *Generator) HasProtocolRules() bool {
	for _, rule := range g.rules {
		if rule.Kind == KindProtocolPriority {
			return true
		}
	}
	return false
}

type problemHit struct {
	text string
	ref  string
}

// problemHits returns diagnosis and active-problem entries containing any term.
func problemHits(p clinical.PatientProfile, terms []string) []problemHit {
	var hits []problemHit
	check := func(text, ref string) {
		lower := strings.ToLower(text)
		for _, term := range terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				hits = append(hits, problemHit{text: text, ref: ref})
				return
			}
		}
	}
	if p.PrimaryDiagnosis != "" {
		check(p.PrimaryDiagnosis, "primary_diagnosis="+p.PrimaryDiagnosis)
	}
	for i, prob := range p.ActiveProblems {
		check(prob, fmt.Sprintf("active_problems[%d]=%s", i, prob))
	}
	return hits
}

func (g *Generator) medicationsInClass(p clinical.PatientProfile, classes ...string) []clinical.IndexedMedication {
	var out []clinical.IndexedMedication
	for _, m := range p.ActiveMedications() {
		for _, c := range classes {
			if g.formulary.HasClass(m.Name, c) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (g *Generator) medicationWithProblem(rule Rule, p clinical.PatientProfile) []clinical.Warning {
	hits := problemHits(p, rule.ProblemTerms)
	if len(hits) == 0 {
		return nil
	}
	var out []clinical.Warning
	for _, med := range g.medicationsInClass(p, rule.MedicationClasses...) {
		refs := []string{med.Field()}
		subjects := []string{med.Name}
		for _, h := range hits {
			refs = append(refs, h.ref)
			subjects = append(subjects, h.text)
		}
		vars := map[string]string{"medication": med.Name, "problem": joinTexts(hits)}
		out = append(out, newWarning(rule, vars, strings.Join(refs, "; "), subjects...))
	}
	return out
}

func vitalWithProblem(rule Rule, p clinical.PatientProfile) []clinical.Warning {
	value, ok := p.RecentVitals.Value(rule.Vital)
	if !ok || !compare(value, rule.Operator, *rule.Threshold) {
		return nil
	}
	hits := problemHits(p, rule.ProblemTerms)
	if len(hits) == 0 {
		return nil
	}
	refs := []string{fmt.Sprintf("recent_vitals.%s=%g", rule.Vital, value)}
	subjects := []string{rule.Vital}
	for _, h := range hits {
		refs = append(refs, h.ref)
		subjects = append(subjects, h.text)
	}
	vars := map[string]string{"value": fmt.Sprintf("%g", value), "problem": joinTexts(hits)}
	return []clinical.Warning{newWarning(rule, vars, strings.Join(refs, "; "), subjects...)}
}

func vitalThreshold(rule Rule, p clinical.PatientProfile) []clinical.Warning {
	value, ok := p.RecentVitals.Value(rule.Vital)
	if !ok || !compare(value, rule.Operator, *rule.Threshold) {
		return nil
	}
	vars := map[string]string{"value": fmt.Sprintf("%g", value)}
	evidence := fmt.Sprintf("recent_vitals.%s=%g", rule.Vital, value)
	return []clinical.Warning{newWarning(rule, vars, evidence, rule.Vital)}
}

// allergyCrossReactivity fires once per offending medication, citing every allergy it conflicts with.
func (g *Generator) allergyCrossReactivity(rule Rule, p clinical.PatientProfile) []clinical.Warning {
	var out []clinical.Warning
	for _, med := range p.ActiveMedications() {
		medLower := strings.ToLower(med.Name)
		medClasses := g.formulary.Classes(med.Name)

		var allergyRefs, allergyNames []string
		for i, allergy := range p.Allergies {
			if strings.TrimSpace(allergy) == "" {
				continue
			}
			if g.conflicts(rule, allergy, medLower, medClasses) {
				allergyRefs = append(allergyRefs, fmt.Sprintf("allergies[%d]=%s", i, allergy))
				allergyNames = append(allergyNames, allergy)
			}
		}
		if len(allergyRefs) == 0 {
			continue
		}
		vars := map[string]string{"medication": med.Name, "allergy": strings.Join(allergyNames, ", ")}
		evidence := strings.Join(append([]string{med.Field()}, allergyRefs...), "; ")
		out = append(out, newWarning(rule, vars, evidence, append([]string{med.Name}, allergyNames...)...))
	}
	return out
}

func (g *Generator) conflicts(rule Rule, allergy, medLower string, medClasses []string) bool {
	if a := strings.ToLower(strings.TrimSpace(allergy)); len(a) >= 3 && strings.Contains(medLower, a) {
		return true
	}
	for _, allergyClass := range g.formulary.AllergyClasses(allergy) {
		if len(rule.AllergyClasses) > 0 && !containsFold(rule.AllergyClasses, allergyClass) {
			continue
		}
		for _, reactive := range g.formulary.CrossReactive(allergyClass) {
			if containsFold(medClasses, reactive) {
				return true
			}
		}
	}
	return false
}

// medicationClassPair fires once per distinct medication pair.
func (g *Generator) medicationClassPair(rule Rule, p clinical.PatientProfile) []clinical.Warning {
	var out []clinical.Warning
	for _, a := range g.medicationsInClass(p, rule.ClassA) {
		for _, b := range g.medicationsInClass(p, rule.ClassB) {
			if a.Index == b.Index {
				continue
			}
			vars := map[string]string{"medication_a": a.Name, "medication_b": b.Name}
			evidence := a.Field() + "; " + b.Field()
			out = append(out, newWarning(rule, vars, evidence, a.Name, b.Name))
		}
	}
	return out
}

func codeStatusMissing(rule Rule, p clinical.PatientProfile) []clinical.Warning {
	if p.CodeStatus.Documented() {
		return nil
	}
	return []clinical.Warning{newWarning(rule, nil, knowledge.CodeStatusRef(p.CodeStatus), "code_status")}
}

func newWarning(rule Rule, vars map[string]string, evidence string, subjects ...string) clinical.Warning {
	return clinical.Warning{
		Type:           rule.Type,
		Severity:       rule.Severity,
		Message:        render(rule.Message, vars),
		Evidence:       evidence,
		RequiredAction: render(rule.Action, vars),
		RuleID:         rule.ID,
		Subjects:       subjects,
	}
}

func render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	}
	return false
}

func joinTexts(hits []problemHit) string {
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.text
	}
	return strings.Join(texts, ", ")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
