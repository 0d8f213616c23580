package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/medxp/handoff/internal/clinical"
)

// Match is a retrieved entry with its relevance.
type Match struct {
	Entry
	Score             int      `json:"relevance_score"`
	MatchedAttributes []string `json:"matched_attributes"`
	RelevanceReason   string   `json:"relevance_reason"`

	// Evidence lists the profile fields behind each matched attribute.
	Evidence []string `json:"-"`
}

// Retriever ranks knowledge entries against a patient profile and transcript.
// Retrieve has no side effects; identical inputs yield identical output.
type Retriever struct {
	store     *Store
	formulary *clinical.Formulary
	topN      int
}

func NewRetriever(store *Store, formulary *clinical.Formulary, topNPerCategory int) *Retriever {
	if topNPerCategory <= 0 {
		topNPerCategory = 5
	}
	return &Retriever{store: store, formulary: formulary, topN: topNPerCategory}
}

// Store returns the underlying knowledge store.
func (r *Retriever) Store() *Store {
	return r.store
}

type field struct {
	text string
	ref  string
}

type searchContext struct {
	diagnoses   []field
	medications []field
	classes     map[string]string
	flags       map[string]string
	transcript  string
}

func (r *Retriever) buildContext(p clinical.PatientProfile, transcript string) searchContext {
	sc := searchContext{
		classes:    map[string]string{},
		flags:      ConditionFlags(p),
		transcript: strings.ToLower(transcript),
	}
	if p.PrimaryDiagnosis != "" {
		sc.diagnoses = append(sc.diagnoses, field{
			text: strings.ToLower(p.PrimaryDiagnosis),
			ref:  "primary_diagnosis=" + p.PrimaryDiagnosis,
		})
	}
	for i, prob := range p.ActiveProblems {
		sc.diagnoses = append(sc.diagnoses, field{
			text: strings.ToLower(prob),
			ref:  fmt.Sprintf("active_problems[%d]=%s", i, prob),
		})
	}
	for _, m := range p.ActiveMedications() {
		sc.medications = append(sc.medications, field{text: strings.ToLower(m.Name), ref: m.Field()})
		if r.formulary != nil {
			for _, c := range r.formulary.Classes(m.Name) {
				if _, ok := sc.classes[c]; !ok {
					sc.classes[c] = m.Field()
				}
			}
		}
	}
	return sc
}

// ConditionFlags derives condition keywords from structured patient state.
// Each flag maps to the profile field that raised it.
func ConditionFlags(p clinical.PatientProfile) map[string]string {
	flags := map[string]string{}
	if v, ok := p.RecentVitals.Value("Temp_C"); ok && v >= 38.0 {
		flags["fever"] = fmt.Sprintf("recent_vitals.Temp_C=%g", v)
	}
	if v, ok := p.RecentVitals.Value("SpO2"); ok && v < 92 {
		flags["hypoxia"] = fmt.Sprintf("recent_vitals.SpO2=%g", v)
	}
	if v, ok := p.RecentVitals.Value("HR"); ok && v > 100 {
		flags["tachycardia"] = fmt.Sprintf("recent_vitals.HR=%g", v)
	}
	if v, ok := p.RecentVitals.Value("BP_sys"); ok && v < 90 {
		flags["hypotension"] = fmt.Sprintf("recent_vitals.BP_sys=%g", v)
	}
	if !p.CodeStatus.Documented() {
		flags["code_status_missing"] = CodeStatusRef(p.CodeStatus)
	}
	if strings.TrimSpace(p.Isolation) != "" {
		flags["isolation"] = "isolation=" + p.Isolation
	}
	return flags
}

// CodeStatusRef renders the code_status field for evidence.
func CodeStatusRef(c clinical.CodeStatus) string {
	if c == "" {
		return "code_status=<absent>"
	}
	return "code_status=" + string(c)
}

// locate reports where attr was found and the field it was found in.
func (sc searchContext) locate(a string) (string, string) {
	for _, d := range sc.diagnoses {
		if strings.Contains(d.text, a) {
			return "diagnosis", d.ref
		}
	}
	for _, m := range sc.medications {
		if strings.Contains(m.text, a) {
			return "medication", m.ref
		}
	}
	if ref, ok := sc.classes[a]; ok {
		return "medication_class", ref
	}
	if ref, ok := sc.flags[a]; ok {
		return "condition", ref
	}
	if strings.Contains(sc.transcript, a) {
		return "transcript", "transcript_text"
	}
	return "", ""
}

func score(e Entry, sc searchContext) (int, []string, []string) {
	var matched, evidence []string
	seen := map[string]bool{}
	for _, group := range [][]string{e.Match.Diagnoses, e.Match.Medications, e.Match.Conditions} {
		for _, attr := range group {
			key := strings.ToLower(strings.TrimSpace(attr))
			if seen[key] {
				continue
			}
			if where, ref := sc.locate(key); where != "" {
				seen[key] = true
				matched = append(matched, where+":"+key)
				evidence = append(evidence, ref)
			}
		}
	}
	return len(matched), matched, evidence
}

// Retrieve returns matching entries ranked by score, then category tier, then id,
// with at most topN entries per category. The result is never nil.
func (r *Retriever) Retrieve(p clinical.PatientProfile, transcript string) []Match {
	sc := r.buildContext(p, transcript)

	var candidates []Match
	for _, e := range r.store.entries {
		s, matched, evidence := score(e, sc)
		if s == 0 {
			continue
		}
		candidates = append(candidates, Match{
			Entry:             e,
			Score:             s,
			MatchedAttributes: matched,
			RelevanceReason:   "matched " + strings.Join(matched, ", "),
			Evidence:          evidence,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Category.Tier() != b.Category.Tier() {
			return a.Category.Tier() < b.Category.Tier()
		}
		return a.ID < b.ID
	})

	out := []Match{}
	perCategory := map[Category]int{}
	for _, c := range candidates {
		if perCategory[c.Category] >= r.topN {
			continue
		}
		perCategory[c.Category]++
		out = append(out, c)
	}
	return out
}
