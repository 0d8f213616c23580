package knowledge

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medxp/handoff/internal/clinical"
)

func testRetriever(t *testing.T, topN int) *Retriever {
	t.Helper()
	return NewRetriever(Default(zerolog.Nop()), clinical.DefaultFormulary(), topN)
}

func TestDefaultStoreLoads(t *testing.T) {
	s := Default(zerolog.Nop())
	st := s.Stats()
	assert.Equal(t, 0, st.Skipped)
	assert.Equal(t, 5, st.ByCategory[CategorySOP])
	assert.Equal(t, 5, st.ByCategory[CategoryPolicy])
	assert.Equal(t, 5, st.ByCategory[CategoryGuideline])
}

func TestParseSkipsMalformedEntries(t *testing.T) {
	doc := `{"entries":[
		{"id":"A","category":"sop","title":"ok","priority":"high","match":{"diagnoses":["x"]},"key_steps":["s"]},
		{"id":"","category":"sop","title":"no id","priority":"high","match":{"diagnoses":["x"]},"key_steps":["s"]},
		{"id":"B","category":"memo","title":"bad category","priority":"high","match":{"diagnoses":["x"]}},
		{"id":"C","category":"policy","title":"no match","priority":"low","requirement":"r"},
		{"id":"D","category":"guideline","title":"no payload","priority":"low","match":{"conditions":["y"]}},
		{"id":"A","category":"sop","title":"dup","priority":"high","match":{"diagnoses":["x"]},"key_steps":["s"]},
		{"id":7}
	]}`
	var logs bytes.Buffer
	s, err := Parse(strings.NewReader(doc), zerolog.New(&logs))
	require.NoError(t, err)

	assert.Len(t, s.Entries(), 1)
	assert.Equal(t, 6, s.Stats().Skipped)
	assert.Contains(t, logs.String(), "skipping malformed knowledge entry")
}

func TestParseRejectsUnreadableDocument(t *testing.T) {
	_, err := Parse(strings.NewReader("{not json"), zerolog.Nop())
	assert.Error(t, err)
}

func hemoptysisProfile() clinical.PatientProfile {
	return clinical.PatientProfile{
		PatientID:          "P1",
		Name:               "Jane Doe",
		PrimaryDiagnosis:   "Pulmonary embolism",
		ActiveProblems:     []string{"Hemoptysis"},
		CodeStatus:         clinical.CodeStatusFull,
		CurrentMedications: []clinical.Medication{{Name: "Enoxaparin", Dose: "80mg"}},
	}
}

func TestRetrieveRanksAndExplains(t *testing.T) {
	r := testRetriever(t, 5)
	got := r.Retrieve(hemoptysisProfile(), "patient coughing blood overnight")
	require.NotEmpty(t, got)

	top := got[0]
	assert.Equal(t, "SOP-001", top.ID)
	assert.Equal(t, 4, top.Score)
	assert.Contains(t, top.MatchedAttributes, "diagnosis:hemoptysis")
	assert.Contains(t, top.MatchedAttributes, "medication_class:anticoagulant")
	assert.Contains(t, top.MatchedAttributes, "transcript:coughing blood")
	assert.Contains(t, top.RelevanceReason, "diagnosis:hemoptysis")
	assert.Contains(t, top.Evidence, "active_problems[0]=Hemoptysis")
	assert.Contains(t, top.Evidence, "current_medications[0].name=Enoxaparin")

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		ordered := prev.Score > cur.Score ||
			(prev.Score == cur.Score && prev.Category.Tier() < cur.Category.Tier()) ||
			(prev.Score == cur.Score && prev.Category == cur.Category && prev.ID < cur.ID)
		assert.True(t, ordered, "entries %s and %s out of order", prev.ID, cur.ID)
	}
}

func TestRetrieveTieBreaksByCategoryThenID(t *testing.T) {
	doc := `{"entries":[
		{"id":"G-1","category":"guideline","title":"g","priority":"low","match":{"diagnoses":["asthma"]},"recommendation":"r"},
		{"id":"P-2","category":"policy","title":"p2","priority":"low","match":{"diagnoses":["asthma"]},"requirement":"r"},
		{"id":"P-1","category":"policy","title":"p1","priority":"low","match":{"diagnoses":["asthma"]},"requirement":"r"},
		{"id":"S-9","category":"sop","title":"s","priority":"low","match":{"diagnoses":["asthma"]},"key_steps":["k"]}
	]}`
	s, err := Parse(strings.NewReader(doc), zerolog.Nop())
	require.NoError(t, err)
	r := NewRetriever(s, clinical.DefaultFormulary(), 5)

	got := r.Retrieve(clinical.PatientProfile{PrimaryDiagnosis: "Asthma exacerbation"}, "")
	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"S-9", "P-1", "P-2", "G-1"}, ids)
}

func TestRetrieveExcludesZeroScore(t *testing.T) {
	r := testRetriever(t, 5)
	got := r.Retrieve(clinical.PatientProfile{CodeStatus: clinical.CodeStatusFull}, "")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRetrieveCapsPerCategory(t *testing.T) {
	r := testRetriever(t, 1)
	p := hemoptysisProfile()
	p.CodeStatus = ""
	got := r.Retrieve(p, "fever, isolation, wristband, consent, dose administered")

	counts := map[Category]int{}
	for _, m := range got {
		counts[m.Category]++
	}
	for cat, n := range counts {
		assert.LessOrEqual(t, n, 1, "category %s", cat)
	}
}

func TestRetrieveIsDeterministic(t *testing.T) {
	r := testRetriever(t, 5)
	p := hemoptysisProfile()
	transcript := "Patient had hemoptysis, on enoxaparin, fever overnight, wristband checked."

	first := r.Retrieve(p, transcript)
	// unrelated call in between must not change the outcome
	_ = r.Retrieve(clinical.PatientProfile{PrimaryDiagnosis: "Sepsis"}, "lactate 5")
	second := r.Retrieve(p, transcript)

	assert.Equal(t, first, second)
}

func TestConditionFlags(t *testing.T) {
	p := clinical.PatientProfile{
		RecentVitals: clinical.Vitals{TempC: clinical.Float(38.0), SpO2: clinical.Float(91)},
		Isolation:    "Contact",
	}
	flags := ConditionFlags(p)
	assert.Equal(t, "recent_vitals.Temp_C=38", flags["fever"])
	assert.Equal(t, "recent_vitals.SpO2=91", flags["hypoxia"])
	assert.Equal(t, "isolation=Contact", flags["isolation"])
	assert.Equal(t, "code_status=<absent>", flags["code_status_missing"])
	assert.NotContains(t, flags, "tachycardia")
}
