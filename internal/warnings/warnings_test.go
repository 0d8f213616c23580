package warnings

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/knowledge"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	return NewGenerator(DefaultTable(zerolog.Nop()), clinical.DefaultFormulary())
}

func baseProfile() clinical.PatientProfile {
	return clinical.PatientProfile{
		PatientID:  "P1",
		Name:       "Test Patient",
		CodeStatus: clinical.CodeStatusFull,
	}
}

func ofType(ws []clinical.Warning, typ clinical.WarningType) []clinical.Warning {
	var out []clinical.Warning
	for _, w := range ws {
		if w.Type == typ {
			out = append(out, w)
		}
	}
	return out
}

func TestDefaultTableIsClean(t *testing.T) {
	table := DefaultTable(zerolog.Nop())
	assert.Empty(t, table.Problems())
	assert.Len(t, table.Rules(), 7)
}

func TestNoConditionsYieldsEmptyNonNil(t *testing.T) {
	g := newTestGenerator(t)
	got := g.Generate(baseProfile())
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestNeutropenicFeverFiresExactlyOnce(t *testing.T) {
	g := newTestGenerator(t)
	temps := []float64{38.0, 38.4, 39.9, 41}
	for _, temp := range temps {
		p := baseProfile()
		p.PrimaryDiagnosis = "Febrile neutropenia"
		p.ActiveProblems = []string{"Neutropenia", "Neutropenic after chemotherapy"}
		p.RecentVitals.TempC = clinical.Float(temp)

		alerts := ofType(g.Generate(p), clinical.WarningClinicalAlert)
		var critical []clinical.Warning
		for _, w := range alerts {
			if w.Severity == clinical.SeverityCritical {
				critical = append(critical, w)
			}
		}
		require.Len(t, critical, 1, "temp %v", temp)
		assert.Equal(t, "Blood cultures and broad-spectrum antibiotics within 60 minutes", critical[0].RequiredAction)
		assert.Contains(t, critical[0].Evidence, "recent_vitals.Temp_C=")
		assert.Contains(t, critical[0].Evidence, "active_problems[0]=Neutropenia")
	}
}

func TestNeutropenicFeverBelowThreshold(t *testing.T) {
	g := newTestGenerator(t)
	p := baseProfile()
	p.ActiveProblems = []string{"Neutropenia"}
	p.RecentVitals.TempC = clinical.Float(37.9)
	assert.Empty(t, g.Generate(p))
}

func TestHypoxiaThreshold(t *testing.T) {
	g := newTestGenerator(t)
	tests := []struct {
		spo2 float64
		want int
	}{
		{91.9, 1},
		{92, 0},
		{98, 0},
	}
	for _, tt := range tests {
		p := baseProfile()
		p.RecentVitals.SpO2 = clinical.Float(tt.spo2)
		got := ofType(g.Generate(p), clinical.WarningClinicalAlert)
		require.Len(t, got, tt.want, "spo2 %v", tt.spo2)
		if tt.want == 1 {
			assert.Equal(t, clinical.SeverityHigh, got[0].Severity)
			assert.Equal(t, "recent_vitals.SpO2=91.9", got[0].Evidence)
		}
	}
}

func TestPenicillinAllergyWithAmoxicillin(t *testing.T) {
	g := newTestGenerator(t)
	p := baseProfile()
	p.Allergies = []string{"Penicillin"}
	p.CurrentMedications = []clinical.Medication{{Name: "Amoxicillin", Dose: "500mg"}}

	got := ofType(g.Generate(p), clinical.WarningAllergy)
	require.Len(t, got, 1)
	assert.Equal(t, clinical.SeverityHigh, got[0].Severity)
	assert.Contains(t, got[0].Message, "Amoxicillin")
	assert.Contains(t, got[0].Evidence, "current_medications[0].name=Amoxicillin")
	assert.Contains(t, got[0].Evidence, "allergies[0]=Penicillin")
}

func TestAllergyFiresPerOffendingMedication(t *testing.T) {
	g := newTestGenerator(t)
	p := baseProfile()
	p.Allergies = []string{"PCN"}
	p.CurrentMedications = []clinical.Medication{
		{Name: "Piperacillin-tazobactam"},
		{Name: "Acetaminophen"},
		{Name: "Cefazolin"},
	}
	got := ofType(g.Generate(p), clinical.WarningAllergy)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Message, "Piperacillin")
	assert.Contains(t, got[1].Message, "Cefazolin")
}

func TestEnoxaparinWithHemoptysis(t *testing.T) {
	g := newTestGenerator(t)
	p := baseProfile()
	p.ActiveProblems = []string{"Hemoptysis"}
	p.CurrentMedications = []clinical.Medication{{Name: "Enoxaparin"}}

	got := ofType(g.Generate(p), clinical.WarningContraindication)
	require.Len(t, got, 1)
	assert.Equal(t, clinical.SeverityHigh, got[0].Severity)
	assert.Contains(t, got[0].Evidence, "Enoxaparin")
	assert.Contains(t, got[0].Evidence, "Hemoptysis")
	assert.Equal(t, "Consult physician about holding anticoagulation", got[0].RequiredAction)
}

func TestDiscontinuedMedicationDoesNotFire(t *testing.T) {
	g := newTestGenerator(t)
	p := baseProfile()
	p.ActiveProblems = []string{"Hemoptysis"}
	p.CurrentMedications = []clinical.Medication{{Name: "Heparin", Status: "discontinued"}}
	assert.Empty(t, g.Generate(p))
}

func TestOpioidBenzodiazepinePairs(t *testing.T) {
	g := newTestGenerator(t)
	p := baseProfile()
	p.CurrentMedications = []clinical.Medication{
		{Name: "Morphine"},
		{Name: "Lorazepam"},
		{Name: "Midazolam"},
	}
	got := ofType(g.Generate(p), clinical.WarningDrugInteraction)
	require.Len(t, got, 2)
	for _, w := range got {
		assert.Equal(t, clinical.SeverityMedium, w.Severity)
		assert.Contains(t, w.Evidence, "current_medications[0].name=Morphine")
	}
}

func TestCodeStatusMissing(t *testing.T) {
	g := newTestGenerator(t)
	for _, cs := range []clinical.CodeStatus{"", clinical.CodeStatusUnknown} {
		p := baseProfile()
		p.CodeStatus = cs
		got := g.Generate(p)
		require.Len(t, got, 1)
		assert.Equal(t, clinical.WarningDocumentation, got[0].Type)
		assert.Equal(t, clinical.SeverityMedium, got[0].Severity)
		assert.True(t, strings.HasPrefix(got[0].Evidence, "code_status="))
	}
}

func TestEveryWarningCitesEvidence(t *testing.T) {
	g := newTestGenerator(t)
	p := clinical.PatientProfile{
		PatientID:        "P1",
		Name:             "Everything",
		PrimaryDiagnosis: "Neutropenic fever",
		ActiveProblems:   []string{"Hemoptysis"},
		Allergies:        []string{"Penicillin"},
		CurrentMedications: []clinical.Medication{
			{Name: "Warfarin"}, {Name: "Ampicillin"}, {Name: "Fentanyl"}, {Name: "Diazepam"},
		},
		RecentVitals: clinical.Vitals{TempC: clinical.Float(38.6), SpO2: clinical.Float(88)},
	}
	got := g.Generate(p)

	wantOrder := []clinical.WarningType{
		clinical.WarningContraindication,
		clinical.WarningClinicalAlert,
		clinical.WarningClinicalAlert,
		clinical.WarningAllergy,
		clinical.WarningDrugInteraction,
		clinical.WarningDocumentation,
	}
	require.Len(t, got, len(wantOrder))
	for i, w := range got {
		assert.Equal(t, wantOrder[i], w.Type)
		assert.NotEmpty(t, w.Evidence)
		assert.NotEmpty(t, w.RequiredAction)
		assert.True(t, w.Severity.Valid())
	}
}

func TestProtocolWarnings(t *testing.T) {
	g := newTestGenerator(t)
	matches := []knowledge.Match{
		{
			Entry:             knowledge.Entry{ID: "SOP-001", Title: "Hemoptysis", Priority: knowledge.PriorityHigh},
			MatchedAttributes: []string{"diagnosis:hemoptysis"},
			Evidence:          []string{"active_problems[0]=Hemoptysis"},
		},
		{
			Entry: knowledge.Entry{ID: "GL-005", Title: "Oxygen", Priority: knowledge.PriorityMedium},
		},
	}
	got := g.ProtocolWarnings(matches)
	require.Len(t, got, 1)
	assert.Equal(t, clinical.WarningProtocolTrigger, got[0].Type)
	assert.Equal(t, clinical.SeverityMedium, got[0].Severity)
	assert.Contains(t, got[0].Evidence, "active_problems[0]=Hemoptysis")
	assert.Equal(t, "Review SOP-001 (Hemoptysis) and ensure compliance", got[0].RequiredAction)

	assert.NotNil(t, g.ProtocolWarnings(nil))
}

func TestMalformedRulesAreSkipped(t *testing.T) {
	doc := `{"rules":[
		{"id":"ok","kind":"code_status_missing","type":"documentation","severity":"medium","message":"m","action":"a"},
		{"id":"bad-type","kind":"code_status_missing","type":"nonsense","severity":"medium","message":"m","action":"a"},
		{"id":"bad-op","kind":"vital_threshold","type":"clinical_alert","severity":"high","vital":"SpO2","operator":"approx","threshold":92,"message":"m","action":"a"},
		{"id":"no-threshold","kind":"vital_threshold","type":"clinical_alert","severity":"high","vital":"SpO2","operator":"lt","message":"m","action":"a"},
		{"id":"bad-kind","kind":"astrology","type":"clinical_alert","severity":"high","message":"m","action":"a"},
		{"id":"ok","kind":"code_status_missing","type":"documentation","severity":"medium","message":"m","action":"a"},
		"garbage"
	]}`
	table, err := ParseTable(strings.NewReader(doc), zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, table.Rules(), 1)
	assert.Len(t, table.Problems(), 6)

	g := NewGenerator(table, clinical.DefaultFormulary())
	assert.Len(t, g.Generate(clinical.PatientProfile{}), 1)
}
