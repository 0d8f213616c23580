package clinical

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/medxp/handoff/internal/shared/errors"
)

func TestParseCodeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want CodeStatus
	}{
		{"", ""},
		{"Full Code", CodeStatusFull},
		{"full", CodeStatusFull},
		{"DNR", CodeStatusDNR},
		{"DNR/DNI", CodeStatusDNR},
		{"dni", CodeStatusDNI},
		{"unknown", CodeStatusUnknown},
		{"pending family meeting", CodeStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCodeStatus(tt.in))
		})
	}
}

func TestCodeStatusUnmarshalNull(t *testing.T) {
	var p PatientProfile
	require.NoError(t, json.Unmarshal([]byte(`{"patient_id":"P1","name":"A","code_status":null}`), &p))
	assert.Equal(t, CodeStatus(""), p.CodeStatus)
	assert.False(t, p.CodeStatus.Documented())

	require.NoError(t, json.Unmarshal([]byte(`{"patient_id":"P1","name":"A","code_status":"Full Code"}`), &p))
	assert.Equal(t, CodeStatusFull, p.CodeStatus)
}

func TestVitalsWireNames(t *testing.T) {
	var v Vitals
	require.NoError(t, json.Unmarshal([]byte(`{"Temp_C":38.2,"SpO2":91,"BP_sys":110}`), &v))

	temp, ok := v.Value("Temp_C")
	require.True(t, ok)
	assert.Equal(t, 38.2, temp)

	_, ok = v.Value("HR")
	assert.False(t, ok)
}

func TestProfileValidate(t *testing.T) {
	p := PatientProfile{CurrentMedications: []Medication{{Name: ""}}}
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Details, "patient_id")
	assert.Contains(t, appErr.Details, "name")
	assert.Contains(t, appErr.Details, "current_medications[0].name")
}

func TestValidateSession(t *testing.T) {
	now := time.Now()
	profile := &PatientProfile{PatientID: "P1", Name: "Jane"}

	ok := &TranscriptSession{SessionID: "S1", PatientID: "P1", TranscriptText: "hello", Timestamp: now}
	assert.NoError(t, ValidateSession(ok, profile))

	mismatch := &TranscriptSession{SessionID: "S1", PatientID: "P2", TranscriptText: "hello", Timestamp: now}
	assert.Error(t, ValidateSession(mismatch, profile))

	empty := &TranscriptSession{SessionID: "S1", PatientID: "P1", TranscriptText: "  ", Timestamp: now}
	err := ValidateSession(empty, profile)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Details, "transcript_text")

	long := &TranscriptSession{SessionID: strings.Repeat("x", MaxSessionIDLength+1), PatientID: "P1", TranscriptText: "hello", Timestamp: now}
	err = ValidateSession(long, profile)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "must be at most 64 characters", appErr.Details["session_id"])

	exact := &TranscriptSession{SessionID: strings.Repeat("x", MaxSessionIDLength), PatientID: "P1", TranscriptText: "hello", Timestamp: now}
	assert.NoError(t, ValidateSession(exact, profile))
}

func TestCloneIsDeep(t *testing.T) {
	p := PatientProfile{
		ActiveProblems:     []string{"Hemoptysis"},
		CurrentMedications: []Medication{{Name: "Enoxaparin"}},
		RecentVitals:       Vitals{SpO2: Float(95)},
	}
	c := p.Clone()
	c.ActiveProblems[0] = "changed"
	c.CurrentMedications[0].Name = "changed"
	*c.RecentVitals.SpO2 = 80

	assert.Equal(t, "Hemoptysis", p.ActiveProblems[0])
	assert.Equal(t, "Enoxaparin", p.CurrentMedications[0].Name)
	assert.Equal(t, 95.0, *p.RecentVitals.SpO2)
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID(time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^HO-20260304-0506-[0-9a-f]{8}$`), id)
}

func TestFormularyClasses(t *testing.T) {
	f := DefaultFormulary()

	assert.Equal(t, []string{"beta_lactam", "penicillin"}, f.Classes("Amoxicillin 500mg PO"))
	assert.Equal(t, []string{"anticoagulant"}, f.Classes("Enoxaparin"))
	assert.True(t, f.HasClass("LORAZEPAM", "benzodiazepine"))
	assert.Empty(t, f.Classes("Acetaminophen"))

	assert.Equal(t, []string{"penicillin"}, f.AllergyClasses("Penicillin"))
	assert.Equal(t, []string{"penicillin"}, f.AllergyClasses("PCN (hives)"))
	assert.Contains(t, f.CrossReactive("penicillin"), "beta_lactam")
}

func TestCriticalValues(t *testing.T) {
	p := PatientProfile{
		RecentLabs: []LabResult{
			{Name: "K", Value: 6.8, Unit: "mmol/L"},
			{Name: "Hgb", Value: 9.1},
			{Name: "Platelets", Value: 12},
			{Name: "Glucose", Value: 500},
		},
		RecentVitals: Vitals{TempC: Float(38.5), SpO2: Float(93)},
	}
	got := CriticalValues(p)
	require.Len(t, got, 3)
	assert.Equal(t, "recent_labs[0]", got[0].Field)
	assert.Equal(t, "high", got[0].Direction)
	assert.Equal(t, "recent_labs[2]", got[1].Field)
	assert.Equal(t, "low", got[1].Direction)
	assert.Equal(t, "recent_vitals.Temp_C", got[2].Field)
}

func TestCriticalValuesEmptyIsNotNil(t *testing.T) {
	assert.NotNil(t, CriticalValues(PatientProfile{}))
}
