package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/knowledge"
	"github.com/medxp/handoff/internal/warnings"
)

func newTestAssembler() *Assembler {
	logger := zerolog.Nop()
	formulary := clinical.DefaultFormulary()
	return NewAssembler(
		knowledge.NewRetriever(knowledge.Default(logger), formulary, 5),
		warnings.NewGenerator(warnings.DefaultTable(logger), formulary),
		formulary,
		logger,
	)
}

func session(text string) clinical.TranscriptSession {
	return clinical.TranscriptSession{
		SessionID:      "HO-TEST-1",
		PatientID:      "P1",
		TranscriptText: text,
		Timestamp:      time.Now(),
	}
}

func TestEnrichCombinesStages(t *testing.T) {
	a := newTestAssembler()
	p := clinical.PatientProfile{
		PatientID:          "P1",
		Name:               "Jane Doe",
		Age:                72,
		PrimaryDiagnosis:   "Pulmonary embolism",
		ActiveProblems:     []string{"Hemoptysis", "Pulmonary embolism"},
		Allergies:          []string{"Penicillin"},
		CurrentMedications: []clinical.Medication{{Name: "Enoxaparin"}},
		RecentLabs:         []clinical.LabResult{{Name: "Hgb", Value: 6.5, Unit: "g/dL"}},
	}

	res, err := a.Enrich(context.Background(), session("coughing blood since midnight"), p)
	require.NoError(t, err)

	assert.Equal(t, "HO-TEST-1", res.SessionID)
	assert.Equal(t, []string{"Pulmonary embolism", "Hemoptysis"}, res.PatientSummary.KeyDiagnoses)
	assert.Contains(t, res.PatientSummary.RiskFactors, "Age 72")
	assert.Contains(t, res.PatientSummary.RiskFactors, "High-alert medication: Enoxaparin (anticoagulant)")
	assert.Contains(t, res.PatientSummary.RiskFactors, "Code status not documented")
	require.Len(t, res.PatientSummary.CriticalValues, 1)
	assert.Equal(t, "Hgb", res.PatientSummary.CriticalValues[0].Name)

	require.NotEmpty(t, res.Knowledge)
	assert.Equal(t, "SOP-001", res.Knowledge[0].ID)

	types := make([]clinical.WarningType, len(res.Warnings))
	for i, w := range res.Warnings {
		types[i] = w.Type
	}
	assert.Equal(t, clinical.WarningContraindication, types[0])
	assert.Contains(t, types, clinical.WarningDocumentation)
	assert.Equal(t, clinical.WarningProtocolTrigger, types[len(types)-1], "protocol triggers follow profile warnings")

	assert.Equal(t, 0, res.Metadata.InferenceCalls)
	assert.Contains(t, res.Metadata.SourcesConsulted, "warning_rules")
}

func TestEnrichEmptyCollectionsAreNotNil(t *testing.T) {
	a := newTestAssembler()
	p := clinical.PatientProfile{PatientID: "P1", Name: "Quiet", CodeStatus: clinical.CodeStatusFull}

	res, err := a.Enrich(context.Background(), session("stable, nothing to report"), p)
	require.NoError(t, err)
	assert.NotNil(t, res.Knowledge)
	assert.NotNil(t, res.Warnings)
	assert.Empty(t, res.Warnings)
	assert.NotNil(t, res.PatientSummary.CriticalValues)
}

func TestEnrichCancelled(t *testing.T) {
	a := newTestAssembler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Enrich(ctx, session("x"), clinical.PatientProfile{PatientID: "P1", Name: "A"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWarningsAtLeast(t *testing.T) {
	r := &Result{Warnings: []clinical.Warning{
		{Severity: clinical.SeverityLow},
		{Severity: clinical.SeverityHigh},
		{Severity: clinical.SeverityCritical},
	}}
	assert.Len(t, r.WarningsAtLeast(clinical.SeverityHigh), 2)
}
