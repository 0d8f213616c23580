package analysis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/inference"
	"github.com/medxp/handoff/internal/privacy"
)

var roleResponses = map[string]string{
	string(TranscriptionRefiner): `{"cleaned_transcript": "[NURSE] Heparin drip running.", "action_tags": [
		{"speaker": "[nurse]", "action": "Administered", "text": "heparin"},
		{"speaker": "VISITOR", "action": "asked", "text": "parking"}]}`,
	string(PatientBaseline): "```json\n{\"summary\": \"HR baseline 70-85, now rising.\", \"baselines\": [{\"measure\": \"HR\", \"normal_range\": \"70-85\", \"current\": \"112\", \"trend\": \"rising\"}], \"confidence\": \"high\"}\n```",
	string(ProtocolAuditor): `Here is the audit: {"compliance_score": 80, "deviations": ["Wristband not verified"], "summary": "One deviation."}`,
	string(Pharmacovigilance): `{"findings": [
		{"severity": "HIGH", "description": "CRITICAL PHARMA ALERT: heparin with active hemoptysis", "subject": "Heparin"},
		{"severity": "low", "description": "Acetaminophen dose near daily maximum", "subject": "Acetaminophen", "stance": "concern"}]}`,
	string(RiskEthics): `{"findings": [{"severity": "medium", "description": "Patient complaint of pain not addressed", "critical_alert": true}]}`,
}

func testProfile() clinical.PatientProfile {
	return clinical.PatientProfile{
		PatientID:        "P-1001",
		Name:             "Maria Lopez",
		Age:              72,
		MRN:              "MRN-55",
		PrimaryDiagnosis: "Pulmonary embolism",
		ActiveProblems:   []string{"Hemoptysis"},
		Allergies:        []string{"Penicillin"},
		CodeStatus:       clinical.CodeStatusFull,
		CurrentMedications: []clinical.Medication{
			{Name: "Heparin", Dose: "18 units/kg/hr", Status: "active"},
		},
		RecentLabs: []clinical.LabResult{},
	}
}

func testInput() Input {
	return Input{
		Session: clinical.TranscriptSession{
			SessionID:      "HO-20240101-0800-abcd1234",
			PatientID:      "P-1001",
			TranscriptText: "Maria Lopez coughed up blood overnight, heparin drip still running.",
		},
		Profile:    testProfile(),
		Enrichment: &enrichment.Result{Warnings: []clinical.Warning{}},
	}
}

func scripted() inference.Client {
	return inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		return &inference.Response{Content: roleResponses[req.Role]}, nil
	})
}

func byName(t *testing.T, results []PartialAssessment, name Name) PartialAssessment {
	t.Helper()
	for _, r := range results {
		if r.Analyzer == name {
			return r
		}
	}
	t.Fatalf("no assessment for %s", name)
	return PartialAssessment{}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`, false},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`, false},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`, false},
		{"prose", `Sure! {"a": {"b": 2}} hope this helps`, `{"a": {"b": 2}}`, false},
		{"no object", "I cannot help with that.", "", true},
		{"broken", `{"a": `, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEnsembleRunsAllRolesInOrder(t *testing.T) {
	deps := Deps{Client: scripted(), Pseudonymizer: privacy.NewPseudonymizer([]byte("k"))}
	ens := NewEnsemble(NewAnalyzers(deps), time.Second, zerolog.Nop())

	results := ens.Run(context.Background(), testInput())

	require.Len(t, results, 5)
	for i, name := range Order {
		assert.Equal(t, name, results[i].Analyzer)
		assert.True(t, results[i].Available(), "%s: %s", name, results[i].Reason)
		assert.NotNil(t, results[i].Findings)
	}
}

func TestRefinerKeepsKnownSpeakersOnly(t *testing.T) {
	pa, err := NewRefiner(Deps{Client: scripted()}).Analyze(context.Background(), testInput())
	require.NoError(t, err)

	assert.Empty(t, pa.Findings)
	require.Len(t, pa.ActionTags, 1)
	assert.Equal(t, "NURSE", pa.ActionTags[0].Speaker)
	assert.Equal(t, "administered", pa.ActionTags[0].Action)
	assert.Equal(t, "[NURSE] Heparin drip running.", pa.CleanedTranscript)
}

func TestBaselineIsDescriptive(t *testing.T) {
	pa, err := NewBaselineSynthesizer(Deps{Client: scripted()}).Analyze(context.Background(), testInput())
	require.NoError(t, err)

	assert.Empty(t, pa.Findings)
	require.Len(t, pa.Baselines, 1)
	assert.Equal(t, "rising", pa.Baselines[0].Trend)
	assert.Equal(t, "high", pa.Confidence)
}

func TestAuditorTurnsDeviationsIntoFindings(t *testing.T) {
	pa, err := NewProtocolAuditor(Deps{Client: scripted()}).Analyze(context.Background(), testInput())
	require.NoError(t, err)

	require.NotNil(t, pa.ComplianceScore)
	assert.Equal(t, 80, *pa.ComplianceScore)
	assert.Equal(t, []string{"Wristband not verified"}, pa.Deviations)
	require.Len(t, pa.Findings, 1)
	assert.Equal(t, clinical.SeverityMedium, pa.Findings[0].Severity)
	assert.Equal(t, StanceConcern, pa.Findings[0].Stance)
	assert.Equal(t, "medium", pa.Confidence)
}

func TestPharmacovigilanceCriticalAlert(t *testing.T) {
	pa, err := NewPharmacovigilanceChecker(Deps{Client: scripted()}).Analyze(context.Background(), testInput())
	require.NoError(t, err)

	require.Len(t, pa.Findings, 2)
	assert.True(t, pa.Findings[0].CriticalUrgency)
	assert.Equal(t, clinical.SeverityCritical, pa.Findings[0].Severity)
	assert.False(t, pa.Findings[1].CriticalUrgency)
	assert.Equal(t, clinical.SeverityLow, pa.Findings[1].Severity)
	assert.True(t, pa.HasCriticalUrgency())
}

func TestOnlyPharmacovigilanceRaisesUrgency(t *testing.T) {
	pa, err := NewRiskEthicsEvaluator(Deps{Client: scripted()}).Analyze(context.Background(), testInput())
	require.NoError(t, err)

	require.Len(t, pa.Findings, 1)
	assert.False(t, pa.Findings[0].CriticalUrgency)
	assert.Equal(t, "liability", pa.Findings[0].Category)
	assert.False(t, pa.HasCriticalUrgency())
}

func TestRequestIsPseudonymized(t *testing.T) {
	var mu sync.Mutex
	var seen []inference.Request
	client := inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return &inference.Response{Content: roleResponses[req.Role]}, nil
	})
	deps := Deps{Client: client, Pseudonymizer: privacy.NewPseudonymizer([]byte("secret"))}
	NewEnsemble(NewAnalyzers(deps), time.Second, zerolog.Nop()).Run(context.Background(), testInput())

	require.Len(t, seen, 5)
	for _, req := range seen {
		assert.NotEmpty(t, req.RolePrompt)
		assert.NotContains(t, req.Transcript, "Maria")
		assert.NotContains(t, req.PatientContext, "Lopez")
		assert.NotContains(t, req.PatientContext, "MRN-55")
		assert.Contains(t, req.Transcript, "PSN-")
		assert.Contains(t, req.PatientContext, "Heparin")
	}
}

func TestEnsembleMalformedOutputIsUnavailable(t *testing.T) {
	client := inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		if req.Role == string(Pharmacovigilance) {
			return &inference.Response{Content: `{"findings": [{"severity": "severe"}]}`}, nil
		}
		if req.Role == string(RiskEthics) {
			return &inference.Response{Content: "no json here"}, nil
		}
		return &inference.Response{Content: roleResponses[req.Role]}, nil
	})
	results := NewEnsemble(NewAnalyzers(Deps{Client: client}), time.Second, zerolog.Nop()).
		Run(context.Background(), testInput())

	require.Len(t, results, 5)
	pharma := byName(t, results, Pharmacovigilance)
	assert.False(t, pharma.Available())
	assert.True(t, strings.HasPrefix(pharma.Reason, "malformed output"))
	assert.False(t, byName(t, results, RiskEthics).Available())
	assert.True(t, byName(t, results, ProtocolAuditor).Available())
}

func TestEnsembleTimeoutIsUnavailable(t *testing.T) {
	client := inference.Func(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		if req.Role == string(PatientBaseline) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &inference.Response{Content: roleResponses[req.Role]}, nil
	})
	results := NewEnsemble(NewAnalyzers(Deps{Client: client}), 50*time.Millisecond, zerolog.Nop()).
		Run(context.Background(), testInput())

	baseline := byName(t, results, PatientBaseline)
	assert.Equal(t, StatusUnavailable, baseline.Status)
	assert.Equal(t, "timeout", baseline.Reason)
	assert.True(t, byName(t, results, Pharmacovigilance).Available())
}

type stuckAnalyzer struct{ name Name }

func (s stuckAnalyzer) Name() Name { return s.name }

// Analyze ignores ctx entirely.
func (s stuckAnalyzer) Analyze(ctx context.Context, in Input) (*PartialAssessment, error) {
	time.Sleep(time.Second)
	return &PartialAssessment{}, nil
}

type panickingAnalyzer struct{ name Name }

func (p panickingAnalyzer) Name() Name { return p.name }

func (p panickingAnalyzer) Analyze(ctx context.Context, in Input) (*PartialAssessment, error) {
	panic("boom")
}

func TestEnsembleSurvivesMisbehavingAnalyzers(t *testing.T) {
	analyzers := []Analyzer{
		stuckAnalyzer{name: TranscriptionRefiner},
		panickingAnalyzer{name: RiskEthics},
		NewPharmacovigilanceChecker(Deps{Client: scripted()}),
	}
	start := time.Now()
	results := NewEnsemble(analyzers, 50*time.Millisecond, zerolog.Nop()).Run(context.Background(), testInput())

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	require.Len(t, results, 5)
	assert.Equal(t, "timeout", byName(t, results, TranscriptionRefiner).Reason)
	assert.Contains(t, byName(t, results, RiskEthics).Reason, "panic")
	assert.Equal(t, "not configured", byName(t, results, PatientBaseline).Reason)
	assert.Equal(t, "not configured", byName(t, results, ProtocolAuditor).Reason)
	assert.True(t, byName(t, results, Pharmacovigilance).Available())
}

func TestEnsembleWithoutInference(t *testing.T) {
	results := NewEnsemble(NewAnalyzers(Deps{Client: inference.Unavailable{}}), time.Second, zerolog.Nop()).
		Run(context.Background(), testInput())

	require.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, StatusUnavailable, r.Status)
		assert.Equal(t, "inference unavailable", r.Reason)
		assert.Empty(t, r.Findings)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[Name]Status
}

func (o *recordingObserver) ObserveAnalyzer(name Name, status Status, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[name] = status
}

func TestEnsembleObserver(t *testing.T) {
	obs := &recordingObserver{calls: map[Name]Status{}}
	NewEnsemble(NewAnalyzers(Deps{Client: scripted()}), time.Second, zerolog.Nop()).
		WithObserver(obs).
		Run(context.Background(), testInput())

	assert.Len(t, obs.calls, 5)
	assert.Equal(t, StatusAvailable, obs.calls[ProtocolAuditor])
}
