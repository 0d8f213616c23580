// Package analysis runs the fixed ensemble of textual analyzers over a session.
package analysis

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/inference"
	"github.com/medxp/handoff/internal/privacy"
	"github.com/medxp/handoff/internal/shared/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrMalformedOutput is returned when an inference response does not parse into the role's findings.
var ErrMalformedOutput = errors.New("malformed analyzer output")

// Input is what every analyzer receives. Enrichment is always complete before analyzers run.
type Input struct {
	Session    clinical.TranscriptSession
	Profile    clinical.PatientProfile
	Enrichment *enrichment.Result
}

// Analyzer produces one partial assessment. Errors are turned into unavailable assessments by the ensemble.
type Analyzer interface {
	Name() Name
	Analyze(ctx context.Context, in Input) (*PartialAssessment, error)
}

// Deps are the collaborators shared by the inference-backed analyzers.
type Deps struct {
	Client        inference.Client
	Pseudonymizer *privacy.Pseudonymizer
}

// base holds the prompt, schema and client plumbing common to every role.
type base struct {
	name      Name
	prompt    string
	client    inference.Client
	privacy   *privacy.Pseudonymizer
	validator *schema.Validator
}

func newBase(name Name, prompt string, deps Deps) base {
	data, err := schemaFS.ReadFile("schemas/" + string(name) + ".json")
	if err != nil {
		panic(fmt.Sprintf("missing schema for %s: %v", name, err))
	}
	return base{
		name:      name,
		prompt:    prompt,
		client:    deps.Client,
		privacy:   deps.Pseudonymizer,
		validator: schema.MustCompile(string(name), data),
	}
}

func (b *base) Name() Name {
	return b.name
}

// complete calls the inference client and returns the schema-valid JSON payload.
func (b *base) complete(ctx context.Context, in Input) ([]byte, error) {
	req, err := b.request(in)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := ExtractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	if err := b.validator.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return payload, nil
}

type knowledgeRef struct {
	ID             string   `json:"id"`
	Category       string   `json:"category"`
	Title          string   `json:"title"`
	Priority       string   `json:"priority"`
	KeySteps       []string `json:"key_steps,omitempty"`
	Requirement    string   `json:"requirement,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

type patientContext struct {
	Profile        clinical.PatientProfile   `json:"profile"`
	PatientSummary enrichment.PatientSummary `json:"patient_summary"`
	Warnings       []clinical.Warning        `json:"warnings"`
	Knowledge      []knowledgeRef            `json:"relevant_knowledge"`
}

func (b *base) request(in Input) (inference.Request, error) {
	profile := in.Profile
	transcript := in.Session.TranscriptText
	if b.privacy != nil {
		profile = b.privacy.Profile(in.Profile)
		transcript = b.privacy.Transcript(transcript, in.Profile)
	}

	pc := patientContext{Profile: profile, Warnings: []clinical.Warning{}, Knowledge: []knowledgeRef{}}
	if in.Enrichment != nil {
		pc.PatientSummary = in.Enrichment.PatientSummary
		pc.Warnings = in.Enrichment.Warnings
		for _, m := range in.Enrichment.Knowledge {
			pc.Knowledge = append(pc.Knowledge, knowledgeRef{
				ID:             m.ID,
				Category:       string(m.Category),
				Title:          m.Title,
				Priority:       string(m.Priority),
				KeySteps:       m.KeySteps,
				Requirement:    m.Requirement,
				Recommendation: m.Recommendation,
			})
		}
	}

	ctxJSON, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return inference.Request{}, fmt.Errorf("encode patient context: %w", err)
	}
	return inference.Request{
		Role:           string(b.name),
		RolePrompt:     b.prompt,
		Transcript:     transcript,
		PatientContext: string(ctxJSON),
	}, nil
}

// ExtractJSON strips Markdown code fences and surrounding prose and returns the JSON object.
func ExtractJSON(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformedOutput)
		}
		s = s[start : end+1]
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrMalformedOutput)
	}
	return []byte(s), nil
}

// rawFinding is the wire shape of a finding in analyzer responses.
type rawFinding struct {
	Category      string `json:"category"`
	Severity      string `json:"severity"`
	Description   string `json:"description"`
	Subject       string `json:"subject"`
	Evidence      string `json:"evidence"`
	Action        string `json:"action"`
	Stance        string `json:"stance"`
	CriticalAlert bool   `json:"critical_alert"`
}

// toFinding normalizes a raw finding. Critical urgency is never carried over here.
func (r rawFinding) toFinding(defaultCategory string) Finding {
	sev, ok := clinical.ParseSeverity(r.Severity)
	if !ok {
		sev = clinical.SeverityMedium
	}
	stance := StanceConcern
	if strings.EqualFold(r.Stance, string(StanceJustified)) {
		stance = StanceJustified
	}
	category := strings.TrimSpace(r.Category)
	if category == "" {
		category = defaultCategory
	}
	return Finding{
		Category:    category,
		Severity:    sev,
		Description: strings.TrimSpace(r.Description),
		Subject:     strings.TrimSpace(r.Subject),
		Evidence:    strings.TrimSpace(r.Evidence),
		Action:      strings.TrimSpace(r.Action),
		Stance:      stance,
	}
}

func normalizeConfidence(s string) string {
	switch c := strings.ToLower(strings.TrimSpace(s)); c {
	case "high", "medium", "low":
		return c
	}
	return "medium"
}
