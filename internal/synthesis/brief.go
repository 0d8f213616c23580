// Package synthesis merges enrichment warnings and analyzer assessments into the final risk brief.
package synthesis

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gowebpki/jcs"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/shared/schema"
)

//go:embed schemas/risk_brief.json
var riskBriefSchema []byte

var briefValidator = schema.MustCompile("risk_brief", riskBriefSchema)

type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// RiskLevelOf maps a severity to its brief risk level. Unknown severities map to Low.
func RiskLevelOf(s clinical.Severity) RiskLevel {
	switch s {
	case clinical.SeverityCritical:
		return RiskCritical
	case clinical.SeverityHigh:
		return RiskHigh
	case clinical.SeverityMedium:
		return RiskMedium
	}
	return RiskLow
}

// Confidence describes how much of the ensemble the brief is based on.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidencePartial Confidence = "partial"
	ConfidenceLow     Confidence = "low"
)

// RiskBrief is the fixed five-key output contract.
type RiskBrief struct {
	RiskLevel         RiskLevel `json:"risk_level"`
	ExecutiveSummary  string    `json:"executive_summary"`
	ComplianceScore   int       `json:"compliance_score"`
	KeyConcerns       []string  `json:"key_concerns"`
	RecommendedAction string    `json:"recommended_action"`
}

// Validate checks the brief against the output schema.
func (b RiskBrief) Validate() error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode brief: %w", err)
	}
	return briefValidator.Validate(data)
}

// Digest is the sha256 of the brief's RFC 8785 canonical JSON.
func (b RiskBrief) Digest() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode brief: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize brief: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Conflict records a concern contradicted by a justified finding on the same subject.
type Conflict struct {
	Subject       string        `json:"subject"`
	Concern       string        `json:"concern"`
	Justification string        `json:"justification"`
	JustifiedBy   analysis.Name `json:"justified_by"`
}

// Report wraps the brief with the markers that sit outside the five-key contract.
type Report struct {
	Brief                RiskBrief       `json:"brief"`
	Confidence           Confidence      `json:"confidence"`
	PartialData          bool            `json:"partial_data"`
	UnavailableAnalyzers []analysis.Name `json:"unavailable_analyzers"`
	Conflicts            []Conflict      `json:"conflicts"`
	Digest               string          `json:"digest"`
}

var (
	// a terminator, optionally followed by closing quotes or brackets, inside the text
	innerStop = regexp.MustCompile(`[.!?]+(["'\x{201D}\x{2019})\]]*)\s+`)
	// the same at the very end
	finalStop = regexp.MustCompile(`[.!?]+(["'\x{201D}\x{2019})\]]*)$`)
)

// fragment flattens s into a single clause with no sentence terminators.
func fragment(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = finalStop.ReplaceAllString(s, "$1")
	s = strings.TrimRight(s, ".!? ")
	return innerStop.ReplaceAllString(s, "$1; ")
}

func sentence(s string) string {
	s = fragment(s)
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:] + "."
}
