package session

import (
	"time"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/synthesis"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Request is one submitted handoff. Profile may be omitted when a patient source is configured.
type Request struct {
	Session clinical.TranscriptSession `json:"session"`
	Profile *clinical.PatientProfile   `json:"profile,omitempty"`
}

// Session is the stored record of one pipeline run. Enrichment and Report are write-once.
type Session struct {
	ID         string `json:"session_id"`
	PatientRef string `json:"patient_ref,omitempty"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`

	Enrichment  *enrichment.Result           `json:"enrichment,omitempty"`
	Assessments []analysis.PartialAssessment `json:"assessments,omitempty"`
	Report      *synthesis.Report            `json:"report,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Assessments != nil {
		cp.Assessments = append([]analysis.PartialAssessment(nil), s.Assessments...)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
