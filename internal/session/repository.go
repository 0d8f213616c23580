package session

import (
	"context"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/synthesis"
)

// Repository stores session records.
// Create on an existing id, a second artifact write, or a transition out of a terminal status return ErrConflict.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	UpdateStatus(ctx context.Context, id string, status Status, reason string) error
	SaveEnrichment(ctx context.Context, id string, result *enrichment.Result) error
	// SaveReport stores the assessments and report and marks the session completed.
	SaveReport(ctx context.Context, id string, assessments []analysis.PartialAssessment, report *synthesis.Report) error
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
