package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/shared/errors"
	"github.com/medxp/handoff/internal/shared/metrics"
	"github.com/medxp/handoff/internal/synthesis"
)

// PostgresRepository stores sessions in handoff_sessions.
// Write-once and terminal-status rules are enforced in the WHERE clauses.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const terminalStatuses = `('completed', 'rejected', 'cancelled', 'failed')`

func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	defer observe("session_create", time.Now())

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := `
		INSERT INTO handoff_sessions (session_id, patient_ref, status, reason, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query, s.ID, s.PatientRef, s.Status, s.Reason, s.CreatedAt, s.UpdatedAt, s.CompletedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict(fmt.Sprintf("session %s already exists", s.ID))
		}
		return errors.Wrap(err, "failed to create session")
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	defer observe("session_get", time.Now())

	query := `
		SELECT session_id, patient_ref, status, reason, enrichment, assessments, report,
			created_at, updated_at, completed_at
		FROM handoff_sessions
		WHERE session_id = $1`

	var (
		s                                  Session
		enrichmentRaw, assessRaw, reportRaw []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.PatientRef, &s.Status, &s.Reason, &enrichmentRaw, &assessRaw, &reportRaw,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("session", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}

	if len(enrichmentRaw) > 0 {
		s.Enrichment = &enrichment.Result{}
		if err := json.Unmarshal(enrichmentRaw, s.Enrichment); err != nil {
			return nil, errors.Wrap(err, "failed to decode enrichment")
		}
	}
	if len(assessRaw) > 0 {
		if err := json.Unmarshal(assessRaw, &s.Assessments); err != nil {
			return nil, errors.Wrap(err, "failed to decode assessments")
		}
	}
	if len(reportRaw) > 0 {
		s.Report = &synthesis.Report{}
		if err := json.Unmarshal(reportRaw, s.Report); err != nil {
			return nil, errors.Wrap(err, "failed to decode report")
		}
	}
	return &s, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status Status, reason string) error {
	defer observe("session_update_status", time.Now())

	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	query := `
		UPDATE handoff_sessions
		SET status = $2, reason = $3, completed_at = $4, updated_at = NOW()
		WHERE session_id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := r.pool.Exec(ctx, query, id, status, reason, completedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update session status")
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id, "session %s is already terminal")
	}
	return nil
}

func (r *PostgresRepository) SaveEnrichment(ctx context.Context, id string, result *enrichment.Result) error {
	defer observe("session_save_enrichment", time.Now())

	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode enrichment")
	}

	query := `
		UPDATE handoff_sessions SET enrichment = $2, updated_at = NOW()
		WHERE session_id = $1 AND enrichment IS NULL`

	tag, err := r.pool.Exec(ctx, query, id, data)
	if err != nil {
		return errors.Wrap(err, "failed to save enrichment")
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id, "enrichment for session %s already recorded")
	}
	return nil
}

func (r *PostgresRepository) SaveReport(ctx context.Context, id string, assessments []analysis.PartialAssessment, report *synthesis.Report) error {
	defer observe("session_save_report", time.Now())

	assessRaw, err := json.Marshal(assessments)
	if err != nil {
		return errors.Wrap(err, "failed to encode assessments")
	}
	reportRaw, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}

	query := `
		UPDATE handoff_sessions
		SET assessments = $2, report = $3, risk_level = $4, confidence = $5,
			status = 'completed', reason = '', completed_at = NOW(), updated_at = NOW()
		WHERE session_id = $1 AND report IS NULL AND status NOT IN ` + terminalStatuses

	tag, err := r.pool.Exec(ctx, query, id, assessRaw, reportRaw,
		string(report.Brief.RiskLevel), string(report.Confidence))
	if err != nil {
		return errors.Wrap(err, "failed to save report")
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id, "brief for session %s already recorded")
	}
	return nil
}

// missOrConflict resolves a zero-row conditional update into NotFound or Conflict.
func (r *PostgresRepository) missOrConflict(ctx context.Context, id, conflictFormat string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM handoff_sessions WHERE session_id = $1)`, id).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "failed to check session")
	}
	if !exists {
		return errors.NotFound("session", id)
	}
	return errors.Conflict(fmt.Sprintf(conflictFormat, id))
}

func observe(operation string, start time.Time) {
	metrics.RecordDBQuery(operation, time.Since(start))
}
