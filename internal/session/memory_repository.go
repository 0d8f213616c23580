package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/shared/errors"
	"github.com/medxp/handoff/internal/synthesis"
)

// MemoryRepository is used when no database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session), now: time.Now}
}

func (r *MemoryRepository) Create(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return errors.Conflict(fmt.Sprintf("session %s already exists", s.ID))
	}
	now := r.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.sessions[s.ID] = s.clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	return s.clone(), nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, status Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.NotFound("session", id)
	}
	if s.Status.Terminal() {
		return errors.Conflict(fmt.Sprintf("session %s is already %s", id, s.Status))
	}
	now := r.now().UTC()
	s.Status = status
	s.Reason = reason
	s.UpdatedAt = now
	if status.Terminal() {
		s.CompletedAt = &now
	}
	return nil
}

func (r *MemoryRepository) SaveEnrichment(ctx context.Context, id string, result *enrichment.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.NotFound("session", id)
	}
	if s.Enrichment != nil {
		return errors.Conflict(fmt.Sprintf("enrichment for session %s already recorded", id))
	}
	s.Enrichment = result
	s.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryRepository) SaveReport(ctx context.Context, id string, assessments []analysis.PartialAssessment, report *synthesis.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.NotFound("session", id)
	}
	if s.Report != nil {
		return errors.Conflict(fmt.Sprintf("brief for session %s already recorded", id))
	}
	if s.Status.Terminal() {
		return errors.Conflict(fmt.Sprintf("session %s is already %s", id, s.Status))
	}
	now := r.now().UTC()
	s.Assessments = assessments
	s.Report = report
	s.Status = StatusCompleted
	s.Reason = ""
	s.UpdatedAt = now
	s.CompletedAt = &now
	return nil
}
