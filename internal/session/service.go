// Package session runs the handoff pipeline for one transcript and keeps the resulting record.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/privacy"
	"github.com/medxp/handoff/internal/shared/errors"
	"github.com/medxp/handoff/internal/shared/events"
	"github.com/medxp/handoff/internal/shared/logging"
	"github.com/medxp/handoff/internal/shared/metrics"
	"github.com/medxp/handoff/internal/synthesis"
)

// ProfileSource loads a patient profile when the request does not carry one.
type ProfileSource interface {
	LoadProfile(ctx context.Context, patientID string) (*clinical.PatientProfile, error)
}

// Deps are the collaborators of the service. Profiles is optional.
type Deps struct {
	Repo        Repository
	Assembler   *enrichment.Assembler
	Ensemble    *analysis.Ensemble
	Synthesizer *synthesis.Synthesizer
	Bus         events.EventBus
	Privacy     *privacy.Pseudonymizer
	Profiles    ProfileSource
	Logger      zerolog.Logger
}

// Config holds worker pool settings
type Config struct {
	Workers   int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 100}
}

type job struct {
	session clinical.TranscriptSession
	profile clinical.PatientProfile
	// correlation id of the submitting request
	correlationID string
}

// Service is the session pipeline: validate, enrich, analyze, synthesize, persist.
type Service struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	queue   chan job
	workers int

	// cancel functions of running sessions
	mu      sync.Mutex
	running map[string]context.CancelFunc

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Service{
		deps:    deps,
		logger:  deps.Logger.With().Str("component", "session").Logger(),
		now:     time.Now,
		queue:   make(chan job, cfg.QueueSize),
		workers: cfg.Workers,
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the worker pool for queued sessions
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return nil
}

// Stop stops the workers and waits for in-flight sessions to finish
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("service not started")
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case j := <-s.queue:
			metrics.SetQueueDepth(len(s.queue))
			jobCtx := ctx
			if j.correlationID != "" {
				jobCtx = context.WithValue(ctx, middleware.RequestIDKey, j.correlationID)
			}
			if _, err := s.execute(jobCtx, j.session, j.profile); err != nil {
				s.logger.Error().Err(err).Str("session_id", j.session.SessionID).Msg("Queued session failed")
			}
		}
	}
}

// Run processes one handoff synchronously and returns the final record.
// Invalid input is rejected with a validation error and the rejection is recorded.
func (s *Service) Run(ctx context.Context, req Request) (*Session, error) {
	sess, profile, err := s.accept(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, sess, profile)
}

// Submit validates and records the session, then queues it for the worker pool.
func (s *Service) Submit(ctx context.Context, req Request) (*Session, error) {
	sess, profile, err := s.accept(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case s.queue <- job{session: sess, profile: profile, correlationID: middleware.GetReqID(ctx)}:
		metrics.SetQueueDepth(len(s.queue))
	default:
		persistCtx := context.WithoutCancel(ctx)
		if err := s.deps.Repo.UpdateStatus(persistCtx, sess.SessionID, StatusRejected, "queue full"); err != nil {
			s.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("Failed to record queue rejection")
		}
		s.publish(persistCtx, events.TypeSessionRejected, sess.SessionID, map[string]any{"reason": "queue full"})
		metrics.RecordSession(string(StatusRejected))
		return nil, errors.Unavailable("session queue is full", nil)
	}

	return s.deps.Repo.Get(ctx, sess.SessionID)
}

// Get returns a session record
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.deps.Repo.Get(ctx, id)
}

// Cancel stops a pending or running session. Analyzer calls of other sessions are not affected.
func (s *Service) Cancel(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	cancel, running := s.running[id]
	s.mu.Unlock()

	if running {
		// the pipeline records the cancelled status itself
		cancel()
		return s.deps.Repo.Get(ctx, id)
	}

	current, err := s.deps.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, errors.Conflict(fmt.Sprintf("session %s is already %s", id, current.Status))
	}
	if err := s.deps.Repo.UpdateStatus(ctx, id, StatusCancelled, "cancelled before start"); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeSessionCancelled, id, map[string]any{
		"patient_ref": current.PatientRef,
		"reason":      "cancelled before start",
	})
	metrics.RecordSession(string(StatusCancelled))
	return s.deps.Repo.Get(ctx, id)
}

// Enrich validates the input and returns the enrichment result without inference or persistence.
func (s *Service) Enrich(ctx context.Context, req Request) (*enrichment.Result, error) {
	session, profile, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := clinical.ValidateSession(&session, &profile); err != nil {
		return nil, err
	}
	return s.deps.Assembler.Enrich(ctx, session, profile)
}

// prepare fills the generated session fields and resolves the profile snapshot.
func (s *Service) prepare(ctx context.Context, req Request) (clinical.TranscriptSession, clinical.PatientProfile, error) {
	session := req.Session
	now := s.now().UTC()
	if session.SessionID == "" {
		session.SessionID = clinical.NewSessionID(now)
	}
	if session.Timestamp.IsZero() {
		session.Timestamp = now
	}

	if req.Profile != nil {
		if session.PatientID == "" {
			session.PatientID = req.Profile.PatientID
		}
		return session, req.Profile.Clone(), nil
	}
	if s.deps.Profiles == nil || session.PatientID == "" {
		return session, clinical.PatientProfile{}, errors.Validation("session rejected", map[string]string{
			"profile": "required",
		})
	}
	loaded, err := s.deps.Profiles.LoadProfile(ctx, session.PatientID)
	if err != nil {
		return session, clinical.PatientProfile{}, err
	}
	return session, loaded.Clone(), nil
}

func (s *Service) patientRef(patientID string) string {
	if s.deps.Privacy == nil {
		return ""
	}
	return s.deps.Privacy.Pseudonym(patientID)
}

// accept validates and records a new session in pending status.
func (s *Service) accept(ctx context.Context, req Request) (clinical.TranscriptSession, clinical.PatientProfile, error) {
	session, profile, err := s.prepare(ctx, req)
	if err != nil {
		if errors.IsValidation(err) {
			s.reject(ctx, session, profile, err)
		}
		return session, profile, err
	}
	if err := clinical.ValidateSession(&session, &profile); err != nil {
		s.reject(ctx, session, profile, err)
		return session, profile, err
	}

	record := &Session{
		ID:         session.SessionID,
		PatientRef: s.patientRef(profile.PatientID),
		Status:     StatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.deps.Repo.Create(ctx, record); err != nil {
		return session, profile, err
	}

	logging.WithSession(s.logger, session.SessionID).Info().
		Str("patient_ref", record.PatientRef).
		Int("transcript_chars", len(session.TranscriptText)).
		Msg("Session accepted")
	s.publish(ctx, events.TypeSessionAccepted, session.SessionID, map[string]any{
		"patient_ref": record.PatientRef,
		"actor_id":    session.Provider.StaffID,
		"status":      string(StatusPending),
	})
	return session, profile, nil
}

// reject records a rejected session when it has an id that is not taken yet.
func (s *Service) reject(ctx context.Context, session clinical.TranscriptSession, profile clinical.PatientProfile, cause error) {
	metrics.RecordSession(string(StatusRejected))
	logger := logging.WithSession(s.logger, session.SessionID)
	logger.Warn().Err(cause).Msg("Session rejected")

	if session.SessionID == "" || utf8.RuneCountInString(session.SessionID) > clinical.MaxSessionIDLength {
		return
	}
	ref := s.patientRef(profile.PatientID)
	if ref == "" {
		ref = s.patientRef(session.PatientID)
	}
	record := &Session{
		ID:         session.SessionID,
		PatientRef: ref,
		Status:     StatusRejected,
		Reason:     cause.Error(),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.deps.Repo.Create(ctx, record); err != nil {
		logger.Debug().Err(err).Msg("Rejected session not recorded")
		return
	}
	s.publish(ctx, events.TypeSessionRejected, session.SessionID, map[string]any{
		"patient_ref": ref,
		"actor_id":    session.Provider.StaffID,
		"reason":      cause.Error(),
	})
}

// execute runs the pipeline for an accepted session.
func (s *Service) execute(ctx context.Context, session clinical.TranscriptSession, profile clinical.PatientProfile) (*Session, error) {
	id := session.SessionID
	logger := logging.WithSession(s.logger, id)
	persistCtx := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	if err := s.deps.Repo.UpdateStatus(persistCtx, id, StatusRunning, ""); err != nil {
		// cancelled while queued
		if errors.Is(err, errors.ErrConflict) {
			return s.deps.Repo.Get(persistCtx, id)
		}
		return nil, err
	}
	ref := s.patientRef(profile.PatientID)

	start := s.now()
	enr, err := s.deps.Assembler.Enrich(runCtx, session, profile)
	if err != nil {
		return s.cancelled(persistCtx, id, ref, "cancelled during enrichment")
	}
	metrics.RecordStage("enrichment", s.now().Sub(start))
	for _, w := range enr.Warnings {
		metrics.RecordWarning(string(w.Type), string(w.Severity))
	}
	if err := s.deps.Repo.SaveEnrichment(persistCtx, id, enr); err != nil {
		return s.failed(persistCtx, id, ref, "saving enrichment", err)
	}
	s.publish(persistCtx, events.TypeSessionEnriched, id, map[string]any{
		"patient_ref":       ref,
		"warnings":          len(enr.Warnings),
		"knowledge_matches": len(enr.Knowledge),
	})

	start = s.now()
	partials := s.deps.Ensemble.Run(runCtx, analysis.Input{Session: session, Profile: profile, Enrichment: enr})
	metrics.RecordStage("analysis", s.now().Sub(start))
	if runCtx.Err() != nil {
		return s.cancelled(persistCtx, id, ref, "cancelled during analysis")
	}

	start = s.now()
	report, err := s.deps.Synthesizer.Synthesize(enr, partials)
	if err != nil {
		return s.failed(persistCtx, id, ref, "synthesis", errors.Internal(err))
	}
	metrics.RecordStage("synthesis", s.now().Sub(start))

	if err := s.deps.Repo.SaveReport(persistCtx, id, partials, report); err != nil {
		return s.failed(persistCtx, id, ref, "saving report", err)
	}
	metrics.RecordSession(string(StatusCompleted))
	metrics.RecordBrief(string(report.Brief.RiskLevel), string(report.Confidence))

	unavailable := make([]string, 0, len(report.UnavailableAnalyzers))
	for _, n := range report.UnavailableAnalyzers {
		unavailable = append(unavailable, string(n))
	}
	s.publish(persistCtx, events.TypeSessionBriefProduced, id, map[string]any{
		"patient_ref":           ref,
		"risk_level":            string(report.Brief.RiskLevel),
		"compliance_score":      report.Brief.ComplianceScore,
		"confidence":            string(report.Confidence),
		"brief_digest":          report.Digest,
		"unavailable_analyzers": unavailable,
	})

	logger.Info().
		Str("risk_level", string(report.Brief.RiskLevel)).
		Int("compliance_score", report.Brief.ComplianceScore).
		Str("confidence", string(report.Confidence)).
		Int("key_concerns", len(report.Brief.KeyConcerns)).
		Msg("Brief produced")

	return s.deps.Repo.Get(persistCtx, id)
}

func (s *Service) cancelled(ctx context.Context, id, ref, reason string) (*Session, error) {
	if err := s.deps.Repo.UpdateStatus(ctx, id, StatusCancelled, reason); err != nil {
		return nil, err
	}
	metrics.RecordSession(string(StatusCancelled))
	s.publish(ctx, events.TypeSessionCancelled, id, map[string]any{
		"patient_ref": ref,
		"reason":      reason,
	})
	logging.WithSession(s.logger, id).Info().Str("reason", reason).Msg("Session cancelled")
	return s.deps.Repo.Get(ctx, id)
}

// failed moves a running session to the failed status and returns cause.
func (s *Service) failed(ctx context.Context, id, ref, stage string, cause error) (*Session, error) {
	logger := logging.WithSession(s.logger, id)
	logger.Error().Err(cause).Str("stage", stage).Msg("Session failed")

	reason := stage + " failed"
	if err := s.deps.Repo.UpdateStatus(ctx, id, StatusFailed, reason); err != nil {
		logger.Error().Err(err).Msg("Failed to record session failure")
		return nil, cause
	}
	metrics.RecordSession(string(StatusFailed))
	s.publish(ctx, events.TypeSessionFailed, id, map[string]any{
		"patient_ref": ref,
		"reason":      reason,
	})
	return nil, cause
}

// publish emits a lifecycle event. Bus failures are logged and never fail the session.
func (s *Service) publish(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	event := events.NewEvent(eventType, sessionID, data)
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		event = event.WithCorrelation(reqID)
	}
	if err := s.deps.Bus.Publish(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("event_type", eventType).Msg("Failed to publish event")
	}
}

// AnalyzerMetrics adapts the ensemble observer to Prometheus.
type AnalyzerMetrics struct{}

func (AnalyzerMetrics) ObserveAnalyzer(name analysis.Name, status analysis.Status, d time.Duration) {
	metrics.RecordAnalyzer(string(name), string(status), d)
}
