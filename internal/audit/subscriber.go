package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/shared/events"
	"github.com/medxp/handoff/internal/shared/metrics"
)

// Subscriber listens to session events and appends audit entries
type Subscriber struct {
	repo   Repository
	bus    events.EventBus
	logger zerolog.Logger
}

// NewSubscriber creates a new audit subscriber
func NewSubscriber(repo Repository, bus events.EventBus, logger zerolog.Logger) *Subscriber {
	return &Subscriber{repo: repo, bus: bus, logger: logger.With().Str("component", "audit").Logger()}
}

// Start subscribes to session lifecycle events
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, "session.*", "audit-session-subscriber", s.handleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	return nil
}

// auditedFields are copied from event payloads into entry details.
var auditedFields = []string{
	"status", "reason", "risk_level", "compliance_score", "confidence",
	"brief_digest", "warnings", "knowledge_matches", "unavailable_analyzers", "details",
}

func (s *Subscriber) handleEvent(ctx context.Context, event events.Event) error {
	entry := eventToEntry(event)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("session_id", event.SessionID).Str("action", event.Type).Msg("Audit append failed")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	metrics.RecordAuditEntry()
	return nil
}

// eventToEntry converts a session event to an audit entry
func eventToEntry(event events.Event) *Entry {
	var payload map[string]any
	_ = event.Decode(&payload)

	entry := &Entry{
		ID:            event.ID,
		Timestamp:     event.Timestamp.UTC().Truncate(time.Microsecond),
		Action:        event.Type,
		SessionID:     event.SessionID,
		CorrelationID: event.CorrelationID,
	}
	if entry.ID == "" || entry.Timestamp.IsZero() {
		fresh := NewEntry(event.Type, event.SessionID, nil)
		entry.ID, entry.Timestamp = fresh.ID, fresh.Timestamp
	}

	if ref, ok := payload["patient_ref"].(string); ok {
		entry.PatientRef = ref
	}
	if actor, ok := payload["actor_id"].(string); ok {
		entry.ActorID = actor
	}
	details := map[string]any{}
	for _, f := range auditedFields {
		if v, ok := payload[f]; ok && v != nil {
			details[f] = v
		}
	}
	if len(details) > 0 {
		entry.Details = details
	}
	return entry
}
