package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/shared/config"
)

// Session lifecycle event types.
const (
	TypeSessionAccepted      = "session.accepted"
	TypeSessionRejected      = "session.rejected"
	TypeSessionEnriched      = "session.enriched"
	TypeSessionBriefProduced = "session.brief_produced"
	TypeSessionCancelled     = "session.cancelled"
	TypeSessionFailed        = "session.failed"
)

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	// Publish publishes an event to the bus
	Publish(ctx context.Context, event Event) error

	// Subscribe delivers events whose type matches pattern ("session.*") to handler
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error

	// Close closes the event bus connection
	Close()

	// Health checks the event bus connection
	Health() error
}

// NewEventBus connects to KurrentDB when a host is configured and falls back to the in-process bus otherwise.
func NewEventBus(ctx context.Context, cfg config.KurrentDBConfig, logger zerolog.Logger) (EventBus, string, error) {
	if cfg.Host == "" {
		return NewMemoryBus(logger), "memory", nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bus, err := NewBus(timeoutCtx, cfg, logger)
	if err != nil {
		return nil, "", err
	}

	if err := bus.Health(); err != nil {
		bus.Close()
		return nil, "", fmt.Errorf("KurrentDB health check failed: %w", err)
	}

	return bus, "grpc", nil
}

// Ensure Bus implements EventBus
var _ EventBus = (*Bus)(nil)

// Ensure MemoryBus implements EventBus
var _ EventBus = (*MemoryBus)(nil)
