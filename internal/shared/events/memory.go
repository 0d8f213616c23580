package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryBus is the in-process bus used when KurrentDB is not configured. Handlers run synchronously.
type MemoryBus struct {
	mu       sync.RWMutex
	events   []Event
	handlers []subscription
	logger   zerolog.Logger
}

type subscription struct {
	pattern  string
	consumer string
	handler  Handler
}

func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{logger: logger.With().Str("component", "event_bus").Logger()}
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	subs := make([]subscription, len(b.handlers))
	copy(subs, b.handlers)
	b.mu.Unlock()

	for _, sub := range subs {
		if !MatchesPattern(event.Type, sub.pattern) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error().Err(err).Str("consumer", sub.consumer).Str("event_id", event.ID).Msg("Handler error")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, subscription{pattern: pattern, consumer: consumerName, handler: handler})
	return nil
}

// Events returns a copy of every published event, optionally filtered to one session.
func (b *MemoryBus) Events(sessionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []Event{}
	for _, e := range b.events {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func (b *MemoryBus) Close() {}

func (b *MemoryBus) Health() error {
	return nil
}
