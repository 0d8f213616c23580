package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
)

const (
	// StreamName is the stream where all audit entries are stored
	StreamName = "handoff-audit"
	// EventType is the event type for audit entries
	EventType = "AuditEntry"
)

// KurrentDBRepository provides append-only audit log operations using KurrentDB.
// KurrentDB is inherently append-only - events cannot be modified or deleted.
type KurrentDBRepository struct {
	client   *esdb.Client
	mu       sync.Mutex
	lastHash string
	sequence int64
}

// NewKurrentDBRepository creates a new KurrentDB-based audit repository
func NewKurrentDBRepository(client *esdb.Client) *KurrentDBRepository {
	return &KurrentDBRepository{client: client}
}

func isNotFound(err error) bool {
	var esdbErr *esdb.Error
	return errors.As(err, &esdbErr) && esdbErr.Code() == esdb.ErrorCodeResourceNotFound
}

// Initialize loads the last hash and sequence from KurrentDB
func (r *KurrentDBRepository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, err := r.client.ReadStream(ctx, StreamName, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if err != nil {
		if isNotFound(err) {
			r.lastHash, r.sequence = "", 0
			return nil
		}
		return fmt.Errorf("failed to read audit stream: %w", err)
	}
	defer stream.Close()

	event, err := stream.Recv()
	if err != nil {
		// no events yet
		r.lastHash, r.sequence = "", 0
		return nil
	}

	if event.Event != nil && event.Event.EventType == EventType {
		var entry Entry
		if err := json.Unmarshal(event.Event.Data, &entry); err == nil {
			r.lastHash = entry.Hash
			r.sequence = entry.Sequence
		}
	}

	return nil
}

// Append appends a new audit entry (thread-safe)
func (r *KurrentDBRepository) Append(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.Sequence = r.sequence + 1
	entry.PrevHash = r.lastHash
	entry.Hash = entry.ComputeHash()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	eventID, err := uuid.Parse(entry.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = r.client.AppendToStream(ctx, StreamName, esdb.AppendToStreamOptions{}, esdb.EventData{
		EventID:     eventID,
		EventType:   EventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    []byte(fmt.Sprintf(`{"sequence":%d,"hash":"%s"}`, entry.Sequence, entry.Hash)),
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	r.sequence = entry.Sequence
	r.lastHash = entry.Hash
	return nil
}

// readNewest reads up to max entries, newest first.
func (r *KurrentDBRepository) readNewest(ctx context.Context, max uint64) ([]*Entry, error) {
	stream, err := r.client.ReadStream(ctx, StreamName, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, max)
	if err != nil {
		if isNotFound(err) {
			return []*Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}
	defer stream.Close()

	entries := []*Entry{}
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) || isNotFound(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audit entry: %w", err)
		}
		if event.Event == nil || event.Event.EventType != EventType {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(event.Event.Data, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// List lists audit entries with filters
func (r *KurrentDBRepository) List(ctx context.Context, filter Filter) ([]*Entry, int, error) {
	maxEvents := uint64(1000)
	if filter.Limit > 0 {
		// read extra to account for filtering
		maxEvents = uint64(filter.Limit + filter.Offset + 100)
	}

	all, err := r.readNewest(ctx, maxEvents)
	if err != nil {
		return nil, 0, err
	}

	out := []*Entry{}
	total := 0
	for _, e := range all {
		if !filter.matches(e) {
			continue
		}
		total++
		if total <= filter.Offset {
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			continue
		}
		out = append(out, e)
	}
	return out, total, nil
}

// VerifyChain verifies the integrity of the newest limit entries
func (r *KurrentDBRepository) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	entries, err := r.readNewest(ctx, uint64(limit))
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries), nil
}

func (r *KurrentDBRepository) LastHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHash
}
