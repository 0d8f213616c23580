package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Audited actions. They mirror the session lifecycle event types.
const (
	ActionSessionAccepted  = "session.accepted"
	ActionSessionRejected  = "session.rejected"
	ActionSessionEnriched  = "session.enriched"
	ActionBriefProduced    = "session.brief_produced"
	ActionSessionCancelled = "session.cancelled"
	ActionSessionFailed    = "session.failed"
)

// Entry is an immutable audit log entry linked to its predecessor by hash.
type Entry struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	Action     string `json:"action"`
	SessionID  string `json:"session_id"`
	PatientRef string `json:"patient_ref,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`

	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// NewEntry creates an entry. Sequence, PrevHash and Hash are assigned on Append.
func NewEntry(action, sessionID string, details map[string]any) *Entry {
	return &Entry{
		ID:        uuid.New().String(),
		// microsecond precision survives every store round trip
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Action:    action,
		SessionID: sessionID,
		Details:   details,
	}
}

// ComputeHash is the sha256 of the entry's RFC 8785 canonical JSON, excluding the hash itself.
func (e *Entry) ComputeHash() string {
	data := map[string]any{
		"id":         e.ID,
		"sequence":   e.Sequence,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":  e.PrevHash,
		"action":     e.Action,
		"session_id": e.SessionID,
	}
	if e.PatientRef != "" {
		data["patient_ref"] = e.PatientRef
	}
	if e.ActorID != "" {
		data["actor_id"] = e.ActorID
	}
	if e.CorrelationID != "" {
		data["correlation_id"] = e.CorrelationID
	}
	if len(e.Details) > 0 {
		data["details"] = e.Details
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash != "" && e.Hash == e.ComputeHash()
}

// Filter narrows List results.
type Filter struct {
	SessionID string     `json:"session_id,omitempty"`
	Action    string     `json:"action,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

func (f Filter) matches(e *Entry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}
