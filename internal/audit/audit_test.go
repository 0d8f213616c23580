package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medxp/handoff/internal/shared/events"
)

func appendN(t *testing.T, repo *MemoryRepository, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		entry := NewEntry(ActionSessionAccepted, "S-1", map[string]any{"index": i})
		require.NoError(t, repo.Append(context.Background(), entry))
	}
}

func TestEntryHashIsDeterministic(t *testing.T) {
	entry := NewEntry(ActionBriefProduced, "S-1", map[string]any{"risk_level": "High", "compliance_score": 40})
	entry.Sequence = 1
	entry.Hash = entry.ComputeHash()

	assert.NotEmpty(t, entry.Hash)
	assert.True(t, entry.VerifyHash())

	// a store round trip turns numbers into float64; canonical JSON keeps the hash stable
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	var decoded Entry
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.VerifyHash())
}

func TestMemoryRepositoryChainLinks(t *testing.T) {
	repo := NewMemoryRepository()
	appendN(t, repo, 5)

	entries, total, err := repo.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, 5, total)

	// newest first
	assert.Equal(t, int64(5), entries[0].Sequence)
	assert.Empty(t, entries[4].PrevHash)
	for i := 0; i < 4; i++ {
		assert.Equal(t, entries[i+1].Hash, entries[i].PrevHash)
	}
	assert.Equal(t, entries[0].Hash, repo.LastHash())

	result, err := repo.VerifyChain(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Checked)
	assert.Empty(t, result.Violations)
}

func TestVerifyDetectsTampering(t *testing.T) {
	repo := NewMemoryRepository()
	appendN(t, repo, 3)

	repo.entries[1].Details["index"] = 99

	result, err := repo.VerifyChain(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.ContentInvalid)
	require.NotEmpty(t, result.Violations)
	assert.Contains(t, result.Violations[0], "CONTENT TAMPERED")
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	repo := NewMemoryRepository()
	appendN(t, repo, 3)

	// rewrite an entry consistently so only the link to its successor breaks
	repo.entries[0].Details["index"] = 42
	repo.entries[0].Hash = repo.entries[0].ComputeHash()

	result, err := repo.VerifyChain(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.ContentInvalid)
	assert.Equal(t, 1, result.LinkageInvalid)
}

func TestListFilters(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Append(ctx, NewEntry(ActionSessionAccepted, "S-1", nil)))
	require.NoError(t, repo.Append(ctx, NewEntry(ActionSessionAccepted, "S-2", nil)))
	require.NoError(t, repo.Append(ctx, NewEntry(ActionBriefProduced, "S-1", nil)))

	entries, total, err := repo.List(ctx, Filter{SessionID: "S-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, entries, 2)

	entries, total, err = repo.List(ctx, Filter{Action: ActionBriefProduced})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "S-1", entries[0].SessionID)

	entries, total, err = repo.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "S-2", entries[0].SessionID)
}

func TestSubscriberRecordsSessionEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewMemoryBus(zerolog.Nop())
	repo := NewMemoryRepository()
	require.NoError(t, NewSubscriber(repo, bus, zerolog.Nop()).Start(ctx))

	accepted := events.NewEvent(events.TypeSessionAccepted, "S-9", map[string]any{
		"patient_ref": "p_abc",
		"status":      "running",
	}).WithCorrelation("req-1")
	require.NoError(t, bus.Publish(ctx, accepted))
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.TypeSessionBriefProduced, "S-9", map[string]any{
		"risk_level":       "High",
		"compliance_score": 55,
		"transcript":       "not audited",
	})))

	entries, total, err := repo.List(ctx, Filter{SessionID: "S-9"})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	brief, first := entries[0], entries[1]
	assert.Equal(t, ActionSessionAccepted, first.Action)
	assert.Equal(t, accepted.ID, first.ID)
	assert.Equal(t, "p_abc", first.PatientRef)
	assert.Equal(t, "req-1", first.CorrelationID)

	assert.Equal(t, ActionBriefProduced, brief.Action)
	assert.Equal(t, "High", brief.Details["risk_level"])
	assert.NotContains(t, brief.Details, "transcript")

	result, err := repo.VerifyChain(ctx, 10)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestHandlerListAndVerify(t *testing.T) {
	repo := NewMemoryRepository()
	appendN(t, repo, 2)
	router := NewHandler(repo).Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?session_id=S-1&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Data, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var result VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?start_time=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
