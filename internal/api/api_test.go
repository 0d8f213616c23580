package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/audit"
	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/inference"
	"github.com/medxp/handoff/internal/knowledge"
	"github.com/medxp/handoff/internal/privacy"
	"github.com/medxp/handoff/internal/session"
	"github.com/medxp/handoff/internal/shared/events"
	"github.com/medxp/handoff/internal/synthesis"
	"github.com/medxp/handoff/internal/warnings"
)

func newTestRouter(t *testing.T, checks ...Check) http.Handler {
	t.Helper()
	logger := zerolog.Nop()
	formulary := clinical.DefaultFormulary()
	store := knowledge.Default(logger)
	pseudo := privacy.NewPseudonymizer([]byte("api-test"))

	bus := events.NewMemoryBus(logger)
	auditRepo := audit.NewMemoryRepository()
	require.NoError(t, audit.NewSubscriber(auditRepo, bus, logger).Start(context.Background()))

	svc := session.NewService(session.Deps{
		Repo: session.NewMemoryRepository(),
		Assembler: enrichment.NewAssembler(
			knowledge.NewRetriever(store, formulary, 5),
			warnings.NewGenerator(warnings.DefaultTable(logger), formulary),
			formulary,
			logger,
		),
		Ensemble: analysis.NewEnsemble(
			analysis.NewAnalyzers(analysis.Deps{Client: inference.Unavailable{}, Pseudonymizer: pseudo}),
			time.Second,
			logger,
		),
		Synthesizer: synthesis.New(synthesis.DefaultOptions(), logger),
		Bus:         bus,
		Privacy:     pseudo,
		Logger:      logger,
	}, session.Config{Workers: 1, QueueSize: 4})

	return NewRouter(Options{
		Sessions:  svc,
		Knowledge: store,
		Audit:     auditRepo,
		Checks:    checks,
		Logger:    logger,
	})
}

func body(id string) map[string]any {
	return map[string]any{
		"session": map[string]any{
			"session_id":      id,
			"patient_id":      "P-3001",
			"transcript_text": "Patient on heparin drip, coughing up blood this morning. Wife at bedside.",
			"provider":        map[string]any{"staff_id": "RN-12", "role": "nurse"},
		},
		"profile": map[string]any{
			"patient_id":        "P-3001",
			"name":              "Robert Hale",
			"primary_diagnosis": "Pulmonary embolism",
			"active_problems":   []string{"Hemoptysis"},
			"allergies":         []string{},
			"code_status":       "Full Code",
			"current_medications": []map[string]any{
				{"name": "Heparin", "dose": "18 units/kg/hr", "status": "active"},
			},
			"recent_vitals": map[string]any{"HR": 104, "SpO2": 93},
			"recent_labs":   []any{},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch p := payload.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(p))
	default:
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestCreateSessionReturnsBrief(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions", body("HO-A1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess session.Session
	decode(t, rec, &sess)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	require.NotNil(t, sess.Report)
	require.NotNil(t, sess.Enrichment)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/HO-A1/brief", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var brief map[string]any
	decode(t, rec, &brief)
	assert.Len(t, brief, 5)
	for _, key := range []string{"risk_level", "executive_summary", "compliance_score", "key_concerns", "recommended_action"} {
		assert.Contains(t, brief, key)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/HO-A1/brief?detail=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report synthesis.Report
	decode(t, rec, &report)
	assert.True(t, report.PartialData)
	assert.Len(t, report.UnavailableAnalyzers, len(analysis.Order))

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/HO-A1/enrichment", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var enr enrichment.Result
	decode(t, rec, &enr)
	assert.Equal(t, "HO-A1", enr.SessionID)
	assert.NotEmpty(t, enr.Warnings)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/HO-A1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionInputErrors(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	b := body("HO-A2")
	b["session"].(map[string]any)["transcript_text"] = ""
	rec = do(t, h, http.MethodPost, "/api/v1/sessions", b)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.Contains(t, resp.Details, "transcript_text")

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/HO-A2/brief", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionNotFound(t *testing.T) {
	h := newTestRouter(t)
	for _, path := range []string{"/api/v1/sessions/nope", "/api/v1/sessions/nope/enrichment", "/api/v1/sessions/nope/brief"} {
		rec := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestAsyncSessionCancel(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions?async=true", body("HO-A3"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var sess session.Session
	decode(t, rec, &sess)
	assert.Equal(t, session.StatusPending, sess.Status)

	rec = do(t, h, http.MethodDelete, "/api/v1/sessions/HO-A3", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decode(t, rec, &sess)
	assert.Equal(t, session.StatusCancelled, sess.Status)

	rec = do(t, h, http.MethodDelete, "/api/v1/sessions/HO-A3", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/HO-A3/brief", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDuplicateSessionConflict(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/v1/sessions", body("HO-A4")).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/sessions", body("HO-A4")).Code)
}

func TestEnrichEndpoint(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/enrich", body("HO-A5"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var enr enrichment.Result
	decode(t, rec, &enr)
	assert.Equal(t, 0, enr.Metadata.InferenceCalls)
	assert.NotEmpty(t, enr.Metadata.SourcesConsulted)

	// enrichment alone does not create a session
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/sessions/HO-A5", nil).Code)
}

func TestKnowledgeStats(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/api/v1/knowledge/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats knowledge.Stats
	decode(t, rec, &stats)
	assert.Greater(t, stats.Total, 0)
	assert.NotEmpty(t, stats.ByCategory)
}

func TestAuditTrailForSession(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/v1/sessions", body("HO-A6")).Code)

	rec := do(t, h, http.MethodGet, "/api/v1/audit/?session_id=HO-A6", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []audit.Entry `json:"data"`
		Total int           `json:"total"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 3, list.Total)

	rec = do(t, h, http.MethodGet, "/api/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result audit.VerifyResult
	decode(t, rec, &result)
	assert.True(t, result.Valid)
}

func TestHealthAndReadiness(t *testing.T) {
	h := newTestRouter(t,
		Check{Name: "database"},
		Check{Name: "kurrentdb", Ping: func(ctx context.Context) error { return nil }},
	)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)

	rec := do(t, h, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, rec, &ready)
	assert.Equal(t, "not configured", ready.Checks["database"])
	assert.Equal(t, "ready", ready.Checks["kurrentdb"])

	h = newTestRouter(t, Check{Name: "database", Ping: func(ctx context.Context) error { return fmt.Errorf("connection refused") }})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/ready", nil).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil).Code)
}
