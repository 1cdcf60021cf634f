package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"medconsult/internal/clinical"
)

type fakeConsultService struct {
	meta ConsultMeta
	err  error
	last ConsultRequest
}

func (f *fakeConsultService) CreateConsult(request ConsultRequest, principal Principal, creatorType, source, ipHash, uaHash string) (ConsultMeta, error) {
	f.last = request
	if f.err != nil {
		return ConsultMeta{}, f.err
	}
	return f.meta, nil
}

func newTestAPI(t *testing.T, consult ConsultService) (*API, *MemoryFileStore) {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = "test-admin-token"
	auth := NewAuth(nil, cfg)
	api := NewAPI(auth, store, consult, clinical.DefaultRuleTable(), nil)
	return api, store
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestCreateConsultEndpoint(t *testing.T) {
	fake := &fakeConsultService{meta: ConsultMeta{ConsultID: "consult_xyz", Status: StatusQueued}}
	api, _ := newTestAPI(t, fake)

	payload := `{"patient_id":"p1","message":"fever for two days"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/consultations", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["consult_id"] != "consult_xyz" || body["status"] != StatusQueued {
		t.Fatalf("body = %v", body)
	}
	if fake.last.PatientID != "p1" {
		t.Fatalf("request not forwarded: %+v", fake.last)
	}
}

func TestCreateConsultBadJSON(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/consultations", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateConsultRateLimited(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{err: errors.New("consultation rate limit reached")})
	payload := `{"patient_id":"p1","message":"fever"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/consultations", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetConsult(t *testing.T) {
	api, store := newTestAPI(t, &fakeConsultService{})

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing consult status = %d", rec.Code)
	}

	if err := store.CreateConsult(ConsultMeta{
		ConsultID: "consult_1",
		Status:    StatusCompleted,
		CreatedAt: nowRFC3339(),
		Summary:   "all good",
	}); err != nil {
		t.Fatalf("seed consult: %v", err)
	}
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/consult_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != StatusCompleted || body["summary"] != "all good" {
		t.Fatalf("body = %v", body)
	}
}

func TestRoutePreview(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	payload := `{"message":"I have chest pain when walking"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Tools   []string                 `json:"tools"`
		Reasons []clinical.RoutingReason `json:"reasons"`
		Valid   bool                     `json:"valid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Reasons) != 1 || body.Reasons[0] != clinical.ReasonChestPainRisk {
		t.Fatalf("reasons = %v", body.Reasons)
	}
	if !body.Valid {
		t.Fatalf("routing should validate")
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(`{"message":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty message status = %d", rec.Code)
	}
}

func TestRoutePreviewHistoryForcesCardiacWorkup(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	payload := `{"message":"feeling a bit tired","history":["cardiac bypass 2019"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Signals clinical.SignalSet `json:"signals"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !body.Signals.ChestPain {
		t.Fatalf("cardiac history should force the chest pain signal")
	}
}

func validateCardPayload(t *testing.T) clinical.DiagnosisCard {
	t.Helper()
	evidence, err := clinical.NewEvidence([]string{"fever"}, nil, []string{"icd:J06.9"})
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	dx, err := clinical.NewDxCandidate("J06.9", "Upper respiratory infection", 0.6, evidence)
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	uncertainty, err := clinical.NewUncertainty(0.9, 0.9, "", 1)
	if err != nil {
		t.Fatalf("uncertainty: %v", err)
	}
	card, err := clinical.NewDiagnosisCard(clinical.CardSpec{
		PatientID:         "p1",
		SessionID:         "s1",
		Language:          "english",
		Triage:            clinical.Triage{Level: clinical.TriageSemiUrgent, Rationale: "fever"},
		Differential:      []clinical.DxCandidate{dx},
		Uncertainty:       uncertainty,
		OverallConfidence: 0.8,
	})
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	return card
}

func TestValidateArtifactPasses(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	card := validateCardPayload(t)
	payload, _ := json.Marshal(card)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var result clinical.CriticResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected clean card to pass, got %+v", result)
	}
}

func TestValidateArtifactRejectsBadCitation(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	card := validateCardPayload(t)
	card.Differential[0].Evidence.Citations = []string{"wikipedia"}
	payload, _ := json.Marshal(card)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "citations") {
		t.Fatalf("error should name the offending field, got %s", rec.Body.String())
	}
}

func TestValidateArtifactRejectsProbabilityOverflow(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	card := validateCardPayload(t)
	second := card.Differential[0]
	second.ICD10 = "J20.9"
	second.Probability = 0.7
	card.Differential = append(card.Differential, second)
	payload, _ := json.Marshal(card)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "differential") {
		t.Fatalf("error should name the differential, got %s", rec.Body.String())
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/consultations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/consultations", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token status = %d body=%s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics/overview", nil)
	req.Header.Set("Authorization", "Bearer test-admin-token")
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}
}

func TestMyConsultationsRequiresAuth(t *testing.T) {
	api, store := newTestAPI(t, &fakeConsultService{})

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/my-consultations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	if err := store.CreateConsult(ConsultMeta{
		ConsultID:  "consult_mine",
		Status:     StatusCompleted,
		CreatorSub: "admin-token",
		CreatedAt:  nowRFC3339(),
	}); err != nil {
		t.Fatalf("seed consult: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/my-consultations", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Consultations []map[string]any `json:"consultations"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Consultations) != 1 {
		t.Fatalf("expected 1 consultation, got %d", len(body.Consultations))
	}
}

func TestConsultEventsSSE(t *testing.T) {
	api, store := newTestAPI(t, &fakeConsultService{})
	if err := store.CreateConsult(ConsultMeta{ConsultID: "consult_sse", Status: StatusRunning, CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("seed consult: %v", err)
	}
	if _, err := store.AppendConsultEvent("consult_sse", "queue", "queued", nil); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/consultations/consult_sse/events", nil).WithContext(ctx)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: consult_event") || !strings.Contains(body, `"stage":"queue"`) {
		t.Fatalf("stream body missing event: %s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	api, _ := newTestAPI(t, &fakeConsultService{})
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/consultations", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
