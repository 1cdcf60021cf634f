package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"medconsult/internal/clinical"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type API struct {
	auth    *Auth
	store   Store
	consult ConsultService
	router  *clinical.Router
	critic  *clinical.Critic
	obs     *Observability
}

func NewAPI(auth *Auth, store Store, consult ConsultService, table clinical.RuleTable, obs *Observability) *API {
	return &API{
		auth:    auth,
		store:   store,
		consult: consult,
		router:  clinical.NewRouter(table),
		critic:  clinical.NewCritic(),
		obs:     obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.HandleFunc("POST /api/v1/consultations", a.handleCreateConsult)
	mux.HandleFunc("GET /api/v1/consultations/{id}", a.handleGetConsult)
	mux.Handle("GET /api/v1/my-consultations", a.auth.Require(http.HandlerFunc(a.handleMyConsults)))

	mux.HandleFunc("POST /api/v1/route", a.handleRoutePreview)
	mux.HandleFunc("POST /api/v1/validate", a.handleValidateArtifact)

	mux.Handle("GET /api/v1/admin/consultations", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminListConsults)))
	mux.Handle("GET /api/v1/admin/consultations/{id}/events", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminConsultEventsSSE)))
	mux.Handle("GET /api/v1/admin/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminOverview)))
	mux.Handle("GET /api/v1/admin/audit", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminAudit)))

	wrapped := otelhttp.NewHandler(mux, "consult-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleCreateConsult(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("consult-api").Start(r.Context(), "consult.create")
	defer span.End()
	var req ConsultRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	principal, _ := a.auth.AuthenticateRequest(r)
	creatorType := "user"
	if principal.Role == "admin" {
		creatorType = "admin"
	}
	span.SetAttributes(
		attribute.String("actor.type", creatorType),
		attribute.String("session.id", req.SessionID),
	)
	meta, err := a.consult.CreateConsult(req, principal, creatorType, "api.intake", ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "rate limit") || strings.Contains(err.Error(), "active consultations") {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"consult_id": meta.ConsultID,
		"status":     meta.Status,
	})
}

func (a *API) handleGetConsult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing consultation id")
		return
	}
	meta, ok := a.store.GetConsult(id)
	if !ok {
		writeError(w, http.StatusNotFound, "consultation not found")
		return
	}
	view := map[string]any{
		"consult_id":  meta.ConsultID,
		"status":      meta.Status,
		"created_at":  meta.CreatedAt,
		"started_at":  meta.StartedAt,
		"finished_at": meta.FinishedAt,
	}
	if meta.Summary != "" {
		view["summary"] = meta.Summary
	}
	if meta.Card != nil {
		view["triage"] = meta.Card.Triage
		view["card"] = meta.Card
	}
	if meta.Critic != nil {
		view["critic"] = meta.Critic
	}
	if meta.Abstention != nil {
		view["abstention"] = meta.Abstention
	}
	if meta.Error != "" {
		view["error"] = meta.Error
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleMyConsults(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	consults := a.store.ListConsultsByCreator(principal.Subject, 50)
	// deidentified listing: status and triage only, no card internals
	out := make([]map[string]any, 0, len(consults))
	for _, m := range consults {
		entry := map[string]any{
			"consult_id": m.ConsultID,
			"status":     m.Status,
			"created_at": m.CreatedAt,
		}
		if m.Card != nil {
			entry["triage"] = m.Card.Triage.Level
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": out})
}

// handleRoutePreview runs the pure routing core on a message without
// creating a consultation. Useful for clients that want to show the
// plan before intake, and for debugging rule-table changes.
func (a *API) handleRoutePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message      string   `json:"message"`
		History      []string `json:"history,omitempty"`
		MaxQuestions int      `json:"max_questions,omitempty"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	var history *clinical.PatientHistory
	if len(req.History) > 0 {
		history = &clinical.PatientHistory{Conditions: req.History}
	}
	signals := clinical.ExtractSignals(req.Message, history)
	tools, reasons := a.router.Route(signals)
	plan := a.router.BuildPlan(signals, req.MaxQuestions)
	parallel, sequential := a.router.PartitionTools(tools)
	writeJSON(w, http.StatusOK, map[string]any{
		"signals":    signals,
		"tools":      tools,
		"reasons":    reasons,
		"rationale":  a.router.Rationale(reasons),
		"plan":       plan,
		"parallel":   parallel,
		"sequential": sequential,
		"valid":      a.router.ValidateRouting(signals, tools, reasons),
	})
}

// handleValidateArtifact re-runs the critic over an externally submitted
// diagnosis artifact. The payload is rebuilt through the validating
// constructors first, so structural violations surface as 422 responses
// naming the offending field rather than critic findings.
func (a *API) handleValidateArtifact(w http.ResponseWriter, r *http.Request) {
	var raw clinical.DiagnosisCard
	if err := decodeJSONBody(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	card, err := rebuildCard(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.critic.Validate(card))
}

// rebuildCard passes every component of a decoded artifact back through
// its constructor, enforcing the structural invariants JSON decoding
// bypasses.
func rebuildCard(raw clinical.DiagnosisCard) (clinical.DiagnosisCard, error) {
	differential := make([]clinical.DxCandidate, 0, len(raw.Differential))
	for _, dx := range raw.Differential {
		evidence, err := clinical.NewEvidence(dx.Evidence.Supporting, dx.Evidence.Opposing, dx.Evidence.Citations)
		if err != nil {
			return clinical.DiagnosisCard{}, err
		}
		rebuilt, err := clinical.NewDxCandidate(dx.ICD10, dx.Label, dx.Probability, evidence)
		if err != nil {
			return clinical.DiagnosisCard{}, err
		}
		differential = append(differential, rebuilt)
	}
	calculators := make([]clinical.CalculatorResult, 0, len(raw.Calculators))
	for _, calc := range raw.Calculators {
		rebuilt, err := clinical.NewCalculatorResult(calc.Name, calc.InputsUsed, calc.Score, calc.RiskBand, calc.Reference, calc.Confidence)
		if err != nil {
			return clinical.DiagnosisCard{}, err
		}
		calculators = append(calculators, rebuilt)
	}
	tests := make([]clinical.TestRecommendation, 0, len(raw.Tests))
	for _, test := range raw.Tests {
		rebuilt, err := clinical.NewTestRecommendation(test.Name, test.Rationale, test.VOIScore, test.Urgency)
		if err != nil {
			return clinical.DiagnosisCard{}, err
		}
		tests = append(tests, rebuilt)
	}
	treatments := make([]clinical.Treatment, 0, len(raw.Treatments))
	for _, treatment := range raw.Treatments {
		evidence, err := clinical.NewEvidence(treatment.Evidence.Supporting, treatment.Evidence.Opposing, treatment.Evidence.Citations)
		if err != nil {
			return clinical.DiagnosisCard{}, err
		}
		rebuilt, err := clinical.NewTreatment(treatment.Medication, treatment.Dosage, treatment.Instructions,
			treatment.Contraindications, evidence, treatment.SafetyScore)
		if err != nil {
			return clinical.DiagnosisCard{}, err
		}
		treatments = append(treatments, rebuilt)
	}
	uncertainty, err := clinical.NewUncertainty(raw.Uncertainty.DiagnosticCoverage, raw.Uncertainty.SafetyCertainty,
		raw.Uncertainty.AbstentionReason, raw.Uncertainty.PredictionSetSize)
	if err != nil {
		return clinical.DiagnosisCard{}, err
	}
	return clinical.NewDiagnosisCard(clinical.CardSpec{
		PatientID:          raw.PatientID,
		SessionID:          raw.SessionID,
		Language:           raw.Language,
		Triage:             raw.Triage,
		Differential:       differential,
		Calculators:        calculators,
		Tests:              tests,
		Treatments:         treatments,
		Uncertainty:        uncertainty,
		OverallConfidence:  raw.OverallConfidence,
		RoutingReasons:     raw.RoutingReasons,
		ProcessingMetadata: raw.ProcessingMetadata,
	})
}

func (a *API) handleAdminListConsults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"consultations": a.store.ListConsults(100),
	})
}

func (a *API) handleAdminConsultEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing consultation id")
		return
	}
	if _, ok := a.store.GetConsult(id); !ok {
		writeError(w, http.StatusNotFound, "consultation not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []ConsultEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: consult_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListConsultEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListConsultEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(200),
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorHashes(r *http.Request) (string, string) {
	ip, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if ip == "" {
		ip = strings.TrimSpace(r.RemoteAddr)
	}
	return hashString(ip), hashString(r.UserAgent())
}
