package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"medconsult/internal/clinical"
)

// Summarizer phrases the patient-facing summary of a finished card. It
// is advisory only: a failed or absent summarizer never changes the
// clinical outcome.
type Summarizer interface {
	Summarize(ctx context.Context, card clinical.DiagnosisCard) (string, error)
}

type ConsultService interface {
	CreateConsult(request ConsultRequest, principal Principal, creatorType, source, ipHash, uaHash string) (ConsultMeta, error)
}

type queuedConsult struct {
	ConsultID   string
	Request     ConsultRequest
	Creator     Principal
	CreatorType string
	Source      string
}

// ConsultManager owns the asynchronous consultation pipeline: a bounded
// worker pool drains the queue, and each consultation runs the full
// signals, routing, execution, assembly, critic and abstention sequence.
type ConsultManager struct {
	cfg        ServerConfig
	store      Store
	limiter    *ConsultLimiter
	obs        *Observability
	router     *clinical.Router
	critic     *clinical.Critic
	quantifier *clinical.Quantifier
	executor   *ToolExecutor
	summarizer Summarizer
	queue      chan queuedConsult
	wg         sync.WaitGroup
}

func NewConsultManager(cfg ServerConfig, table clinical.RuleTable, store Store, limiter *ConsultLimiter, obs *Observability, summarizer Summarizer) *ConsultManager {
	maxParallel := cfg.Consult.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &ConsultManager{
		cfg:        cfg,
		store:      store,
		limiter:    limiter,
		obs:        obs,
		router:     clinical.NewRouter(table),
		critic:     clinical.NewCritic(),
		quantifier: clinical.NewQuantifier(cfg.Consult.CoverageTarget),
		executor:   NewToolExecutor(),
		summarizer: summarizer,
		queue:      make(chan queuedConsult, maxParallel*8),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *ConsultManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *ConsultManager) CreateConsult(request ConsultRequest, principal Principal, creatorType, source, ipHash, uaHash string) (ConsultMeta, error) {
	if strings.TrimSpace(request.Message) == "" {
		return ConsultMeta{}, errors.New("message is required")
	}
	if strings.TrimSpace(request.PatientID) == "" {
		return ConsultMeta{}, errors.New("patient_id is required")
	}
	if strings.TrimSpace(request.SessionID) == "" {
		request.SessionID = uuid.NewString()
	}
	if request.MaxQuestions <= 0 {
		request.MaxQuestions = m.cfg.Consult.MaxQuestions
	}
	if request.Temperature <= 0 {
		request.Temperature = m.cfg.Consult.Temperature
	}

	if m.limiter != nil && !m.limiter.Allow(ipHash) {
		m.obs.MarkRateLimited(context.Background(), "consult_rate_limit")
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: creatorType,
			Action:    "consult.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return ConsultMeta{}, errors.New("consultation rate limit reached")
	}
	if m.limiter != nil {
		if err := m.limiter.Acquire(); err != nil {
			m.obs.MarkRateLimited(context.Background(), "max_active_consults")
			return ConsultMeta{}, err
		}
	}

	consultID, err := randomID("consult")
	if err != nil {
		if m.limiter != nil {
			m.limiter.Release()
		}
		return ConsultMeta{}, err
	}
	meta := ConsultMeta{
		ConsultID:   consultID,
		Status:      StatusQueued,
		CreatorType: creatorType,
		CreatorSub:  principal.Subject,
		Source:      source,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateConsult(meta); err != nil {
		if m.limiter != nil {
			m.limiter.Release()
		}
		return ConsultMeta{}, err
	}
	_, _ = m.store.AppendConsultEvent(consultID, "queue", "consultation queued", map[string]any{
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ConsultID: consultID,
		ActorType: creatorType,
		ActorSub:  principal.Subject,
		Action:    "consult.create",
		Result:    StatusQueued,
		IPHash:    ipHash,
		UAHash:    uaHash,
	})
	m.queue <- queuedConsult{
		ConsultID:   consultID,
		Request:     request,
		Creator:     principal,
		CreatorType: creatorType,
		Source:      source,
	}
	return meta, nil
}

func (m *ConsultManager) worker() {
	for queued := range m.queue {
		m.executeConsult(queued)
		if m.limiter != nil {
			m.limiter.Release()
		}
	}
}

func (m *ConsultManager) executeConsult(queued queuedConsult) {
	started := time.Now()
	timeout := time.Duration(m.cfg.Consult.DefaultTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, _ = m.store.UpdateConsult(queued.ConsultID, func(meta *ConsultMeta) {
		meta.Status = StatusRunning
		meta.StartedAt = nowRFC3339()
	})
	_, _ = m.store.AppendConsultEvent(queued.ConsultID, "start", "consultation started", nil)

	request := queued.Request
	var history *clinical.PatientHistory
	if len(request.History) > 0 {
		history = &clinical.PatientHistory{Conditions: request.History}
	}
	signals := clinical.ExtractSignals(request.Message, history)
	_, _ = m.store.AppendConsultEvent(queued.ConsultID, "signals", "signals extracted", map[string]any{
		"emergency": signals.HasEmergency(),
	})

	tools, reasons := m.router.Route(signals)
	plan := m.router.BuildPlan(signals, request.MaxQuestions)
	if !m.router.ValidateRouting(signals, tools, reasons) {
		m.finishFailed(ctx, queued, signals, plan, started, "routing validation failed")
		return
	}
	parallel, sequential := m.router.PartitionTools(tools)
	_, _ = m.store.AppendConsultEvent(queued.ConsultID, "routing", m.router.Rationale(reasons), map[string]any{
		"tools":      tools,
		"parallel":   parallel,
		"sequential": sequential,
	})

	outcomes := m.executeTools(ctx, queued.ConsultID, signals, request.CapturedFields, parallel, sequential)
	merged := mergeOutcomes(outcomes, plan.MaxQuestions)
	if len(merged.Differential) == 0 {
		m.finishFailed(ctx, queued, signals, plan, started, "no differential diagnoses produced")
		return
	}

	uncertainty := m.quantifier.Quantify(merged.Differential, request.Message, request.Temperature)
	confidence := overallConfidence(merged.Differential, uncertainty)

	card, err := clinical.NewDiagnosisCard(clinical.CardSpec{
		PatientID:         request.PatientID,
		SessionID:         request.SessionID,
		Language:          languageOrDefault(request.Language),
		Triage:            m.triageFor(signals, reasons),
		Differential:      merged.Differential,
		Calculators:       merged.Calculators,
		Tests:             merged.Tests,
		Treatments:        merged.Treatments,
		Uncertainty:       uncertainty,
		OverallConfidence: confidence,
		RoutingReasons:    reasons,
		ProcessingMetadata: map[string]any{
			"tools":     tools,
			"rationale": m.router.Rationale(reasons),
			"questions": merged.Questions,
		},
	})
	if err != nil {
		m.finishFailed(ctx, queued, signals, plan, started, "card assembly: "+err.Error())
		return
	}

	criticResult := m.critic.Validate(card)
	for _, rule := range criticResult.FailedRules {
		m.obs.MarkCriticFailure(ctx, rule)
	}
	_, _ = m.store.AppendConsultEvent(queued.ConsultID, "critic", criticResult.Rationale, map[string]any{
		"passed":       criticResult.Passed,
		"failed_rules": criticResult.FailedRules,
		"actions":      criticResult.Actions,
	})

	abstained, abstention := clinical.ShouldAbstain(uncertainty, confidence)
	status := finalStatus(signals, criticResult, abstained, abstention)
	if status == StatusEscalated {
		m.obs.MarkEscalation(ctx, escalationReason(signals, criticResult, abstention))
	}

	summary := m.summarize(ctx, card, status)

	durationMS := time.Since(started).Milliseconds()
	_, _ = m.store.UpdateConsult(queued.ConsultID, func(meta *ConsultMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Signals = &signals
		meta.Plan = &plan
		meta.Card = &card
		meta.Critic = &criticResult
		meta.Summary = summary
		meta.DurationMS = durationMS
		if abstained {
			meta.Abstention = &abstention
		}
	})
	_, _ = m.store.AppendConsultEvent(queued.ConsultID, "completed", "consultation finished", map[string]any{
		"status":     status,
		"confidence": confidence,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ConsultID: queued.ConsultID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "consult.completed",
		Result:    status,
		Detail:    fmt.Sprintf("confidence=%.2f safety=%.2f", confidence, uncertainty.SafetyCertainty),
	})
	m.obs.MarkConsult(ctx, status)
}

// executeTools runs the parallel-safe group concurrently and then the
// sequential group in routed order. Outcome order is deterministic:
// parallel results keep their routed positions.
func (m *ConsultManager) executeTools(ctx context.Context, consultID string, signals clinical.SignalSet, captured map[string]any, parallel, sequential []string) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(parallel)+len(sequential))

	var wg sync.WaitGroup
	for i, tool := range parallel {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			outcomes[idx] = m.runTool(ctx, consultID, name, signals, captured)
		}(i, tool)
	}
	wg.Wait()

	for i, tool := range sequential {
		outcomes[len(parallel)+i] = m.runTool(ctx, consultID, tool, signals, captured)
	}
	return outcomes
}

func (m *ConsultManager) runTool(ctx context.Context, consultID, tool string, signals clinical.SignalSet, captured map[string]any) ToolOutcome {
	start := time.Now()
	outcome, err := m.executor.Execute(tool, signals, captured)
	durationMS := time.Since(start).Milliseconds()
	m.obs.MarkStep(ctx, tool, durationMS)
	if err != nil {
		slog.Warn("tool execution failed", "tool", tool, "error", err)
		_, _ = m.store.AppendConsultEvent(consultID, "tool_error", err.Error(), map[string]any{
			"tool": tool,
		})
		return ToolOutcome{}
	}
	_, _ = m.store.AppendConsultEvent(consultID, "tool_result", "tool executed", map[string]any{
		"tool":        tool,
		"duration_ms": durationMS,
		"candidates":  len(outcome.Differential),
		"calculators": len(outcome.Calculators),
		"treatments":  len(outcome.Treatments),
		"tests":       len(outcome.Tests),
	})
	return outcome
}

func (m *ConsultManager) finishFailed(ctx context.Context, queued queuedConsult, signals clinical.SignalSet, plan clinical.Plan, started time.Time, reason string) {
	_, _ = m.store.UpdateConsult(queued.ConsultID, func(meta *ConsultMeta) {
		meta.Status = StatusFailed
		meta.FinishedAt = nowRFC3339()
		meta.Error = reason
		meta.Signals = &signals
		meta.Plan = &plan
		meta.DurationMS = time.Since(started).Milliseconds()
	})
	_, _ = m.store.AppendConsultEvent(queued.ConsultID, "error", reason, nil)
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ConsultID: queued.ConsultID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "consult.failed",
		Result:    StatusFailed,
		Detail:    reason,
	})
	m.obs.MarkConsult(ctx, StatusFailed)
}

func (m *ConsultManager) summarize(ctx context.Context, card clinical.DiagnosisCard, status string) string {
	if m.summarizer == nil {
		return templateSummary(card, status)
	}
	summary, err := m.summarizer.Summarize(ctx, card)
	if err != nil || strings.TrimSpace(summary) == "" {
		slog.Warn("summarizer unavailable, using template summary", "error", err)
		return templateSummary(card, status)
	}
	return summary
}

func templateSummary(card clinical.DiagnosisCard, status string) string {
	top := card.Differential[0]
	switch status {
	case StatusEscalated:
		return fmt.Sprintf("Your symptoms need prompt medical attention (leading concern: %s). Please seek care now.", top.Label)
	case StatusAbstained:
		return "We could not reach a confident assessment from the information given. Please provide more detail or see a clinician."
	default:
		return fmt.Sprintf("Most likely: %s (%.0f%% estimated). Triage level: %s.",
			top.Label, top.Probability*100, card.Triage.Level)
	}
}

// mergeOutcomes folds per-tool contributions into one artifact input.
// The differential is deduplicated by ICD-10 code keeping the highest
// probability, ranked descending, and rescaled when the total mass
// exceeds 1.
func mergeOutcomes(outcomes []ToolOutcome, maxQuestions int) ToolOutcome {
	byICD := map[string]clinical.DxCandidate{}
	var order []string
	merged := ToolOutcome{}
	for _, outcome := range outcomes {
		for _, dx := range outcome.Differential {
			existing, ok := byICD[dx.ICD10]
			if !ok {
				byICD[dx.ICD10] = dx
				order = append(order, dx.ICD10)
				continue
			}
			if dx.Probability > existing.Probability {
				byICD[dx.ICD10] = dx
			}
		}
		merged.Calculators = append(merged.Calculators, outcome.Calculators...)
		merged.Tests = append(merged.Tests, outcome.Tests...)
		merged.Treatments = append(merged.Treatments, outcome.Treatments...)
		merged.Questions = append(merged.Questions, outcome.Questions...)
	}

	differential := make([]clinical.DxCandidate, 0, len(order))
	total := 0.0
	for _, icd := range order {
		dx := byICD[icd]
		differential = append(differential, dx)
		total += dx.Probability
	}
	if total > 1 {
		for i := range differential {
			differential[i].Probability /= total
		}
	}
	sort.SliceStable(differential, func(i, j int) bool {
		return differential[i].Probability > differential[j].Probability
	})
	merged.Differential = differential

	sort.SliceStable(merged.Questions, func(i, j int) bool {
		return merged.Questions[i].VOIScore > merged.Questions[j].VOIScore
	})
	if maxQuestions > 0 && len(merged.Questions) > maxQuestions {
		merged.Questions = merged.Questions[:maxQuestions]
	}
	return merged
}

// overallConfidence blends top-candidate probability with the calibrated
// uncertainty metrics.
func overallConfidence(differential []clinical.DxCandidate, u clinical.Uncertainty) float64 {
	top := 0.0
	for _, dx := range differential {
		if dx.Probability > top {
			top = dx.Probability
		}
	}
	confidence := 0.5*top + 0.3*u.SafetyCertainty + 0.2*u.DiagnosticCoverage
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

func (m *ConsultManager) triageFor(signals clinical.SignalSet, reasons []clinical.RoutingReason) clinical.Triage {
	rationale := m.router.Rationale(reasons)
	switch {
	case signals.HasEmergency() && (signals.ChestPain || signals.NeurologicalDeficit):
		return clinical.Triage{Level: clinical.TriageResuscitation, Rationale: rationale}
	case signals.HasEmergency():
		return clinical.Triage{Level: clinical.TriageEmergency, Rationale: rationale}
	case signals.ChestPain || signals.NeurologicalDeficit || signals.BreathingDifficulty,
		signals.Fever && signals.SevereHeadache:
		return clinical.Triage{Level: clinical.TriageUrgent, Rationale: rationale}
	case signals.Fever || signals.AbdominalPain || signals.SevereHeadache:
		return clinical.Triage{Level: clinical.TriageSemiUrgent, Rationale: rationale}
	default:
		return clinical.Triage{Level: clinical.TriageNonUrgent, Rationale: rationale}
	}
}

// finalStatus resolves the terminal consultation status. Escalation wins
// over abstention; request_info-only critic findings keep the card
// released with advisory actions attached.
func finalStatus(signals clinical.SignalSet, critic clinical.CriticResult, abstained bool, abstention clinical.Abstention) string {
	if signals.HasEmergency() {
		return StatusEscalated
	}
	if containsStr(critic.Actions, clinical.ActionEscalate) || abstention.Decision == clinical.ActionEscalate {
		return StatusEscalated
	}
	if abstained {
		return StatusAbstained
	}
	return StatusCompleted
}

func escalationReason(signals clinical.SignalSet, critic clinical.CriticResult, abstention clinical.Abstention) string {
	switch {
	case signals.HasEmergency():
		return "emergency_keywords"
	case containsStr(critic.Actions, clinical.ActionEscalate):
		return "critic_escalate"
	default:
		return abstention.Reason
	}
}

func containsStr(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func languageOrDefault(language string) string {
	if strings.TrimSpace(language) == "" {
		return "english"
	}
	return language
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func hashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}
