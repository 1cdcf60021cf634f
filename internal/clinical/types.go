package clinical

import (
	"fmt"
	"strings"
	"time"
)

// TriageLevel is the ordered urgency category assigned during triage.
// Resuscitation is the most urgent, non-urgent the least.
type TriageLevel string

const (
	TriageResuscitation TriageLevel = "resuscitation"
	TriageEmergency     TriageLevel = "emergency"
	TriageUrgent        TriageLevel = "urgent"
	TriageSemiUrgent    TriageLevel = "semi_urgent"
	TriageNonUrgent     TriageLevel = "non_urgent"
)

// RoutingReason names the clinical rationale behind a routing decision.
// The set is closed; the rule table covers every member.
type RoutingReason string

const (
	ReasonChestPainRisk         RoutingReason = "chest_pain_risk"
	ReasonFeverHeadacheRedflags RoutingReason = "fever_headache_redflags"
	ReasonNeuroDeficit          RoutingReason = "neuro_deficit"
	ReasonRespiratoryDistress   RoutingReason = "respiratory_distress"
	ReasonEmergencyKeywords     RoutingReason = "emergency_keywords"
	ReasonBasicSymptoms         RoutingReason = "basic_symptoms"
)

// Critic actions. Clinical-logic findings are returned as data, never errors.
const (
	ActionRequestInfo = "request_info"
	ActionEscalate    = "escalate"
	ActionAbstain     = "abstain"
)

var citationPrefixes = []string{"guideline:", "icd:", "calculator:", "kb:", "study:", "system:"}

// Evidence holds supporting and opposing findings plus their citations.
// Citations must carry one of the known source prefixes; that is enforced
// at construction, not deferred to the critic.
type Evidence struct {
	Supporting []string `json:"for"`
	Opposing   []string `json:"against"`
	Citations  []string `json:"citations"`
}

func NewEvidence(supporting, opposing, citations []string) (Evidence, error) {
	for _, citation := range citations {
		if !validCitation(citation) {
			return Evidence{}, fmt.Errorf("citations: %q lacks a known prefix (expected one of %s)",
				citation, strings.Join(citationPrefixes, " "))
		}
	}
	return Evidence{
		Supporting: append([]string(nil), supporting...),
		Opposing:   append([]string(nil), opposing...),
		Citations:  append([]string(nil), citations...),
	}, nil
}

func validCitation(citation string) bool {
	for _, prefix := range citationPrefixes {
		if strings.HasPrefix(citation, prefix) {
			return true
		}
	}
	return false
}

// HasGuidelineCitation reports whether at least one citation is a
// clinical-guideline reference.
func (e Evidence) HasGuidelineCitation() bool {
	for _, citation := range e.Citations {
		if strings.HasPrefix(citation, "guideline:") {
			return true
		}
	}
	return false
}

// DxCandidate is one ranked entry of a differential diagnosis.
type DxCandidate struct {
	ICD10       string   `json:"icd10"`
	Label       string   `json:"label"`
	Probability float64  `json:"p"`
	Evidence    Evidence `json:"evidence"`
}

func NewDxCandidate(icd10, label string, probability float64, evidence Evidence) (DxCandidate, error) {
	code := strings.ToUpper(strings.TrimSpace(icd10))
	if len(code) < 3 {
		return DxCandidate{}, fmt.Errorf("icd10: %q shorter than 3 characters", icd10)
	}
	if probability < 0 || probability > 1 {
		return DxCandidate{}, fmt.Errorf("p: %v outside [0,1]", probability)
	}
	return DxCandidate{
		ICD10:       code,
		Label:       label,
		Probability: probability,
		Evidence:    evidence,
	}, nil
}

// CalculatorResult is the outcome of one clinical score calculator,
// together with the inputs it actually consumed.
type CalculatorResult struct {
	Name       string         `json:"name"`
	InputsUsed map[string]any `json:"inputs_used"`
	Score      float64        `json:"score"`
	RiskBand   string         `json:"risk_band"`
	Reference  string         `json:"reference"`
	Confidence float64        `json:"confidence"`
}

func NewCalculatorResult(name string, inputs map[string]any, score float64, riskBand, reference string, confidence float64) (CalculatorResult, error) {
	if strings.TrimSpace(name) == "" {
		return CalculatorResult{}, fmt.Errorf("name: empty calculator name")
	}
	if confidence < 0 || confidence > 1 {
		return CalculatorResult{}, fmt.Errorf("confidence: %v outside [0,1]", confidence)
	}
	clone := make(map[string]any, len(inputs))
	for key, value := range inputs {
		clone[key] = value
	}
	return CalculatorResult{
		Name:       name,
		InputsUsed: clone,
		Score:      score,
		RiskBand:   riskBand,
		Reference:  reference,
		Confidence: confidence,
	}, nil
}

// TestRecommendation names a diagnostic test worth ordering and why.
type TestRecommendation struct {
	Name      string      `json:"name"`
	Rationale string      `json:"rationale"`
	VOIScore  float64     `json:"voi_score"`
	Urgency   TriageLevel `json:"urgency"`
}

func NewTestRecommendation(name, rationale string, voiScore float64, urgency TriageLevel) (TestRecommendation, error) {
	if voiScore < 0 || voiScore > 1 {
		return TestRecommendation{}, fmt.Errorf("voi_score: %v outside [0,1]", voiScore)
	}
	return TestRecommendation{
		Name:      name,
		Rationale: rationale,
		VOIScore:  voiScore,
		Urgency:   urgency,
	}, nil
}

// Treatment is a treatment recommendation. Every treatment must cite at
// least one guideline; an uncited treatment never enters the data model.
type Treatment struct {
	Medication        string   `json:"medication,omitempty"`
	Dosage            string   `json:"dosage,omitempty"`
	Instructions      string   `json:"instructions"`
	Contraindications []string `json:"contraindications"`
	Evidence          Evidence `json:"evidence"`
	SafetyScore       float64  `json:"safety_score"`
}

func NewTreatment(medication, dosage, instructions string, contraindications []string, evidence Evidence, safetyScore float64) (Treatment, error) {
	if strings.TrimSpace(instructions) == "" {
		return Treatment{}, fmt.Errorf("instructions: empty")
	}
	if !evidence.HasGuidelineCitation() {
		return Treatment{}, fmt.Errorf("evidence.citations: treatment %q has no guideline citation", instructions)
	}
	if safetyScore < 0 || safetyScore > 1 {
		return Treatment{}, fmt.Errorf("safety_score: %v outside [0,1]", safetyScore)
	}
	return Treatment{
		Medication:        medication,
		Dosage:            dosage,
		Instructions:      instructions,
		Contraindications: append([]string(nil), contraindications...),
		Evidence:          evidence,
		SafetyScore:       safetyScore,
	}, nil
}

// Uncertainty quantifies how much the differential can be trusted.
type Uncertainty struct {
	DiagnosticCoverage float64 `json:"diagnostic_coverage"`
	SafetyCertainty    float64 `json:"safety_certainty"`
	AbstentionReason   string  `json:"abstention_reason,omitempty"`
	PredictionSetSize  int     `json:"prediction_set_size"`
}

func NewUncertainty(diagnosticCoverage, safetyCertainty float64, abstentionReason string, predictionSetSize int) (Uncertainty, error) {
	if diagnosticCoverage < 0 || diagnosticCoverage > 1 {
		return Uncertainty{}, fmt.Errorf("diagnostic_coverage: %v outside [0,1]", diagnosticCoverage)
	}
	if safetyCertainty < 0 || safetyCertainty > 1 {
		return Uncertainty{}, fmt.Errorf("safety_certainty: %v outside [0,1]", safetyCertainty)
	}
	if predictionSetSize < 0 {
		return Uncertainty{}, fmt.Errorf("prediction_set_size: %d negative", predictionSetSize)
	}
	return Uncertainty{
		DiagnosticCoverage: diagnosticCoverage,
		SafetyCertainty:    safetyCertainty,
		AbstentionReason:   abstentionReason,
		PredictionSetSize:  predictionSetSize,
	}, nil
}

// Triage pairs the assigned urgency level with its rationale.
type Triage struct {
	Level     TriageLevel `json:"level"`
	Rationale string      `json:"rationale"`
}

// probabilitySumTolerance absorbs rounding in upstream probability
// estimates; 0.8 + 0.7 must still be rejected.
const probabilitySumTolerance = 1.1

// DiagnosisCard is the complete diagnosis artifact assembled from tool
// outputs. It is built once and never mutated; a revised consultation
// produces a new card.
type DiagnosisCard struct {
	PatientID          string               `json:"patient_id"`
	SessionID          string               `json:"session_id"`
	Language           string               `json:"language"`
	Triage             Triage               `json:"triage"`
	Differential       []DxCandidate        `json:"differential"`
	Calculators        []CalculatorResult   `json:"calculators"`
	Tests              []TestRecommendation `json:"tests"`
	Treatments         []Treatment          `json:"treatment_candidates"`
	Uncertainty        Uncertainty          `json:"uncertainty"`
	OverallConfidence  float64              `json:"overall_confidence"`
	RoutingReasons     []RoutingReason      `json:"routing_reasons"`
	ProcessingMetadata map[string]any       `json:"processing_metadata"`
	CreatedAt          time.Time            `json:"timestamp"`
}

// CardSpec carries the raw material for a DiagnosisCard. NewDiagnosisCard
// is the single construction path; it enforces the structural invariants
// and rejects loudly, naming the offending field.
type CardSpec struct {
	PatientID          string
	SessionID          string
	Language           string
	Triage             Triage
	Differential       []DxCandidate
	Calculators        []CalculatorResult
	Tests              []TestRecommendation
	Treatments         []Treatment
	Uncertainty        Uncertainty
	OverallConfidence  float64
	RoutingReasons     []RoutingReason
	ProcessingMetadata map[string]any
}

func NewDiagnosisCard(spec CardSpec) (DiagnosisCard, error) {
	if strings.TrimSpace(spec.PatientID) == "" {
		return DiagnosisCard{}, fmt.Errorf("patient_id: empty")
	}
	if strings.TrimSpace(spec.SessionID) == "" {
		return DiagnosisCard{}, fmt.Errorf("session_id: empty")
	}
	if len(spec.Differential) == 0 {
		return DiagnosisCard{}, fmt.Errorf("differential: empty, at least one candidate required")
	}
	if len(spec.Differential) > 1 {
		total := 0.0
		for _, dx := range spec.Differential {
			total += dx.Probability
		}
		if total > probabilitySumTolerance {
			return DiagnosisCard{}, fmt.Errorf("differential: total probability %.2f exceeds 1.0", total)
		}
	}
	for _, treatment := range spec.Treatments {
		if !treatment.Evidence.HasGuidelineCitation() {
			return DiagnosisCard{}, fmt.Errorf("treatment_candidates: %q has no guideline citation", treatment.Instructions)
		}
	}
	if spec.OverallConfidence < 0 || spec.OverallConfidence > 1 {
		return DiagnosisCard{}, fmt.Errorf("overall_confidence: %v outside [0,1]", spec.OverallConfidence)
	}
	metadata := make(map[string]any, len(spec.ProcessingMetadata))
	for key, value := range spec.ProcessingMetadata {
		metadata[key] = value
	}
	return DiagnosisCard{
		PatientID:          spec.PatientID,
		SessionID:          spec.SessionID,
		Language:           spec.Language,
		Triage:             spec.Triage,
		Differential:       append([]DxCandidate(nil), spec.Differential...),
		Calculators:        append([]CalculatorResult(nil), spec.Calculators...),
		Tests:              append([]TestRecommendation(nil), spec.Tests...),
		Treatments:         append([]Treatment(nil), spec.Treatments...),
		Uncertainty:        spec.Uncertainty,
		OverallConfidence:  spec.OverallConfidence,
		RoutingReasons:     append([]RoutingReason(nil), spec.RoutingReasons...),
		ProcessingMetadata: metadata,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// VOIQuestion is one clarifying question with its expected value of
// information.
type VOIQuestion struct {
	Question       string  `json:"question"`
	VOIScore       float64 `json:"voi_score"`
	ExpectedDeltaP float64 `json:"expected_delta_p"`
	Category       string  `json:"category"`
}

// Plan is the per-request execution plan: ordered step names, a checkable
// success criterion per step, and the routing reasons that produced it.
// Read-only after construction.
type Plan struct {
	Steps               []string          `json:"steps"`
	SuccessCriteria     map[string]string `json:"success_criteria"`
	RoutingReasons      []RoutingReason   `json:"routing_reasons"`
	MaxQuestions        int               `json:"max_questions"`
	AbstentionThreshold float64           `json:"abstention_threshold"`
}

// CriticResult is the outcome of the critic rule walk. Passed is true iff
// no rule failed; warnings never fail the card.
type CriticResult struct {
	Passed      bool     `json:"passed"`
	FailedRules []string `json:"failed_rules"`
	Actions     []string `json:"actions"`
	Warnings    []string `json:"warnings,omitempty"`
	Rationale   string   `json:"rationale"`
}
