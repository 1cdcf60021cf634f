package clinical

import (
	"strings"
	"testing"
)

func mustEvidence(t *testing.T, supporting []string, citations []string) Evidence {
	t.Helper()
	evidence, err := NewEvidence(supporting, nil, citations)
	if err != nil {
		t.Fatalf("NewEvidence: %v", err)
	}
	return evidence
}

func mustCard(t *testing.T, spec CardSpec) DiagnosisCard {
	t.Helper()
	if spec.PatientID == "" {
		spec.PatientID = "p1"
	}
	if spec.SessionID == "" {
		spec.SessionID = "s1"
	}
	card, err := NewDiagnosisCard(spec)
	if err != nil {
		t.Fatalf("NewDiagnosisCard: %v", err)
	}
	return card
}

func TestCriticPassesCleanCard(t *testing.T) {
	critic := NewCritic()
	dx, _ := NewDxCandidate("J06.9", "Upper respiratory infection", 0.5,
		mustEvidence(t, []string{"sore throat"}, []string{"kb:common-cold"}))
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageNonUrgent, Rationale: "routine"},
		Differential:      []DxCandidate{dx},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})

	result := critic.Validate(card)
	if !result.Passed {
		t.Fatalf("expected pass, got failed rules %v", result.FailedRules)
	}
	if len(result.FailedRules) != 0 || len(result.Actions) != 0 {
		t.Fatalf("expected empty rules and actions, got %v / %v", result.FailedRules, result.Actions)
	}
}

func TestCriticLowSafetyCertaintyEscalates(t *testing.T) {
	critic := NewCritic()
	dx, _ := NewDxCandidate("J06.9", "URI", 0.5, mustEvidence(t, []string{"sore throat"}, nil))
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageNonUrgent},
		Differential:      []DxCandidate{dx},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.5, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})

	result := critic.Validate(card)
	if result.Passed {
		t.Fatalf("expected failure")
	}
	if !containsString(result.FailedRules, RuleLowSafetyCertainty) {
		t.Fatalf("expected low_safety_certainty, got %v", result.FailedRules)
	}
	if !containsString(result.Actions, ActionEscalate) {
		t.Fatalf("expected escalate action, got %v", result.Actions)
	}
}

func TestCriticTreatmentWithoutGuideline(t *testing.T) {
	critic := NewCritic()
	dx, _ := NewDxCandidate("J06.9", "URI", 0.5, mustEvidence(t, []string{"sore throat"}, nil))
	// Externally submitted artifacts may bypass the constructors, so the
	// critic re-checks the guideline invariant on a literal.
	card := DiagnosisCard{
		PatientID:    "p1",
		SessionID:    "s1",
		Triage:       Triage{Level: TriageNonUrgent},
		Differential: []DxCandidate{dx},
		Treatments: []Treatment{{
			Instructions: "rest and fluids",
			Evidence:     Evidence{Citations: []string{"kb:home-care"}},
			SafetyScore:  0.9,
		}},
		Uncertainty: Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
	}

	result := critic.Validate(card)
	if !containsString(result.FailedRules, RuleTreatmentWithoutGuideline) {
		t.Fatalf("expected treatment_without_guideline, got %v", result.FailedRules)
	}
	if !containsString(result.Actions, ActionRequestInfo) {
		t.Fatalf("expected request_info action, got %v", result.Actions)
	}
}

func TestCriticHighRiskWithoutEvidence(t *testing.T) {
	critic := NewCritic()
	bare, _ := NewEvidence(nil, nil, []string{"icd:I21.9"})
	dx, _ := NewDxCandidate("I21.9", "Acute MI", 0.5, bare)
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageEmergency},
		Differential:      []DxCandidate{dx},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})

	result := critic.Validate(card)
	if !containsString(result.FailedRules, RuleHighRiskWithoutEvidence) {
		t.Fatalf("expected high_risk_without_evidence, got %v", result.FailedRules)
	}
}

func TestCriticHighRiskOutsideTopThreeIgnored(t *testing.T) {
	critic := NewCritic()
	supported := mustEvidence(t, []string{"fever", "cough"}, nil)
	bare, _ := NewEvidence(nil, nil, nil)

	a, _ := NewDxCandidate("J06.9", "URI", 0.4, supported)
	b, _ := NewDxCandidate("J20.9", "Bronchitis", 0.3, supported)
	c, _ := NewDxCandidate("J45.9", "Asthma", 0.2, supported)
	d, _ := NewDxCandidate("I21.9", "Acute MI", 0.1, bare)
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageUrgent},
		Differential:      []DxCandidate{a, b, c, d},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 2},
		OverallConfidence: 0.8,
	})

	result := critic.Validate(card)
	if containsString(result.FailedRules, RuleHighRiskWithoutEvidence) {
		t.Fatalf("rank-4 candidate must not trigger the top-3 rule: %v", result.FailedRules)
	}
}

func TestCriticIncompleteCalculatorInputs(t *testing.T) {
	critic := NewCritic()
	dx, _ := NewDxCandidate("J06.9", "URI", 0.5, mustEvidence(t, []string{"sore throat"}, nil))
	calc, _ := NewCalculatorResult("heart_score", map[string]any{"age": 55}, 3, "Low Risk",
		"guideline:esc_chest_pain_2020", 0.6)
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageNonUrgent},
		Differential:      []DxCandidate{dx},
		Calculators:       []CalculatorResult{calc},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})

	result := critic.Validate(card)
	if !containsString(result.FailedRules, RuleIncompleteCalculator) {
		t.Fatalf("expected incomplete_calculator_inputs, got %v", result.FailedRules)
	}
}

func TestCriticMeningitisWithoutRedflags(t *testing.T) {
	critic := NewCritic()
	noSigns := mustEvidence(t, []string{"fever", "headache"}, nil)
	dx, _ := NewDxCandidate("G00.9", "Bacterial meningitis", 0.5, noSigns)
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageEmergency},
		Differential:      []DxCandidate{dx},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})
	result := critic.Validate(card)
	if !containsString(result.FailedRules, RuleMeningitisWithoutRedflags) {
		t.Fatalf("expected meningitis_without_redflags, got %v", result.FailedRules)
	}

	withSigns := mustEvidence(t, []string{"fever", "neck stiffness", "photophobia"}, nil)
	dx2, _ := NewDxCandidate("G00.9", "Bacterial meningitis", 0.5, withSigns)
	card2 := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageEmergency},
		Differential:      []DxCandidate{dx2},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})
	result2 := critic.Validate(card2)
	if containsString(result2.FailedRules, RuleMeningitisWithoutRedflags) {
		t.Fatalf("classic signs present, rule must not fire: %v", result2.FailedRules)
	}
}

func TestCriticDifferentialOrder(t *testing.T) {
	critic := NewCritic()
	supported := mustEvidence(t, []string{"cough"}, nil)
	low, _ := NewDxCandidate("J06.9", "URI", 0.2, supported)
	high, _ := NewDxCandidate("J20.9", "Bronchitis", 0.5, supported)
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageNonUrgent},
		Differential:      []DxCandidate{low, high},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})
	result := critic.Validate(card)
	if !containsString(result.FailedRules, RuleDifferentialOrder) {
		t.Fatalf("expected differential_probability_order, got %v", result.FailedRules)
	}
}

func TestCriticTriageConsistencyWarnsOnly(t *testing.T) {
	critic := NewCritic()
	supported := mustEvidence(t, []string{"chest pain", "troponin elevated"}, nil)
	dx, _ := NewDxCandidate("I21.9", "Acute MI", 0.5, supported)
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageNonUrgent, Rationale: "mismatch"},
		Differential:      []DxCandidate{dx},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.9, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})
	result := critic.Validate(card)
	if !result.Passed {
		t.Fatalf("warnings must not fail the card, failed rules: %v", result.FailedRules)
	}
	if !containsString(result.Warnings, WarnTriageConsistency) {
		t.Fatalf("expected triage_consistency warning, got %v", result.Warnings)
	}
}

func TestCriticRationaleSummarizesCard(t *testing.T) {
	critic := NewCritic()
	dx, _ := NewDxCandidate("J06.9", "URI", 0.5, mustEvidence(t, []string{"sore throat"}, nil))
	card := mustCard(t, CardSpec{
		Triage:            Triage{Level: TriageNonUrgent},
		Differential:      []DxCandidate{dx},
		Uncertainty:       Uncertainty{DiagnosticCoverage: 0.9, SafetyCertainty: 0.92, PredictionSetSize: 1},
		OverallConfidence: 0.8,
	})
	result := critic.Validate(card)
	if !strings.Contains(result.Rationale, "Validated 1 diagnoses") {
		t.Fatalf("unexpected rationale %q", result.Rationale)
	}
	if !strings.Contains(result.Rationale, "0.92") {
		t.Fatalf("rationale should quote safety certainty, got %q", result.Rationale)
	}
}
