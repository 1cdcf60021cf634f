package clinical

import (
	"fmt"
	"sort"
	"strings"
)

// Critic rule names, as reported in CriticResult.FailedRules.
const (
	RuleTreatmentWithoutGuideline = "treatment_without_guideline"
	RuleHighRiskWithoutEvidence   = "high_risk_without_evidence"
	RuleLowSafetyCertainty        = "low_safety_certainty"
	RuleIncompleteCalculator      = "incomplete_calculator_inputs"
	RuleMeningitisWithoutRedflags = "meningitis_without_redflags"
	RuleSeriousWithoutSpecificity = "serious_diagnosis_without_specificity"
	RuleDifferentialOrder         = "differential_probability_order"

	WarnTriageConsistency = "triage_consistency"
)

const (
	minSafetyCertainty      = 0.85
	minCalculatorConfidence = 0.8
)

// highRiskICDPrefixes are the cardiac, neurological-emergency and
// respiratory-emergency code blocks that demand supporting evidence.
var highRiskICDPrefixes = []string{"I2", "I4", "G0", "R06"}

// meningitisSigns are the classic red flags expected in supporting
// evidence before a meningitis diagnosis may stand.
var meningitisSigns = []string{
	"neck stiffness", "photophobia", "altered mental status",
	"คอแข็ง", "เกลียดแสง", "ซึม", "สับสน",
}

// seriousConditions maps high-acuity ICD blocks to the characteristic
// findings their supporting evidence must mention.
var seriousConditions = map[string][]string{
	"I21": {"chest pain", "troponin", "ecg changes"},
	"I26": {"dyspnea", "chest pain", "d-dimer"},
	"G93": {"headache", "vomiting", "altered mental"},
	"R06": {"dyspnea", "hypoxia"},
}

// finding is one failed rule together with its required action. Each rule
// is an independent pure predicate producing findings; the aggregation is
// explicit, so rule order can never matter.
type finding struct {
	rule   string
	action string
}

// Critic is the deterministic trust boundary between probabilistic
// upstream reasoning and anything treated as an accepted clinical output.
type Critic struct{}

func NewCritic() *Critic {
	return &Critic{}
}

// Validate walks a completed diagnosis card against the fixed safety
// rules. It is side-effect free and never returns an error: clinical
// ambiguity is always represented as data, not failure.
func (c *Critic) Validate(card DiagnosisCard) CriticResult {
	var findings []finding
	findings = append(findings, checkTreatmentGuidelines(card)...)
	findings = append(findings, checkHighRiskEvidence(card)...)
	findings = append(findings, checkSafetyCertainty(card)...)
	findings = append(findings, checkCalculatorConfidence(card)...)
	findings = append(findings, checkMeningitisRedflags(card)...)
	findings = append(findings, checkSeriousSpecificity(card)...)
	findings = append(findings, checkDifferentialOrder(card)...)

	warnings := checkTriageConsistency(card)

	failedRules := make([]string, 0, len(findings))
	actions := make([]string, 0, len(findings))
	for _, f := range findings {
		failedRules = append(failedRules, f.rule)
		if !containsString(actions, f.action) {
			actions = append(actions, f.action)
		}
	}

	return CriticResult{
		Passed:      len(failedRules) == 0,
		FailedRules: failedRules,
		Actions:     actions,
		Warnings:    warnings,
		Rationale:   validationRationale(card, failedRules, warnings),
	}
}

// checkTreatmentGuidelines flags any treatment whose evidence lacks a
// guideline citation. Construction normally prevents this; the critic
// re-checks because it also validates externally submitted artifacts.
func checkTreatmentGuidelines(card DiagnosisCard) []finding {
	var out []finding
	for _, treatment := range card.Treatments {
		if !treatment.Evidence.HasGuidelineCitation() {
			out = append(out, finding{RuleTreatmentWithoutGuideline, ActionRequestInfo})
		}
	}
	return out
}

// checkHighRiskEvidence requires supporting evidence for any of the top
// three candidates whose ICD-10 code falls in a high-risk block.
func checkHighRiskEvidence(card DiagnosisCard) []finding {
	var out []finding
	for _, dx := range topCandidates(card.Differential, 3) {
		if !hasICDPrefix(dx.ICD10, highRiskICDPrefixes) {
			continue
		}
		if len(dx.Evidence.Supporting) == 0 {
			out = append(out, finding{RuleHighRiskWithoutEvidence, ActionRequestInfo})
		}
	}
	return out
}

func checkSafetyCertainty(card DiagnosisCard) []finding {
	if card.Uncertainty.SafetyCertainty < minSafetyCertainty {
		return []finding{{RuleLowSafetyCertainty, ActionEscalate}}
	}
	return nil
}

func checkCalculatorConfidence(card DiagnosisCard) []finding {
	var out []finding
	for _, calc := range card.Calculators {
		if calc.Confidence < minCalculatorConfidence {
			out = append(out, finding{RuleIncompleteCalculator, ActionRequestInfo})
		}
	}
	return out
}

// checkMeningitisRedflags downranks a meningitis diagnosis that carries
// meaningful probability without any classic sign in its evidence.
func checkMeningitisRedflags(card DiagnosisCard) []finding {
	var out []finding
	for _, dx := range card.Differential {
		isMeningitis := strings.Contains(strings.ToLower(dx.Label), "meningitis") ||
			strings.HasPrefix(dx.ICD10, "G0")
		if !isMeningitis || dx.Probability <= 0.3 {
			continue
		}
		if !evidenceMentionsAny(dx.Evidence.Supporting, meningitisSigns) {
			out = append(out, finding{RuleMeningitisWithoutRedflags, ActionRequestInfo})
		}
	}
	return out
}

// checkSeriousSpecificity requires characteristic findings for serious
// diagnoses carrying probability above 0.4.
func checkSeriousSpecificity(card DiagnosisCard) []finding {
	var out []finding
	for _, dx := range card.Differential {
		for prefix, symptoms := range seriousConditions {
			if !strings.HasPrefix(dx.ICD10, prefix) || dx.Probability <= 0.4 {
				continue
			}
			if !evidenceMentionsAny(dx.Evidence.Supporting, symptoms) {
				out = append(out, finding{RuleSeriousWithoutSpecificity, ActionRequestInfo})
			}
			break
		}
	}
	return out
}

// checkDifferentialOrder verifies the ranked list is actually ranked.
// The probability-sum invariant is enforced at construction already.
func checkDifferentialOrder(card DiagnosisCard) []finding {
	probs := make([]float64, len(card.Differential))
	for i, dx := range card.Differential {
		probs[i] = dx.Probability
	}
	if !sort.SliceIsSorted(probs, func(i, j int) bool { return probs[i] > probs[j] }) {
		return []finding{{RuleDifferentialOrder, ActionRequestInfo}}
	}
	return nil
}

// checkTriageConsistency warns (never fails) when a high-risk top
// diagnosis is paired with a relaxed triage level.
func checkTriageConsistency(card DiagnosisCard) []string {
	if len(card.Differential) == 0 {
		return nil
	}
	top := card.Differential[0]
	if !hasICDPrefix(top.ICD10, highRiskICDPrefixes) {
		return nil
	}
	switch card.Triage.Level {
	case TriageNonUrgent, TriageSemiUrgent:
		return []string{WarnTriageConsistency}
	default:
		return nil
	}
}

func validationRationale(card DiagnosisCard, failedRules, warnings []string) string {
	parts := []string{
		fmt.Sprintf("Validated %d diagnoses, %d calculators, %d treatments",
			len(card.Differential), len(card.Calculators), len(card.Treatments)),
	}
	if len(failedRules) > 0 {
		parts = append(parts, "Failed rules: "+strings.Join(failedRules, "; "))
	}
	if len(warnings) > 0 {
		parts = append(parts, fmt.Sprintf("Warnings: %d consistency issues", len(warnings)))
	}
	parts = append(parts, fmt.Sprintf("Safety certainty: %.2f", card.Uncertainty.SafetyCertainty))
	return strings.Join(parts, ". ")
}

func topCandidates(differential []DxCandidate, n int) []DxCandidate {
	if len(differential) <= n {
		return differential
	}
	return differential[:n]
}

func hasICDPrefix(code string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

func evidenceMentionsAny(evidence []string, terms []string) bool {
	for _, item := range evidence {
		lower := strings.ToLower(item)
		for _, term := range terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				return true
			}
		}
	}
	return false
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
