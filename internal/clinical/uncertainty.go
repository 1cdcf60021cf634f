package clinical

import (
	"math"
	"sort"
	"strings"
)

// criticalICDPrefixes are conditions that must appear in the differential
// whenever critical symptoms are present in the consultation text.
var criticalICDPrefixes = []string{"I21", "I26", "G93", "R06", "G00"}

var criticalSymptomPatterns = []string{
	"chest pain", "ปวดหน้าอก",
	"shortness of breath", "หายใจไม่ออก",
	"severe headache", "ปวดหัวรุนแรง",
	"altered mental status", "สติเปลี่ยนแปลง",
	"unconscious", "หมดสติ",
}

// Quantifier derives calibrated uncertainty metrics for a differential.
// Pure: same inputs, same outputs.
type Quantifier struct {
	// CoverageTarget is the probability mass the prediction set must
	// reach. Defaults to 0.9.
	CoverageTarget float64
}

func NewQuantifier(coverageTarget float64) *Quantifier {
	if coverageTarget <= 0 || coverageTarget > 1 {
		coverageTarget = 0.9
	}
	return &Quantifier{CoverageTarget: coverageTarget}
}

// Quantify computes diagnostic coverage, safety certainty and the
// prediction set size for a differential in the context of the original
// symptom text.
func (q *Quantifier) Quantify(differential []DxCandidate, symptoms string, temperature float64) Uncertainty {
	if len(differential) == 0 {
		return Uncertainty{
			DiagnosticCoverage: 0,
			SafetyCertainty:    0,
			AbstentionReason:   "no differential diagnoses generated",
			PredictionSetSize:  0,
		}
	}

	scaled := temperatureScale(differential, temperature)
	setSize, coverage := predictionSet(scaled, q.CoverageTarget)
	safety := safetyCertainty(differential, symptoms)

	return Uncertainty{
		DiagnosticCoverage: coverage,
		SafetyCertainty:    safety,
		PredictionSetSize:  setSize,
	}
}

// temperatureScale re-normalizes candidate probabilities through a
// temperature-scaled softmax. Temperature 1 reproduces the relative
// weights; lower temperatures sharpen the distribution.
func temperatureScale(differential []DxCandidate, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	logits := make([]float64, len(differential))
	maxLogit := math.Inf(-1)
	for i, dx := range differential {
		logits[i] = math.Log(math.Max(dx.Probability, 1e-8)) / temperature
		if logits[i] > maxLogit {
			maxLogit = logits[i]
		}
	}
	sum := 0.0
	scaled := make([]float64, len(logits))
	for i, logit := range logits {
		scaled[i] = math.Exp(logit - maxLogit)
		sum += scaled[i]
	}
	for i := range scaled {
		scaled[i] /= sum
	}
	return scaled
}

// predictionSet returns the smallest prefix of the sorted probabilities
// whose cumulative mass reaches the target, and the mass actually
// covered.
func predictionSet(probabilities []float64, target float64) (int, float64) {
	if len(probabilities) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), probabilities...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	cumulative := 0.0
	size := 0
	for _, p := range sorted {
		cumulative += p
		size++
		if cumulative >= target {
			break
		}
	}
	return size, math.Min(cumulative, 1)
}

// safetyCertainty estimates the probability that no red flag was missed.
// It starts from a 0.8 base and moves with critical-condition coverage,
// evidence quality, differential breadth and top-candidate confidence.
func safetyCertainty(differential []DxCandidate, symptoms string) float64 {
	score := 0.8

	if hasCriticalSymptoms(symptoms) {
		if criticalConditionCovered(differential) {
			score += 0.1
		} else {
			score -= 0.3
		}
	}

	score += (evidenceQuality(differential) - 0.5) * 0.2

	if len(differential) < 2 {
		score -= 0.1
	}

	top := 0.0
	for _, dx := range differential {
		if dx.Probability > top {
			top = dx.Probability
		}
	}
	if top < 0.3 {
		score -= 0.15
	}

	return math.Max(0, math.Min(1, score))
}

func hasCriticalSymptoms(symptoms string) bool {
	lower := strings.ToLower(symptoms)
	for _, pattern := range criticalSymptomPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func criticalConditionCovered(differential []DxCandidate) bool {
	for _, dx := range differential {
		if hasICDPrefix(dx.ICD10, criticalICDPrefixes) {
			return true
		}
	}
	return false
}

// evidenceQuality scores how well the differential is substantiated:
// supporting items and citations both count, opposing items count half.
func evidenceQuality(differential []DxCandidate) float64 {
	if len(differential) == 0 {
		return 0
	}
	total := 0.0
	for _, dx := range differential {
		itemScore := float64(len(dx.Evidence.Supporting))*0.2 +
			float64(len(dx.Evidence.Opposing))*0.1 +
			float64(len(dx.Evidence.Citations))*0.2
		total += math.Min(1, itemScore)
	}
	return total / float64(len(differential))
}

// Abstention decides whether a completed assessment may be released.
type Abstention struct {
	// Decision is one of the critic actions, or empty when the card may
	// be released as-is.
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// minDiagnosticCoverage is the floor below which the differential is too
// incomplete to act on.
const minDiagnosticCoverage = 0.6

// ShouldAbstain applies the calibrated abstention policy. Overall
// confidence below the abstention threshold is a mandatory abstention
// trigger for every downstream consumer.
func ShouldAbstain(u Uncertainty, overallConfidence float64) (bool, Abstention) {
	switch {
	case u.PredictionSetSize == 0:
		return true, Abstention{Decision: ActionRequestInfo, Reason: "no differential diagnoses generated"}
	case u.SafetyCertainty < minSafetyCertainty:
		return true, Abstention{Decision: ActionEscalate, Reason: "safety certainty below threshold"}
	case u.DiagnosticCoverage < minDiagnosticCoverage:
		return true, Abstention{Decision: ActionRequestInfo, Reason: "diagnostic coverage below threshold"}
	case overallConfidence < AbstentionThreshold:
		return true, Abstention{Decision: ActionAbstain, Reason: "overall confidence below abstention threshold"}
	default:
		return false, Abstention{}
	}
}
