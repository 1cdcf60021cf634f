package clinical

import "strings"

// SignalSet is the structured view of one consultation text. Built fresh
// per request, immutable once built, never persisted by this package.
type SignalSet struct {
	ChestPain           bool     `json:"chest_pain"`
	Fever               bool     `json:"fever"`
	SevereHeadache      bool     `json:"severe_headache"`
	BreathingDifficulty bool     `json:"breathing_difficulty"`
	NeurologicalDeficit bool     `json:"neurological_deficit"`
	AbdominalPain       bool     `json:"abdominal_pain"`
	EmergencyKeywords   []string `json:"emergency_keywords"`
}

// PatientHistory carries structured intake hints that sharpen extraction
// beyond the raw text.
type PatientHistory struct {
	Conditions []string `json:"conditions"`
}

// Keyword tables cover English and Thai, including colloquial variants.
// Matching is plain case-insensitive substring search; there is no
// stemming and no negation handling, so "no chest pain" still sets the
// chest pain signal. That sensitivity bias is deliberate.
var (
	chestPainKeywords = []string{
		"chest pain", "ปวดหน้าอก", "เจ็บหน้าอก", "แน่นหน้าอก",
	}
	feverKeywords = []string{
		"fever", "ไข้", "มีไข้", "ตัวร้อน",
	}
	severeHeadacheKeywords = []string{
		"severe headache", "ปวดหัวรุนแรง", "ปวดหัวมาก", "หัวปวดแสบ",
	}
	breathingKeywords = []string{
		"shortness of breath", "หายใจไม่ออก", "หายใจลำบาก", "อึดอัด",
	}
	neuroDeficitKeywords = []string{
		"paralysis", "อัมพาต", "พูดไม่ได้", "มึนงง", "ชัก",
	}
	abdominalPainKeywords = []string{
		"abdominal pain", "ปวดท้อง", "เจ็บท้อง", "ท้องเสียว",
	}
	emergencyKeywords = []string{
		"emergency", "urgent", "ฉุกเฉิน", "เร่งด่วน", "รุนแรง",
	}
)

// ExtractSignals converts free text plus optional history hints into a
// SignalSet. Absence of every keyword yields all-false signals; there is
// no error path.
func ExtractSignals(text string, history *PatientHistory) SignalSet {
	lower := strings.ToLower(text)

	signals := SignalSet{
		ChestPain:           matchesAny(lower, chestPainKeywords),
		Fever:               matchesAny(lower, feverKeywords),
		SevereHeadache:      matchesAny(lower, severeHeadacheKeywords),
		BreathingDifficulty: matchesAny(lower, breathingKeywords),
		NeurologicalDeficit: matchesAny(lower, neuroDeficitKeywords),
		AbdominalPain:       matchesAny(lower, abdominalPainKeywords),
		EmergencyKeywords:   matchedKeywords(lower, emergencyKeywords),
	}

	// Known cardiac history forces the chest pain signal even without a
	// textual match: a missed cardiac workup costs far more than a false
	// positive.
	if history != nil {
		for _, condition := range history.Conditions {
			if strings.Contains(strings.ToLower(condition), "cardiac") {
				signals.ChestPain = true
				break
			}
		}
	}
	return signals
}

func matchesAny(lower string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func matchedKeywords(lower string, keywords []string) []string {
	matched := []string{}
	for _, keyword := range keywords {
		if strings.Contains(lower, keyword) {
			matched = append(matched, keyword)
		}
	}
	return matched
}

// HasEmergency reports whether any emergency keyword matched.
func (s SignalSet) HasEmergency() bool {
	return len(s.EmergencyKeywords) > 0
}

// AllQuiet reports whether nothing at all fired.
func (s SignalSet) AllQuiet() bool {
	return !s.ChestPain && !s.Fever && !s.SevereHeadache &&
		!s.BreathingDifficulty && !s.NeurologicalDeficit &&
		!s.AbdominalPain && len(s.EmergencyKeywords) == 0
}
