package server

import (
	"fmt"

	"medconsult/internal/clinical"
)

// ToolOutcome collects everything one tool contributes to the diagnosis
// artifact. Outcomes from all executed tools are merged by the pipeline.
type ToolOutcome struct {
	Differential []clinical.DxCandidate
	Calculators  []clinical.CalculatorResult
	Tests        []clinical.TestRecommendation
	Treatments   []clinical.Treatment
	Questions    []clinical.VOIQuestion
}

// ToolExecutor resolves routed tool identifiers into deterministic
// clinical contributions. Every tool is a fixed template keyed on the
// extracted signals plus captured intake fields; there is no model call
// and no randomness, so identical inputs always produce identical cards.
type ToolExecutor struct {
	registry *clinical.CalculatorRegistry
}

func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{registry: clinical.NewCalculatorRegistry()}
}

// Execute runs one tool. Calculators that lack sufficient captured input
// return an empty outcome rather than guessing values.
func (e *ToolExecutor) Execute(tool string, signals clinical.SignalSet, captured map[string]any) (ToolOutcome, error) {
	switch tool {
	case "heart_score", "perc_rule", "pe_wells_score":
		return e.runCalculator(tool, captured)
	case "chest_pain_guidelines":
		return chestPainGuidelines()
	case "meningitis_redflags":
		return meningitisRedflags()
	case "neuro_guidelines":
		return neuroGuidelines()
	case "stroke_scale":
		return strokeScale()
	case "neuro_emergency_protocol":
		return neuroEmergencyProtocol()
	case "respiratory_guidelines":
		return respiratoryGuidelines()
	case "red_flag_detector":
		return redFlagDetector(signals)
	case "emergency_protocols":
		return emergencyProtocols()
	case "conservative_diagnosis":
		return conservativeDiagnosis(signals)
	case "common_illness_guidelines":
		return commonIllnessGuidelines(signals)
	default:
		return ToolOutcome{}, fmt.Errorf("tool %q not found", tool)
	}
}

func (e *ToolExecutor) runCalculator(name string, captured map[string]any) (ToolOutcome, error) {
	if !e.registry.Applicable(name, captured) {
		return ToolOutcome{}, nil
	}
	result, err := e.registry.Run(name, captured)
	if err != nil {
		return ToolOutcome{}, fmt.Errorf("run calculator %s: %w", name, err)
	}
	return ToolOutcome{Calculators: []clinical.CalculatorResult{result}}, nil
}

func chestPainGuidelines() (ToolOutcome, error) {
	mi, err := candidate("I21.9", "Acute myocardial infarction", 0.25,
		[]string{"chest pain"}, []string{"guideline:esc_chest_pain_2020", "icd:I21.9"})
	if err != nil {
		return ToolOutcome{}, err
	}
	angina, err := candidate("I20.0", "Unstable angina", 0.2,
		[]string{"chest pain"}, []string{"guideline:esc_chest_pain_2020", "icd:I20.0"})
	if err != nil {
		return ToolOutcome{}, err
	}
	ecg, err := clinical.NewTestRecommendation("12-lead ECG",
		"Chest pain workup; detects ST changes", 0.85, clinical.TriageUrgent)
	if err != nil {
		return ToolOutcome{}, err
	}
	troponin, err := clinical.NewTestRecommendation("High-sensitivity troponin",
		"Rules myocardial injury in or out", 0.8, clinical.TriageUrgent)
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{
		Differential: []clinical.DxCandidate{mi, angina},
		Tests:        []clinical.TestRecommendation{ecg, troponin},
		Questions: []clinical.VOIQuestion{
			{Question: "Does the pain radiate to your arm, jaw or back?", VOIScore: 0.7, ExpectedDeltaP: 0.2, Category: "cardiac"},
			{Question: "Does the pain get worse with exertion?", VOIScore: 0.6, ExpectedDeltaP: 0.15, Category: "cardiac"},
		},
	}, nil
}

func meningitisRedflags() (ToolOutcome, error) {
	meningitis, err := candidate("G00.9", "Bacterial meningitis", 0.2,
		[]string{"fever", "severe headache"}, []string{"icd:G00.9", "kb:meningitis-redflags"})
	if err != nil {
		return ToolOutcome{}, err
	}
	exam, err := clinical.NewTestRecommendation("Neck stiffness examination",
		"Classic meningeal sign; high-yield bedside check", 0.75, clinical.TriageUrgent)
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{
		Differential: []clinical.DxCandidate{meningitis},
		Tests:        []clinical.TestRecommendation{exam},
		Questions: []clinical.VOIQuestion{
			{Question: "Do you have neck stiffness or sensitivity to light?", VOIScore: 0.8, ExpectedDeltaP: 0.3, Category: "redflag"},
		},
	}, nil
}

func neuroGuidelines() (ToolOutcome, error) {
	tension, err := candidate("G44.2", "Tension-type headache", 0.35,
		[]string{"severe headache"}, []string{"kb:headache-primary-care", "icd:G44.2"})
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{Differential: []clinical.DxCandidate{tension}}, nil
}

func strokeScale() (ToolOutcome, error) {
	stroke, err := candidate("I63.9", "Ischemic stroke", 0.3,
		[]string{"neurological deficit"}, []string{"guideline:aha_stroke_2019", "icd:I63.9"})
	if err != nil {
		return ToolOutcome{}, err
	}
	ct, err := clinical.NewTestRecommendation("Non-contrast head CT",
		"Differentiates ischemic from hemorrhagic stroke", 0.9, clinical.TriageEmergency)
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{
		Differential: []clinical.DxCandidate{stroke},
		Tests:        []clinical.TestRecommendation{ct},
	}, nil
}

func neuroEmergencyProtocol() (ToolOutcome, error) {
	evidence, err := clinical.NewEvidence(nil, nil, []string{"guideline:aha_stroke_2019"})
	if err != nil {
		return ToolOutcome{}, err
	}
	referral, err := clinical.NewTreatment("", "",
		"Immediate referral to a stroke-capable facility", nil, evidence, 0.95)
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{Treatments: []clinical.Treatment{referral}}, nil
}

func respiratoryGuidelines() (ToolOutcome, error) {
	uri, err := candidate("J06.9", "Upper respiratory infection", 0.3,
		[]string{"dyspnea on exertion"}, []string{"kb:respiratory-primary-care", "icd:J06.9"})
	if err != nil {
		return ToolOutcome{}, err
	}
	bronchitis, err := candidate("J20.9", "Acute bronchitis", 0.2,
		[]string{"dyspnea on exertion"}, []string{"kb:respiratory-primary-care", "icd:J20.9"})
	if err != nil {
		return ToolOutcome{}, err
	}
	sat, err := clinical.NewTestRecommendation("Pulse oximetry",
		"Quantifies hypoxia in breathing difficulty", 0.7, clinical.TriageUrgent)
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{
		Differential: []clinical.DxCandidate{uri, bronchitis},
		Tests:        []clinical.TestRecommendation{sat},
	}, nil
}

// redFlagDetector picks the leading life-threat hypothesis from the
// signal set. Runs only on emergency-keyword consultations.
func redFlagDetector(signals clinical.SignalSet) (ToolOutcome, error) {
	supporting := append([]string{}, signals.EmergencyKeywords...)
	var icd, label string
	switch {
	case signals.ChestPain:
		icd, label = "I21.9", "Acute myocardial infarction"
		supporting = append(supporting, "chest pain")
	case signals.NeurologicalDeficit:
		icd, label = "I63.9", "Ischemic stroke"
		supporting = append(supporting, "neurological deficit")
	case signals.BreathingDifficulty:
		icd, label = "R06.0", "Acute dyspnea"
		supporting = append(supporting, "dyspnea")
	default:
		icd, label = "R69", "Undifferentiated emergency presentation"
	}
	dx, err := candidate(icd, label, 0.5, supporting, []string{"system:red_flag_detector"})
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{Differential: []clinical.DxCandidate{dx}}, nil
}

func emergencyProtocols() (ToolOutcome, error) {
	evidence, err := clinical.NewEvidence(nil, nil,
		[]string{"guideline:who_emergency_care_2018", "system:emergency_protocols"})
	if err != nil {
		return ToolOutcome{}, err
	}
	escalate, err := clinical.NewTreatment("", "",
		"Contact emergency services immediately (1669)", nil, evidence, 1.0)
	if err != nil {
		return ToolOutcome{}, err
	}
	return ToolOutcome{Treatments: []clinical.Treatment{escalate}}, nil
}

func conservativeDiagnosis(signals clinical.SignalSet) (ToolOutcome, error) {
	var differential []clinical.DxCandidate
	if signals.Fever {
		uri, err := candidate("J06.9", "Upper respiratory infection", 0.5,
			[]string{"fever"}, []string{"kb:common-cold", "icd:J06.9"})
		if err != nil {
			return ToolOutcome{}, err
		}
		differential = append(differential, uri)
	}
	if signals.AbdominalPain {
		gastritis, err := candidate("K29.7", "Gastritis", 0.35,
			[]string{"abdominal pain"}, []string{"kb:gi-primary-care", "icd:K29.7"})
		if err != nil {
			return ToolOutcome{}, err
		}
		differential = append(differential, gastritis)
	}
	if len(differential) == 0 {
		benign, err := candidate("Z71.1", "No specific findings", 0.6,
			[]string{"mild nonspecific symptoms"}, []string{"system:conservative_fallback"})
		if err != nil {
			return ToolOutcome{}, err
		}
		differential = append(differential, benign)
	}
	return ToolOutcome{Differential: differential}, nil
}

func commonIllnessGuidelines(signals clinical.SignalSet) (ToolOutcome, error) {
	var treatments []clinical.Treatment
	if signals.Fever {
		evidence, err := clinical.NewEvidence([]string{"fever"}, nil,
			[]string{"guideline:who_uri_2019", "kb:antipyretics"})
		if err != nil {
			return ToolOutcome{}, err
		}
		antipyretic, err := clinical.NewTreatment("paracetamol", "500mg every 6 hours as needed",
			"Antipyretic and rest; return if fever persists beyond 3 days",
			[]string{"hepatic impairment"}, evidence, 0.95)
		if err != nil {
			return ToolOutcome{}, err
		}
		treatments = append(treatments, antipyretic)
	} else {
		evidence, err := clinical.NewEvidence(nil, nil,
			[]string{"guideline:who_primary_care_2019"})
		if err != nil {
			return ToolOutcome{}, err
		}
		general, err := clinical.NewTreatment("", "",
			"Rest, fluids, and symptom monitoring; seek care if symptoms worsen",
			nil, evidence, 0.98)
		if err != nil {
			return ToolOutcome{}, err
		}
		treatments = append(treatments, general)
	}
	return ToolOutcome{Treatments: treatments}, nil
}

func candidate(icd, label string, p float64, supporting, citations []string) (clinical.DxCandidate, error) {
	evidence, err := clinical.NewEvidence(supporting, nil, citations)
	if err != nil {
		return clinical.DxCandidate{}, fmt.Errorf("tool evidence for %s: %w", icd, err)
	}
	dx, err := clinical.NewDxCandidate(icd, label, p, evidence)
	if err != nil {
		return clinical.DxCandidate{}, fmt.Errorf("tool candidate %s: %w", icd, err)
	}
	return dx, nil
}
