package clinical

import (
	"fmt"
	"strings"
)

// HeartScoreInput feeds the HEART score for chest pain risk
// stratification. History, ECG and troponin are simplified to binary
// findings at intake.
type HeartScoreInput struct {
	Age              int  `json:"age"`
	History          bool `json:"history"`
	ECGAbnormal      bool `json:"ecg"`
	RiskFactors      int  `json:"risk_factors"`
	TroponinElevated bool `json:"troponin_elevated"`
}

// HeartScore computes the HEART score and its risk band.
func HeartScore(in HeartScoreInput, inputConfidence float64) (CalculatorResult, error) {
	if in.Age < 0 || in.Age > 120 {
		return CalculatorResult{}, fmt.Errorf("age: %d outside [0,120]", in.Age)
	}
	if in.RiskFactors < 0 || in.RiskFactors > 5 {
		return CalculatorResult{}, fmt.Errorf("risk_factors: %d outside [0,5]", in.RiskFactors)
	}

	score := 0
	switch {
	case in.Age >= 65:
		score += 2
	case in.Age >= 45:
		score += 1
	}
	if in.History {
		score += 2
	}
	if in.ECGAbnormal {
		score += 2
	}
	switch {
	case in.RiskFactors >= 3:
		score += 2
	case in.RiskFactors >= 1:
		score += 1
	}
	if in.TroponinElevated {
		score += 2
	}

	var riskBand string
	switch {
	case score <= 3:
		riskBand = "Low Risk"
	case score <= 6:
		riskBand = "Moderate Risk"
	default:
		riskBand = "High Risk"
	}

	return NewCalculatorResult("heart_score", map[string]any{
		"age":               in.Age,
		"history":           in.History,
		"ecg":               in.ECGAbnormal,
		"risk_factors":      in.RiskFactors,
		"troponin_elevated": in.TroponinElevated,
	}, float64(score), riskBand, "guideline:esc_chest_pain_2020", inputConfidence)
}

// PERCInput lists the eight PERC rule criteria. PE is ruled out without
// further testing only when every criterion is absent.
type PERCInput struct {
	AgeGE50               bool `json:"age_ge_50"`
	HeartRateGE100        bool `json:"hr_ge_100"`
	O2SatLT95             bool `json:"o2_sat_lt_95"`
	UnilateralLegSwelling bool `json:"unilateral_leg_swelling"`
	Hemoptysis            bool `json:"hemoptysis"`
	RecentSurgery         bool `json:"recent_surgery"`
	PriorPEDVT            bool `json:"pe_dvt_history"`
	EstrogenUse           bool `json:"estrogen_use"`
}

// PERCRule applies the PERC rule. Score is the count of positive
// criteria; risk band is "PERC Negative" only at zero.
func PERCRule(in PERCInput, inputConfidence float64) (CalculatorResult, error) {
	positive := 0
	for _, criterion := range []bool{
		in.AgeGE50, in.HeartRateGE100, in.O2SatLT95, in.UnilateralLegSwelling,
		in.Hemoptysis, in.RecentSurgery, in.PriorPEDVT, in.EstrogenUse,
	} {
		if criterion {
			positive++
		}
	}
	riskBand := "PERC Negative"
	if positive > 0 {
		riskBand = fmt.Sprintf("PERC Positive (%d criteria)", positive)
	}
	return NewCalculatorResult("perc_rule", map[string]any{
		"age_ge_50":               in.AgeGE50,
		"hr_ge_100":               in.HeartRateGE100,
		"o2_sat_lt_95":            in.O2SatLT95,
		"unilateral_leg_swelling": in.UnilateralLegSwelling,
		"hemoptysis":              in.Hemoptysis,
		"recent_surgery":          in.RecentSurgery,
		"pe_dvt_history":          in.PriorPEDVT,
		"estrogen_use":            in.EstrogenUse,
	}, float64(positive), riskBand, "guideline:accp_pe_2012", inputConfidence)
}

// WellsPEInput lists the Wells criteria for pulmonary embolism.
type WellsPEInput struct {
	ClinicalSignsDVT      bool `json:"clinical_signs_dvt"`
	PELikelyAlternative   bool `json:"pe_likely_as_alternative"`
	HeartRateGT100        bool `json:"heart_rate_gt_100"`
	ImmobilizationSurgery bool `json:"immobilization_surgery"`
	PreviousPEDVT         bool `json:"previous_pe_dvt"`
	Hemoptysis            bool `json:"hemoptysis"`
	Malignancy            bool `json:"malignancy"`
}

// WellsPEScore computes the Wells score and PE probability band.
func WellsPEScore(in WellsPEInput, inputConfidence float64) (CalculatorResult, error) {
	score := 0.0
	if in.ClinicalSignsDVT {
		score += 3.0
	}
	if in.PELikelyAlternative {
		score += 3.0
	}
	if in.HeartRateGT100 {
		score += 1.5
	}
	if in.ImmobilizationSurgery {
		score += 1.5
	}
	if in.PreviousPEDVT {
		score += 1.5
	}
	if in.Hemoptysis {
		score += 1.0
	}
	if in.Malignancy {
		score += 1.0
	}

	var band string
	switch {
	case score <= 4:
		band = "Low Probability"
	case score <= 6:
		band = "Moderate Probability"
	default:
		band = "High Probability"
	}
	return NewCalculatorResult("pe_wells_score", map[string]any{
		"clinical_signs_dvt":       in.ClinicalSignsDVT,
		"pe_likely_as_alternative": in.PELikelyAlternative,
		"heart_rate_gt_100":        in.HeartRateGT100,
		"immobilization_surgery":   in.ImmobilizationSurgery,
		"previous_pe_dvt":          in.PreviousPEDVT,
		"hemoptysis":               in.Hemoptysis,
		"malignancy":               in.Malignancy,
	}, score, band, "guideline:wells_pe_2000", inputConfidence)
}

// CalculatorRegistry knows which calculators exist, which intake fields
// each one needs, and how to run one against captured patient data.
// Confidence is the captured share of required fields; calculators never
// run on hallucinated values.
type CalculatorRegistry struct {
	required map[string][]string
}

func NewCalculatorRegistry() *CalculatorRegistry {
	return &CalculatorRegistry{
		required: map[string][]string{
			"heart_score": {"age", "history", "ecg", "risk_factors", "troponin_elevated"},
			"perc_rule": {
				"age_ge_50", "hr_ge_100", "o2_sat_lt_95", "unilateral_leg_swelling",
				"hemoptysis", "recent_surgery", "pe_dvt_history", "estrogen_use",
			},
			"pe_wells_score": {
				"clinical_signs_dvt", "pe_likely_as_alternative", "heart_rate_gt_100",
				"immobilization_surgery", "previous_pe_dvt", "hemoptysis", "malignancy",
			},
		},
	}
}

// Confidence returns the fraction of a calculator's required fields
// present in the captured data.
func (r *CalculatorRegistry) Confidence(name string, captured map[string]any) (float64, error) {
	required, ok := r.required[name]
	if !ok {
		return 0, fmt.Errorf("calculator %q not found", name)
	}
	present := 0
	for _, field := range required {
		if _, ok := captured[field]; ok {
			present++
		}
	}
	return float64(present) / float64(len(required)), nil
}

// Applicable reports whether enough of the calculator's inputs were
// captured to run it at all (≥80% completeness).
func (r *CalculatorRegistry) Applicable(name string, captured map[string]any) bool {
	confidence, err := r.Confidence(name, captured)
	return err == nil && confidence >= 0.8
}

// Run executes a named calculator against captured fields. Missing
// fields fall back to zero values and lower the result confidence.
func (r *CalculatorRegistry) Run(name string, captured map[string]any) (CalculatorResult, error) {
	confidence, err := r.Confidence(name, captured)
	if err != nil {
		return CalculatorResult{}, err
	}
	switch name {
	case "heart_score":
		return HeartScore(HeartScoreInput{
			Age:              capturedInt(captured, "age"),
			History:          capturedBool(captured, "history"),
			ECGAbnormal:      capturedBool(captured, "ecg"),
			RiskFactors:      capturedInt(captured, "risk_factors"),
			TroponinElevated: capturedBool(captured, "troponin_elevated"),
		}, confidence)
	case "perc_rule":
		return PERCRule(PERCInput{
			AgeGE50:               capturedBool(captured, "age_ge_50"),
			HeartRateGE100:        capturedBool(captured, "hr_ge_100"),
			O2SatLT95:             capturedBool(captured, "o2_sat_lt_95"),
			UnilateralLegSwelling: capturedBool(captured, "unilateral_leg_swelling"),
			Hemoptysis:            capturedBool(captured, "hemoptysis"),
			RecentSurgery:         capturedBool(captured, "recent_surgery"),
			PriorPEDVT:            capturedBool(captured, "pe_dvt_history"),
			EstrogenUse:           capturedBool(captured, "estrogen_use"),
		}, confidence)
	case "pe_wells_score":
		return WellsPEScore(WellsPEInput{
			ClinicalSignsDVT:      capturedBool(captured, "clinical_signs_dvt"),
			PELikelyAlternative:   capturedBool(captured, "pe_likely_as_alternative"),
			HeartRateGT100:        capturedBool(captured, "heart_rate_gt_100"),
			ImmobilizationSurgery: capturedBool(captured, "immobilization_surgery"),
			PreviousPEDVT:         capturedBool(captured, "previous_pe_dvt"),
			Hemoptysis:            capturedBool(captured, "hemoptysis"),
			Malignancy:            capturedBool(captured, "malignancy"),
		}, confidence)
	default:
		return CalculatorResult{}, fmt.Errorf("calculator %q not found", name)
	}
}

// ApplicableCalculators lists calculators that match the current signals
// and have enough captured data to run.
func (r *CalculatorRegistry) ApplicableCalculators(signals SignalSet, captured map[string]any) []string {
	var out []string
	if signals.ChestPain && r.Applicable("heart_score", captured) {
		out = append(out, "heart_score")
	}
	if signals.BreathingDifficulty {
		if r.Applicable("perc_rule", captured) {
			out = append(out, "perc_rule")
		}
		if r.Applicable("pe_wells_score", captured) {
			out = append(out, "pe_wells_score")
		}
	}
	return out
}

func capturedBool(captured map[string]any, key string) bool {
	value, ok := captured[key]
	if !ok {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	default:
		return false
	}
}

func capturedInt(captured map[string]any, key string) int {
	value, ok := captured[key]
	if !ok {
		return 0
	}
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
