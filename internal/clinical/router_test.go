package clinical

import (
	"reflect"
	"testing"
)

func TestRouteEmergencyOverride(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	signals := SignalSet{
		ChestPain:           true,
		BreathingDifficulty: true,
		EmergencyKeywords:   []string{"urgent"},
	}
	tools, reasons := router.Route(signals)
	if !reflect.DeepEqual(tools, []string{"red_flag_detector", "emergency_protocols"}) {
		t.Fatalf("expected emergency tool set only, got %v", tools)
	}
	if !reflect.DeepEqual(reasons, []RoutingReason{ReasonEmergencyKeywords}) {
		t.Fatalf("expected emergency reason only, got %v", reasons)
	}
}

func TestRouteFallbackForQuietSignals(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	tools, reasons := router.Route(SignalSet{})
	if !reflect.DeepEqual(tools, []string{"conservative_diagnosis", "common_illness_guidelines"}) {
		t.Fatalf("expected basic symptom fallback, got %v", tools)
	}
	if !reflect.DeepEqual(reasons, []RoutingReason{ReasonBasicSymptoms}) {
		t.Fatalf("expected basic symptoms reason, got %v", reasons)
	}
}

func TestRouteFeverAloneIsBasic(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	_, reasons := router.Route(SignalSet{Fever: true})
	if !reflect.DeepEqual(reasons, []RoutingReason{ReasonBasicSymptoms}) {
		t.Fatalf("fever alone should fall back to basic symptoms, got %v", reasons)
	}
}

func TestRouteFeverHeadacheIsSequential(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	tools, reasons := router.Route(SignalSet{Fever: true, SevereHeadache: true})
	found := false
	for _, reason := range reasons {
		if reason == ReasonFeverHeadacheRedflags {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fever_headache_redflags among reasons, got %v", reasons)
	}
	parallel, sequential := router.PartitionTools(tools)
	if len(parallel) != 0 {
		t.Fatalf("meningitis screening tools must not run in parallel, got %v", parallel)
	}
	if !reflect.DeepEqual(sequential, []string{"meningitis_redflags", "neuro_guidelines"}) {
		t.Fatalf("unexpected sequential tools %v", sequential)
	}
}

func TestRouteMultipleReasonsConcatenateInPriorityOrder(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	signals := SignalSet{
		ChestPain:           true,
		Fever:               true,
		SevereHeadache:      true,
		NeurologicalDeficit: true,
		BreathingDifficulty: true,
	}
	tools, reasons := router.Route(signals)
	wantTools := []string{
		"heart_score", "perc_rule", "chest_pain_guidelines",
		"meningitis_redflags", "neuro_guidelines",
		"stroke_scale", "neuro_emergency_protocol",
		"pe_wells_score", "respiratory_guidelines",
	}
	if !reflect.DeepEqual(tools, wantTools) {
		t.Fatalf("tool concatenation order wrong:\n got %v\nwant %v", tools, wantTools)
	}
	wantReasons := []RoutingReason{
		ReasonChestPainRisk,
		ReasonFeverHeadacheRedflags,
		ReasonNeuroDeficit,
		ReasonRespiratoryDistress,
	}
	if !reflect.DeepEqual(reasons, wantReasons) {
		t.Fatalf("reason order wrong: got %v want %v", reasons, wantReasons)
	}
}

func TestRouteDoesNotDeduplicateSharedTools(t *testing.T) {
	// Shared tool across two rules stays duplicated in the output; the
	// orchestrator decides whether re-running it is worthwhile.
	table := RuleTable{
		rules: map[RoutingReason]RoutingRule{
			ReasonChestPainRisk: {
				Reason: ReasonChestPainRisk,
				Tools:  []string{"heart_score", "shared_guidelines"},
			},
			ReasonRespiratoryDistress: {
				Reason: ReasonRespiratoryDistress,
				Tools:  []string{"pe_wells_score", "shared_guidelines"},
			},
			ReasonBasicSymptoms:     {Reason: ReasonBasicSymptoms, Tools: []string{"conservative_diagnosis"}},
			ReasonEmergencyKeywords: {Reason: ReasonEmergencyKeywords, Tools: []string{"red_flag_detector"}},
		},
		priority: []RoutingReason{ReasonChestPainRisk, ReasonRespiratoryDistress},
	}
	router := NewRouter(table)
	tools, _ := router.Route(SignalSet{ChestPain: true, BreathingDifficulty: true})
	want := []string{"heart_score", "shared_guidelines", "pe_wells_score", "shared_guidelines"}
	if !reflect.DeepEqual(tools, want) {
		t.Fatalf("expected duplicated shared tool, got %v", tools)
	}
}

func TestBuildPlanStandardFlow(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	plan := router.BuildPlan(SignalSet{Fever: true}, 0)
	want := []string{
		"validate_signals",
		"extract_evidence",
		"apply_calculators",
		"guideline_rag",
		"differential_diagnosis",
		"precision_critic",
		"uncertainty_quantification",
	}
	if !reflect.DeepEqual(plan.Steps, want) {
		t.Fatalf("unexpected plan steps %v", plan.Steps)
	}
	if plan.MaxQuestions != DefaultMaxQuestions {
		t.Fatalf("expected default max questions, got %d", plan.MaxQuestions)
	}
	if plan.AbstentionThreshold != 0.7 {
		t.Fatalf("expected abstention threshold 0.7, got %v", plan.AbstentionThreshold)
	}
	for _, step := range plan.Steps {
		if plan.SuccessCriteria[step] == "" {
			t.Fatalf("step %q has no success criterion", step)
		}
	}
}

func TestBuildPlanInsertsVOIBeforeFinalTwoSteps(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	plan := router.BuildPlan(SignalSet{ChestPain: true}, 3)
	want := []string{
		"validate_signals",
		"extract_evidence",
		"apply_calculators",
		"guideline_rag",
		"differential_diagnosis",
		"voi_questioning",
		"precision_critic",
		"uncertainty_quantification",
	}
	if !reflect.DeepEqual(plan.Steps, want) {
		t.Fatalf("voi_questioning misplaced:\n got %v\nwant %v", plan.Steps, want)
	}
}

func TestBuildPlanEmergency(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	plan := router.BuildPlan(SignalSet{EmergencyKeywords: []string{"emergency"}}, 3)
	want := []string{"validate_signals", "emergency_triage", "red_flag_assessment", "escalation_protocol"}
	if !reflect.DeepEqual(plan.Steps, want) {
		t.Fatalf("unexpected emergency plan %v", plan.Steps)
	}
	if !reflect.DeepEqual(plan.RoutingReasons, []RoutingReason{ReasonEmergencyKeywords}) {
		t.Fatalf("unexpected reasons %v", plan.RoutingReasons)
	}
}

func TestPartitionTools(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	parallel, sequential := router.PartitionTools([]string{"heart_score", "stroke_scale"})
	if !reflect.DeepEqual(parallel, []string{"heart_score"}) {
		t.Fatalf("expected heart_score parallel, got %v", parallel)
	}
	if !reflect.DeepEqual(sequential, []string{"stroke_scale"}) {
		t.Fatalf("expected stroke_scale sequential, got %v", sequential)
	}
}

func TestValidateRouting(t *testing.T) {
	router := NewRouter(DefaultRuleTable())

	cases := []struct {
		name    string
		signals SignalSet
		tamper  func(tools []string) []string
		want    bool
	}{
		{
			name:    "intact emergency routing",
			signals: SignalSet{EmergencyKeywords: []string{"urgent"}},
			tamper:  func(tools []string) []string { return tools },
			want:    true,
		},
		{
			name:    "emergency routing without red flag detector",
			signals: SignalSet{EmergencyKeywords: []string{"urgent"}},
			tamper:  func([]string) []string { return []string{"emergency_protocols"} },
			want:    false,
		},
		{
			name:    "chest pain without cardiac assessment",
			signals: SignalSet{ChestPain: true},
			tamper:  func([]string) []string { return []string{"perc_rule"} },
			want:    false,
		},
		{
			name:    "neuro deficit without stroke scale",
			signals: SignalSet{NeurologicalDeficit: true},
			tamper:  func([]string) []string { return []string{"neuro_emergency_protocol"} },
			want:    false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tools, reasons := router.Route(tc.signals)
			tools = tc.tamper(tools)
			if got := router.ValidateRouting(tc.signals, tools, reasons); got != tc.want {
				t.Fatalf("ValidateRouting = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRationale(t *testing.T) {
	router := NewRouter(DefaultRuleTable())
	text := router.Rationale([]RoutingReason{ReasonChestPainRisk, ReasonNeuroDeficit})
	if text != "Chest pain requires cardiac risk stratification; Neurological deficits require stroke evaluation" {
		t.Fatalf("unexpected rationale %q", text)
	}
	if router.Rationale(nil) != "Standard symptom evaluation" {
		t.Fatalf("expected default rationale")
	}
}
