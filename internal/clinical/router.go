package clinical

import (
	"fmt"
	"strings"
)

// RoutingRule binds one routing reason to the tools it activates.
type RoutingRule struct {
	Reason       RoutingReason
	Tools        []string
	ParallelSafe bool
	Rationale    string
}

// RuleTable is the immutable catalog of routing rules. It is built once
// and passed to the router explicitly; there is no package-level table.
type RuleTable struct {
	rules map[RoutingReason]RoutingRule
	// priority fixes the evaluation order of the non-emergency predicates.
	priority []RoutingReason
}

// DefaultRuleTable returns the clinical rule catalog.
func DefaultRuleTable() RuleTable {
	rules := []RoutingRule{
		{
			Reason:       ReasonChestPainRisk,
			Tools:        []string{"heart_score", "perc_rule", "chest_pain_guidelines"},
			ParallelSafe: true,
			Rationale:    "Chest pain requires cardiac risk stratification",
		},
		{
			Reason:       ReasonFeverHeadacheRedflags,
			Tools:        []string{"meningitis_redflags", "neuro_guidelines"},
			ParallelSafe: false,
			Rationale:    "Fever + headache requires meningitis screening",
		},
		{
			Reason:       ReasonNeuroDeficit,
			Tools:        []string{"stroke_scale", "neuro_emergency_protocol"},
			ParallelSafe: false,
			Rationale:    "Neurological deficits require stroke evaluation",
		},
		{
			Reason:       ReasonRespiratoryDistress,
			Tools:        []string{"pe_wells_score", "respiratory_guidelines"},
			ParallelSafe: true,
			Rationale:    "Breathing difficulty requires PE/respiratory assessment",
		},
		{
			Reason:       ReasonEmergencyKeywords,
			Tools:        []string{"red_flag_detector", "emergency_protocols"},
			ParallelSafe: false,
			Rationale:    "Emergency keywords trigger immediate assessment",
		},
		{
			Reason:       ReasonBasicSymptoms,
			Tools:        []string{"conservative_diagnosis", "common_illness_guidelines"},
			ParallelSafe: true,
			Rationale:    "Standard symptom evaluation",
		},
	}
	table := RuleTable{
		rules: make(map[RoutingReason]RoutingRule, len(rules)),
		priority: []RoutingReason{
			ReasonChestPainRisk,
			ReasonFeverHeadacheRedflags,
			ReasonNeuroDeficit,
			ReasonRespiratoryDistress,
		},
	}
	for _, rule := range rules {
		table.rules[rule.Reason] = rule
	}
	return table
}

// Rule looks up one rule by reason.
func (t RuleTable) Rule(reason RoutingReason) (RoutingRule, bool) {
	rule, ok := t.rules[reason]
	return rule, ok
}

// parallelSafeTools is the static allow-list for PartitionTools. A tool
// qualifies only when it computes an isolated score or guideline lookup
// with no shared state and no safety escalation path.
var parallelSafeTools = map[string]bool{
	"heart_score":               true,
	"perc_rule":                 true,
	"pe_wells_score":            true,
	"conservative_diagnosis":    true,
	"common_illness_guidelines": true,
	"chest_pain_guidelines":     true,
	"respiratory_guidelines":    true,
}

// Router applies the rule table to a signal set. It holds no mutable
// state; every method is a pure function of (table, inputs) and safe for
// concurrent use.
type Router struct {
	table RuleTable
}

func NewRouter(table RuleTable) *Router {
	return &Router{table: table}
}

// Route selects the tools to run for a signal set and records why.
//
// Emergency keywords short-circuit everything else: life-threat detection
// always wins and no other rule is even evaluated. Otherwise the
// non-emergency predicates run in fixed priority order and every one that
// holds appends its tools. The concatenation is deliberately NOT
// deduplicated; repeated tool invocation under different firing reasons
// is preserved behavior.
func (r *Router) Route(signals SignalSet) ([]string, []RoutingReason) {
	if signals.HasEmergency() {
		rule := r.table.rules[ReasonEmergencyKeywords]
		return append([]string(nil), rule.Tools...), []RoutingReason{ReasonEmergencyKeywords}
	}

	var tools []string
	var reasons []RoutingReason
	for _, reason := range r.table.priority {
		if !predicateHolds(reason, signals) {
			continue
		}
		rule := r.table.rules[reason]
		tools = append(tools, rule.Tools...)
		reasons = append(reasons, reason)
	}

	if len(tools) == 0 {
		rule := r.table.rules[ReasonBasicSymptoms]
		tools = append(tools, rule.Tools...)
		reasons = append(reasons, ReasonBasicSymptoms)
	}
	return tools, reasons
}

// predicateHolds evaluates the trigger condition of one non-emergency
// reason. The switch is exhaustive over the priority set.
func predicateHolds(reason RoutingReason, signals SignalSet) bool {
	switch reason {
	case ReasonChestPainRisk:
		return signals.ChestPain
	case ReasonFeverHeadacheRedflags:
		return signals.Fever && signals.SevereHeadache
	case ReasonNeuroDeficit:
		return signals.NeurologicalDeficit
	case ReasonRespiratoryDistress:
		return signals.BreathingDifficulty
	default:
		return false
	}
}

// DefaultMaxQuestions caps value-of-information questioning per plan.
const DefaultMaxQuestions = 3

// AbstentionThreshold is the fixed overall-confidence floor. Downstream
// consumers must treat anything below it as a mandatory abstention.
const AbstentionThreshold = 0.7

// BuildPlan derives the step-by-step execution plan for a signal set.
// Every step carries a machine-checkable success criterion.
func (r *Router) BuildPlan(signals SignalSet, maxQuestions int) Plan {
	if maxQuestions <= 0 {
		maxQuestions = DefaultMaxQuestions
	}
	_, reasons := r.Route(signals)

	steps := []string{"validate_signals"}
	criteria := map[string]string{
		"validate_signals": "Signal set is well-formed and contains expected fields",
	}

	if signals.HasEmergency() {
		steps = append(steps, "emergency_triage", "red_flag_assessment", "escalation_protocol")
		criteria["emergency_triage"] = "Resuscitation or emergency triage level assigned"
		criteria["red_flag_assessment"] = "Red flags identified and documented"
		criteria["escalation_protocol"] = "Emergency escalation triggered"
	} else {
		steps = append(steps,
			"extract_evidence",
			"apply_calculators",
			"guideline_rag",
			"differential_diagnosis",
			"precision_critic",
			"uncertainty_quantification",
		)
		criteria["extract_evidence"] = "Evidence with ≥1 supporting or opposing item"
		criteria["apply_calculators"] = "Calculator results with confidence ≥0.8"
		criteria["guideline_rag"] = "≥1 guideline citation retrieved"
		criteria["differential_diagnosis"] = "≥1 candidate with probability ≥0.3"
		criteria["precision_critic"] = "All critic rules pass"
		criteria["uncertainty_quantification"] = "Safety certainty ≥0.85"

		if needsVOIQuestions(signals) {
			// Insert before the final two steps so answers can still
			// influence the critic and uncertainty passes.
			insertAt := len(steps) - 2
			steps = append(steps[:insertAt], append([]string{"voi_questioning"}, steps[insertAt:]...)...)
			criteria["voi_questioning"] = fmt.Sprintf("≤%d questions, each with VOI ≥0.15", maxQuestions)
		}
	}

	return Plan{
		Steps:               steps,
		SuccessCriteria:     criteria,
		RoutingReasons:      reasons,
		MaxQuestions:        maxQuestions,
		AbstentionThreshold: AbstentionThreshold,
	}
}

// needsVOIQuestions reports whether the signal set is ambiguous enough to
// warrant clarifying questions.
func needsVOIQuestions(signals SignalSet) bool {
	switch {
	case signals.ChestPain:
		return true
	case signals.Fever && signals.SevereHeadache && !signals.NeurologicalDeficit:
		return true
	case signals.AbdominalPain:
		return true
	default:
		return false
	}
}

// PartitionTools splits a tool list into parallel-safe and sequential
// groups. Safety-critical tools are sequential by policy regardless of
// data dependencies: emergency, red-flag, stroke, and escalation steps
// must not race.
func (r *Router) PartitionTools(tools []string) (parallel, sequential []string) {
	parallel = []string{}
	sequential = []string{}
	for _, tool := range tools {
		if parallelSafeTools[tool] {
			parallel = append(parallel, tool)
		} else {
			sequential = append(sequential, tool)
		}
	}
	return parallel, sequential
}

// ValidateRouting is a defensive post-check over the router's own output.
// A false return means the routing decision violates a hard clinical
// invariant; the caller must treat the request as fatally broken and
// escalate rather than continue.
func (r *Router) ValidateRouting(signals SignalSet, tools []string, reasons []RoutingReason) bool {
	has := func(names ...string) bool {
		for _, tool := range tools {
			for _, name := range names {
				if tool == name {
					return true
				}
			}
		}
		return false
	}

	if signals.HasEmergency() && !has("red_flag_detector") {
		return false
	}
	if signals.ChestPain && !signals.HasEmergency() && !has("heart_score", "chest_pain_guidelines") {
		return false
	}
	if signals.NeurologicalDeficit && !signals.HasEmergency() && !has("stroke_scale") {
		return false
	}
	return true
}

// Rationale joins the clinical rationale of every fired reason into a
// human-readable audit string.
func (r *Router) Rationale(reasons []RoutingReason) string {
	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		if rule, ok := r.table.rules[reason]; ok {
			parts = append(parts, rule.Rationale)
		}
	}
	if len(parts) == 0 {
		return "Standard symptom evaluation"
	}
	return strings.Join(parts, "; ")
}
