package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"medconsult/internal/clinical"
)

// clinical-route runs the deterministic routing core over one message and
// prints the resulting plan. Useful for inspecting rule-table behavior
// without a running API.
func main() {
	text := flag.String("text", "", "Patient message to route")
	history := flag.String("history", "", "Comma-separated prior conditions, e.g. heart disease,diabetes")
	maxQuestions := flag.Int("max-questions", clinical.DefaultMaxQuestions, "Cap on clarifying questions in the plan")
	format := flag.String("format", "text", "Output format: text|json")
	strict := flag.Bool("strict", false, "Exit non-zero if routing validation fails")
	flag.Parse()

	if strings.TrimSpace(*text) == "" {
		fmt.Fprintln(os.Stderr, "error: -text is required")
		os.Exit(2)
	}

	var patientHistory *clinical.PatientHistory
	if strings.TrimSpace(*history) != "" {
		var conditions []string
		for _, condition := range strings.Split(*history, ",") {
			if trimmed := strings.TrimSpace(condition); trimmed != "" {
				conditions = append(conditions, trimmed)
			}
		}
		patientHistory = &clinical.PatientHistory{Conditions: conditions}
	}

	router := clinical.NewRouter(clinical.DefaultRuleTable())
	signals := clinical.ExtractSignals(*text, patientHistory)
	tools, reasons := router.Route(signals)
	plan := router.BuildPlan(signals, *maxQuestions)
	parallel, sequential := router.PartitionTools(tools)
	valid := router.ValidateRouting(signals, tools, reasons)

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(map[string]any{
			"signals":    signals,
			"tools":      tools,
			"reasons":    reasons,
			"rationale":  router.Rationale(reasons),
			"plan":       plan,
			"parallel":   parallel,
			"sequential": sequential,
			"valid":      valid,
		})
	default:
		printText(signals, tools, reasons, plan, parallel, sequential, valid, router)
	}

	if *strict && !valid {
		os.Exit(1)
	}
}

func printText(signals clinical.SignalSet, tools []string, reasons []clinical.RoutingReason,
	plan clinical.Plan, parallel, sequential []string, valid bool, router *clinical.Router) {
	fmt.Printf("Emergency: %v\n", signals.HasEmergency())
	if len(signals.EmergencyKeywords) > 0 {
		fmt.Printf("Emergency keywords: %s\n", strings.Join(signals.EmergencyKeywords, ", "))
	}
	fmt.Printf("Signals: chest_pain=%v fever=%v headache=%v neuro=%v breathing=%v abdominal=%v\n",
		signals.ChestPain, signals.Fever, signals.SevereHeadache,
		signals.NeurologicalDeficit, signals.BreathingDifficulty, signals.AbdominalPain)
	fmt.Println()

	reasonNames := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		reasonNames = append(reasonNames, string(reason))
	}
	fmt.Printf("Reasons: %s\n", strings.Join(reasonNames, ", "))
	fmt.Printf("Rationale: %s\n", router.Rationale(reasons))
	fmt.Printf("Tools: %s\n", strings.Join(tools, ", "))
	fmt.Printf("  parallel: %s\n", strings.Join(parallel, ", "))
	fmt.Printf("  sequential: %s\n", strings.Join(sequential, ", "))
	fmt.Println()

	fmt.Printf("Plan (max %d questions, abstain below %.2f):\n", plan.MaxQuestions, plan.AbstentionThreshold)
	for _, step := range plan.Steps {
		fmt.Printf("  %s: %s\n", step, plan.SuccessCriteria[step])
	}
	fmt.Println()
	fmt.Printf("Routing valid: %v\n", valid)
}

func printJSON(value map[string]any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: encode output:", err)
		os.Exit(2)
	}
	fmt.Println(string(data))
}
