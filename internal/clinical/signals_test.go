package clinical

import (
	"reflect"
	"testing"
)

func TestExtractSignals(t *testing.T) {
	cases := []struct {
		name string
		text string
		want SignalSet
	}{
		{
			name: "english chest pain",
			text: "I have chest pain since this morning",
			want: SignalSet{ChestPain: true, EmergencyKeywords: []string{}},
		},
		{
			name: "thai chest pain",
			text: "ปวดหน้าอกมาก",
			want: SignalSet{ChestPain: true, EmergencyKeywords: []string{}},
		},
		{
			name: "fever and severe headache",
			text: "high fever and severe headache for two days",
			want: SignalSet{Fever: true, SevereHeadache: true, EmergencyKeywords: []string{}},
		},
		{
			name: "emergency keyword captured in order",
			text: "this is urgent, an emergency really",
			want: SignalSet{EmergencyKeywords: []string{"emergency", "urgent"}},
		},
		{
			name: "no keywords at all",
			text: "mild runny nose",
			want: SignalSet{EmergencyKeywords: []string{}},
		},
		{
			name: "thai emergency keyword",
			text: "อาการฉุกเฉิน หายใจไม่ออก",
			want: SignalSet{BreathingDifficulty: true, EmergencyKeywords: []string{"ฉุกเฉิน"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractSignals(tc.text, nil)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ExtractSignals(%q)\n got %+v\nwant %+v", tc.text, got, tc.want)
			}
		})
	}
}

func TestExtractSignalsMatchingIsCaseInsensitive(t *testing.T) {
	got := ExtractSignals("CHEST PAIN and FEVER", nil)
	if !got.ChestPain || !got.Fever {
		t.Fatalf("expected case-insensitive match, got %+v", got)
	}
}

func TestExtractSignalsNoNegationHandling(t *testing.T) {
	// Lexical-only extraction: negation is not understood. Known
	// precision limitation, biased toward sensitivity.
	got := ExtractSignals("no chest pain at all", nil)
	if !got.ChestPain {
		t.Fatalf("negated mention still sets the signal by design")
	}
}

func TestExtractSignalsCardiacHistoryForcesChestPain(t *testing.T) {
	history := &PatientHistory{Conditions: []string{"Cardiac bypass 2019"}}
	got := ExtractSignals("mild dizziness", history)
	if !got.ChestPain {
		t.Fatalf("cardiac history must force the chest pain signal")
	}

	unrelated := &PatientHistory{Conditions: []string{"appendectomy"}}
	if ExtractSignals("mild dizziness", unrelated).ChestPain {
		t.Fatalf("non-cardiac history must not set chest pain")
	}
}

func TestSignalSetHelpers(t *testing.T) {
	if (SignalSet{}).HasEmergency() {
		t.Fatalf("empty signal set must not report emergency")
	}
	if !(SignalSet{EmergencyKeywords: []string{"urgent"}}).HasEmergency() {
		t.Fatalf("keyword list should report emergency")
	}
	if !(SignalSet{EmergencyKeywords: []string{}}).AllQuiet() {
		t.Fatalf("expected all-quiet signal set")
	}
	if (SignalSet{Fever: true}).AllQuiet() {
		t.Fatalf("fever is not quiet")
	}
}
