package failures

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voice-observation/voiceobs/api/voice"
)

func float64Ptr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func TestSeverityTiersWithDefaults(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	cases := []struct {
		name string
		got  voice.Severity
		want voice.Severity
	}{
		{"interruption_100", th.InterruptionSeverity(100), voice.SeverityLow},
		{"interruption_200_boundary", th.InterruptionSeverity(200), voice.SeverityLow},
		{"interruption_400", th.InterruptionSeverity(400), voice.SeverityMedium},
		{"interruption_900", th.InterruptionSeverity(900), voice.SeverityHigh},
		{"silence_4000", th.SilenceSeverity(4000), voice.SeverityLow},
		{"silence_8000_boundary", th.SilenceSeverity(8000), voice.SeverityMedium},
		{"silence_9000", th.SilenceSeverity(9000), voice.SeverityHigh},
		{"slow_1000", th.SlowResponseSeverity(1000), voice.SeverityLow},
		{"slow_4000", th.SlowResponseSeverity(4000), voice.SeverityMedium},
		{"slow_6000", th.SlowResponseSeverity(6000), voice.SeverityHigh},
		{"confidence_0.2", th.ConfidenceSeverity(0.2), voice.SeverityHigh},
		{"confidence_0.5", th.ConfidenceSeverity(0.5), voice.SeverityMedium},
		{"confidence_0.65", th.ConfidenceSeverity(0.65), voice.SeverityLow},
		{"relevance_0.1", th.RelevanceSeverity(0.1), voice.SeverityHigh},
		{"relevance_0.4", th.RelevanceSeverity(0.4), voice.SeverityMedium},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, tc.got)
		}
	}
}

func TestGetFailureDefinitionFallsBackToUnknown(t *testing.T) {
	t.Parallel()

	def := GetFailureDefinition("dead_air")
	if def.Type != voice.FailureUnknown {
		t.Fatalf("expected unknown fallback, got %+v", def)
	}
	for _, ft := range voice.AllFailureTypes() {
		if got := GetFailureDefinition(ft); got.Type != ft || got.Description == "" {
			t.Fatalf("expected registered definition for %s, got %+v", ft, got)
		}
	}
	if len(Definitions()) != len(voice.AllFailureTypes()) {
		t.Fatalf("expected one definition per failure type")
	}

	mutated := GetFailureDefinition(voice.FailureSlowResponse)
	mutated.Signals[0] = "changed"
	if GetFailureDefinition(voice.FailureSlowResponse).Signals[0] == "changed" {
		t.Fatalf("expected definitions to be returned by copy")
	}
}

func TestClassifyProducesEveryRuleType(t *testing.T) {
	t.Parallel()

	in := Input{
		ConversationID: "conv-1",
		Turns: []TurnObservation{
			{TurnID: "turn-1", TurnIndex: intPtr(1), Actor: voice.ActorAgent, OverlapMs: float64Ptr(100), SilenceAfterUserMs: float64Ptr(0)},
			{TurnID: "turn-3", TurnIndex: intPtr(3), Actor: voice.ActorAgent, OverlapMs: float64Ptr(-4000), SilenceAfterUserMs: float64Ptr(4000)},
		},
		Stages: []StageObservation{
			{TurnID: "turn-1", TurnIndex: intPtr(1), Type: voice.StageLLM, DurationMs: 6000},
			{TurnID: "turn-1", TurnIndex: intPtr(1), Type: voice.StageTTS, DurationMs: 1500},
		},
		Recognitions: []RecognitionObservation{
			{TurnID: "turn-0", TurnIndex: intPtr(0), Confidence: 0.3},
			{TurnID: "turn-2", TurnIndex: intPtr(2), Confidence: 0.95},
		},
		Evaluations: []EvaluationObservation{
			{TurnID: "turn-1", IntentCorrect: boolPtr(false)},
			{TurnID: "turn-3", Relevance: float64Ptr(0.4)},
			{TurnID: "turn-5", IntentCorrect: boolPtr(true), Relevance: float64Ptr(0.9)},
		},
	}

	got := Classify(in, DefaultThresholds())
	want := []struct {
		typ      voice.FailureType
		severity voice.Severity
		turnID   string
	}{
		{voice.FailureInterruption, voice.SeverityLow, "turn-1"},
		{voice.FailureExcessiveSilence, voice.SeverityLow, "turn-3"},
		{voice.FailureSlowResponse, voice.SeverityHigh, "turn-1"},
		{voice.FailureASRLowConfidence, voice.SeverityHigh, "turn-0"},
		{voice.FailureLLMIncorrectIntent, voice.SeverityHigh, "turn-1"},
		{voice.FailureLLMIncorrectIntent, voice.SeverityMedium, "turn-3"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d failures, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		f := got[i]
		if f.Type != w.typ || f.Severity != w.severity || f.TurnID != w.turnID {
			t.Fatalf("failure %d: expected %s/%s/%s, got %+v", i, w.typ, w.severity, w.turnID, f)
		}
		if f.ConversationID != "conv-1" {
			t.Fatalf("expected conversation id on failure, got %+v", f)
		}
		if err := f.Validate(); err != nil {
			t.Fatalf("expected produced failure to validate: %v", err)
		}
	}
	if got[2].SignalName != SignalLLMDuration || *got[2].SignalValue != 6000 || *got[2].Threshold != 2000 {
		t.Fatalf("unexpected slow response signal fields: %+v", got[2])
	}
}

func TestClassifyTriggersAreStrict(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	in := Input{
		Turns:        []TurnObservation{{Actor: voice.ActorAgent, OverlapMs: float64Ptr(0), SilenceAfterUserMs: float64Ptr(3000)}},
		Stages:       []StageObservation{{Type: voice.StageASR, DurationMs: 2000}},
		Recognitions: []RecognitionObservation{{Confidence: 0.7}},
		Evaluations:  []EvaluationObservation{{Relevance: float64Ptr(0.5)}},
	}
	if got := Classify(in, th); len(got) != 0 {
		t.Fatalf("expected no failures exactly at thresholds, got %+v", got)
	}
}

func TestClassifySkipsMissingSignals(t *testing.T) {
	t.Parallel()

	in := Input{
		Turns:       []TurnObservation{{Actor: voice.ActorAgent}},
		Stages:      []StageObservation{{Type: "vad", DurationMs: 99999}},
		Evaluations: []EvaluationObservation{{TurnID: "turn-x"}},
	}
	got := Classify(in, DefaultThresholds())
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil failure list, got %#v", got)
	}
}

func TestClassifyHonoursCustomThresholds(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	th.SlowTTSMs = 500
	in := Input{Stages: []StageObservation{{Type: voice.StageTTS, DurationMs: 800}}}
	got := Classify(in, th)
	if len(got) != 1 || got[0].Severity != voice.SeverityLow {
		t.Fatalf("expected one low slow_response failure, got %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	summary := Summarize([]voice.Failure{
		{Type: voice.FailureInterruption, Severity: voice.SeverityLow},
		{Type: voice.FailureSlowResponse, Severity: voice.SeverityHigh},
		{Type: "mystery", Severity: voice.SeverityMedium},
	})
	if summary.Total != 3 || summary.Worst != voice.SeverityHigh {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.ByType[voice.FailureUnknown] != 1 || summary.ByType[voice.FailureExcessiveSilence] != 0 {
		t.Fatalf("unexpected by-type counts: %+v", summary.ByType)
	}
	if summary.BySeverity[voice.SeverityMedium] != 1 {
		t.Fatalf("unexpected by-severity counts: %+v", summary.BySeverity)
	}
	if empty := Summarize(nil); empty.Worst != "" || empty.Total != 0 {
		t.Fatalf("unexpected empty summary: %+v", empty)
	}
}

func TestThresholdsValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
	mutations := map[string]func(*Thresholds){
		"negative_silence":  func(th *Thresholds) { th.ExcessiveSilenceMs = -1 },
		"confidence_range":  func(th *Thresholds) { th.ASRMinConfidence = 1.5 },
		"relevance_range":   func(th *Thresholds) { th.LLMMinRelevance = -0.1 },
		"inverted_overlap":  func(th *Thresholds) { th.InterruptionLowMaxMs = 600 },
		"inverted_silence":  func(th *Thresholds) { th.SilenceLowMaxMs = 9000 },
		"inverted_slowness": func(th *Thresholds) { th.SlowMediumMaxMs = 1000 },
	}
	for name, mutate := range mutations {
		th := DefaultThresholds()
		mutate(&th)
		if err := th.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseThresholdsYAMLOverlaysDefaults(t *testing.T) {
	t.Parallel()

	th, err := ParseThresholdsYAML([]byte("excessive_silence_ms: 1500\nslow_llm_ms: 4000\n"))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	defaults := DefaultThresholds()
	if th.ExcessiveSilenceMs != 1500 || th.SlowLLMMs != 4000 {
		t.Fatalf("expected overrides to apply, got %+v", th)
	}
	if th.SlowASRMs != defaults.SlowASRMs || th.ASRMinConfidence != defaults.ASRMinConfidence {
		t.Fatalf("expected absent keys to keep defaults, got %+v", th)
	}

	if th, err := ParseThresholdsYAML([]byte("# nothing set\n")); err != nil || th != defaults {
		t.Fatalf("expected comment-only document to yield defaults, got %+v err=%v", th, err)
	}
	if _, err := ParseThresholdsYAML([]byte("slow_vad_ms: 10\n")); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
	if _, err := ParseThresholdsYAML([]byte("asr_min_confidence: 3\n")); err == nil {
		t.Fatalf("expected out-of-range value to be rejected")
	}
}

func TestLoadThresholdsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	if err := os.WriteFile(path, []byte("slow_tts_ms: 900\n"), 0o600); err != nil {
		t.Fatalf("write thresholds: %v", err)
	}

	t.Run("unset_env_uses_defaults", func(t *testing.T) {
		t.Setenv(EnvThresholdsFile, "")
		th, err := ThresholdsFromEnv()
		if err != nil || th != DefaultThresholds() {
			t.Fatalf("expected defaults, got %+v err=%v", th, err)
		}
	})

	t.Run("env_file", func(t *testing.T) {
		t.Setenv(EnvThresholdsFile, path)
		th, err := ThresholdsFromEnv()
		if err != nil {
			t.Fatalf("unexpected env load error: %v", err)
		}
		if th.SlowTTSMs != 900 {
			t.Fatalf("expected file override, got %+v", th)
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		if _, err := LoadThresholdsFile(filepath.Join(dir, "absent.yaml")); err == nil {
			t.Fatalf("expected missing file error")
		}
	})

	t.Run("jsonc_file", func(t *testing.T) {
		jsoncPath := filepath.Join(dir, "thresholds.jsonc")
		body := "{\n  // tighter llm budget\n  \"slow_llm_ms\": 1200,\n  \"llm_min_relevance\": 0.6,\n}\n"
		if err := os.WriteFile(jsoncPath, []byte(body), 0o600); err != nil {
			t.Fatalf("write thresholds: %v", err)
		}
		th, err := LoadThresholdsFile(jsoncPath)
		if err != nil {
			t.Fatalf("unexpected jsonc load error: %v", err)
		}
		if th.SlowLLMMs != 1200 || th.LLMMinRelevance != 0.6 || th.SlowASRMs != DefaultThresholds().SlowASRMs {
			t.Fatalf("expected jsonc overlay on defaults, got %+v", th)
		}
	})
}

func TestParseThresholdsJSONRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	if _, err := ParseThresholdsJSON([]byte(`{"slow_llm": 10}`)); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := ParseThresholdsJSON([]byte(`{"asr_min_confidence": 1.5}`)); err == nil {
		t.Fatalf("expected validation error")
	}
	th, err := ParseThresholdsJSON(nil)
	if err != nil || th != DefaultThresholds() {
		t.Fatalf("expected empty document to yield defaults, got %+v err=%v", th, err)
	}
}

func TestMarshalThresholdsYAMLRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := MarshalThresholdsYAML(DefaultThresholds())
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	if !strings.Contains(string(raw), "excessive_silence_ms: 3000") {
		t.Fatalf("expected snake_case keys in yaml output, got:\n%s", raw)
	}
	th, err := ParseThresholdsYAML(raw)
	if err != nil || th != DefaultThresholds() {
		t.Fatalf("expected defaults to round-trip, got %+v err=%v", th, err)
	}
}
